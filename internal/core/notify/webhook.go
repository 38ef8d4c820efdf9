// Package notify delivers job terminal-state notifications to a configured
// webhook subscriber. Delivery is at-least-once and best-effort: the
// subscriber deduplicates on (job_id, state), and exhausted retries are
// logged, never escalated into job state.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jhj0517/ComfyUI-backend/internal/core/job"
	"github.com/jhj0517/ComfyUI-backend/internal/errdefs"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body,
// prefixed with the scheme.
const SignatureHeader = "X-Comfyd-Signature"

type Notifier struct {
	url         string
	secret      []byte
	maxAttempts int
	baseBackoff time.Duration
	http        *http.Client
}

func New(url, secret string, maxAttempts int, baseBackoff time.Duration) *Notifier {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	return &Notifier{
		url:         url,
		secret:      []byte(secret),
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		http:        &http.Client{Timeout: 15 * time.Second},
	}
}

// Payload describes a terminal job to the subscriber.
type Payload struct {
	JobID        string          `json:"job_id"`
	WorkflowName string          `json:"workflow_name"`
	State        string          `json:"state"`
	Progress     float64         `json:"progress"`
	ResultRefs   []job.ResultRef `json:"result_refs,omitempty"`
	Error        *job.Error      `json:"error,omitempty"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// Notify posts the terminal-state payload, retrying with exponential backoff
// and jitter until acknowledged or attempts are exhausted.
func (n *Notifier) Notify(ctx context.Context, j *job.Job) error {
	body, err := json.Marshal(Payload{
		JobID:        j.ID,
		WorkflowName: j.WorkflowName,
		State:        string(j.State),
		Progress:     j.Progress,
		ResultRefs:   j.ResultRefs,
		Error:        j.Error,
		FinishedAt:   j.UpdatedAt,
	})
	if err != nil {
		return errdefs.Notification(err, "encode payload")
	}

	signature := n.sign(body)

	backoff := n.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return errdefs.Notification(ctx.Err(), "notification abandoned")
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
		}

		lastErr = n.post(ctx, body, signature)
		if lastErr == nil {
			log.Debug().Str("job_id", j.ID).Str("state", string(j.State)).
				Int("attempt", attempt).Msg("webhook delivered")
			return nil
		}
		log.Warn().Err(lastErr).Str("job_id", j.ID).
			Int("attempt", attempt).Msg("webhook delivery failed")
	}

	return errdefs.Notification(lastErr, "webhook delivery exhausted %d attempts", n.maxAttempts)
}

func (n *Notifier) post(ctx context.Context, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("subscriber returned %s", resp.Status)
	}
	return nil
}

func (n *Notifier) sign(body []byte) string {
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature against a body, for subscribers and tests.
func Verify(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
