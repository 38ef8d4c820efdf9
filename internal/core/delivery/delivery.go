// Package delivery uploads completed-job artifacts to object storage and
// mints access URLs. Delivery is a post-completion side effect: its failures
// degrade service but never touch job state.
package delivery

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jhj0517/ComfyUI-backend/internal/core/job"
)

type Deliverer struct {
	objects ObjectStore
	signer  *URLSigner // nil when no CDN is configured
	http    *http.Client
	prefix  string
	cleanup bool
	tempDir string
}

type Option func(*Deliverer)

func WithSigner(s *URLSigner) Option {
	return func(d *Deliverer) { d.signer = s }
}

func WithCleanup(cleanup bool) Option {
	return func(d *Deliverer) { d.cleanup = cleanup }
}

func WithTempDir(dir string) Option {
	return func(d *Deliverer) { d.tempDir = dir }
}

func New(objects ObjectStore, prefix string, opts ...Option) *Deliverer {
	d := &Deliverer{
		objects: objects,
		prefix:  prefix,
		cleanup: true,
		http:    &http.Client{Timeout: 2 * time.Minute},
		tempDir: os.TempDir(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver uploads every artifact of a completed job. One artifact failing
// does not block the rest; the outcome records success or failure per
// artifact.
func (d *Deliverer) Deliver(ctx context.Context, j *job.Job) job.DeliveryStatus {
	status := job.DeliveryStatus{
		Artifacts: make([]job.ArtifactDelivery, 0, len(j.ResultRefs)),
	}

	for _, ref := range j.ResultRefs {
		out := d.deliverOne(ctx, j.ID, ref)
		if out.Error != "" {
			log.Warn().Str("job_id", j.ID).Str("filename", out.Filename).
				Str("error", out.Error).Msg("artifact delivery failed")
		} else {
			log.Debug().Str("job_id", j.ID).Str("filename", out.Filename).
				Str("storage_uri", out.StorageURI).Msg("artifact delivered")
		}
		status.Artifacts = append(status.Artifacts, out)
	}

	status.FinishedAt = time.Now().UTC()
	return status
}

func (d *Deliverer) deliverOne(ctx context.Context, jobID string, ref job.ResultRef) job.ArtifactDelivery {
	out := job.ArtifactDelivery{Filename: ref.Filename}

	localPath, err := d.fetch(ctx, ref)
	if err != nil {
		out.Error = fmt.Sprintf("fetch artifact: %v", err)
		return out
	}
	if d.cleanup {
		defer func() { _ = os.Remove(localPath) }()
	}

	f, err := os.Open(localPath)
	if err != nil {
		out.Error = fmt.Sprintf("open artifact: %v", err)
		return out
	}
	defer func() { _ = f.Close() }()

	key := d.objectKey(ref.Filename)
	contentType := mime.TypeByExtension(filepath.Ext(ref.Filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uri, err := d.objects.Put(ctx, key, f, contentType)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.StorageURI = uri
	out.URL = uri

	if d.signer != nil {
		signed, err := d.signer.URL(key)
		if err != nil {
			// The object is stored; a signing failure only costs the CDN URL.
			log.Warn().Err(err).Str("job_id", jobID).Str("key", key).Msg("url signing failed")
		} else {
			out.URL = signed
		}
	}
	return out
}

// fetch downloads the artifact from the engine to a local temp file.
func (d *Deliverer) fetch(ctx context.Context, ref job.ResultRef) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.Location, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("engine returned %s", resp.Status)
	}

	// Unique per fetch: concurrent jobs can deliver identical filenames.
	f, err := os.CreateTemp(d.tempDir, "*_"+filepath.Base(ref.Filename))
	if err != nil {
		return "", err
	}
	localPath := f.Name()
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(localPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return localPath, nil
}

// objectKey builds <prefix><date>/<short-id>_<filename>.
func (d *Deliverer) objectKey(filename string) string {
	datePrefix := time.Now().UTC().Format("2006-01-02")
	shortID := uuid.NewString()[:8]
	return fmt.Sprintf("%s%s/%s_%s", d.prefix, datePrefix, shortID, filename)
}
