// Package comfy is the ComfyUI engine client: HTTP for graph submission and
// history, websocket for the execution event stream.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jhj0517/ComfyUI-backend/internal/core/engine"
	"github.com/jhj0517/ComfyUI-backend/internal/core/workflow"
	"github.com/jhj0517/ComfyUI-backend/internal/errdefs"
)

// Client talks to one ComfyUI server.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
}

func NewClient(baseURL, clientID string, submitTimeout time.Duration) *Client {
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		clientID: clientID,
		http:     &http.Client{Timeout: submitTimeout},
	}
}

func (c *Client) ClientID() string { return c.clientID }

type promptRequest struct {
	Prompt   workflow.Graph `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type promptResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

// SubmitPrompt queues a concrete graph on the engine and returns the prompt
// id the engine correlates execution events with. Any failure here is an
// immediate submission error, never an asynchronous event.
func (c *Client) SubmitPrompt(ctx context.Context, graph workflow.Graph) (string, error) {
	body, err := json.Marshal(promptRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", errdefs.EngineSubmission(err, "encode prompt")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", errdefs.EngineSubmission(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errdefs.EngineSubmission(err, "engine unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errdefs.EngineSubmission(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errdefs.EngineSubmission(nil, "engine rejected prompt: %s: %s", resp.Status, truncate(respBody, 512))
	}

	var pr promptResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return "", errdefs.EngineSubmission(err, "decode response")
	}
	if pr.PromptID == "" {
		return "", errdefs.EngineSubmission(nil, "engine returned no prompt id")
	}
	return pr.PromptID, nil
}

// Interrupt asks the engine to stop the currently executing prompt.
// Best-effort cancel propagation.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("interrupt: %s", resp.Status)
	}
	return nil
}

type historyImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyOutput struct {
	Images []historyImage `json:"images"`
}

type historyEntry struct {
	Outputs map[string]historyOutput `json:"outputs"`
}

// Artifacts fetches the execution history for a prompt and returns the
// artifacts of every output node, in engine order.
func (c *Client) Artifacts(ctx context.Context, promptID string) ([]engine.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch history: %s", resp.Status)
	}

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, nil
	}

	var artifacts []engine.Artifact
	for nodeID, out := range entry.Outputs {
		for _, img := range out.Images {
			artifacts = append(artifacts, c.artifact(nodeID, img.Filename, img.Subfolder, img.Type))
		}
	}
	return artifacts, nil
}

// ViewURL builds the engine URL serving an output file.
func (c *Client) ViewURL(filename, subfolder, kind string) string {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", kind)
	return c.baseURL + "/view?" + q.Encode()
}

func (c *Client) artifact(nodeID, filename, subfolder, kind string) engine.Artifact {
	return engine.Artifact{
		NodeID:    nodeID,
		Filename:  filename,
		Subfolder: subfolder,
		Kind:      kind,
		URL:       c.ViewURL(filename, subfolder, kind),
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
