package comfy

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/jhj0517/ComfyUI-backend/internal/core/engine"
)

// Stream is one websocket connection to the engine's event feed. A stream is
// not restartable: a fresh Dial establishes a new connection and may miss
// events sent before it connected, so callers dial before submitting.
type Stream struct {
	client *Client
	conn   *websocket.Conn

	mu      sync.Mutex
	pending []engine.Event
	started map[string]bool

	closeOnce sync.Once
}

// Dial opens the event stream for this client id. The connection is torn
// down when ctx is cancelled.
func (c *Client) Dial(ctx context.Context) (*Stream, error) {
	wsURL := strings.Replace(c.baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL += "/ws?clientId=" + c.clientID

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s := &Stream{
		client:  c,
		conn:    conn,
		started: make(map[string]bool),
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s, nil
}

func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// wire message shapes, per the ComfyUI websocket protocol
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type progressData struct {
	Value    float64 `json:"value"`
	Max      float64 `json:"max"`
	PromptID string  `json:"prompt_id"`
}

type executedData struct {
	Node     string `json:"node"`
	PromptID string `json:"prompt_id"`
	Output   struct {
		Images []historyImage `json:"images"`
	} `json:"output"`
}

type executionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
}

// Next pulls the next event for promptID, blocking until one arrives or the
// connection drops. A dropped connection surfaces as EventDisconnected; the
// stream is dead afterwards and the caller must dial a fresh one.
func (s *Stream) Next(promptID string) (engine.Event, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		return ev, nil
	}
	s.mu.Unlock()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return engine.Event{Type: engine.EventDisconnected, PromptID: promptID}, err
		}
		// Binary frames carry preview image data; not lifecycle events.
		if msgType != websocket.TextMessage {
			continue
		}

		ev, ok := s.decode(data, promptID)
		if ok {
			return ev, nil
		}
	}
}

func (s *Stream) decode(data []byte, promptID string) (engine.Event, bool) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Msg("engine stream: undecodable message")
		return engine.Event{}, false
	}

	switch msg.Type {
	case "executing":
		var d executingData
		if err := json.Unmarshal(msg.Data, &d); err != nil || d.PromptID != promptID {
			return engine.Event{}, false
		}
		if d.Node == nil {
			return engine.Event{Type: engine.EventCompleted, PromptID: promptID}, true
		}
		s.mu.Lock()
		first := !s.started[promptID]
		s.started[promptID] = true
		s.mu.Unlock()
		if first {
			return engine.Event{Type: engine.EventStarted, PromptID: promptID}, true
		}
		return engine.Event{}, false

	case "progress":
		var d progressData
		if err := json.Unmarshal(msg.Data, &d); err != nil || d.PromptID != promptID || d.Max <= 0 {
			return engine.Event{}, false
		}
		return engine.Event{
			Type:     engine.EventProgress,
			PromptID: promptID,
			Progress: d.Value / d.Max,
		}, true

	case "executed":
		var d executedData
		if err := json.Unmarshal(msg.Data, &d); err != nil || d.PromptID != promptID {
			return engine.Event{}, false
		}
		if len(d.Output.Images) == 0 {
			return engine.Event{}, false
		}
		events := make([]engine.Event, 0, len(d.Output.Images))
		for _, img := range d.Output.Images {
			art := s.client.artifact(d.Node, img.Filename, img.Subfolder, img.Type)
			events = append(events, engine.Event{
				Type:     engine.EventArtifact,
				PromptID: promptID,
				Artifact: &art,
			})
		}
		s.mu.Lock()
		s.pending = append(s.pending, events[1:]...)
		s.mu.Unlock()
		return events[0], true

	case "execution_error":
		var d executionErrorData
		if err := json.Unmarshal(msg.Data, &d); err != nil || d.PromptID != promptID {
			return engine.Event{}, false
		}
		detail := d.ExceptionMessage
		if d.NodeType != "" {
			detail = d.NodeType + ": " + detail
		}
		return engine.Event{Type: engine.EventError, PromptID: promptID, Detail: detail}, true
	}

	return engine.Event{}, false
}
