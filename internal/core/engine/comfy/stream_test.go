package comfy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhj0517/ComfyUI-backend/internal/core/engine"
)

// wsStub upgrades /ws and replays a fixed list of frames, then closes.
func wsStub(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ws", r.URL.Path)
		require.Equal(t, "test-client", r.URL.Query().Get("clientId"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		for _, f := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
		}
		// Give the reader a moment to drain before the close handshake.
		time.Sleep(50 * time.Millisecond)
	}))
}

func dialStub(t *testing.T, srv *httptest.Server) *Stream {
	t.Helper()
	c := NewClient(srv.URL, "test-client", 5*time.Second)
	s, err := c.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStream_Lifecycle(t *testing.T) {
	srv := wsStub(t, []string{
		`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}}}`,
		`{"type": "executing", "data": {"node": "4", "prompt_id": "p1"}}`,
		`{"type": "executing", "data": {"node": "3", "prompt_id": "p1"}}`,
		`{"type": "progress", "data": {"value": 10, "max": 20, "prompt_id": "p1"}}`,
		`{"type": "executed", "data": {"node": "9", "prompt_id": "p1", "output": {"images": [{"filename": "out_00001.png", "subfolder": "", "type": "output"}]}}}`,
		`{"type": "executing", "data": {"node": null, "prompt_id": "p1"}}`,
	})
	defer srv.Close()
	s := dialStub(t, srv)

	ev, err := s.Next("p1")
	require.NoError(t, err)
	assert.Equal(t, engine.EventStarted, ev.Type)

	// The second executing frame is not a lifecycle transition; progress is next.
	ev, err = s.Next("p1")
	require.NoError(t, err)
	assert.Equal(t, engine.EventProgress, ev.Type)
	assert.Equal(t, 0.5, ev.Progress)

	ev, err = s.Next("p1")
	require.NoError(t, err)
	assert.Equal(t, engine.EventArtifact, ev.Type)
	require.NotNil(t, ev.Artifact)
	assert.Equal(t, "out_00001.png", ev.Artifact.Filename)
	assert.Equal(t, "9", ev.Artifact.NodeID)

	ev, err = s.Next("p1")
	require.NoError(t, err)
	assert.Equal(t, engine.EventCompleted, ev.Type)
}

func TestStream_FiltersOtherPrompts(t *testing.T) {
	srv := wsStub(t, []string{
		`{"type": "executing", "data": {"node": "4", "prompt_id": "other"}}`,
		`{"type": "progress", "data": {"value": 5, "max": 10, "prompt_id": "other"}}`,
		`{"type": "executing", "data": {"node": "4", "prompt_id": "p1"}}`,
	})
	defer srv.Close()
	s := dialStub(t, srv)

	ev, err := s.Next("p1")
	require.NoError(t, err)
	assert.Equal(t, engine.EventStarted, ev.Type)
	assert.Equal(t, "p1", ev.PromptID)
}

func TestStream_MultiImageExecuted(t *testing.T) {
	srv := wsStub(t, []string{
		`{"type": "executing", "data": {"node": "9", "prompt_id": "p1"}}`,
		`{"type": "executed", "data": {"node": "9", "prompt_id": "p1", "output": {"images": [
			{"filename": "a.png", "subfolder": "", "type": "output"},
			{"filename": "b.png", "subfolder": "", "type": "output"}
		]}}}`,
	})
	defer srv.Close()
	s := dialStub(t, srv)

	ev, err := s.Next("p1")
	require.NoError(t, err)
	require.Equal(t, engine.EventStarted, ev.Type)

	ev, err = s.Next("p1")
	require.NoError(t, err)
	require.Equal(t, engine.EventArtifact, ev.Type)
	assert.Equal(t, "a.png", ev.Artifact.Filename)

	ev, err = s.Next("p1")
	require.NoError(t, err)
	require.Equal(t, engine.EventArtifact, ev.Type)
	assert.Equal(t, "b.png", ev.Artifact.Filename)
}

func TestStream_ExecutionError(t *testing.T) {
	srv := wsStub(t, []string{
		`{"type": "execution_error", "data": {"prompt_id": "p1", "node_id": "3", "node_type": "KSampler", "exception_message": "CUDA out of memory", "exception_type": "OutOfMemoryError"}}`,
	})
	defer srv.Close()
	s := dialStub(t, srv)

	ev, err := s.Next("p1")
	require.NoError(t, err)
	assert.Equal(t, engine.EventError, ev.Type)
	assert.Equal(t, "KSampler: CUDA out of memory", ev.Detail)
}

func TestStream_DisconnectSurfaces(t *testing.T) {
	srv := wsStub(t, nil)
	defer srv.Close()
	s := dialStub(t, srv)

	ev, err := s.Next("p1")
	require.Error(t, err)
	assert.Equal(t, engine.EventDisconnected, ev.Type)
}

func TestStream_ContextCancelClosesConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		// Hold the connection open; the client side tears it down.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(srv.URL, "test-client", 5*time.Second)
	s, err := c.Dial(ctx)
	require.NoError(t, err)

	cancel()

	ev, err := s.Next("p1")
	require.Error(t, err)
	assert.Equal(t, engine.EventDisconnected, ev.Type)
}
