// Package engine defines the execution-engine boundary: the event variants a
// listener pulls from an engine's stream for one submitted graph.
package engine

type EventType string

const (
	// EventStarted marks the engine picking up the graph for execution.
	EventStarted EventType = "started"
	// EventProgress carries a 0..1 execution fraction.
	EventProgress EventType = "progress"
	// EventArtifact announces one produced output artifact.
	EventArtifact EventType = "artifact"
	// EventCompleted is the terminal success event.
	EventCompleted EventType = "completed"
	// EventError is the terminal failure event. The stream client also
	// synthesizes it after exhausting reconnect attempts so no job is left
	// running on a dead stream.
	EventError EventType = "error"
	// EventDisconnected signals a dropped stream; the listener may redial.
	EventDisconnected EventType = "disconnected"
)

// Event is a single engine lifecycle event correlated to one submission.
type Event struct {
	Type     EventType
	PromptID string

	// Progress fraction, set for EventProgress.
	Progress float64
	// Artifact, set for EventArtifact.
	Artifact *Artifact
	// Detail, set for EventError.
	Detail string
}

// Artifact locates one produced output on the engine side.
type Artifact struct {
	NodeID    string
	Filename  string
	Subfolder string
	Kind      string
	// URL is where the artifact bytes can be fetched from the engine.
	URL string
}

// Terminal reports whether the event ends the stream for its prompt.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventError
}
