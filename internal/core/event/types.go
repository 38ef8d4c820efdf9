package event

import "time"

type EventType string

const (
	// Job lifecycle
	EventJobCreated   EventType = "job.created"
	EventJobQueued    EventType = "job.queued"
	EventJobStarted   EventType = "job.started"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// JobEvent is the payload for job lifecycle events. Terminal-state
// subscribers (delivery, webhook) re-read the record from the store; the
// payload carries only what is needed to find and describe it.
type JobEvent struct {
	JobID        string
	PromptID     string
	WorkflowName string
	State        string
	Error        string
}
