// Package job holds the job record model, the record store, and the state
// machine that owns every write to a job's record.
package job

import (
	"time"

	"github.com/jhj0517/ComfyUI-backend/internal/core/workflow"
	"github.com/jhj0517/ComfyUI-backend/internal/errdefs"
)

type State string

const (
	StateCreated   State = "created"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions may leave the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Error describes why a job failed.
type Error struct {
	Kind   errdefs.Kind `json:"kind"`
	Detail string       `json:"detail"`
}

// ResultRef locates one produced artifact. Appended in order while the job
// runs; frozen once the job is terminal.
type ResultRef struct {
	NodeID   string `json:"node_id,omitempty"`
	Filename string `json:"filename"`
	Location string `json:"location"`
}

// ArtifactDelivery records the delivery outcome for one artifact.
type ArtifactDelivery struct {
	Filename   string `json:"filename"`
	StorageURI string `json:"storage_uri,omitempty"`
	URL        string `json:"url,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DeliveryStatus is non-authoritative metadata appended after a job reaches
// COMPLETED. It never feeds back into State.
type DeliveryStatus struct {
	FinishedAt time.Time          `json:"finished_at"`
	Artifacts  []ArtifactDelivery `json:"artifacts"`
}

// Job is one tracked asynchronous generation request.
type Job struct {
	ID            string                 `json:"id"`
	PromptID      string                 `json:"prompt_id,omitempty"`
	WorkflowName  string                 `json:"workflow_name"`
	Modifications workflow.Modifications `json:"modifications,omitempty"`
	State         State                  `json:"state"`
	Progress      float64                `json:"progress"`
	ResultRefs    []ResultRef            `json:"result_refs,omitempty"`
	Error         *Error                 `json:"error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Delivery      *DeliveryStatus        `json:"delivery,omitempty"`
}

// Clone returns a copy that shares no mutable state with the receiver.
func (j *Job) Clone() *Job {
	out := *j
	if j.ResultRefs != nil {
		out.ResultRefs = append([]ResultRef(nil), j.ResultRefs...)
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.Delivery != nil {
		d := *j.Delivery
		d.Artifacts = append([]ArtifactDelivery(nil), j.Delivery.Artifacts...)
		out.Delivery = &d
	}
	if j.Modifications != nil {
		mods := make(workflow.Modifications, len(j.Modifications))
		for node, fields := range j.Modifications {
			f := make(map[string]any, len(fields))
			for k, v := range fields {
				f[k] = v
			}
			mods[node] = f
		}
		out.Modifications = mods
	}
	return &out
}
