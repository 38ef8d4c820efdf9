package job

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jhj0517/ComfyUI-backend/internal/core/engine"
	"github.com/jhj0517/ComfyUI-backend/internal/core/event"
	"github.com/jhj0517/ComfyUI-backend/internal/core/workflow"
	"github.com/jhj0517/ComfyUI-backend/internal/errdefs"
)

// Machine owns every transition of a job record. All writes go through
// Store.Update so concurrent events for one job serialize on the record, and
// events that are not a legal transition from the current state are dropped
// rather than applied.
type Machine struct {
	store Store
	bus   event.Bus
}

func NewMachine(store Store, bus event.Bus) *Machine {
	return &Machine{store: store, bus: bus}
}

func (m *Machine) Store() Store { return m.store }

// Create admits a request: a fresh record in CREATED. The only place job
// records come into existence.
func (m *Machine) Create(ctx context.Context, workflowName string, mods workflow.Modifications) (*Job, error) {
	now := time.Now().UTC()
	j := &Job{
		ID:            uuid.NewString(),
		WorkflowName:  workflowName,
		Modifications: mods,
		State:         StateCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.Create(ctx, j); err != nil {
		return nil, err
	}
	m.publish(ctx, event.EventJobCreated, j)
	return j, nil
}

// MarkQueued records a successful engine submission: CREATED -> QUEUED with
// the engine correlation id pinned for the job's lifetime.
func (m *Machine) MarkQueued(ctx context.Context, jobID, promptID string) (*Job, error) {
	j, err := m.transition(ctx, jobID, func(j *Job) error {
		if j.State != StateCreated {
			return ErrSkip
		}
		j.State = StateQueued
		j.PromptID = promptID
		return nil
	})
	if err == nil {
		m.publish(ctx, event.EventJobQueued, j)
	}
	return j, err
}

// FailSubmission records an engine rejection at submit time: CREATED -> FAILED.
func (m *Machine) FailSubmission(ctx context.Context, jobID string, detail string) (*Job, error) {
	var becameTerminal bool
	j, err := m.transition(ctx, jobID, func(j *Job) error {
		if j.State != StateCreated {
			return ErrSkip
		}
		j.State = StateFailed
		j.Error = &Error{Kind: errdefs.KindEngineSubmission, Detail: detail}
		becameTerminal = true
		return nil
	})
	if err == nil && becameTerminal {
		m.publish(ctx, event.EventJobFailed, j)
	}
	return j, err
}

// Apply advances the record for one engine event. Events that do not
// correspond to a legal transition from the record's current state are
// dropped: the returned job reflects the stored record either way.
func (m *Machine) Apply(ctx context.Context, jobID string, ev engine.Event) (*Job, error) {
	var completed, failed bool

	j, err := m.store.Update(ctx, jobID, func(j *Job) error {
		if j.State.Terminal() {
			return ErrSkip
		}
		switch ev.Type {
		case engine.EventStarted:
			if j.State != StateQueued {
				return ErrSkip
			}
			j.State = StateRunning

		case engine.EventProgress:
			if j.State != StateRunning {
				return ErrSkip
			}
			// Progress never moves backward.
			if ev.Progress > j.Progress {
				j.Progress = ev.Progress
			}

		case engine.EventArtifact:
			if j.State != StateRunning || ev.Artifact == nil {
				return ErrSkip
			}
			j.ResultRefs = append(j.ResultRefs, ResultRef{
				NodeID:   ev.Artifact.NodeID,
				Filename: ev.Artifact.Filename,
				Location: ev.Artifact.URL,
			})

		case engine.EventCompleted:
			if j.State != StateRunning {
				return ErrSkip
			}
			j.State = StateCompleted
			j.Progress = 1
			completed = true

		case engine.EventError:
			if j.State != StateQueued && j.State != StateRunning {
				return ErrSkip
			}
			j.State = StateFailed
			j.Error = &Error{Kind: errdefs.KindEngineExecution, Detail: ev.Detail}
			failed = true

		default:
			return ErrSkip
		}
		return nil
	})

	if errors.Is(err, ErrSkip) {
		log.Debug().Str("job_id", jobID).Str("event", string(ev.Type)).
			Msg("engine event dropped: no legal transition")
		return j, nil
	}
	if err != nil {
		return nil, err
	}

	switch {
	case completed:
		m.publish(ctx, event.EventJobCompleted, j)
	case failed:
		m.publish(ctx, event.EventJobFailed, j)
	}
	return j, nil
}

// Cancel moves any non-terminal job to CANCELLED. Cancelling a terminal job
// is a no-op and reported as such.
func (m *Machine) Cancel(ctx context.Context, jobID string) (*Job, bool, error) {
	j, err := m.transition(ctx, jobID, func(j *Job) error {
		if j.State.Terminal() {
			return ErrSkip
		}
		j.State = StateCancelled
		return nil
	})
	if errors.Is(err, ErrSkip) {
		return j, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m.publish(ctx, event.EventJobCancelled, j)
	return j, true, nil
}

// AppendDelivery attaches the delivery outcome to a completed record. The
// one permitted post-terminal write: metadata only, state untouched.
func (m *Machine) AppendDelivery(ctx context.Context, jobID string, status DeliveryStatus) (*Job, error) {
	return m.store.Update(ctx, jobID, func(j *Job) error {
		if j.State != StateCompleted {
			return ErrSkip
		}
		j.Delivery = &status
		return nil
	})
}

func (m *Machine) transition(ctx context.Context, jobID string, fn func(*Job) error) (*Job, error) {
	return m.store.Update(ctx, jobID, fn)
}

func (m *Machine) publish(ctx context.Context, typ event.EventType, j *Job) {
	if m.bus == nil {
		return
	}
	var errDetail string
	if j.Error != nil {
		errDetail = j.Error.Detail
	}
	m.bus.Publish(ctx, event.Event{
		Type: typ,
		Payload: event.JobEvent{
			JobID:        j.ID,
			PromptID:     j.PromptID,
			WorkflowName: j.WorkflowName,
			State:        string(j.State),
			Error:        errDetail,
		},
	})
}
