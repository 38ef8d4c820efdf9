package orchestrator

import (
	"context"
	"sync"
)

// listenerRegistry maps an engine correlation id to the cancel handle of the
// one listener task consuming that stream. Inserted at submission, removed
// when the listener exits; a second listener for the same id is rejected so
// terminal events are never double-processed.
type listenerRegistry struct {
	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{active: make(map[string]context.CancelCauseFunc)}
}

func (r *listenerRegistry) Add(promptID string, cancel context.CancelCauseFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[promptID]; exists {
		return false
	}
	r.active[promptID] = cancel
	return true
}

func (r *listenerRegistry) Remove(promptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, promptID)
}

// Cancel signals the listener for promptID to stop, if one is active.
func (r *listenerRegistry) Cancel(promptID string, cause error) bool {
	r.mu.Lock()
	cancel, ok := r.active[promptID]
	r.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

func (r *listenerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
