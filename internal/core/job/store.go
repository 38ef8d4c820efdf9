package job

import (
	"context"
	"errors"
)

// ErrSkip aborts a Store.Update without writing. Update returns the current
// record and ErrSkip so callers can tell a dropped mutation from a failure.
var ErrSkip = errors.New("job: update skipped")

// Store is the record store for jobs: one TTL-bounded record per job id.
// Update must be an atomic per-key read-modify-write so a concurrent Get
// never observes a partially-applied transition.
type Store interface {
	// Create stores a new record. Fails if the id already exists.
	Create(ctx context.Context, j *Job) error
	// Get returns a copy of the record, or an errdefs NotFound error.
	Get(ctx context.Context, id string) (*Job, error)
	// Update applies fn to the current record atomically and persists the
	// result. fn returning ErrSkip leaves the record untouched.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
}
