package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jhj0517/ComfyUI-backend/internal/errdefs"
)

// memoryStore is an in-process Store for tests and single-node dev runs.
// Records expire lazily on access after the TTL, mirroring the Redis store.
type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]memoryRecord
	ttl  time.Duration
}

type memoryRecord struct {
	job       *Job
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) Store {
	return &memoryStore{
		jobs: make(map[string]memoryRecord),
		ttl:  ttl,
	}
}

func (s *memoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[j.ID]; ok && time.Now().Before(rec.expiresAt) {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = memoryRecord{job: j.Clone(), expiresAt: time.Now().Add(s.ttl)}
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || time.Now().After(rec.expiresAt) {
		delete(s.jobs, id)
		return nil, errdefs.NotFound("job %q not found", id)
	}
	return rec.job.Clone(), nil
}

func (s *memoryStore) Update(_ context.Context, id string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || time.Now().After(rec.expiresAt) {
		delete(s.jobs, id)
		return nil, errdefs.NotFound("job %q not found", id)
	}

	j := rec.job.Clone()
	if err := fn(j); err != nil {
		return j, err
	}
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = memoryRecord{job: j, expiresAt: rec.expiresAt}
	return j.Clone(), nil
}
