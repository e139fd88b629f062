package jobs

import (
	"context"
	"sync"
	"time"
)

// Store persists job records. Implementations must return clones; callers
// own what they get back.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// List returns jobs newest first. limit <= 0 means all.
	List(ctx context.Context, limit, offset int) ([]*Job, error)
	// Current returns the most recently created job, or nil.
	Current(ctx context.Context) (*Job, error)
	// Prune removes terminal jobs older than the given duration and
	// returns how many it removed.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

// MemoryStore keeps jobs in memory, remembering insertion order.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	keys []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.keys = append(s.keys, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.keys) {
		return nil, nil
	}
	n := len(s.keys) - offset
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]*Job, 0, n)
	for i := 0; i < n; i++ {
		if job, ok := s.jobs[s.keys[len(s.keys)-1-offset-i]]; ok {
			result = append(result, job.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) Current(ctx context.Context) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.keys) == 0 {
		return nil, nil
	}
	return s.jobs[s.keys[len(s.keys)-1]].Clone(), nil
}

func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	var kept []string
	for _, id := range s.keys {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			pruned++
			continue
		}
		kept = append(kept, id)
	}
	s.keys = kept
	return pruned, nil
}

func (s *MemoryStore) Close() error { return nil }
