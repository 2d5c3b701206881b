package jobq

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-process Store used by tests and single-process
// deployments without a shared queue backend.
type MemStore struct {
	mu      sync.Mutex
	jobs    map[string]*Envelope
	queues  map[string][]string
	cancels map[string]bool
	deps    map[string][]string
	wake    chan struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		jobs:    make(map[string]*Envelope),
		queues:  make(map[string][]string),
		cancels: make(map[string]bool),
		deps:    make(map[string][]string),
		wake:    make(chan struct{}, 1),
	}
}

func (s *MemStore) Create(ctx context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *env
	s.jobs[env.JobID] = &clone
	switch env.Status {
	case StatusQueued:
		s.queues[env.Queue] = append(s.queues[env.Queue], env.JobID)
		s.signal()
	case StatusDeferred:
		if env.DependsOn == "" {
			return fmt.Errorf("deferred job %s has no parent", env.JobID)
		}
		s.deps[env.DependsOn] = append(s.deps[env.DependsOn], env.JobID)
	default:
		return fmt.Errorf("create job %s in status %s", env.JobID, env.Status)
	}
	return nil
}

func (s *MemStore) Get(ctx context.Context, jobID string) (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	clone := *env
	return &clone, nil
}

func (s *MemStore) Save(ctx context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *env
	s.jobs[env.JobID] = &clone
	return nil
}

func (s *MemStore) PopNext(ctx context.Context, queues []string, block time.Duration) (*Envelope, error) {
	deadline := time.Now().Add(block)
	for {
		s.mu.Lock()
		for _, q := range queues {
			ids := s.queues[q]
			if len(ids) == 0 {
				continue
			}
			id := ids[0]
			s.queues[q] = ids[1:]
			env, ok := s.jobs[id]
			if !ok {
				s.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
			}
			clone := *env
			s.mu.Unlock()
			return &clone, nil
		}
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.wake:
		case <-time.After(remaining):
		}
	}
}

func (s *MemStore) Requeue(ctx context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *env
	s.jobs[env.JobID] = &clone
	s.queues[env.Queue] = append(s.queues[env.Queue], env.JobID)
	s.signal()
	return nil
}

func (s *MemStore) RequestCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[jobID] = true
	return nil
}

func (s *MemStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels[jobID], nil
}

func (s *MemStore) Dependents(ctx context.Context, parentID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.deps[parentID]
	delete(s.deps, parentID)
	return ids, nil
}

// signal wakes one blocked PopNext. Callers hold s.mu.
func (s *MemStore) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
