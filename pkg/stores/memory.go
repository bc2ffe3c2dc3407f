package stores

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// MemoryTaskStore keeps tasks in process memory. Reads take the read lock
// only and every returned task is a deep copy.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*engine.Task
	order []string
	now   func() time.Time
}

// NewMemoryTaskStore returns an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[string]*engine.Task),
		now:   time.Now,
	}
}

// Create stores a new PENDING task and returns its ID.
func (s *MemoryTaskStore) Create(_ context.Context, req engine.Request) (string, error) {
	now := s.now().UTC()
	task := &engine.Task{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    engine.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	task = task.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	return task.ID, nil
}

// Get returns a copy of the task.
func (s *MemoryTaskStore) Get(_ context.Context, id string) (*engine.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, engine.NewNotFoundError(id)
	}
	return task.Clone(), nil
}

// List returns copies of all tasks in insertion order.
func (s *MemoryTaskStore) List(_ context.Context) ([]*engine.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*engine.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out, nil
}

// UpdateStatus moves a task from one status to another.
func (s *MemoryTaskStore) UpdateStatus(_ context.Context, id string, from, to engine.TaskStatus) error {
	if err := checkTransition(id, from, to); err != nil {
		return err
	}
	return s.update(id, from, func(t *engine.Task) {
		t.Status = to
	})
}

// UpdateResult settles a task as SUCCEEDED.
func (s *MemoryTaskStore) UpdateResult(_ context.Context, id string, from engine.TaskStatus, result engine.Result) error {
	if err := checkTransition(id, from, engine.StatusSucceeded); err != nil {
		return err
	}
	r := result
	r.Facts = result.Facts.Clone()
	if result.Warnings != nil {
		r.Warnings = append([]engine.Warning(nil), result.Warnings...)
	}
	return s.update(id, from, func(t *engine.Task) {
		t.Status = engine.StatusSucceeded
		t.Result = &r
		t.Failure = nil
	})
}

// UpdateFailure settles a task as FAILED.
func (s *MemoryTaskStore) UpdateFailure(_ context.Context, id string, from engine.TaskStatus, failure engine.Failure) error {
	if err := checkTransition(id, from, engine.StatusFailed); err != nil {
		return err
	}
	f := failure
	return s.update(id, from, func(t *engine.Task) {
		t.Status = engine.StatusFailed
		t.Failure = &f
		t.Result = nil
	})
}

// Delete removes a task.
func (s *MemoryTaskStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return engine.NewNotFoundError(id)
	}
	delete(s.tasks, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryTaskStore) HealthCheck(context.Context) error {
	return nil
}

func (s *MemoryTaskStore) update(id string, from engine.TaskStatus, mutate func(*engine.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return casError(id, false, "", from)
	}
	if task.Status != from {
		return casError(id, true, task.Status, from)
	}
	mutate(task)
	task.UpdatedAt = nextUpdate(task.UpdatedAt, s.now().UTC())
	return nil
}
