package task

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/wire"
)

// Store errors.
var (
	ErrExists            = errors.New("task already exists")
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTerminal          = errors.New("task already terminal")
	ErrNotInProgress     = errors.New("task not in progress")
)

// DefaultSoftCap is the default cap above which the oldest terminal tasks
// are evicted. Zero disables eviction.
const DefaultSoftCap = 10000

// Store is a concurrent task_id → Task mapping with compare-and-set status
// transitions. All mutations copy-on-write so readers never observe a task
// mid-update.
type Store struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	softCap int
	now     func() time.Time
}

// NewStore creates a store with the default soft cap.
func NewStore() *Store {
	return NewStoreWithCap(DefaultSoftCap)
}

// NewStoreWithCap creates a store with an explicit soft cap; cap<=0 disables
// eviction.
func NewStoreWithCap(softCap int) *Store {
	return &Store{
		tasks:   make(map[string]*Task),
		softCap: softCap,
		now:     time.Now,
	}
}

// Create inserts a new task in the given initial status. Fails if the id is
// already present.
func (s *Store) Create(id string, service wire.ServiceName, input map[string]string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; ok {
		return nil, errors.Wrap(ErrExists, id)
	}
	now := s.now()
	t := &Task{
		ID:          id,
		ServiceName: service,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Input:       input,
	}
	s.tasks[id] = t
	s.evictLocked()
	return t.clone(), nil
}

// Transition atomically moves a task from one status to another. The move is
// rejected when the current status differs from `from`, when `from` is
// terminal, or when the edge is not part of the lifecycle DAG.
func (s *Store) Transition(id string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return errors.Wrap(ErrNotFound, id)
	}
	if t.Status != from {
		return errors.Wrapf(ErrInvalidTransition, "%s: have %s, want %s", id, t.Status, from)
	}
	if from.Terminal() {
		return errors.Wrap(ErrTerminal, id)
	}
	if !validEdge(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s: %s → %s", id, from, to)
	}
	next := t.clone()
	next.Status = to
	next.UpdatedAt = s.now()
	s.tasks[id] = next
	return nil
}

// SetResult stores the verdict and completes the task. Only allowed from
// in_progress.
func (s *Store) SetResult(id string, verdict *wire.Verdict, workerResult *wire.WorkerResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return errors.Wrap(ErrNotFound, id)
	}
	if t.Status != StatusInProgress {
		return errors.Wrapf(ErrNotInProgress, "%s: have %s", id, t.Status)
	}
	next := t.clone()
	next.Status = StatusCompleted
	next.Result = verdict
	next.WorkerResult = workerResult
	next.UpdatedAt = s.now()
	s.tasks[id] = next
	return nil
}

// SetError records an error message and moves the task to the error state.
// Allowed from any non-terminal status.
func (s *Store) SetError(id string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return errors.Wrap(ErrNotFound, id)
	}
	if t.Status.Terminal() {
		return errors.Wrap(ErrTerminal, id)
	}
	next := t.clone()
	next.Status = StatusError
	next.Error = msg
	next.UpdatedAt = s.now()
	s.tasks[id] = next
	return nil
}

// Get returns a copy of the task, or ErrNotFound.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return t.clone(), nil
}

// List returns task summaries ordered by creation time, oldest first.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, Summary{
			TaskID:      t.ID,
			Status:      t.Status,
			ServiceName: t.ServiceName,
			CreatedAt:   t.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of tracked tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// evictLocked drops the oldest terminal tasks while the map exceeds the soft
// cap. In-flight tasks are never evicted.
func (s *Store) evictLocked() {
	if s.softCap <= 0 || len(s.tasks) <= s.softCap {
		return
	}
	terminal := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.Status.Terminal() {
			terminal = append(terminal, t)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
	})
	for _, t := range terminal {
		if len(s.tasks) <= s.softCap {
			return
		}
		delete(s.tasks, t.ID)
	}
}

func validEdge(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusError
	case StatusInProgress:
		return to == StatusCompleted || to == StatusError
	default:
		return false
	}
}

func (t *Task) clone() *Task {
	c := *t
	return &c
}
