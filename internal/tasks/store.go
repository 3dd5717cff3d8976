package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("task not found")
	ErrAlreadyTerminal = errors.New("task already terminal")
)

// Store is the process-wide map of live task records. It owns nothing but
// memory; eviction is unconditional garbage collection on record age, not
// tied to client acknowledgment.
type Store struct {
	mu        sync.RWMutex
	retention time.Duration
	tasks     map[string]*Task
	onEvict   func(Task)
}

func NewStore(retention time.Duration) *Store {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Store{
		retention: retention,
		tasks:     make(map[string]*Task),
	}
}

// SetEvictHook registers a callback invoked (outside the lock) for every
// record removed by Sweep. The lifecycle manager uses it to cancel work
// still running against an evicted record.
func (s *Store) SetEvictHook(hook func(Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = hook
}

// Create allocates a fresh pending record and returns its id.
func (s *Store) Create(kind string) string {
	now := time.Now().UTC()
	t := &Task{
		ID:        uuid.NewString(),
		Kind:      strings.TrimSpace(kind),
		Status:    StatusPending,
		Progress:  []ProgressEntry{},
		CreatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return t.ID
}

// Get returns a snapshot copy of the current record.
func (s *Store) Get(id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

// AppendProgress appends a timestamped entry and returns the new log
// length, the entry's 1-based position in the progress log. Appending to a
// terminal task is a no-op; the work unit may legitimately race the
// terminal transition.
func (s *Store) AppendProgress(id, message string) (int, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, ErrNotFound
	}
	if t.Terminal() {
		return len(t.Progress), nil
	}
	t.Progress = append(t.Progress, ProgressEntry{
		Timestamp: time.Now().UTC(),
		Message:   message,
	})
	return len(t.Progress), nil
}

// MarkRunning moves a pending record to running.
func (s *Store) MarkRunning(id string) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Terminal() {
		return ErrAlreadyTerminal
	}
	t.Status = StatusRunning
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	return nil
}

// Complete transitions to the completed terminal state exactly once.
func (s *Store) Complete(id string, result json.RawMessage) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Terminal() {
		return ErrAlreadyTerminal
	}
	t.Status = StatusCompleted
	t.Result = append(json.RawMessage(nil), result...)
	t.Error = ""
	t.EndedAt = &now
	return nil
}

// Fail transitions to the failed terminal state exactly once.
func (s *Store) Fail(id, message string) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Terminal() {
		return ErrAlreadyTerminal
	}
	t.Status = StatusFailed
	t.Error = strings.TrimSpace(message)
	t.Result = nil
	t.EndedAt = &now
	return nil
}

// Sweep removes every record older than the retention window, regardless of
// status, and returns the eviction count.
func (s *Store) Sweep() int {
	now := time.Now().UTC()
	var evicted []Task

	s.mu.Lock()
	for id, t := range s.tasks {
		if now.Sub(t.CreatedAt) < s.retention {
			continue
		}
		evicted = append(evicted, t.Clone())
		delete(s.tasks, id)
	}
	hook := s.onEvict
	s.mu.Unlock()

	if hook != nil {
		for _, t := range evicted {
			hook(t)
		}
	}
	return len(evicted)
}

// StartJanitor sweeps on a fixed interval until ctx is cancelled.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration, onSweep func(evicted int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := s.Sweep()
				if n > 0 && onSweep != nil {
					onSweep(n)
				}
			}
		}
	}()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
