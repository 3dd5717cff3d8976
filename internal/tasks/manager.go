package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/doncat99/alwrity/internal/observability"
)

var ErrTooBusy = errors.New("too many running tasks")

// WorkFunc is one unit of deferred work. It reports milestones through
// progress and must honor ctx at every downstream call boundary.
type WorkFunc func(ctx context.Context, progress func(message string)) (json.RawMessage, error)

type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event mirrors a task mutation for live subscribers (websocket stream).
// Seq is the 1-based position of a progress event in the task's progress
// log, letting subscribers who replayed a snapshot skip entries they have
// already seen.
type Event struct {
	Type    EventType       `json:"type"`
	TaskID  string          `json:"task_id"`
	Status  Status          `json:"status"`
	Seq     int             `json:"seq,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	At      time.Time       `json:"at"`
}

// Manager binds work units to store records and drives the state machine.
// It is the last line of defense against work-unit errors and panics taking
// down the process.
type Manager struct {
	store       *Store
	log         *zap.Logger
	metrics     *observability.Metrics
	sem         *semaphore.Weighted
	taskTimeout time.Duration
	archive     Archive

	mu             sync.Mutex
	runningCancels map[string]context.CancelFunc
	subscribers    map[string]map[int]chan Event
	nextSubID      int
}

func NewManager(store *Store, maxRunning int, taskTimeout time.Duration, metrics *observability.Metrics, log *zap.Logger) *Manager {
	if maxRunning <= 0 {
		maxRunning = 32
	}
	if taskTimeout <= 0 {
		taskTimeout = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		store:          store,
		log:            log,
		metrics:        metrics,
		sem:            semaphore.NewWeighted(int64(maxRunning)),
		taskTimeout:    taskTimeout,
		runningCancels: make(map[string]context.CancelFunc),
		subscribers:    make(map[string]map[int]chan Event),
	}
	store.SetEvictHook(m.onEvicted)
	return m
}

func (m *Manager) SetArchive(a Archive) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archive = a
}

// Start creates the task record and schedules work without blocking the
// caller. It fails fast with ErrTooBusy when the running-task cap is
// reached, keeping the start path prompt under load.
func (m *Manager) Start(kind string, work WorkFunc) (string, error) {
	if work == nil {
		return "", errors.New("work func is required")
	}
	if !m.sem.TryAcquire(1) {
		return "", ErrTooBusy
	}

	id := m.store.Create(kind)
	ctx, cancel := context.WithTimeout(context.Background(), m.taskTimeout)
	m.setRunningCancel(id, cancel)
	m.metrics.ObserveTaskEvent("started")
	if m.metrics != nil {
		m.metrics.RunningTasks.Inc()
	}

	go m.run(ctx, cancel, id, work)
	return id, nil
}

// Cancel cooperatively cancels a running task. The work unit observes its
// context and returns, which the run loop converts to a failed status.
func (m *Manager) Cancel(id string) error {
	if _, err := m.store.Get(id); err != nil {
		return err
	}
	cancel := m.getRunningCancel(id)
	if cancel == nil {
		return ErrAlreadyTerminal
	}
	cancel()
	return nil
}

// Subscribe registers a live event channel for one task id. The returned
// func unsubscribes; slow subscribers have events dropped, never block the
// work unit.
func (m *Manager) Subscribe(taskID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	if _, ok := m.subscribers[taskID]; !ok {
		m.subscribers[taskID] = make(map[int]chan Event)
	}
	m.subscribers[taskID][id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[taskID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(m.subscribers, taskID)
		}
	}
}

func (m *Manager) Get(id string) (Task, error) {
	return m.store.Get(id)
}

// Shutdown cancels every running task context. Work units wind down through
// the normal cancellation path and record a failed status.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.runningCancels))
	for _, cancel := range m.runningCancels {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, id string, work WorkFunc) {
	started := time.Now()
	defer m.sem.Release(1)
	defer cancel()
	defer m.clearRunningCancel(id)
	defer func() {
		if m.metrics != nil {
			m.metrics.RunningTasks.Dec()
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("work unit panicked", zap.String("task_id", id), zap.Any("panic", r))
			m.finishFail(id, fmt.Sprintf("internal error: %v", r), started)
		}
	}()

	if err := m.store.MarkRunning(id); err != nil {
		// Evicted or already terminal before the goroutine was scheduled.
		m.log.Warn("task gone before work began", zap.String("task_id", id), zap.Error(err))
		return
	}

	progress := func(message string) {
		seq, err := m.store.AppendProgress(id, message)
		if err != nil {
			// The client may have given up and the record been swept; a
			// crashed progress update must not abort in-flight work.
			m.log.Debug("progress append dropped", zap.String("task_id", id), zap.Error(err))
			return
		}
		m.metrics.ObserveTaskEvent("progress")
		m.publish(id, Event{
			Type:    EventProgress,
			TaskID:  id,
			Status:  StatusRunning,
			Seq:     seq,
			Message: message,
			At:      time.Now().UTC(),
		})
	}

	result, err := work(ctx, progress)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.Canceled) {
			msg = "task cancelled"
		} else if errors.Is(err, context.DeadlineExceeded) {
			msg = "task timed out"
		}
		m.finishFail(id, msg, started)
		return
	}
	m.finishComplete(id, result, started)
}

func (m *Manager) finishComplete(id string, result json.RawMessage, started time.Time) {
	if err := m.store.Complete(id, result); err != nil {
		m.log.Warn("complete dropped", zap.String("task_id", id), zap.Error(err))
		return
	}
	m.metrics.ObserveTaskEvent("completed")
	m.metrics.ObserveTaskDuration(time.Since(started))
	m.publish(id, Event{
		Type:   EventCompleted,
		TaskID: id,
		Status: StatusCompleted,
		Result: result,
		At:     time.Now().UTC(),
	})
	m.archiveSnapshot(id)
}

func (m *Manager) finishFail(id, message string, started time.Time) {
	if err := m.store.Fail(id, message); err != nil {
		m.log.Warn("fail dropped", zap.String("task_id", id), zap.Error(err))
		return
	}
	m.metrics.ObserveTaskEvent("failed")
	m.metrics.ObserveTaskDuration(time.Since(started))
	m.publish(id, Event{
		Type:   EventFailed,
		TaskID: id,
		Status: StatusFailed,
		Error:  message,
		At:     time.Now().UTC(),
	})
	m.archiveSnapshot(id)
}

func (m *Manager) archiveSnapshot(id string) {
	m.mu.Lock()
	archive := m.archive
	m.mu.Unlock()
	if archive == nil {
		return
	}
	task, err := m.store.Get(id)
	if err != nil {
		return
	}
	go func(snapshot Task) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := archive.SaveSnapshot(ctx, snapshot); err != nil {
			m.log.Warn("archive write failed", zap.String("task_id", snapshot.ID), zap.Error(err))
		}
	}(task)
}

// onEvicted cancels work still running against a record the sweep removed,
// so abandoned tasks cannot outlive their retention window.
func (m *Manager) onEvicted(t Task) {
	if cancel := m.getRunningCancel(t.ID); cancel != nil {
		cancel()
	}
	m.mu.Lock()
	subs := m.subscribers[t.ID]
	delete(m.subscribers, t.ID)
	m.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

// publish delivers an event to every subscriber of the task. Sends happen
// under the same mutex that guards channel close in unsubscribe and
// onEvicted, so a departing subscriber can never panic the publisher. The
// sends are non-blocking, so holding the lock is cheap.
func (m *Manager) publish(taskID string, evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers[taskID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (m *Manager) setRunningCancel(id string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runningCancels[id] = cancel
}

func (m *Manager) getRunningCancel(id string) context.CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningCancels[id]
}

func (m *Manager) clearRunningCancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runningCancels, id)
}
