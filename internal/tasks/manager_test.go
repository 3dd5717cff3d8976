package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func waitForTerminal(t *testing.T, s *Store, id string) Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if task.Terminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal status", id)
	return Task{}
}

func TestManagerRunsWorkToCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewStore(time.Hour)
	m := NewManager(s, 4, time.Minute, nil, nil)

	id, err := m.Start("blog_research", func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		progress("conducting web search...")
		progress("ranking sources...")
		progress("summarizing findings...")
		return json.RawMessage(`{"ok":true}`), nil
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	task := waitForTerminal(t, s, id)
	if task.Status != StatusCompleted {
		t.Fatalf("task.Status = %q, want %q", task.Status, StatusCompleted)
	}
	if len(task.Progress) != 3 {
		t.Fatalf("len(Progress) = %d, want 3", len(task.Progress))
	}
	if string(task.Result) != `{"ok":true}` {
		t.Fatalf("task.Result = %s, want {\"ok\":true}", task.Result)
	}
	if task.Error != "" {
		t.Fatalf("task.Error = %q, want empty", task.Error)
	}
}

func TestManagerConvertsWorkErrorToFailed(t *testing.T) {
	s := NewStore(time.Hour)
	m := NewManager(s, 4, time.Minute, nil, nil)

	id, err := m.Start("blog_seo", func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	task := waitForTerminal(t, s, id)
	if task.Status != StatusFailed {
		t.Fatalf("task.Status = %q, want %q", task.Status, StatusFailed)
	}
	if !strings.Contains(task.Error, "boom") {
		t.Fatalf("task.Error = %q, want it to contain %q", task.Error, "boom")
	}
	if task.Result != nil {
		t.Fatalf("task.Result = %s, want nil", task.Result)
	}
}

func TestManagerRecoversWorkPanic(t *testing.T) {
	s := NewStore(time.Hour)
	m := NewManager(s, 4, time.Minute, nil, nil)

	id, err := m.Start("blog_outline", func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		panic("work unit exploded")
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	task := waitForTerminal(t, s, id)
	if task.Status != StatusFailed {
		t.Fatalf("task.Status = %q, want %q", task.Status, StatusFailed)
	}
	if !strings.Contains(task.Error, "work unit exploded") {
		t.Fatalf("task.Error = %q, want panic message", task.Error)
	}
}

func TestManagerRejectsStartOverCapacity(t *testing.T) {
	s := NewStore(time.Hour)
	m := NewManager(s, 1, time.Minute, nil, nil)

	release := make(chan struct{})
	busy, err := m.Start("blog_sections", func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{}`), nil
	})
	if err != nil {
		t.Fatalf("Start(busy) error = %v", err)
	}

	if _, err := m.Start("blog_sections", func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}); !errors.Is(err, ErrTooBusy) {
		t.Fatalf("Start() over capacity error = %v, want ErrTooBusy", err)
	}

	close(release)
	waitForTerminal(t, s, busy)

	// Capacity is released once the first task finishes.
	id, err := m.Start("blog_sections", func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if err != nil {
		t.Fatalf("Start() after release error = %v", err)
	}
	waitForTerminal(t, s, id)
}

func TestManagerCancelStopsCooperativeWork(t *testing.T) {
	s := NewStore(time.Hour)
	m := NewManager(s, 4, time.Minute, nil, nil)

	started := make(chan struct{})
	var once sync.Once
	id, err := m.Start("blog_research", func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	<-started
	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	task := waitForTerminal(t, s, id)
	if task.Status != StatusFailed {
		t.Fatalf("task.Status = %q, want %q", task.Status, StatusFailed)
	}
	if task.Error != "task cancelled" {
		t.Fatalf("task.Error = %q, want %q", task.Error, "task cancelled")
	}
}

func TestManagerCancelUnknownTaskReturnsNotFound(t *testing.T) {
	s := NewStore(time.Hour)
	m := NewManager(s, 4, time.Minute, nil, nil)

	if err := m.Cancel("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel() error = %v, want ErrNotFound", err)
	}
}

func TestManagerSubscribersSeeProgressAndTerminalEvents(t *testing.T) {
	s := NewStore(time.Hour)
	m := NewManager(s, 4, time.Minute, nil, nil)

	gate := make(chan struct{})
	id, err := m.Start("blog_publish", func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		<-gate
		progress("assembling draft...")
		return json.RawMessage(`{"published":true}`), nil
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events, unsubscribe := m.Subscribe(id)
	defer unsubscribe()
	close(gate)

	var progressSeen, completedSeen bool
	timeout := time.After(5 * time.Second)
	for !completedSeen {
		select {
		case evt := <-events:
			switch evt.Type {
			case EventProgress:
				progressSeen = true
				if evt.Message != "assembling draft..." {
					t.Fatalf("progress message = %q", evt.Message)
				}
			case EventCompleted:
				completedSeen = true
				if string(evt.Result) != `{"published":true}` {
					t.Fatalf("completed result = %s", evt.Result)
				}
			case EventFailed:
				t.Fatalf("unexpected failed event: %+v", evt)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events (progress=%v completed=%v)", progressSeen, completedSeen)
		}
	}
	if !progressSeen {
		t.Fatalf("no progress event observed before completion")
	}
}

func TestManagerSubscriberChurnDoesNotFailTask(t *testing.T) {
	s := NewStore(time.Hour)
	m := NewManager(s, 4, time.Minute, nil, nil)

	id, err := m.Start("blog_sections", func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		for i := 0; i < 2000; i++ {
			progress("writing...")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Subscribers connecting and dropping mid-publish must never panic the
	// work goroutine into a failed status.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				events, unsubscribe := m.Subscribe(id)
				select {
				case <-events:
				default:
				}
				unsubscribe()
			}
		}()
	}

	task := waitForTerminal(t, s, id)
	close(stop)
	wg.Wait()

	if task.Status != StatusCompleted {
		t.Fatalf("task.Status = %q (error=%q), want %q", task.Status, task.Error, StatusCompleted)
	}
}

func TestManagerProgressEventsCarrySequence(t *testing.T) {
	s := NewStore(time.Hour)
	m := NewManager(s, 4, time.Minute, nil, nil)

	gate := make(chan struct{})
	id, err := m.Start("blog_sections", func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		<-gate
		progress("writing section 1/2...")
		progress("writing section 2/2...")
		return json.RawMessage(`{}`), nil
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events, unsubscribe := m.Subscribe(id)
	defer unsubscribe()
	close(gate)

	want := 1
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type != EventProgress {
				if want != 3 {
					t.Fatalf("terminal event before both progress events (next seq %d)", want)
				}
				return
			}
			if evt.Seq != want {
				t.Fatalf("progress Seq = %d, want %d", evt.Seq, want)
			}
			want++
		case <-timeout:
			t.Fatalf("timed out waiting for sequenced events")
		}
	}
}

func TestManagerArchivesTerminalSnapshots(t *testing.T) {
	s := NewStore(time.Hour)
	m := NewManager(s, 4, time.Minute, nil, nil)
	archive := newFakeArchive()
	m.SetArchive(archive)

	id, err := m.Start("blog_research", func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForTerminal(t, s, id)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := archive.GetSnapshot(context.Background(), id); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("terminal snapshot never reached the archive")
}

type fakeArchive struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{tasks: make(map[string]Task)}
}

func (a *fakeArchive) SaveSnapshot(_ context.Context, task Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks[task.ID] = task.Clone()
	return nil
}

func (a *fakeArchive) GetSnapshot(_ context.Context, taskID string) (Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	task, ok := a.tasks[taskID]
	if !ok {
		return Task{}, ErrArchiveNotFound
	}
	return task.Clone(), nil
}

func (a *fakeArchive) ListRecent(_ context.Context, limit int) ([]Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Task, 0, len(a.tasks))
	for _, task := range a.tasks {
		out = append(out, task.Clone())
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (a *fakeArchive) Close() error {
	return nil
}
