package suggest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubProvider struct {
	mu    sync.Mutex
	calls int
	batch []Suggestion
	err   error
	gate  chan struct{} // when set, Suggest blocks until the gate closes
}

func (p *stubProvider) Suggest(ctx context.Context, text string) ([]Suggestion, error) {
	p.mu.Lock()
	p.calls++
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.batch, p.err
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recorder struct {
	mu       sync.Mutex
	shown    []Suggestion
	cleared  int
	replaced []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Show: func(s Suggestion) {
			r.mu.Lock()
			r.shown = append(r.shown, s)
			r.mu.Unlock()
		},
		Clear: func() {
			r.mu.Lock()
			r.cleared++
			r.mu.Unlock()
		},
		Replace: func(text string) {
			r.mu.Lock()
			r.replaced = append(r.replaced, text)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) shownCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shown)
}

func newTestController(p Provider, rec *recorder) *Controller {
	c := NewController(p, Config{
		Delay:       20 * time.Millisecond,
		MinLength:   10,
		ThrottlePct: 40,
	}, rec.callbacks(), nil)
	c.throttleRoll = func() int { return 0 } // always pass the throttle
	return c
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("State() = %v, want %v", c.State(), want)
}

func TestRapidTypingCoalescesToOneRequest(t *testing.T) {
	p := &stubProvider{batch: []Suggestion{{Text: " and then some"}}}
	rec := &recorder{}
	c := newTestController(p, rec)
	defer c.Close()

	// Keystrokes closer together than the debounce delay must not
	// trigger intermediate requests.
	for i := 0; i < 10; i++ {
		c.KeyStroke("the quick brown fox jumps")
		time.Sleep(3 * time.Millisecond)
	}
	waitForState(t, c, StateVisible)

	if got := p.callCount(); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}
	if rec.shownCount() != 1 {
		t.Fatalf("shown = %d, want 1", rec.shownCount())
	}
}

func TestShortContentNeverRequests(t *testing.T) {
	p := &stubProvider{batch: []Suggestion{{Text: "x"}}}
	rec := &recorder{}
	c := newTestController(p, rec)
	defer c.Close()

	c.KeyStroke("short")
	time.Sleep(80 * time.Millisecond)

	if got := p.callCount(); got != 0 {
		t.Fatalf("provider calls = %d, want 0", got)
	}
	if c.State() != StateAwaitingFirst {
		t.Fatalf("State() = %v, want %v", c.State(), StateAwaitingFirst)
	}
}

func TestKeystrokeInvalidatesVisibleSuggestion(t *testing.T) {
	p := &stubProvider{batch: []Suggestion{{Text: " visible one"}}}
	rec := &recorder{}
	c := newTestController(p, rec)
	defer c.Close()

	c.KeyStroke("a reasonably long sentence")
	waitForState(t, c, StateVisible)

	c.KeyStroke("a reasonably long sentence!")
	if _, ok := c.Current(); ok {
		t.Fatalf("Current() still visible after keystroke")
	}
	rec.mu.Lock()
	cleared := rec.cleared
	rec.mu.Unlock()
	if cleared != 1 {
		t.Fatalf("cleared = %d, want 1", cleared)
	}
}

func TestStaleResponseDiscarded(t *testing.T) {
	gate := make(chan struct{})
	p := &stubProvider{batch: []Suggestion{{Text: " stale"}}, gate: gate}
	rec := &recorder{}
	c := newTestController(p, rec)
	defer c.Close()

	c.KeyStroke("a reasonably long sentence")
	waitForState(t, c, StateGenerating)

	// A new keystroke arrives while the request is in flight.
	c.KeyStroke("a reasonably long sentence again")
	close(gate)
	time.Sleep(50 * time.Millisecond)

	if rec.shownCount() != 0 && c.State() == StateIdle {
		t.Fatalf("stale response surfaced: shown = %d", rec.shownCount())
	}
	// Only the second request's result may show, never the first.
	waitForState(t, c, StateVisible)
	if got := p.callCount(); got != 2 {
		t.Fatalf("provider calls = %d, want 2", got)
	}
	if rec.shownCount() != 1 {
		t.Fatalf("shown = %d, want 1", rec.shownCount())
	}
}

func TestProviderFailureFallsBackSilently(t *testing.T) {
	p := &stubProvider{err: errors.New("upstream down")}
	rec := &recorder{}
	c := newTestController(p, rec)
	defer c.Close()

	c.KeyStroke("a reasonably long sentence")
	waitForState(t, c, StateVisible)

	got, ok := c.Current()
	if !ok {
		t.Fatalf("Current() not visible after fallback")
	}
	if got.Text != fallbackBatch[0].Text {
		t.Fatalf("Current().Text = %q, want fallback %q", got.Text, fallbackBatch[0].Text)
	}
}

func TestAcceptReplacesAndClears(t *testing.T) {
	p := &stubProvider{batch: []Suggestion{{Text: " accepted tail"}}}
	rec := &recorder{}
	c := newTestController(p, rec)
	defer c.Close()

	c.KeyStroke("a reasonably long sentence")
	waitForState(t, c, StateVisible)

	c.Accept()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.replaced) != 1 || rec.replaced[0] != " accepted tail" {
		t.Fatalf("replaced = %v, want [%q]", rec.replaced, " accepted tail")
	}
	if c.State() != StateIdle {
		t.Fatalf("State() = %v, want %v", c.State(), StateIdle)
	}
}

func TestAcceptWithNothingVisibleIsNoOp(t *testing.T) {
	p := &stubProvider{batch: []Suggestion{{Text: " unused"}}}
	rec := &recorder{}
	c := newTestController(p, rec)
	defer c.Close()

	c.Accept()
	c.Next()
	c.Reject()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.replaced) != 0 || len(rec.shown) != 0 || rec.cleared != 0 {
		t.Fatalf("callbacks fired with nothing visible: replaced=%v shown=%d cleared=%d",
			rec.replaced, len(rec.shown), rec.cleared)
	}
	if c.State() != StateIdle {
		t.Fatalf("State() = %v, want %v", c.State(), StateIdle)
	}
}

func TestRejectDismissesWithoutReplace(t *testing.T) {
	p := &stubProvider{batch: []Suggestion{{Text: " nope"}}}
	rec := &recorder{}
	c := newTestController(p, rec)
	defer c.Close()

	c.KeyStroke("a reasonably long sentence")
	waitForState(t, c, StateVisible)

	c.Reject()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.replaced) != 0 {
		t.Fatalf("replaced = %v, want none", rec.replaced)
	}
	if c.State() != StateIdle {
		t.Fatalf("State() = %v, want %v", c.State(), StateIdle)
	}
}

func TestNextCyclesAndStopsAtEnd(t *testing.T) {
	p := &stubProvider{batch: []Suggestion{
		{Text: " first"}, {Text: " second"}, {Text: " third"},
	}}
	rec := &recorder{}
	c := newTestController(p, rec)
	defer c.Close()

	c.KeyStroke("a reasonably long sentence")
	waitForState(t, c, StateVisible)

	c.Next()
	c.Next()
	c.Next() // past the end: no-op
	got, ok := c.Current()
	if !ok || got.Text != " third" {
		t.Fatalf("Current() = %q, %v, want %q", got.Text, ok, " third")
	}
	if rec.shownCount() != 3 {
		t.Fatalf("shown = %d, want 3", rec.shownCount())
	}
}

func TestThrottleSkipsLaterPauses(t *testing.T) {
	p := &stubProvider{batch: []Suggestion{{Text: " one"}}}
	rec := &recorder{}
	c := newTestController(p, rec)
	defer c.Close()

	var rolls atomic.Int32
	c.throttleRoll = func() int {
		rolls.Add(1)
		return 99 // always above the throttle percentage
	}

	// First pause requests unconditionally even with a losing roll.
	c.KeyStroke("a reasonably long sentence")
	waitForState(t, c, StateVisible)
	if got := p.callCount(); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}
	if rolls.Load() != 0 {
		t.Fatalf("throttle rolled on first request")
	}

	// Later pauses are gated by the roll.
	c.KeyStroke("a reasonably long sentence more")
	time.Sleep(80 * time.Millisecond)
	if got := p.callCount(); got != 1 {
		t.Fatalf("provider calls = %d, want 1 after throttled pause", got)
	}
	if rolls.Load() == 0 {
		t.Fatalf("throttle never rolled on later pause")
	}
}
