package suggest

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/doncat99/alwrity/internal/observability"
)

type State string

const (
	// StateIdle: no request pending and nothing visible.
	StateIdle State = "idle"
	// StateAwaitingFirst: typing has begun but the session has not issued
	// its first suggestion request yet.
	StateAwaitingFirst State = "awaiting_first_suggestion"
	// StateGenerating: exactly one request is outstanding.
	StateGenerating State = "generating"
	// StateVisible: a ranked batch is held and one candidate is shown.
	StateVisible State = "suggestion_visible"
)

// Attribution is one source record attached to a suggestion.
type Attribution struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Excerpt   string  `json:"excerpt,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
}

// Suggestion is a single candidate continuation of user-authored text.
type Suggestion struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence,omitempty"`
	Sources    []Attribution `json:"sources,omitempty"`
}

// Provider fetches a ranked suggestion batch, most preferred first.
type Provider interface {
	Suggest(ctx context.Context, text string) ([]Suggestion, error)
}

// Callbacks surface controller decisions to the embedding editor.
type Callbacks struct {
	// Show is called whenever the visible candidate changes.
	Show func(s Suggestion)
	// Clear is called when a visible suggestion is invalidated or dismissed.
	Clear func()
	// Replace appends accepted suggestion text to the current content.
	Replace func(text string)
}

// Config tunes the controller; zero values fall back to defaults.
type Config struct {
	Delay          time.Duration
	MinLength      int
	ThrottlePct    int
	RequestTimeout time.Duration
	Metrics        *observability.Metrics
}

var fallbackBatch = []Suggestion{
	{Text: " Consider expanding on this point with a concrete example."},
	{Text: " You could follow up with supporting data here."},
	{Text: " A short transition sentence may help the flow."},
}

// Controller decides when to request a writing suggestion from a stream of
// keystroke events, and manages the accept/reject/cycle lifecycle of the
// current batch. At most one request is outstanding; a generation counter
// discards stale responses unconditionally, including fallbacks.
type Controller struct {
	provider  Provider
	callbacks Callbacks
	log       *zap.Logger
	metrics   *observability.Metrics

	delay          time.Duration
	minLength      int
	throttlePct    int
	requestTimeout time.Duration
	throttleRoll   func() int

	mu            sync.Mutex
	state         State
	timer         *time.Timer
	content       string
	generation    uint64
	everRequested bool
	batch         []Suggestion
	index         int
}

func NewController(p Provider, cfg Config, cb Callbacks, log *zap.Logger) *Controller {
	if cfg.Delay <= 0 {
		cfg.Delay = 3 * time.Second
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = 20
	}
	if cfg.ThrottlePct <= 0 || cfg.ThrottlePct > 100 {
		cfg.ThrottlePct = 40
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		provider:       p,
		callbacks:      cb,
		log:            log,
		metrics:        cfg.Metrics,
		delay:          cfg.Delay,
		minLength:      cfg.MinLength,
		throttlePct:    cfg.ThrottlePct,
		requestTimeout: cfg.RequestTimeout,
		throttleRoll:   func() int { return rand.Intn(100) },
		state:          StateIdle,
	}
}

// KeyStroke records a content change. Typing invalidates any visible
// suggestion and any in-flight request, then re-arms the debounce timer.
func (c *Controller) KeyStroke(content string) {
	c.mu.Lock()
	c.content = content
	c.generation++
	gen := c.generation
	if c.timer != nil {
		c.timer.Stop()
	}
	wasVisible := c.state == StateVisible
	c.batch = nil
	c.index = 0
	if c.everRequested {
		c.state = StateIdle
	} else {
		c.state = StateAwaitingFirst
	}
	c.timer = time.AfterFunc(c.delay, func() { c.timerFired(gen) })
	c.mu.Unlock()

	if wasVisible && c.callbacks.Clear != nil {
		c.callbacks.Clear()
	}
}

func (c *Controller) timerFired(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if len(c.content) < c.minLength {
		c.mu.Unlock()
		return
	}
	// The first request of a session fires unconditionally; later pauses
	// are throttled so the feature stays unobtrusive.
	if c.everRequested && c.throttleRoll() >= c.throttlePct {
		c.mu.Unlock()
		c.metrics.ObserveSuggestion("throttled")
		return
	}
	c.everRequested = true
	c.state = StateGenerating
	content := c.content
	c.mu.Unlock()

	go c.request(gen, content)
}

func (c *Controller) request(gen uint64, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	outcome := "ok"
	batch, err := c.provider.Suggest(ctx, content)
	if err != nil || len(batch) == 0 {
		if err != nil {
			// Non-critical enhancement: degrade silently to local fallbacks.
			c.log.Debug("suggestion request failed", zap.Error(err))
		}
		outcome = "fallback"
		batch = append([]Suggestion(nil), fallbackBatch...)
	}

	c.mu.Lock()
	if gen != c.generation {
		// A newer keystroke superseded this request; discard it.
		c.mu.Unlock()
		c.metrics.ObserveSuggestion("stale")
		return
	}
	c.metrics.ObserveSuggestion(outcome)
	c.state = StateVisible
	c.batch = batch
	c.index = 0
	shown := batch[0]
	c.mu.Unlock()

	if c.callbacks.Show != nil {
		c.callbacks.Show(shown)
	}
}

// Accept commits the visible candidate through the replace callback and
// discards the batch. No-op unless a suggestion is visible.
func (c *Controller) Accept() {
	c.mu.Lock()
	if c.state != StateVisible || len(c.batch) == 0 {
		c.mu.Unlock()
		return
	}
	text := c.batch[c.index].Text
	c.batch = nil
	c.index = 0
	c.state = StateIdle
	c.generation++
	c.mu.Unlock()

	if c.callbacks.Replace != nil {
		c.callbacks.Replace(text)
	}
	if c.callbacks.Clear != nil {
		c.callbacks.Clear()
	}
}

// Reject dismisses the visible suggestion without mutating content.
func (c *Controller) Reject() {
	c.mu.Lock()
	if c.state != StateVisible {
		c.mu.Unlock()
		return
	}
	c.batch = nil
	c.index = 0
	c.state = StateIdle
	c.generation++
	c.mu.Unlock()

	if c.callbacks.Clear != nil {
		c.callbacks.Clear()
	}
}

// Next cycles to the following candidate. No-op when none remain.
func (c *Controller) Next() {
	c.mu.Lock()
	if c.state != StateVisible || c.index+1 >= len(c.batch) {
		c.mu.Unlock()
		return
	}
	c.index++
	shown := c.batch[c.index]
	c.mu.Unlock()

	if c.callbacks.Show != nil {
		c.callbacks.Show(shown)
	}
}

// Current returns the visible candidate, if any.
func (c *Controller) Current() (Suggestion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateVisible || len(c.batch) == 0 {
		return Suggestion{}, false
	}
	return c.batch[c.index], true
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops the debounce timer and invalidates in-flight requests.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.generation++
	c.state = StateIdle
	c.batch = nil
}
