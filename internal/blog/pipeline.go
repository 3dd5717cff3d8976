package blog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doncat99/alwrity/internal/cache"
	"github.com/doncat99/alwrity/internal/observability"
	"github.com/doncat99/alwrity/internal/provider"
	"github.com/doncat99/alwrity/internal/tasks"
)

// Pipeline builds the work units behind the blog-writing endpoints. Each
// unit reports phase-boundary progress and returns a structured JSON result;
// the actual content generation is delegated to the provider.
type Pipeline struct {
	provider provider.ContentProvider
	cache    *cache.Cache
	log      *zap.Logger
	metrics  *observability.Metrics
}

func NewPipeline(p provider.ContentProvider, c *cache.Cache, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{provider: p, cache: c, log: log}
}

// SetMetrics attaches service instruments; nil is fine for tests.
func (p *Pipeline) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

func (p *Pipeline) generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	out, err := p.provider.Generate(ctx, req, nil)
	if err != nil {
		p.metrics.ObserveProviderError(p.provider.Name(), req.Operation)
	}
	return out, err
}

type ResearchRequest struct {
	Topic    string   `json:"topic"`
	Keywords []string `json:"keywords,omitempty"`
}

func (r ResearchRequest) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return errors.New("topic is required")
	}
	return nil
}

type ResearchResult struct {
	Topic   string            `json:"topic"`
	Summary string            `json:"summary"`
	Sources []provider.Source `json:"sources"`
	Cached  bool              `json:"cached"`
}

// ResearchWork runs web-grounded topic research, consulting the result
// cache first so repeated research on the same topic skips the backend.
func (p *Pipeline) ResearchWork(req ResearchRequest) tasks.WorkFunc {
	return func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		key := researchCacheKey(req)
		if p.cache != nil {
			if cached, ok := p.cache.Get(key); ok {
				p.metrics.ObserveCacheLookup("hit")
				progress("serving cached research results")
				var res ResearchResult
				if err := json.Unmarshal(cached, &res); err == nil {
					res.Cached = true
					return json.Marshal(res)
				}
			}
			p.metrics.ObserveCacheLookup("miss")
		}

		progress("conducting web search...")
		out, err := p.generate(ctx, provider.Request{
			Operation: "research",
			Topic:     req.Topic,
			Keywords:  req.Keywords,
		})
		if err != nil {
			return nil, fmt.Errorf("research: %w", err)
		}

		progress("summarizing findings...")
		result := ResearchResult{
			Topic:   req.Topic,
			Summary: out.Text,
			Sources: out.Sources,
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal research result: %w", err)
		}
		if p.cache != nil {
			p.cache.Set(key, raw)
		}
		return raw, nil
	}
}

type OutlineRequest struct {
	Topic    string `json:"topic"`
	Research string `json:"research,omitempty"`
}

func (r OutlineRequest) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return errors.New("topic is required")
	}
	return nil
}

type OutlineResult struct {
	Topic    string   `json:"topic"`
	Headings []string `json:"headings"`
}

func (p *Pipeline) OutlineWork(req OutlineRequest) tasks.WorkFunc {
	return func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		progress("drafting outline...")
		out, err := p.generate(ctx, provider.Request{
			Operation: "outline",
			Topic:     req.Topic,
			Context:   req.Research,
		})
		if err != nil {
			return nil, fmt.Errorf("outline: %w", err)
		}

		headings := splitLines(out.Text)
		if len(headings) == 0 {
			return nil, errors.New("outline: provider returned no headings")
		}
		progress(fmt.Sprintf("outline ready with %d sections", len(headings)))
		return json.Marshal(OutlineResult{Topic: req.Topic, Headings: headings})
	}
}

type SectionsRequest struct {
	Topic    string   `json:"topic"`
	Headings []string `json:"headings"`
}

func (r SectionsRequest) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return errors.New("topic is required")
	}
	if len(r.Headings) == 0 {
		return errors.New("headings are required")
	}
	return nil
}

type Section struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

type SectionsResult struct {
	Topic    string    `json:"topic"`
	Sections []Section `json:"sections"`
}

// SectionsWork generates section bodies one heading at a time so progress
// maps to visible milestones in the polling UI.
func (p *Pipeline) SectionsWork(req SectionsRequest) tasks.WorkFunc {
	return func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		sections := make([]Section, 0, len(req.Headings))
		for i, heading := range req.Headings {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			progress(fmt.Sprintf("writing section %d/%d: %s", i+1, len(req.Headings), heading))
			out, err := p.generate(ctx, provider.Request{
				Operation: "section",
				Topic:     req.Topic,
				Context:   heading,
			})
			if err != nil {
				return nil, fmt.Errorf("section %q: %w", heading, err)
			}
			sections = append(sections, Section{Heading: heading, Content: out.Text})
		}
		return json.Marshal(SectionsResult{Topic: req.Topic, Sections: sections})
	}
}

type SEORequest struct {
	Content  string   `json:"content"`
	Keywords []string `json:"keywords,omitempty"`
}

func (r SEORequest) Validate() error {
	if strings.TrimSpace(r.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

type SEOResult struct {
	Analysis string   `json:"analysis"`
	Keywords []string `json:"keywords,omitempty"`
}

func (p *Pipeline) SEOWork(req SEORequest) tasks.WorkFunc {
	return func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		progress("auditing content for search visibility...")
		out, err := p.generate(ctx, provider.Request{
			Operation: "seo",
			Topic:     firstWords(req.Content, 12),
			Keywords:  req.Keywords,
			Context:   req.Content,
		})
		if err != nil {
			return nil, fmt.Errorf("seo: %w", err)
		}
		return json.Marshal(SEOResult{Analysis: out.Text, Keywords: req.Keywords})
	}
}

type PublishRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (r PublishRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("title is required")
	}
	if strings.TrimSpace(r.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

type PublishResult struct {
	Title       string    `json:"title"`
	Markdown    string    `json:"markdown"`
	WordCount   int       `json:"word_count"`
	AssembledAt time.Time `json:"assembled_at"`
}

// PublishWork runs a final quality pass and assembles the publishable
// document.
func (p *Pipeline) PublishWork(req PublishRequest) tasks.WorkFunc {
	return func(ctx context.Context, progress func(string)) (json.RawMessage, error) {
		progress("running final quality review...")
		out, err := p.generate(ctx, provider.Request{
			Operation: "quality",
			Topic:     req.Title,
			Context:   req.Content,
		})
		if err != nil {
			return nil, fmt.Errorf("quality review: %w", err)
		}

		progress("assembling publishable draft...")
		body := req.Content
		if strings.TrimSpace(out.Text) != "" {
			body = out.Text
		}
		markdown := "# " + strings.TrimSpace(req.Title) + "\n\n" + body
		return json.Marshal(PublishResult{
			Title:       req.Title,
			Markdown:    markdown,
			WordCount:   len(strings.Fields(markdown)),
			AssembledAt: time.Now().UTC(),
		})
	}
}

func researchCacheKey(req ResearchRequest) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(req.Topic))))
	for _, k := range req.Keywords {
		h.Write([]byte("|"))
		h.Write([]byte(strings.ToLower(strings.TrimSpace(k))))
	}
	return "research:" + hex.EncodeToString(h.Sum(nil))
}

func splitLines(text string) []string {
	out := make([]string, 0, 8)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*#0123456789. "))
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

func firstWords(text string, n int) string {
	fields := strings.Fields(text)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
