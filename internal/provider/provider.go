package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Request is the normalized request sent to the content backend.
type Request struct {
	Operation string   `json:"operation"`
	Topic     string   `json:"topic"`
	Keywords  []string `json:"keywords,omitempty"`
	Context   string   `json:"context,omitempty"`
}

// Source is one attribution record returned alongside generated content.
type Source struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Excerpt   string  `json:"excerpt,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
}

// Response is the final response after streaming deltas.
type Response struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// ContentProvider bridges the task work units with the hosted AI backend.
type ContentProvider interface {
	Name() string
	Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls provider construction.
type Config struct {
	Mode         string
	GeminiAPIKey string
	GeminiModel  string
	BackendURL   string
}

// New selects a provider: explicit mode, or auto preference
// gemini -> http -> mock.
func New(ctx context.Context, cfg Config) (ContentProvider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("gemini api key is required for gemini mode")
		}
		return NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case "http":
		if strings.TrimSpace(cfg.BackendURL) == "" {
			return nil, errors.New("content backend url is required for http mode")
		}
		return NewHTTPProvider(cfg.BackendURL), nil
	case "mock":
		return NewMockProvider(), nil
	case "auto":
		if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
			if p, err := NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiModel); err == nil {
				return p, nil
			}
		}
		if strings.TrimSpace(cfg.BackendURL) != "" {
			return NewHTTPProvider(cfg.BackendURL), nil
		}
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported content provider mode %q", cfg.Mode)
	}
}
