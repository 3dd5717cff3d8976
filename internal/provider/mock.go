package provider

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider produces deterministic local content when no backend is
// configured. Used by tests and keyless development startup.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		topic = "untitled"
	}
	text := fmt.Sprintf("[%s] generated content for %q", req.Operation, topic)
	if onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{
		Text: text,
		Sources: []Source{
			{Title: "Example reference", URL: "https://example.com/" + req.Operation, Relevance: 0.9},
		},
	}, nil
}
