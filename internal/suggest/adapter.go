package suggest

import (
	"context"
	"strings"

	"github.com/doncat99/alwrity/internal/provider"
)

// ProviderAdapter turns a content provider into a suggestion source by
// asking for a handful of candidate continuations and splitting the
// response into a ranked batch, one candidate per line.
type ProviderAdapter struct {
	backend provider.ContentProvider
}

func NewProviderAdapter(backend provider.ContentProvider) *ProviderAdapter {
	return &ProviderAdapter{backend: backend}
}

func (a *ProviderAdapter) Suggest(ctx context.Context, text string) ([]Suggestion, error) {
	resp, err := a.backend.Generate(ctx, provider.Request{
		Operation: "suggest",
		Topic:     text,
		Context:   "Offer up to three short continuations of the text, one per line, most relevant first.",
	}, nil)
	if err != nil {
		return nil, err
	}

	var sources []Attribution
	for _, s := range resp.Sources {
		sources = append(sources, Attribution{
			Title:     s.Title,
			URL:       s.URL,
			Excerpt:   s.Excerpt,
			Relevance: s.Relevance,
		})
	}

	var batch []Suggestion
	for _, line := range strings.Split(resp.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		batch = append(batch, Suggestion{Text: " " + line, Sources: sources})
		if len(batch) == 3 {
			break
		}
	}
	return batch, nil
}
