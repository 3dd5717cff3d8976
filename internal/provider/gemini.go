package provider

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider generates content directly against the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	prompt := buildPrompt(req)
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, contents, nil)
	if err != nil {
		return Response{}, fmt.Errorf("gemini generate: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(req.Operation)
	b.WriteString(": ")
	b.WriteString(req.Topic)
	if len(req.Keywords) > 0 {
		b.WriteString("\nkeywords: ")
		b.WriteString(strings.Join(req.Keywords, ", "))
	}
	if strings.TrimSpace(req.Context) != "" {
		b.WriteString("\ncontext:\n")
		b.WriteString(req.Context)
	}
	return b.String()
}
