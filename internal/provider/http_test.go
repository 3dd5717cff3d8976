package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProviderParsesJSONResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"outline body","sources":[{"title":"ref","url":"https://ref.example","relevance":0.8}]}`))
	}))
	defer backend.Close()

	p := NewHTTPProvider(backend.URL)
	var deltas []string
	res, err := p.Generate(context.Background(), Request{Operation: "outline", Topic: "go testing"}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "outline body", res.Text)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "https://ref.example", res.Sources[0].URL)
	assert.Equal(t, []string{"outline body"}, deltas)
}

func TestHTTPProviderConsumesNDJSONStream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"delta":"first "}` + "\n" + `{"delta":"second"}` + "\n"))
	}))
	defer backend.Close()

	p := NewHTTPProvider(backend.URL)
	var deltas []string
	res, err := p.Generate(context.Background(), Request{Operation: "sections", Topic: "streaming"}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "first second", res.Text)
	assert.Equal(t, []string{"first ", "second"}, deltas)
}

func TestHTTPProviderSurfacesBackendErrors(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer backend.Close()

	p := NewHTTPProvider(backend.URL)
	_, err := p.Generate(context.Background(), Request{Operation: "seo", Topic: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestMockProviderIsDeterministic(t *testing.T) {
	p := NewMockProvider()
	res, err := p.Generate(context.Background(), Request{Operation: "research", Topic: "golang"}, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Text, "research")
	assert.Contains(t, res.Text, "golang")
	require.NotEmpty(t, res.Sources)
}

func TestNewAutoFallsBackToMock(t *testing.T) {
	p, err := New(context.Background(), Config{Mode: "auto"})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(context.Background(), Config{Mode: "carrier-pigeon"})
	require.Error(t, err)
}
