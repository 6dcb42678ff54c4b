// Package remote adapts HTTP embedding services (Ollama and OpenAI-compatible
// APIs) to embedder.Model using chromem-go's embedding functions.
package remote

import (
	"context"
	"errors"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-memory/memory/embedder"
)

// Config selects and configures a remote backend.
type Config struct {
	// Backend is "ollama" or "openai".
	Backend string

	// BaseURL overrides the service endpoint. Ollama expects the /api prefix.
	BaseURL string

	APIKey string
	Model  string
}

// Model embeds one text per request through an EmbeddingFunc.
type Model struct {
	fn         chromem.EmbeddingFunc
	dimensions int
}

// NewModel wraps fn. dimensions must match what fn returns.
func NewModel(fn chromem.EmbeddingFunc, dimensions int) *Model {
	return &Model{fn: fn, dimensions: dimensions}
}

// EmbeddingFunc builds the chromem embedding function for cfg.
func EmbeddingFunc(cfg Config) (chromem.EmbeddingFunc, error) {
	switch cfg.Backend {
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return chromem.NewEmbeddingFuncOllama(model, cfg.BaseURL), nil
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, errors.New("openai embeddings need an api key or a compatible base url")
		}
		model := cfg.Model
		if model == "" {
			model = string(chromem.EmbeddingModelOpenAI3Small)
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return chromem.NewEmbeddingFuncOpenAICompat(baseURL, cfg.APIKey, model, nil), nil
	default:
		return nil, fmt.Errorf("unknown remote embedding backend %q", cfg.Backend)
	}
}

// NewLoader returns a loader that probes the service once to learn the
// vector size. An unreachable service fails the load.
func NewLoader(cfg Config) embedder.Loader {
	return embedder.LoaderFunc(func(ctx context.Context) (embedder.Model, error) {
		fn, err := EmbeddingFunc(cfg)
		if err != nil {
			return nil, err
		}
		probe, err := fn(ctx, "dimension probe")
		if err != nil {
			return nil, fmt.Errorf("probe %s embeddings: %w", cfg.Backend, err)
		}
		if len(probe) == 0 {
			return nil, fmt.Errorf("probe %s embeddings: empty vector", cfg.Backend)
		}
		return NewModel(fn, len(probe)), nil
	})
}

// EmbedBatch embeds texts sequentially.
func (m *Model) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.fn(ctx, t)
		if err != nil {
			return nil, err
		}
		if len(vec) != m.dimensions {
			return nil, fmt.Errorf("remote returned %d dimensions, want %d", len(vec), m.dimensions)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the vector size learned at load.
func (m *Model) Dimensions() int { return m.dimensions }

// Close is a no-op.
func (m *Model) Close() error { return nil }
