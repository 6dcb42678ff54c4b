// Package embedder owns the lifecycle of the text embedding model shared by
// every character index in the process.
//
// A Provider starts NotReady. The first EnsureLoaded asks its Loader for a
// Model; concurrent callers join the same load. A failed load leaves the
// provider Failed until a caller explicitly tries again.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/becomeliminal/nim-memory/metrics"
)

var (
	// ErrProviderUnavailable is returned by Embed before the model is loaded.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")

	// ErrUnsupported is returned by loaders for backends this build cannot run.
	ErrUnsupported = errors.New("embedding backend not supported by this build")
)

// State is the provider lifecycle state.
type State int

const (
	StateNotReady State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotReady:
		return "not_ready"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Model turns a batch of texts into fixed-dimension vectors.
type Model interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// Loader produces a ready Model. Artifact-backed loaders fetch into the
// cache directory first.
type Loader interface {
	Load(ctx context.Context) (Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (Model, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context) (Model, error) { return f(ctx) }

// Config configures a Provider.
type Config struct {
	// Name identifies the backend in logs and status output.
	Name string

	// Dimensions is reported before the model is loaded. Default: 384.
	Dimensions int

	// BatchSize caps texts per model call. Default: 32.
	BatchSize int

	// QueryCacheSize is the number of cached query embeddings. 0 disables the cache.
	QueryCacheSize int

	// LoadTimeout bounds a single load attempt. Default: 5m.
	LoadTimeout time.Duration

	Logger *zerolog.Logger
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Name:           "default",
		Dimensions:     384,
		BatchSize:      32,
		QueryCacheSize: 50,
		LoadTimeout:    5 * time.Minute,
	}
}

// Provider is safe for concurrent use.
type Provider struct {
	loader Loader
	cfg    Config
	log    zerolog.Logger

	group singleflight.Group
	cache *ristretto.Cache

	mu      sync.RWMutex
	state   State
	model   Model
	lastErr error
}

// New creates a provider. Nothing is loaded until EnsureLoaded.
func New(loader Loader, cfg Config) (*Provider, error) {
	def := DefaultConfig()
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = def.Dimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = def.LoadTimeout
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}

	p := &Provider{loader: loader, cfg: cfg}
	if cfg.Logger != nil {
		p.log = cfg.Logger.With().Str("component", "embedder").Logger()
	} else {
		p.log = log.With().Str("component", "embedder").Logger()
	}

	if cfg.QueryCacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters:        int64(cfg.QueryCacheSize) * 10,
			MaxCost:            int64(cfg.QueryCacheSize),
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create query cache: %w", err)
		}
		p.cache = cache
	}
	return p, nil
}

// Name returns the configured backend name.
func (p *Provider) Name() string { return p.cfg.Name }

// State returns the current lifecycle state.
func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// IsReady reports whether Embed can be served.
func (p *Provider) IsReady() bool { return p.State() == StateReady }

// LastError returns the error of the most recent failed load.
func (p *Provider) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Dimensions returns the model's vector size, or the configured size before load.
func (p *Provider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model != nil {
		return p.model.Dimensions()
	}
	return p.cfg.Dimensions
}

// EnsureLoaded loads the model if needed. It returns nil at once when ready.
// The load itself is detached from ctx; ctx only bounds how long this caller waits.
func (p *Provider) EnsureLoaded(ctx context.Context) error {
	if p.IsReady() {
		return nil
	}

	ch := p.group.DoChan("load", func() (interface{}, error) {
		return nil, p.load()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) load() error {
	p.mu.Lock()
	if p.state == StateReady {
		p.mu.Unlock()
		return nil
	}
	p.state = StateLoading
	p.mu.Unlock()

	start := time.Now()
	p.log.Info().Str("backend", p.cfg.Name).Msg("loading embedding model")

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.LoadTimeout)
	defer cancel()

	model, err := p.loader.Load(ctx)
	if err == nil && model == nil {
		err = errors.New("loader returned no model")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.state = StateFailed
		p.lastErr = err
		metrics.ProviderLoads.WithLabelValues("error").Inc()
		p.log.Error().Err(err).Str("backend", p.cfg.Name).Msg("embedding model load failed")
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	p.model = model
	p.state = StateReady
	p.lastErr = nil
	metrics.ProviderLoads.WithLabelValues("ok").Inc()
	metrics.ProviderReady.Set(1)
	p.log.Info().
		Str("backend", p.cfg.Name).
		Int("dimensions", model.Dimensions()).
		Dur("took", time.Since(start)).
		Msg("embedding model ready")
	return nil
}

func (p *Provider) readyModel() Model {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != StateReady {
		return nil
	}
	return p.model
}

// Embed returns one vector per text, in order. Empty input yields an empty
// result even when the provider is not loaded.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	model := p.readyModel()
	if model == nil {
		return nil, ErrProviderUnavailable
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := make([]string, end-start)
		for i, t := range texts[start:end] {
			batch[i] = Preprocess(t)
		}

		vecs, err := model.EmbedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embed batch %d-%d: model returned %d vectors for %d texts", start, end, len(vecs), len(batch))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds a single search query, consulting the query cache first.
func (p *Provider) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	key := Preprocess(query)
	if p.cache != nil {
		if v, ok := p.cache.Get(key); ok {
			return v.([]float32), nil
		}
	}

	vecs, err := p.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Set(key, vecs[0], 1)
	}
	return vecs[0], nil
}

// Close releases the model and cache. The provider returns to NotReady.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache != nil {
		p.cache.Clear()
	}
	var err error
	if p.model != nil {
		err = p.model.Close()
		p.model = nil
	}
	p.state = StateNotReady
	metrics.ProviderReady.Set(0)
	return err
}

// Preprocess trims text and collapses runs of whitespace to single spaces.
func Preprocess(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
