package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/becomeliminal/nim-memory/config"
	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/llm"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
	"github.com/becomeliminal/nim-memory/memory/embedder/onnx"
	"github.com/becomeliminal/nim-memory/memory/embedder/remote"
	"github.com/becomeliminal/nim-memory/memory/records"
)

// app bundles the components a command needs.
type app struct {
	store    memory.RecordStore
	files    *records.FileStore
	sqlite   *records.SQLiteStore
	provider *embedder.Provider
	manager  *memory.Manager
	gen      core.Generator
}

func openApp(c *config.Config) (*app, error) {
	a := &app{}
	switch c.Records.Backend {
	case "sqlite":
		s, err := records.OpenSQLite(c.Records.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite records: %w", err)
		}
		a.sqlite, a.store = s, s
	default:
		a.files = records.NewFileStore(c.Records.Dir)
		a.store = a.files
	}

	loader, err := newLoader(c)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.provider, err = embedder.New(loader, c.ProviderOptions())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.manager = memory.NewManager(a.store, a.provider, c.MemoryOptions())
	a.gen = newGenerator(c)
	return a, nil
}

func newLoader(c *config.Config) (embedder.Loader, error) {
	switch c.Embedder.Backend {
	case "onnx":
		return onnx.NewLoader(c.ONNXOptions()), nil
	case "ollama", "openai":
		return remote.NewLoader(c.RemoteOptions()), nil
	case "mock":
		return mock.NewWithDimensions(c.Embedder.Dimensions).Loader(), nil
	default:
		return nil, fmt.Errorf("unknown embedder backend %q", c.Embedder.Backend)
	}
}

// newGenerator returns nil when no backend is configured, which disables
// summaries and replies.
func newGenerator(c *config.Config) core.Generator {
	switch c.LLM.Provider {
	case "anthropic":
		key := c.LLM.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return nil
		}
		return llm.NewAnthropic(key, c.LLM.Model)
	case "openai":
		key := c.LLM.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" && c.LLM.BaseURL == "" {
			return nil
		}
		return llm.NewOpenAI(key, c.LLM.BaseURL, c.LLM.Model)
	default:
		return nil
	}
}

// ensureProvider loads the embedder, reporting a failure as a warning.
func (a *app) ensureProvider(ctx context.Context) error {
	err := a.provider.EnsureLoaded(ctx)
	if errors.Is(err, embedder.ErrProviderUnavailable) {
		fmt.Fprintf(os.Stderr, "warning: embedding provider unavailable: %v\n", a.provider.LastError())
	}
	return err
}

func (a *app) Close() {
	if a.provider != nil {
		a.provider.Close()
	}
	if a.sqlite != nil {
		a.sqlite.Close()
	}
}
