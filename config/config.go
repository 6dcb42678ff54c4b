// Package config loads nim-memory configuration from YAML and NIMMEM_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/becomeliminal/nim-memory/conversation"
	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder"
	"github.com/becomeliminal/nim-memory/memory/embedder/onnx"
	"github.com/becomeliminal/nim-memory/memory/embedder/remote"
	"github.com/becomeliminal/nim-memory/server"
)

// EnvPrefix prefixes environment overrides, e.g. NIMMEM_MEMORY_TOP_K.
const EnvPrefix = "NIMMEM"

// Config holds all application configuration
type Config struct {
	Memory       MemoryConfig       `mapstructure:"memory"`
	Embedder     EmbedderConfig     `mapstructure:"embedder"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Records      RecordsConfig      `mapstructure:"records"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
}

// MemoryConfig configures the character index manager
type MemoryConfig struct {
	VectorsDir        string        `mapstructure:"vectors_dir"`
	TopK              int           `mapstructure:"top_k"`
	SearchTimeout     time.Duration `mapstructure:"search_timeout"`
	RebuildTimeout    time.Duration `mapstructure:"rebuild_timeout"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	NonBlockingSearch bool          `mapstructure:"non_blocking_search"`
	MaxDistance       float32       `mapstructure:"max_distance"`
	WarmProvider      bool          `mapstructure:"warm_provider"`
}

// EmbedderConfig configures the embedding provider
type EmbedderConfig struct {
	Backend        string        `mapstructure:"backend"` // onnx, ollama, openai, mock
	Dimensions     int           `mapstructure:"dimensions"`
	BatchSize      int           `mapstructure:"batch_size"`
	QueryCacheSize int           `mapstructure:"query_cache_size"`
	LoadTimeout    time.Duration `mapstructure:"load_timeout"`

	// onnx
	CacheDir          string `mapstructure:"cache_dir"`
	Model             string `mapstructure:"model"`
	Version           string `mapstructure:"version"`
	BaseURL           string `mapstructure:"base_url"`
	SharedLibraryPath string `mapstructure:"shared_library_path"`
	MaxSequence       int    `mapstructure:"max_sequence"`

	// ollama / openai
	APIKey string `mapstructure:"api_key"`
}

// ConversationConfig configures working memory and summaries
type ConversationConfig struct {
	RecentLimit        int           `mapstructure:"recent_limit"`
	ContextMaxChars    int           `mapstructure:"context_max_chars"`
	SummaryTrigger     int           `mapstructure:"summary_trigger"`
	SummaryMaxChars    int           `mapstructure:"summary_max_chars"`
	SummaryTimeout     time.Duration `mapstructure:"summary_timeout"`
	SummaryMaxTokens   int           `mapstructure:"summary_max_tokens"`
	SummaryTemperature float64       `mapstructure:"summary_temperature"`
}

// LLMConfig configures the generation backend
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"` // anthropic, openai, none
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	System      string        `mapstructure:"system"`
}

// RecordsConfig selects the character record store
type RecordsConfig struct {
	Backend    string `mapstructure:"backend"` // file, sqlite
	Dir        string `mapstructure:"dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Watch      bool   `mapstructure:"watch"`
}

// ServerConfig configures the listeners
type ServerConfig struct {
	HTTPAddr       string        `mapstructure:"http_addr"`
	GRPCAddr       string        `mapstructure:"grpc_addr"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// LogConfig configures zerolog output
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console, json
}

// Default returns the default configuration.
func Default() *Config {
	mem := memory.DefaultConfig()
	emb := embedder.DefaultConfig()
	ox := onnx.DefaultConfig()
	sum := conversation.DefaultSummaryConfig()
	srv := server.DefaultConfig()
	return &Config{
		Memory: MemoryConfig{
			VectorsDir:     mem.VectorsDir,
			TopK:           mem.TopK,
			SearchTimeout:  mem.SearchTimeout,
			RebuildTimeout: mem.RebuildTimeout,
			JoinTimeout:    mem.JoinTimeout,
			WarmProvider:   mem.WarmProvider,
		},
		Embedder: EmbedderConfig{
			Backend:        "onnx",
			Dimensions:     emb.Dimensions,
			BatchSize:      emb.BatchSize,
			QueryCacheSize: emb.QueryCacheSize,
			LoadTimeout:    emb.LoadTimeout,
			CacheDir:       ox.CacheDir,
			Model:          ox.Model,
			Version:        ox.Version,
			BaseURL:        ox.BaseURL,
			MaxSequence:    ox.MaxSequence,
		},
		Conversation: ConversationConfig{
			RecentLimit:        conversation.DefaultRecentLimit,
			ContextMaxChars:    conversation.DefaultContextMaxChars,
			SummaryTrigger:     sum.TriggerLimit,
			SummaryMaxChars:    sum.MaxChars,
			SummaryTimeout:     sum.Timeout,
			SummaryMaxTokens:   sum.MaxTokens,
			SummaryTemperature: sum.Temperature,
		},
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   512,
			Temperature: 0.7,
			Timeout:     90 * time.Second,
		},
		Records: RecordsConfig{
			Backend:    "file",
			Dir:        "data/characters",
			SQLitePath: "data/memory.db",
		},
		Server: ServerConfig{
			HTTPAddr:       srv.HTTPAddr,
			GRPCAddr:       srv.GRPCAddr,
			HealthInterval: srv.HealthInterval,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nim-memory")
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]any{
		"memory.vectors_dir":         d.Memory.VectorsDir,
		"memory.top_k":               d.Memory.TopK,
		"memory.search_timeout":      d.Memory.SearchTimeout,
		"memory.rebuild_timeout":     d.Memory.RebuildTimeout,
		"memory.join_timeout":        d.Memory.JoinTimeout,
		"memory.non_blocking_search": d.Memory.NonBlockingSearch,
		"memory.max_distance":        d.Memory.MaxDistance,
		"memory.warm_provider":       d.Memory.WarmProvider,

		"embedder.backend":             d.Embedder.Backend,
		"embedder.dimensions":          d.Embedder.Dimensions,
		"embedder.batch_size":          d.Embedder.BatchSize,
		"embedder.query_cache_size":    d.Embedder.QueryCacheSize,
		"embedder.load_timeout":        d.Embedder.LoadTimeout,
		"embedder.cache_dir":           d.Embedder.CacheDir,
		"embedder.model":               d.Embedder.Model,
		"embedder.version":             d.Embedder.Version,
		"embedder.base_url":            d.Embedder.BaseURL,
		"embedder.shared_library_path": d.Embedder.SharedLibraryPath,
		"embedder.max_sequence":        d.Embedder.MaxSequence,
		"embedder.api_key":             d.Embedder.APIKey,

		"conversation.recent_limit":        d.Conversation.RecentLimit,
		"conversation.context_max_chars":   d.Conversation.ContextMaxChars,
		"conversation.summary_trigger":     d.Conversation.SummaryTrigger,
		"conversation.summary_max_chars":   d.Conversation.SummaryMaxChars,
		"conversation.summary_timeout":     d.Conversation.SummaryTimeout,
		"conversation.summary_max_tokens":  d.Conversation.SummaryMaxTokens,
		"conversation.summary_temperature": d.Conversation.SummaryTemperature,

		"llm.provider":    d.LLM.Provider,
		"llm.model":       d.LLM.Model,
		"llm.api_key":     d.LLM.APIKey,
		"llm.base_url":    d.LLM.BaseURL,
		"llm.max_tokens":  d.LLM.MaxTokens,
		"llm.temperature": d.LLM.Temperature,
		"llm.timeout":     d.LLM.Timeout,
		"llm.system":      d.LLM.System,

		"records.backend":     d.Records.Backend,
		"records.dir":         d.Records.Dir,
		"records.sqlite_path": d.Records.SQLitePath,
		"records.watch":       d.Records.Watch,

		"server.http_addr":       d.Server.HTTPAddr,
		"server.grpc_addr":       d.Server.GRPCAddr,
		"server.health_interval": d.Server.HealthInterval,

		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Validate rejects unknown backends and nonsensical sizes.
func (c *Config) Validate() error {
	switch c.Embedder.Backend {
	case "onnx", "ollama", "openai", "mock":
	default:
		return fmt.Errorf("unknown embedder backend %q", c.Embedder.Backend)
	}
	switch c.LLM.Provider {
	case "anthropic", "openai", "none", "":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	switch c.Records.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown records backend %q", c.Records.Backend)
	}
	if c.Memory.TopK < 0 {
		return fmt.Errorf("memory.top_k must not be negative, got %d", c.Memory.TopK)
	}
	if c.Conversation.RecentLimit < 0 {
		return fmt.Errorf("conversation.recent_limit must not be negative, got %d", c.Conversation.RecentLimit)
	}
	return nil
}

// MemoryOptions returns the manager configuration.
func (c *Config) MemoryOptions() memory.Config {
	return memory.Config{
		VectorsDir:        c.Memory.VectorsDir,
		TopK:              c.Memory.TopK,
		SearchTimeout:     c.Memory.SearchTimeout,
		RebuildTimeout:    c.Memory.RebuildTimeout,
		JoinTimeout:       c.Memory.JoinTimeout,
		NonBlockingSearch: c.Memory.NonBlockingSearch,
		MaxDistance:       c.Memory.MaxDistance,
		WarmProvider:      c.Memory.WarmProvider,
	}
}

// ProviderOptions returns the embedding provider configuration.
func (c *Config) ProviderOptions() embedder.Config {
	return embedder.Config{
		Name:           c.Embedder.Backend,
		Dimensions:     c.Embedder.Dimensions,
		BatchSize:      c.Embedder.BatchSize,
		QueryCacheSize: c.Embedder.QueryCacheSize,
		LoadTimeout:    c.Embedder.LoadTimeout,
	}
}

// ONNXOptions returns the ONNX model configuration.
func (c *Config) ONNXOptions() onnx.Config {
	return onnx.Config{
		CacheDir:          c.Embedder.CacheDir,
		Model:             c.Embedder.Model,
		Version:           c.Embedder.Version,
		BaseURL:           c.Embedder.BaseURL,
		SharedLibraryPath: c.Embedder.SharedLibraryPath,
		Dimensions:        c.Embedder.Dimensions,
		MaxSequence:       c.Embedder.MaxSequence,
	}
}

// RemoteOptions returns the remote embedding configuration. The onnx model
// defaults do not carry over to remote backends.
func (c *Config) RemoteOptions() remote.Config {
	rc := remote.Config{Backend: c.Embedder.Backend, APIKey: c.Embedder.APIKey}
	def := onnx.DefaultConfig()
	if c.Embedder.BaseURL != def.BaseURL {
		rc.BaseURL = c.Embedder.BaseURL
	}
	if c.Embedder.Model != def.Model {
		rc.Model = c.Embedder.Model
	}
	return rc
}

// SessionOptions returns the per-conversation configuration.
func (c *Config) SessionOptions() conversation.SessionConfig {
	return conversation.SessionConfig{
		RecentLimit:     c.Conversation.RecentLimit,
		ContextMaxChars: c.Conversation.ContextMaxChars,
		Summary: conversation.SummaryConfig{
			TriggerLimit: c.Conversation.SummaryTrigger,
			MaxChars:     c.Conversation.SummaryMaxChars,
			Timeout:      c.Conversation.SummaryTimeout,
			MaxTokens:    c.Conversation.SummaryMaxTokens,
			Temperature:  c.Conversation.SummaryTemperature,
		},
	}
}

// ReplyOptions returns the generation options for replies.
func (c *Config) ReplyOptions() core.GenerateOptions {
	return core.GenerateOptions{
		SystemPrompt: c.LLM.System,
		MaxTokens:    c.LLM.MaxTokens,
		Temperature:  c.LLM.Temperature,
		Timeout:      c.LLM.Timeout,
	}
}

// ServerOptions returns the listener configuration.
func (c *Config) ServerOptions() server.Config {
	return server.Config{
		HTTPAddr:       c.Server.HTTPAddr,
		GRPCAddr:       c.Server.GRPCAddr,
		HealthInterval: c.Server.HealthInterval,
		Session:        c.SessionOptions(),
		Reply:          c.ReplyOptions(),
	}
}
