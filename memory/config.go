package memory

import (
	"time"

	"github.com/rs/zerolog"
)

// Config holds Manager configuration.
type Config struct {
	// VectorsDir is where index snapshots are persisted.
	// Default: data/vectors
	VectorsDir string

	// TopK is the result count when a search passes k <= 0.
	// Default: 3
	TopK int

	// SearchTimeout bounds a whole search, including any implicit load.
	// Default: 10s
	SearchTimeout time.Duration

	// RebuildTimeout bounds a load or rebuild once it is in flight.
	// Default: 5m
	RebuildTimeout time.Duration

	// JoinTimeout bounds how long a search waits on an in-flight first load.
	// Default: 2s
	JoinTimeout time.Duration

	// NonBlockingSearch makes searches return empty at once while a
	// character's first load is in flight.
	NonBlockingSearch bool

	// MaxDistance drops matches farther than this squared distance.
	// Default: 0 (disabled)
	MaxDistance float32

	// WarmProvider starts loading the embedder in the background when an
	// index is installed from disk.
	// Default: true
	WarmProvider bool

	Logger *zerolog.Logger
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		VectorsDir:     "data/vectors",
		TopK:           3,
		SearchTimeout:  10 * time.Second,
		RebuildTimeout: 5 * time.Minute,
		JoinTimeout:    2 * time.Second,
		WarmProvider:   true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.VectorsDir == "" {
		c.VectorsDir = def.VectorsDir
	}
	if c.TopK <= 0 {
		c.TopK = def.TopK
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = def.SearchTimeout
	}
	if c.RebuildTimeout <= 0 {
		c.RebuildTimeout = def.RebuildTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = def.JoinTimeout
	}
	return c
}
