package memory

import (
	"errors"

	"github.com/becomeliminal/nim-memory/memory/embedder"
	"github.com/becomeliminal/nim-memory/memory/index"
)

var (
	// ErrProviderUnavailable means the embedding model is not loaded.
	ErrProviderUnavailable = embedder.ErrProviderUnavailable

	// ErrIndexCorrupt means a persisted snapshot failed validation.
	ErrIndexCorrupt = index.ErrIndexCorrupt

	// ErrRebuildFailed wraps any failure to produce a fresh index.
	ErrRebuildFailed = errors.New("index rebuild failed")

	// ErrSearchTimeout is logged when a search exceeds its deadline.
	ErrSearchTimeout = errors.New("memory search timed out")
)
