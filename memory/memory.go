package memory

import (
	"context"

	"github.com/becomeliminal/nim-memory/core"
)

// Embedder converts text to vectors. *embedder.Provider is the standard
// implementation; one instance is shared by every character.
type Embedder interface {
	// IsReady reports whether Embed can be served without loading.
	IsReady() bool

	// EnsureLoaded loads the backing model if needed.
	EnsureLoaded(ctx context.Context) error

	// Embed returns one vector per text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// RecordStore is the source of truth for memory cards.
// Implementations: records.FileStore (character files), records.SQLiteStore.
type RecordStore interface {
	// Cards returns a character's cards in their stable order. A character
	// with no record has zero cards, not an error.
	Cards(ctx context.Context, characterID string) ([]core.MemoryCard, error)
}
