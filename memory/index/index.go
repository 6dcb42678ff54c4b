// Package index implements the exact-search vector index used for memory
// cards, together with its content fingerprint and on-disk snapshot format.
//
// The index is a flat list of fixed-dimension vectors. Search is a full scan
// ranked by squared Euclidean distance, which is the right trade-off for the
// tens to hundreds of cards a character carries.
package index

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrIndexCorrupt is returned when a persisted snapshot fails validation.
	ErrIndexCorrupt = errors.New("index snapshot corrupt")
)

// CardVector is the embedding of one memory card.
type CardVector struct {
	CardID    string
	Embedding []float32
}

// CharacterIndex is the complete, immutable index for one character.
// It is replaced wholesale on rebuild, never edited in place.
type CharacterIndex struct {
	CharacterID string
	Vectors     []CardVector
	Fingerprint Fingerprint
	Dimension   int
}

// Len returns the number of indexed vectors.
func (idx *CharacterIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.Vectors)
}

// Match is a single search hit. Position is the vector's insertion order.
type Match struct {
	CardID   string
	Position int
	Distance float32
}

// Build validates vectors against dimension and assembles an index.
// An empty vector list yields a valid, empty index.
func Build(characterID string, dimension int, vectors []CardVector, fp Fingerprint) (*CharacterIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dimension)
	}

	owned := make([]CardVector, len(vectors))
	for i, v := range vectors {
		if len(v.Embedding) != dimension {
			return nil, fmt.Errorf("card %q: %w: got %d, want %d", v.CardID, ErrDimensionMismatch, len(v.Embedding), dimension)
		}
		emb := make([]float32, dimension)
		copy(emb, v.Embedding)
		owned[i] = CardVector{CardID: v.CardID, Embedding: emb}
	}

	return &CharacterIndex{
		CharacterID: characterID,
		Vectors:     owned,
		Fingerprint: fp,
		Dimension:   dimension,
	}, nil
}

// Search returns up to k vectors nearest to query, ascending by squared
// Euclidean distance. Equal distances keep insertion order.
func Search(idx *CharacterIndex, query []float32, k int) ([]Match, error) {
	if idx.Len() == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != idx.Dimension {
		return nil, fmt.Errorf("query: %w: got %d, want %d", ErrDimensionMismatch, len(query), idx.Dimension)
	}

	matches := make([]Match, len(idx.Vectors))
	for i, v := range idx.Vectors {
		matches[i] = Match{
			CardID:   v.CardID,
			Position: i,
			Distance: SquaredL2(query, v.Embedding),
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})

	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// IsStale reports whether idx no longer reflects the records fingerprinted as current.
func IsStale(idx *CharacterIndex, current Fingerprint) bool {
	return idx == nil || idx.Fingerprint != current
}

// SquaredL2 is the squared Euclidean distance between equal-length vectors.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
