// Package mock provides a deterministic embedding model for tests and
// offline use.
package mock

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/atomic"

	"github.com/becomeliminal/nim-memory/memory/embedder"
)

// ErrMockFailure is returned by a model with Fail set.
var ErrMockFailure = errors.New("mock embedder failure")

// Model hashes lowercase word tokens into a fixed number of buckets and
// normalises the counts. Texts sharing words land close together, which is
// enough to exercise ranking without a real model.
type Model struct {
	dimensions int

	// Calls counts EmbedBatch invocations.
	Calls atomic.Int64

	// Texts counts individual texts embedded.
	Texts atomic.Int64

	// Fail makes every EmbedBatch return ErrMockFailure.
	Fail atomic.Bool

	mu   sync.Mutex
	gate chan struct{}
}

// New creates a 384-dimension model, matching all-MiniLM-L6-v2.
func New() *Model {
	return NewWithDimensions(384)
}

// NewWithDimensions creates a model with the given vector size.
func NewWithDimensions(dim int) *Model {
	return &Model{dimensions: dim}
}

// Hold makes EmbedBatch block until Release is called.
func (m *Model) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
}

// Release unblocks callers waiting on Hold.
func (m *Model) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// EmbedBatch embeds each text.
func (m *Model) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.Calls.Inc()

	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.Fail.Load() {
		return nil, ErrMockFailure
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.embed(t)
	}
	m.Texts.Add(int64(len(texts)))
	return out, nil
}

func (m *Model) embed(text string) []float32 {
	vec := make([]float32, m.dimensions)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(m.dimensions)]++
	}
	return normalize(vec)
}

// Dimensions returns the vector size.
func (m *Model) Dimensions() int {
	return m.dimensions
}

// Close is a no-op.
func (m *Model) Close() error { return nil }

// Loader returns a loader that hands out m.
func (m *Model) Loader() embedder.Loader {
	return embedder.LoaderFunc(func(ctx context.Context) (embedder.Model, error) {
		return m, nil
	})
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
