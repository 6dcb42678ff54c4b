// Package conversation holds per-session dialogue state: the bounded
// working buffer of recent turns, the running summary of turns that fell
// out of it, and the assembly of both into a prompt context.
package conversation

import (
	"sync"
	"time"

	"github.com/becomeliminal/nim-memory/core"
)

// DefaultRecentLimit is the working buffer capacity.
const DefaultRecentLimit = 12

// Buffer is a FIFO of the most recent turns. Appending past the limit
// evicts the oldest turn to the eviction sink.
type Buffer struct {
	limit   int
	onEvict func(core.ChatTurn)

	mu      sync.Mutex
	turns   []core.ChatTurn
	seq     uint64
	evicted int
	now     func() time.Time

	// Latest summary mark: version and the eviction count it covered.
	markVersion uint64
	markEvicted int
}

// NewBuffer creates a buffer holding at most limit turns. onEvict may be nil.
func NewBuffer(limit int, onEvict func(core.ChatTurn)) *Buffer {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return &Buffer{
		limit:   limit,
		onEvict: onEvict,
		turns:   make([]core.ChatTurn, 0, limit+1),
		now:     time.Now,
	}
}

// Limit returns the capacity.
func (b *Buffer) Limit() int { return b.limit }

// Append adds a turn, assigns its sequence number and evicts as needed.
// The eviction sink runs after the buffer lock is released.
func (b *Buffer) Append(role core.Role, text string) core.ChatTurn {
	b.mu.Lock()
	b.seq++
	turn := core.ChatTurn{Role: role, Text: text, Seq: b.seq, At: b.now()}
	b.turns = append(b.turns, turn)

	var out []core.ChatTurn
	for len(b.turns) > b.limit {
		out = append(out, b.turns[0])
		b.turns = b.turns[1:]
		b.evicted++
	}
	b.mu.Unlock()

	if b.onEvict != nil {
		for _, t := range out {
			b.onEvict(t)
		}
	}
	return turn
}

// Turns returns a copy of the buffered turns, oldest first.
func (b *Buffer) Turns() []core.ChatTurn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.ChatTurn(nil), b.turns...)
}

// Len returns the number of buffered turns.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns)
}

// Total returns the number of turns ever appended.
func (b *Buffer) Total() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// MarkSummarized records that summary version covers every eviction so far.
// Only the latest mark is kept.
func (b *Buffer) MarkSummarized(version uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markVersion = version
	b.markEvicted = b.evicted
}

// EvictedCountSince returns evictions after the given summary version was
// marked. Versions other than the latest mark count from the start.
func (b *Buffer) EvictedCountSince(version uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if version == b.markVersion {
		return b.evicted - b.markEvicted
	}
	return b.evicted
}

// Reset empties the buffer and restarts sequence numbering.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = b.turns[:0]
	b.seq = 0
	b.evicted = 0
	b.markVersion = 0
	b.markEvicted = 0
}
