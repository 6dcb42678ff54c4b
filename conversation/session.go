package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/nim-memory/core"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	RecentLimit     int
	ContextMaxChars int
	Summary         SummaryConfig
}

// DefaultSessionConfig returns the reference configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		RecentLimit:     DefaultRecentLimit,
		ContextMaxChars: DefaultContextMaxChars,
		Summary:         DefaultSummaryConfig(),
	}
}

// Session is one conversation's working memory and summary.
type Session struct {
	ID        string
	CreatedAt time.Time

	buffer    *Buffer
	coord     *Coordinator
	assembler Assembler
}

// NewSession wires a buffer to a coordinator. gen may be nil.
func NewSession(gen core.Generator, cfg SessionConfig) *Session {
	coord := NewCoordinator(gen, cfg.Summary)
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		buffer:    NewBuffer(cfg.RecentLimit, coord.OnEvicted),
		coord:     coord,
		assembler: Assembler{MaxChars: cfg.ContextMaxChars},
	}
}

// Buffer returns the working buffer.
func (s *Session) Buffer() *Buffer { return s.buffer }

// Coordinator returns the summarization coordinator.
func (s *Session) Coordinator() *Coordinator { return s.coord }

// Add records a turn. It reports whether a summarization is now due.
func (s *Session) Add(role core.Role, text string) (core.ChatTurn, bool) {
	turn := s.buffer.Append(role, text)
	s.coord.OnTurnAdded(turn)
	return turn, s.coord.Due()
}

// Summarize runs a due summarization and marks the buffer on success.
func (s *Session) Summarize(ctx context.Context) (*Summary, error) {
	sum, err := s.coord.MaybeSummarize(ctx)
	if err != nil || sum == nil {
		return sum, err
	}
	s.buffer.MarkSummarized(sum.Version)
	return sum, nil
}

// Context assembles the summary, cards and recent turns.
func (s *Session) Context(cards []string) string {
	return s.assembler.Assemble(s.coord.Summary().Text, s.buffer.Turns(), cards)
}

// Clear drops every turn and the summary.
func (s *Session) Clear() {
	s.buffer.Reset()
	s.coord.Reset()
}
