package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/becomeliminal/nim-memory/conversation"
	"github.com/becomeliminal/nim-memory/core"
)

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
	calls   atomic.Int64
	block   chan struct{}
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, opts core.GenerateOptions) (string, error) {
	g.calls.Inc()
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	reply, err, block := g.reply, g.err, g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (g *fakeGenerator) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *fakeGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[len(g.prompts)-1]
}

func newSession(gen core.Generator) *conversation.Session {
	cfg := conversation.DefaultSessionConfig()
	cfg.RecentLimit = 12
	cfg.Summary.TriggerLimit = 20
	return conversation.NewSession(gen, cfg)
}

func addTurns(t *testing.T, s *conversation.Session, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		role := core.RoleUser
		if i%2 == 0 {
			role = core.RoleAssistant
		}
		s.Add(role, fmt.Sprintf("turn %d", i))
		_, err := s.Summarize(context.Background())
		require.NoError(t, err)
	}
}

func TestSummarizer_TwentyFiveTurnScenario(t *testing.T) {
	gen := &fakeGenerator{reply: "Summary: Alice greeted Bob."}
	s := newSession(gen)

	addTurns(t, s, 1, 25)

	assert.Equal(t, int64(1), gen.calls.Load(), "exactly one summarization")
	sum := s.Coordinator().Summary()
	assert.Equal(t, "Alice greeted Bob.", sum.Text)
	assert.Equal(t, 8, sum.CoveredTurns, "turns 1-8 had been evicted at turn 20")
	assert.Equal(t, uint64(1), sum.Version)

	turns := s.Buffer().Turns()
	require.Len(t, turns, 12)
	assert.Equal(t, uint64(14), turns[0].Seq)
	assert.Equal(t, uint64(25), turns[11].Seq)
	assert.Equal(t, 5, s.Coordinator().Pending(), "turns 9-13 wait for the next summary")

	prompt := gen.lastPrompt()
	assert.Contains(t, prompt, "Summarize the key points")
	assert.Contains(t, prompt, "user: turn 1\n")
	assert.Contains(t, prompt, "assistant: turn 8\n")
	assert.NotContains(t, prompt, "turn 9")
	assert.NotContains(t, prompt, "Previous summary:")
}

func TestSummarizer_SecondRoundMergesAndIncludesPrior(t *testing.T) {
	gen := &fakeGenerator{reply: "First part."}
	s := newSession(gen)
	addTurns(t, s, 1, 20)

	gen.mu.Lock()
	gen.reply = "Second part."
	gen.mu.Unlock()
	addTurns(t, s, 21, 40)

	assert.Equal(t, int64(2), gen.calls.Load())
	sum := s.Coordinator().Summary()
	assert.Equal(t, "First part.\n\nSecond part.", sum.Text)
	assert.Equal(t, 28, sum.CoveredTurns)
	assert.Equal(t, uint64(2), sum.Version)
	assert.Contains(t, gen.lastPrompt(), "Previous summary:\nFirst part.")
	assert.Equal(t, 2, s.Coordinator().Created())
}

func TestSummarizer_FailureKeepsSummaryAndCounter(t *testing.T) {
	gen := &fakeGenerator{reply: "Kept."}
	s := newSession(gen)
	addTurns(t, s, 1, 20)
	before := s.Coordinator().Summary()

	gen.setErr(errors.New("backend overloaded"))
	for i := 21; i <= 40; i++ {
		s.Add(core.RoleUser, fmt.Sprintf("turn %d", i))
	}
	_, err := s.Summarize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, conversation.ErrSummarizationFailed)
	assert.Equal(t, before, s.Coordinator().Summary())
	assert.Equal(t, 1, s.Coordinator().Failures())
	pendingAfterFailure := s.Coordinator().Pending()

	// The next attempt covers the same backlog.
	gen.setErr(nil)
	s.Add(core.RoleUser, "turn 41")
	sum, err := s.Summarize(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, before.CoveredTurns+pendingAfterFailure+1, sum.CoveredTurns)
	assert.Equal(t, 0, s.Coordinator().Pending())
}

func TestSummarizer_TimeoutIsAFailure(t *testing.T) {
	gen := &fakeGenerator{reply: "late", block: make(chan struct{})}
	defer close(gen.block)

	cfg := conversation.DefaultSessionConfig()
	cfg.RecentLimit = 2
	cfg.Summary.TriggerLimit = 3
	cfg.Summary.Timeout = 20 * time.Millisecond
	s := conversation.NewSession(gen, cfg)
	for i := 0; i < 3; i++ {
		s.Add(core.RoleUser, "x")
	}

	_, err := s.Summarize(context.Background())
	assert.ErrorIs(t, err, conversation.ErrSummarizationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, s.Coordinator().Summary().Text)
}

func TestSummarizer_OneAtATime(t *testing.T) {
	gen := &fakeGenerator{reply: "done", block: make(chan struct{})}
	cfg := conversation.DefaultSessionConfig()
	cfg.RecentLimit = 2
	cfg.Summary.TriggerLimit = 3
	s := conversation.NewSession(gen, cfg)
	for i := 0; i < 3; i++ {
		s.Add(core.RoleUser, "x")
	}

	result := make(chan *conversation.Summary, 1)
	go func() {
		sum, _ := s.Summarize(context.Background())
		result <- sum
	}()
	require.Eventually(t, func() bool { return gen.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	sum, err := s.Summarize(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, sum, "a second caller does not start another summarization")

	close(gen.block)
	require.NotNil(t, <-result)
	assert.Equal(t, int64(1), gen.calls.Load())
}

func TestSummarizer_NilGeneratorNeverRuns(t *testing.T) {
	s := newSession(nil)
	for i := 0; i < 30; i++ {
		_, due := s.Add(core.RoleUser, "x")
		assert.False(t, due)
	}
	sum, err := s.Summarize(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, sum)
	assert.Equal(t, 0, s.Coordinator().Pending(), "evictions are not queued without a backend")
}

// roundGenerator returns a distinct, oversized summary on every call.
type roundGenerator struct {
	calls atomic.Int64
	size  int
}

func (g *roundGenerator) Generate(context.Context, string, core.GenerateOptions) (string, error) {
	n := g.calls.Inc()
	return fmt.Sprintf("round %d ", n) + strings.Repeat("a", g.size), nil
}

func TestSummarizer_RunningSummaryStaysBounded(t *testing.T) {
	gen := &roundGenerator{size: 5000}
	cfg := conversation.DefaultSessionConfig()
	s := conversation.NewSession(gen, cfg)

	for i := 1; i <= 400; i++ {
		s.Add(core.RoleUser, fmt.Sprintf("turn %d", i))
		_, err := s.Summarize(context.Background())
		require.NoError(t, err)
		require.LessOrEqual(t, utf8.RuneCountInString(s.Coordinator().Summary().Text), cfg.Summary.MaxChars)
	}
	require.Greater(t, gen.calls.Load(), int64(10))

	out := s.Context(nil)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), cfg.ContextMaxChars)
	assert.Contains(t, out, "user: turn 400")
	assert.Contains(t, out, fmt.Sprintf("round %d ", gen.calls.Load()))
}

func TestMergeSummary_DropsOldestSegments(t *testing.T) {
	a := strings.Repeat("a", 400)
	b := strings.Repeat("b", 400)
	c := strings.Repeat("c", 400)

	merged := conversation.MergeSummary(a, b, 1000)
	assert.Equal(t, a+"\n\n"+b, merged)

	merged = conversation.MergeSummary(merged, c, 1000)
	assert.Equal(t, b+"\n\n"+c, merged)

	assert.Equal(t, "first", conversation.MergeSummary("", "first", 1000))

	long := conversation.MergeSummary(a, strings.Repeat("d", 1200), 1000)
	assert.Equal(t, 1000, utf8.RuneCountInString(long))
	assert.True(t, strings.HasPrefix(long, "ddd"))
}

func TestCleanSummary(t *testing.T) {
	assert.Equal(t, "Bob likes tea.", conversation.CleanSummary("  Summary: Bob likes tea.  ", 1000))
	assert.Equal(t, "Bob", conversation.CleanSummary("Bob", 1000))

	long := strings.Repeat("é", 1200)
	cleaned := conversation.CleanSummary(long, 1000)
	assert.Equal(t, 1000, len([]rune(cleaned)))
	assert.True(t, strings.HasSuffix(cleaned, "..."))
}

func TestSession_ClearResetsEverything(t *testing.T) {
	gen := &fakeGenerator{reply: "sum"}
	s := newSession(gen)
	addTurns(t, s, 1, 22)

	s.Clear()
	assert.Equal(t, 0, s.Buffer().Len())
	assert.Empty(t, s.Coordinator().Summary().Text)
	assert.Equal(t, 0, s.Coordinator().Pending())
	assert.Empty(t, s.Context(nil))
}
