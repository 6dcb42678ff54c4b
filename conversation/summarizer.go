package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/metrics"
)

// ErrSummarizationFailed is returned when the backend fails, times out or
// returns nothing usable. The previous summary is kept.
var ErrSummarizationFailed = errors.New("summarization failed")

const summarySep = "\n\n"

const summaryInstruction = `Summarize the key points of this conversation so far, keeping names and important facts.
Be extremely concise (max 2-3 sentences). Focus on:

1. Main topics discussed
2. Important decisions or agreements
3. Key information exchanged
4. Current state of the conversation`

// SummaryConfig configures a Coordinator.
type SummaryConfig struct {
	// TriggerLimit is the number of turns since the last successful
	// summarization that triggers the next one. Default: 20.
	TriggerLimit int

	// MaxChars caps one summarization result and the running summary, in
	// runes. Older summary segments are dropped first. Default: 1000.
	MaxChars int

	// Timeout bounds one backend call. Default: 90s.
	Timeout time.Duration

	// MaxTokens and Temperature are passed to the backend.
	MaxTokens   int
	Temperature float64

	Logger *zerolog.Logger
}

// DefaultSummaryConfig returns the reference configuration.
func DefaultSummaryConfig() SummaryConfig {
	return SummaryConfig{
		TriggerLimit: 20,
		MaxChars:     1000,
		Timeout:      90 * time.Second,
		MaxTokens:    200,
		Temperature:  0.3,
	}
}

func (c SummaryConfig) withDefaults() SummaryConfig {
	def := DefaultSummaryConfig()
	if c.TriggerLimit <= 0 {
		c.TriggerLimit = def.TriggerLimit
	}
	if c.MaxChars <= 3 {
		c.MaxChars = def.MaxChars
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	return c
}

// Summary is the running compression of evicted turns.
type Summary struct {
	Text         string    `json:"text"`
	CoveredTurns int       `json:"covered_turn_count"`
	Version      uint64    `json:"version"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Coordinator decides when to summarize and merges results into the
// running summary. At most one summarization runs at a time.
type Coordinator struct {
	gen core.Generator
	cfg SummaryConfig
	log zerolog.Logger

	busy atomic.Bool

	mu        sync.Mutex
	summary   Summary
	pending   []core.ChatTurn
	sinceLast int
	created   int
	failures  int
	epoch     uint64
}

// NewCoordinator creates a coordinator. gen may be nil, in which case
// summarization is never attempted and evicted turns are not queued.
func NewCoordinator(gen core.Generator, cfg SummaryConfig) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{gen: gen, cfg: cfg}
	if cfg.Logger != nil {
		c.log = cfg.Logger.With().Str("component", "conversation").Logger()
	} else {
		c.log = log.With().Str("component", "conversation").Logger()
	}
	return c
}

// OnTurnAdded counts a new turn towards the trigger.
func (c *Coordinator) OnTurnAdded(core.ChatTurn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinceLast++
}

// OnEvicted queues a turn that left the working buffer. Without a backend
// the turn is dropped.
func (c *Coordinator) OnEvicted(turn core.ChatTurn) {
	if c.gen == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, turn)
}

// Due reports whether MaybeSummarize would call the backend.
func (c *Coordinator) Due() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != nil && c.sinceLast >= c.cfg.TriggerLimit && len(c.pending) > 0
}

// MaybeSummarize summarizes the pending turns when the trigger is reached.
// It returns nil, nil when there is nothing to do or another summarization
// is already running.
func (c *Coordinator) MaybeSummarize(ctx context.Context) (*Summary, error) {
	if !c.Due() || !c.busy.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer c.busy.Store(false)

	c.mu.Lock()
	if c.sinceLast < c.cfg.TriggerLimit || len(c.pending) == 0 {
		c.mu.Unlock()
		return nil, nil
	}
	batch := append([]core.ChatTurn(nil), c.pending...)
	prior := c.summary.Text
	counted := c.sinceLast
	epoch := c.epoch
	c.mu.Unlock()

	start := time.Now()
	c.log.Info().Int("turns", len(batch)).Msg("summarizing evicted turns")

	gctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	raw, err := c.gen.Generate(gctx, BuildSummaryPrompt(prior, batch), core.GenerateOptions{
		SystemPrompt: "You write short, factual conversation summaries.",
		MaxTokens:    c.cfg.MaxTokens,
		Temperature:  c.cfg.Temperature,
		Timeout:      c.cfg.Timeout,
	})
	if err == nil {
		raw = CleanSummary(raw, c.cfg.MaxChars)
		if raw == "" {
			err = errors.New("backend returned an empty summary")
		}
	}
	if err != nil {
		c.mu.Lock()
		reset := c.epoch != epoch
		if !reset {
			c.failures++
		}
		c.mu.Unlock()
		if reset {
			return nil, nil
		}
		metrics.Summaries.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Int("turns", len(batch)).Msg("summarization failed, keeping previous summary")
		return nil, fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		// Reset while the backend was working.
		return nil, nil
	}
	c.summary.Text = MergeSummary(c.summary.Text, raw, c.cfg.MaxChars)
	c.summary.CoveredTurns += len(batch)
	c.summary.Version++
	c.summary.UpdatedAt = time.Now()
	c.pending = c.pending[len(batch):]
	c.sinceLast -= counted
	c.created++

	metrics.Summaries.WithLabelValues("ok").Inc()
	c.log.Info().
		Int("covered", c.summary.CoveredTurns).
		Int("chars", len([]rune(c.summary.Text))).
		Dur("took", time.Since(start)).
		Msg("summary updated")

	out := c.summary
	return &out, nil
}

// Summary returns the current summary.
func (c *Coordinator) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Pending returns the number of evicted turns not yet summarized.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Created returns the number of successful summarizations.
func (c *Coordinator) Created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

// Failures returns the number of failed summarizations.
func (c *Coordinator) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Reset discards the summary and every pending turn. A summarization in
// flight at the time is dropped when it completes.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = Summary{}
	c.pending = nil
	c.sinceLast = 0
	c.created = 0
	c.failures = 0
	c.epoch++
}

// BuildSummaryPrompt renders the compression request.
func BuildSummaryPrompt(prior string, turns []core.ChatTurn) string {
	var b strings.Builder
	b.WriteString(summaryInstruction)
	b.WriteString("\n\n")
	if prior != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(prior)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.Line())
	}
	b.WriteString("\n\nSummary:")
	return b.String()
}

// MergeSummary appends next to prior and keeps the result within maxChars
// runes by dropping the oldest segments. A single segment over the cap is
// cut like CleanSummary does.
func MergeSummary(prior, next string, maxChars int) string {
	var segs []string
	if prior != "" {
		segs = strings.Split(prior, summarySep)
	}
	if next != "" {
		segs = append(segs, next)
	}
	if maxChars <= 3 {
		return strings.Join(segs, summarySep)
	}
	for len(segs) > 1 && utf8.RuneCountInString(strings.Join(segs, summarySep)) > maxChars {
		segs = segs[1:]
	}
	return CleanSummary(strings.Join(segs, summarySep), maxChars)
}

// CleanSummary trims the result, drops a leading "Summary:" label and caps
// it at maxChars runes, ending in "..." when cut.
func CleanSummary(s string, maxChars int) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "Summary:"); ok {
		s = strings.TrimSpace(rest)
	}
	r := []rune(s)
	if maxChars > 3 && len(r) > maxChars {
		s = string(r[:maxChars-3]) + "..."
	}
	return s
}
