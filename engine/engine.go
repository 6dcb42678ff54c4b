// Package engine is the caller-facing API of the memory subsystem. It pairs a
// conversation session with an optional character memory manager.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/becomeliminal/nim-memory/conversation"
	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder"
	"github.com/becomeliminal/nim-memory/metrics"
)

// ErrNotInitialized is returned when no character memory is active.
var ErrNotInitialized = errors.New("character memory not initialized")

// StateNotInitialized is reported as index_state without an active character.
const StateNotInitialized = "not_initialized"

// Engine holds one conversation and, optionally, one active character.
type Engine struct {
	session *conversation.Session
	gen     core.Generator
	memory  *memory.Manager // optional
	log     zerolog.Logger

	replyOpts core.GenerateOptions

	mu        sync.RWMutex
	character string

	// Background summaries run on bgCtx and are tracked by bg for the
	// current generation and by all for Close. Clearing cancels bgCtx and
	// starts a fresh generation without waiting.
	bgMu     sync.Mutex
	bg       *sync.WaitGroup
	all      sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
	closed   bool
}

// Option configures the engine.
type Option func(*Engine)

// WithMemory configures the engine with a character memory manager.
func WithMemory(m *memory.Manager) Option {
	return func(e *Engine) {
		e.memory = m
	}
}

// WithSession replaces the default session.
func WithSession(s *conversation.Session) Option {
	return func(e *Engine) {
		e.session = s
	}
}

// WithCharacter sets the active character without loading it.
func WithCharacter(id string) Option {
	return func(e *Engine) {
		e.character = id
	}
}

// WithReplyOptions sets the generation options used by Respond.
func WithReplyOptions(opts core.GenerateOptions) Option {
	return func(e *Engine) {
		e.replyOpts = opts
	}
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = l.With().Str("component", "engine").Logger()
	}
}

// NewEngine creates an engine. gen is used for summaries and replies and may
// be nil, which disables both.
func NewEngine(gen core.Generator, opts ...Option) *Engine {
	e := &Engine{
		gen: gen,
		log: log.With().Str("component", "engine").Logger(),
		replyOpts: core.GenerateOptions{
			MaxTokens:   512,
			Temperature: 0.7,
			Timeout:     90 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.bg = &sync.WaitGroup{}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	if e.session == nil {
		e.session = conversation.NewSession(gen, conversation.DefaultSessionConfig())
	}
	metrics.ActiveSessions.Inc()
	return e
}

// Session returns the conversation session.
func (e *Engine) Session() *conversation.Session { return e.session }

// Memory returns the memory manager, or nil.
func (e *Engine) Memory() *memory.Manager { return e.memory }

// Character returns the active character id, or "".
func (e *Engine) Character() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.character
}

// ActivateCharacter makes id the active character and loads its index. A
// failed load leaves the character active; searches degrade until it heals.
func (e *Engine) ActivateCharacter(ctx context.Context, id string) (memory.Stats, error) {
	if e.memory == nil {
		return memory.Stats{}, ErrNotInitialized
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return memory.Stats{}, fmt.Errorf("%w: empty character id", ErrNotInitialized)
	}
	e.mu.Lock()
	e.character = id
	e.mu.Unlock()

	st, err := e.memory.LoadOrCreate(ctx, id)
	if err != nil {
		e.log.Warn().Err(err).Str("character", id).Msg("character memory load failed")
		return st, err
	}
	e.log.Info().
		Str("character", id).
		Int("cards", st.CardCount).
		Str("state", st.State.String()).
		Msg("character memory active")
	return st, nil
}

// AddMessage records a turn. A due summarization runs in the background.
func (e *Engine) AddMessage(ctx context.Context, role core.Role, text string) (core.ChatTurn, error) {
	if !role.Valid() {
		return core.ChatTurn{}, fmt.Errorf("invalid role %q", role)
	}
	turn, due := e.session.Add(role, text)
	if due {
		e.goBackground(e.summarize)
	}
	return turn, nil
}

// goBackground runs fn on the current background generation. It does
// nothing once the engine is closed.
func (e *Engine) goBackground(fn func(context.Context)) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed {
		return
	}
	wg, ctx := e.bg, e.bgCtx
	wg.Add(1)
	e.all.Add(1)
	go func() {
		defer e.all.Done()
		defer wg.Done()
		fn(ctx)
	}()
}

// detachBackground swaps in a fresh generation and returns the previous one.
// With cancel set the previous generation's context is cancelled.
func (e *Engine) detachBackground(cancel bool) *sync.WaitGroup {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	wg := e.bg
	e.bg = &sync.WaitGroup{}
	if cancel && !e.closed {
		e.bgCancel()
		e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	}
	return wg
}

func (e *Engine) summarize(ctx context.Context) {
	sum, err := e.session.Summarize(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("summarization failed")
		return
	}
	if sum != nil {
		e.log.Debug().
			Int("covered_turns", sum.CoveredTurns).
			Uint64("version", sum.Version).
			Msg("summary updated")
	}
}

// Flush waits for background summaries, then runs any due one synchronously.
func (e *Engine) Flush(ctx context.Context) error {
	e.detachBackground(false).Wait()
	if !e.session.Coordinator().Due() {
		return nil
	}
	_, err := e.session.Summarize(ctx)
	return err
}

// Context returns the summary and recent turns.
func (e *Engine) Context(ctx context.Context) string {
	return e.session.Context(nil)
}

// ContextFor adds the active character's cards most relevant to query.
func (e *Engine) ContextFor(ctx context.Context, query string) string {
	var cards []string
	if id := e.Character(); id != "" {
		cards = e.Search(ctx, id, query, 0)
	}
	return e.session.Context(cards)
}

// Search returns up to k card texts for characterID. It never fails; a
// missing manager or an unavailable index yields no results.
func (e *Engine) Search(ctx context.Context, characterID, query string, k int) []string {
	if e.memory == nil {
		return nil
	}
	return e.memory.Search(ctx, characterID, query, k)
}

// Respond assembles context for userMessage, generates a reply and records
// both turns.
func (e *Engine) Respond(ctx context.Context, userMessage string) (string, error) {
	if e.gen == nil {
		return "", errors.New("no generator configured")
	}
	prompt := e.ContextFor(ctx, userMessage)
	if prompt != "" {
		prompt += "\n\n"
	}
	prompt += "user: " + userMessage + "\nassistant:"

	reply, err := e.gen.Generate(ctx, prompt, e.replyOpts)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	reply = strings.TrimSpace(reply)

	if _, err := e.AddMessage(ctx, core.RoleUser, userMessage); err != nil {
		return "", err
	}
	if _, err := e.AddMessage(ctx, core.RoleAssistant, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// ClearAllMemory clears the conversation and deactivates the character for
// this engine. Background summaries in flight are cancelled, not awaited.
// The manager's index is shared with other engines and stays loaded.
func (e *Engine) ClearAllMemory() {
	e.detachBackground(true)
	e.session.Clear()
	e.mu.Lock()
	id := e.character
	e.character = ""
	e.mu.Unlock()
	e.log.Info().Str("character", id).Msg("memory cleared")
}

// Close cancels background work and waits for it to stop. Messages added
// afterwards are recorded but never summarized.
func (e *Engine) Close() {
	e.bgMu.Lock()
	if e.closed {
		e.bgMu.Unlock()
		return
	}
	e.closed = true
	e.bgCancel()
	e.bgMu.Unlock()

	e.all.Wait()
	metrics.ActiveSessions.Dec()
}

// Status reports the working memory and active character index.
type Status struct {
	WorkingSetSize   int    `json:"working_set_size"`
	SummaryLength    int    `json:"summary_length"`
	CardCount        int    `json:"card_count"`
	IndexState       string `json:"index_state"`
	TotalTurns       uint64 `json:"total_turns"`
	SummariesCreated int    `json:"summaries_created"`
	ProviderState    string `json:"provider_state"`
	Character        string `json:"character,omitempty"`
	LastError        string `json:"last_error,omitempty"`
}

// Status returns a snapshot of the engine.
func (e *Engine) Status(ctx context.Context) Status {
	sum := e.session.Coordinator().Summary()
	st := Status{
		WorkingSetSize:   e.session.Buffer().Len(),
		SummaryLength:    len([]rune(sum.Text)),
		TotalTurns:       e.session.Buffer().Total(),
		SummariesCreated: e.session.Coordinator().Created(),
		IndexState:       StateNotInitialized,
		ProviderState:    StateNotInitialized,
	}
	if e.memory == nil {
		return st
	}
	st.ProviderState = providerState(e.memory.Embedder())

	id := e.Character()
	if id == "" {
		return st
	}
	ms := e.memory.Stats(id)
	st.Character = id
	st.CardCount = ms.CardCount
	st.IndexState = ms.State.String()
	st.LastError = ms.LastError
	return st
}

func providerState(emb memory.Embedder) string {
	if p, ok := emb.(*embedder.Provider); ok {
		return p.State().String()
	}
	if emb.IsReady() {
		return "ready"
	}
	return "not_ready"
}
