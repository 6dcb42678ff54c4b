package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory/index"
	"github.com/becomeliminal/nim-memory/metrics"
)

// Stats describes one character's index.
type Stats struct {
	CharacterID string     `json:"character_id"`
	CardCount   int        `json:"card_count"`
	State       IndexState `json:"index_state"`
	Dimension   int        `json:"dimension"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Rebuilds    int        `json:"rebuilds"`
	LastError   string     `json:"last_error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// snapshot pairs an immutable index with the result text of each vector.
type snapshot struct {
	idx   *index.CharacterIndex
	texts []string
}

type entry struct {
	id string

	mu        sync.RWMutex
	state     IndexState
	snap      *snapshot
	rebuilds  int
	lastErr   error
	updatedAt time.Time

	// requested is bumped by Invalidate; completed records the generation
	// the last finished operation started at.
	requested  atomic.Uint64
	completed  atomic.Uint64
	refreshing atomic.Bool
}

func (e *entry) view() (*snapshot, IndexState) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap, e.state
}

func (e *entry) setState(s IndexState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *entry) stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Stats{
		CharacterID: e.id,
		State:       e.state,
		Rebuilds:    e.rebuilds,
		UpdatedAt:   e.updatedAt,
	}
	if e.snap != nil {
		st.CardCount = e.snap.idx.Len()
		st.Dimension = e.snap.idx.Dimension
		st.Fingerprint = e.snap.idx.Fingerprint.Short()
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// Manager owns every character index in the process. It is safe for
// concurrent use.
type Manager struct {
	store RecordStore
	emb   Embedder
	cfg   Config
	log   zerolog.Logger

	group   singleflight.Group
	warming atomic.Bool

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewManager creates a manager. Nothing is loaded until a character is used.
func NewManager(store RecordStore, emb Embedder, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		store:   store,
		emb:     emb,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "memory").Logger()
	} else {
		m.log = log.With().Str("component", "memory").Logger()
	}
	return m
}

// Embedder returns the shared embedding provider.
func (m *Manager) Embedder() Embedder { return m.emb }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) entry(id string) *entry {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if e, ok := m.entries[id]; ok {
		return e
	}
	e = &entry{id: id, state: StateNotLoaded}
	m.entries[id] = e
	return e
}

func (m *Manager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

// IndexPath returns the snapshot location for a character.
func (m *Manager) IndexPath(characterID string) string {
	return filepath.Join(m.cfg.VectorsDir, index.FileName(characterID))
}

type opKind int

const (
	opLoad opKind = iota
	opRebuild
)

// LoadOrCreate makes a character's index Ready, reusing the in-memory or
// persisted snapshot when it matches the current cards.
func (m *Manager) LoadOrCreate(ctx context.Context, characterID string) (Stats, error) {
	return m.run(ctx, characterID, opLoad)
}

// Rebuild re-embeds every card and replaces the index. A call arriving while
// a load or rebuild for the same character is in flight joins it.
func (m *Manager) Rebuild(ctx context.Context, characterID string) (Stats, error) {
	return m.run(ctx, characterID, opRebuild)
}

// run funnels both operations through one flight per character. The work is
// detached from the first caller's cancellation; ctx only bounds the wait.
// A flight that finished on an entry dropped by Forget is retried on the
// current one.
func (m *Manager) run(ctx context.Context, characterID string, op opKind) (Stats, error) {
	for {
		e := m.entry(characterID)

		ch := m.group.DoChan(characterID, func() (interface{}, error) {
			gen := e.requested.Load()
			defer e.completed.Store(gen)

			opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RebuildTimeout)
			defer cancel()

			if op == opRebuild {
				return e, m.rebuild(opCtx, e, nil)
			}
			return e, m.loadOrCreate(opCtx, e)
		})

		select {
		case res := <-ch:
			done, _ := res.Val.(*entry)
			if done != m.lookup(characterID) {
				m.log.Debug().Str("character", characterID).Msg("index forgotten during flight, retrying")
				continue
			}
			return done.stats(), res.Err
		case <-ctx.Done():
			return e.stats(), ctx.Err()
		}
	}
}

func (m *Manager) loadOrCreate(ctx context.Context, e *entry) error {
	cards, err := m.store.Cards(ctx, e.id)
	if err != nil {
		metrics.IndexLoads.WithLabelValues("error").Inc()
		return m.fail(e, fmt.Errorf("read cards: %w", err))
	}
	fp := index.FingerprintCards(cards)

	snap, state := e.view()
	if snap != nil && state == StateReady && !index.IsStale(snap.idx, fp) && m.dimensionOK(snap.idx) {
		metrics.IndexLoads.WithLabelValues("hit").Inc()
		return nil
	}

	if snap == nil {
		e.setState(StateLoading)
	} else {
		e.setState(StateRebuilding)
	}

	path := m.IndexPath(e.id)
	idx, err := index.ReadFile(path, e.id)
	switch {
	case err == nil:
		if m.matches(idx, cards, fp) {
			m.install(e, idx, cards, false)
			metrics.IndexLoads.WithLabelValues("disk").Inc()
			m.log.Info().
				Str("character", e.id).
				Int("cards", idx.Len()).
				Str("fingerprint", fp.Short()).
				Msg("loaded index from disk")
			m.warm()
			return nil
		}
		m.log.Info().
			Str("character", e.id).
			Str("persisted", idx.Fingerprint.Short()).
			Str("current", fp.Short()).
			Msg("persisted index is stale, rebuilding")
	case index.IsCorrupt(err):
		m.log.Warn().Err(err).Str("character", e.id).Str("path", path).Msg("removing corrupt index")
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			metrics.IndexLoads.WithLabelValues("error").Inc()
			return m.fail(e, fmt.Errorf("remove corrupt index: %w", rmErr))
		}
	case errors.Is(err, fs.ErrNotExist):
		m.log.Debug().Str("character", e.id).Msg("no persisted index")
	default:
		metrics.IndexLoads.WithLabelValues("error").Inc()
		return m.fail(e, fmt.Errorf("read index: %w", err))
	}

	if err := m.rebuild(ctx, e, &cardSet{cards: cards, fp: fp}); err != nil {
		metrics.IndexLoads.WithLabelValues("error").Inc()
		return err
	}
	metrics.IndexLoads.WithLabelValues("rebuilt").Inc()
	return nil
}

// matches reports whether a persisted index can serve cards as they are now.
func (m *Manager) matches(idx *index.CharacterIndex, cards []core.MemoryCard, fp index.Fingerprint) bool {
	if index.IsStale(idx, fp) || idx.Len() != len(cards) {
		return false
	}
	if !m.dimensionOK(idx) {
		return false
	}
	for i, v := range idx.Vectors {
		if v.CardID != cards[i].ID {
			return false
		}
	}
	return true
}

// dimensionOK reports whether idx can be queried with the loaded embedder.
// Before the embedder loads there is nothing to compare against.
func (m *Manager) dimensionOK(idx *index.CharacterIndex) bool {
	return !m.emb.IsReady() || idx.Len() == 0 || idx.Dimension == m.emb.Dimensions()
}

type cardSet struct {
	cards []core.MemoryCard
	fp    index.Fingerprint
}

func (m *Manager) rebuild(ctx context.Context, e *entry, set *cardSet) error {
	start := time.Now()

	if set == nil {
		cards, err := m.store.Cards(ctx, e.id)
		if err != nil {
			metrics.IndexRebuilds.WithLabelValues("error").Inc()
			return m.fail(e, fmt.Errorf("read cards: %w", err))
		}
		set = &cardSet{cards: cards, fp: index.FingerprintCards(cards)}
	}

	if snap, _ := e.view(); snap == nil {
		e.setState(StateLoading)
	} else {
		e.setState(StateRebuilding)
	}

	texts := make([]string, len(set.cards))
	for i, c := range set.cards {
		texts[i] = c.Format()
	}

	var embeddings [][]float32
	if len(texts) > 0 {
		if err := m.emb.EnsureLoaded(ctx); err != nil {
			metrics.IndexRebuilds.WithLabelValues("error").Inc()
			return m.fail(e, fmt.Errorf("embedder: %w", err))
		}
		var err error
		embeddings, err = m.emb.Embed(ctx, texts)
		if err != nil {
			metrics.IndexRebuilds.WithLabelValues("error").Inc()
			return m.fail(e, fmt.Errorf("embed cards: %w", err))
		}
	}

	vectors := make([]index.CardVector, len(set.cards))
	for i, c := range set.cards {
		vectors[i] = index.CardVector{CardID: c.ID, Embedding: embeddings[i]}
	}
	idx, err := index.Build(e.id, m.emb.Dimensions(), vectors, set.fp)
	if err != nil {
		metrics.IndexRebuilds.WithLabelValues("error").Inc()
		return m.fail(e, fmt.Errorf("build index: %w", err))
	}

	if err := index.WriteFile(m.IndexPath(e.id), idx); err != nil {
		metrics.IndexRebuilds.WithLabelValues("error").Inc()
		return m.fail(e, fmt.Errorf("persist index: %w", err))
	}

	m.install(e, idx, set.cards, true)
	metrics.IndexRebuilds.WithLabelValues("ok").Inc()
	metrics.RebuildDuration.Observe(time.Since(start).Seconds())
	m.log.Info().
		Str("character", e.id).
		Int("cards", idx.Len()).
		Str("fingerprint", set.fp.Short()).
		Dur("took", time.Since(start)).
		Msg("index rebuilt")
	return nil
}

// install swaps in a new snapshot. Readers holding the old one keep it.
func (m *Manager) install(e *entry, idx *index.CharacterIndex, cards []core.MemoryCard, rebuilt bool) {
	texts := make([]string, len(cards))
	for i, c := range cards {
		texts[i] = c.Format()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap = &snapshot{idx: idx, texts: texts}
	e.state = StateReady
	e.lastErr = nil
	e.updatedAt = time.Now()
	if rebuilt {
		e.rebuilds++
	}
}

// fail records err. A character that already has a snapshot keeps serving it.
func (m *Manager) fail(e *entry, err error) error {
	e.mu.Lock()
	e.lastErr = err
	e.updatedAt = time.Now()
	if e.snap != nil {
		e.state = StateReady
	} else {
		e.state = StateError
	}
	state := e.state
	e.mu.Unlock()

	m.log.Error().Err(err).Str("character", e.id).Stringer("state", state).Msg("index operation failed")
	return fmt.Errorf("%s: %w: %w", e.id, ErrRebuildFailed, err)
}

// warm starts loading the embedder in the background so the first search
// after a disk load does not find it unready.
func (m *Manager) warm() {
	if !m.cfg.WarmProvider || m.emb.IsReady() || !m.warming.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.warming.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RebuildTimeout)
		defer cancel()
		if err := m.emb.EnsureLoaded(ctx); err != nil {
			m.log.Warn().Err(err).Msg("embedder warm-up failed")
		}
	}()
}

// Search returns the text of up to k cards nearest to query, nearest first.
// It never returns an error: every failure degrades to an empty result.
func (m *Manager) Search(ctx context.Context, characterID, query string, k int) []string {
	start := time.Now()
	defer func() { metrics.SearchDuration.Observe(time.Since(start).Seconds()) }()

	if !m.emb.IsReady() {
		metrics.Searches.WithLabelValues("provider_not_ready").Inc()
		m.log.Debug().Str("character", characterID).Msg("embedder not ready, skipping search")
		return nil
	}
	if strings.TrimSpace(query) == "" {
		metrics.Searches.WithLabelValues("empty").Inc()
		return nil
	}
	if k <= 0 {
		k = m.cfg.TopK
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SearchTimeout)
	defer cancel()

	e := m.entry(characterID)
	snap, state := e.view()
	if snap == nil {
		switch state {
		case StateLoading, StateRebuilding:
			if m.cfg.NonBlockingSearch {
				metrics.Searches.WithLabelValues("loading").Inc()
				return nil
			}
			joinCtx, joinCancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
			_, err := m.LoadOrCreate(joinCtx, characterID)
			joinCancel()
			if err != nil {
				return m.searchFailed(ctx, characterID, err)
			}
		default:
			if _, err := m.LoadOrCreate(ctx, characterID); err != nil {
				return m.searchFailed(ctx, characterID, err)
			}
		}
		snap, _ = e.view()
		if snap == nil {
			metrics.Searches.WithLabelValues("error").Inc()
			return nil
		}
	}

	if snap.idx.Len() == 0 {
		metrics.Searches.WithLabelValues("empty").Inc()
		return nil
	}

	qv, err := m.emb.EmbedQuery(ctx, query)
	if err != nil {
		return m.searchFailed(ctx, characterID, fmt.Errorf("embed query: %w", err))
	}

	matches, err := index.Search(snap.idx, qv, k)
	if err != nil {
		if errors.Is(err, index.ErrDimensionMismatch) {
			m.Invalidate(characterID)
		}
		return m.searchFailed(ctx, characterID, err)
	}
	if ctx.Err() != nil {
		return m.searchFailed(ctx, characterID, ctx.Err())
	}

	results := make([]string, 0, len(matches))
	for _, match := range matches {
		if m.cfg.MaxDistance > 0 && match.Distance > m.cfg.MaxDistance {
			break
		}
		results = append(results, snap.texts[match.Position])
	}

	metrics.Searches.WithLabelValues("ok").Inc()
	m.log.Debug().
		Str("character", characterID).
		Int("results", len(results)).
		Dur("took", time.Since(start)).
		Msg("memory search")
	return results
}

func (m *Manager) searchFailed(ctx context.Context, characterID string, err error) []string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrSearchTimeout, m.cfg.SearchTimeout, err)
		metrics.Searches.WithLabelValues("timeout").Inc()
	} else {
		metrics.Searches.WithLabelValues("error").Inc()
	}
	m.log.Warn().Err(err).Str("character", characterID).Msg("memory search degraded to empty result")
	return nil
}

// Stats returns the index description for a character. Unknown characters
// report NotLoaded.
func (m *Manager) Stats(characterID string) Stats {
	if e := m.lookup(characterID); e != nil {
		return e.stats()
	}
	return Stats{CharacterID: characterID, State: StateNotLoaded}
}

// All returns stats for every character the manager has seen, sorted by id.
func (m *Manager) All() []Stats {
	m.mu.RLock()
	out := make([]Stats, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.stats())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CharacterID < out[j].CharacterID })
	return out
}

// Invalidate schedules a background refresh for a character already in use.
// Requests made while a refresh is running cause one more pass after it.
func (m *Manager) Invalidate(characterID string) {
	e := m.lookup(characterID)
	if e == nil {
		return
	}
	e.requested.Inc()
	if !e.refreshing.CompareAndSwap(false, true) {
		return
	}
	go m.refresh(e)
}

func (m *Manager) refresh(e *entry) {
	for {
		for e.completed.Load() < e.requested.Load() {
			if m.lookup(e.id) != e {
				e.refreshing.Store(false)
				return
			}
			if _, err := m.LoadOrCreate(context.Background(), e.id); err != nil {
				m.log.Warn().Err(err).Str("character", e.id).Msg("background refresh failed")
			}
		}
		e.refreshing.Store(false)
		if e.completed.Load() >= e.requested.Load() || !e.refreshing.CompareAndSwap(false, true) {
			return
		}
	}
}

// Forget drops a character's in-memory index. The persisted file is kept.
func (m *Manager) Forget(characterID string) {
	m.mu.Lock()
	delete(m.entries, characterID)
	m.mu.Unlock()
}

// DeleteIndex forgets a character and removes its persisted snapshot.
func (m *Manager) DeleteIndex(characterID string) error {
	m.Forget(characterID)
	err := os.Remove(m.IndexPath(characterID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Character returns a handle bound to one character id.
func (m *Manager) Character(characterID string) *Character {
	return &Character{m: m, id: characterID}
}

// Character is a convenience handle over Manager for a single character.
type Character struct {
	m  *Manager
	id string
}

// ID returns the character id.
func (c *Character) ID() string { return c.id }

// LoadOrCreate is Manager.LoadOrCreate for this character.
func (c *Character) LoadOrCreate(ctx context.Context) (Stats, error) {
	return c.m.LoadOrCreate(ctx, c.id)
}

// Rebuild is Manager.Rebuild for this character.
func (c *Character) Rebuild(ctx context.Context) (Stats, error) {
	return c.m.Rebuild(ctx, c.id)
}

// Search is Manager.Search for this character.
func (c *Character) Search(ctx context.Context, query string, k int) []string {
	return c.m.Search(ctx, c.id, query, k)
}

// Stats is Manager.Stats for this character.
func (c *Character) Stats() Stats {
	return c.m.Stats(c.id)
}
