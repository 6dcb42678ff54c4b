package memory_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
	"github.com/becomeliminal/nim-memory/memory/index"
)

type memStore struct {
	mu    sync.Mutex
	cards map[string][]core.MemoryCard
	err   error
	reads atomic.Int64
}

func newMemStore() *memStore {
	return &memStore{cards: make(map[string][]core.MemoryCard)}
}

func (s *memStore) Cards(ctx context.Context, characterID string) ([]core.MemoryCard, error) {
	s.reads.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]core.MemoryCard(nil), s.cards[characterID]...), nil
}

func (s *memStore) set(characterID string, cards ...core.MemoryCard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[characterID] = cards
}

func (s *memStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func aliceCards() []core.MemoryCard {
	return []core.MemoryCard{
		{ID: "origin", Key: "Origin", Text: "Created in 2025 by a small studio"},
		{ID: "likes", Key: "Likes", Text: "Tea and biscuits"},
		{ID: "home", Key: "Home", Text: "Lives in London near the river"},
		{ID: "pet", Key: "Pet", Text: "A grey cat called Pixel"},
	}
}

type fixture struct {
	store    *memStore
	model    *mock.Model
	provider *embedder.Provider
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	model := mock.NewWithDimensions(4096)
	cfg := embedder.DefaultConfig()
	cfg.Dimensions = 4096
	cfg.QueryCacheSize = 0
	provider, err := embedder.New(model.Loader(), cfg)
	require.NoError(t, err)

	f := &fixture{store: newMemStore(), model: model, provider: provider, dir: t.TempDir()}
	f.store.set("alice", aliceCards()...)
	return f
}

func (f *fixture) manager(mutate ...func(*memory.Config)) *memory.Manager {
	cfg := memory.DefaultConfig()
	cfg.VectorsDir = f.dir
	for _, fn := range mutate {
		fn(&cfg)
	}
	return memory.NewManager(f.store, f.provider, cfg)
}

func (f *fixture) ready(t *testing.T) {
	t.Helper()
	require.NoError(t, f.provider.EnsureLoaded(context.Background()))
}

func TestLoadOrCreate_BuildsOnceAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	ctx := context.Background()

	st, err := m.LoadOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, memory.StateReady, st.State)
	assert.Equal(t, 4, st.CardCount)
	assert.Equal(t, 1, st.Rebuilds)
	assert.Equal(t, 4096, st.Dimension)
	assert.FileExists(t, m.IndexPath("alice"))

	calls := f.model.Calls.Load()
	st, err = m.LoadOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Rebuilds)
	assert.Equal(t, calls, f.model.Calls.Load(), "unchanged cards must not be re-embedded")
}

func TestLoadOrCreate_ReusesPersistedIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager().LoadOrCreate(ctx, "alice")
	require.NoError(t, err)
	calls := f.model.Calls.Load()

	fresh := f.manager()
	st, err := fresh.LoadOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, memory.StateReady, st.State)
	assert.Equal(t, 0, st.Rebuilds)
	assert.Equal(t, calls, f.model.Calls.Load())
}

func TestLoadOrCreate_DetectsStaleRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager()

	before, err := m.LoadOrCreate(ctx, "alice")
	require.NoError(t, err)

	cards := aliceCards()
	cards[1].Text = "Strong black coffee"
	f.store.set("alice", cards...)

	after, err := m.LoadOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, after.Rebuilds)
	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)

	// A restarted process sees the rewritten snapshot as current.
	restarted, err := f.manager().LoadOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, restarted.Rebuilds)
	assert.Equal(t, after.Fingerprint, restarted.Fingerprint)
}

func TestLoadOrCreate_ConcurrentCallsShareOneRebuild(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	f.model.Hold()
	defer f.model.Release()

	var wg sync.WaitGroup
	results := make([]memory.Stats, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.LoadOrCreate(context.Background(), "alice")
		}(i)
		time.Sleep(30 * time.Millisecond)
	}

	f.model.Release()
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, memory.StateReady, results[i].State)
	}
	assert.Equal(t, 1, m.Stats("alice").Rebuilds)
	assert.Equal(t, int64(1), f.model.Calls.Load())
}

func TestRebuild_SimultaneousCallsRunOnce(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	ctx := context.Background()
	_, err := m.LoadOrCreate(ctx, "alice")
	require.NoError(t, err)
	before := f.model.Calls.Load()

	f.model.Hold()
	defer f.model.Release()

	var wg sync.WaitGroup
	results := make([]memory.Stats, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Rebuild(ctx, "alice")
		}(i)
	}
	time.Sleep(30 * time.Millisecond)
	f.model.Release()
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, memory.StateReady, results[i].State)
		assert.Equal(t, 2, results[i].Rebuilds)
	}
	assert.Equal(t, before+1, f.model.Calls.Load())
}

func TestRebuild_JoinsInFlightLoad(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	f.model.Hold()
	defer f.model.Release()

	done := make(chan error, 1)
	go func() {
		_, err := m.LoadOrCreate(context.Background(), "alice")
		done <- err
	}()
	require.Eventually(t, func() bool {
		return m.Stats("alice").State == memory.StateLoading
	}, time.Second, 5*time.Millisecond)

	rebuildDone := make(chan error, 1)
	go func() {
		_, err := m.Rebuild(context.Background(), "alice")
		rebuildDone <- err
	}()
	time.Sleep(30 * time.Millisecond)
	f.model.Release()

	require.NoError(t, <-done)
	require.NoError(t, <-rebuildDone)
	assert.Equal(t, 1, m.Stats("alice").Rebuilds)
}

func TestLoadOrCreate_ForgetDuringLoadStillReturnsReady(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	f.model.Hold()
	defer f.model.Release()

	first := make(chan error, 1)
	go func() {
		_, err := m.LoadOrCreate(context.Background(), "alice")
		first <- err
	}()
	require.Eventually(t, func() bool {
		return m.Stats("alice").State == memory.StateLoading
	}, time.Second, 5*time.Millisecond)

	m.Forget("alice")

	type result struct {
		stats memory.Stats
		err   error
	}
	second := make(chan result, 1)
	go func() {
		st, err := m.LoadOrCreate(context.Background(), "alice")
		second <- result{st, err}
	}()
	time.Sleep(30 * time.Millisecond)
	f.model.Release()

	require.NoError(t, <-first)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, memory.StateReady, res.stats.State)
	assert.Equal(t, len(aliceCards()), res.stats.CardCount)

	st := m.Stats("alice")
	assert.Equal(t, memory.StateReady, st.State)
	assert.Equal(t, len(aliceCards()), st.CardCount)
}

func TestLoadOrCreate_CallerCancelDoesNotAbortWork(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	f.model.Hold()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.LoadOrCreate(ctx, "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.model.Release()
	require.Eventually(t, func() bool {
		return m.Stats("alice").State == memory.StateReady
	}, time.Second, 5*time.Millisecond)
}

func TestLoadOrCreate_HealsCorruptSnapshot(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	require.NoError(t, os.WriteFile(m.IndexPath("alice"), []byte("NIMV\x01\x00garbage"), 0o644))

	st, err := m.LoadOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, memory.StateReady, st.State)
	assert.Equal(t, 1, st.Rebuilds)

	idx, err := index.ReadFile(m.IndexPath("alice"), "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, idx.Len())
}

func TestLoadOrCreate_ZeroCards(t *testing.T) {
	f := newFixture(t)
	m := f.manager()

	st, err := m.LoadOrCreate(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, memory.StateReady, st.State)
	assert.Equal(t, 0, st.CardCount)
	assert.FileExists(t, m.IndexPath("nobody"))

	f.ready(t)
	assert.Empty(t, m.Search(context.Background(), "nobody", "anything", 3))
}

func TestLoadOrCreate_StoreFailureSetsError(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	f.store.fail(errors.New("disk unplugged"))

	st, err := m.LoadOrCreate(context.Background(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrRebuildFailed)
	assert.Equal(t, memory.StateError, st.State)
	assert.Contains(t, st.LastError, "disk unplugged")

	f.store.fail(nil)
	st, err = m.LoadOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, memory.StateReady, st.State)
	assert.Empty(t, st.LastError)
}

func TestRebuild_FailureKeepsPriorSnapshot(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	ctx := context.Background()

	_, err := m.LoadOrCreate(ctx, "alice")
	require.NoError(t, err)

	f.model.Fail.Store(true)
	cards := aliceCards()
	cards[2].Text = "Moved to Lisbon"
	f.store.set("alice", cards...)

	st, err := m.Rebuild(ctx, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrRebuildFailed)
	assert.Equal(t, memory.StateReady, st.State)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, 1, st.Rebuilds)

	f.model.Fail.Store(false)
	results := m.Search(ctx, "alice", "lives in London", 1)
	require.Len(t, results, 1)
	assert.Equal(t, "Home: Lives in London near the river", results[0])
}

func TestSearch_RanksNearestFirst(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	m := f.manager()

	results := m.Search(context.Background(), "alice", "lives in London", 0)
	require.Len(t, results, 3, "default k")
	assert.Equal(t, "Home: Lives in London near the river", results[0])

	all := m.Search(context.Background(), "alice", "cat", 10)
	assert.Len(t, all, 4)
	assert.Equal(t, "Pet: A grey cat called Pixel", all[0])
}

func TestSearch_ProviderNotReadyReturnsEmpty(t *testing.T) {
	f := newFixture(t)
	m := f.manager()

	assert.Empty(t, m.Search(context.Background(), "alice", "tea", 3))
	assert.Equal(t, int64(0), f.store.reads.Load(), "no index access while the provider is down")
	assert.Equal(t, memory.StateNotLoaded, m.Stats("alice").State)
}

func TestSearch_ImplicitLoadAfterError(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	m := f.manager()

	f.model.Fail.Store(true)
	_, err := m.LoadOrCreate(context.Background(), "alice")
	require.Error(t, err)
	require.Equal(t, memory.StateError, m.Stats("alice").State)

	f.model.Fail.Store(false)
	results := m.Search(context.Background(), "alice", "tea and biscuits", 1)
	require.Len(t, results, 1)
	assert.Equal(t, "Likes: Tea and biscuits", results[0])
	assert.Equal(t, memory.StateReady, m.Stats("alice").State)
}

func TestSearch_NonBlockingWhileLoading(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	m := f.manager(func(c *memory.Config) { c.NonBlockingSearch = true })
	f.model.Hold()
	defer f.model.Release()

	go m.LoadOrCreate(context.Background(), "alice")
	require.Eventually(t, func() bool {
		return m.Stats("alice").State == memory.StateLoading
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	assert.Empty(t, m.Search(context.Background(), "alice", "tea", 3))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSearch_TimesOutToEmpty(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	m := f.manager(func(c *memory.Config) { c.SearchTimeout = 50 * time.Millisecond })
	f.model.Hold()
	defer f.model.Release()

	start := time.Now()
	assert.Empty(t, m.Search(context.Background(), "alice", "tea", 3))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSearch_MaxDistanceFilters(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	m := f.manager(func(c *memory.Config) { c.MaxDistance = 1.5 })

	results := m.Search(context.Background(), "alice", "grey cat called Pixel", 4)
	require.NotEmpty(t, results)
	assert.Equal(t, "Pet: A grey cat called Pixel", results[0])
	assert.Less(t, len(results), 4, "unrelated cards sit at distance ~2 and are dropped")
}

func TestInvalidate_RefreshesInBackground(t *testing.T) {
	f := newFixture(t)
	m := f.manager()

	before, err := m.LoadOrCreate(context.Background(), "alice")
	require.NoError(t, err)

	f.store.set("alice", aliceCards()[:2]...)
	m.Invalidate("alice")

	require.Eventually(t, func() bool {
		st := m.Stats("alice")
		return st.CardCount == 2 && st.Fingerprint != before.Fingerprint
	}, 2*time.Second, 10*time.Millisecond)

	// Unknown characters are ignored.
	m.Invalidate("stranger")
	assert.Equal(t, memory.StateNotLoaded, m.Stats("stranger").State)
}

func TestWarmUp_LoadsProviderAfterDiskLoad(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager().LoadOrCreate(context.Background(), "alice")
	require.NoError(t, err)

	cold, err := embedder.New(f.model.Loader(), embedder.Config{Dimensions: 4096})
	require.NoError(t, err)
	m := memory.NewManager(f.store, cold, memory.Config{VectorsDir: f.dir, WarmProvider: true})

	st, err := m.LoadOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Rebuilds)
	require.Eventually(t, cold.IsReady, time.Second, 5*time.Millisecond)
}

func TestDeleteIndex(t *testing.T) {
	f := newFixture(t)
	m := f.manager()
	_, err := m.LoadOrCreate(context.Background(), "alice")
	require.NoError(t, err)

	require.NoError(t, m.DeleteIndex("alice"))
	assert.NoFileExists(t, m.IndexPath("alice"))
	assert.Equal(t, memory.StateNotLoaded, m.Stats("alice").State)
	require.NoError(t, m.DeleteIndex("alice"))
}

func TestCharacterHandle(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	c := f.manager().Character("alice")

	st, err := c.LoadOrCreate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", c.ID())
	assert.Equal(t, st.Fingerprint, c.Stats().Fingerprint)
	assert.NotEmpty(t, c.Search(context.Background(), "tea", 1))
}
