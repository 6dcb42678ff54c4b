package records_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory/records"
)

const aliceJSON = `{
  "name": "Alice",
  "memory_cards": [
    {"key": "Origin", "data": "Created in 2025"},
    {"id": "likes", "key": "Likes", "text": "Tea"}
  ]
}`

const bobYAML = `name: Bob
memory_cards:
  - key: Job
    data: Lighthouse keeper
`

func TestFileStore_ReadsJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice.json"), []byte(aliceJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.yaml"), []byte(bobYAML), 0o644))
	s := records.NewFileStore(dir)
	ctx := context.Background()

	cards, err := s.Cards(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []core.MemoryCard{
		{ID: "card-1", Key: "Origin", Text: "Created in 2025"},
		{ID: "likes", Key: "Likes", Text: "Tea"},
	}, cards)

	cards, err = s.Cards(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "Job: Lighthouse keeper", cards[0].Format())

	ids, err := s.Characters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ids)
}

func TestFileStore_MissingCharacterHasNoCards(t *testing.T) {
	s := records.NewFileStore(t.TempDir())
	cards, err := s.Cards(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, cards)
}

func TestFileStore_ParseErrorIsAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))
	_, err := records.NewFileStore(dir).Cards(context.Background(), "broken")
	assert.Error(t, err)
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	_, err := records.NewFileStore(t.TempDir()).Cards(context.Background(), "../secrets")
	assert.ErrorIs(t, err, records.ErrInvalidCharacterID)
}

func TestFileStore_SaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := records.NewFileStore(dir)
	ctx := context.Background()

	c := &records.Character{Name: "Carol", MemoryCards: []records.CardRecord{{ID: "a", Key: "Likes", Data: "Jazz"}}}
	require.NoError(t, s.Save(ctx, "carol", c))
	assert.FileExists(t, filepath.Join(dir, "carol.json"))

	loaded, err := s.Load(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "Carol", loaded.Name)
	assert.Equal(t, []core.MemoryCard{{ID: "a", Key: "Likes", Text: "Jazz"}}, loaded.Cards())
}

func TestCharacterIDFromFile(t *testing.T) {
	id, ok := records.CharacterIDFromFile("/data/characters/alice.yml")
	assert.True(t, ok)
	assert.Equal(t, "alice", id)

	_, ok = records.CharacterIDFromFile("alice.json.tmp")
	assert.False(t, ok)
	_, ok = records.CharacterIDFromFile(".json")
	assert.False(t, ok)
}
