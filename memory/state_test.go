package memory_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
)

func TestIndexState_TextRoundTrip(t *testing.T) {
	for _, st := range []memory.IndexState{
		memory.StateNotLoaded,
		memory.StateLoading,
		memory.StateReady,
		memory.StateRebuilding,
		memory.StateError,
	} {
		text, err := st.MarshalText()
		require.NoError(t, err)

		var got memory.IndexState
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, st, got)
	}
}

func TestIndexState_DecodesStatsJSON(t *testing.T) {
	var stats memory.Stats
	require.NoError(t, json.Unmarshal([]byte(`{"index_state":"rebuilding"}`), &stats))
	assert.Equal(t, memory.StateRebuilding, stats.State)

	err := json.Unmarshal([]byte(`{"index_state":"sleeping"}`), &stats)
	assert.ErrorContains(t, err, "unknown index state")
}
