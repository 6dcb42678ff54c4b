package embedder_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/becomeliminal/nim-memory/memory/embedder"
)

func TestArtifactCache_DownloadsMissingFiles(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		w.Write([]byte("payload:" + r.URL.Path))
	}))
	defer srv.Close()

	cache := &embedder.ArtifactCache{
		Dir:     t.TempDir(),
		Model:   "tiny",
		Version: "v1",
		Files: []embedder.Artifact{
			{Name: "model.onnx", URL: srv.URL + "/model.onnx"},
			{Name: "tokenizer.json", URL: srv.URL + "/tokenizer.json"},
		},
	}
	assert.False(t, cache.Complete())

	require.NoError(t, cache.Ensure(context.Background()))
	assert.True(t, cache.Complete())
	assert.Equal(t, int64(2), hits.Load())

	data, err := os.ReadFile(cache.FilePath("model.onnx"))
	require.NoError(t, err)
	assert.Equal(t, "payload:/model.onnx", string(data))
	assert.Equal(t, filepath.Join(cache.Dir, "tiny@v1"), cache.Path())

	// A complete cache is not fetched again.
	require.NoError(t, cache.Ensure(context.Background()))
	assert.Equal(t, int64(2), hits.Load())
}

func TestArtifactCache_FailedDownloadLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	cache := &embedder.ArtifactCache{
		Dir:     t.TempDir(),
		Model:   "tiny",
		Version: "v1",
		Files:   []embedder.Artifact{{Name: "model.onnx", URL: srv.URL + "/model.onnx"}},
	}
	require.Error(t, cache.Ensure(context.Background()))
	assert.False(t, cache.Complete())

	entries, err := os.ReadDir(cache.Path())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArtifactCache_PresentFilesNeedNoURL(t *testing.T) {
	cache := &embedder.ArtifactCache{
		Dir:     t.TempDir(),
		Model:   "local",
		Version: "dev",
		Files:   []embedder.Artifact{{Name: "model.onnx"}},
	}
	assert.Error(t, cache.Ensure(context.Background()))

	require.NoError(t, os.MkdirAll(cache.Path(), 0o755))
	require.NoError(t, os.WriteFile(cache.FilePath("model.onnx"), []byte("x"), 0o644))
	assert.NoError(t, cache.Ensure(context.Background()))
}
