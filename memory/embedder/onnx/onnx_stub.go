//go:build !onnx

package onnx

import (
	"context"
	"fmt"

	"github.com/becomeliminal/nim-memory/memory/embedder"
)

// NewLoader returns a loader that always fails: this binary was built
// without the onnx tag.
func NewLoader(cfg Config) embedder.Loader {
	return embedder.LoaderFunc(func(ctx context.Context) (embedder.Model, error) {
		return nil, fmt.Errorf("onnx (rebuild with -tags onnx): %w", embedder.ErrUnsupported)
	})
}
