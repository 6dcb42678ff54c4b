// Package onnx runs a sentence-transformer ONNX export (all-MiniLM-L6-v2 by
// default) through ONNX Runtime. The runtime binding is only compiled with
// the onnx build tag; other builds get a loader that reports
// embedder.ErrUnsupported.
package onnx

import (
	"github.com/becomeliminal/nim-memory/memory/embedder"
)

const (
	modelFile     = "model.onnx"
	tokenizerFile = "tokenizer.json"
)

// Config configures the ONNX model.
type Config struct {
	// CacheDir holds downloaded model directories.
	CacheDir string

	// Model and Version name the cache entry. Default: all-MiniLM-L6-v2@main.
	Model   string
	Version string

	// BaseURL is the download prefix for model.onnx and tokenizer.json.
	BaseURL string

	// SharedLibraryPath points at libonnxruntime. Empty uses the runtime default.
	SharedLibraryPath string

	// Dimensions is the hidden size. Default: 384.
	Dimensions int

	// MaxSequence is the token window. Default: 128.
	MaxSequence int
}

// DefaultConfig returns the all-MiniLM-L6-v2 configuration.
func DefaultConfig() Config {
	return Config{
		CacheDir:    "data/models",
		Model:       "all-MiniLM-L6-v2",
		Version:     "main",
		BaseURL:     "https://huggingface.co/sentence-transformers/all-MiniLM-L6-v2/resolve/main",
		Dimensions:  384,
		MaxSequence: 128,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.Version == "" {
		c.Version = def.Version
	}
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.Dimensions <= 0 {
		c.Dimensions = def.Dimensions
	}
	if c.MaxSequence <= 2 {
		c.MaxSequence = def.MaxSequence
	}
	return c
}

// Artifacts returns the cache entry for the configured model.
func (c Config) Artifacts() *embedder.ArtifactCache {
	c = c.withDefaults()
	return &embedder.ArtifactCache{
		Dir:     c.CacheDir,
		Model:   c.Model,
		Version: c.Version,
		Files: []embedder.Artifact{
			{Name: modelFile, URL: c.BaseURL + "/onnx/" + modelFile},
			{Name: tokenizerFile, URL: c.BaseURL + "/" + tokenizerFile},
		},
	}
}
