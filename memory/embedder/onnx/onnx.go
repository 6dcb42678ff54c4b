//go:build onnx

package onnx

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/becomeliminal/nim-memory/memory/embedder"
)

var initOnce struct {
	sync.Once
	err error
}

func initRuntime(libPath string) error {
	initOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		initOnce.err = ort.InitializeEnvironment()
	})
	return initOnce.err
}

// Model runs all-MiniLM style inference with mean pooling.
type Model struct {
	mu         sync.Mutex // sessions are not safe for concurrent Run
	session    *ort.DynamicAdvancedSession
	tokenizer  *Tokenizer
	dimensions int
	maxSeq     int
}

// NewLoader returns a loader that fetches the model artifacts into the cache
// when absent, then opens an inference session.
func NewLoader(cfg Config) embedder.Loader {
	cfg = cfg.withDefaults()
	return embedder.LoaderFunc(func(ctx context.Context) (embedder.Model, error) {
		cache := cfg.Artifacts()
		if err := cache.Ensure(ctx); err != nil {
			return nil, fmt.Errorf("fetch model artifacts: %w", err)
		}
		return Open(cfg, cache.FilePath(modelFile), cache.FilePath(tokenizerFile))
	})
}

// Open loads a model from explicit file paths.
func Open(cfg Config, modelPath, tokenizerPath string) (*Model, error) {
	cfg = cfg.withDefaults()
	if err := initRuntime(cfg.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", err)
	}

	tok, err := LoadTokenizer(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	log.Info().
		Str("component", "embedder").
		Str("model", cfg.Model).
		Int("max_sequence", cfg.MaxSequence).
		Msg("onnx session created")

	return &Model{
		session:    session,
		tokenizer:  tok,
		dimensions: cfg.Dimensions,
		maxSeq:     cfg.MaxSequence,
	}, nil
}

// EmbedBatch runs one inference over all texts.
func (m *Model) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(texts)
	seq := m.maxSeq

	ids := make([]int64, 0, n*seq)
	masks := make([]int64, 0, n*seq)
	for _, t := range texts {
		i, mk := m.tokenizer.Encode(t, seq)
		ids = append(ids, i...)
		masks = append(masks, mk...)
	}
	types := make([]int64, n*seq)

	shape := ort.NewShape(int64(n), int64(seq))
	idsT, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, masks)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer maskT.Destroy()
	typesT, err := ort.NewTensor(shape, types)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typesT.Destroy()

	outputs := []ort.Value{nil}
	m.mu.Lock()
	err = m.session.Run([]ort.Value{idsT, maskT, typesT}, outputs)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	data := out.GetData()
	dims := out.GetShape()
	if len(dims) != 3 || dims[0] != int64(n) || dims[1] != int64(seq) || dims[2] != int64(m.dimensions) {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}

	stride := seq * m.dimensions
	vecs := make([][]float32, n)
	for i := range vecs {
		vecs[i] = meanPool(data[i*stride:(i+1)*stride], masks[i*seq:(i+1)*seq], m.dimensions)
	}
	return vecs, nil
}

// Dimensions returns the embedding vector size.
func (m *Model) Dimensions() int {
	return m.dimensions
}

// Close releases ONNX resources.
func (m *Model) Close() error {
	if m.session != nil {
		return m.session.Destroy()
	}
	return nil
}
