// Package embed provides local text embeddings for automatic evidence
// attachment, backed by a GGUF model loaded through hybridgroup/yzma
// (llama.cpp via purego). No external API is involved: when a model and
// the shared libraries are installed under the data directory, hypothesis
// and evidence text are compared by embedding cosine similarity; when
// they are not, the attacher falls back to token overlap.
package embed

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"
)

// Package-level library initialization. llama.Load() and llama.Init()
// are process-global and must only happen once.
var (
	libOnce    sync.Once
	libLoadErr error
)

func loadLib(libPath string) error {
	libOnce.Do(func() {
		if err := llama.Load(libPath); err != nil {
			libLoadErr = fmt.Errorf("loading llama shared library from %q: %w", libPath, err)
			return
		}
		llama.LogSet(llama.LogSilent())
		llama.Init()
	})
	return libLoadErr
}

// Config configures a Local embedder.
type Config struct {
	// LibPath is the directory containing the llama.cpp shared libraries
	// (.so/.dylib). Falls back to the YZMA_LIB env var.
	LibPath string

	// ModelPath is the GGUF embedding model file.
	ModelPath string

	// GPULayers is the number of layers to offload to GPU (0 = CPU only).
	GPULayers int

	// ContextSize is the context window size in tokens.
	ContextSize int
}

// Local embeds text with a local GGUF model. Thread-safe: model access is
// serialized, and a fresh llama context is created per Embed call and
// freed immediately. The model itself is lazy-loaded on first use.
type Local struct {
	libPath     string
	modelPath   string
	gpuLayers   int
	contextSize int

	mu     sync.Mutex
	model  llama.Model
	vocab  llama.Vocab
	nEmbd  int32
	loaded bool

	loadErr error
	once    sync.Once
}

// NewLocal creates a Local embedder. The model is not loaded until the
// first Embed call.
func NewLocal(cfg Config) *Local {
	ctxSize := cfg.ContextSize
	if ctxSize <= 0 {
		ctxSize = 512
	}
	libPath := cfg.LibPath
	if libPath == "" {
		libPath = os.Getenv("YZMA_LIB")
	}
	return &Local{
		libPath:     libPath,
		modelPath:   cfg.ModelPath,
		gpuLayers:   cfg.GPULayers,
		contextSize: ctxSize,
	}
}

func (l *Local) loadModel() error {
	l.once.Do(func() {
		if l.modelPath == "" {
			l.loadErr = fmt.Errorf("no embedding model path configured")
			return
		}
		if l.libPath == "" {
			l.loadErr = fmt.Errorf("no library path configured (set attach.lib_path or YZMA_LIB)")
			return
		}
		if err := loadLib(l.libPath); err != nil {
			l.loadErr = err
			return
		}

		modelParams := llama.ModelDefaultParams()
		gpuLayers := l.gpuLayers
		if gpuLayers > math.MaxInt32 {
			gpuLayers = math.MaxInt32
		}
		modelParams.NGpuLayers = int32(gpuLayers)

		model, err := llama.ModelLoadFromFile(l.modelPath, modelParams)
		if err != nil {
			l.loadErr = fmt.Errorf("loading model %s: %w", l.modelPath, err)
			return
		}
		if model == 0 {
			l.loadErr = fmt.Errorf("loading model %s: returned null handle", l.modelPath)
			return
		}

		l.model = model
		l.vocab = llama.ModelGetVocab(model)
		l.nEmbd = int32(llama.ModelNEmbd(model))
		l.loaded = true
	})
	return l.loadErr
}

// Embed returns an L2-normalized dense vector for the given text.
func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := l.loadModel(); err != nil {
		return nil, fmt.Errorf("local embed: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	tokens := llama.Tokenize(l.vocab, text, true, true)

	ctxParams := llama.ContextDefaultParams()
	nTokens := len(tokens) + 64
	if nTokens > math.MaxUint32 {
		nTokens = math.MaxUint32
	}
	ctxParams.NCtx = uint32(nTokens)

	lctx, err := llama.InitFromModel(l.model, ctxParams)
	if err != nil {
		return nil, fmt.Errorf("creating embedding context: %w", err)
	}
	defer func() { _ = llama.Free(lctx) }()

	llama.SetEmbeddings(lctx, true)

	batch := llama.BatchGetOne(tokens)
	if _, err := llama.Decode(lctx, batch); err != nil {
		return nil, fmt.Errorf("decoding tokens: %w", err)
	}

	rawVec, err := llama.GetEmbeddingsSeq(lctx, 0, l.nEmbd)
	if err != nil {
		return nil, fmt.Errorf("getting embeddings: %w", err)
	}

	// Copy + L2 normalize (rawVec points to memory owned by lctx).
	vec := make([]float32, len(rawVec))
	copy(vec, rawVec)
	normalize(vec)

	return vec, nil
}

// Close releases the model resources. Safe to call multiple times. Does
// not unload the shared library; that is process-global.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		_ = llama.ModelFree(l.model)
		l.model = 0
		l.vocab = 0
		l.nEmbd = 0
		l.loaded = false
		l.once = sync.Once{} // allow reloading after close
	}
	return nil
}

// normalize performs in-place L2 normalization of a float32 vector.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
