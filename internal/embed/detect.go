package embed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/hybridgroup/yzma/pkg/download"
)

// DefaultModelURL is the HuggingFace URL for the default embedding model.
const DefaultModelURL = "https://huggingface.co/nomic-ai/nomic-embed-text-v1.5-GGUF/resolve/main/nomic-embed-text-v1.5.Q4_K_M.gguf"

// Setup describes the detected state of the local embedding stack.
type Setup struct {
	LibPath   string // llama.cpp library directory (empty if not found)
	ModelPath string // GGUF model file (empty if not found)
	Available bool   // true if both lib and model were found
}

// Detect checks baseDir for llama.cpp libraries (lib/) and a GGUF model
// (models/). It only stats the filesystem; nothing is loaded.
func Detect(baseDir string) Setup {
	var result Setup

	libDir := filepath.Join(baseDir, "lib")
	if _, err := os.Stat(filepath.Join(libDir, libraryFileName())); err == nil {
		result.LibPath = libDir
	}

	modelsDir := filepath.Join(baseDir, "models")
	entries, err := os.ReadDir(modelsDir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && filepath.Ext(entry.Name()) == ".gguf" {
				result.ModelPath = filepath.Join(modelsDir, entry.Name())
				break
			}
		}
	}

	result.Available = result.LibPath != "" && result.ModelPath != ""
	return result
}

func libraryFileName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libllama.dylib"
	default:
		return "libllama.so"
	}
}

// Resolve builds a Local embedder from explicit paths, filling gaps by
// detection under dataDir. Returns nil when no complete stack is
// installed; callers then fall back to token-overlap similarity.
func Resolve(cfg Config, dataDir string) *Local {
	if cfg.LibPath == "" || cfg.ModelPath == "" {
		detected := Detect(dataDir)
		if cfg.LibPath == "" {
			cfg.LibPath = detected.LibPath
		}
		if cfg.ModelPath == "" {
			cfg.ModelPath = detected.ModelPath
		}
	}
	if cfg.LibPath == "" && os.Getenv("YZMA_LIB") != "" {
		cfg.LibPath = os.Getenv("YZMA_LIB")
	}
	if cfg.LibPath == "" || cfg.ModelPath == "" {
		return nil
	}
	return NewLocal(cfg)
}

// DownloadLibraries downloads llama.cpp shared libraries for the current
// platform into destDir. CPU build only.
func DownloadLibraries(ctx context.Context, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("creating lib directory: %w", err)
	}

	version, err := download.LlamaLatestVersion()
	if err != nil {
		return fmt.Errorf("getting latest llama.cpp version: %w", err)
	}

	return download.GetWithContext(ctx, runtime.GOARCH, runtime.GOOS, "cpu", version, destDir, download.ProgressTracker)
}

// DownloadModel downloads the default embedding model into destDir.
func DownloadModel(ctx context.Context, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("creating models directory: %w", err)
	}

	return download.GetModelWithContext(ctx, DefaultModelURL, destDir, download.ProgressTracker)
}
