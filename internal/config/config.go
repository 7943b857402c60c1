// Package config provides unified configuration loading for hindcast.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scenariolab/hindcast/internal/bayes"
)

// Config contains all hindcast configuration settings.
type Config struct {
	// Engine contains scheduling settings for the scenario engine.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Simulation contains default tunables for Monte Carlo runs.
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`

	// Ingest contains settings for the data agglomeration pipeline.
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Attach contains settings for automatic evidence attachment.
	Attach AttachConfig `json:"attach" yaml:"attach"`

	// Storage contains persistence settings.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Logging contains settings for operational and decision logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// EngineConfig configures the engine's worker pool.
type EngineConfig struct {
	// Workers bounds the CPU pool for recomputes and simulations.
	// Zero means one worker per CPU.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// SimulationConfig holds default Monte Carlo tunables. Scenarios may
// override each of these individually.
type SimulationConfig struct {
	// Iterations per simulation run.
	Iterations int `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// Seed for reproducible runs. Zero seeds from entropy.
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Aggregator for parent-probability aggregation: "noisy_or",
	// "max_child", or "weighted_sum".
	Aggregator string `json:"aggregator,omitempty" yaml:"aggregator,omitempty"`

	// CollapseThreshold is the default soft-collapse threshold.
	CollapseThreshold float64 `json:"collapse_threshold,omitempty" yaml:"collapse_threshold,omitempty"`

	// PropagationDelta is the minimum top-posterior movement before a
	// micro scenario re-propagates into its parent.
	PropagationDelta float64 `json:"propagation_delta,omitempty" yaml:"propagation_delta,omitempty"`
}

// IngestConfig configures the data agglomeration pipeline.
type IngestConfig struct {
	// GroupField clusters raw records sharing a value under this field.
	GroupField string `json:"group_field,omitempty" yaml:"group_field,omitempty"`

	// EntityField spawns candidate entities from this field.
	EntityField string `json:"entity_field,omitempty" yaml:"entity_field,omitempty"`

	// SourceTimeout bounds each remote source read.
	SourceTimeout time.Duration `json:"source_timeout,omitempty" yaml:"source_timeout,omitempty"`

	// AuthToken is sent to HTTP sources that require it. Supports ${VAR}
	// syntax for env vars.
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
}

// RedactedAuthToken returns the token with most characters masked.
// Returns "" for empty tokens and "(set)" for tokens shorter than 12 chars.
func (c IngestConfig) RedactedAuthToken() string {
	if c.AuthToken == "" {
		return ""
	}
	if len(c.AuthToken) < 12 {
		return "(set)"
	}
	return c.AuthToken[:4] + "..." + c.AuthToken[len(c.AuthToken)-4:]
}

// String implements fmt.Stringer to prevent accidental token logging.
func (c IngestConfig) String() string {
	return fmt.Sprintf("IngestConfig{GroupField:%s, EntityField:%s, Timeout:%v, AuthToken:%s}",
		c.GroupField, c.EntityField, c.SourceTimeout, c.RedactedAuthToken())
}

// AttachConfig configures automatic evidence attachment.
type AttachConfig struct {
	// Enabled turns on similarity-based attachment of staged evidence.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// SimilarityFloor below which no attachment is proposed.
	SimilarityFloor float64 `json:"similarity_floor,omitempty" yaml:"similarity_floor,omitempty"`

	// LibPath is the directory holding the llama.cpp shared libraries
	// for local embeddings. Empty auto-detects <data_dir>/lib, then the
	// YZMA_LIB env var.
	LibPath string `json:"lib_path,omitempty" yaml:"lib_path,omitempty"`

	// ModelPath is the GGUF embedding model file. Empty auto-detects the
	// first .gguf under <data_dir>/models. With no model installed,
	// attachment scoring falls back to token overlap.
	ModelPath string `json:"model_path,omitempty" yaml:"model_path,omitempty"`

	// GPULayers offloads that many model layers to GPU (0 = CPU only).
	GPULayers int `json:"gpu_layers,omitempty" yaml:"gpu_layers,omitempty"`
}

// StorageConfig configures scenario persistence.
type StorageConfig struct {
	// DataDir is where the database and exports live.
	// Defaults to ~/.hindcast.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
}

// LoggingConfig configures hindcast's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables decision logging to <data_dir>/decisions.jsonl.
	Level string `json:"level" yaml:"level"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Simulation: SimulationConfig{
			Iterations:        1000,
			Aggregator:        string(bayes.AggregateNoisyOR),
			CollapseThreshold: 0.05,
			PropagationDelta:  0.1,
		},
		Ingest: IngestConfig{
			SourceTimeout: 30 * time.Second,
		},
		Attach: AttachConfig{
			Enabled:         false,
			SimilarityFloor: 0.6,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.hindcast/config.yaml -> environment variables
func Load() (*Config, error) {
	config := Default()

	homeDir, err := os.UserHomeDir()
	if err == nil {
		configPath := filepath.Join(homeDir, ".hindcast", "config.yaml")
		if _, statErr := os.Stat(configPath); statErr == nil {
			fileConfig, loadErr := LoadFromFile(configPath)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			config = fileConfig
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Expand environment variables in the auth token
	config.Ingest.AuthToken = expandEnvVars(config.Ingest.AuthToken)

	return config, nil
}

// DataDir resolves the configured data directory, defaulting to
// ~/.hindcast.
func (c *Config) DataDir() (string, error) {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(homeDir, ".hindcast"), nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Engine.Workers)
	}

	if c.Simulation.Iterations < 0 {
		return fmt.Errorf("iterations must be non-negative, got %d", c.Simulation.Iterations)
	}
	if c.Simulation.Aggregator != "" {
		if _, err := bayes.ParseAggregator(c.Simulation.Aggregator); err != nil {
			return err
		}
	}
	if c.Simulation.CollapseThreshold < 0 || c.Simulation.CollapseThreshold >= 1 {
		return fmt.Errorf("collapse_threshold must be in [0, 1), got %f", c.Simulation.CollapseThreshold)
	}
	if c.Simulation.PropagationDelta < 0 || c.Simulation.PropagationDelta > 1 {
		return fmt.Errorf("propagation_delta must be between 0 and 1, got %f", c.Simulation.PropagationDelta)
	}

	if c.Ingest.SourceTimeout < 0 {
		return fmt.Errorf("source_timeout must be non-negative, got %v", c.Ingest.SourceTimeout)
	}

	if c.Attach.SimilarityFloor < 0 || c.Attach.SimilarityFloor > 1 {
		return fmt.Errorf("similarity_floor must be between 0 and 1, got %f", c.Attach.SimilarityFloor)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("HINDCAST_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Engine.Workers = n
		}
	}

	if v := os.Getenv("HINDCAST_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Simulation.Iterations = n
		}
	}
	if v := os.Getenv("HINDCAST_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Simulation.Seed = n
		}
	}
	if v := os.Getenv("HINDCAST_AGGREGATOR"); v != "" {
		config.Simulation.Aggregator = v
	}
	if v := os.Getenv("HINDCAST_COLLAPSE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Simulation.CollapseThreshold = f
		}
	}

	if v := os.Getenv("HINDCAST_AUTH_TOKEN"); v != "" {
		config.Ingest.AuthToken = v
	}

	if v := os.Getenv("HINDCAST_AUTO_ATTACH"); v != "" {
		config.Attach.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HINDCAST_SIMILARITY_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Attach.SimilarityFloor = f
		}
	}
	if v := os.Getenv("HINDCAST_EMBED_LIB"); v != "" {
		config.Attach.LibPath = v
	}
	if v := os.Getenv("HINDCAST_EMBED_MODEL"); v != "" {
		config.Attach.ModelPath = v
	}

	if v := os.Getenv("HINDCAST_DATA_DIR"); v != "" {
		config.Storage.DataDir = v
	}

	if v := os.Getenv("HINDCAST_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
