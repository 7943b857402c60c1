package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/scenariolab/hindcast/internal/attach"
	"github.com/scenariolab/hindcast/internal/bayes"
	"github.com/scenariolab/hindcast/internal/config"
	"github.com/scenariolab/hindcast/internal/embed"
	"github.com/scenariolab/hindcast/internal/engine"
	"github.com/scenariolab/hindcast/internal/logging"
	"github.com/scenariolab/hindcast/internal/scenario"
	"github.com/scenariolab/hindcast/internal/store"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hindcast",
		Short: "Probabilistic scenario reconstruction from partial evidence",
		Long: `hindcast models competing hypotheses about past events as probability
trees, updates them with Bayesian evidence attachment, and estimates
outcome likelihoods with Monte Carlo sampling.

Scenarios, branches, and evidence persist across invocations; run
'hindcast init' once to set up the data directory.`,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for agent consumption)")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ~/.hindcast/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (default ~/.hindcast)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		newScenarioCmd(),
		newBranchCmd(),
		newEvidenceCmd(),
		newSimulateCmd(),
		newIngestCmd(),
		newViewCmd(),
		newExportCmd(),
		newImportCmd(),
		newBackupCmd(),
		newMCPServerCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"version": version})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "hindcast version %s\n", version)
			}
		},
	}
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the data directory and a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			dataDir, err := resolveDataDir(cmd, cfg)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dataDir, 0700); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}

			cfgPath := filepath.Join(dataDir, "config.yaml")
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("failed to render default config: %w", err)
				}
				if err := os.WriteFile(cfgPath, data, 0600); err != nil {
					return fmt.Errorf("failed to write config: %w", err)
				}
			}

			if withEmbeddings, _ := cmd.Flags().GetBool("embeddings"); withEmbeddings {
				setup := embed.Detect(dataDir)
				if setup.LibPath == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "Downloading llama.cpp libraries...")
					if err := embed.DownloadLibraries(cmd.Context(), filepath.Join(dataDir, "lib")); err != nil {
						return fmt.Errorf("failed to download libraries: %w", err)
					}
				}
				if setup.ModelPath == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "Downloading embedding model...")
					if err := embed.DownloadModel(cmd.Context(), filepath.Join(dataDir, "models")); err != nil {
						return fmt.Errorf("failed to download embedding model: %w", err)
					}
				}
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"status": "initialized",
					"path":   dataDir,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Initialized hindcast data directory at %s\n", dataDir)
			}
			return nil
		},
	}
	cmd.Flags().Bool("embeddings", false, "Download llama.cpp libraries and an embedding model for similarity-based attachment")
	return cmd
}

// appEnv bundles the long-lived pieces a command needs: loaded config,
// logger, persistent store, and a running engine with all stored
// scenarios restored into it.
type appEnv struct {
	cfg       *config.Config
	log       *slog.Logger
	store     store.Store
	engine    *engine.Engine
	decisions *logging.DecisionLogger
	embedder  *embed.Local
	dataDir   string
}

func openEnv(cmd *cobra.Command) (*appEnv, error) {
	cfgPath, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromFile(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dataDir, err := resolveDataDir(cmd, cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log := logging.NewLogger(cfg.Logging.Level, os.Stderr)
	decisions := logging.NewDecisionLogger(dataDir, cfg.Logging.Level)

	st, err := store.NewSQLiteStore(dataDir)
	if err != nil {
		decisions.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	embedder, embedFn := localEmbedder(cfg, dataDir, log)

	eng := engine.New(engine.Config{
		Workers:           cfg.Engine.Workers,
		DefaultIterations: cfg.Simulation.Iterations,
		SimilarityFloor:   cfg.Attach.SimilarityFloor,
		Embed:             embedFn,
		Decisions:         decisions,
	}, log)

	env := &appEnv{
		cfg:       cfg,
		log:       log,
		store:     st,
		engine:    eng,
		decisions: decisions,
		embedder:  embedder,
		dataDir:   dataDir,
	}
	if err := env.restore(); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (a *appEnv) restore() error {
	ctx := context.Background()
	metas, err := a.store.ListScenarios(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stored scenarios: %w", err)
	}
	for _, m := range metas {
		sc, err := a.store.LoadScenario(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("failed to load scenario %s: %w", m.ID, err)
		}
		if err := a.engine.RestoreScenario(sc); err != nil {
			return err
		}
	}
	return nil
}

func (a *appEnv) Close() {
	a.engine.Close()
	if a.embedder != nil {
		a.embedder.Close()
	}
	a.decisions.Close()
	a.store.Close()
}

// localEmbedder resolves the local embedding stack from config and the
// data directory. With no model installed it returns a nil EmbedFunc and
// attachment scoring falls back to token overlap.
func localEmbedder(cfg *config.Config, dataDir string, log *slog.Logger) (*embed.Local, attach.EmbedFunc) {
	emb := embed.Resolve(embed.Config{
		LibPath:   cfg.Attach.LibPath,
		ModelPath: cfg.Attach.ModelPath,
		GPULayers: cfg.Attach.GPULayers,
	}, dataDir)
	if emb == nil {
		log.Debug("no local embedding model installed, attachment scoring uses token overlap")
		return nil, nil
	}
	log.Debug("local embeddings enabled")
	return emb, emb.Embed
}

// persist writes a scenario's current state back to the store.
func (a *appEnv) persist(ctx context.Context, scenarioID string) error {
	return a.engine.WithScenario(scenarioID, func(sc *scenario.Scenario) error {
		return a.store.SaveScenario(ctx, sc)
	})
}

// defaultScenarioConfig seeds a new scenario's tunables from the loaded
// config file.
func (a *appEnv) defaultScenarioConfig() scenario.SimulationConfig {
	agg, err := bayes.ParseAggregator(a.cfg.Simulation.Aggregator)
	if err != nil {
		agg = bayes.AggregateNoisyOR
	}
	return scenario.SimulationConfig{
		Iterations:        a.cfg.Simulation.Iterations,
		Seed:              a.cfg.Simulation.Seed,
		Aggregator:        agg,
		PropagationDelta:  a.cfg.Simulation.PropagationDelta,
		CollapseThreshold: a.cfg.Simulation.CollapseThreshold,
		AutoAttach:        a.cfg.Attach.Enabled,
		SimilarityFloor:   a.cfg.Attach.SimilarityFloor,
	}
}

// findScenario resolves a scenario reference: exact ID, unique ID prefix,
// or exact name.
func (a *appEnv) findScenario(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("scenario reference is required")
	}
	infos := a.engine.ListScenarios()

	var prefixMatches []string
	for _, info := range infos {
		if info.ID == ref || info.Name == ref {
			return info.ID, nil
		}
		if strings.HasPrefix(info.ID, ref) {
			prefixMatches = append(prefixMatches, info.ID)
		}
	}
	switch len(prefixMatches) {
	case 1:
		return prefixMatches[0], nil
	case 0:
		return "", fmt.Errorf("no scenario matches %q", ref)
	default:
		return "", fmt.Errorf("ambiguous scenario reference %q (%d matches)", ref, len(prefixMatches))
	}
}

func resolveDataDir(cmd *cobra.Command, cfg *config.Config) (string, error) {
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		return dir, nil
	}
	return cfg.DataDir()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
