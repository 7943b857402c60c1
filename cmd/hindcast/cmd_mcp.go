package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scenariolab/hindcast/internal/config"
	"github.com/scenariolab/hindcast/internal/engine"
	"github.com/scenariolab/hindcast/internal/logging"
	"github.com/scenariolab/hindcast/internal/mcp"
)

func newMCPServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-server",
		Short: "Run the MCP server over stdio",
		Long: `Run a Model Context Protocol server exposing scenario authoring,
evidence attachment, simulation, and ingestion as tools for AI agents.
Intended to be launched by an MCP client, not interactively.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")

			var cfg *config.Config
			var err error
			if cfgPath != "" {
				cfg, err = config.LoadFromFile(cfgPath)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			dataDir, err := resolveDataDir(cmd, cfg)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dataDir, 0700); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}

			// Stdout carries the protocol; logs go to stderr.
			log := logging.NewLogger(cfg.Logging.Level, os.Stderr)
			decisions := logging.NewDecisionLogger(dataDir, cfg.Logging.Level)
			defer decisions.Close()

			embedder, embedFn := localEmbedder(cfg, dataDir, log)
			if embedder != nil {
				defer embedder.Close()
			}

			server, err := mcp.NewServer(&mcp.Config{
				Name:    "hindcast",
				Version: version,
				DataDir: dataDir,
				Logger:  log,
				Engine: engine.Config{
					Workers:           cfg.Engine.Workers,
					DefaultIterations: cfg.Simulation.Iterations,
					SimilarityFloor:   cfg.Attach.SimilarityFloor,
					Embed:             embedFn,
					Decisions:         decisions,
				},
			})
			if err != nil {
				return fmt.Errorf("failed to start MCP server: %w", err)
			}

			return server.Run(context.Background())
		},
	}
}
