// Package mcp provides an MCP (Model Context Protocol) server for
// hindcast: scenario inspection, hypothesis authoring, evidence
// attachment, and simulation over stdio transport.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/scenariolab/hindcast/internal/engine"
	"github.com/scenariolab/hindcast/internal/ratelimit"
	"github.com/scenariolab/hindcast/internal/scenario"
	"github.com/scenariolab/hindcast/internal/store"
)

// Server wraps the MCP SDK server around a scenario engine.
type Server struct {
	server      *sdk.Server
	engine      *engine.Engine
	store       store.Store
	audit       *AuditLogger
	limiters    ratelimit.ToolLimiters
	events      *eventLog
	unsubscribe func()
	dataDir     string
}

// Config holds server configuration.
type Config struct {
	Name    string // Server name (e.g., "hindcast")
	Version string // Server version
	DataDir string // Data directory for persistence and audit logs
	Logger  *slog.Logger
	Engine  engine.Config
}

// NewServer creates a new MCP server, restoring any previously persisted
// scenarios into the engine.
func NewServer(cfg *Config) (*Server, error) {
	st, err := store.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	eng := engine.New(cfg.Engine, cfg.Logger)

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, req *sdk.InitializedRequest) {
			// Client initialized, ready to serve
		},
	})

	s := &Server{
		server:   mcpServer,
		engine:   eng,
		store:    st,
		audit:    NewAuditLogger(cfg.DataDir),
		limiters: ratelimit.NewToolLimiters(),
		events:   newEventLog(),
		dataDir:  cfg.DataDir,
	}

	ch, unsub := eng.Subscribe()
	s.unsubscribe = unsub
	go s.collectEvents(ch)

	if err := s.restoreScenarios(); err != nil {
		eng.Close()
		st.Close()
		return nil, fmt.Errorf("failed to restore scenarios: %w", err)
	}

	if err := s.registerTools(); err != nil {
		eng.Close()
		st.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	if err := s.registerResources(); err != nil {
		eng.Close()
		st.Close()
		return nil, fmt.Errorf("failed to register resources: %w", err)
	}

	return s, nil
}

// restoreScenarios loads every persisted scenario into the engine.
func (s *Server) restoreScenarios() error {
	ctx := context.Background()
	metas, err := s.store.ListScenarios(ctx)
	if err != nil {
		return err
	}
	for _, m := range metas {
		sc, err := s.store.LoadScenario(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("loading scenario %s: %w", m.ID, err)
		}
		if err := s.engine.RestoreScenario(sc); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the MCP server over stdio transport.
// This blocks until the client disconnects or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
	}()

	err := s.server.Run(ctx, &sdk.StdioTransport{})

	s.Close()

	return err
}

// Close shuts down the engine and releases resources.
func (s *Server) Close() error {
	s.unsubscribe()
	s.engine.Close()
	s.audit.Close()
	return s.store.Close()
}

// persist saves a scenario's current state to the store. Runs the save on
// the engine's owner goroutine so the tree cannot change mid-write.
func (s *Server) persist(ctx context.Context, scenarioID string) error {
	return s.engine.WithScenario(scenarioID, func(sc *scenario.Scenario) error {
		return s.store.SaveScenario(ctx, sc)
	})
}
