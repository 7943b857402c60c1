package mcp

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/scenariolab/hindcast/internal/engine"
	"github.com/scenariolab/hindcast/internal/ingest"
	"github.com/scenariolab/hindcast/internal/models"
	"github.com/scenariolab/hindcast/internal/ratelimit"
	"github.com/scenariolab/hindcast/internal/sanitize"
	"github.com/scenariolab/hindcast/internal/scenario"
)

// simulateTimeout bounds how long hindcast_simulate waits for a result.
const simulateTimeout = 2 * time.Minute

// registerTools registers all hindcast MCP tools with the server.
func (s *Server) registerTools() error {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "hindcast_scenarios",
		Description: "List all scenarios with branch, evidence, and entity counts",
	}, s.handleScenarios)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "hindcast_create_scenario",
		Description: "Create a micro (single incident) or macro (trend) scenario",
	}, s.handleCreateScenario)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "hindcast_create_branch",
		Description: "Add a hypothesis branch with a prior probability to a scenario's tree",
	}, s.handleCreateBranch)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "hindcast_add_evidence",
		Description: "Stage an evidence item into a scenario's pool without linking it",
	}, s.handleAddEvidence)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "hindcast_attach_evidence",
		Description: "Attach pooled evidence to a branch with a likelihood ratio; posteriors update asynchronously",
	}, s.handleAttachEvidence)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "hindcast_simulate",
		Description: "Run a Monte Carlo simulation over a branch subtree and return the outcome distribution",
	}, s.handleSimulate)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "hindcast_view",
		Description: "Render a scenario's tree with low-probability subtrees soft-collapsed into aggregates",
	}, s.handleView)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "hindcast_set_threshold",
		Description: "Set the soft-collapse probability threshold for a branch subtree",
	}, s.handleSetThreshold)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "hindcast_recent_events",
		Description: "Poll buffered engine events (branch updates, attachments, simulation results) after a sequence number",
	}, s.handleRecentEvents)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "hindcast_ingest",
		Description: "Ingest a CSV or JSONL file into a scenario's evidence pool through the agglomeration pipeline",
	}, s.handleIngest)

	return nil
}

// registerResources registers MCP resources for auto-loading into context.
func (s *Server) registerResources() error {
	s.server.AddResource(&sdk.Resource{
		URI:         "hindcast://scenarios/summary",
		Name:        "hindcast-scenario-summary",
		Description: "Current scenarios and their leading hypotheses.",
		MIMEType:    "text/markdown",
	}, s.handleSummaryResource)

	return nil
}

// handleSummaryResource renders a markdown digest of every scenario.
func (s *Server) handleSummaryResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	infos := s.engine.ListScenarios()

	var sb strings.Builder
	sb.WriteString("# Scenarios\n\n")
	if len(infos) == 0 {
		sb.WriteString("No scenarios yet. Create one with `hindcast_create_scenario`.\n")
	}
	for _, info := range infos {
		label, prob, err := s.engine.TopHypothesis(info.ID)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "- **%s** (%s, %d branches)", info.Name, info.Scale, info.Branches)
		if label != "" {
			fmt.Fprintf(&sb, " — leading: %s (%.2f)", label, prob)
		}
		sb.WriteString("\n")
	}

	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{
			{
				URI:      "hindcast://scenarios/summary",
				MIMEType: "text/markdown",
				Text:     sb.String(),
			},
		},
	}, nil
}

func (s *Server) handleScenarios(ctx context.Context, req *sdk.CallToolRequest, args ScenariosInput) (_ *sdk.CallToolResult, _ ScenariosOutput, retErr error) {
	start := time.Now()
	defer func() { s.auditTool("hindcast_scenarios", start, retErr, nil) }()

	infos := s.engine.ListScenarios()
	out := ScenariosOutput{Count: len(infos)}
	for _, info := range infos {
		out.Scenarios = append(out.Scenarios, ScenarioSummary{
			ID:       info.ID,
			Name:     info.Name,
			Scale:    string(info.Scale),
			Parent:   info.Parent,
			Branches: info.Branches,
			Evidence: info.Evidence,
			Entities: info.Entities,
		})
	}
	return nil, out, nil
}

func (s *Server) handleCreateScenario(ctx context.Context, req *sdk.CallToolRequest, args CreateScenarioInput) (_ *sdk.CallToolResult, _ CreateScenarioOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("hindcast_create_scenario", start, retErr, sanitizeToolParams(map[string]interface{}{
			"scale": args.Scale, "name": args.Name,
		}))
	}()
	if err := ratelimit.CheckLimit(s.limiters, "hindcast_create_scenario"); err != nil {
		return nil, CreateScenarioOutput{}, err
	}

	if args.Name == "" {
		return nil, CreateScenarioOutput{}, fmt.Errorf("name is required")
	}
	scale := scenario.Micro
	switch args.Scale {
	case "", string(scenario.Micro):
	case string(scenario.Macro):
		scale = scenario.Macro
	default:
		return nil, CreateScenarioOutput{}, fmt.Errorf("unknown scale %q (valid: micro, macro)", args.Scale)
	}

	id, err := s.engine.CreateScenario(args.Name, scale, args.Parent)
	if err != nil {
		return nil, CreateScenarioOutput{}, err
	}

	var rootID string
	if err := s.engine.WithScenario(id, func(sc *scenario.Scenario) error {
		rootID = sc.Tree.Root().ID
		return nil
	}); err != nil {
		return nil, CreateScenarioOutput{}, err
	}

	if err := s.persist(ctx, id); err != nil {
		return nil, CreateScenarioOutput{}, fmt.Errorf("scenario created but not persisted: %w", err)
	}

	return nil, CreateScenarioOutput{
		ScenarioID: id,
		RootBranch: rootID,
		Message:    fmt.Sprintf("Created %s scenario %q", scale, args.Name),
	}, nil
}

func (s *Server) handleCreateBranch(ctx context.Context, req *sdk.CallToolRequest, args CreateBranchInput) (_ *sdk.CallToolResult, _ CreateBranchOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("hindcast_create_branch", start, retErr, sanitizeToolParams(map[string]interface{}{
			"prior": args.Prior, "renormalize": args.Renormalize, "label": args.Label,
		}))
	}()
	if err := ratelimit.CheckLimit(s.limiters, "hindcast_create_branch"); err != nil {
		return nil, CreateBranchOutput{}, err
	}

	label := sanitize.Label(args.Label)
	if label == "" {
		return nil, CreateBranchOutput{}, fmt.Errorf("label is required")
	}

	parent := args.Parent
	if parent == "" {
		if err := s.engine.WithScenario(args.ScenarioID, func(sc *scenario.Scenario) error {
			parent = sc.Tree.Root().ID
			return nil
		}); err != nil {
			return nil, CreateBranchOutput{}, err
		}
	}

	id, err := s.engine.CreateBranch(args.ScenarioID, parent, label, sanitize.Text(args.Description),
		args.Prior, engine.OriginManual, args.Renormalize)
	if err != nil {
		if errors.Is(err, models.ErrProbabilityOverflow) {
			return nil, CreateBranchOutput{}, fmt.Errorf(
				"sibling priors would exceed 1.0; lower the prior or set renormalize: %w", err)
		}
		return nil, CreateBranchOutput{}, err
	}

	if err := s.persist(ctx, args.ScenarioID); err != nil {
		return nil, CreateBranchOutput{}, fmt.Errorf("branch created but not persisted: %w", err)
	}

	return nil, CreateBranchOutput{
		BranchID: id,
		Message:  fmt.Sprintf("Created branch %q with prior %g", label, args.Prior),
	}, nil
}

func (s *Server) handleAddEvidence(ctx context.Context, req *sdk.CallToolRequest, args AddEvidenceInput) (_ *sdk.CallToolResult, _ AddEvidenceOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("hindcast_add_evidence", start, retErr, sanitizeToolParams(map[string]interface{}{
			"type": args.Type, "reliability": args.Reliability, "label": args.Label,
		}))
	}()
	if err := ratelimit.CheckLimit(s.limiters, "hindcast_add_evidence"); err != nil {
		return nil, AddEvidenceOutput{}, err
	}

	label := sanitize.Label(args.Label)
	if label == "" {
		return nil, AddEvidenceOutput{}, fmt.Errorf("label is required")
	}
	typ := models.EvidenceCustom
	if args.Type != "" {
		typ = models.EvidenceType(args.Type)
	}
	reliability := args.Reliability
	if reliability == 0 {
		reliability = 0.5
	}
	sourceID := args.SourceID
	if sourceID == "" {
		sourceID = "analyst"
	}

	ev := models.NewEvidence(label, typ, models.DataSourceRef{
		ID:          sourceID,
		Kind:        "user",
		Reliability: reliability,
	})
	ev.Confidence = reliability

	if err := s.engine.AddEvidence(args.ScenarioID, ev); err != nil {
		return nil, AddEvidenceOutput{}, err
	}
	if err := s.persist(ctx, args.ScenarioID); err != nil {
		return nil, AddEvidenceOutput{}, fmt.Errorf("evidence staged but not persisted: %w", err)
	}

	return nil, AddEvidenceOutput{
		EvidenceID: ev.ID,
		Message:    fmt.Sprintf("Staged evidence %q", label),
	}, nil
}

func (s *Server) handleAttachEvidence(ctx context.Context, req *sdk.CallToolRequest, args AttachEvidenceInput) (_ *sdk.CallToolResult, _ AttachEvidenceOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("hindcast_attach_evidence", start, retErr, sanitizeToolParams(map[string]interface{}{
			"likelihood_ratio": args.LikelihoodRatio, "relevance": args.Relevance,
		}))
	}()
	if err := ratelimit.CheckLimit(s.limiters, "hindcast_attach_evidence"); err != nil {
		return nil, AttachEvidenceOutput{}, err
	}

	relevance := args.Relevance
	if relevance == 0 {
		relevance = 1.0
	}

	err := s.engine.AttachEvidence(args.ScenarioID, args.BranchID, args.EvidenceID,
		models.AttachManual, relevance, args.LikelihoodRatio)
	if err != nil {
		return nil, AttachEvidenceOutput{}, err
	}
	if err := s.persist(ctx, args.ScenarioID); err != nil {
		return nil, AttachEvidenceOutput{}, fmt.Errorf("evidence attached but not persisted: %w", err)
	}

	return nil, AttachEvidenceOutput{
		Message: "Evidence attached; posteriors are being recomputed",
	}, nil
}

func (s *Server) handleSimulate(ctx context.Context, req *sdk.CallToolRequest, args SimulateInput) (_ *sdk.CallToolResult, _ SimulateOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("hindcast_simulate", start, retErr, sanitizeToolParams(map[string]interface{}{
			"iterations": args.Iterations, "seed": args.Seed,
		}))
	}()
	if err := ratelimit.CheckLimit(s.limiters, "hindcast_simulate"); err != nil {
		return nil, SimulateOutput{}, err
	}

	branchID := args.BranchID
	if branchID == "" {
		if err := s.engine.WithScenario(args.ScenarioID, func(sc *scenario.Scenario) error {
			branchID = sc.Tree.Root().ID
			return nil
		}); err != nil {
			return nil, SimulateOutput{}, err
		}
	}

	// Subscribe before requesting so the completion event cannot slip by.
	events, unsub := s.engine.Subscribe()
	defer unsub()

	jobID, err := s.engine.RequestSimulation(args.ScenarioID, branchID, args.Iterations, args.Seed)
	if err != nil {
		return nil, SimulateOutput{}, err
	}

	deadline := time.NewTimer(simulateTimeout)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, SimulateOutput{}, fmt.Errorf("engine shut down mid-simulation")
			}
			if ev.JobID != jobID {
				continue
			}
			if ev.Kind == engine.EventSimulationCancelled {
				return nil, SimulateOutput{}, fmt.Errorf("job %s: %w", jobID, models.ErrSimulationCancelled)
			}
			if ev.Kind != engine.EventSimulationComplete || ev.Outcome == nil {
				continue
			}
			if err := s.persist(ctx, args.ScenarioID); err != nil {
				return nil, SimulateOutput{}, fmt.Errorf("simulation finished but not persisted: %w", err)
			}
			top, _ := ev.Outcome.TopOutcome()
			return nil, SimulateOutput{
				JobID:        jobID,
				TopOutcome:   top,
				Distribution: ev.Outcome.Distribution,
				SampleCount:  ev.Outcome.SampleCount,
				Confidence:   ev.Outcome.Confidence,
			}, nil
		case <-deadline.C:
			_ = s.engine.CancelSimulation(jobID)
			return nil, SimulateOutput{}, fmt.Errorf("simulation timed out after %v", simulateTimeout)
		case <-ctx.Done():
			_ = s.engine.CancelSimulation(jobID)
			return nil, SimulateOutput{}, ctx.Err()
		}
	}
}

func (s *Server) handleView(ctx context.Context, req *sdk.CallToolRequest, args ViewInput) (_ *sdk.CallToolResult, _ ViewOutput, retErr error) {
	start := time.Now()
	defer func() { s.auditTool("hindcast_view", start, retErr, nil) }()

	items, err := s.engine.CollapsedView(args.ScenarioID)
	if err != nil {
		return nil, ViewOutput{}, err
	}

	out := ViewOutput{Count: len(items)}
	for _, item := range items {
		out.Items = append(out.Items, ViewBranch{
			BranchID:    item.Node.ID,
			Label:       item.Node.Label,
			Depth:       item.Depth,
			Probability: item.Probability,
			Aggregate:   item.Aggregate,
			HiddenCount: item.HiddenCount,
		})
	}
	return nil, out, nil
}

func (s *Server) handleSetThreshold(ctx context.Context, req *sdk.CallToolRequest, args SetThresholdInput) (_ *sdk.CallToolResult, _ SetThresholdOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("hindcast_set_threshold", start, retErr, sanitizeToolParams(map[string]interface{}{
			"threshold": args.Threshold,
		}))
	}()
	if err := ratelimit.CheckLimit(s.limiters, "hindcast_set_threshold"); err != nil {
		return nil, SetThresholdOutput{}, err
	}

	if args.Threshold < 0 || args.Threshold >= 1 {
		return nil, SetThresholdOutput{}, fmt.Errorf("threshold must be in [0, 1), got %g", args.Threshold)
	}
	if err := s.engine.SetCollapseThreshold(args.ScenarioID, args.BranchID, args.Threshold); err != nil {
		return nil, SetThresholdOutput{}, err
	}
	if err := s.persist(ctx, args.ScenarioID); err != nil {
		return nil, SetThresholdOutput{}, fmt.Errorf("threshold set but not persisted: %w", err)
	}

	return nil, SetThresholdOutput{
		Message: fmt.Sprintf("Subtree now collapses below %g", args.Threshold),
	}, nil
}

func (s *Server) handleIngest(ctx context.Context, req *sdk.CallToolRequest, args IngestInput) (_ *sdk.CallToolResult, _ IngestOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("hindcast_ingest", start, retErr, sanitizeToolParams(map[string]interface{}{
			"group_field": args.GroupField, "reliability": args.Reliability, "path": args.Path,
		}))
	}()
	if err := ratelimit.CheckLimit(s.limiters, "hindcast_ingest"); err != nil {
		return nil, IngestOutput{}, err
	}

	if args.Path == "" {
		return nil, IngestOutput{}, fmt.Errorf("path is required")
	}
	path := args.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dataDir, path)
	}
	reliability := args.Reliability
	if reliability == 0 {
		reliability = 0.5
	}

	adapter := ingest.NewFileAdapter(path, reliability)
	res, err := s.engine.RunIngest(ctx, args.ScenarioID, adapter, ingest.Config{
		GroupField:  args.GroupField,
		EntityField: args.EntityField,
	})
	if err != nil {
		return nil, IngestOutput{}, err
	}
	if err := s.persist(ctx, args.ScenarioID); err != nil {
		return nil, IngestOutput{}, fmt.Errorf("ingest finished but not persisted: %w", err)
	}

	out := IngestOutput{
		Processed: res.Processed,
		Skipped:   res.Skipped,
		Bundles:   len(res.Bundles),
		Message: fmt.Sprintf("Staged %d evidence bundles from %d records (%d skipped)",
			len(res.Bundles), res.Processed, res.Skipped),
	}
	for _, recErr := range res.Errors {
		out.Errors = append(out.Errors, recErr.Error())
	}
	return nil, out, nil
}

func (s *Server) handleRecentEvents(ctx context.Context, req *sdk.CallToolRequest, args RecentEventsInput) (_ *sdk.CallToolResult, _ RecentEventsOutput, retErr error) {
	start := time.Now()
	defer func() { s.auditTool("hindcast_recent_events", start, retErr, nil) }()

	events, lastSeq := s.events.since(args.AfterSeq, args.ScenarioID, args.Limit)
	return nil, RecentEventsOutput{
		Events:  events,
		LastSeq: lastSeq,
		Count:   len(events),
	}, nil
}
