package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/scenariolab/hindcast/internal/engine"
	"github.com/scenariolab/hindcast/internal/models"
	"github.com/scenariolab/hindcast/internal/scenario"
	"github.com/scenariolab/hindcast/internal/store"
)

// stepTimeout bounds how long one step may wait for its recompute or
// simulation result.
const stepTimeout = 10 * time.Second

// Runner orchestrates experiments against a real engine and SQLite store.
type Runner struct {
	t     *testing.T
	eng   *engine.Engine
	store store.Store
}

// NewRunner creates a runner with an isolated SQLite store and sandboxed
// HOME directory.
func NewRunner(t *testing.T) *Runner {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	st, err := store.NewSQLiteStore(tmpDir)
	if err != nil {
		t.Fatalf("NewRunner: failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eng := engine.New(engine.Config{Workers: 2}, nil)
	t.Cleanup(eng.Close)

	return &Runner{t: t, eng: eng, store: st}
}

// Run executes the experiment and returns the collected results.
func (r *Runner) Run(exp Experiment) ExperimentResult {
	r.t.Helper()
	ctx := context.Background()

	result := ExperimentResult{
		Branches: make(map[string]string),
		Evidence: make(map[string]string),
	}

	scale := exp.Scale
	if scale == "" {
		scale = scenario.Micro
	}
	scenarioID, err := r.eng.CreateScenario(exp.Name, scale, "")
	if err != nil {
		r.t.Fatalf("Run: create scenario: %v", err)
	}
	result.ScenarioID = scenarioID

	if exp.Config != nil {
		if err := r.eng.UpdateScenarioConfig(scenarioID, *exp.Config); err != nil {
			r.t.Fatalf("Run: apply config: %v", err)
		}
	}

	r.seedTree(scenarioID, exp, &result)
	r.seedEvidence(scenarioID, exp, &result)

	events, unsub := r.eng.Subscribe()
	defer unsub()

	result.Steps = make([]StepResult, len(exp.Steps))
	for i, step := range exp.Steps {
		result.Steps[i] = r.runStep(scenarioID, step, events, result)
	}

	// Persist and reload to verify the round trip.
	if err := r.eng.WithScenario(scenarioID, func(sc *scenario.Scenario) error {
		return r.store.SaveScenario(ctx, sc)
	}); err != nil {
		r.t.Fatalf("Run: persist: %v", err)
	}
	restored, err := r.store.LoadScenario(ctx, scenarioID)
	if err != nil {
		r.t.Fatalf("Run: reload: %v", err)
	}
	result.Restored = restored

	return result
}

func (r *Runner) seedTree(scenarioID string, exp Experiment, result *ExperimentResult) {
	r.t.Helper()

	var rootID string
	if err := r.eng.WithScenario(scenarioID, func(sc *scenario.Scenario) error {
		rootID = sc.Tree.Root().ID
		return nil
	}); err != nil {
		r.t.Fatalf("seedTree: %v", err)
	}

	for _, spec := range exp.Branches {
		parentID := rootID
		if spec.Parent != "" {
			var ok bool
			parentID, ok = result.Branches[spec.Parent]
			if !ok {
				r.t.Fatalf("seedTree: branch %q declared before its parent %q", spec.Key, spec.Parent)
			}
		}
		label := spec.Label
		if label == "" {
			label = spec.Key
		}
		id, err := r.eng.CreateBranch(scenarioID, parentID, label, "", spec.Prior, engine.OriginScript, false)
		if err != nil {
			r.t.Fatalf("seedTree: create branch %q: %v", spec.Key, err)
		}
		result.Branches[spec.Key] = id
	}
}

func (r *Runner) seedEvidence(scenarioID string, exp Experiment, result *ExperimentResult) {
	r.t.Helper()

	for _, spec := range exp.Evidence {
		typ := spec.Type
		if typ == "" {
			typ = models.EvidenceCustom
		}
		reliability := spec.Reliability
		if reliability == 0 {
			reliability = 1.0
		}
		label := spec.Label
		if label == "" {
			label = spec.Key
		}
		ev := models.NewEvidence(label, typ, models.DataSourceRef{
			ID:          spec.Key,
			Kind:        "experiment",
			Reliability: reliability,
		})
		ev.Confidence = reliability
		if err := r.eng.AddEvidence(scenarioID, ev); err != nil {
			r.t.Fatalf("seedEvidence: %q: %v", spec.Key, err)
		}
		result.Evidence[spec.Key] = ev.ID
	}
}

func (r *Runner) runStep(scenarioID string, step Step, events <-chan engine.Event, result ExperimentResult) StepResult {
	r.t.Helper()

	sr := StepResult{}
	switch {
	case step.Attach != "":
		branchID, ok := result.Branches[step.To]
		if !ok {
			r.t.Fatalf("runStep: unknown branch key %q", step.To)
		}
		evidenceID, ok := result.Evidence[step.Attach]
		if !ok {
			r.t.Fatalf("runStep: unknown evidence key %q", step.Attach)
		}
		relevance := step.Relevance
		if relevance == 0 {
			relevance = 1.0
		}
		if err := r.eng.AttachEvidence(scenarioID, branchID, evidenceID,
			models.AttachManual, relevance, step.Ratio); err != nil {
			r.t.Fatalf("runStep: attach %q to %q: %v", step.Attach, step.To, err)
		}
		// The attach event is published in order before the recompute's
		// delta events, so consuming it first discards any update events
		// still queued from an earlier step.
		r.waitFor(events, "attach event", func(ev engine.Event) bool {
			return ev.Kind == engine.EventEvidenceAttached &&
				ev.ScenarioID == scenarioID && ev.EvidenceID == evidenceID
		})
		r.waitFor(events, "posterior update", func(ev engine.Event) bool {
			return ev.Kind == engine.EventBranchUpdated &&
				ev.ScenarioID == scenarioID && ev.BranchID == branchID
		})

	case step.Simulate:
		rootID := result.Branches[step.Branch]
		if step.Branch == "" {
			if err := r.eng.WithScenario(scenarioID, func(sc *scenario.Scenario) error {
				rootID = sc.Tree.Root().ID
				return nil
			}); err != nil {
				r.t.Fatalf("runStep: %v", err)
			}
		}
		jobID, err := r.eng.RequestSimulation(scenarioID, rootID, step.Iterations, step.Seed)
		if err != nil {
			r.t.Fatalf("runStep: request simulation: %v", err)
		}
		done := r.waitFor(events, "simulation complete", func(ev engine.Event) bool {
			return ev.Kind == engine.EventSimulationComplete && ev.JobID == jobID
		})
		sr.Outcome = done.Outcome

	default:
		r.t.Fatalf("runStep: step declares neither Attach nor Simulate")
	}

	sr.Posteriors = r.capture(scenarioID, result)
	return sr
}

// capture reads the probability of every keyed branch from a fresh tree
// snapshot.
func (r *Runner) capture(scenarioID string, result ExperimentResult) map[string]float64 {
	r.t.Helper()

	tree, err := r.eng.Snapshot(scenarioID)
	if err != nil {
		r.t.Fatalf("capture: %v", err)
	}
	out := make(map[string]float64, len(result.Branches))
	for key, id := range result.Branches {
		n, err := tree.Node(id)
		if err != nil {
			r.t.Fatalf("capture: branch %q: %v", key, err)
		}
		out[key] = n.Probability()
	}
	return out
}

// waitFor receives events until match returns true or the step deadline
// fires.
func (r *Runner) waitFor(events <-chan engine.Event, what string, match func(engine.Event) bool) engine.Event {
	r.t.Helper()

	deadline := time.After(stepTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				r.t.Fatalf("waitFor: event channel closed while waiting for %s", what)
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			r.t.Fatalf("waitFor: timed out waiting for %s", what)
		}
	}
}
