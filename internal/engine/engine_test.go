package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"testing"
	"time"

	"github.com/scenariolab/hindcast/internal/ingest"
	"github.com/scenariolab/hindcast/internal/models"
	"github.com/scenariolab/hindcast/internal/scenario"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := New(cfg, nil)
	t.Cleanup(e.Close)
	return e
}

// waitFor receives events until match returns true or the deadline fires.
func waitFor(t *testing.T, ch <-chan Event, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", what)
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return Event{}
		}
	}
}

func TestCreateScenarioHierarchy(t *testing.T) {
	e := newTestEngine(t, Config{})

	macroID, err := e.CreateScenario("neighborhood burglaries", scenario.Macro, "")
	if err != nil {
		t.Fatalf("create macro: %v", err)
	}
	microID, err := e.CreateScenario("oak street incident", scenario.Micro, macroID)
	if err != nil {
		t.Fatalf("create micro: %v", err)
	}

	infos := e.ListScenarios()
	if len(infos) != 2 {
		t.Fatalf("got %d scenarios, want 2", len(infos))
	}
	for _, info := range infos {
		if info.ID == microID && info.Parent != macroID {
			t.Errorf("micro parent = %q, want %q", info.Parent, macroID)
		}
	}

	if _, err := e.CreateScenario("orphan", scenario.Micro, "no-such-id"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown parent: got %v, want ErrNotFound", err)
	}
	if _, err := e.CreateScenario("nested", scenario.Micro, microID); err == nil {
		t.Error("expected error nesting under a micro scenario")
	}
}

func TestCreateBranchValidation(t *testing.T) {
	e := newTestEngine(t, Config{})
	sid, err := e.CreateScenario("case", scenario.Micro, "")
	if err != nil {
		t.Fatal(err)
	}
	root := rootBranchID(t, e, sid)

	if _, err := e.CreateBranch(sid, root, "intruder", "forced entry through window", 0.5, OriginManual, false); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if _, err := e.CreateBranch(sid, "no-such-branch", "x", "", 0.1, OriginManual, false); !errors.Is(err, models.ErrInvalidParent) {
		t.Errorf("bad parent: got %v, want ErrInvalidParent", err)
	}
	if _, err := e.CreateBranch("no-such-scenario", root, "x", "", 0.1, OriginManual, false); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("bad scenario: got %v, want ErrNotFound", err)
	}
	if _, err := e.CreateBranch(sid, root, "overflow", "", 0.9, OriginScript, false); !errors.Is(err, models.ErrProbabilityOverflow) {
		t.Errorf("overflow: got %v, want ErrProbabilityOverflow", err)
	}
}

func TestAttachEvidenceRecomputesPosteriors(t *testing.T) {
	e := newTestEngine(t, Config{})
	sid, err := e.CreateScenario("case", scenario.Micro, "")
	if err != nil {
		t.Fatal(err)
	}
	root := rootBranchID(t, e, sid)

	a, err := e.CreateBranch(sid, root, "hypothesis a", "", 0.5, OriginManual, false)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.CreateBranch(sid, root, "hypothesis b", "", 0.5, OriginManual, false)
	if err != nil {
		t.Fatal(err)
	}

	ev := models.NewEvidence("fingerprint match", models.EvidencePhysical, models.DataSourceRef{ID: "lab", Kind: "file", Reliability: 0.9})
	if err := e.AddEvidence(sid, ev); err != nil {
		t.Fatal(err)
	}

	events, unsub := e.Subscribe()
	defer unsub()

	if err := e.AttachEvidence(sid, a, ev.ID, models.AttachManual, 1.0, 4.0); err != nil {
		t.Fatalf("attach: %v", err)
	}

	got := make(map[string]float64)
	for len(got) < 2 {
		ev := waitFor(t, events, "branch update", func(ev Event) bool {
			return ev.Kind == EventBranchUpdated && (ev.BranchID == a || ev.BranchID == b)
		})
		got[ev.BranchID] = ev.NewPosterior
	}

	if math.Abs(got[a]-0.8) > 1e-9 {
		t.Errorf("posterior(a) = %v, want 0.8", got[a])
	}
	if math.Abs(got[b]-0.2) > 1e-9 {
		t.Errorf("posterior(b) = %v, want 0.2", got[b])
	}
}

func TestAttachEvidenceRequiresPooledEvidence(t *testing.T) {
	e := newTestEngine(t, Config{})
	sid, err := e.CreateScenario("case", scenario.Micro, "")
	if err != nil {
		t.Fatal(err)
	}
	root := rootBranchID(t, e, sid)
	if err := e.AttachEvidence(sid, root, "unstaged", models.AttachManual, 1, 2); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSimulationLifecycle(t *testing.T) {
	e := newTestEngine(t, Config{})
	sid, err := e.CreateScenario("case", scenario.Micro, "")
	if err != nil {
		t.Fatal(err)
	}
	root := rootBranchID(t, e, sid)
	if _, err := e.CreateBranch(sid, root, "break-in", "", 0.6, OriginManual, false); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateBranch(sid, root, "inside job", "", 0.4, OriginManual, false); err != nil {
		t.Fatal(err)
	}

	events, unsub := e.Subscribe()
	defer unsub()

	jobID, err := e.RequestSimulation(sid, root, 2000, 42)
	if err != nil {
		t.Fatalf("request simulation: %v", err)
	}

	done := waitFor(t, events, "simulation complete", func(ev Event) bool {
		return ev.Kind == EventSimulationComplete && ev.JobID == jobID
	})
	if done.Outcome == nil {
		t.Fatal("completion event missing outcome")
	}
	var total float64
	for _, f := range done.Outcome.Distribution {
		total += f
	}
	if math.Abs(total-1.0) > 1e-9 {
		t.Errorf("distribution mass = %v, want 1", total)
	}
	if done.Outcome.SampleCount != 2000 {
		t.Errorf("sample count = %d, want 2000", done.Outcome.SampleCount)
	}

	// The outcome is written onto the requested root branch.
	snap, err := e.Snapshot(sid)
	if err != nil {
		t.Fatal(err)
	}
	node, err := snap.Node(root)
	if err != nil {
		t.Fatal(err)
	}
	if node.Outcome == nil {
		t.Error("root branch has no stored outcome")
	}

	if err := e.CancelSimulation("no-such-job"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("cancel unknown job: got %v, want ErrNotFound", err)
	}
}

func TestCancelQueuedSimulation(t *testing.T) {
	// One worker slot, occupied by a blocked auto-attach embedding call,
	// so the simulation job is still waiting for a slot when cancelled.
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	embed := func(ctx context.Context, text string) ([]float32, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return []float32{1, 0}, nil
	}
	e := newTestEngine(t, Config{Workers: 1, Embed: embed})

	sid, err := e.CreateScenario("case", scenario.Micro, "")
	if err != nil {
		t.Fatal(err)
	}
	root := rootBranchID(t, e, sid)
	if _, err := e.CreateBranch(sid, root, "hypothesis", "suspect fled on foot", 0.5, OriginManual, false); err != nil {
		t.Fatal(err)
	}
	if err := e.UpdateScenarioConfig(sid, scenario.SimulationConfig{AutoAttach: true}); err != nil {
		t.Fatal(err)
	}

	events, unsub := e.Subscribe()
	defer unsub()

	// Occupy the single slot.
	res, err := e.RunIngest(context.Background(), sid, sliceAdapter{
		name:   "stub",
		source: models.DataSourceRef{ID: "stub", Kind: "stream", Reliability: 0.8},
		records: []ingest.RawRecord{
			{ID: "r1", Fields: map[string]any{"description": "suspect fled on foot"}},
		},
	}, ingest.Config{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.Bundles) != 1 {
		t.Fatalf("got %d bundles, want 1", len(res.Bundles))
	}

	// The auto-attach worker now holds the only slot.
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("auto-attach never reached the embedder")
	}

	jobID, err := e.RequestSimulation(sid, root, 1000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.CancelSimulation(jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitFor(t, events, "simulation cancelled", func(ev Event) bool {
		return ev.Kind == EventSimulationCancelled && ev.JobID == jobID
	})
	close(release)

	// Cancelled jobs leave no outcome behind.
	snap, err := e.Snapshot(sid)
	if err != nil {
		t.Fatal(err)
	}
	node, err := snap.Node(root)
	if err != nil {
		t.Fatal(err)
	}
	if node.Outcome != nil {
		t.Error("cancelled job stored an outcome")
	}
}

func TestRunIngestAutoAttach(t *testing.T) {
	e := newTestEngine(t, Config{})
	sid, err := e.CreateScenario("case", scenario.Micro, "")
	if err != nil {
		t.Fatal(err)
	}
	root := rootBranchID(t, e, sid)
	hyp, err := e.CreateBranch(sid, root, "window entry", "intruder entered through the kitchen window", 0.5, OriginManual, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.UpdateScenarioConfig(sid, scenario.SimulationConfig{AutoAttach: true, SimilarityFloor: 0.3}); err != nil {
		t.Fatal(err)
	}

	events, unsub := e.Subscribe()
	defer unsub()

	res, err := e.RunIngest(context.Background(), sid, sliceAdapter{
		name:   "report feed",
		source: models.DataSourceRef{ID: "pd-1", Kind: "api", Reliability: 0.9},
		records: []ingest.RawRecord{
			{ID: "r1", Fields: map[string]any{"description": "glass fragments kitchen window intruder entered"}},
		},
	}, ingest.Config{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Processed != 1 || len(res.Bundles) != 1 {
		t.Fatalf("processed=%d bundles=%d, want 1/1", res.Processed, len(res.Bundles))
	}

	staged := waitFor(t, events, "ingestion event", func(ev Event) bool {
		return ev.Kind == EventIngestionProcessed
	})
	if len(staged.CreatedEvidence) != 1 {
		t.Fatalf("created evidence = %v, want one ID", staged.CreatedEvidence)
	}

	attached := waitFor(t, events, "auto attach", func(ev Event) bool {
		return ev.Kind == EventEvidenceAttached && ev.BranchID == hyp
	})
	if attached.EvidenceID != staged.CreatedEvidence[0] {
		t.Errorf("attached %q, want %q", attached.EvidenceID, staged.CreatedEvidence[0])
	}

	// The attachment raises the hypothesis posterior.
	update := waitFor(t, events, "posterior update", func(ev Event) bool {
		return ev.Kind == EventBranchUpdated && ev.BranchID == hyp
	})
	if update.NewPosterior <= 0.5 {
		t.Errorf("posterior = %v, want > 0.5", update.NewPosterior)
	}
}

// flakyAdapter times out a fixed number of runs before producing its
// records, mimicking a slow remote source that recovers.
type flakyAdapter struct {
	inner    sliceAdapter
	failures *int
}

func (a flakyAdapter) Name() string                 { return a.inner.name }
func (a flakyAdapter) Source() models.DataSourceRef { return a.inner.source }

func (a flakyAdapter) Records(ctx context.Context) iter.Seq2[ingest.RawRecord, error] {
	return func(yield func(ingest.RawRecord, error) bool) {
		if *a.failures > 0 {
			*a.failures--
			yield(ingest.RawRecord{}, fmt.Errorf("read feed: %w", models.ErrAdapterTimeout))
			return
		}
		for r, err := range a.inner.Records(ctx) {
			if !yield(r, err) {
				return
			}
		}
	}
}

func TestRunIngestRetriesTimedOutSource(t *testing.T) {
	e := newTestEngine(t, Config{})
	sid, err := e.CreateScenario("case", scenario.Micro, "")
	if err != nil {
		t.Fatal(err)
	}

	failures := 1
	res, err := e.RunIngest(context.Background(), sid, flakyAdapter{
		inner: sliceAdapter{
			name:   "flaky feed",
			source: models.DataSourceRef{ID: "feed-1", Kind: "api", Reliability: 0.7},
			records: []ingest.RawRecord{
				{ID: "r1", Fields: map[string]any{"description": "tool marks on the latch"}},
			},
		},
		failures: &failures,
	}, ingest.Config{})
	if err != nil {
		t.Fatalf("ingest after recovery: %v", err)
	}
	if failures != 0 {
		t.Fatal("adapter was never retried")
	}
	if res.Processed != 1 || len(res.Bundles) != 1 {
		t.Fatalf("processed=%d bundles=%d, want 1/1", res.Processed, len(res.Bundles))
	}
}

func TestMicroFindingPropagatesToMacro(t *testing.T) {
	e := newTestEngine(t, Config{})

	macroID, err := e.CreateScenario("serial burglar", scenario.Macro, "")
	if err != nil {
		t.Fatal(err)
	}
	macroRoot := rootBranchID(t, e, macroID)
	trendBranch, err := e.CreateBranch(macroID, macroRoot, "same-perpetrator trend", "", 0.5, OriginManual, false)
	if err != nil {
		t.Fatal(err)
	}

	microID, err := e.CreateScenario("incident 14", scenario.Micro, macroID)
	if err != nil {
		t.Fatal(err)
	}
	microRoot := rootBranchID(t, e, microID)
	a, err := e.CreateBranch(microID, microRoot, "same-perpetrator", "", 0.5, OriginManual, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateBranch(microID, microRoot, "copycat", "", 0.5, OriginManual, false); err != nil {
		t.Fatal(err)
	}

	if err := e.UpdateScenarioConfig(macroID, scenario.SimulationConfig{
		MicroMappings: map[string]string{microID: trendBranch},
	}); err != nil {
		t.Fatal(err)
	}

	ev := models.NewEvidence("matching tool marks", models.EvidencePhysical, models.DataSourceRef{ID: "lab", Kind: "file", Reliability: 0.95})
	if err := e.AddEvidence(microID, ev); err != nil {
		t.Fatal(err)
	}

	events, unsub := e.Subscribe()
	defer unsub()

	if err := e.AttachEvidence(microID, a, ev.ID, models.AttachManual, 1.0, 4.0); err != nil {
		t.Fatal(err)
	}

	// Micro posterior moves to 0.8, crossing the propagation delta; a
	// synthetic evidence item lands on the mapped macro branch and the
	// macro posterior follows with likelihood ratio 0.8/0.2.
	waitFor(t, events, "macro attachment", func(ev Event) bool {
		return ev.Kind == EventEvidenceAttached && ev.ScenarioID == macroID && ev.BranchID == trendBranch
	})
	update := waitFor(t, events, "macro update", func(ev Event) bool {
		return ev.Kind == EventBranchUpdated && ev.ScenarioID == macroID && ev.BranchID == trendBranch
	})
	if math.Abs(update.NewPosterior-0.8) > 1e-9 {
		t.Errorf("macro posterior = %v, want 0.8", update.NewPosterior)
	}

	var lastTop float64
	if err := e.WithScenario(microID, func(s *scenario.Scenario) error {
		lastTop = s.LastPropagatedTop
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if math.Abs(lastTop-0.8) > 1e-9 {
		t.Errorf("LastPropagatedTop = %v, want 0.8", lastTop)
	}
}

func TestCollapsedViewAndThreshold(t *testing.T) {
	e := newTestEngine(t, Config{})
	sid, err := e.CreateScenario("case", scenario.Micro, "")
	if err != nil {
		t.Fatal(err)
	}
	root := rootBranchID(t, e, sid)
	if _, err := e.CreateBranch(sid, root, "likely", "", 0.9, OriginManual, false); err != nil {
		t.Fatal(err)
	}
	faint, err := e.CreateBranch(sid, root, "faint", "", 0.02, OriginManual, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.SetCollapseThreshold(sid, root, 0.05); err != nil {
		t.Fatal(err)
	}
	items, err := e.CollapsedView(sid)
	if err != nil {
		t.Fatal(err)
	}
	var sawAggregate bool
	for _, item := range items {
		if item.Aggregate && item.Node.ID == faint {
			sawAggregate = true
		}
	}
	if !sawAggregate {
		t.Error("faint branch not aggregated below threshold")
	}

	if err := e.SetCollapseThreshold(sid, "no-such-branch", 0.05); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDeleteScenario(t *testing.T) {
	e := newTestEngine(t, Config{})
	sid, err := e.CreateScenario("ephemeral", scenario.Micro, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteScenario(sid); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteScenario(sid); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}
	if _, err := e.CollapsedView(sid); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("view after delete: got %v, want ErrNotFound", err)
	}
}

// rootBranchID reads the root node ID of a scenario's tree.
func rootBranchID(t *testing.T, e *Engine, scenarioID string) string {
	t.Helper()
	var id string
	if err := e.WithScenario(scenarioID, func(s *scenario.Scenario) error {
		id = s.Tree.Root().ID
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return id
}

// sliceAdapter feeds a fixed record slice, standing in for a live source.
type sliceAdapter struct {
	name    string
	source  models.DataSourceRef
	records []ingest.RawRecord
}

func (a sliceAdapter) Name() string                 { return a.name }
func (a sliceAdapter) Source() models.DataSourceRef { return a.source }

func (a sliceAdapter) Records(ctx context.Context) iter.Seq2[ingest.RawRecord, error] {
	return func(yield func(ingest.RawRecord, error) bool) {
		for _, r := range a.records {
			r.Source = a.source
			if !yield(r, nil) {
				return
			}
		}
	}
}
