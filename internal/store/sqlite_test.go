package store

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scenariolab/hindcast/internal/models"
	"github.com/scenariolab/hindcast/internal/scenario"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// buildScenario assembles a scenario exercising every persisted surface:
// nested branches with awkward float values, posteriors, links, outcomes,
// pooled evidence and entities, and tunables.
func buildScenario(t *testing.T) *scenario.Scenario {
	t.Helper()
	sc := scenario.New("warehouse fire", scenario.Micro)
	sc.Config = scenario.SimulationConfig{
		Iterations:        5000,
		Seed:              99,
		PropagationDelta:  0.15,
		CollapseThreshold: 0.07,
	}
	sc.LastPropagatedTop = 0.30000000000000004

	root := sc.Tree.Root().ID
	arson, err := sc.Tree.Insert(root, newNode(t, "arson", "accelerant pour patterns", 1.0/3.0), false)
	if err != nil {
		t.Fatal(err)
	}
	electrical, err := sc.Tree.Insert(root, newNode(t, "electrical fault", "aging wiring in the north wall", 0.1+0.2), false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sc.Tree.Insert(arson, newNode(t, "insurance motive", "", 0.25), false); err != nil {
		t.Fatal(err)
	}

	ev := models.NewEvidence("burn pattern analysis", models.EvidencePhysical,
		models.DataSourceRef{ID: "fd-lab", Kind: "file", URI: "reports/лаб.pdf", Reliability: 0.92})
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	ev.Timestamp = &ts
	ev.Data["ignition_point"] = models.NewParameter("ignition_point",
		models.PositionValue(12.5, -3.25, 0), 0.8, ev.Source)
	sc.AddEvidence(ev)

	if err := sc.AttachEvidence(arson, ev.ID, models.EvidenceLink{
		Mode:            models.AttachManual,
		RelevanceScore:  1,
		LikelihoodRatio: 3.7,
	}); err != nil {
		t.Fatal(err)
	}

	post := 0.6180339887498949
	if err := sc.Tree.SetPosterior(arson, post); err != nil {
		t.Fatal(err)
	}
	if err := sc.Tree.SetOutcome(electrical, &models.OutcomeData{
		Description: "fire contained to north wall",
		Confidence:  0.9,
		SampleCount: 5000,
		Distribution: map[string]float64{
			"contained": 0.7,
			"spread":    0.30000000000000004,
		},
		RecommendedActions: []string{"inspect remaining wiring"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := sc.Tree.SetCollapseThreshold(electrical, 0.02); err != nil {
		t.Fatal(err)
	}
	sc.Tree.RecomputeCollapse()

	witness := models.NewEntity("night guard", models.RoleWitness)
	witness.LinkEvidence(ev.ID)
	sc.AddEntity(witness)

	sc.Parameters["alarm_time"] = models.NewParameter("alarm_time",
		models.TimestampValue(ts), 0.95, ev.Source)

	return sc
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sc := buildScenario(t)

	if err := s.SaveScenario(ctx, sc); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadScenario(ctx, sc.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got.Name != sc.Name || got.Scale != sc.Scale {
		t.Errorf("identity mismatch: %s/%s vs %s/%s", got.Name, got.Scale, sc.Name, sc.Scale)
	}
	if got.Config.Iterations != sc.Config.Iterations ||
		got.Config.Seed != sc.Config.Seed ||
		got.Config.PropagationDelta != sc.Config.PropagationDelta ||
		got.Config.CollapseThreshold != sc.Config.CollapseThreshold {
		t.Errorf("config mismatch: %+v vs %+v", got.Config, sc.Config)
	}
	if got.LastPropagatedTop != sc.LastPropagatedTop {
		t.Errorf("propagated top %v, want %v", got.LastPropagatedTop, sc.LastPropagatedTop)
	}
	if got.Tree.DefaultCollapseThreshold != 0.07 {
		t.Errorf("default threshold %v, want 0.07", got.Tree.DefaultCollapseThreshold)
	}

	// Trees compare exactly through their canonical export form.
	var want, have bytes.Buffer
	if err := ExportTreeJSONL(&want, sc.Tree); err != nil {
		t.Fatal(err)
	}
	if err := ExportTreeJSONL(&have, got.Tree); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(want.Bytes(), have.Bytes()) {
		t.Error("tree export differs after round trip")
	}

	gotEv, ok := got.Evidence[firstKey(sc.Evidence)]
	if !ok {
		t.Fatal("evidence missing after round trip")
	}
	origEv := sc.Evidence[gotEv.ID]
	if gotEv.Label != origEv.Label || gotEv.Type != origEv.Type || gotEv.Source != origEv.Source {
		t.Errorf("evidence mismatch: %+v vs %+v", gotEv, origEv)
	}
	if gotEv.Timestamp == nil || !gotEv.Timestamp.Equal(*origEv.Timestamp) {
		t.Errorf("evidence timestamp %v, want %v", gotEv.Timestamp, origEv.Timestamp)
	}
	if p := gotEv.Data["ignition_point"]; p.Value.Position.Y != -3.25 {
		t.Errorf("position param %v, want Y=-3.25", p.Value.Position)
	}

	if len(got.Entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(got.Entities))
	}
	for _, ent := range got.Entities {
		if ent.Role != models.RoleWitness || len(ent.LinkedEvidence) != 1 {
			t.Errorf("entity mismatch: %+v", ent)
		}
	}

	p, ok := got.Parameters["alarm_time"]
	if !ok || !p.Value.Timestamp.Equal(sc.Parameters["alarm_time"].Value.Timestamp) {
		t.Errorf("parameter mismatch: %+v", p)
	}
}

func TestSQLiteOverwriteReplacesRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sc := buildScenario(t)

	if err := s.SaveScenario(ctx, sc); err != nil {
		t.Fatal(err)
	}
	if _, err := sc.Tree.Insert(sc.Tree.Root().ID, newNode(t, "smoking", "", 0.05), false); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveScenario(ctx, sc); err != nil {
		t.Fatal(err)
	}

	metas, err := s.ListScenarios(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 {
		t.Fatalf("got %d scenarios, want 1", len(metas))
	}
	if metas[0].Branches != sc.Tree.Len() {
		t.Errorf("branch count %d, want %d", metas[0].Branches, sc.Tree.Len())
	}
}

func TestSQLiteListAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := scenario.New("alpha", scenario.Micro)
	b := scenario.New("beta", scenario.Macro)
	for _, sc := range []*scenario.Scenario{b, a} {
		if err := s.SaveScenario(ctx, sc); err != nil {
			t.Fatal(err)
		}
	}

	metas, err := s.ListScenarios(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 2 || metas[0].Name != "alpha" || metas[1].Name != "beta" {
		t.Fatalf("unexpected listing: %+v", metas)
	}

	if err := s.DeleteScenario(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadScenario(ctx, a.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("load deleted: got %v, want ErrNotFound", err)
	}
	// Deleting twice is a no-op.
	if err := s.DeleteScenario(ctx, a.ID); err != nil {
		t.Errorf("double delete: %v", err)
	}
}

func TestSQLiteLoadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadScenario(context.Background(), "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func firstKey[V any](m map[string]V) string {
	for k := range m {
		return k
	}
	return ""
}
