package scenario

import (
	"errors"
	"math"
	"testing"

	"github.com/scenariolab/hindcast/internal/branch"
	"github.com/scenariolab/hindcast/internal/models"
)

func microWithLeaves(t *testing.T, posteriors map[string]float64) *Scenario {
	t.Helper()
	s := New("warehouse break-in", Micro)
	for label, p := range posteriors {
		n := branch.NewNode(label, "hypothesis "+label, p)
		if _, err := s.Tree.Insert(s.Tree.Root().ID, n, true); err != nil {
			t.Fatalf("insert %s: %v", label, err)
		}
		if err := s.Tree.SetPosterior(n.ID, p); err != nil {
			t.Fatalf("posterior %s: %v", label, err)
		}
	}
	return s
}

func TestAttachEvidenceRequiresPooledEvidence(t *testing.T) {
	s := microWithLeaves(t, map[string]float64{"inside_job": 0.6})
	leaf, _ := s.TopLeaf()

	err := s.AttachEvidence(leaf.ID, "ghost", models.EvidenceLink{LikelihoodRatio: 2})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	ev := models.NewEvidence("pry marks", models.EvidencePhysical, models.DataSourceRef{ID: "lab", Kind: "user"})
	s.AddEvidence(ev)
	if err := s.AttachEvidence(leaf.ID, ev.ID, models.EvidenceLink{
		Mode: models.AttachManual, RelevanceScore: 1, LikelihoodRatio: 2,
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}
}

func TestTopLeaf(t *testing.T) {
	s := microWithLeaves(t, map[string]float64{"inside_job": 0.55, "forced_entry": 0.35})
	leaf, p := s.TopLeaf()
	if leaf.Label != "inside_job" || math.Abs(p-0.55) > 1e-12 {
		t.Errorf("TopLeaf = (%s, %v)", leaf.Label, p)
	}
}

func TestShouldPropagateDelta(t *testing.T) {
	s := microWithLeaves(t, map[string]float64{"inside_job": 0.55, "forced_entry": 0.35})
	s.LastPropagatedTop = 0.5

	if ShouldPropagate(s) {
		t.Error("0.05 movement should not propagate with default delta 0.1")
	}
	s.LastPropagatedTop = 0.4
	if !ShouldPropagate(s) {
		t.Error("0.15 movement should propagate")
	}

	s.Config.PropagationDelta = 0.01
	s.LastPropagatedTop = 0.5
	if !ShouldPropagate(s) {
		t.Error("custom delta 0.01 should trigger on 0.05 movement")
	}
}

func TestPropagateBuildsSyntheticEvidence(t *testing.T) {
	micro := microWithLeaves(t, map[string]float64{"inside_job": 0.8, "forced_entry": 0.15})

	macro := New("city burglary pattern", Macro)
	target := branch.NewNode("organized_crew", "a single organized crew is active", 0.5)
	if _, err := macro.Tree.Insert(macro.Tree.Root().ID, target, false); err != nil {
		t.Fatalf("insert: %v", err)
	}
	macro.AddSubScenario(micro.ID)
	macro.Config.MicroMappings = map[string]string{micro.ID: target.ID}
	micro.Parent = macro.ID

	ev, err := Propagate(macro, micro)
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}

	if ev.Type != models.EvidenceCircumstantial {
		t.Errorf("type = %s, want circumstantial", ev.Type)
	}
	if ev.Source.Kind != "micro_scenario" || ev.Source.ID != micro.ID {
		t.Errorf("source = %+v", ev.Source)
	}
	if _, ok := macro.Evidence[ev.ID]; !ok {
		t.Error("evidence not staged in macro pool")
	}
	if len(target.Links) != 1 {
		t.Fatalf("links = %d, want 1", len(target.Links))
	}
	if want := 0.8 / 0.2; math.Abs(target.Links[0].LikelihoodRatio-want) > 1e-9 {
		t.Errorf("ratio = %v, want %v (odds of 0.8)", target.Links[0].LikelihoodRatio, want)
	}
	if micro.LastPropagatedTop != 0.8 {
		t.Errorf("LastPropagatedTop = %v", micro.LastPropagatedTop)
	}

	// Repropagating the same finding rewrites the link, not duplicates it:
	// the macro side keeps a single synthetic item per crossing here.
	if ShouldPropagate(micro) {
		t.Error("no movement since propagation, should not repropagate")
	}
}

func TestPropagateIntoMicroFails(t *testing.T) {
	a := microWithLeaves(t, map[string]float64{"x": 0.5})
	b := microWithLeaves(t, map[string]float64{"y": 0.5})
	if _, err := Propagate(a, b); err == nil {
		t.Error("propagating into a micro scenario should fail")
	}
}

func TestForkIsIndependent(t *testing.T) {
	s := microWithLeaves(t, map[string]float64{"inside_job": 0.6})
	ev := models.NewEvidence("pry marks", models.EvidencePhysical, models.DataSourceRef{ID: "lab"})
	s.AddEvidence(ev)
	e := models.NewEntity("warehouse", models.RoleLocation)
	s.AddEntity(e)

	f := s.Fork("warehouse break-in (alt)")
	if f.ID == s.ID {
		t.Error("fork shares ID")
	}

	// Mutating the fork must not leak into the original.
	f.Evidence[ev.ID].Confidence = 0.99
	f.Entities[e.ID].LinkEvidence("other")
	leaf, _ := f.TopLeaf()
	if err := f.Tree.SetPosterior(leaf.ID, 0.1); err != nil {
		t.Fatalf("fork posterior: %v", err)
	}

	if s.Evidence[ev.ID].Confidence == 0.99 {
		t.Error("evidence shared between fork and original")
	}
	if len(s.Entities[e.ID].LinkedEvidence) != 0 {
		t.Error("entity links shared")
	}
	if _, p := s.TopLeaf(); p != 0.6 {
		t.Errorf("original tree mutated: top = %v", p)
	}
}
