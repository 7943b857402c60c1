package montecarlo

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/scenariolab/hindcast/internal/branch"
	"github.com/scenariolab/hindcast/internal/models"
)

// threeLeafTree builds a root with three leaves holding the given posteriors.
func threeLeafTree(t *testing.T, posteriors []float64) *branch.Tree {
	t.Helper()
	root := branch.NewNode("root", "", 1.0)
	tree := branch.New(root)
	labels := []string{"alpha", "beta", "gamma"}
	for i, p := range posteriors {
		n := branch.NewNode(labels[i], "", p)
		if _, err := tree.Insert(root.ID, n, true); err != nil {
			t.Fatalf("insert %s: %v", labels[i], err)
		}
		if err := tree.SetPosterior(n.ID, p); err != nil {
			t.Fatalf("posterior %s: %v", labels[i], err)
		}
	}
	return tree
}

func TestRunReproducibleAcrossRuns(t *testing.T) {
	tree := threeLeafTree(t, []float64{0.6, 0.3, 0.1})
	cfg := Config{Iterations: 2000, Seed: 42, Workers: 4}

	first, err := Run(context.Background(), tree.Snapshot(), tree.Root().ID, cfg)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := Run(context.Background(), tree.Snapshot(), tree.Root().ID, cfg)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !reflect.DeepEqual(first.Distribution, second.Distribution) {
		t.Errorf("same seed diverged:\n%v\n%v", first.Distribution, second.Distribution)
	}

	// A different seed should (overwhelmingly) produce a different table.
	other, err := Run(context.Background(), tree.Snapshot(), tree.Root().ID, Config{Iterations: 2000, Seed: 43, Workers: 4})
	if err != nil {
		t.Fatalf("other seed: %v", err)
	}
	if reflect.DeepEqual(first.Distribution, other.Distribution) {
		t.Error("different seeds produced identical distributions")
	}
}

func TestRunMatchesPosteriors(t *testing.T) {
	posteriors := []float64{0.6, 0.3, 0.1}
	tree := threeLeafTree(t, posteriors)

	out, err := Run(context.Background(), tree.Snapshot(), tree.Root().ID, Config{Iterations: 1000, Seed: 7})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.SampleCount != 1000 {
		t.Errorf("SampleCount = %d, want 1000", out.SampleCount)
	}

	want := map[string]float64{"alpha": 0.6, "beta": 0.3, "gamma": 0.1}
	for label, p := range want {
		if got := out.Distribution[label]; math.Abs(got-p) > 0.05 {
			t.Errorf("%s = %v, want %v +/- 0.05", label, got, p)
		}
	}

	total := 0.0
	for _, p := range out.Distribution {
		total += p
	}
	if math.Abs(total-1.0) > 1e-9 {
		t.Errorf("distribution sums to %v", total)
	}
}

func TestRunResidualMassIsUnmodeled(t *testing.T) {
	tree := threeLeafTree(t, []float64{0.4, 0.3, 0.1}) // 0.2 residual

	out, err := Run(context.Background(), tree.Snapshot(), tree.Root().ID, Config{Iterations: 5000, Seed: 11})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := out.Distribution[models.UnmodeledOutcome]; math.Abs(got-0.2) > 0.05 {
		t.Errorf("unmodeled = %v, want ~0.2", got)
	}
}

func TestRunIgnoresCollapseState(t *testing.T) {
	tree := threeLeafTree(t, []float64{0.6, 0.3, 0.1})
	cfg := Config{Iterations: 1000, Seed: 42, Workers: 2}

	before, err := Run(context.Background(), tree.Snapshot(), tree.Root().ID, cfg)
	if err != nil {
		t.Fatalf("before: %v", err)
	}

	// Collapse everything visually; sampling must be unaffected.
	tree.DefaultCollapseThreshold = 0.99
	tree.RecomputeCollapse()
	after, err := Run(context.Background(), tree.Snapshot(), tree.Root().ID, cfg)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if !reflect.DeepEqual(before.Distribution, after.Distribution) {
		t.Errorf("collapse state changed sampling:\n%v\n%v", before.Distribution, after.Distribution)
	}
}

func TestRunCancelledDiscardsPartialResults(t *testing.T) {
	tree := threeLeafTree(t, []float64{0.6, 0.3, 0.1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := Run(ctx, tree.Snapshot(), tree.Root().ID, Config{Iterations: 1_000_000, Seed: 1})
	if !errors.Is(err, models.ErrSimulationCancelled) {
		t.Errorf("err = %v, want ErrSimulationCancelled", err)
	}
	if out != nil {
		t.Error("partial OutcomeData returned after cancellation")
	}
}

func TestRunUnknownRoot(t *testing.T) {
	tree := threeLeafTree(t, []float64{0.6, 0.3, 0.1})
	_, err := Run(context.Background(), tree.Snapshot(), "missing", Config{Iterations: 10})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRunSingleLeafSubtree(t *testing.T) {
	root := branch.NewNode("only", "", 1.0)
	tree := branch.New(root)
	out, err := Run(context.Background(), tree.Snapshot(), root.ID, Config{Iterations: 100, Seed: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Distribution["only"] != 1.0 {
		t.Errorf("distribution = %v, want all mass on the leaf", out.Distribution)
	}
}

func TestWorkerSeedsDistinct(t *testing.T) {
	// Stride-derived worker seeds must not collide for small worker
	// counts, or worker tables would correlate.
	base := int64(42)
	seen := make(map[int64]bool)
	for w := 0; w < 64; w++ {
		s := base ^ int64(uint64(w)*seedStride)
		if seen[s] {
			t.Fatalf("duplicate worker seed at w=%d", w)
		}
		seen[s] = true
	}
}

func TestRunRecommendsTopOutcomes(t *testing.T) {
	tree := threeLeafTree(t, []float64{0.6, 0.3, 0.1})

	out, err := Run(context.Background(), tree.Snapshot(), tree.Root().ID, Config{Iterations: 4000, Seed: 7})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.RecommendedActions) == 0 {
		t.Fatal("no recommended actions")
	}
	if len(out.RecommendedActions) > maxRecommendations+1 {
		t.Fatalf("too many recommendations: %v", out.RecommendedActions)
	}
	if !strings.Contains(out.RecommendedActions[0], `"alpha"`) {
		t.Errorf("first recommendation %q does not name the top outcome", out.RecommendedActions[0])
	}
}

func TestRecommendActionsWarnsOnUnmodeledMass(t *testing.T) {
	actions := recommendActions(map[string]float64{
		"alpha":                 0.5,
		models.UnmodeledOutcome: 0.5,
	})
	if len(actions) != 2 {
		t.Fatalf("actions = %v, want investigation plus coverage warning", actions)
	}
	if !strings.Contains(actions[1], "outside the tree") {
		t.Errorf("no coverage warning in %v", actions)
	}
}
