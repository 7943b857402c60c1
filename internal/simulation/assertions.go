package simulation

import (
	"math"
	"testing"

	"github.com/scenariolab/hindcast/internal/models"
)

// AssertPosteriorConverges asserts that a branch's probability stays
// within [min, max] from step afterStep onward.
func AssertPosteriorConverges(t *testing.T, result ExperimentResult, key string, min, max float64, afterStep int) {
	t.Helper()
	for i := afterStep; i < len(result.Steps); i++ {
		p, ok := result.Steps[i].Posteriors[key]
		if !ok {
			t.Errorf("AssertPosteriorConverges: step %d: branch %q not found", i, key)
			continue
		}
		if p < min || p > max {
			t.Errorf("AssertPosteriorConverges: step %d: branch %q probability %.6f not in [%.4f, %.4f]", i, key, p, min, max)
		}
	}
}

// AssertMonotonicSupport asserts that a branch's probability never
// decreases across steps. Only meaningful when every step strengthens the
// branch (supporting ratios, no contradicting attachments elsewhere).
func AssertMonotonicSupport(t *testing.T, result ExperimentResult, key string) {
	t.Helper()
	prev := -1.0
	for i, sr := range result.Steps {
		p := sr.Posteriors[key]
		if p < prev-1e-12 {
			t.Errorf("AssertMonotonicSupport: step %d: branch %q dropped from %.6f to %.6f", i, key, prev, p)
		}
		prev = p
	}
}

// AssertOrdering asserts that after the last step, the branches are
// ordered by strictly decreasing probability.
func AssertOrdering(t *testing.T, result ExperimentResult, keys ...string) {
	t.Helper()
	for i := 1; i < len(keys); i++ {
		hi, lo := keys[i-1], keys[i]
		if result.Final(hi) <= result.Final(lo) {
			t.Errorf("AssertOrdering: %q (%.6f) should outrank %q (%.6f)",
				hi, result.Final(hi), lo, result.Final(lo))
		}
	}
}

// AssertBounded asserts every captured probability in every step lies in
// (0, 1), the engine's clamped range.
func AssertBounded(t *testing.T, result ExperimentResult) {
	t.Helper()
	for i, sr := range result.Steps {
		for key, p := range sr.Posteriors {
			if p <= 0 || p >= 1 || math.IsNaN(p) {
				t.Errorf("AssertBounded: step %d: branch %q probability %.6f outside (0, 1)", i, key, p)
			}
		}
	}
}

// AssertDistributionMass asserts a simulation outcome's distribution sums
// to 1 within tol.
func AssertDistributionMass(t *testing.T, outcome *models.OutcomeData, tol float64) {
	t.Helper()
	if outcome == nil {
		t.Error("AssertDistributionMass: nil outcome")
		return
	}
	mass := 0.0
	for _, p := range outcome.Distribution {
		mass += p
	}
	if math.Abs(mass-1) > tol {
		t.Errorf("AssertDistributionMass: distribution mass %.6f, want 1 within %g", mass, tol)
	}
}

// AssertTopOutcome asserts the simulation ranked the given label first.
func AssertTopOutcome(t *testing.T, outcome *models.OutcomeData, label string) {
	t.Helper()
	if outcome == nil {
		t.Error("AssertTopOutcome: nil outcome")
		return
	}
	top, prob := outcome.TopOutcome()
	if top != label {
		t.Errorf("AssertTopOutcome: top outcome %q (%.4f), want %q", top, prob, label)
	}
}

// AssertRestoredMatches asserts the reloaded scenario's probabilities
// match the final in-memory state within tol.
func AssertRestoredMatches(t *testing.T, result ExperimentResult, tol float64) {
	t.Helper()
	if result.Restored == nil {
		t.Fatal("AssertRestoredMatches: no restored scenario")
	}
	final := result.Steps[len(result.Steps)-1].Posteriors
	for key, id := range result.Branches {
		n, err := result.Restored.Tree.Node(id)
		if err != nil {
			t.Errorf("AssertRestoredMatches: branch %q missing after reload: %v", key, err)
			continue
		}
		if math.Abs(n.Probability()-final[key]) > tol {
			t.Errorf("AssertRestoredMatches: branch %q reloaded as %.6f, want %.6f", key, n.Probability(), final[key])
		}
	}
}
