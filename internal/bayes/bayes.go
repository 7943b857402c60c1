// Package bayes computes posterior probabilities for branch hypotheses from
// attached evidence. All functions are pure over a tree snapshot: they
// return deltas for the owner goroutine to apply, never mutating shared
// state. Recomputation is idempotent, so a lost race between two concurrent
// updates self-corrects on the next pass.
package bayes

import (
	"fmt"
	"math"

	"github.com/scenariolab/hindcast/internal/branch"
	"github.com/scenariolab/hindcast/internal/models"
)

// Epsilon bounds posteriors away from degenerate certainty: results are
// clamped to [Epsilon, 1-Epsilon].
const Epsilon = 1e-6

// Aggregator selects how a parent's probability is derived from its
// children. Hypotheses under one parent are rarely exclusive by
// construction, so the aggregator is configurable per scenario.
type Aggregator string

const (
	// AggregateNoisyOR is 1 - prod(1 - child): "any child could be true".
	// This is the default.
	AggregateNoisyOR Aggregator = "noisy_or"

	// AggregateMaxChild takes the strongest child's probability, suited to
	// mutually exclusive children.
	AggregateMaxChild Aggregator = "max_child"

	// AggregateWeightedSum is the prior-weighted mean of children, suited
	// to exhaustive partitions.
	AggregateWeightedSum Aggregator = "weighted_sum"
)

// Config holds update-engine parameters.
type Config struct {
	Aggregator Aggregator
}

// DefaultConfig returns the default update configuration.
func DefaultConfig() Config {
	return Config{Aggregator: AggregateNoisyOR}
}

// Delta maps branch IDs to freshly computed posteriors. The engine applies
// it to the live tree in arrival order.
type Delta struct {
	Posteriors map[string]float64
}

// clamp bounds p to [Epsilon, 1-Epsilon].
func clamp(p float64) float64 {
	if p < Epsilon {
		return Epsilon
	}
	if p > 1-Epsilon {
		return 1 - Epsilon
	}
	return p
}

// posteriorFrom applies the combined likelihood ratio of links to base via
// the odds form: odds' = L * p/(1-p), posterior = odds'/(1+odds').
func posteriorFrom(base float64, links []models.EvidenceLink) float64 {
	p := clamp(base)
	ratio := 1.0
	for _, l := range links {
		ratio *= l.EffectiveLikelihoodRatio()
	}
	odds := ratio * p / (1 - p)
	if math.IsInf(odds, 1) {
		return 1 - Epsilon
	}
	return clamp(odds / (1 + odds))
}

// Recompute computes a posterior for branchID from its evidence links,
// proportionally rescales its unaffected siblings so the set still sums to
// at most its pre-update mass, and propagates aggregates up to the root.
func Recompute(snap *branch.Tree, branchID string, cfg Config) (Delta, error) {
	node, err := snap.Node(branchID)
	if err != nil {
		return Delta{}, err
	}

	delta := Delta{Posteriors: make(map[string]float64)}
	updated := posteriorFrom(node.Prior, node.Links)
	delta.Posteriors[branchID] = updated

	renormalizeSiblings(snap, node, updated, delta.Posteriors)
	propagateUp(snap, branchID, cfg, delta.Posteriors)
	return delta, nil
}

// renormalizeSiblings rescales the probabilities of node's siblings (not
// node itself) so the sibling set keeps its pre-update total mass. Mass
// held in reserve for the implicit unmodeled branch is preserved.
func renormalizeSiblings(snap *branch.Tree, node *branch.Node, updated float64, out map[string]float64) {
	parent := snap.Parent(node.ID)
	if parent == nil {
		return
	}

	total := 0.0
	for _, sib := range parent.Children {
		total += sib.Probability()
	}
	if total > 1 {
		total = 1
	}

	othersOld := total - node.Probability()
	othersNew := total - updated
	if othersOld <= 0 {
		return
	}
	if othersNew < 0 {
		othersNew = 0
	}
	factor := othersNew / othersOld
	for _, sib := range parent.Children {
		if sib.ID == node.ID {
			continue
		}
		out[sib.ID] = clamp(sib.Probability() * factor)
	}
}

// propagateUp recomputes each ancestor of branchID as the configured
// aggregate of its children, reading already-updated values from out.
func propagateUp(snap *branch.Tree, branchID string, cfg Config, out map[string]float64) {
	for parent := snap.Parent(branchID); parent != nil; parent = snap.Parent(parent.ID) {
		agg := aggregate(parent.Children, cfg.Aggregator, out)
		out[parent.ID] = posteriorFrom(agg, parent.Links)
	}
}

func childProbability(c *branch.Node, out map[string]float64) float64 {
	if p, ok := out[c.ID]; ok {
		return p
	}
	return c.Probability()
}

func aggregate(children []*branch.Node, agg Aggregator, out map[string]float64) float64 {
	if len(children) == 0 {
		return 0
	}
	switch agg {
	case AggregateMaxChild:
		max := 0.0
		for _, c := range children {
			if p := childProbability(c, out); p > max {
				max = p
			}
		}
		return max
	case AggregateWeightedSum:
		var sum, weight float64
		for _, c := range children {
			sum += c.Prior * childProbability(c, out)
			weight += c.Prior
		}
		if weight == 0 {
			return 0
		}
		return sum / weight
	default: // AggregateNoisyOR
		miss := 1.0
		for _, c := range children {
			miss *= 1 - childProbability(c, out)
		}
		return 1 - miss
	}
}

// Sweep recomputes every posterior in the snapshot bottom-up: leaves from
// prior and links, internal nodes from the child aggregate with their own
// links applied on top. Sibling sets whose results exceed 1.0 are rescaled
// proportionally. Sweeps run on the CPU worker pool over large trees.
func Sweep(snap *branch.Tree, cfg Config) Delta {
	delta := Delta{Posteriors: make(map[string]float64)}
	sweepNode(snap.Root(), cfg, delta.Posteriors)
	return delta
}

func sweepNode(n *branch.Node, cfg Config, out map[string]float64) float64 {
	base := n.Prior
	if len(n.Children) > 0 {
		sum := 0.0
		for _, c := range n.Children {
			sum += sweepNode(c, cfg, out)
		}
		if sum > 1 {
			// Proportional rescale keeps relative support intact.
			for _, c := range n.Children {
				out[c.ID] = clamp(out[c.ID] / sum)
			}
		}
		base = aggregate(n.Children, cfg.Aggregator, out)
	}
	p := posteriorFrom(base, n.Links)
	out[n.ID] = p
	return p
}

// ParseAggregator maps a config string to an Aggregator, defaulting to
// noisy-OR for unknown values.
func ParseAggregator(s string) (Aggregator, error) {
	switch Aggregator(s) {
	case AggregateNoisyOR, AggregateMaxChild, AggregateWeightedSum:
		return Aggregator(s), nil
	case "":
		return AggregateNoisyOR, nil
	default:
		return AggregateNoisyOR, fmt.Errorf("unknown aggregator %q", s)
	}
}
