package scenario

import (
	"fmt"

	"github.com/scenariolab/hindcast/internal/models"
)

// DefaultPropagationDelta is the minimum top-posterior movement before a
// micro scenario re-propagates to its parent macro scenario.
const DefaultPropagationDelta = 0.1

// ShouldPropagate reports whether the micro scenario's top posterior has
// moved enough since the last propagation to justify another crossing.
// Propagating on every update would thrash the macro tree.
func ShouldPropagate(micro *Scenario) bool {
	delta := micro.Config.PropagationDelta
	if delta <= 0 {
		delta = DefaultPropagationDelta
	}
	_, top := micro.TopLeaf()
	diff := top - micro.LastPropagatedTop
	if diff < 0 {
		diff = -diff
	}
	return diff > delta
}

// OutcomeEvidence renders the micro scenario's current finding as a
// synthetic Circumstantial evidence item for its parent. The feed is
// one-directional: the macro side holds no live reference back into the
// micro tree.
func OutcomeEvidence(micro *Scenario) *models.Evidence {
	leaf, top := micro.TopLeaf()
	label := micro.Name
	if leaf != nil {
		label = fmt.Sprintf("%s: %s", micro.Name, leaf.Label)
	}

	ev := models.NewEvidence(label, models.EvidenceCircumstantial, models.DataSourceRef{
		ID:          micro.ID,
		Kind:        "micro_scenario",
		URI:         micro.Name,
		Reliability: top,
	})
	ev.Confidence = top

	src := ev.Source
	ev.Data["top_probability"] = models.NewParameter("top_probability", models.NumberValue(top), top, src)
	if leaf != nil {
		ev.Data["finding"] = models.NewParameter("finding", models.TextValue(leaf.Label), top, src)
		if leaf.Outcome != nil {
			for outcome, p := range leaf.Outcome.Distribution {
				key := "outcome_" + outcome
				ev.Data[key] = models.NewParameter(key, models.NumberValue(p), top, src)
			}
		}
	}
	return ev
}

// Propagate pushes the micro scenario's finding into the macro scenario:
// the synthetic evidence joins the macro pool and is attached to the
// branch named by the macro's micro-mapping with a likelihood ratio equal
// to the finding's odds. Without a mapping the evidence is staged only,
// left for automatic attachment or the analyst.
func Propagate(macro, micro *Scenario) (*models.Evidence, error) {
	if macro.Scale != Macro {
		return nil, fmt.Errorf("propagate into %s scenario %s: not macro", macro.Scale, macro.ID)
	}

	ev := OutcomeEvidence(micro)
	macro.AddEvidence(ev)

	_, top := micro.TopLeaf()
	micro.LastPropagatedTop = top

	branchID, ok := macro.Config.MicroMappings[micro.ID]
	if !ok {
		return ev, nil
	}

	ratio := oddsRatio(top)
	err := macro.AttachEvidence(branchID, ev.ID, models.EvidenceLink{
		Mode:            models.AttachAutomatic,
		EmbeddingScore:  top,
		RelevanceScore:  1.0,
		LikelihoodRatio: ratio,
	})
	if err != nil {
		return nil, fmt.Errorf("propagate %s -> %s: %w", micro.ID, macro.ID, err)
	}
	return ev, nil
}

// oddsRatio converts a probability into a likelihood ratio, bounded away
// from the degenerate ends.
func oddsRatio(p float64) float64 {
	const bound = 1e-6
	if p < bound {
		p = bound
	}
	if p > 1-bound {
		p = 1 - bound
	}
	return p / (1 - p)
}
