package branch

import "github.com/scenariolab/hindcast/internal/models"

// Snapshot returns a deep copy of the tree. Workers compute Bayesian
// updates and Monte Carlo runs over snapshots and return deltas; the owner
// goroutine is the only writer to the live tree, so no locking is needed.
func (t *Tree) Snapshot() *Tree {
	clone := New(cloneNode(t.root))
	clone.DefaultCollapseThreshold = t.DefaultCollapseThreshold
	return clone
}

func cloneNode(n *Node) *Node {
	c := &Node{
		ID:                n.ID,
		Label:             n.Label,
		Description:       n.Description,
		Prior:             n.Prior,
		SoftCollapsed:     n.SoftCollapsed,
		CollapseThreshold: n.CollapseThreshold,
	}
	if n.Posterior != nil {
		v := *n.Posterior
		c.Posterior = &v
	}
	if len(n.Links) > 0 {
		c.Links = make([]models.EvidenceLink, len(n.Links))
		copy(c.Links, n.Links)
	}
	if n.Outcome != nil {
		o := *n.Outcome
		if n.Outcome.Distribution != nil {
			o.Distribution = make(map[string]float64, len(n.Outcome.Distribution))
			for k, v := range n.Outcome.Distribution {
				o.Distribution[k] = v
			}
		}
		if n.Outcome.RecommendedActions != nil {
			o.RecommendedActions = append([]string(nil), n.Outcome.RecommendedActions...)
		}
		c.Outcome = &o
	}
	if len(n.Children) > 0 {
		c.Children = make([]*Node, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = cloneNode(child)
		}
	}
	return c
}
