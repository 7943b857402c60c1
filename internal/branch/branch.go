// Package branch implements the canonical hypothesis tree: recursive
// BranchNodes carrying prior/posterior probabilities and evidence links.
// Low-probability branches are never deleted, only soft-collapsed, so an
// underweighted hypothesis can always be rediscovered without re-ingesting.
package branch

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/scenariolab/hindcast/internal/models"
)

// PriorSumEpsilon is the tolerance used when checking that sibling priors
// sum to at most 1.0.
const PriorSumEpsilon = 1e-9

// Node is one hypothesis in the tree. Sibling priors sum to <= 1.0; any
// remaining mass belongs to an implicit "unmodeled" alternative. Posterior
// is nil until an update pass has touched the node.
type Node struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	Description string  `json:"description,omitempty"`
	Prior       float64 `json:"prior_probability"`

	Posterior *float64 `json:"posterior_probability,omitempty"`

	Links    []models.EvidenceLink `json:"evidence_links,omitempty"`
	Children []*Node               `json:"children,omitempty"`

	Outcome *models.OutcomeData `json:"outcome,omitempty"`

	// SoftCollapsed mirrors the last collapse recompute. It is a
	// visualization hint only and never affects simulation.
	SoftCollapsed bool `json:"soft_collapsed,omitempty"`

	// CollapseThreshold below which this subtree collapses in the default
	// view. Zero means inherit from the nearest ancestor that set one.
	CollapseThreshold float64 `json:"collapse_threshold,omitempty"`
}

// NewNode creates a Node with a fresh ID.
func NewNode(label, description string, prior float64) *Node {
	return &Node{
		ID:          uuid.New().String(),
		Label:       label,
		Description: description,
		Prior:       prior,
	}
}

// Probability returns the node's posterior if one has been computed, else
// its prior.
func (n *Node) Probability() float64 {
	if n.Posterior != nil {
		return *n.Posterior
	}
	return n.Prior
}

// Tree owns a branch hierarchy and keeps an ID index for O(1) lookup.
// Tree is not safe for concurrent use: the engine confines all mutation to
// a single owner goroutine and hands immutable snapshots to workers.
type Tree struct {
	root   *Node
	nodes  map[string]*Node
	parent map[string]string // child ID -> parent ID

	// DefaultCollapseThreshold applies to nodes with no explicit threshold
	// anywhere on their ancestor path.
	DefaultCollapseThreshold float64
}

// New builds a Tree around an existing root node, indexing any children
// already present.
func New(root *Node) *Tree {
	t := &Tree{
		root:   root,
		nodes:  make(map[string]*Node),
		parent: make(map[string]string),
	}
	t.indexSubtree(root, "")
	return t
}

func (t *Tree) indexSubtree(n *Node, parentID string) {
	t.nodes[n.ID] = n
	if parentID != "" {
		t.parent[n.ID] = parentID
	}
	for _, c := range n.Children {
		t.indexSubtree(c, n.ID)
	}
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node { return t.root }

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int { return len(t.nodes) }

// Node returns the node with the given ID, or ErrNotFound.
func (t *Tree) Node(id string) (*Node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("branch %s: %w", id, models.ErrNotFound)
	}
	return n, nil
}

// Parent returns the parent of the given node, or nil for the root.
func (t *Tree) Parent(id string) *Node {
	pid, ok := t.parent[id]
	if !ok {
		return nil
	}
	return t.nodes[pid]
}

// Insert adds node under parentID. If the new prior would push the sibling
// sum above 1.0, the insert fails with ErrProbabilityOverflow unless
// autoRenormalize is set, in which case the whole sibling set (new node
// included) is rescaled proportionally to sum to exactly 1.0.
func (t *Tree) Insert(parentID string, node *Node, autoRenormalize bool) (string, error) {
	parent, ok := t.nodes[parentID]
	if !ok {
		return "", fmt.Errorf("insert under %s: %w", parentID, models.ErrInvalidParent)
	}
	if node.Prior < 0 || node.Prior > 1 {
		return "", fmt.Errorf("insert %q: prior %v out of [0,1]: %w", node.Label, node.Prior, models.ErrProbabilityOverflow)
	}
	if _, exists := t.nodes[node.ID]; exists {
		return "", fmt.Errorf("insert %q: id %s already present", node.Label, node.ID)
	}

	sum := node.Prior
	for _, sib := range parent.Children {
		sum += sib.Prior
	}
	if sum > 1.0+PriorSumEpsilon {
		if !autoRenormalize {
			return "", fmt.Errorf("insert %q: sibling priors sum to %v: %w", node.Label, sum, models.ErrProbabilityOverflow)
		}
		for _, sib := range parent.Children {
			sib.Prior /= sum
		}
		node.Prior /= sum
	}

	parent.Children = append(parent.Children, node)
	t.indexSubtree(node, parentID)
	return node.ID, nil
}

// AttachEvidence links evidence to a branch. Attaching the same
// (branch, evidence) pair again overwrites the link's mode, relevance,
// embedding score, and likelihood ratio instead of duplicating it.
func (t *Tree) AttachEvidence(branchID string, link models.EvidenceLink) error {
	if link.LikelihoodRatio <= 0 || math.IsNaN(link.LikelihoodRatio) || math.IsInf(link.LikelihoodRatio, 0) {
		return fmt.Errorf("attach %s to %s: ratio %v: %w",
			link.EvidenceID, branchID, link.LikelihoodRatio, models.ErrInvalidLikelihood)
	}
	n, ok := t.nodes[branchID]
	if !ok {
		return fmt.Errorf("attach %s: branch %s: %w", link.EvidenceID, branchID, models.ErrNotFound)
	}
	link.BranchID = branchID
	for i, existing := range n.Links {
		if existing.EvidenceID == link.EvidenceID {
			n.Links[i] = link
			return nil
		}
	}
	n.Links = append(n.Links, link)
	return nil
}

// SetCollapseThreshold sets the visualization threshold for a branch. It is
// purely a view hint; simulation always runs over the full tree.
func (t *Tree) SetCollapseThreshold(branchID string, threshold float64) error {
	n, ok := t.nodes[branchID]
	if !ok {
		return fmt.Errorf("set threshold on %s: %w", branchID, models.ErrNotFound)
	}
	n.CollapseThreshold = threshold
	return nil
}

// SetPosterior records a computed posterior for a branch. Used by the
// engine when applying update deltas.
func (t *Tree) SetPosterior(branchID string, p float64) error {
	n, ok := t.nodes[branchID]
	if !ok {
		return fmt.Errorf("set posterior on %s: %w", branchID, models.ErrNotFound)
	}
	v := p
	n.Posterior = &v
	return nil
}

// SetOutcome stores a simulation result on a branch, overwriting any
// previous run's outcome.
func (t *Tree) SetOutcome(branchID string, outcome *models.OutcomeData) error {
	n, ok := t.nodes[branchID]
	if !ok {
		return fmt.Errorf("set outcome on %s: %w", branchID, models.ErrNotFound)
	}
	n.Outcome = outcome
	return nil
}

// Walk visits every node in pre-order, passing its depth. Returning false
// from visit stops the walk.
func (t *Tree) Walk(visit func(n *Node, depth int) bool) {
	var rec func(n *Node, depth int) bool
	rec = func(n *Node, depth int) bool {
		if !visit(n, depth) {
			return false
		}
		for _, c := range n.Children {
			if !rec(c, depth+1) {
				return false
			}
		}
		return true
	}
	rec(t.root, 0)
}

// CheckPriorInvariant verifies that every sibling set's priors sum to at
// most 1.0 within tolerance. Returns the first violating parent, if any.
func (t *Tree) CheckPriorInvariant() error {
	var violation error
	t.Walk(func(n *Node, _ int) bool {
		var sum float64
		for _, c := range n.Children {
			sum += c.Prior
		}
		if sum > 1.0+PriorSumEpsilon {
			violation = fmt.Errorf("children of %s: priors sum to %v: %w", n.ID, sum, models.ErrProbabilityOverflow)
			return false
		}
		return true
	})
	return violation
}
