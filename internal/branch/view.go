package branch

import "iter"

// ViewItem is one element of the collapsed view. When Aggregate is set, the
// item stands in for the whole subtree rooted at Node: the subtree fell
// below its resolved collapse threshold and is rendered as a single
// synthetic node carrying the subtree's probability and hidden node count.
type ViewItem struct {
	Node        *Node
	Depth       int
	Aggregate   bool
	Probability float64

	// HiddenCount is the number of nodes folded into an aggregate item,
	// the collapsed root included. Zero for expanded items.
	HiddenCount int
}

// resolvedThreshold walks up from the node to find the nearest explicit
// collapse threshold, falling back to the tree default.
func (t *Tree) resolvedThreshold(id string) float64 {
	for cur := id; cur != ""; cur = t.parent[cur] {
		if n := t.nodes[cur]; n != nil && n.CollapseThreshold > 0 {
			return n.CollapseThreshold
		}
	}
	return t.DefaultCollapseThreshold
}

// CollapsedView returns a restartable pre-order traversal in which any
// subtree whose root probability (posterior, or prior when no posterior has
// been computed) falls below its ancestor-resolved threshold is yielded as
// a single aggregate item instead of being expanded. The root itself is
// never collapsed. The underlying tree is untouched; expanding a collapsed
// subtree is just a Node lookup.
func (t *Tree) CollapsedView() iter.Seq[ViewItem] {
	return func(yield func(ViewItem) bool) {
		var rec func(n *Node, depth int) bool
		rec = func(n *Node, depth int) bool {
			p := n.Probability()
			if depth > 0 && p < t.resolvedThreshold(n.ID) {
				return yield(ViewItem{
					Node:        n,
					Depth:       depth,
					Aggregate:   true,
					Probability: p,
					HiddenCount: subtreeSize(n),
				})
			}
			if !yield(ViewItem{Node: n, Depth: depth, Probability: p}) {
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
}

// RecomputeCollapse refreshes every node's SoftCollapsed flag to match what
// CollapsedView would fold. Called by the engine after applying deltas so
// subscribers see consistent collapse state.
func (t *Tree) RecomputeCollapse() {
	var rec func(n *Node, depth int, hidden bool)
	rec = func(n *Node, depth int, hidden bool) {
		collapsed := hidden
		if !collapsed && depth > 0 && n.Probability() < t.resolvedThreshold(n.ID) {
			collapsed = true
		}
		n.SoftCollapsed = collapsed
		for _, c := range n.Children {
			rec(c, depth+1, collapsed)
		}
	}
	rec(t.root, 0, false)
}

func subtreeSize(n *Node) int {
	size := 1
	for _, c := range n.Children {
		size += subtreeSize(c)
	}
	return size
}
