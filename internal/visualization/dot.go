// Package visualization renders hypothesis trees in external formats.
package visualization

import (
	"fmt"
	"strings"

	"github.com/scenariolab/hindcast/internal/branch"
)

// Format specifies the output format for tree rendering.
type Format string

const (
	FormatDOT  Format = "dot"
	FormatJSON Format = "json"
)

// probabilityColor shades a node by how much mass it carries.
func probabilityColor(p float64) string {
	switch {
	case p >= 0.5:
		return "mediumseagreen"
	case p >= 0.2:
		return "goldenrod"
	case p >= 0.05:
		return "lightsteelblue"
	default:
		return "lightgray"
	}
}

// RenderDOT produces a Graphviz DOT representation of the tree. When
// collapsed is true, subtrees below their resolved collapse threshold are
// folded into a single dashed aggregate node, matching the collapsed view.
func RenderDOT(t *branch.Tree, title string, collapsed bool) string {
	var b strings.Builder
	b.WriteString("digraph hindcast {\n")
	b.WriteString("  rankdir=TB;\n")
	if title != "" {
		fmt.Fprintf(&b, "  label=%q;\n  labelloc=t;\n", title)
	}
	b.WriteString("  node [shape=box, style=filled, fontname=\"Helvetica\"];\n")
	b.WriteString("  edge [fontname=\"Helvetica\", fontsize=10];\n\n")

	if collapsed {
		renderCollapsedNodes(&b, t)
	} else {
		renderFullNodes(&b, t)
	}

	b.WriteString("}\n")
	return b.String()
}

func renderFullNodes(b *strings.Builder, t *branch.Tree) {
	t.Walk(func(n *branch.Node, depth int) bool {
		p := n.Probability()
		fmt.Fprintf(b, "  %q [label=%q, fillcolor=%q, tooltip=\"p=%.4f\"];\n",
			n.ID, nodeLabel(n, p), probabilityColor(p), p)
		return true
	})
	b.WriteString("\n")
	t.Walk(func(n *branch.Node, depth int) bool {
		for _, c := range n.Children {
			fmt.Fprintf(b, "  %q -> %q;\n", n.ID, c.ID)
		}
		return true
	})
}

func renderCollapsedNodes(b *strings.Builder, t *branch.Tree) {
	// Parent edges follow the view order: an aggregate stands in for its
	// whole subtree, so edges only ever target view items.
	var edges []string
	for item := range t.CollapsedView() {
		n := item.Node
		if item.Aggregate {
			label := fmt.Sprintf("%s\n%.4f (%d hidden)",
				truncate(n.Label, 40), item.Probability, item.HiddenCount)
			fmt.Fprintf(b, "  %q [label=%q, fillcolor=\"lightgray\", style=\"filled,dashed\"];\n",
				n.ID, label)
		} else {
			fmt.Fprintf(b, "  %q [label=%q, fillcolor=%q, tooltip=\"p=%.4f\"];\n",
				n.ID, nodeLabel(n, item.Probability), probabilityColor(item.Probability), item.Probability)
		}
		if parent := t.Parent(n.ID); parent != nil {
			edges = append(edges, fmt.Sprintf("  %q -> %q;\n", parent.ID, n.ID))
		}
	}
	b.WriteString("\n")
	for _, e := range edges {
		b.WriteString(e)
	}
}

func nodeLabel(n *branch.Node, p float64) string {
	return fmt.Sprintf("%s\n%.4f", truncate(n.Label, 40), p)
}

// RenderJSON produces a flat graph representation with nodes and edges
// arrays, convenient for feeding external graph tooling.
func RenderJSON(t *branch.Tree) map[string]interface{} {
	var nodes []map[string]interface{}
	var edges []map[string]interface{}

	t.Walk(func(n *branch.Node, depth int) bool {
		entry := map[string]interface{}{
			"id":    n.ID,
			"label": n.Label,
			"prior": n.Prior,
			"depth": depth,
		}
		if n.Posterior != nil {
			entry["posterior"] = *n.Posterior
		}
		if len(n.Links) > 0 {
			entry["evidence_count"] = len(n.Links)
		}
		if n.SoftCollapsed {
			entry["soft_collapsed"] = true
		}
		nodes = append(nodes, entry)

		for _, c := range n.Children {
			edges = append(edges, map[string]interface{}{
				"source": n.ID,
				"target": c.ID,
			})
		}
		return true
	})

	return map[string]interface{}{
		"nodes":      nodes,
		"edges":      edges,
		"node_count": len(nodes),
		"edge_count": len(edges),
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
