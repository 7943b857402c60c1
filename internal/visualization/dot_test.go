package visualization

import (
	"strings"
	"testing"

	"github.com/scenariolab/hindcast/internal/branch"
)

func buildTree(t *testing.T) *branch.Tree {
	t.Helper()
	root := branch.NewNode("what happened", "", 1.0)
	tree := branch.New(root)

	likely := branch.NewNode("forced entry", "", 0.9)
	if _, err := tree.Insert(root.ID, likely, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	longshot := branch.NewNode("inside job", "", 0.02)
	if _, err := tree.Insert(root.ID, longshot, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	detail := branch.NewNode("keys copied", "", 0.5)
	if _, err := tree.Insert(longshot.ID, detail, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return tree
}

func TestRenderDOTFull(t *testing.T) {
	tree := buildTree(t)
	out := RenderDOT(tree, "break-in", false)

	if !strings.HasPrefix(out, "digraph hindcast {") {
		t.Errorf("missing digraph preamble:\n%s", out)
	}
	if !strings.Contains(out, `label="break-in"`) {
		t.Error("title not rendered")
	}
	for _, label := range []string{"forced entry", "inside job", "keys copied"} {
		if !strings.Contains(out, label) {
			t.Errorf("node %q missing from full render", label)
		}
	}
	// One edge per parent-child pair.
	if got := strings.Count(out, "->"); got != 3 {
		t.Errorf("edge count = %d, want 3", got)
	}
	if !strings.Contains(out, "mediumseagreen") {
		t.Error("high-probability branch not shaded")
	}
}

func TestRenderDOTCollapsed(t *testing.T) {
	tree := buildTree(t)
	tree.DefaultCollapseThreshold = 0.05
	out := RenderDOT(tree, "", true)

	if !strings.Contains(out, "(2 hidden)") {
		t.Errorf("collapsed subtree not aggregated:\n%s", out)
	}
	if strings.Contains(out, "keys copied") {
		t.Error("hidden branch leaked into collapsed render")
	}
	if !strings.Contains(out, "forced entry") {
		t.Error("expanded branch missing from collapsed render")
	}
	// Root -> likely, root -> aggregate.
	if got := strings.Count(out, "->"); got != 2 {
		t.Errorf("edge count = %d, want 2", got)
	}
}

func TestRenderJSON(t *testing.T) {
	tree := buildTree(t)
	p := 0.95
	root := tree.Root()
	if err := tree.SetPosterior(root.Children[0].ID, p); err != nil {
		t.Fatalf("SetPosterior: %v", err)
	}

	out := RenderJSON(tree)
	if out["node_count"] != 4 {
		t.Errorf("node_count = %v, want 4", out["node_count"])
	}
	if out["edge_count"] != 3 {
		t.Errorf("edge_count = %v, want 3", out["edge_count"])
	}

	nodes := out["nodes"].([]map[string]interface{})
	var found bool
	for _, n := range nodes {
		if n["label"] == "forced entry" {
			found = true
			if n["posterior"] != p {
				t.Errorf("posterior = %v, want %v", n["posterior"], p)
			}
			if n["depth"] != 1 {
				t.Errorf("depth = %v, want 1", n["depth"])
			}
		}
	}
	if !found {
		t.Fatal("forced entry node missing from JSON render")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 40); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	long := strings.Repeat("x", 50)
	got := truncate(long, 40)
	if len(got) != 40 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate long = %q (len %d)", got, len(got))
	}
}
