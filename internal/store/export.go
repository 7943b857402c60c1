package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/scenariolab/hindcast/internal/branch"
	"github.com/scenariolab/hindcast/internal/models"
)

// treeLine is one exported branch. Children are reconstructed from
// parent_id, so the file stays flat and streams at any tree size. Parents
// always precede their children (pre-order).
type treeLine struct {
	ID                string                `json:"id"`
	ParentID          string                `json:"parent_id,omitempty"`
	Label             string                `json:"label"`
	Description       string                `json:"description,omitempty"`
	Prior             float64               `json:"prior_probability"`
	Posterior         *float64              `json:"posterior_probability,omitempty"`
	Links             []models.EvidenceLink `json:"evidence_links,omitempty"`
	Outcome           *models.OutcomeData   `json:"outcome,omitempty"`
	SoftCollapsed     bool                  `json:"soft_collapsed,omitempty"`
	CollapseThreshold float64               `json:"collapse_threshold,omitempty"`
}

// ExportTreeJSONL writes one JSON line per branch in pre-order. Encoding
// floats through encoding/json uses the shortest decimal form, so priors
// and posteriors survive the round trip bit-exactly.
func ExportTreeJSONL(w io.Writer, t *branch.Tree) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	var walk func(n *branch.Node, parentID string) error
	walk = func(n *branch.Node, parentID string) error {
		line := treeLine{
			ID:                n.ID,
			ParentID:          parentID,
			Label:             n.Label,
			Description:       n.Description,
			Prior:             n.Prior,
			Posterior:         n.Posterior,
			Links:             n.Links,
			Outcome:           n.Outcome,
			SoftCollapsed:     n.SoftCollapsed,
			CollapseThreshold: n.CollapseThreshold,
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("failed to encode branch %s: %w", n.ID, err)
		}
		for _, c := range n.Children {
			if err := walk(c, n.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.Root(), ""); err != nil {
		return err
	}
	return bw.Flush()
}

// ImportTreeJSONL rebuilds a tree from an ExportTreeJSONL stream. Lines
// referencing an unseen parent are an error; the exporter guarantees
// pre-order.
func ImportTreeJSONL(r io.Reader) (*branch.Tree, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	nodes := make(map[string]*branch.Node)
	var root *branch.Node

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line treeLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("failed to parse line %d: %w", lineNum, err)
		}
		if _, ok := nodes[line.ID]; ok {
			return nil, fmt.Errorf("duplicate branch %s at line %d", line.ID, lineNum)
		}

		n := &branch.Node{
			ID:                line.ID,
			Label:             line.Label,
			Description:       line.Description,
			Prior:             line.Prior,
			Posterior:         line.Posterior,
			Links:             line.Links,
			Outcome:           line.Outcome,
			SoftCollapsed:     line.SoftCollapsed,
			CollapseThreshold: line.CollapseThreshold,
		}
		nodes[line.ID] = n

		if line.ParentID == "" {
			if root != nil {
				return nil, fmt.Errorf("second root %s at line %d", line.ID, lineNum)
			}
			root = n
			continue
		}
		parent, ok := nodes[line.ParentID]
		if !ok {
			return nil, fmt.Errorf("branch %s at line %d references unseen parent %s",
				line.ID, lineNum, line.ParentID)
		}
		parent.Children = append(parent.Children, n)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	if root == nil {
		return nil, fmt.Errorf("stream contained no root branch")
	}

	return branch.New(root), nil
}

// ExportTreeFile writes a tree to path, replacing any existing file.
func ExportTreeFile(path string, t *branch.Tree) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := ExportTreeJSONL(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ImportTreeFile reads a tree exported with ExportTreeFile.
func ImportTreeFile(path string) (*branch.Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}
	defer f.Close()
	return ImportTreeJSONL(f)
}
