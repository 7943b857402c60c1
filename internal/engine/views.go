package engine

import (
	"fmt"

	"github.com/scenariolab/hindcast/internal/branch"
	"github.com/scenariolab/hindcast/internal/models"
	"github.com/scenariolab/hindcast/internal/scenario"
)

// ScenarioInfo is a read-only summary of one scenario.
type ScenarioInfo struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Scale    scenario.Scale `json:"scale"`
	Parent   string         `json:"parent,omitempty"`
	Branches int            `json:"branches"`
	Evidence int            `json:"evidence"`
	Entities int            `json:"entities"`
}

// ListScenarios summarizes all registered scenarios.
func (e *Engine) ListScenarios() []ScenarioInfo {
	var infos []ScenarioInfo
	e.do(func(e *Engine) {
		for _, s := range e.scenarios {
			infos = append(infos, ScenarioInfo{
				ID:       s.ID,
				Name:     s.Name,
				Scale:    s.Scale,
				Parent:   s.Parent,
				Branches: s.Tree.Len(),
				Evidence: len(s.Evidence),
				Entities: len(s.Entities),
			})
		}
	})
	return infos
}

// CollapsedView materializes the soft-collapsed presentation of a
// scenario's tree: branches whose subtree probability sits below the
// applicable threshold appear as single aggregate items. Nothing in the
// underlying tree changes.
func (e *Engine) CollapsedView(scenarioID string) ([]branch.ViewItem, error) {
	var items []branch.ViewItem
	var cerr error
	err := e.do(func(e *Engine) {
		s, ok := e.scenarios[scenarioID]
		if !ok {
			cerr = fmt.Errorf("scenario %s: %w", scenarioID, models.ErrNotFound)
			return
		}
		for item := range s.Tree.CollapsedView() {
			items = append(items, item)
		}
	})
	if err != nil {
		return nil, err
	}
	return items, cerr
}

// SetCollapseThreshold adjusts the soft-collapse threshold on one branch.
// Descendants without their own threshold inherit it.
func (e *Engine) SetCollapseThreshold(scenarioID, branchID string, threshold float64) error {
	var cerr error
	err := e.do(func(e *Engine) {
		s, ok := e.scenarios[scenarioID]
		if !ok {
			cerr = fmt.Errorf("scenario %s: %w", scenarioID, models.ErrNotFound)
			return
		}
		cerr = s.Tree.SetCollapseThreshold(branchID, threshold)
		if cerr == nil {
			s.Tree.RecomputeCollapse()
		}
	})
	if err != nil {
		return err
	}
	return cerr
}

// Snapshot returns an independent deep copy of a scenario's tree, suitable
// for export or inspection without holding up the owner.
func (e *Engine) Snapshot(scenarioID string) (*branch.Tree, error) {
	var snap *branch.Tree
	var cerr error
	err := e.do(func(e *Engine) {
		s, ok := e.scenarios[scenarioID]
		if !ok {
			cerr = fmt.Errorf("scenario %s: %w", scenarioID, models.ErrNotFound)
			return
		}
		snap = s.Tree.Snapshot()
	})
	if err != nil {
		return nil, err
	}
	return snap, cerr
}

// TopHypothesis reports the highest-probability leaf of a scenario.
func (e *Engine) TopHypothesis(scenarioID string) (label string, prob float64, err error) {
	var cerr error
	err = e.do(func(e *Engine) {
		s, ok := e.scenarios[scenarioID]
		if !ok {
			cerr = fmt.Errorf("scenario %s: %w", scenarioID, models.ErrNotFound)
			return
		}
		leaf, p := s.TopLeaf()
		if leaf != nil {
			label = leaf.Label
			prob = p
		}
	})
	if err != nil {
		return "", 0, err
	}
	return label, prob, cerr
}

// UpdateScenarioConfig replaces a scenario's tunables.
func (e *Engine) UpdateScenarioConfig(scenarioID string, cfg scenario.SimulationConfig) error {
	var cerr error
	err := e.do(func(e *Engine) {
		s, ok := e.scenarios[scenarioID]
		if !ok {
			cerr = fmt.Errorf("scenario %s: %w", scenarioID, models.ErrNotFound)
			return
		}
		s.Config = cfg
		if cfg.CollapseThreshold > 0 {
			s.Tree.DefaultCollapseThreshold = cfg.CollapseThreshold
			s.Tree.RecomputeCollapse()
		}
	})
	if err != nil {
		return err
	}
	return cerr
}

// WithScenario runs fn on the owner goroutine with direct access to a
// scenario. The persistence layer uses this to read or restore state
// without copying the whole tree.
func (e *Engine) WithScenario(scenarioID string, fn func(*scenario.Scenario) error) error {
	var cerr error
	err := e.do(func(e *Engine) {
		s, ok := e.scenarios[scenarioID]
		if !ok {
			cerr = fmt.Errorf("scenario %s: %w", scenarioID, models.ErrNotFound)
			return
		}
		cerr = fn(s)
	})
	if err != nil {
		return err
	}
	return cerr
}

// RestoreScenario registers a scenario loaded from persistence.
func (e *Engine) RestoreScenario(s *scenario.Scenario) error {
	var cerr error
	err := e.do(func(e *Engine) {
		if _, ok := e.scenarios[s.ID]; ok {
			cerr = fmt.Errorf("scenario %s already registered", s.ID)
			return
		}
		e.scenarios[s.ID] = s
	})
	if err != nil {
		return err
	}
	return cerr
}
