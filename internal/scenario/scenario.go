// Package scenario groups a hypothesis tree with its entity and evidence
// pools, and implements the micro/macro hierarchy: micro scenarios analyze
// single incidents, macro scenarios aggregate their findings through
// one-directional synthetic-evidence feeds.
package scenario

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/scenariolab/hindcast/internal/bayes"
	"github.com/scenariolab/hindcast/internal/branch"
	"github.com/scenariolab/hindcast/internal/models"
)

// Scale distinguishes single-incident analysis from trend-level
// aggregation.
type Scale string

const (
	Micro Scale = "micro"
	Macro Scale = "macro"
)

// SimulationConfig carries per-scenario tunables.
type SimulationConfig struct {
	// Iterations for Monte Carlo runs. Zero selects the engine default.
	Iterations int `json:"iterations,omitempty"`

	// Seed for reproducible simulation. Zero means seed from entropy.
	Seed int64 `json:"seed,omitempty"`

	// Aggregator controls parent-probability aggregation; hypotheses are
	// not always mutually exclusive, so this is per scenario.
	Aggregator bayes.Aggregator `json:"aggregator,omitempty"`

	// PropagationDelta is the minimum top-posterior movement before a
	// micro scenario re-propagates to its parent. Default 0.1.
	PropagationDelta float64 `json:"propagation_delta,omitempty"`

	// CollapseThreshold is the default soft-collapse threshold for the
	// scenario's tree.
	CollapseThreshold float64 `json:"collapse_threshold,omitempty"`

	// AutoAttach enables embedding-similarity attachment of newly staged
	// evidence.
	AutoAttach bool `json:"auto_attach,omitempty"`

	// SimilarityFloor for automatic attachment. Zero selects the default.
	SimilarityFloor float64 `json:"similarity_floor,omitempty"`

	// MicroMappings routes a micro scenario's synthetic evidence to a
	// specific macro branch ID. Only meaningful on macro scenarios.
	MicroMappings map[string]string `json:"micro_mappings,omitempty"`
}

// Scenario owns its entire subtree: parameters, entity pool, evidence
// pool, and the root branch. Scenarios are created and deleted only by
// explicit action, never garbage-collected for having low probability.
type Scenario struct {
	ID         string
	Name       string
	Scale      Scale
	Parameters map[string]models.Parameter
	Entities   map[string]*models.Entity
	Evidence   map[string]*models.Evidence
	Tree       *branch.Tree

	// SubScenarios lists micro scenario IDs feeding this macro scenario.
	SubScenarios []string

	// Parent is the owning macro scenario's ID, if any.
	Parent string

	Config SimulationConfig

	// LastPropagatedTop is the top posterior at the time of the last
	// propagation to the parent, used to suppress thrashing.
	LastPropagatedTop float64
}

// New creates a Scenario with an empty root branch.
func New(name string, scale Scale) *Scenario {
	root := branch.NewNode(name, "", 1.0)
	return &Scenario{
		ID:         uuid.New().String(),
		Name:       name,
		Scale:      scale,
		Parameters: make(map[string]models.Parameter),
		Entities:   make(map[string]*models.Entity),
		Evidence:   make(map[string]*models.Evidence),
		Tree:       branch.New(root),
	}
}

// AddEntity places an entity into the pool.
func (s *Scenario) AddEntity(e *models.Entity) {
	s.Entities[e.ID] = e
}

// AddEvidence places evidence into the pool. It exists there independently
// of any branch until linked.
func (s *Scenario) AddEvidence(ev *models.Evidence) {
	s.Evidence[ev.ID] = ev
}

// SetParameter records a scenario-level parameter, superseding any prior
// value under the same key.
func (s *Scenario) SetParameter(p models.Parameter) {
	if prev, ok := s.Parameters[p.Key]; ok && p.Supersedes == "" {
		p.Supersedes = prev.ID
	}
	s.Parameters[p.Key] = p
}

// AttachEvidence validates that the evidence exists in the pool, then
// delegates to the tree. Idempotent like the tree operation.
func (s *Scenario) AttachEvidence(branchID, evidenceID string, link models.EvidenceLink) error {
	if _, ok := s.Evidence[evidenceID]; !ok {
		return fmt.Errorf("evidence %s: %w", evidenceID, models.ErrNotFound)
	}
	link.EvidenceID = evidenceID
	return s.Tree.AttachEvidence(branchID, link)
}

// AddSubScenario registers a micro scenario under this macro scenario.
func (s *Scenario) AddSubScenario(id string) {
	if !slices.Contains(s.SubScenarios, id) {
		s.SubScenarios = append(s.SubScenarios, id)
	}
}

// TopLeaf returns the leaf with the highest probability, preferring
// posteriors where computed. Ties break lexicographically by label.
func (s *Scenario) TopLeaf() (*branch.Node, float64) {
	var best *branch.Node
	var bestP float64
	s.Tree.Walk(func(n *branch.Node, depth int) bool {
		if len(n.Children) > 0 || depth == 0 {
			return true
		}
		p := n.Probability()
		if best == nil || p > bestP || (p == bestP && n.Label < best.Label) {
			best, bestP = n, p
		}
		return true
	})
	return best, bestP
}

// Fork deep-copies the scenario under a new ID and name. The copy shares
// nothing with the original; evidence and entity IDs are retained so
// cross-references stay valid.
func (s *Scenario) Fork(name string) *Scenario {
	f := &Scenario{
		ID:                uuid.New().String(),
		Name:              name,
		Scale:             s.Scale,
		Parameters:        make(map[string]models.Parameter, len(s.Parameters)),
		Entities:          make(map[string]*models.Entity, len(s.Entities)),
		Evidence:          make(map[string]*models.Evidence, len(s.Evidence)),
		Tree:              s.Tree.Snapshot(),
		SubScenarios:      append([]string(nil), s.SubScenarios...),
		Parent:            s.Parent,
		Config:            s.Config,
		LastPropagatedTop: s.LastPropagatedTop,
	}
	for k, v := range s.Parameters {
		f.Parameters[k] = v
	}
	for k, v := range s.Entities {
		e := *v
		e.LinkedEvidence = append([]string(nil), v.LinkedEvidence...)
		e.Attributes = make(map[string]models.Parameter, len(v.Attributes))
		for ak, av := range v.Attributes {
			e.Attributes[ak] = av
		}
		f.Entities[k] = &e
	}
	for k, v := range s.Evidence {
		ev := *v
		ev.Data = make(map[string]models.Parameter, len(v.Data))
		for dk, dv := range v.Data {
			ev.Data[dk] = dv
		}
		f.Evidence[k] = &ev
	}
	if mm := s.Config.MicroMappings; mm != nil {
		f.Config.MicroMappings = make(map[string]string, len(mm))
		for k, v := range mm {
			f.Config.MicroMappings[k] = v
		}
	}
	return f
}
