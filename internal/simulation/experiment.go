package simulation

import (
	"github.com/scenariolab/hindcast/internal/models"
	"github.com/scenariolab/hindcast/internal/scenario"
)

// BranchSpec declares one hypothesis in the experiment tree. Key is an
// experiment-local handle used by steps and assertions; Parent names
// another spec's Key, or "" for the root.
type BranchSpec struct {
	Key    string
	Parent string
	Label  string
	Prior  float64
}

// EvidenceSpec declares one piece of staged evidence.
type EvidenceSpec struct {
	Key         string
	Label       string
	Type        models.EvidenceType
	Reliability float64 // 0 defaults to 1.0 so ratios apply at face value
}

// Step is one experiment action. Exactly one of Attach or Simulate is
// used per step.
type Step struct {
	// Attach names an EvidenceSpec key; the evidence is attached to the
	// branch named by To with the given likelihood ratio.
	Attach    string
	To        string
	Ratio     float64
	Relevance float64 // 0 defaults to 1.0

	// Simulate runs a Monte Carlo pass over the subtree rooted at Branch
	// ("" for the whole tree).
	Simulate   bool
	Branch     string
	Iterations int
	Seed       int64
}

// Experiment defines a complete engine experiment.
type Experiment struct {
	Name     string
	Scale    scenario.Scale // zero value defaults to Micro
	Branches []BranchSpec
	Evidence []EvidenceSpec
	Steps    []Step

	// Config, when non-nil, overrides the scenario's simulation config
	// before any step runs (aggregator, collapse threshold, and so on).
	Config *scenario.SimulationConfig
}

// StepResult captures tree state after one step completed and its
// recompute settled.
type StepResult struct {
	// Posteriors maps branch keys to their probability (posterior when
	// computed, prior otherwise) after the step.
	Posteriors map[string]float64

	// Outcome is set for simulate steps.
	Outcome *models.OutcomeData
}

// ExperimentResult is the collected output of a run.
type ExperimentResult struct {
	ScenarioID string

	// Branches and Evidence map spec keys to engine-assigned IDs.
	Branches map[string]string
	Evidence map[string]string

	Steps []StepResult

	// Restored is the scenario as reloaded from the store after all steps,
	// verifying the persistence round trip.
	Restored *scenario.Scenario
}

// Posterior returns the probability of a branch key after step i.
func (r ExperimentResult) Posterior(step int, key string) float64 {
	return r.Steps[step].Posteriors[key]
}

// Final returns the probability of a branch key after the last step.
func (r ExperimentResult) Final(key string) float64 {
	return r.Posterior(len(r.Steps)-1, key)
}
