package mcp

// ScenariosInput defines the input for hindcast_scenarios.
type ScenariosInput struct{}

// ScenariosOutput defines the output for hindcast_scenarios.
type ScenariosOutput struct {
	Scenarios []ScenarioSummary `json:"scenarios" jsonschema:"All registered scenarios"`
	Count     int               `json:"count" jsonschema:"Number of scenarios"`
}

// ScenarioSummary provides a list view of a scenario.
type ScenarioSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Scale    string `json:"scale"`
	Parent   string `json:"parent,omitempty"`
	Branches int    `json:"branches"`
	Evidence int    `json:"evidence"`
	Entities int    `json:"entities"`
}

// CreateScenarioInput defines the input for hindcast_create_scenario.
type CreateScenarioInput struct {
	Name   string `json:"name" jsonschema:"Human-readable scenario name"`
	Scale  string `json:"scale,omitempty" jsonschema:"Scenario scale: 'micro' (single incident, default) or 'macro' (trend aggregation)"`
	Parent string `json:"parent,omitempty" jsonschema:"ID of the owning macro scenario (micro scenarios only)"`
}

// CreateScenarioOutput defines the output for hindcast_create_scenario.
type CreateScenarioOutput struct {
	ScenarioID string `json:"scenario_id" jsonschema:"ID of the created scenario"`
	RootBranch string `json:"root_branch" jsonschema:"ID of the scenario's root branch"`
	Message    string `json:"message" jsonschema:"Human-readable result message"`
}

// CreateBranchInput defines the input for hindcast_create_branch.
type CreateBranchInput struct {
	ScenarioID  string  `json:"scenario_id" jsonschema:"Scenario to add the hypothesis to"`
	Parent      string  `json:"parent,omitempty" jsonschema:"Parent branch ID (defaults to the root branch)"`
	Label       string  `json:"label" jsonschema:"Short hypothesis label"`
	Description string  `json:"description,omitempty" jsonschema:"Longer hypothesis description, used for similarity matching"`
	Prior       float64 `json:"prior" jsonschema:"Prior probability in [0,1]. Sibling priors may sum to at most 1"`
	Renormalize bool    `json:"renormalize,omitempty" jsonschema:"Rescale sibling priors proportionally if the new prior would overflow (default: false)"`
}

// CreateBranchOutput defines the output for hindcast_create_branch.
type CreateBranchOutput struct {
	BranchID string `json:"branch_id" jsonschema:"ID of the created branch"`
	Message  string `json:"message" jsonschema:"Human-readable result message"`
}

// AddEvidenceInput defines the input for hindcast_add_evidence.
type AddEvidenceInput struct {
	ScenarioID  string  `json:"scenario_id" jsonschema:"Scenario whose pool receives the evidence"`
	Label       string  `json:"label" jsonschema:"Short evidence label"`
	Type        string  `json:"type,omitempty" jsonschema:"Evidence type: physical, digital, testimonial, circumstantial, geospatial, or custom (default: custom)"`
	SourceID    string  `json:"source_id,omitempty" jsonschema:"Identifier of the originating data source"`
	Reliability float64 `json:"reliability,omitempty" jsonschema:"Source reliability in [0,1] (default: 0.5)"`
}

// AddEvidenceOutput defines the output for hindcast_add_evidence.
type AddEvidenceOutput struct {
	EvidenceID string `json:"evidence_id" jsonschema:"ID of the staged evidence"`
	Message    string `json:"message" jsonschema:"Human-readable result message"`
}

// AttachEvidenceInput defines the input for hindcast_attach_evidence.
type AttachEvidenceInput struct {
	ScenarioID      string  `json:"scenario_id" jsonschema:"Scenario owning both branch and evidence"`
	BranchID        string  `json:"branch_id" jsonschema:"Branch the evidence bears on"`
	EvidenceID      string  `json:"evidence_id" jsonschema:"Pooled evidence to attach"`
	LikelihoodRatio float64 `json:"likelihood_ratio" jsonschema:"P(evidence | hypothesis) / P(evidence | not hypothesis). Must be positive and finite"`
	Relevance       float64 `json:"relevance,omitempty" jsonschema:"Relevance in [0,1] (default: 1.0)"`
}

// AttachEvidenceOutput defines the output for hindcast_attach_evidence.
type AttachEvidenceOutput struct {
	Message string `json:"message" jsonschema:"Human-readable result message"`
}

// SimulateInput defines the input for hindcast_simulate.
type SimulateInput struct {
	ScenarioID string `json:"scenario_id" jsonschema:"Scenario to simulate"`
	BranchID   string `json:"branch_id,omitempty" jsonschema:"Subtree root to sample (defaults to the scenario root)"`
	Iterations int    `json:"iterations,omitempty" jsonschema:"Number of Monte Carlo samples (default: scenario or engine setting)"`
	Seed       int64  `json:"seed,omitempty" jsonschema:"Seed for reproducible runs (0 seeds from entropy)"`
}

// SimulateOutput defines the output for hindcast_simulate.
type SimulateOutput struct {
	JobID        string             `json:"job_id" jsonschema:"Simulation job ID"`
	TopOutcome   string             `json:"top_outcome" jsonschema:"Most frequent sampled outcome"`
	Distribution map[string]float64 `json:"distribution" jsonschema:"Outcome label to sampled frequency"`
	SampleCount  int                `json:"sample_count" jsonschema:"Number of samples drawn"`
	Confidence   float64            `json:"confidence" jsonschema:"Confidence derived from sample count"`
}

// ViewInput defines the input for hindcast_view.
type ViewInput struct {
	ScenarioID string `json:"scenario_id" jsonschema:"Scenario to render"`
}

// ViewOutput defines the output for hindcast_view.
type ViewOutput struct {
	Items []ViewBranch `json:"items" jsonschema:"Soft-collapsed tree, depth-first"`
	Count int          `json:"count" jsonschema:"Number of visible items"`
}

// ViewBranch is one line of the collapsed presentation.
type ViewBranch struct {
	BranchID    string  `json:"branch_id"`
	Label       string  `json:"label"`
	Depth       int     `json:"depth"`
	Probability float64 `json:"probability"`
	Aggregate   bool    `json:"aggregate,omitempty"`
	HiddenCount int     `json:"hidden_count,omitempty"`
}

// SetThresholdInput defines the input for hindcast_set_threshold.
type SetThresholdInput struct {
	ScenarioID string  `json:"scenario_id" jsonschema:"Scenario owning the branch"`
	BranchID   string  `json:"branch_id" jsonschema:"Branch whose subtree gets the threshold"`
	Threshold  float64 `json:"threshold" jsonschema:"Probability below which descendants soft-collapse"`
}

// SetThresholdOutput defines the output for hindcast_set_threshold.
type SetThresholdOutput struct {
	Message string `json:"message" jsonschema:"Human-readable result message"`
}

// IngestInput defines the input for hindcast_ingest.
type IngestInput struct {
	ScenarioID  string  `json:"scenario_id" jsonschema:"Scenario receiving the ingested evidence"`
	Path        string  `json:"path" jsonschema:"CSV or JSONL file to ingest"`
	GroupField  string  `json:"group_field,omitempty" jsonschema:"Field whose shared values cluster records into one evidence item"`
	EntityField string  `json:"entity_field,omitempty" jsonschema:"Field that spawns candidate entities"`
	Reliability float64 `json:"reliability,omitempty" jsonschema:"Source reliability in [0,1] (default: 0.5)"`
}

// IngestOutput defines the output for hindcast_ingest.
type IngestOutput struct {
	Processed int      `json:"processed" jsonschema:"Records successfully normalized"`
	Skipped   int      `json:"skipped" jsonschema:"Records skipped as malformed"`
	Bundles   int      `json:"bundles" jsonschema:"Evidence bundles staged"`
	Errors    []string `json:"errors,omitempty" jsonschema:"Per-record error messages"`
	Message   string   `json:"message" jsonschema:"Human-readable summary"`
}

// RecentEventsInput defines the input for hindcast_recent_events.
type RecentEventsInput struct {
	AfterSeq   int64  `json:"after_seq,omitempty" jsonschema:"Return only events with a sequence number greater than this (default: 0, everything buffered)"`
	ScenarioID string `json:"scenario_id,omitempty" jsonschema:"Restrict to events from one scenario"`
	Limit      int    `json:"limit,omitempty" jsonschema:"Maximum events to return (default: unbounded)"`
}

// RecentEventsOutput defines the output for hindcast_recent_events.
type RecentEventsOutput struct {
	Events  []LoggedEvent `json:"events" jsonschema:"Buffered events after after_seq, oldest first"`
	LastSeq int64         `json:"last_seq" jsonschema:"Newest sequence number assigned; pass as after_seq on the next poll"`
	Count   int           `json:"count" jsonschema:"Number of events returned"`
}
