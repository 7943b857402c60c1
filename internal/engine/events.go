package engine

import "github.com/scenariolab/hindcast/internal/models"

// EventKind tags change notifications emitted to subscribers.
type EventKind string

const (
	EventScenarioCreated     EventKind = "scenario_created"
	EventBranchUpdated       EventKind = "branch_updated"
	EventEvidenceAttached    EventKind = "evidence_attached"
	EventSimulationComplete  EventKind = "simulation_complete"
	EventIngestionProcessed  EventKind = "ingestion_record_processed"
	EventSimulationCancelled EventKind = "simulation_cancelled"
)

// Event is one change notification. Only the fields relevant to Kind are
// populated.
type Event struct {
	Kind       EventKind `json:"kind"`
	ScenarioID string    `json:"scenario_id"`
	BranchID   string    `json:"branch_id,omitempty"`

	// NewPosterior accompanies BranchUpdated.
	NewPosterior float64 `json:"new_posterior,omitempty"`

	// EvidenceID accompanies EvidenceAttached.
	EvidenceID string `json:"evidence_id,omitempty"`

	// Outcome accompanies SimulationComplete.
	Outcome *models.OutcomeData `json:"outcome,omitempty"`

	// JobID accompanies SimulationComplete and SimulationCancelled.
	JobID string `json:"job_id,omitempty"`

	// RecordID, CreatedEntities, and CreatedEvidence accompany
	// IngestionRecordProcessed.
	RecordID        string   `json:"record_id,omitempty"`
	CreatedEntities []string `json:"created_entities,omitempty"`
	CreatedEvidence []string `json:"created_evidence,omitempty"`
}

// BranchOrigin records which authoring tier produced a branch. The engine
// treats all tiers identically; the origin is kept for audit only.
type BranchOrigin string

const (
	OriginManual   BranchOrigin = "manual"
	OriginTemplate BranchOrigin = "template"
	OriginScript   BranchOrigin = "script"
	OriginCompiled BranchOrigin = "compiled"
)
