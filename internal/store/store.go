// Package store provides scenario persistence implementations.
package store

import (
	"context"
	"time"

	"github.com/scenariolab/hindcast/internal/scenario"
)

// ScenarioMeta is the listing row for a stored scenario.
type ScenarioMeta struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Scale     scenario.Scale `json:"scale"`
	Parent    string         `json:"parent,omitempty"`
	Branches  int            `json:"branches"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store persists whole scenarios: tree, evidence pool, entity pool, and
// tunables. Implementations must round-trip probabilities bit-exactly.
type Store interface {
	// SaveScenario writes the scenario, replacing any previous state
	// under the same ID.
	SaveScenario(ctx context.Context, s *scenario.Scenario) error

	// LoadScenario reconstructs a scenario by ID. Returns
	// models.ErrNotFound if absent.
	LoadScenario(ctx context.Context, id string) (*scenario.Scenario, error)

	// ListScenarios returns metadata for every stored scenario, ordered
	// by name.
	ListScenarios(ctx context.Context) ([]ScenarioMeta, error)

	// DeleteScenario removes a scenario and all of its rows. Deleting an
	// absent ID is not an error.
	DeleteScenario(ctx context.Context, id string) error

	// Close releases underlying resources.
	Close() error
}
