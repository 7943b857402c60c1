// Package backup archives full scenario state into checksummed snapshot
// files and prunes old snapshots by retention policy.
package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/scenariolab/hindcast/internal/branch"
	"github.com/scenariolab/hindcast/internal/models"
	"github.com/scenariolab/hindcast/internal/scenario"
	"github.com/scenariolab/hindcast/internal/store"
)

// Snapshot is the payload of one backup file: every scenario with its
// full hypothesis tree and pools.
type Snapshot struct {
	Version   int              `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	Scenarios []ScenarioRecord `json:"scenarios"`
}

// ScenarioRecord serializes one scenario. The tree travels as its root
// node; the index is rebuilt on restore.
type ScenarioRecord struct {
	ID                string                      `json:"id"`
	Name              string                      `json:"name"`
	Scale             scenario.Scale              `json:"scale"`
	Parent            string                      `json:"parent,omitempty"`
	SubScenarios      []string                    `json:"sub_scenarios,omitempty"`
	Parameters        map[string]models.Parameter `json:"parameters,omitempty"`
	Entities          map[string]*models.Entity   `json:"entities,omitempty"`
	Evidence          map[string]*models.Evidence `json:"evidence,omitempty"`
	Root              *branch.Node                `json:"root"`
	Config            scenario.SimulationConfig   `json:"config"`
	LastPropagatedTop float64                     `json:"last_propagated_top,omitempty"`
	CollapseDefault   float64                     `json:"collapse_default,omitempty"`
}

// DefaultBackupDir returns the backup directory under a data directory.
func DefaultBackupDir(dataDir string) string {
	return filepath.Join(dataDir, "backups")
}

// DefaultBackupPath returns a timestamped file name under the backup
// directory.
func DefaultBackupPath(dataDir string, now time.Time) string {
	return filepath.Join(DefaultBackupDir(dataDir),
		fmt.Sprintf("hindcast-%s.backup", now.UTC().Format("20060102-150405")))
}

// Create exports every stored scenario into a snapshot file.
func Create(ctx context.Context, st store.Store, path string) (*Snapshot, error) {
	metas, err := st.ListScenarios(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing scenarios: %w", err)
	}

	snap := &Snapshot{
		Version:   FormatVersion,
		CreatedAt: time.Now().UTC(),
		Scenarios: make([]ScenarioRecord, 0, len(metas)),
	}
	for _, m := range metas {
		sc, err := st.LoadScenario(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("loading scenario %s: %w", m.ID, err)
		}
		snap.Scenarios = append(snap.Scenarios, recordFromScenario(sc))
	}

	if err := WriteSnapshot(path, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// RestoreMode controls how restore handles scenarios already in the store.
type RestoreMode string

const (
	// RestoreMerge keeps existing scenarios and overwrites only those
	// present in the snapshot.
	RestoreMerge RestoreMode = "merge"

	// RestoreReplace deletes every existing scenario first.
	RestoreReplace RestoreMode = "replace"
)

// Restore loads a snapshot file back into the store. Returns the number of
// scenarios written.
func Restore(ctx context.Context, st store.Store, path string, mode RestoreMode) (int, error) {
	snap, err := ReadSnapshot(path)
	if err != nil {
		return 0, err
	}

	if mode == RestoreReplace {
		metas, err := st.ListScenarios(ctx)
		if err != nil {
			return 0, fmt.Errorf("listing scenarios: %w", err)
		}
		for _, m := range metas {
			if err := st.DeleteScenario(ctx, m.ID); err != nil {
				return 0, fmt.Errorf("deleting scenario %s: %w", m.ID, err)
			}
		}
	}

	for i, rec := range snap.Scenarios {
		sc, err := rec.toScenario()
		if err != nil {
			return i, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		if err := st.SaveScenario(ctx, sc); err != nil {
			return i, fmt.Errorf("saving scenario %s: %w", rec.ID, err)
		}
	}
	return len(snap.Scenarios), nil
}

func recordFromScenario(sc *scenario.Scenario) ScenarioRecord {
	return ScenarioRecord{
		ID:                sc.ID,
		Name:              sc.Name,
		Scale:             sc.Scale,
		Parent:            sc.Parent,
		SubScenarios:      sc.SubScenarios,
		Parameters:        sc.Parameters,
		Entities:          sc.Entities,
		Evidence:          sc.Evidence,
		Root:              sc.Tree.Root(),
		Config:            sc.Config,
		LastPropagatedTop: sc.LastPropagatedTop,
		CollapseDefault:   sc.Tree.DefaultCollapseThreshold,
	}
}

func (rec ScenarioRecord) toScenario() (*scenario.Scenario, error) {
	if rec.ID == "" || rec.Root == nil {
		return nil, fmt.Errorf("incomplete scenario record")
	}
	tree := branch.New(rec.Root)
	tree.DefaultCollapseThreshold = rec.CollapseDefault

	sc := &scenario.Scenario{
		ID:                rec.ID,
		Name:              rec.Name,
		Scale:             rec.Scale,
		Parent:            rec.Parent,
		SubScenarios:      rec.SubScenarios,
		Parameters:        rec.Parameters,
		Entities:          rec.Entities,
		Evidence:          rec.Evidence,
		Tree:              tree,
		Config:            rec.Config,
		LastPropagatedTop: rec.LastPropagatedTop,
	}
	if sc.Parameters == nil {
		sc.Parameters = make(map[string]models.Parameter)
	}
	if sc.Entities == nil {
		sc.Entities = make(map[string]*models.Entity)
	}
	if sc.Evidence == nil {
		sc.Evidence = make(map[string]*models.Evidence)
	}
	return sc, nil
}
