package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 1

const schemaV1 = `
-- Scenario roots
CREATE TABLE IF NOT EXISTS scenarios (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    scale TEXT NOT NULL,            -- 'micro', 'macro'
    parent TEXT,                    -- owning macro scenario, if any
    config TEXT,                    -- JSON SimulationConfig
    last_propagated_top TEXT,       -- JSON float64, bit-exact
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Hypothesis branches (one row per node, pre-order recoverable via
-- parent_id + position)
CREATE TABLE IF NOT EXISTS branches (
    id TEXT NOT NULL,
    scenario_id TEXT NOT NULL REFERENCES scenarios(id) ON DELETE CASCADE,
    parent_id TEXT,                 -- NULL for the root
    position INTEGER NOT NULL,      -- child order under parent
    label TEXT NOT NULL,
    description TEXT,
    prior TEXT NOT NULL,            -- JSON float64, bit-exact
    posterior TEXT,                 -- JSON float64 or NULL
    collapse_threshold TEXT,
    soft_collapsed INTEGER DEFAULT 0,
    outcome TEXT,                   -- JSON OutcomeData
    PRIMARY KEY (scenario_id, id)
);
CREATE INDEX IF NOT EXISTS idx_branches_parent ON branches(scenario_id, parent_id, position);

-- Evidence pool
CREATE TABLE IF NOT EXISTS evidence (
    id TEXT NOT NULL,
    scenario_id TEXT NOT NULL REFERENCES scenarios(id) ON DELETE CASCADE,
    body TEXT NOT NULL,             -- JSON models.Evidence
    PRIMARY KEY (scenario_id, id)
);

-- Entity pool
CREATE TABLE IF NOT EXISTS entities (
    id TEXT NOT NULL,
    scenario_id TEXT NOT NULL REFERENCES scenarios(id) ON DELETE CASCADE,
    body TEXT NOT NULL,             -- JSON models.Entity
    PRIMARY KEY (scenario_id, id)
);

-- Evidence-to-branch links, indexed for reverse lookup
CREATE TABLE IF NOT EXISTS evidence_links (
    scenario_id TEXT NOT NULL REFERENCES scenarios(id) ON DELETE CASCADE,
    branch_id TEXT NOT NULL,
    evidence_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    body TEXT NOT NULL,             -- JSON models.EvidenceLink
    PRIMARY KEY (scenario_id, branch_id, evidence_id)
);
CREATE INDEX IF NOT EXISTS idx_links_evidence ON evidence_links(scenario_id, evidence_id);

-- Micro scenario membership
CREATE TABLE IF NOT EXISTS sub_scenarios (
    scenario_id TEXT NOT NULL REFERENCES scenarios(id) ON DELETE CASCADE,
    sub_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (scenario_id, sub_id)
);

-- Scenario-level parameters
CREATE TABLE IF NOT EXISTS parameters (
    scenario_id TEXT NOT NULL REFERENCES scenarios(id) ON DELETE CASCADE,
    key TEXT NOT NULL,
    body TEXT NOT NULL,             -- JSON models.Parameter
    PRIMARY KEY (scenario_id, key)
);

-- Schema version
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// InitSchema creates all tables and applies migrations as needed. Runs
// integrity validation before migrations on existing databases.
func InitSchema(ctx context.Context, db *sql.DB) error {
	currentVersion, err := getSchemaVersion(ctx, db)
	if err != nil {
		// No schema_version table yet, create fresh schema.
		if err := createSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return nil
	}

	if err := ValidateIntegrity(ctx, db); err != nil {
		return fmt.Errorf("database integrity check failed: %w", err)
	}

	if currentVersion < SchemaVersion {
		if err := migrateSchema(ctx, db, currentVersion); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	return nil
}

func getSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
		SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return tx.Commit()
}

// migrateSchema applies migrations from currentVersion to SchemaVersion.
func migrateSchema(ctx context.Context, db *sql.DB, currentVersion int) error {
	// Single version so far. Migrations for v2 go here.
	_ = currentVersion
	return nil
}

// ValidateIntegrity runs PRAGMA integrity_check and foreign_key_check.
func ValidateIntegrity(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("failed to run integrity_check: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			return fmt.Errorf("failed to scan integrity_check result: %w", err)
		}
		if result != "ok" {
			return fmt.Errorf("integrity_check failed: %s", result)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("integrity_check rows: %w", err)
	}

	fkRows, err := db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("failed to run foreign_key_check: %w", err)
	}
	defer fkRows.Close()

	var fkErrors []string
	for fkRows.Next() {
		var table, rowid, parent, fkid string
		if err := fkRows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("failed to scan foreign_key_check result: %w", err)
		}
		fkErrors = append(fkErrors, fmt.Sprintf("table=%s rowid=%s parent=%s fkid=%s", table, rowid, parent, fkid))
	}
	if len(fkErrors) > 0 {
		return fmt.Errorf("foreign_key_check failed: %v", fkErrors)
	}

	return nil
}
