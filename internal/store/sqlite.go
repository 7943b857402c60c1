package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scenariolab/hindcast/internal/branch"
	"github.com/scenariolab/hindcast/internal/models"
	"github.com/scenariolab/hindcast/internal/scenario"
)

// SQLiteStore implements Store using SQLite for persistence. Probabilities
// are stored as their shortest decimal JSON representation, which decodes
// back to the identical float64 bit pattern.
type SQLiteStore struct {
	mu      sync.RWMutex
	db      *sql.DB
	dataDir string
	dbPath  string
}

// NewSQLiteStore creates a store rooted at dataDir, creating the directory
// and database as needed.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "hindcast.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, dataDir: dataDir, dbPath: dbPath}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// floatText encodes a float64 as shortest-round-trip decimal text.
func floatText(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func parseFloatText(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// SaveScenario writes the scenario in one transaction, replacing prior
// rows for the same ID.
func (s *SQLiteStore) SaveScenario(ctx context.Context, sc *scenario.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Preserve creation time across re-saves.
	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	var prevCreated sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM scenarios WHERE id = ?`, sc.ID).Scan(&prevCreated)
	if err == nil && prevCreated.Valid {
		createdAt = prevCreated.String
	} else if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read scenario row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM scenarios WHERE id = ?`, sc.ID); err != nil {
		return fmt.Errorf("failed to clear scenario: %w", err)
	}

	cfgJSON, err := json.Marshal(sc.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scenarios (id, name, scale, parent, config, last_propagated_top, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, string(sc.Scale), nullString(sc.Parent), string(cfgJSON),
		floatText(sc.LastPropagatedTop), createdAt, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to insert scenario: %w", err)
	}

	if err := saveBranches(ctx, tx, sc.ID, sc.Tree.Root(), "", 0); err != nil {
		return err
	}

	for _, ev := range sc.Evidence {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode evidence %s: %w", ev.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO evidence (id, scenario_id, body) VALUES (?, ?, ?)`,
			ev.ID, sc.ID, string(body)); err != nil {
			return fmt.Errorf("failed to insert evidence %s: %w", ev.ID, err)
		}
	}

	for _, ent := range sc.Entities {
		body, err := json.Marshal(ent)
		if err != nil {
			return fmt.Errorf("failed to encode entity %s: %w", ent.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (id, scenario_id, body) VALUES (?, ?, ?)`,
			ent.ID, sc.ID, string(body)); err != nil {
			return fmt.Errorf("failed to insert entity %s: %w", ent.ID, err)
		}
	}

	for key, p := range sc.Parameters {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode parameter %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO parameters (scenario_id, key, body) VALUES (?, ?, ?)`,
			sc.ID, key, string(body)); err != nil {
			return fmt.Errorf("failed to insert parameter %s: %w", key, err)
		}
	}

	for i, sub := range sc.SubScenarios {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sub_scenarios (scenario_id, sub_id, position) VALUES (?, ?, ?)`,
			sc.ID, sub, i); err != nil {
			return fmt.Errorf("failed to insert sub-scenario %s: %w", sub, err)
		}
	}

	return tx.Commit()
}

func saveBranches(ctx context.Context, tx *sql.Tx, scenarioID string, n *branch.Node, parentID string, position int) error {
	var posterior, threshold sql.NullString
	if n.Posterior != nil {
		posterior = sql.NullString{String: floatText(*n.Posterior), Valid: true}
	}
	if n.CollapseThreshold > 0 {
		threshold = sql.NullString{String: floatText(n.CollapseThreshold), Valid: true}
	}
	var outcome sql.NullString
	if n.Outcome != nil {
		body, err := json.Marshal(n.Outcome)
		if err != nil {
			return fmt.Errorf("failed to encode outcome for %s: %w", n.ID, err)
		}
		outcome = sql.NullString{String: string(body), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO branches (id, scenario_id, parent_id, position, label, description,
		                      prior, posterior, collapse_threshold, soft_collapsed, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, scenarioID, nullString(parentID), position, n.Label, n.Description,
		floatText(n.Prior), posterior, threshold, boolInt(n.SoftCollapsed), outcome,
	); err != nil {
		return fmt.Errorf("failed to insert branch %s: %w", n.ID, err)
	}

	for i, link := range n.Links {
		body, err := json.Marshal(link)
		if err != nil {
			return fmt.Errorf("failed to encode link on %s: %w", n.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evidence_links (scenario_id, branch_id, evidence_id, position, body)
			VALUES (?, ?, ?, ?, ?)`,
			scenarioID, n.ID, link.EvidenceID, i, string(body)); err != nil {
			return fmt.Errorf("failed to insert link on %s: %w", n.ID, err)
		}
	}

	for i, c := range n.Children {
		if err := saveBranches(ctx, tx, scenarioID, c, n.ID, i); err != nil {
			return err
		}
	}
	return nil
}

// LoadScenario reconstructs a scenario from its rows.
func (s *SQLiteStore) LoadScenario(ctx context.Context, id string) (*scenario.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc := &scenario.Scenario{
		ID:         id,
		Parameters: make(map[string]models.Parameter),
		Entities:   make(map[string]*models.Entity),
		Evidence:   make(map[string]*models.Evidence),
	}

	var scale, cfgJSON, topText string
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT name, scale, parent, config, last_propagated_top
		FROM scenarios WHERE id = ?`, id,
	).Scan(&sc.Name, &scale, &parent, &cfgJSON, &topText)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scenario %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scenario: %w", err)
	}
	sc.Scale = scenario.Scale(scale)
	sc.Parent = parent.String
	if err := json.Unmarshal([]byte(cfgJSON), &sc.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if sc.LastPropagatedTop, err = parseFloatText(topText); err != nil {
		return nil, fmt.Errorf("failed to decode propagated top: %w", err)
	}

	tree, err := s.loadTree(ctx, id)
	if err != nil {
		return nil, err
	}
	sc.Tree = tree
	if sc.Config.CollapseThreshold > 0 {
		tree.DefaultCollapseThreshold = sc.Config.CollapseThreshold
	}

	if err := s.loadPools(ctx, id, sc); err != nil {
		return nil, err
	}

	return sc, nil
}

type branchRow struct {
	node     *branch.Node
	parentID string
	position int
}

func (s *SQLiteStore) loadTree(ctx context.Context, scenarioID string) (*branch.Tree, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, position, label, description,
		       prior, posterior, collapse_threshold, soft_collapsed, outcome
		FROM branches WHERE scenario_id = ?`, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query branches: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*branchRow)
	children := make(map[string][]*branchRow)
	var root *branchRow

	for rows.Next() {
		var r branchRow
		var parentID, posterior, threshold, outcome sql.NullString
		var priorText string
		var collapsed int
		n := &branch.Node{}
		if err := rows.Scan(&n.ID, &parentID, &r.position, &n.Label, &n.Description,
			&priorText, &posterior, &threshold, &collapsed, &outcome); err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		if n.Prior, err = parseFloatText(priorText); err != nil {
			return nil, fmt.Errorf("failed to decode prior for %s: %w", n.ID, err)
		}
		if posterior.Valid {
			p, err := parseFloatText(posterior.String)
			if err != nil {
				return nil, fmt.Errorf("failed to decode posterior for %s: %w", n.ID, err)
			}
			n.Posterior = &p
		}
		if threshold.Valid {
			if n.CollapseThreshold, err = parseFloatText(threshold.String); err != nil {
				return nil, fmt.Errorf("failed to decode threshold for %s: %w", n.ID, err)
			}
		}
		n.SoftCollapsed = collapsed != 0
		if outcome.Valid {
			n.Outcome = &models.OutcomeData{}
			if err := json.Unmarshal([]byte(outcome.String), n.Outcome); err != nil {
				return nil, fmt.Errorf("failed to decode outcome for %s: %w", n.ID, err)
			}
		}

		r.node = n
		r.parentID = parentID.String
		byID[n.ID] = &r
		if r.parentID == "" {
			root = &r
		} else {
			children[r.parentID] = append(children[r.parentID], &r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("branch rows: %w", err)
	}
	if root == nil {
		return nil, fmt.Errorf("scenario %s has no root branch", scenarioID)
	}

	for parentID, kids := range children {
		sort.Slice(kids, func(i, j int) bool { return kids[i].position < kids[j].position })
		parent := byID[parentID]
		if parent == nil {
			return nil, fmt.Errorf("branch rows reference missing parent %s", parentID)
		}
		for _, k := range kids {
			parent.node.Children = append(parent.node.Children, k.node)
		}
	}

	if err := s.loadLinks(ctx, scenarioID, byID); err != nil {
		return nil, err
	}

	return branch.New(root.node), nil
}

func (s *SQLiteStore) loadLinks(ctx context.Context, scenarioID string, byID map[string]*branchRow) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT branch_id, body FROM evidence_links
		WHERE scenario_id = ? ORDER BY branch_id, position`, scenarioID)
	if err != nil {
		return fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var branchID, body string
		if err := rows.Scan(&branchID, &body); err != nil {
			return fmt.Errorf("failed to scan link: %w", err)
		}
		r, ok := byID[branchID]
		if !ok {
			return fmt.Errorf("link references missing branch %s", branchID)
		}
		var link models.EvidenceLink
		if err := json.Unmarshal([]byte(body), &link); err != nil {
			return fmt.Errorf("failed to decode link on %s: %w", branchID, err)
		}
		r.node.Links = append(r.node.Links, link)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadPools(ctx context.Context, scenarioID string, sc *scenario.Scenario) error {
	evRows, err := s.db.QueryContext(ctx, `SELECT body FROM evidence WHERE scenario_id = ?`, scenarioID)
	if err != nil {
		return fmt.Errorf("failed to query evidence: %w", err)
	}
	defer evRows.Close()
	for evRows.Next() {
		var body string
		if err := evRows.Scan(&body); err != nil {
			return fmt.Errorf("failed to scan evidence: %w", err)
		}
		ev := &models.Evidence{}
		if err := json.Unmarshal([]byte(body), ev); err != nil {
			return fmt.Errorf("failed to decode evidence: %w", err)
		}
		sc.Evidence[ev.ID] = ev
	}
	if err := evRows.Err(); err != nil {
		return fmt.Errorf("evidence rows: %w", err)
	}

	entRows, err := s.db.QueryContext(ctx, `SELECT body FROM entities WHERE scenario_id = ?`, scenarioID)
	if err != nil {
		return fmt.Errorf("failed to query entities: %w", err)
	}
	defer entRows.Close()
	for entRows.Next() {
		var body string
		if err := entRows.Scan(&body); err != nil {
			return fmt.Errorf("failed to scan entity: %w", err)
		}
		ent := &models.Entity{}
		if err := json.Unmarshal([]byte(body), ent); err != nil {
			return fmt.Errorf("failed to decode entity: %w", err)
		}
		sc.Entities[ent.ID] = ent
	}
	if err := entRows.Err(); err != nil {
		return fmt.Errorf("entity rows: %w", err)
	}

	pRows, err := s.db.QueryContext(ctx, `SELECT key, body FROM parameters WHERE scenario_id = ?`, scenarioID)
	if err != nil {
		return fmt.Errorf("failed to query parameters: %w", err)
	}
	defer pRows.Close()
	for pRows.Next() {
		var key, body string
		if err := pRows.Scan(&key, &body); err != nil {
			return fmt.Errorf("failed to scan parameter: %w", err)
		}
		var p models.Parameter
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return fmt.Errorf("failed to decode parameter %s: %w", key, err)
		}
		sc.Parameters[key] = p
	}
	if err := pRows.Err(); err != nil {
		return fmt.Errorf("parameter rows: %w", err)
	}

	subRows, err := s.db.QueryContext(ctx,
		`SELECT sub_id FROM sub_scenarios WHERE scenario_id = ? ORDER BY position`, scenarioID)
	if err != nil {
		return fmt.Errorf("failed to query sub-scenarios: %w", err)
	}
	defer subRows.Close()
	for subRows.Next() {
		var sub string
		if err := subRows.Scan(&sub); err != nil {
			return fmt.Errorf("failed to scan sub-scenario: %w", err)
		}
		sc.SubScenarios = append(sc.SubScenarios, sub)
	}
	return subRows.Err()
}

// ListScenarios returns metadata for every stored scenario.
func (s *SQLiteStore) ListScenarios(ctx context.Context) ([]ScenarioMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.scale, s.parent, s.updated_at,
		       (SELECT COUNT(*) FROM branches b WHERE b.scenario_id = s.id)
		FROM scenarios s ORDER BY s.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var metas []ScenarioMeta
	for rows.Next() {
		var m ScenarioMeta
		var parent sql.NullString
		var scale, updated string
		if err := rows.Scan(&m.ID, &m.Name, &scale, &parent, &updated, &m.Branches); err != nil {
			return nil, fmt.Errorf("failed to scan scenario row: %w", err)
		}
		m.Scale = scenario.Scale(scale)
		m.Parent = parent.String
		if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// DeleteScenario removes a scenario; cascades clear its rows.
func (s *SQLiteStore) DeleteScenario(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scenarios WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete scenario: %w", err)
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
