package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/truthlayer/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and creates the schema if missing.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("gateway: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS work_items (
		id TEXT PRIMARY KEY,
		item_type TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_work_items_scan ON work_items (item_type, status);

	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		concept_slug TEXT NOT NULL,
		value TEXT,
		authority_level TEXT NOT NULL,
		risk_tier TEXT NOT NULL,
		status TEXT NOT NULL,
		prior_status TEXT,
		confidence REAL NOT NULL,
		source_hierarchy INTEGER NOT NULL DEFAULT 0,
		applicability_text TEXT,
		source_quote TEXT,
		effective_from TEXT NOT NULL,
		effective_until TEXT,
		deprecation_note JSON
	);
	CREATE INDEX IF NOT EXISTS idx_rules_status ON rules (status);

	CREATE TABLE IF NOT EXISTS precedence_edges (
		from_rule_id TEXT NOT NULL,
		to_rule_id TEXT NOT NULL,
		note TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (from_rule_id, to_rule_id)
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		conflict_type TEXT NOT NULL,
		status TEXT NOT NULL,
		item_a_id TEXT,
		item_b_id TEXT,
		confidence REAL NOT NULL,
		requires_human_review INTEGER NOT NULL DEFAULT 0,
		resolution JSON,
		detected_at TEXT NOT NULL,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts (status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- work items ---

// ScanWorkItems implements Store.
func (s *SQLiteStore) ScanWorkItems(ctx context.Context, itemType WorkItemType, status WorkItemStatus, limit int) ([]*WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_type, status, payload, created_at
		FROM work_items
		WHERE item_type = ? AND status = ?
		ORDER BY created_at ASC
		LIMIT ?`, string(itemType), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []*WorkItem
	for rows.Next() {
		var (
			item    WorkItem
			payload sql.NullString
			created string
		)
		if err := rows.Scan(&item.ID, &item.ItemType, &item.Status, &payload, &created); err != nil {
			return nil, err
		}
		item.Payload = payload.String
		item.CreatedAt = parseTime(created)
		items = append(items, &item)
	}
	return items, rows.Err()
}

// ClaimWorkItem implements Store. The conditional UPDATE is the atomic
// claim: only one caller observes RowsAffected == 1.
func (s *SQLiteStore) ClaimWorkItem(ctx context.Context, id string, from, to WorkItemStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("gateway: claim work item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SaveWorkItem implements Store.
func (s *SQLiteStore) SaveWorkItem(ctx context.Context, item *WorkItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, item_type, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, payload = excluded.payload`,
		item.ID, string(item.ItemType), string(item.Status), item.Payload,
		item.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// --- rules ---

const ruleColumns = `id, concept_slug, value, authority_level, risk_tier, status, prior_status,
	confidence, source_hierarchy, applicability_text, source_quote,
	effective_from, effective_until, deprecation_note`

// GetRule implements Store.
func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*contracts.RegulatoryRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rule, _, err := scanRule(row)
	return rule, err
}

// SaveRule implements Store.
func (s *SQLiteStore) SaveRule(ctx context.Context, rule *contracts.RegulatoryRule) error {
	var until any
	if rule.EffectiveUntil != nil {
		until = rule.EffectiveUntil.UTC().Format(time.RFC3339Nano)
	}
	var note any
	if rule.DeprecationNote != nil {
		raw, err := json.Marshal(rule.DeprecationNote)
		if err != nil {
			return fmt.Errorf("gateway: marshal deprecation note: %w", err)
		}
		note = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			concept_slug = excluded.concept_slug,
			value = excluded.value,
			authority_level = excluded.authority_level,
			risk_tier = excluded.risk_tier,
			status = excluded.status,
			confidence = excluded.confidence,
			source_hierarchy = excluded.source_hierarchy,
			applicability_text = excluded.applicability_text,
			source_quote = excluded.source_quote,
			effective_from = excluded.effective_from,
			effective_until = excluded.effective_until,
			deprecation_note = excluded.deprecation_note`,
		rule.ID, rule.ConceptSlug, rule.Value, string(rule.AuthorityLevel), string(rule.RiskTier),
		string(rule.Status), rule.Confidence, rule.SourceHierarchy,
		rule.ApplicabilityText, rule.SourceQuote,
		rule.EffectiveFrom.UTC().Format(time.RFC3339Nano), until, note)
	return err
}

// ScanRulesByStatus implements Store.
func (s *SQLiteStore) ScanRulesByStatus(ctx context.Context, status contracts.RuleStatus, limit int) ([]*contracts.RegulatoryRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE status = ? ORDER BY id ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rules []*contracts.RegulatoryRule
	for rows.Next() {
		rule, _, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeprecateRule implements Store. The WHERE clause makes it idempotent: a
// second call finds status already DEPRECATED and affects no rows.
func (s *SQLiteStore) DeprecateRule(ctx context.Context, id string, note *contracts.DeprecationNote) error {
	raw, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("gateway: marshal deprecation note: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET prior_status = status, status = ?, deprecation_note = ?
		WHERE id = ? AND status != ?`,
		string(contracts.RuleStatusDeprecated), string(raw), id, string(contracts.RuleStatusDeprecated))
	if err != nil {
		return fmt.Errorf("gateway: deprecate rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already deprecated (fine) or missing (not fine).
		return s.ensureRuleExists(ctx, id)
	}
	return nil
}

// RestoreRule implements Store. Only deprecated rules with a recorded prior
// status are touched.
func (s *SQLiteStore) RestoreRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET status = prior_status, prior_status = NULL, deprecation_note = NULL
		WHERE id = ? AND status = ? AND prior_status IS NOT NULL`,
		id, string(contracts.RuleStatusDeprecated))
	if err != nil {
		return fmt.Errorf("gateway: restore rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.ensureRuleExists(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) ensureRuleExists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM rules WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return err
}

// --- precedence edges ---

// AddPrecedenceEdge implements Store. Re-asserting an existing edge is a
// no-op; cycle prevention is the graph's job, before the edge gets here.
func (s *SQLiteStore) AddPrecedenceEdge(ctx context.Context, edge *contracts.PrecedenceEdge) error {
	created := edge.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO precedence_edges (from_rule_id, to_rule_id, note, created_at)
		VALUES (?, ?, ?, ?)`,
		edge.FromRuleID, edge.ToRuleID, edge.Note, created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("gateway: add precedence edge %s -> %s: %w", edge.FromRuleID, edge.ToRuleID, err)
	}
	return nil
}

// ScanPrecedenceEdges implements Store.
func (s *SQLiteStore) ScanPrecedenceEdges(ctx context.Context) ([]*contracts.PrecedenceEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_rule_id, to_rule_id, note, created_at
		FROM precedence_edges
		ORDER BY created_at ASC, from_rule_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var edges []*contracts.PrecedenceEdge
	for rows.Next() {
		var (
			edge    contracts.PrecedenceEdge
			note    sql.NullString
			created string
		)
		if err := rows.Scan(&edge.FromRuleID, &edge.ToRuleID, &note, &created); err != nil {
			return nil, err
		}
		edge.Note = note.String
		edge.CreatedAt = parseTime(created)
		edges = append(edges, &edge)
	}
	return edges, rows.Err()
}

// --- conflicts ---

const conflictColumns = `id, conflict_type, status, item_a_id, item_b_id, confidence,
	requires_human_review, resolution, detected_at, resolved_at`

// GetConflict implements Store.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*contracts.Conflict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	return scanConflict(row)
}

// SaveConflict implements Store.
func (s *SQLiteStore) SaveConflict(ctx context.Context, c *contracts.Conflict) error {
	var resolution any
	if c.Resolution != nil {
		raw, err := json.Marshal(c.Resolution)
		if err != nil {
			return fmt.Errorf("gateway: marshal resolution: %w", err)
		}
		resolution = string(raw)
	}
	var resolvedAt any
	if c.ResolvedAt != nil {
		resolvedAt = c.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			confidence = excluded.confidence,
			requires_human_review = excluded.requires_human_review,
			resolution = excluded.resolution,
			resolved_at = excluded.resolved_at`,
		c.ID, string(c.ConflictType), string(c.Status), c.ItemAID, c.ItemBID,
		c.Confidence, boolToInt(c.RequiresHumanReview), resolution,
		c.DetectedAt.UTC().Format(time.RFC3339Nano), resolvedAt)
	return err
}

// ScanOpenConflicts implements Store.
func (s *SQLiteStore) ScanOpenConflicts(ctx context.Context, limit int) ([]*contracts.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE status = ? ORDER BY detected_at ASC LIMIT ?`,
		string(contracts.ConflictOpen), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var conflicts []*contracts.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// CompleteConflict implements Store. The status guard makes re-runs no-ops.
func (s *SQLiteStore) CompleteConflict(ctx context.Context, id string, status contracts.ConflictStatus, res *contracts.Resolution) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("gateway: marshal resolution: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE conflicts
		SET status = ?, resolution = ?, requires_human_review = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		string(status), string(raw), boolToInt(res.Outcome == contracts.OutcomeEscalate),
		time.Now().UTC().Format(time.RFC3339Nano), id, string(contracts.ConflictOpen))
	if err != nil {
		return fmt.Errorf("gateway: complete conflict %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.ensureConflictExists(ctx, id)
	}
	return nil
}

// ReopenConflict implements Store.
func (s *SQLiteStore) ReopenConflict(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts
		SET status = ?, resolution = NULL, requires_human_review = 0, resolved_at = NULL
		WHERE id = ? AND status != ?`,
		string(contracts.ConflictOpen), id, string(contracts.ConflictOpen))
	if err != nil {
		return fmt.Errorf("gateway: reopen conflict %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.ensureConflictExists(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) ensureConflictExists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conflicts WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	return err
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*contracts.RegulatoryRule, string, error) {
	var (
		rule        contracts.RegulatoryRule
		value       sql.NullString
		priorStatus sql.NullString
		applic      sql.NullString
		quote       sql.NullString
		from        string
		until       sql.NullString
		noteJSON    sql.NullString
	)
	err := row.Scan(&rule.ID, &rule.ConceptSlug, &value, &rule.AuthorityLevel, &rule.RiskTier,
		&rule.Status, &priorStatus, &rule.Confidence, &rule.SourceHierarchy,
		&applic, &quote, &from, &until, &noteJSON)
	if err == sql.ErrNoRows {
		return nil, "", ErrRuleNotFound
	}
	if err != nil {
		return nil, "", err
	}
	rule.Value = value.String
	rule.ApplicabilityText = applic.String
	rule.SourceQuote = quote.String
	rule.EffectiveFrom = parseTime(from)
	if until.Valid && until.String != "" {
		t := parseTime(until.String)
		rule.EffectiveUntil = &t
	}
	if noteJSON.Valid && noteJSON.String != "" {
		var note contracts.DeprecationNote
		if err := json.Unmarshal([]byte(noteJSON.String), &note); err == nil {
			rule.DeprecationNote = &note
		}
	}
	return &rule, priorStatus.String, nil
}

func scanConflict(row rowScanner) (*contracts.Conflict, error) {
	var (
		c          contracts.Conflict
		itemA      sql.NullString
		itemB      sql.NullString
		review     int
		resJSON    sql.NullString
		detectedAt string
		resolvedAt sql.NullString
	)
	err := row.Scan(&c.ID, &c.ConflictType, &c.Status, &itemA, &itemB,
		&c.Confidence, &review, &resJSON, &detectedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ItemAID = itemA.String
	c.ItemBID = itemB.String
	c.RequiresHumanReview = review != 0
	c.DetectedAt = parseTime(detectedAt)
	if resolvedAt.Valid && resolvedAt.String != "" {
		t := parseTime(resolvedAt.String)
		c.ResolvedAt = &t
	}
	if resJSON.Valid && resJSON.String != "" {
		var res contracts.Resolution
		if err := json.Unmarshal([]byte(resJSON.String), &res); err == nil {
			c.Resolution = &res
		}
	}
	return &c, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
