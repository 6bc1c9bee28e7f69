package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/truthlayer/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store. Rows are insert-only; the schema has no
// UPDATE path and Append uses INSERT OR IGNORE so retries cannot duplicate or
// mutate history.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and creates the schema if missing.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS resolution_audit (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conflict_id TEXT NOT NULL,
		rule_a_id TEXT,
		rule_b_id TEXT,
		outcome TEXT NOT NULL,
		strategy TEXT,
		rationale TEXT NOT NULL,
		resolved_by TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		metadata JSON,
		timestamp TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_resolution_audit_conflict
		ON resolution_audit (conflict_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, rec *contracts.ResolutionAudit) error {
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.ID == "" {
		id, err := RecordID(rec)
		if err != nil {
			return err
		}
		rec.ID = id
	}

	// Single-writer discipline is enforced by the workflow mutex, so reading
	// the head and inserting the chained row in a transaction is safe.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head string
	err = tx.QueryRowContext(ctx,
		`SELECT entry_hash FROM resolution_audit ORDER BY seq DESC LIMIT 1`).Scan(&head)
	if err == sql.ErrNoRows {
		head = genesisHash
	} else if err != nil {
		return fmt.Errorf("audit: read chain head: %w", err)
	}

	hash, err := entryHash(rec, head)
	if err != nil {
		return err
	}

	metaJSON, _ := json.Marshal(rec.Metadata)
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO resolution_audit
			(id, conflict_id, rule_a_id, rule_b_id, outcome, strategy, rationale, resolved_by, attempt, metadata, timestamp, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConflictID, rec.RuleAID, rec.RuleBID, string(rec.Outcome), string(rec.Strategy),
		rec.Rationale, rec.ResolvedBy, rec.Attempt, string(metaJSON),
		rec.Timestamp.UTC().Format(time.RFC3339Nano), head, hash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert record: %w", err)
	}
	return tx.Commit()
}

// Has implements Store.
func (s *SQLiteStore) Has(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM resolution_audit WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListByConflict implements Store.
func (s *SQLiteStore) ListByConflict(ctx context.Context, conflictID string) ([]*contracts.ResolutionAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conflict_id, rule_a_id, rule_b_id, outcome, strategy, rationale, resolved_by, attempt, metadata, timestamp
		FROM resolution_audit
		WHERE conflict_id = ?
		ORDER BY seq ASC`, conflictID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ResolutionAudit
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// VerifyChain implements Store.
func (s *SQLiteStore) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conflict_id, rule_a_id, rule_b_id, outcome, strategy, rationale, resolved_by, attempt, metadata, timestamp, prev_hash, entry_hash
		FROM resolution_audit
		ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	prev := genesisHash
	i := 0
	for rows.Next() {
		var prevHash, storedHash string
		rec, err := scanRecordFull(rows, &prevHash, &storedHash)
		if err != nil {
			return err
		}
		if prevHash != prev {
			return fmt.Errorf("%w: row %d links to %s, expected %s", ErrChainBroken, i, prevHash, prev)
		}
		computed, err := entryHash(rec, prevHash)
		if err != nil {
			return err
		}
		if computed != storedHash {
			return fmt.Errorf("%w: row %d hash mismatch", ErrChainBroken, i)
		}
		prev = storedHash
		i++
	}
	return rows.Err()
}

func scanRecord(rows *sql.Rows) (*contracts.ResolutionAudit, error) {
	var (
		rec      contracts.ResolutionAudit
		outcome  string
		strategy sql.NullString
		ruleA    sql.NullString
		ruleB    sql.NullString
		metaJSON sql.NullString
		ts       string
	)
	if err := rows.Scan(&rec.ID, &rec.ConflictID, &ruleA, &ruleB, &outcome, &strategy,
		&rec.Rationale, &rec.ResolvedBy, &rec.Attempt, &metaJSON, &ts); err != nil {
		return nil, err
	}
	fillRecord(&rec, outcome, strategy, ruleA, ruleB, metaJSON, ts)
	return &rec, nil
}

func scanRecordFull(rows *sql.Rows, prevHash, storedHash *string) (*contracts.ResolutionAudit, error) {
	var (
		rec      contracts.ResolutionAudit
		outcome  string
		strategy sql.NullString
		ruleA    sql.NullString
		ruleB    sql.NullString
		metaJSON sql.NullString
		ts       string
	)
	if err := rows.Scan(&rec.ID, &rec.ConflictID, &ruleA, &ruleB, &outcome, &strategy,
		&rec.Rationale, &rec.ResolvedBy, &rec.Attempt, &metaJSON, &ts, prevHash, storedHash); err != nil {
		return nil, err
	}
	fillRecord(&rec, outcome, strategy, ruleA, ruleB, metaJSON, ts)
	return &rec, nil
}

func fillRecord(rec *contracts.ResolutionAudit, outcome string, strategy, ruleA, ruleB, metaJSON sql.NullString, ts string) {
	rec.Outcome = contracts.Outcome(outcome)
	rec.Strategy = contracts.Strategy(strategy.String)
	rec.RuleAID = ruleA.String
	rec.RuleBID = ruleB.String
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		_ = json.Unmarshal([]byte(metaJSON.String), &rec.Metadata)
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		rec.Timestamp = t
	}
}
