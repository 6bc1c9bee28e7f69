// Package audit implements the append-only resolution ledger. Every
// resolution, escalation, and rollback lands here as an immutable,
// hash-chained record; rollbacks append compensating records instead of
// touching history.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/truthlayer/core/pkg/contracts"
)

var (
	ErrRecordNotFound = errors.New("audit record not found")
	ErrChainBroken    = errors.New("audit hash chain is broken")
)

// genesisHash seeds the chain before the first record.
const genesisHash = "genesis"

// Store is the append-only ledger consumed by the workflow. Append is
// idempotent on record ID, which makes the workflow's audit step safe to
// re-run after an interruption.
type Store interface {
	// Append inserts the record; appending an ID that already exists is a
	// no-op. An empty ID is filled in with RecordID.
	Append(ctx context.Context, rec *contracts.ResolutionAudit) error
	// Has reports whether a record with the given ID exists.
	Has(ctx context.Context, id string) (bool, error)
	// ListByConflict returns all records for a conflict in append order.
	ListByConflict(ctx context.Context, conflictID string) ([]*contracts.ResolutionAudit, error)
	// VerifyChain recomputes the hash chain over all records.
	VerifyChain(ctx context.Context) error
}

// RecordID derives a deterministic identity from the record's content using
// RFC 8785 canonical JSON, so the same resolution event hashes to the same ID
// in every process and on every retry. The wall-clock timestamp is
// deliberately excluded: a retried append after a crash carries a fresh
// timestamp but must collapse onto the record already written.
func RecordID(rec *contracts.ResolutionAudit) (string, error) {
	identity := struct {
		ConflictID string             `json:"conflict_id"`
		Outcome    contracts.Outcome  `json:"outcome"`
		Strategy   contracts.Strategy `json:"strategy"`
		ResolvedBy string             `json:"resolved_by"`
		Attempt    int                `json:"attempt"`
	}{
		ConflictID: rec.ConflictID,
		Outcome:    rec.Outcome,
		Strategy:   rec.Strategy,
		ResolvedBy: rec.ResolvedBy,
		Attempt:    rec.Attempt,
	}

	raw, err := json.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("audit: marshal record identity: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize record identity: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// entryHash chains a record to its predecessor.
func entryHash(rec *contracts.ResolutionAudit, prevHash string) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("audit: marshal record: %w", err)
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize record: %w", err)
	}
	sum := sha256.Sum256(append(canonical, []byte(prevHash)...))
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// chained is one ledger row: the record plus its chain linkage.
type chained struct {
	record    *contracts.ResolutionAudit
	prevHash  string
	entryHash string
}

// Ledger is the in-memory Store. It backs tests and single-process
// deployments; SQLiteStore is the durable variant.
type Ledger struct {
	mu       sync.RWMutex
	entries  []chained
	byID     map[string]int
	headHash string
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		byID:     make(map[string]int),
		headHash: genesisHash,
	}
}

// Append implements Store.
func (l *Ledger) Append(_ context.Context, rec *contracts.ResolutionAudit) error {
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.ID == "" {
		id, err := RecordID(rec)
		if err != nil {
			return err
		}
		rec.ID = id
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[rec.ID]; ok {
		return nil
	}

	hash, err := entryHash(rec, l.headHash)
	if err != nil {
		return err
	}
	l.entries = append(l.entries, chained{record: rec, prevHash: l.headHash, entryHash: hash})
	l.byID[rec.ID] = len(l.entries) - 1
	l.headHash = hash
	return nil
}

// Has implements Store.
func (l *Ledger) Has(_ context.Context, id string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byID[id]
	return ok, nil
}

// ListByConflict implements Store.
func (l *Ledger) ListByConflict(_ context.Context, conflictID string) ([]*contracts.ResolutionAudit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*contracts.ResolutionAudit
	for _, e := range l.entries {
		if e.record.ConflictID == conflictID {
			out = append(out, e.record)
		}
	}
	return out, nil
}

// VerifyChain implements Store.
func (l *Ledger) VerifyChain(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHash
	for i, e := range l.entries {
		if e.prevHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, expected %s", ErrChainBroken, i, e.prevHash, prev)
		}
		computed, err := entryHash(e.record, e.prevHash)
		if err != nil {
			return err
		}
		if computed != e.entryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		prev = e.entryHash
	}
	return nil
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Size returns the number of records.
func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
