// Package workflow drives each open conflict to a terminal state exactly
// once, and lets an operator roll a terminal decision back. Every step is
// idempotent, so a crash between steps is repaired by simply re-running.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/truthlayer/core/pkg/audit"
	"github.com/truthlayer/core/pkg/contracts"
	"github.com/truthlayer/core/pkg/gateway"
	"github.com/truthlayer/core/pkg/resolution"
)

// EscalationSink delivers escalations to the human-review queue. Delivery
// must be idempotent per conflict: the workflow re-publishes on retry of an
// interrupted resolution.
type EscalationSink interface {
	PublishEscalation(ctx context.Context, esc *contracts.Escalation) error
}

// OutcomeObserver receives one callback per terminal disposition, for
// metrics export.
type OutcomeObserver interface {
	RecordOutcome(ctx context.Context, escalated bool, reason string)
}

// Workflow executes the conflict resolution sequence: resolve, audit,
// deprecate the loser, close the conflict. A single mutex serializes all
// resolutions in the process; the pipeline never resolves conflicts in
// parallel.
type Workflow struct {
	mu       sync.Mutex
	store    gateway.Store
	ledger   audit.Store
	engine   *resolution.Engine
	sink     EscalationSink
	observer OutcomeObserver
	logger   *slog.Logger
	clock    func() time.Time
}

// New builds a workflow over the given storage, ledger, and engine.
func New(store gateway.Store, ledger audit.Store, engine *resolution.Engine, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		store:  store,
		ledger: ledger,
		engine: engine,
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (w *Workflow) WithClock(clock func() time.Time) *Workflow {
	w.clock = clock
	return w
}

// WithSink attaches the human-review sink. Without one, escalations are only
// persisted on the conflict.
func (w *Workflow) WithSink(sink EscalationSink) *Workflow {
	w.sink = sink
	return w
}

// WithObserver attaches a metrics observer for terminal dispositions.
func (w *Workflow) WithObserver(obs OutcomeObserver) *Workflow {
	w.observer = obs
	return w
}

// ResolveConflict decides one conflict and applies the decision. Calling it
// on a conflict that already reached a terminal state returns the stored
// resolution without re-deciding.
//
// The apply order is fixed: audit record first, then rule deprecation, then
// the conflict's terminal status. Each write is an "already done" no-op on
// retry, so an interruption at any point is healed by the next call.
func (w *Workflow) ResolveConflict(ctx context.Context, conflictID string) (*contracts.Resolution, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	conflict, err := w.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, fmt.Errorf("workflow: load conflict %s: %w", conflictID, err)
	}
	if conflict.Status != contracts.ConflictOpen {
		return conflict.Resolution, nil
	}

	ruleA := w.loadRule(ctx, conflict.ItemAID)
	ruleB := w.loadRule(ctx, conflict.ItemBID)

	res, meta := w.engine.Resolve(ctx, conflict, ruleA, ruleB)

	if err := w.apply(ctx, conflict, res, meta); err != nil {
		return nil, err
	}

	if w.observer != nil {
		reason := ""
		if res.Escalation != nil {
			reason = string(res.Escalation.Reason)
		}
		w.observer.RecordOutcome(ctx, res.Outcome == contracts.OutcomeEscalate, reason)
	}

	w.logger.Info("conflict resolved",
		"conflict_id", conflict.ID,
		"outcome", res.Outcome,
		"strategy", res.Strategy,
		"winner", res.WinnerRuleID)
	return res, nil
}

// apply performs the idempotent writes in their fixed order.
func (w *Workflow) apply(ctx context.Context, conflict *contracts.Conflict, res *contracts.Resolution, meta map[string]string) error {
	// 1. Audit. The record identity is derived from the decision content
	// plus the epoch counter, so a retried append after an interruption
	// collapses onto the row already written.
	_, rollbacks, err := w.attemptCounts(ctx, conflict.ID)
	if err != nil {
		return fmt.Errorf("workflow: count audit epochs for %s: %w", conflict.ID, err)
	}
	rec := &contracts.ResolutionAudit{
		ConflictID: conflict.ID,
		RuleAID:    conflict.ItemAID,
		RuleBID:    conflict.ItemBID,
		Outcome:    res.Outcome,
		Strategy:   res.Strategy,
		Rationale:  res.Rationale,
		ResolvedBy: res.ResolvedBy,
		Attempt:    rollbacks,
		Metadata:   meta,
		Timestamp:  res.ResolvedAt,
	}
	if err := w.ledger.Append(ctx, rec); err != nil {
		return fmt.Errorf("workflow: audit conflict %s: %w", conflict.ID, err)
	}

	// 2. Loser deprecation, only on a genuine automatic resolution.
	if res.Outcome == contracts.OutcomeResolved && res.LoserRuleID != "" {
		note := &contracts.DeprecationNote{
			ConflictID:   conflict.ID,
			WinnerRuleID: res.WinnerRuleID,
			Strategy:     res.Strategy,
			DeprecatedAt: w.clock().UTC(),
		}
		if err := w.store.DeprecateRule(ctx, res.LoserRuleID, note); err != nil {
			return fmt.Errorf("workflow: deprecate rule %s: %w", res.LoserRuleID, err)
		}
	}

	// 3. Escalation delivery, before the terminal write so a failed publish
	// is retried on the next call. The sink dedups per conflict.
	if res.Outcome == contracts.OutcomeEscalate && res.Escalation != nil && w.sink != nil {
		if err := w.sink.PublishEscalation(ctx, res.Escalation); err != nil {
			return fmt.Errorf("workflow: publish escalation for %s: %w", conflict.ID, err)
		}
	}

	// 4. Terminal conflict status.
	status := contracts.ConflictResolved
	if res.Outcome == contracts.OutcomeEscalate {
		status = contracts.ConflictEscalated
	}
	if err := w.store.CompleteConflict(ctx, conflict.ID, status, res); err != nil {
		return fmt.Errorf("workflow: close conflict %s: %w", conflict.ID, err)
	}
	return nil
}

// attemptCounts tallies the conflict's prior ledger records. Rollbacks
// delimit decision epochs: the next resolution's attempt number is the
// rollback count, and the next rollback's is the resolution count. Both are
// stable while the step they stamp is being retried.
func (w *Workflow) attemptCounts(ctx context.Context, conflictID string) (resolutions, rollbacks int, err error) {
	recs, err := w.ledger.ListByConflict(ctx, conflictID)
	if err != nil {
		return 0, 0, err
	}
	for _, rec := range recs {
		if rec.Outcome == contracts.OutcomeRollback {
			rollbacks++
		} else {
			resolutions++
		}
	}
	return resolutions, rollbacks, nil
}

// Rollback reopens a terminal conflict: the deprecated loser (if any) gets
// its prior status back, a compensating audit record is appended, and the
// conflict returns to OPEN with its resolution cleared. History is never
// rewritten. Rolling back an OPEN conflict is a no-op, so the operation is
// safe to retry from any state.
func (w *Workflow) Rollback(ctx context.Context, conflictID, operator, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	conflict, err := w.store.GetConflict(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("workflow: load conflict %s: %w", conflictID, err)
	}
	if conflict.Status == contracts.ConflictOpen {
		w.logger.Info("rollback skipped, conflict already open", "conflict_id", conflictID)
		return nil
	}

	// 1. Restore the loser. RestoreRule is a no-op on rules that are not
	// deprecated, so a retried rollback is safe.
	if res := conflict.Resolution; res != nil && res.Outcome == contracts.OutcomeResolved && res.LoserRuleID != "" {
		if err := w.store.RestoreRule(ctx, res.LoserRuleID); err != nil {
			return fmt.Errorf("workflow: restore rule %s: %w", res.LoserRuleID, err)
		}
	}

	// 2. Compensating audit record. Its attempt number is the count of
	// resolutions so far, which stays put until the conflict reopens, so a
	// retried rollback appends nothing new.
	resolutions, _, err := w.attemptCounts(ctx, conflict.ID)
	if err != nil {
		return fmt.Errorf("workflow: count audit epochs for %s: %w", conflict.ID, err)
	}
	rec := &contracts.ResolutionAudit{
		ConflictID: conflict.ID,
		RuleAID:    conflict.ItemAID,
		RuleBID:    conflict.ItemBID,
		Outcome:    contracts.OutcomeRollback,
		Rationale:  reason,
		ResolvedBy: operator,
		Attempt:    resolutions,
		Timestamp:  w.clock().UTC(),
	}
	if err := w.ledger.Append(ctx, rec); err != nil {
		return fmt.Errorf("workflow: audit rollback of %s: %w", conflict.ID, err)
	}

	// 3. Back to OPEN.
	if err := w.store.ReopenConflict(ctx, conflict.ID); err != nil {
		return fmt.Errorf("workflow: reopen conflict %s: %w", conflict.ID, err)
	}

	w.logger.Info("conflict rolled back",
		"conflict_id", conflict.ID, "operator", operator)
	return nil
}

// ResolveOpenBatch resolves up to limit open conflicts and reports how many
// reached a terminal state. Individual failures are logged and skipped; a
// stuck conflict must never stall the rest of the batch.
func (w *Workflow) ResolveOpenBatch(ctx context.Context, limit int) (int, error) {
	conflicts, err := w.store.ScanOpenConflicts(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("workflow: scan open conflicts: %w", err)
	}

	done := 0
	for _, c := range conflicts {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if _, err := w.ResolveConflict(ctx, c.ID); err != nil {
			w.logger.Error("conflict resolution failed",
				"conflict_id", c.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

// loadRule fetches a rule by id, mapping "absent" (empty id or not found) to
// nil. The engine treats a missing rule as grounds for escalation.
func (w *Workflow) loadRule(ctx context.Context, id string) *contracts.RegulatoryRule {
	if id == "" {
		return nil
	}
	rule, err := w.store.GetRule(ctx, id)
	if err != nil {
		if !errors.Is(err, gateway.ErrRuleNotFound) {
			w.logger.Error("rule load failed", "rule_id", id, "error", err)
		}
		return nil
	}
	return rule
}
