package workflow

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/truthlayer/core/pkg/audit"
	"github.com/truthlayer/core/pkg/contracts"
	"github.com/truthlayer/core/pkg/gateway"
	"github.com/truthlayer/core/pkg/precedence"
	"github.com/truthlayer/core/pkg/queue"
	"github.com/truthlayer/core/pkg/resolution"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    gateway.Store
	ledger   *audit.Ledger
	workflow *Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/truth.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := gateway.NewSQLiteStore(db)
	require.NoError(t, err)

	ledger := audit.NewLedger()
	engine := resolution.NewEngine(precedence.NewGraph(), nil, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(func() time.Time { return testTime })
	wf := New(store, ledger, engine, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(func() time.Time { return testTime })

	return &fixture{store: store, ledger: ledger, workflow: wf}
}

func (f *fixture) seedRule(t *testing.T, id string, authority contracts.AuthorityLevel, tier contracts.RiskTier, from time.Time) {
	t.Helper()
	require.NoError(t, f.store.SaveRule(context.Background(), &contracts.RegulatoryRule{
		ID:             id,
		ConceptSlug:    "vat-registration-threshold",
		Value:          "100000 BGN",
		AuthorityLevel: authority,
		RiskTier:       tier,
		Status:         contracts.RuleStatusPublished,
		Confidence:     0.95,
		EffectiveFrom:  from,
	}))
}

func (f *fixture) seedConflict(t *testing.T, id string, ctype contracts.ConflictType, aID, bID string) {
	t.Helper()
	require.NoError(t, f.store.SaveConflict(context.Background(), &contracts.Conflict{
		ID:           id,
		ConflictType: ctype,
		Status:       contracts.ConflictOpen,
		ItemAID:      aID,
		ItemBID:      bID,
		Confidence:   0.9,
		DetectedAt:   testTime.Add(-time.Hour),
	}))
}

func TestResolveConflictDeprecatesLoser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRule(t, "rule-law", contracts.AuthorityLaw, contracts.RiskTierT1, testTime.AddDate(-1, 0, 0))
	f.seedRule(t, "rule-guidance", contracts.AuthorityGuidance, contracts.RiskTierT2, testTime.AddDate(-1, 0, 0))
	f.seedConflict(t, "conf-1", contracts.ScopeConflict, "rule-law", "rule-guidance")

	res, err := f.workflow.ResolveConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeResolved, res.Outcome)
	assert.Equal(t, "rule-law", res.WinnerRuleID)
	assert.Equal(t, contracts.StrategyHierarchy, res.Strategy)

	conflict, err := f.store.GetConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConflictResolved, conflict.Status)
	require.NotNil(t, conflict.Resolution)

	loser, err := f.store.GetRule(ctx, "rule-guidance")
	require.NoError(t, err)
	assert.Equal(t, contracts.RuleStatusDeprecated, loser.Status)
	require.NotNil(t, loser.DeprecationNote)
	assert.Equal(t, "conf-1", loser.DeprecationNote.ConflictID)
	assert.Equal(t, "rule-law", loser.DeprecationNote.WinnerRuleID)

	winner, err := f.store.GetRule(ctx, "rule-law")
	require.NoError(t, err)
	assert.Equal(t, contracts.RuleStatusPublished, winner.Status)

	recs, err := f.ledger.ListByConflict(ctx, "conf-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, contracts.OutcomeResolved, recs[0].Outcome)
	assert.NotEmpty(t, recs[0].Metadata["authority_a"])
}

func TestResolveConflictEscalatesBothT0(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRule(t, "rule-a", contracts.AuthorityLaw, contracts.RiskTierT0, testTime.AddDate(-1, 0, 0))
	f.seedRule(t, "rule-b", contracts.AuthorityGuidance, contracts.RiskTierT0, testTime.AddDate(-2, 0, 0))
	f.seedConflict(t, "conf-t0", contracts.ScopeConflict, "rule-a", "rule-b")

	res, err := f.workflow.ResolveConflict(ctx, "conf-t0")
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeEscalate, res.Outcome)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, contracts.ReasonConflictBothT0, res.Escalation.Reason)
	assert.Equal(t, contracts.PriorityCritical, res.Escalation.Priority)

	conflict, err := f.store.GetConflict(ctx, "conf-t0")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConflictEscalated, conflict.Status)

	// No rule is touched on escalation.
	for _, id := range []string{"rule-a", "rule-b"} {
		rule, err := f.store.GetRule(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.RuleStatusPublished, rule.Status)
	}
}

func TestResolveConflictTerminalIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRule(t, "rule-law", contracts.AuthorityLaw, contracts.RiskTierT1, testTime.AddDate(-1, 0, 0))
	f.seedRule(t, "rule-guidance", contracts.AuthorityGuidance, contracts.RiskTierT2, testTime.AddDate(-1, 0, 0))
	f.seedConflict(t, "conf-1", contracts.ScopeConflict, "rule-law", "rule-guidance")

	first, err := f.workflow.ResolveConflict(ctx, "conf-1")
	require.NoError(t, err)

	second, err := f.workflow.ResolveConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, first.WinnerRuleID, second.WinnerRuleID)

	// Exactly one audit record despite the second call.
	recs, err := f.ledger.ListByConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

// A crash between the audit write and the conflict write leaves the conflict
// OPEN with an audit row already present. Re-running must complete the
// remaining steps without duplicating the first.
func TestResolveConflictCompletesAfterInterruption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRule(t, "rule-law", contracts.AuthorityLaw, contracts.RiskTierT1, testTime.AddDate(-1, 0, 0))
	f.seedRule(t, "rule-guidance", contracts.AuthorityGuidance, contracts.RiskTierT2, testTime.AddDate(-1, 0, 0))
	f.seedConflict(t, "conf-1", contracts.ScopeConflict, "rule-law", "rule-guidance")

	// Simulate the interrupted first attempt: the audit record landed but
	// neither the deprecation nor the conflict status did. The record
	// identity is derived from the decision content, not the clock, so the
	// re-run produces the identical record ID.
	rec := &contracts.ResolutionAudit{
		ConflictID: "conf-1",
		RuleAID:    "rule-law",
		RuleBID:    "rule-guidance",
		Outcome:    contracts.OutcomeResolved,
		Strategy:   contracts.StrategyHierarchy,
		Rationale:  "rule-law (LAW) outranks rule-guidance (GUIDANCE) in the hierarchy of sources",
		ResolvedBy: resolution.ResolverID,
		Timestamp:  testTime,
	}
	require.NoError(t, f.ledger.Append(ctx, rec))
	require.Equal(t, 1, f.ledger.Size())

	_, err := f.workflow.ResolveConflict(ctx, "conf-1")
	require.NoError(t, err)

	assert.Equal(t, 1, f.ledger.Size())

	conflict, err := f.store.GetConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConflictResolved, conflict.Status)

	loser, err := f.store.GetRule(ctx, "rule-guidance")
	require.NoError(t, err)
	assert.Equal(t, contracts.RuleStatusDeprecated, loser.Status)
}

// failingStore injects storage failures mid-sequence, simulating a crash
// between the workflow's fixed-order writes.
type failingStore struct {
	gateway.Store
	completeFailures int
	reopenFailures   int
}

func (s *failingStore) CompleteConflict(ctx context.Context, id string, status contracts.ConflictStatus, res *contracts.Resolution) error {
	if s.completeFailures > 0 {
		s.completeFailures--
		return errors.New("storage unavailable")
	}
	return s.Store.CompleteConflict(ctx, id, status, res)
}

func (s *failingStore) ReopenConflict(ctx context.Context, id string) error {
	if s.reopenFailures > 0 {
		s.reopenFailures--
		return errors.New("storage unavailable")
	}
	return s.Store.ReopenConflict(ctx, id)
}

// With production clocks, an interrupted run's retry carries a fresh
// wall-clock timestamp; the ledger must still end up with exactly one record
// for the decision.
func TestInterruptedResolveDoesNotDuplicateAudit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRule(t, "rule-law", contracts.AuthorityLaw, contracts.RiskTierT1, testTime.AddDate(-1, 0, 0))
	f.seedRule(t, "rule-guidance", contracts.AuthorityGuidance, contracts.RiskTierT2, testTime.AddDate(-1, 0, 0))
	f.seedConflict(t, "conf-1", contracts.ScopeConflict, "rule-law", "rule-guidance")

	flaky := &failingStore{Store: f.store, completeFailures: 1}
	engine := resolution.NewEngine(precedence.NewGraph(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	wf := New(flaky, f.ledger, engine, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := wf.ResolveConflict(ctx, "conf-1")
	require.Error(t, err)
	require.Equal(t, 1, f.ledger.Size(), "audit record lands before the terminal write")

	res, err := wf.ResolveConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeResolved, res.Outcome)

	recs, err := f.ledger.ListByConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.NoError(t, f.ledger.VerifyChain(ctx))
}

// The same guarantee for rollback: a retry after a crash between the
// compensating record and the reopen appends nothing new.
func TestInterruptedRollbackDoesNotDuplicateAudit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRule(t, "rule-law", contracts.AuthorityLaw, contracts.RiskTierT1, testTime.AddDate(-1, 0, 0))
	f.seedRule(t, "rule-guidance", contracts.AuthorityGuidance, contracts.RiskTierT2, testTime.AddDate(-1, 0, 0))
	f.seedConflict(t, "conf-1", contracts.ScopeConflict, "rule-law", "rule-guidance")

	_, err := f.workflow.ResolveConflict(ctx, "conf-1")
	require.NoError(t, err)

	flaky := &failingStore{Store: f.store, reopenFailures: 1}
	engine := resolution.NewEngine(precedence.NewGraph(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	wf := New(flaky, f.ledger, engine, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.Error(t, wf.Rollback(ctx, "conf-1", "ops@example.com", "mis-extracted"))
	require.NoError(t, wf.Rollback(ctx, "conf-1", "ops@example.com", "mis-extracted"))

	recs, err := f.ledger.ListByConflict(ctx, "conf-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, contracts.OutcomeRollback, recs[1].Outcome)

	conflict, err := f.store.GetConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConflictOpen, conflict.Status)
}

func TestRollbackRestoresLoserAndReopens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRule(t, "rule-law", contracts.AuthorityLaw, contracts.RiskTierT1, testTime.AddDate(-1, 0, 0))
	f.seedRule(t, "rule-guidance", contracts.AuthorityGuidance, contracts.RiskTierT2, testTime.AddDate(-1, 0, 0))
	f.seedConflict(t, "conf-1", contracts.ScopeConflict, "rule-law", "rule-guidance")

	_, err := f.workflow.ResolveConflict(ctx, "conf-1")
	require.NoError(t, err)

	require.NoError(t, f.workflow.Rollback(ctx, "conf-1", "ops@example.com", "winner rule was mis-extracted"))

	loser, err := f.store.GetRule(ctx, "rule-guidance")
	require.NoError(t, err)
	assert.Equal(t, contracts.RuleStatusPublished, loser.Status)

	conflict, err := f.store.GetConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConflictOpen, conflict.Status)
	assert.Nil(t, conflict.Resolution)

	// History untouched: resolution record plus a compensating rollback.
	recs, err := f.ledger.ListByConflict(ctx, "conf-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, contracts.OutcomeResolved, recs[0].Outcome)
	assert.Equal(t, contracts.OutcomeRollback, recs[1].Outcome)
	assert.Equal(t, "ops@example.com", recs[1].ResolvedBy)
	assert.NoError(t, f.ledger.VerifyChain(ctx))
}

func TestRollbackOpenConflictIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedConflict(t, "conf-open", contracts.ScopeConflict, "", "")

	require.NoError(t, f.workflow.Rollback(ctx, "conf-open", "ops@example.com", "nothing to undo"))

	// No compensating record for a rollback that undid nothing.
	recs, err := f.ledger.ListByConflict(ctx, "conf-open")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRollbackThenResolveAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRule(t, "rule-law", contracts.AuthorityLaw, contracts.RiskTierT1, testTime.AddDate(-1, 0, 0))
	f.seedRule(t, "rule-guidance", contracts.AuthorityGuidance, contracts.RiskTierT2, testTime.AddDate(-1, 0, 0))
	f.seedConflict(t, "conf-1", contracts.ScopeConflict, "rule-law", "rule-guidance")

	_, err := f.workflow.ResolveConflict(ctx, "conf-1")
	require.NoError(t, err)
	require.NoError(t, f.workflow.Rollback(ctx, "conf-1", "ops@example.com", "re-check"))

	res, err := f.workflow.ResolveConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeResolved, res.Outcome)
	assert.Equal(t, "rule-law", res.WinnerRuleID)

	conflict, err := f.store.GetConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConflictResolved, conflict.Status)
}

func TestResolveConflictMissingRuleEscalates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRule(t, "rule-law", contracts.AuthorityLaw, contracts.RiskTierT1, testTime.AddDate(-1, 0, 0))
	f.seedConflict(t, "conf-missing", contracts.ScopeConflict, "rule-law", "rule-gone")

	res, err := f.workflow.ResolveConflict(ctx, "conf-missing")
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeEscalate, res.Outcome)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, contracts.ReasonConflictUnresolvable, res.Escalation.Reason)
}

// flakySink fails delivery once, simulating a review-queue outage between
// the audit write and the terminal status.
type flakySink struct {
	inner    *queue.ReviewSink
	failures int
}

func (s *flakySink) PublishEscalation(ctx context.Context, esc *contracts.Escalation) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("redis unavailable")
	}
	return s.inner.PublishEscalation(ctx, esc)
}

type countingObserver struct {
	escalated  int
	resolved   int
	lastReason string
}

func (o *countingObserver) RecordOutcome(_ context.Context, escalated bool, reason string) {
	if escalated {
		o.escalated++
		o.lastReason = reason
	} else {
		o.resolved++
	}
}

func TestEscalationPublishedToReviewQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dispatcher := queue.NewMemoryDispatcher()
	f.workflow.WithSink(queue.NewReviewSink(dispatcher))

	f.seedRule(t, "rule-a", contracts.AuthorityLaw, contracts.RiskTierT0, testTime.AddDate(-1, 0, 0))
	f.seedRule(t, "rule-b", contracts.AuthorityGuidance, contracts.RiskTierT0, testTime.AddDate(-2, 0, 0))
	f.seedConflict(t, "conf-t0", contracts.ScopeConflict, "rule-a", "rule-b")

	_, err := f.workflow.ResolveConflict(ctx, "conf-t0")
	require.NoError(t, err)

	jobs := dispatcher.Jobs(queue.ReviewQueue)
	require.Len(t, jobs, 1)
	esc, ok := jobs[0].Payload.(*contracts.Escalation)
	require.True(t, ok)
	assert.Equal(t, "conf-t0", esc.ConflictID)
	assert.Equal(t, contracts.ReasonConflictBothT0, esc.Reason)

	// A call on the now-terminal conflict publishes nothing new.
	_, err = f.workflow.ResolveConflict(ctx, "conf-t0")
	require.NoError(t, err)
	assert.Len(t, dispatcher.Jobs(queue.ReviewQueue), 1)
}

// A failed publish keeps the conflict OPEN; the retry delivers exactly one
// review job and one audit record.
func TestEscalationPublishRetriedAfterSinkFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dispatcher := queue.NewMemoryDispatcher()
	f.workflow.WithSink(&flakySink{inner: queue.NewReviewSink(dispatcher), failures: 1})

	f.seedRule(t, "rule-a", contracts.AuthorityLaw, contracts.RiskTierT0, testTime.AddDate(-1, 0, 0))
	f.seedRule(t, "rule-b", contracts.AuthorityGuidance, contracts.RiskTierT0, testTime.AddDate(-2, 0, 0))
	f.seedConflict(t, "conf-t0", contracts.ScopeConflict, "rule-a", "rule-b")

	_, err := f.workflow.ResolveConflict(ctx, "conf-t0")
	require.Error(t, err)

	conflict, err := f.store.GetConflict(ctx, "conf-t0")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConflictOpen, conflict.Status)

	_, err = f.workflow.ResolveConflict(ctx, "conf-t0")
	require.NoError(t, err)
	assert.Len(t, dispatcher.Jobs(queue.ReviewQueue), 1)
	assert.Equal(t, 1, f.ledger.Size())
}

func TestOutcomeObserverCounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	obs := &countingObserver{}
	f.workflow.WithObserver(obs)

	f.seedRule(t, "rule-law", contracts.AuthorityLaw, contracts.RiskTierT1, testTime.AddDate(-1, 0, 0))
	f.seedRule(t, "rule-guidance", contracts.AuthorityGuidance, contracts.RiskTierT2, testTime.AddDate(-1, 0, 0))
	f.seedConflict(t, "conf-auto", contracts.ScopeConflict, "rule-law", "rule-guidance")
	f.seedConflict(t, "conf-source", contracts.SourceConflict, "", "")

	_, err := f.workflow.ResolveConflict(ctx, "conf-auto")
	require.NoError(t, err)
	_, err = f.workflow.ResolveConflict(ctx, "conf-source")
	require.NoError(t, err)

	assert.Equal(t, 1, obs.resolved)
	assert.Equal(t, 1, obs.escalated)
	assert.Equal(t, string(contracts.ReasonSourceConflict), obs.lastReason)
}

func TestResolveOpenBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRule(t, "rule-law", contracts.AuthorityLaw, contracts.RiskTierT1, testTime.AddDate(-1, 0, 0))
	f.seedRule(t, "rule-guidance", contracts.AuthorityGuidance, contracts.RiskTierT2, testTime.AddDate(-1, 0, 0))
	f.seedConflict(t, "conf-a", contracts.ScopeConflict, "rule-law", "rule-guidance")
	f.seedConflict(t, "conf-b", contracts.SourceConflict, "", "")

	done, err := f.workflow.ResolveOpenBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, done)

	remaining, err := f.store.ScanOpenConflicts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
