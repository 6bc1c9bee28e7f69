package gateway

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truthlayer/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/truth.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func testRule(id string) *contracts.RegulatoryRule {
	return &contracts.RegulatoryRule{
		ID:             id,
		ConceptSlug:    "vat-registration-threshold",
		Value:          "BGN 100000",
		AuthorityLevel: contracts.AuthorityLaw,
		RiskTier:       contracts.RiskTierT1,
		Status:         contracts.RuleStatusPublished,
		Confidence:     0.95,
		EffectiveFrom:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testConflict(id string) *contracts.Conflict {
	return &contracts.Conflict{
		ID:           id,
		ConflictType: contracts.TemporalConflict,
		Status:       contracts.ConflictOpen,
		ItemAID:      "rule-a",
		ItemBID:      "rule-b",
		Confidence:   0.9,
		DetectedAt:   time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestRuleRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	rule := testRule("rule-a")
	rule.SourceHierarchy = 2
	until := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	rule.EffectiveUntil = &until
	require.NoError(t, store.SaveRule(ctx, rule))

	got, err := store.GetRule(ctx, "rule-a")
	require.NoError(t, err)
	assert.Equal(t, contracts.AuthorityLaw, got.AuthorityLevel)
	assert.Equal(t, 2, got.SourceHierarchy)
	require.NotNil(t, got.EffectiveUntil)
	assert.True(t, got.EffectiveUntil.Equal(until))
}

func TestGetRuleNotFound(t *testing.T) {
	store := openStore(t)
	_, err := store.GetRule(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestDeprecateAndRestoreRule(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.SaveRule(ctx, testRule("rule-b")))

	note := &contracts.DeprecationNote{
		ConflictID:   "conf-1",
		WinnerRuleID: "rule-a",
		Strategy:     contracts.StrategyHierarchy,
		DeprecatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.DeprecateRule(ctx, "rule-b", note))

	got, err := store.GetRule(ctx, "rule-b")
	require.NoError(t, err)
	assert.Equal(t, contracts.RuleStatusDeprecated, got.Status)
	require.NotNil(t, got.DeprecationNote)
	assert.Equal(t, "rule-a", got.DeprecationNote.WinnerRuleID)

	// Second deprecation is a no-op, not an error.
	require.NoError(t, store.DeprecateRule(ctx, "rule-b", note))

	require.NoError(t, store.RestoreRule(ctx, "rule-b"))
	got, err = store.GetRule(ctx, "rule-b")
	require.NoError(t, err)
	assert.Equal(t, contracts.RuleStatusPublished, got.Status)
	assert.Nil(t, got.DeprecationNote)

	// Restoring a non-deprecated rule is a no-op.
	require.NoError(t, store.RestoreRule(ctx, "rule-b"))
	got, err = store.GetRule(ctx, "rule-b")
	require.NoError(t, err)
	assert.Equal(t, contracts.RuleStatusPublished, got.Status)
}

func TestDeprecateMissingRule(t *testing.T) {
	store := openStore(t)
	err := store.DeprecateRule(context.Background(), "missing", &contracts.DeprecationNote{})
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.SaveConflict(ctx, testConflict("conf-1")))

	open, err := store.ScanOpenConflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	res := &contracts.Resolution{
		Outcome:      contracts.OutcomeResolved,
		WinnerRuleID: "rule-a",
		LoserRuleID:  "rule-b",
		Strategy:     contracts.StrategyHierarchy,
		Rationale:    "statute outranks guidance",
		Confidence:   0.95,
		ResolvedBy:   "resolution-engine",
		ResolvedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CompleteConflict(ctx, "conf-1", contracts.ConflictResolved, res))

	got, err := store.GetConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConflictResolved, got.Status)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, "rule-a", got.Resolution.WinnerRuleID)
	require.NotNil(t, got.ResolvedAt)

	// Completing an already-terminal conflict is a no-op.
	require.NoError(t, store.CompleteConflict(ctx, "conf-1", contracts.ConflictEscalated, res))
	got, err = store.GetConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConflictResolved, got.Status)

	open, err = store.ScanOpenConflicts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	require.NoError(t, store.ReopenConflict(ctx, "conf-1"))
	got, err = store.GetConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConflictOpen, got.Status)
	assert.Nil(t, got.Resolution)
	assert.Nil(t, got.ResolvedAt)

	// Reopening an OPEN conflict is a no-op.
	require.NoError(t, store.ReopenConflict(ctx, "conf-1"))
}

func TestReopenMissingConflict(t *testing.T) {
	store := openStore(t)
	err := store.ReopenConflict(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestWorkItemScanAndClaim(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	for _, id := range []string{"doc-1", "doc-2", "doc-3"} {
		require.NoError(t, store.SaveWorkItem(ctx, &WorkItem{
			ID:       id,
			ItemType: ItemOCR,
			Status:   WorkItemPending,
		}))
	}
	require.NoError(t, store.SaveWorkItem(ctx, &WorkItem{
		ID:       "src-1",
		ItemType: ItemDiscovery,
		Status:   WorkItemPending,
	}))

	items, err := store.ScanWorkItems(ctx, ItemOCR, WorkItemPending, 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	claimed, err := store.ClaimWorkItem(ctx, "doc-1", WorkItemPending, WorkItemProcessing)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claim must lose the compare-and-swap.
	claimed, err = store.ClaimWorkItem(ctx, "doc-1", WorkItemPending, WorkItemProcessing)
	require.NoError(t, err)
	assert.False(t, claimed)

	items, err = store.ScanWorkItems(ctx, ItemOCR, WorkItemPending, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestPrecedenceEdgeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	edge := &contracts.PrecedenceEdge{
		FromRuleID: "rule-special",
		ToRuleID:   "rule-general",
		Note:       "special VAT regime for farmers",
		CreatedAt:  time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.AddPrecedenceEdge(ctx, edge))

	// Re-asserting the same edge is a no-op.
	require.NoError(t, store.AddPrecedenceEdge(ctx, edge))

	edges, err := store.ScanPrecedenceEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "rule-special", edges[0].FromRuleID)
	assert.Equal(t, "rule-general", edges[0].ToRuleID)
	assert.Equal(t, "special VAT regime for farmers", edges[0].Note)
	assert.True(t, edges[0].CreatedAt.Equal(edge.CreatedAt))
}

func TestPing(t *testing.T) {
	store := openStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
