// Package gateway is the storage access layer for the truth pipeline. It
// exposes bounded batch scans per stage and an atomic conditional claim so
// concurrent workers can never double-process an item.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/truthlayer/core/pkg/contracts"
)

var (
	ErrRuleNotFound     = errors.New("rule not found")
	ErrConflictNotFound = errors.New("conflict not found")
)

// WorkItemType names the pipeline artifact a stage drains.
type WorkItemType string

const (
	ItemDiscovery     WorkItemType = "discovery"      // discovered source URLs awaiting fetch
	ItemOCR           WorkItemType = "ocr"            // fetched documents awaiting OCR
	ItemEvidence      WorkItemType = "evidence"       // OCR'd evidence awaiting extraction
	ItemSourcePointer WorkItemType = "source_pointer" // extracted pointers awaiting rule composition
)

// WorkItemStatus is the claim lifecycle of a generic pipeline item.
type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "PENDING"
	WorkItemProcessing WorkItemStatus = "PROCESSING"
	WorkItemDone       WorkItemStatus = "DONE"
	WorkItemFailed     WorkItemStatus = "FAILED"
)

// WorkItem is one unit of upstream pipeline work tracked by the drainer.
// Stage-specific workers own the payload semantics; this layer only claims
// and dispatches.
type WorkItem struct {
	ID        string         `json:"id"`
	ItemType  WorkItemType   `json:"item_type"`
	Status    WorkItemStatus `json:"status"`
	Payload   string         `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the full storage surface consumed by the drain scheduler and the
// conflict workflow. Implementations must make Claim* operations atomic
// compare-and-swap: the transition succeeds for exactly one caller.
type Store interface {
	// Work items (stages 1–4).
	ScanWorkItems(ctx context.Context, itemType WorkItemType, status WorkItemStatus, limit int) ([]*WorkItem, error)
	ClaimWorkItem(ctx context.Context, id string, from, to WorkItemStatus) (bool, error)
	SaveWorkItem(ctx context.Context, item *WorkItem) error

	// Rules (stages 5 and 7, and the workflow's deprecation writes).
	GetRule(ctx context.Context, id string) (*contracts.RegulatoryRule, error)
	SaveRule(ctx context.Context, rule *contracts.RegulatoryRule) error
	ScanRulesByStatus(ctx context.Context, status contracts.RuleStatus, limit int) ([]*contracts.RegulatoryRule, error)
	// DeprecateRule flips the rule to DEPRECATED recording its prior status
	// and the note. Deprecating an already-deprecated rule is a no-op.
	DeprecateRule(ctx context.Context, id string, note *contracts.DeprecationNote) error
	// RestoreRule undoes a deprecation, returning the rule to the status it
	// held before. A rule that is not deprecated is left untouched.
	RestoreRule(ctx context.Context, id string) error

	// Conflicts (stage 6 and the workflow's terminal writes).
	GetConflict(ctx context.Context, id string) (*contracts.Conflict, error)
	SaveConflict(ctx context.Context, c *contracts.Conflict) error
	ScanOpenConflicts(ctx context.Context, limit int) ([]*contracts.Conflict, error)
	// CompleteConflict records the resolution and terminal status. Writing
	// the same terminal state twice is a no-op.
	CompleteConflict(ctx context.Context, id string, status contracts.ConflictStatus, res *contracts.Resolution) error
	// ReopenConflict clears the resolution and sets the conflict back to
	// OPEN. Reopening an OPEN conflict is a no-op.
	ReopenConflict(ctx context.Context, id string) error

	// Precedence edges back the specificity strategy. The stored set is the
	// source of truth; processes rebuild the in-memory graph from it at
	// startup. Acyclicity is enforced by the graph before an edge is saved.
	AddPrecedenceEdge(ctx context.Context, edge *contracts.PrecedenceEdge) error
	ScanPrecedenceEdges(ctx context.Context) ([]*contracts.PrecedenceEdge, error)

	// Ping verifies connectivity at startup; failure is fatal to the process.
	Ping(ctx context.Context) error
}
