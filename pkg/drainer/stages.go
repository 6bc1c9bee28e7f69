package drainer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/truthlayer/core/pkg/contracts"
	"github.com/truthlayer/core/pkg/gateway"
	"github.com/truthlayer/core/pkg/queue"
	"github.com/truthlayer/core/pkg/workflow"
)

// The seven pipeline stages, in drain order. Stage N's effects (new open
// conflicts, newly approved rules) are picked up by a later stage in the
// same cycle.
const (
	StageDiscovery   = "discovery"
	StageOCR         = "ocr"
	StageExtraction  = "extraction"
	StageComposition = "composition"
	StageReview      = "review"
	StageConflicts   = "conflicts"
	StageRelease     = "release"
)

// StageNames is the fixed drain order.
var StageNames = []string{
	StageDiscovery, StageOCR, StageExtraction, StageComposition,
	StageReview, StageConflicts, StageRelease,
}

// Per-stage scan batch sizes, sized by stage cost: OCR jobs are heavy,
// release is a cheap status flip.
const (
	batchDiscovery   = 50
	batchOCR         = 10
	batchExtraction  = 25
	batchComposition = 25
	batchReview      = 20
	batchConflicts   = 10
	batchRelease     = 100
)

// BuildStages wires the seven stage executors over the storage gateway, the
// job dispatcher, and the conflict workflow.
func BuildStages(store gateway.Store, dispatcher queue.Dispatcher, wf *workflow.Workflow, state *State, logger *slog.Logger) []*StageExecutor {
	return []*StageExecutor{
		NewStageExecutor(StageDiscovery,
			workItemStage(store, dispatcher, gateway.ItemDiscovery, StageDiscovery, batchDiscovery), state, logger),
		NewStageExecutor(StageOCR,
			workItemStage(store, dispatcher, gateway.ItemOCR, StageOCR, batchOCR), state, logger),
		NewStageExecutor(StageExtraction,
			workItemStage(store, dispatcher, gateway.ItemEvidence, StageExtraction, batchExtraction), state, logger),
		NewStageExecutor(StageComposition,
			workItemStage(store, dispatcher, gateway.ItemSourcePointer, StageComposition, batchComposition), state, logger),
		NewStageExecutor(StageReview,
			ruleStage(store, dispatcher, contracts.RuleStatusDraft, StageReview, batchReview), state, logger),
		NewStageExecutor(StageConflicts,
			conflictStage(wf, batchConflicts), state, logger),
		NewStageExecutor(StageRelease,
			ruleStage(store, dispatcher, contracts.RuleStatusApproved, StageRelease, batchRelease), state, logger),
	}
}

// workItemStage drains one work-item type: scan the pending backlog, claim
// each item with an atomic compare-and-swap, and dispatch the claimed batch
// as a single idempotent job. Items another worker claimed first are simply
// skipped.
func workItemStage(store gateway.Store, dispatcher queue.Dispatcher, itemType gateway.WorkItemType, queueName string, batch int) StageFunc {
	return func(ctx context.Context) (int, error) {
		items, err := store.ScanWorkItems(ctx, itemType, gateway.WorkItemPending, batch)
		if err != nil {
			return 0, fmt.Errorf("scan %s backlog: %w", itemType, err)
		}
		if len(items) == 0 {
			return 0, nil
		}

		var claimed []string
		for _, item := range items {
			ok, err := store.ClaimWorkItem(ctx, item.ID, gateway.WorkItemPending, gateway.WorkItemProcessing)
			if err != nil {
				return len(claimed), fmt.Errorf("claim %s: %w", item.ID, err)
			}
			if ok {
				claimed = append(claimed, item.ID)
			}
		}
		if len(claimed) == 0 {
			return 0, nil
		}

		if err := dispatchBatch(ctx, dispatcher, queueName, claimed); err != nil {
			return 0, err
		}
		return len(claimed), nil
	}
}

// ruleStage dispatches rules in a given lifecycle status to their downstream
// queue. Rules are not claimed here; the dedup key makes re-dispatching the
// same backlog a queue-level no-op.
func ruleStage(store gateway.Store, dispatcher queue.Dispatcher, status contracts.RuleStatus, queueName string, batch int) StageFunc {
	return func(ctx context.Context) (int, error) {
		rules, err := store.ScanRulesByStatus(ctx, status, batch)
		if err != nil {
			return 0, fmt.Errorf("scan %s rules: %w", status, err)
		}
		if len(rules) == 0 {
			return 0, nil
		}

		ids := make([]string, 0, len(rules))
		for _, r := range rules {
			ids = append(ids, r.ID)
		}
		if err := dispatchBatch(ctx, dispatcher, queueName, ids); err != nil {
			return 0, err
		}
		return len(ids), nil
	}
}

// conflictStage resolves open conflicts inline rather than dispatching them;
// resolution is the one stage whose work the core owns.
func conflictStage(wf *workflow.Workflow, batch int) StageFunc {
	return func(ctx context.Context) (int, error) {
		return wf.ResolveOpenBatch(ctx, batch)
	}
}

func dispatchBatch(ctx context.Context, dispatcher queue.Dispatcher, queueName string, ids []string) error {
	key, err := queue.IdempotencyKey(queueName, ids)
	if err != nil {
		return err
	}
	payload := map[string]any{"ids": ids}
	if err := dispatcher.Enqueue(ctx, queueName, payload, key); err != nil {
		return fmt.Errorf("dispatch %d items to %s: %w", len(ids), queueName, err)
	}
	return nil
}
