// Package queue is the job-dispatch boundary of the drain pipeline. The core
// owns none of the queue machinery; it only requires deduplication by a
// caller-supplied idempotency key and per-queue rate limiting.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// ErrRateLimited is returned when a queue's token bucket rejects a dispatch.
// The stage executor treats it like any other stage failure: counted by the
// breaker, retried on a later cycle.
var ErrRateLimited = errors.New("queue rate limit exceeded")

// Dispatcher enqueues durable jobs. Implementations must deduplicate on the
// idempotency key at least for the retention window of one drain cycle, so
// re-dispatching the same backlog batch is a no-op.
type Dispatcher interface {
	Enqueue(ctx context.Context, queueName string, payload any, idempotencyKey string) error
}

// IdempotencyKey derives a deterministic job identity from the sorted set of
// entity ids in a batch. The id set is canonicalized with RFC 8785 JSON
// before hashing, so the same batch produces the same key in every process
// regardless of scan order.
func IdempotencyKey(queueName string, entityIDs []string) (string, error) {
	ids := append([]string(nil), entityIDs...)
	sort.Strings(ids)

	raw, err := json.Marshal(struct {
		Queue string   `json:"queue"`
		IDs   []string `json:"ids"`
	}{Queue: queueName, IDs: ids})
	if err != nil {
		return "", fmt.Errorf("queue: marshal key material: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("queue: canonicalize key material: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
