package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/truthlayer/core/pkg/drainer"
)

// HeartbeatKey is where the scheduler's liveness snapshot lives in Redis.
const HeartbeatKey = "truth:drainer:heartbeat"

// heartbeatTTL must outlive the longest idle backoff, or a healthy but idle
// drainer looks dead.
const heartbeatTTL = 3 * time.Minute

// Heartbeat mirrors each cycle's state snapshot to Redis (for external
// liveness checks) and to the OTel meter. It implements
// drainer.HeartbeatSink.
type Heartbeat struct {
	client   *redis.Client
	provider *Provider
}

// NewHeartbeat builds a heartbeat sink. Either argument may be nil; the
// corresponding output is skipped.
func NewHeartbeat(client *redis.Client, provider *Provider) *Heartbeat {
	return &Heartbeat{client: client, provider: provider}
}

// Publish implements drainer.HeartbeatSink.
func (h *Heartbeat) Publish(ctx context.Context, snap drainer.Snapshot) error {
	if h.provider != nil {
		h.provider.RecordCycle(ctx, snap.BackoffDelayMs)
	}

	if h.client == nil {
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("heartbeat: marshal snapshot: %w", err)
	}
	if err := h.client.Set(ctx, HeartbeatKey, payload, heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("heartbeat: write to redis: %w", err)
	}
	return nil
}
