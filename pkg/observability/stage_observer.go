package observability

import (
	"context"
	"time"
)

// StageObserver adapts the provider's RED instruments to the drain
// executor's observer hook.
type StageObserver struct {
	provider *Provider
}

// NewStageObserver wraps a provider; nil is allowed and yields a no-op.
func NewStageObserver(provider *Provider) *StageObserver {
	return &StageObserver{provider: provider}
}

// ObserveStage implements drainer.StageObserver.
func (o *StageObserver) ObserveStage(ctx context.Context, stage string, items int, duration time.Duration, err error) {
	if o.provider == nil {
		return
	}
	o.provider.RecordStage(ctx, stage, int64(items), duration, err != nil)
}
