package drainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrBreakerOpen marks a stage skipped because its circuit is open. The
// scheduler treats it as "nothing processed", not as a new failure.
var ErrBreakerOpen = errors.New("stage circuit breaker is open")

// defaultStageTimeout bounds one stage execution. A stage may consume up to
// this budget but can never block the rest of the cycle beyond it.
const defaultStageTimeout = 2 * time.Minute

// StageFunc scans a bounded backlog batch and dispatches it, returning how
// many items it processed.
type StageFunc func(ctx context.Context) (int, error)

// StageObserver receives one callback per stage execution, for metrics
// export. Open-breaker skips are not observed.
type StageObserver interface {
	ObserveStage(ctx context.Context, stage string, items int, duration time.Duration, err error)
}

// StageExecutor wraps one stage's scan-and-dispatch function in a circuit
// breaker, an execution timeout, and a metrics recorder.
type StageExecutor struct {
	name     string
	fn       StageFunc
	breaker  *Breaker
	timeout  time.Duration
	state    *State
	observer StageObserver
	logger   *slog.Logger
	clock    func() time.Time
}

// NewStageExecutor builds an executor with its own breaker.
func NewStageExecutor(name string, fn StageFunc, state *State, logger *slog.Logger) *StageExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StageExecutor{
		name:    name,
		fn:      fn,
		breaker: NewBreaker(name),
		timeout: defaultStageTimeout,
		state:   state,
		logger:  logger,
		clock:   time.Now,
	}
}

// WithTimeout overrides the per-execution timeout.
func (e *StageExecutor) WithTimeout(d time.Duration) *StageExecutor {
	e.timeout = d
	return e
}

// WithBreaker substitutes the breaker, for tests that need tuned thresholds.
func (e *StageExecutor) WithBreaker(b *Breaker) *StageExecutor {
	e.breaker = b
	return e
}

// WithObserver attaches a metrics observer.
func (e *StageExecutor) WithObserver(obs StageObserver) *StageExecutor {
	e.observer = obs
	return e
}

// Name returns the stage name.
func (e *StageExecutor) Name() string { return e.name }

// Execute runs the stage once. A failure is recorded in metrics and counted
// by the breaker, then returned; the caller continues with the next stage.
func (e *StageExecutor) Execute(ctx context.Context) (int, error) {
	if !e.breaker.Allow() {
		return 0, fmt.Errorf("%w: %s", ErrBreakerOpen, e.name)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := e.clock()
	items, err := e.fn(ctx)
	elapsed := e.clock().Sub(start)

	e.breaker.Record(err)
	e.state.RecordStage(e.name, items, elapsed, err, e.breaker.State(), e.clock().UTC())
	if e.observer != nil {
		e.observer.ObserveStage(ctx, e.name, items, elapsed, err)
	}

	if err != nil {
		e.logger.Error("stage execution failed",
			"stage", e.name, "duration_ms", elapsed.Milliseconds(), "error", err)
		return items, fmt.Errorf("stage %s: %w", e.name, err)
	}
	if items > 0 {
		e.logger.Info("stage drained",
			"stage", e.name, "items", items, "duration_ms", elapsed.Milliseconds())
	}
	return items, nil
}
