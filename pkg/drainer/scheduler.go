// Package drainer is the 24/7 control loop of the truth pipeline: it walks
// seven stages in fixed order each cycle, backs off exponentially while the
// backlog is empty, and snaps back to fast polling the moment work appears.
package drainer

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Poll delay bounds.
const (
	DefaultFloor   = 1000 * time.Millisecond
	DefaultCeiling = 60 * time.Second
)

// HeartbeatSink receives one state snapshot per cycle. Publishing is
// best-effort; a sink failure never affects the loop.
type HeartbeatSink interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// Scheduler sequences the stage executors. One scheduler per deployment;
// running two against the same stores double-dispatches.
type Scheduler struct {
	stages    []*StageExecutor
	state     *State
	heartbeat HeartbeatSink
	floor     time.Duration
	ceiling   time.Duration
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewScheduler builds a scheduler over the given stages. The heartbeat sink
// may be nil.
func NewScheduler(stages []*StageExecutor, state *State, heartbeat HeartbeatSink, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		stages:    stages,
		state:     state,
		heartbeat: heartbeat,
		floor:     DefaultFloor,
		ceiling:   DefaultCeiling,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// WithBounds overrides the poll delay floor and ceiling.
func (s *Scheduler) WithBounds(floor, ceiling time.Duration) *Scheduler {
	if floor > 0 {
		s.floor = floor
	}
	if ceiling >= s.floor {
		s.ceiling = ceiling
	}
	return s
}

// Run drives cycles until the context is cancelled. Cancellation is checked
// at the top of each iteration; an in-flight stage finishes its current
// execution before the loop observes it. Run always returns nil on a clean
// shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	s.state.SetRunning(true)
	s.state.SetBackoff(s.floor)
	defer s.state.SetRunning(false)

	delay := s.floor
	s.logger.Info("drain scheduler started",
		"stages", len(s.stages), "floor_ms", s.floor.Milliseconds(), "ceiling_ms", s.ceiling.Milliseconds())

	for {
		if ctx.Err() != nil {
			s.logger.Info("drain scheduler stopping")
			return nil
		}

		processed := s.runCycle(ctx)
		delay = s.NextDelay(delay, processed)
		s.state.SetBackoff(delay)
		cycle := s.state.IncCycle()

		s.publishHeartbeat(ctx)
		s.logger.Debug("cycle complete",
			"cycle", cycle, "items", processed, "next_delay_ms", delay.Milliseconds())

		if err := s.sleep(ctx, delay); err != nil {
			s.logger.Info("drain scheduler stopping")
			return nil
		}
	}
}

// runCycle executes every stage once, in order. Stage failures and open
// breakers are absorbed here; nothing short of context cancellation stops
// the walk.
func (s *Scheduler) runCycle(ctx context.Context) int {
	total := 0
	for _, stage := range s.stages {
		if ctx.Err() != nil {
			return total
		}
		items, err := stage.Execute(ctx)
		if err != nil && !errors.Is(err, ErrBreakerOpen) {
			// Already logged and recorded by the executor.
			continue
		}
		total += items
	}
	return total
}

// NextDelay applies the backoff policy: any processed item resets to the
// floor, an idle cycle doubles up to the ceiling.
func (s *Scheduler) NextDelay(current time.Duration, processed int) time.Duration {
	if processed > 0 {
		return s.floor
	}
	next := current * 2
	if next > s.ceiling {
		next = s.ceiling
	}
	return next
}

func (s *Scheduler) publishHeartbeat(ctx context.Context) {
	if s.heartbeat == nil {
		return
	}
	if err := s.heartbeat.Publish(ctx, s.state.Snapshot()); err != nil {
		s.logger.Warn("heartbeat publish failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
