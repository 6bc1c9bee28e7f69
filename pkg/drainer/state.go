package drainer

import (
	"sync"
	"time"
)

// StageMetrics accumulates one stage's lifetime counters plus its most
// recent error and run time. Reset on process restart; the heartbeat sink
// mirrors it externally for observability only.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type StageMetrics struct {
	Stage           string       `json:"stage"`
	ItemsProcessed  int64        `json:"items_processed"`
	TotalDurationMs int64        `json:"total_duration_ms"`
	LastError       string       `json:"last_error,omitempty"`
	LastRunAt       time.Time    `json:"last_run_at"`
	Breaker         BreakerState `json:"breaker"`
}

// Snapshot is a point-in-time copy of the whole drainer's state, safe to
// serialize and publish.
type Snapshot struct {
	IsRunning      bool           `json:"is_running"`
	BackoffDelayMs int64          `json:"backoff_delay_ms"`
	CycleCount     int64          `json:"cycle_count"`
	Stages         []StageMetrics `json:"stages"`
}

// State is the in-memory, process-wide drainer state. All access is through
// the mutex; the scheduler writes, the heartbeat and health endpoints read.
type State struct {
	mu sync.RWMutex

	running bool
	backoff time.Duration
	cycles  int64
	order   []string
	stages  map[string]*StageMetrics
}

// NewState creates state with one empty metrics slot per stage, preserving
// the given order in snapshots.
func NewState(stageNames []string) *State {
	s := &State{
		order:  append([]string(nil), stageNames...),
		stages: make(map[string]*StageMetrics, len(stageNames)),
	}
	for _, name := range stageNames {
		s.stages[name] = &StageMetrics{Stage: name, Breaker: BreakerClosed}
	}
	return s
}

// RecordStage stores the outcome of one stage execution. A nil err clears
// the stage's lastError.
func (s *State) RecordStage(name string, items int, duration time.Duration, err error, breaker BreakerState, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.stages[name]
	if !ok {
		m = &StageMetrics{Stage: name}
		s.stages[name] = m
		s.order = append(s.order, name)
	}
	m.ItemsProcessed += int64(items)
	m.TotalDurationMs += duration.Milliseconds()
	m.LastRunAt = at
	m.Breaker = breaker
	if err != nil {
		m.LastError = err.Error()
	} else {
		m.LastError = ""
	}
}

// SetRunning flips the global running flag.
func (s *State) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// SetBackoff records the current poll delay.
func (s *State) SetBackoff(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff = d
}

// IncCycle bumps the cycle counter and returns the new value.
func (s *State) IncCycle() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	return s.cycles
}

// Snapshot returns a copy of the full state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		IsRunning:      s.running,
		BackoffDelayMs: s.backoff.Milliseconds(),
		CycleCount:     s.cycles,
		Stages:         make([]StageMetrics, 0, len(s.order)),
	}
	for _, name := range s.order {
		snap.Stages = append(snap.Stages, *s.stages[name])
	}
	return snap
}
