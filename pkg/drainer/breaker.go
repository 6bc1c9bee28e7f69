package drainer

import (
	"sync"
	"time"
)

// BreakerState is the circuit state of one stage.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Breaker defaults. The window is a count of recent executions, not a time
// span; a stage runs at most once per cycle so ten samples cover the last
// ten cycles.
const (
	defaultWindowSize = 10
	defaultMinSamples = 4
	defaultErrorRate  = 0.30
	defaultCooldown   = 5 * time.Minute
)

// Breaker is a per-stage circuit breaker. CLOSED trips to OPEN when the
// error rate over the rolling window exceeds the threshold; OPEN admits a
// single probe after the cooldown (HALF_OPEN); the probe's outcome decides
// between CLOSED and another OPEN period.
//
// Each stage owns its breaker, so one stage's outage never stalls another.
type Breaker struct {
	mu sync.Mutex

	name       string
	windowSize int
	minSamples int
	errorRate  float64
	cooldown   time.Duration

	state    BreakerState
	window   []bool // true = failure; oldest first, capped at windowSize
	openedAt time.Time
	probing  bool

	clock func() time.Time
}

// NewBreaker creates a closed breaker with default thresholds.
func NewBreaker(name string) *Breaker {
	return &Breaker{
		name:       name,
		windowSize: defaultWindowSize,
		minSamples: defaultMinSamples,
		errorRate:  defaultErrorRate,
		cooldown:   defaultCooldown,
		state:      BreakerClosed,
		clock:      time.Now,
	}
}

// WithCooldown overrides the OPEN cooldown.
func (b *Breaker) WithCooldown(d time.Duration) *Breaker {
	b.cooldown = d
	return b
}

// WithThresholds overrides the rolling-window parameters. Non-positive
// values keep the defaults, so an unset profile section changes nothing.
func (b *Breaker) WithThresholds(windowSize, minSamples int, errorRate float64) *Breaker {
	if windowSize > 0 {
		b.windowSize = windowSize
	}
	if minSamples > 0 {
		b.minSamples = minSamples
	}
	if errorRate > 0 {
		b.errorRate = errorRate
	}
	return b
}

// WithClock overrides the clock for testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow reports whether a call may proceed. An OPEN breaker past its
// cooldown transitions to HALF_OPEN and admits exactly one probe; further
// calls are rejected until that probe is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Record feeds one execution outcome into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
		if err == nil {
			b.state = BreakerClosed
			b.window = b.window[:0]
		} else {
			b.state = BreakerOpen
			b.openedAt = b.clock()
		}
		return
	}

	b.window = append(b.window, err != nil)
	if len(b.window) > b.windowSize {
		b.window = b.window[1:]
	}

	if len(b.window) < b.minSamples {
		return
	}
	failures := 0
	for _, failed := range b.window {
		if failed {
			failures++
		}
	}
	if float64(failures)/float64(len(b.window)) > b.errorRate {
		b.state = BreakerOpen
		b.openedAt = b.clock()
		b.window = b.window[:0]
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
