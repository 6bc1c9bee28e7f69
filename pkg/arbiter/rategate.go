package arbiter

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// GateConfig tunes the global oracle rate gate.
type GateConfig struct {
	// MaxConcurrent bounds in-flight oracle calls.
	MaxConcurrent int
	// CallsPerWindow and Window define the refill budget: at most
	// CallsPerWindow admissions per Window.
	CallsPerWindow int
	Window         time.Duration
	// MinSpacing is the minimum gap between consecutive admissions.
	MinSpacing time.Duration
}

// DefaultGateConfig matches the shared-oracle protection budget:
// two concurrent calls, ten per minute, at least three seconds apart.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxConcurrent:  2,
		CallsPerWindow: 10,
		Window:         time.Minute,
		MinSpacing:     3 * time.Second,
	}
}

// Gate is the process-wide admission control in front of the oracle. It is
// the only hard backpressure point in the pipeline.
type Gate struct {
	sem     chan struct{}
	window  *rate.Limiter
	spacing *rate.Limiter
}

// NewGate builds a gate from config. Zero values fall back to defaults.
func NewGate(cfg GateConfig) *Gate {
	def := DefaultGateConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.CallsPerWindow <= 0 {
		cfg.CallsPerWindow = def.CallsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = def.MinSpacing
	}

	return &Gate{
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		window:  rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.CallsPerWindow)), cfg.CallsPerWindow),
		spacing: rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
	}
}

// Acquire blocks until a call slot is available or ctx is done. Every
// successful Acquire must be paired with Release.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("arbiter gate: %w", ctx.Err())
	}

	if err := g.spacing.Wait(ctx); err != nil {
		<-g.sem
		return fmt.Errorf("arbiter gate: %w", err)
	}
	if err := g.window.Wait(ctx); err != nil {
		<-g.sem
		return fmt.Errorf("arbiter gate: %w", err)
	}
	return nil
}

// Release frees the concurrency slot taken by Acquire.
func (g *Gate) Release() {
	<-g.sem
}
