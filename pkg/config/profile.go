package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is an operator-tuned YAML overlay for drain and resolution
// behavior. Every field is optional; zero values fall back to compiled
// defaults.
type Profile struct {
	Name    string         `yaml:"name" json:"name"`
	Drain   DrainProfile   `yaml:"drain" json:"drain"`
	Breaker BreakerProfile `yaml:"breaker" json:"breaker"`
	Oracle  OracleProfile  `yaml:"oracle" json:"oracle"`
	Queues  []QueueLimit   `yaml:"queues,omitempty" json:"queues,omitempty"`
}

// DrainProfile tunes the scheduler's poll delay bounds.
type DrainProfile struct {
	FloorMs   int `yaml:"floor_ms" json:"floor_ms"`
	CeilingMs int `yaml:"ceiling_ms" json:"ceiling_ms"`
}

// BreakerProfile tunes the per-stage circuit breakers.
type BreakerProfile struct {
	WindowSize  int     `yaml:"window_size" json:"window_size"`
	MinSamples  int     `yaml:"min_samples" json:"min_samples"`
	ErrorRate   float64 `yaml:"error_rate" json:"error_rate"`
	CooldownSec int     `yaml:"cooldown_sec" json:"cooldown_sec"`
}

// OracleProfile tunes the arbitration oracle's rate gate.
type OracleProfile struct {
	MaxConcurrent  int `yaml:"max_concurrent" json:"max_concurrent"`
	CallsPerMinute int `yaml:"calls_per_minute" json:"calls_per_minute"`
	MinSpacingMs   int `yaml:"min_spacing_ms" json:"min_spacing_ms"`
	TimeoutSec     int `yaml:"timeout_sec" json:"timeout_sec"`
}

// QueueLimit is an operator-configured per-queue dispatch rate limit.
type QueueLimit struct {
	Queue         string `yaml:"queue" json:"queue"`
	JobsPerMinute int    `yaml:"jobs_per_minute" json:"jobs_per_minute"`
	Burst         int    `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// LoadProfile reads a YAML profile from path. An empty path returns an empty
// profile, so callers need no special case for "no profile configured".
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return &Profile{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := profile.validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	return &profile, nil
}

func (p *Profile) validate() error {
	if p.Drain.FloorMs < 0 || p.Drain.CeilingMs < 0 {
		return fmt.Errorf("drain delays must be non-negative")
	}
	if p.Drain.FloorMs > 0 && p.Drain.CeilingMs > 0 && p.Drain.CeilingMs < p.Drain.FloorMs {
		return fmt.Errorf("drain ceiling %dms is below floor %dms", p.Drain.CeilingMs, p.Drain.FloorMs)
	}
	if p.Breaker.WindowSize < 0 || p.Breaker.MinSamples < 0 || p.Breaker.CooldownSec < 0 {
		return fmt.Errorf("breaker thresholds must be non-negative")
	}
	if p.Breaker.ErrorRate < 0 || p.Breaker.ErrorRate > 1 {
		return fmt.Errorf("breaker error_rate %v must be within [0, 1]", p.Breaker.ErrorRate)
	}
	if p.Breaker.MinSamples > 0 && p.Breaker.WindowSize > 0 && p.Breaker.MinSamples > p.Breaker.WindowSize {
		return fmt.Errorf("breaker min_samples %d exceeds window_size %d", p.Breaker.MinSamples, p.Breaker.WindowSize)
	}
	for _, q := range p.Queues {
		if q.Queue == "" {
			return fmt.Errorf("queue limit with empty queue name")
		}
		if q.JobsPerMinute < 0 || q.Burst < 0 {
			return fmt.Errorf("queue %s: limits must be non-negative", q.Queue)
		}
	}
	return nil
}

// DrainFloor returns the configured floor or the given default.
func (p *Profile) DrainFloor(def time.Duration) time.Duration {
	if p.Drain.FloorMs > 0 {
		return time.Duration(p.Drain.FloorMs) * time.Millisecond
	}
	return def
}

// DrainCeiling returns the configured ceiling or the given default.
func (p *Profile) DrainCeiling(def time.Duration) time.Duration {
	if p.Drain.CeilingMs > 0 {
		return time.Duration(p.Drain.CeilingMs) * time.Millisecond
	}
	return def
}

// BreakerCooldown returns the configured breaker cooldown or the given
// default.
func (p *Profile) BreakerCooldown(def time.Duration) time.Duration {
	if p.Breaker.CooldownSec > 0 {
		return time.Duration(p.Breaker.CooldownSec) * time.Second
	}
	return def
}
