// Package arbiter consumes the external arbitration oracle: a rate-limited,
// timeout-bounded reasoning service asked to adjudicate conflicts that the
// deterministic precedence strategies cannot.
//
// The oracle is deliberately modeled as an unreliable capability. Its result
// is a sum type — Resolved(verdict) or Unavailable(reason) — never an error
// used for control flow. Callers pattern-match and apply the escalation rules
// uniformly, so oracle downtime degrades auto-resolution throughput, not data
// integrity.
package arbiter

import (
	"context"
	"time"

	"github.com/truthlayer/core/pkg/contracts"
)

// Claim is one side of a conflict as presented to the oracle.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Claim struct {
	ItemID         string     `json:"item_id"`
	ItemType       string     `json:"item_type"`
	Claim          string     `json:"claim"`
	Value          string     `json:"value,omitempty"`
	Authority      string     `json:"authority,omitempty"`
	EffectiveFrom  time.Time  `json:"effective_from,omitempty"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	Condition      string     `json:"condition,omitempty"`
	SourceQuote    string     `json:"source_quote,omitempty"`
}

// Request is a structured conflict description. It always carries at least
// two claims.
type Request struct {
	ConflictID   string                 `json:"conflict_id"`
	ConflictType contracts.ConflictType `json:"conflict_type"`
	Claims       []Claim                `json:"claims"`
}

// Verdict is the oracle's typed adjudication of a conflict.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Verdict struct {
	WinningItemID string             `json:"winning_item_id"`
	Strategy      contracts.Strategy `json:"strategy"`
	Rationale     string             `json:"rationale"`
	// RationaleBG is the Bulgarian-language variant shown in the review UI.
	RationaleBG         string  `json:"rationale_bg,omitempty"`
	Confidence          float64 `json:"confidence"`
	RequiresHumanReview bool    `json:"requires_human_review"`
	ReviewReason        string  `json:"review_reason,omitempty"`
}

// Outcome is the sum type returned by every arbitration attempt.
type Outcome struct {
	verdict *Verdict
	reason  string
}

// Resolved wraps a verdict into a successful outcome.
func Resolved(v *Verdict) Outcome {
	return Outcome{verdict: v}
}

// Unavailable marks the oracle as unusable for this conflict: timeout, retry
// exhaustion, malformed output, or rate-gate rejection.
func Unavailable(reason string) Outcome {
	return Outcome{reason: reason}
}

// Verdict returns the verdict and true when the oracle resolved the conflict.
func (o Outcome) Verdict() (*Verdict, bool) {
	return o.verdict, o.verdict != nil
}

// Reason returns the unavailability reason; empty for resolved outcomes.
func (o Outcome) Reason() string {
	return o.reason
}

// Oracle is the arbitration capability consumed by the resolution engine.
type Oracle interface {
	Arbitrate(ctx context.Context, req Request) Outcome
}
