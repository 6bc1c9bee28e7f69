package contracts

import "time"

// EscalationReason names why a conflict was forced to human review.
type EscalationReason string

const (
	ReasonConflictBothT0         EscalationReason = "CONFLICT_BOTH_T0"
	ReasonArbiterLowConfidence   EscalationReason = "ARBITER_LOW_CONFIDENCE"
	ReasonConflictEqualAuthority EscalationReason = "CONFLICT_EQUAL_AUTHORITY"
	ReasonConflictUnresolvable   EscalationReason = "CONFLICT_UNRESOLVABLE"
	ReasonSourceConflict         EscalationReason = "SOURCE_CONFLICT"
)

// ReviewPriority ranks the urgency of a human-review request.
type ReviewPriority string

const (
	PriorityCritical ReviewPriority = "CRITICAL"
	PriorityHigh     ReviewPriority = "HIGH"
)

// Fixed review SLAs per priority.
const (
	SLACritical = 4 * time.Hour
	SLAHigh     = 24 * time.Hour
)

// Escalation is a formal request for human judgment on a conflict. It carries
// everything the reviewer's queue needs to triage: both rules' tiers, the
// machine confidence, and a fixed priority/SLA derived from the reason.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Escalation struct {
	ID           string           `json:"id"`
	ConflictID   string           `json:"conflict_id"`
	ConflictType ConflictType     `json:"conflict_type"`
	RuleATier    RiskTier         `json:"rule_a_tier,omitempty"`
	RuleBTier    RiskTier         `json:"rule_b_tier,omitempty"`
	Confidence   float64          `json:"confidence"`
	Reason       EscalationReason `json:"reason"`
	Priority     ReviewPriority   `json:"priority"`
	SLA          time.Duration    `json:"sla"`
	RequestedAt  time.Time        `json:"requested_at"`
}

// PriorityFor maps an escalation reason to its fixed review priority and SLA.
// Both-T0 conflicts are CRITICAL/4h; everything else is HIGH/24h.
func PriorityFor(reason EscalationReason) (ReviewPriority, time.Duration) {
	if reason == ReasonConflictBothT0 {
		return PriorityCritical, SLACritical
	}
	return PriorityHigh, SLAHigh
}
