package contracts

import "time"

// Strategy names the precedence doctrine that produced a winner.
type Strategy string

const (
	// StrategySpecificity — lex specialis: an explicit override edge decides.
	StrategySpecificity Strategy = "specificity"
	// StrategyHierarchy — the higher legal source category decides.
	StrategyHierarchy Strategy = "hierarchy"
	// StrategyTemporal — lex posterior: the later-effective rule decides.
	StrategyTemporal Strategy = "temporal"
	// StrategyConservative — no deterministic winner; the arbitration
	// oracle (or a human) decides.
	StrategyConservative Strategy = "conservative"
)

// Outcome is the terminal disposition of a resolution attempt.
type Outcome string

const (
	OutcomeResolved Outcome = "RESOLVED"
	OutcomeEscalate Outcome = "ESCALATE_TO_HUMAN"
	// OutcomeRollback marks a compensating audit record written when an
	// operator reopens a terminal conflict. It never appears on a live
	// Resolution.
	OutcomeRollback Outcome = "ROLLBACK"
)

// Resolution is the decision record attached to a conflict. Set once when the
// conflict leaves OPEN; cleared only by rollback.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Resolution struct {
	Outcome      Outcome  `json:"outcome"`
	WinnerRuleID string   `json:"winner_rule_id,omitempty"`
	LoserRuleID  string   `json:"loser_rule_id,omitempty"`
	Strategy     Strategy `json:"strategy,omitempty"`
	Rationale    string   `json:"rationale"`
	Confidence   float64  `json:"confidence"`

	// Escalation is present only when Outcome is ESCALATE_TO_HUMAN.
	Escalation *Escalation `json:"escalation,omitempty"`

	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// ResolutionAudit is one immutable, append-only record of a resolution,
// escalation, or rollback event. Rollback appends a compensating record; it
// never rewrites history.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ResolutionAudit struct {
	ID         string   `json:"id"`
	ConflictID string   `json:"conflict_id"`
	RuleAID    string   `json:"rule_a_id,omitempty"`
	RuleBID    string   `json:"rule_b_id,omitempty"`
	Outcome    Outcome  `json:"outcome"`
	Strategy   Strategy `json:"strategy,omitempty"`
	Rationale  string   `json:"rationale"`
	ResolvedBy string   `json:"resolved_by"`

	// Attempt numbers the decision epoch this record belongs to: a
	// resolution's attempt counts the rollbacks that preceded it, a
	// rollback's attempt counts the resolutions it undoes. It keeps the
	// record identity stable across retries without involving the clock.
	Attempt int `json:"attempt"`

	// Metadata carries the raw comparisons behind the decision (authority
	// scores, source hierarchy ranks, effective dates) for reproducibility.
	Metadata map[string]string `json:"metadata,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
