// Package contracts defines the shared data model of the regulatory truth
// layer: rules, conflicts, precedence edges, resolutions, and audit records.
// Types here are plain data; all behavior lives in the packages that consume
// them.
package contracts

import "time"

// AuthorityLevel classifies the legal source category of a rule.
type AuthorityLevel string

const (
	AuthorityLaw       AuthorityLevel = "LAW"
	AuthorityGuidance  AuthorityLevel = "GUIDANCE"
	AuthorityProcedure AuthorityLevel = "PROCEDURE"
	AuthorityPractice  AuthorityLevel = "PRACTICE"
)

// Score returns the ordinal authority rank. Lower wins: LAW=1 … PRACTICE=4.
// Unknown levels rank below PRACTICE so they can never beat a known level.
func (a AuthorityLevel) Score() int {
	switch a {
	case AuthorityLaw:
		return 1
	case AuthorityGuidance:
		return 2
	case AuthorityProcedure:
		return 3
	case AuthorityPractice:
		return 4
	default:
		return 5
	}
}

// RiskTier classifies the financial/legal stakes of a rule. T0 is highest.
type RiskTier string

const (
	RiskTierT0 RiskTier = "T0"
	RiskTierT1 RiskTier = "T1"
	RiskTierT2 RiskTier = "T2"
	RiskTierT3 RiskTier = "T3"
)

// RuleStatus is the lifecycle state of a regulatory rule.
type RuleStatus string

const (
	RuleStatusDraft      RuleStatus = "DRAFT"
	RuleStatusApproved   RuleStatus = "APPROVED"
	RuleStatusPublished  RuleStatus = "PUBLISHED"
	RuleStatusDeprecated RuleStatus = "DEPRECATED"
)

// RegulatoryRule is one machine-extracted regulatory statement (a threshold,
// deadline, or rate) tied to a concept and an authority source.
//
// Rules are never deleted. The only mutation the conflict workflow performs
// is deprecation: status flips to DEPRECATED and DeprecationNote records the
// conflict and the winning rule.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type RegulatoryRule struct {
	ID             string         `json:"id"`
	ConceptSlug    string         `json:"concept_slug"`
	Value          string         `json:"value"`
	AuthorityLevel AuthorityLevel `json:"authority_level"`
	RiskTier       RiskTier       `json:"risk_tier"`
	Status         RuleStatus     `json:"status"`
	Confidence     float64        `json:"confidence"`

	// SourceHierarchy is the rank of the rule's highest-authority source
	// document: 1=Constitution … 7=Practice. Zero means unknown.
	SourceHierarchy int `json:"source_hierarchy,omitempty"`

	// ApplicabilityText is the opaque applicable-condition text shipped to
	// the arbitration oracle. It is never evaluated locally.
	ApplicabilityText string `json:"applicability_text,omitempty"`

	// SourceQuote is the verbatim evidence excerpt backing the rule.
	SourceQuote string `json:"source_quote,omitempty"`

	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`

	DeprecationNote *DeprecationNote `json:"deprecation_note,omitempty"`
}

// DeprecationNote explains why a rule was deprecated and which rule won.
type DeprecationNote struct {
	ConflictID   string    `json:"conflict_id"`
	WinnerRuleID string    `json:"winner_rule_id"`
	Strategy     Strategy  `json:"strategy"`
	DeprecatedAt time.Time `json:"deprecated_at"`
}

// EffectiveAt reports whether the rule's validity window covers t.
func (r *RegulatoryRule) EffectiveAt(t time.Time) bool {
	if t.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && t.After(*r.EffectiveUntil) {
		return false
	}
	return true
}
