package contracts

import "time"

// ConflictType categorizes how two rules (or two pieces of raw evidence)
// disagree.
type ConflictType string

const (
	// SourceConflict is raw evidence disagreement with no composed rules
	// attached. It never auto-resolves.
	SourceConflict ConflictType = "SOURCE_CONFLICT"
	// TemporalConflict is two rules whose validity windows collide.
	TemporalConflict ConflictType = "TEMPORAL_CONFLICT"
	// ScopeConflict is two rules claiming the same concept with different
	// applicability scopes.
	ScopeConflict ConflictType = "SCOPE_CONFLICT"
	// InterpretationConflict is substantive disagreement that deterministic
	// strategies cannot adjudicate; it always consults the oracle.
	InterpretationConflict ConflictType = "INTERPRETATION_CONFLICT"
)

// ConflictStatus is the workflow state of a conflict.
type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "OPEN"
	ConflictResolved  ConflictStatus = "RESOLVED"
	ConflictEscalated ConflictStatus = "ESCALATED"
)

// Conflict is a detected contradiction between two regulatory rules.
// Detection is upstream; this layer only consumes OPEN conflicts and drives
// each one to a terminal state exactly once. Rollback may reopen it.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Conflict struct {
	ID           string         `json:"id"`
	ConflictType ConflictType   `json:"conflict_type"`
	Status       ConflictStatus `json:"status"`

	// ItemAID and ItemBID reference the contesting rules. Either may be
	// empty for pure source conflicts.
	ItemAID string `json:"item_a_id,omitempty"`
	ItemBID string `json:"item_b_id,omitempty"`

	Confidence          float64     `json:"confidence"`
	RequiresHumanReview bool        `json:"requires_human_review"`
	Resolution          *Resolution `json:"resolution,omitempty"`

	DetectedAt time.Time  `json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PrecedenceEdge is one "overrides" assertion: the specific rule FromRuleID
// overrides the general rule ToRuleID. The edge set must stay acyclic.
type PrecedenceEdge struct {
	FromRuleID string    `json:"from_rule_id"`
	ToRuleID   string    `json:"to_rule_id"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
