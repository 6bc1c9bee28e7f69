// Package resolution implements deterministic conflict resolution between
// regulatory rules: lex specialis via the precedence graph, hierarchy of
// sources, lex posterior, and a conservative oracle-assisted fallback — all
// subject to a mandatory human-escalation predicate.
package resolution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/truthlayer/core/pkg/arbiter"
	"github.com/truthlayer/core/pkg/contracts"
	"github.com/truthlayer/core/pkg/precedence"
)

// Confidence floors below which no automatic resolution stands.
const (
	// MinOracleConfidence gates oracle verdicts.
	MinOracleConfidence = 0.80
	// MinRuleConfidence gates the extraction confidence of either rule.
	MinRuleConfidence = 0.85
)

// ResolverID identifies automatic resolutions in audit records.
const ResolverID = "resolution-engine"

// Engine decides conflicts. It is deterministic for identical inputs except
// on the oracle-assisted path, where determinism is delegated to the oracle's
// fixed-seed sampling.
type Engine struct {
	graph  *precedence.Graph
	oracle arbiter.Oracle
	logger *slog.Logger
	clock  func() time.Time
}

// NewEngine builds a resolution engine. The oracle may be nil, in which case
// every conflict that reaches the conservative path escalates.
func NewEngine(graph *precedence.Graph, oracle arbiter.Oracle, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{graph: graph, oracle: oracle, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// candidate is an internally computed winner before the escalation predicate
// has had its say.
type candidate struct {
	winner   *contracts.RegulatoryRule
	loser    *contracts.RegulatoryRule
	strategy contracts.Strategy
	rationale string
	// confidence of the decision itself; 0 means "derive from rules".
	confidence float64

	equalAuthority bool // authority scores tied when strategy was chosen
	equalDates     bool // effectiveFrom tied when strategy was chosen
	oracleUsed     bool
	reviewFlagged  bool // oracle set requires_human_review on its verdict
	reviewReason   string
}

// Resolve decides one conflict. It never returns an error: every failure mode
// maps to an ESCALATE_TO_HUMAN resolution, so the caller always receives a
// terminal disposition. The returned metadata carries the raw comparisons for
// the audit record.
func (e *Engine) Resolve(ctx context.Context, conflict *contracts.Conflict, ruleA, ruleB *contracts.RegulatoryRule) (*contracts.Resolution, map[string]string) {
	// Raw evidence disagreement has no rules to compare. Always a human call.
	if conflict.ConflictType == contracts.SourceConflict {
		return e.escalate(conflict, ruleA, ruleB, nil, contracts.ReasonSourceConflict,
			"source-level evidence disagreement requires human review"), nil
	}
	if ruleA == nil || ruleB == nil {
		return e.escalate(conflict, ruleA, ruleB, nil, contracts.ReasonConflictUnresolvable,
			"conflict references a missing rule"), nil
	}

	meta := comparisonMetadata(ruleA, ruleB)

	var cand *candidate
	if conflict.ConflictType == contracts.InterpretationConflict {
		// Interpretation disputes skip the deterministic ladder entirely.
		cand = e.consultOracle(ctx, conflict, ruleA, ruleB)
	} else {
		cand = e.deterministic(ruleA, ruleB)
		if cand == nil {
			cand = e.consultOracle(ctx, conflict, ruleA, ruleB)
		}
	}

	if cand == nil {
		return e.escalate(conflict, ruleA, ruleB, nil, contracts.ReasonArbiterLowConfidence,
			"no deterministic winner and the arbitration oracle was unavailable"), meta
	}

	if reason, why := e.mustEscalate(cand, ruleA, ruleB); reason != "" {
		res := e.escalate(conflict, ruleA, ruleB, cand, reason, why)
		return res, meta
	}

	confidence := cand.confidence
	if confidence == 0 {
		confidence = min(ruleA.Confidence, ruleB.Confidence)
	}

	return &contracts.Resolution{
		Outcome:      contracts.OutcomeResolved,
		WinnerRuleID: cand.winner.ID,
		LoserRuleID:  cand.loser.ID,
		Strategy:     cand.strategy,
		Rationale:    cand.rationale,
		Confidence:   confidence,
		ResolvedBy:   ResolverID,
		ResolvedAt:   e.clock().UTC(),
	}, meta
}

// deterministic walks the strategy ladder. It returns nil when no strategy
// yields a winner, handing the conflict to the conservative path.
func (e *Engine) deterministic(a, b *contracts.RegulatoryRule) *candidate {
	// 1. Specificity (lex specialis): an explicit override edge decides.
	if e.graph != nil && a.ID != b.ID {
		if e.graph.DoesOverride(a.ID, b.ID) {
			return &candidate{
				winner: a, loser: b, strategy: contracts.StrategySpecificity,
				rationale: fmt.Sprintf("rule %s explicitly overrides %s (lex specialis)", a.ID, b.ID),
			}
		}
		if e.graph.DoesOverride(b.ID, a.ID) {
			return &candidate{
				winner: b, loser: a, strategy: contracts.StrategySpecificity,
				rationale: fmt.Sprintf("rule %s explicitly overrides %s (lex specialis)", b.ID, a.ID),
			}
		}
	}

	// 2. Hierarchy: strictly lower authority score wins.
	scoreA, scoreB := a.AuthorityLevel.Score(), b.AuthorityLevel.Score()
	if scoreA != scoreB {
		winner, loser := a, b
		if scoreB < scoreA {
			winner, loser = b, a
		}
		return &candidate{
			winner: winner, loser: loser, strategy: contracts.StrategyHierarchy,
			rationale: fmt.Sprintf("%s (%s) outranks %s (%s) in the hierarchy of sources",
				winner.ID, winner.AuthorityLevel, loser.ID, loser.AuthorityLevel),
		}
	}

	// 3. Source-hierarchy tie-break: strictly lower document rank wins.
	if a.SourceHierarchy > 0 && b.SourceHierarchy > 0 && a.SourceHierarchy != b.SourceHierarchy {
		winner, loser := a, b
		if b.SourceHierarchy < a.SourceHierarchy {
			winner, loser = b, a
		}
		return &candidate{
			winner: winner, loser: loser, strategy: contracts.StrategyHierarchy,
			rationale: fmt.Sprintf("equal authority level; source document rank %d beats %d",
				winner.SourceHierarchy, loser.SourceHierarchy),
			equalAuthority: true,
		}
	}

	// 4. Temporal (lex posterior): strictly later effectiveFrom wins.
	if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
		winner, loser := a, b
		if b.EffectiveFrom.After(a.EffectiveFrom) {
			winner, loser = b, a
		}
		return &candidate{
			winner: winner, loser: loser, strategy: contracts.StrategyTemporal,
			rationale: fmt.Sprintf("%s effective %s supersedes %s effective %s (lex posterior)",
				winner.ID, winner.EffectiveFrom.Format("2006-01-02"),
				loser.ID, loser.EffectiveFrom.Format("2006-01-02")),
		}
	}

	// Equal authority and equal effective date: fall back to raw identifier
	// ordering. This is an explicit, documented tie-break with no legal
	// meaning; the escalation predicate always flags it for review.
	winner, loser := a, b
	if b.ID < a.ID {
		winner, loser = b, a
	}
	return &candidate{
		winner: winner, loser: loser, strategy: contracts.StrategyTemporal,
		rationale: fmt.Sprintf("equal authority and effective date; deterministic fallback picked lexicographically smaller id %s", winner.ID),
		equalDates: true,
	}
}

// consultOracle runs the conservative path. A nil oracle or any unavailable
// outcome returns nil, which the caller converts into escalation.
func (e *Engine) consultOracle(ctx context.Context, conflict *contracts.Conflict, a, b *contracts.RegulatoryRule) *candidate {
	if e.oracle == nil {
		return nil
	}

	out := e.oracle.Arbitrate(ctx, arbiter.Request{
		ConflictID:   conflict.ID,
		ConflictType: conflict.ConflictType,
		Claims:       []arbiter.Claim{claimFromRule(a), claimFromRule(b)},
	})
	verdict, ok := out.Verdict()
	if !ok {
		e.logger.Warn("arbitration oracle unavailable",
			"conflict_id", conflict.ID, "reason", out.Reason())
		return nil
	}

	winner, loser := a, b
	if verdict.WinningItemID == b.ID {
		winner, loser = b, a
	}
	return &candidate{
		winner: winner, loser: loser,
		strategy:      verdict.Strategy,
		rationale:     verdict.Rationale,
		confidence:    verdict.Confidence,
		oracleUsed:    true,
		reviewFlagged: verdict.RequiresHumanReview,
		reviewReason:  verdict.ReviewReason,
	}
}

// mustEscalate evaluates the mandatory escalation predicate against a
// computed candidate. It returns the reason (empty when none applies) and a
// human-readable explanation.
func (e *Engine) mustEscalate(cand *candidate, a, b *contracts.RegulatoryRule) (contracts.EscalationReason, string) {
	if a.RiskTier == contracts.RiskTierT0 && b.RiskTier == contracts.RiskTierT0 {
		return contracts.ReasonConflictBothT0, "both rules are tier T0; automatic resolution is never permitted"
	}
	if cand.oracleUsed && cand.reviewFlagged {
		// The oracle declined to stand behind its own verdict; its review
		// flag binds regardless of the confidence it reported.
		why := cand.reviewReason
		if why == "" {
			why = "the arbitration oracle requested human review of its verdict"
		}
		return contracts.ReasonArbiterLowConfidence, why
	}
	if cand.oracleUsed && cand.confidence < MinOracleConfidence {
		return contracts.ReasonArbiterLowConfidence,
			fmt.Sprintf("oracle confidence %.2f is below the %.2f floor", cand.confidence, MinOracleConfidence)
	}
	if cand.equalAuthority && cand.strategy == contracts.StrategyHierarchy {
		return contracts.ReasonConflictEqualAuthority, "authority scores were equal; hierarchy outcome needs confirmation"
	}
	if cand.equalDates && cand.strategy == contracts.StrategyTemporal {
		return contracts.ReasonConflictUnresolvable, "effective dates were equal; identifier-order fallback needs confirmation"
	}
	if a.Confidence < MinRuleConfidence || b.Confidence < MinRuleConfidence {
		return contracts.ReasonConflictUnresolvable,
			fmt.Sprintf("rule extraction confidence below %.2f", MinRuleConfidence)
	}
	return "", ""
}

// escalate builds an ESCALATE_TO_HUMAN resolution. When a candidate winner
// was computed it rides along for the reviewer's benefit.
func (e *Engine) escalate(conflict *contracts.Conflict, a, b *contracts.RegulatoryRule, cand *candidate, reason contracts.EscalationReason, why string) *contracts.Resolution {
	priority, sla := contracts.PriorityFor(reason)
	esc := &contracts.Escalation{
		ID:           uuid.New().String(),
		ConflictID:   conflict.ID,
		ConflictType: conflict.ConflictType,
		Confidence:   conflict.Confidence,
		Reason:       reason,
		Priority:     priority,
		SLA:          sla,
		RequestedAt:  e.clock().UTC(),
	}
	if a != nil {
		esc.RuleATier = a.RiskTier
	}
	if b != nil {
		esc.RuleBTier = b.RiskTier
	}

	res := &contracts.Resolution{
		Outcome:    contracts.OutcomeEscalate,
		Rationale:  why,
		Confidence: conflict.Confidence,
		Escalation: esc,
		ResolvedBy: ResolverID,
		ResolvedAt: e.clock().UTC(),
	}
	if cand != nil {
		res.WinnerRuleID = cand.winner.ID
		res.LoserRuleID = cand.loser.ID
		res.Strategy = cand.strategy
		if cand.confidence > 0 {
			res.Confidence = cand.confidence
		}
	}
	return res
}

func claimFromRule(r *contracts.RegulatoryRule) arbiter.Claim {
	return arbiter.Claim{
		ItemID:         r.ID,
		ItemType:       "rule",
		Claim:          fmt.Sprintf("%s: %s", r.ConceptSlug, r.Value),
		Value:          r.Value,
		Authority:      string(r.AuthorityLevel),
		EffectiveFrom:  r.EffectiveFrom,
		EffectiveUntil: r.EffectiveUntil,
		Condition:      r.ApplicabilityText,
		SourceQuote:    r.SourceQuote,
	}
}

func comparisonMetadata(a, b *contracts.RegulatoryRule) map[string]string {
	return map[string]string{
		"authority_a":        string(a.AuthorityLevel),
		"authority_b":        string(b.AuthorityLevel),
		"authority_score_a":  fmt.Sprintf("%d", a.AuthorityLevel.Score()),
		"authority_score_b":  fmt.Sprintf("%d", b.AuthorityLevel.Score()),
		"source_hierarchy_a": fmt.Sprintf("%d", a.SourceHierarchy),
		"source_hierarchy_b": fmt.Sprintf("%d", b.SourceHierarchy),
		"effective_from_a":   a.EffectiveFrom.UTC().Format(time.RFC3339),
		"effective_from_b":   b.EffectiveFrom.UTC().Format(time.RFC3339),
		"risk_tier_a":        string(a.RiskTier),
		"risk_tier_b":        string(b.RiskTier),
	}
}
