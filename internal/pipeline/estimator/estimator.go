// Package estimator implements the lever estimator stage: each
// validated hypothesis contributes one intervention lever derived from its
// causal structure, and the resulting set is ranked by expected impact
// weighted by aggregated confidence, de-duplicated by name.
package estimator

import (
	"github.com/google/uuid"

	"github.com/retentionlabs/causalreason/internal/domain"
	"github.com/retentionlabs/causalreason/internal/stats"
)

// Estimate writes RecommendedLevers on the session from its validated
// hypotheses. A session with no validated hypotheses gets an empty, non-nil
// lever list so downstream stages and the UI can distinguish "estimated,
// nothing actionable" from "never estimated".
func Estimate(sess *domain.ReasoningSession) {
	levers := make([]domain.Lever, 0, len(sess.Hypotheses))

	for i := range sess.Hypotheses {
		h := &sess.Hypotheses[i]
		if h.Validated == nil || !*h.Validated || h.CausalStructure == nil {
			continue
		}
		confidence := AggregatedConfidence(h)
		levers = append(levers, domain.NewLeverFromStructure(uuid.New().String(), h.CausalStructure, confidence))
	}

	sess.RecommendedLevers = domain.RankLevers(levers)
	sess.RecomputeDerived()
}

// AggregatedConfidence buckets the hypothesis's inverse-variance-weighted
// effect size through the canonical thresholds. Skipped tests carry
// no weight.
func AggregatedConfidence(h *domain.Hypothesis) domain.ConfidenceLevel {
	usable := make([]domain.TestResult, 0, len(h.TestResults))
	for _, tr := range h.TestResults {
		if tr.Skipped() {
			continue
		}
		usable = append(usable, tr)
	}
	return domain.ConfidenceFromEffectSize(stats.WeightedEffectSize(usable))
}
