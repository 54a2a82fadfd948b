// Package explanator implements the explanation generator stage: it
// synthesizes the session's ReasoningChain from the validated hypotheses,
// test evidence, and ranked levers. The narrative prose may be polished by
// the LLM, but a deterministic template fallback guarantees the session
// always completes even when no provider is configured or the call fails.
package explanator

import (
	"context"
	"fmt"
	"strings"

	"github.com/retentionlabs/causalreason/internal/dataset"
	"github.com/retentionlabs/causalreason/internal/domain"
	"github.com/retentionlabs/causalreason/internal/llm/adapter"
	"github.com/retentionlabs/causalreason/internal/profiler"
)

const missingnessCaveatThreshold = 0.3

// Explain attaches a ReasoningChain to the session. It never returns an
// error: the deterministic template path (buildChain) is the source of
// truth for structure, and the LLM — when available — only rewrites the
// conclusion sentence.
func Explain(ctx context.Context, llmAdapter adapter.LLMAdapter, opp *domain.Opportunity, ds *dataset.Dataset, profile *profiler.Profile, sess *domain.ReasoningSession) {
	chain := buildChain(opp, ds, profile, sess)

	if llmAdapter != nil && llmAdapter.GetProvider() != adapter.ProviderNone && chain.Conclusion != "" {
		if polished, err := polishConclusion(ctx, llmAdapter, chain.Conclusion); err == nil && polished != "" {
			chain.Conclusion = polished
		}
		// On any failure the template conclusion stands; the session still
		// completes.
	}

	sess.ReasoningChain = chain
	sess.RecomputeDerived()
}

// buildChain assembles the full reasoning chain deterministically from the
// session's structured data.
func buildChain(opp *domain.Opportunity, ds *dataset.Dataset, profile *profiler.Profile, sess *domain.ReasoningSession) *domain.ReasoningChain {
	chain := &domain.ReasoningChain{}
	stepNum := 0

	// One step per validated hypothesis, presenting the dominant evidence.
	for i := range sess.Hypotheses {
		h := &sess.Hypotheses[i]
		if h.Validated == nil || !*h.Validated {
			continue
		}
		dominant := dominantEvidence(h)
		stepNum++
		step := domain.ReasoningStep{
			Number: stepNum,
			Claim:  fmt.Sprintf("%s drives %s", humanize(h.Cause), humanize(h.Effect)),
			Reasoning: h.Mechanism,
		}
		if dominant != nil {
			step.Evidence = fmt.Sprintf("%s: p=%.4f, effect size %.2f", dominant.Method, dominant.PValue, dominant.EffectSize)
			step.Confidence = confidenceValue(dominant.Confidence)
		} else {
			step.Evidence = "no applicable test produced usable evidence"
			step.Confidence = confidenceValue(domain.ConfidenceLow)
		}
		chain.Steps = append(chain.Steps, step)
	}

	// Closing mediation-insight step when an indirect path dominates.
	if insight := mediationInsight(sess); insight != nil {
		stepNum++
		insight.Number = stepNum
		chain.Steps = append(chain.Steps, *insight)
	}

	// Primary and secondary levers from the estimator's ranking.
	if len(sess.RecommendedLevers) > 0 {
		primary := sess.RecommendedLevers[0]
		chain.PrimaryLever = &primary
		for _, l := range secondaryLevers(sess.RecommendedLevers) {
			chain.SecondaryLevers = append(chain.SecondaryLevers, l)
		}
		chain.Conclusion = fmt.Sprintf(
			"The strongest intervention is to %s (expected impact %.0f%%, %s confidence, %s).",
			humanize(primary.Name), primary.ExpectedImpact*100, primary.Confidence, primary.Timeframe)
		chain.ExpectedImpact = expectedImpactText(opp, primary)
	} else {
		chain.Conclusion = "No hypothesis survived causal testing; the observed deviation has no validated causal driver in this dataset."
	}

	chain.Caveats = buildCaveats(ds, profile, sess)
	chain.Confidence = overallConfidence(chain.Steps)
	return chain
}

// dominantEvidence picks the hypothesis's strongest executed test: the
// significant result with the lowest p-value, else the non-significant one
// with the lowest p-value, or nil when nothing ran.
func dominantEvidence(h *domain.Hypothesis) *domain.TestResult {
	var best *domain.TestResult
	for i := range h.TestResults {
		tr := &h.TestResults[i]
		if tr.Skipped() {
			continue
		}
		if best == nil {
			best = tr
			continue
		}
		if tr.IsSignificant && !best.IsSignificant {
			best = tr
			continue
		}
		if tr.IsSignificant == best.IsSignificant && tr.PValue < best.PValue {
			best = tr
		}
	}
	return best
}

// mediationInsight returns the closing step when any validated hypothesis
// has a mediator whose indirect effect dominates the direct one.
func mediationInsight(sess *domain.ReasoningSession) *domain.ReasoningStep {
	for i := range sess.Hypotheses {
		h := &sess.Hypotheses[i]
		if h.Validated == nil || !*h.Validated || h.CausalStructure == nil {
			continue
		}
		cs := h.CausalStructure
		if !cs.HasMediationInsight() {
			continue
		}
		return &domain.ReasoningStep{
			Claim: fmt.Sprintf("%s acts mostly through %s", humanize(cs.ProximateCause), humanize(cs.TrueCause)),
			Evidence: fmt.Sprintf("indirect effect %.3f exceeds direct effect %.3f", cs.IndirectEffect, cs.DirectEffect),
			Confidence: cs.StructureConfidence,
			Reasoning: fmt.Sprintf(
				"Intervening on %s directly is more effective than treating the surface symptom %s.",
				humanize(cs.TrueCause), humanize(cs.ProximateCause)),
		}
	}
	return nil
}

func secondaryLevers(levers []domain.Lever) []domain.Lever {
	if len(levers) <= 1 {
		return nil
	}
	end := len(levers)
	if end > 3 {
		end = 3
	}
	return levers[1:end]
}

// expectedImpactText phrases the impact as a percentage-point reduction
// against the affected-cohort size.
func expectedImpactText(opp *domain.Opportunity, primary domain.Lever) string {
	points := primary.ExpectedImpact * (opp.CurrentValue - opp.BaselineValue) * 100
	if points < 0 {
		points = -points
	}
	return fmt.Sprintf("an estimated %.1f percentage-point reduction in %s across the affected cohort of %d customers",
		points, humanize(opp.MetricName), opp.SampleSize)
}

// buildCaveats lists sample-size limits, high-missingness columns, and
// skipped tests.
func buildCaveats(ds *dataset.Dataset, profile *profiler.Profile, sess *domain.ReasoningSession) []string {
	var caveats []string

	if ds.RowCount < 100 {
		caveats = append(caveats, fmt.Sprintf("sample size is small (%d rows); estimates are imprecise", ds.RowCount))
	}

	for _, col := range profile.HighMissingnessColumns(missingnessCaveatThreshold) {
		caveats = append(caveats, fmt.Sprintf("column %q has more than 30%% missing values", col))
	}

	for i := range sess.Hypotheses {
		h := &sess.Hypotheses[i]
		for _, tr := range h.TestResults {
			if !tr.Skipped() {
				continue
			}
			caveats = append(caveats, fmt.Sprintf("test %s for %s -> %s was skipped: %s",
				tr.Method, h.Cause, h.Effect, strings.TrimPrefix(tr.Warnings[0], domain.SkipWarningPrefix)))
		}
	}

	if sess.ValidatedHypothesesCount() == 0 {
		caveats = append(caveats, "no hypothesis produced causal evidence; correlational findings only")
	}

	return caveats
}

// overallConfidence is the mean step confidence, already on [0,1].
func overallConfidence(steps []domain.ReasoningStep) float64 {
	if len(steps) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range steps {
		sum += s.Confidence
	}
	return sum / float64(len(steps))
}

// confidenceValue maps the qualitative bucket back to a numeric midpoint on
// [0,1], the inverse of the effect-size thresholds.
func confidenceValue(c domain.ConfidenceLevel) float64 {
	switch c {
	case domain.ConfidenceHigh:
		return 0.9
	case domain.ConfidenceMedium:
		return 0.6
	default:
		return 0.3
	}
}

func humanize(col string) string {
	return strings.ReplaceAll(col, "_", " ")
}

// polishConclusion asks the LLM to rewrite the template conclusion as one
// crisp sentence. Structure and numbers come from the template; only the
// wording is delegated.
func polishConclusion(ctx context.Context, llmAdapter adapter.LLMAdapter, conclusion string) (string, error) {
	systemPrompt := "You rewrite analytical conclusions for business readers. Keep every number intact."
	prompt := fmt.Sprintf("Rewrite this conclusion as a single clear sentence, preserving all figures:\n\n%s", conclusion)
	resp, err := llmAdapter.CompleteStructured(ctx, systemPrompt, prompt, "plain text, one sentence")
	if err != nil {
		return "", err
	}
	resp = strings.TrimSpace(resp)
	if resp == "" || strings.Count(resp, "\n") > 1 {
		return "", fmt.Errorf("unusable rewrite")
	}
	return resp, nil
}
