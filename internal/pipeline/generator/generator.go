// Package generator implements the hypothesis generator: given an
// opportunity and its data profile, prompts the LLM for candidate
// cause -> effect hypotheses, validates them against the feature catalog
// with guardrail checks (column existence, enum membership, dedup), and
// re-prompts with the validator's error text on schema violations.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/retentionlabs/causalreason/internal/audit"
	"github.com/retentionlabs/causalreason/internal/domain"
	"github.com/retentionlabs/causalreason/internal/llm/adapter"
	"github.com/retentionlabs/causalreason/internal/metrics"
	"github.com/retentionlabs/causalreason/internal/profiler"
)

const (
	minHypotheses = 3
	maxHypotheses = 10
	stageName     = string(domain.StageGenerator)
)

const schemaHint = `JSON array, each element:
{
  "cause": "<column name from the feature catalog>",
  "effect": "<the opportunity's metric column>",
  "mechanism": "<one sentence causal mechanism>",
  "rationale": "<2-3 sentence justification>",
  "confounders": ["<column name>", ...],
  "test_methods": ["granger_causality"|"propensity_matching"|"regression_adjustment"|"regression_discontinuity"|"instrumental_variables"|"difference_in_differences"|"synthetic_control"|"dag_based", ...],
  "likelihood": "low"|"medium"|"high"
}
Output ONLY the JSON array, no surrounding text.`

type candidate struct {
	Cause       string   `json:"cause"`
	Effect      string   `json:"effect"`
	Mechanism   string   `json:"mechanism"`
	Rationale   string   `json:"rationale"`
	Confounders []string `json:"confounders"`
	TestMethods []string `json:"test_methods"`
	Likelihood  string   `json:"likelihood"`
}

// Generate asks the LLM for 3 to 10 candidate hypotheses and returns up to 10
// that pass validation; it fails with InsufficientHypothesesError when fewer
// than 2 survive.
// llmAdapter should already be tagged with WithStage("hypothesis_generator").
func Generate(
	ctx context.Context,
	llmAdapter adapter.LLMAdapter,
	auditLog audit.Logger,
	sessionID, correlationID string,
	opp *domain.Opportunity,
	profile *profiler.Profile,
	businessContext string,
	maxRetries int,
) ([]domain.Hypothesis, error) {
	systemPrompt := "You are a causal inference expert generating testable retention hypotheses."
	prompt := buildPrompt(opp, profile, businessContext)

	var candidates []candidate
	var lastErr error
	attempts := 0

	for attempts <= maxRetries {
		attempts++
		raw, err := llmAdapter.CompleteStructured(ctx, systemPrompt, prompt, schemaHint)
		if err != nil {
			lastErr = err
			prompt = correctivePrompt(prompt, err)
			if attempts <= maxRetries {
				metrics.LLMRetriesTotal.WithLabelValues(stageName).Inc()
			}
			continue
		}

		parsed, parseErr := parseCandidates(raw)
		if parseErr != nil {
			lastErr = parseErr
			prompt = correctivePrompt(prompt, parseErr)
			if attempts <= maxRetries {
				metrics.LLMRetriesTotal.WithLabelValues(stageName).Inc()
			}
			continue
		}

		candidates = parsed
		lastErr = nil
		break
	}

	if candidates == nil {
		metrics.LLMSchemaFailuresTotal.WithLabelValues(stageName).Inc()
		_ = auditLog.LogLLMSchemaFailure(ctx, sessionID, stageName, attempts, lastErr)
		return nil, &domain.LLMSchemaError{Attempts: attempts, Last: lastErr}
	}

	hypotheses, dropped := validate(candidates, sessionID, profile, opp)
	for _, reason := range dropped {
		_ = auditLog.Log(ctx, audit.NewEvent(audit.EventHypothesisDropped).
			WithCorrelationID(correlationID).
			WithResource(sessionID, "session").
			WithDescription(reason))
	}

	if len(hypotheses) < 2 {
		return nil, &domain.InsufficientHypothesesError{Valid: len(hypotheses)}
	}

	if len(hypotheses) > maxHypotheses {
		hypotheses = hypotheses[:maxHypotheses]
	}

	metrics.HypothesesGeneratedTotal.WithLabelValues(string(domain.StatusInProgress)).Add(float64(len(hypotheses)))

	return hypotheses, nil
}

func buildPrompt(opp *domain.Opportunity, profile *profiler.Profile, businessContext string) string {
	var catalog strings.Builder
	for _, c := range profile.Columns {
		fmt.Fprintf(&catalog, "- %s (%s): prevalence=%.3f cardinality=%d correlation_with_outcome=%.3f missing=%.1f%%\n",
			c.Name, c.SemanticType, c.Prevalence, c.Cardinality, c.CorrelationWithOutcome, c.MissingFraction*100)
	}

	cohort := make([]string, 0, len(opp.AffectedCohort))
	for k, v := range opp.AffectedCohort {
		cohort = append(cohort, fmt.Sprintf("%s=%s", k, v))
	}

	return fmt.Sprintf(`Opportunity: %s
Description: %s
Metric: %s (baseline=%.4f, current=%.4f, deviation=%.4f, sample_size=%d, severity=%s)
Affected cohort: %s
Business context: %s

Feature catalog:
%s
Generate 3 to 10 candidate hypotheses. Each cause must be a column above (not the metric itself);
each effect must be "%s". %s`,
		opp.Title, opp.Description, opp.MetricName, opp.BaselineValue, opp.CurrentValue,
		opp.Deviation(), opp.SampleSize, opp.Severity,
		strings.Join(cohort, ", "), businessContext, catalog.String(), opp.MetricName, schemaHint)
}

func correctivePrompt(prompt string, err error) string {
	return prompt + fmt.Sprintf("\n\nYour previous output failed validation because: %v\nReturn ONLY the corrected JSON array.", err)
}

func parseCandidates(raw string) ([]candidate, error) {
	jsonStr := extractJSON(raw)
	var candidates []candidate
	if err := json.Unmarshal([]byte(jsonStr), &candidates); err != nil {
		return nil, fmt.Errorf("could not parse hypothesis array: %w", err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("hypothesis array is empty")
	}
	return candidates, nil
}

// extractJSON strips a surrounding markdown code fence if present.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

func validate(candidates []candidate, sessionID string, profile *profiler.Profile, opp *domain.Opportunity) ([]domain.Hypothesis, []string) {
	var hypotheses []domain.Hypothesis
	var dropped []string
	seen := make(map[string]bool)

	for i, c := range candidates {
		if profile.ColumnByName(c.Cause) == nil {
			dropped = append(dropped, fmt.Sprintf("candidate %d dropped: cause column %q not in feature catalog", i, c.Cause))
			continue
		}
		if c.Effect != opp.MetricName {
			dropped = append(dropped, fmt.Sprintf("candidate %d dropped: effect %q does not match opportunity metric %q", i, c.Effect, opp.MetricName))
			continue
		}

		methods := validTestMethods(c.TestMethods)
		if len(methods) == 0 {
			dropped = append(dropped, fmt.Sprintf("candidate %d dropped: no valid test methods declared", i))
			continue
		}

		h, err := domain.NewHypothesis(uuid.New().String(), sessionID, c.Cause, c.Effect)
		if err != nil {
			dropped = append(dropped, fmt.Sprintf("candidate %d dropped: %v", i, err))
			continue
		}

		if seen[h.Key()] {
			dropped = append(dropped, fmt.Sprintf("candidate %d dropped: duplicate (cause, effect) pair %q", i, h.Key()))
			continue
		}
		seen[h.Key()] = true

		h.Mechanism = c.Mechanism
		h.Rationale = c.Rationale
		h.Confounders = validColumns(c.Confounders, profile)
		h.TestMethods = methods
		h.Likelihood = validLikelihood(c.Likelihood)

		hypotheses = append(hypotheses, *h)
	}

	return hypotheses, dropped
}

func validTestMethods(raw []string) []domain.TestMethod {
	var out []domain.TestMethod
	for _, m := range raw {
		tm := domain.TestMethod(m)
		if domain.ValidTestMethod(tm) {
			out = append(out, tm)
		}
	}
	return out
}

func validColumns(names []string, profile *profiler.Profile) []string {
	var out []string
	for _, n := range names {
		if profile.ColumnByName(n) != nil {
			out = append(out, n)
		}
	}
	return out
}

func validLikelihood(raw string) domain.Likelihood {
	switch domain.Likelihood(raw) {
	case domain.LikelihoodLow, domain.LikelihoodMedium, domain.LikelihoodHigh:
		return domain.Likelihood(raw)
	default:
		return domain.LikelihoodMedium
	}
}
