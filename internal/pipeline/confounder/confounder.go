// Package confounder implements the confounder analyzer: expands a
// hypothesis's confounder set with correlation-screened catalog columns,
// classifies each candidate via the LLM as confounder, mediator, collider,
// or irrelevant, and builds the preliminary causal DAG. Retry-on-schema-
// failure and the structured-completion call follow the same pattern as
// internal/pipeline/generator.
package confounder

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/retentionlabs/causalreason/internal/audit"
	"github.com/retentionlabs/causalreason/internal/dataset"
	"github.com/retentionlabs/causalreason/internal/domain"
	"github.com/retentionlabs/causalreason/internal/llm/adapter"
	"github.com/retentionlabs/causalreason/internal/metrics"
	"github.com/retentionlabs/causalreason/internal/profiler"
)

const (
	correlationThreshold = 0.3
	stageName            = string(domain.StageConfounder)
)

const schemaHint = `JSON object mapping each candidate column name to a classification string,
one of "confounder" (influences both cause and effect), "mediator" (lies on the
causal path from cause to effect), "collider" (caused by both cause and effect),
or "irrelevant". Example: {"support_tickets": "confounder", "plan_tier": "mediator"}.
Output ONLY the JSON object, no surrounding text.`

type classification string

const (
	classConfounder classification = "confounder"
	classMediator   classification = "mediator"
	classCollider   classification = "collider"
	classIrrelevant classification = "irrelevant"
)

// Analyze mutates hyp in place: expands Confounders/Mediators and sets a
// preliminary CausalStructure with empty effect fields (filled later by the
// tester). llmAdapter should already be tagged WithStage("confounder_analyzer").
func Analyze(
	ctx context.Context,
	llmAdapter adapter.LLMAdapter,
	auditLog audit.Logger,
	sessionID, correlationID string,
	ds *dataset.Dataset,
	profile *profiler.Profile,
	hyp *domain.Hypothesis,
	maxRetries int,
) error {
	candidates := candidateColumns(ds, hyp)
	if len(candidates) == 0 {
		hyp.CausalStructure = &domain.CausalStructure{
			Nodes: []domain.DAGNode{
				{ID: hyp.ID + ":cause", Column: hyp.Cause, Role: domain.RoleCause},
				{ID: hyp.ID + ":effect", Column: hyp.Effect, Role: domain.RoleEffect},
			},
		}
		return nil
	}

	prompt := buildPrompt(hyp, candidates, profile)
	systemPrompt := "You are a causal inference expert classifying confounding variables."

	var classified map[string]classification
	var lastErr error
	attempts := 0

	for attempts <= maxRetries {
		attempts++
		raw, err := llmAdapter.CompleteStructured(ctx, systemPrompt, prompt, schemaHint)
		if err != nil {
			lastErr = err
			prompt = prompt + fmt.Sprintf("\n\nYour previous output failed validation because: %v\nReturn ONLY the corrected JSON object.", err)
			if attempts <= maxRetries {
				metrics.LLMRetriesTotal.WithLabelValues(stageName).Inc()
			}
			continue
		}

		parsed, parseErr := parseClassification(raw, candidates)
		if parseErr != nil {
			lastErr = parseErr
			prompt = prompt + fmt.Sprintf("\n\nYour previous output failed validation because: %v\nReturn ONLY the corrected JSON object.", parseErr)
			if attempts <= maxRetries {
				metrics.LLMRetriesTotal.WithLabelValues(stageName).Inc()
			}
			continue
		}

		classified = parsed
		lastErr = nil
		break
	}

	if classified == nil {
		metrics.LLMSchemaFailuresTotal.WithLabelValues(stageName).Inc()
		_ = auditLog.LogLLMSchemaFailure(ctx, sessionID, stageName, attempts, lastErr)
		return &domain.LLMSchemaError{Attempts: attempts, Last: lastErr}
	}

	buildStructure(hyp, classified)
	return nil
}

// candidateColumns unions the hypothesis's LLM-suggested confounders with
// catalog columns whose absolute correlation with both cause and effect
// exceeds the threshold.
func candidateColumns(ds *dataset.Dataset, hyp *domain.Hypothesis) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(col string) {
		if col == "" || col == hyp.Cause || col == hyp.Effect || seen[col] {
			return
		}
		seen[col] = true
		out = append(out, col)
	}

	for _, c := range hyp.Confounders {
		add(c)
	}

	causeVals := ds.Numeric[hyp.Cause]
	effectVals := ds.Numeric[hyp.Effect]
	if causeVals != nil && effectVals != nil {
		cols := append([]string{}, ds.Columns...)
		sort.Strings(cols)
		for _, col := range cols {
			vals, ok := ds.Numeric[col]
			if !ok || col == hyp.Cause || col == hyp.Effect {
				continue
			}
			corrCause := dataset.PearsonCorrelation(vals, causeVals)
			corrEffect := dataset.PearsonCorrelation(vals, effectVals)
			if abs(corrCause) > correlationThreshold && abs(corrEffect) > correlationThreshold {
				add(col)
			}
		}
	}

	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func buildPrompt(hyp *domain.Hypothesis, candidates []string, profile *profiler.Profile) string {
	var sb strings.Builder
	for _, c := range candidates {
		cp := profile.ColumnByName(c)
		if cp == nil {
			fmt.Fprintf(&sb, "- %s\n", c)
			continue
		}
		fmt.Fprintf(&sb, "- %s (%s): correlation_with_outcome=%.3f missing=%.1f%%\n",
			cp.Name, cp.SemanticType, cp.CorrelationWithOutcome, cp.MissingFraction*100)
	}

	return fmt.Sprintf(`Hypothesis: %s causes %s (mechanism: %s).
Candidate variables to classify:
%s
%s`, hyp.Cause, hyp.Effect, hyp.Mechanism, sb.String(), schemaHint)
}

func parseClassification(raw string, candidates []string) (map[string]classification, error) {
	jsonStr := extractJSON(raw)
	var parsed map[string]string
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil, fmt.Errorf("could not parse classification object: %w", err)
	}

	out := make(map[string]classification, len(candidates))
	for _, c := range candidates {
		cls := classification(parsed[c])
		switch cls {
		case classConfounder, classMediator, classCollider, classIrrelevant:
			out[c] = cls
		default:
			out[c] = classIrrelevant
		}
	}
	return out, nil
}

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

// buildStructure emits one DAG node per classified variable and edges per
// the classification rules above.
func buildStructure(hyp *domain.Hypothesis, classified map[string]classification) {
	cs := &domain.CausalStructure{}

	causeID := hyp.ID + ":cause"
	effectID := hyp.ID + ":effect"
	cs.Nodes = append(cs.Nodes,
		domain.DAGNode{ID: causeID, Column: hyp.Cause, Role: domain.RoleCause},
		domain.DAGNode{ID: effectID, Column: hyp.Effect, Role: domain.RoleEffect},
	)

	// Deterministic order for reproducible snapshots and tests.
	cols := make([]string, 0, len(classified))
	for c := range classified {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	for _, col := range cols {
		cls := classified[col]
		nodeID := hyp.ID + ":" + col

		switch cls {
		case classConfounder:
			cs.Nodes = append(cs.Nodes, domain.DAGNode{ID: nodeID, Column: col, Role: domain.RoleConfounder})
			cs.Edges = append(cs.Edges,
				domain.DAGEdge{FromID: nodeID, ToID: causeID, Label: domain.EdgeConfounderToCause},
				domain.DAGEdge{FromID: nodeID, ToID: effectID, Label: domain.EdgeConfounderToEffect},
			)
			cs.Confounders = append(cs.Confounders, col)

		case classMediator:
			cs.Nodes = append(cs.Nodes, domain.DAGNode{ID: nodeID, Column: col, Role: domain.RoleMediator})
			cs.Edges = append(cs.Edges,
				domain.DAGEdge{FromID: causeID, ToID: nodeID, Label: domain.EdgeCauseToMediator},
				domain.DAGEdge{FromID: nodeID, ToID: effectID, Label: domain.EdgeMediatorToEffect},
			)
			cs.Mediators = append(cs.Mediators, col)

		case classCollider:
			cs.Nodes = append(cs.Nodes, domain.DAGNode{ID: nodeID, Column: col, Role: domain.RoleCollider})
			cs.Edges = append(cs.Edges,
				domain.DAGEdge{FromID: causeID, ToID: nodeID, Label: domain.EdgeCauseToCollider},
				domain.DAGEdge{FromID: effectID, ToID: nodeID, Label: domain.EdgeEffectToCollider},
			)
			cs.Colliders = append(cs.Colliders, col)

		case classIrrelevant:
			// dropped
		}
	}

	hyp.Confounders = mergeUnique(hyp.Confounders, cs.Confounders)
	hyp.Mediators = mergeUnique(hyp.Mediators, cs.Mediators)
	hyp.CausalStructure = cs
}

func mergeUnique(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string{}, existing...)
	for _, e := range existing {
		seen[e] = true
	}
	for _, a := range added {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}
