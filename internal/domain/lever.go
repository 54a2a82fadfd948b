package domain

import (
	"sort"
	"strings"
)

// Effort is the qualitative cost of pursuing a lever.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Lever is a recommended intervention derived from a validated hypothesis.
type Lever struct {
	ID             string
	Name           string
	Description    string
	ExpectedImpact float64 // fraction in [0,1]
	Confidence     ConfidenceLevel
	Effort         Effort
	Timeframe      string
}

// effortKeywords maps common lever-name substrings to an inferred effort.
// Order matters: first match wins, so more specific keywords are listed
// before generic ones.
var effortKeywords = []struct {
	keyword string
	effort  Effort
}{
	{"onboarding", EffortMedium},
	{"delivery-time", EffortHigh},
	{"delivery_time", EffortHigh},
	{"shipping", EffortHigh},
	{"pricing", EffortHigh},
	{"support", EffortLow},
	{"communication", EffortLow},
	{"notification", EffortLow},
	{"email", EffortLow},
}

// InferEffort maps a lever name to an Effort via a static keyword table,
// defaulting to medium when nothing matches.
func InferEffort(leverName string) Effort {
	lower := strings.ToLower(leverName)
	for _, kw := range effortKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.effort
		}
	}
	return EffortMedium
}

// TimeframeForEffort derives a human-readable timeframe from an effort level.
func TimeframeForEffort(e Effort) string {
	switch e {
	case EffortLow:
		return "2 weeks"
	case EffortHigh:
		return "quarter"
	default:
		return "4-6 weeks"
	}
}

// clampImpact restricts a fractional impact to [0, 1].
func clampImpact(v float64) float64 {
	if v < 0 {
		v = -v
	}
	if v > 1 {
		return 1
	}
	return v
}

// NewLeverFromStructure builds a Lever from a validated hypothesis's causal
// structure and aggregated confidence, per the estimator's rules.
func NewLeverFromStructure(id string, cs *CausalStructure, confidence ConfidenceLevel) Lever {
	name := cs.ActionableLever
	if name == "" {
		name = cs.TrueCause
	}
	effort := InferEffort(name)
	return Lever{
		ID:             id,
		Name:           name,
		Description:    "Intervene on " + name + " to reduce the deviation via " + cs.TrueCause,
		ExpectedImpact: clampImpact(cs.TotalEffect),
		Confidence:     confidence,
		Effort:         effort,
		Timeframe:      TimeframeForEffort(effort),
	}
}

// rankScore is expected_impact * confidence-weight, the ranking key.
func rankScore(l Lever) float64 {
	return l.ExpectedImpact * ConfidenceWeight(l.Confidence)
}

// RankLevers sorts levers descending by rank score and de-duplicates by
// name, keeping the strongest-scoring instance of each name.
func RankLevers(levers []Lever) []Lever {
	best := make(map[string]Lever, len(levers))
	order := make([]string, 0, len(levers))
	for _, l := range levers {
		existing, ok := best[l.Name]
		if !ok {
			order = append(order, l.Name)
			best[l.Name] = l
			continue
		}
		if rankScore(l) > rankScore(existing) {
			best[l.Name] = l
		}
	}

	result := make([]Lever, 0, len(order))
	for _, name := range order {
		result = append(result, best[name])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return rankScore(result[i]) > rankScore(result[j])
	})
	return result
}
