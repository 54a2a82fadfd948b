package stats

import (
	"math"

	"github.com/retentionlabs/causalreason/internal/domain"
)

// Aggregate implements the tester's validation rule: a hypothesis is
// validated iff at least one applicable test is significant in the
// mechanism's expected direction, and no test is significant in the
// opposite direction. expectedDirection is derived from the hypothesis's
// mechanism text by the tester (positive/negative/none); none means any
// significant direction counts as support.
func Aggregate(results []domain.TestResult, expectedDirection domain.EffectDirection) bool {
	supportFound := false
	for _, r := range results {
		if !r.IsSignificant {
			continue
		}
		if expectedDirection == domain.DirectionNone || r.EffectDirection == expectedDirection {
			supportFound = true
			continue
		}
		// Significant in the opposing direction: hard veto.
		return false
	}
	return supportFound
}

// WeightedEffectSize computes the inverse-variance-weighted mean effect
// size across a set of test results. Tests without a usable
// standard-error proxy (derived here from the confidence interval width)
// fall back to an equal weight of 1.
func WeightedEffectSize(results []domain.TestResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var weightedSum, weightTotal float64
	for _, r := range results {
		width := r.ConfidenceInterval.Upper - r.ConfidenceInterval.Lower
		variance := 1.0
		if width > 0 {
			// CI half-width ~ 1.96*SE, so SE ~ width/3.92; variance = SE^2.
			se := width / 3.92
			if se > 0 {
				variance = se * se
			}
		}
		weight := 1.0 / variance
		if math.IsInf(weight, 0) || math.IsNaN(weight) {
			weight = 1.0
		}
		weightedSum += weight * r.EffectSize
		weightTotal += weight
	}
	if weightTotal == 0 {
		return 0
	}
	return weightedSum / weightTotal
}

// StructureConfidence maps an aggregated effect size and the proportion of
// significant supporting tests into the [0,1] structure-confidence score
// recorded on CausalStructure.
func StructureConfidence(weightedEffectSize float64, results []domain.TestResult) float64 {
	if len(results) == 0 {
		return 0
	}
	supportRatio := 0.0
	for _, r := range results {
		if r.IsSignificant {
			supportRatio++
		}
	}
	supportRatio /= float64(len(results))

	abs := math.Abs(weightedEffectSize)
	effectComponent := math.Min(abs, 1.0)

	score := 0.5*effectComponent + 0.5*supportRatio
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
