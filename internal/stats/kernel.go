// Package stats implements the four pure statistical operations of the
// causal-testing kernel: propensity matching, regression adjustment,
// a Granger-style lag test, and mediation decomposition. None of these
// functions ever returns an error for a data-dependent condition — per the kernel's
// propagation policy, the kernel always returns a domain.TestResult, folding
// infeasibility or data-quality concerns into its Warnings.
package stats

import (
	"math"
	"sort"

	"github.com/retentionlabs/causalreason/internal/dataset"
	"github.com/retentionlabs/causalreason/internal/domain"
)

const defaultAlpha = 0.05

// column extracts a numeric column's values, NaN for missing.
func column(ds *dataset.Dataset, name string) []float64 {
	if v, ok := ds.Numeric[name]; ok {
		return v
	}
	return nil
}

// finalize fills the shared fields of a TestResult: significance against
// alpha, the confidence bucket of the effect size, and the direction of the
// point estimate.
func finalize(tr *domain.TestResult, alpha float64) {
	tr.IsSignificant = tr.PValue < alpha
	tr.Confidence = domain.ConfidenceFromEffectSize(tr.EffectSize)
	tr.EffectDirection = domain.DirectionOf(tr.PointEstimate, 1e-9)
}

// PropensityMatching fits a logistic propensity model of treatment on
// confounders, greedily matches each treated row to its nearest untreated
// rows within a caliper, and returns the average-treatment-effect-on-the-
// treated as a TestResult.
func PropensityMatching(ds *dataset.Dataset, treatmentCol, outcomeCol string, confounderCols []string, nNeighbors int) domain.TestResult {
	tr := domain.TestResult{Method: domain.MethodPropensityMatching}
	if nNeighbors <= 0 {
		nNeighbors = 5
	}

	treatment := column(ds, treatmentCol)
	outcome := column(ds, outcomeCol)
	if treatment == nil || outcome == nil {
		tr.Warnings = append(tr.Warnings, "treatment or outcome column missing or non-numeric")
		finalize(&tr, defaultAlpha)
		return tr
	}

	for _, c := range confounderCols {
		if ds.MissingFraction(c) > 0.5 {
			tr.Warnings = append(tr.Warnings, "confounder '"+c+"' has >50% missingness")
		}
	}

	predictors := make([][]float64, len(confounderCols))
	for i, c := range confounderCols {
		predictors[i] = column(ds, c)
	}

	fit, err := FitLogistic(treatment, predictors)
	if err != nil {
		tr.Warnings = append(tr.Warnings, "propensity model could not be fit: "+err.Error())
		finalize(&tr, defaultAlpha)
		return tr
	}

	n := ds.RowCount
	propensity := make([]float64, n)
	valid := make([]bool, n)
	for i := 0; i < n; i++ {
		row := make([]float64, 1+len(confounderCols))
		row[0] = 1
		ok := true
		for j, c := range confounderCols {
			v := column(ds, c)
			if i >= len(v) || math.IsNaN(v[i]) {
				ok = false
				break
			}
			row[1+j] = v[i]
		}
		if !ok || i >= len(treatment) || math.IsNaN(treatment[i]) || i >= len(outcome) || math.IsNaN(outcome[i]) {
			continue
		}
		propensity[i] = fit.PredictLogit(row)
		valid[i] = true
	}

	var treatedIdx, controlIdx []int
	for i := 0; i < n; i++ {
		if !valid[i] {
			continue
		}
		if treatment[i] != 0 {
			treatedIdx = append(treatedIdx, i)
		} else {
			controlIdx = append(controlIdx, i)
		}
	}

	if len(treatedIdx) == 0 || len(controlIdx) == 0 {
		tr.Warnings = append(tr.Warnings, "no treated or no control rows after filtering")
		finalize(&tr, defaultAlpha)
		return tr
	}

	// Common-support check: overlap is the fraction of the propensity range
	// shared by both groups.
	overlap := propensityOverlap(propensity, treatedIdx, controlIdx)
	if overlap < 0.1 {
		tr.Warnings = append(tr.Warnings, "propensity overlap below 0.1 (common-support violation)")
	}

	// Caliper: 0.2 * pooled SD of the propensity scores, the conventional
	// default (Austin 2011) for propensity-score caliper matching.
	pAll := make([]float64, 0, len(treatedIdx)+len(controlIdx))
	for _, i := range treatedIdx {
		pAll = append(pAll, propensity[i])
	}
	for _, i := range controlIdx {
		pAll = append(pAll, propensity[i])
	}
	caliper := 0.2 * stddev(pAll, mean(pAll))
	if caliper == 0 {
		caliper = 0.05
	}

	var treatedOutcomes, matchedOutcomes []float64
	for _, ti := range treatedIdx {
		matches := nearestWithinCaliper(propensity, controlIdx, propensity[ti], caliper, nNeighbors)
		if len(matches) == 0 {
			continue
		}
		sum := 0.0
		for _, ci := range matches {
			sum += outcome[ci]
		}
		treatedOutcomes = append(treatedOutcomes, outcome[ti])
		matchedOutcomes = append(matchedOutcomes, sum/float64(len(matches)))
	}

	matchedPairs := len(treatedOutcomes)
	if matchedPairs < 30 {
		tr.Warnings = append(tr.Warnings, "fewer than 30 matched pairs")
	}
	if matchedPairs == 0 {
		tr.Warnings = append(tr.Warnings, "no matched pairs found within caliper")
		finalize(&tr, defaultAlpha)
		return tr
	}

	diffs := make([]float64, matchedPairs)
	for i := range diffs {
		diffs[i] = treatedOutcomes[i] - matchedOutcomes[i]
	}
	att := mean(diffs)
	_, _, pValue := pairedTTest(diffs)

	sd := pooledSD(treatedOutcomes, matchedOutcomes)
	effectSize := 0.0
	if sd > 0 {
		effectSize = att / sd
	}

	tr.PointEstimate = att
	tr.PValue = pValue
	tr.EffectSize = effectSize
	tr.SampleSize = matchedPairs * 2
	margin := 1.96 * stddev(diffs, att) / math.Sqrt(float64(matchedPairs))
	tr.ConfidenceInterval = domain.ConfidenceInterval{Lower: att - margin, Upper: att + margin}
	finalize(&tr, defaultAlpha)
	return tr
}

func propensityOverlap(propensity []float64, treatedIdx, controlIdx []int) float64 {
	tMin, tMax := rangeOf(propensity, treatedIdx)
	cMin, cMax := rangeOf(propensity, controlIdx)
	lo := math.Max(tMin, cMin)
	hi := math.Min(tMax, cMax)
	if hi <= lo {
		return 0
	}
	full := math.Max(tMax, cMax) - math.Min(tMin, cMin)
	if full == 0 {
		return 1
	}
	return (hi - lo) / full
}

func rangeOf(vals []float64, idx []int) (min, max float64) {
	if len(idx) == 0 {
		return 0, 0
	}
	min, max = vals[idx[0]], vals[idx[0]]
	for _, i := range idx {
		if vals[i] < min {
			min = vals[i]
		}
		if vals[i] > max {
			max = vals[i]
		}
	}
	return min, max
}

// nearestWithinCaliper returns up to k control indices whose propensity is
// closest to target and within the caliper.
func nearestWithinCaliper(propensity []float64, controlIdx []int, target, caliper float64, k int) []int {
	type cand struct {
		idx  int
		dist float64
	}
	cands := make([]cand, 0, len(controlIdx))
	for _, ci := range controlIdx {
		d := math.Abs(propensity[ci] - target)
		if d <= caliper {
			cands = append(cands, cand{ci, d})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > k {
		cands = cands[:k]
	}
	out := make([]int, len(cands))
	for i, c := range cands {
		out[i] = c.idx
	}
	return out
}

// RegressionAdjustment fits outcome ~ treatment + controls and reports the
// treatment coefficient as the causal estimate.
func RegressionAdjustment(ds *dataset.Dataset, treatmentCol, outcomeCol string, controlCols []string) domain.TestResult {
	tr := domain.TestResult{Method: domain.MethodRegressionAdjustment}

	treatment := column(ds, treatmentCol)
	outcome := column(ds, outcomeCol)
	if treatment == nil || outcome == nil {
		tr.Warnings = append(tr.Warnings, "treatment or outcome column missing or non-numeric")
		finalize(&tr, defaultAlpha)
		return tr
	}

	predictors := [][]float64{treatment}
	for _, c := range controlCols {
		predictors = append(predictors, column(ds, c))
	}

	binaryOutcome := ds.IsBinary(outcomeCol)

	var fit *OLSResult
	var err error
	if binaryOutcome {
		fit, err = FitLogistic(outcome, predictors)
	} else {
		fit, err = FitOLS(outcome, predictors)
	}
	if err != nil {
		tr.Warnings = append(tr.Warnings, "regression could not be fit: "+err.Error())
		finalize(&tr, defaultAlpha)
		return tr
	}

	if fit.ConditionNum > 30 {
		tr.Warnings = append(tr.Warnings, "control variables are collinear (condition number > 30)")
	}

	treatmentIdx := 1 // [intercept, treatment, controls...]
	coef := fit.Coefficients[treatmentIdx]
	pValue := fit.CoefficientPValue(treatmentIdx)
	lower, upper := fit.CoefficientCI(treatmentIdx)

	pointEstimate := coef
	if binaryOutcome {
		// Marginal effect at the means: coef * p*(1-p) where p is the mean
		// predicted probability, converting the logit-scale coefficient to
		// the probability scale for binary outcomes.
		meanProb := meanPredictedProb(fit, ds, treatmentCol, controlCols)
		scale := meanProb * (1 - meanProb)
		pointEstimate = coef * scale
		lower *= scale
		upper *= scale
	}

	tr.PointEstimate = pointEstimate
	tr.PValue = pValue
	tr.EffectSize = standardizedEffectSize(pointEstimate, outcome)
	tr.SampleSize = fit.N
	tr.ConfidenceInterval = domain.ConfidenceInterval{Lower: lower, Upper: upper}
	finalize(&tr, defaultAlpha)
	return tr
}

func meanPredictedProb(fit *OLSResult, ds *dataset.Dataset, treatmentCol string, controlCols []string) float64 {
	treatment := column(ds, treatmentCol)
	n := ds.RowCount
	sum, count := 0.0, 0
	for i := 0; i < n; i++ {
		row := make([]float64, 1+1+len(controlCols))
		row[0] = 1
		if i >= len(treatment) || math.IsNaN(treatment[i]) {
			continue
		}
		row[1] = treatment[i]
		ok := true
		for j, c := range controlCols {
			v := column(ds, c)
			if i >= len(v) || math.IsNaN(v[i]) {
				ok = false
				break
			}
			row[2+j] = v[i]
		}
		if !ok {
			continue
		}
		sum += fit.PredictLogit(row)
		count++
	}
	if count == 0 {
		return 0.5
	}
	return sum / float64(count)
}

func standardizedEffectSize(estimate float64, outcome []float64) float64 {
	clean := make([]float64, 0, len(outcome))
	for _, v := range outcome {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) < 2 {
		return 0
	}
	sd := stddev(clean, mean(clean))
	if sd == 0 {
		return 0
	}
	return estimate / sd
}

// GrangerLagTest tests whether lagged seriesX improves the prediction of
// seriesY beyond lagged seriesY alone. Callers must only invoke this
// when the dataset carries an ordered time index; the tester stage
// enforces that via feasibility checks, not
// this function, but a defensive length check still protects against a
// degenerate series.
func GrangerLagTest(seriesX, seriesY []float64, lags int) domain.TestResult {
	tr := domain.TestResult{Method: domain.MethodGrangerCausality}
	if lags <= 0 {
		lags = 2
	}
	n := len(seriesY)
	if n <= 2*lags+5 || len(seriesX) != n {
		tr.Warnings = append(tr.Warnings, "series too short for the requested lag order")
		finalize(&tr, defaultAlpha)
		return tr
	}

	// Restricted model: y_t ~ y_{t-1..t-lags}
	yOut := seriesY[lags:]
	restrictedPreds := laggedPredictors(seriesY, lags, n)
	restricted, errR := FitOLS(yOut, restrictedPreds)

	// Unrestricted model: y_t ~ y_{t-1..t-lags} + x_{t-1..t-lags}
	unrestrictedPreds := append(append([][]float64{}, restrictedPreds...), laggedPredictors(seriesX, lags, n)...)
	unrestricted, errU := FitOLS(yOut, unrestrictedPreds)

	if errR != nil || errU != nil {
		tr.Warnings = append(tr.Warnings, "granger regression could not be fit")
		finalize(&tr, defaultAlpha)
		return tr
	}

	rssR := sumSquares(restricted.Residuals)
	rssU := sumSquares(unrestricted.Residuals)
	dfNum := float64(lags)
	dfDenom := float64(unrestricted.N - 2*lags - 1)
	if dfDenom < 1 {
		dfDenom = 1
	}
	if rssU <= 0 {
		rssU = 1e-9
	}
	fStat := ((rssR - rssU) / dfNum) / (rssU / dfDenom)
	if fStat < 0 {
		fStat = 0
	}

	pValue := fToPValueChiSquareApprox(fStat, dfNum)

	// Directional sign: average sign of the x-lag coefficients in the
	// unrestricted fit (coefficients [1+lags .. 1+2*lags)).
	sign := 0.0
	for i := 1 + lags; i < len(unrestricted.Coefficients); i++ {
		sign += unrestricted.Coefficients[i]
	}

	tr.PointEstimate = sign
	tr.PValue = pValue
	tr.EffectSize = math.Sqrt(fStat / (fStat + dfDenom))
	tr.SampleSize = unrestricted.N
	finalize(&tr, defaultAlpha)
	return tr
}

func laggedPredictors(series []float64, lags, n int) [][]float64 {
	preds := make([][]float64, lags)
	for l := 1; l <= lags; l++ {
		col := make([]float64, n-lags)
		for i := range col {
			col[i] = series[lags+i-l]
		}
		preds[l-1] = col
	}
	return preds
}

func sumSquares(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x * x
	}
	return s
}

// fToPValueChiSquareApprox converts an F-statistic to a p-value using the
// asymptotic relationship lags*F ~ chi-square(lags), via a Wilson-Hilferty
// normal approximation to the chi-square CDF. Adequate near alpha=0.05 for
// the sample sizes this engine targets; a production build would use an
// incomplete-beta-based exact F-distribution (see DESIGN.md).
func fToPValueChiSquareApprox(fStat, df float64) float64 {
	chiSq := fStat * df
	if df <= 0 {
		return 1
	}
	// Wilson-Hilferty: (chiSq/df)^(1/3) is approximately normal with
	// mean 1-2/(9df) and variance 2/(9df).
	h := 2.0 / (9.0 * df)
	z := (math.Cbrt(chiSq/df) - (1 - h)) / math.Sqrt(h)
	p := 1 - normalCDF(z)
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p
}

// MediationDecomposition computes direct, indirect, and total effects via
// the product-of-coefficients method (Baron & Kenny).
func MediationDecomposition(ds *dataset.Dataset, treatmentCol, mediatorCol, outcomeCol string, confounderCols []string) (domain.TestResult, domain.CausalStructure) {
	tr := domain.TestResult{Method: domain.MethodDAGBased}
	cs := domain.CausalStructure{Mediators: []string{mediatorCol}}

	treatment := column(ds, treatmentCol)
	mediator := column(ds, mediatorCol)
	outcome := column(ds, outcomeCol)
	if treatment == nil || mediator == nil || outcome == nil {
		tr.Warnings = append(tr.Warnings, "treatment, mediator, or outcome column missing or non-numeric")
		finalize(&tr, defaultAlpha)
		return tr, cs
	}

	confounders := make([][]float64, len(confounderCols))
	for i, c := range confounderCols {
		confounders[i] = column(ds, c)
	}

	// Path a: treatment -> mediator.
	predictorsA := append([][]float64{treatment}, confounders...)
	fitA, errA := FitOLS(mediator, predictorsA)

	// Path b/c': mediator, treatment -> outcome (controlling confounders).
	predictorsBC := append([][]float64{treatment, mediator}, confounders...)
	fitBC, errBC := FitOLS(outcome, predictorsBC)

	if errA != nil || errBC != nil {
		tr.Warnings = append(tr.Warnings, "mediation regressions could not be fit")
		finalize(&tr, defaultAlpha)
		return tr, cs
	}

	a := fitA.Coefficients[1]
	bCoef := fitBC.Coefficients[2]
	cPrime := fitBC.Coefficients[1]

	indirect := a * bCoef
	direct := cPrime
	total := direct + indirect

	signConsistent := (indirect >= 0) == (direct >= 0)
	if !signConsistent {
		tr.Warnings = append(tr.Warnings, "direct and indirect effects have inconsistent signs")
	}

	cs.DirectEffect = direct
	cs.IndirectEffect = indirect
	cs.TotalEffect = total

	tr.PointEstimate = indirect
	// p-value on the indirect effect uses the Sobel approximation: the
	// product a*b's standard error via the delta method.
	seA := fitA.StdErrors[1]
	seB := fitBC.StdErrors[2]
	sobelSE := math.Sqrt(bCoef*bCoef*seA*seA + a*a*seB*seB)
	if sobelSE > 0 {
		z := indirect / sobelSE
		tr.PValue = 2 * (1 - normalCDF(math.Abs(z)))
		margin := 1.96 * sobelSE
		tr.ConfidenceInterval = domain.ConfidenceInterval{Lower: indirect - margin, Upper: indirect + margin}
	} else {
		tr.PValue = 1
	}
	tr.EffectSize = standardizedEffectSize(indirect, outcome)
	tr.SampleSize = fitBC.N
	finalize(&tr, defaultAlpha)
	return tr, cs
}
