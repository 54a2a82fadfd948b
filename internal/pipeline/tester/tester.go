// Package tester implements the causal tester stage: for each
// hypothesis it runs the feasible subset of the declared test methods
// through the statistical kernel, appends one TestResult per attempted
// method (including skips), folds the results into a validation verdict
// via the aggregation rule, and fills the hypothesis's CausalStructure
// effect fields.
package tester

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/retentionlabs/causalreason/internal/audit"
	"github.com/retentionlabs/causalreason/internal/dataset"
	"github.com/retentionlabs/causalreason/internal/domain"
	"github.com/retentionlabs/causalreason/internal/metrics"
	"github.com/retentionlabs/causalreason/internal/stats"
)

const (
	// minRowsPerClass is the hard floor below which propensity matching is
	// skipped outright. Between this floor and 30 rows per class the match
	// still runs and the kernel's "fewer than 30 matched pairs" warning
	// flags the small sample instead.
	minRowsPerClass = 10

	// minRegressionRows is likewise a hard floor; below the preferred 50
	// rows but above the floor, the regression runs with a small-sample
	// warning.
	minRegressionRows    = 20
	preferredRegressionN = 50

	defaultLags = 2
)

// Options carries the tester's tunable thresholds, resolved from the config
// layer by the orchestrator.
type Options struct {
	// Alpha is the significance threshold; 0 means the 0.05 default.
	Alpha float64

	// WorkerPoolSize bounds concurrent hypothesis testing; <=1 means serial.
	WorkerPoolSize int

	// PerTestBudget is the soft wall-clock budget per statistical test; a
	// test that exceeds it keeps its numbers but is marked not significant
	// with a warning. 0 means the 10s default.
	PerTestBudget time.Duration
}

func (o Options) budget() time.Duration {
	if o.PerTestBudget <= 0 {
		return 10 * time.Second
	}
	return o.PerTestBudget
}

// Run tests every hypothesis of the session in declared order and recomputes
// the session's derived verdict fields. Hypotheses are tested concurrently
// across a bounded worker pool; each worker owns exactly one hypothesis's
// mutable state, so declared order is preserved by indexing into the
// session's slice rather than appending to a shared collection.
func Run(ctx context.Context, auditLog audit.Logger, ds *dataset.Dataset, sess *domain.ReasoningSession, opts Options) error {
	workers := opts.WorkerPoolSize
	if workers < 1 {
		workers = 1
	}
	if workers > len(sess.Hypotheses) {
		workers = len(sess.Hypotheses)
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := range sess.Hypotheses {
		wg.Add(1)
		sem <- struct{}{}
		go func(h *domain.Hypothesis) {
			defer wg.Done()
			defer func() { <-sem }()
			TestHypothesis(ds, h, opts)
		}(&sess.Hypotheses[i])
	}
	wg.Wait()

	// Single-writer aggregation over the per-hypothesis results.
	sess.ConfidenceScore = sessionConfidence(sess)
	sess.RecomputeDerived()

	for i := range sess.Hypotheses {
		h := &sess.Hypotheses[i]
		verdict := "false"
		if h.Validated != nil && *h.Validated {
			verdict = "true"
		}
		metrics.HypothesesValidatedTotal.WithLabelValues(verdict).Inc()
		_ = auditLog.Log(ctx, audit.NewEvent(audit.EventHypothesisValidated).
			WithCorrelationID(sess.CorrelationID).
			WithResource(h.ID, "hypothesis").
			WithDescription(fmt.Sprintf("hypothesis %s -> %s validated=%s", h.Cause, h.Effect, verdict)).
			WithResult(audit.ResultSuccess))
	}
	return nil
}

// TestHypothesis runs the declared methods in method order, then mediation
// once per (hypothesis, mediator) pair, then sets the validation verdict.
// It is also the unit of work the out-of-process tester worker executes.
func TestHypothesis(ds *dataset.Dataset, h *domain.Hypothesis, opts Options) {
	if h.CausalStructure == nil {
		h.CausalStructure = &domain.CausalStructure{}
	}

	for _, method := range h.TestMethods {
		tr := runMethod(ds, h, method, opts)
		tr.ID = uuid.New().String()
		tr.HypothesisID = h.ID
		h.TestResults = append(h.TestResults, tr)
	}

	mediationRan, dominantMediator := runMediation(ds, h, opts)

	applyVerdict(h, mediationRan, dominantMediator)
}

// runMethod dispatches one declared method through the kernel, enforcing
// feasibility rules and the per-test wall-clock budget.
func runMethod(ds *dataset.Dataset, h *domain.Hypothesis, method domain.TestMethod, opts Options) domain.TestResult {
	if reason := infeasibleReason(ds, h, method); reason != "" {
		metrics.TestsSkippedTotal.WithLabelValues(string(method)).Inc()
		return skippedResult(method, reason)
	}

	start := time.Now()
	var tr domain.TestResult

	switch method {
	case domain.MethodPropensityMatching:
		view, warning := binarizedView(ds, h.Cause)
		tr = stats.PropensityMatching(view, h.Cause, h.Effect, controlColumns(h), 5)
		if warning != "" {
			tr.Warnings = append(tr.Warnings, warning)
		}

	case domain.MethodRegressionAdjustment:
		tr = stats.RegressionAdjustment(ds, h.Cause, h.Effect, controlColumns(h))
		if ds.RowCount < preferredRegressionN {
			tr.Warnings = append(tr.Warnings, fmt.Sprintf("sample size %d below the preferred minimum of %d", ds.RowCount, preferredRegressionN))
		}

	case domain.MethodGrangerCausality:
		tr = stats.GrangerLagTest(ds.Numeric[h.Cause], ds.Numeric[h.Effect], defaultLags)

	default:
		// Closed-set methods the kernel does not implement are skipped, not
		// fabricated.
		metrics.TestsSkippedTotal.WithLabelValues(string(method)).Inc()
		return skippedResult(method, fmt.Sprintf("method %s is not implemented by the statistical kernel", method))
	}

	elapsed := time.Since(start)
	metrics.TestDuration.WithLabelValues(string(method)).Observe(elapsed.Seconds())
	if elapsed > opts.budget() {
		tr.Warnings = append(tr.Warnings, fmt.Sprintf("test exceeded its %s wall-clock budget", opts.budget()))
		tr.IsSignificant = false
	}

	// Caller-overridden significance threshold.
	if opts.Alpha > 0 {
		tr.IsSignificant = tr.PValue < opts.Alpha && !budgetExceeded(tr)
	}

	metrics.TestsRunTotal.WithLabelValues(string(method), fmt.Sprintf("%t", tr.IsSignificant)).Inc()
	return tr
}

func budgetExceeded(tr domain.TestResult) bool {
	for _, w := range tr.Warnings {
		if strings.Contains(w, "wall-clock budget") {
			return true
		}
	}
	return false
}

// runMediation runs the mediation decomposition once per (hypothesis,
// mediator) pair and writes the dominant pair's effects into the causal
// structure. Reports whether any mediation test actually ran and which
// mediator carried the largest indirect effect.
func runMediation(ds *dataset.Dataset, h *domain.Hypothesis, opts Options) (bool, string) {
	if len(h.Mediators) == 0 {
		return false, ""
	}

	type outcome struct {
		mediator string
		tr       domain.TestResult
		cs       domain.CausalStructure
	}
	var ran []outcome

	for _, m := range h.Mediators {
		if !ds.HasColumn(m) || !ds.IsNumeric(m) {
			skip := skippedResult(domain.MethodDAGBased, fmt.Sprintf("mediator column %q is absent or non-numeric", m))
			skip.ID = uuid.New().String()
			skip.HypothesisID = h.ID
			h.TestResults = append(h.TestResults, skip)
			metrics.TestsSkippedTotal.WithLabelValues(string(domain.MethodDAGBased)).Inc()
			continue
		}

		start := time.Now()
		tr, cs := stats.MediationDecomposition(ds, h.Cause, m, h.Effect, h.Confounders)
		elapsed := time.Since(start)
		metrics.TestDuration.WithLabelValues(string(domain.MethodDAGBased)).Observe(elapsed.Seconds())
		if elapsed > opts.budget() {
			tr.Warnings = append(tr.Warnings, fmt.Sprintf("test exceeded its %s wall-clock budget", opts.budget()))
			tr.IsSignificant = false
		}
		if opts.Alpha > 0 {
			tr.IsSignificant = tr.PValue < opts.Alpha && !budgetExceeded(tr)
		}

		tr.ID = uuid.New().String()
		tr.HypothesisID = h.ID
		h.TestResults = append(h.TestResults, tr)
		metrics.TestsRunTotal.WithLabelValues(string(domain.MethodDAGBased), fmt.Sprintf("%t", tr.IsSignificant)).Inc()
		ran = append(ran, outcome{mediator: m, tr: tr, cs: cs})
	}

	if len(ran) == 0 {
		return false, ""
	}

	// The dominant mediator is the one with the largest absolute indirect
	// effect; its decomposition defines the structure's effect fields.
	sort.SliceStable(ran, func(i, j int) bool {
		return math.Abs(ran[i].cs.IndirectEffect) > math.Abs(ran[j].cs.IndirectEffect)
	})
	dominant := ran[0]

	cs := h.CausalStructure
	cs.DirectEffect = dominant.cs.DirectEffect
	cs.IndirectEffect = dominant.cs.IndirectEffect
	cs.TotalEffect = dominant.cs.TotalEffect
	return true, dominant.mediator
}

// applyVerdict sets Validated via the aggregation rule and fills the
// causal structure's cause/lever fields.
func applyVerdict(h *domain.Hypothesis, mediationRan bool, dominantMediator string) {
	expected := expectedDirection(h.Mechanism)
	verdict := stats.Aggregate(h.TestResults, expected)
	h.SetValidated(verdict)

	weighted := stats.WeightedEffectSize(applicable(h.TestResults))
	cs := h.CausalStructure
	cs.StructureConfidence = stats.StructureConfidence(weighted, applicable(h.TestResults))

	cs.ProximateCause = h.Cause
	if mediationRan && dominantMediator != "" && cs.HasMediationInsight() {
		// The deepest driver is the dominant mediator, not the surface cause.
		cs.TrueCause = dominantMediator
	} else {
		cs.TrueCause = h.Cause
	}
	if cs.ActionableLever == "" && verdict {
		cs.ActionableLever = "improve " + strings.ReplaceAll(cs.TrueCause, "_", " ")
	}

	if !mediationRan {
		// Without a mediation decomposition the total effect is the
		// inverse-variance-weighted point estimate of the applicable tests.
		cs.TotalEffect = weightedPointEstimate(applicable(h.TestResults))
		cs.DirectEffect = cs.TotalEffect
	}
}

// applicable filters out skipped results so they carry no weight in
// aggregation.
func applicable(results []domain.TestResult) []domain.TestResult {
	out := make([]domain.TestResult, 0, len(results))
	for _, r := range results {
		if !isSkip(r) {
			out = append(out, r)
		}
	}
	return out
}

func isSkip(tr domain.TestResult) bool {
	return tr.Skipped()
}

func weightedPointEstimate(results []domain.TestResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum, weightTotal float64
	for _, r := range results {
		width := r.ConfidenceInterval.Upper - r.ConfidenceInterval.Lower
		weight := 1.0
		if width > 0 {
			se := width / 3.92
			if se > 0 {
				weight = 1.0 / (se * se)
			}
		}
		if math.IsInf(weight, 0) || math.IsNaN(weight) {
			weight = 1.0
		}
		sum += weight * r.PointEstimate
		weightTotal += weight
	}
	if weightTotal == 0 {
		return 0
	}
	return sum / weightTotal
}

// infeasibleReason applies the feasibility rules, returning a
// human-readable reason when the method cannot run, or "" when it can.
func infeasibleReason(ds *dataset.Dataset, h *domain.Hypothesis, method domain.TestMethod) string {
	if !ds.HasColumn(h.Cause) || !ds.HasColumn(h.Effect) {
		return fmt.Sprintf("cause %q or effect %q column is absent from the dataset", h.Cause, h.Effect)
	}

	switch method {
	case domain.MethodPropensityMatching:
		if !ds.IsNumeric(h.Cause) {
			return fmt.Sprintf("treatment column %q is not numeric and cannot be binarized", h.Cause)
		}
		treated, control := classCounts(binarize(ds.Numeric[h.Cause]))
		if treated < minRowsPerClass || control < minRowsPerClass {
			return fmt.Sprintf("fewer than %d rows per treatment class (%d treated, %d control)", minRowsPerClass, treated, control)
		}
		return ""

	case domain.MethodRegressionAdjustment:
		if ds.RowCount < minRegressionRows {
			return fmt.Sprintf("sample size %d below the minimum of %d", ds.RowCount, minRegressionRows)
		}
		return ""

	case domain.MethodGrangerCausality:
		if !ds.HasTimeIndex() {
			return "dataset carries no ordered time index (cross-sectional data)"
		}
		if !ds.IsNumeric(h.Cause) || !ds.IsNumeric(h.Effect) {
			return "cause and effect must both be numeric series"
		}
		return ""

	default:
		return ""
	}
}

// skippedResult is the TestResult shape for an infeasible method: appended,
// not significant, low confidence, the warning explaining the skip.
func skippedResult(method domain.TestMethod, reason string) domain.TestResult {
	return domain.TestResult{
		Method:          method,
		IsSignificant:   false,
		EffectDirection: domain.DirectionNone,
		Confidence:      domain.ConfidenceLow,
		Warnings:        []string{domain.SkipWarningPrefix + reason},
	}
}

// controlColumns unions the hypothesis's confounders and moderators for use
// as regression controls, preserving order.
func controlColumns(h *domain.Hypothesis) []string {
	seen := make(map[string]bool, len(h.Confounders))
	out := make([]string, 0, len(h.Confounders)+len(h.Moderators))
	for _, c := range h.Confounders {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, m := range h.Moderators {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// binarizedView returns the dataset with a non-binary treatment column
// replaced by its median split, plus a warning if the split was applied. The
// underlying column slices are shared; only the map is copied.
func binarizedView(ds *dataset.Dataset, treatmentCol string) (*dataset.Dataset, string) {
	if ds.IsBinary(treatmentCol) {
		return ds, ""
	}
	numeric := make(map[string][]float64, len(ds.Numeric))
	for k, v := range ds.Numeric {
		numeric[k] = v
	}
	numeric[treatmentCol] = binarize(ds.Numeric[treatmentCol])

	view := *ds
	view.Numeric = numeric
	return &view, fmt.Sprintf("treatment %q binarized at its median", treatmentCol)
}

// binarize median-splits a numeric column into {0,1}, passing through
// columns that are already binary. Missing values stay missing.
func binarize(vals []float64) []float64 {
	clean := make([]float64, 0, len(vals))
	binary := true
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		if v != 0 && v != 1 {
			binary = false
		}
		clean = append(clean, v)
	}
	if binary || len(clean) == 0 {
		return vals
	}
	sort.Float64s(clean)
	median := clean[len(clean)/2]

	out := make([]float64, len(vals))
	for i, v := range vals {
		switch {
		case math.IsNaN(v):
			out[i] = math.NaN()
		case v > median:
			out[i] = 1
		default:
			out[i] = 0
		}
	}
	return out
}

func classCounts(vals []float64) (treated, control int) {
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		if v != 0 {
			treated++
		} else {
			control++
		}
	}
	return treated, control
}

// negativeMechanismWords flag mechanisms phrased as the cause suppressing
// the outcome; anything else is read as the cause raising it.
var negativeMechanismWords = []string{
	"reduce", "reduces", "lower", "lowers", "decrease", "decreases",
	"prevent", "prevents", "protect", "protects", "suppress", "suppresses",
}

// expectedDirection derives the mechanism's expected effect sign from its
// wording, per the aggregation rule's "same sign as the mechanism
// description".
func expectedDirection(mechanism string) domain.EffectDirection {
	lower := strings.ToLower(mechanism)
	for _, w := range negativeMechanismWords {
		if strings.Contains(lower, w) {
			return domain.DirectionNegative
		}
	}
	if strings.TrimSpace(lower) == "" {
		return domain.DirectionNone
	}
	return domain.DirectionPositive
}

// sessionConfidence is the mean structure_confidence across validated
// hypotheses, or 0 if none validated.
func sessionConfidence(sess *domain.ReasoningSession) float64 {
	var sum float64
	n := 0
	for i := range sess.Hypotheses {
		h := &sess.Hypotheses[i]
		if h.Validated == nil || !*h.Validated || h.CausalStructure == nil {
			continue
		}
		sum += h.CausalStructure.StructureConfidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
