package engine

// End-to-end pipeline scenarios, each driven by a fixed-seed dataset and a
// scripted fake LLM that returns canned structured outputs. Datasets are
// built so verdicts are
// deterministic: null-effect hypotheses carry a small effect in the
// direction opposite their stated mechanism, so they fail validation
// whether or not the test crosses the significance line.

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retentionlabs/causalreason/internal/audit"
	"github.com/retentionlabs/causalreason/internal/dataset"
	"github.com/retentionlabs/causalreason/internal/domain"
	"github.com/retentionlabs/causalreason/internal/llm/adapter"
	"github.com/retentionlabs/causalreason/internal/session"
)

type scriptedLLM struct {
	responses []string
	calls     int
}

func (f *scriptedLLM) CompleteStructured(_ context.Context, _, _, _ string) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	// Confounder calls beyond the script reuse the last response.
	if len(f.responses) > 0 {
		return f.responses[len(f.responses)-1], nil
	}
	return "", fmt.Errorf("no scripted response")
}

func (f *scriptedLLM) CountTokens(_ context.Context, p string) (int, error) { return len(p) / 4, nil }
func (f *scriptedLLM) GetProvider() adapter.ProviderType                    { return adapter.ProviderNone }
func (f *scriptedLLM) WithStage(_ string) adapter.LLMAdapter                { return f }

func newTestLogger(t *testing.T) audit.Logger {
	t.Helper()
	tmpDir := t.TempDir()
	logger, err := audit.NewLogger(&audit.Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		MaxSize:      10,
		MaxBackups:   3,
		MaxAge:       7,
		LogLevel:     "info",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func newEngine(t *testing.T, llm adapter.LLMAdapter, opts Options) *Engine {
	t.Helper()
	auditLog := newTestLogger(t)
	return New(session.NewRegistry(auditLog), llm, auditLog, opts)
}

// referralChurnDataset builds the S1 world: late_delivery drives
// low_onboarding_engagement, which drives churn_30d. tenure_months is noise
// with a slight protective slant so a "tenure raises churn" claim can never
// validate.
func referralChurnDataset(n int, seed int64) (*dataset.Dataset, []dataset.Feature) {
	rng := rand.New(rand.NewSource(seed))
	late := make([]float64, n)
	onboarding := make([]float64, n)
	churn := make([]float64, n)
	tenure := make([]float64, n)

	for i := 0; i < n; i++ {
		if rng.Float64() < 0.35 {
			late[i] = 1
		}
		// Strong first-stage: late delivery mostly determines low engagement.
		p := 0.1 + 0.7*late[i]
		if rng.Float64() < p {
			onboarding[i] = 1
		}
		tenure[i] = rng.NormFloat64()
		churnP := 0.12 + 0.45*onboarding[i] + 0.03*late[i] - 0.02*tenure[i]
		if churnP < 0 {
			churnP = 0
		}
		if rng.Float64() < churnP {
			churn[i] = 1
		}
	}

	ds := &dataset.Dataset{
		Columns:  []string{"late_delivery", "low_onboarding_engagement", "tenure_months", "churn_30d"},
		RowCount: n,
		Numeric: map[string][]float64{
			"late_delivery":             late,
			"low_onboarding_engagement": onboarding,
			"tenure_months":             tenure,
			"churn_30d":                 churn,
		},
	}
	catalog := []dataset.Feature{
		{Name: "late_delivery", Type: dataset.SemanticBinary, Description: "order delivered past SLA"},
		{Name: "low_onboarding_engagement", Type: dataset.SemanticBinary, Description: "skipped onboarding milestones"},
		{Name: "tenure_months", Type: dataset.SemanticContinuous},
		{Name: "churn_30d", Type: dataset.SemanticBinary},
	}
	return ds, catalog
}

func referralOpportunity(n int) *domain.Opportunity {
	return &domain.Opportunity{
		ID:             "opp-referral",
		Type:           domain.OpportunityChurnSpike,
		Title:          "Churn spike in the Referral channel",
		Description:    "30-day churn jumped from 15% to 32%",
		AffectedCohort: map[string]string{"channel": "Referral"},
		MetricName:     "churn_30d",
		BaselineValue:  0.15,
		CurrentValue:   0.32,
		SampleSize:     n,
		Severity:       domain.SeverityHigh,
	}
}

const s1Hypotheses = `[
  {"cause": "late_delivery", "effect": "churn_30d", "mechanism": "late deliveries increase churn by souring the first experience", "rationale": "delivery misses cluster in the referral cohort", "confounders": [], "test_methods": ["regression_adjustment"], "likelihood": "high"},
  {"cause": "tenure_months", "effect": "churn_30d", "mechanism": "longer tenure increases churn", "rationale": "speculative", "confounders": [], "test_methods": ["synthetic_control"], "likelihood": "low"},
  {"cause": "low_onboarding_engagement", "effect": "churn_30d", "mechanism": "disengaged onboarding increases churn", "rationale": "engagement predicts retention", "confounders": [], "test_methods": ["difference_in_differences"], "likelihood": "medium"}
]`

const s1Classification = `{"low_onboarding_engagement": "mediator", "tenure_months": "irrelevant"}`

func TestScenarioS1SimplePositiveCase(t *testing.T) {
	ds, catalog := referralChurnDataset(600, 42)
	llm := &scriptedLLM{responses: []string{s1Hypotheses, s1Classification}}
	eng := newEngine(t, llm, Options{})

	sess, err := eng.Analyze(context.Background(), Request{
		Opportunity: referralOpportunity(600),
		Dataset:     ds,
		Catalog:     catalog,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, sess.Status)

	var validatedHyps []*domain.Hypothesis
	for i := range sess.Hypotheses {
		if sess.Hypotheses[i].Validated != nil && *sess.Hypotheses[i].Validated {
			validatedHyps = append(validatedHyps, &sess.Hypotheses[i])
		}
	}
	require.Len(t, validatedHyps, 1, "exactly one hypothesis should validate")

	h := validatedHyps[0]
	assert.Equal(t, "late_delivery", h.Cause)
	require.NotNil(t, h.CausalStructure)
	assert.Equal(t, "low_onboarding_engagement", h.CausalStructure.TrueCause)
	assert.Greater(t, h.CausalStructure.IndirectEffect, h.CausalStructure.DirectEffect)

	require.NotNil(t, sess.ReasoningChain)
	require.NotNil(t, sess.ReasoningChain.PrimaryLever)
	assert.Contains(t, strings.ToLower(sess.ReasoningChain.PrimaryLever.Name), "onboarding")

	assert.Equal(t, 1.0, sess.CompletenessScore)
}

// confoundedDataset is the S2 world: C drives both A and churn; A's own
// partial effect is slightly negative, opposite the claimed mechanism.
func confoundedDataset(n int, seed int64) (*dataset.Dataset, []dataset.Feature) {
	rng := rand.New(rand.NewSource(seed))
	c := make([]float64, n)
	a := make([]float64, n)
	churn := make([]float64, n)
	for i := 0; i < n; i++ {
		c[i] = rng.NormFloat64()
		if c[i]+rng.NormFloat64()*0.4 > 0 {
			a[i] = 1
		}
		churn[i] = 1.2*c[i] - 0.15*a[i] + rng.NormFloat64()*0.5
	}
	ds := &dataset.Dataset{
		Columns:  []string{"promo_exposure", "account_health", "churn_score"},
		RowCount: n,
		Numeric: map[string][]float64{
			"promo_exposure": a,
			"account_health": c,
			"churn_score":    churn,
		},
	}
	catalog := []dataset.Feature{
		{Name: "promo_exposure", Type: dataset.SemanticBinary},
		{Name: "account_health", Type: dataset.SemanticContinuous},
		{Name: "churn_score", Type: dataset.SemanticContinuous},
	}
	return ds, catalog
}

func TestScenarioS2PureConfounding(t *testing.T) {
	ds, catalog := confoundedDataset(600, 7)
	hyps := `[
	  {"cause": "promo_exposure", "effect": "churn_score", "mechanism": "promo exposure increases churn", "rationale": "suspected fatigue", "confounders": ["account_health"], "test_methods": ["regression_adjustment"], "likelihood": "medium"},
	  {"cause": "account_health", "effect": "churn_score", "mechanism": "declining health increases churn", "rationale": "known driver", "confounders": [], "test_methods": ["synthetic_control"], "likelihood": "high"}
	]`
	classification := `{"account_health": "confounder"}`
	llm := &scriptedLLM{responses: []string{hyps, classification}}
	eng := newEngine(t, llm, Options{})

	opp := &domain.Opportunity{
		ID: "opp-confound", Type: domain.OpportunityRetentionDrop,
		MetricName: "churn_score", BaselineValue: 0.2, CurrentValue: 0.3,
		SampleSize: 600, Severity: domain.SeverityMedium,
	}
	sess, err := eng.Analyze(context.Background(), Request{Opportunity: opp, Dataset: ds, Catalog: catalog})
	require.NoError(t, err)

	require.Equal(t, domain.StatusCompleted, sess.Status)
	assert.Equal(t, 0, sess.ValidatedHypothesesCount())
	assert.Empty(t, sess.ValidatedCauses())
	assert.Equal(t, 0.0, sess.ConfidenceScore)

	require.NotNil(t, sess.ReasoningChain)
	joined := strings.Join(sess.ReasoningChain.Caveats, "\n")
	assert.Contains(t, joined, "no hypothesis produced causal evidence")
}

func TestScenarioS3InsufficientHypotheses(t *testing.T) {
	ds, catalog := referralChurnDataset(600, 42)
	hyps := `[
	  {"cause": "late_delivery", "effect": "churn_30d", "mechanism": "late deliveries increase churn", "rationale": "r", "test_methods": ["regression_adjustment"], "likelihood": "high"},
	  {"cause": "ghost_col_1", "effect": "churn_30d", "mechanism": "m", "rationale": "r", "test_methods": ["regression_adjustment"], "likelihood": "low"},
	  {"cause": "ghost_col_2", "effect": "churn_30d", "mechanism": "m", "rationale": "r", "test_methods": ["regression_adjustment"], "likelihood": "low"},
	  {"cause": "ghost_col_3", "effect": "churn_30d", "mechanism": "m", "rationale": "r", "test_methods": ["regression_adjustment"], "likelihood": "low"}
	]`
	llm := &scriptedLLM{responses: []string{hyps}}
	eng := newEngine(t, llm, Options{})

	sess, err := eng.Analyze(context.Background(), Request{
		Opportunity: referralOpportunity(600), Dataset: ds, Catalog: catalog,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, sess.Status)
	assert.Equal(t, domain.StageGenerator, sess.FailedStage)
	assert.Contains(t, sess.ErrorMessage, "fewer than 2")
	assert.Nil(t, sess.ReasoningChain)
}

func TestScenarioS4SchemaFailureThenRecovery(t *testing.T) {
	ds, catalog := referralChurnDataset(600, 42)
	llm := &scriptedLLM{responses: []string{"not json at all", "{\"oops\": true}", s1Hypotheses, s1Classification}}
	eng := newEngine(t, llm, Options{MaxRetries: 2})

	sess, err := eng.Analyze(context.Background(), Request{
		Opportunity: referralOpportunity(600), Dataset: ds, Catalog: catalog,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, sess.Status)
	// 1 original + exactly 2 retries before the generator succeeded.
	assert.GreaterOrEqual(t, llm.calls, 3)
	assert.Equal(t, 3, sess.HypothesesCount())
}

func TestScenarioS5CancellationMidPipeline(t *testing.T) {
	ds, catalog := referralChurnDataset(600, 42)
	llm := &scriptedLLM{responses: []string{s1Hypotheses, s1Classification}}
	eng := newEngine(t, llm, Options{})

	eng.afterStage = func(stage domain.Stage, sess *domain.ReasoningSession) {
		if stage == domain.StageGenerator {
			eng.Cancel(sess.ID)
		}
	}

	sess, err := eng.Analyze(context.Background(), Request{
		Opportunity: referralOpportunity(600), Dataset: ds, Catalog: catalog,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, sess.Status)
	assert.NotEmpty(t, sess.Hypotheses, "hypotheses generated before the cancel stay on the record")
	assert.Empty(t, sess.RecommendedLevers)
	assert.Nil(t, sess.ReasoningChain)
}

func TestScenarioS6SmallSample(t *testing.T) {
	ds, catalog := referralChurnDataset(40, 17)
	// Small-sample world: claim the protective tenure column raises churn,
	// so the verdict stays false regardless of significance.
	hyps := `[
	  {"cause": "tenure_months", "effect": "churn_30d", "mechanism": "longer tenure increases churn", "rationale": "r", "test_methods": ["propensity_matching", "regression_adjustment"], "likelihood": "low"},
	  {"cause": "late_delivery", "effect": "churn_30d", "mechanism": "late deliveries reduce churn", "rationale": "r", "test_methods": ["propensity_matching"], "likelihood": "low"}
	]`
	llm := &scriptedLLM{responses: []string{hyps, `{}`}}
	eng := newEngine(t, llm, Options{})

	sess, err := eng.Analyze(context.Background(), Request{
		Opportunity: referralOpportunity(40), Dataset: ds, Catalog: catalog,
	})
	require.NoError(t, err)

	require.Equal(t, domain.StatusCompleted, sess.Status)
	assert.LessOrEqual(t, sess.ConfidenceScore, 0.5)

	foundPairWarning := false
	for i := range sess.Hypotheses {
		for _, tr := range sess.Hypotheses[i].TestResults {
			if tr.Method != domain.MethodPropensityMatching {
				continue
			}
			for _, w := range tr.Warnings {
				if strings.Contains(w, "fewer than 30 matched pairs") {
					foundPairWarning = true
				}
			}
		}
	}
	assert.True(t, foundPairWarning, "small sample should trip the matched-pairs warning")

	require.NotNil(t, sess.ReasoningChain)
	assert.Contains(t, strings.Join(sess.ReasoningChain.Caveats, "\n"), "sample size is small")
}

func TestCancellationBeforeAnyStage(t *testing.T) {
	ds, catalog := referralChurnDataset(600, 42)
	llm := &scriptedLLM{responses: []string{s1Hypotheses, s1Classification}}
	eng := newEngine(t, llm, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess, err := eng.Analyze(ctx, Request{
		Opportunity: referralOpportunity(600), Dataset: ds, Catalog: catalog,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, sess.Status)
	assert.Empty(t, sess.Hypotheses)
	assert.Nil(t, sess.ReasoningChain)
}

func TestDataQualityErrorFailsSessionImmediately(t *testing.T) {
	ds, catalog := referralChurnDataset(600, 42)
	llm := &scriptedLLM{responses: []string{s1Hypotheses, s1Classification}}
	eng := newEngine(t, llm, Options{})

	opp := referralOpportunity(600)
	opp.MetricName = "nonexistent_metric"

	sess, err := eng.Analyze(context.Background(), Request{Opportunity: opp, Dataset: ds, Catalog: catalog})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, sess.Status)
	assert.Contains(t, sess.ErrorMessage, "data quality")
	assert.Equal(t, 0, llm.calls, "no LLM call before the data quality gate")
}

func TestSessionInvariantsHold(t *testing.T) {
	ds, catalog := referralChurnDataset(600, 42)
	llm := &scriptedLLM{responses: []string{s1Hypotheses, s1Classification}}
	eng := newEngine(t, llm, Options{})

	sess, err := eng.Analyze(context.Background(), Request{
		Opportunity: referralOpportunity(600), Dataset: ds, Catalog: catalog,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, sess.Status)

	// Invariant 1: derived counts agree with the hypothesis list.
	assert.Equal(t, len(sess.Hypotheses), sess.HypothesesCount())
	wantValidated := 0
	for i := range sess.Hypotheses {
		if sess.Hypotheses[i].Validated != nil && *sess.Hypotheses[i].Validated {
			wantValidated++
		}
	}
	assert.Equal(t, wantValidated, sess.ValidatedHypothesesCount())

	causes := sess.ValidatedCauses()
	seen := map[string]bool{}
	for _, c := range causes {
		assert.False(t, seen[c], "validated_causes must be deduplicated")
		seen[c] = true
	}

	// Invariant 2: every hypothesis got exactly one verdict, from the tester.
	for i := range sess.Hypotheses {
		require.NotNil(t, sess.Hypotheses[i].Validated)
	}

	// Invariant 7: every cause and effect column exists in the dataset.
	for i := range sess.Hypotheses {
		h := &sess.Hypotheses[i]
		assert.True(t, ds.HasColumn(h.Cause), "cause %q must exist", h.Cause)
		assert.True(t, ds.HasColumn(h.Effect), "effect %q must exist", h.Effect)
	}
}

func TestPipelineIsDeterministicAcrossRuns(t *testing.T) {
	run := func() *domain.ReasoningSession {
		ds, catalog := referralChurnDataset(600, 42)
		llm := &scriptedLLM{responses: []string{s1Hypotheses, s1Classification}}
		eng := newEngine(t, llm, Options{})
		sess, err := eng.Analyze(context.Background(), Request{
			Opportunity: referralOpportunity(600), Dataset: ds, Catalog: catalog,
		})
		require.NoError(t, err)
		return sess
	}

	a := run()
	b := run()

	// Byte-equality modulo ids and timestamps: compare the
	// id/time-free projection of both sessions.
	require.Equal(t, a.Status, b.Status)
	require.Equal(t, len(a.Hypotheses), len(b.Hypotheses))
	for i := range a.Hypotheses {
		ha, hb := a.Hypotheses[i], b.Hypotheses[i]
		assert.Equal(t, ha.Cause, hb.Cause)
		assert.Equal(t, ha.Effect, hb.Effect)
		assert.Equal(t, *ha.Validated, *hb.Validated)
		require.Equal(t, len(ha.TestResults), len(hb.TestResults))
		for j := range ha.TestResults {
			assert.Equal(t, ha.TestResults[j].Method, hb.TestResults[j].Method)
			assert.InDelta(t, ha.TestResults[j].PValue, hb.TestResults[j].PValue, 1e-12)
			assert.InDelta(t, ha.TestResults[j].PointEstimate, hb.TestResults[j].PointEstimate, 1e-12)
		}
	}
	require.Equal(t, len(a.RecommendedLevers), len(b.RecommendedLevers))
	for i := range a.RecommendedLevers {
		assert.Equal(t, a.RecommendedLevers[i].Name, b.RecommendedLevers[i].Name)
		assert.InDelta(t, a.RecommendedLevers[i].ExpectedImpact, b.RecommendedLevers[i].ExpectedImpact, 1e-12)
	}
	assert.InDelta(t, a.ConfidenceScore, b.ConfidenceScore, 1e-12)
	assert.Equal(t, a.CompletenessScore, b.CompletenessScore)
}

func TestSnapshotStreamObservesStageBoundaries(t *testing.T) {
	ds, catalog := referralChurnDataset(600, 42)
	llm := &scriptedLLM{responses: []string{s1Hypotheses, s1Classification}}
	eng := newEngine(t, llm, Options{})

	var stages []domain.Stage
	var unsubscribe func()
	done := make(chan struct{})

	// Subscribe as soon as the session exists: the first stage boundary
	// hook registers the subscription for all later snapshots.
	var sessID string
	var snaps <-chan domain.Snapshot
	eng.afterStage = func(stage domain.Stage, sess *domain.ReasoningSession) {
		if sessID == "" {
			sessID = sess.ID
			snaps, unsubscribe = eng.Registry().Broadcaster().Subscribe(sess.ID)
			go func() {
				defer close(done)
				for snap := range snaps {
					stages = append(stages, snap.Stage)
					if snap.Session.Status != domain.StatusInProgress {
						return
					}
				}
			}()
		}
	}

	sess, err := eng.Analyze(context.Background(), Request{
		Opportunity: referralOpportunity(600), Dataset: ds, Catalog: catalog,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, sess.Status)

	<-done
	unsubscribe()

	require.NotEmpty(t, stages)
	final := stages[len(stages)-1]
	assert.Equal(t, domain.StageExplanation, final, "final snapshot carries the terminal session")
}
