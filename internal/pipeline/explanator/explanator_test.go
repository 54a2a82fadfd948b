package explanator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retentionlabs/causalreason/internal/dataset"
	"github.com/retentionlabs/causalreason/internal/domain"
	"github.com/retentionlabs/causalreason/internal/llm/adapter"
	"github.com/retentionlabs/causalreason/internal/profiler"
)

type fakeLLMAdapter struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLMAdapter) CompleteStructured(_ context.Context, _, _, _ string) (string, error) {
	f.calls++
	return f.response, f.err
}
func (f *fakeLLMAdapter) CountTokens(_ context.Context, p string) (int, error) { return len(p) / 4, nil }
func (f *fakeLLMAdapter) GetProvider() adapter.ProviderType                    { return adapter.ProviderOpenAI }
func (f *fakeLLMAdapter) WithStage(_ string) adapter.LLMAdapter                { return f }

func validated(v bool) *bool { return &v }

func fixtures(rows int) (*domain.Opportunity, *dataset.Dataset, *profiler.Profile) {
	ds := &dataset.Dataset{
		Columns:  []string{"late_delivery", "low_onboarding_engagement", "churn_30d"},
		RowCount: rows,
		Numeric: map[string][]float64{
			"late_delivery":             make([]float64, rows),
			"low_onboarding_engagement": make([]float64, rows),
			"churn_30d":                 make([]float64, rows),
		},
	}
	for i := 0; i < rows; i++ {
		if i%2 == 0 {
			ds.Numeric["churn_30d"][i] = 1
		}
		if i%3 == 0 {
			ds.Numeric["late_delivery"][i] = 1
		}
	}
	catalog := []dataset.Feature{
		{Name: "late_delivery", Type: dataset.SemanticBinary},
		{Name: "low_onboarding_engagement", Type: dataset.SemanticBinary},
		{Name: "churn_30d", Type: dataset.SemanticBinary},
	}
	profile, err := profiler.Build(ds, catalog, "churn_30d")
	if err != nil {
		panic(err)
	}
	opp := &domain.Opportunity{
		ID: "opp-1", Type: domain.OpportunityChurnSpike,
		MetricName:    "churn_30d",
		BaselineValue: 0.15, CurrentValue: 0.32,
		SampleSize: rows, Severity: domain.SeverityHigh,
	}
	return opp, ds, profile
}

func sessionWithValidatedHypothesis() *domain.ReasoningSession {
	sess := domain.NewReasoningSession("s1", "opp-1", "c1")
	sess.Hypotheses = []domain.Hypothesis{
		{
			ID: "h1", SessionID: "s1",
			Cause: "late_delivery", Effect: "churn_30d",
			Mechanism: "late deliveries frustrate new customers",
			Validated: validated(true),
			TestResults: []domain.TestResult{
				{
					Method: domain.MethodRegressionAdjustment,
					IsSignificant: true, PValue: 0.002, EffectSize: 0.55,
					Confidence: domain.ConfidenceHigh,
				},
				{
					Method:     domain.MethodGrangerCausality,
					Confidence: domain.ConfidenceLow,
					Warnings:   []string{domain.SkipWarningPrefix + "dataset carries no ordered time index (cross-sectional data)"},
				},
			},
			CausalStructure: &domain.CausalStructure{
				DirectEffect: 0.05, IndirectEffect: 0.30, TotalEffect: 0.35,
				Mediators:           []string{"low_onboarding_engagement"},
				TrueCause:           "low_onboarding_engagement",
				ProximateCause:      "late_delivery",
				ActionableLever:     "improve low onboarding engagement",
				StructureConfidence: 0.8,
			},
		},
	}
	sess.RecommendedLevers = []domain.Lever{
		{ID: "l1", Name: "improve low onboarding engagement", ExpectedImpact: 0.35, Confidence: domain.ConfidenceHigh, Effort: domain.EffortMedium, Timeframe: "4-6 weeks"},
		{ID: "l2", Name: "fix delivery SLAs", ExpectedImpact: 0.2, Confidence: domain.ConfidenceMedium, Effort: domain.EffortHigh, Timeframe: "quarter"},
		{ID: "l3", Name: "support outreach", ExpectedImpact: 0.1, Confidence: domain.ConfidenceLow, Effort: domain.EffortLow, Timeframe: "2 weeks"},
		{ID: "l4", Name: "fourth lever", ExpectedImpact: 0.05, Confidence: domain.ConfidenceLow, Effort: domain.EffortLow, Timeframe: "2 weeks"},
	}
	return sess
}

func TestExplainBuildsChainFromStructuredData(t *testing.T) {
	opp, ds, profile := fixtures(600)
	sess := sessionWithValidatedHypothesis()

	Explain(context.Background(), nil, opp, ds, profile, sess)

	chain := sess.ReasoningChain
	require.NotNil(t, chain)

	// One hypothesis step plus the mediation insight.
	require.Len(t, chain.Steps, 2)
	assert.Equal(t, 1, chain.Steps[0].Number)
	assert.Contains(t, chain.Steps[0].Claim, "late delivery")
	assert.Contains(t, chain.Steps[0].Evidence, "regression_adjustment")
	assert.Contains(t, chain.Steps[0].Evidence, "p=0.0020")

	insight := chain.Steps[1]
	assert.Equal(t, 2, insight.Number)
	assert.Contains(t, insight.Claim, "low onboarding engagement")
	assert.Contains(t, insight.Evidence, "indirect effect")

	require.NotNil(t, chain.PrimaryLever)
	assert.Contains(t, chain.PrimaryLever.Name, "onboarding")
	assert.Len(t, chain.SecondaryLevers, 2, "secondary levers are the next two ranked")
	assert.Equal(t, "fix delivery SLAs", chain.SecondaryLevers[0].Name)

	assert.Contains(t, chain.ExpectedImpact, "percentage-point")
	assert.Contains(t, chain.ExpectedImpact, "600")

	assert.NotEmpty(t, chain.Conclusion)
	assert.Greater(t, chain.Confidence, 0.0)
	assert.LessOrEqual(t, chain.Confidence, 1.0)
}

func TestExplainCaveatsListSkippedTests(t *testing.T) {
	opp, ds, profile := fixtures(600)
	sess := sessionWithValidatedHypothesis()

	Explain(context.Background(), nil, opp, ds, profile, sess)

	joined := strings.Join(sess.ReasoningChain.Caveats, "\n")
	assert.Contains(t, joined, "granger_causality")
	assert.Contains(t, joined, "skipped")
}

func TestExplainSmallSampleCaveat(t *testing.T) {
	opp, ds, profile := fixtures(40)
	sess := sessionWithValidatedHypothesis()

	Explain(context.Background(), nil, opp, ds, profile, sess)

	joined := strings.Join(sess.ReasoningChain.Caveats, "\n")
	assert.Contains(t, joined, "sample size is small")
}

func TestExplainHighMissingnessCaveat(t *testing.T) {
	opp, ds, profile := fixtures(600)
	// Force >30% missingness on one column's profile entry.
	for i := range profile.Columns {
		if profile.Columns[i].Name == "late_delivery" {
			profile.Columns[i].MissingFraction = 0.4
		}
	}
	sess := sessionWithValidatedHypothesis()

	Explain(context.Background(), nil, opp, ds, profile, sess)

	joined := strings.Join(sess.ReasoningChain.Caveats, "\n")
	assert.Contains(t, joined, `"late_delivery"`)
	assert.Contains(t, joined, "missing")
}

func TestExplainNoValidatedHypotheses(t *testing.T) {
	opp, ds, profile := fixtures(600)
	sess := domain.NewReasoningSession("s1", "opp-1", "c1")
	sess.Hypotheses = []domain.Hypothesis{
		{
			ID: "h1", Cause: "late_delivery", Effect: "churn_30d",
			Validated:       validated(false),
			CausalStructure: &domain.CausalStructure{},
		},
	}
	sess.RecommendedLevers = []domain.Lever{}

	Explain(context.Background(), nil, opp, ds, profile, sess)

	chain := sess.ReasoningChain
	require.NotNil(t, chain)
	assert.Empty(t, chain.Steps)
	assert.Nil(t, chain.PrimaryLever)
	assert.Contains(t, chain.Conclusion, "No hypothesis survived")
	assert.Contains(t, strings.Join(chain.Caveats, "\n"), "no hypothesis produced causal evidence")
	assert.Equal(t, 0.0, chain.Confidence)
}

func TestExplainLLMPolishesConclusion(t *testing.T) {
	opp, ds, profile := fixtures(600)
	sess := sessionWithValidatedHypothesis()
	llm := &fakeLLMAdapter{response: "Focus the team on onboarding engagement to cut churn by 35%."}

	Explain(context.Background(), llm, opp, ds, profile, sess)

	assert.Equal(t, 1, llm.calls)
	assert.Equal(t, "Focus the team on onboarding engagement to cut churn by 35%.", sess.ReasoningChain.Conclusion)
}

func TestExplainFallsBackWhenLLMFails(t *testing.T) {
	opp, ds, profile := fixtures(600)
	sess := sessionWithValidatedHypothesis()
	llm := &fakeLLMAdapter{err: fmt.Errorf("provider unavailable")}

	Explain(context.Background(), llm, opp, ds, profile, sess)

	require.NotNil(t, sess.ReasoningChain)
	assert.Contains(t, sess.ReasoningChain.Conclusion, "strongest intervention", "template conclusion survives an LLM failure")
}
