package generator

// Strategy: inject a fakeLLMAdapter to exercise guardrail validation and the
// retry-on-schema-failure loop without a real LLM.

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/retentionlabs/causalreason/internal/audit"
	"github.com/retentionlabs/causalreason/internal/dataset"
	"github.com/retentionlabs/causalreason/internal/domain"
	"github.com/retentionlabs/causalreason/internal/llm/adapter"
	"github.com/retentionlabs/causalreason/internal/profiler"
)

type fakeLLMAdapter struct {
	responses []string
	errs      []error
	calls     int
}

func (f *fakeLLMAdapter) CompleteStructured(_ context.Context, _, _, _ string) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", nil
}

func (f *fakeLLMAdapter) CountTokens(_ context.Context, prompt string) (int, error) {
	return len(prompt) / 4, nil
}

func (f *fakeLLMAdapter) GetProvider() adapter.ProviderType { return adapter.ProviderNone }

func (f *fakeLLMAdapter) WithStage(_ string) adapter.LLMAdapter { return f }

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
	if err != nil {
		t.Fatalf("audit.NewLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func testProfile() *profiler.Profile {
	ds := &dataset.Dataset{
		Columns:  []string{"onboarding_completed", "support_tickets", "churned"},
		RowCount: 100,
		Numeric: map[string][]float64{
			"onboarding_completed": make([]float64, 100),
			"support_tickets":      make([]float64, 100),
			"churned":              make([]float64, 100),
		},
	}
	for i := range ds.Numeric["churned"] {
		if i%3 == 0 {
			ds.Numeric["churned"][i] = 1
		}
	}
	catalog := []dataset.Feature{
		{Name: "onboarding_completed", Type: dataset.SemanticBinary},
		{Name: "support_tickets", Type: dataset.SemanticContinuous},
		{Name: "churned", Type: dataset.SemanticBinary},
	}
	profile, err := profiler.Build(ds, catalog, "churned")
	if err != nil {
		panic(err)
	}
	return profile
}

func testOpportunity() *domain.Opportunity {
	return &domain.Opportunity{
		ID:            "opp-1",
		Type:          domain.OpportunityChurnSpike,
		Title:         "Churn spike in Q3",
		MetricName:    "churned",
		BaselineValue: 0.1,
		CurrentValue:  0.18,
		SampleSize:    100,
		Severity:      domain.SeverityHigh,
	}
}

const validResponse = `[
  {"cause": "onboarding_completed", "effect": "churned", "mechanism": "incomplete onboarding raises churn", "rationale": "users who do not finish onboarding see less value", "confounders": ["support_tickets"], "test_methods": ["regression_adjustment"], "likelihood": "high"},
  {"cause": "support_tickets", "effect": "churned", "mechanism": "unresolved tickets raise churn", "rationale": "friction drives churn", "confounders": [], "test_methods": ["propensity_matching"], "likelihood": "medium"},
  {"cause": "onboarding_completed", "effect": "churned", "mechanism": "duplicate", "rationale": "dup", "confounders": [], "test_methods": ["regression_adjustment"], "likelihood": "low"}
]`

func TestGenerateValidatesAndDedupes(t *testing.T) {
	llm := &fakeLLMAdapter{responses: []string{validResponse}}
	hyps, err := Generate(context.Background(), llm, newTestLogger(t), "sess-1", "corr-1", testOpportunity(), testProfile(), "", 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(hyps) != 2 {
		t.Fatalf("expected 2 hypotheses after dedup, got %d", len(hyps))
	}
	for _, h := range hyps {
		if h.IsValidated() {
			t.Errorf("expected Validated to remain nil, got %v", h.Validated)
		}
		if h.SessionID != "sess-1" {
			t.Errorf("expected session id sess-1, got %s", h.SessionID)
		}
	}
}

func TestGenerateDropsUnknownColumns(t *testing.T) {
	resp := `[
    {"cause": "unknown_col", "effect": "churned", "mechanism": "x", "rationale": "y", "test_methods": ["regression_adjustment"], "likelihood": "low"},
    {"cause": "onboarding_completed", "effect": "churned", "mechanism": "x", "rationale": "y", "test_methods": ["regression_adjustment"], "likelihood": "low"},
    {"cause": "support_tickets", "effect": "churned", "mechanism": "x", "rationale": "y", "test_methods": ["propensity_matching"], "likelihood": "low"}
  ]`
	llm := &fakeLLMAdapter{responses: []string{resp}}
	hyps, err := Generate(context.Background(), llm, newTestLogger(t), "sess-1", "corr-1", testOpportunity(), testProfile(), "", 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(hyps) != 2 {
		t.Fatalf("expected 2 valid hypotheses, got %d", len(hyps))
	}
}

func TestGenerateFailsWithFewerThanTwoValid(t *testing.T) {
	resp := `[{"cause": "unknown_col", "effect": "churned", "mechanism": "x", "rationale": "y", "test_methods": ["regression_adjustment"], "likelihood": "low"}]`
	llm := &fakeLLMAdapter{responses: []string{resp}}
	_, err := Generate(context.Background(), llm, newTestLogger(t), "sess-1", "corr-1", testOpportunity(), testProfile(), "", 2)
	if err == nil {
		t.Fatal("expected InsufficientHypothesesError")
	}
	if _, ok := err.(*domain.InsufficientHypothesesError); !ok {
		t.Fatalf("expected *domain.InsufficientHypothesesError, got %T: %v", err, err)
	}
}

func TestGenerateRetriesOnSchemaFailureThenSucceeds(t *testing.T) {
	llm := &fakeLLMAdapter{responses: []string{"not json", validResponse}}
	hyps, err := Generate(context.Background(), llm, newTestLogger(t), "sess-1", "corr-1", testOpportunity(), testProfile(), "", 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if llm.calls != 2 {
		t.Errorf("expected 2 LLM calls (1 retry), got %d", llm.calls)
	}
	if len(hyps) != 2 {
		t.Fatalf("expected 2 hypotheses, got %d", len(hyps))
	}
}

func TestGenerateFailsAfterExhaustingRetries(t *testing.T) {
	llm := &fakeLLMAdapter{responses: []string{"not json", "still not json", "nope"}}
	_, err := Generate(context.Background(), llm, newTestLogger(t), "sess-1", "corr-1", testOpportunity(), testProfile(), "", 2)
	if err == nil {
		t.Fatal("expected an LLMSchemaError")
	}
	if _, ok := err.(*domain.LLMSchemaError); !ok {
		t.Fatalf("expected *domain.LLMSchemaError, got %T: %v", err, err)
	}
	if llm.calls != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", llm.calls)
	}
}
