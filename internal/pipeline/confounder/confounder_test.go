package confounder

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
	response string
	err      error
	calls    int
}

func (f *fakeLLMAdapter) CompleteStructured(_ context.Context, _, _, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeLLMAdapter) CountTokens(_ context.Context, prompt string) (int, error) {
	return len(prompt) / 4, nil
}

func (f *fakeLLMAdapter) GetProvider() adapter.ProviderType   { return adapter.ProviderNone }
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

func correlatedDataset() *dataset.Dataset {
	n := 100
	cause := make([]float64, n)
	effect := make([]float64, n)
	confounder := make([]float64, n)
	irrelevant := make([]float64, n)
	for i := 0; i < n; i++ {
		confounder[i] = float64(i % 10)
		cause[i] = confounder[i] + float64(i%3)*0.1
		effect[i] = confounder[i]*0.8 + float64(i%2)*0.05
		irrelevant[i] = float64((i * 7) % 13)
	}
	return &dataset.Dataset{
		Columns:  []string{"cause_col", "effect_col", "confounder_col", "irrelevant_col"},
		RowCount: n,
		Numeric: map[string][]float64{
			"cause_col":       cause,
			"effect_col":      effect,
			"confounder_col":  confounder,
			"irrelevant_col":  irrelevant,
		},
	}
}

func testProfile(ds *dataset.Dataset) *profiler.Profile {
	catalog := []dataset.Feature{
		{Name: "cause_col", Type: dataset.SemanticContinuous},
		{Name: "effect_col", Type: dataset.SemanticContinuous},
		{Name: "confounder_col", Type: dataset.SemanticContinuous},
		{Name: "irrelevant_col", Type: dataset.SemanticContinuous},
	}
	profile, err := profiler.Build(ds, catalog, "effect_col")
	if err != nil {
		panic(err)
	}
	return profile
}

func TestCandidateColumnsFindsCorrelatedVariable(t *testing.T) {
	ds := correlatedDataset()
	hyp, _ := domain.NewHypothesis("h1", "sess-1", "cause_col", "effect_col")

	cands := candidateColumns(ds, hyp)
	found := false
	for _, c := range cands {
		if c == "confounder_col" {
			found = true
		}
		if c == "irrelevant_col" {
			t.Errorf("irrelevant_col should not pass the correlation screen")
		}
	}
	if !found {
		t.Error("expected confounder_col to be found via correlation screen")
	}
}

func TestAnalyzeClassifiesAndBuildsDAG(t *testing.T) {
	ds := correlatedDataset()
	profile := testProfile(ds)
	hyp, _ := domain.NewHypothesis("h1", "sess-1", "cause_col", "effect_col")
	hyp.Mechanism = "cause_col raises effect_col"

	llm := &fakeLLMAdapter{response: `{"confounder_col": "confounder"}`}
	err := Analyze(context.Background(), llm, newTestLogger(t), "sess-1", "corr-1", ds, profile, hyp, 2)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if hyp.CausalStructure == nil {
		t.Fatal("expected CausalStructure to be set")
	}
	if len(hyp.Confounders) != 1 || hyp.Confounders[0] != "confounder_col" {
		t.Errorf("expected confounders [confounder_col], got %v", hyp.Confounders)
	}
	if hyp.CausalStructure.TotalEffect != 0 {
		t.Errorf("expected effect fields to remain empty, got total_effect=%f", hyp.CausalStructure.TotalEffect)
	}

	var sawConfounderToCause, sawConfounderToEffect bool
	for _, e := range hyp.CausalStructure.Edges {
		if e.Label == domain.EdgeConfounderToCause {
			sawConfounderToCause = true
		}
		if e.Label == domain.EdgeConfounderToEffect {
			sawConfounderToEffect = true
		}
	}
	if !sawConfounderToCause || !sawConfounderToEffect {
		t.Errorf("expected confounder edges to both cause and effect, got %+v", hyp.CausalStructure.Edges)
	}
}

func TestAnalyzeWithNoCandidatesSkipsLLM(t *testing.T) {
	ds := &dataset.Dataset{
		Columns:  []string{"cause_col", "effect_col"},
		RowCount: 10,
		Numeric: map[string][]float64{
			"cause_col":  {1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			"effect_col": {1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		},
	}
	profile := testProfile(ds)
	hyp, _ := domain.NewHypothesis("h1", "sess-1", "cause_col", "effect_col")

	llm := &fakeLLMAdapter{}
	err := Analyze(context.Background(), llm, newTestLogger(t), "sess-1", "corr-1", ds, profile, hyp, 2)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if llm.calls != 0 {
		t.Errorf("expected no LLM calls when there are no candidates, got %d", llm.calls)
	}
	if len(hyp.CausalStructure.Nodes) != 2 {
		t.Errorf("expected 2 nodes (cause, effect), got %d", len(hyp.CausalStructure.Nodes))
	}
}

func TestAnalyzeFailsAfterExhaustingRetries(t *testing.T) {
	ds := correlatedDataset()
	profile := testProfile(ds)
	hyp, _ := domain.NewHypothesis("h1", "sess-1", "cause_col", "effect_col")

	llm := &fakeLLMAdapter{response: "not json"}
	err := Analyze(context.Background(), llm, newTestLogger(t), "sess-1", "corr-1", ds, profile, hyp, 1)
	if err == nil {
		t.Fatal("expected an LLMSchemaError")
	}
	if _, ok := err.(*domain.LLMSchemaError); !ok {
		t.Fatalf("expected *domain.LLMSchemaError, got %T: %v", err, err)
	}
	if llm.calls != 2 {
		t.Errorf("expected 2 attempts (1 + 1 retry), got %d", llm.calls)
	}
}
