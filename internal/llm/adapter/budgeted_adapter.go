package adapter

// sessionBudgetedAdapter wraps LLMAdapter with pre-flight session budget
// checks and post-call usage recording. This is the recommended wrapper for
// pipeline stages that call the LLM:
//
//	inner, _ := NewLLMAdapter(cfg)
//	safe := NewSessionBudgetedAdapter(inner, tracker, sessionID)
//
// The wrapped adapter satisfies the same LLMAdapter interface, so stages do
// not need to change how they call it.

import (
	"context"

	"github.com/retentionlabs/causalreason/internal/llm/budget"
)

// sessionBudgetedAdapterImpl wraps an LLMAdapter with per-session budget enforcement.
type sessionBudgetedAdapterImpl struct {
	inner     LLMAdapter
	tracker   budget.SessionBudget
	sessionID string
}

// NewSessionBudgetedAdapter creates an LLMAdapter with pre-flight budget checks
// scoped to a single reasoning session.
func NewSessionBudgetedAdapter(inner LLMAdapter, tracker budget.SessionBudget, sessionID string) LLMAdapter {
	return &sessionBudgetedAdapterImpl{
		inner:     inner,
		tracker:   tracker,
		sessionID: sessionID,
	}
}

// CompleteStructured enforces the session budget, executes the call, then records usage.
func (a *sessionBudgetedAdapterImpl) CompleteStructured(ctx context.Context, systemPrompt, prompt, schemaHint string) (string, error) {
	if err := a.tracker.EnforceBudget(ctx, a.sessionID); err != nil {
		return "", err
	}

	resp, err := a.inner.CompleteStructured(ctx, systemPrompt, prompt, schemaHint)
	if err != nil {
		return resp, err
	}

	_ = a.tracker.RecordCall(ctx, a.sessionID)
	return resp, nil
}

// CountTokens delegates to the inner adapter.
func (a *sessionBudgetedAdapterImpl) CountTokens(ctx context.Context, prompt string) (int, error) {
	return a.inner.CountTokens(ctx, prompt)
}

// GetProvider delegates to the inner adapter.
func (a *sessionBudgetedAdapterImpl) GetProvider() ProviderType {
	return a.inner.GetProvider()
}

// WithStage wraps the inner adapter's stage-tagged copy while preserving
// the budget enforcement wrapper.
func (a *sessionBudgetedAdapterImpl) WithStage(stage string) LLMAdapter {
	return &sessionBudgetedAdapterImpl{
		inner:     a.inner.WithStage(stage),
		tracker:   a.tracker,
		sessionID: a.sessionID,
	}
}
