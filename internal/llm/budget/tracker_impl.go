package budget

// Package budget — concrete SessionBudget implementation.
//
// Design:
//   - In-memory per-session counters, keyed by session ID
//   - Hard limit only: once exceeded, EnforceBudget returns a domain error
//   - No persistence: a restarted process loses in-flight session budgets,
//     matching the rest of the engine's in-memory session registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/retentionlabs/causalreason/internal/domain"
	"github.com/retentionlabs/causalreason/internal/metrics"
)

type sessionState struct {
	callCount int
	startedAt time.Time
}

type inMemorySessionBudget struct {
	mu         sync.Mutex
	sessions   map[string]*sessionState
	maxCalls   int
	maxSeconds int
}

func newInMemorySessionBudget(maxCallsPerSession, maxDurationSeconds int) *inMemorySessionBudget {
	return &inMemorySessionBudget{
		sessions:   make(map[string]*sessionState),
		maxCalls:   maxCallsPerSession,
		maxSeconds: maxDurationSeconds,
	}
}

func (b *inMemorySessionBudget) getOrCreate(sessionID string) *sessionState {
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &sessionState{startedAt: time.Now()}
		b.sessions[sessionID] = s
	}
	return s
}

func (b *inMemorySessionBudget) RecordCall(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getOrCreate(sessionID)
	s.callCount++
	return nil
}

func (b *inMemorySessionBudget) EnforceBudget(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getOrCreate(sessionID)

	if b.maxCalls > 0 && s.callCount >= b.maxCalls {
		metrics.BudgetExceeded.WithLabelValues(sessionID).Inc()
		return &domain.BudgetExceededError{Budget: "llm_calls", Limit: fmt.Sprintf("%d calls", b.maxCalls)}
	}

	elapsed := time.Since(s.startedAt).Seconds()
	if b.maxSeconds > 0 && elapsed >= float64(b.maxSeconds) {
		metrics.BudgetExceeded.WithLabelValues(sessionID).Inc()
		return &domain.BudgetExceededError{Budget: "session_duration", Limit: fmt.Sprintf("%ds", b.maxSeconds)}
	}

	return nil
}

func (b *inMemorySessionBudget) Usage(_ context.Context, sessionID string) (Usage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return Usage{}, nil
	}
	return Usage{CallCount: s.callCount, ElapsedSeconds: time.Since(s.startedAt).Seconds()}, nil
}

func (b *inMemorySessionBudget) Reset(_ context.Context, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}
