// Package session is the in-memory registry of ReasoningSession state: a
// sync.RWMutex-guarded map of uuid-keyed records with validated status
// transitions and a snapshot broadcaster for streaming consumers.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/retentionlabs/causalreason/internal/audit"
	"github.com/retentionlabs/causalreason/internal/domain"
)

// Registry creates, looks up, and mutates ReasoningSessions. A single
// Registry is shared by the orchestrator and any read-only callers (e.g. a
// status-polling HTTP handler) for the lifetime of the process.
type Registry struct {
	auditLog audit.Logger

	mu       sync.RWMutex
	sessions map[string]*domain.ReasoningSession

	broadcaster *Broadcaster
}

// NewRegistry creates an empty session registry. auditLog must not be nil.
func NewRegistry(auditLog audit.Logger) *Registry {
	if auditLog == nil {
		panic("session: auditLog must not be nil")
	}
	return &Registry{
		auditLog:    auditLog,
		sessions:    make(map[string]*domain.ReasoningSession),
		broadcaster: NewBroadcaster(),
	}
}

// Broadcaster returns the registry's snapshot broadcaster so callers can
// Subscribe to a session's stage-by-stage progress.
func (r *Registry) Broadcaster() *Broadcaster {
	return r.broadcaster
}

// Create starts a new session for the given opportunity and returns it.
func (r *Registry) Create(ctx context.Context, opportunityID, correlationID string) (*domain.ReasoningSession, error) {
	if opportunityID == "" {
		return nil, fmt.Errorf("session: opportunity id is required")
	}

	id := uuid.New().String()
	sess := domain.NewReasoningSession(id, opportunityID, correlationID)

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	_ = r.auditLog.LogSessionStarted(ctx, id)

	r.publish(domain.StageNone, sess)
	return sess, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*domain.ReasoningSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: not found: %s", id)
	}
	return sess, nil
}

// List returns every session currently held by the registry, in no
// particular order.
func (r *Registry) List() []*domain.ReasoningSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.ReasoningSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// CompleteStage records that a pipeline stage finished successfully for the
// session, bumps its derived CompletenessScore, and emits a snapshot. It
// does not itself change Status; the orchestrator calls Complete once the
// final stage succeeds.
func (r *Registry) CompleteStage(ctx context.Context, id string, stage domain.Stage, duration time.Duration) (*domain.ReasoningSession, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session: not found: %s", id)
	}
	sess.MarkStageCompleted()
	r.mu.Unlock()

	_ = r.auditLog.LogStageCompleted(ctx, id, string(stage), duration)

	r.publish(stage, sess)
	return sess, nil
}

// Fail transitions the session to Failed, recording the offending stage.
func (r *Registry) Fail(ctx context.Context, id string, stage domain.Stage, cause error) (*domain.ReasoningSession, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session: not found: %s", id)
	}
	err := sess.Fail(stage, cause)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	_ = r.auditLog.LogSessionFailed(ctx, id, string(stage), cause)

	r.publish(stage, sess)
	return sess, nil
}

// Complete transitions the session to Completed and emits a final snapshot.
func (r *Registry) Complete(ctx context.Context, id string) (*domain.ReasoningSession, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session: not found: %s", id)
	}
	err := sess.Complete()
	duration := time.Since(sess.CreatedAt)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	_ = r.auditLog.LogSessionCompleted(ctx, id, duration)

	r.publish(domain.StageExplanation, sess)
	return sess, nil
}

// Cancel transitions the session to Cancelled.
func (r *Registry) Cancel(ctx context.Context, id string) (*domain.ReasoningSession, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session: not found: %s", id)
	}
	err := sess.Cancel()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	_ = r.auditLog.LogSessionCancelled(ctx, id)

	r.publish(domain.StageNone, sess)
	return sess, nil
}

// publish takes an immutable copy of the session and fans it out to
// subscribers. The copy is taken with the registry lock already released so
// a slow subscriber can never block session mutation.
func (r *Registry) publish(stage domain.Stage, sess *domain.ReasoningSession) {
	r.mu.RLock()
	snap := domain.Snapshot{Stage: stage, Session: *sess}
	r.mu.RUnlock()
	r.broadcaster.Publish(sess.ID, snap)
}
