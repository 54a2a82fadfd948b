// Package archive is the optional at-rest store for finished reasoning
// sessions. Persistence beyond in-memory records is a stated non-goal and
// the archive is therefore opt-in (Archive.Enabled in config, off by
// default); when enabled, the orchestrator's caller hands each terminal
// session to the archive so operators can review past analyses.
package archive

import (
	"context"
	"time"

	"github.com/retentionlabs/causalreason/internal/domain"
)

// SessionRecord is the flattened, serialization-friendly projection of a
// terminal ReasoningSession. Hypotheses, levers, and the reasoning chain are
// stored as a single JSON document; the scalar columns exist for querying.
type SessionRecord struct {
	ID            string
	OpportunityID string
	Status        string
	CorrelationID string

	HypothesesCount          int
	ValidatedHypothesesCount int
	ConfidenceScore          float64
	CompletenessScore        float64
	ErrorMessage             string
	FailedStage              string

	// Document is the full session serialized as JSON.
	Document string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Query filters List calls.
type Query struct {
	Status string // empty matches every status
	Limit  int
	Offset int
}

// Store persists terminal sessions.
type Store interface {
	// SaveSession upserts one terminal session.
	SaveSession(ctx context.Context, rec *SessionRecord) error

	// GetSession returns a session by id, or nil when absent.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// ListSessions returns sessions ordered newest-first.
	ListSessions(ctx context.Context, q Query) ([]*SessionRecord, error)

	// DeleteSession removes a session.
	DeleteSession(ctx context.Context, id string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}

// RecordFromSession projects a terminal session into its archive record.
// document is the caller-serialized JSON body (kept out of this package so
// the archive has no opinion about wire shape).
func RecordFromSession(sess *domain.ReasoningSession, document string) *SessionRecord {
	return &SessionRecord{
		ID:                       sess.ID,
		OpportunityID:            sess.OpportunityID,
		Status:                   string(sess.Status),
		CorrelationID:            sess.CorrelationID,
		HypothesesCount:          sess.HypothesesCount(),
		ValidatedHypothesesCount: sess.ValidatedHypothesesCount(),
		ConfidenceScore:          sess.ConfidenceScore,
		CompletenessScore:        sess.CompletenessScore,
		ErrorMessage:             sess.ErrorMessage,
		FailedStage:              string(sess.FailedStage),
		Document:                 document,
		CreatedAt:                sess.CreatedAt,
		UpdatedAt:                sess.UpdatedAt,
	}
}
