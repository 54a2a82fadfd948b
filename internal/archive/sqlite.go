package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// Schema version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
    id                          TEXT PRIMARY KEY,
    opportunity_id              TEXT NOT NULL DEFAULT '',
    status                      TEXT NOT NULL,
    correlation_id              TEXT NOT NULL DEFAULT '',
    hypotheses_count            INTEGER NOT NULL DEFAULT 0,
    validated_hypotheses_count  INTEGER NOT NULL DEFAULT 0,
    confidence_score            REAL NOT NULL DEFAULT 0.0,
    completeness_score          REAL NOT NULL DEFAULT 0.0,
    error_message               TEXT NOT NULL DEFAULT '',
    failed_stage                TEXT NOT NULL DEFAULT '',
    document                    TEXT NOT NULL DEFAULT '{}',
    created_at                  DATETIME NOT NULL,
    updated_at                  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_opportunity ON sessions(opportunity_id);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at DESC);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sessions(id, opportunity_id, status, correlation_id,
            hypotheses_count, validated_hypotheses_count,
            confidence_score, completeness_score,
            error_message, failed_stage, document, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            status                     = excluded.status,
            hypotheses_count           = excluded.hypotheses_count,
            validated_hypotheses_count = excluded.validated_hypotheses_count,
            confidence_score           = excluded.confidence_score,
            completeness_score         = excluded.completeness_score,
            error_message              = excluded.error_message,
            failed_stage               = excluded.failed_stage,
            document                   = excluded.document,
            updated_at                 = excluded.updated_at
    `,
		rec.ID, rec.OpportunityID, rec.Status, rec.CorrelationID,
		rec.HypothesesCount, rec.ValidatedHypothesesCount,
		rec.ConfidenceScore, rec.CompletenessScore,
		rec.ErrorMessage, rec.FailedStage, rec.Document,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, opportunity_id, status, correlation_id,
               hypotheses_count, validated_hypotheses_count,
               confidence_score, completeness_score,
               error_message, failed_stage, document, created_at, updated_at
        FROM sessions WHERE id = ?`, id)

	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) ListSessions(ctx context.Context, q Query) ([]*SessionRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
        SELECT id, opportunity_id, status, correlation_id,
               hypotheses_count, validated_hypotheses_count,
               confidence_score, completeness_score,
               error_message, failed_stage, document, created_at, updated_at
        FROM sessions`
	args := []interface{}{}
	if q.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, q.Status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var createdAt, updatedAt string
	err := row.Scan(
		&rec.ID, &rec.OpportunityID, &rec.Status, &rec.CorrelationID,
		&rec.HypothesesCount, &rec.ValidatedHypothesesCount,
		&rec.ConfidenceScore, &rec.CompletenessScore,
		&rec.ErrorMessage, &rec.FailedStage, &rec.Document,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &rec, nil
}

// parseTime accepts the formats modernc.org/sqlite round-trips DATETIME
// values through.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
