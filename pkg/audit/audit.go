// Package audit provides a best-effort, write-only record of job
// lifecycle transitions for operators. It is never read back by the
// engine: the Job Registry remains the sole source of truth for live
// state, and a restart starts the registry empty regardless of what
// this log contains.
package audit

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver registration
	"github.com/rs/zerolog"

	"github.com/relaykit/taskrunner/pkg/job"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS job_audit_log (
	id          BIGSERIAL PRIMARY KEY,
	job_id      TEXT NOT NULL,
	tool        TEXT NOT NULL,
	status      TEXT NOT NULL,
	detail      TEXT,
	occurred_at TIMESTAMPTZ NOT NULL
)`

// Sink writes job lifecycle events to Postgres.
type Sink struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open connects to dsn and ensures the audit table exists.
func Open(dsn string, log zerolog.Logger) (*Sink, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, err
	}
	return &Sink{db: db, log: log}, nil
}

// Record appends one lifecycle event. Failures are logged, not
// returned — an unavailable audit database must never block job
// processing.
func (s *Sink) Record(ctx context.Context, jobID, tool string, status job.Status, detail string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_audit_log (job_id, tool, status, detail, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		jobID, tool, string(status), detail, time.Now())
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to write audit record")
	}
}

// Close releases the underlying connection pool.
func (s *Sink) Close() error {
	return s.db.Close()
}
