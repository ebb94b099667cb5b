package journal

import (
	"context"
	"fmt"

	"github.com/itstheanurag/runbox/internal/database"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runbox_executions (
    submission_id  TEXT PRIMARY KEY,
    language       TEXT NOT NULL DEFAULT '',
    outcome        TEXT NOT NULL,
    phase          TEXT NOT NULL DEFAULT '',
    exit_code      INTEGER NOT NULL DEFAULT 0,
    elapsed_ms     BIGINT NOT NULL DEFAULT 0,
    peak_memory_kb BIGINT NOT NULL DEFAULT 0,
    truncated      BOOLEAN NOT NULL DEFAULT FALSE,
    received_at    TIMESTAMPTZ NOT NULL,
    finished_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runbox_executions_finished ON runbox_executions (finished_at DESC);
`

type PostgresStore struct {
	db *database.Database
}

// OpenPostgres connects with dsn and creates the journal table if needed.
func OpenPostgres(ctx context.Context, dsn string, logger *zerolog.Logger) (*PostgresStore, error) {
	db, err := database.Open(dsn, logger)
	if err != nil {
		return nil, err
	}
	if _, err := db.Pool.Exec(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Record(ctx context.Context, e Entry) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO runbox_executions (submission_id, language, outcome, phase, exit_code,
			elapsed_ms, peak_memory_kb, truncated, received_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.SubmissionID, e.Language, e.Outcome, e.Phase, e.ExitCode,
		e.ElapsedMs, e.PeakMemoryKb, e.Truncated, e.ReceivedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT submission_id, language, outcome, phase, exit_code,
			elapsed_ms, peak_memory_kb, truncated, received_at, finished_at
		FROM runbox_executions ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.SubmissionID, &e.Language, &e.Outcome, &e.Phase, &e.ExitCode,
			&e.ElapsedMs, &e.PeakMemoryKb, &e.Truncated, &e.ReceivedAt, &e.FinishedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning executions: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
