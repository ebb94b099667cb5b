package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

// fixed width so text order matches time order
const timeLayout = "2006-01-02T15:04:05.000000000Z"


const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    submission_id  TEXT PRIMARY KEY,
    language       TEXT NOT NULL DEFAULT '',
    outcome        TEXT NOT NULL,
    phase          TEXT NOT NULL DEFAULT '',
    exit_code      INTEGER NOT NULL DEFAULT 0,
    elapsed_ms     INTEGER NOT NULL DEFAULT 0,
    peak_memory_kb INTEGER NOT NULL DEFAULT 0,
    truncated      INTEGER NOT NULL DEFAULT 0,
    received_at    TEXT NOT NULL,
    finished_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_finished ON executions(finished_at DESC);
CREATE INDEX IF NOT EXISTS idx_executions_outcome ON executions(outcome);
`

type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the journal database and runs migrations.
// Use ":memory:" for an in-memory journal.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one connection keeps ":memory:" a single database and serialises writers
	db.SetMaxOpenConns(1)

	if err := runSQLiteMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func runSQLiteMigrations(db *sql.DB) error {
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// table missing or empty
		current = 0
	}

	if current >= sqliteSchemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(sqliteSchemaV1); err != nil {
			return err
		}
	}

	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, sqliteSchemaVersion)
	return err
}

func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (submission_id, language, outcome, phase, exit_code,
			elapsed_ms, peak_memory_kb, truncated, received_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SubmissionID, e.Language, e.Outcome, e.Phase, e.ExitCode,
		e.ElapsedMs, e.PeakMemoryKb, e.Truncated,
		e.ReceivedAt.UTC().Format(timeLayout), e.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, language, outcome, phase, exit_code,
			elapsed_ms, peak_memory_kb, truncated, received_at, finished_at
		FROM executions ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                  Entry
			received, finished string
		)
		if err := rows.Scan(&e.SubmissionID, &e.Language, &e.Outcome, &e.Phase, &e.ExitCode,
			&e.ElapsedMs, &e.PeakMemoryKb, &e.Truncated, &received, &finished); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		e.ReceivedAt, _ = time.Parse(timeLayout, received)
		e.FinishedAt, _ = time.Parse(timeLayout, finished)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
