// Package journal keeps an operational record of finished executions. It
// stores metadata only; source text and program output are never persisted.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/metrics"
	"github.com/rs/zerolog"
)

const writeTimeout = 2 * time.Second

type Entry struct {
	SubmissionID string
	Language     string
	Outcome      string
	Phase        string
	ExitCode     int
	ElapsedMs    int64
	PeakMemoryKb int64
	Truncated    bool
	ReceivedAt   time.Time
	FinishedAt   time.Time
}

type Store interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// FromResult extracts the journal entry for a finished submission.
func FromResult(sub executor.Submission, r *executor.ExecutionResult) Entry {
	return Entry{
		SubmissionID: sub.ID,
		Language:     r.Language,
		Outcome:      string(r.Outcome),
		Phase:        string(r.Phase),
		ExitCode:     r.ExitCode,
		ElapsedMs:    r.Elapsed.Milliseconds(),
		PeakMemoryKb: r.PeakMemoryKb,
		Truncated:    r.Truncated,
		ReceivedAt:   sub.ReceivedAt.UTC(),
		FinishedAt:   time.Now().UTC(),
	}
}

// Executor runs one submission to completion.
type Executor interface {
	Execute(ctx context.Context, sub executor.Submission) *executor.ExecutionResult
}

// Recorder journals every result of the wrapped executor. Write failures
// are logged and counted; the result is returned unchanged.
type Recorder struct {
	next   Executor
	store  Store
	logger *zerolog.Logger
}

func NewRecorder(next Executor, store Store, logger *zerolog.Logger) *Recorder {
	return &Recorder{next: next, store: store, logger: logger}
}

func (r *Recorder) Execute(ctx context.Context, sub executor.Submission) *executor.ExecutionResult {
	res := r.next.Execute(ctx, sub)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := r.store.Record(wctx, FromResult(sub, res)); err != nil {
		metrics.JournalFailures.Inc()
		r.logger.Warn().Err(err).Str("submission_id", sub.ID).Msg("failed to journal execution")
	}
	return res
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
func (Nop) Recent(context.Context, int) ([]Entry, error) { return nil, nil }
func (Nop) Close() error { return nil }

// Open returns the store selected by driver: "none", "sqlite" (path is the
// database file) or "postgres" (path is a DSN).
func Open(ctx context.Context, driver, path string, logger *zerolog.Logger) (Store, error) {
	switch driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		return OpenSQLite(path)
	case "postgres":
		return OpenPostgres(ctx, path, logger)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", driver)
	}
}
