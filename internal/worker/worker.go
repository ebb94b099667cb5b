package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/metrics"
	"github.com/itstheanurag/runbox/internal/queue"
	"github.com/rs/zerolog"
)

// Executor runs one submission to completion.
type Executor interface {
	Execute(ctx context.Context, sub executor.Submission) *executor.ExecutionResult
}

type Worker struct {
	id       int
	executor Executor
	manager  *queue.Manager
	logger   *zerolog.Logger
}

func NewWorker(id int, exec Executor, manager *queue.Manager, logger *zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		executor: exec,
		manager:  manager,
		logger:   logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Debug().Int("worker_id", w.id).Msg("worker started")
	for {
		select {
		case job := <-w.manager.NextJob():
			w.manager.UpdateQueueMetric()
			if !job.Claim() {
				// the caller stopped waiting and already answered Rejected
				continue
			}
			metrics.ActiveWorkers.Inc()
			w.processJob(job)
			metrics.ActiveWorkers.Dec()
		case <-ctx.Done():
			w.logger.Debug().Int("worker_id", w.id).Msg("worker stopping")
			return
		}
	}
}

func (w *Worker) processJob(job *queue.Job) {
	sub := job.Submission
	w.logger.Debug().
		Int("worker_id", w.id).
		Str("submission_id", sub.ID).
		Dur("queued", time.Since(job.EnqueuedAt)).
		Msg("processing job")

	result := w.run(job)
	job.Result <- result
}

func (w *Worker) run(job *queue.Job) (result *executor.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Int("worker_id", w.id).
				Str("submission_id", job.Submission.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker recovered from panic")
			result = &executor.ExecutionResult{
				SubmissionID: job.Submission.ID,
				Language:     job.Submission.Language,
				Outcome:      executor.OutcomeInternalError,
				ExitCode:     -1,
				Message:      fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	ctx, cancel := context.WithTimeout(job.Ctx, job.Timeout)
	defer cancel()
	return w.executor.Execute(ctx, job.Submission)
}
