// Package scheduler bounds how many submissions execute at once. Excess
// submissions wait in a bounded queue for a limited time or are shed.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/itstheanurag/runbox/internal/metrics"
	"github.com/itstheanurag/runbox/internal/queue"
	"github.com/itstheanurag/runbox/internal/worker"
	"github.com/rs/zerolog"
)

type Options struct {
	MaxConcurrent int
	QueueSize     int
	QueueTimeout  time.Duration
	// Grace is added to a profile's deadline to form the executor's
	// deadline, and again to how long Submit waits on a claimed job before
	// answering internal_error.
	Grace time.Duration
}

type Scheduler struct {
	registry *languages.Registry
	queue    *queue.Manager
	workers  []*worker.Worker
	opts     Options
	logger   *zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(registry *languages.Registry, exec worker.Executor, opts Options, logger *zerolog.Logger) *Scheduler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	q := queue.NewManager(opts.QueueSize)
	workers := make([]*worker.Worker, opts.MaxConcurrent)
	for i := range workers {
		workers[i] = worker.NewWorker(i, exec, q, logger)
	}
	return &Scheduler{
		registry: registry,
		queue:    q,
		workers:  workers,
		opts:     opts,
		logger:   logger,
	}
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *worker.Worker) {
			defer s.wg.Done()
			w.Start(ctx)
		}(w)
	}
	s.logger.Info().
		Int("workers", len(s.workers)).
		Int("queue_size", s.queue.Cap()).
		Dur("queue_timeout", s.opts.QueueTimeout).
		Msg("scheduler started")
}

// Stop lets running executions finish and stops the workers. Jobs still
// queued are answered Rejected once their callers' queue timeout passes.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Submit runs sub and blocks until it has a result. It never waits longer
// than the queue timeout for a worker; once a worker has the job, the wait
// is bounded by the profile's deadline plus grace.
func (s *Scheduler) Submit(ctx context.Context, sub executor.Submission) *executor.ExecutionResult {
	lang, err := s.registry.Get(sub.Language)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues("unknown", string(executor.OutcomeNotSupported)).Inc()
		s.logger.Info().
			Str("submission_id", sub.ID).
			Str("language", sub.Language).
			Msg("unsupported language")
		return executor.NotSupported(sub, s.registry.IDs())
	}

	job := queue.NewJob(ctx, sub, lang.Deadline()+s.opts.Grace)
	if err := s.queue.TrySubmit(job); err != nil {
		s.logger.Warn().
			Str("submission_id", sub.ID).
			Int("queue_size", s.queue.Cap()).
			Msg("queue full, rejecting submission")
		return s.rejected(sub, "too many submissions are running")
	}

	timer := time.NewTimer(s.opts.QueueTimeout)
	defer timer.Stop()

	select {
	case res := <-job.Result:
		return res
	case <-timer.C:
		if job.Abandon() {
			metrics.RejectedTotal.WithLabelValues("queue_timeout").Inc()
			s.logger.Warn().
				Str("submission_id", sub.ID).
				Dur("waited", time.Since(job.EnqueuedAt)).
				Msg("no worker became free in time, rejecting submission")
			return s.rejected(sub, "no worker became free in time")
		}
	case <-ctx.Done():
		if job.Abandon() {
			metrics.RejectedTotal.WithLabelValues("cancelled").Inc()
			return s.rejected(sub, "request cancelled while queued")
		}
	}
	// a worker claimed the job and the executor runs under job.Timeout
	limit := job.Timeout + s.opts.Grace
	overdue := time.NewTimer(limit)
	defer overdue.Stop()
	select {
	case res := <-job.Result:
		return res
	case <-overdue.C:
		metrics.ExecutionsTotal.WithLabelValues(lang.ID, string(executor.OutcomeInternalError)).Inc()
		s.logger.Error().
			Str("submission_id", sub.ID).
			Str("language", lang.ID).
			Dur("waited", limit).
			Msg("execution outlived its deadline, answering without it")
		return executor.Overdue(sub, limit)
	}
}

func (s *Scheduler) rejected(sub executor.Submission, reason string) *executor.ExecutionResult {
	metrics.ExecutionsTotal.WithLabelValues(metricLanguage(s.registry, sub.Language), string(executor.OutcomeRejected)).Inc()
	return executor.Rejected(sub, reason)
}

func metricLanguage(r *languages.Registry, id string) string {
	if lang, err := r.Get(id); err == nil {
		return lang.ID
	}
	return "unknown"
}

func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}
