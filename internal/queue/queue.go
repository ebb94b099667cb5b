package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/metrics"
)

var ErrQueueFull = errors.New("execution queue is full")

const (
	jobPending int32 = iota
	jobRunning
	jobAbandoned
)

type Job struct {
	Submission executor.Submission
	// Ctx carries request values only; it is never cancelled by the client.
	Ctx        context.Context
	Timeout    time.Duration
	EnqueuedAt time.Time
	Result     chan *executor.ExecutionResult

	state atomic.Int32
}

func NewJob(ctx context.Context, sub executor.Submission, timeout time.Duration) *Job {
	return &Job{
		Submission: sub,
		Ctx:        context.WithoutCancel(ctx),
		Timeout:    timeout,
		EnqueuedAt: time.Now(),
		Result:     make(chan *executor.ExecutionResult, 1),
	}
}

// Claim marks the job as picked up by a worker. It fails when the caller
// already gave up waiting.
func (j *Job) Claim() bool {
	return j.state.CompareAndSwap(jobPending, jobRunning)
}

// Abandon withdraws a job that no worker has claimed yet.
func (j *Job) Abandon() bool {
	return j.state.CompareAndSwap(jobPending, jobAbandoned)
}

type Manager struct {
	jobQueue chan *Job
}

// NewManager creates a queue holding up to capacity waiting jobs. With zero
// capacity a job is only accepted when a worker is idle.
func NewManager(capacity int) *Manager {
	return &Manager{
		jobQueue: make(chan *Job, capacity),
	}
}

func (m *Manager) TrySubmit(job *Job) error {
	select {
	case m.jobQueue <- job:
		metrics.QueueDepth.Set(float64(len(m.jobQueue)))
		return nil
	default:
		metrics.RejectedTotal.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

func (m *Manager) NextJob() <-chan *Job {
	return m.jobQueue
}

func (m *Manager) Len() int {
	return len(m.jobQueue)
}

func (m *Manager) Cap() int {
	return cap(m.jobQueue)
}

func (m *Manager) UpdateQueueMetric() {
	metrics.QueueDepth.Set(float64(len(m.jobQueue)))
}
