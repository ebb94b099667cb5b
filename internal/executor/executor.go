package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/itstheanurag/runbox/internal/metrics"
	"github.com/itstheanurag/runbox/internal/sandbox"
	"github.com/itstheanurag/runbox/internal/workspace"
	"github.com/rs/zerolog"
)

// Allocation failures reported by the runtimes themselves when the address
// space limit stops them before the kernel does.
var memoryMarkers = []string{
	"MemoryError",
	"std::bad_alloc",
	"Cannot allocate memory",
	"out of memory",
	"JavaScript heap out of memory",
}

type Executor struct {
	registry   *languages.Registry
	sandbox    sandbox.Sandbox
	workspaces *workspace.Manager
	logger     *zerolog.Logger
}

func NewExecutor(registry *languages.Registry, sb sandbox.Sandbox, workspaces *workspace.Manager, logger *zerolog.Logger) *Executor {
	return &Executor{
		registry:   registry,
		sandbox:    sb,
		workspaces: workspaces,
		logger:     logger,
	}
}

func (e *Executor) Registry() *languages.Registry {
	return e.registry
}

// Execute runs one submission end to end and always returns a result. The
// workspace is released on every path, including panics.
func (e *Executor) Execute(ctx context.Context, sub Submission) (result *ExecutionResult) {
	start := time.Now()
	lang, err := e.registry.Get(sub.Language)
	if err != nil {
		result = NotSupported(sub, e.registry.IDs())
		e.record(result, "unknown")
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("submission_id", sub.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("execution panicked")
			result = internalError(sub, lang.ID, fmt.Errorf("panic: %v", r))
		}
		result.Elapsed = time.Since(start)
		e.record(result, lang.ID)
	}()

	ws, err := e.workspaces.Acquire(sub.ID)
	if err != nil {
		return internalError(sub, lang.ID, err)
	}
	defer e.workspaces.Release(ws)

	res, err := e.sandbox.Run(ctx, sandbox.RunConfig{
		SubmissionID:   sub.ID,
		Image:          lang.Config.Image,
		Workdir:        ws.Dir,
		SourceFile:     lang.Config.SourceFile,
		SourceCode:     sub.Source,
		CompileCmd:     lang.Config.CompileCommand,
		RunCmd:         lang.Config.RunCommand,
		CompileTimeout: lang.Limits.CompileTimeout,
		RunTimeout:     lang.Limits.WallTimeout,
		Limits: sandbox.Limits{
			CPUTime:       lang.Limits.CPUTime,
			MemoryBytes:   lang.Limits.MemoryBytes,
			OutputBytes:   lang.Limits.OutputBytes,
			MaxProcesses:  lang.Limits.MaxProcesses,
			FileSizeBytes: lang.Limits.FileSizeBytes,
		},
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &ExecutionResult{
				SubmissionID: sub.ID,
				Language:     lang.ID,
				Outcome:      OutcomeTimeout,
				ExitCode:     -1,
				Message:      fmt.Sprintf("execution did not finish within %s", lang.Deadline()),
			}
		}
		return internalError(sub, lang.ID, err)
	}

	return resultFromSandbox(sub, lang, res)
}

func internalError(sub Submission, langID string, err error) *ExecutionResult {
	return &ExecutionResult{
		SubmissionID: sub.ID,
		Language:     langID,
		Outcome:      OutcomeInternalError,
		ExitCode:     -1,
		Message:      err.Error(),
	}
}

// resultFromSandbox maps raw process termination onto an outcome kind.
func resultFromSandbox(sub Submission, lang languages.Language, res *sandbox.Result) *ExecutionResult {
	if c := res.Compile; c != nil {
		metrics.ExecutionDuration.WithLabelValues(lang.ID, string(PhaseCompile)).Observe(float64(c.Elapsed.Milliseconds()))
		if !c.Succeeded() {
			r := fromStep(sub, lang.ID, PhaseCompile, c)
			switch {
			case c.SetupFailed:
				r.Outcome = OutcomeInternalError
				r.Message = "compiler could not be started: " + firstLine(c.Stderr)
			case c.TimedOut:
				r.Outcome = OutcomeTimeout
				r.Message = fmt.Sprintf("compilation did not finish within %s", lang.Limits.CompileTimeout)
			default:
				if msg, ok := limitExceeded(c, lang.Limits); ok {
					r.Outcome = OutcomeResourceExceeded
					r.Message = "compiler " + msg
				} else {
					r.Outcome = OutcomeCompileError
				}
			}
			return r
		}
	}

	run := res.Run
	if run == nil {
		return internalError(sub, lang.ID, errors.New("sandbox returned no run step"))
	}
	metrics.ExecutionDuration.WithLabelValues(lang.ID, string(PhaseRun)).Observe(float64(run.Elapsed.Milliseconds()))
	if run.PeakMemoryKb > 0 {
		metrics.PeakMemory.WithLabelValues(lang.ID).Observe(float64(run.PeakMemoryKb))
	}

	r := fromStep(sub, lang.ID, PhaseRun, run)
	switch {
	case run.SetupFailed:
		r.Outcome = OutcomeInternalError
		r.Message = "program could not be started: " + firstLine(run.Stderr)
	case run.TimedOut:
		r.Outcome = OutcomeTimeout
		r.Message = fmt.Sprintf("program did not finish within %s", lang.Limits.WallTimeout)
	case run.Succeeded():
		r.Outcome = OutcomeSuccess
	default:
		if msg, ok := limitExceeded(run, lang.Limits); ok {
			r.Outcome = OutcomeResourceExceeded
			r.Message = msg
		} else if hasMemoryMarker(run.Stderr) {
			r.Outcome = OutcomeResourceExceeded
			r.Message = fmt.Sprintf("exceeded the memory limit of %d MB", lang.Limits.MemoryBytes>>20)
		} else {
			r.Outcome = OutcomeRuntimeError
		}
	}
	return r
}

// limitExceeded reports whether a failed step was stopped by one of its
// resource limits rather than by its own fault.
func limitExceeded(step *sandbox.StepResult, l languages.Limits) (string, bool) {
	switch {
	case step.OOMKilled:
		return fmt.Sprintf("exceeded the memory limit of %d MB", l.MemoryBytes>>20), true
	case step.Signal == syscall.SIGXCPU:
		return fmt.Sprintf("exceeded the CPU time limit of %s", l.CPUTime), true
	case step.Signal == syscall.SIGXFSZ:
		return fmt.Sprintf("exceeded the file size limit of %d MB", l.FileSizeBytes>>20), true
	case step.Signal == syscall.SIGKILL && l.MemoryBytes > 0:
		// nothing but the sandbox sends SIGKILL to a step that did not time out
		return "was killed by the sandbox, most likely for exceeding a resource limit", true
	case l.MemoryBytes > 0 && step.PeakMemoryKb<<10 >= l.MemoryBytes/10*8:
		// under rlimits alone a failed allocation surfaces as whatever the
		// program does with it, often SIGSEGV
		return fmt.Sprintf("failed near the memory limit of %d MB", l.MemoryBytes>>20), true
	}
	return "", false
}

func fromStep(sub Submission, langID string, phase Phase, step *sandbox.StepResult) *ExecutionResult {
	r := &ExecutionResult{
		SubmissionID: sub.ID,
		Language:     langID,
		Phase:        phase,
		Stdout:       step.Stdout,
		Stderr:       step.Stderr,
		Truncated:    step.StdoutTruncated || step.StderrTruncated,
		ExitCode:     step.ExitCode,
		PeakMemoryKb: step.PeakMemoryKb,
	}
	if step.Signal != 0 {
		r.Signal = step.Signal.String()
	}
	return r
}

func hasMemoryMarker(stderr string) bool {
	for _, m := range memoryMarkers {
		if strings.Contains(stderr, m) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (e *Executor) record(r *ExecutionResult, langLabel string) {
	metrics.ExecutionsTotal.WithLabelValues(langLabel, string(r.Outcome)).Inc()
	if r.Elapsed > 0 {
		metrics.ExecutionDuration.WithLabelValues(langLabel, "total").Observe(float64(r.Elapsed.Milliseconds()))
	}

	var event *zerolog.Event
	if r.Outcome == OutcomeInternalError {
		event = e.logger.Error()
	} else {
		event = e.logger.Info()
	}
	event.
		Str("submission_id", r.SubmissionID).
		Str("language", langLabel).
		Str("outcome", string(r.Outcome)).
		Int("exit_code", r.ExitCode).
		Dur("elapsed", r.Elapsed).
		Str("message", r.Message).
		Msg("execution finished")
}
