package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome is the kind of a finished submission. The wire response collapses
// it into isError plus a message; logs and metrics keep the full kind.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeCompileError     Outcome = "compile_error"
	OutcomeRuntimeError     Outcome = "runtime_error"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeResourceExceeded Outcome = "resource_exceeded"
	OutcomeInternalError    Outcome = "internal_error"
	OutcomeRejected         Outcome = "rejected"
	OutcomeNotSupported     Outcome = "not_supported"
)

// Phase names which step of a submission produced the result.
type Phase string

const (
	PhaseNone    Phase = ""
	PhaseCompile Phase = "compile"
	PhaseRun     Phase = "run"
)

// Submission is one immutable request to run source code.
type Submission struct {
	ID         string
	Language   string
	Source     string
	ReceivedAt time.Time
}

// NewSubmission stamps a fresh id and arrival time.
func NewSubmission(language, source string) Submission {
	return Submission{
		ID:         uuid.NewString(),
		Language:   language,
		Source:     source,
		ReceivedAt: time.Now(),
	}
}

// ExecutionResult is produced exactly once per submission and never
// modified after it is handed to the caller.
type ExecutionResult struct {
	SubmissionID string
	Language     string
	Outcome      Outcome
	Phase        Phase
	Stdout       string
	Stderr       string
	Truncated    bool
	ExitCode     int
	Signal       string
	Elapsed      time.Duration
	PeakMemoryKb int64
	// Message describes the outcome for kinds that are not plain program
	// output: the limit that was hit, the unsupported language, overload.
	Message string
}

func (r *ExecutionResult) IsError() bool {
	return r.Outcome != OutcomeSuccess
}

// Rejected builds the result for a submission shed by admission control.
func Rejected(sub Submission, reason string) *ExecutionResult {
	return &ExecutionResult{
		SubmissionID: sub.ID,
		Language:     sub.Language,
		Outcome:      OutcomeRejected,
		Message:      reason,
		ExitCode:     -1,
	}
}

// Overdue builds the result for an execution that outlived its deadline
// without the executor answering.
func Overdue(sub Submission, after time.Duration) *ExecutionResult {
	return &ExecutionResult{
		SubmissionID: sub.ID,
		Language:     sub.Language,
		Outcome:      OutcomeInternalError,
		Message:      fmt.Sprintf("execution gave no result within %s", after),
		ExitCode:     -1,
	}
}

// NotSupported builds the result for a language the registry cannot resolve.
func NotSupported(sub Submission, supported []string) *ExecutionResult {
	msg := fmt.Sprintf("language %q is not supported", sub.Language)
	if len(supported) > 0 {
		msg += " (supported: " + strings.Join(supported, ", ") + ")"
	}
	return &ExecutionResult{
		SubmissionID: sub.ID,
		Language:     sub.Language,
		Outcome:      OutcomeNotSupported,
		Message:      msg,
		ExitCode:     -1,
	}
}
