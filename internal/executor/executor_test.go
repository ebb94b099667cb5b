package executor

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/itstheanurag/runbox/internal/sandbox"
	"github.com/itstheanurag/runbox/internal/workspace"
	"github.com/rs/zerolog"
)

var testLimits = languages.Limits{
	CPUTime:        5 * time.Second,
	WallTimeout:    2 * time.Second,
	CompileTimeout: 10 * time.Second,
	MemoryBytes:    256 << 20,
	OutputBytes:    16 * 1024,
	FileSizeBytes:  16 << 20,
}

type stubSandbox struct {
	mu      sync.Mutex
	calls   int
	workdir []string
	run     func(cfg sandbox.RunConfig) (*sandbox.Result, error)
}

func (s *stubSandbox) Run(ctx context.Context, cfg sandbox.RunConfig) (*sandbox.Result, error) {
	s.mu.Lock()
	s.calls++
	s.workdir = append(s.workdir, cfg.Workdir)
	s.mu.Unlock()
	return s.run(cfg)
}

func (s *stubSandbox) EnsureImage(ctx context.Context, image string) error {
	return nil
}

func newTestExecutor(t *testing.T, sb sandbox.Sandbox) (*Executor, *workspace.Manager) {
	t.Helper()
	logger := zerolog.Nop()
	ws, err := workspace.NewManager(t.TempDir(), workspace.PrivatePerm, &logger)
	if err != nil {
		t.Fatal(err)
	}
	return NewExecutor(languages.NewRegistry(testLimits), sb, ws, &logger), ws
}

func runResult(step sandbox.StepResult) func(sandbox.RunConfig) (*sandbox.Result, error) {
	return func(sandbox.RunConfig) (*sandbox.Result, error) {
		return &sandbox.Result{Run: &step}, nil
	}
}

func TestExecuteUnknownLanguageSkipsSandbox(t *testing.T) {
	sb := &stubSandbox{run: runResult(sandbox.StepResult{})}
	e, ws := newTestExecutor(t, sb)

	res := e.Execute(context.Background(), NewSubmission("assembly_unknown", "mov eax, 1"))

	if res.Outcome != OutcomeNotSupported {
		t.Fatalf("outcome = %s, want not_supported", res.Outcome)
	}
	if sb.calls != 0 {
		t.Errorf("sandbox invoked %d times for an unknown language", sb.calls)
	}
	if ws.Active() != 0 {
		t.Errorf("workspace acquired for an unknown language")
	}
	if !strings.Contains(res.Message, "assembly_unknown") || !strings.Contains(res.Message, "python") {
		t.Errorf("message = %q", res.Message)
	}
}

func TestExecuteOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		lang   string
		result sandbox.Result
		want   Outcome
	}{
		{"success", "python", sandbox.Result{Run: &sandbox.StepResult{Stdout: "hi\n"}}, OutcomeSuccess},
		{"runtime error", "python", sandbox.Result{Run: &sandbox.StepResult{ExitCode: 1, Stderr: "ZeroDivisionError"}}, OutcomeRuntimeError},
		{"segfault", "c", sandbox.Result{Compile: &sandbox.StepResult{}, Run: &sandbox.StepResult{ExitCode: 139, Signal: syscall.SIGSEGV}}, OutcomeRuntimeError},
		{"compile error", "c", sandbox.Result{Compile: &sandbox.StepResult{ExitCode: 1, Stderr: "error: expected ';'"}}, OutcomeCompileError},
		{"compile timeout", "cpp", sandbox.Result{Compile: &sandbox.StepResult{TimedOut: true}}, OutcomeTimeout},
		{"compiler missing", "c", sandbox.Result{Compile: &sandbox.StepResult{ExitCode: 127, SetupFailed: true}}, OutcomeInternalError},
		{"timeout", "python", sandbox.Result{Run: &sandbox.StepResult{TimedOut: true, ExitCode: 137, Signal: syscall.SIGKILL}}, OutcomeTimeout},
		{"oom", "python", sandbox.Result{Run: &sandbox.StepResult{OOMKilled: true, ExitCode: 137, Signal: syscall.SIGKILL}}, OutcomeResourceExceeded},
		{"cpu limit", "python", sandbox.Result{Run: &sandbox.StepResult{ExitCode: 152, Signal: syscall.SIGXCPU}}, OutcomeResourceExceeded},
		{"file size", "python", sandbox.Result{Run: &sandbox.StepResult{ExitCode: 153, Signal: syscall.SIGXFSZ}}, OutcomeResourceExceeded},
		{"killed", "python", sandbox.Result{Run: &sandbox.StepResult{ExitCode: 137, Signal: syscall.SIGKILL}}, OutcomeResourceExceeded},
		{"memory error", "python", sandbox.Result{Run: &sandbox.StepResult{ExitCode: 1, Stderr: "Traceback...\nMemoryError\n"}}, OutcomeResourceExceeded},
		{"bad_alloc", "cpp", sandbox.Result{Compile: &sandbox.StepResult{}, Run: &sandbox.StepResult{ExitCode: 134, Signal: syscall.SIGABRT, Stderr: "terminate called after throwing an instance of 'std::bad_alloc'"}}, OutcomeResourceExceeded},
		{"compiler out of cpu", "cpp", sandbox.Result{Compile: &sandbox.StepResult{ExitCode: 152, Signal: syscall.SIGXCPU}}, OutcomeResourceExceeded},
		{"compiler killed", "c", sandbox.Result{Compile: &sandbox.StepResult{ExitCode: 137, Signal: syscall.SIGKILL}}, OutcomeResourceExceeded},
		{"compiler oom", "cpp", sandbox.Result{Compile: &sandbox.StepResult{ExitCode: 1, OOMKilled: true}}, OutcomeResourceExceeded},
		{"compile error quoting memory text", "c", sandbox.Result{Compile: &sandbox.StepResult{ExitCode: 1, Stderr: `error: expected ';' before "out of memory"`}}, OutcomeCompileError},
		{"segfault near memory ceiling", "c", sandbox.Result{Compile: &sandbox.StepResult{}, Run: &sandbox.StepResult{ExitCode: 139, Signal: syscall.SIGSEGV, PeakMemoryKb: 250 << 10}}, OutcomeResourceExceeded},
		{"segfault far below memory ceiling", "c", sandbox.Result{Compile: &sandbox.StepResult{}, Run: &sandbox.StepResult{ExitCode: 139, Signal: syscall.SIGSEGV, PeakMemoryKb: 2 << 10}}, OutcomeRuntimeError},
		{"setup failure", "python", sandbox.Result{Run: &sandbox.StepResult{ExitCode: 127, SetupFailed: true}}, OutcomeInternalError},
		{"no run step", "python", sandbox.Result{}, OutcomeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.result
			sb := &stubSandbox{run: func(sandbox.RunConfig) (*sandbox.Result, error) { return &result, nil }}
			e, _ := newTestExecutor(t, sb)

			res := e.Execute(context.Background(), NewSubmission(tt.lang, "src"))
			if res.Outcome != tt.want {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.want)
			}
		})
	}
}

func TestExecuteCompileErrorKeepsCompilerOutput(t *testing.T) {
	sb := &stubSandbox{run: func(sandbox.RunConfig) (*sandbox.Result, error) {
		return &sandbox.Result{Compile: &sandbox.StepResult{ExitCode: 1, Stderr: "main.c:1: error"}}, nil
	}}
	e, _ := newTestExecutor(t, sb)

	res := e.Execute(context.Background(), NewSubmission("c", "int main( {"))
	if res.Phase != PhaseCompile || res.Stderr != "main.c:1: error" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecutePassesProfileToSandbox(t *testing.T) {
	var got sandbox.RunConfig
	sb := &stubSandbox{run: func(cfg sandbox.RunConfig) (*sandbox.Result, error) {
		got = cfg
		return &sandbox.Result{Compile: &sandbox.StepResult{}, Run: &sandbox.StepResult{}}, nil
	}}
	e, _ := newTestExecutor(t, sb)

	sub := NewSubmission("C++", "int main(){}")
	e.Execute(context.Background(), sub)

	if got.SubmissionID != sub.ID || got.SourceCode != sub.Source {
		t.Errorf("submission not forwarded: %+v", got)
	}
	if got.SourceFile != "main.cpp" || len(got.CompileCmd) == 0 {
		t.Errorf("cpp profile not used: %+v", got)
	}
	if got.RunTimeout != testLimits.WallTimeout || got.Limits.OutputBytes != testLimits.OutputBytes {
		t.Errorf("limits not forwarded: %+v", got)
	}
	if got.Limits.MemoryBytes != 512<<20 {
		t.Errorf("profile memory override lost: %d", got.Limits.MemoryBytes)
	}
}

func TestExecuteReleasesWorkspaceOnEveryPath(t *testing.T) {
	tests := []struct {
		name string
		run  func(sandbox.RunConfig) (*sandbox.Result, error)
	}{
		{"success", runResult(sandbox.StepResult{})},
		{"timeout", runResult(sandbox.StepResult{TimedOut: true})},
		{"sandbox error", func(sandbox.RunConfig) (*sandbox.Result, error) {
			return nil, errors.New("docker daemon gone")
		}},
		{"panic", func(sandbox.RunConfig) (*sandbox.Result, error) {
			panic("driver bug")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := &stubSandbox{run: tt.run}
			e, ws := newTestExecutor(t, sb)

			res := e.Execute(context.Background(), NewSubmission("python", "print(1)"))
			if res == nil {
				t.Fatal("nil result")
			}
			if ws.Active() != 0 {
				t.Errorf("%d workspaces still active", ws.Active())
			}
			for _, dir := range sb.workdir {
				if _, err := os.Stat(dir); !os.IsNotExist(err) {
					t.Errorf("workspace %s still exists", dir)
				}
			}
		})
	}
}

func TestExecutePanicIsInternalError(t *testing.T) {
	sb := &stubSandbox{run: func(sandbox.RunConfig) (*sandbox.Result, error) {
		panic("driver bug")
	}}
	e, _ := newTestExecutor(t, sb)

	res := e.Execute(context.Background(), NewSubmission("python", "print(1)"))
	if res.Outcome != OutcomeInternalError {
		t.Errorf("outcome = %s, want internal_error", res.Outcome)
	}
}

func TestExecuteDeadlineIsTimeout(t *testing.T) {
	sb := &stubSandbox{run: func(sandbox.RunConfig) (*sandbox.Result, error) {
		return nil, context.DeadlineExceeded
	}}
	e, _ := newTestExecutor(t, sb)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	res := e.Execute(ctx, NewSubmission("python", "print(1)"))
	if res.Outcome != OutcomeTimeout {
		t.Errorf("outcome = %s, want timeout", res.Outcome)
	}
}

func TestExecuteNeverSharesWorkspaces(t *testing.T) {
	sb := &stubSandbox{run: runResult(sandbox.StepResult{})}
	e, _ := newTestExecutor(t, sb)

	e.Execute(context.Background(), NewSubmission("python", "a"))
	e.Execute(context.Background(), NewSubmission("python", "b"))

	if len(sb.workdir) != 2 || sb.workdir[0] == sb.workdir[1] {
		t.Errorf("workspaces = %v, want two distinct directories", sb.workdir)
	}
}
