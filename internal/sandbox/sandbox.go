package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

var ErrUnknownDriver = errors.New("unknown sandbox driver")

// Limits are enforced by the isolation layer on every step.
type Limits struct {
	CPUTime           time.Duration
	MemoryBytes       int64
	AddressSpaceBytes int64
	OutputBytes       int64
	MaxProcesses      int
	FileSizeBytes     int64
}

type RunConfig struct {
	SubmissionID   string
	Image          string
	Workdir        string // host path of the submission workspace
	SourceFile     string
	SourceCode     string
	CompileCmd     []string
	RunCmd         []string
	Stdin          string
	CompileTimeout time.Duration
	RunTimeout     time.Duration
	Limits         Limits
}

// StepResult is the raw termination of one child process tree.
type StepResult struct {
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	ExitCode        int
	Signal          syscall.Signal
	TimedOut        bool
	OOMKilled       bool
	SetupFailed     bool // the isolation layer could not start the command
	PeakMemoryKb    int64
	Elapsed         time.Duration
}

// Succeeded reports a clean zero exit.
func (s *StepResult) Succeeded() bool {
	return !s.TimedOut && !s.OOMKilled && !s.SetupFailed && s.Signal == 0 && s.ExitCode == 0
}

// Result holds the compile step (nil when the language has none) and the
// run step (nil when compilation did not succeed).
type Result struct {
	Compile *StepResult
	Run     *StepResult
}

type Sandbox interface {
	Run(ctx context.Context, config RunConfig) (*Result, error)
	EnsureImage(ctx context.Context, image string) error
}

type Options struct {
	Driver            string
	NsJailPath        string
	IsolateNamespaces bool
	CgroupRoot        string
}

func New(opts Options, logger *zerolog.Logger) (Sandbox, error) {
	switch opts.Driver {
	case "process", "":
		return NewProcessSandbox(opts.IsolateNamespaces, opts.CgroupRoot, logger), nil
	case "nsjail":
		return NewNsJailSandbox(opts.NsJailPath, logger)
	case "docker":
		return NewDockerSandbox(logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}

// writeSource stores the submission in the workspace under the profile's
// file name. The name must not escape the workspace.
func writeSource(cfg RunConfig) error {
	if cfg.SourceFile == "" || filepath.Base(cfg.SourceFile) != cfg.SourceFile {
		return fmt.Errorf("invalid source file name %q", cfg.SourceFile)
	}
	path := filepath.Join(cfg.Workdir, cfg.SourceFile)
	if err := os.WriteFile(path, []byte(cfg.SourceCode), 0o644); err != nil {
		return fmt.Errorf("writing source file: %w", err)
	}
	return nil
}

// expand fills the {source}, {dir} and {memory_mb} placeholders of a
// command template.
func expand(tmpl []string, source, dir string, limits Limits) []string {
	out := make([]string, len(tmpl))
	r := strings.NewReplacer(
		"{source}", source,
		"{dir}", dir,
		"{memory_mb}", strconv.FormatInt(limits.MemoryBytes>>20, 10),
	)
	for i, arg := range tmpl {
		out[i] = r.Replace(arg)
	}
	return out
}

// signalFromExitCode recovers the signal from the 128+n convention used by
// shells, nsjail and docker when the wrapper itself exits normally.
func signalFromExitCode(code int) syscall.Signal {
	if code > 128 && code < 128+65 {
		return syscall.Signal(code - 128)
	}
	return 0
}
