package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	sandboxPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	// how long Wait keeps draining pipes held open by stray descendants
	pipeDrainDelay = 500 * time.Millisecond

	// unprivileged host id for sandboxed children when the service is root
	sandboxUID = 99999
)

type localMode int

const (
	modeProcess localMode = iota
	modeNsJail
)

// LocalSandbox runs each step as a child process tree on this host, either
// through the rlimit helper (process driver) or wrapped by nsjail.
type LocalSandbox struct {
	mode       localMode
	nsjailPath string
	isolate    bool
	cgroupRoot string
	logger     *zerolog.Logger
}

// NewProcessSandbox returns the process driver. With isolate set, children
// get fresh user, mount, network, pid, ipc and uts namespaces and see only
// the system directories (read-only), a private /tmp and their workspace.
// With cgroupRoot set, each step runs in its own cgroup v2 leaf; "auto"
// delegates the cgroup this process runs in, falling back to rlimits alone
// when that is not possible.
func NewProcessSandbox(isolate bool, cgroupRoot string, logger *zerolog.Logger) *LocalSandbox {
	if cgroupRoot == "auto" {
		root, err := delegatedCgroup()
		if err != nil {
			logger.Warn().Err(err).Msg("no delegated cgroup, memory and process limits rely on rlimits")
		}
		cgroupRoot = root
	}
	if !isolate {
		logger.Warn().Msg("process driver running without namespaces, submissions can see the host filesystem")
	}
	return &LocalSandbox{
		mode:       modeProcess,
		isolate:    isolate,
		cgroupRoot: cgroupRoot,
		logger:     logger,
	}
}

// NewNsJailSandbox returns the nsjail driver after checking the binary exists.
func NewNsJailSandbox(path string, logger *zerolog.Logger) (*LocalSandbox, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("nsjail not found: %w", err)
	}
	return &LocalSandbox{
		mode:       modeNsJail,
		nsjailPath: resolved,
		logger:     logger,
	}, nil
}

// EnsureImage is a no-op; local drivers use the host toolchains.
func (s *LocalSandbox) EnsureImage(ctx context.Context, image string) error {
	return nil
}

func (s *LocalSandbox) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if err := writeSource(cfg); err != nil {
		return nil, err
	}
	if s.mode == modeProcess && s.isolate {
		uid, gid := hostIDs()
		if err := os.Lchown(cfg.Workdir, uid, gid); err != nil {
			return nil, fmt.Errorf("handing workspace to the sandbox user: %w", err)
		}
	}

	res := &Result{}
	if len(cfg.CompileCmd) > 0 {
		argv := expand(cfg.CompileCmd, cfg.SourceFile, cfg.Workdir, cfg.Limits)
		step, err := s.step(ctx, cfg, argv, cfg.CompileTimeout, "")
		if err != nil {
			return nil, fmt.Errorf("compile step: %w", err)
		}
		res.Compile = step
		if !step.Succeeded() {
			return res, nil
		}
	}

	argv := expand(cfg.RunCmd, cfg.SourceFile, cfg.Workdir, cfg.Limits)
	step, err := s.step(ctx, cfg, argv, cfg.RunTimeout, cfg.Stdin)
	if err != nil {
		return nil, fmt.Errorf("run step: %w", err)
	}
	res.Run = step
	return res, nil
}

func (s *LocalSandbox) step(ctx context.Context, cfg RunConfig, argv []string, timeout time.Duration, stdin string) (*StepResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cg *cgroup
	if s.cgroupRoot != "" && s.mode == modeProcess {
		var err error
		if cg, err = newCgroup(s.cgroupRoot, cfg.SubmissionID, cfg.Limits); err != nil {
			return nil, err
		}
		defer func() {
			if err := cg.destroy(); err != nil {
				s.logger.Warn().Err(err).Str("cgroup", cg.path).Msg("failed to remove cgroup")
			}
		}()
	}

	cmd, err := s.command(stepCtx, cfg, argv, timeout, cg != nil)
	if err != nil {
		return nil, err
	}
	if cg != nil {
		// the child is born inside the leaf, so nothing it forks escapes
		fd, err := cg.open()
		if err != nil {
			return nil, err
		}
		defer unix.Close(fd)
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = fd
	}

	stdout := newCappedBuffer(cfg.Limits.OutputBytes)
	stderr := newCappedBuffer(cfg.Limits.OutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Dir = cfg.Workdir
	cmd.WaitDelay = pipeDrainDelay
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}
	pid := cmd.Process.Pid

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	// descendants that outlived the leader die with the group
	_ = killGroup(pid)

	step := &StepResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		TimedOut:        stepCtx.Err() != nil,
		Elapsed:         elapsed,
	}

	if cg != nil {
		step.OOMKilled = cg.oomKilled()
		step.PeakMemoryKb = cg.peakMemoryKb()
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) && !step.TimedOut {
			return nil, fmt.Errorf("waiting for %s: %w", argv[0], waitErr)
		}
	}

	if ps := cmd.ProcessState; ps != nil {
		step.ExitCode = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			step.Signal = ws.Signal()
			step.ExitCode = 128 + int(ws.Signal())
		}
		if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && step.PeakMemoryKb == 0 {
			step.PeakMemoryKb = ru.Maxrss
		}
	}

	switch s.mode {
	case modeNsJail:
		if step.Signal == 0 {
			step.Signal = signalFromExitCode(step.ExitCode)
		}
	case modeProcess:
		if step.ExitCode == setupFailureCode && strings.HasPrefix(step.Stderr, setupFailurePrefix) {
			step.SetupFailed = true
		}
	}

	return step, nil
}

func (s *LocalSandbox) command(ctx context.Context, cfg RunConfig, argv []string, timeout time.Duration, cgrouped bool) (*exec.Cmd, error) {
	switch s.mode {
	case modeNsJail:
		return s.nsjailCommand(ctx, cfg, argv, timeout)
	default:
		return s.processCommand(ctx, cfg, argv, cgrouped)
	}
}

func (s *LocalSandbox) processCommand(ctx context.Context, cfg RunConfig, argv []string, cgrouped bool) (*exec.Cmd, error) {
	l := cfg.Limits
	if cgrouped {
		// memory.max bounds real usage; an address space cap would make
		// allocations fail before the OOM killer can report the overrun
		l.AddressSpaceBytes = 0
		l.MemoryBytes = 0
		// pids.max counts this step alone, RLIMIT_NPROC every process of
		// the uid
		l.MaxProcesses = 0
	}
	limits, err := encodeLimits(l, s.isolate)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, helperPath())
	cmd.Args = append([]string{helperName}, argv...)
	cmd.Env = append(sandboxEnv(cfg.Workdir), limitsEnv+"="+limits)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if s.isolate {
		// root inside the namespace so the helper can mount; it drops its
		// capabilities before exec
		uid, gid := hostIDs()
		cmd.SysProcAttr.Cloneflags = syscall.CLONE_NEWUSER |
			syscall.CLONE_NEWNS |
			syscall.CLONE_NEWNET |
			syscall.CLONE_NEWPID |
			syscall.CLONE_NEWIPC |
			syscall.CLONE_NEWUTS
		cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: uid, Size: 1}}
		cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: gid, Size: 1}}
		cmd.SysProcAttr.GidMappingsEnableSetgroups = false
	}
	return cmd, nil
}

// hostIDs is the host uid and gid isolated children run as. A root service
// hands them an unprivileged id; the kernel never applies RLIMIT_NPROC to
// host root.
func hostIDs() (int, int) {
	if os.Getuid() == 0 {
		return sandboxUID, sandboxUID
	}
	return os.Getuid(), os.Getgid()
}

func (s *LocalSandbox) nsjailCommand(ctx context.Context, cfg RunConfig, argv []string, timeout time.Duration) (*exec.Cmd, error) {
	// nsjail execs without a PATH search
	target := argv[0]
	if !strings.Contains(target, "/") {
		resolved, err := exec.LookPath(target)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", target, err)
		}
		target = resolved
	}

	args := []string{
		"-Mo", "--quiet",
		"--chroot", "/",
		"--tmpfsmount", "/tmp",
		"--bindmount", cfg.Workdir,
		"--cwd", cfg.Workdir,
		"--hostname", "runbox",
		"--user", strconv.Itoa(sandboxUID),
		"--group", strconv.Itoa(sandboxUID),
		"--time_limit", strconv.Itoa(int(timeout.Seconds()) + 1),
		"--rlimit_core", "0",
	}
	l := cfg.Limits
	if l.AddressSpaceBytes > 0 {
		args = append(args, "--rlimit_as", strconv.FormatInt(ceilMB(l.AddressSpaceBytes), 10))
	} else if l.MemoryBytes > 0 {
		args = append(args, "--rlimit_as", strconv.FormatInt(ceilMB(l.MemoryBytes), 10))
	} else {
		args = append(args, "--rlimit_as", "max")
	}
	if l.CPUTime > 0 {
		args = append(args, "--rlimit_cpu", strconv.Itoa(int(l.CPUTime.Seconds())+1))
	}
	if l.FileSizeBytes > 0 {
		args = append(args, "--rlimit_fsize", strconv.FormatInt(ceilMB(l.FileSizeBytes), 10))
	}
	if l.MaxProcesses > 0 {
		args = append(args, "--rlimit_nproc", strconv.Itoa(l.MaxProcesses))
	}
	for _, kv := range sandboxEnv(cfg.Workdir) {
		args = append(args, "--env", kv)
	}
	args = append(args, "--", target)
	args = append(args, argv[1:]...)

	cmd := exec.CommandContext(ctx, s.nsjailPath, args...)
	cmd.Env = []string{}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	return cmd, nil
}

func sandboxEnv(workdir string) []string {
	return []string{
		"PATH=" + sandboxPath,
		"HOME=" + workdir,
		"TMPDIR=" + workdir,
		"LANG=C.UTF-8",
	}
}

// killGroup SIGKILLs the whole process group led by pid.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func ceilMB(b int64) int64 {
	return (b + (1 << 20) - 1) >> 20
}
