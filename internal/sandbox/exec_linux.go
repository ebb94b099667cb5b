package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/docker/docker/pkg/reexec"
	"golang.org/x/sys/unix"
)

// The process driver starts /proc/self/exe under helperName. reexec.Init in
// main (and in TestMain) diverts that invocation to sandboxInit, which
// confines its filesystem view, sets the rlimits on itself and then execs the
// real command, so all of it is in place before any submitted code runs.
const (
	helperName      = "runbox-sandbox-exec"
	cgroupCheckName = "runbox-cgroup-check"
	limitsEnv       = "RUNBOX_SANDBOX_LIMITS"

	setupFailureCode   = 127
	setupFailurePrefix = "runbox-sandbox: "
)

type rlimits struct {
	AddressSpace uint64 `json:"as,omitempty"`
	CPUSeconds   uint64 `json:"cpu,omitempty"`
	FileSize     uint64 `json:"fsize,omitempty"`
	Processes    uint64 `json:"nproc,omitempty"`
	// Confine is set when the helper starts in fresh user and mount
	// namespaces and must pivot into the confined root.
	Confine bool `json:"confine,omitempty"`
}

func init() {
	reexec.Register(helperName, sandboxInit)
	reexec.Register(cgroupCheckName, func() { os.Exit(0) })
}

func helperPath() string {
	return reexec.Self()
}

func encodeLimits(l Limits, confine bool) (string, error) {
	r := rlimits{Confine: confine}
	switch {
	case l.AddressSpaceBytes > 0:
		r.AddressSpace = uint64(l.AddressSpaceBytes)
	case l.MemoryBytes > 0:
		r.AddressSpace = uint64(l.MemoryBytes)
	}
	if l.CPUTime > 0 {
		// round up so sub-second limits still allow some work
		r.CPUSeconds = uint64((l.CPUTime + 999_999_999) / 1_000_000_000)
	}
	if l.FileSizeBytes > 0 {
		r.FileSize = uint64(l.FileSizeBytes)
	}
	if l.MaxProcesses > 0 {
		r.Processes = uint64(l.MaxProcesses)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding limits: %w", err)
	}
	return string(data), nil
}

func sandboxInit() {
	var r rlimits
	if raw := os.Getenv(limitsEnv); raw != "" {
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			setupFailure("decoding limits: %v", err)
		}
	}
	os.Unsetenv(limitsEnv)

	if len(os.Args) < 2 {
		setupFailure("no command given")
	}
	if r.Confine {
		if err := confine(); err != nil {
			setupFailure("confining filesystem: %v", err)
		}
	}
	path, err := exec.LookPath(os.Args[1])
	if err != nil {
		setupFailure("%v", err)
	}
	env := os.Environ()
	if r.Confine {
		if err := dropCapabilities(); err != nil {
			setupFailure("dropping capabilities: %v", err)
		}
	}

	// nothing may allocate much between here and exec
	if err := applyRlimits(r); err != nil {
		setupFailure("applying limits: %v", err)
	}
	err = unix.Exec(path, os.Args[1:], env)
	setupFailure("exec %s: %v", os.Args[1], err)
}

func applyRlimits(r rlimits) error {
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("core: %w", err)
	}
	if r.AddressSpace > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: r.AddressSpace, Max: r.AddressSpace}); err != nil {
			return fmt.Errorf("address space: %w", err)
		}
	}
	if r.CPUSeconds > 0 {
		// SIGXCPU at the soft limit, SIGKILL one second later
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: r.CPUSeconds, Max: r.CPUSeconds + 1}); err != nil {
			return fmt.Errorf("cpu: %w", err)
		}
	}
	if r.FileSize > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: r.FileSize, Max: r.FileSize}); err != nil {
			return fmt.Errorf("file size: %w", err)
		}
	}
	if r.Processes > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: r.Processes, Max: r.Processes}); err != nil {
			return fmt.Errorf("processes: %w", err)
		}
	}
	return nil
}

func setupFailure(format string, args ...any) {
	fmt.Fprintf(os.Stderr, setupFailurePrefix+format+"\n", args...)
	os.Exit(setupFailureCode)
}
