package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/docker/docker/pkg/reexec"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

func newTestSandbox(isolate bool) *LocalSandbox {
	logger := zerolog.Nop()
	return NewProcessSandbox(isolate, "", &logger)
}

// reachableDir returns a temp dir the unprivileged sandbox uid can enter.
// t.TempDir nests it in a 0700 parent.
func reachableDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, d := range []string{filepath.Dir(dir), dir} {
		if err := os.Chmod(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// isolatedSandbox returns a namespaced process sandbox, skipping the test
// where the host forbids unprivileged namespaces or mounts.
func isolatedSandbox(t *testing.T, cgroupRoot string) *LocalSandbox {
	t.Helper()
	logger := zerolog.Nop()
	s := NewProcessSandbox(true, cgroupRoot, &logger)
	cfg := shConfig(t, "true\n")
	res, err := s.Run(context.Background(), cfg)
	if err != nil {
		t.Skipf("isolated sandbox unavailable: %v", err)
	}
	if !res.Run.Succeeded() {
		t.Skipf("isolated sandbox unavailable: %+v", res.Run)
	}
	return s
}

func shConfig(t *testing.T, script string) RunConfig {
	t.Helper()
	return RunConfig{
		SubmissionID: "test",
		Workdir:      reachableDir(t),
		SourceFile:   "main.sh",
		SourceCode:   script,
		RunCmd:       []string{"/bin/sh", "{source}"},
		RunTimeout:   5 * time.Second,
		Limits: Limits{
			CPUTime:     5 * time.Second,
			OutputBytes: 64 * 1024,
		},
	}
}

func TestProcessRunSuccess(t *testing.T) {
	cfg := shConfig(t, "echo hello\necho oops >&2\n")

	res, err := newTestSandbox(false).Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Compile != nil {
		t.Error("Compile should be nil without a compile command")
	}
	if !res.Run.Succeeded() {
		t.Fatalf("run failed: %+v", res.Run)
	}
	if res.Run.Stdout != "hello\n" {
		t.Errorf("stdout = %q", res.Run.Stdout)
	}
	if res.Run.Stderr != "oops\n" {
		t.Errorf("stderr = %q", res.Run.Stderr)
	}
}

func TestProcessRunExitCode(t *testing.T) {
	res, err := newTestSandbox(false).Run(context.Background(), shConfig(t, "exit 3\n"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Run.ExitCode != 3 || res.Run.Signal != 0 {
		t.Errorf("exit = %d signal = %v, want 3 and none", res.Run.ExitCode, res.Run.Signal)
	}
}

func TestProcessCompileFailureSkipsRun(t *testing.T) {
	cfg := shConfig(t, "")
	cfg.CompileCmd = []string{"/bin/sh", "-c", "echo 'syntax error' >&2; exit 1"}
	cfg.CompileTimeout = 5 * time.Second
	cfg.RunCmd = []string{"/bin/sh", "-c", "touch ran"}

	res, err := newTestSandbox(false).Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Compile == nil || res.Compile.ExitCode != 1 {
		t.Fatalf("compile result = %+v", res.Compile)
	}
	if !strings.Contains(res.Compile.Stderr, "syntax error") {
		t.Errorf("compile stderr = %q", res.Compile.Stderr)
	}
	if res.Run != nil {
		t.Error("run step executed after failed compile")
	}
	if _, err := os.Stat(filepath.Join(cfg.Workdir, "ran")); !os.IsNotExist(err) {
		t.Error("run step left side effects after failed compile")
	}
}

func TestProcessTimeoutKillsProcessTree(t *testing.T) {
	cfg := shConfig(t, "sleep 30 &\necho $! > child.pid\nwhile :; do :; done\n")
	cfg.RunTimeout = 300 * time.Millisecond

	start := time.Now()
	res, err := newTestSandbox(false).Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > cfg.RunTimeout+2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if !res.Run.TimedOut {
		t.Fatalf("TimedOut = false: %+v", res.Run)
	}

	data, err := os.ReadFile(filepath.Join(cfg.Workdir, "child.pid"))
	if err != nil {
		t.Fatalf("reading child pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatal(err)
	}
	waitGone(t, pid)
}

// waitGone waits until pid no longer runs; a zombie awaiting its new parent
// counts as gone.
func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			return
		}
		stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
		if err != nil {
			return
		}
		if fields := strings.Fields(string(stat)); len(fields) > 2 && fields[2] == "Z" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("process %d survived the timeout", pid)
}

func TestProcessOutputCap(t *testing.T) {
	cfg := shConfig(t, "i=0\nwhile [ $i -lt 20000 ]; do echo 0123456789; i=$((i+1)); done\n")
	cfg.Limits.OutputBytes = 1024

	res, err := newTestSandbox(false).Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Run.StdoutTruncated {
		t.Fatal("StdoutTruncated = false")
	}
	if !strings.Contains(res.Run.Stdout, "output truncated") {
		t.Errorf("marker missing from %q", res.Run.Stdout[len(res.Run.Stdout)-80:])
	}
	if len(res.Run.Stdout) > 1024+100 {
		t.Errorf("stdout length %d exceeds cap plus marker", len(res.Run.Stdout))
	}
}

func TestProcessCPULimit(t *testing.T) {
	cfg := shConfig(t, "while :; do :; done\n")
	cfg.Limits.CPUTime = time.Second
	cfg.RunTimeout = 10 * time.Second

	res, err := newTestSandbox(false).Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Run.TimedOut {
		t.Fatal("wall timeout fired before the CPU limit")
	}
	if res.Run.Signal != syscall.SIGXCPU && res.Run.Signal != syscall.SIGKILL {
		t.Errorf("signal = %v, want SIGXCPU or SIGKILL", res.Run.Signal)
	}
}

func TestProcessMissingCommandIsSetupFailure(t *testing.T) {
	cfg := shConfig(t, "")
	cfg.RunCmd = []string{"runbox-definitely-missing-binary"}

	res, err := newTestSandbox(false).Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Run.SetupFailed {
		t.Errorf("SetupFailed = false: %+v", res.Run)
	}
}

func TestProcessIsolatedNamespaces(t *testing.T) {
	s := isolatedSandbox(t, "")
	res, err := s.Run(context.Background(), shConfig(t, "echo $$\n"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Run.Stdout) != "1" {
		t.Errorf("pid inside sandbox = %q, want 1 (new pid namespace)", res.Run.Stdout)
	}
}

func TestIsolatedFilesystemIsConfined(t *testing.T) {
	s := isolatedSandbox(t, "")

	outside := reachableDir(t)
	if err := os.Chmod(outside, 0o777); err != nil {
		t.Fatal(err)
	}
	script := `
[ -e "` + outside + `" ] && echo saw-outside
echo x > "` + outside + `/escape" 2>/dev/null && echo wrote-outside
touch /usr/runbox-escape 2>/dev/null && echo wrote-usr
touch /runbox-escape 2>/dev/null && echo wrote-root
echo x > /tmp/scratch && echo wrote-tmp
echo x > inside && echo wrote-inside
`
	cfg := shConfig(t, script)
	res, err := s.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := strings.Fields(res.Run.Stdout)
	want := []string{"wrote-tmp", "wrote-inside"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("stdout = %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Join(outside, "escape")); !os.IsNotExist(err) {
		t.Error("sandboxed code wrote outside its workspace")
	}
	if _, err := os.Stat("/usr/runbox-escape"); !os.IsNotExist(err) {
		t.Error("sandboxed code wrote into /usr")
	}
	if _, err := os.Stat(filepath.Join(cfg.Workdir, "inside")); err != nil {
		t.Errorf("workspace write missing on the host: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Workdir, stageDir)); !os.IsNotExist(err) {
		t.Error("staging directory left in the workspace")
	}
}

func TestIsolatedProcessLimit(t *testing.T) {
	for _, root := range []string{"", "auto"} {
		t.Run("cgroup="+root, func(t *testing.T) {
			s := isolatedSandbox(t, root)

			cfg := shConfig(t, `
i=0
while [ $i -lt 40 ]; do
	(touch spawned.$i; sleep 2) 2>/dev/null &
	i=$((i+1))
done
wait
`)
			cfg.Limits.MaxProcesses = 8
			res, err := s.Run(context.Background(), cfg)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Run.TimedOut {
				t.Fatalf("run timed out: %+v", res.Run)
			}
			spawned, err := filepath.Glob(filepath.Join(cfg.Workdir, "spawned.*"))
			if err != nil {
				t.Fatal(err)
			}
			if len(spawned) >= 40 {
				t.Errorf("%d of 40 background processes ran under a limit of 8", len(spawned))
			}
		})
	}
}

func TestCgroupMemoryLimit(t *testing.T) {
	s := isolatedSandbox(t, "auto")
	if s.cgroupRoot == "" {
		t.Skip("no delegated cgroup")
	}

	cfg := shConfig(t, "x=$(head -c 268435456 /dev/zero | tr '\\0' a)\necho survived\n")
	cfg.Limits.MemoryBytes = 32 << 20
	res, err := s.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Run.OOMKilled {
		t.Errorf("OOMKilled = false: %+v", res.Run)
	}
	if strings.Contains(res.Run.Stdout, "survived") {
		t.Error("shell outlived its memory limit")
	}
}

func TestEncodeLimits(t *testing.T) {
	tests := []struct {
		name    string
		limits  Limits
		confine bool
		want    rlimits
	}{
		{"memory as address space", Limits{MemoryBytes: 64 << 20}, false, rlimits{AddressSpace: 64 << 20}},
		{"explicit address space", Limits{MemoryBytes: 64 << 20, AddressSpaceBytes: 1 << 30}, true, rlimits{AddressSpace: 1 << 30, Confine: true}},
		{"cpu rounds up", Limits{CPUTime: 1500 * time.Millisecond}, false, rlimits{CPUSeconds: 2}},
		{"processes and files", Limits{MaxProcesses: 8, FileSizeBytes: 1 << 20}, false, rlimits{Processes: 8, FileSize: 1 << 20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := encodeLimits(tt.limits, tt.confine)
			if err != nil {
				t.Fatal(err)
			}
			var got rlimits
			if err := json.Unmarshal([]byte(raw), &got); err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("encodeLimits = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLockedMountFlags(t *testing.T) {
	got := lockedMountFlags(unix.ST_NOSUID | unix.ST_NODEV | unix.ST_RELATIME)
	want := uintptr(unix.MS_NOSUID | unix.MS_NODEV | unix.MS_RELATIME)
	if got != want {
		t.Errorf("flags = %#x, want %#x", got, want)
	}
	if got := lockedMountFlags(unix.ST_NOEXEC | unix.ST_NOATIME); got != uintptr(unix.MS_NOEXEC|unix.MS_NOATIME) {
		t.Errorf("flags = %#x", got)
	}
	if got := lockedMountFlags(0); got != uintptr(unix.MS_STRICTATIME) {
		t.Errorf("flags = %#x, want strictatime", got)
	}
}
