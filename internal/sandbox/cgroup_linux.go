package sandbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	cgroupMount   = "/sys/fs/cgroup"
	supervisorDir = "runbox-supervisor"
)

// cgroup is a cgroup v2 leaf holding one step's process tree. The root must
// be a delegated cgroup with the memory and pids controllers enabled in its
// cgroup.subtree_control.
type cgroup struct {
	path string
}

func newCgroup(root, submissionID string, limits Limits) (*cgroup, error) {
	path := filepath.Join(root, "runbox-"+submissionID+"-"+uuid.NewString()[:8])
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating cgroup: %w", err)
	}
	cg := &cgroup{path: path}

	if limits.MemoryBytes > 0 {
		if err := cg.write("memory.max", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			_ = cg.destroy()
			return nil, fmt.Errorf("setting memory limit: %w", err)
		}
		// no swap; failure means swap accounting is off, which is fine
		_ = cg.write("memory.swap.max", "0")
		_ = cg.write("memory.oom.group", "1")
	}
	if limits.MaxProcesses > 0 {
		if err := cg.write("pids.max", strconv.Itoa(limits.MaxProcesses)); err != nil {
			_ = cg.destroy()
			return nil, fmt.Errorf("setting pids limit: %w", err)
		}
	}
	return cg, nil
}

// delegatedCgroup turns the cgroup this process runs in into a root for
// per-step leaves: the process moves into a supervisor child and the memory
// and pids controllers are enabled for children. It fails unless the cgroup
// is delegated to us and children can be spawned straight into a leaf.
func delegatedCgroup() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", fmt.Errorf("reading own cgroup: %w", err)
	}
	var rel string
	for _, line := range strings.Split(string(data), "\n") {
		if p, ok := strings.CutPrefix(line, "0::"); ok {
			rel = p
		}
	}
	if rel == "" {
		return "", errors.New("cgroup v2 is not in use")
	}

	own := filepath.Join(cgroupMount, rel)
	if filepath.Base(own) == supervisorDir {
		own = filepath.Dir(own)
	} else {
		supervisor := filepath.Join(own, supervisorDir)
		if err := os.Mkdir(supervisor, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("creating supervisor cgroup: %w", err)
		}
		if err := os.WriteFile(filepath.Join(supervisor, "cgroup.procs"), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return "", fmt.Errorf("moving into supervisor cgroup: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(own, "cgroup.subtree_control"), []byte("+memory +pids"), 0o644); err != nil {
		return "", fmt.Errorf("enabling memory and pids controllers in %s: %w", own, err)
	}
	if err := checkCgroupClone(own); err != nil {
		return "", fmt.Errorf("starting a child inside a cgroup: %w", err)
	}
	return own, nil
}

// checkCgroupClone starts a trivial child directly inside a fresh leaf,
// which needs clone3 (linux 5.7).
func checkCgroupClone(root string) error {
	cg, err := newCgroup(root, "check", Limits{})
	if err != nil {
		return err
	}
	defer cg.destroy()

	fd, err := cg.open()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	cmd := exec.Command(helperPath())
	cmd.Args = []string{cgroupCheckName}
	cmd.SysProcAttr = &syscall.SysProcAttr{UseCgroupFD: true, CgroupFD: fd}
	return cmd.Run()
}

// open returns a descriptor for SysProcAttr.CgroupFD.
func (c *cgroup) open() (int, error) {
	fd, err := unix.Open(c.path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("opening cgroup: %w", err)
	}
	return fd, nil
}

func (c *cgroup) write(file, value string) error {
	return os.WriteFile(filepath.Join(c.path, file), []byte(value), 0o644)
}

// oomKilled reports whether the kernel OOM killer fired inside the leaf.
func (c *cgroup) oomKilled() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "oom_kill" {
			n, _ := strconv.ParseInt(fields[1], 10, 64)
			return n > 0
		}
	}
	return false
}

func (c *cgroup) peakMemoryKb() int64 {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.peak"))
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return n / 1024
}

// destroy kills anything left in the leaf and removes it.
func (c *cgroup) destroy() error {
	_ = c.write("cgroup.kill", "1")
	var err error
	for i := 0; i < 10; i++ {
		if err = os.Remove(c.path); err == nil || os.IsNotExist(err) {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return err
}
