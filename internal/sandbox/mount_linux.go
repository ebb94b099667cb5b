package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// stageDir is created inside the workspace to hold the new root while it is
// assembled; it is removed again once the helper has pivoted.
const stageDir = ".runbox-root"

// Host paths bound read-only into the confined root. Everything else on the
// host, including other workspaces, is absent.
var (
	hostDirs = []string{"/bin", "/sbin", "/usr", "/lib", "/lib32", "/lib64", "/libx32"}
	hostEtc  = []string{
		"alternatives",
		"group",
		"ld.so.cache",
		"ld.so.conf",
		"ld.so.conf.d",
		"localtime",
		"nsswitch.conf",
		"passwd",
	}
	devNodes = []string{"full", "null", "random", "urandom", "zero"}
	devLinks = map[string]string{
		"fd":     "/proc/self/fd",
		"stdin":  "/proc/self/fd/0",
		"stdout": "/proc/self/fd/1",
		"stderr": "/proc/self/fd/2",
	}
)

// confine replaces the helper's root with a tmpfs holding read-only binds of
// the system directories, a private /tmp and the workspace (the current
// directory) mounted read-write at its original path. It must run as root in
// fresh user and mount namespaces.
func confine() error {
	workdir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mounts private: %w", err)
	}

	root := filepath.Join(workdir, stageDir)
	if err := os.Mkdir(root, 0o700); err != nil {
		return fmt.Errorf("creating root: %w", err)
	}
	if err := unix.Mount("tmpfs", root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "size=1m,mode=0755"); err != nil {
		return fmt.Errorf("mounting root: %w", err)
	}

	for _, dir := range hostDirs {
		if err := bindReadOnly(root, dir); err != nil {
			return err
		}
	}
	for _, name := range hostEtc {
		if err := bindReadOnly(root, filepath.Join("/etc", name)); err != nil {
			return err
		}
	}

	tmp := filepath.Join(root, "tmp")
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("tmpfs", tmp, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "size=16m,mode=1777"); err != nil {
		return fmt.Errorf("mounting /tmp: %w", err)
	}

	// the workspace may live under /tmp, so it goes in after the tmpfs
	target := filepath.Join(root, workdir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	if err := unix.Mount(workdir, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("binding workspace: %w", err)
	}

	if err := populateDev(root); err != nil {
		return err
	}

	proc := filepath.Join(root, "proc")
	if err := os.Mkdir(proc, 0o555); err != nil {
		return err
	}
	// refused where the host /proc is partly masked, as in most containers
	_ = unix.Mount("proc", proc, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "")

	if err := pivot(root); err != nil {
		return err
	}
	if err := unix.Chdir(workdir); err != nil {
		return fmt.Errorf("entering workspace: %w", err)
	}
	_ = os.Remove(stageDir)
	return nil
}

func pivot(root string) error {
	old := filepath.Join(root, ".old")
	if err := os.Mkdir(old, 0o700); err != nil {
		return err
	}
	if err := unix.PivotRoot(root, old); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Unmount("/.old", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching host root: %w", err)
	}
	if err := os.Remove("/.old"); err != nil {
		return err
	}
	if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return fmt.Errorf("remounting root read-only: %w", err)
	}
	return nil
}

// bindReadOnly mirrors the host path src at the same path under root.
// Symlinks are recreated rather than bound; missing paths are skipped.
func bindReadOnly(root, src string) error {
	fi, err := os.Lstat(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	dst := filepath.Join(root, src)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(link, dst)
	}
	if err := mountPoint(dst, fi.IsDir()); err != nil {
		return err
	}
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("binding %s: %w", src, err)
	}

	var st unix.Statfs_t
	if err := unix.Statfs(dst, &st); err != nil {
		return fmt.Errorf("reading flags of %s: %w", src, err)
	}
	flags := unix.MS_REMOUNT | unix.MS_BIND | unix.MS_RDONLY | lockedMountFlags(uint64(st.Flags))
	if err := unix.Mount("", dst, "", flags, ""); err != nil {
		return fmt.Errorf("remounting %s read-only: %w", src, err)
	}
	return nil
}

func populateDev(root string) error {
	dev := filepath.Join(root, "dev")
	if err := os.Mkdir(dev, 0o755); err != nil {
		return err
	}
	for _, name := range devNodes {
		src := filepath.Join("/dev", name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(dev, name)
		if err := mountPoint(dst, false); err != nil {
			return err
		}
		if err := unix.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("binding %s: %w", src, err)
		}
	}
	for name, target := range devLinks {
		if err := os.Symlink(target, filepath.Join(dev, name)); err != nil {
			return err
		}
	}
	return nil
}

func mountPoint(path string, dir bool) error {
	if dir {
		return os.Mkdir(path, 0o755)
	}
	return os.WriteFile(path, nil, 0o644)
}

// lockedMountFlags returns the mount flags a read-only bind remount has to
// repeat. Inside a user namespace the kernel refuses to clear flags inherited
// from the host mount.
func lockedMountFlags(st uint64) uintptr {
	var flags uintptr
	for _, f := range []struct {
		st uint64
		ms uintptr
	}{
		{unix.ST_NOSUID, unix.MS_NOSUID},
		{unix.ST_NODEV, unix.MS_NODEV},
		{unix.ST_NOEXEC, unix.MS_NOEXEC},
		{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
	} {
		if st&f.st != 0 {
			flags |= f.ms
		}
	}
	switch {
	case st&unix.ST_NOATIME != 0:
		flags |= unix.MS_NOATIME
	case st&unix.ST_RELATIME != 0:
		flags |= unix.MS_RELATIME
	default:
		flags |= unix.MS_STRICTATIME
	}
	return flags
}

// dropCapabilities empties the bounding and inheritable sets. The command
// execs as root of its user namespace and would otherwise regain every
// capability there.
func dropCapabilities() error {
	for c := 0; c <= 63; c++ {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0); err != nil {
			if errors.Is(err, unix.EINVAL) {
				break
			}
			return fmt.Errorf("bounding set: %w", err)
		}
	}

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capget: %w", err)
	}
	data[0].Inheritable, data[1].Inheritable = 0, 0
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capset: %w", err)
	}
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}
