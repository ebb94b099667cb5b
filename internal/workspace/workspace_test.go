package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := zerolog.Nop()
	m, err := NewManager(t.TempDir(), PrivatePerm, &logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAcquireCreatesEmptyPrivateDir(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Acquire("sub-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.Release(ws)

	entries, err := os.ReadDir(ws.Dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace not empty: %d entries", len(entries))
	}
	if filepath.Dir(ws.Dir) != m.Root() {
		t.Errorf("workspace %s not under root %s", ws.Dir, m.Root())
	}
	if !strings.Contains(filepath.Base(ws.Dir), "sub-1") {
		t.Errorf("workspace name %q does not carry the submission id", filepath.Base(ws.Dir))
	}
	if m.Active() != 1 {
		t.Errorf("Active() = %d, want 1", m.Active())
	}
}

func TestAcquireAppliesPerm(t *testing.T) {
	logger := zerolog.Nop()
	for _, perm := range []fs.FileMode{PrivatePerm, SharedPerm} {
		m, err := NewManager(t.TempDir(), perm, &logger)
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		ws, err := m.Acquire("perm")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		fi, err := os.Stat(ws.Dir)
		if err != nil {
			t.Fatal(err)
		}
		if got := fi.Mode().Perm(); got != perm {
			t.Errorf("mode = %o, want %o", got, perm)
		}
		m.Release(ws)
	}
}

func TestReleaseRemovesAndIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Acquire("sub-2")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	nested := filepath.Join(ws.Dir, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "out.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// submitted code may strip write permission from its own directories
	if err := os.Chmod(filepath.Join(ws.Dir, "a"), 0o500); err != nil {
		t.Fatal(err)
	}

	m.Release(ws)
	m.Release(ws)

	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Fatalf("workspace still present after release: %v", err)
	}
	if m.Active() != 0 {
		t.Errorf("Active() = %d after double release, want 0", m.Active())
	}
}

func TestReleaseToleratesPartialWorkspaces(t *testing.T) {
	m := newTestManager(t)
	m.Release(nil)
	m.Release(&Workspace{})
	if m.Active() != 0 {
		t.Errorf("Active() = %d, want 0", m.Active())
	}
}

func TestAcquireNeverReusesDirectories(t *testing.T) {
	m := newTestManager(t)

	const n = 50
	var (
		mu   sync.Mutex
		dirs = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// same submission id on purpose
			ws, err := m.Acquire("same")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			if dirs[ws.Dir] {
				t.Errorf("directory %s handed out twice", ws.Dir)
			}
			dirs[ws.Dir] = true
			mu.Unlock()
			m.Release(ws)
		}()
	}
	wg.Wait()

	if len(dirs) != n {
		t.Errorf("got %d distinct dirs, want %d", len(dirs), n)
	}
	for dir := range dirs {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("%s survived release", dir)
		}
	}
}

func TestSweepRemovesStaleWorkspaces(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"runbox-old-1", "runbox-old-2"} {
		if err := os.MkdirAll(filepath.Join(m.Root(), name, "x"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	keep := filepath.Join(m.Root(), "unrelated")
	if err := os.Mkdir(keep, 0o755); err != nil {
		t.Fatal(err)
	}

	n, err := m.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("unrelated dir removed: %v", err)
	}
}

func TestSanitize(t *testing.T) {
	got := sanitize("../etc/passwd")
	if strings.ContainsAny(got, "./") {
		t.Errorf("sanitize left path characters: %q", got)
	}
}
