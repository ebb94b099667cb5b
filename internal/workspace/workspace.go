// Package workspace hands out ephemeral, exclusively owned directories for
// single submissions and guarantees their removal.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itstheanurag/runbox/internal/metrics"
	"github.com/rs/zerolog"
)

const dirPrefix = "runbox-"

// Workspace directory modes. Shared suits drivers whose children run as
// another uid without owning the directory (docker "nobody", nsjail 99999).
const (
	PrivatePerm fs.FileMode = 0o700
	SharedPerm  fs.FileMode = 0o777
)

// Workspace is one submission's private directory.
type Workspace struct {
	Dir          string
	SubmissionID string
	CreatedAt    time.Time

	once sync.Once
}

type Manager struct {
	root   string
	perm   fs.FileMode
	logger *zerolog.Logger
	active atomic.Int64
}

// NewManager creates a manager allocating directories with mode perm under
// root, or the system temp directory when root is empty.
func NewManager(root string, perm fs.FileMode, logger *zerolog.Logger) (*Manager, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	return &Manager{root: abs, perm: perm, logger: logger}, nil
}

func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) Active() int64 {
	return m.active.Load()
}

// Acquire creates a fresh empty directory for the submission. Directory
// names are random, so concurrent acquisitions never collide even for the
// same submission id.
func (m *Manager) Acquire(submissionID string) (*Workspace, error) {
	dir, err := os.MkdirTemp(m.root, dirPrefix+sanitize(submissionID)+"-")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	if err := os.Chmod(dir, m.perm); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("setting workspace permissions: %w", err)
	}

	m.active.Add(1)
	m.logger.Debug().Str("submission_id", submissionID).Str("dir", dir).Msg("workspace acquired")

	return &Workspace{
		Dir:          dir,
		SubmissionID: submissionID,
		CreatedAt:    time.Now(),
	}, nil
}

// Release removes the workspace and everything in it. It is safe to call
// more than once and with a nil or partially initialised workspace. Removal
// failures are logged and counted, never returned.
func (m *Manager) Release(ws *Workspace) {
	if ws == nil || ws.Dir == "" {
		return
	}
	ws.once.Do(func() {
		m.active.Add(-1)
		if err := removeAll(ws.Dir); err != nil {
			metrics.WorkspaceCleanupFailures.Inc()
			m.logger.Warn().Err(err).
				Str("submission_id", ws.SubmissionID).
				Str("dir", ws.Dir).
				Msg("failed to remove workspace")
			return
		}
		m.logger.Debug().
			Str("submission_id", ws.SubmissionID).
			Dur("lifetime", time.Since(ws.CreatedAt)).
			Msg("workspace released")
	})
}

// Sweep removes workspaces left behind by a previous process that died
// before releasing them. Only call it when the root is dedicated to runbox.
func (m *Manager) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(m.root, dirPrefix+"*"))
	if err != nil {
		return 0, fmt.Errorf("listing stale workspaces: %w", err)
	}
	removed := 0
	var errs []error
	for _, dir := range matches {
		if err := removeAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// removeAll retries once after restoring owner write permission, since
// submitted code may chmod its own files read-only.
func removeAll(dir string) error {
	err := os.RemoveAll(dir)
	if err == nil {
		return nil
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr == nil && d.IsDir() {
			_ = os.Chmod(path, 0o700)
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing %s: %w", dir, err)
	}
	return nil
}

func sanitize(id string) string {
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, id)
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}
