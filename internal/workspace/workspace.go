// Package workspace manages the per-invocation working directories the
// pipeline owns under the process tmp root.
//
// The discipline is strict: only paths inside the tmp root are ever removed,
// and the root itself is never removed. External sources live outside the
// root and are therefore untouchable by construction.
package workspace

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ErrOutsideRoot is returned when a cleanup is requested for a path that is
// not strictly inside the managed tmp root.
var ErrOutsideRoot = errors.New("path outside managed workspace root")

// Manager owns the tmp root and hands out per-invocation workspaces.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates a Manager rooted at tmpRoot, creating the directory if
// needed. The root must be absolute.
func NewManager(tmpRoot string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !filepath.IsAbs(tmpRoot) {
		return nil, fmt.Errorf("tmp root must be absolute: %s", tmpRoot)
	}
	root := filepath.Clean(tmpRoot)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating tmp root: %w", err)
	}
	return &Manager{root: root, logger: logger}, nil
}

// Root returns the absolute tmp root.
func (m *Manager) Root() string {
	return m.root
}

// Create allocates a uniquely-named workspace for one pipeline invocation.
func (m *Manager) Create(taskID string) (*Workspace, error) {
	name := fmt.Sprintf("task-%s-%s", sanitizeID(taskID), newSuffix())
	dir := filepath.Join(m.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	m.logger.Debug("created workspace", slog.String("path", dir))
	return &Workspace{root: dir, mgr: m}, nil
}

// IsManagedPath reports whether p resolves strictly inside the tmp root.
// Any resolution error yields false: an unresolvable path is not provably
// managed and must be treated as external.
func (m *Manager) IsManagedPath(p string) bool {
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	return strings.HasPrefix(abs, m.root+string(filepath.Separator))
}

// SafeCleanup removes p (recursively for directories) if and only if p is
// strictly under the tmp root. Paths outside the root, the root itself, and
// ancestors of the root are refused with ErrOutsideRoot. Removal errors are
// logged at debug level and returned.
func (m *Manager) SafeCleanup(p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		m.logger.Debug("cleanup refused: unresolvable path",
			slog.String("path", p),
			slog.String("error", err.Error()))
		return ErrOutsideRoot
	}
	abs = filepath.Clean(abs)

	if !strings.HasPrefix(abs, m.root+string(filepath.Separator)) {
		m.logger.Debug("cleanup refused: outside managed root",
			slog.String("path", abs),
			slog.String("root", m.root))
		return ErrOutsideRoot
	}

	if err := os.RemoveAll(abs); err != nil {
		m.logger.Debug("cleanup failed",
			slog.String("path", abs),
			slog.String("error", err.Error()))
		return fmt.Errorf("removing %s: %w", abs, err)
	}
	return nil
}

// Workspace is a single invocation's working directory under the tmp root.
type Workspace struct {
	root string
	mgr  *Manager
}

// Root returns the workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// ExtractionDir allocates a uniquely-named scratch subdirectory for one
// archive extraction.
func (w *Workspace) ExtractionDir() (string, error) {
	dir := filepath.Join(w.root, "extract-"+newSuffix())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating extraction dir: %w", err)
	}
	return dir, nil
}

// StagingDir allocates the subdirectory external inputs are copied into.
func (w *Workspace) StagingDir() (string, error) {
	dir := filepath.Join(w.root, "staging")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	return dir, nil
}

// Contains reports whether p is inside this workspace.
func (w *Workspace) Contains(p string) bool {
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	return abs == w.root || strings.HasPrefix(abs, w.root+string(filepath.Separator))
}

// Destroy removes the workspace and everything inside it. It is safe to call
// on every exit path, including after a partial failure.
func (w *Workspace) Destroy() {
	if err := w.mgr.SafeCleanup(w.root); err != nil {
		w.mgr.logger.Debug("workspace destroy failed",
			slog.String("path", w.root),
			slog.String("error", err.Error()))
	}
}

func newSuffix() string {
	return strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}

// sanitizeID replaces path separators in task ids with underscores before
// they are embedded in a directory name; an empty id becomes "unknown".
func sanitizeID(id string) string {
	id = strings.ReplaceAll(id, string(filepath.Separator), "_")
	if id == "" {
		id = "unknown"
	}
	return id
}
