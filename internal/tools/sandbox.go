package tools

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/pkg/models"
)

// Sandbox confines file operations to a workspace root. Every path is checked
// lexically and then through symlink resolution before any file is touched,
// and the I/O itself goes through an os.Root so a symlink swapped in after the
// check still cannot leave the workspace.
type Sandbox struct {
	root      string
	realRoot  string
	declared  models.FileSystemMode
	effective models.FileSystemMode

	once    sync.Once
	osRoot  *os.Root
	openErr error
}

// NewSandbox returns a sandbox rooted at workspace. declared is the mode the
// tool registered with and effective is the mode after applying the caller
// policy.
func NewSandbox(workspace string, declared, effective models.FileSystemMode) (*Sandbox, error) {
	if workspace == "" {
		return nil, apperrors.Denied("no_workspace", "workspace root is not set")
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	real, err := resolveReal(abs)
	if err != nil {
		return nil, err
	}
	return &Sandbox{
		root:      abs,
		realRoot:  real,
		declared:  declared,
		effective: effective,
	}, nil
}

// Root returns the absolute workspace root.
func (s *Sandbox) Root() string { return s.root }

// Resolve maps p onto the workspace and returns the path relative to the
// resolved root. Relative paths are taken from the root; absolute paths must
// already lie inside it.
func (s *Sandbox) Resolve(p string) (string, error) {
	var joined string
	if filepath.IsAbs(p) {
		joined = filepath.Clean(p)
	} else {
		joined = filepath.Join(s.root, p)
	}
	rel, ok := within(s.root, joined)
	if !ok {
		return "", apperrors.Denied("path_escape", "%q resolves outside the workspace", p)
	}

	real, err := resolveReal(filepath.Join(s.realRoot, rel))
	if err != nil {
		return "", err
	}
	realRel, ok := within(s.realRoot, real)
	if !ok {
		return "", apperrors.Denied("path_escape", "%q follows a symlink outside the workspace", p)
	}
	return realRel, nil
}

// ReadFile returns the contents of a workspace file.
func (s *Sandbox) ReadFile(p string) ([]byte, error) {
	if !s.effective.CanRead() {
		return nil, apperrors.Denied("fs_mode", "filesystem access is %s", s.effective)
	}
	rel, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	root, err := s.open()
	if err != nil {
		return nil, err
	}
	data, err := root.ReadFile(rel)
	if err != nil {
		return nil, classifyFSError(err)
	}
	return data, nil
}

// WriteFile writes data to a workspace file, creating parent directories.
// Both the tool's declared mode and the effective mode must be read-write.
func (s *Sandbox) WriteFile(p string, data []byte) error {
	if !s.declared.CanWrite() || !s.effective.CanWrite() {
		return apperrors.Denied("fs_mode", "write requires read-write (declared %s, effective %s)", s.declared, s.effective)
	}
	rel, err := s.Resolve(p)
	if err != nil {
		return err
	}
	root, err := s.open()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(rel); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return classifyFSError(err)
		}
	}
	if err := root.WriteFile(rel, data, 0o644); err != nil {
		return classifyFSError(err)
	}
	return nil
}

// List returns the sorted entry names of a workspace directory. Directories
// carry a trailing slash.
func (s *Sandbox) List(p string) ([]string, error) {
	if !s.effective.CanRead() {
		return nil, apperrors.Denied("fs_mode", "filesystem access is %s", s.effective)
	}
	rel, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	root, err := s.open()
	if err != nil {
		return nil, err
	}
	f, err := root.Open(rel)
	if err != nil {
		return nil, classifyFSError(err)
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, classifyFSError(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the underlying root handle.
func (s *Sandbox) Close() error {
	if s.osRoot != nil {
		return s.osRoot.Close()
	}
	return nil
}

func (s *Sandbox) open() (*os.Root, error) {
	s.once.Do(func() {
		s.osRoot, s.openErr = os.OpenRoot(s.realRoot)
	})
	if s.openErr != nil {
		return nil, classifyFSError(s.openErr)
	}
	return s.osRoot, nil
}

// within returns p relative to root when p does not escape it.
func within(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil || filepath.IsAbs(rel) {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// resolveReal follows symlinks through the nearest existing ancestor so that
// paths which do not exist yet can still be checked.
func resolveReal(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	}
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
		return "", apperrors.Denied("path_escape", "%q is a dangling symlink", path)
	}
	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	realParent, err := resolveReal(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(realParent, filepath.Base(path)), nil
}

func classifyFSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return apperrors.Denied("fs_permission", "%v", err)
	case strings.Contains(err.Error(), "path escapes from parent"):
		return apperrors.Denied("path_escape", "%v", err)
	}
	return apperrors.Transient(err)
}
