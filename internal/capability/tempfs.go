package capability

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrNoTempDir     = errors.New("tempfs is unavailable: task has no tempDir")
	ErrPathTraversal = errors.New("Path traversal is not allowed")
	ErrAbsolutePath  = errors.New("Absolute paths are not allowed")
)

// TempFS gives task code file access confined to the task's tempDir.
// Paths are relative to that directory; the os.Root underneath refuses any
// escape, including through symlinks.
type TempFS struct {
	root     *os.Root
	maxBytes int64
}

// TempFS opens the task's temporary directory. It fails when the task
// carries no tempDir.
func (s *Session) TempFS() (*TempFS, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.state.GetExt("tempfs").(*TempFS); ok {
		return v, nil
	}
	dir := ""
	if s.state.Task != nil {
		dir = s.state.Task.TempDir
	}
	if dir == "" {
		return nil, ErrNoTempDir
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening tempDir: %w", err)
	}
	t := &TempFS{root: root, maxBytes: s.cfg.MaxFileBytes}
	s.state.SetExt("tempfs", t)
	s.state.RegisterCleanup(func() { _ = root.Close() })
	return t, nil
}

// clean validates a task-supplied path and returns its cleaned relative
// form.
func clean(name string) (string, error) {
	if name == "" {
		name = "."
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", ErrAbsolutePath
	}
	c := filepath.Clean(name)
	if c == ".." || strings.HasPrefix(c, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return c, nil
}

// ReadFile returns the contents of name.
func (t *TempFS) ReadFile(name string) (string, error) {
	p, err := clean(name)
	if err != nil {
		return "", err
	}
	f, err := t.root.Open(p)
	if err != nil {
		return "", rootErr(err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(io.LimitReader(f, t.maxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > t.maxBytes {
		return "", fmt.Errorf("file %s exceeds %d bytes", name, t.maxBytes)
	}
	return string(data), nil
}

// WriteFile creates or truncates name, creating parent directories.
func (t *TempFS) WriteFile(name, data string) error {
	p, err := clean(name)
	if err != nil {
		return err
	}
	if int64(len(data)) > t.maxBytes {
		return fmt.Errorf("file %s exceeds %d bytes", name, t.maxBytes)
	}
	if dir := filepath.Dir(p); dir != "." {
		if err := t.mkdirAll(dir); err != nil {
			return err
		}
	}
	f, err := t.root.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return rootErr(err)
	}
	if _, err := io.WriteString(f, data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (t *TempFS) mkdirAll(dir string) error {
	var walked string
	for _, part := range strings.Split(dir, string(filepath.Separator)) {
		walked = filepath.Join(walked, part)
		if err := t.root.Mkdir(walked, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return rootErr(err)
		}
	}
	return nil
}

// List returns the sorted entry names of the directory name. Directories
// carry a trailing "/".
func (t *TempFS) List(name string) ([]string, error) {
	p, err := clean(name)
	if err != nil {
		return nil, err
	}
	f, err := t.root.Open(p)
	if err != nil {
		return nil, rootErr(err)
	}
	defer func() { _ = f.Close() }()
	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() {
			n += "/"
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// Remove deletes the file or empty directory name.
func (t *TempFS) Remove(name string) error {
	p, err := clean(name)
	if err != nil {
		return err
	}
	if p == "." {
		return errors.New("cannot remove the temp directory itself")
	}
	return rootErr(t.root.Remove(p))
}

// rootErr maps os.Root escape refusals to the traversal error.
func rootErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "path escapes from parent") {
		return ErrPathTraversal
	}
	return err
}
