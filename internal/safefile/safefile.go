// Package safefile provides symlink-refusing, atomic file I/O for persisted
// agent state. Every path component is checked with Lstat before use and
// files are opened with O_NOFOLLOW, so a symlink planted anywhere along a
// persisted path fails the operation instead of redirecting the write.
package safefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const (
	// FileMode is the permission for persisted files.
	FileMode = 0o600

	// DirMode is the permission for created directories.
	DirMode = 0o700
)

// SymlinkError reports a refused symlink at or along a path.
type SymlinkError struct {
	Path string
}

func (e *SymlinkError) Error() string {
	return fmt.Sprintf("refusing to operate on symlink: %s", e.Path)
}

// IsSymlinkError reports whether err is (or wraps) a SymlinkError.
func IsSymlinkError(err error) bool {
	var se *SymlinkError
	return errors.As(err, &se)
}

// CheckNoSymlinks walks every component of path and fails if any existing
// component is a symlink. Missing components are fine; they cannot redirect
// anything yet.
func CheckNoSymlinks(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	parts := strings.Split(abs, string(os.PathSeparator))
	cur := string(os.PathSeparator)
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return &SymlinkError{Path: cur}
		}
	}
	return nil
}

// MkdirAll creates dir (and parents) with DirMode after verifying no
// existing component is a symlink.
func MkdirAll(dir string) error {
	if err := CheckNoSymlinks(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, DirMode)
}

// Open opens a file for reading, refusing symlinks at any component.
func Open(path string) (*os.File, error) {
	if err := CheckNoSymlinks(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if isELOOP(err) {
			return nil, &SymlinkError{Path: path}
		}
		return nil, err
	}
	return f, nil
}

// ReadFile reads a file with symlink refusal.
func ReadFile(path string) ([]byte, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	n, err := f.Read(buf)
	if err != nil && n < len(buf) {
		return nil, err
	}
	return buf[:n], nil
}

// WriteFile atomically replaces path with data: write to a temp file in the
// same directory, fsync, then rename over the target. The target and every
// component on the way are refused if they are symlinks, and the parent
// directory must already exist.
func WriteFile(path string, data []byte) error {
	if err := CheckNoSymlinks(path); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if info, err := os.Lstat(dir); err != nil {
		return fmt.Errorf("parent directory does not exist: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("parent %s is not a directory", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Re-check the target: it may have become a symlink while the temp
	// file was being written.
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return &SymlinkError{Path: path}
	}
	return os.Rename(tmpName, path)
}

// AppendFile opens path for appending with O_NOFOLLOW, creating it with
// FileMode if missing. Used by the append-only log writers.
func AppendFile(path string) (*os.File, error) {
	if err := CheckNoSymlinks(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY|syscall.O_NOFOLLOW, FileMode)
	if err != nil {
		if isELOOP(err) {
			return nil, &SymlinkError{Path: path}
		}
		return nil, err
	}
	return f, nil
}

// Remove deletes a file after symlink checks on the parent chain. The leaf
// itself may be a symlink; removing a symlink touches only the link.
func Remove(path string) error {
	if err := CheckNoSymlinks(filepath.Dir(path)); err != nil {
		return err
	}
	return os.Remove(path)
}

func isELOOP(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ELOOP
	}
	return false
}
