// Package confine implements path confinement: resolving a caller-supplied
// path against a jail root and rejecting anything that canonicalizes
// outside it, including symlink and hardlink escape vectors.
package confine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/plyght/valet/internal/apperror"
)

// Root wraps a canonicalized jail root directory. Canonicalize it once at
// startup and share the value across all request handlers.
type Root struct {
	canonical string
}

// NewRoot canonicalizes dir and verifies it is an existing directory.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, apperror.Internal("cannot resolve root directory", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, apperror.Internal("root directory does not exist", err)
	}
	info, err := os.Stat(real)
	if err != nil || !info.IsDir() {
		return nil, apperror.Internal("root path is not a directory", err)
	}
	return &Root{canonical: real}, nil
}

// Canonical returns the jail root's canonical absolute path.
func (r *Root) Canonical() string { return r.canonical }

// Resolve implements the §4.1 algorithm: join input against the root (or
// use it verbatim if absolute), canonicalize, and verify component-prefix
// containment. When the joined path does not yet exist (the write case),
// it walks up to the deepest existing ancestor, verifies that ancestor is
// contained, and re-applies the unresolved tail without further
// canonicalization — rejecting any ".." component in that tail.
func (r *Root) Resolve(input string) (string, error) {
	var joined string
	if filepath.IsAbs(input) {
		joined = filepath.Clean(input)
	} else {
		joined = filepath.Clean(filepath.Join(r.canonical, input))
	}

	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", apperror.PathOutsideRoot()
		}
		resolved, rerr := r.resolveNonExistent(joined)
		if rerr != nil {
			return "", rerr
		}
		real = resolved
	}

	if !isContained(real, r.canonical) {
		return "", apperror.PathOutsideRoot()
	}
	if hasMutableSymlinkParent(real) {
		return "", apperror.PathOutsideRoot()
	}
	if err := rejectHardlink(real); err != nil {
		return "", err
	}
	return real, nil
}

// resolveNonExistent handles the write-case fallback: find the deepest
// existing ancestor of path, canonicalize it, verify containment, then
// reapply the remaining path components verbatim. A ".." anywhere in the
// unresolved tail is rejected outright since it was never subject to
// canonicalization.
func (r *Root) resolveNonExistent(path string) (string, error) {
	var tail []string
	current := path
	for {
		if _, err := os.Lstat(current); err == nil {
			break
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", apperror.PathOutsideRoot()
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
	}

	for _, comp := range tail {
		if comp == ".." {
			return "", apperror.PathOutsideRoot()
		}
	}

	ancestorReal, err := filepath.EvalSymlinks(current)
	if err != nil {
		return "", apperror.PathOutsideRoot()
	}
	if !isContained(ancestorReal, r.canonical) {
		return "", apperror.PathOutsideRoot()
	}

	result := ancestorReal
	for _, comp := range tail {
		result = filepath.Join(result, comp)
	}
	return result, nil
}

// isContained reports whether child is the root itself or lies strictly
// beneath it, comparing path components rather than raw strings so that
// "/roots" is never mistaken for a child of "/root".
func isContained(child, root string) bool {
	if child == root {
		return true
	}
	return strings.HasPrefix(child, root+string(filepath.Separator))
}

// hasMutableSymlinkParent walks the resolved path's components and rejects
// the result if any component is a symlink whose containing directory is
// writable by this process — such a symlink could be swapped between
// resolution and use (TOCTOU rebind).
func hasMutableSymlinkParent(path string) bool {
	clean := filepath.Clean(path)
	components := strings.Split(clean, string(filepath.Separator))
	current := string(filepath.Separator)
	for _, comp := range components {
		if comp == "" {
			continue
		}
		current = filepath.Join(current, comp)
		info, err := os.Lstat(current)
		if err != nil {
			break
		}
		if info.Mode()&os.ModeSymlink != 0 {
			parentDir := filepath.Dir(current)
			if syscall.Access(parentDir, 0x2 /* W_OK */) == nil {
				return true
			}
		}
	}
	return false
}

// rejectHardlink denies regular files with more than one hard link,
// closing off hardlink-based confinement escapes. Directories and
// not-yet-existing targets are exempt.
func rejectHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if stat.Nlink > 1 {
			return apperror.PathOutsideRoot()
		}
	}
	return nil
}
