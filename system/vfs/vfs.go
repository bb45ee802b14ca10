// Package vfs implements the per-package virtual filesystem: one directory
// tree per (package, publisher) under home/vfs/, plus the file-handle
// manager that bounds how many of those files are open at once. Grounded
// on the teacher's infrastructure/storage path-join conventions, adapted
// from a single object-store root to many package-scoped roots.
package vfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/R3E-Network/noded/infrastructure/errors"
)

// VFS roots every package's file tree under a single home directory.
type VFS struct {
	root string
}

// New returns a VFS rooted at filepath.Join(home, "vfs").
func New(home string) *VFS {
	return &VFS{root: filepath.Join(home, "vfs")}
}

// packageDir is the on-disk directory name for one package, matching the
// persisted-state layout "vfs/<package>:<publisher>/pkg/...".
func packageDir(pkg, publisher string) string {
	return pkg + ":" + publisher
}

// PackageRoot returns the pkg/ subtree for one package, creating it (and
// its parents) if absent.
func (v *VFS) PackageRoot(pkg, publisher string) (string, error) {
	dir := filepath.Join(v.root, packageDir(pkg, publisher), "pkg")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.IO("vfs_package_root", err)
	}
	return dir, nil
}

// ClearPackage removes every entry under a package's directory, leaving the
// directory itself so a subsequent extraction can repopulate it. Called
// before each bootstrap (re)extraction of a package, per spec: "clears its
// VFS directory" before writing the inner ZIP's contents.
func (v *VFS) ClearPackage(pkg, publisher string) error {
	dir := filepath.Join(v.root, packageDir(pkg, publisher))
	if err := os.RemoveAll(dir); err != nil {
		return errors.IO("vfs_clear_package", err)
	}
	return os.MkdirAll(filepath.Join(dir, "pkg"), 0o755)
}

// WriteFile writes data at relPath inside pkg's tree, creating parent
// directories as needed. relPath must not escape the package root (no
// "..") — rejected as a MalformedRequest, not silently sanitized, since a
// malicious archive entry is a structural violation worth surfacing.
func (v *VFS) WriteFile(pkg, publisher, relPath string, data []byte) error {
	if err := validateRelPath(relPath); err != nil {
		return err
	}
	root, err := v.PackageRoot(pkg, publisher)
	if err != nil {
		return err
	}
	full := filepath.Join(root, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.IO("vfs_write_file_mkdir", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return errors.IO("vfs_write_file", err)
	}
	return nil
}

// ReadFile reads relPath from pkg's tree.
func (v *VFS) ReadFile(pkg, publisher, relPath string) ([]byte, error) {
	if err := validateRelPath(relPath); err != nil {
		return nil, err
	}
	root, err := v.PackageRoot(pkg, publisher)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(root, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("vfs_file", relPath)
		}
		return nil, errors.IO("vfs_read_file", err)
	}
	return data, nil
}

// Path returns the absolute path of relPath inside pkg's tree, without
// touching the filesystem — used by the file-handle manager to open paths
// it already knows exist.
func (v *VFS) Path(pkg, publisher, relPath string) string {
	return filepath.Join(v.root, packageDir(pkg, publisher), "pkg", relPath)
}

func validateRelPath(relPath string) error {
	clean := filepath.Clean(relPath)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return errors.MalformedRequest(fmt.Sprintf("vfs path %q escapes its package root", relPath))
	}
	return nil
}
