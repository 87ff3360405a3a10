package local

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobeaver/mergefs"
)

// Adapter is a mergefs.Driver over a directory of the local filesystem.
type Adapter struct {
	root string
}

// New creates a new local driver rooted at root. The directory is created
// when missing.
func New(root string) (*Adapter, error) {
	absRoot, err := filepath.Abs(filepath.FromSlash(root))
	if err != nil {
		return nil, err
	}

	// Ensure the root directory exists
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, err
	}

	return &Adapter{
		root: absRoot,
	}, nil
}

// NewFS returns a mergefs filesystem rooted at the base path of cfg.
func NewFS(cfg mergefs.Config) (*mergefs.DriverFS, error) {
	a, err := New(cfg.BasePath())
	if err != nil {
		return nil, err
	}
	return mergefs.NewFilesystem(a, cfg), nil
}

// Root returns the absolute directory the driver serves.
func (a *Adapter) Root() string { return a.root }

// full maps a driver name onto the host filesystem. Names escaping the root
// are refused.
func (a *Adapter) full(op, name string) (string, error) {
	fullPath := filepath.Join(a.root, filepath.FromSlash(filepath.Clean("/"+name)))
	if !isPathUnderRoot(a.root, fullPath) {
		return "", &mergefs.PathError{Op: op, Path: name, Err: mergefs.ErrNotAllowed}
	}
	return fullPath, nil
}

// isPathUnderRoot checks if a path is under a given root directory
func isPathUnderRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}

	return !filepath.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (a *Adapter) toInfo(name, fullPath string, info os.FileInfo) *mergefs.FileInfo {
	fi := &mergefs.FileInfo{
		Name:    filepath.Base(name),
		Path:    name,
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
	}
	if info.IsDir() {
		fi.Size = 0
	}
	platformInfo(info, fi)

	// Stat follows links; Lstat tells whether there was one.
	if li, err := os.Lstat(fullPath); err == nil && li.Mode()&fs.ModeSymlink != 0 {
		if target, err := os.Readlink(fullPath); err == nil {
			fi.LinkTarget = target
		}
	}
	return fi
}

func (a *Adapter) Stat(ctx context.Context, name string) (*mergefs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, err := a.full("stat", name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, mergefs.TranslateError("stat", name, err)
	}
	return a.toInfo(name, fullPath, info), nil
}

func (a *Adapter) ReadDir(ctx context.Context, name string) ([]mergefs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, err := a.full("readdir", name)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, mergefs.TranslateError("readdir", name, err)
	}

	files := make([]mergefs.FileInfo, 0, len(entries))
	for _, entry := range entries {
		entryPath := filepath.Join(fullPath, entry.Name())
		info, err := os.Stat(entryPath)
		if err != nil {
			// dangling link or removed meanwhile
			continue
		}
		files = append(files, *a.toInfo(filepath.ToSlash(filepath.Join(name, entry.Name())), entryPath, info))
	}
	return files, nil
}

func (a *Adapter) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (mergefs.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, err := a.full("open", name)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(fullPath, flag, perm)
	if err != nil {
		return nil, mergefs.TranslateError("open", name, err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrIsDir}
	}
	return &file{File: f, name: name}, nil
}

func (a *Adapter) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := a.full("mkdir", name)
	if err != nil {
		return err
	}
	return mergefs.TranslateError("mkdir", name, os.Mkdir(fullPath, perm))
}

func (a *Adapter) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := a.full("remove", name)
	if err != nil {
		return err
	}
	if fullPath == a.root {
		return &mergefs.PathError{Op: "remove", Path: name, Err: mergefs.ErrNotAllowed}
	}
	return mergefs.TranslateError("remove", name, os.Remove(fullPath))
}

func (a *Adapter) Rename(ctx context.Context, oldname, newname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := a.full("rename", oldname)
	if err != nil {
		return err
	}
	dst, err := a.full("rename", newname)
	if err != nil {
		return err
	}
	return mergefs.TranslateError("rename", oldname, os.Rename(src, dst))
}

func (a *Adapter) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := a.full("chmod", name)
	if err != nil {
		return err
	}
	return mergefs.TranslateError("chmod", name, os.Chmod(fullPath, mode))
}

func (a *Adapter) Chtimes(ctx context.Context, name string, atime, mtime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := a.full("chtimes", name)
	if err != nil {
		return err
	}
	return mergefs.TranslateError("chtimes", name, os.Chtimes(fullPath, atime, mtime))
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Chown implements mergefs.CanChown. Owner and group may be names or
// numeric ids; empty values are left unchanged.
func (a *Adapter) Chown(ctx context.Context, name, owner, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := a.full("chown", name)
	if err != nil {
		return err
	}
	if err := chown(fullPath, owner, group); err != nil {
		return mergefs.TranslateError("chown", name, err)
	}
	return nil
}

// Readlink implements mergefs.CanReadlink.
func (a *Adapter) Readlink(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fullPath, err := a.full("readlink", name)
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(fullPath)
	if err != nil {
		return "", mergefs.TranslateError("readlink", name, err)
	}
	return filepath.ToSlash(target), nil
}

// Copy implements mergefs.CanCopy for native file copying.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath, err := a.full("copy", src)
	if err != nil {
		return err
	}
	dstPath, err := a.full("copy", dst)
	if err != nil {
		return err
	}

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return mergefs.TranslateError("copy", src, err)
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return mergefs.TranslateError("copy", src, err)
	}
	if srcInfo.IsDir() {
		return &mergefs.PathError{Op: "copy", Path: src, Err: mergefs.ErrIsDir}
	}

	dstFile, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return mergefs.TranslateError("copy", dst, err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return &mergefs.PathError{Op: "copy", Path: dst, Err: err}
	}
	if err := dstFile.Close(); err != nil {
		return &mergefs.PathError{Op: "copy", Path: dst, Err: err}
	}

	// Copy file permissions
	return mergefs.TranslateError("copy", dst, os.Chmod(dstPath, srcInfo.Mode().Perm()))
}

// Checksum implements mergefs.CanChecksum for local files.
func (a *Adapter) Checksum(ctx context.Context, name string, algorithm mergefs.ChecksumAlgorithm) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fullPath, err := a.full("checksum", name)
	if err != nil {
		return "", err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return "", mergefs.TranslateError("checksum", name, err)
	}
	defer f.Close()

	checksum, err := mergefs.CalculateChecksum(f, algorithm)
	if err != nil {
		return "", &mergefs.PathError{Op: "checksum", Path: name, Err: err}
	}
	return checksum, nil
}

// file is an open local file with flock-based advisory locks.
type file struct {
	*os.File
	name string
}

// Lock implements mergefs.CanLock.
func (f *file) Lock(mode mergefs.LockMode) error {
	return mergefs.TranslateError("lock", f.name, lockFile(f.File, mode))
}

// Unlock implements mergefs.CanLock.
func (f *file) Unlock() error {
	return mergefs.TranslateError("unlock", f.name, unlockFile(f.File))
}

// Ensure Adapter implements interfaces
var (
	_ mergefs.Driver      = (*Adapter)(nil)
	_ mergefs.CanCopy     = (*Adapter)(nil)
	_ mergefs.CanChown    = (*Adapter)(nil)
	_ mergefs.CanReadlink = (*Adapter)(nil)
	_ mergefs.CanChecksum = (*Adapter)(nil)
	_ mergefs.CanWatch    = (*Adapter)(nil)
	_ mergefs.Content     = (*file)(nil)
	_ mergefs.CanLock     = (*file)(nil)
	_ mergefs.CanSync     = (*file)(nil)
)
