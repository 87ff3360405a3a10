// Package aferofs adapts any afero.Fs into a mergefs driver.
package aferofs

import (
	"context"
	"io/fs"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/gobeaver/mergefs"
	"github.com/spf13/afero"
)

// Adapter is a mergefs.Driver over an afero.Fs. The afero filesystem
// provides storage only; parent and emptiness checks happen here because
// afero backends differ on them.
type Adapter struct {
	fs afero.Fs
}

// New wraps fsys.
func New(fsys afero.Fs) *Adapter {
	return &Adapter{fs: fsys}
}

// NewMem returns an adapter over a fresh afero.MemMapFs.
func NewMem() *Adapter {
	return New(afero.NewMemMapFs())
}

// Fs returns the wrapped afero filesystem.
func (a *Adapter) Fs() afero.Fs { return a.fs }

func clean(name string) string {
	return path.Clean("/" + name)
}

func toInfo(name string, info os.FileInfo) *mergefs.FileInfo {
	fi := &mergefs.FileInfo{
		Name:       path.Base(name),
		Path:       name,
		Size:       info.Size(),
		Mode:       info.Mode(),
		ModTime:    info.ModTime(),
		AccessTime: info.ModTime(),
	}
	if info.IsDir() {
		fi.Size = 0
	}
	return fi
}

func (a *Adapter) Stat(ctx context.Context, name string) (*mergefs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = clean(name)
	info, err := a.fs.Stat(name)
	if err != nil {
		return nil, mergefs.TranslateError("stat", name, err)
	}
	fi := toInfo(name, info)
	if lr, ok := a.fs.(afero.LinkReader); ok {
		if target, err := lr.ReadlinkIfPossible(name); err == nil {
			fi.LinkTarget = target
		}
	}
	return fi, nil
}

func (a *Adapter) ReadDir(ctx context.Context, name string) ([]mergefs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = clean(name)
	info, err := a.fs.Stat(name)
	if err != nil {
		return nil, mergefs.TranslateError("readdir", name, err)
	}
	if !info.IsDir() {
		return nil, &mergefs.PathError{Op: "readdir", Path: name, Err: mergefs.ErrNotDir}
	}
	entries, err := afero.ReadDir(a.fs, name)
	if err != nil {
		return nil, mergefs.TranslateError("readdir", name, err)
	}
	infos := make([]mergefs.FileInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, *toInfo(path.Join(name, e.Name()), e))
	}
	return infos, nil
}

// checkParent verifies the parent of name is an existing directory.
func (a *Adapter) checkParent(op, name string) error {
	info, err := a.fs.Stat(path.Dir(name))
	if err != nil {
		return mergefs.TranslateError(op, name, err)
	}
	if !info.IsDir() {
		return &mergefs.PathError{Op: op, Path: name, Err: mergefs.ErrNotDir}
	}
	return nil
}

// OpenFile returns the afero.File itself: it already reads and writes at
// offsets and truncates.
func (a *Adapter) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (mergefs.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = clean(name)
	info, err := a.fs.Stat(name)
	switch {
	case err == nil && info.IsDir():
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrIsDir}
	case err == nil && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrExist}
	case err != nil && flag&os.O_CREATE != 0:
		if err := a.checkParent("open", name); err != nil {
			return nil, err
		}
	}

	f, err := a.fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, mergefs.TranslateError("open", name, err)
	}
	return f, nil
}

func (a *Adapter) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = clean(name)
	if _, err := a.fs.Stat(name); err == nil {
		return &mergefs.PathError{Op: "mkdir", Path: name, Err: mergefs.ErrExist}
	}
	if err := a.checkParent("mkdir", name); err != nil {
		return err
	}
	return mergefs.TranslateError("mkdir", name, a.fs.Mkdir(name, perm))
}

func (a *Adapter) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = clean(name)
	if name == "/" {
		return &mergefs.PathError{Op: "remove", Path: name, Err: mergefs.ErrNotAllowed}
	}
	info, err := a.fs.Stat(name)
	if err != nil {
		return mergefs.TranslateError("remove", name, err)
	}
	if info.IsDir() {
		entries, err := afero.ReadDir(a.fs, name)
		if err != nil {
			return mergefs.TranslateError("remove", name, err)
		}
		if len(entries) > 0 {
			return &mergefs.PathError{Op: "remove", Path: name, Err: mergefs.ErrNotEmpty}
		}
	}
	return mergefs.TranslateError("remove", name, a.fs.Remove(name))
}

// Rename moves files with the backend's rename. Directories are moved entry
// by entry since not every afero backend carries children along.
func (a *Adapter) Rename(ctx context.Context, oldname, newname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	oldname, newname = clean(oldname), clean(newname)
	if oldname == newname {
		return nil
	}
	if oldname == "/" || len(newname) > len(oldname) && newname[:len(oldname)+1] == oldname+"/" {
		return &mergefs.PathError{Op: "rename", Path: oldname, Err: mergefs.ErrInvalidName}
	}

	src, err := a.fs.Stat(oldname)
	if err != nil {
		return mergefs.TranslateError("rename", oldname, err)
	}
	if err := a.checkParent("rename", newname); err != nil {
		return err
	}
	dst, dstErr := a.fs.Stat(newname)
	if dstErr == nil {
		switch {
		case dst.IsDir() && !src.IsDir():
			return &mergefs.PathError{Op: "rename", Path: newname, Err: mergefs.ErrIsDir}
		case !dst.IsDir() && src.IsDir():
			return &mergefs.PathError{Op: "rename", Path: newname, Err: mergefs.ErrNotDir}
		}
	}
	if !src.IsDir() {
		return mergefs.TranslateError("rename", oldname, a.fs.Rename(oldname, newname))
	}

	if dstErr == nil {
		if err := a.Remove(ctx, newname); err != nil {
			return err
		}
	}
	if err := a.fs.Mkdir(newname, src.Mode().Perm()); err != nil {
		return mergefs.TranslateError("rename", newname, err)
	}
	entries, err := afero.ReadDir(a.fs, oldname)
	if err != nil {
		return mergefs.TranslateError("rename", oldname, err)
	}
	for _, e := range entries {
		if err := a.Rename(ctx, path.Join(oldname, e.Name()), path.Join(newname, e.Name())); err != nil {
			return err
		}
	}
	return mergefs.TranslateError("rename", oldname, a.fs.Remove(oldname))
}

func (a *Adapter) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = clean(name)
	return mergefs.TranslateError("chmod", name, a.fs.Chmod(name, mode))
}

func (a *Adapter) Chtimes(ctx context.Context, name string, atime, mtime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = clean(name)
	return mergefs.TranslateError("chtimes", name, a.fs.Chtimes(name, atime, mtime))
}

// Chown implements mergefs.CanChown with numeric ids; -1 keeps a value.
func (a *Adapter) Chown(ctx context.Context, name, owner, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = clean(name)
	uid, gid := -1, -1
	var err error
	if owner != "" {
		if uid, err = strconv.Atoi(owner); err != nil {
			return &mergefs.PathError{Op: "chown", Path: name, Err: mergefs.ErrInvalidName}
		}
	}
	if group != "" {
		if gid, err = strconv.Atoi(group); err != nil {
			return &mergefs.PathError{Op: "chown", Path: name, Err: mergefs.ErrInvalidName}
		}
	}
	return mergefs.TranslateError("chown", name, a.fs.Chown(name, uid, gid))
}

// Readlink implements mergefs.CanReadlink for backends that can read links.
func (a *Adapter) Readlink(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name = clean(name)
	lr, ok := a.fs.(afero.LinkReader)
	if !ok {
		return "", &mergefs.PathError{Op: "readlink", Path: name, Err: mergefs.ErrNotSupported}
	}
	target, err := lr.ReadlinkIfPossible(name)
	if err != nil {
		return "", mergefs.TranslateError("readlink", name, err)
	}
	return target, nil
}

var (
	_ mergefs.Driver      = (*Adapter)(nil)
	_ mergefs.CanChown    = (*Adapter)(nil)
	_ mergefs.CanReadlink = (*Adapter)(nil)
	_ mergefs.Content     = (afero.File)(nil)
)
