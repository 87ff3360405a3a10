package mergefs

import (
	"context"
	"io/fs"
	"path"
	"time"
)

// mountPointDir is a directory that exists only because filesystems are
// mounted below it, e.g. "/mnt" when "/mnt/a" and "/mnt/b" are mounted but
// "/" is not. It can be listed and stat'ed; everything else is refused.
type mountPointDir struct {
	table *MountTable
	path  string
}

var _ File = (*mountPointDir)(nil)

func (d *mountPointDir) Filesystem() Filesystem { return d.table }
func (d *mountPointDir) Pathname() string       { return d.path }
func (d *mountPointDir) Basename() string       { return baseName(d.path) }
func (d *mountPointDir) Extension() string      { return "" }
func (d *mountPointDir) String() string         { return d.path }

func (d *mountPointDir) Parent() File {
	if d.path == "/" {
		return nil
	}
	parent, err := d.table.GetFile(path.Dir(d.path))
	if err != nil {
		return nil
	}
	return parent
}

func (d *mountPointDir) Child(name string) File {
	p := path.Join(d.path, name)
	if child, err := d.table.GetFile(p); err == nil {
		return child
	}
	return &mountPointDir{table: d.table, path: p}
}

func (d *mountPointDir) live() bool {
	d.table.mu.RLock()
	defer d.table.mu.RUnlock()
	return d.table.hasMountsBelow(d.path)
}

func (d *mountPointDir) Stat(ctx context.Context) (*FileInfo, error) {
	if !d.live() {
		return nil, pathErr("stat", d.path, ErrNoSuchMount)
	}
	return &FileInfo{
		Name: d.Basename(),
		Path: d.path,
		Mode: fs.ModeDir | 0o555,
	}, nil
}

func (d *mountPointDir) Exists(ctx context.Context) (bool, error) {
	return d.live(), nil
}

func (d *mountPointDir) ListFiles(ctx context.Context) ([]File, error) {
	if !d.live() {
		return nil, pathErr("list", d.path, ErrNoSuchMount)
	}
	var files []File
	for _, name := range d.table.childMounts(d.path) {
		f, err := d.table.GetFile(path.Join(d.path, name))
		if err != nil {
			continue
		}
		files = append(files, f)
	}
	return files, nil
}

func (d *mountPointDir) refuse(op string) error {
	return pathErr(op, d.path, ErrNotAllowed)
}

func (d *mountPointDir) Readlink(ctx context.Context) (string, error) {
	return "", pathErr("readlink", d.path, ErrNotSupported)
}

func (d *mountPointDir) Chmod(ctx context.Context, mode fs.FileMode) error {
	return d.refuse("chmod")
}

func (d *mountPointDir) Chown(ctx context.Context, owner, group string) error {
	return d.refuse("chown")
}

func (d *mountPointDir) Chtimes(ctx context.Context, atime, mtime time.Time) error {
	return d.refuse("chtimes")
}

func (d *mountPointDir) Touch(ctx context.Context, mtime, atime time.Time) error {
	return d.refuse("touch")
}

func (d *mountPointDir) Delete(ctx context.Context, recursive, force bool) error {
	return d.refuse("delete")
}

func (d *mountPointDir) CopyTo(ctx context.Context, dst File, recursive bool) error {
	return copyTree(ctx, d, dst, recursive)
}

func (d *mountPointDir) MoveTo(ctx context.Context, dst File) error {
	return d.refuse("move")
}

func (d *mountPointDir) CreateDir(ctx context.Context, parents bool) error {
	switch {
	case !d.live():
		return pathErr("mkdir", d.path, ErrNoSuchMount)
	case parents:
		return nil
	}
	return pathErr("mkdir", d.path, ErrExist)
}

func (d *mountPointDir) CreateFile(ctx context.Context, parents bool) error {
	return d.refuse("create")
}

func (d *mountPointDir) Contents(ctx context.Context) ([]byte, error) {
	return nil, pathErr("read", d.path, ErrIsDir)
}

func (d *mountPointDir) SetContents(ctx context.Context, data []byte) error {
	return pathErr("write", d.path, ErrIsDir)
}

func (d *mountPointDir) AppendContents(ctx context.Context, data []byte) error {
	return pathErr("append", d.path, ErrIsDir)
}

func (d *mountPointDir) Truncate(ctx context.Context, size int64) error {
	return pathErr("truncate", d.path, ErrIsDir)
}

func (d *mountPointDir) Open(ctx context.Context, flag int) (Content, error) {
	return nil, pathErr("open", d.path, ErrIsDir)
}
