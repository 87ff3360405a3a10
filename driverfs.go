package mergefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path"
	"time"
)

// DriverFS lifts a Driver into a Filesystem.
type DriverFS struct {
	driver Driver
	cfg    Config
}

// NewFilesystem returns a Filesystem whose files are backed by d.
func NewFilesystem(d Driver, cfg Config) *DriverFS {
	return &DriverFS{driver: d, cfg: cfg}
}

// Driver returns the underlying driver.
func (f *DriverFS) Driver() Driver { return f.driver }

// Config returns the configuration the filesystem was created with.
func (f *DriverFS) Config() Config { return f.cfg }

// File returns a handle for name. It never fails.
func (f *DriverFS) File(name string) (File, error) {
	return f.file(name), nil
}

// Root returns the root directory of the filesystem.
func (f *DriverFS) Root() File { return f.file("/") }

func (f *DriverFS) file(name string) *driverFile {
	return &driverFile{fs: f, name: CleanPath(name)}
}

// Watch delegates to the driver when it supports change notifications.
// Otherwise the returned token is already changed, telling the caller to
// fall back to polling.
func (f *DriverFS) Watch(ctx context.Context, pattern string) (ChangeToken, error) {
	if w, ok := f.driver.(CanWatch); ok {
		return w.Watch(ctx, pattern)
	}
	return CancelledChangeToken{}, nil
}

var (
	_ Filesystem = (*DriverFS)(nil)
	_ CanWatch   = (*DriverFS)(nil)
)

// driverFile is the generic File implementation over a Driver.
type driverFile struct {
	fs   *DriverFS
	name string
}

var (
	_ File         = (*driverFile)(nil)
	_ CanPublicURL = (*driverFile)(nil)
)

func (f *driverFile) Filesystem() Filesystem { return f.fs }
func (f *driverFile) Pathname() string       { return f.name }
func (f *driverFile) Basename() string       { return baseName(f.name) }
func (f *driverFile) Extension() string      { return extension(f.Basename()) }
func (f *driverFile) String() string         { return f.name }

func (f *driverFile) Parent() File {
	if f.name == "/" {
		return nil
	}
	return f.fs.file(path.Dir(f.name))
}

func (f *driverFile) Child(name string) File {
	return f.fs.file(path.Join(f.name, name))
}

func (f *driverFile) Stat(ctx context.Context) (*FileInfo, error) {
	info, err := f.fs.driver.Stat(ctx, f.name)
	if err != nil {
		return nil, err
	}
	info.Path = f.name
	info.Name = f.Basename()
	return info, nil
}

func (f *driverFile) Exists(ctx context.Context) (bool, error) {
	_, err := f.fs.driver.Stat(ctx, f.name)
	if err == nil {
		return true, nil
	}
	if IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *driverFile) Readlink(ctx context.Context) (string, error) {
	if r, ok := f.fs.driver.(CanReadlink); ok {
		return r.Readlink(ctx, f.name)
	}
	return "", pathErr("readlink", f.name, ErrNotSupported)
}

func (f *driverFile) Chmod(ctx context.Context, mode fs.FileMode) error {
	return f.fs.driver.Chmod(ctx, f.name, mode)
}

func (f *driverFile) Chown(ctx context.Context, owner, group string) error {
	if c, ok := f.fs.driver.(CanChown); ok {
		return c.Chown(ctx, f.name, owner, group)
	}
	return pathErr("chown", f.name, ErrNotSupported)
}

func (f *driverFile) Chtimes(ctx context.Context, atime, mtime time.Time) error {
	return f.fs.driver.Chtimes(ctx, f.name, atime, mtime)
}

func (f *driverFile) Touch(ctx context.Context, mtime, atime time.Time) error {
	exists, err := f.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		if err := f.CreateFile(ctx, false); err != nil && !IsExist(err) {
			return err
		}
	}
	mtime, atime = touchTimes(mtime, atime)
	return f.fs.driver.Chtimes(ctx, f.name, atime, mtime)
}

func touchTimes(mtime, atime time.Time) (time.Time, time.Time) {
	if mtime.IsZero() {
		mtime = time.Now()
	}
	if atime.IsZero() {
		atime = mtime
	}
	return mtime, atime
}

func (f *driverFile) Delete(ctx context.Context, recursive, force bool) error {
	info, err := f.fs.driver.Stat(ctx, f.name)
	if err != nil {
		if force && IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() && recursive {
		entries, err := f.fs.driver.ReadDir(ctx, f.name)
		if err != nil {
			return err
		}
		for _, e := range entries {
			child := f.fs.file(path.Join(f.name, e.Name))
			if err := child.Delete(ctx, true, force); err != nil {
				return err
			}
		}
	}
	err = f.fs.driver.Remove(ctx, f.name)
	if err != nil && force && IsNotExist(err) {
		return nil
	}
	return err
}

func (f *driverFile) CopyTo(ctx context.Context, dst File, recursive bool) error {
	if d, ok := dst.(*driverFile); ok && d.fs == f.fs {
		if c, ok := f.fs.driver.(CanCopy); ok {
			info, err := f.Stat(ctx)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return c.Copy(ctx, f.name, d.name)
			}
		}
	}
	return copyTree(ctx, f, dst, recursive)
}

// MoveTo renames within one filesystem. Across filesystems the move is a
// copy followed by a delete and is not atomic: a failed delete leaves both
// copies in place.
func (f *driverFile) MoveTo(ctx context.Context, dst File) error {
	if d, ok := dst.(*driverFile); ok && d.fs == f.fs {
		return f.fs.driver.Rename(ctx, f.name, d.name)
	}
	if err := copyTree(ctx, f, dst, true); err != nil {
		return err
	}
	return f.Delete(ctx, true, false)
}

func (f *driverFile) CreateDir(ctx context.Context, parents bool) error {
	if parents {
		info, err := f.fs.driver.Stat(ctx, f.name)
		if err == nil {
			if info.IsDir() {
				return nil
			}
			return pathErr("mkdir", f.name, ErrExist)
		}
		if !IsNotExist(err) {
			return err
		}
		if p, ok := f.Parent().(*driverFile); ok {
			if err := p.CreateDir(ctx, true); err != nil {
				return err
			}
		}
	}
	return f.fs.driver.Mkdir(ctx, f.name, 0o755)
}

func (f *driverFile) CreateFile(ctx context.Context, parents bool) error {
	if parents {
		if p, ok := f.Parent().(*driverFile); ok {
			if err := p.CreateDir(ctx, true); err != nil {
				return err
			}
		}
	}
	c, err := f.fs.driver.OpenFile(ctx, f.name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	return c.Close()
}

func (f *driverFile) Contents(ctx context.Context) ([]byte, error) {
	c, err := f.openRegular(ctx, os.O_RDONLY, "read")
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return readAll(c)
}

func (f *driverFile) SetContents(ctx context.Context, data []byte) error {
	c, err := f.openRegular(ctx, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, "write")
	if err != nil {
		return err
	}
	if _, err := c.WriteAt(data, 0); err != nil {
		c.Close()
		return err
	}
	return c.Close()
}

func (f *driverFile) AppendContents(ctx context.Context, data []byte) error {
	c, err := f.openRegular(ctx, os.O_WRONLY|os.O_CREATE, "append")
	if err != nil {
		return err
	}
	fi, err := c.Stat()
	if err != nil {
		c.Close()
		return err
	}
	if _, err := c.WriteAt(data, fi.Size()); err != nil {
		c.Close()
		return err
	}
	return c.Close()
}

func (f *driverFile) Truncate(ctx context.Context, size int64) error {
	if size < 0 {
		return pathErr("truncate", f.name, ErrInvalidSize)
	}
	c, err := f.openRegular(ctx, os.O_WRONLY, "truncate")
	if err != nil {
		return err
	}
	if err := c.Truncate(size); err != nil {
		c.Close()
		return err
	}
	return c.Close()
}

func (f *driverFile) Open(ctx context.Context, flag int) (Content, error) {
	return f.fs.driver.OpenFile(ctx, f.name, flag, 0o644)
}

// openRegular refuses directories up front so every backend reports them
// the same way.
func (f *driverFile) openRegular(ctx context.Context, flag int, op string) (Content, error) {
	info, err := f.fs.driver.Stat(ctx, f.name)
	if err == nil && info.IsDir() {
		return nil, pathErr(op, f.name, ErrIsDir)
	}
	if err != nil && !IsNotExist(err) {
		return nil, err
	}
	return f.fs.driver.OpenFile(ctx, f.name, flag, 0o644)
}

func (f *driverFile) ListFiles(ctx context.Context) ([]File, error) {
	info, err := f.fs.driver.Stat(ctx, f.name)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, pathErr("list", f.name, ErrNotDir)
	}
	entries, err := f.fs.driver.ReadDir(ctx, f.name)
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(entries))
	for _, e := range entries {
		files = append(files, f.fs.file(path.Join(f.name, e.Name)))
	}
	return files, nil
}

// Checksum uses the driver's native checksum when there is one and streams
// the content through a hasher otherwise.
func (f *driverFile) Checksum(ctx context.Context, algorithm ChecksumAlgorithm) (string, error) {
	if c, ok := f.fs.driver.(CanChecksum); ok {
		return c.Checksum(ctx, f.name, algorithm)
	}
	c, err := f.openRegular(ctx, os.O_RDONLY, "checksum")
	if err != nil {
		return "", err
	}
	defer c.Close()
	return CalculateChecksum(io.NewSectionReader(c, 0, math.MaxInt64), algorithm)
}

func (f *driverFile) PublicURL() (string, error) {
	if p := f.fs.cfg.PublicURLProvider(); p != nil {
		return p.PublicURL(f)
	}
	return "", pathErr("public-url", f.name, ErrNotSupported)
}

// ============================================================================
// Generic copy over the File interface
// ============================================================================

func readAll(c Content) ([]byte, error) {
	return io.ReadAll(io.NewSectionReader(c, 0, math.MaxInt64))
}

// copyTree copies src onto dst using only the File interface, so source and
// destination may live on different backends.
func copyTree(ctx context.Context, src, dst File, recursive bool) error {
	info, err := src.Stat(ctx)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyContent(ctx, src, dst)
	}
	if !recursive {
		return pathErr("copy", src.Pathname(), ErrIsDir)
	}
	if err := dst.CreateDir(ctx, true); err != nil {
		return err
	}
	children, err := src.ListFiles(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyTree(ctx, child, dst.Child(child.Basename()), true); err != nil {
			return err
		}
	}
	return nil
}

func copyContent(ctx context.Context, src, dst File) error {
	in, err := src.Open(ctx, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := dst.Open(ctx, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	w := &offsetWriter{w: out}
	if _, err := io.Copy(w, io.NewSectionReader(in, 0, math.MaxInt64)); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", src.Pathname(), dst.Pathname(), err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if info, err := src.Stat(ctx); err == nil {
		if err := dst.Chmod(ctx, info.Mode.Perm()); err != nil && !errors.Is(err, ErrNotSupported) {
			return err
		}
	}
	return nil
}

// offsetWriter turns a WriterAt into a sequential Writer.
type offsetWriter struct {
	w   io.WriterAt
	off int64
}

func (o *offsetWriter) Write(p []byte) (int, error) {
	n, err := o.w.WriteAt(p, o.off)
	o.off += int64(n)
	return n, err
}
