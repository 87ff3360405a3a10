package mergefs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"math"
	"os"
	"time"
)

// ============================================================================
// Read-only Driver Decorator
// ============================================================================

// ReadOnlyOptions configures the read-only decorator.
type ReadOnlyOptions struct {
	// AllowCreateDir permits directory creation even in read-only mode.
	// Default: false
	AllowCreateDir bool

	// AllowDelete permits removal in read-only mode.
	// Default: false
	AllowDelete bool

	// OnWriteAttempt is called when a write operation is attempted.
	// If it returns nil, the write is allowed.
	OnWriteAttempt func(op, path string) error

	// ErrorWrapper customizes the error returned for refused writes.
	// If nil, a PathError containing ErrReadOnly is returned.
	ErrorWrapper func(op, path string, err error) error
}

// ReadOnlyOption is a functional option for configuring ReadOnly.
type ReadOnlyOption func(*ReadOnlyOptions)

// WithAllowCreateDir allows directory creation in read-only mode.
func WithAllowCreateDir(allow bool) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.AllowCreateDir = allow
	}
}

// WithAllowDelete allows removal in read-only mode.
func WithAllowDelete(allow bool) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.AllowDelete = allow
	}
}

// WithWriteAttemptHandler sets a custom handler for write attempts.
func WithWriteAttemptHandler(handler func(op, path string) error) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.OnWriteAttempt = handler
	}
}

// WithErrorWrapper sets a custom error wrapper for write attempts.
func WithErrorWrapper(wrapper func(op, path string, err error) error) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.ErrorWrapper = wrapper
	}
}

// ReadOnly wraps a Driver so that every mutating primitive fails with
// ErrReadOnly unless configured otherwise.
//
// Example:
//
//	fs := mergefs.NewFilesystem(mergefs.ReadOnly(local.New("/srv/archive")), cfg)
//	table.Mount("/archive", fs)
func ReadOnly(d Driver, opts ...ReadOnlyOption) Driver {
	options := ReadOnlyOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return &readOnlyDriver{driver: d, opts: options}
}

type readOnlyDriver struct {
	driver Driver
	opts   ReadOnlyOptions
}

var (
	_ Driver      = (*readOnlyDriver)(nil)
	_ CanReadlink = (*readOnlyDriver)(nil)
	_ CanChecksum = (*readOnlyDriver)(nil)
	_ CanWatch    = (*readOnlyDriver)(nil)
)

// Unwrap returns the underlying Driver.
func (r *readOnlyDriver) Unwrap() Driver { return r.driver }

// IsReadOnly returns true.
func (r *readOnlyDriver) IsReadOnly() bool { return true }

// readOnlyError returns the error for a write operation, or nil when the
// write attempt handler lets it through.
func (r *readOnlyDriver) readOnlyError(op, path string) error {
	if r.opts.OnWriteAttempt != nil {
		if err := r.opts.OnWriteAttempt(op, path); err != nil {
			if r.opts.ErrorWrapper != nil {
				return r.opts.ErrorWrapper(op, path, err)
			}
			return &PathError{Op: op, Path: path, Err: err}
		}
		return nil
	}

	if r.opts.ErrorWrapper != nil {
		return r.opts.ErrorWrapper(op, path, ErrReadOnly)
	}
	return &PathError{Op: op, Path: path, Err: ErrReadOnly}
}

func (r *readOnlyDriver) Stat(ctx context.Context, name string) (*FileInfo, error) {
	return r.driver.Stat(ctx, name)
}

func (r *readOnlyDriver) ReadDir(ctx context.Context, name string) ([]FileInfo, error) {
	return r.driver.ReadDir(ctx, name)
}

func (r *readOnlyDriver) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (Content, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC) == 0 {
		c, err := r.driver.OpenFile(ctx, name, flag, perm)
		if err != nil {
			return nil, err
		}
		return &readOnlyContent{Content: c, name: name, ro: r}, nil
	}
	if err := r.readOnlyError("open", name); err != nil {
		return nil, err
	}
	return r.driver.OpenFile(ctx, name, flag, perm)
}

func (r *readOnlyDriver) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	if !r.opts.AllowCreateDir {
		if err := r.readOnlyError("mkdir", name); err != nil {
			return err
		}
	}
	return r.driver.Mkdir(ctx, name, perm)
}

func (r *readOnlyDriver) Remove(ctx context.Context, name string) error {
	if !r.opts.AllowDelete {
		if err := r.readOnlyError("remove", name); err != nil {
			return err
		}
	}
	return r.driver.Remove(ctx, name)
}

func (r *readOnlyDriver) Rename(ctx context.Context, oldname, newname string) error {
	if err := r.readOnlyError("rename", oldname); err != nil {
		return err
	}
	return r.driver.Rename(ctx, oldname, newname)
}

func (r *readOnlyDriver) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	if err := r.readOnlyError("chmod", name); err != nil {
		return err
	}
	return r.driver.Chmod(ctx, name, mode)
}

func (r *readOnlyDriver) Chtimes(ctx context.Context, name string, atime, mtime time.Time) error {
	if err := r.readOnlyError("chtimes", name); err != nil {
		return err
	}
	return r.driver.Chtimes(ctx, name, atime, mtime)
}

func (r *readOnlyDriver) Readlink(ctx context.Context, name string) (string, error) {
	if rl, ok := r.driver.(CanReadlink); ok {
		return rl.Readlink(ctx, name)
	}
	return "", &PathError{Op: "readlink", Path: name, Err: ErrNotSupported}
}

func (r *readOnlyDriver) Checksum(ctx context.Context, name string, algorithm ChecksumAlgorithm) (string, error) {
	if cs, ok := r.driver.(CanChecksum); ok {
		return cs.Checksum(ctx, name, algorithm)
	}
	c, err := r.driver.OpenFile(ctx, name, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer c.Close()
	return CalculateChecksum(io.NewSectionReader(c, 0, math.MaxInt64), algorithm)
}

func (r *readOnlyDriver) Watch(ctx context.Context, pattern string) (ChangeToken, error) {
	if w, ok := r.driver.(CanWatch); ok {
		return w.Watch(ctx, pattern)
	}
	return CancelledChangeToken{}, nil
}

// readOnlyContent refuses writes on a handle opened for reading.
type readOnlyContent struct {
	Content
	name string
	ro   *readOnlyDriver
}

func (c *readOnlyContent) WriteAt(p []byte, off int64) (int, error) {
	if err := c.ro.readOnlyError("write", c.name); err != nil {
		return 0, err
	}
	return c.Content.WriteAt(p, off)
}

func (c *readOnlyContent) Truncate(size int64) error {
	if err := c.ro.readOnlyError("truncate", c.name); err != nil {
		return err
	}
	return c.Content.Truncate(size)
}

// Lock passes shared locks through and refuses exclusive ones.
func (c *readOnlyContent) Lock(mode LockMode) error {
	l, ok := c.Content.(CanLock)
	if !ok {
		return &PathError{Op: "lock", Path: c.name, Err: ErrNotSupported}
	}
	if mode.Kind() == LockExclusive {
		if err := c.ro.readOnlyError("lock", c.name); err != nil {
			return err
		}
	}
	return l.Lock(mode)
}

func (c *readOnlyContent) Unlock() error {
	if l, ok := c.Content.(CanLock); ok {
		return l.Unlock()
	}
	return nil
}

// IsReadOnlyError checks if an error is due to read-only restrictions.
func IsReadOnlyError(err error) bool {
	return errors.Is(err, ErrReadOnly)
}
