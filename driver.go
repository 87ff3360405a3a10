package mergefs

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
	"time"
)

// Driver is the small, path-addressed primitive set a storage backend
// implements. NewFilesystem lifts a Driver into the full File interface.
//
// Every name passed to a Driver is absolute and cleaned ("/", "/a/b").
// Errors should wrap the sentinels of this package so callers can test them
// with errors.Is; TranslateError does that for io/fs and syscall errors.
type Driver interface {
	Stat(ctx context.Context, name string) (*FileInfo, error)
	// ReadDir lists the entries of a directory sorted by name.
	ReadDir(ctx context.Context, name string) ([]FileInfo, error)
	// OpenFile opens or creates a file. flag takes the os.O_* values;
	// O_CREATE with a missing parent fails with ErrNotExist and opening a
	// directory fails with ErrIsDir.
	OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (Content, error)
	Mkdir(ctx context.Context, name string, perm fs.FileMode) error
	// Remove deletes a file or an empty directory.
	Remove(ctx context.Context, name string) error
	Rename(ctx context.Context, oldname, newname string) error
	Chmod(ctx context.Context, name string, mode fs.FileMode) error
	Chtimes(ctx context.Context, name string, atime, mtime time.Time) error
}

// ============================================================================
// Optional Driver Capabilities
// ============================================================================
// These interfaces allow drivers to expose optional capabilities:
//
//	if copier, ok := driver.(CanCopy); ok {
//	    copier.Copy(ctx, src, dst)
//	}

// CanCopy indicates the driver supports native copy operations.
// Native copy is more efficient than read+write for same-backend operations.
type CanCopy interface {
	Copy(ctx context.Context, src, dst string) error
}

// CanChown indicates the driver can change file ownership.
type CanChown interface {
	Chown(ctx context.Context, name, owner, group string) error
}

// CanReadlink indicates the driver understands symbolic links.
type CanReadlink interface {
	Readlink(ctx context.Context, name string) (string, error)
}

// CanChecksum indicates the driver can compute checksums without streaming
// the content through the caller.
type CanChecksum interface {
	Checksum(ctx context.Context, name string, algorithm ChecksumAlgorithm) (string, error)
}

// CanWatch indicates the filesystem supports file change notifications.
//
// Example:
//
//	if watcher, ok := driver.(CanWatch); ok {
//	    token, err := watcher.Watch(ctx, "**/*.json")
//	    ...
//	}
type CanWatch interface {
	// Watch creates a change token for the specified glob pattern.
	// The token signals when any matching file is created, modified, or deleted.
	Watch(ctx context.Context, pattern string) (ChangeToken, error)
}

// TranslateError maps io/fs and syscall errors returned by OS-like backends
// onto the sentinels of this package and wraps the result in a PathError.
// Errors already carrying a sentinel are wrapped unchanged.
func TranslateError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var kind error
	switch {
	case errors.Is(err, syscall.ENOTEMPTY):
		kind = ErrNotEmpty
	case errors.Is(err, syscall.ENOTDIR):
		kind = ErrNotDir
	case errors.Is(err, syscall.EISDIR):
		kind = ErrIsDir
	case errors.Is(err, syscall.EWOULDBLOCK):
		kind = ErrLocked
	case errors.Is(err, fs.ErrNotExist):
		kind = ErrNotExist
	case errors.Is(err, fs.ErrExist):
		kind = ErrExist
	case errors.Is(err, fs.ErrPermission):
		kind = ErrPermission
	default:
		var pe *PathError
		if errors.As(err, &pe) {
			return err
		}
		return &PathError{Op: op, Path: name, Err: err}
	}
	return &PathError{Op: op, Path: name, Err: kind}
}
