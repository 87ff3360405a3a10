package mergefs

import (
	"errors"
	"fmt"
)

// Common filesystem errors
var (
	ErrNotExist      = errors.New("file does not exist")
	ErrExist         = errors.New("file already exists")
	ErrPermission    = errors.New("permission denied")
	ErrNotDir        = errors.New("not a directory")
	ErrNotFile       = errors.New("not a regular file")
	ErrIsDir         = errors.New("is a directory")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrInvalidName   = errors.New("invalid name")
	ErrInvalidOffset = errors.New("invalid offset")
	ErrInvalidWhence = errors.New("invalid whence")
	ErrNotSupported  = errors.New("operation not supported")
	ErrNotAllowed    = errors.New("operation not allowed")
	ErrInvalidSize   = errors.New("invalid file size")
	ErrReadOnly      = errors.New("filesystem is read-only")
)

// Mount table errors
var (
	// ErrNoSuchMount is returned when no mount point matches the path
	// and no root filesystem is mounted.
	ErrNoSuchMount = errors.New("no mount point found for path")
	// ErrMountExists is returned by a strict table when mounting at an
	// existing path.
	ErrMountExists = errors.New("mount point already exists")
	// ErrEmptyMountPath is returned when the mount path is empty
	ErrEmptyMountPath = errors.New("mount path cannot be empty")
	// ErrNilFilesystem is returned when trying to mount a nil filesystem
	ErrNilFilesystem = errors.New("filesystem cannot be nil")
)

// Stream errors
var (
	ErrStreamClosed = errors.New("stream is closed")
	ErrStreamOpen   = errors.New("stream is already open")
	// ErrInvalidSeek is returned when a seek would move the cursor before
	// the start of the file.
	ErrInvalidSeek = fmt.Errorf("%w: negative position", ErrInvalidOffset)
	ErrInvalidMode = errors.New("invalid stream mode")
	// ErrLocked is returned by a non-blocking lock request that conflicts
	// with a lock held elsewhere.
	ErrLocked = errors.New("resource temporarily locked")
	// ErrUnknownWrapper is returned when a stream URL names a scheme and
	// host pair that has no registered wrapper.
	ErrUnknownWrapper = errors.New("no stream wrapper registered")
)

// PathError records an error and the operation and file path that caused it
type PathError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface
func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

func pathErr(op, path string, err error) error {
	return &PathError{Op: op, Path: path, Err: err}
}

// IsNotExist reports whether an error indicates that a file or directory
// does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsExist reports whether an error indicates that a file or directory
// already exists
func IsExist(err error) bool {
	return errors.Is(err, ErrExist)
}

// IsPermission reports whether an error indicates that permission is denied
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission) || errors.Is(err, ErrReadOnly)
}

// IsNoSuchMount reports whether an error indicates that a virtual path
// did not resolve to any mounted filesystem.
func IsNoSuchMount(err error) bool {
	return errors.Is(err, ErrNoSuchMount)
}
