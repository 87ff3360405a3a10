package mergefs

import (
	"context"
	"io"
	"io/fs"
	"time"
)

// FileInfo represents file/directory metadata
type FileInfo struct {
	Name       string
	Path       string
	Size       int64
	Mode       fs.FileMode
	ModTime    time.Time
	AccessTime time.Time
	// ChangeTime is the last metadata change. Zero when the backend does
	// not record it.
	ChangeTime time.Time
	Owner      string
	Group      string
	// LinkTarget is set for symbolic links when the backend can read it.
	LinkTarget string
}

// IsDir reports whether the entry is a directory.
func (fi *FileInfo) IsDir() bool { return fi.Mode.IsDir() }

// IsFile reports whether the entry is a regular file.
func (fi *FileInfo) IsFile() bool { return fi.Mode.IsRegular() }

// IsLink reports whether the entry is a symbolic link. Backends that follow
// links for Mode still report them through LinkTarget.
func (fi *FileInfo) IsLink() bool { return fi.Mode&fs.ModeSymlink != 0 || fi.LinkTarget != "" }

// IsReadable, IsWritable and IsExecutable test the owner permission bits.
// They say nothing about the calling process's own access.
func (fi *FileInfo) IsReadable() bool   { return fi.Mode.Perm()&0o400 != 0 }
func (fi *FileInfo) IsWritable() bool   { return fi.Mode.Perm()&0o200 != 0 }
func (fi *FileInfo) IsExecutable() bool { return fi.Mode.Perm()&0o100 != 0 }

// FS adapts the metadata to the standard io/fs.FileInfo interface.
func (fi *FileInfo) FS() fs.FileInfo { return stdInfo{fi} }

type stdInfo struct{ fi *FileInfo }

func (s stdInfo) Name() string       { return s.fi.Name }
func (s stdInfo) Size() int64        { return s.fi.Size }
func (s stdInfo) Mode() fs.FileMode  { return s.fi.Mode }
func (s stdInfo) ModTime() time.Time { return s.fi.ModTime }
func (s stdInfo) IsDir() bool        { return s.fi.IsDir() }
func (s stdInfo) Sys() any           { return s.fi }

// ============================================================================
// Core Interfaces
// ============================================================================

// Content is an open handle on a file's bytes. All access is positional so
// several streams may share one backend without sharing a cursor.
//
// *os.File, *sftp.File and afero.File satisfy it directly.
type Content interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Truncate(size int64) error
	Stat() (fs.FileInfo, error)
}

// Filesystem hands out lazy File handles. The named file does not have to
// exist: existence is only checked by operations on the returned handle.
type Filesystem interface {
	File(name string) (File, error)
}

// File is the capability interface every backend exposes and every consumer
// of this package works against.
type File interface {
	// Filesystem returns the filesystem the handle was obtained from.
	Filesystem() Filesystem
	// Pathname returns the absolute path of the file within its filesystem.
	Pathname() string
	Basename() string
	// Extension returns the part of the basename after the last dot, without
	// the dot.
	Extension() string
	// Parent returns the containing directory, or nil for the root.
	Parent() File
	// Child returns a handle for the named entry below this directory.
	Child(name string) File

	Stat(ctx context.Context) (*FileInfo, error)
	Exists(ctx context.Context) (bool, error)
	Readlink(ctx context.Context) (string, error)
	Chmod(ctx context.Context, mode fs.FileMode) error
	Chown(ctx context.Context, owner, group string) error
	// Chtimes sets access and modification times.
	Chtimes(ctx context.Context, atime, mtime time.Time) error
	// Touch creates the file when it is missing and sets its times. Zero
	// times mean now; a zero atime takes the value of mtime.
	Touch(ctx context.Context, mtime, atime time.Time) error

	// Delete removes the file or directory. Non-empty directories need
	// recursive. With force a missing target is not an error.
	Delete(ctx context.Context, recursive, force bool) error
	CopyTo(ctx context.Context, dst File, recursive bool) error
	MoveTo(ctx context.Context, dst File) error
	CreateDir(ctx context.Context, parents bool) error
	CreateFile(ctx context.Context, parents bool) error

	Contents(ctx context.Context) ([]byte, error)
	SetContents(ctx context.Context, data []byte) error
	AppendContents(ctx context.Context, data []byte) error
	Truncate(ctx context.Context, size int64) error
	// Open returns a positional handle. flag takes the os.O_* values.
	Open(ctx context.Context, flag int) (Content, error)
	ListFiles(ctx context.Context) ([]File, error)
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================
// Use type assertion to check if a file or content handle supports a
// capability:
//
//	if locker, ok := content.(CanLock); ok {
//	    locker.Lock(LockExclusive)
//	}

// CanPublicURL indicates the file can be reached over a public URL.
type CanPublicURL interface {
	PublicURL() (string, error)
}

// CanLock indicates an open Content supports advisory locks.
type CanLock interface {
	// Lock acquires a shared or exclusive lock. With LockNonBlocking set a
	// conflicting lock returns ErrLocked instead of waiting.
	Lock(mode LockMode) error
	Unlock() error
}

// CanSync indicates an open Content can commit its data to stable storage.
type CanSync interface {
	Sync() error
}

// ============================================================================
// Checksum
// ============================================================================

// ChecksumAlgorithm represents a supported checksum algorithm
type ChecksumAlgorithm string

const (
	// ChecksumMD5 is the MD5 hash algorithm (128-bit, fast but not cryptographically secure)
	ChecksumMD5 ChecksumAlgorithm = "md5"
	// ChecksumSHA1 is the SHA-1 hash algorithm (160-bit, legacy)
	ChecksumSHA1 ChecksumAlgorithm = "sha1"
	// ChecksumSHA256 is the SHA-256 hash algorithm (256-bit, recommended)
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
	// ChecksumSHA512 is the SHA-512 hash algorithm (512-bit)
	ChecksumSHA512 ChecksumAlgorithm = "sha512"
	// ChecksumCRC32 is the CRC32 checksum (32-bit, for integrity only)
	ChecksumCRC32 ChecksumAlgorithm = "crc32"
	// ChecksumXXHash is the xxHash algorithm (64-bit, extremely fast)
	ChecksumXXHash ChecksumAlgorithm = "xxhash"
)

// ============================================================================
// File Watching Interface (ChangeToken Pattern)
// ============================================================================

// ChangeToken represents a change notification token.
//
// Consumers can either poll HasChanged() or register a callback via
// RegisterChangeCallback(). ActiveChangeCallbacks() tells which approach is
// cheaper for the underlying implementation.
type ChangeToken interface {
	// HasChanged returns true if a change has occurred.
	// Once true, it remains true (tokens are single-use).
	HasChanged() bool

	// ActiveChangeCallbacks indicates if the token proactively raises callbacks.
	ActiveChangeCallbacks() bool

	// RegisterChangeCallback registers a callback to be invoked when change occurs.
	// Returns a function to unregister the callback.
	RegisterChangeCallback(callback func()) (unregister func())
}
