package mergefs

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamWrapper addresses the files of a MountTable by URL,
// scheme://host/virtual/path, and provides the naming and metadata calls a
// host I/O layer needs on top of Stream and DirCursor.
type StreamWrapper struct {
	scheme string
	host   string
	table  *MountTable
}

var (
	wrappers   = make(map[string]*StreamWrapper)
	wrapperMux sync.RWMutex
)

func wrapperKey(scheme, host string) string {
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

// EnableStreaming registers the table under scheme://host. An empty host is
// replaced by a random one and an empty scheme by Config.Scheme(). Enabling
// again returns the existing registration; a scheme and host pair owned by
// another table fails with ErrExist.
func (m *MountTable) EnableStreaming(host, scheme string) (*StreamWrapper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.wrapper != nil {
		return m.wrapper, nil
	}
	if scheme == "" {
		scheme = m.cfg.Scheme()
	}
	if host == "" {
		host = strings.Split(uuid.NewString(), "-")[0]
	}

	key := wrapperKey(scheme, host)

	wrapperMux.Lock()
	defer wrapperMux.Unlock()

	if existing, ok := wrappers[key]; ok && existing.table != m {
		return nil, fmt.Errorf("%w: stream wrapper %s", ErrExist, key)
	}
	w := &StreamWrapper{scheme: scheme, host: host, table: m}
	wrappers[key] = w
	m.wrapper = w

	m.logger.WithField("scheme", scheme).WithField("host", host).Info("streaming enabled")
	return w, nil
}

// DisableStreaming removes the table's registration. It reports whether
// streaming was enabled.
func (m *MountTable) DisableStreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.wrapper == nil {
		return false
	}
	w := m.wrapper
	m.wrapper = nil

	wrapperMux.Lock()
	delete(wrappers, wrapperKey(w.scheme, w.host))
	wrapperMux.Unlock()

	m.logger.WithField("scheme", w.scheme).WithField("host", w.host).Info("streaming disabled")
	return true
}

// StreamWrapper returns the registration made by EnableStreaming, or nil.
func (m *MountTable) StreamWrapper() *StreamWrapper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wrapper
}

// StreamURL returns the URL of f under the table's stream wrapper.
func (m *MountTable) StreamURL(f File) (string, error) {
	w := m.StreamWrapper()
	if w == nil {
		return "", pathErr("stream-url", f.Pathname(), ErrNotSupported)
	}
	return w.URL(f.Pathname()), nil
}

// OpenStream opens the file at virtualPath with an fopen-style mode using
// the table's buffer size, locking policy and logger.
func (m *MountTable) OpenStream(ctx context.Context, virtualPath, mode string) (*Stream, error) {
	f, err := m.GetFile(virtualPath)
	if err != nil {
		return nil, err
	}
	s := NewStream(f,
		WithBufferSize(m.cfg.BufferSize()),
		WithLockingStrict(m.strictLocking),
		WithStreamLogger(m.logger),
	)
	if err := s.Open(ctx, mode); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenDir opens a directory cursor on virtualPath.
func (m *MountTable) OpenDir(ctx context.Context, virtualPath string) (*DirCursor, error) {
	f, err := m.GetFile(virtualPath)
	if err != nil {
		return nil, err
	}
	return OpenDir(ctx, f)
}

// LookupWrapper finds the wrapper registered for the scheme and host of
// rawURL and returns it with the virtual path the URL names.
func LookupWrapper(rawURL string) (*StreamWrapper, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	key := wrapperKey(u.Scheme, u.Host)

	wrapperMux.RLock()
	w, ok := wrappers[key]
	wrapperMux.RUnlock()

	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownWrapper, key)
	}
	return w, CleanPath(u.Path), nil
}

// OpenURL opens the stream a URL names.
func OpenURL(ctx context.Context, rawURL, mode string) (*Stream, error) {
	w, _, err := LookupWrapper(rawURL)
	if err != nil {
		return nil, err
	}
	return w.OpenStream(ctx, rawURL, mode)
}

func (w *StreamWrapper) Scheme() string      { return w.scheme }
func (w *StreamWrapper) Host() string        { return w.host }
func (w *StreamWrapper) Table() *MountTable { return w.table }

// URL returns the URL of a virtual path.
func (w *StreamWrapper) URL(virtualPath string) string {
	u := url.URL{Scheme: w.scheme, Host: w.host, Path: CleanPath(virtualPath)}
	return u.String()
}

// path checks that rawURL belongs to w and returns its virtual path.
func (w *StreamWrapper) path(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if wrapperKey(u.Scheme, u.Host) != wrapperKey(w.scheme, w.host) {
		return "", fmt.Errorf("%w: %s://%s", ErrUnknownWrapper, u.Scheme, u.Host)
	}
	return CleanPath(u.Path), nil
}

func (w *StreamWrapper) file(rawURL string) (File, error) {
	p, err := w.path(rawURL)
	if err != nil {
		return nil, err
	}
	return w.table.GetFile(p)
}

// OpenStream opens the file rawURL names.
func (w *StreamWrapper) OpenStream(ctx context.Context, rawURL, mode string) (*Stream, error) {
	p, err := w.path(rawURL)
	if err != nil {
		return nil, err
	}
	return w.table.OpenStream(ctx, p, mode)
}

// OpenDir opens a directory cursor on rawURL.
func (w *StreamWrapper) OpenDir(ctx context.Context, rawURL string) (*DirCursor, error) {
	f, err := w.file(rawURL)
	if err != nil {
		return nil, err
	}
	return OpenDir(ctx, f)
}

// Mkdir creates a directory, with its missing parents when recursive.
func (w *StreamWrapper) Mkdir(ctx context.Context, rawURL string, recursive bool) error {
	f, err := w.file(rawURL)
	if err != nil {
		return err
	}
	return f.CreateDir(ctx, recursive)
}

// Rmdir removes a directory. Without recursive the directory must be
// empty.
func (w *StreamWrapper) Rmdir(ctx context.Context, rawURL string, recursive, force bool) error {
	f, err := w.file(rawURL)
	if err != nil {
		return err
	}
	info, err := f.Stat(ctx)
	if err != nil {
		if force && IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return pathErr("rmdir", f.Pathname(), ErrNotDir)
	}
	return f.Delete(ctx, recursive, force)
}

// Unlink removes a file. Directories are refused with ErrIsDir.
func (w *StreamWrapper) Unlink(ctx context.Context, rawURL string) error {
	f, err := w.file(rawURL)
	if err != nil {
		return err
	}
	info, err := f.Stat(ctx)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return pathErr("unlink", f.Pathname(), ErrIsDir)
	}
	return f.Delete(ctx, false, false)
}

// Rename moves src to dst. Both URLs must belong to w. Across mounts the
// rename is a copy followed by a delete.
func (w *StreamWrapper) Rename(ctx context.Context, srcURL, dstURL string) error {
	src, err := w.path(srcURL)
	if err != nil {
		return err
	}
	dst, err := w.path(dstURL)
	if err != nil {
		return err
	}
	return w.table.Move(ctx, src, dst)
}

// Stat returns the metadata of the file rawURL names.
func (w *StreamWrapper) Stat(ctx context.Context, rawURL string) (*FileInfo, error) {
	f, err := w.file(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Stat(ctx)
}

// Touch sets the times of a file, creating it when missing.
func (w *StreamWrapper) Touch(ctx context.Context, rawURL string, mtime, atime time.Time) error {
	f, err := w.file(rawURL)
	if err != nil {
		return err
	}
	return f.Touch(ctx, mtime, atime)
}

func (w *StreamWrapper) Chmod(ctx context.Context, rawURL string, mode fs.FileMode) error {
	f, err := w.file(rawURL)
	if err != nil {
		return err
	}
	return f.Chmod(ctx, mode)
}

func (w *StreamWrapper) Chown(ctx context.Context, rawURL, owner, group string) error {
	f, err := w.file(rawURL)
	if err != nil {
		return err
	}
	return f.Chown(ctx, owner, group)
}
