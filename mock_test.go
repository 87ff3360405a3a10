package mergefs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// mockEntry is a file or directory of a mockDriver.
type mockEntry struct {
	dir   bool
	data  []byte
	mode  fs.FileMode
	mtime time.Time
	atime time.Time

	// exclusive lock holder, if any
	holder *mockLockingContent
}

// mockDriver is a map-backed Driver for testing.
type mockDriver struct {
	mu      sync.Mutex
	entries map[string]*mockEntry

	// handles implement CanLock
	locking bool
	// WriteAt fails with writeErr when set
	writeErr error
	// number of Unlock calls on locking handles
	unlocks int
}

func newMockDriver() *mockDriver {
	now := time.Now()
	return &mockDriver{
		entries: map[string]*mockEntry{
			"/": {dir: true, mode: 0o755, mtime: now, atime: now},
		},
	}
}

func newMockFS() *DriverFS {
	return NewFilesystem(newMockDriver(), DefaultConfig())
}

func mockOf(f *DriverFS) *mockDriver {
	return f.Driver().(*mockDriver)
}

func (d *mockDriver) info(name string, e *mockEntry) *FileInfo {
	mode := e.mode
	if e.dir {
		mode |= fs.ModeDir
	}
	return &FileInfo{
		Name:       baseName(name),
		Path:       name,
		Size:       int64(len(e.data)),
		Mode:       mode,
		ModTime:    e.mtime,
		AccessTime: e.atime,
	}
}

func (d *mockDriver) Stat(ctx context.Context, name string) (*FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[name]
	if !ok {
		return nil, pathErr("stat", name, ErrNotExist)
	}
	return d.info(name, e), nil
}

func (d *mockDriver) childNames(dir string) []string {
	var names []string
	for name := range d.entries {
		if name != "/" && path.Dir(name) == dir {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (d *mockDriver) ReadDir(ctx context.Context, name string) ([]FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[name]
	if !ok {
		return nil, pathErr("readdir", name, ErrNotExist)
	}
	if !e.dir {
		return nil, pathErr("readdir", name, ErrNotDir)
	}
	var infos []FileInfo
	for _, child := range d.childNames(name) {
		infos = append(infos, *d.info(child, d.entries[child]))
	}
	return infos, nil
}

func (d *mockDriver) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (Content, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[name]
	switch {
	case ok && e.dir:
		return nil, pathErr("open", name, ErrIsDir)
	case ok && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, pathErr("open", name, ErrExist)
	case !ok && flag&os.O_CREATE == 0:
		return nil, pathErr("open", name, ErrNotExist)
	case !ok:
		parent, found := d.entries[path.Dir(name)]
		if !found {
			return nil, pathErr("open", name, ErrNotExist)
		}
		if !parent.dir {
			return nil, pathErr("open", name, ErrNotDir)
		}
		now := time.Now()
		e = &mockEntry{mode: perm, mtime: now, atime: now}
		d.entries[name] = e
	}
	if flag&os.O_TRUNC != 0 {
		e.data = nil
	}

	c := &mockContent{
		d:        d,
		e:        e,
		name:     name,
		readable: flag&os.O_WRONLY == 0,
		writable: flag&(os.O_WRONLY|os.O_RDWR) != 0,
	}
	if d.locking {
		return &mockLockingContent{mockContent: c}, nil
	}
	return c, nil
}

func (d *mockDriver) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[name]; ok {
		return pathErr("mkdir", name, ErrExist)
	}
	parent, ok := d.entries[path.Dir(name)]
	if !ok {
		return pathErr("mkdir", name, ErrNotExist)
	}
	if !parent.dir {
		return pathErr("mkdir", name, ErrNotDir)
	}
	now := time.Now()
	d.entries[name] = &mockEntry{dir: true, mode: perm, mtime: now, atime: now}
	return nil
}

func (d *mockDriver) Remove(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[name]
	if !ok {
		return pathErr("remove", name, ErrNotExist)
	}
	if name == "/" {
		return pathErr("remove", name, ErrNotAllowed)
	}
	if e.dir && len(d.childNames(name)) > 0 {
		return pathErr("remove", name, ErrNotEmpty)
	}
	delete(d.entries, name)
	return nil
}

func (d *mockDriver) Rename(ctx context.Context, oldname, newname string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[oldname]; !ok {
		return pathErr("rename", oldname, ErrNotExist)
	}
	if _, ok := d.entries[path.Dir(newname)]; !ok {
		return pathErr("rename", newname, ErrNotExist)
	}
	for name, e := range d.entries {
		if name == oldname || strings.HasPrefix(name, oldname+"/") {
			delete(d.entries, name)
			d.entries[newname+strings.TrimPrefix(name, oldname)] = e
		}
	}
	return nil
}

func (d *mockDriver) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[name]
	if !ok {
		return pathErr("chmod", name, ErrNotExist)
	}
	e.mode = mode.Perm()
	return nil
}

func (d *mockDriver) Chtimes(ctx context.Context, name string, atime, mtime time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[name]
	if !ok {
		return pathErr("chtimes", name, ErrNotExist)
	}
	e.atime, e.mtime = atime, mtime
	return nil
}

// mockCopierDriver implements the CanCopy interface
type mockCopierDriver struct {
	*mockDriver
	copyCalled bool
}

func (m *mockCopierDriver) Copy(ctx context.Context, src, dst string) error {
	m.copyCalled = true
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[src]
	if !ok {
		return pathErr("copy", src, ErrNotExist)
	}
	m.entries[dst] = &mockEntry{data: append([]byte{}, e.data...), mode: e.mode, mtime: e.mtime, atime: e.atime}
	return nil
}

// mockContent is an open handle on a mockEntry.
type mockContent struct {
	d        *mockDriver
	e        *mockEntry
	name     string
	readable bool
	writable bool
	closed   bool
}

func (c *mockContent) ReadAt(p []byte, off int64) (int, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.closed {
		return 0, fs.ErrClosed
	}
	if !c.readable {
		return 0, pathErr("read", c.name, ErrPermission)
	}
	if off >= int64(len(c.e.data)) {
		return 0, io.EOF
	}
	n := copy(p, c.e.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (c *mockContent) WriteAt(p []byte, off int64) (int, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.closed {
		return 0, fs.ErrClosed
	}
	if !c.writable {
		return 0, pathErr("write", c.name, ErrPermission)
	}
	if c.d.writeErr != nil {
		return 0, c.d.writeErr
	}
	if end := off + int64(len(p)); end > int64(len(c.e.data)) {
		grown := make([]byte, end)
		copy(grown, c.e.data)
		c.e.data = grown
	}
	copy(c.e.data[off:], p)
	c.e.mtime = time.Now()
	return len(p), nil
}

func (c *mockContent) Truncate(size int64) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if !c.writable {
		return pathErr("truncate", c.name, ErrPermission)
	}
	grown := make([]byte, size)
	copy(grown, c.e.data)
	c.e.data = grown
	return nil
}

func (c *mockContent) Stat() (fs.FileInfo, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	return c.d.info(c.name, c.e).FS(), nil
}

func (c *mockContent) Close() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.closed {
		return errors.New("already closed")
	}
	c.closed = true
	return nil
}

// mockLockingContent adds non-blocking exclusive locks. Shared locks always
// succeed.
type mockLockingContent struct {
	*mockContent
}

func (c *mockLockingContent) Lock(mode LockMode) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.e.holder != nil && c.e.holder != c {
		return pathErr("lock", c.name, ErrLocked)
	}
	if mode.Kind() == LockExclusive {
		c.e.holder = c
	}
	return nil
}

func (c *mockLockingContent) Unlock() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.unlocks++
	if c.e.holder == c {
		c.e.holder = nil
	}
	return nil
}
