// Package zip serves the contents of a ZIP archive as a read-only
// mergefs driver.
package zip

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/mergefs"
)

// Adapter is a read-only mergefs.Driver over a ZIP archive.
type Adapter struct {
	mu      sync.Mutex
	reader  *zip.Reader
	closer  io.Closer
	entries map[string]*zipEntry
	modTime time.Time
}

// zipEntry represents a file or directory in the archive. Directories
// without their own archive record are synthesized from member paths.
type zipEntry struct {
	file     *zip.File
	isDir    bool
	children map[string]struct{}
}

// Open opens an archive on the local filesystem.
func Open(zipPath string) (*Adapter, error) {
	rc, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	a := newAdapter(&rc.Reader)
	a.closer = rc
	if info, err := os.Stat(zipPath); err == nil {
		a.modTime = info.ModTime()
	}
	return a, nil
}

// NewReader serves an archive read from r, which holds size bytes.
func NewReader(r io.ReaderAt, size int64) (*Adapter, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read zip: %w", err)
	}
	return newAdapter(zr), nil
}

// NewFS opens the archive at the base path of cfg.
func NewFS(cfg mergefs.Config) (*mergefs.DriverFS, error) {
	a, err := Open(archivePath(cfg))
	if err != nil {
		return nil, err
	}
	return mergefs.NewFilesystem(a, cfg), nil
}

func archivePath(cfg mergefs.Config) string {
	p := strings.TrimSuffix(cfg.BasePath(), "/")
	if p == "" {
		return "/"
	}
	return p
}

func newAdapter(zr *zip.Reader) *Adapter {
	a := &Adapter{
		reader:  zr,
		entries: map[string]*zipEntry{"/": {isDir: true, children: map[string]struct{}{}}},
		modTime: time.Now(),
	}
	for _, f := range zr.File {
		name := normalizePath(f.Name)
		if name == "/" {
			continue
		}
		e := a.ensureDir(name)
		if !strings.HasSuffix(f.Name, "/") && !f.FileInfo().IsDir() {
			e.isDir = false
			e.children = nil
		}
		e.file = f
	}
	return a
}

// ensureDir registers name and every ancestor, returning the entry of name.
func (a *Adapter) ensureDir(name string) *zipEntry {
	if e, ok := a.entries[name]; ok {
		return e
	}
	e := &zipEntry{isDir: true, children: map[string]struct{}{}}
	a.entries[name] = e
	parent := a.ensureDir(path.Dir(name))
	if parent.children != nil {
		parent.children[path.Base(name)] = struct{}{}
	}
	return e
}

// normalizePath maps an archive member name onto an absolute driver name.
func normalizePath(p string) string {
	return path.Clean("/" + strings.TrimSuffix(p, "/"))
}

// Close releases the archive file when the adapter opened it.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

func (a *Adapter) lookup(op, name string) (*zipEntry, error) {
	e, ok := a.entries[path.Clean("/"+name)]
	if !ok {
		return nil, &mergefs.PathError{Op: op, Path: name, Err: mergefs.ErrNotExist}
	}
	return e, nil
}

func (a *Adapter) info(name string, e *zipEntry) *mergefs.FileInfo {
	fi := &mergefs.FileInfo{
		Name:    path.Base(name),
		Path:    name,
		Mode:    fs.ModeDir | 0o555,
		ModTime: a.modTime,
	}
	if e.file != nil {
		fi.ModTime = e.file.Modified
		if !e.isDir {
			fi.Size = int64(e.file.UncompressedSize64)
			fi.Mode = e.file.Mode().Perm() & 0o555
			if fi.Mode == 0 {
				fi.Mode = 0o444
			}
		}
	}
	fi.AccessTime = fi.ModTime
	return fi
}

func (a *Adapter) Stat(ctx context.Context, name string) (*mergefs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := a.lookup("stat", name)
	if err != nil {
		return nil, err
	}
	return a.info(path.Clean("/"+name), e), nil
}

func (a *Adapter) ReadDir(ctx context.Context, name string) ([]mergefs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := a.lookup("readdir", name)
	if err != nil {
		return nil, err
	}
	if !e.isDir {
		return nil, &mergefs.PathError{Op: "readdir", Path: name, Err: mergefs.ErrNotDir}
	}

	names := make([]string, 0, len(e.children))
	for child := range e.children {
		names = append(names, child)
	}
	sort.Strings(names)

	dir := path.Clean("/" + name)
	infos := make([]mergefs.FileInfo, 0, len(names))
	for _, child := range names {
		full := path.Join(dir, child)
		infos = append(infos, *a.info(full, a.entries[full]))
	}
	return infos, nil
}

// OpenFile decompresses the member into memory. Archive members are not
// seekable so positional reads need the whole body.
func (a *Adapter) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (mergefs.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrReadOnly}
	}
	e, err := a.lookup("open", name)
	if err != nil {
		return nil, err
	}
	if e.isDir {
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrIsDir}
	}

	rc, err := e.file.Open()
	if err != nil {
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: err}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: err}
	}

	return &content{
		Reader: bytes.NewReader(data),
		name:   name,
		info:   a.info(path.Clean("/"+name), e),
	}, nil
}

func (a *Adapter) readOnly(op, name string) error {
	return &mergefs.PathError{Op: op, Path: name, Err: mergefs.ErrReadOnly}
}

func (a *Adapter) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	return a.readOnly("mkdir", name)
}

func (a *Adapter) Remove(ctx context.Context, name string) error {
	return a.readOnly("remove", name)
}

func (a *Adapter) Rename(ctx context.Context, oldname, newname string) error {
	return a.readOnly("rename", oldname)
}

func (a *Adapter) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	return a.readOnly("chmod", name)
}

func (a *Adapter) Chtimes(ctx context.Context, name string, atime, mtime time.Time) error {
	return a.readOnly("chtimes", name)
}

// Checksum implements mergefs.CanChecksum. CRC-32 comes straight from the
// archive directory; other algorithms hash the decompressed body.
func (a *Adapter) Checksum(ctx context.Context, name string, algorithm mergefs.ChecksumAlgorithm) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e, err := a.lookup("checksum", name)
	if err != nil {
		return "", err
	}
	if e.isDir {
		return "", &mergefs.PathError{Op: "checksum", Path: name, Err: mergefs.ErrIsDir}
	}
	if algorithm == mergefs.ChecksumCRC32 {
		return fmt.Sprintf("%08x", e.file.CRC32), nil
	}

	rc, err := e.file.Open()
	if err != nil {
		return "", &mergefs.PathError{Op: "checksum", Path: name, Err: err}
	}
	defer rc.Close()
	sum, err := mergefs.CalculateChecksum(rc, algorithm)
	if err != nil {
		return "", &mergefs.PathError{Op: "checksum", Path: name, Err: err}
	}
	return sum, nil
}

// content is a decompressed archive member.
type content struct {
	*bytes.Reader
	name string
	info *mergefs.FileInfo
}

func (c *content) WriteAt(p []byte, off int64) (int, error) {
	return 0, &mergefs.PathError{Op: "write", Path: c.name, Err: mergefs.ErrReadOnly}
}

func (c *content) Truncate(size int64) error {
	return &mergefs.PathError{Op: "truncate", Path: c.name, Err: mergefs.ErrReadOnly}
}

func (c *content) Stat() (fs.FileInfo, error) { return c.info.FS(), nil }

func (c *content) Close() error { return nil }

var (
	_ mergefs.Driver      = (*Adapter)(nil)
	_ mergefs.CanChecksum = (*Adapter)(nil)
	_ mergefs.Content     = (*content)(nil)
)
