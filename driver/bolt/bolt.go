// Package bolt stores a mergefs tree in a single Bolt database file.
//
// Each entry is kept under its absolute path in two buckets:
//
//	meta  /docs          : {"m":2147484141,"t":"..."}   #directory
//	meta  /docs/a.txt    : {"m":420,"t":"...","s":5}   #file
//	data  /docs/a.txt    : hello
//
// Sorting by path puts the children of a directory right after its own key,
// so listings are a cursor seek on the directory prefix.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/boltdb/bolt"
	"github.com/gobeaver/mergefs"
)

var (
	metaBucket = []byte("meta")
	dataBucket = []byte("data")
)

// DefaultFileName is the database created below the base path by the
// registered factory.
const DefaultFileName = "mergefs.bolt"

// Adapter is a mergefs.Driver backed by a Bolt database.
type Adapter struct {
	db     *bolt.DB
	ownsDB bool
}

// meta is the serialized record of one entry.
type meta struct {
	Mode  fs.FileMode `json:"m"`
	MTime time.Time   `json:"t"`
	ATime time.Time   `json:"a"`
	Size  int64       `json:"s,omitempty"`
}

// Open opens or creates the database file at dbPath.
func Open(dbPath string) (*Adapter, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	a, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.ownsDB = true
	return a, nil
}

// New prepares the buckets and the root directory on db.
func New(db *bolt.DB) (*Adapter, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		mb, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}
		if mb.Get([]byte("/")) == nil {
			now := time.Now()
			return putMeta(mb, "/", &meta{Mode: fs.ModeDir | 0o755, MTime: now, ATime: now})
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to prepare database: %w", err)
	}
	return &Adapter{db: db}, nil
}

// NewFS opens the database below the base path of cfg.
func NewFS(cfg mergefs.Config) (*mergefs.DriverFS, error) {
	a, err := Open(filepath.Join(filepath.FromSlash(cfg.BasePath()), DefaultFileName))
	if err != nil {
		return nil, err
	}
	return mergefs.NewFilesystem(a, cfg), nil
}

// DB returns the underlying database.
func (a *Adapter) DB() *bolt.DB { return a.db }

// Close closes the database when Open created it.
func (a *Adapter) Close() error {
	if !a.ownsDB {
		return nil
	}
	return a.db.Close()
}

func clean(name string) string {
	return path.Clean("/" + name)
}

// childPrefix is the key prefix shared by all descendants of dir.
func childPrefix(dir string) string {
	if dir == "/" {
		return "/"
	}
	return dir + "/"
}

func getMeta(b *bolt.Bucket, name string) (*meta, error) {
	v := b.Get([]byte(name))
	if v == nil {
		return nil, nil
	}
	m := &meta{}
	if err := json.Unmarshal(v, m); err != nil {
		return nil, fmt.Errorf("corrupt record for %s: %w", name, err)
	}
	return m, nil
}

func putMeta(b *bolt.Bucket, name string, m *meta) error {
	v, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.Put([]byte(name), v)
}

// lookup returns the record of name or ErrNotExist.
func lookup(tx *bolt.Tx, op, name string) (*meta, error) {
	m, err := getMeta(tx.Bucket(metaBucket), name)
	if err != nil {
		return nil, &mergefs.PathError{Op: op, Path: name, Err: err}
	}
	if m == nil {
		return nil, &mergefs.PathError{Op: op, Path: name, Err: mergefs.ErrNotExist}
	}
	return m, nil
}

// checkParent verifies the parent of name is an existing directory.
func checkParent(tx *bolt.Tx, op, name string) error {
	parent := path.Dir(name)
	m, err := getMeta(tx.Bucket(metaBucket), parent)
	if err != nil {
		return &mergefs.PathError{Op: op, Path: name, Err: err}
	}
	if m == nil {
		return &mergefs.PathError{Op: op, Path: name, Err: mergefs.ErrNotExist}
	}
	if !m.Mode.IsDir() {
		return &mergefs.PathError{Op: op, Path: name, Err: mergefs.ErrNotDir}
	}
	return nil
}

// eachChild calls fn for the direct children of dir in key order.
func eachChild(tx *bolt.Tx, dir string, fn func(name string, v []byte) error) error {
	prefix := []byte(childPrefix(dir))
	c := tx.Bucket(metaBucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rest := k[len(prefix):]
		if len(rest) == 0 || bytes.IndexByte(rest, '/') >= 0 {
			continue
		}
		if err := fn(string(k), v); err != nil {
			return err
		}
	}
	return nil
}

func toInfo(name string, m *meta) *mergefs.FileInfo {
	fi := &mergefs.FileInfo{
		Name:       path.Base(name),
		Path:       name,
		Size:       m.Size,
		Mode:       m.Mode,
		ModTime:    m.MTime,
		AccessTime: m.ATime,
	}
	if m.Mode.IsDir() {
		fi.Size = 0
	}
	return fi
}

func (a *Adapter) Stat(ctx context.Context, name string) (*mergefs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = clean(name)
	var fi *mergefs.FileInfo
	err := a.db.View(func(tx *bolt.Tx) error {
		m, err := lookup(tx, "stat", name)
		if err != nil {
			return err
		}
		fi = toInfo(name, m)
		return nil
	})
	return fi, err
}

func (a *Adapter) ReadDir(ctx context.Context, name string) ([]mergefs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = clean(name)
	var infos []mergefs.FileInfo
	err := a.db.View(func(tx *bolt.Tx) error {
		m, err := lookup(tx, "readdir", name)
		if err != nil {
			return err
		}
		if !m.Mode.IsDir() {
			return &mergefs.PathError{Op: "readdir", Path: name, Err: mergefs.ErrNotDir}
		}
		return eachChild(tx, name, func(child string, v []byte) error {
			cm := &meta{}
			if err := json.Unmarshal(v, cm); err != nil {
				return &mergefs.PathError{Op: "readdir", Path: child, Err: err}
			}
			infos = append(infos, *toInfo(child, cm))
			return nil
		})
	})
	return infos, err
}

func (a *Adapter) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (mergefs.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = clean(name)
	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0

	err := a.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		m, err := getMeta(mb, name)
		if err != nil {
			return &mergefs.PathError{Op: "open", Path: name, Err: err}
		}
		now := time.Now()
		switch {
		case m == nil && flag&os.O_CREATE == 0:
			return &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrNotExist}
		case m == nil:
			if err := checkParent(tx, "open", name); err != nil {
				return err
			}
			if err := tx.Bucket(dataBucket).Put([]byte(name), []byte{}); err != nil {
				return err
			}
			return putMeta(mb, name, &meta{Mode: perm.Perm(), MTime: now, ATime: now})
		case flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
			return &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrExist}
		case m.Mode.IsDir():
			return &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrIsDir}
		case writable && flag&os.O_TRUNC != 0 && m.Size > 0:
			if err := tx.Bucket(dataBucket).Put([]byte(name), []byte{}); err != nil {
				return err
			}
			m.Size = 0
			m.MTime = now
			return putMeta(mb, name, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &content{
		db:       a.db,
		name:     name,
		readable: flag&os.O_WRONLY == 0,
		writable: writable,
	}, nil
}

func (a *Adapter) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = clean(name)
	return a.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		if v := mb.Get([]byte(name)); v != nil {
			return &mergefs.PathError{Op: "mkdir", Path: name, Err: mergefs.ErrExist}
		}
		if err := checkParent(tx, "mkdir", name); err != nil {
			return err
		}
		now := time.Now()
		return putMeta(mb, name, &meta{Mode: fs.ModeDir | perm.Perm(), MTime: now, ATime: now})
	})
}

func (a *Adapter) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = clean(name)
	if name == "/" {
		return &mergefs.PathError{Op: "remove", Path: name, Err: mergefs.ErrNotAllowed}
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		m, err := lookup(tx, "remove", name)
		if err != nil {
			return err
		}
		if m.Mode.IsDir() {
			empty := true
			if err := eachChild(tx, name, func(string, []byte) error {
				empty = false
				return io.EOF
			}); err != nil && err != io.EOF {
				return err
			}
			if !empty {
				return &mergefs.PathError{Op: "remove", Path: name, Err: mergefs.ErrNotEmpty}
			}
		}
		if err := tx.Bucket(metaBucket).Delete([]byte(name)); err != nil {
			return err
		}
		return tx.Bucket(dataBucket).Delete([]byte(name))
	})
}

// Rename moves an entry and, for directories, every key below it. An
// existing file target is replaced; a directory target must be empty.
func (a *Adapter) Rename(ctx context.Context, oldname, newname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	oldname, newname = clean(oldname), clean(newname)
	if oldname == newname {
		return nil
	}
	if oldname == "/" || strings.HasPrefix(newname, oldname+"/") {
		return &mergefs.PathError{Op: "rename", Path: oldname, Err: mergefs.ErrInvalidName}
	}

	return a.db.Update(func(tx *bolt.Tx) error {
		src, err := lookup(tx, "rename", oldname)
		if err != nil {
			return err
		}
		if err := checkParent(tx, "rename", newname); err != nil {
			return err
		}
		mb, db := tx.Bucket(metaBucket), tx.Bucket(dataBucket)
		dst, err := getMeta(mb, newname)
		if err != nil {
			return err
		}
		if dst != nil {
			switch {
			case dst.Mode.IsDir() && !src.Mode.IsDir():
				return &mergefs.PathError{Op: "rename", Path: newname, Err: mergefs.ErrIsDir}
			case !dst.Mode.IsDir() && src.Mode.IsDir():
				return &mergefs.PathError{Op: "rename", Path: newname, Err: mergefs.ErrNotDir}
			case dst.Mode.IsDir():
				nonEmpty := false
				eachChild(tx, newname, func(string, []byte) error {
					nonEmpty = true
					return io.EOF
				})
				if nonEmpty {
					return &mergefs.PathError{Op: "rename", Path: newname, Err: mergefs.ErrNotEmpty}
				}
			}
		}

		keys := [][]byte{[]byte(oldname)}
		if src.Mode.IsDir() {
			prefix := []byte(childPrefix(oldname))
			c := mb.Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
		}
		for _, k := range keys {
			target := []byte(newname + strings.TrimPrefix(string(k), oldname))
			if err := moveKey(mb, k, target); err != nil {
				return err
			}
			if err := moveKey(db, k, target); err != nil {
				return err
			}
		}
		return nil
	})
}

// moveKey relocates one value inside a bucket. Missing keys are skipped.
func moveKey(b *bolt.Bucket, from, to []byte) error {
	v := b.Get(from)
	if v == nil {
		return nil
	}
	v = append([]byte(nil), v...)
	if err := b.Delete(from); err != nil {
		return err
	}
	return b.Put(to, v)
}

func (a *Adapter) update(op, name string, fn func(m *meta)) error {
	name = clean(name)
	return a.db.Update(func(tx *bolt.Tx) error {
		m, err := lookup(tx, op, name)
		if err != nil {
			return err
		}
		fn(m)
		return putMeta(tx.Bucket(metaBucket), name, m)
	})
}

func (a *Adapter) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.update("chmod", name, func(m *meta) {
		m.Mode = m.Mode&fs.ModeType | mode.Perm()
	})
}

func (a *Adapter) Chtimes(ctx context.Context, name string, atime, mtime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.update("chtimes", name, func(m *meta) {
		m.ATime = atime
		m.MTime = mtime
	})
}

// content reads and writes through to the database, one transaction per
// call, so every handle on a file observes the others' writes.
type content struct {
	db       *bolt.DB
	name     string
	readable bool
	writable bool
	closed   bool
}

func (c *content) check(op string, allowed bool) error {
	if c.closed {
		return &mergefs.PathError{Op: op, Path: c.name, Err: fs.ErrClosed}
	}
	if !allowed {
		return &mergefs.PathError{Op: op, Path: c.name, Err: mergefs.ErrPermission}
	}
	return nil
}

func (c *content) ReadAt(p []byte, off int64) (int, error) {
	if err := c.check("read", c.readable); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, &mergefs.PathError{Op: "read", Path: c.name, Err: mergefs.ErrInvalidOffset}
	}
	var n int
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(dataBucket).Get([]byte(c.name))
		if data == nil {
			return &mergefs.PathError{Op: "read", Path: c.name, Err: mergefs.ErrNotExist}
		}
		if off >= int64(len(data)) {
			return io.EOF
		}
		n = copy(p, data[off:])
		return nil
	})
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (c *content) WriteAt(p []byte, off int64) (int, error) {
	if err := c.check("write", c.writable); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, &mergefs.PathError{Op: "write", Path: c.name, Err: mergefs.ErrInvalidOffset}
	}
	err := c.modify("write", func(data []byte) []byte {
		end := off + int64(len(p))
		if end > int64(len(data)) {
			grown := make([]byte, end)
			copy(grown, data)
			data = grown
		}
		copy(data[off:], p)
		return data
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *content) Truncate(size int64) error {
	if err := c.check("truncate", c.writable); err != nil {
		return err
	}
	if size < 0 {
		return &mergefs.PathError{Op: "truncate", Path: c.name, Err: mergefs.ErrInvalidSize}
	}
	return c.modify("truncate", func(data []byte) []byte {
		if size <= int64(len(data)) {
			return data[:size]
		}
		grown := make([]byte, size)
		copy(grown, data)
		return grown
	})
}

// modify rewrites the whole value; fn receives a private copy.
func (c *content) modify(op string, fn func([]byte) []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		mb, db := tx.Bucket(metaBucket), tx.Bucket(dataBucket)
		m, err := lookup(tx, op, c.name)
		if err != nil {
			return err
		}
		data := fn(append([]byte(nil), db.Get([]byte(c.name))...))
		if err := db.Put([]byte(c.name), data); err != nil {
			return err
		}
		m.Size = int64(len(data))
		m.MTime = time.Now()
		return putMeta(mb, c.name, m)
	})
}

func (c *content) Stat() (fs.FileInfo, error) {
	var fi *mergefs.FileInfo
	err := c.db.View(func(tx *bolt.Tx) error {
		m, err := lookup(tx, "stat", c.name)
		if err != nil {
			return err
		}
		fi = toInfo(c.name, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fi.FS(), nil
}

func (c *content) Sync() error {
	return c.db.Sync()
}

func (c *content) Close() error {
	if c.closed {
		return &mergefs.PathError{Op: "close", Path: c.name, Err: fs.ErrClosed}
	}
	c.closed = true
	return nil
}

var (
	_ mergefs.Driver  = (*Adapter)(nil)
	_ mergefs.Content = (*content)(nil)
	_ mergefs.CanSync = (*content)(nil)
)
