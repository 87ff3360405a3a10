package memory

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/mergefs"
	"github.com/gobwas/glob"
	"github.com/google/btree"
)

// node is a file or directory. Nodes are kept in a btree ordered by path so
// the children of a directory are a contiguous, sorted range.
type node struct {
	name    string
	dir     bool
	data    []byte
	mode    fs.FileMode
	modTime time.Time
	atime   time.Time
	owner   string
	group   string

	// advisory lock shared by every handle on the node
	lock sync.RWMutex
}

func (n *node) info() *mergefs.FileInfo {
	mode := n.mode
	if n.dir {
		mode |= fs.ModeDir
	}
	return &mergefs.FileInfo{
		Name:       path.Base(n.name),
		Path:       n.name,
		Size:       int64(len(n.data)),
		Mode:       mode,
		ModTime:    n.modTime,
		AccessTime: n.atime,
		Owner:      n.owner,
		Group:      n.group,
	}
}

func byName(a, b *node) bool { return a.name < b.name }

// watchEntry represents a single watch subscription
type watchEntry struct {
	pattern glob.Glob
	token   *mergefs.CallbackChangeToken
}

// Adapter is an in-memory mergefs.Driver.
// Useful for testing and as a scratch root mount.
type Adapter struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[*node]
	maxSize int64 // Maximum total storage size (0 = unlimited)
	size    int64 // Current total size

	// Watch support
	watchMu sync.RWMutex
	watches []*watchEntry
}

// Config holds configuration for the memory adapter
type Config struct {
	// MaxSize is the maximum total storage size in bytes (0 = unlimited)
	MaxSize int64
}

// New creates a new in-memory driver
func New(cfg ...Config) *Adapter {
	var maxSize int64
	if len(cfg) > 0 {
		maxSize = cfg[0].MaxSize
	}

	a := &Adapter{
		tree:    btree.NewG[*node](16, byName),
		maxSize: maxSize,
	}
	a.Clear()
	return a
}

// NewFS returns a mergefs filesystem over a new in-memory driver.
func NewFS(cfg ...Config) *mergefs.DriverFS {
	return mergefs.NewFilesystem(New(cfg...), mergefs.DefaultConfig())
}

// Clear removes all files and directories.
// Useful for testing cleanup
func (a *Adapter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.tree.Clear(false)
	a.tree.ReplaceOrInsert(&node{name: "/", dir: true, mode: 0o755, modTime: now, atime: now})
	a.size = 0
}

// Size returns the current total size of all stored files
func (a *Adapter) Size() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

// FileCount returns the number of regular files stored
func (a *Adapter) FileCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	count := 0
	a.tree.Ascend(func(n *node) bool {
		if !n.dir {
			count++
		}
		return true
	})
	return count
}

// get must be called with lock held.
func (a *Adapter) get(name string) (*node, bool) {
	return a.tree.Get(&node{name: name})
}

// children calls fn for every direct child of dir. Must be called with lock
// held.
func (a *Adapter) children(dir string, fn func(*node) bool) {
	prefix := dir
	if dir != "/" {
		prefix = dir + "/"
	}
	a.tree.AscendGreaterOrEqual(&node{name: prefix}, func(n *node) bool {
		if !strings.HasPrefix(n.name, prefix) {
			return false
		}
		if n.name == prefix || strings.Contains(n.name[len(prefix):], "/") {
			return true
		}
		return fn(n)
	})
}

// subtree returns dir and every node below it. Must be called with lock
// held.
func (a *Adapter) subtree(dir string) []*node {
	nodes := []*node{}
	if n, ok := a.get(dir); ok {
		nodes = append(nodes, n)
	}
	prefix := dir + "/"
	a.tree.AscendGreaterOrEqual(&node{name: prefix}, func(n *node) bool {
		if !strings.HasPrefix(n.name, prefix) {
			return false
		}
		nodes = append(nodes, n)
		return true
	})
	return nodes
}

// parentDir returns the parent directory of name, or an error when it is
// missing or not a directory. Must be called with lock held.
func (a *Adapter) parentDir(op, name string) (*node, error) {
	parent, ok := a.get(path.Dir(name))
	if !ok {
		return nil, &mergefs.PathError{Op: op, Path: name, Err: mergefs.ErrNotExist}
	}
	if !parent.dir {
		return nil, &mergefs.PathError{Op: op, Path: name, Err: mergefs.ErrNotDir}
	}
	return parent, nil
}

func (a *Adapter) Stat(ctx context.Context, name string) (*mergefs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	n, ok := a.get(name)
	if !ok {
		return nil, &mergefs.PathError{Op: "stat", Path: name, Err: mergefs.ErrNotExist}
	}
	return n.info(), nil
}

func (a *Adapter) ReadDir(ctx context.Context, name string) ([]mergefs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	n, ok := a.get(name)
	if !ok {
		return nil, &mergefs.PathError{Op: "readdir", Path: name, Err: mergefs.ErrNotExist}
	}
	if !n.dir {
		return nil, &mergefs.PathError{Op: "readdir", Path: name, Err: mergefs.ErrNotDir}
	}

	var entries []mergefs.FileInfo
	a.children(name, func(c *node) bool {
		entries = append(entries, *c.info())
		return true
	})
	return entries, nil
}

func (a *Adapter) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (mergefs.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n, exists := a.get(name)
	switch {
	case exists && n.dir:
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrIsDir}
	case exists && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrExist}
	case !exists && flag&os.O_CREATE == 0:
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrNotExist}
	case !exists:
		if _, err := a.parentDir("open", name); err != nil {
			return nil, err
		}
		now := time.Now()
		n = &node{name: name, mode: perm.Perm(), modTime: now, atime: now}
		a.tree.ReplaceOrInsert(n)
		go a.notifyWatchers(name)
	}

	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0
	if writable && flag&os.O_TRUNC != 0 && len(n.data) > 0 {
		a.size -= int64(len(n.data))
		n.data = nil
		n.modTime = time.Now()
		go a.notifyWatchers(name)
	}

	return &handle{a: a, n: n, readable: flag&os.O_WRONLY == 0, writable: writable}, nil
}

func (a *Adapter) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.get(name); exists {
		return &mergefs.PathError{Op: "mkdir", Path: name, Err: mergefs.ErrExist}
	}
	if _, err := a.parentDir("mkdir", name); err != nil {
		return err
	}
	now := time.Now()
	a.tree.ReplaceOrInsert(&node{name: name, dir: true, mode: perm.Perm(), modTime: now, atime: now})
	go a.notifyWatchers(name)
	return nil
}

func (a *Adapter) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "/" {
		return &mergefs.PathError{Op: "remove", Path: name, Err: mergefs.ErrNotAllowed}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.get(name)
	if !ok {
		return &mergefs.PathError{Op: "remove", Path: name, Err: mergefs.ErrNotExist}
	}
	if n.dir {
		empty := true
		a.children(name, func(*node) bool {
			empty = false
			return false
		})
		if !empty {
			return &mergefs.PathError{Op: "remove", Path: name, Err: mergefs.ErrNotEmpty}
		}
	}
	a.tree.Delete(n)
	a.size -= int64(len(n.data))
	go a.notifyWatchers(name)
	return nil
}

func (a *Adapter) Rename(ctx context.Context, oldname, newname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if oldname == newname {
		return nil
	}
	if oldname == "/" || strings.HasPrefix(newname, oldname+"/") {
		return &mergefs.PathError{Op: "rename", Path: oldname, Err: mergefs.ErrInvalidName}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	src, ok := a.get(oldname)
	if !ok {
		return &mergefs.PathError{Op: "rename", Path: oldname, Err: mergefs.ErrNotExist}
	}
	if _, err := a.parentDir("rename", newname); err != nil {
		return err
	}
	if dst, exists := a.get(newname); exists {
		switch {
		case dst.dir && !src.dir:
			return &mergefs.PathError{Op: "rename", Path: newname, Err: mergefs.ErrIsDir}
		case !dst.dir && src.dir:
			return &mergefs.PathError{Op: "rename", Path: newname, Err: mergefs.ErrNotDir}
		case dst.dir && len(a.subtree(newname)) > 1:
			return &mergefs.PathError{Op: "rename", Path: newname, Err: mergefs.ErrNotEmpty}
		}
		a.tree.Delete(dst)
		a.size -= int64(len(dst.data))
	}

	moved := a.subtree(oldname)
	for _, n := range moved {
		a.tree.Delete(n)
	}
	for _, n := range moved {
		n.name = newname + strings.TrimPrefix(n.name, oldname)
		a.tree.ReplaceOrInsert(n)
	}
	src.modTime = time.Now()

	go func() {
		a.notifyWatchers(oldname)
		a.notifyWatchers(newname)
	}()
	return nil
}

func (a *Adapter) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	return a.update(ctx, "chmod", name, func(n *node) {
		n.mode = mode.Perm()
	})
}

func (a *Adapter) Chtimes(ctx context.Context, name string, atime, mtime time.Time) error {
	return a.update(ctx, "chtimes", name, func(n *node) {
		n.atime = atime
		n.modTime = mtime
	})
}

// Chown implements mergefs.CanChown. Owners are stored as given.
func (a *Adapter) Chown(ctx context.Context, name, owner, group string) error {
	return a.update(ctx, "chown", name, func(n *node) {
		if owner != "" {
			n.owner = owner
		}
		if group != "" {
			n.group = group
		}
	})
}

func (a *Adapter) update(ctx context.Context, op, name string, fn func(*node)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.get(name)
	if !ok {
		return &mergefs.PathError{Op: op, Path: name, Err: mergefs.ErrNotExist}
	}
	fn(n)
	return nil
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Copy implements mergefs.CanCopy for in-memory file copying.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	srcNode, exists := a.get(src)
	if !exists {
		return &mergefs.PathError{Op: "copy", Path: src, Err: mergefs.ErrNotExist}
	}
	if srcNode.dir {
		return &mergefs.PathError{Op: "copy", Path: src, Err: mergefs.ErrIsDir}
	}
	if _, err := a.parentDir("copy", dst); err != nil {
		return err
	}

	var replaced int64
	if dstNode, exists := a.get(dst); exists {
		if dstNode.dir {
			return &mergefs.PathError{Op: "copy", Path: dst, Err: mergefs.ErrIsDir}
		}
		replaced = int64(len(dstNode.data))
	}
	if a.maxSize > 0 && a.size-replaced+int64(len(srcNode.data)) > a.maxSize {
		return &mergefs.PathError{Op: "copy", Path: dst, Err: mergefs.ErrInvalidSize}
	}

	now := time.Now()
	a.tree.ReplaceOrInsert(&node{
		name:    dst,
		data:    bytes.Clone(srcNode.data),
		mode:    srcNode.mode,
		modTime: now,
		atime:   now,
		owner:   srcNode.owner,
		group:   srcNode.group,
	})
	a.size += int64(len(srcNode.data)) - replaced

	go a.notifyWatchers(dst)
	return nil
}

// Checksum implements mergefs.CanChecksum for in-memory files.
func (a *Adapter) Checksum(ctx context.Context, name string, algorithm mergefs.ChecksumAlgorithm) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	n, exists := a.get(name)
	if !exists {
		return "", &mergefs.PathError{Op: "checksum", Path: name, Err: mergefs.ErrNotExist}
	}
	if n.dir {
		return "", &mergefs.PathError{Op: "checksum", Path: name, Err: mergefs.ErrIsDir}
	}

	checksum, err := mergefs.CalculateChecksum(bytes.NewReader(n.data), algorithm)
	if err != nil {
		return "", &mergefs.PathError{Op: "checksum", Path: name, Err: err}
	}
	return checksum, nil
}

// ============================================================================
// Watcher Implementation
// ============================================================================

// Watch implements mergefs.CanWatch. Patterns are matched against paths
// without the leading slash and support "**/*.txt", "*.json", "config/*".
func (a *Adapter) Watch(ctx context.Context, pattern string) (mergefs.ChangeToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g, err := glob.Compile(strings.TrimPrefix(pattern, "/"), '/')
	if err != nil {
		return nil, &mergefs.PathError{Op: "watch", Path: pattern, Err: err}
	}

	token := mergefs.NewCallbackChangeToken()

	a.watchMu.Lock()
	a.watches = append(a.watches, &watchEntry{pattern: g, token: token})
	a.watchMu.Unlock()

	// Clean up when context is cancelled
	go func() {
		<-ctx.Done()
		a.removeWatch(token)
	}()

	return token, nil
}

// notifyWatchers signals all watchers whose pattern matches the given path
func (a *Adapter) notifyWatchers(name string) {
	rel := strings.TrimPrefix(name, "/")

	a.watchMu.RLock()
	defer a.watchMu.RUnlock()

	for _, entry := range a.watches {
		if entry.pattern.Match(rel) {
			entry.token.SignalChange()
		}
	}
}

// removeWatch removes a watch entry by token
func (a *Adapter) removeWatch(token *mergefs.CallbackChangeToken) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()

	for i, entry := range a.watches {
		if entry.token == token {
			a.watches[i] = a.watches[len(a.watches)-1]
			a.watches = a.watches[:len(a.watches)-1]
			return
		}
	}
}

// ============================================================================
// Content handle
// ============================================================================

// handle is an open file. Reads and writes go straight to the node under
// the adapter lock.
type handle struct {
	a        *Adapter
	n        *node
	readable bool
	writable bool
	closed   bool
	held     mergefs.LockMode
}

func (h *handle) check(op string, write bool) error {
	switch {
	case h.closed:
		return &mergefs.PathError{Op: op, Path: h.n.name, Err: os.ErrClosed}
	case write && !h.writable, !write && !h.readable:
		return &mergefs.PathError{Op: op, Path: h.n.name, Err: mergefs.ErrPermission}
	}
	return nil
}

func (h *handle) ReadAt(p []byte, off int64) (int, error) {
	if err := h.check("read", false); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, &mergefs.PathError{Op: "read", Path: h.n.name, Err: mergefs.ErrInvalidOffset}
	}

	h.a.mu.RLock()
	defer h.a.mu.RUnlock()

	if off >= int64(len(h.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.n.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *handle) WriteAt(p []byte, off int64) (int, error) {
	if err := h.check("write", true); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, &mergefs.PathError{Op: "write", Path: h.n.name, Err: mergefs.ErrInvalidOffset}
	}

	h.a.mu.Lock()
	defer h.a.mu.Unlock()

	end := off + int64(len(p))
	if grow := end - int64(len(h.n.data)); grow > 0 {
		if h.a.maxSize > 0 && h.a.size+grow > h.a.maxSize {
			return 0, &mergefs.PathError{Op: "write", Path: h.n.name, Err: mergefs.ErrInvalidSize}
		}
		h.n.data = append(h.n.data, make([]byte, grow)...)
		h.a.size += grow
	}
	copy(h.n.data[off:], p)
	h.n.modTime = time.Now()

	go h.a.notifyWatchers(h.n.name)
	return len(p), nil
}

func (h *handle) Truncate(size int64) error {
	if err := h.check("truncate", true); err != nil {
		return err
	}
	if size < 0 {
		return &mergefs.PathError{Op: "truncate", Path: h.n.name, Err: mergefs.ErrInvalidSize}
	}

	h.a.mu.Lock()
	defer h.a.mu.Unlock()

	cur := int64(len(h.n.data))
	switch {
	case size < cur:
		h.n.data = h.n.data[:size:size]
	case size > cur:
		if h.a.maxSize > 0 && h.a.size+size-cur > h.a.maxSize {
			return &mergefs.PathError{Op: "truncate", Path: h.n.name, Err: mergefs.ErrInvalidSize}
		}
		h.n.data = append(h.n.data, make([]byte, size-cur)...)
	}
	h.a.size += size - cur
	h.n.modTime = time.Now()

	go h.a.notifyWatchers(h.n.name)
	return nil
}

func (h *handle) Stat() (fs.FileInfo, error) {
	h.a.mu.RLock()
	defer h.a.mu.RUnlock()
	return h.n.info().FS(), nil
}

// Lock implements mergefs.CanLock with the node's RWMutex, so locks are
// shared by every handle opened on the same file.
func (h *handle) Lock(mode mergefs.LockMode) error {
	if h.closed {
		return &mergefs.PathError{Op: "lock", Path: h.n.name, Err: os.ErrClosed}
	}
	kind := mode.Kind()
	if h.held == kind {
		return nil
	}
	if err := h.Unlock(); err != nil {
		return err
	}

	exclusive := kind == mergefs.LockExclusive
	switch {
	case mode.NonBlocking() && exclusive:
		if !h.n.lock.TryLock() {
			return &mergefs.PathError{Op: "lock", Path: h.n.name, Err: mergefs.ErrLocked}
		}
	case mode.NonBlocking():
		if !h.n.lock.TryRLock() {
			return &mergefs.PathError{Op: "lock", Path: h.n.name, Err: mergefs.ErrLocked}
		}
	case exclusive:
		h.n.lock.Lock()
	default:
		h.n.lock.RLock()
	}
	h.held = kind
	return nil
}

func (h *handle) Unlock() error {
	switch h.held {
	case mergefs.LockExclusive:
		h.n.lock.Unlock()
	case mergefs.LockShared:
		h.n.lock.RUnlock()
	}
	h.held = 0
	return nil
}

func (h *handle) Close() error {
	if h.closed {
		return nil
	}
	h.Unlock()
	h.closed = true
	return nil
}

// Ensure Adapter implements interfaces
var (
	_ mergefs.Driver      = (*Adapter)(nil)
	_ mergefs.CanCopy     = (*Adapter)(nil)
	_ mergefs.CanChown    = (*Adapter)(nil)
	_ mergefs.CanChecksum = (*Adapter)(nil)
	_ mergefs.CanWatch    = (*Adapter)(nil)
	_ mergefs.Content     = (*handle)(nil)
	_ mergefs.CanLock     = (*handle)(nil)
)
