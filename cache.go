package mergefs

import (
	"context"
	"io"
	"io/fs"
	"math"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a key/value store with per-entry expiry. Implementations must
// be safe for concurrent use.
type Cache interface {
	// Get returns the value and true when present and not expired.
	Get(key string) (any, bool)
	// Set stores value; a ttl of 0 never expires.
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	Clear()
}

// CacheStatistics counts cache lookups.
type CacheStatistics struct {
	Hits    int64
	Misses  int64
	Entries int
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry)}
}

func (c *MemoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && !e.expires.IsZero() && time.Now().After(e.expires) {
		c.Delete(key)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

func (c *MemoryCache) Set(key string, value any, ttl time.Duration) {
	e := cacheEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *MemoryCache) Stats() CacheStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStatistics{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: len(c.entries)}
}

// Cleanup drops expired entries.
func (c *MemoryCache) Cleanup() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

// ============================================================================
// Metadata caching decorator
// ============================================================================

// CacheOptions configures Cached.
type CacheOptions struct {
	// TTL of cached entries. Default: 30 seconds
	TTL time.Duration
	// Cache Stat results. Default: true
	Stat bool
	// Cache ReadDir results. Default: true
	List bool
}

// CacheOption is a functional option for configuring Cached.
type CacheOption func(*CacheOptions)

func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(o *CacheOptions) { o.TTL = ttl }
}

func WithCacheStat(enabled bool) CacheOption {
	return func(o *CacheOptions) { o.Stat = enabled }
}

func WithCacheList(enabled bool) CacheOption {
	return func(o *CacheOptions) { o.List = enabled }
}

// Cached wraps d so that Stat and ReadDir results are served from cache
// until they expire or a mutation through the wrapper touches them.
// Content is never cached. Changes made behind the wrapper's back stay
// invisible until the TTL runs out, so it suits remote backends with a
// single writer.
//
//	d := mergefs.Cached(sftpAdapter, mergefs.NewMemoryCache(),
//	    mergefs.WithCacheTTL(time.Minute))
func Cached(d Driver, cache Cache, opts ...CacheOption) Driver {
	o := CacheOptions{TTL: 30 * time.Second, Stat: true, List: true}
	for _, opt := range opts {
		opt(&o)
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &cachedDriver{driver: d, cache: cache, opts: o}
}

type cachedDriver struct {
	driver Driver
	cache  Cache
	opts   CacheOptions
}

// Unwrap returns the underlying driver.
func (c *cachedDriver) Unwrap() Driver { return c.driver }

func statKey(name string) string { return "stat:" + name }
func listKey(name string) string { return "list:" + name }

// invalidate forgets name and the listing of its parent.
func (c *cachedDriver) invalidate(name string) {
	c.cache.Delete(statKey(name))
	c.cache.Delete(listKey(name))
	c.cache.Delete(listKey(path.Dir(name)))
}

func (c *cachedDriver) Stat(ctx context.Context, name string) (*FileInfo, error) {
	if c.opts.Stat {
		if v, ok := c.cache.Get(statKey(name)); ok {
			fi := *v.(*FileInfo)
			return &fi, nil
		}
	}
	fi, err := c.driver.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	if c.opts.Stat {
		cp := *fi
		c.cache.Set(statKey(name), &cp, c.opts.TTL)
	}
	return fi, nil
}

func (c *cachedDriver) ReadDir(ctx context.Context, name string) ([]FileInfo, error) {
	if c.opts.List {
		if v, ok := c.cache.Get(listKey(name)); ok {
			return append([]FileInfo(nil), v.([]FileInfo)...), nil
		}
	}
	entries, err := c.driver.ReadDir(ctx, name)
	if err != nil {
		return nil, err
	}
	if c.opts.List {
		c.cache.Set(listKey(name), append([]FileInfo(nil), entries...), c.opts.TTL)
	}
	return entries, nil
}

func (c *cachedDriver) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (Content, error) {
	content, err := c.driver.OpenFile(ctx, name, flag, perm)
	if err != nil {
		return nil, err
	}
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC) == 0 {
		return content, nil
	}
	c.invalidate(name)
	return &cachedContent{Content: content, name: name, c: c}, nil
}

func (c *cachedDriver) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	defer c.invalidate(name)
	return c.driver.Mkdir(ctx, name, perm)
}

func (c *cachedDriver) Remove(ctx context.Context, name string) error {
	defer c.invalidate(name)
	return c.driver.Remove(ctx, name)
}

// Rename moves whole subtrees, so every entry is dropped.
func (c *cachedDriver) Rename(ctx context.Context, oldname, newname string) error {
	defer c.cache.Clear()
	return c.driver.Rename(ctx, oldname, newname)
}

func (c *cachedDriver) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	defer c.invalidate(name)
	return c.driver.Chmod(ctx, name, mode)
}

func (c *cachedDriver) Chtimes(ctx context.Context, name string, atime, mtime time.Time) error {
	defer c.invalidate(name)
	return c.driver.Chtimes(ctx, name, atime, mtime)
}

func (c *cachedDriver) Chown(ctx context.Context, name, owner, group string) error {
	cc, ok := c.driver.(CanChown)
	if !ok {
		return &PathError{Op: "chown", Path: name, Err: ErrNotSupported}
	}
	defer c.invalidate(name)
	return cc.Chown(ctx, name, owner, group)
}

func (c *cachedDriver) Copy(ctx context.Context, src, dst string) error {
	defer c.invalidate(dst)
	if cp, ok := c.driver.(CanCopy); ok {
		return cp.Copy(ctx, src, dst)
	}
	fsys := NewFilesystem(c.driver, DefaultConfig())
	return copyContent(ctx, fsys.file(src), fsys.file(dst))
}

func (c *cachedDriver) Readlink(ctx context.Context, name string) (string, error) {
	if rl, ok := c.driver.(CanReadlink); ok {
		return rl.Readlink(ctx, name)
	}
	return "", &PathError{Op: "readlink", Path: name, Err: ErrNotSupported}
}

func (c *cachedDriver) Checksum(ctx context.Context, name string, algorithm ChecksumAlgorithm) (string, error) {
	if cs, ok := c.driver.(CanChecksum); ok {
		return cs.Checksum(ctx, name, algorithm)
	}
	content, err := c.driver.OpenFile(ctx, name, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer content.Close()
	return CalculateChecksum(io.NewSectionReader(content, 0, math.MaxInt64), algorithm)
}

// Watch also drops the whole cache whenever the backend reports a change.
func (c *cachedDriver) Watch(ctx context.Context, pattern string) (ChangeToken, error) {
	w, ok := c.driver.(CanWatch)
	if !ok {
		return CancelledChangeToken{}, nil
	}
	token, err := w.Watch(ctx, pattern)
	if err != nil {
		return nil, err
	}
	token.RegisterChangeCallback(c.cache.Clear)
	return token, nil
}

// cachedContent invalidates the file's metadata on every write.
type cachedContent struct {
	Content
	name string
	c    *cachedDriver
}

func (cc *cachedContent) WriteAt(p []byte, off int64) (int, error) {
	defer cc.c.invalidate(cc.name)
	return cc.Content.WriteAt(p, off)
}

func (cc *cachedContent) Truncate(size int64) error {
	defer cc.c.invalidate(cc.name)
	return cc.Content.Truncate(size)
}

func (cc *cachedContent) Close() error {
	defer cc.c.invalidate(cc.name)
	return cc.Content.Close()
}

func (cc *cachedContent) Lock(mode LockMode) error {
	if l, ok := cc.Content.(CanLock); ok {
		return l.Lock(mode)
	}
	return &PathError{Op: "lock", Path: cc.name, Err: ErrNotSupported}
}

func (cc *cachedContent) Unlock() error {
	if l, ok := cc.Content.(CanLock); ok {
		return l.Unlock()
	}
	return nil
}

func (cc *cachedContent) Sync() error {
	if s, ok := cc.Content.(CanSync); ok {
		return s.Sync()
	}
	return nil
}
