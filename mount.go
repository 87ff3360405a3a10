package mergefs

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// MountTable composes independently mounted filesystems into one virtual
// namespace. A virtual path resolves to the mount with the longest prefix
// that covers it on a segment boundary; the root mount, when present,
// catches everything else.
//
// MountTable is itself a Filesystem: File and GetFile return *MergedFile
// handles carrying their virtual pathname.
type MountTable struct {
	mu     sync.RWMutex
	mounts map[string]Filesystem
	// sorted mount paths for longest-prefix matching
	sortedPaths []string

	cfg           Config
	strict        bool
	strictLocking bool
	logger        logrus.FieldLogger
	wrapper       *StreamWrapper
}

// NewMountTable creates an empty mount table.
func NewMountTable(opts ...Option) *MountTable {
	t := &MountTable{
		mounts: make(map[string]Filesystem),
		cfg:    DefaultConfig(),
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the table configuration.
func (m *MountTable) Config() Config { return m.cfg }

// Mount attaches a filesystem at the specified virtual path and reports
// whether it replaced an earlier mount at the same path. A strict table
// refuses to replace and returns ErrMountExists.
//
// Example:
//
//	table.Mount("/", memory.NewFS())
//	table.Mount("/data", local.NewFS("/srv/data"))
//	table.Mount("/data/archive", zipFS) // nested mounts supported
func (m *MountTable) Mount(mountPath string, fs Filesystem, opts ...MountOption) (bool, error) {
	if fs == nil {
		return false, ErrNilFilesystem
	}

	mountPath = normalizeMountPath(mountPath)
	if mountPath == "" {
		return false, ErrEmptyMountPath
	}

	var o mountOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.readOnly {
		dfs, ok := fs.(*DriverFS)
		if !ok {
			return false, fmt.Errorf("%w: read-only mount needs a driver filesystem", ErrNotSupported)
		}
		fs = NewFilesystem(ReadOnly(dfs.Driver()), dfs.Config())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.mounts[mountPath]
	if exists && m.strict {
		return false, fmt.Errorf("%w: %s", ErrMountExists, mountPath)
	}

	m.mounts[mountPath] = fs
	if !exists {
		m.updateSortedPaths()
	}

	entry := m.logger.WithField("prefix", mountPath)
	if exists {
		entry.Info("replaced existing mount")
	} else {
		entry.WithField("read_only", o.readOnly).Debug("mounted filesystem")
	}
	return exists, nil
}

// Unmount removes the filesystem at the specified path. It reports whether
// a mount was removed; unmounting an unknown path is not an error.
func (m *MountTable) Unmount(mountPath string) bool {
	mountPath = normalizeMountPath(mountPath)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.mounts[mountPath]; !exists {
		return false
	}

	delete(m.mounts, mountPath)
	m.updateSortedPaths()
	m.logger.WithField("prefix", mountPath).Debug("unmounted filesystem")

	return true
}

// Mounts returns a copy of all current mount points and their filesystems.
func (m *MountTable) Mounts() map[string]Filesystem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Filesystem, len(m.mounts))
	for k, v := range m.mounts {
		result[k] = v
	}
	return result
}

// MountPaths returns all mount paths in sorted order (longest first).
func (m *MountTable) MountPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]string, len(m.sortedPaths))
	copy(result, m.sortedPaths)
	return result
}

// GetMount returns the filesystem mounted at the exact path.
func (m *MountTable) GetMount(mountPath string) (Filesystem, error) {
	mountPath = normalizeMountPath(mountPath)

	m.mu.RLock()
	defer m.mu.RUnlock()

	fs, exists := m.mounts[mountPath]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchMount, mountPath)
	}
	return fs, nil
}

// Resolve finds the mount covering virtualPath and returns its filesystem
// and the path within it, re-anchored at "/".
func (m *MountTable) Resolve(virtualPath string) (Filesystem, string, error) {
	p := CleanPath(virtualPath)

	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix, ok := m.match(p)
	if !ok {
		return nil, "", pathErr("resolve", p, ErrNoSuchMount)
	}
	return m.mounts[prefix], stripPrefix(p, prefix), nil
}

// match returns the longest mount prefix covering p. Must be called with
// lock held.
func (m *MountTable) match(p string) (string, bool) {
	for _, mountPath := range m.sortedPaths {
		if underPrefix(p, mountPath) {
			return mountPath, true
		}
	}
	return "", false
}

// GetFile returns the file at virtualPath wrapped as a *MergedFile. When no
// mount covers the path but filesystems are mounted below it, a synthetic
// read-only directory is returned so the namespace can be browsed.
func (m *MountTable) GetFile(virtualPath string) (File, error) {
	p := CleanPath(virtualPath)

	m.mu.RLock()
	prefix, ok := m.match(p)
	fs := m.mounts[prefix]
	below := !ok && m.hasMountsBelow(p)
	m.mu.RUnlock()

	if !ok {
		if below {
			return &mountPointDir{table: m, path: p}, nil
		}
		return nil, pathErr("resolve", p, ErrNoSuchMount)
	}

	real, err := fs.File(stripPrefix(p, prefix))
	if err != nil {
		return nil, err
	}
	return newMergedFile(m, prefix, real), nil
}

// File implements Filesystem.
func (m *MountTable) File(name string) (File, error) {
	return m.GetFile(name)
}

// Root returns the root of the namespace.
func (m *MountTable) Root() (File, error) {
	return m.GetFile("/")
}

// updateSortedPaths updates the sorted paths slice for longest-prefix matching.
// Must be called with lock held.
func (m *MountTable) updateSortedPaths() {
	paths := make([]string, 0, len(m.mounts))
	for p := range m.mounts {
		paths = append(paths, p)
	}
	// Sort by length descending for longest-prefix matching
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) > len(paths[j])
		}
		return paths[i] < paths[j]
	})
	m.sortedPaths = paths
}

// hasMountsBelow reports whether any mount lies strictly below dir. Must be
// called with lock held.
func (m *MountTable) hasMountsBelow(dir string) bool {
	for mountPath := range m.mounts {
		if mountPath != dir && underPrefix(mountPath, dir) {
			return true
		}
	}
	return false
}

// childMounts returns the names of the path segments directly below dir
// that lead to a mount point.
func (m *MountTable) childMounts(dir string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for mountPath := range m.mounts {
		if mountPath == dir || !underPrefix(mountPath, dir) {
			continue
		}
		remaining := strings.TrimPrefix(stripPrefix(mountPath, dir), "/")
		name, _, _ := strings.Cut(remaining, "/")
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// Cross-Mount Operations
// ============================================================================

// Copy copies a file or directory tree between virtual paths, possibly on
// different backends.
func (m *MountTable) Copy(ctx context.Context, srcPath, dstPath string) error {
	src, err := m.GetFile(srcPath)
	if err != nil {
		return fmt.Errorf("resolve source: %w", err)
	}
	dst, err := m.GetFile(dstPath)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	return src.CopyTo(ctx, dst, true)
}

// Move moves a file or directory between virtual paths. Within one backend
// it is a native rename. Across backends it is a copy followed by a delete
// of the source and is not atomic.
func (m *MountTable) Move(ctx context.Context, srcPath, dstPath string) error {
	src, err := m.GetFile(srcPath)
	if err != nil {
		return fmt.Errorf("resolve source: %w", err)
	}
	dst, err := m.GetFile(dstPath)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	return src.MoveTo(ctx, dst)
}

// ============================================================================
// CanWatch Implementation
// ============================================================================

// Watch delegates to the mount covering the static part of pattern. Patterns
// that cannot be pinned to one mount, like "**/*.json", are watched on every
// mount and combined into a CompositeChangeToken.
func (m *MountTable) Watch(ctx context.Context, pattern string) (ChangeToken, error) {
	if !strings.HasPrefix(pattern, "/") || strings.HasPrefix(pattern, "/**") {
		return m.watchAllMounts(ctx, strings.TrimPrefix(pattern, "/"))
	}

	pattern = CleanPath(pattern)
	static := staticPrefix(pattern)

	m.mu.RLock()
	prefix, ok := m.match(static)
	fs := m.mounts[prefix]
	m.mu.RUnlock()
	if !ok {
		return nil, pathErr("watch", pattern, ErrNoSuchMount)
	}

	watcher, ok := fs.(CanWatch)
	if !ok {
		// Watching is not supported
		return CancelledChangeToken{}, nil
	}
	rel := strings.TrimPrefix(stripPrefix(pattern, prefix), "/")
	if rel == "" {
		rel = "**"
	}
	return watcher.Watch(ctx, rel)
}

// watchAllMounts creates a composite token that watches across all mounts
func (m *MountTable) watchAllMounts(ctx context.Context, pattern string) (ChangeToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tokens []ChangeToken

	for mountPath, fs := range m.mounts {
		watcher, ok := fs.(CanWatch)
		if !ok {
			continue
		}
		token, err := watcher.Watch(ctx, pattern)
		if err != nil {
			m.logger.WithError(err).WithField("prefix", mountPath).Debug("skipping mount in watch")
			continue
		}
		tokens = append(tokens, token)
	}

	if len(tokens) == 0 {
		return CancelledChangeToken{}, nil
	}

	return NewCompositeChangeToken(tokens...), nil
}

// staticPrefix returns the leading segments of pattern that contain no glob
// metacharacters.
func staticPrefix(pattern string) string {
	segments := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	static := "/"
	for _, s := range segments {
		if strings.ContainsAny(s, "*?[{") {
			break
		}
		static = path.Join(static, s)
	}
	return static
}

var (
	_ Filesystem = (*MountTable)(nil)
	_ CanWatch   = (*MountTable)(nil)
)
