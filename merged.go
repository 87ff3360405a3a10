package mergefs

import (
	"context"
	"io/fs"
	"path"
	"sort"
	"time"
)

// MergedFile is a File obtained through a MountTable. It delegates every
// operation to the file of the mounted backend and presents the virtual
// pathname: a file at "/report.txt" on the filesystem mounted at "/data"
// is "/data/report.txt".
type MergedFile struct {
	table  *MountTable
	prefix string
	real   File
}

var (
	_ File         = (*MergedFile)(nil)
	_ CanPublicURL = (*MergedFile)(nil)
)

func newMergedFile(table *MountTable, prefix string, real File) *MergedFile {
	return &MergedFile{table: table, prefix: prefix, real: real}
}

// MountPrefix returns the prefix of the mount the file was resolved through.
func (f *MergedFile) MountPrefix() string { return f.prefix }

// Real returns the backend file.
func (f *MergedFile) Real() File { return f.real }

// Equal reports whether other is the same mount prefix and backend path.
func (f *MergedFile) Equal(other File) bool {
	o, ok := other.(*MergedFile)
	if !ok {
		return false
	}
	return f.prefix == o.prefix && f.real.Pathname() == o.real.Pathname()
}

func (f *MergedFile) String() string { return f.Pathname() }

// Filesystem returns the mount table, not the backend filesystem.
func (f *MergedFile) Filesystem() Filesystem { return f.table }

func (f *MergedFile) Pathname() string {
	return joinPath(f.prefix, f.real.Pathname())
}

// atMountRoot reports whether the real file is the root of its backend.
func (f *MergedFile) atMountRoot() bool {
	return f.real.Parent() == nil
}

// Basename returns the name under which the file appears in the namespace.
// At the root of a backend that is the last segment of the mount prefix.
func (f *MergedFile) Basename() string {
	if f.atMountRoot() {
		return baseName(f.prefix)
	}
	return f.real.Basename()
}

func (f *MergedFile) Extension() string {
	if f.atMountRoot() {
		return extension(f.Basename())
	}
	return f.real.Extension()
}

// Parent steps out of the mount when the file is the root of its backend.
func (f *MergedFile) Parent() File {
	if p := f.real.Parent(); p != nil {
		return newMergedFile(f.table, f.prefix, p)
	}
	if f.prefix == "/" {
		return nil
	}
	parent, err := f.table.GetFile(path.Dir(f.prefix))
	if err != nil {
		return nil
	}
	return parent
}

// Child resolves the entry through the table so a nested mount wins over
// the backend's own entry of the same name.
func (f *MergedFile) Child(name string) File {
	if child, err := f.table.GetFile(path.Join(f.Pathname(), name)); err == nil {
		return child
	}
	return newMergedFile(f.table, f.prefix, f.real.Child(name))
}

func (f *MergedFile) Stat(ctx context.Context) (*FileInfo, error) {
	info, err := f.real.Stat(ctx)
	if err != nil {
		return nil, err
	}
	out := *info
	out.Path = f.Pathname()
	out.Name = f.Basename()
	return &out, nil
}

func (f *MergedFile) Exists(ctx context.Context) (bool, error) {
	return f.real.Exists(ctx)
}

func (f *MergedFile) Readlink(ctx context.Context) (string, error) {
	return f.real.Readlink(ctx)
}

func (f *MergedFile) Chmod(ctx context.Context, mode fs.FileMode) error {
	return f.real.Chmod(ctx, mode)
}

func (f *MergedFile) Chown(ctx context.Context, owner, group string) error {
	return f.real.Chown(ctx, owner, group)
}

func (f *MergedFile) Chtimes(ctx context.Context, atime, mtime time.Time) error {
	return f.real.Chtimes(ctx, atime, mtime)
}

func (f *MergedFile) Touch(ctx context.Context, mtime, atime time.Time) error {
	return f.real.Touch(ctx, mtime, atime)
}

func (f *MergedFile) Delete(ctx context.Context, recursive, force bool) error {
	return f.real.Delete(ctx, recursive, force)
}

func (f *MergedFile) CopyTo(ctx context.Context, dst File, recursive bool) error {
	return f.real.CopyTo(ctx, unwrap(dst), recursive)
}

func (f *MergedFile) MoveTo(ctx context.Context, dst File) error {
	return f.real.MoveTo(ctx, unwrap(dst))
}

func (f *MergedFile) CreateDir(ctx context.Context, parents bool) error {
	return f.real.CreateDir(ctx, parents)
}

func (f *MergedFile) CreateFile(ctx context.Context, parents bool) error {
	return f.real.CreateFile(ctx, parents)
}

func (f *MergedFile) Contents(ctx context.Context) ([]byte, error) {
	return f.real.Contents(ctx)
}

func (f *MergedFile) SetContents(ctx context.Context, data []byte) error {
	return f.real.SetContents(ctx, data)
}

func (f *MergedFile) AppendContents(ctx context.Context, data []byte) error {
	return f.real.AppendContents(ctx, data)
}

func (f *MergedFile) Truncate(ctx context.Context, size int64) error {
	return f.real.Truncate(ctx, size)
}

func (f *MergedFile) Open(ctx context.Context, flag int) (Content, error) {
	return f.real.Open(ctx, flag)
}

// ListFiles lists the backend directory and merges in the mount points that
// sit directly below it. Children are resolved through the table, so an
// entry shadowed by a nested mount presents the mounted filesystem.
func (f *MergedFile) ListFiles(ctx context.Context) ([]File, error) {
	children, err := f.real.ListFiles(ctx)
	if err != nil {
		return nil, err
	}

	dir := f.Pathname()
	seen := make(map[string]bool, len(children))
	files := make([]File, 0, len(children))
	for _, c := range children {
		name := c.Basename()
		seen[name] = true
		if resolved, err := f.table.GetFile(path.Join(dir, name)); err == nil {
			files = append(files, resolved)
			continue
		}
		files = append(files, newMergedFile(f.table, f.prefix, c))
	}

	for _, name := range f.table.childMounts(dir) {
		if seen[name] {
			continue
		}
		mp, err := f.table.GetFile(path.Join(dir, name))
		if err != nil {
			continue
		}
		files = append(files, mp)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Basename() < files[j].Basename()
	})
	return files, nil
}

// Checksum computes a checksum of the backend file.
func (f *MergedFile) Checksum(ctx context.Context, algorithm ChecksumAlgorithm) (string, error) {
	return Checksum(ctx, f.real, algorithm)
}

// PublicURL applies the table's provider to the virtual file, falling back
// to the backend file's own public URL.
func (f *MergedFile) PublicURL() (string, error) {
	if p := f.table.cfg.PublicURLProvider(); p != nil {
		return p.PublicURL(f)
	}
	if u, ok := f.real.(CanPublicURL); ok {
		return u.PublicURL()
	}
	return "", pathErr("public-url", f.Pathname(), ErrNotSupported)
}

// unwrap returns the backend file of a merged destination.
func unwrap(f File) File {
	if m, ok := f.(*MergedFile); ok {
		return m.real
	}
	return f
}
