package mergefs

import (
	"context"
	"io"
)

// DirCursor iterates over a snapshot of a directory listing taken when it
// was opened. Entries created or removed afterwards are not reflected.
// The special "." and ".." entries are never returned.
type DirCursor struct {
	path   string
	names  []string
	pos    int
	closed bool
}

// OpenDir lists f and returns a cursor over the entry names.
func OpenDir(ctx context.Context, f File) (*DirCursor, error) {
	info, err := f.Stat(ctx)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, pathErr("opendir", f.Pathname(), ErrNotDir)
	}
	files, err := f.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, child := range files {
		names = append(names, child.Basename())
	}
	return &DirCursor{path: f.Pathname(), names: names}, nil
}

// Path returns the pathname of the listed directory.
func (d *DirCursor) Path() string { return d.path }

// Len returns the number of entries in the snapshot.
func (d *DirCursor) Len() int { return len(d.names) }

// Readdir returns the next entry name, or io.EOF after the last one.
func (d *DirCursor) Readdir() (string, error) {
	if d.closed {
		return "", pathErr("readdir", d.path, ErrStreamClosed)
	}
	if d.pos >= len(d.names) {
		return "", io.EOF
	}
	name := d.names[d.pos]
	d.pos++
	return name, nil
}

// Rewind moves the cursor back to the first entry of the same snapshot.
func (d *DirCursor) Rewind() error {
	if d.closed {
		return pathErr("rewinddir", d.path, ErrStreamClosed)
	}
	d.pos = 0
	return nil
}

// Close releases the snapshot. Closing twice is a no-op.
func (d *DirCursor) Close() error {
	d.closed = true
	d.names = nil
	return nil
}
