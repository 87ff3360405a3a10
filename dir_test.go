package mergefs

import (
	"context"
	"errors"
	"io"
	"testing"
)

func readNames(t *testing.T, d *DirCursor) []string {
	t.Helper()
	var names []string
	for {
		name, err := d.Readdir()
		if err == io.EOF {
			return names
		}
		if err != nil {
			t.Fatalf("Readdir() error = %v", err)
		}
		names = append(names, name)
	}
}

func TestOpenDir(t *testing.T) {
	ctx := context.Background()
	fsys := newMockFS()
	writeFile(t, fsys, "/docs/b.txt", "b")
	writeFile(t, fsys, "/docs/a.txt", "a")
	writeFile(t, fsys, "/docs/sub/c.txt", "c")

	dir, _ := fsys.File("/docs")
	d, err := OpenDir(ctx, dir)
	if err != nil {
		t.Fatalf("OpenDir() error = %v", err)
	}
	defer d.Close()

	if d.Path() != "/docs" || d.Len() != 3 {
		t.Errorf("Path/Len = %q/%d", d.Path(), d.Len())
	}

	// The snapshot ignores later changes.
	writeFile(t, fsys, "/docs/z.txt", "z")

	want := []string{"a.txt", "b.txt", "sub"}
	if got := readNames(t, d); len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	} else {
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
			}
		}
	}
	if _, err := d.Readdir(); err != io.EOF {
		t.Errorf("Readdir() after end error = %v, want io.EOF", err)
	}

	if err := d.Rewind(); err != nil {
		t.Fatal(err)
	}
	if name, _ := d.Readdir(); name != "a.txt" {
		t.Errorf("Readdir() after Rewind = %q, want a.txt", name)
	}

	d.Close()
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := d.Readdir(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Readdir() after Close error = %v, want ErrStreamClosed", err)
	}
	if err := d.Rewind(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Rewind() after Close error = %v, want ErrStreamClosed", err)
	}
}

func TestOpenDir_Errors(t *testing.T) {
	ctx := context.Background()
	fsys := newMockFS()
	writeFile(t, fsys, "/file.txt", "x")

	f, _ := fsys.File("/file.txt")
	if _, err := OpenDir(ctx, f); !errors.Is(err, ErrNotDir) {
		t.Errorf("OpenDir(file) error = %v, want ErrNotDir", err)
	}
	missing, _ := fsys.File("/missing")
	if _, err := OpenDir(ctx, missing); !IsNotExist(err) {
		t.Errorf("OpenDir(missing) error = %v, want not exist", err)
	}
}

func TestMountTable_OpenDir(t *testing.T) {
	ctx := context.Background()
	mt := NewMountTable()
	mt.Mount("/", newMockFS())
	mt.Mount("/data", newMockFS())
	writeFile(t, mt, "/readme.md", "r")

	d, err := mt.OpenDir(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	got := readNames(t, d)
	if len(got) != 2 || got[0] != "data" || got[1] != "readme.md" {
		t.Errorf("root entries = %v, want [data readme.md]", got)
	}
	for _, name := range got {
		if name == "." || name == ".." {
			t.Errorf("special entry %q listed", name)
		}
	}
}
