package memory

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/gobeaver/mergefs"
)

func TestNew(t *testing.T) {
	t.Run("creates adapter with default config", func(t *testing.T) {
		a := New()
		if a == nil {
			t.Fatal("expected adapter to be created")
		}
		if a.maxSize != 0 {
			t.Errorf("expected maxSize=0, got %d", a.maxSize)
		}
		fi, err := a.Stat(context.Background(), "/")
		if err != nil || !fi.IsDir() {
			t.Errorf("root = %+v, %v", fi, err)
		}
	})

	t.Run("creates adapter with max size", func(t *testing.T) {
		a := New(Config{MaxSize: 1024})
		if a.maxSize != 1024 {
			t.Errorf("expected maxSize=1024, got %d", a.maxSize)
		}
	})
}

func TestFile_Contents(t *testing.T) {
	ctx := context.Background()
	a := New()
	fsys := mergefs.NewFilesystem(a, mergefs.DefaultConfig())

	f, _ := fsys.File("/dir/hello.txt")
	if err := f.SetContents(ctx, []byte("x")); !mergefs.IsNotExist(err) {
		t.Errorf("SetContents() without parent error = %v, want not exist", err)
	}
	if err := f.CreateFile(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := f.SetContents(ctx, []byte("hello world")); err != nil {
		t.Fatal(err)
	}

	got, err := f.Contents(ctx)
	if err != nil || string(got) != "hello world" {
		t.Errorf("Contents() = %q, %v", got, err)
	}
	if a.Size() != 11 || a.FileCount() != 1 {
		t.Errorf("Size/FileCount = %d/%d", a.Size(), a.FileCount())
	}

	if err := f.SetContents(ctx, []byte("bye")); err != nil {
		t.Fatal(err)
	}
	if a.Size() != 3 {
		t.Errorf("Size() after overwrite = %d, want 3", a.Size())
	}

	a.Clear()
	if a.Size() != 0 || a.FileCount() != 0 {
		t.Errorf("Clear() left %d bytes in %d files", a.Size(), a.FileCount())
	}
}

func TestMaxSize(t *testing.T) {
	ctx := context.Background()
	fsys := NewFS(Config{MaxSize: 10})

	f, _ := fsys.File("/big.bin")
	if err := f.SetContents(ctx, []byte("0123456789")); err != nil {
		t.Fatalf("SetContents() at the limit error = %v", err)
	}
	g, _ := fsys.File("/more.bin")
	if err := g.SetContents(ctx, []byte("x")); !errors.Is(err, mergefs.ErrInvalidSize) {
		t.Errorf("SetContents() over the limit error = %v, want ErrInvalidSize", err)
	}
	if err := f.Truncate(ctx, 20); !errors.Is(err, mergefs.ErrInvalidSize) {
		t.Errorf("Truncate() over the limit error = %v, want ErrInvalidSize", err)
	}
	if err := f.Delete(ctx, false, false); err != nil {
		t.Fatal(err)
	}
	if err := g.SetContents(ctx, []byte("x")); err != nil {
		t.Errorf("SetContents() after freeing space error = %v", err)
	}
}

func TestReadDir(t *testing.T) {
	ctx := context.Background()
	a := New()
	fsys := mergefs.NewFilesystem(a, mergefs.DefaultConfig())

	for _, name := range []string{"/docs/b.txt", "/docs/a.txt", "/docs/sub/c.txt", "/docs-other.txt"} {
		f, _ := fsys.File(name)
		if err := f.CreateFile(ctx, true); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := a.ReadDir(ctx, "/docs")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.txt", "b.txt", "sub"}
	if len(entries) != len(want) {
		t.Fatalf("ReadDir() returned %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Name != want[i] {
			t.Errorf("entry %d = %q, want %q", i, e.Name, want[i])
		}
	}

	root, err := a.ReadDir(ctx, "/")
	if err != nil || len(root) != 2 {
		t.Errorf("ReadDir(/) = %d entries, %v", len(root), err)
	}
	if _, err := a.ReadDir(ctx, "/docs/a.txt"); !errors.Is(err, mergefs.ErrNotDir) {
		t.Errorf("ReadDir(file) error = %v, want ErrNotDir", err)
	}
}

func TestRemoveAndRename(t *testing.T) {
	ctx := context.Background()
	a := New()
	fsys := mergefs.NewFilesystem(a, mergefs.DefaultConfig())

	f, _ := fsys.File("/src/deep/file.txt")
	f.CreateFile(ctx, true)
	f.SetContents(ctx, []byte("payload"))

	if err := a.Remove(ctx, "/"); !errors.Is(err, mergefs.ErrNotAllowed) {
		t.Errorf("Remove(/) error = %v, want ErrNotAllowed", err)
	}
	if err := a.Remove(ctx, "/src"); !errors.Is(err, mergefs.ErrNotEmpty) {
		t.Errorf("Remove(non-empty) error = %v, want ErrNotEmpty", err)
	}

	tests := []struct {
		name    string
		old     string
		new     string
		wantErr error
	}{
		{"into itself", "/src", "/src/deep/x", mergefs.ErrInvalidName},
		{"missing source", "/nope", "/x", mergefs.ErrNotExist},
		{"missing parent", "/src", "/a/b", mergefs.ErrNotExist},
		{"file onto dir", "/src/deep/file.txt", "/src", mergefs.ErrIsDir},
	}
	for _, tt := range tests {
		if err := a.Rename(ctx, tt.old, tt.new); !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: Rename() error = %v, want %v", tt.name, err, tt.wantErr)
		}
	}

	if err := a.Rename(ctx, "/src", "/dst"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	moved, _ := fsys.File("/dst/deep/file.txt")
	if data, err := moved.Contents(ctx); err != nil || string(data) != "payload" {
		t.Errorf("moved Contents() = %q, %v", data, err)
	}
	if _, err := a.Stat(ctx, "/src"); !mergefs.IsNotExist(err) {
		t.Errorf("old directory still present: %v", err)
	}
}

func TestAttributes(t *testing.T) {
	ctx := context.Background()
	a := New()
	fsys := mergefs.NewFilesystem(a, mergefs.DefaultConfig())
	f, _ := fsys.File("/attr.txt")

	mtime := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := f.Touch(ctx, mtime, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := f.Chmod(ctx, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := f.Chown(ctx, "alice", "staff"); err != nil {
		t.Fatal(err)
	}
	if err := f.Chown(ctx, "", "wheel"); err != nil {
		t.Fatal(err)
	}

	info, err := f.Stat(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime.Equal(mtime) || !info.AccessTime.Equal(mtime) {
		t.Errorf("times = %v / %v", info.ModTime, info.AccessTime)
	}
	if info.Mode != 0o600 || info.Owner != "alice" || info.Group != "wheel" {
		t.Errorf("mode/owner/group = %v/%s/%s", info.Mode, info.Owner, info.Group)
	}

	missing, _ := fsys.File("/missing")
	if err := missing.Chmod(ctx, 0o644); !mergefs.IsNotExist(err) {
		t.Errorf("Chmod(missing) error = %v", err)
	}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	a := New()

	h, err := a.OpenFile(ctx, "/h.bin", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}

	h.WriteAt([]byte("world"), 6)
	h.WriteAt([]byte("hello"), 0)
	buf := make([]byte, 16)
	n, err := h.ReadAt(buf, 0)
	if err != io.EOF || string(buf[:n]) != "hello\x00world" {
		t.Errorf("ReadAt() = %q, %v", buf[:n], err)
	}
	if _, err := h.ReadAt(buf, -1); !errors.Is(err, mergefs.ErrInvalidOffset) {
		t.Errorf("ReadAt(-1) error = %v", err)
	}

	if err := h.Truncate(5); err != nil {
		t.Fatal(err)
	}
	fi, _ := h.Stat()
	if fi.Size() != 5 || fi.Name() != "h.bin" {
		t.Errorf("Stat() = %s %d", fi.Name(), fi.Size())
	}
	h.Close()
	if _, err := h.ReadAt(buf, 0); err == nil {
		t.Error("expected error reading a closed handle")
	}

	ro, _ := a.OpenFile(ctx, "/h.bin", os.O_RDONLY, 0)
	defer ro.Close()
	if _, err := ro.WriteAt([]byte("x"), 0); !mergefs.IsPermission(err) {
		t.Errorf("WriteAt() on read-only handle error = %v", err)
	}
	if _, err := a.OpenFile(ctx, "/", os.O_RDONLY, 0); !errors.Is(err, mergefs.ErrIsDir) {
		t.Errorf("OpenFile(dir) error = %v", err)
	}
	if _, err := a.OpenFile(ctx, "/h.bin", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644); !mergefs.IsExist(err) {
		t.Errorf("OpenFile(O_EXCL) error = %v", err)
	}
}

func TestHandle_Lock(t *testing.T) {
	ctx := context.Background()
	a := New()

	open := func() mergefs.CanLock {
		c, err := a.OpenFile(ctx, "/lock", os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { c.Close() })
		return c.(mergefs.CanLock)
	}
	first, second := open(), open()

	if err := first.Lock(mergefs.LockShared | mergefs.LockNonBlocking); err != nil {
		t.Fatal(err)
	}
	if err := second.Lock(mergefs.LockShared | mergefs.LockNonBlocking); err != nil {
		t.Errorf("second shared lock error = %v", err)
	}
	if err := second.Lock(mergefs.LockExclusive | mergefs.LockNonBlocking); !errors.Is(err, mergefs.ErrLocked) {
		t.Errorf("exclusive lock over a shared one error = %v, want ErrLocked", err)
	}

	first.Unlock()
	if err := second.Lock(mergefs.LockExclusive | mergefs.LockNonBlocking); err != nil {
		t.Errorf("exclusive lock after release error = %v", err)
	}
	if err := first.Lock(mergefs.LockShared | mergefs.LockNonBlocking); !errors.Is(err, mergefs.ErrLocked) {
		t.Errorf("shared lock over an exclusive one error = %v, want ErrLocked", err)
	}
}

func TestStreamLocking(t *testing.T) {
	ctx := context.Background()
	table := mergefs.NewMountTable(mergefs.WithStrictLocking(true))
	table.Mount("/", NewFS())

	a, err := table.OpenStream(ctx, "/shared.txt", "c+")
	if err != nil {
		t.Fatal(err)
	}
	b, err := table.OpenStream(ctx, "/shared.txt", "c+")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := a.Lock(mergefs.LockExclusive | mergefs.LockNonBlocking); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := b.Lock(mergefs.LockShared | mergefs.LockNonBlocking); !errors.Is(err, mergefs.ErrLocked) {
		t.Errorf("Lock() error = %v, want ErrLocked", err)
	}
	a.Close()
	if err := b.Lock(mergefs.LockShared | mergefs.LockNonBlocking); err != nil {
		t.Errorf("Lock() after Close error = %v", err)
	}
}

func TestCopyAndChecksum(t *testing.T) {
	ctx := context.Background()
	a := New()
	fsys := mergefs.NewFilesystem(a, mergefs.DefaultConfig())
	src, _ := fsys.File("/a.txt")
	src.SetContents(ctx, []byte("hello"))

	dst, _ := fsys.File("/b.txt")
	if err := src.CopyTo(ctx, dst, false); err != nil {
		t.Fatal(err)
	}
	if a.Size() != 10 {
		t.Errorf("Size() after copy = %d, want 10", a.Size())
	}

	sum, err := a.Checksum(ctx, "/b.txt", mergefs.ChecksumSHA256)
	if err != nil || sum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("Checksum() = %q, %v", sum, err)
	}
	if _, err := a.Checksum(ctx, "/", mergefs.ChecksumMD5); !errors.Is(err, mergefs.ErrIsDir) {
		t.Errorf("Checksum(dir) error = %v", err)
	}
	if err := a.Copy(ctx, "/missing", "/c"); !mergefs.IsNotExist(err) {
		t.Errorf("Copy(missing) error = %v", err)
	}
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := New()
	fsys := mergefs.NewFilesystem(a, mergefs.DefaultConfig())

	token, err := a.Watch(ctx, "**/*.json")
	if err != nil {
		t.Fatal(err)
	}
	other, _ := a.Watch(ctx, "*.txt")

	fired := make(chan struct{}, 1)
	token.RegisterChangeCallback(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	f, _ := fsys.File("/config/app.json")
	if err := f.CreateFile(ctx, true); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
	if !token.HasChanged() {
		t.Error("HasChanged() = false after notification")
	}
	if other.HasChanged() {
		t.Error("unrelated watch was signalled")
	}
}

func TestContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := New()

	if _, err := a.Stat(ctx, "/"); !errors.Is(err, context.Canceled) {
		t.Errorf("Stat() error = %v", err)
	}
	if err := a.Mkdir(ctx, "/x", 0o755); !errors.Is(err, context.Canceled) {
		t.Errorf("Mkdir() error = %v", err)
	}
}
