package mergefs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newStreamingTable(t *testing.T, host string) (*MountTable, *StreamWrapper) {
	t.Helper()
	mt := NewMountTable()
	mt.Mount("/", newMockFS())
	mt.Mount("/data", newMockFS())
	w, err := mt.EnableStreaming(host, "")
	if err != nil {
		t.Fatalf("EnableStreaming() error = %v", err)
	}
	t.Cleanup(func() { mt.DisableStreaming() })
	return mt, w
}

func TestEnableStreaming(t *testing.T) {
	mt, w := newStreamingTable(t, "enable-test")

	if w.Scheme() != DefaultScheme || w.Host() != "enable-test" || w.Table() != mt {
		t.Errorf("wrapper = %s://%s", w.Scheme(), w.Host())
	}
	again, err := mt.EnableStreaming("other", "other")
	if err != nil || again != w {
		t.Errorf("EnableStreaming() again = %v, %v, want the existing wrapper", again, err)
	}
	if mt.StreamWrapper() != w {
		t.Error("StreamWrapper() does not return the registration")
	}

	// A second table cannot take the same host.
	other := NewMountTable()
	if _, err := other.EnableStreaming("ENABLE-TEST", DefaultScheme); !IsExist(err) {
		t.Errorf("EnableStreaming() on a taken host error = %v, want exist", err)
	}

	if !mt.DisableStreaming() {
		t.Error("DisableStreaming() = false, want true")
	}
	if mt.DisableStreaming() {
		t.Error("second DisableStreaming() = true, want false")
	}
	if _, _, err := LookupWrapper("mergefs://enable-test/x"); !errors.Is(err, ErrUnknownWrapper) {
		t.Errorf("LookupWrapper() after disable error = %v, want ErrUnknownWrapper", err)
	}
}

func TestEnableStreaming_RandomHost(t *testing.T) {
	mt := NewMountTable(WithConfig(NewConfigBuilder().Scheme("vfs").Build()))
	w, err := mt.EnableStreaming("", "")
	if err != nil {
		t.Fatal(err)
	}
	defer mt.DisableStreaming()

	if w.Host() == "" {
		t.Error("expected a generated host")
	}
	if w.Scheme() != "vfs" {
		t.Errorf("Scheme() = %q, want vfs from config", w.Scheme())
	}
}

func TestStreamURL(t *testing.T) {
	ctx := context.Background()
	mt, w := newStreamingTable(t, "url-test")

	f, _ := mt.GetFile("/data/reports/q1 2024.csv")
	u, err := mt.StreamURL(f)
	if err != nil {
		t.Fatal(err)
	}
	if u != "mergefs://url-test/data/reports/q1%202024.csv" {
		t.Errorf("StreamURL() = %q", u)
	}

	found, p, err := LookupWrapper(u)
	if err != nil {
		t.Fatalf("LookupWrapper() error = %v", err)
	}
	if found != w || p != "/data/reports/q1 2024.csv" {
		t.Errorf("LookupWrapper() = %v, %q", found, p)
	}

	// Writing through the URL lands in the mounted backend.
	s, err := OpenURL(ctx, "mergefs://url-test/data/hello.txt", "w")
	if err != nil {
		t.Fatalf("OpenURL() error = %v", err)
	}
	s.Write([]byte("via url"))
	s.Close()

	s, err = w.OpenStream(ctx, w.URL("/data/hello.txt"), "r")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	data, _ := s.ReadN(100)
	if string(data) != "via url" {
		t.Errorf("read %q", data)
	}

	if _, err := OpenURL(ctx, "mergefs://nobody/x", "r"); !errors.Is(err, ErrUnknownWrapper) {
		t.Errorf("OpenURL() unknown host error = %v", err)
	}
	if _, err := w.OpenStream(ctx, "other://url-test/x", "r"); !errors.Is(err, ErrUnknownWrapper) {
		t.Errorf("OpenStream() with a foreign scheme error = %v", err)
	}

	plain := NewMountTable()
	if _, err := plain.StreamURL(f); !errors.Is(err, ErrNotSupported) {
		t.Errorf("StreamURL() without streaming error = %v", err)
	}
}

func TestStreamWrapper_Namespace(t *testing.T) {
	ctx := context.Background()
	_, w := newStreamingTable(t, "ns-test")
	url := func(p string) string { return w.URL(p) }

	if err := w.Mkdir(ctx, url("/data/a/b"), false); !IsNotExist(err) {
		t.Errorf("Mkdir() without parents error = %v, want not exist", err)
	}
	if err := w.Mkdir(ctx, url("/data/a/b"), true); err != nil {
		t.Fatalf("Mkdir(recursive) error = %v", err)
	}

	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := w.Touch(ctx, url("/data/a/b/f.txt"), mtime, time.Time{}); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	info, err := w.Stat(ctx, url("/data/a/b/f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime.Equal(mtime) || !info.AccessTime.Equal(mtime) {
		t.Errorf("times = %v / %v, want %v", info.ModTime, info.AccessTime, mtime)
	}
	if err := w.Chmod(ctx, url("/data/a/b/f.txt"), 0o600); err != nil {
		t.Errorf("Chmod() error = %v", err)
	}
	if err := w.Chown(ctx, url("/data/a/b/f.txt"), "root", ""); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Chown() error = %v, want ErrNotSupported", err)
	}

	if err := w.Unlink(ctx, url("/data/a")); !errors.Is(err, ErrIsDir) {
		t.Errorf("Unlink(dir) error = %v, want ErrIsDir", err)
	}
	if err := w.Rmdir(ctx, url("/data/a/b/f.txt"), false, false); !errors.Is(err, ErrNotDir) {
		t.Errorf("Rmdir(file) error = %v, want ErrNotDir", err)
	}
	if err := w.Rmdir(ctx, url("/data/a"), false, false); !errors.Is(err, ErrNotEmpty) {
		t.Errorf("Rmdir(non-empty) error = %v, want ErrNotEmpty", err)
	}

	// Rename across mounts.
	if err := w.Rename(ctx, url("/data/a/b/f.txt"), url("/moved.txt")); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if _, err := w.Stat(ctx, url("/moved.txt")); err != nil {
		t.Errorf("Stat(renamed) error = %v", err)
	}
	if err := w.Unlink(ctx, url("/moved.txt")); err != nil {
		t.Errorf("Unlink() error = %v", err)
	}

	if err := w.Rmdir(ctx, url("/data/a"), true, false); err != nil {
		t.Errorf("Rmdir(recursive) error = %v", err)
	}
	if err := w.Rmdir(ctx, url("/data/a"), false, true); err != nil {
		t.Errorf("Rmdir(force, missing) error = %v", err)
	}

	d, err := w.OpenDir(ctx, url("/"))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if got := readNames(t, d); len(got) != 1 || got[0] != "data" {
		t.Errorf("root entries = %v, want [data]", got)
	}
}
