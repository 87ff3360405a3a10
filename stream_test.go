package mergefs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func openStream(t *testing.T, fsys Filesystem, name, mode string, opts ...StreamOption) *Stream {
	t.Helper()
	f, err := fsys.File(name)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStream(f, opts...)
	if err := s.Open(context.Background(), mode); err != nil {
		t.Fatalf("Open(%s, %q) error = %v", name, mode, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStream_OpenModes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		existing bool
		mode     string
		wantErr  error
		want     string
	}{
		{name: "r missing", mode: "r", wantErr: ErrNotExist},
		{name: "r+ missing", mode: "r+", wantErr: ErrNotExist},
		{name: "r existing", existing: true, mode: "r", want: "original"},
		{name: "w truncates", existing: true, mode: "w", want: ""},
		{name: "w creates", mode: "w", want: ""},
		{name: "a keeps", existing: true, mode: "a", want: "original"},
		{name: "x missing", mode: "x", want: ""},
		{name: "x existing", existing: true, mode: "x+", wantErr: ErrExist},
		{name: "c keeps", existing: true, mode: "c", want: "original"},
		{name: "c creates", mode: "c+", want: ""},
		{name: "binary flag", existing: true, mode: "rb", want: "original"},
		{name: "invalid", mode: "q", wantErr: ErrInvalidMode},
		{name: "empty", mode: "", wantErr: ErrInvalidMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := newMockFS()
			if tt.existing {
				writeFile(t, fsys, "/file.txt", "original")
			}
			f, _ := fsys.File("/file.txt")
			s := NewStream(f)
			err := s.Open(ctx, tt.mode)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Open(%q) error = %v, want %v", tt.mode, err, tt.wantErr)
			}
			if err != nil {
				if s.IsOpen() {
					t.Error("stream is open after a failed Open")
				}
				return
			}
			s.Close()
			if got := readFile(t, fsys, "/file.txt"); got != tt.want {
				t.Errorf("content after Open(%q) = %q, want %q", tt.mode, got, tt.want)
			}
		})
	}
}

func TestStream_OpenDirectory(t *testing.T) {
	fsys := newMockFS()
	f, _ := fsys.File("/")
	if err := NewStream(f).Open(context.Background(), "r"); !errors.Is(err, ErrIsDir) {
		t.Errorf("Open(dir) error = %v, want ErrIsDir", err)
	}
}

func TestStream_OpenTwice(t *testing.T) {
	fsys := newMockFS()
	s := openStream(t, fsys, "/f", "w")

	if err := s.Open(context.Background(), "w"); !errors.Is(err, ErrStreamOpen) {
		t.Errorf("second Open() error = %v, want ErrStreamOpen", err)
	}
	s.Close()
	if err := s.Open(context.Background(), "w"); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Open() after Close error = %v, want ErrStreamClosed", err)
	}
}

func TestStream_ReadEOF(t *testing.T) {
	fsys := newMockFS()
	writeFile(t, fsys, "/hello.txt", "hello")
	s := openStream(t, fsys, "/hello.txt", "r")

	buf := make([]byte, 10)
	n, err := s.Read(buf)
	if err != nil || n != 5 || string(buf[:n]) != "hello" {
		t.Fatalf("Read() = %d, %v (%q)", n, err, buf[:n])
	}
	if !s.EOF() {
		t.Error("EOF() = false after a short read")
	}

	n, err = s.Read(buf)
	if n != 0 || err != io.EOF {
		t.Errorf("Read() at end = %d, %v, want 0, io.EOF", n, err)
	}

	data, err := s.ReadN(4)
	if err != nil || data == nil || len(data) != 0 {
		t.Errorf("ReadN() at end = %q, %v, want empty and nil", data, err)
	}

	if _, err := s.ReadN(-1); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("ReadN(-1) error = %v, want ErrInvalidSize", err)
	}

	if _, err := s.Seek(1, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if s.EOF() {
		t.Error("Seek() should clear EOF")
	}
	data, err = s.ReadN(3)
	if err != nil || string(data) != "ell" {
		t.Errorf("ReadN(3) = %q, %v", data, err)
	}
	if s.EOF() {
		t.Error("EOF() = true after a full read")
	}
}

func TestStream_ReadAll(t *testing.T) {
	fsys := newMockFS()
	content := bytes.Repeat([]byte("0123456789"), 1000)
	writeFile(t, fsys, "/big.bin", string(content))

	s := openStream(t, fsys, "/big.bin", "r")
	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("ReadAll() returned %d bytes, want %d", len(got), len(content))
	}
}

func TestStream_Direction(t *testing.T) {
	fsys := newMockFS()
	writeFile(t, fsys, "/f", "data")

	r := openStream(t, fsys, "/f", "r")
	if _, err := r.Write([]byte("x")); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("Write() on read stream error = %v, want ErrNotAllowed", err)
	}
	if err := r.Truncate(0); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("Truncate() on read stream error = %v, want ErrNotAllowed", err)
	}

	w := openStream(t, fsys, "/f", "c")
	if _, err := w.Read(make([]byte, 1)); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("Read() on write stream error = %v, want ErrNotAllowed", err)
	}
}

func TestStream_PendingWrites(t *testing.T) {
	fsys := newMockFS()
	s := openStream(t, fsys, "/out.bin", "w+")

	if _, err := s.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fsys, "/out.bin"); got != "" {
		t.Errorf("backend content before flush = %q, want empty", got)
	}

	// A write that is not contiguous commits the pending one and leaves a
	// zero-filled gap.
	if _, err := s.Seek(10, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write([]byte("xyz")); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fsys, "/out.bin"); got != "abc" {
		t.Errorf("backend content after non-contiguous write = %q, want %q", got, "abc")
	}

	end, err := s.Seek(0, io.SeekEnd)
	if err != nil || end != 13 {
		t.Errorf("Seek(end) = %d, %v, want 13 including pending data", end, err)
	}

	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	want := "abc\x00\x00\x00\x00\x00\x00\x00xyz"
	if got := readFile(t, fsys, "/out.bin"); got != want {
		t.Errorf("content after Flush() = %q, want %q", got, want)
	}

	// Reading sees pending data.
	s.Seek(0, io.SeekStart)
	s.Write([]byte("ABC"))
	s.Seek(0, io.SeekStart)
	data, err := s.ReadN(3)
	if err != nil || string(data) != "ABC" {
		t.Errorf("ReadN() after write = %q, %v", data, err)
	}
}

func TestStream_BufferSize(t *testing.T) {
	fsys := newMockFS()
	s := openStream(t, fsys, "/f", "w", WithBufferSize(4))

	s.Write([]byte("ab"))
	if got := readFile(t, fsys, "/f"); got != "" {
		t.Errorf("content below the buffer size = %q, want empty", got)
	}
	s.Write([]byte("cd"))
	if got := readFile(t, fsys, "/f"); got != "abcd" {
		t.Errorf("content at the buffer size = %q, want abcd", got)
	}
}

func TestStream_Append(t *testing.T) {
	fsys := newMockFS()
	writeFile(t, fsys, "/log.txt", "one\n")

	s := openStream(t, fsys, "/log.txt", "a+")
	pos, _ := s.Tell()
	if pos != 4 {
		t.Errorf("Tell() after Open(a) = %d, want 4", pos)
	}

	s.Seek(0, io.SeekStart)
	s.Write([]byte("two\n"))
	s.Seek(0, io.SeekStart)
	s.Write([]byte("three\n"))
	s.Close()

	if got := readFile(t, fsys, "/log.txt"); got != "one\ntwo\nthree\n" {
		t.Errorf("content = %q", got)
	}
}

func TestStream_Seek(t *testing.T) {
	fsys := newMockFS()
	writeFile(t, fsys, "/f", "0123456789")
	s := openStream(t, fsys, "/f", "r")

	tests := []struct {
		offset  int64
		whence  int
		want    int64
		wantErr error
	}{
		{4, io.SeekStart, 4, nil},
		{2, io.SeekCurrent, 6, nil},
		{-1, io.SeekEnd, 9, nil},
		{5, io.SeekEnd, 15, nil},
		{-100, io.SeekCurrent, 15, ErrInvalidSeek},
		{0, 42, 15, ErrInvalidWhence},
	}
	for _, tt := range tests {
		got, err := s.Seek(tt.offset, tt.whence)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Seek(%d, %d) error = %v, want %v", tt.offset, tt.whence, err, tt.wantErr)
		}
		if pos, _ := s.Tell(); pos != tt.want {
			t.Errorf("Tell() after Seek(%d, %d) = %d, want %d", tt.offset, tt.whence, pos, tt.want)
		}
		if err == nil && got != tt.want {
			t.Errorf("Seek(%d, %d) = %d, want %d", tt.offset, tt.whence, got, tt.want)
		}
	}

	if !errors.Is(ErrInvalidSeek, ErrInvalidOffset) {
		t.Error("ErrInvalidSeek should wrap ErrInvalidOffset")
	}
	n, err := s.Read(make([]byte, 1))
	if n != 0 || err != io.EOF {
		t.Errorf("Read() past end = %d, %v, want 0, io.EOF", n, err)
	}
}

func TestStream_Truncate(t *testing.T) {
	fsys := newMockFS()
	writeFile(t, fsys, "/f", "0123456789")
	s := openStream(t, fsys, "/f", "r+")

	s.Seek(8, io.SeekStart)
	if err := s.Truncate(4); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	if pos, _ := s.Tell(); pos != 8 {
		t.Errorf("Tell() after Truncate = %d, want 8", pos)
	}
	if err := s.Truncate(-1); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Truncate(-1) error = %v, want ErrInvalidSize", err)
	}

	s.Write([]byte("!"))
	s.Close()
	if got := readFile(t, fsys, "/f"); got != "0123\x00\x00\x00\x00!" {
		t.Errorf("content = %q", got)
	}
}

func TestStream_TruncateSizes(t *testing.T) {
	tests := []struct {
		name    string
		initial string
		mode    string
		run     func(s *Stream) error
		want    string
	}{
		{
			name:    "grow pads with zeros",
			initial: "0123",
			mode:    "r+",
			run:     func(s *Stream) error { return s.Truncate(8) },
			want:    "0123\x00\x00\x00\x00",
		},
		{
			name:    "same length keeps content",
			initial: "0123456789",
			mode:    "r+",
			run:     func(s *Stream) error { return s.Truncate(10) },
			want:    "0123456789",
		},
		{
			name:    "shrink drops the tail",
			initial: "0123456789",
			mode:    "r+",
			run:     func(s *Stream) error { return s.Truncate(3) },
			want:    "012",
		},
		{
			name:    "grow after pending write",
			initial: "",
			mode:    "w+",
			run: func(s *Stream) error {
				if _, err := s.Write([]byte("ab")); err != nil {
					return err
				}
				return s.Truncate(5)
			},
			want: "ab\x00\x00\x00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := newMockFS()
			writeFile(t, fsys, "/f", tt.initial)
			s := openStream(t, fsys, "/f", tt.mode)

			if err := tt.run(s); err != nil {
				t.Fatalf("Truncate() error = %v", err)
			}
			info, err := s.Stat(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if info.Size != int64(len(tt.want)) {
				t.Errorf("Stat().Size = %d, want %d", info.Size, len(tt.want))
			}
			if err := s.Close(); err != nil {
				t.Fatal(err)
			}
			if got := readFile(t, fsys, "/f"); got != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStream_SparseWrite(t *testing.T) {
	fsys := newMockFS()
	s := openStream(t, fsys, "/sparse", "w+")

	if _, err := s.Seek(10, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if n, err := s.Write([]byte("AB")); n != 2 || err != nil {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 12)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if want := strings.Repeat("\x00", 10) + "AB"; string(buf) != want {
		t.Errorf("read %q, want %q", buf, want)
	}
	if n, err := s.Read(make([]byte, 1)); n != 0 || err != io.EOF || !s.EOF() {
		t.Errorf("Read() at end = %d, %v, EOF() = %v", n, err, s.EOF())
	}
}

func TestStream_Stat(t *testing.T) {
	fsys := newMockFS()
	s := openStream(t, fsys, "/f", "w")

	s.Write([]byte("pending"))
	info, err := s.Stat(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 7 {
		t.Errorf("Stat().Size = %d, want 7", info.Size)
	}
}

func TestStream_Close(t *testing.T) {
	fsys := newMockFS()
	s := openStream(t, fsys, "/f", "w")
	s.Write([]byte("saved on close"))

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if got := readFile(t, fsys, "/f"); got != "saved on close" {
		t.Errorf("content = %q", got)
	}
	if s.IsOpen() || s.EOF() {
		t.Error("closed stream reports open or EOF")
	}

	if _, err := s.Write([]byte("x")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Write() after Close error = %v, want ErrStreamClosed", err)
	}
	if _, err := s.Read(make([]byte, 1)); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Read() after Close error = %v, want ErrStreamClosed", err)
	}
	if _, err := s.Tell(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Tell() after Close error = %v, want ErrStreamClosed", err)
	}
	if err := s.Flush(); err != nil {
		t.Errorf("Flush() after Close error = %v", err)
	}
}

func TestStream_CloseLogsFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	fsys := newMockFS()
	s := openStream(t, fsys, "/f", "w", WithStreamLogger(logger))

	s.Write([]byte("lost"))
	mockOf(fsys).writeErr = errors.New("disk full")

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v, want nil", err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("last log entry = %+v, want a warning", entry)
	}
	if entry.Data["path"] != "/f" {
		t.Errorf("path field = %v", entry.Data["path"])
	}
	if s.IsOpen() {
		t.Error("stream still open after a failed commit")
	}
}

func TestStream_Lock(t *testing.T) {
	t.Run("cooperative without backend locks", func(t *testing.T) {
		s := openStream(t, newMockFS(), "/f", "w")
		if err := s.Lock(LockExclusive); err != nil {
			t.Errorf("Lock() error = %v, want nil", err)
		}
		if err := s.Lock(LockUnlock); err != nil {
			t.Errorf("Unlock error = %v, want nil", err)
		}
	})

	t.Run("strict without backend locks", func(t *testing.T) {
		s := openStream(t, newMockFS(), "/f", "w", WithLockingStrict(true))
		if err := s.Lock(LockShared); !errors.Is(err, ErrNotSupported) {
			t.Errorf("Lock() error = %v, want ErrNotSupported", err)
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		s := openStream(t, newMockFS(), "/f", "w")
		if err := s.Lock(LockMode(0)); !errors.Is(err, ErrInvalidMode) {
			t.Errorf("Lock(0) error = %v, want ErrInvalidMode", err)
		}
	})

	t.Run("conflicting exclusive locks", func(t *testing.T) {
		fsys := newMockFS()
		mockOf(fsys).locking = true
		writeFile(t, fsys, "/f", "shared")

		a := openStream(t, fsys, "/f", "r+")
		b := openStream(t, fsys, "/f", "r+")

		if err := a.Lock(LockExclusive | LockNonBlocking); err != nil {
			t.Fatalf("Lock() error = %v", err)
		}
		if err := b.Lock(LockExclusive | LockNonBlocking); !errors.Is(err, ErrLocked) {
			t.Errorf("conflicting Lock() error = %v, want ErrLocked", err)
		}

		// Close releases the lock.
		a.Close()
		if mockOf(fsys).unlocks != 1 {
			t.Errorf("unlocks = %d, want 1", mockOf(fsys).unlocks)
		}
		if err := b.Lock(LockExclusive | LockNonBlocking); err != nil {
			t.Errorf("Lock() after release error = %v", err)
		}
	})
}

func TestStream_ThroughMountTable(t *testing.T) {
	ctx := context.Background()
	data := newMockFS()
	mt := NewMountTable(WithConfig(NewConfigBuilder().BufferSize(2).Build()))
	mt.Mount("/data", data)

	s, err := mt.OpenStream(ctx, "/data/notes.txt", "x")
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if s.File().Pathname() != "/data/notes.txt" {
		t.Errorf("File().Pathname() = %q", s.File().Pathname())
	}
	if !s.Mode().Exclusive || !s.Mode().Write {
		t.Errorf("Mode() = %+v", s.Mode())
	}
	s.Write([]byte("abc"))
	if got := readFile(t, data, "/notes.txt"); got != "abc" {
		t.Errorf("content with table buffer size = %q, want abc", got)
	}
	s.Close()

	if _, err := mt.OpenStream(ctx, "/data/notes.txt", "x"); !IsExist(err) {
		t.Errorf("OpenStream(x) on existing file error = %v, want exist", err)
	}
	if _, err := mt.OpenStream(ctx, "/unmounted/f", "r"); !IsNoSuchMount(err) {
		t.Errorf("OpenStream() outside mounts error = %v, want ErrNoSuchMount", err)
	}
}
