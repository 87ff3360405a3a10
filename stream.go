package mergefs

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
)

type streamState int

const (
	stateNew streamState = iota
	stateOpen
	stateClosed
)

func (s streamState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithBufferSize sets the size at which pending writes are committed.
func WithBufferSize(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithLockingStrict makes Lock fail with ErrNotSupported when the backend
// has no advisory locks. By default such locks are cooperative no-ops.
func WithLockingStrict(strict bool) StreamOption {
	return func(s *Stream) {
		s.strictLocking = strict
	}
}

// WithStreamLogger sets the logger that receives errors Close swallows.
func WithStreamLogger(logger logrus.FieldLogger) StreamOption {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// pendingWrite is a contiguous region written to the stream but not yet
// committed to the backend.
type pendingWrite struct {
	off int64
	buf []byte
}

func (p *pendingWrite) end() int64 { return p.off + int64(len(p.buf)) }

// Stream exposes a File as a random-access byte stream with fopen-style
// modes. Each Stream has its own cursor; a Stream is not safe for
// concurrent use.
//
// Writes are buffered: contiguous writes coalesce into one pending region
// that is committed on Flush, Close, Read, Truncate, Stat, a write that is
// not contiguous with it, or when it reaches the buffer size. Writing past
// the end of the file fills the gap with zero bytes.
type Stream struct {
	file          File
	mode          StreamMode
	state         streamState
	content       Content
	cursor        int64
	pending       *pendingWrite
	eof           bool
	locked        bool
	bufferSize    int
	strictLocking bool
	logger        logrus.FieldLogger
}

// NewStream returns an unopened stream over f.
func NewStream(f File, opts ...StreamOption) *Stream {
	s := &Stream{
		file:       f,
		bufferSize: DefaultBufferSize,
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// File returns the file the stream is bound to.
func (s *Stream) File() File { return s.file }

// Mode returns the mode the stream was opened with.
func (s *Stream) Mode() StreamMode { return s.mode }

// IsOpen reports whether the stream is open.
func (s *Stream) IsOpen() bool { return s.state == stateOpen }

// Open opens the stream with an fopen-style mode. A stream can be opened
// once.
func (s *Stream) Open(ctx context.Context, mode string) error {
	switch s.state {
	case stateOpen:
		return pathErr("open", s.file.Pathname(), ErrStreamOpen)
	case stateClosed:
		return pathErr("open", s.file.Pathname(), ErrStreamClosed)
	}

	m, err := ParseMode(mode)
	if err != nil {
		return pathErr("open", s.file.Pathname(), err)
	}

	info, err := s.file.Stat(ctx)
	switch {
	case err == nil:
		if info.IsDir() {
			return pathErr("open", s.file.Pathname(), ErrIsDir)
		}
		if m.Exclusive {
			return pathErr("open", s.file.Pathname(), ErrExist)
		}
	case IsNotExist(err):
		if !m.Create {
			return pathErr("open", s.file.Pathname(), ErrNotExist)
		}
	default:
		return err
	}

	c, err := s.file.Open(ctx, m.Flag())
	if err != nil {
		return err
	}

	s.content = c
	s.mode = m
	s.state = stateOpen
	s.cursor = 0
	s.eof = false
	if m.Append {
		size, err := s.size()
		if err != nil {
			s.content.Close()
			s.content = nil
			s.state = stateNew
			return err
		}
		s.cursor = size
	}
	return nil
}

func (s *Stream) checkOpen(op string) error {
	switch s.state {
	case stateNew:
		return pathErr(op, s.file.Pathname(), ErrStreamClosed)
	case stateClosed:
		return pathErr(op, s.file.Pathname(), ErrStreamClosed)
	}
	return nil
}

// size returns the committed size of the backend file.
func (s *Stream) size() (int64, error) {
	fi, err := s.content.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// length returns the logical size including pending writes.
func (s *Stream) length() (int64, error) {
	size, err := s.size()
	if err != nil {
		return 0, err
	}
	if s.pending != nil && s.pending.end() > size {
		return s.pending.end(), nil
	}
	return size, nil
}

// commit writes the pending region. A region starting past the end of the
// file is preceded by zero bytes.
func (s *Stream) commit() error {
	pw := s.pending
	if pw == nil {
		return nil
	}
	size, err := s.size()
	if err != nil {
		return err
	}
	if pw.off > size {
		if err := writeZeros(s.content, size, pw.off-size); err != nil {
			return err
		}
	}
	if _, err := s.content.WriteAt(pw.buf, pw.off); err != nil {
		return err
	}
	s.pending = nil
	return nil
}

var zeroBlock [32 * 1024]byte

func writeZeros(w io.WriterAt, off, n int64) error {
	for n > 0 {
		chunk := int64(len(zeroBlock))
		if n < chunk {
			chunk = n
		}
		if _, err := w.WriteAt(zeroBlock[:chunk], off); err != nil {
			return err
		}
		off += chunk
		n -= chunk
	}
	return nil
}

// Read implements io.Reader. At or past the end of the file it returns
// 0, io.EOF and EOF reports true.
func (s *Stream) Read(p []byte) (int, error) {
	if err := s.checkOpen("read"); err != nil {
		return 0, err
	}
	if !s.mode.Read {
		return 0, pathErr("read", s.file.Pathname(), ErrNotAllowed)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.commit(); err != nil {
		return 0, err
	}

	n, err := s.content.ReadAt(p, s.cursor)
	s.cursor += int64(n)
	if errors.Is(err, io.EOF) {
		s.eof = true
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	return n, err
}

// ReadN reads up to n bytes. At the end of the file it returns an empty
// slice and a nil error.
func (s *Stream) ReadN(n int) ([]byte, error) {
	if n < 0 {
		return nil, pathErr("read", s.file.Pathname(), ErrInvalidSize)
	}
	buf := make([]byte, n)
	k, err := s.Read(buf)
	if errors.Is(err, io.EOF) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	return buf[:k], nil
}

// Write implements io.Writer. In append mode every write goes to the end of
// the file regardless of the cursor.
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.checkOpen("write"); err != nil {
		return 0, err
	}
	if !s.mode.Write {
		return 0, pathErr("write", s.file.Pathname(), ErrNotAllowed)
	}
	if len(p) == 0 {
		return 0, nil
	}

	if s.mode.Append {
		end, err := s.length()
		if err != nil {
			return 0, err
		}
		s.cursor = end
	}

	if s.pending != nil && s.pending.end() != s.cursor {
		if err := s.commit(); err != nil {
			return 0, err
		}
	}
	if s.pending == nil {
		s.pending = &pendingWrite{off: s.cursor}
	}
	s.pending.buf = append(s.pending.buf, p...)
	s.cursor += int64(len(p))
	s.eof = false

	if len(s.pending.buf) >= s.bufferSize {
		if err := s.commit(); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Seek implements io.Seeker. Seeking past the end is allowed; seeking
// before the start fails with ErrInvalidSeek and leaves the cursor alone.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if err := s.checkOpen("seek"); err != nil {
		return 0, err
	}

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = s.cursor
	case io.SeekEnd:
		end, err := s.length()
		if err != nil {
			return 0, err
		}
		base = end
	default:
		return 0, pathErr("seek", s.file.Pathname(), ErrInvalidWhence)
	}

	pos := base + offset
	if pos < 0 {
		return 0, pathErr("seek", s.file.Pathname(), ErrInvalidSeek)
	}
	s.cursor = pos
	s.eof = false
	return pos, nil
}

// Tell returns the cursor position.
func (s *Stream) Tell() (int64, error) {
	if err := s.checkOpen("tell"); err != nil {
		return 0, err
	}
	return s.cursor, nil
}

// EOF reports whether the last read hit the end of the file. Seeking,
// writing and truncating clear it.
func (s *Stream) EOF() bool {
	return s.state == stateOpen && s.eof
}

// Truncate resizes the file. The cursor is not moved, so a following write
// past the new end zero-fills the gap.
func (s *Stream) Truncate(size int64) error {
	if err := s.checkOpen("truncate"); err != nil {
		return err
	}
	if !s.mode.Write {
		return pathErr("truncate", s.file.Pathname(), ErrNotAllowed)
	}
	if size < 0 {
		return pathErr("truncate", s.file.Pathname(), ErrInvalidSize)
	}
	if err := s.commit(); err != nil {
		return err
	}
	if err := s.content.Truncate(size); err != nil {
		return err
	}
	s.eof = false
	return nil
}

// Flush commits pending writes and syncs the backend when it can.
func (s *Stream) Flush() error {
	if s.state != stateOpen {
		return nil
	}
	if err := s.commit(); err != nil {
		return err
	}
	if syncer, ok := s.content.(CanSync); ok {
		return syncer.Sync()
	}
	return nil
}

// Lock takes or releases an advisory lock. Backends without locks make it
// a cooperative no-op, or fail with ErrNotSupported under strict locking.
func (s *Stream) Lock(mode LockMode) error {
	if err := s.checkOpen("lock"); err != nil {
		return err
	}
	switch mode.Kind() {
	case LockShared, LockExclusive, LockUnlock:
	default:
		return pathErr("lock", s.file.Pathname(), ErrInvalidMode)
	}

	locker, ok := s.content.(CanLock)
	if !ok {
		return s.unsupportedLock()
	}

	var err error
	if mode.Kind() == LockUnlock {
		err = locker.Unlock()
		if err == nil {
			s.locked = false
		}
	} else {
		err = locker.Lock(mode)
		if err == nil {
			s.locked = true
		}
	}
	if errors.Is(err, ErrNotSupported) {
		return s.unsupportedLock()
	}
	return err
}

func (s *Stream) unsupportedLock() error {
	if s.strictLocking {
		return pathErr("lock", s.file.Pathname(), ErrNotSupported)
	}
	return nil
}

// Stat commits pending writes and returns the file metadata.
func (s *Stream) Stat(ctx context.Context) (*FileInfo, error) {
	if err := s.checkOpen("stat"); err != nil {
		return nil, err
	}
	if err := s.commit(); err != nil {
		return nil, err
	}
	return s.file.Stat(ctx)
}

// Close commits pending writes, releases the lock and closes the backend
// handle. It never fails: errors are logged and the stream is closed
// anyway. Closing twice is a no-op.
func (s *Stream) Close() error {
	if s.state != stateOpen {
		s.state = stateClosed
		return nil
	}

	log := s.logger.WithField("path", s.file.Pathname())
	if err := s.commit(); err != nil {
		log.WithError(err).Warn("discarding unflushed stream data")
	}
	if s.locked {
		if locker, ok := s.content.(CanLock); ok {
			if err := locker.Unlock(); err != nil {
				log.WithError(err).Warn("failed to release stream lock")
			}
		}
	}
	if err := s.content.Close(); err != nil {
		log.WithError(err).Warn("failed to close stream")
	}

	s.content = nil
	s.pending = nil
	s.locked = false
	s.eof = false
	s.state = stateClosed
	return nil
}

var (
	_ io.ReadWriteSeeker = (*Stream)(nil)
	_ io.Closer          = (*Stream)(nil)
)
