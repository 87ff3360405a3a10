// Package ninep serves a mergefs mount table over the 9P2000 protocol.
//
// Regular files are opened as mergefs streams, so 9P reads and writes go
// through the same buffering, EOF and locking rules as any other stream
// user; directories are listed through directory cursors.
package ninep

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sync"

	"aqwari.net/net/styx"
	"github.com/gobeaver/mergefs"
	"github.com/sirupsen/logrus"
)

// Server implements styx.Handler on top of a MountTable.
type Server struct {
	Table  *mergefs.MountTable
	Logger logrus.FieldLogger

	mu    sync.Mutex
	files map[string]map[*openFile]struct{}
}

// ListenAndServe serves table on the TCP address addr.
func ListenAndServe(addr string, table *mergefs.MountTable) error {
	srv := &Server{Table: table}
	s := &styx.Server{
		Addr:     addr,
		Handler:  srv,
		ErrorLog: srv.logger(),
	}
	return s.ListenAndServe()
}

func (srv *Server) logger() logrus.FieldLogger {
	if srv.Logger != nil {
		return srv.Logger
	}
	return logrus.StandardLogger()
}

// Serve9P handles the requests of one session.
func (srv *Server) Serve9P(s *styx.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := srv.logger().WithField("user", s.User)
	for s.Next() {
		msg := s.Request()
		switch t := msg.(type) {
		case styx.Twalk:
			t.Rwalk(srv.stat(ctx, t.Path()))
		case styx.Tstat:
			t.Rstat(srv.stat(ctx, t.Path()))
		case styx.Topen:
			t.Ropen(srv.open(ctx, t.Path(), t.Flag))
		case styx.Tcreate:
			t.Rcreate(srv.create(ctx, t.NewPath(), t.Mode))
		case styx.Tremove:
			t.Rremove(srv.remove(ctx, t.Path()))
		case styx.Trename:
			t.Rrename(srv.Table.Move(ctx, t.OldPath, t.NewPath))
		case styx.Ttruncate:
			t.Rtruncate(srv.withFile(t.Path(), func(f mergefs.File) error {
				return f.Truncate(ctx, t.Size)
			}))
		case styx.Tutimes:
			t.Rutimes(srv.withFile(t.Path(), func(f mergefs.File) error {
				return f.Chtimes(ctx, t.Atime, t.Mtime)
			}))
		case styx.Tchmod:
			t.Rchmod(srv.withFile(t.Path(), func(f mergefs.File) error {
				return f.Chmod(ctx, t.Mode.Perm())
			}))
		case styx.Tchown:
			t.Rchown(srv.withFile(t.Path(), func(f mergefs.File) error {
				return f.Chown(ctx, t.User, t.Group)
			}))
		case styx.Tsync:
			t.Rsync(srv.sync(t.Path()))
		default:
			log.Debugf("unhandled 9P request %T on %s", msg, msg.Path())
		}
	}
}

func (srv *Server) withFile(name string, fn func(mergefs.File) error) error {
	f, err := srv.Table.GetFile(name)
	if err != nil {
		return err
	}
	return fn(f)
}

func (srv *Server) stat(ctx context.Context, name string) (os.FileInfo, error) {
	return statPath(ctx, srv.Table, name)
}

func statPath(ctx context.Context, table *mergefs.MountTable, name string) (os.FileInfo, error) {
	f, err := table.GetFile(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat(ctx)
	if err != nil {
		return nil, err
	}
	return info.FS(), nil
}

// open returns a directory listing or a stream for the file at name.
func (srv *Server) open(ctx context.Context, name string, flag int) (interface{}, error) {
	f, err := srv.Table.GetFile(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat(ctx)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return newDirReader(ctx, srv.Table, f)
	}
	s, err := srv.Table.OpenStream(ctx, name, modeFromFlag(flag))
	if err != nil {
		return nil, err
	}
	return srv.track(name, s), nil
}

func (srv *Server) create(ctx context.Context, name string, mode os.FileMode) (interface{}, error) {
	f, err := srv.Table.GetFile(name)
	if err != nil {
		return nil, err
	}
	if mode.IsDir() {
		if err := f.CreateDir(ctx, false); err != nil {
			return nil, err
		}
		if err := srv.chmod(ctx, f, mode.Perm()); err != nil {
			return nil, err
		}
		return newDirReader(ctx, srv.Table, f)
	}
	s, err := srv.Table.OpenStream(ctx, name, "x+")
	if err != nil {
		return nil, err
	}
	if err := srv.chmod(ctx, f, mode.Perm()); err != nil {
		s.Close()
		return nil, err
	}
	return srv.track(name, s), nil
}

// chmod applies the permissions requested at create time. Backends without
// permission support keep their defaults.
func (srv *Server) chmod(ctx context.Context, f mergefs.File, perm os.FileMode) error {
	if perm == 0 {
		return nil
	}
	err := f.Chmod(ctx, perm)
	if errors.Is(err, mergefs.ErrNotSupported) {
		srv.logger().WithField("path", f.Pathname()).Debug("backend ignores permissions")
		return nil
	}
	return err
}

// openFile is a stream shared by 9P reads, writes and Tsync. Access is
// serialized by mu.
type openFile struct {
	mu     sync.Mutex
	stream *mergefs.Stream
	srv    *Server
	name   string
}

func (srv *Server) track(name string, s *mergefs.Stream) *openFile {
	of := &openFile{stream: s, srv: srv, name: name}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.files == nil {
		srv.files = make(map[string]map[*openFile]struct{})
	}
	if srv.files[name] == nil {
		srv.files[name] = make(map[*openFile]struct{})
	}
	srv.files[name][of] = struct{}{}
	return of
}

func (srv *Server) untrack(of *openFile) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.files[of.name], of)
	if len(srv.files[of.name]) == 0 {
		delete(srv.files, of.name)
	}
}

// sync commits the pending writes of every stream open on name.
func (srv *Server) sync(name string) error {
	srv.mu.Lock()
	open := make([]*openFile, 0, len(srv.files[name]))
	for of := range srv.files[name] {
		open = append(open, of)
	}
	srv.mu.Unlock()

	var errs []error
	for _, of := range open {
		errs = append(errs, of.Flush())
	}
	return errors.Join(errs...)
}

func (of *openFile) Read(p []byte) (int, error) {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.stream.Read(p)
}

func (of *openFile) Write(p []byte) (int, error) {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.stream.Write(p)
}

func (of *openFile) Seek(offset int64, whence int) (int64, error) {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.stream.Seek(offset, whence)
}

func (of *openFile) Flush() error {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.stream.Flush()
}

func (of *openFile) Close() error {
	of.srv.untrack(of)
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.stream.Close()
}

func (srv *Server) remove(ctx context.Context, name string) error {
	f, err := srv.Table.GetFile(name)
	if err != nil {
		return err
	}
	return f.Delete(ctx, false, false)
}

// modeFromFlag maps 9P open flags onto a stream mode. Files opened through
// 9P already exist, so write-only opens use "c" rather than "w" unless
// truncation was requested.
func modeFromFlag(flag int) string {
	trunc := flag&os.O_TRUNC != 0
	switch {
	case flag&os.O_RDWR != 0 && trunc:
		return "w+"
	case flag&os.O_RDWR != 0:
		return "r+"
	case flag&os.O_WRONLY != 0 && trunc:
		return "w"
	case flag&os.O_WRONLY != 0:
		return "c"
	default:
		return "r"
	}
}

// dirReader serves a directory cursor in the shape styx expects for
// directory reads.
type dirReader struct {
	ctx    context.Context
	table  *mergefs.MountTable
	cursor *mergefs.DirCursor
}

func newDirReader(ctx context.Context, table *mergefs.MountTable, f mergefs.File) (*dirReader, error) {
	c, err := mergefs.OpenDir(ctx, f)
	if err != nil {
		return nil, err
	}
	return &dirReader{ctx: ctx, table: table, cursor: c}, nil
}

// Readdir returns up to n entries; n <= 0 returns the rest. Entries that
// vanished since the snapshot are skipped.
func (d *dirReader) Readdir(n int) ([]os.FileInfo, error) {
	var infos []os.FileInfo
	for n <= 0 || len(infos) < n {
		name, err := d.cursor.Readdir()
		if err == io.EOF {
			break
		}
		if err != nil {
			return infos, err
		}
		info, err := statPath(d.ctx, d.table, path.Join(d.cursor.Path(), name))
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	if n > 0 && len(infos) == 0 {
		return nil, io.EOF
	}
	return infos, nil
}

func (d *dirReader) Close() error {
	return d.cursor.Close()
}

var _ styx.Handler = (*Server)(nil)
