package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/gobeaver/mergefs"
	"github.com/gobwas/glob"
)

// Watch implements mergefs.CanWatch using fsnotify. The pattern is a glob
// over slash-separated paths relative to the root; "**" crosses directories.
// The token fires once, on the first matching event.
func (a *Adapter) Watch(ctx context.Context, pattern string) (mergefs.ChangeToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rel := strings.TrimPrefix(pattern, "/")
	g, err := glob.Compile(rel, '/')
	if err != nil {
		return nil, &mergefs.PathError{Op: "watch", Path: pattern, Err: err}
	}

	watchPath, err := a.full("watch", watchDir(rel))
	if err != nil {
		return nil, err
	}

	watcher, err := newFSWatcher()
	if err != nil {
		return nil, &mergefs.PathError{Op: "watch", Path: pattern, Err: err}
	}
	if err := watcher.Add(watchPath); err != nil {
		watcher.Close()
		return nil, mergefs.TranslateError("watch", pattern, err)
	}

	// fsnotify is not recursive
	if strings.Contains(rel, "**") {
		filepath.Walk(watchPath, func(p string, info os.FileInfo, err error) error {
			if err == nil && info.IsDir() && p != watchPath {
				watcher.Add(p)
			}
			return nil
		})
	}

	token := mergefs.NewCallbackChangeToken()
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events():
				if !ok {
					return
				}
				relPath, err := filepath.Rel(a.root, event.Name)
				if err != nil {
					continue
				}
				if g.Match(filepath.ToSlash(relPath)) {
					token.SignalChange()
					return
				}
			case _, ok := <-watcher.Errors():
				if !ok {
					return
				}
			}
		}
	}()

	return token, nil
}

// watchDir returns the longest directory of pattern free of glob syntax.
func watchDir(pattern string) string {
	idx := strings.IndexAny(pattern, "*?[{")
	if idx < 0 {
		return filepath.ToSlash(filepath.Dir(pattern))
	}
	dir := pattern[:idx]
	if slash := strings.LastIndex(dir, "/"); slash >= 0 {
		return dir[:slash]
	}
	return ""
}

// fsWatcher wraps fsnotify.Watcher with a simpler interface
type fsWatcher interface {
	Add(path string) error
	Close() error
	Events() <-chan fsEvent
	Errors() <-chan error
}

type fsEvent struct {
	Name string
	Op   fsnotify.Op
}

type fsnotifyWatcher struct {
	watcher *fsnotify.Watcher
	events  chan fsEvent
	errors  chan error
	done    chan struct{}
}

func newFSWatcher() (fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &fsnotifyWatcher{
		watcher: w,
		events:  make(chan fsEvent),
		errors:  make(chan error),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(fw.events)
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				select {
				case fw.events <- fsEvent{Name: event.Name, Op: event.Op}:
				case <-fw.done:
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				select {
				case fw.errors <- err:
				case <-fw.done:
					return
				}
			case <-fw.done:
				return
			}
		}
	}()

	return fw, nil
}

func (w *fsnotifyWatcher) Add(path string) error {
	return w.watcher.Add(path)
}

func (w *fsnotifyWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *fsnotifyWatcher) Events() <-chan fsEvent {
	return w.events
}

func (w *fsnotifyWatcher) Errors() <-chan error {
	return w.errors
}
