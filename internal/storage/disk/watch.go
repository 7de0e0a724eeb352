package disk

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

func watchSupported(root string) bool {
	return !isNFS(root)
}

// WatchRecord implements storage.Watcher using fsnotify on the record
// directory. Events for other lock names are filtered out.
func (s *Store) WatchRecord(ctx context.Context, name string) (<-chan struct{}, func(), error) {
	if !s.watch {
		return nil, nil, fmt.Errorf("disk: watch unavailable (%s)", s.watchWhy)
	}
	path, err := s.recordPath(name)
	if err != nil {
		return nil, nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	if err := watcher.Add(s.recordDir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("disk: watch %q: %w", s.recordDir, err)
	}
	sub := &recordWatch{
		watcher: watcher,
		target:  filepath.Clean(path),
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run(ctx)
	return sub.events, sub.close, nil
}

type recordWatch struct {
	watcher *fsnotify.Watcher
	target  string
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (w *recordWatch) close() {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
}

func (w *recordWatch) run(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			w.close()
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == w.target {
				w.signal()
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.signal()
		}
	}
}

func (w *recordWatch) signal() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
