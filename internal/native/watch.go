package native

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
)

// watchedDir is one directory registered with the kernel watcher.
type watchedDir struct {
	observers map[uint64]func()
	timer     *time.Timer
}

// watcher fans fsnotify events out to directory observers. Bursts of
// events for one directory are coalesced into a single notification.
type watcher struct {
	w        *fsnotify.Watcher
	coalesce time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	dirs   map[string]*watchedDir
	nextID uint64
	closed bool
	done   chan struct{}
}

func newWatcher(coalesce time.Duration, logger *zap.Logger) (*watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, translate(err, "watch", "")
	}
	wt := &watcher{
		w:        w,
		coalesce: coalesce,
		logger:   logger,
		dirs:     make(map[string]*watchedDir),
		done:     make(chan struct{}),
	}
	go wt.run()
	return wt, nil
}

func (wt *watcher) run() {
	defer close(wt.done)
	for {
		select {
		case ev, ok := <-wt.w.Events:
			if !ok {
				return
			}
			wt.schedule(filepath.Dir(ev.Name))
			// The watched directory itself went away.
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				wt.schedule(ev.Name)
			}
		case err, ok := <-wt.w.Errors:
			if !ok {
				return
			}
			wt.logger.Warn("Watch error", logging.Err(err))
		}
	}
}

// schedule arms the coalescing timer of dir if anyone observes it.
func (wt *watcher) schedule(dir string) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	d, ok := wt.dirs[dir]
	if !ok || wt.closed {
		return
	}
	if d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(wt.coalesce, func() { wt.fire(dir) })
}

func (wt *watcher) fire(dir string) {
	wt.mu.Lock()
	d, ok := wt.dirs[dir]
	if !ok || wt.closed {
		wt.mu.Unlock()
		return
	}
	d.timer = nil
	fns := make([]func(), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	wt.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (wt *watcher) add(dir string, notify func()) (func(), error) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if wt.closed {
		return nil, errors.New(errors.KindInvalidCall, "watcher is closed").WithComponent(Tag)
	}

	d, ok := wt.dirs[dir]
	if !ok {
		if err := wt.w.Add(dir); err != nil {
			return nil, translate(err, "watch", dir)
		}
		d = &watchedDir{observers: make(map[uint64]func())}
		wt.dirs[dir] = d
		wt.logger.Debug("Watching directory", zap.String("dir", dir))
	}
	wt.nextID++
	id := wt.nextID
	d.observers[id] = notify

	var once sync.Once
	return func() { once.Do(func() { wt.remove(dir, id) }) }, nil
}

func (wt *watcher) remove(dir string, id uint64) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	d, ok := wt.dirs[dir]
	if !ok {
		return
	}
	delete(d.observers, id)
	if len(d.observers) > 0 {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(wt.dirs, dir)
	if !wt.closed {
		// The directory may already be gone, which drops the watch anyway.
		_ = wt.w.Remove(dir)
	}
}

func (wt *watcher) close() error {
	wt.mu.Lock()
	if wt.closed {
		wt.mu.Unlock()
		return nil
	}
	wt.closed = true
	for _, d := range wt.dirs {
		if d.timer != nil {
			d.timer.Stop()
		}
	}
	wt.dirs = map[string]*watchedDir{}
	wt.mu.Unlock()

	err := wt.w.Close()
	<-wt.done
	if err != nil {
		return translate(err, "close watcher", "")
	}
	return nil
}

// ObserveDirectory notifies after entries of p are created, removed,
// renamed or written. Events arriving within WatchCoalesce of each other
// produce one notification.
func (h *Host) ObserveDirectory(p string, notify func()) (func(), error) {
	clean, full, err := h.local(p)
	if err != nil {
		return nil, err
	}
	w, err := h.watcher()
	if err != nil {
		return nil, err
	}
	stop, err := w.add(full, notify)
	if err != nil {
		if e, ok := err.(*errors.Error); ok {
			e.Path = clean
		}
		return nil, err
	}
	return stop, nil
}

// watcher starts the kernel watcher on first use.
func (h *Host) watcher() (*watcher, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New(errors.KindInvalidCall, "host is closed").WithComponent(Tag)
	}
	if h.watch == nil {
		w, err := newWatcher(h.opts.WatchCoalesce, h.logger)
		if err != nil {
			return nil, err
		}
		h.watch = w
	}
	return h.watch, nil
}
