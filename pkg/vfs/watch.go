package vfs

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
)

// ChangeEvent is a coarse "directory may have changed" signal. It carries
// no diff; subscribers re-resolve the directory.
type ChangeEvent struct {
	Host Host
	Path string
	At   time.Time
}

// Subscription is one registered change callback.
type Subscription struct {
	ID   string
	hub  *WatchHub
	key  watchKey
	once sync.Once
}

// Unsubscribe stops deliveries. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.hub.remove(s) })
}

// watchKey names a target by host instance, so two hosts with equal
// configurations never share an observation.
type watchKey struct {
	host Host
	path string
}

type watchTarget struct {
	host Host
	path string
	stop func()
	subs map[string]func(ChangeEvent)
}

// WatchHub multiplexes change subscriptions keyed by (host, path) onto one
// backend observation each. Callbacks run on a hub goroutine, never on the
// caller's.
type WatchHub struct {
	logger *zap.Logger

	mu      sync.Mutex
	targets map[watchKey]*watchTarget
	closed  bool

	deliveries chan delivery
	done       chan struct{}
	wg         sync.WaitGroup
}

type delivery struct {
	fn    func(ChangeEvent)
	event ChangeEvent
}

// NewWatchHub starts a hub. Close releases every observation.
func NewWatchHub(logger *zap.Logger) *WatchHub {
	h := &WatchHub{
		logger:     logging.OrNop(logger).Named("watch"),
		targets:    make(map[watchKey]*watchTarget),
		deliveries: make(chan delivery, 64),
		done:       make(chan struct{}),
	}
	h.wg.Add(1)
	go h.dispatch()
	return h
}

// Subscribe registers fn for changes of path on host. Hosts without watch
// support fail with NotSupported.
func (h *WatchHub) Subscribe(host Host, path string, fn func(ChangeEvent)) (*Subscription, error) {
	dir, err := Normalize(path)
	if err != nil {
		return nil, err
	}
	w, ok := AsWatcher(host)
	if !ok || !host.Features().Has(FeatureWatch) {
		return nil, errors.NotSupported("watch").WithComponent(host.Tag())
	}

	key := watchKey{host: Unwrap(host), path: dir}
	sub := &Subscription{ID: uuid.NewString(), hub: h, key: key}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New(errors.KindInvalidCall, "watch hub is closed")
	}

	t, ok := h.targets[key]
	if !ok {
		t = &watchTarget{host: host, path: dir, subs: make(map[string]func(ChangeEvent))}
		stop, err := w.ObserveDirectory(dir, func() { h.fire(key) })
		if err != nil {
			return nil, err
		}
		t.stop = stop
		h.targets[key] = t
		h.logger.Debug("Observing directory", logging.Host(host.Tag()), logging.Path(dir))
	}
	t.subs[sub.ID] = fn
	return sub, nil
}

// Subscribers returns the number of subscriptions for (host, path).
func (h *WatchHub) Subscribers(host Host, path string) int {
	dir, err := Normalize(path)
	if err != nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.targets[watchKey{host: Unwrap(host), path: dir}]; ok {
		return len(t.subs)
	}
	return 0
}

func (h *WatchHub) fire(key watchKey) {
	h.mu.Lock()
	t, ok := h.targets[key]
	if !ok || h.closed {
		h.mu.Unlock()
		return
	}
	event := ChangeEvent{Host: t.host, Path: t.path, At: time.Now()}
	fns := make([]func(ChangeEvent), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		select {
		case h.deliveries <- delivery{fn: fn, event: event}:
		case <-h.done:
			return
		}
	}
}

func (h *WatchHub) dispatch() {
	defer h.wg.Done()
	for {
		select {
		case d := <-h.deliveries:
			d.fn(d.event)
		case <-h.done:
			return
		}
	}
}

func (h *WatchHub) remove(s *Subscription) {
	h.mu.Lock()
	t, ok := h.targets[s.key]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(t.subs, s.ID)
	var stop func()
	if len(t.subs) == 0 {
		delete(h.targets, s.key)
		stop = t.stop
	}
	h.mu.Unlock()

	if stop != nil {
		stop()
		h.logger.Debug("Stopped observing directory", logging.Path(t.path))
	}
}

// Close stops all observations and the dispatcher.
func (h *WatchHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	targets := h.targets
	h.targets = make(map[watchKey]*watchTarget)
	h.mu.Unlock()

	for _, t := range targets {
		if t.stop != nil {
			t.stop()
		}
	}
	close(h.done)
	h.wg.Wait()
	return nil
}
