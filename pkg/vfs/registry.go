package vfs

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
)

// Factory constructs a host for a configuration, stacked on parent when the
// kind requires one.
type Factory func(ctx context.Context, cfg Configuration, parent Host) (Host, error)

// Registry creates hosts on demand and shares them: opening an equal
// configuration on the same parent chain returns another reference to the
// existing host. A host is closed and forgotten when its last reference is
// released.
type Registry struct {
	logger    *zap.Logger
	factories map[Kind]Factory

	mu    sync.Mutex
	hosts map[string]*shared
	group singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logging.OrNop(logger).Named("registry"),
		factories: make(map[Kind]Factory),
		hosts:     make(map[string]*shared),
	}
}

// Register installs the factory for kind, replacing any previous one.
func (r *Registry) Register(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Open returns a reference to the host for cfg on parent, creating it when
// needed. Concurrent opens of the same identity share one construction. The
// caller must Close the returned host.
func (r *Registry) Open(ctx context.Context, cfg Configuration, parent Host) (*Ref, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := IdentityOf(cfg, parent)

	r.mu.Lock()
	factory, ok := r.factories[cfg.Kind]
	r.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.KindNotSupported, "no backend registered for %q", cfg.Kind)
	}

	// A host released between lookup and reference is replaced; retry.
	for attempt := 0; attempt < 3; attempt++ {
		if s := r.get(id); s != nil {
			if ref, ok := s.tryRef(); ok {
				return ref, nil
			}
		}

		v, err, _ := r.group.Do(id, func() (interface{}, error) {
			if s := r.get(id); s != nil && !s.isDead() {
				return s, nil
			}
			h, err := factory(ctx, cfg, parent)
			if err != nil {
				return nil, err
			}
			s := &shared{host: h}
			s.onZero = func() { r.forget(id, s) }

			r.mu.Lock()
			r.hosts[id] = s
			r.mu.Unlock()

			r.logger.Debug("Host created", logging.Host(h.Tag()), zap.String("config", cfg.Verbose()))
			return s, nil
		})
		if err != nil {
			return nil, errors.As(err)
		}
		if ref, ok := v.(*shared).tryRef(); ok {
			return ref, nil
		}
	}
	return nil, errors.New(errors.KindIOFailure, "host was released while opening").WithPath(cfg.Verbose())
}

func (r *Registry) get(id string) *shared {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hosts[id]
}

func (r *Registry) forget(id string, s *shared) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hosts[id] == s {
		delete(r.hosts, id)
	}
}

// Len returns the number of live hosts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosts)
}

// Close closes every live host regardless of outstanding references.
func (r *Registry) Close() error {
	r.mu.Lock()
	hosts := r.hosts
	r.hosts = make(map[string]*shared)
	r.mu.Unlock()

	var first error
	for _, s := range hosts {
		s.mu.Lock()
		s.dead = true
		s.mu.Unlock()
		if err := s.host.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
