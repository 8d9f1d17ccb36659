package vfs

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/objectfs/vfs/pkg/errors"
)

// shared counts the references to one host. The host is closed when the
// count drops to zero.
type shared struct {
	host   Host
	mu     sync.Mutex
	refs   int
	dead   bool
	onZero func()
}

// Ref is a counted reference to a shared host. It is itself a Host; Close
// releases this reference only.
type Ref struct {
	Host
	s        *shared
	released atomic.Bool
}

// Share starts reference counting h and returns the first reference.
func Share(h Host) *Ref {
	return newShared(h, nil).ref()
}

func newShared(h Host, onZero func()) *shared {
	return &shared{host: h, onZero: onZero}
}

func (s *shared) ref() *Ref {
	r, _ := s.tryRef()
	return r
}

// tryRef adds a reference unless the host has already been released.
func (s *shared) tryRef() (*Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil, false
	}
	s.refs++
	return &Ref{Host: s.host, s: s}, true
}

func (s *shared) isDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

func (s *shared) release() error {
	s.mu.Lock()
	s.refs--
	last := s.refs <= 0 && !s.dead
	if last {
		s.dead = true
	}
	s.mu.Unlock()
	if !last {
		return nil
	}
	if s.onZero != nil {
		s.onZero()
	}
	return s.host.Close()
}

// Retain returns a new reference to the same host. It fails once the last
// reference has been released and the host is closed.
func (r *Ref) Retain() (*Ref, error) {
	if ref, ok := r.s.tryRef(); ok {
		return ref, nil
	}
	return nil, errors.New(errors.KindInvalidCall, "host is closed").
		WithComponent("ref").WithOperation("retain")
}

// Refs returns the number of live references.
func (r *Ref) Refs() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.refs
}

// Unwrap returns the underlying host.
func (r *Ref) Unwrap() Host { return r.Host }

// Close releases the reference. The host closes with the last one.
func (r *Ref) Close() error {
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	return r.s.release()
}

// borrowed is a non-owning view of a host whose lifetime is managed by
// the caller.
type borrowed struct{ Host }

func (borrowed) Close() error { return nil }

// Retain returns a reference that keeps h alive until it is closed. For
// shared hosts this adds a reference, failing if the host is already
// closed; for others the caller keeps ownership and closing the result does
// nothing.
func Retain(h Host) (Host, error) {
	switch v := h.(type) {
	case *Ref:
		return v.Retain()
	case borrowed:
		return v, nil
	}
	return borrowed{h}, nil
}

// Unwrap strips reference wrappers from h.
func Unwrap(h Host) Host {
	for {
		switch v := h.(type) {
		case *Ref:
			h = v.Host
		case borrowed:
			h = v.Host
		default:
			return h
		}
	}
}

// Chain returns h and its parents, root host first.
func Chain(h Host) []Host {
	var chain []Host
	for ; h != nil; h = h.Parent() {
		chain = append(chain, h)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Identity returns a stable key for the (configuration, parent chain) pair.
func Identity(h Host) string {
	return IdentityOf(h.Configuration(), h.Parent())
}

// IdentityOf computes the identity a host with cfg stacked on parent
// would have.
func IdentityOf(cfg Configuration, parent Host) string {
	var b strings.Builder
	if parent != nil {
		for _, p := range Chain(parent) {
			b.WriteString(p.Configuration().Hash())
			b.WriteByte('/')
		}
	}
	b.WriteString(cfg.Hash())
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Title renders the host chain for people. A stacked host is shown as the
// location it is mounted at, with "!" entering the next level, e.g.
// file:///tmp/a.zip!/inner.zip.
func Title(h Host) string {
	if h.Parent() == nil {
		return h.Configuration().Verbose()
	}
	return Location{Host: h.Parent(), Path: h.JunctionPath()}.String()
}

// Location is a fully qualified address: a host plus a path on it.
type Location struct {
	Host Host
	Path string
}

func (l Location) String() string {
	if l.Host == nil {
		return l.Path
	}
	if l.Host.Parent() != nil {
		return Title(l.Host) + "!" + l.Path
	}
	c := l.Host.Configuration()
	c.Path = ""
	return strings.TrimSuffix(c.Verbose(), "/") + l.Path
}
