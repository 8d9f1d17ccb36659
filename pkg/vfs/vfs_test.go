package vfs_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/vfs/internal/memory"
	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/vfs"
)

func newMemory(t *testing.T, name string) *memory.Host {
	t.Helper()
	h := memory.New(vfs.Configuration{Kind: vfs.KindMemory, Root: name}, memory.Options{})
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func put(t *testing.T, h vfs.Host, p, content string) {
	t.Helper()
	f, err := h.OpenFile(context.Background(), p, vfs.OpenWriteTruncate|vfs.OpenCreate)
	require.NoError(t, err)
	_, err = io.WriteString(f, content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func mkdir(t *testing.T, h vfs.Host, p string) {
	t.Helper()
	require.NoError(t, h.CreateDirectory(context.Background(), p, 0755))
}

func TestMount(t *testing.T) {
	ctx := context.Background()
	parent := newMemory(t, "/disk")
	mkdir(t, parent, "/projects")
	mkdir(t, parent, "/projects/vfs")
	put(t, parent, "/projects/vfs/go.mod", "module x")

	sub, err := vfs.Mount(ctx, parent, "/projects")
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, "/projects", sub.JunctionPath())
	assert.Equal(t, vfs.Host(parent), vfs.Unwrap(sub.Parent()))

	l, err := sub.Resolve(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"vfs"}, l.Names())
	assert.Equal(t, "mem:///disk/projects", l.Host())

	inner, err := sub.Resolve(ctx, "/vfs", vfs.WithDotDot())
	require.NoError(t, err)
	assert.Equal(t, []string{"..", "go.mod"}, inner.Names())

	f, err := sub.OpenFile(ctx, "/vfs/go.mod", vfs.OpenRead)
	require.NoError(t, err)
	assert.Equal(t, "/vfs/go.mod", f.Path())
	data, err := vfs.ReadAll(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "module x", string(data))
	require.NoError(t, f.Close())

	st, err := sub.Stat(ctx, "/")
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	_, err = sub.Stat(ctx, "/missing")
	require.Error(t, err)
	assert.Equal(t, "/missing", errors.As(err).Path, "error paths are relative to the mount")

	assert.True(t, errors.IsKind(sub.Remove(ctx, "/"), errors.KindInvalidCall))
}

func TestMount_RequiresDirectory(t *testing.T) {
	ctx := context.Background()
	parent := newMemory(t, "m")
	put(t, parent, "/file", "x")

	_, err := vfs.Mount(ctx, parent, "/file")
	assert.True(t, errors.IsKind(err, errors.KindInvalidCall))
	_, err = vfs.Mount(ctx, parent, "/missing")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
	_, err = vfs.Mount(ctx, nil, "/")
	assert.True(t, errors.IsKind(err, errors.KindInvalidCall))
}

func TestMount_Stacked(t *testing.T) {
	ctx := context.Background()
	root := newMemory(t, "/")
	mkdir(t, root, "/a")
	mkdir(t, root, "/a/b")

	first, err := vfs.Mount(ctx, root, "/a")
	require.NoError(t, err)
	second, err := vfs.Mount(ctx, first, "/b")
	require.NoError(t, err)
	defer second.Close()
	defer first.Close()

	chain := vfs.Chain(second)
	require.Len(t, chain, 3)
	assert.Equal(t, vfs.KindMemory, chain[0].Configuration().Kind)
	assert.Equal(t, "mem:///a!/b", vfs.Title(second))
	assert.Equal(t, "mem:///a!/b!/x", vfs.Location{Host: second, Path: "/x"}.String())
	assert.NotEqual(t, vfs.Identity(first), vfs.Identity(second))
}

type countingFactory struct {
	mu      sync.Mutex
	created int
	closed  int32
	hosts   []*memory.Host
}

type trackedHost struct {
	*memory.Host
	closed *int32
}

func (h trackedHost) Close() error {
	atomic.AddInt32(h.closed, 1)
	return h.Host.Close()
}

func (f *countingFactory) factory(ctx context.Context, cfg vfs.Configuration, parent vfs.Host) (vfs.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	h := memory.New(cfg, memory.Options{})
	f.hosts = append(f.hosts, h)
	return trackedHost{Host: h, closed: &f.closed}, nil
}

func TestRegistry_SharesHosts(t *testing.T) {
	ctx := context.Background()
	cf := &countingFactory{}
	reg := vfs.NewRegistry(nil)
	reg.Register(vfs.KindMemory, cf.factory)
	defer reg.Close()

	cfg := vfs.Configuration{Kind: vfs.KindMemory, Root: "/shared"}
	a, err := reg.Open(ctx, cfg, nil)
	require.NoError(t, err)
	b, err := reg.Open(ctx, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, cf.created)
	assert.Equal(t, 2, a.Refs())
	assert.Equal(t, 1, reg.Len())

	put(t, a, "/f", "visible through both")
	ok, err := vfs.Exists(ctx, b, "/f")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "releasing twice is a no-op")
	assert.Equal(t, int32(0), atomic.LoadInt32(&cf.closed))
	assert.Equal(t, 1, b.Refs())

	require.NoError(t, b.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&cf.closed))
	assert.Equal(t, 0, reg.Len())

	c, err := reg.Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 2, cf.created, "a released host is recreated")
}

func TestRegistry_ConcurrentOpen(t *testing.T) {
	ctx := context.Background()
	cf := &countingFactory{}
	reg := vfs.NewRegistry(nil)
	reg.Register(vfs.KindMemory, cf.factory)
	defer reg.Close()

	cfg := vfs.Configuration{Kind: vfs.KindMemory, Root: "/c"}
	refs := make([]*vfs.Ref, 16)
	var g errgroup.Group
	for i := range refs {
		i := i
		g.Go(func() error {
			r, err := reg.Open(ctx, cfg, nil)
			refs[i] = r
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, cf.created)
	assert.Equal(t, len(refs), refs[0].Refs())
	for _, r := range refs {
		require.NoError(t, r.Close())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&cf.closed))
}

func TestRegistry_Errors(t *testing.T) {
	reg := vfs.NewRegistry(nil)
	defer reg.Close()

	_, err := reg.Open(context.Background(), vfs.Configuration{Kind: vfs.KindFTP, Server: "h"}, nil)
	assert.True(t, errors.IsKind(err, errors.KindNotSupported))

	_, err = reg.Open(context.Background(), vfs.Configuration{Kind: vfs.KindFTP}, nil)
	assert.True(t, errors.IsKind(err, errors.KindInvalidCall))

	reg.Register(vfs.KindMemory, memory.Factory(memory.Options{}))
	reg.Register(vfs.KindFTP, func(ctx context.Context, cfg vfs.Configuration, parent vfs.Host) (vfs.Host, error) {
		return nil, errors.New(errors.KindAuthenticationFailure, "530 Login incorrect")
	})
	assert.Equal(t, []vfs.Kind{vfs.KindFTP, vfs.KindMemory}, reg.Kinds())

	_, err = reg.Open(context.Background(), vfs.Configuration{Kind: vfs.KindFTP, Server: "h"}, nil)
	assert.True(t, errors.IsKind(err, errors.KindAuthenticationFailure))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_ParentKeepsChildIdentityDistinct(t *testing.T) {
	ctx := context.Background()
	reg := vfs.NewRegistry(nil)
	reg.Register(vfs.KindMemory, memory.Factory(memory.Options{}))
	defer reg.Close()

	p1 := newMemory(t, "/p1")
	p2 := newMemory(t, "/p2")
	cfg := vfs.Configuration{Kind: vfs.KindMemory, Root: "/child"}

	a, err := reg.Open(ctx, cfg, p1)
	require.NoError(t, err)
	defer a.Close()
	b, err := reg.Open(ctx, cfg, p2)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 2, reg.Len())
}

func TestShareAndRetain(t *testing.T) {
	h := memory.New(vfs.Configuration{Root: "/x"}, memory.Options{})
	ref := vfs.Share(h)
	extra, err := ref.Retain()
	require.NoError(t, err)
	assert.Equal(t, 2, ref.Refs())

	borrowed, err := vfs.Retain(h)
	require.NoError(t, err)
	require.NoError(t, borrowed.Close())
	_, err = h.Resolve(context.Background(), "/")
	require.NoError(t, err, "closing a borrowed host leaves the owner open")

	require.NoError(t, ref.Close())
	_, err = h.Resolve(context.Background(), "/")
	require.NoError(t, err)

	require.NoError(t, extra.Close())
	_, err = h.Resolve(context.Background(), "/")
	assert.True(t, errors.IsKind(err, errors.KindInvalidCall), "the last reference closes the host")
}

func TestRetainAfterLastRelease(t *testing.T) {
	h := memory.New(vfs.Configuration{Root: "/x"}, memory.Options{})
	ref := vfs.Share(h)
	require.NoError(t, ref.Close())

	again, err := ref.Retain()
	require.Error(t, err)
	assert.Nil(t, again)
	assert.True(t, errors.IsKind(err, errors.KindInvalidCall))
	assert.Equal(t, 0, ref.Refs(), "a failed retain does not resurrect the host")

	_, err = vfs.Retain(ref)
	require.Error(t, err)
	_, err = vfs.Mount(context.Background(), ref, "/")
	require.Error(t, err)
}

func TestWatchHub(t *testing.T) {
	ctx := context.Background()
	h := newMemory(t, "/w")
	mkdir(t, h, "/inbox")

	hub := vfs.NewWatchHub(nil)
	defer hub.Close()

	events := make(chan vfs.ChangeEvent, 16)
	sub1, err := hub.Subscribe(h, "/inbox", func(e vfs.ChangeEvent) { events <- e })
	require.NoError(t, err)
	sub2, err := hub.Subscribe(h, "/inbox/", func(e vfs.ChangeEvent) { events <- e })
	require.NoError(t, err)
	assert.NotEqual(t, sub1.ID, sub2.ID)
	assert.Equal(t, 2, hub.Subscribers(h, "/inbox"))

	mkdir(t, h, "/inbox/new")

	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			assert.Equal(t, "/inbox", e.Path)
			assert.False(t, e.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("expected a change notification")
		}
	}

	sub1.Unsubscribe()
	sub1.Unsubscribe()
	sub2.Unsubscribe()
	assert.Equal(t, 0, hub.Subscribers(h, "/inbox"))

	require.NoError(t, h.Remove(ctx, "/inbox/new"))
	select {
	case e := <-events:
		t.Fatalf("unexpected event after unsubscribe: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchHub_EqualConfigurationsDoNotShare(t *testing.T) {
	cfg := vfs.Configuration{Kind: vfs.KindMemory, Root: "/same"}
	first := memory.New(cfg, memory.Options{})
	mkdir(t, first, "/inbox")

	hub := vfs.NewWatchHub(nil)
	defer hub.Close()

	_, err := hub.Subscribe(first, "/inbox", func(vfs.ChangeEvent) {})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newMemory(t, "/same")
	require.Equal(t, vfs.Identity(first), vfs.Identity(second))
	mkdir(t, second, "/inbox")

	events := make(chan vfs.ChangeEvent, 4)
	_, err = hub.Subscribe(vfs.Share(second), "/inbox", func(e vfs.ChangeEvent) { events <- e })
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers(first, "/inbox"))
	assert.Equal(t, 1, hub.Subscribers(second, "/inbox"))

	mkdir(t, second, "/inbox/new")
	select {
	case e := <-events:
		assert.Equal(t, "/inbox", e.Path)
	case <-time.After(time.Second):
		t.Fatal("expected a change notification from the second host")
	}
}

type plainHost struct{ vfs.Host }

func (plainHost) Features() vfs.Features { return vfs.FeatureRename }

func TestWatchHub_NotSupported(t *testing.T) {
	hub := vfs.NewWatchHub(nil)
	defer hub.Close()

	_, err := hub.Subscribe(plainHost{newMemory(t, "/p")}, "/", func(vfs.ChangeEvent) {})
	assert.True(t, errors.IsKind(err, errors.KindNotSupported))
}

func TestResolveAsync(t *testing.T) {
	h := newMemory(t, "/async")
	put(t, h, "/one", "1")

	done := make(chan *listing.Listing, 1)
	p := vfs.ResolveAsync(context.Background(), h, "/", func(l *listing.Listing, err error) {
		assert.NoError(t, err)
		done <- l
	})

	l, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, l.Names())
	assert.Same(t, l, <-done)

	<-p.Done()
}

func TestResolveAsync_Cancel(t *testing.T) {
	h := newMemory(t, "/async")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := vfs.ResolveAsync(ctx, h, "/", nil)
	_, err := p.Wait(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindCancelled))
	p.Cancel()
}

func TestHelpers(t *testing.T) {
	ctx := context.Background()
	h := newMemory(t, "/helpers")
	mkdir(t, h, "/tree")
	mkdir(t, h, "/tree/a")
	mkdir(t, h, "/tree/a/b")
	put(t, h, "/tree/top", "12345")
	put(t, h, "/tree/a/mid", "123")
	put(t, h, "/tree/a/b/deep", "12")

	t.Run("CalculateDirectorySize", func(t *testing.T) {
		size, err := vfs.CalculateDirectorySize(ctx, h, "/tree")
		require.NoError(t, err)
		assert.Equal(t, int64(10), size)
	})

	t.Run("IterateDirectory stops early", func(t *testing.T) {
		var seen []string
		err := vfs.IterateDirectory(ctx, h, "/tree", func(e listing.Entry) bool {
			seen = append(seen, e.Name)
			return false
		})
		require.NoError(t, err)
		assert.Len(t, seen, 1)
	})

	t.Run("FetchSingleItem", func(t *testing.T) {
		l, err := vfs.FetchSingleItem(ctx, h, "/tree/top")
		require.NoError(t, err)
		require.Equal(t, 1, l.Count())
		assert.Equal(t, "top", l.Entry(0).Name)
		assert.Equal(t, int64(5), l.Entry(0).Size)
		assert.Equal(t, "/tree/", l.Path())
	})

	t.Run("Exists", func(t *testing.T) {
		ok, err := vfs.Exists(ctx, h, "/tree/nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CopyFile across hosts", func(t *testing.T) {
		dst := newMemory(t, "/dst")
		n, err := vfs.CopyFile(ctx, h, "/tree/top", dst, "/copy")
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		f, err := dst.OpenFile(ctx, "/copy", vfs.OpenRead)
		require.NoError(t, err)
		defer f.Close()
		data, err := vfs.ReadAll(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, "12345", string(data))
	})

	t.Run("StatVolume", func(t *testing.T) {
		st, err := vfs.StatVolume(ctx, h, "/")
		require.NoError(t, err)
		assert.Greater(t, st.Total, int64(0))
	})

	t.Run("Trash not supported", func(t *testing.T) {
		err := vfs.Trash(ctx, h, "/tree/top")
		assert.True(t, errors.IsKind(err, errors.KindNotSupported))
	})

	t.Run("RemoveAll", func(t *testing.T) {
		require.NoError(t, vfs.RemoveAll(ctx, h, "/tree"))
		ok, err := vfs.Exists(ctx, h, "/tree")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCloseAll(t *testing.T) {
	a := memory.New(vfs.Configuration{Root: "/a"}, memory.Options{})
	b := memory.New(vfs.Configuration{Root: "/b"}, memory.Options{})

	require.NoError(t, vfs.CloseAll(a, nil, b))
	_, err := a.Resolve(context.Background(), "/")
	assert.True(t, errors.IsKind(err, errors.KindInvalidCall))
}
