package vfs

import (
	"context"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
)

// subHost exposes a directory of its parent as a host of its own.
type subHost struct {
	parent    Host
	junction  string
	closeOnce sync.Once
	closeErr  error
}

// Mount stacks a new host whose root is mountPath inside parent. The
// mount path is resolved through the parent chain first and must be a
// directory. The returned host keeps parent alive until it is closed.
func Mount(ctx context.Context, parent Host, mountPath string) (Host, error) {
	if parent == nil {
		return nil, errors.New(errors.KindInvalidCall, "mount requires a parent host")
	}
	p, err := Normalize(mountPath)
	if err != nil {
		return nil, err
	}
	st, err := parent.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, errors.New(errors.KindInvalidCall, "mount point is not a directory").WithPath(p)
	}
	ref, err := Retain(parent)
	if err != nil {
		return nil, err
	}
	return &subHost{parent: ref, junction: p}, nil
}

func (h *subHost) Tag() string { return "mount" }

func (h *subHost) Configuration() Configuration {
	return Configuration{Kind: KindMount, Path: h.junction}
}

func (h *subHost) Parent() Host         { return h.parent }
func (h *subHost) JunctionPath() string { return h.junction }
func (h *subHost) Features() Features   { return h.parent.Features() &^ FeatureTrash }
func (h *subHost) IsWritable() bool     { return h.parent.IsWritable() }

// outer maps a path of this host onto the parent.
func (h *subHost) outer(p string) (string, error) {
	n, err := Normalize(p)
	if err != nil {
		return "", err
	}
	return path.Join(h.junction, n), nil
}

// inner maps a parent path back into this host.
func (h *subHost) inner(p string) string {
	if h.junction == "/" {
		return p
	}
	rel := strings.TrimPrefix(p, h.junction)
	if rel == "" {
		return "/"
	}
	return rel
}

func (h *subHost) Resolve(ctx context.Context, p string, opts ...ResolveOption) (*listing.Listing, error) {
	o, err := h.outer(p)
	if err != nil {
		return nil, err
	}
	// ".." is synthesized here so that the mount root does not lead into the parent.
	ro := ApplyResolveOptions(opts...)
	popts := []ResolveOption{NoDotDot()}
	if ro.ForceRefresh {
		popts = append(popts, ForceRefresh())
	}
	pl, err := h.parent.Resolve(ctx, o, popts...)
	if err != nil {
		return nil, err
	}

	dir, _ := Normalize(p)
	b := listing.NewBuilder(dir, ListingHost(h)).Title(pl.Title())
	AddDotDot(b, dir, ro)
	for _, e := range pl.Entries() {
		b.Add(e)
	}
	return b.Build()
}

func (h *subHost) Stat(ctx context.Context, p string) (Stat, error) {
	o, err := h.outer(p)
	if err != nil {
		return Stat{}, err
	}
	st, err := h.parent.Stat(ctx, o)
	if err != nil {
		return Stat{}, h.rewrite(err)
	}
	if o == h.junction {
		st.Name = "/"
	}
	return st, nil
}

func (h *subHost) OpenFile(ctx context.Context, p string, mode OpenMode) (File, error) {
	o, err := h.outer(p)
	if err != nil {
		return nil, err
	}
	f, err := h.parent.OpenFile(ctx, o, mode)
	if err != nil {
		return nil, h.rewrite(err)
	}
	return &subFile{File: f, path: h.inner(o)}, nil
}

func (h *subHost) CreateDirectory(ctx context.Context, p string, perm os.FileMode) error {
	o, err := h.outer(p)
	if err != nil {
		return err
	}
	return h.rewrite(h.parent.CreateDirectory(ctx, o, perm))
}

func (h *subHost) Remove(ctx context.Context, p string) error {
	o, err := h.outer(p)
	if err != nil {
		return err
	}
	if o == h.junction {
		return errors.New(errors.KindInvalidCall, "cannot remove the mount root").WithPath(p)
	}
	return h.rewrite(h.parent.Remove(ctx, o))
}

func (h *subHost) Rename(ctx context.Context, from, to string) error {
	of, err := h.outer(from)
	if err != nil {
		return err
	}
	ot, err := h.outer(to)
	if err != nil {
		return err
	}
	return h.rewrite(h.parent.Rename(ctx, of, ot))
}

// StatFS forwards to the parent when it supports it.
func (h *subHost) StatFS(ctx context.Context, p string) (StatFS, error) {
	fsr, ok := AsStatFSer(h.parent)
	if !ok {
		return StatFS{}, errors.NotSupported("statfs")
	}
	o, err := h.outer(p)
	if err != nil {
		return StatFS{}, err
	}
	return fsr.StatFS(ctx, o)
}

// ObserveDirectory forwards to the parent when it supports watching.
func (h *subHost) ObserveDirectory(p string, notify func()) (func(), error) {
	w, ok := AsWatcher(h.parent)
	if !ok {
		return nil, errors.NotSupported("watch")
	}
	o, err := h.outer(p)
	if err != nil {
		return nil, err
	}
	return w.ObserveDirectory(o, notify)
}

// SetTimes forwards to the parent when it supports it.
func (h *subHost) SetTimes(ctx context.Context, p string, atime, mtime time.Time) error {
	a, ok := AsAttrSetter(h.parent)
	if !ok {
		return errors.NotSupported("set times")
	}
	o, err := h.outer(p)
	if err != nil {
		return err
	}
	return h.rewrite(a.SetTimes(ctx, o, atime, mtime))
}

// SetPermissions forwards to the parent when it supports it.
func (h *subHost) SetPermissions(ctx context.Context, p string, perm os.FileMode) error {
	a, ok := AsAttrSetter(h.parent)
	if !ok {
		return errors.NotSupported("set permissions")
	}
	o, err := h.outer(p)
	if err != nil {
		return err
	}
	return h.rewrite(a.SetPermissions(ctx, o, perm))
}

// rewrite maps paths in errors back into this host's namespace.
func (h *subHost) rewrite(err error) error {
	if err == nil {
		return nil
	}
	e := errors.As(err)
	if e.Path != "" && Within(h.junction, e.Path) {
		e.Path = h.inner(e.Path)
	}
	return e
}

func (h *subHost) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.parent.Close()
	})
	return h.closeErr
}

type subFile struct {
	File
	path string
}

func (f *subFile) Path() string { return f.path }
