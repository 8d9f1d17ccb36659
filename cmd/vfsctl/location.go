package main

import (
	"context"
	"strings"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/vfs"
)

// archiveMarker separates an archive file from the path inside it.
const archiveMarker = "!"

// target is an opened location: the innermost host, the path on it and
// every reference taken on the way.
type target struct {
	host vfs.Host
	path string
	refs []vfs.Host
}

func (t *target) String() string {
	return vfs.Location{Host: t.host, Path: t.path}.String()
}

// Close releases the references, innermost first.
func (t *target) Close() error {
	var first error
	for i := len(t.refs) - 1; i >= 0; i-- {
		if err := t.refs[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	t.refs = nil
	return first
}

// locate turns the outer part of a location into a configuration and a
// path. Plain absolute paths are local; anything without a scheme names a
// bookmark, optionally followed by a path below it.
func (a *app) locate(s string) (vfs.Configuration, string, error) {
	switch {
	case s == "":
		return vfs.Configuration{}, "", usagef("empty location")
	case strings.Contains(s, "://"):
		return vfs.ParseURL(s)
	case strings.HasPrefix(s, "/"):
		return vfs.Configuration{Kind: vfs.KindNative, Root: "/"}, s, nil
	}

	store, err := a.bookmarks()
	if err != nil {
		return vfs.Configuration{}, "", err
	}
	name, rest, _ := strings.Cut(s, "/")
	b, err := store.Get(name)
	if err != nil {
		return vfs.Configuration{}, "", err
	}
	p := b.Path
	if rest != "" {
		p = vfs.Join(b.Path, rest)
	}
	return b.Config, p, nil
}

// open resolves a location, entering archives at each "!".
func (a *app) open(ctx context.Context, loc string) (*target, error) {
	parts := strings.Split(loc, archiveMarker)
	cfg, p, err := a.locate(parts[0])
	if err != nil {
		return nil, err
	}
	ref, err := a.registry.Open(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	t := &target{host: ref, refs: []vfs.Host{ref}}
	if t.path, err = vfs.Normalize(p); err != nil {
		t.Close()
		return nil, err
	}

	for _, inner := range parts[1:] {
		if inner == "" {
			inner = "/"
		}
		ref, err := a.registry.Open(ctx, vfs.Configuration{Kind: vfs.KindArchive, Path: t.path}, t.host)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.refs = append(t.refs, ref)
		t.host = ref
		if t.path, err = vfs.Normalize(inner); err != nil {
			t.Close()
			return nil, err
		}
	}
	return t, nil
}

// sameHost reports whether two targets address the same host.
func sameHost(a, b *target) bool {
	return vfs.Identity(vfs.Unwrap(a.host)) == vfs.Identity(vfs.Unwrap(b.host))
}

// destination resolves the second argument of mv and cp. An absolute path
// stays on the source host.
func (a *app) destination(ctx context.Context, src *target, dst string) (*target, error) {
	if strings.HasPrefix(dst, "/") && !strings.Contains(dst, archiveMarker) {
		p, err := vfs.Normalize(dst)
		if err != nil {
			return nil, err
		}
		ref, err := vfs.Retain(src.host)
		if err != nil {
			return nil, err
		}
		return &target{host: ref, path: p, refs: []vfs.Host{ref}}, nil
	}
	t, err := a.open(ctx, dst)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// intoDirectory appends the source name when dst is an existing directory.
func intoDirectory(ctx context.Context, src, dst *target) error {
	st, err := dst.host.Stat(ctx, dst.path)
	switch {
	case errors.IsKind(err, errors.KindNotFound):
		return nil
	case err != nil:
		return err
	case st.IsDir():
		dst.path = vfs.Join(dst.path, vfs.Base(src.path))
	}
	return nil
}
