// Package vfs defines the uniform host and file contracts implemented by
// every backend, plus stacking, sharing and change notification built on
// top of them.
package vfs

import (
	"context"
	"os"
	"time"

	"github.com/objectfs/vfs/pkg/listing"
)

// Features are explicit capability bits of a host.
type Features uint32

const (
	FeatureSetPermissions Features = 1 << iota
	FeatureSetTimes
	FeatureSetOwnership
	FeatureSymlinks
	FeatureWatch
	FeatureStatFS
	FeatureTrash
	FeatureRename
	FeatureRandomRead
	FeatureRandomWrite
	FeatureNonEmptyRemove
)

// Has reports whether all bits in f2 are set.
func (f Features) Has(f2 Features) bool { return f&f2 == f2 }

// Host is one connected namespace of files and directories. Every method
// that may block takes a context; cancelling it aborts the operation with
// KindCancelled. Paths are absolute, slash separated, relative to the host's
// own root. Errors are always *errors.Error.
type Host interface {
	// Tag names the backend, e.g. "native" or "ftp"
	Tag() string
	Configuration() Configuration
	// Parent returns the host this one is stacked on, or nil
	Parent() Host
	// JunctionPath is the path inside Parent this host is mounted at
	JunctionPath() string
	Features() Features
	IsWritable() bool

	Resolve(ctx context.Context, path string, opts ...ResolveOption) (*listing.Listing, error)
	Stat(ctx context.Context, path string) (Stat, error)
	OpenFile(ctx context.Context, path string, mode OpenMode) (File, error)
	CreateDirectory(ctx context.Context, path string, perm os.FileMode) error
	// Remove deletes a file, symlink or empty directory
	Remove(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error

	// Close cancels in-flight requests and releases connections and open
	// handles the host still owns
	Close() error
}

// Watcher hosts deliver coarse change notifications for directories.
type Watcher interface {
	// ObserveDirectory calls notify after the directory may have changed.
	// The returned stop function ends the observation.
	ObserveDirectory(path string, notify func()) (stop func(), err error)
}

// StatFSer hosts report volume capacity.
type StatFSer interface {
	StatFS(ctx context.Context, path string) (StatFS, error)
}

// Symlinker hosts create and read symbolic links.
type Symlinker interface {
	CreateSymlink(ctx context.Context, path, target string) error
	ReadSymlink(ctx context.Context, path string) (string, error)
}

// AttrSetter hosts change times and permissions.
type AttrSetter interface {
	SetTimes(ctx context.Context, path string, atime, mtime time.Time) error
	SetPermissions(ctx context.Context, path string, perm os.FileMode) error
}

// Trasher hosts move items to a recoverable trash.
type Trasher interface {
	Trash(ctx context.Context, path string) error
}

// Stat describes a single item.
type Stat struct {
	listing.Entry
}

// StatFS describes the volume holding a path.
type StatFS struct {
	Total      int64
	Free       int64
	Available  int64
	VolumeName string
}

// ResolveOptions control a single Resolve call.
type ResolveOptions struct {
	// ForceRefresh bypasses any cached listing
	ForceRefresh bool
	// DotDot adds a synthetic ".." entry for non-root directories
	DotDot bool
}

// ResolveOption customizes Resolve.
type ResolveOption func(*ResolveOptions)

// ForceRefresh bypasses the directory cache.
func ForceRefresh() ResolveOption {
	return func(o *ResolveOptions) { o.ForceRefresh = true }
}

// WithDotDot adds a ".." entry to non-root listings.
func WithDotDot() ResolveOption {
	return func(o *ResolveOptions) { o.DotDot = true }
}

// NoDotDot omits the ".." entry. This is the default.
func NoDotDot() ResolveOption {
	return func(o *ResolveOptions) { o.DotDot = false }
}

// ApplyResolveOptions folds opts into a ResolveOptions value.
func ApplyResolveOptions(opts ...ResolveOption) ResolveOptions {
	var o ResolveOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AddDotDot appends the synthetic parent entry to b when o asks for it and
// dir is not the root.
func AddDotDot(b *listing.Builder, dir string, o ResolveOptions) {
	if o.DotDot && dir != "/" {
		b.Add(listing.Entry{Name: listing.DotDot, Type: listing.FileTypeDirectory, Mode: os.ModeDir | 0755, Size: listing.UnknownSize})
	}
}

// WithParentEntry returns l extended by a ".." entry when o asks for one.
// Cached snapshots stay untouched; a copy is built instead.
func WithParentEntry(l *listing.Listing, o ResolveOptions) (*listing.Listing, error) {
	if !o.DotDot || l.Path() == "/" {
		return l, nil
	}
	if _, ok := l.Lookup(listing.DotDot); ok {
		return l, nil
	}
	b := listing.NewBuilder(l.Path(), l.Host()).Title(l.Title())
	AddDotDot(b, l.Path(), o)
	for _, e := range l.Entries() {
		b.Add(e)
	}
	return b.Build()
}

// ListingHost returns the host identity recorded in listings.
func ListingHost(h Host) string {
	return Title(h)
}

// AsWatcher returns h's Watcher capability, looking through references.
func AsWatcher(h Host) (Watcher, bool) {
	w, ok := Unwrap(h).(Watcher)
	return w, ok
}

// AsStatFSer returns h's StatFSer capability, looking through references.
func AsStatFSer(h Host) (StatFSer, bool) {
	s, ok := Unwrap(h).(StatFSer)
	return s, ok
}

// AsSymlinker returns h's Symlinker capability, looking through references.
func AsSymlinker(h Host) (Symlinker, bool) {
	s, ok := Unwrap(h).(Symlinker)
	return s, ok
}

// AsAttrSetter returns h's AttrSetter capability, looking through references.
func AsAttrSetter(h Host) (AttrSetter, bool) {
	a, ok := Unwrap(h).(AttrSetter)
	return a, ok
}

// AsTrasher returns h's Trasher capability, looking through references.
func AsTrasher(h Host) (Trasher, bool) {
	t, ok := Unwrap(h).(Trasher)
	return t, ok
}
