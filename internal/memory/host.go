// Package memory provides an in-memory host. It is useful for scratch
// space, for tests, and as a staging area for copies between remote hosts.
package memory

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/vfs"
)

// Tag is the backend tag of memory hosts.
const Tag = "memory"

// maxSymlinkDepth bounds symlink resolution.
const maxSymlinkDepth = 40

// Options configures a memory host.
type Options struct {
	Logger *zap.Logger
	// ReadOnly rejects every mutation with PermissionDenied
	ReadOnly bool
	// Capacity is reported by StatFS; writes beyond it fail with QuotaExceeded.
	// Zero means 1 GiB.
	Capacity int64
}

const defaultCapacity = 1 << 30

// node represents a file, directory or symlink.
type node struct {
	typ      listing.FileType
	data     []byte
	children map[string]*node
	mode     os.FileMode
	symlink  string
	inode    uint64
	atime    time.Time
	mtime    time.Time
	ctime    time.Time
	btime    time.Time
}

// Host is an in-memory tree. Operations are synchronous and never fail with
// network kinds.
type Host struct {
	cfg      vfs.Configuration
	logger   *zap.Logger
	readOnly bool
	capacity int64

	mu        sync.RWMutex
	root      *node
	used      int64
	nextInode uint64
	closed    bool

	watchMu   sync.Mutex
	watchers  map[string]map[uint64]func()
	nextWatch uint64
}

var (
	_ vfs.Host       = (*Host)(nil)
	_ vfs.Watcher    = (*Host)(nil)
	_ vfs.StatFSer   = (*Host)(nil)
	_ vfs.Symlinker  = (*Host)(nil)
	_ vfs.AttrSetter = (*Host)(nil)
)

// New creates an empty memory host. cfg.Root names the tree and is part of
// the host's identity.
func New(cfg vfs.Configuration, opts Options) *Host {
	cfg.Kind = vfs.KindMemory
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	h := &Host{
		cfg:      cfg,
		logger:   logging.OrNop(opts.Logger).Named(Tag),
		readOnly: opts.ReadOnly,
		capacity: opts.Capacity,
		watchers: make(map[string]map[uint64]func()),
	}
	h.root = h.newNode(listing.FileTypeDirectory, os.ModeDir|0755)
	return h
}

// Factory returns a registry factory for memory hosts.
func Factory(opts Options) vfs.Factory {
	return func(ctx context.Context, cfg vfs.Configuration, parent vfs.Host) (vfs.Host, error) {
		if cfg.Kind != vfs.KindMemory {
			return nil, errors.Newf(errors.KindInvalidCall, "memory factory cannot open %q", cfg.Kind)
		}
		return New(cfg, opts), nil
	}
}

func (h *Host) newNode(typ listing.FileType, mode os.FileMode) *node {
	now := time.Now()
	h.nextInode++
	n := &node{
		typ:   typ,
		mode:  mode,
		inode: h.nextInode,
		atime: now,
		mtime: now,
		ctime: now,
		btime: now,
	}
	if typ == listing.FileTypeDirectory {
		n.children = make(map[string]*node)
	}
	return n
}

func (h *Host) Tag() string                      { return Tag }
func (h *Host) Configuration() vfs.Configuration { return h.cfg }
func (h *Host) Parent() vfs.Host                 { return nil }
func (h *Host) JunctionPath() string             { return "" }
func (h *Host) IsWritable() bool                 { return !h.readOnly }

func (h *Host) Features() vfs.Features {
	return vfs.FeatureSetPermissions | vfs.FeatureSetTimes | vfs.FeatureSymlinks |
		vfs.FeatureWatch | vfs.FeatureStatFS | vfs.FeatureRename |
		vfs.FeatureRandomRead | vfs.FeatureRandomWrite
}

// Helper methods

func splitPath(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

func notFound(p string) error {
	return errors.New(errors.KindNotFound, "no such file or directory").WithPath(p).WithComponent(Tag)
}

func (h *Host) usable(ctx context.Context) error {
	if err := errors.Check(ctx); err != nil {
		return err
	}
	if h.closed {
		return errors.New(errors.KindInvalidCall, "host is closed").WithComponent(Tag)
	}
	return nil
}

func (h *Host) writable(p string) error {
	if h.readOnly {
		return errors.New(errors.KindPermissionDenied, "read-only host").WithPath(p).WithComponent(Tag)
	}
	return nil
}

// lookup walks p. Symlinks in intermediate components are always followed;
// the final component is followed when follow is set. It returns the node
// and the resolved path. Must be called with h.mu held.
func (h *Host) lookup(p string, follow bool) (*node, string, error) {
	return h.lookupDepth(p, follow, 0)
}

func (h *Host) lookupDepth(p string, follow bool, depth int) (*node, string, error) {
	if depth > maxSymlinkDepth {
		return nil, "", errors.New(errors.KindInvalidCall, "too many levels of symbolic links").WithPath(p).WithComponent(Tag)
	}
	parts := splitPath(p)
	n := h.root
	resolved := "/"
	for i, part := range parts {
		if n.typ != listing.FileTypeDirectory {
			return nil, "", errors.New(errors.KindInvalidCall, "not a directory").WithPath(resolved).WithComponent(Tag)
		}
		child, ok := n.children[part]
		if !ok {
			return nil, "", notFound(p)
		}
		last := i == len(parts)-1
		if child.typ == listing.FileTypeSymlink && (!last || follow) {
			target := child.symlink
			if !path.IsAbs(target) {
				target = path.Join(resolved, target)
			}
			rest := path.Join(append([]string{target}, parts[i+1:]...)...)
			return h.lookupDepth(path.Clean(rest), follow, depth+1)
		}
		n = child
		resolved = path.Join(resolved, part)
	}
	return n, resolved, nil
}

// parentOf returns the directory that holds p and p's base name.
func (h *Host) parentOf(p string) (*node, string, string, error) {
	if p == "/" {
		return nil, "", "", errors.New(errors.KindInvalidCall, "operation not permitted on the root").WithPath(p).WithComponent(Tag)
	}
	dir, dirPath, err := h.lookup(path.Dir(p), true)
	if err != nil {
		return nil, "", "", err
	}
	if dir.typ != listing.FileTypeDirectory {
		return nil, "", "", errors.New(errors.KindInvalidCall, "not a directory").WithPath(dirPath).WithComponent(Tag)
	}
	return dir, dirPath, path.Base(p), nil
}

func (h *Host) entry(name string, n *node) listing.Entry {
	e := listing.Entry{
		Name:  name,
		Type:  n.typ,
		Mode:  n.mode,
		Size:  int64(len(n.data)),
		Inode: n.inode,
		ATime: n.atime,
		MTime: n.mtime,
		CTime: n.ctime,
		BTime: n.btime,
	}
	switch n.typ {
	case listing.FileTypeDirectory:
		e.Size = listing.UnknownSize
	case listing.FileTypeSymlink:
		e.Symlink = n.symlink
		e.Size = int64(len(n.symlink))
	}
	return e
}

// Resolve returns a snapshot of the directory at p.
func (h *Host) Resolve(ctx context.Context, p string, opts ...vfs.ResolveOption) (*listing.Listing, error) {
	dir, err := vfs.Normalize(p)
	if err != nil {
		return nil, err
	}
	o := vfs.ApplyResolveOptions(opts...)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.usable(ctx); err != nil {
		return nil, err
	}

	n, _, err := h.lookup(dir, true)
	if err != nil {
		return nil, err
	}
	if n.typ != listing.FileTypeDirectory {
		return nil, errors.New(errors.KindInvalidCall, "not a directory").WithPath(dir).WithComponent(Tag)
	}

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	b := listing.NewBuilder(dir, vfs.ListingHost(h))
	vfs.AddDotDot(b, dir, o)
	for _, name := range names {
		b.Add(h.entry(name, n.children[name]))
	}
	return b.Build()
}

// Stat describes p, following symlinks.
func (h *Host) Stat(ctx context.Context, p string) (vfs.Stat, error) {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return vfs.Stat{}, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.usable(ctx); err != nil {
		return vfs.Stat{}, err
	}

	n, _, err := h.lookup(clean, true)
	if err != nil {
		return vfs.Stat{}, err
	}
	name := path.Base(clean)
	return vfs.Stat{Entry: h.entry(name, n)}, nil
}

// OpenFile opens a regular file.
func (h *Host) OpenFile(ctx context.Context, p string, mode vfs.OpenMode) (vfs.File, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	clean, err := vfs.Normalize(p)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if err := h.usable(ctx); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	if mode.Writable() {
		if err := h.writable(clean); err != nil {
			h.mu.Unlock()
			return nil, err
		}
	}

	n, resolved, err := h.lookup(clean, true)
	created := false
	switch {
	case err == nil:
		if mode.Exclusive() {
			h.mu.Unlock()
			return nil, errors.New(errors.KindAlreadyExists, "file exists").WithPath(clean).WithComponent(Tag)
		}
	case errors.IsKind(err, errors.KindNotFound) && mode.Create():
		dir, dirPath, name, perr := h.parentOf(clean)
		if perr != nil {
			h.mu.Unlock()
			return nil, perr
		}
		if err := vfs.ValidateFilename(name); err != nil {
			h.mu.Unlock()
			return nil, err
		}
		n = h.newNode(listing.FileTypeRegular, 0644)
		dir.children[name] = n
		dir.mtime = n.mtime
		resolved = path.Join(dirPath, name)
		created = true
	default:
		h.mu.Unlock()
		return nil, err
	}

	if n.typ == listing.FileTypeDirectory {
		h.mu.Unlock()
		return nil, errors.New(errors.KindInvalidCall, "is a directory").WithPath(clean).WithComponent(Tag)
	}
	truncated := false
	if mode.Truncate() && len(n.data) > 0 {
		h.used -= int64(len(n.data))
		n.data = nil
		n.mtime = time.Now()
		truncated = true
	}
	h.mu.Unlock()

	if created || truncated {
		h.notify(path.Dir(resolved))
	}
	h.logger.Debug("Opened file", logging.Path(clean), zap.Stringer("mode", mode))
	return &file{host: h, node: n, path: clean, dir: path.Dir(resolved), mode: mode}, nil
}

// CreateDirectory creates one directory; the parent must exist.
func (h *Host) CreateDirectory(ctx context.Context, p string, perm os.FileMode) error {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if err := h.usable(ctx); err != nil {
		h.mu.Unlock()
		return err
	}
	if err := h.writable(clean); err != nil {
		h.mu.Unlock()
		return err
	}
	dir, dirPath, name, err := h.parentOf(clean)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if err := vfs.ValidateFilename(name); err != nil {
		h.mu.Unlock()
		return err
	}
	if _, exists := dir.children[name]; exists {
		h.mu.Unlock()
		return errors.New(errors.KindAlreadyExists, "file exists").WithPath(clean).WithComponent(Tag)
	}
	n := h.newNode(listing.FileTypeDirectory, os.ModeDir|perm.Perm())
	dir.children[name] = n
	dir.mtime = n.mtime
	h.mu.Unlock()

	h.notify(dirPath)
	return nil
}

// Remove deletes a file, symlink or empty directory.
func (h *Host) Remove(ctx context.Context, p string) error {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if err := h.usable(ctx); err != nil {
		h.mu.Unlock()
		return err
	}
	if err := h.writable(clean); err != nil {
		h.mu.Unlock()
		return err
	}
	dir, dirPath, name, err := h.parentOf(clean)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	child, ok := dir.children[name]
	if !ok {
		h.mu.Unlock()
		return notFound(clean)
	}
	if child.typ == listing.FileTypeDirectory && len(child.children) > 0 {
		h.mu.Unlock()
		return errors.New(errors.KindInvalidCall, "directory not empty").WithPath(clean).WithComponent(Tag)
	}
	delete(dir.children, name)
	dir.mtime = time.Now()
	h.used -= int64(len(child.data))
	h.mu.Unlock()

	h.notify(dirPath, path.Join(dirPath, name))
	return nil
}

// Rename moves from to to, replacing a non-directory destination.
func (h *Host) Rename(ctx context.Context, from, to string) error {
	src, err := vfs.Normalize(from)
	if err != nil {
		return err
	}
	dst, err := vfs.Normalize(to)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if err := h.usable(ctx); err != nil {
		h.mu.Unlock()
		return err
	}
	if err := h.writable(src); err != nil {
		h.mu.Unlock()
		return err
	}
	if src == dst {
		h.mu.Unlock()
		return nil
	}
	if vfs.Within(src, dst) {
		h.mu.Unlock()
		return errors.New(errors.KindInvalidCall, "cannot move a directory into itself").WithPath(dst).WithComponent(Tag)
	}

	srcDir, srcDirPath, srcName, err := h.parentOf(src)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	n, ok := srcDir.children[srcName]
	if !ok {
		h.mu.Unlock()
		return notFound(src)
	}
	dstDir, dstDirPath, dstName, err := h.parentOf(dst)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if err := vfs.ValidateFilename(dstName); err != nil {
		h.mu.Unlock()
		return err
	}
	if existing, ok := dstDir.children[dstName]; ok {
		if existing.typ == listing.FileTypeDirectory {
			h.mu.Unlock()
			return errors.New(errors.KindAlreadyExists, "destination is a directory").WithPath(dst).WithComponent(Tag)
		}
		h.used -= int64(len(existing.data))
	}

	delete(srcDir.children, srcName)
	dstDir.children[dstName] = n
	now := time.Now()
	srcDir.mtime = now
	dstDir.mtime = now
	n.ctime = now
	h.mu.Unlock()

	h.notify(srcDirPath, dstDirPath)
	return nil
}

// CreateSymlink creates a symbolic link at p pointing to target.
func (h *Host) CreateSymlink(ctx context.Context, p, target string) error {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return err
	}
	if target == "" {
		return errors.New(errors.KindInvalidCall, "empty symlink target").WithPath(clean)
	}

	h.mu.Lock()
	if err := h.usable(ctx); err != nil {
		h.mu.Unlock()
		return err
	}
	if err := h.writable(clean); err != nil {
		h.mu.Unlock()
		return err
	}
	dir, dirPath, name, err := h.parentOf(clean)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if _, exists := dir.children[name]; exists {
		h.mu.Unlock()
		return errors.New(errors.KindAlreadyExists, "file exists").WithPath(clean).WithComponent(Tag)
	}
	link := h.newNode(listing.FileTypeSymlink, os.ModeSymlink|0777)
	link.symlink = target
	dir.children[name] = link
	dir.mtime = link.mtime
	h.mu.Unlock()

	h.notify(dirPath)
	return nil
}

// ReadSymlink returns the target of the link at p.
func (h *Host) ReadSymlink(ctx context.Context, p string) (string, error) {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return "", err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.usable(ctx); err != nil {
		return "", err
	}
	n, _, err := h.lookup(clean, false)
	if err != nil {
		return "", err
	}
	if n.typ != listing.FileTypeSymlink {
		return "", errors.New(errors.KindInvalidCall, "not a symbolic link").WithPath(clean).WithComponent(Tag)
	}
	return n.symlink, nil
}

// SetTimes changes access and modification times.
func (h *Host) SetTimes(ctx context.Context, p string, atime, mtime time.Time) error {
	return h.modify(ctx, p, func(n *node) {
		if !atime.IsZero() {
			n.atime = atime
		}
		if !mtime.IsZero() {
			n.mtime = mtime
		}
	})
}

// SetPermissions changes the permission bits.
func (h *Host) SetPermissions(ctx context.Context, p string, perm os.FileMode) error {
	return h.modify(ctx, p, func(n *node) {
		n.mode = n.mode&^os.ModePerm | perm.Perm()
		n.ctime = time.Now()
	})
}

func (h *Host) modify(ctx context.Context, p string, fn func(*node)) error {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if err := h.usable(ctx); err != nil {
		h.mu.Unlock()
		return err
	}
	if err := h.writable(clean); err != nil {
		h.mu.Unlock()
		return err
	}
	n, resolved, err := h.lookup(clean, true)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	fn(n)
	h.mu.Unlock()

	h.notify(path.Dir(resolved))
	return nil
}

// StatFS reports the configured capacity and the bytes held.
func (h *Host) StatFS(ctx context.Context, p string) (vfs.StatFS, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.usable(ctx); err != nil {
		return vfs.StatFS{}, err
	}
	free := h.capacity - h.used
	if free < 0 {
		free = 0
	}
	return vfs.StatFS{Total: h.capacity, Free: free, Available: free, VolumeName: h.cfg.Root}, nil
}

// Used returns the number of bytes held in file contents.
func (h *Host) Used() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.used
}

// ObserveDirectory calls notify after every mutation inside dir.
func (h *Host) ObserveDirectory(dir string, notify func()) (func(), error) {
	clean, err := vfs.Normalize(dir)
	if err != nil {
		return nil, err
	}

	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	h.nextWatch++
	id := h.nextWatch
	if h.watchers[clean] == nil {
		h.watchers[clean] = make(map[uint64]func())
	}
	h.watchers[clean][id] = notify

	return func() {
		h.watchMu.Lock()
		defer h.watchMu.Unlock()
		delete(h.watchers[clean], id)
		if len(h.watchers[clean]) == 0 {
			delete(h.watchers, clean)
		}
	}, nil
}

// notify runs the observers of dirs. It must be called without h.mu held.
func (h *Host) notify(dirs ...string) {
	h.watchMu.Lock()
	var fns []func()
	seen := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		if seen[d] {
			continue
		}
		seen[d] = true
		for _, fn := range h.watchers[d] {
			fns = append(fns, fn)
		}
	}
	h.watchMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close discards the tree. Later calls fail with InvalidCall.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.root = h.newNode(listing.FileTypeDirectory, os.ModeDir|0755)
	h.used = 0

	h.watchMu.Lock()
	h.watchers = make(map[string]map[uint64]func())
	h.watchMu.Unlock()
	return nil
}
