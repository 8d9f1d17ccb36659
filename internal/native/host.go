// Package native exposes a directory of the local file system as a host.
package native

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/vfs"
)

// Tag is the backend tag of native hosts.
const Tag = "native"

// TrashDir is the directory below the host root that Trash moves items to.
const TrashDir = ".Trash"

// Options configures a native host.
type Options struct {
	Logger *zap.Logger
	// WatchCoalesce merges bursts of kernel events into one notification
	// per directory. Zero means 100ms.
	WatchCoalesce time.Duration
	// Preallocate reserves space for files whose size is announced with
	// SetUploadSize
	Preallocate bool
	// ReadOnly rejects mutations with PermissionDenied
	ReadOnly bool
}

// Host maps paths onto a directory of the local file system.
type Host struct {
	cfg    vfs.Configuration
	root   string
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	watch  *watcher
	closed bool
}

var (
	_ vfs.Host       = (*Host)(nil)
	_ vfs.Watcher    = (*Host)(nil)
	_ vfs.StatFSer   = (*Host)(nil)
	_ vfs.Symlinker  = (*Host)(nil)
	_ vfs.AttrSetter = (*Host)(nil)
	_ vfs.Trasher    = (*Host)(nil)
)

// New opens the directory cfg.Root as a host.
func New(cfg vfs.Configuration, opts Options) (*Host, error) {
	cfg.Kind = vfs.KindNative
	if cfg.Root == "" {
		cfg.Root = "/"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	root := filepath.Clean(filepath.FromSlash(cfg.Root))
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.FromOS(err, "open host", cfg.Root)
	}
	if !fi.IsDir() {
		return nil, errors.New(errors.KindInvalidCall, "host root is not a directory").WithPath(cfg.Root)
	}
	if opts.WatchCoalesce <= 0 {
		opts.WatchCoalesce = 100 * time.Millisecond
	}

	return &Host{
		cfg:    cfg,
		root:   root,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named(Tag).With(zap.String("root", root)),
	}, nil
}

// Factory returns a registry factory for native hosts.
func Factory(opts Options) vfs.Factory {
	return func(ctx context.Context, cfg vfs.Configuration, parent vfs.Host) (vfs.Host, error) {
		if parent != nil {
			return nil, errors.New(errors.KindInvalidCall, "native hosts cannot be stacked")
		}
		return New(cfg, opts)
	}
}

func (h *Host) Tag() string                      { return Tag }
func (h *Host) Configuration() vfs.Configuration { return h.cfg }
func (h *Host) Parent() vfs.Host                 { return nil }
func (h *Host) JunctionPath() string             { return "" }
func (h *Host) IsWritable() bool                 { return !h.opts.ReadOnly }

func (h *Host) Features() vfs.Features {
	return vfs.FeatureSetPermissions | vfs.FeatureSetTimes | vfs.FeatureSymlinks |
		vfs.FeatureWatch | vfs.FeatureStatFS | vfs.FeatureTrash | vfs.FeatureRename |
		vfs.FeatureRandomRead | vfs.FeatureRandomWrite
}

// local maps a host path onto the local file system.
func (h *Host) local(p string) (string, string, error) {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(h.root, filepath.FromSlash(clean)), nil
}

func (h *Host) check(ctx context.Context) error {
	if err := errors.Check(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New(errors.KindInvalidCall, "host is closed").WithComponent(Tag)
	}
	return nil
}

func (h *Host) mutable(ctx context.Context, p string) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	if h.opts.ReadOnly {
		return errors.New(errors.KindPermissionDenied, "read-only host").WithPath(p).WithComponent(Tag)
	}
	return nil
}

func translate(err error, op, p string) error {
	return errors.FromOS(err, op, p).(*errors.Error).WithComponent(Tag)
}

// entryOf builds a listing entry from lstat information.
func entryOf(name, full string, fi fs.FileInfo) listing.Entry {
	e := listing.Entry{
		Name:  name,
		Type:  listing.TypeFromMode(fi.Mode()),
		Mode:  fi.Mode(),
		Size:  fi.Size(),
		MTime: fi.ModTime(),
	}
	fillSys(&e, fi)
	if e.Type == listing.FileTypeSymlink {
		if target, err := os.Readlink(full); err == nil {
			e.Symlink = target
		}
	}
	return e
}

// Resolve reads the directory at p.
func (h *Host) Resolve(ctx context.Context, p string, opts ...vfs.ResolveOption) (*listing.Listing, error) {
	dir, full, err := h.local(p)
	if err != nil {
		return nil, err
	}
	if err := h.check(ctx); err != nil {
		return nil, err
	}
	o := vfs.ApplyResolveOptions(opts...)

	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, translate(err, "resolve", dir)
	}

	b := listing.NewBuilder(dir, vfs.ListingHost(h))
	vfs.AddDotDot(b, dir, o)
	for i, d := range dirents {
		if i%256 == 0 {
			if err := errors.Check(ctx); err != nil {
				return nil, err
			}
		}
		fi, err := d.Info()
		if err != nil {
			// Removed between readdir and lstat.
			if os.IsNotExist(err) {
				continue
			}
			return nil, translate(err, "resolve", path.Join(dir, d.Name()))
		}
		b.Add(entryOf(d.Name(), filepath.Join(full, d.Name()), fi))
	}
	return b.Build()
}

// Stat describes p, following symlinks. A dangling link is described
// itself.
func (h *Host) Stat(ctx context.Context, p string) (vfs.Stat, error) {
	clean, full, err := h.local(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	if err := h.check(ctx); err != nil {
		return vfs.Stat{}, err
	}

	fi, err := os.Stat(full)
	if err != nil {
		lfi, lerr := os.Lstat(full)
		if lerr != nil || lfi.Mode()&os.ModeSymlink == 0 {
			return vfs.Stat{}, translate(err, "stat", clean)
		}
		fi = lfi
	}
	return vfs.Stat{Entry: entryOf(path.Base(clean), full, fi)}, nil
}

func osFlags(mode vfs.OpenMode) int {
	var flags int
	switch {
	case mode.Readable() && mode.Writable():
		flags = os.O_RDWR
	case mode.Writable():
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if mode.Append() {
		flags |= os.O_APPEND
	}
	if mode.Truncate() {
		flags |= os.O_TRUNC
	}
	if mode.Create() {
		flags |= os.O_CREATE
	}
	if mode.Exclusive() {
		flags |= os.O_EXCL
	}
	return flags
}

// OpenFile opens a regular file.
func (h *Host) OpenFile(ctx context.Context, p string, mode vfs.OpenMode) (vfs.File, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	clean, full, err := h.local(p)
	if err != nil {
		return nil, err
	}
	if mode.Writable() {
		err = h.mutable(ctx, clean)
	} else {
		err = h.check(ctx)
	}
	if err != nil {
		return nil, err
	}
	if mode.Create() {
		if err := vfs.ValidateFilename(path.Base(clean)); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(full, osFlags(mode), 0644)
	if err != nil {
		return nil, translate(err, "open", clean)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, translate(err, "open", clean)
	}
	if fi.IsDir() {
		f.Close()
		return nil, errors.New(errors.KindInvalidCall, "is a directory").WithPath(clean).WithComponent(Tag)
	}

	h.logger.Debug("Opened file", logging.Path(clean), zap.Stringer("mode", mode))
	return &file{f: f, path: clean, mode: mode, preallocate: h.opts.Preallocate, logger: h.logger}, nil
}

// CreateDirectory creates one directory.
func (h *Host) CreateDirectory(ctx context.Context, p string, perm os.FileMode) error {
	clean, full, err := h.local(p)
	if err != nil {
		return err
	}
	if err := h.mutable(ctx, clean); err != nil {
		return err
	}
	if err := vfs.ValidateFilename(path.Base(clean)); err != nil {
		return err
	}
	if err := os.Mkdir(full, perm.Perm()); err != nil {
		return translate(err, "create directory", clean)
	}
	return nil
}

// Remove deletes a file, symlink or empty directory.
func (h *Host) Remove(ctx context.Context, p string) error {
	clean, full, err := h.local(p)
	if err != nil {
		return err
	}
	if err := h.mutable(ctx, clean); err != nil {
		return err
	}
	if clean == "/" {
		return errors.New(errors.KindInvalidCall, "cannot remove the host root").WithComponent(Tag)
	}
	if err := os.Remove(full); err != nil {
		return translate(err, "remove", clean)
	}
	return nil
}

// Rename moves from to to. Moves across devices fail with NotSupported.
func (h *Host) Rename(ctx context.Context, from, to string) error {
	src, srcFull, err := h.local(from)
	if err != nil {
		return err
	}
	dst, dstFull, err := h.local(to)
	if err != nil {
		return err
	}
	if err := h.mutable(ctx, src); err != nil {
		return err
	}
	if err := vfs.ValidateFilename(path.Base(dst)); err != nil {
		return err
	}
	if err := os.Rename(srcFull, dstFull); err != nil {
		return translate(err, "rename", src)
	}
	return nil
}

// CreateSymlink creates a symbolic link at p pointing to target.
func (h *Host) CreateSymlink(ctx context.Context, p, target string) error {
	clean, full, err := h.local(p)
	if err != nil {
		return err
	}
	if err := h.mutable(ctx, clean); err != nil {
		return err
	}
	if err := os.Symlink(target, full); err != nil {
		return translate(err, "create symlink", clean)
	}
	return nil
}

// ReadSymlink returns the target of the link at p.
func (h *Host) ReadSymlink(ctx context.Context, p string) (string, error) {
	clean, full, err := h.local(p)
	if err != nil {
		return "", err
	}
	if err := h.check(ctx); err != nil {
		return "", err
	}
	target, err := os.Readlink(full)
	if err != nil {
		return "", translate(err, "read symlink", clean)
	}
	return target, nil
}

// SetTimes changes access and modification times. A zero time keeps the
// current value.
func (h *Host) SetTimes(ctx context.Context, p string, atime, mtime time.Time) error {
	clean, full, err := h.local(p)
	if err != nil {
		return err
	}
	if err := h.mutable(ctx, clean); err != nil {
		return err
	}
	if atime.IsZero() || mtime.IsZero() {
		fi, err := os.Stat(full)
		if err != nil {
			return translate(err, "set times", clean)
		}
		if mtime.IsZero() {
			mtime = fi.ModTime()
		}
		if atime.IsZero() {
			atime = accessTime(fi)
		}
	}
	if err := os.Chtimes(full, atime, mtime); err != nil {
		return translate(err, "set times", clean)
	}
	return nil
}

// SetPermissions changes the permission bits.
func (h *Host) SetPermissions(ctx context.Context, p string, perm os.FileMode) error {
	clean, full, err := h.local(p)
	if err != nil {
		return err
	}
	if err := h.mutable(ctx, clean); err != nil {
		return err
	}
	if err := os.Chmod(full, perm.Perm()); err != nil {
		return translate(err, "set permissions", clean)
	}
	return nil
}

// StatFS reports the capacity of the volume holding p.
func (h *Host) StatFS(ctx context.Context, p string) (vfs.StatFS, error) {
	clean, full, err := h.local(p)
	if err != nil {
		return vfs.StatFS{}, err
	}
	if err := h.check(ctx); err != nil {
		return vfs.StatFS{}, err
	}
	st, err := statfs(full)
	if err != nil {
		return vfs.StatFS{}, translate(err, "statfs", clean)
	}
	st.VolumeName = h.root
	return st, nil
}

// Trash moves p into TrashDir below the host root. Name clashes get a
// numeric suffix.
func (h *Host) Trash(ctx context.Context, p string) error {
	clean, full, err := h.local(p)
	if err != nil {
		return err
	}
	if err := h.mutable(ctx, clean); err != nil {
		return err
	}
	if clean == "/" || vfs.Within("/"+TrashDir, clean) {
		return errors.New(errors.KindInvalidCall, "cannot trash this item").WithPath(clean).WithComponent(Tag)
	}

	trash := filepath.Join(h.root, TrashDir)
	if err := os.MkdirAll(trash, 0700); err != nil {
		return translate(err, "trash", "/"+TrashDir)
	}

	base := path.Base(clean)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 0; n < 1000; n++ {
		name := base
		if n > 0 {
			name = stem + " " + strconv.Itoa(n) + ext
		}
		dst := filepath.Join(trash, name)
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Rename(full, dst); err != nil {
			return translate(err, "trash", clean)
		}
		h.logger.Debug("Moved to trash", logging.Path(clean), zap.String("name", name))
		return nil
	}
	return errors.New(errors.KindAlreadyExists, "trash is full of items with this name").WithPath(clean).WithComponent(Tag)
}

// Close stops directory watching. Open files stay usable until closed.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	w := h.watch
	h.mu.Unlock()

	if w != nil {
		return w.close()
	}
	return nil
}
