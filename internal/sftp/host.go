// Package sftp implements hosts backed by SFTP servers reached over SSH.
// One SSH connection carries every request of a host; the sftp client
// pipelines concurrent requests over it. A dropped connection is restored
// by a recovery session on the next operation.
package sftp

import (
	"context"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	gosftp "github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/objectfs/vfs/internal/cache"
	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/recovery"
	"github.com/objectfs/vfs/pkg/retry"
	"github.com/objectfs/vfs/pkg/vfs"
)

// Tag is the backend tag of SFTP hosts.
const Tag = "sftp"

// Options configures an SFTP host.
type Options struct {
	Logger      *zap.Logger
	Credentials vfs.CredentialProvider
	Metrics     *metrics.Collector

	// Timeout bounds dialing and the SSH handshake. Zero means 30s.
	Timeout time.Duration

	// HostKeyCallback verifies the server key. When nil, KnownHostsFile is
	// used; when that is empty too, keys are not verified.
	HostKeyCallback ssh.HostKeyCallback
	KnownHostsFile  string

	// Dial replaces the SSH transport and returns a ready sftp client.
	Dial func(ctx context.Context, cred vfs.Credential) (*gosftp.Client, error)

	Cache    cache.CacheConfig
	Retry    *retry.Config
	Recovery recovery.Config
	ReadOnly bool
}

// Host is one SFTP server account.
type Host struct {
	cfg     vfs.Configuration
	opts    Options
	logger  *zap.Logger
	session *recovery.Session[*conn]
	cache   *cache.DirCache
	retry   *retry.Retryer
	metrics *metrics.Collector

	closing context.Context
	shut    context.CancelFunc

	mu     sync.Mutex
	closed bool
}

var (
	_ vfs.Host       = (*Host)(nil)
	_ vfs.Symlinker  = (*Host)(nil)
	_ vfs.AttrSetter = (*Host)(nil)
	_ vfs.StatFSer   = (*Host)(nil)
)

// New creates a host for cfg. No connection is made until the first
// operation; use Connect to check the server up front.
func New(cfg vfs.Configuration, opts Options) (*Host, error) {
	cfg.Kind = vfs.KindSFTP
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	rc := retry.DefaultConfig()
	if opts.Retry != nil {
		rc = *opts.Retry
	}
	logger := logging.OrNop(opts.Logger).Named(Tag).With(zap.String("server", cfg.Server))

	var dialer recovery.Dialer[*conn]
	if opts.Dial != nil {
		dialer = func(ctx context.Context) (*conn, error) {
			cred, err := vfs.LookupCredential(ctx, opts.Credentials, cfg)
			if err != nil {
				return nil, err
			}
			client, err := opts.Dial(ctx, cred)
			if err != nil {
				return nil, translate(err)
			}
			return &conn{client: client}, nil
		}
	} else {
		hostKey, err := hostKeyCallback(opts, logger)
		if err != nil {
			return nil, err
		}
		addr := net.JoinHostPort(cfg.Server, strconv.Itoa(cfg.EffectivePort()))
		dialer = func(ctx context.Context) (*conn, error) {
			cred, err := vfs.LookupCredential(ctx, opts.Credentials, cfg)
			if err != nil {
				return nil, err
			}
			return dial(ctx, dialConfig{
				addr:    addr,
				user:    cfg.User,
				cred:    cred,
				timeout: opts.Timeout,
				hostKey: hostKey,
				logger:  logger,
			})
		}
	}
	return newHost(cfg, opts, rc, logger, dialer), nil
}

func newHost(cfg vfs.Configuration, opts Options, rc retry.Config, logger *zap.Logger, dial recovery.Dialer[*conn]) *Host {
	h := &Host{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		retry:   retry.New(rc),
		metrics: opts.Metrics,
	}
	h.closing, h.shut = context.WithCancel(context.Background())
	h.cache = cache.NewDirCache(cache.Config{
		CacheConfig: opts.Cache,
		Logger:      logger,
		OnLookup:    opts.Metrics.CacheLookupFunc(Tag),
	})

	sc := opts.Recovery
	sc.Logger = logger
	if sc.ConnectionTimeout <= 0 {
		sc.ConnectionTimeout = opts.Timeout
	}
	h.session = recovery.NewSession(Tag+"-"+cfg.Server, sc, dial, recovery.Hooks[*conn]{
		Close: func(c *conn) error { return c.close() },
		Probe: func(ctx context.Context, c *conn) error { return c.probe(ctx) },
		Lost: func(err error) bool {
			return errors.IsKind(err, errors.KindNetworkFailure)
		},
	})
	return h
}

// Factory returns a registry factory that connects before returning.
func Factory(opts Options) vfs.Factory {
	return func(ctx context.Context, cfg vfs.Configuration, parent vfs.Host) (vfs.Host, error) {
		if parent != nil {
			return nil, errors.New(errors.KindInvalidCall, "sftp hosts cannot be stacked")
		}
		h, err := New(cfg, opts)
		if err != nil {
			return nil, err
		}
		if err := h.Connect(ctx); err != nil {
			h.Close()
			return nil, err
		}
		return h, nil
	}
}

func (h *Host) Tag() string                      { return Tag }
func (h *Host) Configuration() vfs.Configuration { return h.cfg }
func (h *Host) Parent() vfs.Host                 { return nil }
func (h *Host) JunctionPath() string             { return "" }
func (h *Host) IsWritable() bool                 { return !h.opts.ReadOnly }

func (h *Host) Features() vfs.Features {
	return vfs.FeatureRename | vfs.FeatureSymlinks | vfs.FeatureSetPermissions | vfs.FeatureSetTimes |
		vfs.FeatureStatFS | vfs.FeatureRandomRead | vfs.FeatureRandomWrite
}

// SessionStats reports the connection.
func (h *Host) SessionStats() recovery.Stats { return h.session.Stats() }

// CacheStats reports the directory cache.
func (h *Host) CacheStats() cache.Stats { return h.cache.Stats() }

// Connect establishes the SSH connection.
func (h *Host) Connect(ctx context.Context) error {
	return h.run(ctx, "connect", "", func(ctx context.Context) error {
		return h.do(ctx, func(c *gosftp.Client) error { return nil })
	})
}

// bind derives a context that also ends when the host closes.
func (h *Host) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(h.closing, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (h *Host) usable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New(errors.KindInvalidCall, "host is closed").WithComponent(Tag)
	}
	return nil
}

func (h *Host) mutable(p string) error {
	if h.opts.ReadOnly {
		return errors.New(errors.KindPermissionDenied, "read-only host").WithPath(p).WithComponent(Tag)
	}
	return nil
}

// do runs fn on the live client. Cancellation is observed between
// requests; a request already sent runs to completion.
func (h *Host) do(ctx context.Context, fn func(c *gosftp.Client) error) error {
	return h.session.Do(ctx, func(ctx context.Context, c *conn) error {
		if err := errors.Check(ctx); err != nil {
			return err
		}
		err := translate(fn(c.client))
		if err != nil && ctx.Err() != nil {
			return errors.FromContext(ctx).WithCause(err).WithComponent(Tag)
		}
		return err
	})
}

// run executes one retried, instrumented host operation.
func (h *Host) run(ctx context.Context, op, p string, fn func(ctx context.Context) error) error {
	if err := h.usable(); err != nil {
		return err
	}
	ctx, release := h.bind(ctx)
	defer release()

	start := time.Now()
	err := h.retry.Do(ctx, fn)
	if err != nil {
		e := errors.As(err)
		if e.Path == "" {
			e.Path = p
		}
		if e.Operation == "" {
			e.Operation = op
		}
		err = e
		if !errors.IsKind(err, errors.KindCancelled) {
			h.logger.Debug("Operation failed", logging.Op(op), logging.Path(p), logging.Err(err))
		}
	}
	h.metrics.RecordOperation(Tag, op, time.Since(start), err)
	return err
}

// call is run for a single client request.
func (h *Host) call(ctx context.Context, op, p string, fn func(c *gosftp.Client) error) error {
	return h.run(ctx, op, p, func(ctx context.Context) error {
		return h.do(ctx, fn)
	})
}

// entryOf builds a listing entry from the attributes the server sent.
func entryOf(name string, fi os.FileInfo) listing.Entry {
	e := listing.Entry{
		Name:  name,
		Type:  listing.TypeFromMode(fi.Mode()),
		Mode:  fi.Mode(),
		Size:  fi.Size(),
		MTime: fi.ModTime(),
	}
	if st, ok := fi.Sys().(*gosftp.FileStat); ok {
		e.ATime = time.Unix(int64(st.Atime), 0)
		e.UID, e.GID = st.UID, st.GID
	}
	if e.Type == listing.FileTypeDirectory {
		e.Size = listing.UnknownSize
	}
	return e
}

// Resolve lists dir through the directory cache.
func (h *Host) Resolve(ctx context.Context, p string, opts ...vfs.ResolveOption) (*listing.Listing, error) {
	dir, err := vfs.Normalize(p)
	if err != nil {
		return nil, err
	}
	if err := h.usable(); err != nil {
		return nil, err
	}
	o := vfs.ApplyResolveOptions(opts...)

	bctx, release := h.bind(ctx)
	defer release()
	l, err := h.cache.Resolve(bctx, dir, o.ForceRefresh, h.fetch)
	if err != nil {
		return nil, err
	}
	return vfs.WithParentEntry(l, o)
}

// fetch is the cache filler: a stat of dir, then READDIR.
func (h *Host) fetch(ctx context.Context, key string) (*listing.Listing, error) {
	dir := path.Clean(key)
	var (
		infos   []os.FileInfo
		targets = make(map[string]string)
	)
	err := h.call(ctx, "resolve", dir, func(c *gosftp.Client) error {
		fi, err := c.Stat(dir)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return errors.New(errors.KindInvalidCall, "not a directory").WithPath(dir).WithComponent(Tag)
		}
		infos, err = c.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, fi := range infos {
			if fi.Mode()&os.ModeSymlink == 0 {
				continue
			}
			if target, err := c.ReadLink(path.Join(dir, fi.Name())); err == nil {
				targets[fi.Name()] = target
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b := listing.NewBuilder(dir, vfs.ListingHost(h))
	for _, fi := range infos {
		name := fi.Name()
		if name == "." || name == ".." {
			continue
		}
		e := entryOf(name, fi)
		e.Symlink = targets[name]
		b.Add(e)
	}
	return b.Build()
}

// Stat describes p, following symlinks.
func (h *Host) Stat(ctx context.Context, p string) (vfs.Stat, error) {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	var fi os.FileInfo
	err = h.call(ctx, "stat", clean, func(c *gosftp.Client) error {
		var err error
		fi, err = c.Stat(clean)
		return err
	})
	if err != nil {
		return vfs.Stat{}, err
	}
	name := path.Base(clean)
	return vfs.Stat{Entry: entryOf(name, fi)}, nil
}

// openFlags maps an open mode onto os flags, which the client sends as
// SFTP pflags. Append is left out: servers differ in honoring it, and
// writes carry explicit offsets anyway.
func openFlags(mode vfs.OpenMode) int {
	var flags int
	switch {
	case mode.Readable() && mode.Writable():
		flags = os.O_RDWR
	case mode.Writable():
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
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

// OpenFile opens a remote handle. Reads and writes go straight to the
// server at the handle's offset.
func (h *Host) OpenFile(ctx context.Context, p string, mode vfs.OpenMode) (vfs.File, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	clean, err := vfs.Normalize(p)
	if err != nil {
		return nil, err
	}
	if err := h.usable(); err != nil {
		return nil, err
	}
	if mode.Writable() {
		if err := h.mutable(clean); err != nil {
			return nil, err
		}
	}
	if mode.Create() {
		if err := vfs.ValidateFilename(path.Base(clean)); err != nil {
			return nil, err
		}
	}

	size := int64(0)
	created := false
	st, err := h.Stat(ctx, clean)
	switch {
	case err == nil:
		if st.IsDir() {
			return nil, errors.New(errors.KindInvalidCall, "is a directory").WithPath(clean).WithComponent(Tag)
		}
		if mode.Exclusive() {
			return nil, errors.New(errors.KindAlreadyExists, "file exists").WithPath(clean).WithComponent(Tag)
		}
		if !mode.Truncate() {
			size = st.Size
		}
	case errors.IsKind(err, errors.KindNotFound) && mode.Create():
		created = true
	default:
		return nil, err
	}

	var rf *gosftp.File
	err = h.call(ctx, "open", clean, func(c *gosftp.Client) error {
		var err error
		rf, err = c.OpenFile(clean, openFlags(mode))
		return err
	})
	if err != nil {
		return nil, err
	}
	f := &file{
		host:    h,
		remote:  rf,
		path:    clean,
		mode:    mode,
		size:    size,
		created: created,
	}
	if mode.Append() {
		f.pos = size
		if _, err := rf.Seek(size, io.SeekStart); err != nil {
			rf.Close()
			return nil, errors.As(translate(err)).WithPath(clean)
		}
	}
	f.ctx, f.release = h.bind(ctx)
	if created {
		h.cache.Changed(clean, false)
	}
	h.logger.Debug("Opened file", logging.Path(clean), zap.Stringer("mode", mode))
	return f, nil
}

// CreateDirectory sends MKDIR, then applies perm. Servers that reject the
// permission change keep their default mode.
func (h *Host) CreateDirectory(ctx context.Context, p string, perm os.FileMode) error {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return err
	}
	if err := h.mutable(clean); err != nil {
		return err
	}
	if err := vfs.ValidateFilename(path.Base(clean)); err != nil {
		return err
	}
	err = h.call(ctx, "create_directory", clean, func(c *gosftp.Client) error {
		if _, err := c.Lstat(clean); err == nil {
			return errors.New(errors.KindAlreadyExists, "file exists").WithPath(clean).WithComponent(Tag)
		}
		if err := c.Mkdir(clean); err != nil {
			return err
		}
		if perm.Perm() != 0 {
			if err := c.Chmod(clean, perm.Perm()); err != nil {
				h.logger.Debug("Directory permissions not applied", logging.Path(clean), logging.Err(err))
			}
		}
		return nil
	})
	if err == nil {
		h.cache.Changed(clean, false)
	}
	return err
}

// Remove deletes a file, symlink or empty directory.
func (h *Host) Remove(ctx context.Context, p string) error {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return err
	}
	if err := h.mutable(clean); err != nil {
		return err
	}
	if clean == "/" {
		return errors.New(errors.KindInvalidCall, "cannot remove the host root").WithComponent(Tag)
	}

	isDir := false
	err = h.call(ctx, "remove", clean, func(c *gosftp.Client) error {
		fi, err := c.Lstat(clean)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return c.Remove(clean)
		}
		isDir = true
		children, err := c.ReadDir(clean)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Name() != "." && child.Name() != ".." {
				return errors.New(errors.KindInvalidCall, "directory not empty").WithPath(clean).WithComponent(Tag)
			}
		}
		return c.RemoveDirectory(clean)
	})
	if err == nil {
		h.cache.Changed(clean, isDir)
	}
	return err
}

const posixRename = "posix-rename@openssh.com"

// Rename prefers the OpenSSH extension, which replaces an existing target
// the way rename(2) does.
func (h *Host) Rename(ctx context.Context, from, to string) error {
	src, err := vfs.Normalize(from)
	if err != nil {
		return err
	}
	dst, err := vfs.Normalize(to)
	if err != nil {
		return err
	}
	if err := h.mutable(src); err != nil {
		return err
	}
	if err := vfs.ValidateFilename(path.Base(dst)); err != nil {
		return err
	}
	if src == "/" {
		return errors.New(errors.KindInvalidCall, "cannot rename the host root").WithComponent(Tag)
	}
	err = h.call(ctx, "rename", src, func(c *gosftp.Client) error {
		if _, ok := c.HasExtension(posixRename); ok {
			return c.PosixRename(src, dst)
		}
		return c.Rename(src, dst)
	})
	if err == nil {
		h.cache.Changed(src, true)
		h.cache.Changed(dst, true)
	}
	return err
}

// CreateSymlink creates p pointing at target.
func (h *Host) CreateSymlink(ctx context.Context, p, target string) error {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return err
	}
	if err := h.mutable(clean); err != nil {
		return err
	}
	if err := vfs.ValidateFilename(path.Base(clean)); err != nil {
		return err
	}
	err = h.call(ctx, "create_symlink", clean, func(c *gosftp.Client) error {
		return c.Symlink(target, clean)
	})
	if err == nil {
		h.cache.Changed(clean, false)
	}
	return err
}

// ReadSymlink returns the target of the link at p.
func (h *Host) ReadSymlink(ctx context.Context, p string) (string, error) {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return "", err
	}
	var target string
	err = h.call(ctx, "read_symlink", clean, func(c *gosftp.Client) error {
		var err error
		target, err = c.ReadLink(clean)
		return err
	})
	return target, err
}

// SetTimes changes access and modification times. A zero time keeps the
// current value.
func (h *Host) SetTimes(ctx context.Context, p string, atime, mtime time.Time) error {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return err
	}
	if err := h.mutable(clean); err != nil {
		return err
	}
	err = h.call(ctx, "set_times", clean, func(c *gosftp.Client) error {
		if atime.IsZero() || mtime.IsZero() {
			fi, err := c.Stat(clean)
			if err != nil {
				return err
			}
			if mtime.IsZero() {
				mtime = fi.ModTime()
			}
			if atime.IsZero() {
				atime = mtime
				if st, ok := fi.Sys().(*gosftp.FileStat); ok {
					atime = time.Unix(int64(st.Atime), 0)
				}
			}
		}
		return c.Chtimes(clean, atime, mtime)
	})
	if err == nil {
		h.cache.Changed(clean, false)
	}
	return err
}

// SetPermissions changes the permission bits of p.
func (h *Host) SetPermissions(ctx context.Context, p string, perm os.FileMode) error {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return err
	}
	if err := h.mutable(clean); err != nil {
		return err
	}
	err = h.call(ctx, "set_permissions", clean, func(c *gosftp.Client) error {
		return c.Chmod(clean, perm.Perm())
	})
	if err == nil {
		h.cache.Changed(clean, false)
	}
	return err
}

// StatFS asks the server through the statvfs@openssh.com extension.
func (h *Host) StatFS(ctx context.Context, p string) (vfs.StatFS, error) {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return vfs.StatFS{}, err
	}
	var st *gosftp.StatVFS
	err = h.call(ctx, "statfs", clean, func(c *gosftp.Client) error {
		var err error
		st, err = c.StatVFS(clean)
		return err
	})
	if err != nil {
		return vfs.StatFS{}, err
	}
	return vfs.StatFS{
		Total:      int64(st.Blocks * st.Frsize),
		Free:       int64(st.Bfree * st.Frsize),
		Available:  int64(st.Bavail * st.Frsize),
		VolumeName: h.cfg.Server,
	}, nil
}

// Close cancels running operations and disconnects.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.shut()
	err := h.session.Close()
	h.cache.Close()
	h.logger.Debug("Host closed")
	return err
}
