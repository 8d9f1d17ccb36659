// Package ftp implements hosts backed by FTP servers. Control connections
// are pooled; every transfer uses its own passive data connection.
// Directory listings go through a coalescing cache.
package ftp

import (
	"context"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/internal/cache"
	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/recovery"
	"github.com/objectfs/vfs/pkg/retry"
	"github.com/objectfs/vfs/pkg/vfs"
)

// Tag is the backend tag of FTP hosts.
const Tag = "ftp"

// Options configures an FTP host.
type Options struct {
	Logger      *zap.Logger
	Credentials vfs.CredentialProvider
	Metrics     *metrics.Collector

	// PoolSize bounds concurrent control connections. Zero means 4.
	PoolSize int
	// IdleTimeout disconnects control connections unused for this long.
	// Zero means 60s; negative disables the reaper.
	IdleTimeout time.Duration
	// Timeout bounds a single command exchange. Zero means 30s.
	Timeout time.Duration
	// DisableEPSV opens data connections with PASV only, for servers
	// that mishandle EPSV.
	DisableEPSV bool

	Cache    cache.CacheConfig
	Retry    *retry.Config
	Recovery recovery.Config
	ReadOnly bool
}

// Host is one FTP server account.
type Host struct {
	cfg     vfs.Configuration
	opts    Options
	logger  *zap.Logger
	pool    *Pool
	cache   *cache.DirCache
	retry   *retry.Retryer
	metrics *metrics.Collector

	closing context.Context
	shut    context.CancelFunc

	mu     sync.Mutex
	closed bool
}

var _ vfs.Host = (*Host)(nil)

// New creates a host for cfg. No connection is made until the first
// operation; use Connect to check the server up front.
func New(cfg vfs.Configuration, opts Options) (*Host, error) {
	cfg.Kind = vfs.KindFTP
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	rc := retry.DefaultConfig()
	if opts.Retry != nil {
		rc = *opts.Retry
	}

	logger := logging.OrNop(opts.Logger).Named(Tag).With(zap.String("server", cfg.Server))
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

	idle := opts.IdleTimeout
	if idle < 0 {
		idle = 0
	}
	addr := net.JoinHostPort(cfg.Server, strconv.Itoa(cfg.EffectivePort()))
	h.pool = newPool(poolConfig{
		size:        opts.PoolSize,
		idleTimeout: idle,
		recovery:    opts.Recovery,
		logger:      logger,
		metrics:     opts.Metrics,
		dial: func(ctx context.Context) (*conn, error) {
			cred, err := vfs.LookupCredential(ctx, opts.Credentials, cfg)
			if err != nil {
				return nil, err
			}
			return dial(ctx, dialConfig{
				addr:    addr,
				user:    cfg.User,
				cred:    cred,
				timeout: opts.Timeout,
				noEPSV:  opts.DisableEPSV,
				logger:  logger,
			})
		},
	})
	return h, nil
}

// Factory returns a registry factory that connects before returning.
func Factory(opts Options) vfs.Factory {
	return func(ctx context.Context, cfg vfs.Configuration, parent vfs.Host) (vfs.Host, error) {
		if parent != nil {
			return nil, errors.New(errors.KindInvalidCall, "ftp hosts cannot be stacked")
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
func (h *Host) Features() vfs.Features           { return vfs.FeatureRename }
func (h *Host) IsWritable() bool                 { return !h.opts.ReadOnly }

// PoolStats reports the control connection pool.
func (h *Host) PoolStats() PoolStats { return h.pool.Stats() }

// CacheStats reports the directory cache.
func (h *Host) CacheStats() cache.Stats { return h.cache.Stats() }

// Connect logs in on one pooled connection.
func (h *Host) Connect(ctx context.Context) error {
	return h.run(ctx, "connect", "", func(ctx context.Context) error {
		return h.pool.do(ctx, func(ctx context.Context, c *conn) error { return nil })
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

// fetch is the cache filler: one LIST of dir.
func (h *Host) fetch(ctx context.Context, key string) (*listing.Listing, error) {
	dir := path.Clean(key)
	var lines []string
	err := h.run(ctx, "resolve", dir, func(ctx context.Context) error {
		return h.pool.do(ctx, func(ctx context.Context, c *conn) error {
			var err error
			lines, err = c.list(ctx, dir)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	b := listing.NewBuilder(dir, vfs.ListingHost(h))
	seen := make(map[string]struct{})
	for _, e := range parseList(lines, time.Now(), h.logger) {
		if _, dup := seen[e.Name]; dup {
			continue
		}
		seen[e.Name] = struct{}{}
		b.Add(e)
	}
	return b.Build()
}

// Stat uses SIZE and MDTM for files and falls back to the parent listing,
// which also identifies directories.
func (h *Host) Stat(ctx context.Context, p string) (vfs.Stat, error) {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	if clean == "/" {
		return vfs.Stat{Entry: listing.Entry{Name: "/", Type: listing.FileTypeDirectory, Mode: os.ModeDir | 0755, Size: listing.UnknownSize}}, nil
	}

	var st vfs.Stat
	err = h.run(ctx, "stat", clean, func(ctx context.Context) error {
		return h.pool.do(ctx, func(ctx context.Context, c *conn) error {
			size, err := c.size(ctx, clean)
			if err != nil {
				return err
			}
			mtime, err := c.mdtm(ctx, clean)
			if err != nil {
				return err
			}
			st.Entry = listing.Entry{Name: path.Base(clean), Type: listing.FileTypeRegular, Mode: 0644, Size: size, MTime: mtime}
			return nil
		})
	})
	if err == nil {
		return st, nil
	}
	switch errors.KindOf(err) {
	case errors.KindNetworkFailure, errors.KindCancelled, errors.KindAuthenticationFailure, errors.KindInvalidCall:
		return vfs.Stat{}, err
	}

	l, lerr := h.Resolve(ctx, vfs.Parent(clean))
	if lerr != nil {
		return vfs.Stat{}, lerr
	}
	e, ok := l.Lookup(path.Base(clean))
	if !ok {
		return vfs.Stat{}, errors.New(errors.KindNotFound, "no such file or directory").WithPath(clean).WithComponent(Tag)
	}
	return vfs.Stat{Entry: e}, nil
}

// OpenFile opens a sequential transfer handle. The transfer itself starts
// with the first Read or Write.
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
	if mode.Writable() && h.opts.ReadOnly {
		return nil, errors.New(errors.KindPermissionDenied, "read-only host").WithPath(clean).WithComponent(Tag)
	}
	if mode.Create() {
		if err := vfs.ValidateFilename(path.Base(clean)); err != nil {
			return nil, err
		}
	}

	size := vfs.UnknownSize
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
		size = st.Size
		if mode.Truncate() {
			size = 0
		}
	case errors.IsKind(err, errors.KindNotFound) && mode.Create():
		size, created = 0, true
	default:
		return nil, err
	}

	fctx, release := h.bind(ctx)
	h.logger.Debug("Opened file", logging.Path(clean), zap.Stringer("mode", mode))
	return &file{
		host:    h,
		ctx:     fctx,
		release: release,
		path:    clean,
		mode:    mode,
		size:    size,
		created: created,
	}, nil
}

func (h *Host) mutable(p string) error {
	if h.opts.ReadOnly {
		return errors.New(errors.KindPermissionDenied, "read-only host").WithPath(p).WithComponent(Tag)
	}
	return nil
}

// CreateDirectory sends MKD.
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
	err = h.run(ctx, "create_directory", clean, func(ctx context.Context) error {
		return h.pool.do(ctx, func(ctx context.Context, c *conn) error {
			_, err := c.expect(ctx, 2, "MKD %s", clean)
			return err
		})
	})
	if err == nil {
		h.cache.Changed(clean, false)
	}
	return err
}

// Remove sends DELE for files and RMD for directories.
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
	st, err := h.Stat(ctx, clean)
	if err != nil {
		return err
	}

	isDir := st.IsDir()
	err = h.run(ctx, "remove", clean, func(ctx context.Context) error {
		return h.pool.do(ctx, func(ctx context.Context, c *conn) error {
			if !isDir {
				_, err := c.expect(ctx, 2, "DELE %s", clean)
				return err
			}
			msg, err := c.expect(ctx, 2, "RMD %s", clean)
			if err != nil && strings.Contains(strings.ToLower(msg), "not empty") {
				return errors.New(errors.KindInvalidCall, "directory not empty").WithCause(err).WithComponent(Tag)
			}
			return err
		})
	})
	if err == nil {
		h.cache.Changed(clean, isDir)
	}
	return err
}

// Rename sends RNFR and RNTO.
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
	err = h.run(ctx, "rename", src, func(ctx context.Context) error {
		return h.pool.do(ctx, func(ctx context.Context, c *conn) error {
			if _, err := c.expect(ctx, 3, "RNFR %s", src); err != nil {
				return err
			}
			_, err := c.expect(ctx, 2, "RNTO %s", dst)
			return err
		})
	})
	if err == nil {
		h.cache.Changed(src, true)
		h.cache.Changed(dst, true)
	}
	return err
}

// Close cancels running operations and disconnects the pool.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.shut()
	err := h.pool.Close()
	h.cache.Close()
	h.logger.Debug("Host closed")
	return err
}
