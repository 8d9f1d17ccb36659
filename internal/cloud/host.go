// Package cloud implements hosts backed by a Dropbox style HTTP API. RPC
// calls carry JSON bodies; downloads and uploads stream through
// transfers with explicit lifecycle states and callbacks.
package cloud

import (
	"context"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/internal/cache"
	"github.com/objectfs/vfs/internal/circuit"
	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/retry"
	"github.com/objectfs/vfs/pkg/vfs"
)

// Tag is the backend tag of cloud hosts.
const Tag = "cloud"

const (
	DefaultAPIURL     = "https://api.dropboxapi.com"
	DefaultContentURL = "https://content.dropboxapi.com"
)

// Options configures a cloud host.
type Options struct {
	Logger      *zap.Logger
	Credentials vfs.CredentialProvider
	Metrics     *metrics.Collector
	HTTPClient  *http.Client

	APIURL     string
	ContentURL string
	// ChunkSize is the upload session chunk. Zero means 8 MiB.
	ChunkSize int
	// BufferHighWater pauses a download while this many bytes wait to be
	// read. Zero means 1 MiB.
	BufferHighWater int

	Cache cache.CacheConfig
	Retry *retry.Config
	// Breaker fails calls fast while the service keeps failing. Nil
	// disables it.
	Breaker  *circuit.Config
	ReadOnly bool
}

// Host is one cloud account.
type Host struct {
	cfg     vfs.Configuration
	opts    Options
	logger  *zap.Logger
	client  *client
	cache   *cache.DirCache
	retry   *retry.Retryer
	breaker *circuit.Breaker
	metrics *metrics.Collector

	closing context.Context
	shut    context.CancelFunc

	mu     sync.Mutex
	closed bool
}

var (
	_ vfs.Host     = (*Host)(nil)
	_ vfs.StatFSer = (*Host)(nil)
)

// New creates a host for cfg. The access token is looked up per request.
func New(cfg vfs.Configuration, opts Options) (*Host, error) {
	cfg.Kind = vfs.KindCloud
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if opts.ContentURL == "" {
		opts.ContentURL = DefaultContentURL
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8 << 20
	}
	if opts.BufferHighWater <= 0 {
		opts.BufferHighWater = 1 << 20
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport}
	}
	rc := retry.DefaultConfig()
	if opts.Retry != nil {
		rc = *opts.Retry
	}

	logger := logging.OrNop(opts.Logger).Named(Tag).With(zap.String("account", cfg.Account))
	h := &Host{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		retry:   retry.New(rc),
		breaker: newBreaker(cfg.Account, opts, logger),
		metrics: opts.Metrics,
	}
	h.closing, h.shut = context.WithCancel(context.Background())
	h.cache = cache.NewDirCache(cache.Config{
		CacheConfig: opts.Cache,
		Logger:      logger,
		OnLookup:    opts.Metrics.CacheLookupFunc(Tag),
	})
	h.client = &client{
		http:       hc,
		apiURL:     opts.APIURL,
		contentURL: opts.ContentURL,
		token:      h.token,
		logger:     logger,
	}
	return h, nil
}

// Factory returns a registry factory that checks the account before
// returning.
func Factory(opts Options) vfs.Factory {
	return func(ctx context.Context, cfg vfs.Configuration, parent vfs.Host) (vfs.Host, error) {
		if parent != nil {
			return nil, errors.New(errors.KindInvalidCall, "cloud hosts cannot be stacked")
		}
		h, err := New(cfg, opts)
		if err != nil {
			return nil, err
		}
		if _, err := h.Stat(ctx, "/"); err != nil {
			h.Close()
			return nil, err
		}
		if _, err := h.StatFS(ctx, "/"); err != nil {
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
	return vfs.FeatureRename | vfs.FeatureStatFS
}

// CacheStats reports the directory cache.
func (h *Host) CacheStats() cache.Stats { return h.cache.Stats() }

func (h *Host) token(ctx context.Context) (string, error) {
	cred, err := vfs.LookupCredential(ctx, h.opts.Credentials, h.cfg)
	if err != nil {
		return "", err
	}
	if cred.Token == "" {
		return "", errors.New(errors.KindAuthenticationFailure, "no access token for account").
			WithComponent(Tag).WithContext("account", h.cfg.AccountID())
	}
	return cred.Token, nil
}

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

// attempt runs fn under the breaker and the retry policy.
func (h *Host) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	return h.breaker.Do(ctx, func(ctx context.Context) error {
		return h.retry.Do(ctx, fn)
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
	err := h.attempt(ctx, fn)
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

func newBreaker(account string, opts Options, logger *zap.Logger) *circuit.Breaker {
	if opts.Breaker == nil {
		return nil
	}
	return circuit.New(Tag+":"+account, *opts.Breaker, logger)
}

func entryOf(md metadata) (listing.Entry, bool) {
	e := listing.Entry{Name: md.Name}
	switch md.Tag {
	case "folder":
		e.Type = listing.FileTypeDirectory
		e.Mode = os.ModeDir | 0755
		e.Size = listing.UnknownSize
	case "file":
		e.Type = listing.FileTypeRegular
		e.Mode = 0644
		e.Size = md.Size
		e.MTime = md.ClientModified
		if e.MTime.IsZero() {
			e.MTime = md.ServerModified
		}
		e.CTime = md.ServerModified
	default:
		// Deleted entries only show up in change feeds.
		return e, false
	}
	return e, true
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

func (h *Host) fetch(ctx context.Context, key string) (*listing.Listing, error) {
	dir := path.Clean(key)
	var entries []metadata
	err := h.run(ctx, "resolve", dir, func(ctx context.Context) error {
		var err error
		entries, err = h.client.listFolder(ctx, dir)
		return err
	})
	if err != nil {
		// Listing a file is reported as a conflict by the API.
		if e := errors.As(err); e.Code == http.StatusConflict && strings.HasPrefix(e.Message, "path/not_folder") {
			return nil, errors.New(errors.KindInvalidCall, "not a directory").WithCause(e).WithPath(dir).WithComponent(Tag)
		}
		return nil, err
	}

	b := listing.NewBuilder(dir, vfs.ListingHost(h))
	seen := make(map[string]struct{}, len(entries))
	for _, md := range entries {
		e, ok := entryOf(md)
		if !ok {
			continue
		}
		if _, dup := seen[e.Name]; dup {
			continue
		}
		seen[e.Name] = struct{}{}
		b.Add(e)
	}
	return b.Build()
}

// Stat queries get_metadata.
func (h *Host) Stat(ctx context.Context, p string) (vfs.Stat, error) {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	if clean == "/" {
		// The API has no metadata for the root; listing it checks the token.
		if _, err := h.Resolve(ctx, "/"); err != nil {
			return vfs.Stat{}, err
		}
		return vfs.Stat{Entry: listing.Entry{Name: "/", Type: listing.FileTypeDirectory, Mode: os.ModeDir | 0755, Size: listing.UnknownSize}}, nil
	}

	var md metadata
	err = h.run(ctx, "stat", clean, func(ctx context.Context) error {
		var err error
		md, err = h.client.getMetadata(ctx, clean)
		return err
	})
	if err != nil {
		return vfs.Stat{}, err
	}
	e, ok := entryOf(md)
	if !ok {
		return vfs.Stat{}, errors.New(errors.KindNotFound, "no such file or directory").WithPath(clean).WithComponent(Tag)
	}
	if e.Name == "" {
		e.Name = path.Base(clean)
	}
	return vfs.Stat{Entry: e}, nil
}

// OpenFile opens a download (OpenRead) or an upload (OpenWriteTruncate).
// Appending and read-write access are not available.
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
	if mode.Append() || (mode.Readable() && mode.Writable()) {
		return nil, errors.NotSupported("open " + mode.String()).WithPath(clean).WithComponent(Tag)
	}
	if mode.Writable() {
		if err := h.mutable(clean); err != nil {
			return nil, err
		}
		if err := vfs.ValidateFilename(path.Base(clean)); err != nil {
			return nil, err
		}
	}

	size := vfs.UnknownSize
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
	case errors.IsKind(err, errors.KindNotFound) && mode.Create():
		size = 0
	default:
		return nil, err
	}
	if mode.Writable() {
		size = 0
	}

	fctx, release := h.bind(ctx)
	h.logger.Debug("Opened file", logging.Path(clean), zap.Stringer("mode", mode))
	return &file{
		host:       h,
		ctx:        fctx,
		release:    release,
		path:       clean,
		mode:       mode,
		size:       size,
		uploadSize: -1,
	}, nil
}

// CreateDirectory calls create_folder_v2.
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
		return h.client.rpc(ctx, "files/create_folder_v2", map[string]interface{}{
			"path":       clean,
			"autorename": false,
		}, nil)
	})
	if err == nil {
		h.cache.Changed(clean, false)
	}
	return err
}

// Remove deletes a file or an empty folder. The API deletes folders
// recursively, so emptiness is checked first.
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
	if st.IsDir() {
		l, err := h.Resolve(ctx, clean, vfs.ForceRefresh())
		if err != nil {
			return err
		}
		if l.Count() > 0 {
			return errors.New(errors.KindInvalidCall, "directory not empty").WithPath(clean).WithComponent(Tag)
		}
	}

	err = h.run(ctx, "remove", clean, func(ctx context.Context) error {
		return h.client.rpc(ctx, "files/delete_v2", map[string]string{"path": clean}, nil)
	})
	if err == nil {
		h.cache.Changed(clean, st.IsDir())
	}
	return err
}

// Rename calls move_v2.
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
		return h.client.rpc(ctx, "files/move_v2", map[string]interface{}{
			"from_path":  src,
			"to_path":    dst,
			"autorename": false,
		}, nil)
	})
	if err == nil {
		h.cache.Changed(src, true)
		h.cache.Changed(dst, true)
	}
	return err
}

// StatFS reports the account's space usage.
func (h *Host) StatFS(ctx context.Context, p string) (vfs.StatFS, error) {
	var usage spaceUsage
	err := h.run(ctx, "statfs", p, func(ctx context.Context) error {
		return h.client.rpc(ctx, "users/get_space_usage", nil, &usage)
	})
	if err != nil {
		return vfs.StatFS{}, err
	}
	free := usage.Allocation.Allocated - usage.Used
	if free < 0 {
		free = 0
	}
	return vfs.StatFS{
		Total:      usage.Allocation.Allocated,
		Free:       free,
		Available:  free,
		VolumeName: h.cfg.Account,
	}, nil
}

// Close cancels running requests and transfers.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.shut()
	h.cache.Close()
	h.logger.Debug("Host closed")
	return nil
}
