package s3

import (
	"context"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/vfs/internal/cache"
	"github.com/objectfs/vfs/internal/circuit"
	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/retry"
	"github.com/objectfs/vfs/pkg/vfs"
)

// Tag is the backend tag of S3 hosts.
const Tag = "s3"

// dirMarkerType is the content type of the empty objects that stand for
// directories.
const dirMarkerType = "application/x-directory"

// Host is one bucket.
type Host struct {
	cfg     vfs.Configuration
	opts    Options
	logger  *zap.Logger
	bucket  string
	cache   *cache.DirCache
	retry   *retry.Retryer
	breaker *circuit.Breaker
	metrics *metrics.Collector
	tiers   *TierValidator
	uploads *MultipartStateManager

	closing context.Context
	shut    context.CancelFunc

	mu     sync.Mutex
	closed bool
	api    API
	upload uploadFunc
}

var _ vfs.Host = (*Host)(nil)

// New creates a host for the bucket in cfg. The SDK client is built on
// first use unless opts.Client is set.
func New(cfg vfs.Configuration, opts Options) (*Host, error) {
	cfg.Kind = vfs.KindS3
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	rc := retry.DefaultConfig()
	if opts.Retry != nil {
		rc = *opts.Retry
	}
	logger := logging.OrNop(opts.Logger).Named(Tag).With(zap.String("bucket", cfg.Bucket))

	h := &Host{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		bucket:  cfg.Bucket,
		retry:   retry.New(rc),
		breaker: newBreaker(cfg.Bucket, opts, logger),
		metrics: opts.Metrics,
		tiers:   NewTierValidator(opts.StorageTier, opts.TierConstraints, logger),
		uploads: NewMultipartStateManager(),
		api:     opts.Client,
	}
	h.closing, h.shut = context.WithCancel(context.Background())
	h.cache = cache.NewDirCache(cache.Config{
		CacheConfig: opts.Cache,
		Logger:      logger,
		OnLookup:    opts.Metrics.CacheLookupFunc(Tag),
	})
	return h, nil
}

// Factory returns a registry factory that checks the bucket before
// returning.
func Factory(opts Options) vfs.Factory {
	return func(ctx context.Context, cfg vfs.Configuration, parent vfs.Host) (vfs.Host, error) {
		if parent != nil {
			return nil, errors.New(errors.KindInvalidCall, "s3 hosts cannot be stacked")
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
	return vfs.FeatureRename | vfs.FeatureRandomRead
}

// CacheStats reports the directory cache.
func (h *Host) CacheStats() cache.Stats { return h.cache.Stats() }

// Upload returns the tracked state of a multipart upload.
func (h *Host) Upload(uploadID string) (MultipartUploadState, bool) {
	return h.uploads.Snapshot(uploadID)
}

// Connect checks that the bucket exists and the credentials are accepted.
func (h *Host) Connect(ctx context.Context) error {
	return h.call(ctx, "connect", "/", func(ctx context.Context, api API) error {
		_, err := api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(h.bucket)})
		return err
	})
}

// client returns the SDK client, building it on first use.
func (h *Host) client(ctx context.Context) (API, uploadFunc, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, errors.New(errors.KindInvalidCall, "host is closed").WithComponent(Tag)
	}
	if h.api != nil {
		return h.api, h.upload, nil
	}
	cred, err := vfs.LookupCredential(ctx, h.opts.Credentials, h.cfg)
	if err != nil {
		return nil, nil, err
	}
	c, err := newClient(ctx, h.cfg, h.opts, cred)
	if err != nil {
		return nil, nil, err
	}
	h.api = c
	if h.opts.EnableCargoShip {
		h.upload = newTransporter(c, h.bucket, h.opts, h.logger)
	}
	h.logger.Debug("Client ready", zap.String("region", h.cfg.Region), zap.String("endpoint", h.cfg.Endpoint))
	return h.api, h.upload, nil
}

// currentAPI returns the client if one was built, even after Close.
func (h *Host) currentAPI() API {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.api
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

// run executes one retried, instrumented host operation.
func (h *Host) run(ctx context.Context, op, p string, fn func(ctx context.Context) error) error {
	if err := h.usable(); err != nil {
		return err
	}
	ctx, release := h.bind(ctx)
	defer release()

	start := time.Now()
	err := h.breaker.Do(ctx, func(ctx context.Context) error {
		return h.retry.Do(ctx, fn)
	})
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

func newBreaker(bucket string, opts Options, logger *zap.Logger) *circuit.Breaker {
	if opts.Breaker == nil {
		return nil
	}
	return circuit.New(Tag+":"+bucket, *opts.Breaker, logger)
}

// call is run with the client at hand. Each attempt gets its own request
// deadline.
func (h *Host) call(ctx context.Context, op, p string, fn func(ctx context.Context, api API) error) error {
	return h.run(ctx, op, p, func(ctx context.Context) error {
		api, _, err := h.client(ctx)
		if err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
		defer cancel()
		err = translate(fn(rctx, api))
		if err != nil && ctx.Err() != nil {
			return errors.FromContext(ctx).WithCause(err).WithComponent(Tag)
		}
		return err
	})
}

// keyOf maps a host path to an object key. The root is the empty key.
func keyOf(p string) string { return strings.TrimPrefix(p, "/") }

// prefixOf is the key prefix of the objects below directory p.
func prefixOf(p string) string {
	if k := keyOf(p); k != "" {
		return k + "/"
	}
	return ""
}

func ext(key string) string { return strings.ToLower(path.Ext(key)) }

func fileEntry(name string, size int64, mtime *time.Time) listing.Entry {
	e := listing.Entry{Name: name, Type: listing.FileTypeRegular, Mode: 0644, Size: size}
	if mtime != nil {
		e.MTime = *mtime
	}
	return e
}

func dirEntry(name string) listing.Entry {
	return listing.Entry{Name: name, Type: listing.FileTypeDirectory, Mode: os.ModeDir | 0755, Size: listing.UnknownSize}
}

// object is a HEAD result.
type object struct {
	size     int64
	modified time.Time
	class    string
	restored bool
}

// head looks up the object at key. A missing object is reported as
// KindNotFound.
func head(ctx context.Context, api API, bucket, key string) (object, error) {
	out, err := api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return object{}, translate(err)
	}
	o := object{
		size:  aws.ToInt64(out.ContentLength),
		class: string(out.StorageClass),
	}
	if out.LastModified != nil {
		o.modified = *out.LastModified
	}
	if out.Restore != nil {
		o.restored = strings.Contains(*out.Restore, `ongoing-request="false"`)
	}
	return o, nil
}

// hasChildren reports whether any object lives below prefix, ignoring the
// marker named by prefix itself when skipMarker is set.
func hasChildren(ctx context.Context, api API, bucket, prefix string, skipMarker bool) (children, marker bool, err error) {
	out, err := api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return false, false, err
	}
	for _, o := range out.Contents {
		if aws.ToString(o.Key) == prefix {
			marker = true
			if skipMarker {
				continue
			}
		}
		children = true
	}
	return children, marker, nil
}

// lookup stats p: an object at its key, or a directory when anything
// lives below it.
func (h *Host) lookup(ctx context.Context, api API, p string) (listing.Entry, object, error) {
	if p == "/" {
		return dirEntry("/"), object{}, nil
	}
	name := path.Base(p)
	o, err := head(ctx, api, h.bucket, keyOf(p))
	if err == nil {
		return fileEntry(name, o.size, &o.modified), o, nil
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return listing.Entry{}, object{}, err
	}
	children, _, err := hasChildren(ctx, api, h.bucket, prefixOf(p), false)
	if err != nil {
		return listing.Entry{}, object{}, err
	}
	if !children {
		return listing.Entry{}, object{}, errors.New(errors.KindNotFound, "no such file or directory").WithPath(p).WithComponent(Tag)
	}
	return dirEntry(name), object{}, nil
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

// fetch is the cache filler: a delimited listing of the directory prefix.
// Common prefixes become directories and objects become files.
func (h *Host) fetch(ctx context.Context, key string) (*listing.Listing, error) {
	dir := path.Clean(key)
	prefix := prefixOf(dir)
	var (
		dirs    []string
		files   []types.Object
		present bool
	)
	err := h.call(ctx, "resolve", dir, func(ctx context.Context, api API) error {
		dirs, files, present = nil, nil, dir == "/"
		pages := s3.NewListObjectsV2Paginator(api, &s3.ListObjectsV2Input{
			Bucket:    aws.String(h.bucket),
			Prefix:    aws.String(prefix),
			Delimiter: aws.String("/"),
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, cp := range page.CommonPrefixes {
				dirs = append(dirs, strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/"))
				present = true
			}
			for _, o := range page.Contents {
				present = true
				if aws.ToString(o.Key) != prefix {
					files = append(files, o)
				}
			}
		}
		if present {
			return nil
		}
		if _, err := head(ctx, api, h.bucket, keyOf(dir)); err == nil {
			return errors.New(errors.KindInvalidCall, "not a directory").WithPath(dir).WithComponent(Tag)
		}
		return errors.New(errors.KindNotFound, "no such directory").WithPath(dir).WithComponent(Tag)
	})
	if err != nil {
		return nil, err
	}

	b := listing.NewBuilder(dir, vfs.ListingHost(h))
	seen := make(map[string]struct{}, len(dirs))
	for _, name := range dirs {
		if name == "" {
			continue
		}
		seen[name] = struct{}{}
		b.Add(dirEntry(name))
	}
	for _, o := range files {
		name := strings.TrimPrefix(aws.ToString(o.Key), prefix)
		if _, dup := seen[name]; dup || name == "" {
			// a key "a" next to keys below "a/"; the directory wins
			h.logger.Debug("Object shadowed by a directory", logging.Path(path.Join(dir, name)))
			continue
		}
		b.Add(fileEntry(name, aws.ToInt64(o.Size), o.LastModified))
	}
	return b.Build()
}

// Stat describes p.
func (h *Host) Stat(ctx context.Context, p string) (vfs.Stat, error) {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	var e listing.Entry
	err = h.call(ctx, "stat", clean, func(ctx context.Context, api API) error {
		var err error
		e, _, err = h.lookup(ctx, api, clean)
		return err
	})
	if err != nil {
		return vfs.Stat{}, err
	}
	return vfs.Stat{Entry: e}, nil
}

// requireDir fails unless p is an existing directory.
func (h *Host) requireDir(ctx context.Context, api API, p string) error {
	e, _, err := h.lookup(ctx, api, p)
	if err != nil {
		return err
	}
	if !e.IsDir() {
		return errors.New(errors.KindInvalidCall, "not a directory").WithPath(p).WithComponent(Tag)
	}
	return nil
}

// OpenFile opens an object. Objects are immutable: writes replace the
// whole object when the file is closed, so append and read-write modes are
// not supported.
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
		return nil, errors.NotSupported("open "+mode.String()).WithPath(clean).WithComponent(Tag)
	}
	if mode.Writable() {
		if err := h.mutable(clean); err != nil {
			return nil, err
		}
		if mode.Create() {
			if err := vfs.ValidateFilename(path.Base(clean)); err != nil {
				return nil, err
			}
		}
	}

	var (
		e   listing.Entry
		obj object
	)
	err = h.call(ctx, "open", clean, func(ctx context.Context, api API) error {
		var err error
		e, obj, err = h.lookup(ctx, api, clean)
		switch {
		case err == nil:
			if e.IsDir() {
				return errors.New(errors.KindInvalidCall, "is a directory").WithPath(clean).WithComponent(Tag)
			}
			if mode.Exclusive() {
				return errors.New(errors.KindAlreadyExists, "file exists").WithPath(clean).WithComponent(Tag)
			}
			return nil
		case errors.IsKind(err, errors.KindNotFound) && mode.Create():
			return h.requireDir(ctx, api, path.Dir(clean))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	fctx, release := h.bind(ctx)
	if mode.Readable() {
		if archivedClass(obj.class) && !obj.restored {
			release()
			return nil, errors.Newf(errors.KindNotSupported, "object is archived in %s and must be restored first", obj.class).
				WithPath(clean).WithComponent(Tag)
		}
		h.logger.Debug("Opened object", logging.Path(clean), zap.Int64("size", obj.size))
		return &reader{host: h, path: clean, key: keyOf(clean), size: obj.size, ctx: fctx, release: release}, nil
	}
	h.logger.Debug("Opened object for writing", logging.Path(clean))
	return &writer{host: h, path: clean, key: keyOf(clean), size: vfs.UnknownSize, ctx: fctx, release: release}, nil
}

// CreateDirectory writes a directory marker. perm is ignored.
func (h *Host) CreateDirectory(ctx context.Context, p string, perm os.FileMode) error {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return err
	}
	if err := h.mutable(clean); err != nil {
		return err
	}
	if clean == "/" {
		return errors.New(errors.KindAlreadyExists, "file exists").WithPath(clean).WithComponent(Tag)
	}
	if err := vfs.ValidateFilename(path.Base(clean)); err != nil {
		return err
	}
	err = h.call(ctx, "create_directory", clean, func(ctx context.Context, api API) error {
		if _, _, err := h.lookup(ctx, api, clean); err == nil {
			return errors.New(errors.KindAlreadyExists, "file exists").WithPath(clean).WithComponent(Tag)
		} else if !errors.IsKind(err, errors.KindNotFound) {
			return err
		}
		if err := h.requireDir(ctx, api, path.Dir(clean)); err != nil {
			return err
		}
		_, err := api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(h.bucket),
			Key:           aws.String(prefixOf(clean)),
			Body:          strings.NewReader(""),
			ContentLength: aws.Int64(0),
			ContentType:   aws.String(dirMarkerType),
		})
		return err
	})
	if err == nil {
		h.cache.Changed(clean, false)
	}
	return err
}

// Remove deletes an object or an empty directory.
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
	err = h.call(ctx, "remove", clean, func(ctx context.Context, api API) error {
		key := keyOf(clean)
		o, err := head(ctx, api, h.bucket, key)
		if err == nil {
			if err := h.tiers.ValidateDelete(key, time.Since(o.modified)); err != nil {
				return err
			}
			return deleteObject(ctx, api, h.bucket, key)
		}
		if !errors.IsKind(err, errors.KindNotFound) {
			return err
		}
		children, marker, err := hasChildren(ctx, api, h.bucket, prefixOf(clean), true)
		switch {
		case err != nil:
			return err
		case children:
			return errors.New(errors.KindInvalidCall, "directory not empty").WithPath(clean).WithComponent(Tag)
		case !marker:
			return errors.New(errors.KindNotFound, "no such file or directory").WithPath(clean).WithComponent(Tag)
		}
		isDir = true
		return deleteObject(ctx, api, h.bucket, prefixOf(clean))
	})
	if err == nil {
		h.cache.Changed(clean, isDir)
	}
	return err
}

func deleteObject(ctx context.Context, api API, bucket, key string) error {
	_, err := api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	return err
}

func copySource(bucket, key string) string {
	return (&url.URL{Path: bucket + "/" + key}).EscapedPath()
}

// Rename copies and then deletes. Directories are moved object by object;
// a failure part way leaves both trees partly populated.
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
	if src == "/" {
		return errors.New(errors.KindInvalidCall, "cannot rename the host root").WithComponent(Tag)
	}
	if err := vfs.ValidateFilename(path.Base(dst)); err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if strings.HasPrefix(dst, src+"/") {
		return errors.New(errors.KindInvalidCall, "cannot move a directory into itself").WithPath(dst).WithComponent(Tag)
	}

	isDir := false
	err = h.call(ctx, "rename", src, func(ctx context.Context, api API) error {
		e, o, err := h.lookup(ctx, api, src)
		if err != nil {
			return err
		}
		if err := h.requireDir(ctx, api, path.Dir(dst)); err != nil {
			return err
		}
		de, _, err := h.lookup(ctx, api, dst)
		switch {
		case err == nil && (e.IsDir() || de.IsDir()):
			return errors.New(errors.KindAlreadyExists, "destination exists").WithPath(dst).WithComponent(Tag)
		case err != nil && !errors.IsKind(err, errors.KindNotFound):
			return err
		}
		if !e.IsDir() {
			if err := h.copyObject(ctx, api, keyOf(src), keyOf(dst), o.class); err != nil {
				return err
			}
			return deleteObject(ctx, api, h.bucket, keyOf(src))
		}
		isDir = true
		return h.moveTree(ctx, api, prefixOf(src), prefixOf(dst))
	})
	if err == nil {
		h.cache.Changed(src, isDir)
		h.cache.Changed(dst, isDir)
	}
	return err
}

func (h *Host) copyObject(ctx context.Context, api API, from, to, class string) error {
	in := &s3.CopyObjectInput{
		Bucket:     aws.String(h.bucket),
		Key:        aws.String(to),
		CopySource: aws.String(copySource(h.bucket, from)),
	}
	if class != "" {
		in.StorageClass = types.StorageClass(class)
	}
	_, err := api.CopyObject(ctx, in)
	return err
}

// moveTree copies every object below from to the same place below to, then
// deletes the originals.
func (h *Host) moveTree(ctx context.Context, api API, from, to string) error {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(api, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.bucket),
		Prefix: aws.String(from),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, o := range page.Contents {
			keys = append(keys, aws.ToString(o.Key))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.opts.MultipartConcurrency)
	for _, k := range keys {
		g.Go(func() error {
			return h.copyObject(gctx, api, k, to+strings.TrimPrefix(k, from), "")
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(h.opts.MultipartConcurrency)
	for _, k := range keys {
		g.Go(func() error { return deleteObject(gctx, api, h.bucket, k) })
	}
	return g.Wait()
}

// Close aborts unfinished uploads and releases the host. Open files fail
// with KindCancelled afterwards.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	api := h.api
	h.mu.Unlock()

	h.shut()
	if api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.RequestTimeout)
		defer cancel()
		for id, key := range h.uploads.InProgress() {
			h.abort(ctx, api, key, id)
		}
	}
	h.cache.Close()
	return nil
}

// abort cancels a multipart upload. Failures only leave an orphaned
// upload behind, which bucket lifecycle rules clean up.
func (h *Host) abort(ctx context.Context, api API, key, uploadID string) {
	_, err := api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(h.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		h.logger.Warn("Could not abort multipart upload", zap.String("key", key), zap.String("upload_id", uploadID), logging.Err(err))
		h.uploads.SetStatus(uploadID, UploadStatusFailed)
		return
	}
	h.uploads.SetStatus(uploadID, UploadStatusAborted)
}
