// Package archive mounts zip, tar and compressed stream files of any host
// as read-only hosts stacked on it. The archive is indexed once when it is
// opened; member content is read from the parent file in place when the
// parent supports random reads and the member is stored uncompressed.
package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/vfs"
)

// Tag is the backend tag of archive hosts.
const Tag = "archive"

const defaultMaxSpool = 256 << 20

// Options configures archive hosts.
type Options struct {
	Logger *zap.Logger
	// MaxSpool bounds the bytes held in memory for archives whose parent
	// file cannot be read randomly and for decoded members of compressed
	// archives. Zero means 256 MiB.
	MaxSpool int64
	// Format overrides detection from the file name.
	Format Format
}

// Host is one opened archive.
type Host struct {
	cfg    vfs.Configuration
	parent vfs.Host
	format Format
	logger *zap.Logger
	tree   *tree

	// src stays open while members are read from it in place.
	src io.Closer

	mu     sync.Mutex
	closed bool
}

var _ vfs.Host = (*Host)(nil)

// lockedReaderAt serializes reads of the parent file, which allows one
// operation at a time.
type lockedReaderAt struct {
	mu sync.Mutex
	f  vfs.File
}

func (l *lockedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.ReadAt(p, off)
}

// Open indexes the archive at archivePath on parent and returns a host
// stacked on it. The parent is retained until the host is closed. ctx
// bounds the indexing only.
func Open(ctx context.Context, parent vfs.Host, archivePath string, opts Options) (*Host, error) {
	if parent == nil {
		return nil, errors.New(errors.KindInvalidCall, "archive requires a parent host")
	}
	p, err := vfs.Normalize(archivePath)
	if err != nil {
		return nil, err
	}
	format := opts.Format
	if format == FormatUnknown {
		f, ok := DetectFormat(path.Base(p))
		if !ok {
			return nil, errors.New(errors.KindNotSupported, "not a recognized archive").WithPath(p).WithComponent(Tag)
		}
		format = f
	}
	if opts.MaxSpool <= 0 {
		opts.MaxSpool = defaultMaxSpool
	}
	logger := logging.OrNop(opts.Logger).Named(Tag).With(logging.Path(p), zap.Stringer("format", format))

	st, err := parent.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, errors.New(errors.KindInvalidCall, "is a directory").WithPath(p).WithComponent(Tag)
	}

	// Member reads outlive ctx, so the parent file does not inherit its
	// cancellation.
	f, err := parent.OpenFile(context.WithoutCancel(ctx), p, vfs.OpenRead)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	h := &Host{
		cfg:    vfs.Configuration{Kind: vfs.KindArchive, Path: p},
		format: format,
		logger: logger,
		tree:   newTree(st.MTime),
	}
	keep, err := h.index(ctx, f, opts.MaxSpool)
	if err != nil {
		f.Close()
		return nil, errors.As(err).WithPath(p).WithOperation("open")
	}
	if h.parent, err = vfs.Retain(parent); err != nil {
		f.Close()
		return nil, err
	}
	if keep {
		h.src = f
	} else {
		f.Close()
	}

	logger.Debug("Archive indexed", zap.Int("members", h.tree.members),
		logging.Duration(time.Since(start)), zap.Bool("in_place", keep))
	return h, nil
}

// index builds the tree. It reports whether members refer to f, which then
// has to stay open.
func (h *Host) index(ctx context.Context, f vfs.File, maxSpool int64) (bool, error) {
	sp := &spool{limit: maxSpool}

	var (
		ra   io.ReaderAt
		size = f.Size()
		keep bool
	)
	if f.ReadParadigm() == vfs.ReadRandom && size >= 0 {
		ra, keep = &lockedReaderAt{f: f}, true
	} else {
		data, err := sp.read(readerCtx{ctx: ctx, r: f}, size)
		if err != nil {
			return false, err
		}
		ra, size = bytes.NewReader(data), int64(len(data))
	}
	stream := io.NewSectionReader(ra, 0, size)

	switch h.format {
	case FormatZip:
		return keep, indexZip(ctx, h.tree, ra, size)
	case FormatTar:
		return keep, indexTar(ctx, h.tree, stream, ra, sp)
	}

	// Compressed formats are decoded into the spool.
	zr, name, err := decompress(h.format, stream)
	if err != nil {
		return false, err
	}
	defer zr.Close()
	if h.format == FormatTarGzip || h.format == FormatTarZstd {
		return false, indexTar(ctx, h.tree, zr, nil, sp)
	}
	if name == "" || path.Base(name) != name {
		name = memberName(path.Base(h.cfg.Path), h.format)
	}
	return false, indexSingle(ctx, h.tree, name, zr, sp)
}

// readerCtx stops a copy when ctx ends.
type readerCtx struct {
	ctx context.Context
	r   io.Reader
}

func (r readerCtx) Read(p []byte) (int, error) {
	if err := errors.Check(r.ctx); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// Factory returns a registry factory for archive hosts. The configuration
// path names the archive file on the parent.
func Factory(opts Options) vfs.Factory {
	return func(ctx context.Context, cfg vfs.Configuration, parent vfs.Host) (vfs.Host, error) {
		if cfg.Kind != vfs.KindArchive {
			return nil, errors.Newf(errors.KindInvalidCall, "archive factory cannot open %q", cfg.Kind)
		}
		return Open(ctx, parent, cfg.Path, opts)
	}
}

func (h *Host) Tag() string                      { return Tag }
func (h *Host) Configuration() vfs.Configuration { return h.cfg }
func (h *Host) Parent() vfs.Host                 { return h.parent }
func (h *Host) JunctionPath() string             { return h.cfg.Path }
func (h *Host) IsWritable() bool                 { return false }

// Format returns the container format.
func (h *Host) Format() Format { return h.format }

func (h *Host) Features() vfs.Features {
	if h.format == FormatZip {
		return 0
	}
	return vfs.FeatureRandomRead
}

func (h *Host) usable(ctx context.Context) error {
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

func readOnly(op, p string) error {
	return errors.NotSupported(op).WithPath(p).WithComponent(Tag).WithContext("reason", "archives are read-only")
}

// Resolve lists a directory of the archive.
func (h *Host) Resolve(ctx context.Context, p string, opts ...vfs.ResolveOption) (*listing.Listing, error) {
	dir, err := vfs.Normalize(p)
	if err != nil {
		return nil, err
	}
	if err := h.usable(ctx); err != nil {
		return nil, err
	}
	n, err := h.tree.lookup(dir, true)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, errors.New(errors.KindInvalidCall, "not a directory").WithPath(dir).WithComponent(Tag)
	}

	b := listing.NewBuilder(dir, vfs.ListingHost(h))
	vfs.AddDotDot(b, dir, vfs.ApplyResolveOptions(opts...))
	for _, name := range n.names() {
		b.Add(n.children[name].entry)
	}
	return b.Build()
}

// Stat describes a member, following symlinks inside the archive.
func (h *Host) Stat(ctx context.Context, p string) (vfs.Stat, error) {
	clean, err := vfs.Normalize(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	if err := h.usable(ctx); err != nil {
		return vfs.Stat{}, err
	}
	n, err := h.tree.lookup(clean, true)
	if err != nil {
		return vfs.Stat{}, err
	}
	e := n.entry
	e.Name = path.Base(clean)
	return vfs.Stat{Entry: e}, nil
}

// OpenFile opens a member for reading.
func (h *Host) OpenFile(ctx context.Context, p string, mode vfs.OpenMode) (vfs.File, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	clean, err := vfs.Normalize(p)
	if err != nil {
		return nil, err
	}
	if err := h.usable(ctx); err != nil {
		return nil, err
	}
	if mode.Writable() {
		return nil, readOnly("open "+mode.String(), clean)
	}
	n, err := h.tree.lookup(clean, true)
	if err != nil {
		return nil, err
	}
	switch {
	case n.isDir():
		return nil, errors.New(errors.KindInvalidCall, "is a directory").WithPath(clean).WithComponent(Tag)
	case mode.Exclusive():
		return nil, errors.New(errors.KindAlreadyExists, "file exists").WithPath(clean).WithComponent(Tag)
	case n.content.ra == nil && n.content.open == nil:
		return nil, errors.NotSupported("open "+n.entry.Type.String()).WithPath(clean).WithComponent(Tag)
	}
	return &file{host: h, ctx: ctx, path: clean, mode: mode, c: n.content}, nil
}

func (h *Host) CreateDirectory(ctx context.Context, p string, perm os.FileMode) error {
	return readOnly("create_directory", p)
}

func (h *Host) Remove(ctx context.Context, p string) error {
	return readOnly("remove", p)
}

func (h *Host) Rename(ctx context.Context, from, to string) error {
	return readOnly("rename", from)
}

// Close releases the archive file and the parent reference.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	var err error
	if h.src != nil {
		err = h.src.Close()
	}
	if perr := h.parent.Close(); err == nil {
		err = perr
	}
	h.logger.Debug("Archive closed")
	return err
}
