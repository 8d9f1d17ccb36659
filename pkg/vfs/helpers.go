package vfs

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
)

// Pending is the handle of an asynchronous Resolve.
type Pending struct {
	done    chan struct{}
	cancel  context.CancelFunc
	listing *listing.Listing
	err     error
}

// ResolveAsync starts Resolve on a worker goroutine. When done is non-nil
// it is called from that goroutine with the result; consumers that need
// thread affinity must re-dispatch themselves.
func ResolveAsync(ctx context.Context, h Host, path string, done func(*listing.Listing, error), opts ...ResolveOption) *Pending {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pending{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		p.listing, p.err = h.Resolve(ctx, path, opts...)
		close(p.done)
		if done != nil {
			done(p.listing, p.err)
		}
	}()
	return p
}

// Cancel aborts the resolve; the result becomes KindCancelled unless it
// already completed.
func (p *Pending) Cancel() { p.cancel() }

// Done is closed when the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the result is available or ctx ends. Ending ctx does
// not cancel the resolve itself.
func (p *Pending) Wait(ctx context.Context) (*listing.Listing, error) {
	select {
	case <-p.done:
		return p.listing, p.err
	case <-ctx.Done():
		return nil, errors.FromContext(ctx)
	}
}

// IterateDirectory calls fn for every entry of path, stopping early when fn
// returns false.
func IterateDirectory(ctx context.Context, h Host, path string, fn func(listing.Entry) bool) error {
	l, err := h.Resolve(ctx, path)
	if err != nil {
		return err
	}
	for i := 0; i < l.Count(); i++ {
		if !fn(l.Entry(i)) {
			return nil
		}
	}
	return nil
}

// FetchSingleItem returns a one-entry listing describing path.
func FetchSingleItem(ctx context.Context, h Host, path string) (*listing.Listing, error) {
	p, err := Normalize(path)
	if err != nil {
		return nil, err
	}
	st, err := h.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	e := st.Entry
	e.Name = Base(p)
	return listing.Single(Parent(p), ListingHost(h), e)
}

// Exists reports whether path exists. Errors other than NotFound are
// returned.
func Exists(ctx context.Context, h Host, path string) (bool, error) {
	_, err := h.Stat(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case errors.IsKind(err, errors.KindNotFound):
		return false, nil
	}
	return false, err
}

// sizeWorkers bounds the concurrent Resolve calls of CalculateDirectorySize.
const sizeWorkers = 8

// CalculateDirectorySize returns the total size of all regular files below
// path. Symlinks are not followed.
func CalculateDirectorySize(ctx context.Context, h Host, path string) (int64, error) {
	root, err := Normalize(path)
	if err != nil {
		return 0, err
	}

	var total atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sizeWorkers)

	var walk func(dir string) error
	walk = func(dir string) error {
		l, err := h.Resolve(ctx, dir)
		if err != nil {
			return err
		}
		for i := 0; i < l.Count(); i++ {
			e := l.Entry(i)
			switch {
			case e.IsDotDot():
			case e.IsDir():
				sub := Join(dir, e.Name)
				if !g.TryGo(func() error { return walk(sub) }) {
					if err := walk(sub); err != nil {
						return err
					}
				}
			case e.IsRegular() && e.HasSize():
				total.Add(e.Size)
			}
		}
		return nil
	}

	g.Go(func() error { return walk(root) })
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return total.Load(), nil
}

// ReadAll reads f to the end in PreferredIOSize chunks.
func ReadAll(ctx context.Context, f File) ([]byte, error) {
	size := f.Size()
	bufSize := f.PreferredIOSize()
	if bufSize <= 0 {
		bufSize = 32 << 10
	}
	var out []byte
	if size > 0 {
		out = make([]byte, 0, size)
	}
	buf := make([]byte, bufSize)
	for {
		if err := errors.Check(ctx); err != nil {
			return nil, err
		}
		n, err := f.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.As(err)
		}
	}
}

// CopyFile copies src on srcHost to dst on dstHost, creating or truncating
// dst, and returns the number of bytes copied. Upload-style destinations
// are told the size first.
func CopyFile(ctx context.Context, srcHost Host, src string, dstHost Host, dst string) (int64, error) {
	in, err := srcHost.OpenFile(ctx, src, OpenRead)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := dstHost.OpenFile(ctx, dst, OpenWriteTruncate|OpenCreate)
	if err != nil {
		return 0, err
	}

	if out.WriteParadigm() == WriteUpload {
		size := in.Size()
		if size == UnknownSize {
			st, err := srcHost.Stat(ctx, src)
			if err != nil {
				out.Close()
				return 0, err
			}
			size = st.Size
		}
		if err := out.SetUploadSize(size); err != nil {
			out.Close()
			return 0, err
		}
	}

	bufSize := in.PreferredIOSize()
	if n := out.PreferredIOSize(); n > bufSize {
		bufSize = n
	}
	if bufSize <= 0 {
		bufSize = 32 << 10
	}

	n, err := io.CopyBuffer(writerOnly{out}, readerOnly{ctx, in}, make([]byte, bufSize))
	if err != nil {
		out.Close()
		return n, errors.As(err)
	}
	if err := out.Close(); err != nil {
		return n, err
	}
	return n, nil
}

// readerOnly hides WriterTo/ReaderFrom so io.CopyBuffer uses our buffer and
// checks ctx between chunks.
type readerOnly struct {
	ctx context.Context
	r   io.Reader
}

func (r readerOnly) Read(p []byte) (int, error) {
	if err := errors.Check(r.ctx); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

type writerOnly struct{ w io.Writer }

func (w writerOnly) Write(p []byte) (int, error) { return w.w.Write(p) }

// StatVolume reports capacity for hosts that support it.
func StatVolume(ctx context.Context, h Host, path string) (StatFS, error) {
	s, ok := AsStatFSer(h)
	if !ok || !h.Features().Has(FeatureStatFS) {
		return StatFS{}, errors.NotSupported("statfs").WithComponent(h.Tag())
	}
	return s.StatFS(ctx, path)
}

// Trash moves path to the host's trash.
func Trash(ctx context.Context, h Host, path string) error {
	t, ok := AsTrasher(h)
	if !ok || !h.Features().Has(FeatureTrash) {
		return errors.NotSupported("trash").WithComponent(h.Tag())
	}
	return t.Trash(ctx, path)
}

// RemoveAll removes path and everything below it, deepest entries first.
func RemoveAll(ctx context.Context, h Host, path string) error {
	st, err := h.Stat(ctx, path)
	if err != nil {
		return err
	}
	if st.IsDir() && !h.Features().Has(FeatureNonEmptyRemove) {
		l, err := h.Resolve(ctx, path, ForceRefresh())
		if err != nil {
			return err
		}
		for i := 0; i < l.Count(); i++ {
			e := l.Entry(i)
			if e.IsDotDot() {
				continue
			}
			if err := RemoveAll(ctx, h, Join(path, e.Name)); err != nil {
				return err
			}
		}
	}
	return h.Remove(ctx, path)
}

// CloseAll closes every host, returning the first error.
func CloseAll(hosts ...Host) error {
	var first error
	for _, h := range hosts {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
