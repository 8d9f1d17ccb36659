package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/vfs"
)

const readIOSize = 256 * 1024

func (h *Host) contextError(ctx context.Context, p string, err error) error {
	if ctx.Err() != nil {
		return errors.FromContext(ctx).WithCause(err).WithPath(p).WithComponent(Tag)
	}
	return errors.As(translate(err)).WithPath(p)
}

// reader streams an object. Sequential reads share one ranged GET; a seek
// drops it and the next read opens a new one at the new offset.
type reader struct {
	guard vfs.OpGuard

	host    *Host
	path    string
	key     string
	size    int64
	pos     int64
	ctx     context.Context
	release func()

	body    io.ReadCloser
	bodyPos int64
}

var _ vfs.File = (*reader)(nil)

func (r *reader) Path() string                   { return r.path }
func (r *reader) Mode() vfs.OpenMode             { return vfs.OpenRead }
func (r *reader) Pos() int64                     { return r.pos }
func (r *reader) Size() int64                    { return r.size }
func (r *reader) PreferredIOSize() int           { return readIOSize }
func (r *reader) ReadParadigm() vfs.ReadParadigm { return vfs.ReadRandom }
func (r *reader) WriteParadigm() vfs.WriteParadigm {
	return vfs.WriteNone
}

func (r *reader) SetUploadSize(int64) error {
	return errors.New(errors.KindInvalidCall, "file not opened for writing").WithPath(r.path)
}

func (r *reader) Write([]byte) (int, error) {
	return 0, errors.New(errors.KindInvalidCall, "file not opened for writing").WithPath(r.path)
}

// get issues a ranged GET for [off, off+n), or to the end when n <= 0.
func (r *reader) get(off, n int64) (io.ReadCloser, error) {
	rng := fmt.Sprintf("bytes=%d-", off)
	if n > 0 {
		rng = fmt.Sprintf("bytes=%d-%d", off, off+n-1)
	}
	var body io.ReadCloser
	err := r.host.call(r.ctx, "read", r.path, func(ctx context.Context, api API) error {
		out, err := api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.host.bucket),
			Key:    aws.String(r.key),
			Range:  aws.String(rng),
		})
		if err != nil {
			return err
		}
		body = out.Body
		return nil
	})
	return body, err
}

func (r *reader) drop() {
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
}

func (r *reader) Read(b []byte) (int, error) {
	if err := r.guard.Enter("read"); err != nil {
		return 0, err
	}
	defer r.guard.Leave()
	if err := errors.Check(r.ctx); err != nil {
		return 0, errors.As(err).WithPath(r.path).WithComponent(Tag)
	}
	if len(b) == 0 {
		return 0, nil
	}
	if r.pos >= r.size {
		return 0, io.EOF
	}

	if r.body == nil || r.bodyPos != r.pos {
		r.drop()
		body, err := r.get(r.pos, 0)
		if err != nil {
			return 0, err
		}
		r.body, r.bodyPos = body, r.pos
	}
	n, err := r.body.Read(b)
	r.pos += int64(n)
	r.bodyPos = r.pos
	r.host.metrics.AddTransferBytes(Tag, metrics.DirectionRead, int64(n))
	switch {
	case err == io.EOF:
		r.drop()
		if n == 0 {
			return 0, errors.New(errors.KindUnexpectedEOF, "object ended early").WithPath(r.path).WithComponent(Tag)
		}
		return n, nil
	case err != nil:
		r.drop()
		return n, r.host.contextError(r.ctx, r.path, err)
	}
	return n, nil
}

// ReadAt reads with its own ranged GET and leaves the stream alone.
func (r *reader) ReadAt(b []byte, off int64) (int, error) {
	if err := r.guard.Enter("read_at"); err != nil {
		return 0, err
	}
	defer r.guard.Leave()
	if off < 0 {
		return 0, errors.New(errors.KindInvalidCall, "negative offset").WithPath(r.path)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	want := int64(len(b))
	if off+want > r.size {
		want = r.size - off
	}
	if want == 0 {
		return 0, nil
	}
	body, err := r.get(off, want)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	n, err := io.ReadFull(body, b[:want])
	r.host.metrics.AddTransferBytes(Tag, metrics.DirectionRead, int64(n))
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return n, errors.New(errors.KindUnexpectedEOF, "object ended early").WithPath(r.path).WithComponent(Tag)
		}
		return n, r.host.contextError(r.ctx, r.path, err)
	}
	if int64(n) < int64(len(b)) {
		return n, io.EOF
	}
	return n, nil
}

func (r *reader) Seek(offset int64, whence int) (int64, error) {
	if err := r.guard.Enter("seek"); err != nil {
		return 0, err
	}
	defer r.guard.Leave()

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		target = r.size + offset
	default:
		return r.pos, errors.New(errors.KindInvalidCall, "invalid whence").WithPath(r.path)
	}
	if target < 0 {
		return r.pos, errors.New(errors.KindInvalidCall, "negative position").WithPath(r.path)
	}
	r.pos = target
	return r.pos, nil
}

func (r *reader) Close() error {
	if !r.guard.MarkClosed() {
		return nil
	}
	r.drop()
	r.release()
	return nil
}

// writer buffers an object. Small objects go up in one PUT on Close;
// once the buffer passes the multipart threshold, full parts are sent as
// they fill. With an announced size and the accelerated transport, data
// streams straight into one transfer instead.
type writer struct {
	guard vfs.OpGuard

	host    *Host
	path    string
	key     string
	size    int64
	pos     int64
	ctx     context.Context
	release func()

	buf      bytes.Buffer
	chunk    int64
	uploadID string
	part     int32
	sent     int64
	failed   error

	stream *streamUpload
}

var _ vfs.File = (*writer)(nil)

func (w *writer) Path() string                   { return w.path }
func (w *writer) Mode() vfs.OpenMode             { return vfs.OpenWriteTruncate }
func (w *writer) Pos() int64                     { return w.pos }
func (w *writer) Size() int64                    { return w.size }
func (w *writer) PreferredIOSize() int           { return readIOSize }
func (w *writer) ReadParadigm() vfs.ReadParadigm { return vfs.ReadNone }
func (w *writer) WriteParadigm() vfs.WriteParadigm {
	return vfs.WriteSequential
}

func (w *writer) Read([]byte) (int, error) {
	return 0, errors.New(errors.KindInvalidCall, "file not opened for reading").WithPath(w.path)
}

func (w *writer) ReadAt([]byte, int64) (int, error) {
	return 0, errors.New(errors.KindInvalidCall, "file not opened for reading").WithPath(w.path)
}

// SetUploadSize picks the part size for size, and switches to the
// accelerated transport when it is enabled and size is large.
func (w *writer) SetUploadSize(size int64) error {
	if err := w.guard.Enter("set_upload_size"); err != nil {
		return err
	}
	defer w.guard.Leave()
	if size < 0 {
		return errors.New(errors.KindInvalidCall, "negative upload size").WithPath(w.path)
	}
	if w.pos > 0 {
		return errors.New(errors.KindInvalidCall, "upload size must be set before writing").WithPath(w.path)
	}
	w.size = size
	opts := w.host.opts
	w.chunk = CalculateOptimalChunkSize(size, opts.MultipartThreshold, opts.MultipartChunkSize)

	_, upload, err := w.host.client(w.ctx)
	if err != nil {
		return err
	}
	if upload != nil && opts.ShouldUseMultipart(size) {
		w.stream = startStream(w.ctx, upload, w.key, size, w.host.tiers.TierFor(w.key, size))
	}
	return nil
}

func (w *writer) chunkSize() int64 {
	c := w.chunk
	if c <= 0 {
		c = w.host.opts.MultipartChunkSize
	}
	if c < minPartSize {
		c = minPartSize
	}
	return c
}

func (w *writer) Write(b []byte) (int, error) {
	if err := w.guard.Enter("write"); err != nil {
		return 0, err
	}
	defer w.guard.Leave()
	if w.failed != nil {
		return 0, w.failed
	}
	if err := errors.Check(w.ctx); err != nil {
		return 0, errors.As(err).WithPath(w.path).WithComponent(Tag)
	}

	if w.stream != nil {
		n, err := w.stream.pw.Write(b)
		w.pos += int64(n)
		w.host.metrics.AddTransferBytes(Tag, metrics.DirectionWrite, int64(n))
		if err != nil {
			w.failed = w.host.contextError(w.ctx, w.path, err)
			return n, w.failed
		}
		return n, nil
	}

	w.buf.Write(b)
	w.pos += int64(len(b))
	if w.uploadID == "" && w.host.opts.ShouldUseMultipart(int64(w.buf.Len())) {
		if err := w.begin(); err != nil {
			w.failed = err
			return len(b), err
		}
	}
	for w.uploadID != "" && int64(w.buf.Len()) >= w.chunkSize() {
		if err := w.sendPart(w.buf.Next(int(w.chunkSize()))); err != nil {
			w.fail(err)
			return len(b), err
		}
	}
	return len(b), nil
}

// Seek only reports the position; objects are written front to back.
func (w *writer) Seek(offset int64, whence int) (int64, error) {
	target := offset
	switch whence {
	case io.SeekCurrent:
		target = w.pos + offset
	case io.SeekEnd:
		target = w.pos + offset
	}
	if target != w.pos {
		return w.pos, errors.NotSupported("seek while uploading").WithPath(w.path).WithComponent(Tag)
	}
	return w.pos, nil
}

func (w *writer) begin() error {
	var id string
	err := w.host.call(w.ctx, "create_multipart_upload", w.path, func(ctx context.Context, api API) error {
		out, err := api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:       aws.String(w.host.bucket),
			Key:          aws.String(w.key),
			ContentType:  aws.String(detectContentType(w.key)),
			StorageClass: ConvertTierToStorageClass(w.host.tiers.Tier()),
		})
		if err != nil {
			return err
		}
		id = aws.ToString(out.UploadId)
		return nil
	})
	if err != nil {
		return err
	}
	w.uploadID = id
	w.host.uploads.TrackUpload(NewMultipartUploadState(id, w.host.bucket, w.key, w.chunkSize()))
	w.host.logger.Debug("Multipart upload started", logging.Path(w.path), zap.String("upload_id", id))
	return nil
}

func (w *writer) sendPart(data []byte) error {
	if w.part >= maxParts {
		return errors.New(errors.KindQuotaExceeded, "object has too many parts").WithPath(w.path).WithComponent(Tag)
	}
	n := w.part + 1
	offset := w.sent
	var etag string
	err := w.host.call(w.ctx, "upload_part", w.path, func(ctx context.Context, api API) error {
		out, err := api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(w.host.bucket),
			Key:           aws.String(w.key),
			UploadId:      aws.String(w.uploadID),
			PartNumber:    aws.Int32(n),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	if err != nil {
		w.host.uploads.Update(w.uploadID, func(s *MultipartUploadState) { s.MarkPartFailed(n, err) })
		return err
	}
	w.part = n
	w.sent += int64(len(data))
	w.host.uploads.Update(w.uploadID, func(s *MultipartUploadState) {
		s.MarkPartCompleted(n, offset, int64(len(data)), etag)
	})
	w.host.metrics.AddTransferBytes(Tag, metrics.DirectionWrite, int64(len(data)))
	return nil
}

// fail records err and abandons the multipart upload.
func (w *writer) fail(err error) {
	w.failed = err
	if w.uploadID == "" {
		return
	}
	if api := w.host.currentAPI(); api != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), w.host.opts.RequestTimeout)
		w.host.abort(ctx, api, w.key, w.uploadID)
		cancel()
	}
	w.uploadID = ""
}

func (w *writer) finish() error {
	if w.failed != nil {
		return w.failed
	}
	if err := errors.Check(w.ctx); err != nil {
		return errors.As(err).WithPath(w.path).WithComponent(Tag)
	}
	if w.size != vfs.UnknownSize && w.pos != w.size {
		return errors.Newf(errors.KindUnexpectedEOF, "wrote %d of %d announced bytes", w.pos, w.size).
			WithPath(w.path).WithComponent(Tag)
	}

	if w.stream != nil {
		return w.stream.finish()
	}
	if w.uploadID == "" {
		data := w.buf.Bytes()
		tier := w.host.tiers.TierFor(w.key, int64(len(data)))
		err := w.host.call(w.ctx, "put", w.path, func(ctx context.Context, api API) error {
			_, err := api.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(w.host.bucket),
				Key:           aws.String(w.key),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(len(data))),
				ContentType:   aws.String(detectContentType(w.key)),
				StorageClass:  ConvertTierToStorageClass(tier),
			})
			return err
		})
		if err == nil {
			w.host.metrics.AddTransferBytes(Tag, metrics.DirectionWrite, int64(len(data)))
		}
		return err
	}

	if w.buf.Len() > 0 {
		if err := w.sendPart(w.buf.Bytes()); err != nil {
			return err
		}
	}
	state, _ := w.host.uploads.Snapshot(w.uploadID)
	err := w.host.call(w.ctx, "complete_multipart_upload", w.path, func(ctx context.Context, api API) error {
		_, err := api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(w.host.bucket),
			Key:             aws.String(w.key),
			UploadId:        aws.String(w.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: state.CompletedParts()},
		})
		return err
	})
	if err != nil {
		return err
	}
	w.host.uploads.SetStatus(w.uploadID, UploadStatusCompleted)
	w.host.logger.Debug("Multipart upload completed", logging.Path(w.path),
		zap.Int("parts", state.CompletedCount()), zap.Int64("size", w.sent))
	return nil
}

// Close stores the object. A failed or cancelled upload leaves the
// previous object, if any, in place.
func (w *writer) Close() error {
	if !w.guard.MarkClosed() {
		return nil
	}
	defer w.release()

	err := w.finish()
	if err != nil {
		if w.stream != nil {
			w.stream.cancel(err)
		}
		w.fail(err)
		return err
	}
	w.host.cache.Changed(w.path, false)
	return nil
}

// streamUpload feeds one accelerated transfer through a pipe.
type streamUpload struct {
	pw   *io.PipeWriter
	done chan error
}

func startStream(ctx context.Context, upload uploadFunc, key string, size int64, tier string) *streamUpload {
	pr, pw := io.Pipe()
	s := &streamUpload{pw: pw, done: make(chan error, 1)}
	go func() {
		err := upload(ctx, key, pr, size, tier)
		pr.CloseWithError(err)
		s.done <- err
	}()
	return s
}

func (s *streamUpload) finish() error {
	s.pw.Close()
	return translate(<-s.done)
}

func (s *streamUpload) cancel(err error) {
	s.pw.CloseWithError(err)
}
