package cloud

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/vfs"
)

// stream is the consumer side of one download. The transfer goroutine
// fills buf through the callbacks and blocks while it holds more than high
// bytes.
type stream struct {
	mu        sync.Mutex
	cond      sync.Cond
	buf       bytes.Buffer
	high      int
	offset    int64
	size      int64
	done      bool
	err       error
	abandoned bool
}

func newStream(high int, offset int64) *stream {
	s := &stream{high: high, offset: offset, size: vfs.UnknownSize}
	s.cond.L = &s.mu
	return s
}

func (s *stream) push(ctx context.Context, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() >= s.high && !s.abandoned && ctx.Err() == nil {
		s.cond.Wait()
	}
	if s.abandoned {
		return
	}
	s.buf.Write(chunk)
	s.cond.Broadcast()
}

func (s *stream) finish(err error) {
	s.mu.Lock()
	s.done, s.err = true, err
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *stream) abandon() {
	s.mu.Lock()
	s.abandoned = true
	s.buf.Reset()
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *stream) wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// file is an open cloud file. Reads stream a download that restarts at the
// new offset after a seek; writes feed an upload that commits on Close.
type file struct {
	guard vfs.OpGuard

	host    *Host
	ctx     context.Context
	release func()
	path    string
	mode    vfs.OpenMode
	size    int64
	pos     int64

	dl     *Download
	st     *stream
	stopSt func() bool

	up         *Upload
	pw         *io.PipeWriter
	upDone     chan struct{}
	upTotal    int64
	upErr      error
	uploadSize int64
}

var _ vfs.File = (*file)(nil)

func (f *file) Path() string         { return f.path }
func (f *file) Mode() vfs.OpenMode   { return f.mode }
func (f *file) Pos() int64           { return f.pos }
func (f *file) PreferredIOSize() int { return 256 * 1024 }

func (f *file) ReadParadigm() vfs.ReadParadigm {
	if !f.mode.Readable() {
		return vfs.ReadNone
	}
	return vfs.ReadSeek
}

func (f *file) WriteParadigm() vfs.WriteParadigm {
	if !f.mode.Writable() {
		return vfs.WriteNone
	}
	return vfs.WriteSequential
}

func (f *file) Size() int64 {
	if f.mode.Writable() {
		return f.pos
	}
	return f.size
}

// SetUploadSize announces the final size. Close fails the upload when a
// different number of bytes was written.
func (f *file) SetUploadSize(size int64) error {
	if !f.mode.Writable() {
		return errors.New(errors.KindInvalidCall, "file not opened for writing").WithPath(f.path)
	}
	if size < 0 {
		return errors.New(errors.KindInvalidCall, "negative upload size").WithPath(f.path)
	}
	f.uploadSize = size
	return nil
}

func (f *file) cancelled() error {
	if f.ctx.Err() != nil {
		return errors.FromContext(f.ctx).WithPath(f.path).WithComponent(Tag)
	}
	return nil
}

// startDownload begins streaming from the current position.
func (f *file) startDownload() error {
	st := newStream(f.host.opts.BufferHighWater, f.pos)
	dl := newDownload(f.host.client, f.host.logger, f.host.attempt, f.path, f.pos)
	ctx := f.ctx
	err := dl.SetCallbacks(DownloadCallbacks{
		OnResponse: func(size int64) {
			st.mu.Lock()
			st.size = size
			st.mu.Unlock()
		},
		OnData: func(chunk []byte) { st.push(ctx, chunk) },
		OnError: func(err error) {
			st.finish(err)
		},
	})
	if err != nil {
		return err
	}
	if err := dl.Start(ctx); err != nil {
		return err
	}
	go func() {
		<-dl.Done()
		if dl.State() == StateCompleted {
			st.finish(nil)
		}
	}()
	f.dl, f.st = dl, st
	f.stopSt = context.AfterFunc(ctx, st.wake)
	return nil
}

// dropDownload abandons the running download, if any.
func (f *file) dropDownload() {
	if f.dl == nil {
		return
	}
	f.stopSt()
	f.st.abandon()
	f.dl.Cancel()
	f.dl, f.st, f.stopSt = nil, nil, nil
}

func (f *file) Read(b []byte) (int, error) {
	if err := f.guard.Enter("read"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()

	if !f.mode.Readable() {
		return 0, errors.New(errors.KindInvalidCall, "file not opened for reading").WithPath(f.path)
	}
	if err := f.cancelled(); err != nil {
		f.dropDownload()
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}
	if f.size != vfs.UnknownSize && f.pos >= f.size && f.dl == nil {
		return 0, io.EOF
	}
	if f.dl == nil {
		if err := f.startDownload(); err != nil {
			return 0, errors.As(err).WithPath(f.path)
		}
	}

	st := f.st
	st.mu.Lock()
	for st.buf.Len() == 0 && !st.done && f.ctx.Err() == nil {
		st.cond.Wait()
	}
	if st.size >= 0 && f.size == vfs.UnknownSize {
		f.size = st.offset + st.size
	}
	if st.buf.Len() > 0 {
		n, _ := st.buf.Read(b)
		st.cond.Broadcast()
		st.mu.Unlock()
		f.pos += int64(n)
		f.host.metrics.AddTransferBytes(Tag, metrics.DirectionRead, int64(n))
		return n, nil
	}
	err := st.err
	st.mu.Unlock()

	if f.ctx.Err() != nil {
		f.dropDownload()
		return 0, errors.FromContext(f.ctx).WithPath(f.path).WithComponent(Tag)
	}
	if err != nil {
		f.dropDownload()
		return 0, errors.As(err).WithPath(f.path)
	}
	if f.size == vfs.UnknownSize || f.size < f.pos {
		f.size = f.pos
	}
	return 0, io.EOF
}

func (f *file) ReadAt(b []byte, off int64) (int, error) {
	return 0, errors.NotSupported("read_at").WithPath(f.path).WithComponent(Tag)
}

// Seek moves the read position. The running download is abandoned and the
// next Read requests the content from the new offset.
func (f *file) Seek(offset int64, whence int) (int64, error) {
	if err := f.guard.Enter("seek"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()

	if !f.mode.Readable() {
		if whence == io.SeekCurrent && offset == 0 {
			return f.pos, nil
		}
		return f.pos, errors.NotSupported("seek").WithPath(f.path).WithComponent(Tag)
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = f.pos + offset
	case io.SeekEnd:
		if f.size == vfs.UnknownSize {
			return f.pos, errors.NotSupported("seek").WithPath(f.path).WithComponent(Tag)
		}
		target = f.size + offset
	default:
		return f.pos, errors.New(errors.KindInvalidCall, "invalid whence").WithPath(f.path)
	}
	if target < 0 || (f.size != vfs.UnknownSize && target > f.size) {
		return f.pos, errors.New(errors.KindInvalidCall, "seek out of range").WithPath(f.path).
			WithContext("offset", strconv.FormatInt(target, 10))
	}
	if target != f.pos {
		f.dropDownload()
		f.pos = target
	}
	return f.pos, nil
}

// startUpload connects Write to the upload's Feed through a pipe.
func (f *file) startUpload() error {
	pr, pw := io.Pipe()
	up := newUpload(f.host.client, f.host.logger, f.host.attempt, f.path, f.host.opts.ChunkSize)
	done := make(chan struct{})
	err := up.SetCallbacks(UploadCallbacks{
		Feed: pr.Read,
		OnFinished: func(total int64, err error) {
			f.upTotal, f.upErr = total, err
			if err != nil {
				_ = pr.CloseWithError(err)
			}
			close(done)
		},
	})
	if err != nil {
		return err
	}
	if err := up.Start(f.ctx); err != nil {
		return err
	}
	f.up, f.pw, f.upDone = up, pw, done
	return nil
}

func (f *file) Write(b []byte) (int, error) {
	if err := f.guard.Enter("write"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()

	if !f.mode.Writable() {
		return 0, errors.New(errors.KindInvalidCall, "file not opened for writing").WithPath(f.path)
	}
	if err := f.cancelled(); err != nil {
		return 0, err
	}
	if f.up == nil {
		if err := f.startUpload(); err != nil {
			return 0, errors.As(err).WithPath(f.path)
		}
	}
	n, err := f.pw.Write(b)
	f.pos += int64(n)
	f.host.metrics.AddTransferBytes(Tag, metrics.DirectionWrite, int64(n))
	if err != nil {
		if cerr := f.cancelled(); cerr != nil {
			return n, cerr
		}
		return n, errors.As(err).WithPath(f.path)
	}
	return n, nil
}

// Close commits an upload and waits for the server to confirm it, or
// abandons a download.
func (f *file) Close() error {
	if !f.guard.MarkClosed() {
		return nil
	}
	defer f.release()

	if !f.mode.Writable() {
		f.dropDownload()
		return nil
	}
	if f.up == nil {
		if err := f.cancelled(); err != nil {
			return err
		}
		if err := f.startUpload(); err != nil {
			return errors.As(err).WithPath(f.path).WithOperation("close")
		}
	}

	if f.uploadSize >= 0 && f.pos != f.uploadSize {
		_ = f.pw.CloseWithError(errors.Newf(errors.KindInvalidCall, "wrote %d bytes, announced %d", f.pos, f.uploadSize))
	} else {
		_ = f.pw.Close()
	}
	<-f.upDone
	f.host.cache.Changed(f.path, false)
	if f.upErr != nil {
		return errors.As(f.upErr).WithPath(f.path).WithOperation("close")
	}
	f.host.logger.Debug("Upload committed", logging.Path(f.path), zap.Int64("bytes", f.upTotal))
	return nil
}
