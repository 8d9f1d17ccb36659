package sftp

import (
	"context"
	"io"

	gosftp "github.com/pkg/sftp"

	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/vfs"
)

// file is one remote handle. It belongs to the connection it was opened
// on; after a reconnect it fails with NetworkFailure and has to be opened
// again.
type file struct {
	guard vfs.OpGuard

	host    *Host
	remote  *gosftp.File
	ctx     context.Context
	release func()
	path    string
	mode    vfs.OpenMode

	pos     int64
	size    int64
	created bool
	written bool
}

var _ vfs.File = (*file)(nil)

func (f *file) Path() string         { return f.path }
func (f *file) Mode() vfs.OpenMode   { return f.mode }
func (f *file) Pos() int64           { return f.pos }
func (f *file) Size() int64          { return f.size }
func (f *file) PreferredIOSize() int { return 32 * 1024 }

func (f *file) ReadParadigm() vfs.ReadParadigm {
	if !f.mode.Readable() {
		return vfs.ReadNone
	}
	return vfs.ReadRandom
}

func (f *file) WriteParadigm() vfs.WriteParadigm {
	if !f.mode.Writable() {
		return vfs.WriteNone
	}
	return vfs.WriteSeek
}

// SetUploadSize needs no announcement; writes go out as they arrive.
func (f *file) SetUploadSize(size int64) error {
	if !f.mode.Writable() {
		return errors.New(errors.KindInvalidCall, "file not opened for writing").WithPath(f.path)
	}
	return nil
}

func (f *file) fail(err error) error {
	if f.ctx.Err() != nil {
		return errors.FromContext(f.ctx).WithCause(err).WithPath(f.path).WithComponent(Tag)
	}
	return errors.As(translate(err)).WithPath(f.path)
}

func (f *file) ready(readable bool) error {
	if readable && !f.mode.Readable() {
		return errors.New(errors.KindInvalidCall, "file not opened for reading").WithPath(f.path)
	}
	if !readable && !f.mode.Writable() {
		return errors.New(errors.KindInvalidCall, "file not opened for writing").WithPath(f.path)
	}
	if err := errors.Check(f.ctx); err != nil {
		return errors.As(err).WithPath(f.path).WithComponent(Tag)
	}
	return nil
}

func (f *file) Read(b []byte) (int, error) {
	if err := f.guard.Enter("read"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()
	if err := f.ready(true); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}

	n, err := f.remote.ReadAt(b, f.pos)
	f.pos += int64(n)
	f.host.metrics.AddTransferBytes(Tag, metrics.DirectionRead, int64(n))
	if f.pos > f.size {
		f.size = f.pos
	}
	switch {
	case err == io.EOF && n > 0:
		return n, nil
	case err == io.EOF:
		return 0, io.EOF
	case err != nil:
		return n, f.fail(err)
	}
	return n, nil
}

func (f *file) ReadAt(b []byte, off int64) (int, error) {
	if err := f.guard.Enter("read_at"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()
	if err := f.ready(true); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, errors.New(errors.KindInvalidCall, "negative offset").WithPath(f.path)
	}

	n, err := f.remote.ReadAt(b, off)
	f.host.metrics.AddTransferBytes(Tag, metrics.DirectionRead, int64(n))
	if err != nil && err != io.EOF {
		return n, f.fail(err)
	}
	return n, err
}

func (f *file) Write(b []byte) (int, error) {
	if err := f.guard.Enter("write"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()
	if err := f.ready(false); err != nil {
		return 0, err
	}

	n, err := f.remote.WriteAt(b, f.pos)
	f.pos += int64(n)
	f.written = f.written || n > 0
	f.host.metrics.AddTransferBytes(Tag, metrics.DirectionWrite, int64(n))
	if f.pos > f.size {
		f.size = f.pos
	}
	if err != nil {
		return n, f.fail(err)
	}
	return n, nil
}

// Seek moves the offset. Seeking past the end is allowed; a later write
// leaves a gap the server fills with zeros.
func (f *file) Seek(offset int64, whence int) (int64, error) {
	if err := f.guard.Enter("seek"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = f.pos + offset
	case io.SeekEnd:
		target = f.size + offset
	default:
		return f.pos, errors.New(errors.KindInvalidCall, "invalid whence").WithPath(f.path)
	}
	if target < 0 {
		return f.pos, errors.New(errors.KindInvalidCall, "negative position").WithPath(f.path)
	}
	f.pos = target
	return f.pos, nil
}

func (f *file) Close() error {
	if !f.guard.MarkClosed() {
		return nil
	}
	defer f.release()

	err := f.remote.Close()
	if f.written || f.created {
		f.host.cache.Changed(f.path, false)
	}
	if err != nil {
		return errors.As(translate(err)).WithPath(f.path).WithOperation("close")
	}
	return nil
}
