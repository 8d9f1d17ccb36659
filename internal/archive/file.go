package archive

import (
	"context"
	"io"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/vfs"
)

// file reads one member. Members with random access map reads onto the
// source; compressed members are decoded again from the start when a read
// follows a backward seek.
type file struct {
	guard vfs.OpGuard

	host *Host
	ctx  context.Context
	path string
	mode vfs.OpenMode
	c    content
	pos  int64

	rc    io.ReadCloser
	rcPos int64
}

var _ vfs.File = (*file)(nil)

func (f *file) Path() string         { return f.path }
func (f *file) Mode() vfs.OpenMode   { return f.mode }
func (f *file) Size() int64          { return f.c.size }
func (f *file) Pos() int64           { return f.pos }
func (f *file) PreferredIOSize() int { return 64 * 1024 }

func (f *file) ReadParadigm() vfs.ReadParadigm {
	if f.c.ra != nil {
		return vfs.ReadRandom
	}
	return vfs.ReadSeek
}

func (f *file) WriteParadigm() vfs.WriteParadigm { return vfs.WriteNone }

func (f *file) SetUploadSize(size int64) error {
	return errors.New(errors.KindInvalidCall, "file not opened for writing").WithPath(f.path)
}

func (f *file) check() error {
	if err := errors.Check(f.ctx); err != nil {
		return errors.As(err).WithPath(f.path).WithComponent(Tag)
	}
	return f.host.usable(context.Background())
}

func readErr(err error, p string) error {
	if err == io.EOF {
		return err
	}
	return errors.As(malformed(err)).WithPath(p)
}

func (f *file) Read(b []byte) (int, error) {
	if err := f.guard.Enter("read"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()
	if err := f.check(); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}
	if f.pos >= f.c.size {
		return 0, io.EOF
	}

	if f.c.ra != nil {
		n, err := f.c.ra.ReadAt(b, f.pos)
		f.pos += int64(n)
		if err == io.EOF && n > 0 {
			err = nil
		}
		if err != nil {
			return n, readErr(err, f.path)
		}
		return n, nil
	}

	if f.rc == nil || f.rcPos != f.pos {
		if err := f.reopen(); err != nil {
			return 0, err
		}
	}
	n, err := f.rc.Read(b)
	f.pos += int64(n)
	f.rcPos = f.pos
	if err != nil {
		return n, readErr(err, f.path)
	}
	return n, nil
}

// reopen starts decoding from the beginning and skips to pos.
func (f *file) reopen() error {
	f.closeStream()
	rc, err := f.c.open()
	if err != nil {
		return readErr(err, f.path)
	}
	if f.pos > 0 {
		if _, err := io.CopyN(io.Discard, rc, f.pos); err != nil {
			rc.Close()
			return readErr(err, f.path)
		}
	}
	f.rc, f.rcPos = rc, f.pos
	return nil
}

func (f *file) closeStream() {
	if f.rc != nil {
		f.rc.Close()
		f.rc = nil
	}
}

func (f *file) ReadAt(b []byte, off int64) (int, error) {
	if err := f.guard.Enter("read_at"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()
	if f.c.ra == nil {
		return 0, errors.NotSupported("read_at").WithPath(f.path).WithComponent(Tag)
	}
	if err := f.check(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, errors.New(errors.KindInvalidCall, "negative offset").WithPath(f.path)
	}
	n, err := f.c.ra.ReadAt(b, off)
	if err != nil {
		return n, readErr(err, f.path)
	}
	return n, nil
}

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
		target = f.c.size + offset
	default:
		return f.pos, errors.New(errors.KindInvalidCall, "invalid whence").WithPath(f.path)
	}
	if target < 0 {
		return f.pos, errors.New(errors.KindInvalidCall, "negative position").WithPath(f.path)
	}
	f.pos = target
	return f.pos, nil
}

func (f *file) Write(b []byte) (int, error) {
	return 0, errors.New(errors.KindInvalidCall, "file not opened for writing").WithPath(f.path)
}

func (f *file) Close() error {
	if !f.guard.MarkClosed() {
		return nil
	}
	f.closeStream()
	return nil
}
