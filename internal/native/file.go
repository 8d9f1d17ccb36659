package native

import (
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/vfs"
)

// file wraps an *os.File.
type file struct {
	guard vfs.OpGuard

	f           *os.File
	path        string
	mode        vfs.OpenMode
	pos         int64
	preallocate bool
	logger      *zap.Logger
}

var _ vfs.File = (*file)(nil)

func (f *file) Path() string         { return f.path }
func (f *file) Mode() vfs.OpenMode   { return f.mode }
func (f *file) Pos() int64           { return f.pos }
func (f *file) PreferredIOSize() int { return 128 * 1024 }

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
	return vfs.WriteRandom
}

func (f *file) Size() int64 {
	fi, err := f.f.Stat()
	if err != nil {
		return vfs.UnknownSize
	}
	return fi.Size()
}

func (f *file) Read(b []byte) (int, error) {
	if err := f.guard.Enter("read"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()
	if !f.mode.Readable() {
		return 0, errors.New(errors.KindInvalidCall, "file not opened for reading").WithPath(f.path)
	}

	n, err := f.f.Read(b)
	f.pos += int64(n)
	if err == io.EOF {
		return n, err
	}
	if err != nil {
		return n, translate(err, "read", f.path)
	}
	return n, nil
}

func (f *file) ReadAt(b []byte, off int64) (int, error) {
	if err := f.guard.Enter("read_at"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()
	if !f.mode.Readable() {
		return 0, errors.New(errors.KindInvalidCall, "file not opened for reading").WithPath(f.path)
	}

	n, err := f.f.ReadAt(b, off)
	if err == io.EOF {
		return n, err
	}
	if err != nil {
		return n, translate(err, "read", f.path)
	}
	return n, nil
}

func (f *file) Write(b []byte) (int, error) {
	if err := f.guard.Enter("write"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()
	if !f.mode.Writable() {
		return 0, errors.New(errors.KindInvalidCall, "file not opened for writing").WithPath(f.path)
	}

	n, err := f.f.Write(b)
	if f.mode.Append() {
		if end, serr := f.f.Seek(0, io.SeekCurrent); serr == nil {
			f.pos = end
		}
	} else {
		f.pos += int64(n)
	}
	if err != nil {
		return n, translate(err, "write", f.path)
	}
	return n, nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	if err := f.guard.Enter("seek"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()

	pos, err := f.f.Seek(offset, whence)
	if err != nil {
		return f.pos, translate(err, "seek", f.path)
	}
	f.pos = pos
	return pos, nil
}

// SetUploadSize reserves size bytes when preallocation is enabled.
func (f *file) SetUploadSize(size int64) error {
	if !f.preallocate || size <= 0 || !f.mode.Writable() {
		return nil
	}
	if err := f.guard.Enter("preallocate"); err != nil {
		return err
	}
	defer f.guard.Leave()

	if err := preallocate(f.f, size); err != nil {
		f.logger.Debug("Preallocation failed", logging.Path(f.path), zap.Int64("size", size), logging.Err(err))
		return translate(err, "preallocate", f.path)
	}
	return nil
}

func (f *file) Close() error {
	if !f.guard.MarkClosed() {
		return nil
	}
	if err := f.f.Close(); err != nil {
		return translate(err, "close", f.path)
	}
	return nil
}
