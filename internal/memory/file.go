package memory

import (
	"io"
	"time"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/vfs"
)

// file is a handle on a node. Contents live in the node, so writes are
// visible to other handles immediately.
type file struct {
	guard vfs.OpGuard

	host    *Host
	node    *node
	path    string
	dir     string
	mode    vfs.OpenMode
	offset  int64
	written bool
}

var _ vfs.File = (*file)(nil)

func (f *file) Path() string                   { return f.path }
func (f *file) Mode() vfs.OpenMode             { return f.mode }
func (f *file) PreferredIOSize() int           { return 32 * 1024 }
func (f *file) SetUploadSize(size int64) error { return nil }
func (f *file) Pos() int64                     { return f.offset }

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
	f.host.mu.RLock()
	defer f.host.mu.RUnlock()
	return int64(len(f.node.data))
}

func (f *file) Read(b []byte) (int, error) {
	if err := f.guard.Enter("read"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()

	n, err := f.readAt(b, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *file) ReadAt(b []byte, off int64) (int, error) {
	if err := f.guard.Enter("read_at"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()

	n, err := f.readAt(b, off)
	if err == nil && n < len(b) {
		err = io.EOF
	}
	return n, err
}

func (f *file) readAt(b []byte, off int64) (int, error) {
	if !f.mode.Readable() {
		return 0, errors.New(errors.KindInvalidCall, "file not opened for reading").WithPath(f.path)
	}
	if off < 0 {
		return 0, errors.New(errors.KindInvalidCall, "negative offset").WithPath(f.path)
	}
	if len(b) == 0 {
		return 0, nil
	}

	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	if off >= int64(len(f.node.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.node.data[off:])
	f.node.atime = time.Now()
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

	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	if f.mode.Append() {
		f.offset = int64(len(f.node.data))
	}

	needed := f.offset + int64(len(b))
	if grow := needed - int64(len(f.node.data)); grow > 0 {
		if f.host.used+grow > f.host.capacity {
			return 0, errors.New(errors.KindQuotaExceeded, "memory host is full").WithPath(f.path).WithComponent(Tag)
		}
		newData := make([]byte, needed)
		copy(newData, f.node.data)
		f.node.data = newData
		f.host.used += grow
	}

	n := copy(f.node.data[f.offset:], b)
	f.offset += int64(n)
	f.node.mtime = time.Now()
	f.written = true
	return n, nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	if err := f.guard.Enter("seek"); err != nil {
		return 0, err
	}
	defer f.guard.Leave()

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	case io.SeekEnd:
		newOffset = f.Size() + offset
	default:
		return 0, errors.Newf(errors.KindInvalidCall, "invalid whence %d", whence).WithPath(f.path)
	}
	if newOffset < 0 {
		return 0, errors.New(errors.KindInvalidCall, "negative offset").WithPath(f.path)
	}
	f.offset = newOffset
	return f.offset, nil
}

// Close notifies observers of the directory when the file was written.
func (f *file) Close() error {
	if !f.guard.MarkClosed() {
		return nil
	}
	if f.written {
		f.host.notify(f.dir)
	}
	return nil
}
