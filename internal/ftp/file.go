package ftp

import (
	"context"
	"io"
	"net"
	"strconv"

	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/vfs"
)

type direction int

const (
	idle direction = iota
	reading
	writing
)

// file is a sequential FTP transfer. RETR starts on the first Read, STOR
// or APPE on the first Write; the control connection stays checked out
// until the transfer ends.
type file struct {
	guard vfs.OpGuard

	host    *Host
	ctx     context.Context
	release func()
	path    string
	mode    vfs.OpenMode
	size    int64
	pos     int64
	created bool

	dir  direction
	slot *slot
	conn *conn
	data net.Conn
	stop func() bool
	eof  bool
}

var _ vfs.File = (*file)(nil)

func (f *file) Path() string                   { return f.path }
func (f *file) Mode() vfs.OpenMode             { return f.mode }
func (f *file) Pos() int64                     { return f.pos }
func (f *file) PreferredIOSize() int           { return 64 * 1024 }
func (f *file) SetUploadSize(size int64) error { return nil }

func (f *file) ReadParadigm() vfs.ReadParadigm {
	if !f.mode.Readable() {
		return vfs.ReadNone
	}
	return vfs.ReadSequential
}

func (f *file) WriteParadigm() vfs.WriteParadigm {
	if !f.mode.Writable() {
		return vfs.WriteNone
	}
	return vfs.WriteSequential
}

func (f *file) Size() int64 {
	if f.dir == writing && f.pos > f.size {
		return f.pos
	}
	return f.size
}

func (f *file) cancelled() error {
	if f.ctx.Err() != nil {
		return errors.FromContext(f.ctx).WithPath(f.path).WithComponent(Tag)
	}
	return nil
}

// begin checks out a connection and starts command on a data connection.
func (f *file) begin(dir direction, format string) error {
	s, err := f.host.pool.get(f.ctx)
	if err != nil {
		return err
	}
	var (
		c  *conn
		dc net.Conn
	)
	// A connection the server dropped while idle is restored once.
	err = s.Do(f.ctx, func(ctx context.Context, sc *conn) error {
		var err error
		c = sc
		dc, err = sc.transfer(ctx, format, f.path)
		return err
	})
	if err != nil {
		f.host.pool.put(s, c, err)
		return err
	}
	f.dir, f.slot, f.conn, f.data = dir, s, c, dc
	f.stop = context.AfterFunc(f.ctx, func() { _ = dc.SetDeadline(aLongTimeAgo) })
	return nil
}

// end closes the data connection, reads the closing reply when complete
// is set and returns the control connection.
func (f *file) end(complete bool) error {
	if f.dir == idle {
		return nil
	}
	f.stop()
	_ = f.data.Close()

	var err error
	if complete {
		err = f.conn.finish(f.ctx)
	} else {
		// An aborted transfer leaves the reply stream in an unknown state.
		f.conn.broken = true
	}
	f.host.pool.put(f.slot, f.conn, err)
	f.dir, f.slot, f.conn, f.data, f.stop = idle, nil, nil, nil, nil
	return err
}

func (f *file) transferError(err error) error {
	f.conn.broken = true
	if f.ctx.Err() != nil {
		return errors.FromContext(f.ctx).WithCause(err).WithPath(f.path).WithComponent(Tag)
	}
	return errors.As(errors.FromNetwork(err)).WithPath(f.path)
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
		_ = f.end(false)
		return 0, err
	}
	switch f.dir {
	case writing:
		return 0, errors.New(errors.KindInvalidCall, "an upload is in progress on this file").WithPath(f.path)
	case idle:
		if f.eof {
			return 0, io.EOF
		}
		if err := f.begin(reading, "RETR %s"); err != nil {
			return 0, errors.As(err).WithPath(f.path)
		}
	}

	n, err := f.data.Read(b)
	f.pos += int64(n)
	f.host.metrics.AddTransferBytes(Tag, metrics.DirectionRead, int64(n))
	switch {
	case err == io.EOF:
		f.eof = true
		if ferr := f.end(true); ferr != nil {
			return n, errors.As(ferr).WithPath(f.path)
		}
		if f.size == vfs.UnknownSize || f.size < f.pos {
			f.size = f.pos
		}
		return n, io.EOF
	case err != nil:
		terr := f.transferError(err)
		_ = f.end(false)
		return n, terr
	}
	return n, nil
}

func (f *file) ReadAt(b []byte, off int64) (int, error) {
	return 0, errors.NotSupported("read_at").WithPath(f.path).WithComponent(Tag)
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
		_ = f.end(false)
		return 0, err
	}
	switch f.dir {
	case reading:
		return 0, errors.New(errors.KindInvalidCall, "a download is in progress on this file").WithPath(f.path)
	case idle:
		cmd := "STOR %s"
		if f.mode.Append() {
			cmd = "APPE %s"
			if f.size > 0 {
				f.pos = f.size
			}
		}
		if err := f.begin(writing, cmd); err != nil {
			return 0, errors.As(err).WithPath(f.path)
		}
	}

	n, err := f.data.Write(b)
	f.pos += int64(n)
	f.host.metrics.AddTransferBytes(Tag, metrics.DirectionWrite, int64(n))
	if err != nil {
		terr := f.transferError(err)
		_ = f.end(false)
		return n, terr
	}
	return n, nil
}

// Seek supports only no-op seeks and rewinding a download to the start.
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
		if f.size == vfs.UnknownSize {
			return f.pos, errors.NotSupported("seek").WithPath(f.path).WithComponent(Tag)
		}
		target = f.size + offset
	default:
		return f.pos, errors.New(errors.KindInvalidCall, "invalid whence").WithPath(f.path)
	}

	switch {
	case target == f.pos:
		return f.pos, nil
	case target == 0 && f.dir != writing && f.mode.Readable():
		_ = f.end(false)
		f.pos, f.eof = 0, false
		return 0, nil
	}
	return f.pos, errors.NotSupported("seek").WithPath(f.path).WithComponent(Tag).
		WithContext("offset", strconv.FormatInt(target, 10))
}

// Close completes an upload or abandons a download. Uploads are committed
// only when the server confirms them.
func (f *file) Close() error {
	if !f.guard.MarkClosed() {
		return nil
	}
	defer f.release()

	switch f.dir {
	case writing:
		err := f.end(f.ctx.Err() == nil)
		f.host.cache.Changed(f.path, false)
		if err != nil {
			return errors.As(err).WithPath(f.path).WithOperation("close")
		}
		if cerr := f.cancelled(); cerr != nil {
			return cerr
		}
		f.host.logger.Debug("Upload committed", logging.Path(f.path))
	case reading:
		_ = f.end(false)
	default:
		// Creating or truncating without writing still needs a STOR.
		if f.mode.Writable() && (f.created || f.mode.Truncate()) && !f.mode.Append() && f.ctx.Err() == nil {
			if err := f.begin(writing, "STOR %s"); err != nil {
				return errors.As(err).WithPath(f.path).WithOperation("close")
			}
			err := f.end(true)
			f.host.cache.Changed(f.path, false)
			if err != nil {
				return errors.As(err).WithPath(f.path).WithOperation("close")
			}
		}
	}
	return nil
}
