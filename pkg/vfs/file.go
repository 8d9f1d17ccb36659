package vfs

import (
	"io"
	"sync/atomic"

	"github.com/objectfs/vfs/pkg/errors"
)

// OpenMode selects how a file is opened. Exactly one of the access
// combinations below is used, optionally or-ed with OpenCreate and
// OpenExclusive.
type OpenMode uint32

const (
	openRead OpenMode = 1 << iota
	openWrite
	openAppend
	openTruncate

	// OpenCreate creates the file when it does not exist
	OpenCreate
	// OpenExclusive fails with AlreadyExists when the file exists; requires OpenCreate
	OpenExclusive
)

const (
	OpenRead          = openRead
	OpenWriteTruncate = openWrite | openTruncate
	OpenWriteAppend   = openWrite | openAppend
	OpenReadWrite     = openRead | openWrite

	accessMask = openRead | openWrite | openAppend | openTruncate
)

func (m OpenMode) Readable() bool  { return m&openRead != 0 }
func (m OpenMode) Writable() bool  { return m&openWrite != 0 }
func (m OpenMode) Append() bool    { return m&openAppend != 0 }
func (m OpenMode) Truncate() bool  { return m&openTruncate != 0 }
func (m OpenMode) Create() bool    { return m&OpenCreate != 0 }
func (m OpenMode) Exclusive() bool { return m&OpenExclusive != 0 }

// Validate rejects combinations that are not one of the four access modes.
func (m OpenMode) Validate() error {
	switch m & accessMask {
	case OpenRead, OpenWriteTruncate, OpenWriteAppend, OpenReadWrite:
	default:
		return errors.Newf(errors.KindInvalidCall, "invalid open mode %#x", uint32(m))
	}
	if m.Exclusive() && !m.Create() {
		return errors.New(errors.KindInvalidCall, "exclusive open requires create")
	}
	return nil
}

func (m OpenMode) String() string {
	var s string
	switch m & accessMask {
	case OpenRead:
		s = "read"
	case OpenWriteTruncate:
		s = "write-truncate"
	case OpenWriteAppend:
		s = "write-append"
	case OpenReadWrite:
		s = "read-write"
	default:
		s = "invalid"
	}
	if m.Create() {
		s += "|create"
	}
	if m.Exclusive() {
		s += "|exclusive"
	}
	return s
}

// ReadParadigm describes how a file can be read.
type ReadParadigm int

const (
	ReadNone ReadParadigm = iota
	// ReadSequential reads only forward from the start
	ReadSequential
	// ReadSeek reads forward after arbitrary seeks
	ReadSeek
	// ReadRandom supports ReadAt
	ReadRandom
)

// WriteParadigm describes how a file can be written.
type WriteParadigm int

const (
	WriteNone WriteParadigm = iota
	// WriteUpload needs the total size up front via SetUploadSize
	WriteUpload
	// WriteSequential writes forward only
	WriteSequential
	// WriteSeek writes after arbitrary seeks
	WriteSeek
	// WriteRandom supports WriteAt
	WriteRandom
)

// UnknownSize is returned by File.Size when the length is not known yet.
const UnknownSize int64 = -1

// File is one open stream on one host. A File is not safe for concurrent
// use: one operation may be outstanding at a time and a second concurrent
// call fails with KindInvalidCall. The context passed to OpenFile bounds the
// file's network activity; cancelling it fails pending and later calls with
// KindCancelled. Close is idempotent.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.ReaderAt
	io.Closer

	Path() string
	Mode() OpenMode
	ReadParadigm() ReadParadigm
	WriteParadigm() WriteParadigm
	// Size returns the file length, or UnknownSize
	Size() int64
	// Pos returns the current offset
	Pos() int64
	// PreferredIOSize is the buffer size that gives the best throughput
	PreferredIOSize() int
	// SetUploadSize announces the total size for WriteUpload files
	SetUploadSize(size int64) error
}

// OpGuard enforces one outstanding operation per file handle.
type OpGuard struct {
	busy   atomic.Bool
	closed atomic.Bool
}

// Enter marks the handle busy. It fails with InvalidCall when another
// operation is outstanding or the handle is closed.
func (g *OpGuard) Enter(op string) error {
	if g.closed.Load() {
		return errors.New(errors.KindInvalidCall, "file is closed").WithOperation(op)
	}
	if !g.busy.CompareAndSwap(false, true) {
		return errors.New(errors.KindInvalidCall, "another operation is in progress on this file").WithOperation(op)
	}
	return nil
}

// Leave releases the handle.
func (g *OpGuard) Leave() { g.busy.Store(false) }

// MarkClosed records that the handle is closed. It returns false when it
// already was, which makes Close idempotent.
func (g *OpGuard) MarkClosed() bool { return g.closed.CompareAndSwap(false, true) }

// Closed reports whether MarkClosed was called.
func (g *OpGuard) Closed() bool { return g.closed.Load() }
