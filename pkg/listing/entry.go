package listing

import (
	"io/fs"
	"os"
	"strings"
	"time"
)

// FileType represents the type of a directory entry as reported by the
// backend, without following symlinks.
type FileType uint8

const (
	FileTypeRegular FileType = iota
	FileTypeDirectory
	FileTypeSymlink
	FileTypeDevice
	FileTypeCharDevice
	FileTypeFIFO
	FileTypeSocket
	FileTypeUnknown
)

func (t FileType) String() string {
	switch t {
	case FileTypeRegular:
		return "regular"
	case FileTypeDirectory:
		return "directory"
	case FileTypeSymlink:
		return "symlink"
	case FileTypeDevice:
		return "device"
	case FileTypeCharDevice:
		return "chardevice"
	case FileTypeFIFO:
		return "fifo"
	case FileTypeSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// TypeFromMode maps an fs.FileMode onto a FileType.
func TypeFromMode(mode fs.FileMode) FileType {
	switch {
	case mode.IsRegular():
		return FileTypeRegular
	case mode.IsDir():
		return FileTypeDirectory
	case mode&fs.ModeSymlink != 0:
		return FileTypeSymlink
	case mode&fs.ModeCharDevice != 0:
		return FileTypeCharDevice
	case mode&fs.ModeDevice != 0:
		return FileTypeDevice
	case mode&fs.ModeNamedPipe != 0:
		return FileTypeFIFO
	case mode&fs.ModeSocket != 0:
		return FileTypeSocket
	default:
		return FileTypeUnknown
	}
}

// UnknownSize marks entries whose size the backend did not report, which is
// the usual case for directories.
const UnknownSize int64 = -1

// DotDot is the name of the synthetic parent entry.
const DotDot = ".."

// Entry is one directory entry of a Listing. Time fields the backend did not
// report are filled with the listing's creation time; AddTime stays zero
// when unknown.
type Entry struct {
	Name        string
	DisplayName string
	Type        FileType
	Mode        os.FileMode
	Size        int64
	Inode       uint64

	ATime   time.Time
	MTime   time.Time
	CTime   time.Time
	BTime   time.Time
	AddTime time.Time

	UID   uint32
	GID   uint32
	Flags uint32

	// Symlink holds the link target for symlink entries
	Symlink string
}

func (e Entry) IsDir() bool     { return e.Type == FileTypeDirectory }
func (e Entry) IsRegular() bool { return e.Type == FileTypeRegular }
func (e Entry) IsSymlink() bool { return e.Type == FileTypeSymlink }
func (e Entry) IsDotDot() bool  { return e.Name == DotDot }
func (e Entry) HasSize() bool   { return e.Size != UnknownSize }

// Extension returns the part of the name after the last dot, or "" for
// names without one. Leading dots of hidden files do not start an extension.
func (e Entry) Extension() string {
	if e.IsDir() {
		return ""
	}
	i := strings.LastIndexByte(e.Name, '.')
	if i <= 0 || i == len(e.Name)-1 {
		return ""
	}
	return e.Name[i+1:]
}

// Display returns DisplayName when set, Name otherwise.
func (e Entry) Display() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return e.Name
}

// Info adapts the entry to fs.FileInfo.
func (e Entry) Info() fs.FileInfo {
	return entryInfo{e}
}

type entryInfo struct{ e Entry }

func (fi entryInfo) Name() string { return fi.e.Name }
func (fi entryInfo) Size() int64 {
	if fi.e.Size < 0 {
		return 0
	}
	return fi.e.Size
}
func (fi entryInfo) Mode() fs.FileMode  { return fi.e.Mode }
func (fi entryInfo) ModTime() time.Time { return fi.e.MTime }
func (fi entryInfo) IsDir() bool        { return fi.e.IsDir() }
func (fi entryInfo) Sys() interface{}   { return nil }
