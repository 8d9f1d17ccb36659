//go:build !linux

package native

import (
	"io/fs"
	"os"
	"time"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/vfs"
)

func fillSys(e *listing.Entry, fi fs.FileInfo) {}

func accessTime(fi fs.FileInfo) time.Time { return fi.ModTime() }

func preallocate(f *os.File, size int64) error { return nil }

func statfs(full string) (vfs.StatFS, error) {
	return vfs.StatFS{}, errors.NotSupported("statfs")
}
