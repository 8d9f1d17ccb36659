//go:build linux

package native

import (
	"io/fs"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/vfs"
)

func fillSys(e *listing.Entry, fi fs.FileInfo) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	e.Inode = st.Ino
	e.UID = st.Uid
	e.GID = st.Gid
	e.ATime = time.Unix(st.Atim.Unix())
	e.CTime = time.Unix(st.Ctim.Unix())
}

func accessTime(fi fs.FileInfo) time.Time {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Atim.Unix())
	}
	return fi.ModTime()
}

// preallocate reserves size bytes without changing the file length.
// File systems that cannot preallocate are not an error.
func preallocate(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
	switch err {
	case nil, unix.ENOTSUP, unix.ENOSYS:
		return nil
	}
	if err == unix.EOPNOTSUPP {
		return nil
	}
	return &os.PathError{Op: "fallocate", Path: f.Name(), Err: err}
}

func statfs(full string) (vfs.StatFS, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(full, &st); err != nil {
		return vfs.StatFS{}, &os.PathError{Op: "statfs", Path: full, Err: err}
	}
	bsize := int64(st.Bsize)
	return vfs.StatFS{
		Total:     int64(st.Blocks) * bsize,
		Free:      int64(st.Bfree) * bsize,
		Available: int64(st.Bavail) * bsize,
	}, nil
}
