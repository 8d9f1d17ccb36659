package vfs

import (
	"path"
	"strings"

	"github.com/objectfs/vfs/pkg/errors"
)

// MaxFilenameLength is the longest file name accepted by ValidateFilename.
const MaxFilenameLength = 255

// Normalize cleans an absolute slash-separated path. Relative, empty and
// NUL-containing paths fail with InvalidCall.
func Normalize(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", errors.New(errors.KindInvalidCall, "path must be absolute").WithPath(p)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return "", errors.New(errors.KindInvalidCall, "path contains a NUL byte").WithPath(p)
	}
	return path.Clean(p), nil
}

// DirKey normalizes a directory path for use as a cache key: cleaned, with
// a trailing slash.
func DirKey(p string) (string, error) {
	n, err := Normalize(p)
	if err != nil {
		return "", err
	}
	if n != "/" {
		n += "/"
	}
	return n, nil
}

// Join joins a directory and a name.
func Join(dir, name string) string {
	return path.Join(dir, name)
}

// Parent returns the parent directory of p; the parent of "/" is "/".
func Parent(p string) string {
	return path.Dir(path.Clean(p))
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(p)
}

// IsRoot reports whether p names the root directory.
func IsRoot(p string) bool {
	return path.Clean(p) == "/"
}

// Within reports whether p is root or lies below it.
func Within(root, p string) bool {
	root = path.Clean(root)
	p = path.Clean(p)
	if root == "/" || root == p {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

// ValidateFilename checks a single file name: non-empty, at most 255 bytes
// and without ':', '\', '/', CR, LF or TAB.
func ValidateFilename(name string) error {
	if name == "" {
		return errors.New(errors.KindInvalidCall, "file name is empty")
	}
	if len(name) > MaxFilenameLength {
		return errors.Newf(errors.KindInvalidCall, "file name is longer than %d bytes", MaxFilenameLength).WithPath(name)
	}
	if strings.ContainsAny(name, ":\\/\r\n\t") {
		return errors.New(errors.KindInvalidCall, "file name contains a forbidden character").WithPath(name)
	}
	return nil
}
