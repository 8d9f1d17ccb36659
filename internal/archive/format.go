package archive

import (
	stderrors "errors"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/objectfs/vfs/pkg/errors"
)

// Format is an archive container layout.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTar
	FormatTarGzip
	FormatTarZstd
	// FormatGzip and FormatZstd are single compressed streams, shown as a
	// directory holding one file.
	FormatGzip
	FormatZstd
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatTarGzip:
		return "tar.gz"
	case FormatTarZstd:
		return "tar.zst"
	case FormatGzip:
		return "gz"
	case FormatZstd:
		return "zst"
	default:
		return "unknown"
	}
}

var suffixes = []struct {
	suffix string
	format Format
}{
	// Longest suffixes first so that .tar.gz wins over .gz.
	{".tar.gz", FormatTarGzip},
	{".tar.zst", FormatTarZstd},
	{".tgz", FormatTarGzip},
	{".tzst", FormatTarZstd},
	{".zip", FormatZip},
	{".jar", FormatZip},
	{".tar", FormatTar},
	{".gz", FormatGzip},
	{".zst", FormatZstd},
}

// DetectFormat picks the format from a file name.
func DetectFormat(name string) (Format, bool) {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) && len(lower) > len(s.suffix) {
			return s.format, true
		}
	}
	return FormatUnknown, false
}

// IsArchive reports whether name looks like a supported archive.
func IsArchive(name string) bool {
	_, ok := DetectFormat(name)
	return ok
}

// memberName is the name of the single file inside a compressed stream.
func memberName(archive string, f Format) string {
	lower := strings.ToLower(archive)
	for _, s := range suffixes {
		if s.format == f && strings.HasSuffix(lower, s.suffix) {
			return archive[:len(archive)-len(s.suffix)]
		}
	}
	return archive
}

func (f Format) compressed() bool {
	switch f {
	case FormatTarGzip, FormatTarZstd, FormatGzip, FormatZstd:
		return true
	}
	return false
}

// decompress wraps r in the stream decoder of f.
func decompress(f Format, r io.Reader) (io.ReadCloser, string, error) {
	switch f {
	case FormatTarGzip, FormatGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, "", malformed(err)
		}
		return zr, zr.Name, nil
	case FormatTarZstd, FormatZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, "", malformed(err)
		}
		return zr.IOReadCloser(), "", nil
	}
	return io.NopCloser(r), "", nil
}

// malformed reports a damaged container. Errors that already carry a kind,
// such as a cancelled read of the parent file, are kept.
func malformed(err error) error {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e
	}
	if errors.IsKind(err, errors.KindCancelled) {
		return errors.As(err)
	}
	return errors.Wrap(errors.KindIOFailure, err, "malformed archive").WithComponent(Tag)
}
