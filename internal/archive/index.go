package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
)

// content reads one member. Members stored uncompressed in a randomly
// readable source get ra; the others are decoded from the start by open.
type content struct {
	size int64
	ra   io.ReaderAt
	open func() (io.ReadCloser, error)
}

type node struct {
	entry    listing.Entry
	children map[string]*node
	content  content
}

func (n *node) isDir() bool { return n.entry.Type == listing.FileTypeDirectory }

// names returns the children in name order.
func (n *node) names() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// tree is the immutable directory index built when an archive is opened.
type tree struct {
	root    *node
	members int
}

func newTree(mtime time.Time) *tree {
	return &tree{root: dirNode("/", mtime)}
}

func dirNode(name string, mtime time.Time) *node {
	return &node{
		entry: listing.Entry{
			Name:  name,
			Type:  listing.FileTypeDirectory,
			Mode:  os.ModeDir | 0555,
			Size:  listing.UnknownSize,
			MTime: mtime,
		},
		children: make(map[string]*node),
	}
}

// memberPath cleans an archive member name into an absolute path. Names
// escaping the root are clamped to it.
func memberPath(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return path.Clean("/" + strings.TrimPrefix(name, "./"))
}

// mkdirAll returns the directory at p, creating missing levels.
func (t *tree) mkdirAll(p string, mtime time.Time) *node {
	n := t.root
	if p == "/" {
		return n
	}
	for _, part := range strings.Split(p[1:], "/") {
		child, ok := n.children[part]
		if !ok || !child.isDir() {
			child = dirNode(part, mtime)
			n.children[part] = child
		}
		n = child
	}
	return n
}

// add records a member. A later member with the same path replaces an
// earlier one; an explicit directory keeps the children already found.
func (t *tree) add(p string, e listing.Entry, c content) {
	if p == "/" {
		return
	}
	parent := t.mkdirAll(path.Dir(p), e.MTime)
	name := path.Base(p)
	e.Name = name
	t.members++

	if e.Type == listing.FileTypeDirectory {
		if old, ok := parent.children[name]; ok && old.isDir() {
			old.entry = e
			return
		}
		n := dirNode(name, e.MTime)
		n.entry = e
		parent.children[name] = n
		return
	}
	parent.children[name] = &node{entry: e, content: c}
}

// spool bounds the bytes of decoded members kept in memory.
type spool struct {
	limit int64
	used  int64
}

func (s *spool) read(r io.Reader, hint int64) ([]byte, error) {
	if hint > s.limit-s.used {
		return nil, s.exceeded()
	}
	data, err := io.ReadAll(io.LimitReader(r, s.limit-s.used+1))
	if err != nil {
		return nil, malformed(err)
	}
	if int64(len(data)) > s.limit-s.used {
		return nil, s.exceeded()
	}
	s.used += int64(len(data))
	return data, nil
}

func (s *spool) exceeded() error {
	return errors.Newf(errors.KindQuotaExceeded, "archive content exceeds the %d byte spool limit", s.limit).WithComponent(Tag)
}

func memory(data []byte) content {
	return content{size: int64(len(data)), ra: bytes.NewReader(data)}
}

func zipEntry(f *zip.File) listing.Entry {
	mode := f.Mode()
	e := listing.Entry{
		Type:  listing.TypeFromMode(mode),
		Mode:  mode,
		Size:  int64(f.UncompressedSize64),
		MTime: f.Modified,
	}
	if strings.HasSuffix(f.Name, "/") {
		e.Type = listing.FileTypeDirectory
		e.Mode |= os.ModeDir
	}
	if e.Type == listing.FileTypeDirectory {
		e.Size = listing.UnknownSize
	}
	return e
}

func indexZip(ctx context.Context, t *tree, ra io.ReaderAt, size int64) error {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return malformed(err)
	}
	for _, f := range zr.File {
		if err := errors.Check(ctx); err != nil {
			return err
		}
		e := zipEntry(f)
		var c content
		switch e.Type {
		case listing.FileTypeDirectory:
		case listing.FileTypeSymlink:
			rc, err := f.Open()
			if err != nil {
				return malformed(err)
			}
			target, err := io.ReadAll(io.LimitReader(rc, 4096))
			rc.Close()
			if err != nil {
				return malformed(err)
			}
			e.Symlink = string(target)
		default:
			c = content{size: e.Size, open: f.Open}
			if f.Method == zip.Store {
				if off, err := f.DataOffset(); err == nil {
					c.ra = io.NewSectionReader(ra, off, e.Size)
				}
			}
		}
		t.add(memberPath(f.Name), e, c)
	}
	return nil
}

// countingReader tracks the offset of the tar stream so that member data
// can be addressed in the source afterwards.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func tarEntry(hdr *tar.Header) listing.Entry {
	fi := hdr.FileInfo()
	e := listing.Entry{
		Type:  listing.TypeFromMode(fi.Mode()),
		Mode:  fi.Mode(),
		Size:  hdr.Size,
		MTime: hdr.ModTime,
		ATime: hdr.AccessTime,
		CTime: hdr.ChangeTime,
		UID:   uint32(hdr.Uid),
		GID:   uint32(hdr.Gid),
	}
	switch hdr.Typeflag {
	case tar.TypeSymlink:
		e.Type = listing.FileTypeSymlink
		e.Symlink = hdr.Linkname
		e.Size = int64(len(hdr.Linkname))
	case tar.TypeDir:
		e.Size = listing.UnknownSize
	}
	return e
}

func sparse(hdr *tar.Header) bool {
	if hdr.Typeflag == tar.TypeGNUSparse {
		return true
	}
	for k := range hdr.PAXRecords {
		if strings.HasPrefix(k, "GNU.sparse.") {
			return true
		}
	}
	return false
}

// indexTar walks a tar stream. With ra set the stream is the uncompressed
// source itself and plain members are read from it in place; otherwise
// member data is spooled.
func indexTar(ctx context.Context, t *tree, r io.Reader, ra io.ReaderAt, sp *spool) error {
	cr := &countingReader{r: r}
	tr := tar.NewReader(cr)
	var links []*tar.Header
	for {
		if err := errors.Check(ctx); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return malformed(err)
		}
		p := memberPath(hdr.Name)
		e := tarEntry(hdr)

		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeRegA, tar.TypeGNUSparse:
			var c content
			if ra != nil && !sparse(hdr) {
				c = content{size: hdr.Size, ra: io.NewSectionReader(ra, cr.n, hdr.Size)}
			} else {
				data, err := sp.read(tr, hdr.Size)
				if err != nil {
					return err
				}
				c = memory(data)
			}
			e.Type = listing.FileTypeRegular
			t.add(p, e, c)
		case tar.TypeLink:
			links = append(links, hdr)
		case tar.TypeDir, tar.TypeSymlink:
			t.add(p, e, content{})
		case tar.TypeXGlobalHeader:
		default:
			// Devices and fifos are listed but carry no data.
			e.Size = 0
			t.add(p, e, content{})
		}
	}

	// Hard links share the content of a member seen earlier.
	for _, hdr := range links {
		target, err := t.lookup(memberPath(hdr.Linkname), false)
		if err != nil || target.isDir() {
			continue
		}
		e := target.entry
		e.MTime = hdr.ModTime
		t.add(memberPath(hdr.Name), e, target.content)
	}
	return nil
}

// indexSingle exposes a compressed stream as one decoded file.
func indexSingle(ctx context.Context, t *tree, name string, r io.Reader, sp *spool) error {
	if err := errors.Check(ctx); err != nil {
		return err
	}
	data, err := sp.read(r, 0)
	if err != nil {
		return err
	}
	t.add(memberPath(name), listing.Entry{
		Type:  listing.FileTypeRegular,
		Mode:  0444,
		Size:  int64(len(data)),
		MTime: t.root.entry.MTime,
	}, memory(data))
	return nil
}

const maxSymlinkDepth = 16

// lookup walks p. Symlinks are followed inside the archive; the last
// component only when follow is set.
func (t *tree) lookup(p string, follow bool) (*node, error) {
	return t.lookupDepth(p, follow, 0)
}

func (t *tree) lookupDepth(p string, follow bool, depth int) (*node, error) {
	if depth > maxSymlinkDepth {
		return nil, errors.New(errors.KindInvalidCall, "too many levels of symbolic links").WithPath(p).WithComponent(Tag)
	}
	n := t.root
	if p == "/" {
		return n, nil
	}
	parts := strings.Split(p[1:], "/")
	resolved := "/"
	for i, part := range parts {
		if !n.isDir() {
			return nil, errors.New(errors.KindInvalidCall, "not a directory").WithPath(resolved).WithComponent(Tag)
		}
		child, ok := n.children[part]
		if !ok {
			return nil, errors.New(errors.KindNotFound, "no such file or directory").WithPath(p).WithComponent(Tag)
		}
		last := i == len(parts)-1
		if child.entry.Type == listing.FileTypeSymlink && (!last || follow) {
			target := child.entry.Symlink
			if !path.IsAbs(target) {
				target = path.Join(resolved, target)
			}
			rest := path.Join(append([]string{target}, parts[i+1:]...)...)
			return t.lookupDepth(path.Clean(rest), follow, depth+1)
		}
		n = child
		resolved = path.Join(resolved, part)
	}
	return n, nil
}
