// Package listing holds immutable directory snapshots, the structural keys
// that identify entries across snapshots, and the mutable side table of
// per-entry volatile data.
package listing

import (
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/objectfs/vfs/pkg/errors"
)

// Listing is an immutable snapshot of one directory taken at one instant.
// It is safe to share between goroutines.
type Listing struct {
	dir     string
	host    string
	title   string
	created time.Time
	entries []Entry
	byName  map[string]int
}

// Count returns the number of entries.
func (l *Listing) Count() int { return len(l.entries) }

// Entry returns the i-th entry in the listing's order.
func (l *Listing) Entry(i int) Entry { return l.entries[i] }

// Entries returns a copy of all entries.
func (l *Listing) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Names returns entry names in listing order.
func (l *Listing) Names() []string {
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Name
	}
	return out
}

// IndexOf returns the index of the entry with the given name, or -1.
func (l *Listing) IndexOf(name string) int {
	if i, ok := l.byName[name]; ok {
		return i
	}
	return -1
}

// Lookup returns the named entry.
func (l *Listing) Lookup(name string) (Entry, bool) {
	i := l.IndexOf(name)
	if i < 0 {
		return Entry{}, false
	}
	return l.entries[i], true
}

// Path returns the directory the listing was taken of, with a trailing slash.
func (l *Listing) Path() string { return l.dir }

// EntryPath returns the full path of the i-th entry. The ".." entry points
// at the parent directory.
func (l *Listing) EntryPath(i int) string {
	e := l.entries[i]
	if e.IsDotDot() {
		parent := path.Dir(strings.TrimSuffix(l.dir, "/"))
		if parent == "." {
			parent = "/"
		}
		return parent
	}
	return l.dir + e.Name
}

// Host returns the identity of the host the listing came from.
func (l *Listing) Host() string { return l.host }

// Title returns the optional title, defaulting to the directory path.
func (l *Listing) Title() string {
	if l.title != "" {
		return l.title
	}
	return l.dir
}

// Created returns the time the snapshot was taken.
func (l *Listing) Created() time.Time { return l.created }

// Find returns the index of the entry whose external key equals key, or -1.
func (l *Listing) Find(key ExternalKey) int {
	if i := l.IndexOf(key.Name); i >= 0 && KeyOf(l.entries[i]) == key {
		return i
	}
	return -1
}

// SortField selects the primary sort key.
type SortField int

const (
	// SortNone preserves the backend's natural order
	SortNone SortField = iota
	SortByName
	SortByExtension
	SortBySize
	SortByModTime
)

// SortMode describes an explicit ordering applied before a snapshot is built.
type SortMode struct {
	Field         SortField
	DirsFirst     bool
	Reverse       bool
	CaseSensitive bool
}

// Builder accumulates entries for a new Listing. A Builder is not safe for
// concurrent use.
type Builder struct {
	dir     string
	host    string
	title   string
	sort    SortMode
	entries []Entry
	names   map[string]struct{}
	err     error
}

// NewBuilder starts a listing of dir on the host with the given identity.
func NewBuilder(dir, host string) *Builder {
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return &Builder{dir: dir, host: host, names: make(map[string]struct{})}
}

// Title sets an optional title.
func (b *Builder) Title(title string) *Builder {
	b.title = title
	return b
}

// SortBy applies an explicit order at Build time.
func (b *Builder) SortBy(mode SortMode) *Builder {
	b.sort = mode
	return b
}

// Add appends an entry. Empty and duplicate names make Build fail.
func (b *Builder) Add(e Entry) *Builder {
	if b.err != nil {
		return b
	}
	if e.Name == "" {
		b.err = errors.New(errors.KindInvalidCall, "listing entry has an empty name").WithPath(b.dir)
		return b
	}
	if _, dup := b.names[e.Name]; dup {
		b.err = errors.Newf(errors.KindInvalidCall, "duplicate entry %q", e.Name).WithPath(b.dir)
		return b
	}
	b.names[e.Name] = struct{}{}
	b.entries = append(b.entries, e)
	return b
}

// Len returns the number of entries added so far.
func (b *Builder) Len() int { return len(b.entries) }

// Build finalizes the snapshot.
func (b *Builder) Build() (*Listing, error) {
	if b.err != nil {
		return nil, b.err
	}

	created := time.Now()
	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)
	for i := range entries {
		normalize(&entries[i], created)
	}
	if b.sort.Field != SortNone {
		sortEntries(entries, b.sort)
	}

	byName := make(map[string]int, len(entries))
	for i, e := range entries {
		byName[e.Name] = i
	}

	return &Listing{
		dir:     b.dir,
		host:    b.host,
		title:   b.title,
		created: created,
		entries: entries,
		byName:  byName,
	}, nil
}

// Single builds a one-entry listing of the entry's parent directory.
func Single(dir, host string, e Entry) (*Listing, error) {
	return NewBuilder(dir, host).Add(e).Build()
}

// Empty returns a listing with no entries.
func Empty(dir, host string) *Listing {
	l, _ := NewBuilder(dir, host).Build()
	return l
}

func normalize(e *Entry, created time.Time) {
	for _, t := range []*time.Time{&e.ATime, &e.MTime, &e.CTime, &e.BTime} {
		if t.IsZero() {
			*t = created
		}
	}
	switch e.Type {
	case FileTypeDirectory:
		e.Mode |= fs.ModeDir
	case FileTypeSymlink:
		e.Mode |= fs.ModeSymlink
	}
	if e.Type == FileTypeDirectory && e.Size == 0 {
		e.Size = UnknownSize
	}
}

func sortEntries(entries []Entry, mode SortMode) {
	name := func(e Entry) string {
		if mode.CaseSensitive {
			return e.Name
		}
		return strings.ToLower(e.Name)
	}

	less := func(a, b Entry) bool {
		// ".." always stays on top.
		if a.IsDotDot() != b.IsDotDot() {
			return a.IsDotDot()
		}
		if mode.DirsFirst && a.IsDir() != b.IsDir() {
			return a.IsDir()
		}

		var r int
		switch mode.Field {
		case SortByExtension:
			r = strings.Compare(strings.ToLower(a.Extension()), strings.ToLower(b.Extension()))
		case SortBySize:
			r = compareInt64(a.Size, b.Size)
		case SortByModTime:
			r = a.MTime.Compare(b.MTime)
		}
		if r == 0 {
			r = strings.Compare(name(a), name(b))
		}
		if mode.Reverse {
			r = -r
		}
		return r < 0
	}

	sort.SliceStable(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
