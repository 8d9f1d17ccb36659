package listing

// SizeClass buckets entry sizes so that small in-place edits do not change
// an entry's identity.
type SizeClass int8

const (
	SizeUnknown SizeClass = iota
	SizeDirectory
	SizeEmpty
	SizeTiny   // below 4 KiB
	SizeSmall  // below 1 MiB
	SizeMedium // below 64 MiB
	SizeLarge  // below 1 GiB
	SizeHuge
)

// ClassOf returns the size class of an entry.
func ClassOf(e Entry) SizeClass {
	if e.IsDir() {
		return SizeDirectory
	}
	switch s := e.Size; {
	case s < 0:
		return SizeUnknown
	case s == 0:
		return SizeEmpty
	case s < 4<<10:
		return SizeTiny
	case s < 1<<20:
		return SizeSmall
	case s < 64<<20:
		return SizeMedium
	case s < 1<<30:
		return SizeLarge
	default:
		return SizeHuge
	}
}

// ExternalKey identifies an entry structurally so it can be matched in a
// later snapshot of the same directory. Keys are comparable with ==.
type ExternalKey struct {
	Name      string
	Extension string
	SizeClass SizeClass
	// AddTime is the Unix time the entry was added, 0 when unknown
	AddTime int64
}

// KeyOf computes the external key of an entry.
func KeyOf(e Entry) ExternalKey {
	k := ExternalKey{
		Name:      e.Name,
		Extension: e.Extension(),
		SizeClass: ClassOf(e),
	}
	if !e.AddTime.IsZero() {
		k.AddTime = e.AddTime.Unix()
	}
	return k
}

// Equal reports whether two keys identify the same entry.
func (k ExternalKey) Equal(other ExternalKey) bool {
	return k == other
}

// IsZero reports whether k is the zero key.
func (k ExternalKey) IsZero() bool {
	return k == ExternalKey{}
}

// Keys returns the external keys of all entries in listing order.
func (l *Listing) Keys() []ExternalKey {
	out := make([]ExternalKey, len(l.entries))
	for i, e := range l.entries {
		out[i] = KeyOf(e)
	}
	return out
}

// Restore maps a cursor position in old onto next. The entry under the
// cursor is looked up by external key, then by name; when it is gone the
// cursor stays at the same position clamped to the new bounds. It returns -1
// only when next is empty.
func Restore(old, next *Listing, cursor int) int {
	if next == nil || next.Count() == 0 {
		return -1
	}
	if old == nil || cursor < 0 || cursor >= old.Count() {
		return clamp(cursor, next.Count())
	}

	e := old.Entry(cursor)
	if i := next.Find(KeyOf(e)); i >= 0 {
		return i
	}
	if i := next.IndexOf(e.Name); i >= 0 {
		return i
	}
	return clamp(cursor, next.Count())
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
