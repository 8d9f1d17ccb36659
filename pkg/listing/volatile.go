package listing

import "sync"

// VolatileFlags are per-entry presentation flags that change without
// replacing the snapshot.
type VolatileFlags uint8

const (
	FlagSelected VolatileFlags = 1 << iota
	FlagHighlighted
	FlagCalculating
)

// Volatile is the mutable data tracked for one entry.
type Volatile struct {
	// Size is the live size, for example a calculated directory size or
	// the current length of a file being written
	Size  int64
	Flags VolatileFlags
}

// VolatileData is the side table of volatile data keyed by external key. It
// is safe for concurrent use.
type VolatileData struct {
	mu    sync.RWMutex
	items map[ExternalKey]Volatile
}

// NewVolatileData creates an empty table.
func NewVolatileData() *VolatileData {
	return &VolatileData{items: make(map[ExternalKey]Volatile)}
}

// Get returns the data stored for key.
func (v *VolatileData) Get(key ExternalKey) (Volatile, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	d, ok := v.items[key]
	return d, ok
}

// SizeOf returns the live size for the i-th entry of l, falling back to the
// size in the snapshot.
func (v *VolatileData) SizeOf(l *Listing, i int) int64 {
	e := l.Entry(i)
	if d, ok := v.Get(KeyOf(e)); ok && d.Size != UnknownSize {
		return d.Size
	}
	return e.Size
}

// Set stores data for key.
func (v *VolatileData) Set(key ExternalKey, d Volatile) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items[key] = d
}

// Update applies fn to the data stored for key. Missing keys start with
// an unknown size and no flags.
func (v *VolatileData) Update(key ExternalKey, fn func(*Volatile)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d, ok := v.items[key]
	if !ok {
		d = Volatile{Size: UnknownSize}
	}
	fn(&d)
	v.items[key] = d
}

// SetFlag sets or clears flag on key.
func (v *VolatileData) SetFlag(key ExternalKey, flag VolatileFlags, on bool) {
	v.Update(key, func(d *Volatile) {
		if on {
			d.Flags |= flag
		} else {
			d.Flags &^= flag
		}
	})
}

// Delete removes the data for key.
func (v *VolatileData) Delete(key ExternalKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.items, key)
}

// Reset drops all data.
func (v *VolatileData) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items = make(map[ExternalKey]Volatile)
}

// Prune drops data for keys that are not present in l and reports how many
// were removed. Called after a refresh, it carries data over to the
// entries that survived.
func (v *VolatileData) Prune(l *Listing) int {
	keep := make(map[ExternalKey]struct{}, l.Count())
	for _, k := range l.Keys() {
		keep[k] = struct{}{}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	removed := 0
	for k := range v.items {
		if _, ok := keep[k]; !ok {
			delete(v.items, k)
			removed++
		}
	}
	return removed
}

// Selected returns the indices of entries in l flagged selected.
func (v *VolatileData) Selected(l *Listing) []int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []int
	for i, e := range l.entries {
		if d, ok := v.items[KeyOf(e)]; ok && d.Flags&FlagSelected != 0 {
			out = append(out, i)
		}
	}
	return out
}

// Len returns the number of keys with data.
func (v *VolatileData) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.items)
}
