package listing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, entries ...Entry) *Listing {
	t.Helper()
	b := NewBuilder("/d", "mem")
	for _, e := range entries {
		b.Add(e)
	}
	l, err := b.Build()
	require.NoError(t, err)
	return l
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		entry Entry
		want  SizeClass
	}{
		{dir("d"), SizeDirectory},
		{file("u", UnknownSize), SizeUnknown},
		{file("e", 0), SizeEmpty},
		{file("t", 4095), SizeTiny},
		{file("s", 4096), SizeSmall},
		{file("m", 1 << 20), SizeMedium},
		{file("l", 64 << 20), SizeLarge},
		{file("h", 1 << 30), SizeHuge},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassOf(tt.entry), tt.entry.Name)
	}
}

func TestExternalKey_StableAcrossSnapshots(t *testing.T) {
	added := time.Unix(1700000000, 0)
	before := build(t,
		Entry{Name: "notes.txt", Type: FileTypeRegular, Size: 10, AddTime: added},
		file("movie.mkv", 700<<20),
		dir("src"),
	)
	// Reordered, grown within the same size class, and with a new entry.
	after := build(t,
		dir("src"),
		file("new.bin", 1),
		file("movie.mkv", 710<<20),
		Entry{Name: "notes.txt", Type: FileTypeRegular, Size: 42, AddTime: added},
	)

	for i := 0; i < before.Count(); i++ {
		key := KeyOf(before.Entry(i))
		j := after.Find(key)
		require.GreaterOrEqual(t, j, 0, "entry %s lost its identity", key.Name)
		assert.True(t, key.Equal(KeyOf(after.Entry(j))))
	}

	assert.Equal(t, -1, after.Find(KeyOf(file("notes.txt", 10))), "add-time is part of the key")
}

func TestExternalKey_SizeClassChange(t *testing.T) {
	a := KeyOf(file("log", 100))
	b := KeyOf(file("log", 2<<20))
	assert.False(t, a.Equal(b))
	assert.False(t, a.IsZero())
	assert.True(t, ExternalKey{}.IsZero())
}

func TestRestore(t *testing.T) {
	old := build(t, file("a", 1), file("b", 1), file("c", 1), file("d", 1))

	tests := []struct {
		name   string
		next   *Listing
		cursor int
		want   int
	}{
		{"same entry moved", build(t, file("c", 1), file("b", 1), file("a", 1)), 1, 1},
		{"matched by key", build(t, file("x", 1), file("d", 1)), 3, 1},
		{"matched by name after size class change", build(t, file("b", 8<<20), file("a", 1)), 1, 0},
		{"entry gone keeps position", build(t, file("a", 1), file("b", 1), file("d", 1)), 2, 2},
		{"entry gone clamps", build(t, file("a", 1)), 3, 0},
		{"invalid cursor clamps", build(t, file("a", 1), file("b", 1)), 9, 1},
		{"empty next", Empty("/d", "mem"), 0, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Restore(old, tt.next, tt.cursor))
		})
	}
}
