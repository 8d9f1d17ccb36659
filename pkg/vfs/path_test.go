package vfs

import (
	"strings"
	"testing"

	"github.com/objectfs/vfs/pkg/errors"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/", "/", false},
		{"/a/b/", "/a/b", false},
		{"/a/./b/../c", "/a/c", false},
		{"//a//b", "/a/b", false},
		{"/..", "/", false},
		{"", "", true},
		{"a/b", "", true},
		{"/a\x00b", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr {
				if !errors.IsKind(err, errors.KindInvalidCall) {
					t.Fatalf("Normalize(%q) error = %v, want InvalidCall", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDirKey(t *testing.T) {
	tests := map[string]string{
		"/":        "/",
		"/pub":     "/pub/",
		"/pub/":    "/pub/",
		"/pub/../": "/",
	}
	for in, want := range tests {
		got, err := DirKey(in)
		if err != nil {
			t.Fatalf("DirKey(%q) error = %v", in, err)
		}
		if got != want {
			t.Errorf("DirKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParentBase(t *testing.T) {
	tests := []struct {
		in, parent, base string
	}{
		{"/", "/", "/"},
		{"/a", "/", "a"},
		{"/a/b", "/a", "b"},
		{"/a/b/", "/a", "b"},
	}
	for _, tt := range tests {
		if got := Parent(tt.in); got != tt.parent {
			t.Errorf("Parent(%q) = %q, want %q", tt.in, got, tt.parent)
		}
		if got := Base(tt.in); got != tt.base {
			t.Errorf("Base(%q) = %q, want %q", tt.in, got, tt.base)
		}
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		root, p string
		want    bool
	}{
		{"/", "/anything", true},
		{"/a", "/a", true},
		{"/a", "/a/b", true},
		{"/a", "/ab", false},
		{"/a/b", "/a", false},
	}
	for _, tt := range tests {
		if got := Within(tt.root, tt.p); got != tt.want {
			t.Errorf("Within(%q, %q) = %v, want %v", tt.root, tt.p, got, tt.want)
		}
	}
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"report.pdf", true},
		{".hidden", true},
		{"with space", true},
		{strings.Repeat("x", 255), true},
		{strings.Repeat("x", 256), false},
		{"", false},
		{"a:b", false},
		{"a\\b", false},
		{"a/b", false},
		{"line\nbreak", false},
		{"carriage\rreturn", false},
		{"tab\tbed", false},
	}

	for _, tt := range tests {
		err := ValidateFilename(tt.name)
		if tt.valid && err != nil {
			t.Errorf("ValidateFilename(%q) error = %v", tt.name, err)
		}
		if !tt.valid && !errors.IsKind(err, errors.KindInvalidCall) {
			t.Errorf("ValidateFilename(%q) = %v, want InvalidCall", tt.name, err)
		}
	}
}
