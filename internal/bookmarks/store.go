// Package bookmarks persists named locations. Each bookmark is one YAML
// document holding a host configuration and a path on that host; secrets
// are never stored.
package bookmarks

import (
	"bytes"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/vfs"
)

// Tag names the component in errors and logs.
const Tag = "bookmarks"

// Bookmark is a named location.
type Bookmark struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Config    vfs.Configuration `yaml:"config"`
	Path      string            `yaml:"path"`
	CreatedAt time.Time         `yaml:"created_at"`
}

// Store keeps bookmarks in memory and writes the whole set back to its file
// after every change.
type Store struct {
	file   string
	logger *zap.Logger

	mu    sync.RWMutex
	byID  map[string]*Bookmark
	order []string
}

// Open loads the store at file. A missing file is an empty store.
func Open(file string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		file:   file,
		logger: logging.OrNop(logger).Named(Tag),
		byID:   make(map[string]*Bookmark),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.file)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.FromOS(err, "load", s.file)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var b Bookmark
		err := dec.Decode(&b)
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(errors.KindIOFailure, err, "malformed bookmark file").
				WithPath(s.file).WithComponent(Tag)
		}
		if b.ID == "" {
			b.ID = uuid.New().String()
		}
		if _, dup := s.byID[b.ID]; dup {
			s.logger.Warn("Skipping bookmark with duplicate id", zap.String("id", b.ID))
			continue
		}
		bm := b
		s.byID[b.ID] = &bm
		s.order = append(s.order, b.ID)
	}
	s.logger.Debug("Bookmarks loaded", logging.Path(s.file), zap.Int("count", len(s.order)))
	return nil
}

// save writes every bookmark to a temporary file and renames it over the
// store file.
func (s *Store) save() error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	for _, id := range s.order {
		if err := enc.Encode(s.byID[id]); err != nil {
			return errors.Wrap(errors.KindIOFailure, err, "failed to encode bookmark").WithComponent(Tag)
		}
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(errors.KindIOFailure, err, "failed to encode bookmarks").WithComponent(Tag)
	}

	if err := os.MkdirAll(filepath.Dir(s.file), 0750); err != nil {
		return errors.FromOS(err, "save", filepath.Dir(s.file))
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.file), ".bookmarks-*")
	if err != nil {
		return errors.FromOS(err, "save", s.file)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return errors.FromOS(err, "save", s.file)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return errors.FromOS(err, "save", s.file)
	}
	if err := tmp.Close(); err != nil {
		return errors.FromOS(err, "save", s.file)
	}
	if err := os.Rename(tmp.Name(), s.file); err != nil {
		return errors.FromOS(err, "save", s.file)
	}
	return nil
}

// ValidateName rejects names that could be mistaken for a location.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.New(errors.KindInvalidCall, "bookmark name cannot be empty").WithComponent(Tag)
	case strings.ContainsAny(name, "/:!\\ \t\r\n"):
		return errors.Newf(errors.KindInvalidCall, "bookmark name %q contains reserved characters", name).
			WithComponent(Tag)
	}
	return nil
}

// Add stores a bookmark for path on the host described by cfg. Names are
// unique.
func (s *Store) Add(name string, cfg vfs.Configuration, path string) (Bookmark, error) {
	if err := ValidateName(name); err != nil {
		return Bookmark{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Bookmark{}, err
	}
	p, err := vfs.Normalize(path)
	if err != nil {
		return Bookmark{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(name) != nil {
		return Bookmark{}, errors.Newf(errors.KindAlreadyExists, "bookmark %q already exists", name).WithComponent(Tag)
	}

	b := &Bookmark{
		ID:        uuid.New().String(),
		Name:      name,
		Config:    cfg,
		Path:      p,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	s.byID[b.ID] = b
	s.order = append(s.order, b.ID)
	if err := s.save(); err != nil {
		delete(s.byID, b.ID)
		s.order = s.order[:len(s.order)-1]
		return Bookmark{}, err
	}
	s.logger.Info("Bookmark added", zap.String("name", name), zap.String("location", cfg.Verbose()))
	return *b, nil
}

// Get returns the bookmark with the given name or id.
func (s *Store) Get(nameOrID string) (Bookmark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b := s.findLocked(nameOrID); b != nil {
		return *b, nil
	}
	return Bookmark{}, errors.Newf(errors.KindNotFound, "no bookmark %q", nameOrID).WithComponent(Tag)
}

// List returns the bookmarks sorted by name.
func (s *Store) List() []Bookmark {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Bookmark, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove deletes the bookmark with the given name or id.
func (s *Store) Remove(nameOrID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.findLocked(nameOrID)
	if b == nil {
		return errors.Newf(errors.KindNotFound, "no bookmark %q", nameOrID).WithComponent(Tag)
	}

	order := s.order
	s.order = make([]string, 0, len(order))
	for _, id := range order {
		if id != b.ID {
			s.order = append(s.order, id)
		}
	}
	delete(s.byID, b.ID)
	if err := s.save(); err != nil {
		s.byID[b.ID] = b
		s.order = order
		return err
	}
	s.logger.Info("Bookmark removed", zap.String("name", b.Name))
	return nil
}

func (s *Store) findLocked(nameOrID string) *Bookmark {
	if b, ok := s.byID[nameOrID]; ok {
		return b
	}
	for _, id := range s.order {
		if b := s.byID[id]; b.Name == nameOrID {
			return b
		}
	}
	return nil
}
