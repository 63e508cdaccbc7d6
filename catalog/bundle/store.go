package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/xraph/jobboard"
)

// Pattern matches bundle blob names.
const Pattern = "*.{tar.gz,tgz}"

// Store keeps bundles by item and version.
//
// Get and Delete return an error wrapping jobboard.ErrBundleNotFound when
// no bundle exists.
type Store interface {
	Put(ctx context.Context, itemID, version string, data []byte) (Object, error)
	Get(ctx context.Context, itemID, version string) ([]byte, error)
	Delete(ctx context.Context, itemID, version string) error

	// List returns the names of every stored bundle, sorted.
	List(ctx context.Context) ([]string, error)

	// Open reads a bundle by its List name.
	Open(ctx context.Context, name string) ([]byte, error)

	// URI locates a bundle by its List name.
	URI(name string) string
}

var _ Store = (*FSStore)(nil)

// FSStore keeps bundles as files in one directory. Writes are atomic.
type FSStore struct {
	dir string
}

// NewFSStore returns a store rooted at dir. The directory is created on
// first write.
func NewFSStore(dir string) *FSStore {
	return &FSStore{dir: dir}
}

// Dir returns the bundle directory.
func (s *FSStore) Dir() string { return s.dir }

// Path returns the file path of itemID@version.
func (s *FSStore) Path(itemID, version string) string {
	return filepath.Join(s.dir, Key(itemID, version))
}

// Put writes the bundle atomically and returns its description.
func (s *FSStore) Put(_ context.Context, itemID, version string, data []byte) (Object, error) {
	p := s.Path(itemID, version)
	if err := WriteFileAtomic(p, data, 0o644); err != nil {
		return Object{}, fmt.Errorf("jobboard/bundle: write %s: %w", p, err)
	}
	return Describe(Key(itemID, version), s.URI(Key(itemID, version)), data), nil
}

// URI returns the file:// URI of a bundle.
func (s *FSStore) URI(name string) string {
	p := filepath.Join(s.dir, filepath.Base(name))
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return "file://" + filepath.ToSlash(p)
}

// Get reads the bundle of itemID@version.
func (s *FSStore) Get(ctx context.Context, itemID, version string) ([]byte, error) {
	return s.Open(ctx, Key(itemID, version))
}

// Open reads a bundle by file name.
func (s *FSStore) Open(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("jobboard/bundle: %s: %w", name, jobboard.ErrBundleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("jobboard/bundle: read %s: %w", name, err)
	}
	return data, nil
}

// Delete removes the bundle file.
func (s *FSStore) Delete(_ context.Context, itemID, version string) error {
	p := s.Path(itemID, version)
	err := os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("jobboard/bundle: %s: %w", Key(itemID, version), jobboard.ErrBundleNotFound)
	}
	if err != nil {
		return fmt.Errorf("jobboard/bundle: remove %s: %w", p, err)
	}
	return nil
}

// List returns the bundle file names in the directory. A missing
// directory holds no bundles.
func (s *FSStore) List(_ context.Context) ([]string, error) {
	if _, err := os.Stat(s.dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	names, err := doublestar.Glob(os.DirFS(s.dir), Pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("jobboard/bundle: list %s: %w", s.dir, err)
	}
	sort.Strings(names)
	return names, nil
}
