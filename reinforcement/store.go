package reinforcement

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Store persists opaque model blobs by key.
type Store interface {
	// Load returns ErrNoModel when key was never saved.
	Load(key string) ([]byte, error)
	Save(key string, blob []byte) error
}

// ModelKey is the blob key of an agent kind for a game: "<kind>_<game>.yaml".
func ModelKey(kind Kind, game string) string {
	return fmt.Sprintf("%s_%s.yaml", kind, game)
}

// FileStore keeps one file per key under a directory of an afero filesystem.
type FileStore struct {
	fs  afero.Fs
	dir string
}

// NewFileStore returns a store rooted at dir. Use afero.NewOsFs() for disk, or
// afero.NewMemMapFs() in tests.
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fs, dir: dir}
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, filepath.Base(key))
}

func (s *FileStore) Load(key string) ([]byte, error) {
	blob, err := afero.ReadFile(s.fs, s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoModel, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return blob, nil
}

// Save writes to a temp file then renames it over the old blob, so a reader never
// sees a partial model.
func (s *FileStore) Save(key string, blob []byte) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	final := s.path(key)
	tmp := final + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, blob, 0o644); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// loadYaml reads key from store and decodes it into out.
func loadYaml(store Store, key string, out interface{}) error {
	blob, err := store.Load(key)
	if err != nil {
		return err
	}
	if err = yaml.Unmarshal(blob, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrModelMismatch, key, err)
	}
	return nil
}

func saveYaml(store Store, key string, in interface{}) error {
	blob, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Save(key, blob)
}
