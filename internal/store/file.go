package store

import (
	"errors"
	"os"
	"path/filepath"
)

// FileStore keeps one file per key under a root directory.
// Writes go to a temporary file that is renamed into place, so a reader
// sees either the old value or the new one.
type FileStore struct {
	root string
}

// NewFile constructs a FileStore rooted at root. The directory will be created if needed.
func NewFile(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("store: root directory is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

func (f *FileStore) Load(key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (f *FileStore) Save(key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.root, "."+key+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, f.pathFor(key)); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

func (f *FileStore) pathFor(key string) string {
	return filepath.Join(f.root, key+".json")
}
