package certs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/perbu/harreplay/pkg/topology"
)

// DiskStore keeps pairs as <dir>/<ip>_<port>.key and <dir>/<ip>_<port>.cert.
type DiskStore struct {
	dir string
}

// NewDiskStore creates dir if needed and returns a store rooted there.
func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("certificate directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating certificate directory: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) paths(id topology.Identity) (keyPath, certPath string) {
	stem := filepath.Join(s.dir, fileStem(id))
	return stem + ".key", stem + ".cert"
}

// Get returns ErrNotFound unless both files exist.
func (s *DiskStore) Get(_ context.Context, id topology.Identity) (*KeyPair, error) {
	keyPath, certPath := s.paths(id)
	key, err := os.ReadFile(keyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading key for %s: %w", id, err)
	}
	cert, err := os.ReadFile(certPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading certificate for %s: %w", id, err)
	}
	return &KeyPair{Key: key, Cert: cert}, nil
}

// Put writes both files through a temporary file and rename so a reader
// never sees a partial file. The certificate is written last.
func (s *DiskStore) Put(_ context.Context, id topology.Identity, kp *KeyPair) error {
	keyPath, certPath := s.paths(id)
	if err := writeFileAtomic(keyPath, kp.Key, 0o600); err != nil {
		return fmt.Errorf("writing key for %s: %w", id, err)
	}
	if err := writeFileAtomic(certPath, kp.Cert, 0o644); err != nil {
		return fmt.Errorf("writing certificate for %s: %w", id, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
