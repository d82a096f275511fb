package durable

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// FSStore is a filesystem-backed Store used for tests and single-host
// deployments. Versions are content hashes. Compare-and-swap writes are
// serialized through a file lock so that multiple processes sharing the same
// root still observe atomic conditional updates.
type FSStore struct {
	root string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFSStore creates a filesystem store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FSStore{
		root: dir,
		lock: flock.New(filepath.Join(dir, ".store.lock")),
	}, nil
}

func contentVersion(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Get retrieves an object and its content-hash version.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read object %s: %w", key, err)
	}
	return data, contentVersion(data), nil
}

// Put writes an object unconditionally via a temp file and rename.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeObject(key, data); err != nil {
		return "", err
	}
	return contentVersion(data), nil
}

// CompareAndPut writes an object only if its current version matches expect.
// The check-then-write runs under an exclusive file lock so it is atomic
// across processes sharing the same root.
func (s *FSStore) CompareAndPut(ctx context.Context, key string, data []byte, expect string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return "", fmt.Errorf("lock store: %w", err)
	}
	defer s.lock.Unlock()

	_, current, err := s.Get(ctx, key)
	switch {
	case err == nil:
		if expect == VersionAbsent {
			return "", ErrAlreadyExists
		}
		if current != expect {
			return "", ErrVersionMismatch
		}
	case err == ErrNotFound:
		if expect != VersionAbsent {
			return "", ErrVersionMismatch
		}
	default:
		return "", err
	}

	if err := s.writeObject(key, data); err != nil {
		return "", err
	}
	return contentVersion(data), nil
}

// Delete removes an object. Missing objects are ignored.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// List returns all keys under prefix, sorted lexically.
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if key == ".store.lock" || strings.HasSuffix(key, ".tmp") {
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FSStore) writeObject(key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp object: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename object %s: %w", key, err)
	}
	return nil
}
