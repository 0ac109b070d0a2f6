package storage

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const recordExt = ".json"

// record is the on-disk layout of a single key.
type record struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// KeyHash returns the hex md5 digest of key. It names the file holding the
// key and is stable across processes.
func KeyHash(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// FileStore implements Store with one JSON file per key inside a directory.
// Values must be valid JSON documents; they are stored verbatim next to the
// original key so the directory can be listed without an index.
//
// Writes go through a temporary file and a rename so a reader never observes
// a partially written record.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

// NewFileStore opens (and creates if needed) a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("missing or empty data directory")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create %q: %w", dir, err)
	}

	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, KeyHash(key)+recordExt)
}

// Get reads the value stored under key.
func (s *FileStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.readRecord(s.path(key))
	if err != nil {
		return nil, err
	}

	return []byte(rec.Value), nil
}

// Put writes value under key, replacing any previous value.
func (s *FileStore) Put(key string, value []byte) error {
	data, err := json.Marshal(record{Key: key, Value: json.RawMessage(value)})
	if err != nil {
		return fmt.Errorf("cannot encode record for %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cannot create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cannot write %q: %w", tmpPath, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cannot sync %q: %w", tmpPath, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cannot close %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cannot rename %q: %w", tmpPath, err)
	}

	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cannot delete %q: %w", key, err)
	}

	return nil
}

// Exists reports whether a record exists for key.
func (s *FileStore) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.path(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("cannot stat %q: %w", key, err)
	}
}

// List returns the keys of every readable record. Unreadable files are
// skipped.
func (s *FileStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	s.walk(func(rec *record) {
		keys = append(keys, rec.Key)
	})

	return keys
}

// Stats counts records and the size of their values.
func (s *FileStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats StoreStats
	s.walk(func(rec *record) {
		stats.Keys++
		stats.Bytes += len(rec.Value)
	})

	return stats
}

func (s *FileStore) walk(fn func(*record)) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}

		rec, err := s.readRecord(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}

		fn(rec)
	}
}

func (s *FileStore) readRecord(path string) (*record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("cannot read %q: %w", path, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("cannot decode %q: %w", path, err)
	}

	return &rec, nil
}
