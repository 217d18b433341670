// Package cache is the on-disk store for last-known-good manifests.
//
// Entries live in a single flat directory, one body file and one
// metadata file per key, both named by the key's digest. Entries are
// overwritten in place on every successful fetch and never evicted:
// availability-over-freshness is the intended guarantee, and cleanup
// is a manual operation.
package cache

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/subforge/subforge/internal/domain"
)

// Key identifies a cache entry. It is a stable digest of the source
// URL, so one source always maps to exactly one entry.
type Key string

// KeyFor derives the cache key for a source URL.
func KeyFor(url string) Key {
	sum := blake3.Sum256([]byte(url))
	return Key(hex.EncodeToString(sum[:]))
}

// Entry is a stored manifest body plus the response metadata captured
// when it was fetched.
type Entry struct {
	Key       Key
	Body      []byte
	Metadata  map[string]string
	WrittenAt time.Time
}

// Store reads and writes cache entries under a single directory.
//
// There is no locking between a Put and a concurrent Get for the same
// key: last writer wins, and a reader may observe the old body with
// new metadata or vice versa, but never a torn file, because each file
// is replaced with an atomic rename.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore opens (creating if needed) the cache directory.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the cache directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the entry for key, or nil when no entry exists.
//
// A body file without a metadata file is returned with empty metadata;
// the degradation is logged, not failed. A metadata file that cannot
// be decoded is a terminal cache corruption.
func (s *Store) Get(key Key) (*Entry, error) {
	body, err := os.ReadFile(s.bodyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache body: %w", err)
	}

	entry := &Entry{Key: key, Body: body, Metadata: map[string]string{}}
	if info, err := os.Stat(s.bodyPath(key)); err == nil {
		entry.WrittenAt = info.ModTime()
	}

	metaRaw, err := os.ReadFile(s.metaPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("cache entry has no metadata, serving body only",
			slog.String("key", string(key)))
		return entry, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache metadata: %w", err)
	}
	if err := json.Unmarshal(metaRaw, &entry.Metadata); err != nil {
		return nil, domain.ErrCacheCorrupt("cached metadata is not valid JSON", err)
	}
	return entry, nil
}

// Put overwrites the entry for key. The body and metadata are written
// as two independent atomic files with no cross-file transaction.
func (s *Store) Put(key Key, body []byte, metadata map[string]string) error {
	if err := s.writeAtomic(s.bodyPath(key), body); err != nil {
		return fmt.Errorf("failed to write cache body: %w", err)
	}
	metaRaw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode cache metadata: %w", err)
	}
	if err := s.writeAtomic(s.metaPath(key), metaRaw); err != nil {
		return fmt.Errorf("failed to write cache metadata: %w", err)
	}
	return nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) bodyPath(key Key) string {
	return filepath.Join(s.dir, string(key)+".body")
}

func (s *Store) metaPath(key Key) string {
	return filepath.Join(s.dir, string(key)+".meta")
}
