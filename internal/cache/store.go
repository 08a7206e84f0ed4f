// Package cache provides a persistent, size-bounded store of fetched audio
// blobs with frequency/recency-aware eviction and pinning for in-use entries.
package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/tapedeck/tapedeck/internal/track"
)

const indexFile = "index.json"

// metadata mutations from lookups are flushed to disk every flushEvery hits;
// inserts, evictions and clears persist immediately. A crash loses at most
// the access counters since the last flush, never the index structure.
const flushEvery = 16

// Store is a disk-backed key→blob cache. All mutations are serialized behind
// a single mutex; the on-disk index is rewritten atomically.
type Store struct {
	dir      string
	capacity int64
	size     int64

	index map[string]*Entry

	mu        sync.Mutex
	closed    bool
	dirtyHits int
	stats     Stats
	logger    *log.Logger
}

// New opens (or creates) a cache store rooted at dir with the given capacity
// in bytes. A corrupt index is logged and rebuilt empty; orphan blobs left
// behind by a previous run are swept.
func New(dir string, capacity int64, logger *log.Logger) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &Store{
		dir:      dir,
		capacity: capacity,
		index:    make(map[string]*Entry),
		logger:   logger.WithPrefix("cache"),
	}
	s.stats.Capacity = capacity

	if err := s.loadIndex(); err != nil {
		// Never fatal: treat as empty and rebuild.
		s.logger.Warn("cache index unreadable, starting empty", "error", err)
		s.index = make(map[string]*Entry)
	}
	s.pruneMissing()
	s.sweepOrphans()
	s.recomputeSize()

	s.logger.Debug("cache opened",
		"entries", len(s.index),
		"size", humanize.Bytes(uint64(s.size)),
		"capacity", humanize.Bytes(uint64(capacity)))
	return s, nil
}

// Lookup returns the blob path for ref if cached. A hit bumps the entry's
// access metadata. If the indexed file has been removed externally the stale
// entry is purged and the lookup misses.
func (s *Store) Lookup(ref track.Ref) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", false
	}

	entry, ok := s.index[ref.Key()]
	if !ok {
		s.stats.Misses++
		return "", false
	}

	if _, err := os.Stat(entry.FilePath); err != nil {
		// Blob vanished out from under the index.
		s.logger.Debug("purging stale entry", "key", entry.Key)
		s.size -= entry.SizeBytes
		delete(s.index, entry.Key)
		s.persistLocked()
		s.stats.Misses++
		return "", false
	}

	entry.LastAccess = time.Now()
	entry.AccessCount++
	s.stats.Hits++

	s.dirtyHits++
	if s.dirtyHits >= flushEvery {
		s.persistLocked()
	}

	return entry.FilePath, true
}

// Contains reports whether ref is cached without touching its access
// metadata. The blob is not re-verified on disk; Lookup does that.
func (s *Store) Contains(ref track.Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[ref.Key()]
	return ok
}

// Insert moves sourceFile into the cache under ref's key, evicting as needed,
// and returns the new blob path. Returns ErrCapacity when the blob can never
// fit; a *WriteError is returned (and the partial blob removed) on storage
// failure.
func (s *Store) Insert(ref track.Ref, sourceFile string, sizeBytes int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if sizeBytes > s.capacity {
		return "", fmt.Errorf("%w: %s > %s", ErrCapacity,
			humanize.Bytes(uint64(sizeBytes)), humanize.Bytes(uint64(s.capacity)))
	}

	key := ref.Key()
	if old, ok := s.index[key]; ok {
		// Re-insert replaces the previous blob.
		os.Remove(old.FilePath)
		s.size -= old.SizeBytes
		delete(s.index, key)
	}

	s.makeRoom(sizeBytes)

	dest := filepath.Join(s.dir, key+filepath.Ext(sourceFile))
	if err := moveFile(sourceFile, dest); err != nil {
		os.Remove(dest)
		return "", &WriteError{Path: dest, Err: err}
	}

	s.index[key] = &Entry{
		Key:         key,
		FilePath:    dest,
		SizeBytes:   sizeBytes,
		LastAccess:  time.Now(),
		AccessCount: 0,
	}
	s.size += sizeBytes
	s.persistLocked()

	s.logger.Debug("cached",
		"key", key,
		"size", humanize.Bytes(uint64(sizeBytes)),
		"total", humanize.Bytes(uint64(s.size)))
	return dest, nil
}

// Pin marks ref's entry as in use by an open playback handle, excluding it
// from eviction. Pins nest; each Pin needs a matching Unpin.
func (s *Store) Pin(ref track.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.index[ref.Key()]; ok {
		entry.pins++
	}
}

// Unpin releases a pin taken by Pin. Unpinning an evicted or unknown entry
// is a no-op.
func (s *Store) Unpin(ref track.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.index[ref.Key()]; ok && entry.pins > 0 {
		entry.pins--
	}
}

// Clear removes all blobs and resets the index.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	for _, entry := range s.index {
		os.Remove(entry.FilePath)
	}
	s.index = make(map[string]*Entry)
	s.size = 0
	return s.persistLocked()
}

// Size returns the current total blob size in bytes.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Stats returns a snapshot of the cache counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Size = s.size
	stats.ItemCount = len(s.index)
	return stats
}

// Sync flushes any batched metadata mutations to disk.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.persistLocked()
}

// Close flushes the index and marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.persistLocked()
	s.closed = true
	return err
}

// persistLocked rewrites the index atomically. Callers hold s.mu.
func (s *Store) persistLocked() error {
	entries := make([]*Entry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	s.dirtyHits = 0
	return nil
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		if e.Key != "" && e.FilePath != "" {
			s.index[e.Key] = e
		}
	}
	return nil
}

// pruneMissing drops index entries whose blobs no longer exist on disk.
func (s *Store) pruneMissing() {
	for key, entry := range s.index {
		if _, err := os.Stat(entry.FilePath); err != nil {
			delete(s.index, key)
		}
	}
}

// sweepOrphans removes blob files the index does not reference, typically
// left behind by a crash between blob write and index flush.
func (s *Store) sweepOrphans() {
	referenced := make(map[string]bool, len(s.index))
	for _, entry := range s.index {
		referenced[filepath.Base(entry.FilePath)] = true
	}

	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || name == indexFile || referenced[name] {
			continue
		}
		s.logger.Debug("sweeping orphan blob", "file", name)
		os.Remove(filepath.Join(s.dir, name))
	}
}

func (s *Store) recomputeSize() {
	s.size = 0
	for _, entry := range s.index {
		s.size += entry.SizeBytes
	}
}

// moveFile renames src to dest, falling back to copy+remove when the rename
// crosses filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	os.Remove(src)
	return nil
}
