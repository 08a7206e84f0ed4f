// Package history keeps a small on-disk record of played tracks. The file is
// a JSON list ordered most-recent-first, deduplicated by URL and capped so it
// cannot grow without bound.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tapedeck/tapedeck/internal/track"
)

// maxEntries caps the history file length. Older entries fall off the end.
const maxEntries = 500

// Entry is one played track.
type Entry struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Artist   string    `json:"artist"`
	URL      string    `json:"url"`
	PlayedAt time.Time `json:"ts"`
}

// Metadata converts the entry back into playable track metadata. Duration is
// unknown until the ref is re-resolved.
func (e Entry) Metadata() track.Metadata {
	return track.Metadata{
		ID:     e.ID,
		Title:  e.Title,
		Artist: e.Artist,
		URL:    e.URL,
	}
}

// File is a history file. All methods are safe for concurrent use.
type File struct {
	path   string
	logger *log.Logger

	mu      sync.Mutex
	entries []Entry
}

// Open loads the history at path, creating parent directories as needed.
// A missing or corrupt file starts an empty history rather than failing;
// the previous content is not worth refusing playback over.
func Open(path string, logger *log.Logger) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	f := &File{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("could not read history, starting empty", "path", path, "error", err)
		}
		return f, nil
	}
	if err := json.Unmarshal(data, &f.entries); err != nil {
		logger.Warn("corrupt history, starting empty", "path", path, "error", err)
		f.entries = nil
	}
	if len(f.entries) > maxEntries {
		f.entries = f.entries[:maxEntries]
	}
	return f, nil
}

// Append records meta as the most recent entry. An existing entry with the
// same URL moves to the front instead of duplicating.
func (f *File) Append(meta track.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.URL != meta.URL {
			kept = append(kept, e)
		}
	}
	f.entries = append([]Entry{{
		ID:       meta.ID,
		Title:    meta.Title,
		Artist:   meta.Artist,
		URL:      meta.URL,
		PlayedAt: time.Now().UTC(),
	}}, kept...)

	if len(f.entries) > maxEntries {
		f.entries = f.entries[:maxEntries]
	}

	return f.persistLocked()
}

// Entries returns a copy of the history, most recent first.
func (f *File) Entries() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out
}

// Len returns the number of recorded entries.
func (f *File) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// persistLocked writes the history atomically via a temp file and rename.
func (f *File) persistLocked() error {
	data, err := json.MarshalIndent(f.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace history: %w", err)
	}
	return nil
}
