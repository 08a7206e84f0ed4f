package cache

import (
	"errors"
	"time"
)

// Common errors for cache operations.
var (
	// ErrCapacity is returned when a blob is larger than the cache can
	// ever hold. The caller must fall back to an uncached path.
	ErrCapacity = errors.New("content exceeds cache capacity")

	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("cache store is closed")
)

// WriteError wraps a local storage failure during insert. The fetch pipeline
// absorbs it: bytes are still served from the scratch path.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return "cache write failed: " + e.Err.Error()
}

func (e *WriteError) Unwrap() error { return e.Err }

// Entry is the index record for one cached blob. Owned exclusively by Store;
// LastAccess and AccessCount mutate on every hit.
type Entry struct {
	Key         string    `json:"key"`
	FilePath    string    `json:"path"`
	SizeBytes   int64     `json:"size"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int64     `json:"access_count"`

	// pins counts open playback handles. A pinned entry is never an
	// eviction candidate. Not persisted: pins do not survive a restart.
	pins int
}

// score computes the eviction priority as staleness relative to popularity:
// seconds since last access divided by (accessCount+1). Higher means staler
// per unit of popularity and is evicted first.
func (e *Entry) score(now time.Time) float64 {
	return now.Sub(e.LastAccess).Seconds() / float64(e.AccessCount+1)
}

// Stats holds cache performance counters.
type Stats struct {
	Capacity  int64
	Size      int64
	ItemCount int
	Hits      int64
	Misses    int64
	Evictions int64
	LastEvict time.Time
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
