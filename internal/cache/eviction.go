package cache

import (
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
)

// makeRoom evicts unpinned entries until requiredBytes fits within capacity.
// Victims are ordered by descending staleness-per-popularity score, ties
// broken toward the older LastAccess. When every remaining entry is pinned
// the insert proceeds anyway and the cache transiently exceeds capacity by
// at most requiredBytes. Callers hold s.mu.
func (s *Store) makeRoom(requiredBytes int64) {
	if s.size+requiredBytes <= s.capacity {
		return
	}

	now := time.Now()
	candidates := make([]*Entry, 0, len(s.index))
	for _, entry := range s.index {
		if entry.pins == 0 {
			candidates = append(candidates, entry)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].score(now), candidates[j].score(now)
		if si != sj {
			return si > sj
		}
		return candidates[i].LastAccess.Before(candidates[j].LastAccess)
	})

	for _, victim := range candidates {
		if s.size+requiredBytes <= s.capacity {
			break
		}
		s.evict(victim)
	}

	if s.size+requiredBytes > s.capacity {
		s.logger.Warn("no evictable entries, capacity will be exceeded",
			"required", humanize.Bytes(uint64(requiredBytes)),
			"size", humanize.Bytes(uint64(s.size)))
	}
}

// evict removes one entry and its blob. Callers hold s.mu and persist the
// index afterwards.
func (s *Store) evict(entry *Entry) {
	os.Remove(entry.FilePath)
	s.size -= entry.SizeBytes
	delete(s.index, entry.Key)
	s.stats.Evictions++
	s.stats.LastEvict = time.Now()
	s.logger.Debug("evicted",
		"key", entry.Key,
		"size", humanize.Bytes(uint64(entry.SizeBytes)),
		"hits", entry.AccessCount)
}
