// Package track defines the core identifiers and metadata for playable content.
package track

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Ref is the canonical identifier for a piece of playable content.
// It wraps the canonical URL and is immutable; the cache and the download
// pipeline key everything off it.
type Ref string

// Key returns the stable cache key for the ref: a hex-encoded SHA-256 of the
// canonical URL, truncated to 32 characters. Safe for use as a filename.
func (r Ref) Key() string {
	sum := sha256.Sum256([]byte(r))
	return hex.EncodeToString(sum[:16])
}

// URL returns the canonical URL string.
func (r Ref) URL() string {
	return string(r)
}

// IsURL reports whether the raw input looks like a direct reference rather
// than a free-text search query.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Metadata describes a resolved track. Immutable after creation; a stale
// copy may be replaced wholesale by re-resolving the ref.
type Metadata struct {
	ID       string
	Title    string
	Artist   string
	Duration int // seconds; 0 = unknown
	URL      string
}

// Ref returns the canonical ref for the track.
func (m Metadata) Ref() Ref {
	return Ref(m.URL)
}

// String renders the track for logs and the command prompt.
func (m Metadata) String() string {
	title := m.Title
	if title == "" {
		title = m.URL
	}
	if m.Artist == "" {
		return fmt.Sprintf("%s [%s]", title, FormatDuration(m.Duration))
	}
	return fmt.Sprintf("%s - %s [%s]", title, m.Artist, FormatDuration(m.Duration))
}

// FormatDuration renders a duration in seconds as m:ss.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
