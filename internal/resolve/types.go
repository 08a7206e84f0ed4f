package resolve

import (
	"errors"

	"github.com/tapedeck/tapedeck/internal/track"
)

// Resolution errors. Both are recoverable: the UI shows a message and the
// queue position stays put.
var (
	// ErrNotFound means the reference matched no content.
	ErrNotFound = errors.New("no matching content found")

	// ErrExtraction means the reference was recognized but the service
	// rejected it, e.g. an access- or geo-restricted track.
	ErrExtraction = errors.New("extraction rejected by source")
)

// Resolved is the outcome of asking the extraction capability how to obtain
// a track's bytes. Exactly one of DirectStream, ManagedDownload or
// SearchResults; consumers switch exhaustively.
type Resolved interface {
	isResolved()
}

// DirectStream is content reachable with a plain byte-range-capable HTTP GET.
type DirectStream struct {
	URL  string
	Meta track.Metadata
}

// ManagedDownload is content the extraction tool must fetch itself: cookie
// or signature requirements, fragmented formats, post-processing.
type ManagedDownload struct {
	Meta track.Metadata
}

// SearchResults is the outcome of a free-text query; the caller lets the
// user pick an entry before resolving further.
type SearchResults struct {
	Tracks []track.Metadata
}

func (DirectStream) isResolved()    {}
func (ManagedDownload) isResolved() {}
func (SearchResults) isResolved()   {}
