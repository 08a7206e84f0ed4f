// Package resolve turns user input (a track URL, a playlist URL or a
// free-text query) into instructions for obtaining playable bytes, using an
// external extraction tool as the source of truth.
package resolve

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/tapedeck/tapedeck/internal/track"
)

// Resolver resolves track references through an Extractor.
type Resolver struct {
	extractor   Extractor
	searchLimit int
	logger      *log.Logger
}

// NewResolver builds a Resolver. searchLimit caps free-text search results.
func NewResolver(extractor Extractor, searchLimit int, logger *log.Logger) *Resolver {
	if searchLimit <= 0 {
		searchLimit = 25
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		extractor:   extractor,
		searchLimit: searchLimit,
		logger:      logger.WithPrefix("resolve"),
	}
}

// Resolve maps query to one of the Resolved variants. URLs are probed
// directly; playlist URLs expand into SearchResults of their entries; any
// other input becomes a search.
func (r *Resolver) Resolve(ctx context.Context, query string) (Resolved, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrNotFound)
	}

	if !track.IsURL(query) {
		return r.search(ctx, query)
	}

	info, err := r.extractor.Probe(ctx, query)
	if err != nil {
		return nil, err
	}

	// A playlist: hand the entries back for the caller to queue.
	if len(info.Entries) > 0 {
		tracks := metadataList(info.Entries)
		if len(tracks) == 0 {
			return nil, fmt.Errorf("%w: playlist has no playable entries", ErrNotFound)
		}
		r.logger.Debug("expanded playlist", "url", query, "entries", len(tracks))
		return SearchResults{Tracks: tracks}, nil
	}

	meta := metadata(info)
	if meta.URL == "" {
		meta.URL = query
	}

	// A media URL over plain HTTP can be streamed straight off; anything
	// fragment- or signature-based goes through the managed path.
	if info.URL != "" && streamableProtocol(info.Protocol) {
		r.logger.Debug("resolved direct stream", "url", query)
		return DirectStream{URL: info.URL, Meta: meta}, nil
	}

	r.logger.Debug("resolved managed download", "url", query)
	return ManagedDownload{Meta: meta}, nil
}

func (r *Resolver) search(ctx context.Context, query string) (Resolved, error) {
	entries, err := r.extractor.Search(ctx, query, r.searchLimit)
	if err != nil {
		return nil, err
	}
	tracks := metadataList(entries)
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, query)
	}
	r.logger.Debug("search complete", "query", query, "results", len(tracks))
	return SearchResults{Tracks: tracks}, nil
}

// streamableProtocol reports whether the tool-advertised protocol is a plain
// byte-range-capable HTTP transfer.
func streamableProtocol(protocol string) bool {
	switch protocol {
	case "", "http", "https":
		return true
	default:
		return false
	}
}

// metadata builds track metadata from tool output, defaulting missing
// fields rather than failing.
func metadata(info *Info) track.Metadata {
	url := info.WebpageURL
	if url == "" {
		url = info.URL
	}
	title := info.Title
	if title == "" {
		title = url
	}
	return track.Metadata{
		ID:       info.ID,
		Title:    title,
		Artist:   info.Uploader,
		Duration: int(info.Duration),
		URL:      url,
	}
}

func metadataList(entries []*Info) []track.Metadata {
	tracks := make([]track.Metadata, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		m := metadata(e)
		if m.URL == "" {
			continue
		}
		tracks = append(tracks, m)
	}
	return tracks
}
