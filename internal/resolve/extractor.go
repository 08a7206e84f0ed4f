package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// Info is the loosely typed record the extraction tool reports for one piece
// of content. Unknown or missing fields stay at their zero values; nothing
// here is allowed to crash the pipeline.
type Info struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Uploader   string  `json:"uploader"`
	Duration   float64 `json:"duration"`
	WebpageURL string  `json:"webpage_url"`
	URL        string  `json:"url"`
	Protocol   string  `json:"protocol"`
	Entries    []*Info `json:"entries"`
}

// Extractor is the external extraction capability: probe a reference for
// metadata, search free text, or perform a full managed download.
type Extractor interface {
	// Probe resolves a URL to its info (playlists come back with Entries)
	// without downloading anything.
	Probe(ctx context.Context, url string) (*Info, error)

	// Search runs a free-text search and returns up to limit entries.
	Search(ctx context.Context, query string, limit int) ([]*Info, error)

	// Download materializes the content behind url as a playable audio
	// file under dir and returns its path. progress may be nil.
	Download(ctx context.Context, url, dir string, progress func(done, total int64)) (string, error)
}

// YTDLP is the yt-dlp-backed Extractor.
type YTDLP struct {
	// ProbeTimeout bounds metadata extraction; downloads run under the
	// caller's context only.
	ProbeTimeout time.Duration
}

// NewYTDLP returns an Extractor backed by the yt-dlp tool with a default
// probe timeout.
func NewYTDLP() *YTDLP {
	return &YTDLP{ProbeTimeout: 60 * time.Second}
}

// Probe implements Extractor. A geo-restricted rejection is retried exactly
// once with the tool's geo bypass before the error surfaces.
func (y *YTDLP) Probe(ctx context.Context, url string) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, y.ProbeTimeout)
	defer cancel()

	return geoFallback(func(bypass bool) (*Info, error) {
		cmd := ytdlp.New().
			DumpSingleJSON().
			SkipDownload().
			NoWarnings()
		if bypass {
			cmd = cmd.GeoBypass()
		}

		result, err := cmd.Run(ctx, url)
		if err != nil {
			return nil, classify(err)
		}
		return parseInfo(result.Stdout)
	})
}

// Search implements Extractor using yt-dlp's search pseudo-URL scheme.
func (y *YTDLP) Search(ctx context.Context, query string, limit int) ([]*Info, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := context.WithTimeout(ctx, y.ProbeTimeout)
	defer cancel()

	cmd := ytdlp.New().
		DumpSingleJSON().
		SkipDownload().
		FlatPlaylist().
		NoWarnings()

	result, err := cmd.Run(ctx, fmt.Sprintf("ytsearch%d:%s", limit, query))
	if err != nil {
		return nil, classify(err)
	}
	info, err := parseInfo(result.Stdout)
	if err != nil {
		return nil, err
	}
	return info.Entries, nil
}

// Download implements Extractor. The tool handles signed URLs, fragment
// assembly and conversion to a normalized playable codec. Like Probe, a
// geo-restricted rejection gets one retry with geo bypass.
func (y *YTDLP) Download(ctx context.Context, url, dir string, progress func(done, total int64)) (string, error) {
	return geoFallback(func(bypass bool) (string, error) {
		return y.download(ctx, url, dir, progress, bypass)
	})
}

func (y *YTDLP) download(ctx context.Context, url, dir string, progress func(done, total int64), bypass bool) (string, error) {
	cmd := ytdlp.New().
		ExtractAudio().
		AudioFormat("mp3").
		ForceOverwrites().
		RestrictFilenames().
		NoWarnings().
		Output(filepath.Join(dir, "%(id)s.%(ext)s"))
	if bypass {
		cmd = cmd.GeoBypass()
	}

	if progress != nil {
		cmd = cmd.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
			progress(int64(update.DownloadedBytes), int64(update.TotalBytes))
		})
	}

	result, err := cmd.Run(ctx, url)
	if err != nil {
		return "", classify(err)
	}

	// Prefer the filename the tool reports.
	if info, err := result.GetExtractedInfo(); err == nil {
		for _, i := range info {
			if i.Filename != nil && *i.Filename != "" {
				if path := locateOutput(dir, *i.Filename); path != "" {
					return path, nil
				}
			}
		}
	}

	// The reported name can lag behind post-processing (.webm probed,
	// .mp3 written). Fall back to the newest file in the output dir.
	if path := newestFile(dir); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("%w: tool produced no output file", ErrExtraction)
}

// locateOutput maps a reported filename to an existing file, trying the
// post-processed audio extension when the original is gone.
func locateOutput(dir, reported string) string {
	if _, err := os.Stat(reported); err == nil {
		return reported
	}
	base := strings.TrimSuffix(filepath.Base(reported), filepath.Ext(reported))
	converted := filepath.Join(dir, base+".mp3")
	if _, err := os.Stat(converted); err == nil {
		return converted
	}
	return ""
}

func newestFile(dir string) string {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var files []candidate
	for _, d := range dirents {
		if d.IsDir() || strings.HasSuffix(d.Name(), ".part") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{filepath.Join(dir, d.Name()), info.ModTime()})
	}
	if len(files) == 0 {
		return ""
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	return files[0].path
}

func parseInfo(stdout string) (*Info, error) {
	var info Info
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		return nil, fmt.Errorf("%w: unreadable tool output", ErrExtraction)
	}
	return &info, nil
}

// geoFallback runs an extraction attempt and, when it fails with a
// geo-restriction, retries exactly once with the tool's geo bypass. Any
// other failure, and a failed bypass attempt, surface unchanged.
func geoFallback[T any](run func(bypass bool) (T, error)) (T, error) {
	out, err := run(false)
	if err != nil && geoRestricted(err) {
		return run(true)
	}
	return out, err
}

// geoRestricted reports whether the tool rejected the reference for the
// client's location, based on the messages yt-dlp emits.
func geoRestricted(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "geo") ||
		strings.Contains(msg, "your country") ||
		strings.Contains(msg, "your location") ||
		strings.Contains(msg, "not available in")
}

// classify maps tool failures onto the resolution error taxonomy based on
// the messages yt-dlp emits.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "404") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "unsupported url"):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %s", ErrExtraction, err)
	}
}
