// Package fetch turns a track reference into a local audio file: cache
// first, then a direct HTTP stream copy, then a managed download through the
// extraction tool, with in-flight requests deduplicated by ref.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tapedeck/tapedeck/internal/cache"
	"github.com/tapedeck/tapedeck/internal/resolve"
	"github.com/tapedeck/tapedeck/internal/track"
)

// chunkSize is the direct-stream copy unit; cancellation and progress are
// checked at each chunk boundary.
const chunkSize = 64 * 1024

// Resolver is the slice of the resolution layer the orchestrator needs.
type Resolver interface {
	Resolve(ctx context.Context, query string) (resolve.Resolved, error)
}

// Downloader is the managed-download side of the extraction capability.
type Downloader interface {
	Download(ctx context.Context, url, dir string, progress func(done, total int64)) (string, error)
}

// ProgressFunc receives download accounting for a ref. total is 0 when the
// source did not report a length.
type ProgressFunc func(ref track.Ref, done, total int64)

// Orchestrator coordinates resolution, transfer and caching for track
// fetches.
type Orchestrator struct {
	cache      *cache.Store
	resolver   Resolver
	downloader Downloader
	scratch    string
	client     *http.Client
	onProgress ProgressFunc
	logger     *log.Logger

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// flight tracks the waiters on one in-progress fetch so the underlying work
// is cancelled only when every interested caller has gone away.
type flight struct {
	ctx     context.Context
	waiters int
	cancel  context.CancelFunc
}

// Options configures an Orchestrator.
type Options struct {
	Cache      *cache.Store
	Resolver   Resolver
	Downloader Downloader
	ScratchDir string
	HTTPClient *http.Client // nil uses a client with sane timeouts
	OnProgress ProgressFunc // nil disables progress reporting
	Logger     *log.Logger
}

// New builds an Orchestrator. The scratch directory is created if absent and
// emptied on Close.
func New(opts Options) (*Orchestrator, error) {
	if opts.Cache == nil || opts.Resolver == nil || opts.Downloader == nil {
		return nil, fmt.Errorf("fetch: cache, resolver and downloader are required")
	}
	if err := os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		cache:      opts.Cache,
		resolver:   opts.Resolver,
		downloader: opts.Downloader,
		scratch:    opts.ScratchDir,
		client:     client,
		onProgress: opts.OnProgress,
		logger:     logger.WithPrefix("fetch"),
		flights:    make(map[string]*flight),
	}, nil
}

// Fetch returns a local file holding ref's audio bytes. Cache hits return
// immediately; otherwise concurrent calls for the same ref share one
// download. Abandoning callers detach without killing a flight that other
// callers still wait on.
func (o *Orchestrator) Fetch(ctx context.Context, ref track.Ref) (string, error) {
	if path, ok := o.cache.Lookup(ref); ok {
		return path, nil
	}

	key := ref.Key()
	fl := o.joinFlight(key)

	ch := o.group.DoChan(key, func() (interface{}, error) {
		defer o.endFlight(key)
		return o.fetchSlow(fl.ctx, ref)
	})

	select {
	case res := <-ch:
		o.leaveFlight(key, fl)
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		o.leaveFlight(key, fl)
		return "", ctx.Err()
	}
}

// joinFlight registers a waiter for key, creating the shared flight context
// on first join. The returned flight identifies which incarnation the caller
// joined; leaveFlight needs it back.
func (o *Orchestrator) joinFlight(key string) *flight {
	o.mu.Lock()
	defer o.mu.Unlock()
	fl, ok := o.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		fl = &flight{ctx: ctx, cancel: cancel}
		o.flights[key] = fl
	}
	fl.waiters++
	return fl
}

// leaveFlight drops one waiter from the flight the caller joined; the last
// departing waiter cancels the underlying work and forgets the key so a later
// Fetch starts fresh. A completed flight (endFlight already ran) or a
// successor flight under the same key is left alone: without the identity
// check a waiter draining after completion could cancel a fresh flight that
// reused its key.
func (o *Orchestrator) leaveFlight(key string, fl *flight) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flights[key] != fl {
		return
	}
	fl.waiters--
	if fl.waiters <= 0 {
		fl.cancel()
		delete(o.flights, key)
		o.group.Forget(key)
	}
}

// endFlight releases the flight bookkeeping once the work function returns.
func (o *Orchestrator) endFlight(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if fl, ok := o.flights[key]; ok {
		fl.cancel()
		delete(o.flights, key)
	}
	o.group.Forget(key)
}

// fetchSlow is the cache-miss path: resolve, transfer, insert.
func (o *Orchestrator) fetchSlow(ctx context.Context, ref track.Ref) (string, error) {
	// A concurrent fetch may have filled the cache while we queued.
	if path, ok := o.cache.Lookup(ref); ok {
		return path, nil
	}

	resolved, err := o.resolver.Resolve(ctx, ref.URL())
	if err != nil {
		return "", &FetchError{Ref: ref, Cause: err}
	}

	var local string
	switch r := resolved.(type) {
	case resolve.DirectStream:
		local, err = o.streamDirect(ctx, ref, r.URL)
		if err != nil && transient(err) {
			// One managed fallback, never a retry loop.
			o.logger.Warn("direct stream failed, trying managed download",
				"url", ref.URL(), "error", err)
			local, err = o.managedDownload(ctx, ref)
		}
	case resolve.ManagedDownload:
		local, err = o.managedDownload(ctx, ref)
	case resolve.SearchResults:
		// A canonical ref must not fan out; the queue holds resolved
		// tracks only.
		err = fmt.Errorf("%w: reference resolves to multiple tracks", resolve.ErrNotFound)
	default:
		err = fmt.Errorf("unhandled resolution %T", resolved)
	}
	if err != nil {
		return "", &FetchError{Ref: ref, Cause: err}
	}

	return o.store(ref, local), nil
}

// store moves the fetched file into the cache. Cache failures are absorbed:
// the bytes are still served from the scratch path.
func (o *Orchestrator) store(ref track.Ref, local string) string {
	info, err := os.Stat(local)
	if err != nil {
		o.logger.Warn("fetched file unreadable, serving anyway", "path", local, "error", err)
		return local
	}
	path, err := o.cache.Insert(ref, local, info.Size())
	if err != nil {
		o.logger.Warn("cache insert failed, serving uncached",
			"url", ref.URL(),
			"size", humanize.Bytes(uint64(info.Size())),
			"error", err)
		return local
	}
	return path
}

// streamDirect copies url's body into a scratch file in chunkSize pieces,
// honoring ctx at each chunk boundary.
func (o *Orchestrator) streamDirect(ctx context.Context, ref track.Ref, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &httpStatusError{status: resp.StatusCode}
	}

	dest := filepath.Join(o.scratch, uuid.NewString()+".stream")
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}

	limiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
	var done int64
	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			os.Remove(dest)
			return "", err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(dest)
				return "", writeErr
			}
			done += int64(n)
			if o.onProgress != nil && limiter.Allow() {
				o.onProgress(ref, done, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(dest)
			return "", readErr
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	if o.onProgress != nil {
		o.onProgress(ref, done, total)
	}
	o.logger.Debug("direct stream complete", "url", ref.URL(), "size", humanize.Bytes(uint64(done)))
	return dest, nil
}

// managedDownload delegates the transfer to the extraction tool, which owns
// format normalization. Each download gets its own scratch subdirectory so
// concurrent fetches cannot collide.
func (o *Orchestrator) managedDownload(ctx context.Context, ref track.Ref) (string, error) {
	dir := filepath.Join(o.scratch, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	var progress func(done, total int64)
	if o.onProgress != nil {
		limiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
		progress = func(done, total int64) {
			if limiter.Allow() {
				o.onProgress(ref, done, total)
			}
		}
	}

	path, err := o.downloader.Download(ctx, ref.URL(), dir, progress)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	o.logger.Debug("managed download complete", "url", ref.URL(), "file", filepath.Base(path))
	return path, nil
}

// Cached reports whether ref is already in the cache.
func (o *Orchestrator) Cached(ref track.Ref) bool {
	return o.cache.Contains(ref)
}

// Close removes scratch space. In-flight fetches should be cancelled first.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	for key, fl := range o.flights {
		fl.cancel()
		delete(o.flights, key)
	}
	o.mu.Unlock()
	return os.RemoveAll(o.scratch)
}
