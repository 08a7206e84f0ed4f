package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tapedeck/tapedeck/internal/track"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

// fakeFetcher records fetch requests and simulates cached refs, blocking
// fetches and failures.
type fakeFetcher struct {
	mu       sync.Mutex
	cached   map[string]bool
	fetched  []string
	failWith error
	block    chan struct{} // non-nil: fetches wait here or on ctx

	maxConcurrent atomic.Int64
	current       atomic.Int64
	cancelled     atomic.Int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{cached: make(map[string]bool)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref track.Ref) (string, error) {
	cur := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		max := f.maxConcurrent.Load()
		if cur <= max || f.maxConcurrent.CompareAndSwap(max, cur) {
			break
		}
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			f.cancelled.Add(1)
			return "", ctx.Err()
		}
	}
	if f.failWith != nil {
		return "", f.failWith
	}

	f.mu.Lock()
	f.fetched = append(f.fetched, ref.URL())
	f.cached[ref.URL()] = true
	f.mu.Unlock()
	return "/tmp/" + ref.Key(), nil
}

func (f *fakeFetcher) Cached(ref track.Ref) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached[ref.URL()]
}

func (f *fakeFetcher) fetchedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func makeQueue(n int) []track.Metadata {
	queue := make([]track.Metadata, n)
	for i := range queue {
		queue[i] = track.Metadata{
			ID:    fmt.Sprintf("t%d", i),
			Title: fmt.Sprintf("Track %d", i),
			URL:   fmt.Sprintf("https://example.com/tracks/%d", i),
		}
	}
	return queue
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPrefetchWindowAfterPositionChange(t *testing.T) {
	fetcher := newFakeFetcher()
	m := NewManager(fetcher, 2, 2, testLogger())
	defer m.Shutdown()

	queue := makeQueue(10)
	m.OnPositionChanged(queue, 0)

	waitFor(t, func() bool { return len(fetcher.fetchedURLs()) == 2 })
	got := fetcher.fetchedURLs()
	want := map[string]bool{
		"https://example.com/tracks/1": true,
		"https://example.com/tracks/2": true,
	}
	for _, url := range got {
		if !want[url] {
			t.Errorf("unexpected prefetch of %s", url)
		}
	}
}

func TestPrefetchSkipsCachedEntries(t *testing.T) {
	fetcher := newFakeFetcher()
	queue := makeQueue(10)
	fetcher.cached[queue[1].URL] = true

	m := NewManager(fetcher, 2, 2, testLogger())
	defer m.Shutdown()

	m.OnPositionChanged(queue, 0)
	waitFor(t, func() bool { return len(fetcher.fetchedURLs()) == 1 })

	if urls := fetcher.fetchedURLs(); urls[0] != "https://example.com/tracks/2" {
		t.Errorf("fetched %v, want only track 2", urls)
	}
}

func TestPrefetchCancelsStaleTasks(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.block = make(chan struct{})

	m := NewManager(fetcher, 2, 2, testLogger())
	defer m.Shutdown()

	queue := makeQueue(20)
	m.OnPositionChanged(queue, 0) // tasks for 1, 2
	// Wait until both workers are blocked inside Fetch; cancelling earlier
	// would catch them at the semaphore instead of mid-transfer.
	waitFor(t, func() bool { return fetcher.current.Load() == 2 })

	// Jump far ahead: both old tasks are behind/outside the new window.
	m.OnPositionChanged(queue, 10)
	waitFor(t, func() bool { return fetcher.cancelled.Load() == 2 })

	close(fetcher.block)
	waitFor(t, func() bool { return len(fetcher.fetchedURLs()) == 2 })
	for _, url := range fetcher.fetchedURLs() {
		if url != "https://example.com/tracks/11" && url != "https://example.com/tracks/12" {
			t.Errorf("stale task completed fetch of %s", url)
		}
	}
}

func TestPrefetchBoundsConcurrency(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.block = make(chan struct{})

	m := NewManager(fetcher, 5, 2, testLogger())
	defer m.Shutdown()

	m.OnPositionChanged(makeQueue(10), 0)

	// Let the workers pile up against the blocked fetcher.
	waitFor(t, func() bool { return fetcher.current.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	close(fetcher.block)

	waitFor(t, func() bool { return len(fetcher.fetchedURLs()) == 5 })
	if max := fetcher.maxConcurrent.Load(); max > 2 {
		t.Errorf("observed %d concurrent fetches, want <= 2", max)
	}
}

func TestPrefetchFailureIsSilent(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.failWith = errors.New("network down")

	m := NewManager(fetcher, 3, 2, testLogger())
	defer m.Shutdown()

	m.OnPositionChanged(makeQueue(5), 0)

	// All tasks fail; the only observable outcome is that they drain.
	waitFor(t, func() bool { return m.Outstanding() == 0 })
}

func TestShutdownDrainsTasks(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.block = make(chan struct{})

	m := NewManager(fetcher, 3, 3, testLogger())
	m.OnPositionChanged(makeQueue(10), 0)
	waitFor(t, func() bool { return fetcher.current.Load() == 3 })

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not drain in time")
	}

	// Post-shutdown position changes are ignored.
	m.OnPositionChanged(makeQueue(10), 0)
	if m.Outstanding() != 0 {
		t.Error("tasks scheduled after Shutdown")
	}
}
