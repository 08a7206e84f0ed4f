package playback

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

	"github.com/tapedeck/tapedeck/internal/audio"
	"github.com/tapedeck/tapedeck/internal/track"
)

type fakeFetcher struct {
	mu    sync.Mutex
	paths map[track.Ref]string
	errs  map[track.Ref]error
	block map[track.Ref]chan struct{}

	calls atomic.Int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		paths: make(map[track.Ref]string),
		errs:  make(map[track.Ref]error),
		block: make(map[track.Ref]chan struct{}),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref track.Ref) (string, error) {
	f.calls.Add(1)

	f.mu.Lock()
	gate := f.block[ref]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[ref]; err != nil {
		return "", err
	}
	if path, ok := f.paths[ref]; ok {
		return path, nil
	}
	return "", errors.New("no such track")
}

type fakeNotifier struct {
	mu      sync.Mutex
	indexes []int
}

func (n *fakeNotifier) OnPositionChanged(queue []track.Metadata, newIndex int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.indexes = append(n.indexes, newIndex)
}

func (n *fakeNotifier) seen() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int, len(n.indexes))
	copy(out, n.indexes)
	return out
}

type fakePinner struct {
	mu     sync.Mutex
	counts map[track.Ref]int
}

func newFakePinner() *fakePinner {
	return &fakePinner{counts: make(map[track.Ref]int)}
}

func (p *fakePinner) Pin(ref track.Ref) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[ref]++
}

func (p *fakePinner) Unpin(ref track.Ref) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[ref]--
}

func (p *fakePinner) pins(ref track.Ref) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[ref]
}

type fakeRecorder struct {
	mu     sync.Mutex
	titles []string
}

func (r *fakeRecorder) Append(meta track.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, meta.Title)
	return nil
}

func (r *fakeRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.titles))
	copy(out, r.titles)
	return out
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func makeQueue(n int) []track.Metadata {
	queue := make([]track.Metadata, n)
	for i := range queue {
		queue[i] = track.Metadata{
			ID:       fmt.Sprintf("id-%d", i),
			Title:    fmt.Sprintf("Track %d", i),
			Duration: 180,
			URL:      fmt.Sprintf("https://example.com/tracks/%d", i),
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

type fixture struct {
	coord    *Coordinator
	fetcher  *fakeFetcher
	device   *audio.MockDevice
	notifier *fakeNotifier
	pinner   *fakePinner
	recorder *fakeRecorder
}

func newFixture(t *testing.T, queue []track.Metadata, opts Options) *fixture {
	t.Helper()

	fx := &fixture{
		fetcher:  newFakeFetcher(),
		device:   audio.NewMockDevice(),
		notifier: &fakeNotifier{},
		pinner:   newFakePinner(),
		recorder: &fakeRecorder{},
	}
	for _, meta := range queue {
		fx.fetcher.paths[meta.Ref()] = "/blobs/" + meta.ID
	}

	opts.Fetcher = fx.fetcher
	opts.Device = fx.device
	opts.Prefetch = fx.notifier
	opts.Pinner = fx.pinner
	opts.History = fx.recorder
	opts.Logger = testLogger()
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}

	coord, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	fx.coord = coord
	t.Cleanup(coord.Shutdown)
	return fx
}

func TestPlayQueueStartsPlayback(t *testing.T) {
	queue := makeQueue(3)
	fx := newFixture(t, queue, Options{})

	if err := fx.coord.PlayQueue(queue, 0); err != nil {
		t.Fatalf("PlayQueue: %v", err)
	}

	waitFor(t, func() bool { return fx.coord.State() == StatePlaying })
	if loaded := fx.device.Loaded(); loaded != "/blobs/id-0" {
		t.Fatalf("device loaded %q", loaded)
	}
	if seen := fx.notifier.seen(); len(seen) == 0 || seen[0] != 0 {
		t.Fatalf("prefetch notifications = %v, want first 0", seen)
	}
	waitFor(t, func() bool { return len(fx.recorder.recorded()) == 1 })
	if titles := fx.recorder.recorded(); titles[0] != "Track 0" {
		t.Fatalf("history recorded %v", titles)
	}
}

func TestAutoAdvanceOnTrackEnd(t *testing.T) {
	queue := makeQueue(3)
	fx := newFixture(t, queue, Options{})

	if err := fx.coord.PlayQueue(queue, 0); err != nil {
		t.Fatalf("PlayQueue: %v", err)
	}
	waitFor(t, func() bool { return fx.coord.State() == StatePlaying })

	fx.device.FinishTrack()

	waitFor(t, func() bool {
		_, index, ok := fx.coord.Current()
		return ok && index == 1 && fx.coord.State() == StatePlaying
	})
	if loaded := fx.device.Loaded(); loaded != "/blobs/id-1" {
		t.Fatalf("device loaded %q after advance", loaded)
	}

	seen := fx.notifier.seen()
	if len(seen) < 2 || seen[len(seen)-1] != 1 {
		t.Fatalf("prefetch notifications = %v, want last 1", seen)
	}
}

func TestPauseSuppressesEndOfTrack(t *testing.T) {
	queue := makeQueue(2)
	fx := newFixture(t, queue, Options{})

	if err := fx.coord.PlayQueue(queue, 0); err != nil {
		t.Fatalf("PlayQueue: %v", err)
	}
	waitFor(t, func() bool { return fx.coord.State() == StatePlaying })

	fx.coord.TogglePause()
	if fx.coord.State() != StatePaused {
		t.Fatalf("state = %v, want paused", fx.coord.State())
	}

	// The device draining its buffer while paused must not advance the queue.
	fx.device.FinishTrack()
	time.Sleep(50 * time.Millisecond)

	if _, index, _ := fx.coord.Current(); index != 0 {
		t.Fatalf("index = %d, want 0", index)
	}
	if fx.coord.State() != StatePaused {
		t.Fatalf("state = %v, want paused", fx.coord.State())
	}
}

func TestFetchFailureDoesNotAdvance(t *testing.T) {
	queue := makeQueue(2)
	var reported atomic.Int64
	fx := newFixture(t, queue, Options{
		OnError: func(meta track.Metadata, err error) {
			reported.Add(1)
		},
	})
	fx.fetcher.errs[queue[0].Ref()] = errors.New("stream unavailable")

	if err := fx.coord.PlayQueue(queue, 0); err != nil {
		t.Fatalf("PlayQueue: %v", err)
	}

	waitFor(t, func() bool { return fx.coord.State() == StateIdle })
	waitFor(t, func() bool { return reported.Load() == 1 })

	if _, index, _ := fx.coord.Current(); index != 0 {
		t.Fatalf("index = %d, want 0 after failed load", index)
	}
	if loaded := fx.device.Loaded(); loaded != "" {
		t.Fatalf("device should stay empty, loaded %q", loaded)
	}
}

func TestSkipDuringLoadingDiscardsStaleResult(t *testing.T) {
	queue := makeQueue(3)
	fx := newFixture(t, queue, Options{})

	gate := make(chan struct{})
	fx.fetcher.block[queue[0].Ref()] = gate

	if err := fx.coord.PlayQueue(queue, 0); err != nil {
		t.Fatalf("PlayQueue: %v", err)
	}
	if fx.coord.State() != StateLoading {
		t.Fatalf("state = %v, want loading", fx.coord.State())
	}

	// Skip while the first fetch is stuck; its result must be discarded
	// when it eventually lands.
	fx.coord.Next()
	waitFor(t, func() bool { return fx.coord.State() == StatePlaying })
	close(gate)
	time.Sleep(50 * time.Millisecond)

	if loaded := fx.device.Loaded(); loaded != "/blobs/id-1" {
		t.Fatalf("device loaded %q, want track 1", loaded)
	}
	loads, _, _, _, _ := fx.device.Counts()
	if loads != 1 {
		t.Fatalf("device loads = %d, want 1", loads)
	}
}

func TestDeviceErrorAutoAdvances(t *testing.T) {
	queue := makeQueue(2)
	var reported atomic.Int64
	fx := newFixture(t, queue, Options{
		ErrorAdvanceDelay: 30 * time.Millisecond,
		OnError: func(meta track.Metadata, err error) {
			reported.Add(1)
		},
	})
	fx.device.SetLoadErr(errors.New("unsupported codec"))

	if err := fx.coord.PlayQueue(queue, 0); err != nil {
		t.Fatalf("PlayQueue: %v", err)
	}

	waitFor(t, func() bool { return reported.Load() == 1 })
	fx.device.SetLoadErr(nil)

	waitFor(t, func() bool {
		_, index, ok := fx.coord.Current()
		return ok && index == 1 && fx.coord.State() == StatePlaying
	})
	if loaded := fx.device.Loaded(); loaded != "/blobs/id-1" {
		t.Fatalf("device loaded %q after advance", loaded)
	}
}

func TestQueueExhaustedGoesIdle(t *testing.T) {
	queue := makeQueue(1)
	fx := newFixture(t, queue, Options{})

	if err := fx.coord.PlayQueue(queue, 0); err != nil {
		t.Fatalf("PlayQueue: %v", err)
	}
	waitFor(t, func() bool { return fx.coord.State() == StatePlaying })

	fx.device.FinishTrack()
	waitFor(t, func() bool { return fx.coord.State() == StateIdle })

	if fx.device.IsBusy() {
		t.Fatal("device should be stopped after queue end")
	}
}

func TestCurrentTrackPinnedDuringPlayback(t *testing.T) {
	queue := makeQueue(2)
	fx := newFixture(t, queue, Options{})

	if err := fx.coord.PlayQueue(queue, 0); err != nil {
		t.Fatalf("PlayQueue: %v", err)
	}
	waitFor(t, func() bool { return fx.coord.State() == StatePlaying })

	if pins := fx.pinner.pins(queue[0].Ref()); pins != 1 {
		t.Fatalf("track 0 pins = %d, want 1", pins)
	}

	fx.coord.Next()
	waitFor(t, func() bool { return fx.pinner.pins(queue[1].Ref()) == 1 })
	if pins := fx.pinner.pins(queue[0].Ref()); pins != 0 {
		t.Fatalf("track 0 pins = %d after advance, want 0", pins)
	}
}

func TestProgressSnapshots(t *testing.T) {
	queue := makeQueue(1)

	var mu sync.Mutex
	var snapshots []Progress
	fx := newFixture(t, queue, Options{
		OnProgress: func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			snapshots = append(snapshots, p)
		},
	})

	if err := fx.coord.PlayQueue(queue, 0); err != nil {
		t.Fatalf("PlayQueue: %v", err)
	}
	waitFor(t, func() bool { return fx.coord.State() == StatePlaying })
	fx.device.AdvancePosition(1000)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snapshots) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	last := snapshots[len(snapshots)-1]
	if last.State != StatePlaying {
		t.Fatalf("snapshot state = %v", last.State)
	}
	if last.DurationMillis != 180_000 {
		t.Fatalf("snapshot duration = %d", last.DurationMillis)
	}
	if last.PositionMillis < 0 {
		t.Fatalf("snapshot position = %d", last.PositionMillis)
	}
}
