// Package playback drives the queue: it fetches the current track, feeds the
// audio device, polls position, and advances through the queue as tracks end.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tapedeck/tapedeck/internal/audio"
	"github.com/tapedeck/tapedeck/internal/track"
)

// State is the coordinator's playback state.
type State int32

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Fetcher produces a local file path for a track reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref track.Ref) (string, error)
}

// Pinner protects a cache entry from eviction while it is in use.
type Pinner interface {
	Pin(ref track.Ref)
	Unpin(ref track.Ref)
}

// Notifier receives queue position changes, ahead of the blocking fetch for
// the new current track.
type Notifier interface {
	OnPositionChanged(queue []track.Metadata, newIndex int)
}

// Recorder appends a successfully played track to the play history.
type Recorder interface {
	Append(meta track.Metadata) error
}

// Progress is a playback position snapshot published on every poll tick.
type Progress struct {
	Index          int
	Track          track.Metadata
	State          State
	PositionMillis int64
	DurationMillis int64
}

// Options configures a Coordinator. Fetcher and Device are required; the
// rest may be nil or zero for defaults.
type Options struct {
	Fetcher  Fetcher
	Device   audio.Device
	Prefetch Notifier
	Pinner   Pinner
	History  Recorder
	Logger   *log.Logger

	// PollInterval is the position poll period. Default 500ms.
	PollInterval time.Duration

	// ErrorAdvanceDelay is how long a device error stays on screen before
	// auto-advancing. Default 2s.
	ErrorAdvanceDelay time.Duration

	// OnProgress is called from the poll loop with position snapshots.
	OnProgress func(Progress)

	// OnError is called when a foreground fetch or the device fails for
	// a track.
	OnError func(meta track.Metadata, err error)
}

// Coordinator owns the queue and the playback state machine. All queue and
// state mutations happen under one mutex; fetches and the poll loop run in
// their own goroutines and report back through it.
type Coordinator struct {
	fetcher    Fetcher
	device     audio.Device
	prefetch   Notifier
	pinner     Pinner
	history    Recorder
	logger     *log.Logger
	interval   time.Duration
	errorDelay time.Duration
	onProgress func(Progress)
	onError    func(track.Metadata, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	queue []track.Metadata
	index int
	state State

	// generation invalidates in-flight fetch results after a skip. A fetch
	// started under one generation discards its result if the generation
	// moved on by the time it lands.
	generation uint64

	pinned    track.Ref
	hasPinned bool
}

// NewCoordinator creates a coordinator and starts its poll loop.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("playback: Fetcher is required")
	}
	if opts.Device == nil {
		return nil, errors.New("playback: Device is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ErrorAdvanceDelay <= 0 {
		opts.ErrorAdvanceDelay = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		fetcher:    opts.Fetcher,
		device:     opts.Device,
		prefetch:   opts.Prefetch,
		pinner:     opts.Pinner,
		history:    opts.History,
		logger:     opts.Logger,
		interval:   opts.PollInterval,
		errorDelay: opts.ErrorAdvanceDelay,
		onProgress: opts.OnProgress,
		onError:    opts.OnError,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
	}

	c.wg.Add(1)
	go c.pollLoop()
	return c, nil
}

// PlayQueue replaces the queue and starts playback at startIndex.
func (c *Coordinator) PlayQueue(queue []track.Metadata, startIndex int) error {
	if len(queue) == 0 {
		return errors.New("playback: empty queue")
	}
	if startIndex < 0 || startIndex >= len(queue) {
		return errors.New("playback: start index out of range")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = make([]track.Metadata, len(queue))
	copy(c.queue, queue)
	c.loadLocked(startIndex)
	return nil
}

// Next skips to the next queue entry. At the end of the queue playback
// stops and the coordinator goes idle.
func (c *Coordinator) Next() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked(c.index + 1)
}

// Prev moves to the previous queue entry, clamped at the start.
func (c *Coordinator) Prev() {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.index - 1
	if i < 0 {
		i = 0
	}
	c.advanceLocked(i)
}

// TogglePause pauses playing audio or resumes paused audio.
func (c *Coordinator) TogglePause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StatePlaying:
		if err := c.device.Pause(); err != nil {
			c.logger.Warn("pause failed", "error", err)
			return
		}
		c.state = StatePaused
	case StatePaused:
		if err := c.device.Unpause(); err != nil {
			c.logger.Warn("unpause failed", "error", err)
			return
		}
		c.state = StatePlaying
	}
}

// Stop halts playback and clears the playing state. The queue and position
// are kept so playback can restart.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.device.Stop()
	c.unpinLocked()
	c.state = StateStopped
}

// State returns the current playback state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the current track and queue index. ok is false when no
// queue is loaded.
func (c *Coordinator) Current() (meta track.Metadata, index int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return track.Metadata{}, 0, false
	}
	return c.queue[c.index], c.index, true
}

// Shutdown stops playback and the poll loop, then waits for in-flight work.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.generation++
	c.device.Stop()
	c.unpinLocked()
	c.state = StateStopped
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// advanceLocked moves to index i. Past the end of the queue the device stops
// and the coordinator goes idle.
func (c *Coordinator) advanceLocked(i int) {
	if len(c.queue) == 0 {
		return
	}
	if i >= len(c.queue) {
		c.generation++
		c.device.Stop()
		c.unpinLocked()
		c.state = StateIdle
		c.logger.Info("queue finished")
		return
	}
	c.loadLocked(i)
}

// loadLocked starts loading queue[i] as the current track. The prefetch
// notifier fires before the blocking fetch so the lookahead window is warm
// by the time the fetch completes.
func (c *Coordinator) loadLocked(i int) {
	c.index = i
	c.generation++
	gen := c.generation
	c.state = StateLoading
	meta := c.queue[i]

	c.device.Stop()
	c.unpinLocked()

	if c.prefetch != nil {
		c.prefetch.OnPositionChanged(c.queue, i)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		path, err := c.fetcher.Fetch(c.ctx, meta.Ref())
		c.deliver(gen, meta, path, err)
	}()
}

// deliver applies a completed fetch. Results from a superseded generation
// are dropped; the fetched bytes stay in cache for whoever wants them next.
func (c *Coordinator) deliver(gen uint64, meta track.Metadata, path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.logger.Debug("discarding superseded fetch result", "track", meta.Title)
		return
	}

	if err != nil {
		c.logger.Error("could not load track", "track", meta.Title, "error", err)
		c.state = StateIdle
		c.reportError(meta, err)
		return
	}

	if c.pinner != nil {
		c.pinner.Pin(meta.Ref())
		c.pinned = meta.Ref()
		c.hasPinned = true
	}

	if err := c.device.Load(path); err != nil {
		c.logger.Error("device rejected track", "track", meta.Title, "error", err)
		c.unpinLocked()
		c.state = StateIdle
		c.reportError(meta, err)
		c.scheduleAdvance(gen)
		return
	}

	c.device.Play()
	c.state = StatePlaying

	if c.history != nil {
		if herr := c.history.Append(meta); herr != nil {
			c.logger.Warn("could not record history", "error", herr)
		}
	}
	c.logger.Info("playing", "track", meta.String())
}

// scheduleAdvance skips past a broken track after a short delay, unless the
// user moved the queue in the meantime.
func (c *Coordinator) scheduleAdvance(gen uint64) {
	next := c.index + 1
	time.AfterFunc(c.errorDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if gen != c.generation || c.ctx.Err() != nil {
			return
		}
		c.advanceLocked(next)
	})
}

// pollLoop publishes position snapshots and detects end-of-track. A paused
// device also reports not-busy states in some backends, so end-of-track only
// counts while actually playing.
func (c *Coordinator) pollLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Coordinator) tick() {
	c.mu.Lock()

	if c.state != StatePlaying && c.state != StatePaused {
		c.mu.Unlock()
		return
	}

	meta := c.queue[c.index]
	snapshot := Progress{
		Index:          c.index,
		Track:          meta,
		State:          c.state,
		PositionMillis: c.device.PositionMillis(),
		DurationMillis: int64(meta.Duration) * 1000,
	}

	ended := c.state == StatePlaying && !c.device.IsBusy()
	if ended {
		c.advanceLocked(c.index + 1)
	}
	c.mu.Unlock()

	if !ended && c.onProgress != nil {
		c.onProgress(snapshot)
	}
}

func (c *Coordinator) unpinLocked() {
	if c.hasPinned && c.pinner != nil {
		c.pinner.Unpin(c.pinned)
	}
	c.hasPinned = false
}

func (c *Coordinator) reportError(meta track.Metadata, err error) {
	if c.onError != nil {
		go c.onError(meta, err)
	}
}
