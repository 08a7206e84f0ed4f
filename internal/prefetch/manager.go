// Package prefetch keeps upcoming queue entries warm in the cache by
// fetching them speculatively in the background.
package prefetch

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/tapedeck/tapedeck/internal/track"
)

// Fetcher is the slice of the download orchestrator the prefetcher needs.
// Shared in-flight deduplication lives there: a foreground fetch for the
// same ref joins the prefetch flight instead of duplicating work.
type Fetcher interface {
	Fetch(ctx context.Context, ref track.Ref) (string, error)
	Cached(ref track.Ref) bool
}

// Manager schedules speculative fetches for the next few queue entries.
// Failures are swallowed and logged: the track may never actually play.
type Manager struct {
	fetcher Fetcher
	depth   int
	sem     *semaphore.Weighted
	logger  *log.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

// task is one outstanding speculative fetch.
type task struct {
	ref    track.Ref
	index  int
	cancel context.CancelFunc
}

// NewManager builds a Manager prefetching up to depth entries ahead with at
// most workers concurrent fetches.
func NewManager(fetcher Fetcher, depth, workers int, logger *log.Logger) *Manager {
	if depth <= 0 {
		depth = 3
	}
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		fetcher: fetcher,
		depth:   depth,
		sem:     semaphore.NewWeighted(int64(workers)),
		logger:  logger.WithPrefix("prefetch"),
		tasks:   make(map[string]*task),
	}
}

// OnPositionChanged reacts to the active queue index moving: tasks at or
// behind the new position (and outside the new lookahead window) are
// cancelled, and fetches are launched for the next depth uncached entries.
// The queue is inspected read-only.
func (m *Manager) OnPositionChanged(queue []track.Metadata, newIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	for key, t := range m.tasks {
		if t.index <= newIndex || t.index > newIndex+m.depth {
			t.cancel()
			delete(m.tasks, key)
		}
	}

	for i := newIndex + 1; i <= newIndex+m.depth && i < len(queue); i++ {
		ref := queue[i].Ref()
		key := ref.Key()
		if m.fetcher.Cached(ref) {
			continue
		}
		if _, running := m.tasks[key]; running {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		t := &task{ref: ref, index: i, cancel: cancel}
		m.tasks[key] = t

		m.wg.Add(1)
		go m.run(ctx, t)
	}
}

// run executes one speculative fetch under the worker semaphore. Cancellation
// is cooperative: the semaphore wait and every transfer chunk respect ctx.
func (m *Manager) run(ctx context.Context, t *task) {
	defer m.wg.Done()
	defer m.finish(t)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.sem.Release(1)

	if ctx.Err() != nil {
		return
	}

	if _, err := m.fetcher.Fetch(ctx, t.ref); err != nil {
		// Absorbed: never surfaces to the UI.
		if ctx.Err() == nil {
			m.logger.Debug("prefetch failed", "index", t.index, "url", t.ref.URL(), "error", err)
		}
		return
	}
	m.logger.Debug("prefetched", "index", t.index, "url", t.ref.URL())
}

// finish drops the task's registration unless a newer task took the slot.
func (m *Manager) finish(t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.tasks[t.ref.Key()]; ok && current == t {
		delete(m.tasks, t.ref.Key())
	}
}

// Outstanding returns the number of registered speculative tasks.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Shutdown cancels every outstanding task and waits for the workers to
// drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	for key, t := range m.tasks {
		t.cancel()
		delete(m.tasks, key)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
