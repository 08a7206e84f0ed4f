package audio

import (
	"errors"
	"sync"
	"sync/atomic"
)

// MockDevice implements Device for testing purposes. It simulates playback
// without producing sound; tests drive track completion explicitly through
// FinishTrack.
type MockDevice struct {
	mu     sync.Mutex
	loaded string
	busy   bool
	paused bool
	closed bool

	// Test configuration
	loadErr error // returned by Load when set

	// Position reported while busy, in milliseconds.
	position atomic.Int64

	// Metrics for testing
	loadCount   atomic.Int64
	playCount   atomic.Int64
	pauseCount  atomic.Int64
	resumeCount atomic.Int64
	stopCount   atomic.Int64
}

// NewMockDevice creates a mock device with default settings.
func NewMockDevice() *MockDevice {
	return &MockDevice{}
}

// Load records the path as the loaded stream.
func (m *MockDevice) Load(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("device is closed")
	}
	m.loadCount.Add(1)
	if m.loadErr != nil {
		return &DeviceError{Path: path, Err: m.loadErr}
	}

	m.stopInternal()
	m.loaded = path
	return nil
}

// Play marks the device busy until FinishTrack or Stop.
func (m *MockDevice) Play() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded == "" {
		return
	}
	m.playCount.Add(1)
	m.busy = true
	m.paused = false
	m.position.Store(0)
}

// Pause suspends simulated playback.
func (m *MockDevice) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.busy {
		return errors.New("cannot pause: nothing playing")
	}
	m.pauseCount.Add(1)
	m.paused = true
	return nil
}

// Unpause resumes simulated playback.
func (m *MockDevice) Unpause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.paused {
		return errors.New("cannot unpause: not paused")
	}
	m.resumeCount.Add(1)
	m.paused = false
	return nil
}

// Stop ends simulated playback.
func (m *MockDevice) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCount.Add(1)
	m.stopInternal()
}

func (m *MockDevice) stopInternal() {
	m.busy = false
	m.paused = false
	m.loaded = ""
	m.position.Store(0)
}

// IsBusy reports whether simulated playback is active or paused.
func (m *MockDevice) IsBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// PositionMillis returns the scripted position, or -1 when idle.
func (m *MockDevice) PositionMillis() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.busy {
		return -1
	}
	return m.position.Load()
}

// Close marks the device closed.
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopInternal()
	m.closed = true
	return nil
}

// SetLoadErr makes subsequent Load calls fail with err; nil clears it.
func (m *MockDevice) SetLoadErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// FinishTrack simulates the loaded track reaching its natural end.
func (m *MockDevice) FinishTrack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	m.paused = false
}

// AdvancePosition moves the scripted position forward.
func (m *MockDevice) AdvancePosition(millis int64) {
	m.position.Add(millis)
}

// Loaded returns the currently loaded path.
func (m *MockDevice) Loaded() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Paused reports whether simulated playback is paused.
func (m *MockDevice) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Counts returns the load, play, pause, resume, and stop call counts.
func (m *MockDevice) Counts() (loads, plays, pauses, resumes, stops int64) {
	return m.loadCount.Load(), m.playCount.Load(), m.pauseCount.Load(),
		m.resumeCount.Load(), m.stopCount.Load()
}
