package audio

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// OtoDevice plays local audio files through oto. Decoding is delegated to an
// external ffmpeg process that emits raw 16-bit little-endian PCM on stdout,
// which the oto player streams directly, so any container or codec ffmpeg
// understands is playable.
type OtoDevice struct {
	context *oto.Context

	mu     sync.Mutex
	player *oto.Player
	cmd    *exec.Cmd
	stdout io.ReadCloser

	// Timing for position tracking. Position is computed from wall clock
	// time minus accumulated pause time.
	startTime  time.Time
	pauseStart time.Time
	totalPause time.Duration
	paused     bool
	started    bool

	decoder    string
	sampleRate int
	channels   int
}

// DeviceConfig configures the output stream format.
type DeviceConfig struct {
	SampleRate int // 44100 or 48000 Hz only
	Channels   int // 1 = mono, 2 = stereo
}

// DefaultDeviceConfig returns the default output configuration.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		SampleRate: 44100,
		Channels:   2,
	}
}

// NewOtoDevice creates a device backed by an oto context and an ffmpeg
// decoder. It fails if ffmpeg is not on PATH or the audio backend cannot be
// initialized.
func NewOtoDevice(config DeviceConfig) (*OtoDevice, error) {
	if config.SampleRate != 44100 && config.SampleRate != 48000 {
		return nil, fmt.Errorf("sample rate must be 44100 or 48000 Hz, got %d", config.SampleRate)
	}
	if config.Channels != 1 && config.Channels != 2 {
		return nil, fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", config.Channels)
	}

	decoder, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, ErrNoDecoder
	}

	op := &oto.NewContextOptions{
		SampleRate:   config.SampleRate,
		ChannelCount: config.Channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	return &OtoDevice{
		context:    ctx,
		decoder:    decoder,
		sampleRate: config.SampleRate,
		channels:   config.Channels,
	}, nil
}

// Load spawns a decoder for path and prepares an oto player on its output.
// Any current stream is stopped first.
func (d *OtoDevice) Load(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()

	cmd := exec.Command(d.decoder,
		"-v", "quiet",
		"-i", path,
		"-f", "s16le",
		"-ar", fmt.Sprint(d.sampleRate),
		"-ac", fmt.Sprint(d.channels),
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &DeviceError{Path: path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &DeviceError{Path: path, Err: err}
	}

	d.cmd = cmd
	d.stdout = stdout
	d.player = d.context.NewPlayer(stdout)
	d.started = false
	d.paused = false
	d.totalPause = 0

	return nil
}

// Play starts playback of the loaded stream.
func (d *OtoDevice) Play() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.player == nil {
		return
	}

	d.player.Play()
	d.startTime = time.Now()
	d.totalPause = 0
	d.paused = false
	d.started = true
}

// Pause suspends playback.
func (d *OtoDevice) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.player == nil || !d.started {
		return fmt.Errorf("cannot pause: nothing playing")
	}
	if d.paused {
		return nil
	}

	d.player.Pause()
	d.pauseStart = time.Now()
	d.paused = true
	return nil
}

// Unpause resumes paused playback.
func (d *OtoDevice) Unpause() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.player == nil || !d.paused {
		return fmt.Errorf("cannot unpause: not paused")
	}

	d.player.Play()
	d.totalPause += time.Since(d.pauseStart)
	d.paused = false
	return nil
}

// Stop ends playback, kills the decoder, and releases the stream.
func (d *OtoDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *OtoDevice) stopLocked() {
	if d.player != nil {
		d.player.Pause()
		d.player.Close()
		d.player = nil
	}
	if d.cmd != nil {
		if d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		// Reap the decoder off the hot path.
		go d.cmd.Wait() //nolint:errcheck
		d.cmd = nil
	}
	if d.stdout != nil {
		d.stdout.Close()
		d.stdout = nil
	}
	d.started = false
	d.paused = false
}

// IsBusy reports whether the device is producing audio or holding a paused
// stream. Once the decoder output drains and the oto buffer empties, the
// player reports not playing and IsBusy turns false.
func (d *OtoDevice) IsBusy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.player == nil || !d.started {
		return false
	}
	if d.paused {
		return true
	}
	return d.player.IsPlaying()
}

// PositionMillis returns the wall-clock playback position in milliseconds,
// or -1 when nothing is playing.
func (d *OtoDevice) PositionMillis() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.player == nil || !d.started {
		return -1
	}
	if d.paused {
		return int64(d.pauseStart.Sub(d.startTime)-d.totalPause) / int64(time.Millisecond)
	}
	return int64(time.Since(d.startTime)-d.totalPause) / int64(time.Millisecond)
}

// Close stops playback and releases the device. The oto context has no Close
// in v3; it is dropped for GC.
func (d *OtoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	d.context = nil
	return nil
}
