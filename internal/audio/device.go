// Package audio abstracts the audio-output device: load a local file, start
// and pause playback, and poll position. The real device decodes through an
// external ffmpeg process into an oto stream; a mock stands in for tests.
package audio

import (
	"errors"
	"fmt"
)

// ErrNoDecoder is returned when the external decoder tool is not installed.
var ErrNoDecoder = errors.New("no audio decoder found (install ffmpeg)")

// DeviceError reports that the device rejected a file, e.g. an unsupported
// or corrupt codec.
type DeviceError struct {
	Path string
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device rejected %s: %v", e.Path, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Device is the audio-output collaborator consumed by the playback
// coordinator.
type Device interface {
	// Load prepares path for playback, replacing any current stream.
	Load(path string) error

	// Play starts or restarts playback of the loaded stream.
	Play()

	// Pause suspends playback; Unpause resumes it.
	Pause() error
	Unpause() error

	// Stop ends playback and releases the stream.
	Stop()

	// IsBusy reports whether the device is producing (or paused within)
	// audio. While not paused, false means the track has ended.
	IsBusy() bool

	// PositionMillis returns the playback position in milliseconds, or a
	// negative value when unknown.
	PositionMillis() int64

	// Close releases the device.
	Close() error
}
