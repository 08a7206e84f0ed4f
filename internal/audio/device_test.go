package audio

import (
	"errors"
	"testing"
)

func TestMockDeviceLifecycle(t *testing.T) {
	d := NewMockDevice()

	if d.IsBusy() {
		t.Fatal("new device should not be busy")
	}
	if pos := d.PositionMillis(); pos >= 0 {
		t.Fatalf("idle position should be negative, got %d", pos)
	}

	if err := d.Load("/tmp/track.mp3"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	d.Play()
	if !d.IsBusy() {
		t.Fatal("device should be busy after Play")
	}
	if pos := d.PositionMillis(); pos != 0 {
		t.Fatalf("position should start at 0, got %d", pos)
	}

	d.AdvancePosition(1500)
	if pos := d.PositionMillis(); pos != 1500 {
		t.Fatalf("position = %d, want 1500", pos)
	}

	d.FinishTrack()
	if d.IsBusy() {
		t.Fatal("device should not be busy after track finishes")
	}
}

func TestMockDevicePauseResume(t *testing.T) {
	d := NewMockDevice()

	if err := d.Pause(); err == nil {
		t.Fatal("Pause with nothing playing should fail")
	}

	if err := d.Load("/tmp/track.mp3"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	d.Play()

	if err := d.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !d.IsBusy() {
		t.Fatal("paused device should still report busy")
	}
	if !d.Paused() {
		t.Fatal("device should report paused")
	}

	if err := d.Unpause(); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if d.Paused() {
		t.Fatal("device should not report paused after Unpause")
	}
	if err := d.Unpause(); err == nil {
		t.Fatal("Unpause while playing should fail")
	}
}

func TestMockDeviceLoadError(t *testing.T) {
	d := NewMockDevice()
	d.SetLoadErr(errors.New("unsupported codec"))

	err := d.Load("/tmp/broken.mp3")
	if err == nil {
		t.Fatal("expected Load error")
	}
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected *DeviceError, got %T", err)
	}
	if devErr.Path != "/tmp/broken.mp3" {
		t.Fatalf("DeviceError path = %q", devErr.Path)
	}
}

func TestMockDeviceClosed(t *testing.T) {
	d := NewMockDevice()
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Load("/tmp/track.mp3"); err == nil {
		t.Fatal("Load after Close should fail")
	}
}
