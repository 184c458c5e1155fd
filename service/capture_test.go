package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProvider returns whatever its fn says.
type fakeProvider struct {
	calls atomic.Uint64
	fn    func(ctx context.Context, deviceID string) ([]byte, error)
}

func (p *fakeProvider) Screenshot(ctx context.Context, deviceID string) ([]byte, error) {
	p.calls.Add(1)
	return p.fn(ctx, deviceID)
}

func TestCaptureLoopPublishesFrames(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)
	provider := &fakeProvider{fn: func(context.Context, string) ([]byte, error) {
		return []byte("png-bytes"), nil
	}}
	captures := NewCaptureService(provider, hub, nil)

	if err := captures.StartCapture("dev1", PresetByName("ultrafast")); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	defer captures.StopAll()

	deadline := time.Now().Add(2 * time.Second)
	for hub.LatestFrame("dev1") == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	frame := hub.LatestFrame("dev1")
	if frame == nil {
		t.Fatal("Capture loop never published a frame")
	}
	if frame.Source != SourceADB {
		t.Errorf("Source = %v, want adb", frame.Source)
	}
	if string(frame.Payload) != "png-bytes" {
		t.Errorf("Payload = %q", frame.Payload)
	}
	if !captures.IsCapturing("dev1") {
		t.Error("IsCapturing should report the running loop")
	}
}

func TestCaptureLoopSurvivesFailures(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)
	var failures atomic.Int64
	provider := &fakeProvider{}
	provider.fn = func(context.Context, string) ([]byte, error) {
		// First few captures fail; the loop must keep retrying.
		if failures.Add(1) <= 3 {
			return nil, errors.New("device busy")
		}
		return []byte("recovered"), nil
	}
	captures := NewCaptureService(provider, hub, nil)

	if err := captures.StartCapture("dev1", PresetByName("ultrafast")); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	defer captures.StopAll()

	deadline := time.Now().Add(3 * time.Second)
	for hub.LatestFrame("dev1") == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	frame := hub.LatestFrame("dev1")
	if frame == nil || string(frame.Payload) != "recovered" {
		t.Fatal("Loop should recover after capture failures")
	}
}

func TestStartCaptureRefusedWhileCompanionLive(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)
	provider := &fakeProvider{fn: func(context.Context, string) ([]byte, error) {
		return []byte("x"), nil
	}}
	captures := NewCaptureService(provider, hub, staticLiveness(true))

	if err := captures.StartCapture("dev1", PresetByName("medium")); err == nil {
		t.Fatal("StartCapture should refuse while the companion path is live")
	}
	if captures.IsCapturing("dev1") {
		t.Error("No loop should be running")
	}
}

func TestStartCaptureIdempotent(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)
	provider := &fakeProvider{fn: func(context.Context, string) ([]byte, error) {
		return []byte("x"), nil
	}}
	captures := NewCaptureService(provider, hub, nil)
	defer captures.StopAll()

	if err := captures.StartCapture("dev1", PresetByName("medium")); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	if err := captures.StartCapture("dev1", PresetByName("low")); err != nil {
		t.Fatalf("Second StartCapture should be a no-op, got %v", err)
	}

	devices := captures.CapturingDevices()
	if len(devices) != 1 || devices["dev1"] != "medium" {
		t.Errorf("Expected the original loop to keep running, got %v", devices)
	}
}

func TestStopCapture(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)
	provider := &fakeProvider{fn: func(ctx context.Context, _ string) ([]byte, error) {
		return []byte("x"), nil
	}}
	captures := NewCaptureService(provider, hub, nil)

	if err := captures.StartCapture("dev1", PresetByName("ultrafast")); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	// StopCapture blocks until the loop has exited.
	captures.StopCapture("dev1")
	if captures.IsCapturing("dev1") {
		t.Fatal("Loop should be gone after StopCapture")
	}

	calls := provider.calls.Load()
	time.Sleep(150 * time.Millisecond)
	if provider.calls.Load() != calls {
		t.Error("Stopped loop must not keep capturing")
	}

	// Idempotent for unknown and already-stopped devices.
	captures.StopCapture("dev1")
	captures.StopCapture("never-started")
}

func TestCaptureOnceAbandonsSlowProvider(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)
	release := make(chan struct{})
	provider := &fakeProvider{fn: func(ctx context.Context, _ string) ([]byte, error) {
		// Simulate a hung transport that only notices cancellation.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return []byte("late"), nil
		}
	}}
	captures := NewCaptureService(provider, hub, nil)
	defer close(release)

	// Cancelling the parent context makes the bounded capture return
	// promptly instead of waiting out the full timeout.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := captures.captureOnce(ctx, "dev1")
	if err == nil {
		t.Fatal("Abandoned capture should return an error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("captureOnce took %v, should abandon promptly", elapsed)
	}
	if errors.Is(err, ErrCaptureTimeout) {
		t.Errorf("Cancel is not a timeout: %v", err)
	}
}
