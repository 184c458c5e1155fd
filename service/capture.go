package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	// Budget for a single screenshot pull; slower captures are abandoned.
	captureTimeout = 3 * time.Second
	// Breather after an abandoned or failed capture before the next try,
	// so one slow pull doesn't head-of-line block the device.
	captureSkipDelay = 100 * time.Millisecond
)

// ScreenshotProvider returns a single raw screen image (PNG/JPEG) for a
// device. Implemented by the device manager on top of the ADB client.
type ScreenshotProvider interface {
	Screenshot(ctx context.Context, deviceID string) ([]byte, error)
}

// CaptureService runs the pull-ingestion path: one poll loop per device that
// feeds screenshots into the capture hub as ADB-sourced canonical frames.
// A device being actively pushed by its companion app is not polled; that
// arbitration lives here, not in the hub.
type CaptureService struct {
	provider ScreenshotProvider
	hub      *CaptureHub
	liveness Liveness

	mu    sync.Mutex
	loops map[string]*captureLoop
}

type captureLoop struct {
	deviceID string
	preset   QualityPreset
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCaptureService creates the service. liveness may be nil when no
// companion path exists (tests).
func NewCaptureService(provider ScreenshotProvider, hub *CaptureHub, liveness Liveness) *CaptureService {
	return &CaptureService{
		provider: provider,
		hub:      hub,
		liveness: liveness,
		loops:    make(map[string]*captureLoop),
	}
}

// StartCapture starts the poll loop for a device at the cadence of the
// given preset. No-op if the device is already being polled; refused while
// the companion path is live for it.
func (s *CaptureService) StartCapture(deviceID string, preset QualityPreset) error {
	if s.liveness != nil && s.liveness.IsStreaming(deviceID) {
		return fmt.Errorf("device %s is streaming via companion, not starting poll loop", deviceID)
	}

	s.mu.Lock()
	if _, ok := s.loops[deviceID]; ok {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop := &captureLoop{
		deviceID: deviceID,
		preset:   preset,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.loops[deviceID] = loop
	s.mu.Unlock()

	log.Printf("🎬 [%s] Capture loop starting (preset=%s, every %v)", deviceID, preset.Name, preset.FrameDelay)
	go s.run(ctx, loop)
	return nil
}

// StopCapture stops the device's poll loop and waits for it to exit.
// Idempotent.
func (s *CaptureService) StopCapture(deviceID string) {
	s.mu.Lock()
	loop, ok := s.loops[deviceID]
	if ok {
		delete(s.loops, deviceID)
	}
	s.mu.Unlock()

	if ok {
		loop.cancel()
		<-loop.done
	}
}

// StopAll stops every running poll loop.
func (s *CaptureService) StopAll() {
	s.mu.Lock()
	loops := make([]*captureLoop, 0, len(s.loops))
	for _, loop := range s.loops {
		loops = append(loops, loop)
	}
	s.loops = make(map[string]*captureLoop)
	s.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
		<-loop.done
	}
}

// IsCapturing reports whether a poll loop is running for the device.
func (s *CaptureService) IsCapturing(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[deviceID]
	return ok
}

// CapturingDevices returns the devices currently being polled, with their
// preset names.
func (s *CaptureService) CapturingDevices() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := make(map[string]string, len(s.loops))
	for id, loop := range s.loops {
		devices[id] = loop.preset.Name
	}
	return devices
}

// run polls until cancelled. Capture failures and timeouts are logged and
// retried after a short delay; only an explicit stop ends the loop.
func (s *CaptureService) run(ctx context.Context, loop *captureLoop) {
	defer close(loop.done)
	defer log.Printf("🛑 [%s] Capture loop stopped", loop.deviceID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := s.captureOnce(ctx, loop.deviceID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("⚠️ [%s] Capture failed: %v", loop.deviceID, err)
			if !sleep(ctx, captureSkipDelay) {
				return
			}
			continue
		}

		s.hub.Publish(loop.deviceID, &CanonicalFrame{
			DeviceID:     loop.deviceID,
			Payload:      data,
			CapturedAtMs: nowMillis(),
			Source:       SourceADB,
		})

		if !sleep(ctx, loop.preset.FrameDelay) {
			return
		}
	}
}

// captureOnce bounds one provider call by the capture timeout. A provider
// that overruns is abandoned, not awaited; its goroutine finishes into a
// buffered channel nobody reads.
func (s *CaptureService) captureOnce(ctx context.Context, deviceID string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := s.provider.Screenshot(cctx, deviceID)
		ch <- result{data, err}
	}()

	select {
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrCaptureTimeout, captureTimeout)
		}
		return nil, cctx.Err()
	case r := <-ch:
		return r.data, r.err
	}
}

// nowMillis is the capture timestamp used for ADB-sourced frames.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// sleep waits for d or until ctx is cancelled; returns false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
