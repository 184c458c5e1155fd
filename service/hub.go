package service

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// FrameSource marks which ingestion path produced a canonical frame.
type FrameSource int

const (
	SourceADB FrameSource = iota
	SourceCompanion
)

func (s FrameSource) String() string {
	return [...]string{"adb", "companion"}[s]
}

// CanonicalFrame is the single most-recent screen image held per device.
// Payload must not be modified after publish; it is shared by reference
// with every viewer loop.
type CanonicalFrame struct {
	DeviceID     string
	Payload      []byte
	CapturedAtMs int64
	Source       FrameSource
}

// Liveness reports whether a device is actively pushing companion frames.
// Implemented by the stream registry.
type Liveness interface {
	IsStreaming(deviceID string) bool
}

// CaptureHub decouples frame ingestion from distribution. Per device it
// keeps one atomically-replaceable latest-frame slot (last publish wins, no
// queueing) and the set of live viewer subscriptions, each served by its
// own goroutine at its own pace.
type CaptureHub struct {
	transcoder *Transcoder
	liveness   Liveness

	mu      sync.Mutex
	devices map[string]*hubEntry
}

type hubEntry struct {
	latest atomic.Pointer[CanonicalFrame]
	subs   map[string]*Subscription
}

// NewCaptureHub creates a hub. liveness may be nil (companion frames are
// then accepted without a staleness check; used in tests).
func NewCaptureHub(transcoder *Transcoder, liveness Liveness) *CaptureHub {
	return &CaptureHub{
		transcoder: transcoder,
		liveness:   liveness,
		devices:    make(map[string]*hubEntry),
	}
}

func (h *CaptureHub) entry(deviceID string) *hubEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.devices[deviceID]
	if !ok {
		entry = &hubEntry{subs: make(map[string]*Subscription)}
		h.devices[deviceID] = entry
	}
	return entry
}

// Publish replaces the device's latest frame unconditionally. Safe to call
// concurrently with subscriber reads; the slot is a single atomic value, not
// a queue. Which ingestion source publishes for a device is arbitrated
// upstream; the hub accepts whichever publishes last.
func (h *CaptureHub) Publish(deviceID string, frame *CanonicalFrame) {
	h.entry(deviceID).latest.Store(frame)
}

// LatestFrame returns the device's current canonical frame, or nil when no
// frame has been published yet.
func (h *CaptureHub) LatestFrame(deviceID string) *CanonicalFrame {
	h.mu.Lock()
	entry, ok := h.devices[deviceID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return entry.latest.Load()
}

// OnFrame implements FrameSink: companion envelopes accepted by the registry
// land here and become canonical frames. The registry invokes sinks outside
// its lock, so a frame can arrive just after the device unregistered; the
// liveness check drops those late frames.
func (h *CaptureHub) OnFrame(deviceID string, frame []byte) error {
	if h.liveness != nil && !h.liveness.IsStreaming(deviceID) {
		return nil
	}
	_, captureTimeMs, payload, err := DecodeFrameEnvelope(frame)
	if err != nil {
		return err
	}
	h.Publish(deviceID, &CanonicalFrame{
		DeviceID:     deviceID,
		Payload:      payload,
		CapturedAtMs: int64(captureTimeMs),
		Source:       SourceCompanion,
	})
	return nil
}

// Subscribe attaches a viewer to a device and starts its distribution loop.
// Each subscription paces itself by its own preset, independent of other
// viewers on the same device.
func (h *CaptureHub) Subscribe(deviceID string, preset QualityPreset, sender FrameSender) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		Preset:   preset,
		sender:   sender,
		ctx:      ctx,
		cancel:   cancel,
	}

	entry := h.entry(deviceID)
	h.mu.Lock()
	entry.subs[sub.ID] = sub
	viewers := len(entry.subs)
	h.mu.Unlock()

	log.Printf("👁️ [%s] Viewer subscribed (preset=%s, total=%d)", deviceID, preset.Name, viewers)
	go h.runViewer(sub)
	return sub
}

// Unsubscribe stops the subscription's loop and removes it from the device.
// Idempotent.
func (h *CaptureHub) Unsubscribe(sub *Subscription) {
	sub.cancel()

	viewers := 0
	h.mu.Lock()
	if entry, ok := h.devices[sub.DeviceID]; ok {
		delete(entry.subs, sub.ID)
		viewers = len(entry.subs)
	}
	h.mu.Unlock()

	log.Printf("👁️ [%s] Viewer unsubscribed (remaining=%d)", sub.DeviceID, viewers)
}

// ViewerCount returns the number of live subscriptions for a device.
func (h *CaptureHub) ViewerCount(deviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.devices[deviceID]
	if !ok {
		return 0
	}
	return len(entry.subs)
}

// Viewers returns monitoring snapshots for a device's subscriptions.
func (h *CaptureHub) Viewers(deviceID string) []ViewerStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.devices[deviceID]
	if !ok {
		return nil
	}
	stats := make([]ViewerStats, 0, len(entry.subs))
	for _, sub := range entry.subs {
		stats = append(stats, sub.stats())
	}
	return stats
}
