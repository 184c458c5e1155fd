package service

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// FrameSender delivers one encoded frame to a viewer without blocking.
// SendFrame returns false when the viewer cannot accept more data right now;
// the frame is dropped and the loop moves on to whatever is newest by the
// next tick. Implemented by the websocket client's buffered send channel.
type FrameSender interface {
	SendFrame(data []byte) bool
}

// Subscription is one viewer's attachment to a device. Owned exclusively by
// its distribution loop: created on viewer connect, destroyed on disconnect.
type Subscription struct {
	ID       string
	DeviceID string
	Preset   QualityPreset

	sender FrameSender
	ctx    context.Context
	cancel context.CancelFunc

	// Loop-private; only the distribution goroutine touches it.
	lastSent *CanonicalFrame

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// ViewerStats is a monitoring snapshot of one subscription.
type ViewerStats struct {
	ID            string `json:"id"`
	DeviceID      string `json:"device_id"`
	Preset        string `json:"preset"`
	FramesSent    uint64 `json:"frames_sent"`
	FramesDropped uint64 `json:"frames_dropped"`
}

func (s *Subscription) stats() ViewerStats {
	return ViewerStats{
		ID:            s.ID,
		DeviceID:      s.DeviceID,
		Preset:        s.Preset.Name,
		FramesSent:    s.framesSent.Load(),
		FramesDropped: s.framesDropped.Load(),
	}
}

// runViewer is the per-subscription distribution loop: sleep for the
// viewer's own frame delay, read the latest canonical frame, suppress
// duplicates, transcode for this viewer's preset and hand off without
// blocking. Slow ingestion just means quiet ticks; a slow viewer only ever
// misses frames, it never builds a backlog.
func (h *CaptureHub) runViewer(sub *Subscription) {
	ticker := time.NewTicker(sub.Preset.FrameDelay)
	defer ticker.Stop()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
		}

		frame := h.LatestFrame(sub.DeviceID)
		if frame == nil || frame == sub.lastSent {
			continue
		}

		data, err := h.transcoder.Transcode(frame, sub.Preset)
		if err != nil {
			// Corrupt frame: skip it for this viewer and don't retry the
			// same bytes every tick.
			log.Printf("⚠️ [%s] Dropping frame for viewer %s: %v", sub.DeviceID, sub.ID, err)
			sub.lastSent = frame
			continue
		}

		if sub.sender.SendFrame(data) {
			sub.lastSent = frame
			sub.framesSent.Add(1)
		} else {
			// Viewer not ready; latest-frame-wins, so leave lastSent alone
			// and send whatever is newest next tick.
			sub.framesDropped.Add(1)
		}
	}
}
