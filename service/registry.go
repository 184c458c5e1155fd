package service

import (
	"log"
	"sort"
	"sync"
	"time"
)

// A registered device counts as actively streaming only while frames keep
// arriving inside this window.
const livenessWindow = 5 * time.Second

// FrameSink receives accepted companion frames (full envelope bytes, header
// included). Implemented by the capture hub. The sink is invoked outside the
// registry lock, so it can observe a device that was unregistered a moment
// earlier; sinks must check liveness themselves before acting.
type FrameSink interface {
	OnFrame(deviceID string, frame []byte) error
}

// StreamStats is a point-in-time snapshot of one device's companion stream.
type StreamStats struct {
	DeviceID       string    `json:"device_id"`
	FramesReceived uint64    `json:"frames_received"`
	BytesReceived  uint64    `json:"bytes_received"`
	LastFrameTime  time.Time `json:"last_frame_time"`
	ConnectTime    time.Time `json:"connect_time"`
	Disconnected   bool      `json:"disconnected"`
	LastError      string    `json:"last_error,omitempty"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
	FPS            float64   `json:"fps"`
}

// streamEntry is the registry's mutable record for one registration.
// Entries are retained after disconnect for inspection and only replaced by
// a fresh RegisterDevice.
type streamEntry struct {
	framesReceived uint64
	bytesReceived  uint64
	lastFrameTime  time.Time
	connectTime    time.Time
	disconnected   bool
	lastError      string
}

// StreamRegistry tracks companion push streams per device: registration
// exclusivity, frame counters, liveness, and the per-device frame sink that
// feeds the capture hub. One instance is constructed at startup and passed
// to whatever needs it.
type StreamRegistry struct {
	mu      sync.Mutex
	entries map[string]*streamEntry
	sinks   map[string]FrameSink

	// Injectable clock for liveness tests.
	now func() time.Time
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		entries: make(map[string]*streamEntry),
		sinks:   make(map[string]FrameSink),
		now:     time.Now,
	}
}

// RegisterDevice claims the companion stream slot for a device. Returns
// false if the device already has an active (not disconnected) registration;
// a disconnected entry is overwritten with a fresh one.
func (r *StreamRegistry) RegisterDevice(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[deviceID]; ok && !entry.disconnected {
		log.Printf("⚠️ [%s] Register rejected: already streaming", deviceID)
		return false
	}

	r.entries[deviceID] = &streamEntry{connectTime: r.now()}
	log.Printf("📲 [%s] Companion stream registered", deviceID)
	return true
}

// UnregisterDevice marks the device's entry disconnected and removes its
// frame sink. Idempotent; safe to call for unknown devices.
func (r *StreamRegistry) UnregisterDevice(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[deviceID]; ok && !entry.disconnected {
		entry.disconnected = true
		log.Printf("📴 [%s] Companion stream unregistered (%d frames, %d bytes)",
			deviceID, entry.framesReceived, entry.bytesReceived)
	}
	delete(r.sinks, deviceID)
}

// ReceiveFrame ingests one companion push message. Returns false without
// touching counters when the envelope is malformed, the device is unknown,
// or its stream is disconnected. On an accepted frame the counters are
// updated first; a sink failure afterwards is recorded into lastError and
// reported as false, but the frame still counts as received.
//
// The counter update happens under the registry lock; the sink reference is
// copied out and invoked after the lock is released so a slow consumer never
// stalls concurrent registry operations.
func (r *StreamRegistry) ReceiveFrame(deviceID string, frame []byte) bool {
	if _, _, _, err := DecodeFrameEnvelope(frame); err != nil {
		return false
	}

	r.mu.Lock()
	entry, ok := r.entries[deviceID]
	if !ok || entry.disconnected {
		r.mu.Unlock()
		return false
	}

	entry.framesReceived++
	entry.bytesReceived += uint64(len(frame))
	entry.lastFrameTime = r.now()
	sink := r.sinks[deviceID]
	r.mu.Unlock()

	if sink == nil {
		return true
	}
	if err := sink.OnFrame(deviceID, frame); err != nil {
		// The error belongs to this registration's entry even if the
		// device was unregistered and re-registered while the sink ran.
		r.mu.Lock()
		entry.lastError = err.Error()
		r.mu.Unlock()
		log.Printf("⚠️ [%s] Frame sink failed: %v", deviceID, err)
		return false
	}
	return true
}

// SetFrameSink installs the per-device sink, replacing any existing one.
func (r *StreamRegistry) SetFrameSink(deviceID string, sink FrameSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[deviceID] = sink
}

// RemoveFrameSink removes the per-device sink if installed.
func (r *StreamRegistry) RemoveFrameSink(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, deviceID)
}

// IsStreaming reports whether a device has an active registration with a
// frame received inside the liveness window. A registered but idle device
// reports false.
func (r *StreamRegistry) IsStreaming(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isStreamingLocked(deviceID)
}

func (r *StreamRegistry) isStreamingLocked(deviceID string) bool {
	entry, ok := r.entries[deviceID]
	if !ok || entry.disconnected {
		return false
	}
	return r.now().Sub(entry.lastFrameTime) < livenessWindow
}

// GetStats returns a snapshot for one device. The second result is false
// when no entry exists (disconnected entries are still returned).
func (r *StreamRegistry) GetStats(deviceID string) (StreamStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[deviceID]
	if !ok {
		return StreamStats{}, false
	}
	return r.snapshotLocked(deviceID, entry), true
}

// GetAllStats returns snapshots for every known device, disconnected
// entries included.
func (r *StreamRegistry) GetAllStats() map[string]StreamStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]StreamStats, len(r.entries))
	for id, entry := range r.entries {
		stats[id] = r.snapshotLocked(id, entry)
	}
	return stats
}

// GetActiveDevices lists devices currently streaming, sorted for stable
// output.
func (r *StreamRegistry) GetActiveDevices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := make([]string, 0, len(r.entries))
	for id := range r.entries {
		if r.isStreamingLocked(id) {
			active = append(active, id)
		}
	}
	sort.Strings(active)
	return active
}

func (r *StreamRegistry) snapshotLocked(deviceID string, entry *streamEntry) StreamStats {
	stats := StreamStats{
		DeviceID:       deviceID,
		FramesReceived: entry.framesReceived,
		BytesReceived:  entry.bytesReceived,
		LastFrameTime:  entry.lastFrameTime,
		ConnectTime:    entry.connectTime,
		Disconnected:   entry.disconnected,
		LastError:      entry.lastError,
	}
	stats.UptimeSeconds = r.now().Sub(entry.connectTime).Seconds()
	if stats.UptimeSeconds > 1 {
		stats.FPS = float64(entry.framesReceived) / stats.UptimeSeconds
	}
	return stats
}
