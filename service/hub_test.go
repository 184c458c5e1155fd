package service

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"
)

// countingSender accepts every frame and counts deliveries.
type countingSender struct {
	frames atomic.Uint64
}

func (s *countingSender) SendFrame(data []byte) bool {
	s.frames.Add(1)
	return true
}

// refusingSender is a viewer that is never ready.
type refusingSender struct{}

func (refusingSender) SendFrame([]byte) bool { return false }

// staticLiveness is a Liveness stub.
type staticLiveness bool

func (l staticLiveness) IsStreaming(string) bool { return bool(l) }

func TestPublishLastWriteWins(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)

	if hub.LatestFrame("dev1") != nil {
		t.Fatal("No frame published yet")
	}

	first := testFrame([]byte("first"))
	second := testFrame([]byte("second"))
	hub.Publish("dev1", first)
	hub.Publish("dev1", second)

	if got := hub.LatestFrame("dev1"); got != second {
		t.Errorf("LatestFrame should be the last published, got %+v", got)
	}
	if hub.LatestFrame("dev2") != nil {
		t.Error("Devices are independent")
	}
}

func TestOnFramePublishesCompanionFrame(t *testing.T) {
	registry := NewStreamRegistry()
	hub := NewCaptureHub(NewTranscoder(), registry)
	registry.RegisterDevice("dev1")
	registry.SetFrameSink("dev1", hub)

	payload := []byte("jpeg-payload")
	if !registry.ReceiveFrame("dev1", EncodeFrameEnvelope(9, 1234, payload)) {
		t.Fatal("Frame should be accepted")
	}

	frame := hub.LatestFrame("dev1")
	if frame == nil {
		t.Fatal("Hub should hold the companion frame")
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("Payload = %q, want header stripped", frame.Payload)
	}
	if frame.Source != SourceCompanion {
		t.Errorf("Source = %v, want companion", frame.Source)
	}
	if frame.CapturedAtMs != 1234 {
		t.Errorf("CapturedAtMs = %d, want 1234", frame.CapturedAtMs)
	}
}

func TestOnFrameDropsStaleDevice(t *testing.T) {
	// A sink call can race an unregister; the hub must check liveness and
	// drop the late frame instead of publishing for a dead device.
	hub := NewCaptureHub(NewTranscoder(), staticLiveness(false))

	err := hub.OnFrame("dev1", EncodeFrameEnvelope(1, 0, []byte("xx")))
	if err != nil {
		t.Fatalf("Late frame is benign, got error %v", err)
	}
	if hub.LatestFrame("dev1") != nil {
		t.Error("Late frame must not be published")
	}
}

func TestViewerReceivesTranscodedFrames(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)
	sender := &countingSender{}

	sub := hub.Subscribe("dev1", PresetByName("ultrafast"), sender)
	defer hub.Unsubscribe(sub)

	hub.Publish("dev1", testFrame(makeTestJPEG(t, 64, 64)))

	deadline := time.Now().Add(2 * time.Second)
	for sender.frames.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.frames.Load() == 0 {
		t.Fatal("Viewer never received a frame")
	}
}

func TestViewerSuppressesDuplicates(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)
	sender := &countingSender{}

	sub := hub.Subscribe("dev1", PresetByName("ultrafast"), sender)
	defer hub.Unsubscribe(sub)

	hub.Publish("dev1", testFrame(makeTestJPEG(t, 32, 32)))

	// Plenty of ticks pass; the unchanged frame must be sent exactly once.
	time.Sleep(300 * time.Millisecond)
	if got := sender.frames.Load(); got != 1 {
		t.Errorf("Unchanged frame sent %d times, want 1", got)
	}
}

func TestViewerPacingIndependence(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)
	fast := &countingSender{}
	slow := &countingSender{}

	fastSub := hub.Subscribe("dev1", PresetByName("ultrafast"), fast) // 30ms
	slowSub := hub.Subscribe("dev1", PresetByName("high"), slow)      // 150ms
	defer hub.Unsubscribe(fastSub)
	defer hub.Unsubscribe(slowSub)

	// Publish a fresh frame faster than either viewer's cadence.
	payload := makeTestJPEG(t, 32, 32)
	stop := time.After(600 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			hub.Publish("dev1", testFrame(payload))
		}
	}

	fastCount, slowCount := fast.frames.Load(), slow.frames.Load()
	if fastCount == 0 || slowCount == 0 {
		t.Fatalf("Both viewers should receive frames, got %d/%d", fastCount, slowCount)
	}
	if fastCount <= slowCount {
		t.Errorf("Faster preset should observe a higher rate: fast=%d slow=%d", fastCount, slowCount)
	}
}

func TestViewerBackpressureDropsFrames(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)

	sub := hub.Subscribe("dev1", PresetByName("ultrafast"), refusingSender{})
	defer hub.Unsubscribe(sub)

	hub.Publish("dev1", testFrame(makeTestJPEG(t, 32, 32)))

	deadline := time.Now().Add(2 * time.Second)
	for sub.framesDropped.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sub.framesDropped.Load() == 0 {
		t.Fatal("Refused sends should count as drops")
	}
	if sub.framesSent.Load() != 0 {
		t.Error("Nothing should count as sent")
	}
}

func TestViewerSkipsCorruptFrameOnce(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)
	sender := &countingSender{}

	sub := hub.Subscribe("dev1", PresetByName("ultrafast"), sender)
	defer hub.Unsubscribe(sub)

	hub.Publish("dev1", testFrame([]byte("garbage")))
	time.Sleep(150 * time.Millisecond)
	if sender.frames.Load() != 0 {
		t.Fatal("Corrupt frame must not reach the viewer")
	}

	// The next good frame flows normally.
	hub.Publish("dev1", testFrame(makeTestJPEG(t, 32, 32)))
	deadline := time.Now().Add(2 * time.Second)
	for sender.frames.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.frames.Load() == 0 {
		t.Fatal("Good frame after a corrupt one should be delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)
	sender := &countingSender{}

	sub := hub.Subscribe("dev1", PresetByName("ultrafast"), sender)
	if hub.ViewerCount("dev1") != 1 {
		t.Fatalf("ViewerCount = %d, want 1", hub.ViewerCount("dev1"))
	}

	hub.Unsubscribe(sub)
	if hub.ViewerCount("dev1") != 0 {
		t.Fatalf("ViewerCount after unsubscribe = %d, want 0", hub.ViewerCount("dev1"))
	}

	// Unsubscribe is idempotent and publishing afterwards is harmless.
	hub.Unsubscribe(sub)
	hub.Publish("dev1", testFrame(makeTestJPEG(t, 32, 32)))
	time.Sleep(150 * time.Millisecond)
	if sender.frames.Load() != 0 {
		t.Error("Unsubscribed viewer must not receive frames")
	}
}

func TestViewerStatsSnapshot(t *testing.T) {
	hub := NewCaptureHub(NewTranscoder(), nil)
	sender := &countingSender{}

	sub := hub.Subscribe("dev1", PresetByName("low"), sender)
	defer hub.Unsubscribe(sub)

	viewers := hub.Viewers("dev1")
	if len(viewers) != 1 {
		t.Fatalf("Viewers = %d, want 1", len(viewers))
	}
	if viewers[0].Preset != "low" || viewers[0].DeviceID != "dev1" || viewers[0].ID != sub.ID {
		t.Errorf("Unexpected viewer snapshot: %+v", viewers[0])
	}
	if hub.Viewers("other") != nil {
		t.Error("Unknown device has no viewers")
	}
}
