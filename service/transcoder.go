package service

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"time"

	xdraw "golang.org/x/image/draw"

	_ "image/png" // ADB screencap frames arrive as PNG
)

// QualityPreset bundles a resolution cap, JPEG quality and pacing interval.
// Lower presets trade sharpness for smoothness.
type QualityPreset struct {
	Name        string        `json:"name"`
	MaxHeight   int           `json:"max_height"` // 0 = no cap
	JPEGQuality int           `json:"jpeg_quality"`
	TargetFPS   int           `json:"target_fps"`
	FrameDelay  time.Duration `json:"-"`
}

var qualityPresets = map[string]QualityPreset{
	"high":      {Name: "high", MaxHeight: 0, JPEGQuality: 85, TargetFPS: 5, FrameDelay: 150 * time.Millisecond},
	"medium":    {Name: "medium", MaxHeight: 720, JPEGQuality: 75, TargetFPS: 12, FrameDelay: 80 * time.Millisecond},
	"low":       {Name: "low", MaxHeight: 480, JPEGQuality: 65, TargetFPS: 18, FrameDelay: 50 * time.Millisecond},
	"fast":      {Name: "fast", MaxHeight: 360, JPEGQuality: 55, TargetFPS: 25, FrameDelay: 40 * time.Millisecond},
	"ultrafast": {Name: "ultrafast", MaxHeight: 240, JPEGQuality: 45, TargetFPS: 30, FrameDelay: 30 * time.Millisecond},
}

// PresetByName resolves a preset name, falling back to medium for unknown
// names (including the empty string).
func PresetByName(name string) QualityPreset {
	if preset, ok := qualityPresets[name]; ok {
		return preset
	}
	return qualityPresets["medium"]
}

// PresetNames lists the available preset names.
func PresetNames() []string {
	return []string{"high", "medium", "low", "fast", "ultrafast"}
}

// Transcoder re-encodes canonical frames to a viewer's preset: downscale
// when the source exceeds the preset's height cap, flatten any alpha to
// opaque RGB, re-encode as JPEG at the preset quality.
type Transcoder struct{}

func NewTranscoder() *Transcoder {
	return &Transcoder{}
}

// Transcode converts one frame for one preset. Deterministic for identical
// input bytes and preset. A corrupt or unsupported image yields
// ErrTranscodeFailure; callers skip the frame rather than forward raw bytes.
func (t *Transcoder) Transcode(frame *CanonicalFrame, preset QualityPreset) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(frame.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscodeFailure, err)
	}

	src := img.Bounds()
	dstW, dstH := src.Dx(), src.Dy()
	if preset.MaxHeight > 0 && dstH > preset.MaxHeight {
		// Preserve aspect ratio against the height cap.
		dstW = int(math.Round(float64(dstW) * float64(preset.MaxHeight) / float64(dstH)))
		if dstW < 1 {
			dstW = 1
		}
		dstH = preset.MaxHeight
	}

	// Composite onto an opaque base so alpha never reaches the encoder.
	out := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	if dstW == src.Dx() && dstH == src.Dy() {
		draw.Draw(out, out.Bounds(), img, src.Min, draw.Over)
	} else {
		xdraw.CatmullRom.Scale(out, out.Bounds(), img, src, xdraw.Over, nil)
	}

	var buf bytes.Buffer
	buf.Grow(64 * 1024)
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: preset.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscodeFailure, err)
	}
	return buf.Bytes(), nil
}
