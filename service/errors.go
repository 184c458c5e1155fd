package service

import "errors"

// Everything here is recoverable at the point of occurrence; nothing in the
// streaming core is fatal to the process.
var (
	// ErrMalformedFrame means a companion message was too short or its
	// header could not be parsed. The frame is dropped, no state changes.
	ErrMalformedFrame = errors.New("malformed frame envelope")

	// ErrUnknownDevice means no registry entry exists for the device.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrStreamClosed means the device's registry entry is disconnected.
	ErrStreamClosed = errors.New("stream closed")

	// ErrCaptureTimeout means the screenshot provider exceeded the
	// per-capture budget; the attempt is abandoned, the loop continues.
	ErrCaptureTimeout = errors.New("capture timed out")

	// ErrTranscodeFailure means a frame could not be decoded for
	// re-encoding; the frame is skipped for that viewer only.
	ErrTranscodeFailure = errors.New("transcode failed")
)
