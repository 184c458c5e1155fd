package service

import (
	"encoding/binary"
)

// Companion push frame envelope:
//
//	offset 0..3  frameNumber   (uint32, big-endian)
//	offset 4..7  captureTimeMs (uint32, big-endian)
//	offset 8..   JPEG payload, runs to the end of the message
const (
	envelopeHeaderSize = 8
	// Header plus at least 2 payload bytes.
	minEnvelopeSize = 10
)

// EncodeFrameEnvelope builds a companion push message from a frame counter,
// a device-relative capture timestamp in milliseconds, and the JPEG payload.
func EncodeFrameEnvelope(frameNumber, captureTimeMs uint32, payload []byte) []byte {
	buf := make([]byte, envelopeHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], frameNumber)
	binary.BigEndian.PutUint32(buf[4:8], captureTimeMs)
	copy(buf[envelopeHeaderSize:], payload)
	return buf
}

// DecodeFrameEnvelope splits a companion push message into header fields and
// payload. Returns ErrMalformedFrame when the message is shorter than the
// 10-byte minimum. The payload is not validated as JPEG at this layer; the
// transcoder catches corrupt images.
func DecodeFrameEnvelope(data []byte) (frameNumber, captureTimeMs uint32, payload []byte, err error) {
	if len(data) < minEnvelopeSize {
		return 0, 0, nil, ErrMalformedFrame
	}
	frameNumber = binary.BigEndian.Uint32(data[0:4])
	captureTimeMs = binary.BigEndian.Uint32(data[4:8])
	return frameNumber, captureTimeMs, data[envelopeHeaderSize:], nil
}
