// Package protocol implements the mirror wire format: a fixed 26-byte
// big-endian frame header followed by an opaque payload. The package is
// pure encode/decode with no I/O; the transport layer moves the bytes.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Version is the current protocol version, carried in every frame header.
const Version uint8 = 1

// HeaderSize is the fixed frame header length:
// version(1) + kind(1) + sequence(8) + timestamp(8) + width(2) + height(2) + payload_len(4).
const HeaderSize = 26

// MaxPayloadSize bounds the declared payload length of a single frame.
// Anything larger is treated as a corrupt header rather than a frame.
const MaxPayloadSize = 64 * 1024 * 1024

// Kind identifies what a frame's payload carries.
type Kind uint8

const (
	// KindRawImage is uncompressed RGBA pixel data, used for diagnostic
	// and test-pattern traffic. It bypasses the decoder on the receiver.
	KindRawImage Kind = 0

	// KindEncodedVideo is one compressed video access unit.
	KindEncodedVideo Kind = 1

	// KindControl is a JSON control message (see control.go).
	KindControl Kind = 2

	// KindStats is a JSON statistics snapshot.
	KindStats Kind = 3
)

// kindCount is the number of defined frame kinds; values at or above this
// are unknown to this protocol version.
const kindCount = 4

func (k Kind) valid() bool { return k < kindCount }

func (k Kind) String() string {
	switch k {
	case KindRawImage:
		return "raw-image"
	case KindEncodedVideo:
		return "encoded-video"
	case KindControl:
		return "control"
	case KindStats:
		return "stats"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one wire-protocol message. Sequence values are assigned by the
// sender at enqueue time and are strictly increasing within a session;
// a receiver observing a gap infers dropped frames, never retransmission.
type Frame struct {
	Version     uint8
	Kind        Kind
	Sequence    uint64
	TimestampUS uint64 // microseconds since session start
	Width       uint16
	Height      uint16
	Payload     []byte
}

// EncodedSize reports the full wire length of the frame.
func (f *Frame) EncodedSize() int {
	return HeaderSize + len(f.Payload)
}

// Validate checks the frame against protocol invariants before encoding.
func (f *Frame) Validate() error {
	if !f.Kind.valid() {
		return newErr(UnknownFrameKind, "kind %d", uint8(f.Kind))
	}
	if len(f.Payload) > MaxPayloadSize {
		return newErr(OversizedPayload, "payload %d bytes exceeds %d", len(f.Payload), MaxPayloadSize)
	}
	if f.Kind == KindEncodedVideo && (f.Width%2 != 0 || f.Height%2 != 0) {
		return newErr(InvalidHeader, "encoded video dimensions %dx%d must be even", f.Width, f.Height)
	}
	return nil
}

// AppendEncode appends the wire encoding of f to dst and returns the
// extended slice. The frame's Version field is ignored and written as the
// package's Version constant.
func (f *Frame) AppendEncode(dst []byte) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return dst, err
	}
	dst = append(dst, Version, uint8(f.Kind))
	dst = binary.BigEndian.AppendUint64(dst, f.Sequence)
	dst = binary.BigEndian.AppendUint64(dst, f.TimestampUS)
	dst = binary.BigEndian.AppendUint16(dst, f.Width)
	dst = binary.BigEndian.AppendUint16(dst, f.Height)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	return append(dst, f.Payload...), nil
}

// Encode returns the wire encoding of f in a fresh buffer.
func (f *Frame) Encode() ([]byte, error) {
	return f.AppendEncode(make([]byte, 0, f.EncodedSize()))
}
