// Package encode drives a video encoder from captured images: it owns the
// sender-side codec session lifecycle, applies the drop-on-busy
// backpressure policy, and hands encoded frames to the transport.
package encode

import (
	"github.com/thunderlink/mirror/internal/media"
)

// Config binds a codec session to a (width, height, bitrate, fps) tuple.
// A session must be destroyed and recreated whenever width or height
// changes; bitrate may be updated in place.
type Config struct {
	Width   int
	Height  int
	Bitrate int // bits per second
	FPS     int

	// KeyframeInterval is the fixed GOP length in frames. Short and fixed
	// so receiver-side recovery after a decode failure is bounded in time.
	KeyframeInterval int

	// OnUnit receives each encoded access unit. Called on the encoder's
	// delivery cadence; must not retain the slice past the call unless
	// the encoder documents otherwise.
	OnUnit func(unit media.EncodedUnit)
}

// Encoder is the hardware/software codec capability boundary. The pipeline
// depends only on this interface; platform codecs implement it.
type Encoder interface {
	Init(cfg Config) error
	Encode(img media.Image) error
	UpdateBitrate(bps int) error
	Shutdown() error
}

// KeyframeForcer is an optional Encoder capability. Encoders that can
// emit an out-of-schedule keyframe implement it; the pipeline uses it to
// service receiver keyframe requests.
type KeyframeForcer interface {
	ForceKeyframe()
}
