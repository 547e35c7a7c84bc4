package encode

import (
	"fmt"
	"sync/atomic"

	"github.com/thunderlink/mirror/internal/media"
)

// RawEncoder is the built-in software codec used by the diagnostic
// pattern path and the pipeline tests. Every unit carries the full image,
// so any unit is decodable on its own; the keyframe flag still follows
// the configured GOP so receiver-side recovery logic is exercised
// realistically.
type RawEncoder struct {
	cfg      Config
	active   bool
	count    uint64
	forceKey atomic.Bool
}

// NewRawEncoder returns an uninitialized raw encoder.
func NewRawEncoder() *RawEncoder {
	return &RawEncoder{}
}

// Init binds the encoder to the given dimensions.
func (e *RawEncoder) Init(cfg Config) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("raw encoder: invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = 30
	}
	e.cfg = cfg
	e.active = true
	e.count = 0
	return nil
}

// Encode emits rejected input as an error when the image does not match
// the session's dimensions; the pipeline recreates the session first.
func (e *RawEncoder) Encode(img media.Image) error {
	if !e.active {
		return fmt.Errorf("raw encoder: not initialized")
	}
	if img.Width != e.cfg.Width || img.Height != e.cfg.Height {
		return fmt.Errorf("raw encoder: image %dx%d does not match session %dx%d",
			img.Width, img.Height, e.cfg.Width, e.cfg.Height)
	}

	keyframe := e.count%uint64(e.cfg.KeyframeInterval) == 0
	if e.forceKey.CompareAndSwap(true, false) {
		keyframe = true
	}
	e.count++

	data := make([]byte, len(img.Data))
	copy(data, img.Data)
	if e.cfg.OnUnit != nil {
		e.cfg.OnUnit(media.EncodedUnit{
			Data:     data,
			Width:    img.Width,
			Height:   img.Height,
			Keyframe: keyframe,
		})
	}
	return nil
}

// UpdateBitrate records the new target. The raw codec does not compress,
// so the value only affects reporting.
func (e *RawEncoder) UpdateBitrate(bps int) error {
	if !e.active {
		return fmt.Errorf("raw encoder: not initialized")
	}
	e.cfg.Bitrate = bps
	return nil
}

// ForceKeyframe marks the next unit as a keyframe.
func (e *RawEncoder) ForceKeyframe() {
	e.forceKey.Store(true)
}

// Shutdown releases the session.
func (e *RawEncoder) Shutdown() error {
	e.active = false
	return nil
}
