// Package decode turns incoming frames back into images: it drains the
// transport stream, reassembles frames, owns the receiver-side codec
// session lifecycle, and pushes decoded images to a display sink.
package decode

import (
	"fmt"

	"github.com/thunderlink/mirror/internal/media"
)

// Decoder is the receiver-side codec capability boundary. Like the
// encoder, a decoder session is bound to one resolution and must be
// recreated when the incoming frame dimensions change.
type Decoder interface {
	Init(width, height int) error
	Decode(data []byte) (media.Image, error)
	Shutdown() error
}

// RawDecoder is the counterpart of the raw software codec: every unit
// carries a full image, so decoding is a length check and a copy of the
// dimensions onto the payload.
type RawDecoder struct {
	width  int
	height int
	active bool
}

// NewRawDecoder returns an uninitialized raw decoder.
func NewRawDecoder() *RawDecoder {
	return &RawDecoder{}
}

// Init binds the decoder to the given dimensions.
func (d *RawDecoder) Init(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("raw decoder: invalid dimensions %dx%d", width, height)
	}
	d.width, d.height = width, height
	d.active = true
	return nil
}

// Decode validates the unit against the session dimensions and returns
// it as an image. The payload is not copied; the caller owns it.
func (d *RawDecoder) Decode(data []byte) (media.Image, error) {
	if !d.active {
		return media.Image{}, fmt.Errorf("raw decoder: not initialized")
	}
	if want := media.Size(d.width, d.height); len(data) != want {
		return media.Image{}, fmt.Errorf("raw decoder: unit is %d bytes, want %d for %dx%d",
			len(data), want, d.width, d.height)
	}
	return media.Image{Data: data, Width: d.width, Height: d.height}, nil
}

// Shutdown releases the session.
func (d *RawDecoder) Shutdown() error {
	d.active = false
	return nil
}
