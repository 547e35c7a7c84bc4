// Package media defines the core image and encoded-unit types that flow
// through the mirror pipelines, from capture through encode, transport,
// decode, and presentation.
package media

// Image is one uncompressed picture as delivered by a capture source or
// produced by a decoder. Data is tightly packed RGBA, 4 bytes per pixel.
// Images are immutable once handed off: stages share the underlying slice
// and must not write to it.
type Image struct {
	Data   []byte
	Width  int
	Height int
}

// Size reports the expected byte length of a packed RGBA image with the
// given dimensions.
func Size(width, height int) int {
	return width * height * 4
}

// EncodedUnit is one compressed video access unit emitted by an encoder.
// Keyframe units are self-contained and decodable without prior units.
type EncodedUnit struct {
	Data     []byte
	Width    int
	Height   int
	Keyframe bool
}
