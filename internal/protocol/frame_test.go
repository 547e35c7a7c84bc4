package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func mustEncode(t *testing.T, f *Frame) []byte {
	t.Helper()
	b, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func decodeOne(t *testing.T, data []byte) *Frame {
	t.Helper()
	d := NewDecoder()
	d.Feed(data)
	f, err := d.Next()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f == nil {
		t.Fatalf("decoder wants more bytes, stream is complete")
	}
	return f
}

func framesEqual(a, b *Frame) bool {
	return a.Version == b.Version &&
		a.Kind == b.Kind &&
		a.Sequence == b.Sequence &&
		a.TimestampUS == b.TimestampUS &&
		a.Width == b.Width &&
		a.Height == b.Height &&
		bytes.Equal(a.Payload, b.Payload)
}

func TestRoundTripAllKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		frame *Frame
	}{
		{"raw image", &Frame{Kind: KindRawImage, Sequence: 1, TimestampUS: 16667, Width: 1920, Height: 1080, Payload: []byte{1, 2, 3, 4}}},
		{"encoded video", &Frame{Kind: KindEncodedVideo, Sequence: 42, TimestampUS: 700000, Width: 2560, Height: 1440, Payload: bytes.Repeat([]byte{0xAB}, 4096)}},
		{"control", &Frame{Kind: KindControl, Sequence: 7, Payload: []byte(`{"type":"stop"}`)}},
		{"stats", &Frame{Kind: KindStats, Sequence: 99, TimestampUS: 1_000_000, Payload: []byte(`{}`)}},
		{"empty payload", &Frame{Kind: KindRawImage, Sequence: 0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			data := mustEncode(t, tc.frame)
			if len(data) != tc.frame.EncodedSize() {
				t.Errorf("encoded length = %d, want %d", len(data), tc.frame.EncodedSize())
			}

			got := decodeOne(t, data)
			want := *tc.frame
			want.Version = Version
			if !framesEqual(got, &want) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, &want)
			}
		})
	}
}

func TestRoundTripBoundaryPayloads(t *testing.T) {
	t.Parallel()

	// Empty and max-1; the true maximum would allocate 64 MiB twice, which
	// the max-1 case already covers minus one byte.
	for _, size := range []int{0, MaxPayloadSize - 1} {
		f := &Frame{Kind: KindRawImage, Sequence: 5, Payload: make([]byte, size)}
		got := decodeOne(t, mustEncode(t, f))
		if len(got.Payload) != size {
			t.Errorf("payload size %d: decoded %d bytes", size, len(got.Payload))
		}
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		frame *Frame
		kind  ErrorKind
	}{
		{"oversized payload", &Frame{Kind: KindRawImage, Payload: make([]byte, MaxPayloadSize+1)}, OversizedPayload},
		{"unknown kind", &Frame{Kind: Kind(200)}, UnknownFrameKind},
		{"odd video width", &Frame{Kind: KindEncodedVideo, Width: 1921, Height: 1080}, InvalidHeader},
		{"odd video height", &Frame{Kind: KindEncodedVideo, Width: 1920, Height: 1081}, InvalidHeader},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := tc.frame.Encode()
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("error = %v, want *protocol.Error", err)
			}
			if perr.Kind != tc.kind {
				t.Errorf("error kind = %v, want %v", perr.Kind, tc.kind)
			}
		})
	}

	// Odd dimensions are fine for non-video kinds.
	f := &Frame{Kind: KindRawImage, Width: 1921, Height: 1081}
	if _, err := f.Encode(); err != nil {
		t.Errorf("raw image with odd dimensions: %v", err)
	}
}

func TestIncrementalDecodeArbitraryChunks(t *testing.T) {
	t.Parallel()

	f := &Frame{Kind: KindEncodedVideo, Sequence: 3, TimestampUS: 50_000, Width: 1280, Height: 720, Payload: bytes.Repeat([]byte{0x5C}, 977)}
	data := mustEncode(t, f)

	for _, chunk := range []int{1, 2, 3, 7, 25, 26, 27, 100, len(data)} {
		d := NewDecoder()
		var got *Frame
		for off := 0; off < len(data); off += chunk {
			end := min(off+chunk, len(data))
			d.Feed(data[off:end])
			frame, err := d.Next()
			if err != nil {
				t.Fatalf("chunk %d: %v", chunk, err)
			}
			if frame != nil {
				if got != nil {
					t.Fatalf("chunk %d: more than one frame", chunk)
				}
				got = frame
			}
		}
		if got == nil {
			t.Fatalf("chunk %d: no frame after full stream", chunk)
		}
		want := *f
		want.Version = Version
		if !framesEqual(got, &want) {
			t.Errorf("chunk %d: mismatch", chunk)
		}
		if d.Buffered() != 0 {
			t.Errorf("chunk %d: %d leftover bytes", chunk, d.Buffered())
		}
	}
}

func TestDecodeMultipleFramesOneBuffer(t *testing.T) {
	t.Parallel()

	var stream []byte
	for i := range 5 {
		f := &Frame{Kind: KindEncodedVideo, Sequence: uint64(i), Width: 640, Height: 480, Payload: []byte{byte(i)}}
		stream = append(stream, mustEncode(t, f)...)
	}

	d := NewDecoder()
	d.Feed(stream)
	for i := range uint64(5) {
		f, err := d.Next()
		if err != nil || f == nil {
			t.Fatalf("frame %d: frame=%v err=%v", i, f, err)
		}
		if f.Sequence != i {
			t.Errorf("frame %d: sequence = %d", i, f.Sequence)
		}
	}
	if f, err := d.Next(); f != nil || err != nil {
		t.Errorf("after stream end: frame=%v err=%v", f, err)
	}
}

func TestOversizedPayloadRejectedFatally(t *testing.T) {
	t.Parallel()

	data := mustEncode(t, &Frame{Kind: KindRawImage, Payload: []byte{1}})
	binary.BigEndian.PutUint32(data[22:26], MaxPayloadSize+1)

	d := NewDecoder()
	d.Feed(data[:HeaderSize]) // header alone must be enough to reject
	_, err := d.Next()
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != OversizedPayload {
		t.Fatalf("error = %v, want OversizedPayload", err)
	}
	if !perr.Fatal() {
		t.Error("oversized payload should be fatal")
	}

	// The decoder stays poisoned.
	d.Feed(mustEncode(t, &Frame{Kind: KindRawImage}))
	if _, err := d.Next(); err == nil {
		t.Error("poisoned decoder yielded a frame")
	}
}

func TestUnknownKindSkippedWithAlignment(t *testing.T) {
	t.Parallel()

	bad := mustEncode(t, &Frame{Kind: KindRawImage, Payload: []byte("junk payload")})
	bad[1] = 77 // unknown kind, sane length
	good := &Frame{Kind: KindEncodedVideo, Sequence: 9, Width: 640, Height: 480, Payload: []byte{1, 2}}

	d := NewDecoder()
	d.Feed(bad)
	d.Feed(mustEncode(t, good))

	_, err := d.Next()
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != UnknownFrameKind {
		t.Fatalf("error = %v, want UnknownFrameKind", err)
	}
	if perr.Fatal() {
		t.Error("unknown kind should be recoverable")
	}

	f, err := d.Next()
	if err != nil {
		t.Fatalf("decode after skip: %v", err)
	}
	if f == nil || f.Sequence != 9 {
		t.Fatalf("lost alignment after skipping unknown kind: %+v", f)
	}
}

func TestUnknownKindSplitPayloadSkip(t *testing.T) {
	t.Parallel()

	bad := mustEncode(t, &Frame{Kind: KindRawImage, Payload: bytes.Repeat([]byte{0xEE}, 100)})
	bad[1] = 200

	d := NewDecoder()
	d.Feed(bad[:HeaderSize+10])
	if _, err := d.Next(); err == nil {
		t.Fatal("expected UnknownFrameKind")
	}
	// Payload arrives in pieces; decoder keeps skipping.
	if f, err := d.Next(); f != nil || err != nil {
		t.Fatalf("mid-skip: frame=%v err=%v", f, err)
	}
	d.Feed(bad[HeaderSize+10:])
	d.Feed(mustEncode(t, &Frame{Kind: KindStats, Sequence: 4, Payload: []byte(`{}`)}))

	f, err := d.Next()
	if err != nil || f == nil || f.Kind != KindStats {
		t.Fatalf("after split skip: frame=%+v err=%v", f, err)
	}
}

func TestBadVersionFatal(t *testing.T) {
	t.Parallel()

	data := mustEncode(t, &Frame{Kind: KindRawImage})
	data[0] = Version + 1

	d := NewDecoder()
	d.Feed(data)
	_, err := d.Next()
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != BadVersion {
		t.Fatalf("error = %v, want BadVersion", err)
	}
	if !perr.Fatal() {
		t.Error("bad version should be fatal")
	}
}

func TestControlRoundTrip(t *testing.T) {
	t.Parallel()

	c := Control{Type: ControlResolutionChange, Width: 1920, Height: 1080}
	f, err := ControlFrame(c, 12, 34)
	if err != nil {
		t.Fatalf("control frame: %v", err)
	}
	got := decodeOne(t, mustEncode(t, f))
	parsed, err := ParseControl(got.Payload)
	if err != nil {
		t.Fatalf("parse control: %v", err)
	}
	if parsed != c {
		t.Errorf("control = %+v, want %+v", parsed, c)
	}

	if _, err := ParseControl([]byte(`{}`)); err == nil {
		t.Error("control without type should fail")
	}
	if _, err := ParseControl([]byte(`not json`)); err == nil {
		t.Error("non-JSON control should fail")
	}
}
