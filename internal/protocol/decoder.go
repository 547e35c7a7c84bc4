package protocol

import "encoding/binary"

// Decoder reassembles frames from a byte stream delivered in arbitrary-sized
// chunks. Partial headers and partial payloads are buffered across calls;
// a frame is only yielded once it is complete.
//
// Decoder is not safe for concurrent use. One decoder serves one session.
type Decoder struct {
	buf   []byte
	start int // consumed prefix of buf

	skip  int // payload bytes still to discard after an unknown-kind header
	fatal error
}

// NewDecoder returns a decoder with an empty buffer.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk of stream bytes to the decoder's buffer. The chunk
// is copied; the caller may reuse p.
func (d *Decoder) Feed(p []byte) {
	if d.fatal != nil {
		return
	}
	d.compact()
	d.buf = append(d.buf, p...)
}

// Buffered reports how many unconsumed bytes the decoder is holding.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.start
}

// Next returns the next complete frame. A (nil, nil) return means more
// bytes are needed. A *Error with Fatal() false reports one skipped frame;
// decoding may continue. A fatal error poisons the decoder permanently and
// the session must be torn down.
func (d *Decoder) Next() (*Frame, error) {
	if d.fatal != nil {
		return nil, d.fatal
	}

	if d.skip > 0 {
		n := min(d.skip, d.Buffered())
		d.start += n
		d.skip -= n
		if d.skip > 0 {
			return nil, nil
		}
	}

	if d.Buffered() < HeaderSize {
		return nil, nil
	}

	hdr := d.buf[d.start : d.start+HeaderSize]
	version := hdr[0]
	kind := Kind(hdr[1])
	payloadLen := int(binary.BigEndian.Uint32(hdr[22:26]))

	if version != Version {
		d.fatal = newErr(BadVersion, "version %d, want %d", version, Version)
		return nil, d.fatal
	}
	if payloadLen > MaxPayloadSize {
		d.fatal = newErr(OversizedPayload, "declared payload %d bytes exceeds %d", payloadLen, MaxPayloadSize)
		return nil, d.fatal
	}
	if !kind.valid() {
		// Sane length, unknown kind: consume the header, arrange to skip
		// the payload, and keep stream alignment.
		d.start += HeaderSize
		d.skip = payloadLen
		return nil, newErr(UnknownFrameKind, "kind %d, payload %d bytes skipped", uint8(kind), payloadLen)
	}

	if d.Buffered() < HeaderSize+payloadLen {
		return nil, nil
	}

	f := &Frame{
		Version:     version,
		Kind:        kind,
		Sequence:    binary.BigEndian.Uint64(hdr[2:10]),
		TimestampUS: binary.BigEndian.Uint64(hdr[10:18]),
		Width:       binary.BigEndian.Uint16(hdr[18:20]),
		Height:      binary.BigEndian.Uint16(hdr[20:22]),
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, d.buf[d.start+HeaderSize:d.start+HeaderSize+payloadLen])
	}
	d.start += HeaderSize + payloadLen
	return f, nil
}

// compact drops the consumed prefix once it dominates the buffer, keeping
// amortized cost linear without copying on every call.
func (d *Decoder) compact() {
	if d.start == 0 {
		return
	}
	if d.start == len(d.buf) {
		d.buf = d.buf[:0]
		d.start = 0
		return
	}
	if d.start > len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.start:])
		d.buf = d.buf[:n]
		d.start = 0
	}
}
