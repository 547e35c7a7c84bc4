package protocol

import (
	"encoding/json"
	"fmt"
)

// ControlType names a control message carried in a KindControl frame.
type ControlType string

const (
	// ControlStart announces the sender's stream parameters.
	ControlStart ControlType = "start"

	// ControlStop announces an orderly end of the stream.
	ControlStop ControlType = "stop"

	// ControlRequestKeyframe asks the sender to emit a keyframe as soon as
	// possible. Sent by the receiver after a decode failure.
	ControlRequestKeyframe ControlType = "request-keyframe"

	// ControlResolutionChange announces that subsequent video frames carry
	// new dimensions. Advisory: the frame header remains authoritative.
	ControlResolutionChange ControlType = "resolution-change"
)

// Control is the JSON payload of a KindControl frame. Width, Height, and
// FPS are only meaningful for the start and resolution-change types.
type Control struct {
	Type   ControlType `json:"type"`
	Width  uint16      `json:"width,omitempty"`
	Height uint16      `json:"height,omitempty"`
	FPS    uint8       `json:"fps,omitempty"`
}

// ControlFrame wraps a control message into a frame ready for encoding.
func ControlFrame(c Control, sequence, timestampUS uint64) (*Frame, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal control %q: %w", c.Type, err)
	}
	return &Frame{
		Kind:        KindControl,
		Sequence:    sequence,
		TimestampUS: timestampUS,
		Payload:     payload,
	}, nil
}

// ParseControl decodes the payload of a KindControl frame.
func ParseControl(payload []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(payload, &c); err != nil {
		return Control{}, fmt.Errorf("parse control payload: %w", err)
	}
	if c.Type == "" {
		return Control{}, fmt.Errorf("control payload missing type")
	}
	return c, nil
}
