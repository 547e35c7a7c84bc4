package protocol

import "sync/atomic"

// Sequencer issues the session's frame sequence numbers: strictly
// increasing from zero, never reused, shared by every frame producer of
// one sending session. Reconnection creates a new session and with it a
// new Sequencer.
type Sequencer struct {
	n atomic.Uint64
}

// NewSequencer starts a sequence at zero.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1) - 1
}
