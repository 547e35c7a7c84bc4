package capture

import (
	"sync"
	"sync/atomic"

	"github.com/thunderlink/mirror/internal/media"
)

// Mailbox is the single-item hand-off between capture delivery and the
// encode stage. Offer never blocks: while the consumer is working on an
// image, from Offer until the consumer calls Done, any new image is
// dropped rather than queued. Queuing would trade latency for
// completeness, the wrong trade for interactive mirroring.
type Mailbox struct {
	ch      chan media.Image
	busy    atomic.Bool
	dropped atomic.Uint64

	closeOnce sync.Once
}

// NewMailbox creates an idle mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{ch: make(chan media.Image, 1)}
}

// Offer delivers an image if the consumer is idle and reports whether it
// was accepted. Safe to call from a capture callback.
func (m *Mailbox) Offer(img media.Image) bool {
	if !m.busy.CompareAndSwap(false, true) {
		m.dropped.Add(1)
		return false
	}
	// The busy guard guarantees the slot is free; this never blocks.
	m.ch <- img
	return true
}

// Recv returns the channel the consumer drains. After processing each
// image the consumer must call Done to accept new offers. The channel is
// closed by Close.
func (m *Mailbox) Recv() <-chan media.Image {
	return m.ch
}

// Done marks the consumer idle again.
func (m *Mailbox) Done() {
	m.busy.Store(false)
}

// Dropped reports how many images were dropped because the consumer was
// busy. Drops are expected under transient encoder slowdowns.
func (m *Mailbox) Dropped() uint64 {
	return m.dropped.Load()
}

// Close releases the consumer. The capture source must already be
// stopped; the selector enforces that order, so no Offer can race the
// close.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		m.busy.Store(true) // refuse late offers
		close(m.ch)
	})
}
