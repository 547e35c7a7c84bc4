// Package capture selects and drives video capture sources. The platform
// capture implementation is an external collaborator behind the Source
// interface; this package owns source selection policy, the drop-newest
// frame mailbox, and the built-in color-bar pattern source used for
// diagnostics and tests.
package capture

import (
	"errors"
	"fmt"

	"github.com/thunderlink/mirror/internal/media"
)

// ErrNoDisplay is returned when no display of any kind can be captured.
// This is always fatal to the session.
var ErrNoDisplay = errors.New("capture: no display available")

// SourceKind discriminates what a Descriptor points at.
type SourceKind int

const (
	SourceMain SourceKind = iota
	SourceSecondary
	SourceSynthetic
)

func (k SourceKind) String() string {
	switch k {
	case SourceMain:
		return "main"
	case SourceSecondary:
		return "secondary"
	case SourceSynthetic:
		return "synthetic"
	default:
		return fmt.Sprintf("source(%d)", int(k))
	}
}

// Descriptor identifies what is being captured. It is chosen by the
// Selector before capture starts and may change only across a full
// stop/start cycle, never mid-stream.
type Descriptor struct {
	Kind SourceKind

	// SyntheticHandle is the platform handle of a created synthetic
	// display. Only meaningful when Kind is SourceSynthetic.
	SyntheticHandle uint64

	// Native asks the backend to capture at the display's native
	// resolution instead of scaling to the configured stream size.
	// Backends without a scaler ignore it.
	Native bool
}

func (d Descriptor) String() string {
	if d.Kind == SourceSynthetic {
		return fmt.Sprintf("synthetic(%d)", d.SyntheticHandle)
	}
	return d.Kind.String()
}

// Callbacks are invoked by a Source on its own delivery cadence. OnFrame
// must not block; the pipeline enforces this by dropping into a Mailbox.
type Callbacks struct {
	OnFrame             func(img media.Image)
	OnResolutionChanged func(width, height int)
}

// Source is the platform capture boundary. Implementations deliver frames
// via the callbacks until Stop is called.
type Source interface {
	Start(desc Descriptor, cb Callbacks) error
	Stop() error
}

// Display describes one attached physical display.
type Display struct {
	ID      uint32
	Primary bool
	Width   int
	Height  int
}

// DisplayLister enumerates attached displays. Provided by the platform
// capture collaborator.
type DisplayLister interface {
	Displays() ([]Display, error)
}

// SyntheticCreator attempts to create a virtual display for extend mode.
// Creation is experimental and allowed to fail; the selector falls back
// per policy.
type SyntheticCreator interface {
	Create() (handle uint64, err error)
	Destroy(handle uint64) error
}
