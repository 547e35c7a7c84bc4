package capture

import (
	"fmt"
	"log/slog"
	"sync"
)

// Mode is the requested streaming mode.
type Mode int

const (
	// ModeMirror streams the primary display.
	ModeMirror Mode = iota

	// ModeExtend streams a second desktop surface: a synthetic display if
	// one can be created, otherwise per the fallback policy.
	ModeExtend
)

func (m Mode) String() string {
	if m == ModeExtend {
		return "extend"
	}
	return "mirror"
}

// FallbackPolicy decides what extend mode does when a synthetic display
// is unavailable.
type FallbackPolicy int

const (
	// PreferSecondary captures a physical secondary display if present,
	// else the main display.
	PreferSecondary FallbackPolicy = iota

	// PreferMirror falls back to the main display.
	PreferMirror

	// FailHard propagates the synthetic-display error and does not capture.
	FailHard
)

func (p FallbackPolicy) String() string {
	switch p {
	case PreferSecondary:
		return "secondary"
	case PreferMirror:
		return "mirror"
	case FailHard:
		return "fail"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// SelectorState tracks the selector lifecycle:
// Idle → Resolving → Capturing → Stopped.
type SelectorState int

const (
	SelectorIdle SelectorState = iota
	SelectorResolving
	SelectorCapturing
	SelectorStopped
)

func (s SelectorState) String() string {
	switch s {
	case SelectorIdle:
		return "idle"
	case SelectorResolving:
		return "resolving"
	case SelectorCapturing:
		return "capturing"
	case SelectorStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Selector chooses which video source to capture. The policy is evaluated
// once at start, never re-evaluated mid-session, and every decision point
// is logged so operators can diagnose why a given source was chosen.
type Selector struct {
	log      *slog.Logger
	displays DisplayLister
	synth    SyntheticCreator // nil when the platform cannot create one

	// Native is stamped onto the resolved descriptor; see
	// Descriptor.Native. Set before Start.
	Native bool

	mu     sync.Mutex
	state  SelectorState
	source Source
	active Descriptor
}

// NewSelector creates a Selector. synth may be nil if synthetic displays
// are unsupported; log nil means slog.Default().
func NewSelector(displays DisplayLister, synth SyntheticCreator, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{
		log:      log.With("component", "capture-selector"),
		displays: displays,
		synth:    synth,
	}
}

// State returns the selector's lifecycle state.
func (s *Selector) State() SelectorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active returns the descriptor chosen by the last successful Start.
func (s *Selector) Active() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Resolve applies the selection policy and returns the descriptor to
// capture. It is deterministic for a given environment and is exposed
// separately from Start for policy tests.
func (s *Selector) Resolve(mode Mode, policy FallbackPolicy, synthEnabled bool) (Descriptor, error) {
	displays, err := s.displays.Displays()
	if err != nil {
		return Descriptor{}, fmt.Errorf("enumerate displays: %w", err)
	}
	if len(displays) == 0 {
		s.log.Error("no displays attached")
		return Descriptor{}, ErrNoDisplay
	}

	if mode == ModeMirror {
		s.log.Info("selected main display", "reason", "mirror mode requested")
		return Descriptor{Kind: SourceMain}, nil
	}

	// Extend mode: try the synthetic display first if both the platform
	// and the operator allow it.
	if synthEnabled && s.synth != nil {
		handle, err := s.synth.Create()
		if err == nil {
			s.log.Info("selected synthetic display", "handle", handle)
			return Descriptor{Kind: SourceSynthetic, SyntheticHandle: handle}, nil
		}
		s.log.Warn("synthetic display creation failed, applying fallback policy",
			"policy", policy, "error", err)
		if policy == FailHard {
			return Descriptor{}, fmt.Errorf("create synthetic display: %w", err)
		}
	} else {
		s.log.Info("synthetic display attempt skipped, applying fallback policy",
			"enabled", synthEnabled, "supported", s.synth != nil, "policy", policy)
		if policy == FailHard {
			return Descriptor{}, fmt.Errorf("capture: synthetic display unavailable and policy is fail")
		}
	}

	if policy == PreferSecondary {
		for _, d := range displays {
			if !d.Primary {
				s.log.Info("selected secondary display", "id", d.ID, "reason", "fallback policy prefers secondary")
				return Descriptor{Kind: SourceSecondary}, nil
			}
		}
		s.log.Info("selected main display", "reason", "no secondary display present")
		return Descriptor{Kind: SourceMain}, nil
	}

	s.log.Info("selected main display", "reason", "fallback policy prefers mirror")
	return Descriptor{Kind: SourceMain}, nil
}

// Start resolves the descriptor and starts capture on the given source.
func (s *Selector) Start(source Source, mode Mode, policy FallbackPolicy, synthEnabled bool, cb Callbacks) error {
	s.mu.Lock()
	if s.state == SelectorCapturing {
		s.mu.Unlock()
		return fmt.Errorf("capture: already capturing %s", s.active)
	}
	s.state = SelectorResolving
	s.mu.Unlock()

	desc, err := s.Resolve(mode, policy, synthEnabled)
	if err != nil {
		s.mu.Lock()
		s.state = SelectorIdle
		s.mu.Unlock()
		return err
	}
	desc.Native = s.Native

	if err := source.Start(desc, cb); err != nil {
		s.cleanupSynthetic(desc)
		s.mu.Lock()
		s.state = SelectorIdle
		s.mu.Unlock()
		return fmt.Errorf("start capture of %s: %w", desc, err)
	}

	s.mu.Lock()
	s.state = SelectorCapturing
	s.source = source
	s.active = desc
	s.mu.Unlock()
	s.log.Info("capture started", "source", desc)
	return nil
}

// Stop halts capture and releases any synthetic display.
func (s *Selector) Stop() error {
	s.mu.Lock()
	if s.state != SelectorCapturing {
		s.mu.Unlock()
		return nil
	}
	source := s.source
	desc := s.active
	s.state = SelectorStopped
	s.source = nil
	s.mu.Unlock()

	err := source.Stop()
	s.cleanupSynthetic(desc)
	s.log.Info("capture stopped", "source", desc)
	return err
}

func (s *Selector) cleanupSynthetic(desc Descriptor) {
	if desc.Kind != SourceSynthetic || s.synth == nil {
		return
	}
	if err := s.synth.Destroy(desc.SyntheticHandle); err != nil {
		s.log.Warn("destroy synthetic display", "handle", desc.SyntheticHandle, "error", err)
	}
}
