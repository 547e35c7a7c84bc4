// Package sender runs the capture side of a mirroring session: it owns
// the capture source, the encode pipeline, the adaptive bitrate
// controller, and the reconnect loop that survives link failures.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thunderlink/mirror/internal/bitrate"
	"github.com/thunderlink/mirror/internal/capture"
	"github.com/thunderlink/mirror/internal/certs"
	"github.com/thunderlink/mirror/internal/encode"
	"github.com/thunderlink/mirror/internal/protocol"
	"github.com/thunderlink/mirror/internal/stats"
	"github.com/thunderlink/mirror/internal/transport"
)

// DefaultStatsInterval is how often a stats frame travels to the
// receiver.
const DefaultStatsInterval = time.Second

// errStopRequested ends a session cleanly when the receiver asks for it.
var errStopRequested = errors.New("stop requested by peer")

// Config describes one sending endpoint.
type Config struct {
	// Addr is the receiver's QUIC address.
	Addr string

	// Fingerprint pins the receiver's certificate. Nil disables pinning
	// and accepts any certificate.
	Fingerprint []byte

	// Source delivers captured images. Defaults to a color-bar pattern
	// source at Width x Height.
	Source capture.Source

	// Displays, when set, routes source selection through the display
	// selector with Mode and Policy; when nil the Source is started
	// directly against the main display descriptor.
	Displays capture.DisplayLister
	Synth    capture.SyntheticCreator

	Mode             capture.Mode
	Policy           capture.FallbackPolicy
	SyntheticEnabled bool

	// NativeResolution asks the capture backend for the display's native
	// size instead of scaling to Width x Height.
	NativeResolution bool

	// NewEncoder creates the codec for each session. Defaults to the raw
	// software codec.
	NewEncoder func() encode.Encoder

	Width  int
	Height int
	FPS    int

	Bitrate        int // target bits per second
	BitrateFloor   int
	BitrateCeiling int

	KeyframeInterval int
	StatsInterval    time.Duration

	// MaxConsecutiveErrors is the send-failure run treated as connection
	// loss; zero uses the encode pipeline's default.
	MaxConsecutiveErrors int

	Reconnect transport.ReconnectorConfig

	// DialTimeout bounds each connection attempt, separate from the
	// backoff between attempts.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.FPS <= 0 {
		c.FPS = 60
	}
	if c.Bitrate <= 0 {
		c.Bitrate = 30_000_000
	}
	if c.KeyframeInterval <= 0 {
		c.KeyframeInterval = 30
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.NewEncoder == nil {
		c.NewEncoder = func() encode.Encoder { return encode.NewRawEncoder() }
	}
	return c
}

// Sender drives capture, encoding, and delivery for one receiver.
type Sender struct {
	log *slog.Logger
	cfg Config

	dial transport.DialFunc
}

// New creates a Sender. The dial function defaults to a QUIC dial with
// the pinned fingerprint; tests substitute their own link.
func New(cfg Config, log *slog.Logger) (*Sender, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("sender: receiver address required")
	}
	if cfg.Source == nil {
		cfg.Source = capture.NewPatternSource(cfg.Width, cfg.Height, cfg.FPS, log)
	}

	s := &Sender{log: log.With("component", "sender"), cfg: cfg}
	s.dial = func(ctx context.Context) (*transport.Session, error) {
		return transport.Dial(ctx, cfg.Addr, transport.DialConfig{
			TLS:            certs.ClientTLSConfig(cfg.Fingerprint),
			ConnectTimeout: cfg.DialTimeout,
		}, log)
	}
	return s, nil
}

// SetDialFunc overrides how sessions are established. For tests and
// alternative links.
func (s *Sender) SetDialFunc(dial transport.DialFunc) { s.dial = dial }

// Run connects and streams, reconnecting with backoff on link failure,
// until the context is cancelled, the receiver requests a stop, or the
// reconnect budget is exhausted.
func (s *Sender) Run(ctx context.Context) error {
	r := transport.NewReconnector(s.dial, s.cfg.Reconnect, s.log)

	for {
		sess, err := r.Connect(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		s.log.Info("connected", "remote", sess.RemoteAddr())

		err = s.stream(ctx, sess)
		sess.Close()

		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil || errors.Is(err, errStopRequested):
			s.log.Info("stream ended")
			return nil
		default:
			s.log.Warn("session lost, reconnecting", "error", err)
		}
	}
}

// stream runs one connected session to completion. The returned error is
// nil for an orderly end and non-nil when the session should be retried
// or Run should give up.
func (s *Sender) stream(ctx context.Context, sess *transport.Session) error {
	seq := protocol.NewSequencer()
	coll := stats.NewCollector()
	epoch := time.Now()

	pipe := encode.NewPipeline(encode.PipelineConfig{
		Encoder:              s.cfg.NewEncoder(),
		Sender:               sess,
		Stats:                coll,
		Sequence:             seq,
		Bitrate:              s.cfg.Bitrate,
		FPS:                  s.cfg.FPS,
		KeyframeInterval:     s.cfg.KeyframeInterval,
		MaxConsecutiveErrors: s.cfg.MaxConsecutiveErrors,
	}, s.log)

	ctrl := bitrate.New(bitrate.Config{
		Target:  s.cfg.Bitrate,
		Floor:   s.cfg.BitrateFloor,
		Ceiling: s.cfg.BitrateCeiling,
	}, func() bitrate.Sample {
		frames, bytes, sendErrors := coll.Counters()
		return bitrate.Sample{FramesSent: frames, BytesSent: bytes, SendErrors: sendErrors}
	}, pipe, s.log)

	sendControl := func(c protocol.Control) error {
		f, err := protocol.ControlFrame(c, seq.Next(), uint64(time.Since(epoch).Microseconds()))
		if err != nil {
			return err
		}
		return sess.Send(f)
	}

	if err := sendControl(protocol.Control{
		Type:   protocol.ControlStart,
		Width:  uint16(s.cfg.Width),
		Height: uint16(s.cfg.Height),
		FPS:    uint8(s.cfg.FPS),
	}); err != nil {
		return fmt.Errorf("announce stream: %w", err)
	}
	sess.MarkStreaming()

	cb := capture.Callbacks{
		OnFrame: pipe.OnCapturedImage,
		OnResolutionChanged: func(width, height int) {
			if err := sendControl(protocol.Control{
				Type:   protocol.ControlResolutionChange,
				Width:  uint16(width),
				Height: uint16(height),
			}); err != nil {
				s.log.Warn("announce resolution change", "error", err)
			}
		},
	}

	stopCapture, err := s.startCapture(cb)
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipe.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return s.statsLoop(gctx, sess, seq, coll, epoch) })
	g.Go(func() error { return s.controlLoop(gctx, sess, pipe) })

	err = g.Wait()

	// Teardown order: capture stop, encoder flush, then the caller closes
	// the transport. The source must stop delivering before the pipeline
	// intake closes.
	stopCapture()
	pipe.Close()

	if ctx.Err() != nil {
		// Best effort; the receiver may already be gone.
		_ = sendControl(protocol.Control{Type: protocol.ControlStop})
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startCapture starts the configured source, through the display
// selector when one is configured, and returns the matching stop.
func (s *Sender) startCapture(cb capture.Callbacks) (func(), error) {
	if s.cfg.Displays != nil {
		sel := capture.NewSelector(s.cfg.Displays, s.cfg.Synth, s.log)
		sel.Native = s.cfg.NativeResolution
		err := sel.Start(s.cfg.Source, s.cfg.Mode, s.cfg.Policy, s.cfg.SyntheticEnabled, cb)
		if err != nil {
			return nil, err
		}
		return func() {
			if err := sel.Stop(); err != nil {
				s.log.Warn("capture stop", "error", err)
			}
		}, nil
	}

	desc := capture.Descriptor{Kind: capture.SourceMain, Native: s.cfg.NativeResolution}
	if err := s.cfg.Source.Start(desc, cb); err != nil {
		return nil, err
	}
	return func() {
		if err := s.cfg.Source.Stop(); err != nil {
			s.log.Warn("capture stop", "error", err)
		}
	}, nil
}

// statsLoop ships a throughput snapshot to the receiver once per
// interval.
func (s *Sender) statsLoop(ctx context.Context, sess *transport.Session, seq *protocol.Sequencer, coll *stats.Collector, epoch time.Time) error {
	t := time.NewTicker(s.cfg.StatsInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		snap := coll.Snapshot()
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
		f := &protocol.Frame{
			Kind:        protocol.KindStats,
			Sequence:    seq.Next(),
			TimestampUS: uint64(time.Since(epoch).Microseconds()),
			Payload:     payload,
		}
		if err := sess.Send(f); err != nil {
			s.log.Debug("stats send failed", "error", err)
			continue
		}
		s.log.Debug("stats",
			"fps", snap.FPS, "mbps", snap.BitrateMbps,
			"dropped", snap.DroppedFrames, "sendErrors", snap.SendErrors)
	}
}

// controlLoop services receiver-originated control frames: keyframe
// requests feed the encoder, a stop request ends the session cleanly.
// A read failure means the link is gone. Reads happen on a helper
// goroutine so cancellation does not have to wait on a blocked Read;
// that goroutine unblocks when the caller closes the session.
func (s *Sender) controlLoop(ctx context.Context, sess *transport.Session, pipe *encode.Pipeline) error {
	type chunk struct {
		data []byte
		err  error
	}
	reads := make(chan chunk)
	go func() {
		defer close(reads)
		buf := make([]byte, 4096)
		for {
			n, err := sess.Reader().Read(buf)
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case reads <- chunk{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	dec := protocol.NewDecoder()
	for {
		var c chunk
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok = <-reads:
			if !ok {
				return ctx.Err()
			}
		}

		dec.Feed(c.data)
		for {
			f, derr := dec.Next()
			if derr != nil {
				var perr *protocol.Error
				if errors.As(derr, &perr) && !perr.Fatal() {
					s.log.Warn("frame skipped on control path", "error", derr)
					continue
				}
				return fmt.Errorf("control stream corrupted: %w", derr)
			}
			if f == nil {
				break
			}
			if f.Kind != protocol.KindControl {
				continue
			}
			ctl, cerr := protocol.ParseControl(f.Payload)
			if cerr != nil {
				s.log.Warn("malformed control frame", "error", cerr)
				continue
			}
			switch ctl.Type {
			case protocol.ControlRequestKeyframe:
				s.log.Info("keyframe requested by receiver")
				pipe.RequestKeyframe()
			case protocol.ControlStop:
				return errStopRequested
			default:
				s.log.Debug("control ignored", "type", ctl.Type)
			}
		}

		if c.err != nil {
			if errors.Is(c.err, io.EOF) {
				return fmt.Errorf("receiver closed the stream: %w", encode.ErrConnectionLost)
			}
			return fmt.Errorf("control read: %w", c.err)
		}
	}
}
