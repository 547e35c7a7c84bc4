// Package receiver runs the display side of a mirroring session: it
// hosts the QUIC listener, prints the certificate fingerprint the sender
// must pin, and drains each session through the decode pipeline into a
// display sink.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/thunderlink/mirror/internal/certs"
	"github.com/thunderlink/mirror/internal/decode"
	"github.com/thunderlink/mirror/internal/protocol"
	"github.com/thunderlink/mirror/internal/stats"
	"github.com/thunderlink/mirror/internal/transport"
)

// DefaultCertValidity covers a pairing without rotation; restarting the
// receiver regenerates the certificate and with it the fingerprint.
const DefaultCertValidity = 30 * 24 * time.Hour

// Config describes one receiving endpoint.
type Config struct {
	// Addr is the UDP address to listen on, e.g. ":9999".
	Addr string

	// Sink receives decoded images. Required.
	Sink decode.Sink

	// NewDecoder creates the codec for each session. Defaults to the raw
	// software codec.
	NewDecoder func() decode.Decoder

	CertValidity time.Duration

	// OnControl and OnStats observe the sender's control messages and
	// periodic stats. Optional.
	OnControl func(c protocol.Control)
	OnStats   func(s stats.Snapshot)
}

// Receiver accepts one sender at a time and renders its stream.
type Receiver struct {
	log  *slog.Logger
	cfg  Config
	cert *certs.CertInfo
	ln   *transport.Listener
}

// New generates the receiver's certificate and binds the listener.
func New(cfg Config, log *slog.Logger) (*Receiver, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("receiver: display sink required")
	}
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = func() decode.Decoder { return decode.NewRawDecoder() }
	}
	if cfg.CertValidity <= 0 {
		cfg.CertValidity = DefaultCertValidity
	}

	cert, err := certs.Generate(cfg.CertValidity)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	ln, err := transport.Listen(cfg.Addr, cert, log)
	if err != nil {
		return nil, err
	}

	return &Receiver{
		log:  log.With("component", "receiver"),
		cfg:  cfg,
		cert: cert,
		ln:   ln,
	}, nil
}

// Fingerprint returns the certificate fingerprint, base64-encoded, for
// the sender to pin.
func (r *Receiver) Fingerprint() string { return r.cert.FingerprintBase64() }

// Addr returns the bound listen address.
func (r *Receiver) Addr() net.Addr { return r.ln.Addr() }

// Run accepts senders and serves their sessions one at a time until the
// context is cancelled. A session ending, cleanly or not, returns the
// receiver to accepting; only listener failure or cancellation stops it.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.ln.Close()

	for {
		sess, err := r.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := r.serve(ctx, sess); err != nil {
			r.log.Warn("session ended", "remote", sess.RemoteAddr(), "error", err)
		} else {
			r.log.Info("session ended", "remote", sess.RemoteAddr())
		}
		sess.Close()

		if ctx.Err() != nil {
			return nil
		}
	}
}

// Serve runs the decode pipeline for one established session. Exposed so
// tests can drive a session over an in-memory link.
func (r *Receiver) Serve(ctx context.Context, sess *transport.Session) error {
	return r.serve(ctx, sess)
}

func (r *Receiver) serve(ctx context.Context, sess *transport.Session) error {
	sess.MarkStreaming()
	coll := stats.NewCollector()

	// Cancellation must unblock the pipeline's stream read.
	unwatch := context.AfterFunc(ctx, func() { sess.Close() })
	defer unwatch()

	pipe := decode.NewPipeline(decode.PipelineConfig{
		Reader:    sess.Reader(),
		Decoder:   r.cfg.NewDecoder(),
		Sink:      r.cfg.Sink,
		Control:   sess,
		Stats:     coll,
		OnControl: r.onControl,
		OnStats:   r.cfg.OnStats,
	}, r.log)

	err := pipe.Run(ctx)

	snap := coll.Snapshot()
	r.log.Info("session stats",
		"frames", snap.TotalFrames, "bytes", snap.TotalBytes,
		"dropped", snap.DroppedFrames, "uptime_secs", snap.UptimeSecs)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Receiver) onControl(c protocol.Control) {
	switch c.Type {
	case protocol.ControlStart:
		r.log.Info("stream started",
			"width", c.Width, "height", c.Height, "fps", c.FPS)
	case protocol.ControlResolutionChange:
		r.log.Info("stream resolution changed", "width", c.Width, "height", c.Height)
	case protocol.ControlStop:
		r.log.Info("stream stopped by sender")
	}
	if r.cfg.OnControl != nil {
		r.cfg.OnControl(c)
	}
}
