package decode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thunderlink/mirror/internal/media"
	"github.com/thunderlink/mirror/internal/protocol"
	"github.com/thunderlink/mirror/internal/stats"
)

// Sink receives decoded images for display. Present is called from the
// decode goroutine; a slow sink delays decoding, not the network read.
type Sink interface {
	Present(img media.Image) error
}

// ControlWriter sends receiver-originated control frames back to the
// sender. Satisfied by *transport.Session.
type ControlWriter interface {
	Send(f *protocol.Frame) error
}

// PipelineConfig wires a receive Pipeline's collaborators.
type PipelineConfig struct {
	Reader  io.Reader
	Decoder Decoder
	Sink    Sink

	// Control, when set, lets the pipeline request keyframes from the
	// sender after a decode failure.
	Control ControlWriter

	// Sequence issues sequence numbers for receiver-originated frames;
	// nil creates a private one.
	Sequence *protocol.Sequencer

	Stats *stats.Collector // optional

	// OnControl observes sender control messages. Optional.
	OnControl func(c protocol.Control)

	// OnStats observes the sender's periodic throughput snapshots.
	// Optional.
	OnStats func(s stats.Snapshot)
}

// Pipeline drains a transport stream into a display sink. It runs two
// stages on their own goroutines, read and decode, with a single-frame
// hand-off between them: when decoding falls behind, the oldest pending
// frame is replaced by the newest so the display never lags the stream.
type Pipeline struct {
	log *slog.Logger
	cfg PipelineConfig

	frames chan *protocol.Frame
	epoch  time.Time

	framesDropped  atomic.Uint64
	codecResets    atomic.Int32
	sequenceGaps   atomic.Uint64
	decodeFailures atomic.Uint64
}

// NewPipeline creates a receive Pipeline over the given stream.
func NewPipeline(cfg PipelineConfig, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Sequence == nil {
		cfg.Sequence = protocol.NewSequencer()
	}
	return &Pipeline{
		log:    log.With("component", "decode-pipeline"),
		cfg:    cfg,
		frames: make(chan *protocol.Frame, 1),
		epoch:  time.Now(),
	}
}

// CodecResets reports how many times the decoder session was recreated
// because of a resolution change.
func (p *Pipeline) CodecResets() int {
	return int(p.codecResets.Load())
}

// DroppedFrames reports frames replaced in the hand-off because decoding
// was still busy.
func (p *Pipeline) DroppedFrames() uint64 {
	return p.framesDropped.Load()
}

// SequenceGaps reports observed discontinuities in the sender's sequence
// numbers.
func (p *Pipeline) SequenceGaps() uint64 {
	return p.sequenceGaps.Load()
}

// Run drives the read and decode stages until the stream ends, the
// context is cancelled, or the stream is corrupted beyond recovery.
// A clean end of stream returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.readLoop(ctx) })
	g.Go(func() error { return p.decodeLoop(ctx) })

	return g.Wait()
}

func (p *Pipeline) readLoop(ctx context.Context) error {
	defer close(p.frames)

	dec := protocol.NewDecoder()
	buf := make([]byte, 64*1024)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := p.cfg.Reader.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if err := p.drainDecoder(ctx, dec); err != nil {
				return err
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.log.Info("stream ended", "buffered", dec.Buffered())
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
	}
}

// drainDecoder yields every complete frame the decoder is holding.
// Skipped unknown-kind frames are logged and decoding continues; a fatal
// framing error tears the session down.
func (p *Pipeline) drainDecoder(ctx context.Context, dec *protocol.Decoder) error {
	for {
		f, err := dec.Next()
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) && !perr.Fatal() {
				p.log.Warn("frame skipped", "error", err)
				continue
			}
			return fmt.Errorf("stream corrupted: %w", err)
		}
		if f == nil {
			return nil
		}
		p.offer(ctx, f)
	}
}

// offer hands a frame to the decode stage. With decoding busy and a
// frame already pending, the pending frame is discarded in favor of the
// new one. Control frames are never discarded this way; they bypass the
// hand-off and are dispatched inline.
func (p *Pipeline) offer(ctx context.Context, f *protocol.Frame) {
	if f.Kind == protocol.KindControl {
		p.handleControl(f)
		return
	}

	select {
	case p.frames <- f:
		return
	default:
	}
	select {
	case old := <-p.frames:
		p.framesDropped.Add(1)
		if p.cfg.Stats != nil {
			p.cfg.Stats.RecordDrop()
		}
		p.log.Debug("pending frame replaced", "seq", old.Sequence, "by", f.Sequence)
	default:
	}
	select {
	case p.frames <- f:
	case <-ctx.Done():
	}
}

func (p *Pipeline) handleControl(f *protocol.Frame) {
	c, err := protocol.ParseControl(f.Payload)
	if err != nil {
		p.log.Warn("malformed control frame", "seq", f.Sequence, "error", err)
		return
	}
	p.log.Info("control received", "type", c.Type, "width", c.Width, "height", c.Height)
	if p.cfg.OnControl != nil {
		p.cfg.OnControl(c)
	}
}

func (p *Pipeline) decodeLoop(ctx context.Context) error {
	ds := &decoderSession{p: p, dec: p.cfg.Decoder}
	defer ds.shutdown()

	var lastSeq uint64
	var haveSeq bool

	for {
		var f *protocol.Frame
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok = <-p.frames:
			if !ok {
				return nil
			}
		}

		if haveSeq && f.Sequence != lastSeq+1 {
			p.sequenceGaps.Add(1)
			p.log.Debug("sequence gap", "from", lastSeq, "to", f.Sequence)
		}
		lastSeq, haveSeq = f.Sequence, true

		switch f.Kind {
		case protocol.KindEncodedVideo:
			if err := ds.process(f); err != nil {
				return err
			}
		case protocol.KindRawImage:
			p.presentRaw(f)
		case protocol.KindStats:
			p.handleStats(f)
		}
	}
}

// presentRaw delivers an uncompressed frame straight to the sink; no
// codec session is involved.
func (p *Pipeline) presentRaw(f *protocol.Frame) {
	w, h := int(f.Width), int(f.Height)
	if len(f.Payload) != media.Size(w, h) {
		p.log.Warn("raw frame payload does not match dimensions",
			"seq", f.Sequence, "bytes", len(f.Payload), "dims", fmt.Sprintf("%dx%d", w, h))
		return
	}
	img := media.Image{Data: f.Payload, Width: w, Height: h}
	if err := p.cfg.Sink.Present(img); err != nil {
		p.log.Warn("present failed", "seq", f.Sequence, "error", err)
		return
	}
	if p.cfg.Stats != nil {
		p.cfg.Stats.RecordFrame(f.EncodedSize())
	}
}

func (p *Pipeline) handleStats(f *protocol.Frame) {
	var s stats.Snapshot
	if err := json.Unmarshal(f.Payload, &s); err != nil {
		p.log.Warn("malformed stats frame", "seq", f.Sequence, "error", err)
		return
	}
	p.log.Debug("sender stats",
		"fps", s.FPS, "mbps", s.BitrateMbps, "dropped", s.DroppedFrames)
	if p.cfg.OnStats != nil {
		p.cfg.OnStats(s)
	}
}

// decoderSession is the decode goroutine's exclusive view of the
// decoder: the active dimensions and the failure-recovery state.
type decoderSession struct {
	p    *Pipeline
	dec  Decoder
	live bool

	width  int
	height int

	// recovering is set after a decode failure; a keyframe request has
	// been sent and further failures stay quiet until a unit decodes.
	recovering bool
}

func (ds *decoderSession) process(f *protocol.Frame) error {
	p := ds.p
	w, h := int(f.Width), int(f.Height)

	if !ds.live || w != ds.width || h != ds.height {
		if err := ds.recreate(w, h); err != nil {
			return err
		}
	}

	img, err := ds.dec.Decode(f.Payload)
	if err != nil {
		p.decodeFailures.Add(1)
		if p.cfg.Stats != nil {
			p.cfg.Stats.RecordDrop()
		}
		if !ds.recovering {
			ds.recovering = true
			p.log.Warn("decode failed, requesting keyframe", "seq", f.Sequence, "error", err)
			p.requestKeyframe()
		}
		return nil
	}
	if ds.recovering {
		ds.recovering = false
		p.log.Info("decode recovered", "seq", f.Sequence)
	}

	if err := p.cfg.Sink.Present(img); err != nil {
		p.log.Warn("present failed", "seq", f.Sequence, "error", err)
		return nil
	}
	if p.cfg.Stats != nil {
		p.cfg.Stats.RecordFrame(f.EncodedSize())
	}
	return nil
}

func (ds *decoderSession) recreate(width, height int) error {
	p := ds.p

	if ds.live {
		if err := ds.dec.Shutdown(); err != nil {
			p.log.Warn("decoder shutdown before recreate", "error", err)
		}
		ds.live = false
		p.codecResets.Add(1)
		p.log.Info("decoder session recreate",
			"from", fmt.Sprintf("%dx%d", ds.width, ds.height),
			"to", fmt.Sprintf("%dx%d", width, height))
	}

	if err := ds.dec.Init(width, height); err != nil {
		return fmt.Errorf("decoder session %dx%d: %w", width, height, err)
	}
	ds.live = true
	ds.width, ds.height = width, height
	ds.recovering = false
	return nil
}

func (ds *decoderSession) shutdown() {
	if ds.live {
		if err := ds.dec.Shutdown(); err != nil {
			ds.p.log.Warn("decoder shutdown", "error", err)
		}
		ds.live = false
	}
}

func (p *Pipeline) requestKeyframe() {
	if p.cfg.Control == nil {
		return
	}
	f, err := protocol.ControlFrame(
		protocol.Control{Type: protocol.ControlRequestKeyframe},
		p.cfg.Sequence.Next(),
		uint64(time.Since(p.epoch).Microseconds()),
	)
	if err != nil {
		p.log.Warn("build keyframe request", "error", err)
		return
	}
	if err := p.cfg.Control.Send(f); err != nil {
		p.log.Warn("send keyframe request", "error", err)
	}
}
