package encode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thunderlink/mirror/internal/capture"
	"github.com/thunderlink/mirror/internal/media"
	"github.com/thunderlink/mirror/internal/protocol"
	"github.com/thunderlink/mirror/internal/stats"
)

// ErrConnectionLost is returned by Run when the consecutive send-error
// threshold is exceeded, which functions as a liveness timeout for the
// data path.
var ErrConnectionLost = errors.New("encode: connection lost")

// DefaultMaxConsecutiveErrors is the send-failure threshold treated as
// connection loss: roughly half a second of traffic at 60fps. Isolated
// failures below it model jitter on the link and do not stop streaming.
const DefaultMaxConsecutiveErrors = 30

// maxInitFailures bounds repeated codec-session creation failures before
// the pipeline gives up.
const maxInitFailures = 3

// FrameSender accepts encoded frames for delivery. Satisfied by
// *transport.Session.
type FrameSender interface {
	Send(f *protocol.Frame) error
}

// PipelineConfig wires a Pipeline's collaborators and tunables.
type PipelineConfig struct {
	Encoder Encoder
	Sender  FrameSender
	Stats   *stats.Collector // optional

	// Sequence issues frame sequence numbers. Shared with any other frame
	// producer of the session (control, stats); nil creates a private one.
	Sequence *protocol.Sequencer

	Bitrate          int
	FPS              int
	KeyframeInterval int

	// MaxConsecutiveErrors is the connection-loss threshold; zero means
	// DefaultMaxConsecutiveErrors.
	MaxConsecutiveErrors int
}

// Pipeline converts captured images into encoded frames on the transport.
// It runs the encode and network send stages on their own goroutines with
// single-item hand-offs, so a slow encode never blocks capture delivery
// and a slow send never blocks encoding. Worst-case pipeline latency is
// bounded to roughly one frame interval.
type Pipeline struct {
	log *slog.Logger
	cfg PipelineConfig

	mailbox *capture.Mailbox
	units   chan media.EncodedUnit
	epoch   time.Time

	pendingBitrate atomic.Int64
	keyframeReq    atomic.Bool

	codecResets  atomic.Int32
	unitsDropped atomic.Uint64

	closeOnce atomic.Bool
}

// NewPipeline creates a Pipeline. The capture source must deliver images
// through OnCapturedImage; Run drives everything else.
func NewPipeline(cfg PipelineConfig, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = 30
	}
	if cfg.Sequence == nil {
		cfg.Sequence = protocol.NewSequencer()
	}
	return &Pipeline{
		log:     log.With("component", "encode-pipeline"),
		cfg:     cfg,
		mailbox: capture.NewMailbox(),
		units:   make(chan media.EncodedUnit, 1),
		epoch:   time.Now(),
	}
}

// OnCapturedImage receives an image from the capture source on its own
// delivery cadence. It never blocks: if the encoder has not finished the
// previous image, the new image is dropped, not queued.
func (p *Pipeline) OnCapturedImage(img media.Image) {
	if !p.mailbox.Offer(img) && p.cfg.Stats != nil {
		p.cfg.Stats.RecordDrop()
	}
}

// UpdateBitrate schedules a bitrate change on the live codec session. The
// encode stage applies it before the next frame, keeping the codec session
// exclusively owned by one goroutine. Implements bitrate.Updater.
func (p *Pipeline) UpdateBitrate(bps int) error {
	p.pendingBitrate.Store(int64(bps))
	return nil
}

// RequestKeyframe asks for an out-of-schedule keyframe, e.g. on behalf of
// the receiver after a decode failure. Ignored by encoders that cannot.
func (p *Pipeline) RequestKeyframe() {
	p.keyframeReq.Store(true)
}

// CodecResets reports how many times the codec session was torn down and
// recreated because of a resolution change.
func (p *Pipeline) CodecResets() int {
	return int(p.codecResets.Load())
}

// DroppedUnits reports encoded units dropped because the send stage was
// still busy with the previous one.
func (p *Pipeline) DroppedUnits() uint64 {
	return p.unitsDropped.Load()
}

// Close stops the pipeline's intake. The capture source must already be
// stopped. Run drains, shuts the codec session down, and returns.
func (p *Pipeline) Close() {
	if p.closeOnce.CompareAndSwap(false, true) {
		p.mailbox.Close()
	}
}

// Run drives the encode and send stages until Close is called, the
// context is cancelled, or send failures exceed the connection-loss
// threshold.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.encodeLoop(ctx) })
	g.Go(func() error { return p.sendLoop(ctx) })

	return g.Wait()
}

func (p *Pipeline) encodeLoop(ctx context.Context) error {
	defer close(p.units)

	cs := &codecSession{p: p, enc: p.cfg.Encoder, bitrate: p.cfg.Bitrate}
	defer cs.shutdown()

	for {
		var img media.Image
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case img, ok = <-p.mailbox.Recv():
			if !ok {
				return nil
			}
		}

		err := cs.process(img)
		// Only now may capture delivery hand over the next image; anything
		// that arrived while encoding was dropped by the mailbox.
		p.mailbox.Done()
		if err != nil {
			return err
		}
	}
}

// codecSession is the encode goroutine's exclusive view of the encoder:
// the active dimensions, the applied bitrate, and the recreate logic. No
// other goroutine touches the Encoder.
type codecSession struct {
	p       *Pipeline
	enc     Encoder
	bitrate int
	live    bool
	width   int
	height  int

	initFailures int
}

func (cs *codecSession) process(img media.Image) error {
	p := cs.p

	if bps := p.pendingBitrate.Swap(0); bps > 0 {
		cs.bitrate = int(bps)
		if cs.live {
			if err := cs.enc.UpdateBitrate(cs.bitrate); err != nil {
				p.log.Warn("bitrate update", "target", cs.bitrate, "error", err)
			}
		}
	}

	if !cs.live || img.Width != cs.width || img.Height != cs.height {
		if err := cs.recreate(img.Width, img.Height); err != nil {
			return err
		}
		if !cs.live {
			return nil // init failed below threshold; image dropped
		}
	}

	if p.keyframeReq.CompareAndSwap(true, false) {
		if kf, ok := cs.enc.(KeyframeForcer); ok {
			kf.ForceKeyframe()
		}
	}

	if err := cs.enc.Encode(img); err != nil {
		// Per-frame encode failures are absorbed; the next keyframe
		// restores the receiver.
		p.log.Warn("encode failed, frame skipped", "error", err)
		if p.cfg.Stats != nil {
			p.cfg.Stats.RecordDrop()
		}
	}
	return nil
}

// recreate tears down the active codec session, if any, and creates one
// sized to the new dimensions. Repeated creation failure is escalated to
// a fatal pipeline error.
func (cs *codecSession) recreate(width, height int) error {
	p := cs.p

	if cs.live {
		if err := cs.enc.Shutdown(); err != nil {
			p.log.Warn("encoder shutdown before recreate", "error", err)
		}
		cs.live = false
		p.codecResets.Add(1)
		p.log.Info("codec session recreate",
			"from", fmt.Sprintf("%dx%d", cs.width, cs.height),
			"to", fmt.Sprintf("%dx%d", width, height))
	}

	err := cs.enc.Init(Config{
		Width:            width,
		Height:           height,
		Bitrate:          cs.bitrate,
		FPS:              p.cfg.FPS,
		KeyframeInterval: p.cfg.KeyframeInterval,
		OnUnit:           p.offerUnit,
	})
	if err != nil {
		cs.initFailures++
		if p.cfg.Stats != nil {
			p.cfg.Stats.RecordDrop()
		}
		if cs.initFailures >= maxInitFailures {
			return fmt.Errorf("codec session creation failed %d times: %w", cs.initFailures, err)
		}
		p.log.Warn("codec session init failed, dropping frame", "error", err)
		return nil
	}
	cs.initFailures = 0
	cs.live = true
	cs.width, cs.height = width, height
	return nil
}

func (cs *codecSession) shutdown() {
	if cs.live {
		if err := cs.enc.Shutdown(); err != nil {
			cs.p.log.Warn("encoder shutdown", "error", err)
		}
		cs.live = false
	}
}

// offerUnit hands an encoded unit to the send stage, dropping it if the
// sender is still busy with the previous one.
func (p *Pipeline) offerUnit(unit media.EncodedUnit) {
	select {
	case p.units <- unit:
	default:
		p.unitsDropped.Add(1)
		if p.cfg.Stats != nil {
			p.cfg.Stats.RecordDrop()
		}
	}
}

func (p *Pipeline) sendLoop(ctx context.Context) error {
	consecutive := 0

	for {
		var unit media.EncodedUnit
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case unit, ok = <-p.units:
			if !ok {
				return nil
			}
		}

		f := &protocol.Frame{
			Kind:        protocol.KindEncodedVideo,
			Sequence:    p.cfg.Sequence.Next(),
			TimestampUS: uint64(time.Since(p.epoch).Microseconds()),
			Width:       uint16(unit.Width),
			Height:      uint16(unit.Height),
			Payload:     unit.Data,
		}

		if err := p.cfg.Sender.Send(f); err != nil {
			consecutive++
			if p.cfg.Stats != nil {
				p.cfg.Stats.RecordSendError()
			}
			if consecutive >= p.cfg.MaxConsecutiveErrors {
				p.log.Error("send-error threshold exceeded, stopping",
					"consecutive", consecutive, "error", err)
				return fmt.Errorf("%d consecutive send failures: %w", consecutive, ErrConnectionLost)
			}
			p.log.Warn("send failed", "seq", f.Sequence, "consecutive", consecutive, "error", err)
			continue
		}
		consecutive = 0
		if p.cfg.Stats != nil {
			p.cfg.Stats.RecordFrame(f.EncodedSize())
		}
	}
}
