package sender

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thunderlink/mirror/internal/capture"
	"github.com/thunderlink/mirror/internal/decode"
	"github.com/thunderlink/mirror/internal/media"
	"github.com/thunderlink/mirror/internal/protocol"
	"github.com/thunderlink/mirror/internal/stats"
	"github.com/thunderlink/mirror/internal/transport"
)

type collectSink struct {
	mu     sync.Mutex
	images []media.Image
}

func (s *collectSink) Present(img media.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, img)
	return nil
}

func (s *collectSink) snapshot() []media.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.Image(nil), s.images...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// receiverEnd drains the far side of an in-memory link with the real
// decode pipeline.
type receiverEnd struct {
	sink     *collectSink
	controls chan protocol.Control
	snaps    chan stats.Snapshot
	done     chan error
	cancel   context.CancelFunc
}

func startReceiverEnd(t *testing.T, conn net.Conn) *receiverEnd {
	t.Helper()
	sess := transport.Wrap(conn, "test-receiver", nil)
	re := &receiverEnd{
		sink:     &collectSink{},
		controls: make(chan protocol.Control, 32),
		snaps:    make(chan stats.Snapshot, 32),
		done:     make(chan error, 1),
	}
	pipe := decode.NewPipeline(decode.PipelineConfig{
		Reader:    sess.Reader(),
		Decoder:   decode.NewRawDecoder(),
		Sink:      re.sink,
		Control:   sess,
		OnControl: func(c protocol.Control) { re.controls <- c },
		OnStats:   func(s stats.Snapshot) { re.snaps <- s },
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	re.cancel = cancel
	go func() { re.done <- pipe.Run(ctx) }()
	t.Cleanup(cancel)
	return re
}

func (re *receiverEnd) waitControl(t *testing.T, want protocol.ControlType) protocol.Control {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-re.controls:
			if c.Type == want {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for control %q", want)
		}
	}
}

func newTestSender(t *testing.T, mutate func(cfg *Config)) (*Sender, *capture.PatternSource) {
	t.Helper()
	src := capture.NewPatternSource(64, 48, 120, nil)
	cfg := Config{
		Addr:          "test:0",
		Source:        src,
		Width:         64,
		Height:        48,
		FPS:           120,
		Bitrate:       1_000_000,
		StatsInterval: 50 * time.Millisecond,
		Reconnect: transport.ReconnectorConfig{
			BackoffBase: time.Millisecond,
			BackoffCap:  5 * time.Millisecond,
			MaxAttempts: 3,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	return s, src
}

func TestSenderStreamsToReceiver(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	re := startReceiverEnd(t, remote)

	s, _ := newTestSender(t, nil)
	var dials atomic.Int32
	s.SetDialFunc(func(ctx context.Context) (*transport.Session, error) {
		if dials.Add(1) > 1 {
			return nil, errors.New("receiver gone")
		}
		return transport.Wrap(local, "test-sender", nil), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	start := re.waitControl(t, protocol.ControlStart)
	if start.Width != 64 || start.Height != 48 || start.FPS != 120 {
		t.Errorf("start control = %+v", start)
	}

	waitFor(t, "frames presented", func() bool { return len(re.sink.snapshot()) >= 5 })
	for _, img := range re.sink.snapshot() {
		if img.Width != 64 || img.Height != 48 {
			t.Errorf("presented %dx%d, want 64x48", img.Width, img.Height)
		}
		if len(img.Data) != media.Size(img.Width, img.Height) {
			t.Errorf("image payload %d bytes", len(img.Data))
		}
	}

	select {
	case snap := <-re.snaps:
		if snap.TotalFrames == 0 {
			t.Error("stats snapshot carries no frames")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no stats frame received")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSenderAnnouncesResolutionChange(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	re := startReceiverEnd(t, remote)

	s, src := newTestSender(t, nil)
	s.SetDialFunc(func(ctx context.Context) (*transport.Session, error) {
		return transport.Wrap(local, "test-sender", nil), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	re.waitControl(t, protocol.ControlStart)
	waitFor(t, "first frames", func() bool { return len(re.sink.snapshot()) >= 2 })

	src.SetResolution(128, 96)

	rc := re.waitControl(t, protocol.ControlResolutionChange)
	if rc.Width != 128 || rc.Height != 96 {
		t.Errorf("resolution-change control = %+v", rc)
	}
	waitFor(t, "frames at new resolution", func() bool {
		imgs := re.sink.snapshot()
		return len(imgs) > 0 && imgs[len(imgs)-1].Width == 128
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSenderStopsOnPeerRequest(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	re := startReceiverEnd(t, remote)

	s, _ := newTestSender(t, nil)
	sess := transport.Wrap(local, "test-sender", nil)
	s.SetDialFunc(func(ctx context.Context) (*transport.Session, error) {
		return sess, nil
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	re.waitControl(t, protocol.ControlStart)
	waitFor(t, "streaming", func() bool { return len(re.sink.snapshot()) >= 1 })

	// The receiver asks the sender to stop.
	peer := transport.Wrap(remote, "test-receiver", nil)
	f, err := protocol.ControlFrame(protocol.Control{Type: protocol.ControlStop}, 0, 0)
	if err != nil {
		t.Fatalf("control frame: %v", err)
	}
	if err := peer.Send(f); err != nil {
		t.Fatalf("send stop: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run = %v, want orderly stop", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not stop on peer request")
	}
}

func TestSenderReconnectsAfterLinkLoss(t *testing.T) {
	t.Parallel()

	localA, remoteA := net.Pipe()
	localB, remoteB := net.Pipe()
	startReceiverEnd(t, remoteA)
	reB := startReceiverEnd(t, remoteB)

	s, _ := newTestSender(t, nil)
	var dials atomic.Int32
	s.SetDialFunc(func(ctx context.Context) (*transport.Session, error) {
		switch dials.Add(1) {
		case 1:
			return transport.Wrap(localA, "link-a", nil), nil
		default:
			return transport.Wrap(localB, "link-b", nil), nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, "first link active", func() bool { return dials.Load() == 1 })
	// Kill the first link out from under the sender.
	remoteA.Close()

	reB.waitControl(t, protocol.ControlStart)
	waitFor(t, "frames on second link", func() bool { return len(reB.sink.snapshot()) >= 2 })
	if dials.Load() < 2 {
		t.Errorf("dials = %d, want a reconnect", dials.Load())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSenderGivesUpAfterReconnectBudget(t *testing.T) {
	t.Parallel()

	s, _ := newTestSender(t, nil)
	s.SetDialFunc(func(ctx context.Context) (*transport.Session, error) {
		return nil, errors.New("connection refused")
	})

	err := s.Run(context.Background())
	var lost *transport.ConnectionLostError
	if !errors.As(err, &lost) {
		t.Fatalf("run = %v, want ConnectionLostError", err)
	}
	if lost.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", lost.Attempts)
	}
}

func TestSenderServicesKeyframeRequest(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	re := startReceiverEnd(t, remote)

	s, _ := newTestSender(t, nil)
	s.SetDialFunc(func(ctx context.Context) (*transport.Session, error) {
		return transport.Wrap(local, "test-sender", nil), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	re.waitControl(t, protocol.ControlStart)
	waitFor(t, "streaming", func() bool { return len(re.sink.snapshot()) >= 1 })

	peer := transport.Wrap(remote, "test-receiver", nil)
	f, err := protocol.ControlFrame(protocol.Control{Type: protocol.ControlRequestKeyframe}, 0, 0)
	if err != nil {
		t.Fatalf("control frame: %v", err)
	}
	if err := peer.Send(f); err != nil {
		t.Fatalf("send keyframe request: %v", err)
	}

	// The raw codec keeps streaming decodable units either way; the
	// request must simply not disturb the session.
	before := len(re.sink.snapshot())
	waitFor(t, "streaming continues", func() bool { return len(re.sink.snapshot()) > before })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
