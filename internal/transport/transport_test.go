package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/thunderlink/mirror/internal/protocol"
)

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	b := NewBackoff(500*time.Millisecond, 5*time.Second)
	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("delay %d = %v, want %v", i, got, w)
		}
	}

	b.Reset()
	if got := b.Next(); got != 500*time.Millisecond {
		t.Errorf("after reset: %v, want 500ms", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	t.Parallel()

	b := NewBackoff(0, 0)
	if got := b.Next(); got != DefaultBackoffBase {
		t.Errorf("first delay = %v, want %v", got, DefaultBackoffBase)
	}
}

func TestReconnectorRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var attempts int
	dial := func(ctx context.Context) (*Session, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("refused")
		}
		c, s := net.Pipe()
		t.Cleanup(func() { c.Close(); s.Close() })
		return Wrap(c, "test", nil), nil
	}

	r := NewReconnector(dial, ReconnectorConfig{
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
		MaxAttempts: 5,
	}, nil)

	sess, err := r.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	// Success resets the schedule to the base delay.
	if r.backoff.next != time.Millisecond {
		t.Errorf("backoff after success = %v, want 1ms", r.backoff.next)
	}
}

func TestReconnectorBackoffGrowsBetweenAttempts(t *testing.T) {
	t.Parallel()

	dial := func(ctx context.Context) (*Session, error) {
		return nil, errors.New("refused")
	}
	r := NewReconnector(dial, ReconnectorConfig{
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
		MaxAttempts: 4,
	}, nil)

	_, err := r.Connect(context.Background())
	var lost *ConnectionLostError
	if !errors.As(err, &lost) {
		t.Fatalf("error = %v, want *ConnectionLostError", err)
	}
	if lost.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", lost.Attempts)
	}
	// Three waits happened: 1ms, 2ms, 4ms; the schedule now sits at the cap.
	if r.backoff.next != 4*time.Millisecond {
		t.Errorf("backoff after exhaustion = %v, want cap 4ms", r.backoff.next)
	}
}

func TestReconnectorHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	dial := func(ctx context.Context) (*Session, error) {
		cancel()
		return nil, errors.New("refused")
	}
	r := NewReconnector(dial, ReconnectorConfig{
		BackoffBase: time.Hour, // would hang without cancellation
		MaxAttempts: 3,
	}, nil)

	_, err := r.Connect(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestSessionSendReceive(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	sess := Wrap(local, "peer", nil)
	defer sess.Close()
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var got *protocol.Frame
	go func() {
		defer wg.Done()
		d := protocol.NewDecoder()
		buf := make([]byte, 4096)
		for got == nil {
			n, err := remote.Read(buf)
			if err != nil {
				return
			}
			d.Feed(buf[:n])
			f, err := d.Next()
			if err != nil {
				return
			}
			got = f
		}
	}()

	f := &protocol.Frame{Kind: protocol.KindEncodedVideo, Sequence: 11, Width: 640, Height: 480, Payload: []byte{9, 8, 7}}
	if err := sess.Send(f); err != nil {
		t.Fatalf("send: %v", err)
	}
	wg.Wait()

	if got == nil || got.Sequence != 11 || got.Kind != protocol.KindEncodedVideo {
		t.Fatalf("received %+v", got)
	}
}

func TestSessionStateLifecycle(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	defer remote.Close()

	sess := Wrap(local, "peer", nil)
	if sess.State() != StateConnected {
		t.Errorf("initial state = %v, want connected", sess.State())
	}

	sess.MarkStreaming()
	if sess.State() != StateStreaming {
		t.Errorf("state = %v, want streaming", sess.State())
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sess.State() != StateDisconnected {
		t.Errorf("state after close = %v, want disconnected", sess.State())
	}
	if err := sess.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second close = %v, want ErrClosed", err)
	}
	if err := sess.Send(&protocol.Frame{Kind: protocol.KindRawImage}); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close = %v, want ErrClosed", err)
	}
}

func TestSessionSendFailureMarksFailed(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	sess := Wrap(local, "peer", nil)
	remote.Close() // peer gone

	err := sess.Send(&protocol.Frame{Kind: protocol.KindRawImage, Payload: []byte{1}})
	if err == nil || errors.Is(err, ErrClosed) {
		t.Fatalf("send to dead peer = %v, want write error", err)
	}
	if sess.State() != StateFailed {
		t.Errorf("state = %v, want failed", sess.State())
	}
}

func TestSessionReaderDrains(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	sess := Wrap(local, "peer", nil)
	defer sess.Close()

	go func() {
		remote.Write([]byte("abc"))
		remote.Close()
	}()

	data, err := io.ReadAll(sess.Reader())
	if err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, io.EOF) {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "abc" {
		t.Errorf("read %q, want \"abc\"", data)
	}
}
