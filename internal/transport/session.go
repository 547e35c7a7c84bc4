// Package transport owns the network connection between sender and
// receiver. It provides ordered, reliable, encrypted byte-stream semantics
// over a single QUIC stream, plus connect/reconnect lifecycle management.
// Message framing is the protocol package's job, not the transport's.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/thunderlink/mirror/internal/protocol"
)

const (
	// DefaultConnectTimeout bounds a single connect attempt, distinct from
	// the reconnect backoff policy: a timeout is a failed attempt, not a hang.
	DefaultConnectTimeout = 10 * time.Second

	keepAlivePeriod = 2 * time.Second
	maxIdleTimeout  = 15 * time.Second

	appErrClosed quic.ApplicationErrorCode = 0
)

// Session is one sender↔receiver connection attempt. It owns the QUIC
// connection exclusively; reconnection creates a new Session and resets
// sequence numbering at the pipeline level.
type Session struct {
	log       *slog.Logger
	rw        io.ReadWriteCloser
	closeConn func() error
	remote    string

	state  atomic.Int32
	closed atomic.Bool

	writeMu sync.Mutex
	buf     []byte
}

// Wrap builds a Session over any ordered reliable byte stream. Production
// code goes through Dial or Listener.Accept; tests and alternative links
// wrap an in-memory pipe.
func Wrap(rw io.ReadWriteCloser, remote string, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		log:       log.With("component", "transport", "remote", remote),
		rw:        rw,
		closeConn: rw.Close,
		remote:    remote,
	}
	s.state.Store(int32(StateConnected))
	return s
}

// State returns the session's connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// RemoteAddr returns the peer's address in string form.
func (s *Session) RemoteAddr() string { return s.remote }

// MarkStreaming records that frame traffic has started.
func (s *Session) MarkStreaming() {
	s.state.CompareAndSwap(int32(StateConnected), int32(StateStreaming))
}

// Send encodes the frame and writes it to the stream. A nil return means
// the transport has accepted the full message for reliable in-order
// delivery. Send is safe for concurrent use.
func (s *Session) Send(f *protocol.Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	s.buf, err = f.AppendEncode(s.buf[:0])
	if err != nil {
		return fmt.Errorf("encode frame seq=%d: %w", f.Sequence, err)
	}
	if _, err := s.rw.Write(s.buf); err != nil {
		s.fail()
		return fmt.Errorf("send frame seq=%d: %w", f.Sequence, err)
	}
	return nil
}

// Reader exposes the session's incoming byte stream. The receiver drives
// a protocol.Decoder against it.
func (s *Session) Reader() io.Reader { return s.rw }

// fail marks the session failed unless it was closed deliberately.
func (s *Session) fail() {
	if !s.closed.Load() {
		s.state.Store(int32(StateFailed))
	}
}

// Close tears the session down. It is idempotent; only the first call
// closes the underlying connection.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.state.Store(int32(StateDisconnected))
	err := s.closeConn()
	s.log.Info("session closed")
	return err
}

// DialConfig carries the client-side connection parameters.
type DialConfig struct {
	// TLS must carry the ALPN and the peer verification policy; see the
	// certs package.
	TLS *tls.Config

	// ConnectTimeout bounds the whole attempt (QUIC handshake plus stream
	// open). Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Dial connects to a receiver and opens the session's single bidirectional
// stream. The returned session is in the Connected state.
func Dial(ctx context.Context, addr string, cfg DialConfig, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info("connecting", "addr", addr, "timeout", timeout)

	conn, err := quic.DialAddr(ctx, addr, cfg.TLS, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(appErrClosed, "stream open failed")
		return nil, fmt.Errorf("open stream to %s: %w", addr, err)
	}

	s := newQUICSession(conn, stream, log)
	log.Info("connected", "addr", addr)
	return s, nil
}

func newQUICSession(conn quic.Connection, stream quic.Stream, log *slog.Logger) *Session {
	remote := conn.RemoteAddr().String()
	s := &Session{
		log:    log.With("component", "transport", "remote", remote),
		rw:     stream,
		remote: remote,
		closeConn: func() error {
			return conn.CloseWithError(appErrClosed, "session closed")
		},
	}
	s.state.Store(int32(StateConnected))
	return s
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  maxIdleTimeout,
		KeepAlivePeriod: keepAlivePeriod,
	}
}
