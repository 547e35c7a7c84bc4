package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/thunderlink/mirror/internal/certs"
)

// Listener accepts incoming sender connections on the receiver side.
type Listener struct {
	log *slog.Logger
	ln  *quic.Listener
}

// Listen binds a QUIC listener presenting the given certificate.
func Listen(addr string, cert *certs.CertInfo, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := quic.ListenAddr(addr, cert.ServerTLSConfig(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	log.Info("listening", "addr", ln.Addr(), "cert_fingerprint", cert.FingerprintBase64())
	return &Listener{log: log.With("component", "transport-listener"), ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks until a sender connects and opens its stream, then returns
// the session. One receiver process hosts at most one active session; the
// caller serializes accepts.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept connection: %w", err)
	}

	// The sender's stream becomes visible once its first frame is written.
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(appErrClosed, "stream accept failed")
		return nil, fmt.Errorf("accept stream from %s: %w", conn.RemoteAddr(), err)
	}

	s := newQUICSession(conn, stream, l.log)
	l.log.Info("sender connected", "remote", conn.RemoteAddr())
	return s, nil
}

// Close stops accepting new connections. Active sessions are unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}
