package transport

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultBackoffBase is the first retry delay after a failed attempt.
	DefaultBackoffBase = 500 * time.Millisecond

	// DefaultBackoffCap bounds the retry delay growth.
	DefaultBackoffCap = 5 * time.Second

	// DefaultMaxAttempts is the per-Connect attempt budget before the
	// reconnector gives up and surfaces ConnectionLost.
	DefaultMaxAttempts = 10
)

// Backoff produces the bounded exponential retry schedule: base, 2×base,
// 4×base, … capped, reset to base after a successful connect.
type Backoff struct {
	base time.Duration
	cap  time.Duration
	next time.Duration
}

// NewBackoff creates a backoff schedule. Non-positive base or cap use
// the defaults.
func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	return &Backoff{base: base, cap: cap, next: base}
}

// Next returns the delay to wait before the next attempt and advances
// the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.cap {
		b.next = b.cap
	}
	return d
}

// Reset rewinds the schedule to the base delay.
func (b *Backoff) Reset() {
	b.next = b.base
}

// DialFunc performs one connect attempt.
type DialFunc func(ctx context.Context) (*Session, error)

// Reconnector wraps a DialFunc with the retry policy of the transport:
// bounded exponential backoff between attempts, a bounded attempt budget,
// and backoff reset on success. The backoff state persists across Connect
// calls so that a reconnect after a long-lived session starts fresh only
// because the previous Connect succeeded.
type Reconnector struct {
	log         *slog.Logger
	dial        DialFunc
	backoff     *Backoff
	maxAttempts int
}

// ReconnectorConfig tunes the retry policy. Zero values use the defaults.
type ReconnectorConfig struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
}

// NewReconnector creates a Reconnector around dial. If log is nil,
// slog.Default() is used.
func NewReconnector(dial DialFunc, cfg ReconnectorConfig, log *slog.Logger) *Reconnector {
	if log == nil {
		log = slog.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Reconnector{
		log:         log.With("component", "reconnector"),
		dial:        dial,
		backoff:     NewBackoff(cfg.BackoffBase, cfg.BackoffCap),
		maxAttempts: maxAttempts,
	}
}

// Connect attempts to establish a session, retrying per the backoff policy.
// It returns the session on success, the context error if cancelled, or a
// *ConnectionLostError once the attempt budget is exhausted.
func (r *Reconnector) Connect(ctx context.Context) (*Session, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		s, err := r.dial(ctx)
		if err == nil {
			r.backoff.Reset()
			return s, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == r.maxAttempts {
			break
		}

		wait := r.backoff.Next()
		r.log.Warn("connect attempt failed",
			"attempt", attempt, "max_attempts", r.maxAttempts,
			"retry_in", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, &ConnectionLostError{Attempts: r.maxAttempts, Err: lastErr}
}
