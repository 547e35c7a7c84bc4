// Package bitrate keeps the encoder's target bitrate within what the link
// currently sustains. The controller is a hysteresis loop, not a PI
// controller: asymmetric fixed-fraction adjustments with a cooldown give
// bounded worst-case behavior at the cost of optimality.
package bitrate

import (
	"context"
	"log/slog"
	"time"
)

// Defaults for the controller constants. They are tunable, not exact
// requirements; the shipped values favor fast back-off and slow recovery.
const (
	DefaultDecreaseFraction = 0.20
	DefaultIncreaseFraction = 0.05
	DefaultCooldown         = 5 * time.Second
	DefaultInterval         = 1 * time.Second
)

// Sample is a point-in-time reading of send health. Counters are
// cumulative for the session; the controller diffs successive samples.
type Sample struct {
	FramesSent uint64
	BytesSent  uint64
	SendErrors uint64
}

// SampleFunc supplies the current send-health counters.
type SampleFunc func() Sample

// Updater applies a new target bitrate to the live codec session without
// recreating it. Implemented by the encode pipeline.
type Updater interface {
	UpdateBitrate(bps int) error
}

// Config tunes the controller. Zero fractions, cooldown, or interval use
// the package defaults.
type Config struct {
	Target  int // initial target, bits per second
	Floor   int
	Ceiling int

	DecreaseFraction float64
	IncreaseFraction float64
	Cooldown         time.Duration
	Interval         time.Duration
}

func (c Config) withDefaults() Config {
	if c.DecreaseFraction <= 0 {
		c.DecreaseFraction = DefaultDecreaseFraction
	}
	if c.IncreaseFraction <= 0 {
		c.IncreaseFraction = DefaultIncreaseFraction
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Floor <= 0 {
		c.Floor = c.Target / 10
	}
	if c.Ceiling <= 0 {
		c.Ceiling = c.Target
	}
	return c
}

// Controller owns the Bitrate State: current target, bounds, and the last
// observed counters. It is mutated only by its own Tick; the encode
// pipeline reads the applied value through the Updater callback.
type Controller struct {
	log     *slog.Logger
	cfg     Config
	sample  SampleFunc
	updater Updater

	current      int
	last         Sample
	lastDecrease time.Time
}

// New creates a controller starting at cfg.Target.
func New(cfg Config, sample SampleFunc, updater Updater, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Controller{
		log:     log.With("component", "bitrate"),
		cfg:     cfg,
		sample:  sample,
		updater: updater,
		current: cfg.Target,
	}
}

// Current returns the controller's present target bitrate.
func (c *Controller) Current() int { return c.current }

// Tick evaluates one sampling interval at the given time. Exposed for
// tests; Run calls it once per interval.
func (c *Controller) Tick(now time.Time) {
	s := c.sample()
	errDelta := s.SendErrors - c.last.SendErrors
	c.last = s

	switch {
	case errDelta > 0:
		next := int(float64(c.current) * (1 - c.cfg.DecreaseFraction))
		if next < c.cfg.Floor {
			next = c.cfg.Floor
		}
		c.lastDecrease = now
		if next != c.current {
			c.apply(next, "send errors in interval", errDelta)
		}

	case c.current < c.cfg.Ceiling:
		if now.Sub(c.lastDecrease) < c.cfg.Cooldown {
			return // still inside the post-decrease cooldown
		}
		next := int(float64(c.current) * (1 + c.cfg.IncreaseFraction))
		if next > c.cfg.Ceiling {
			next = c.cfg.Ceiling
		}
		if next != c.current {
			c.apply(next, "clean interval", 0)
		}
	}
}

func (c *Controller) apply(next int, reason string, errs uint64) {
	prev := c.current
	c.current = next
	if err := c.updater.UpdateBitrate(next); err != nil {
		c.log.Warn("bitrate update failed", "target", next, "error", err)
		return
	}
	c.log.Info("bitrate adjusted",
		"from", prev, "to", next, "reason", reason, "errors", errs)
}

// Run samples once per interval until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}
