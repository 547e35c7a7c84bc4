// Package stats collects throughput counters for a streaming session and
// produces periodic snapshots. Snapshots are JSON-serializable and travel
// to the peer as KindStats frames.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time view of session throughput.
type Snapshot struct {
	FPS           float64 `json:"fps"`
	BytesPerSec   uint64  `json:"bytesPerSec"`
	BitrateMbps   float64 `json:"bitrateMbps"`
	TotalFrames   uint64  `json:"totalFrames"`
	TotalBytes    uint64  `json:"totalBytes"`
	DroppedFrames uint64  `json:"droppedFrames"`
	SendErrors    uint64  `json:"sendErrors"`
	UptimeSecs    float64 `json:"uptimeSecs"`
}

// Collector accumulates counters from the pipeline goroutines. All
// recording methods are safe for concurrent use and never block.
type Collector struct {
	start time.Time

	frames     atomic.Uint64
	bytes      atomic.Uint64
	dropped    atomic.Uint64
	sendErrors atomic.Uint64

	mu         sync.Mutex
	lastSnap   time.Time
	lastFrames uint64
	lastBytes  uint64
}

// NewCollector starts a collector anchored at now.
func NewCollector() *Collector {
	now := time.Now()
	return &Collector{start: now, lastSnap: now}
}

// RecordFrame counts one sent (or received) frame of the given size.
func (c *Collector) RecordFrame(size int) {
	c.frames.Add(1)
	c.bytes.Add(uint64(size))
}

// RecordDrop counts one dropped frame.
func (c *Collector) RecordDrop() {
	c.dropped.Add(1)
}

// RecordSendError counts one transport send failure.
func (c *Collector) RecordSendError() {
	c.sendErrors.Add(1)
}

// Counters returns the cumulative frame, byte, and send-error counts,
// the inputs the bitrate controller samples.
func (c *Collector) Counters() (frames, bytes, sendErrors uint64) {
	return c.frames.Load(), c.bytes.Load(), c.sendErrors.Load()
}

// Snapshot computes rates since the previous snapshot and returns the
// totals. Rates are zero if called again within 100ms, avoiding noisy
// division by near-zero intervals.
func (c *Collector) Snapshot() Snapshot {
	now := time.Now()
	frames := c.frames.Load()
	bytes := c.bytes.Load()

	var fps float64
	var bps uint64

	c.mu.Lock()
	elapsed := now.Sub(c.lastSnap)
	if elapsed >= 100*time.Millisecond {
		secs := elapsed.Seconds()
		fps = float64(frames-c.lastFrames) / secs
		bps = uint64(float64(bytes-c.lastBytes) / secs)
		c.lastSnap = now
		c.lastFrames = frames
		c.lastBytes = bytes
	}
	c.mu.Unlock()

	return Snapshot{
		FPS:           fps,
		BytesPerSec:   bps,
		BitrateMbps:   float64(bps) * 8 / 1_000_000,
		TotalFrames:   frames,
		TotalBytes:    bytes,
		DroppedFrames: c.dropped.Load(),
		SendErrors:    c.sendErrors.Load(),
		UptimeSecs:    now.Sub(c.start).Seconds(),
	}
}
