package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/thunderlink/mirror/internal/media"
)

// colorBars is the standard 8-bar pattern, RGBA:
// white, yellow, cyan, green, magenta, red, blue, black.
var colorBars = [8][4]byte{
	{255, 255, 255, 255},
	{255, 255, 0, 255},
	{0, 255, 255, 255},
	{0, 255, 0, 255},
	{255, 0, 255, 255},
	{255, 0, 0, 255},
	{0, 0, 255, 255},
	{0, 0, 0, 255},
}

// ColorBars generates an RGBA color-bar test image with 8 vertical bars.
func ColorBars(width, height int) []byte {
	buf := make([]byte, media.Size(width, height))
	barWidth := width / 8
	if barWidth == 0 {
		barWidth = 1
	}

	// Build one row, then replicate it.
	row := buf[:width*4]
	for x := 0; x < width; x++ {
		bar := x / barWidth
		if bar > 7 {
			bar = 7
		}
		copy(row[x*4:], colorBars[bar][:])
	}
	for y := 1; y < height; y++ {
		copy(buf[y*width*4:], row)
	}
	return buf
}

// PatternSource is a built-in Source that emits color bars at a fixed
// cadence. It serves the diagnostic pattern command and the pipeline
// tests; unlike platform sources it supports a scripted resolution change.
type PatternSource struct {
	log *slog.Logger
	fps int

	mu     sync.Mutex
	width  int
	height int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPatternSource creates a pattern source. fps must be positive.
func NewPatternSource(width, height, fps int, log *slog.Logger) *PatternSource {
	if log == nil {
		log = slog.Default()
	}
	return &PatternSource{
		log:    log.With("component", "pattern-source"),
		fps:    fps,
		width:  width,
		height: height,
		stop:   make(chan struct{}),
	}
}

// SetResolution changes the emitted frame dimensions. The next frame and
// the resolution-changed callback carry the new size.
func (p *PatternSource) SetResolution(width, height int) {
	p.mu.Lock()
	p.width = width
	p.height = height
	p.mu.Unlock()
}

// Start begins emitting frames. The descriptor is accepted but has no
// effect on the generated pattern.
func (p *PatternSource) Start(desc Descriptor, cb Callbacks) error {
	p.log.Info("pattern capture starting", "source", desc,
		"width", p.width, "height", p.height, "fps", p.fps)

	p.wg.Add(1)
	go p.run(cb)
	return nil
}

func (p *PatternSource) run(cb Callbacks) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(p.fps))
	defer ticker.Stop()

	lastW, lastH := 0, 0
	var frame []byte

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		w, h := p.width, p.height
		p.mu.Unlock()

		if w != lastW || h != lastH {
			if lastW != 0 && cb.OnResolutionChanged != nil {
				cb.OnResolutionChanged(w, h)
			}
			frame = ColorBars(w, h)
			lastW, lastH = w, h
		}
		if cb.OnFrame != nil {
			cb.OnFrame(media.Image{Data: frame, Width: w, Height: h})
		}
	}
}

// Stop halts frame delivery and waits for the emitter to exit.
func (p *PatternSource) Stop() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	return nil
}
