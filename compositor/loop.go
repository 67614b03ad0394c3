// Package compositor merges the live video and the current overlay into a
// single output surface on every display tick.
package compositor

import (
	"context"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/abihf/facecam/capture"
	"github.com/abihf/facecam/overlay"
)

type TickResult int

const (
	// TickIdle means nothing was drawn; the next tick tries again.
	TickIdle TickResult = iota
	// TickVideo means the frame was drawn without annotations.
	TickVideo
	// TickComposited means frame and overlay were both drawn.
	TickComposited
)

func (r TickResult) String() string {
	switch r {
	case TickIdle:
		return "idle"
	case TickVideo:
		return "video"
	case TickComposited:
		return "composited"
	default:
		return "unknown"
	}
}

type OverlaySource interface {
	Current() *overlay.Surface
}

type Stats struct {
	Ticks      uint64
	Idle       uint64
	Composited uint64
}

type Loop struct {
	source   capture.Source
	overlays OverlaySource
	fallback image.Point
	interval time.Duration
	logger   *slog.Logger
	output   Output

	ticks      atomic.Uint64
	idle       atomic.Uint64
	composited atomic.Uint64
}

func NewLoop(source capture.Source, overlays OverlaySource, fallback image.Point, interval time.Duration, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Loop{
		source:   source,
		overlays: overlays,
		fallback: fallback,
		interval: interval,
		logger:   logger,
	}
}

func (l *Loop) Output() *Output {
	return &l.output
}

// Tick draws one composite: video first, overlay on top. It never panics and
// returns TickIdle when the source has no frame yet.
func (l *Loop) Tick() (res TickResult) {
	l.ticks.Add(1)
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("compositor tick panic", "error", rec)
			res = TickIdle
		}
		switch res {
		case TickIdle:
			l.idle.Add(1)
		case TickComposited:
			l.composited.Add(1)
		}
	}()

	if l.source == nil {
		return TickIdle
	}
	frame, ok := l.source.CurrentFrame()
	if !ok || frame == nil {
		return TickIdle
	}
	size := capture.DisplaySize(l.source, l.fallback)
	if size.X <= 0 || size.Y <= 0 {
		return TickIdle
	}

	var surface *overlay.Surface
	if l.overlays != nil {
		surface = l.overlays.Current()
	}

	res = TickVideo
	l.output.draw(size, func(dst *image.RGBA) {
		fb := frame.Bounds()
		if fb.Size() == size {
			draw.Draw(dst, dst.Rect, frame, fb.Min, draw.Src)
		} else {
			draw.ApproxBiLinear.Scale(dst, dst.Rect, frame, fb, draw.Src, nil)
		}
		// an overlay drawn for another size would be misaligned
		if surface != nil && surface.Size() == size {
			draw.Draw(dst, dst.Rect, surface.Image, image.Point{}, draw.Over)
			res = TickComposited
		}
	})
	return res
}

// Run ticks at the configured refresh rate until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	l.logger.Info("compositor started", "interval", l.interval)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("compositor stopped", "ticks", l.ticks.Load())
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}

func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:      l.ticks.Load(),
		Idle:       l.idle.Load(),
		Composited: l.composited.Load(),
	}
}
