package facecam

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/abihf/facecam/capture"
	"github.com/abihf/facecam/detect"
	"github.com/abihf/facecam/overlay"
)

// DetectionTask runs the periodic detect and redraw cycle. A cycle grabs the
// current frame, asks the detector for faces and hands the result to the
// renderer, which publishes it only when it completes.
type DetectionTask struct {
	Source        capture.Source
	Detector      detect.Detector
	Renderer      *overlay.Renderer
	Fallback      image.Point
	Interval      time.Duration
	AnalysisWidth int
	MaxInFlight   int
	Logger        *slog.Logger

	inFlight atomic.Int32
	cycles   atomic.Uint64
	skipped  atomic.Uint64
	failed   atomic.Uint64
}

type DetectionStats struct {
	Cycles  uint64
	Skipped uint64
	Failed  uint64
	Redraws uint64
}

func (t *DetectionTask) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.Logger
}

// RunOnce performs a single cycle and reports whether it rendered. A cycle is
// skipped when no frame is available or too many cycles are in flight.
func (t *DetectionTask) RunOnce(ctx context.Context) bool {
	limit := int32(t.MaxInFlight)
	if limit <= 0 {
		limit = 1
	}
	if t.inFlight.Add(1) > limit {
		t.inFlight.Add(-1)
		t.skipped.Add(1)
		return false
	}
	defer t.inFlight.Add(-1)

	frame, ok := t.Source.CurrentFrame()
	if !ok || frame == nil {
		t.skipped.Add(1)
		return false
	}

	img := frame
	if t.AnalysisWidth > 0 && frame.Bounds().Dx() > t.AnalysisWidth {
		img = imaging.Resize(frame, t.AnalysisWidth, 0, imaging.Linear)
	}

	res, err := t.Detector.Detect(ctx, img)
	if err != nil {
		t.failed.Add(1)
		t.logger().Warn("detection failed", "error", err)
		res = detect.Result{}
	}
	if res.Width <= 0 || res.Height <= 0 {
		b := img.Bounds()
		res.Width, res.Height = b.Dx(), b.Dy()
	}
	if ctx.Err() != nil {
		return false
	}

	display := capture.DisplaySize(t.Source, t.Fallback)
	t.Renderer.Render(res, display)
	t.cycles.Add(1)
	if res.Empty() {
		t.logger().Debug("detection cycle, no faces")
	} else {
		t.logger().Debug("detection cycle", "faces", len(res.Faces))
	}
	return true
}

// Run starts a cycle every Interval until ctx is done, then waits for the
// cycles still in flight.
func (t *DetectionTask) Run(ctx context.Context) {
	interval := t.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	t.logger().Info("detection started", "interval", interval, "analysis_width", t.AnalysisWidth)
	for {
		select {
		case <-ctx.Done():
			t.logger().Info("detection stopped", "cycles", t.cycles.Load())
			return
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.RunOnce(ctx)
			}()
		}
	}
}

func (t *DetectionTask) Stats() DetectionStats {
	st := DetectionStats{
		Cycles:  t.cycles.Load(),
		Skipped: t.skipped.Load(),
		Failed:  t.failed.Load(),
	}
	if t.Renderer != nil {
		st.Redraws = t.Renderer.Stats().Redraws
	}
	return st
}
