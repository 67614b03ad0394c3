// Package overlay draws detection results onto transparent surfaces that the
// compositor lays over the video.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/abihf/facecam/detect"
)

// Surface is a finished overlay. It is never modified after it has been
// published, so readers may use it without locking.
type Surface struct {
	Image  *image.RGBA
	Seq    uint64
	Faces  int
	Failed int
}

func (s *Surface) Size() image.Point {
	return s.Image.Bounds().Size()
}

type Style struct {
	BoxColor           color.RGBA
	LineWidth          int
	LandmarkColor      color.RGBA
	PointRadius        int
	TextColor          color.RGBA
	TextBackground     color.RGBA
	TextPadding        int
	MinExpressionScore float64
}

func DefaultStyle() Style {
	return Style{
		BoxColor:           color.RGBA{0, 0, 255, 255},
		LineWidth:          2,
		LandmarkColor:      color.RGBA{255, 0, 255, 255},
		PointRadius:        1,
		TextColor:          color.RGBA{255, 255, 255, 255},
		TextBackground:     color.RGBA{0, 0, 0, 128},
		TextPadding:        4,
		MinExpressionScore: 0.1,
	}
}

// RenderError is a failure to draw one annotation of one face. It never
// stops the other faces from being drawn.
type RenderError struct {
	Face int
	Step string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s of face %d: %v", e.Step, e.Face, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
func (e *RenderError) Cause() error  { return e.Err }

type step struct {
	name string
	draw func(dst *image.RGBA, f detect.Face, s Style) error
}

type Stats struct {
	Redraws  uint64
	Failures uint64
}

// Renderer turns detection results into overlay surfaces. Every Render builds
// a fresh surface and publishes it whole, so the current surface always holds
// exactly one result: the one whose render completed last.
type Renderer struct {
	style  Style
	logger *slog.Logger
	steps  []step

	publish  sync.Mutex
	seq      uint64
	current  atomic.Pointer[Surface]
	redraws  atomic.Uint64
	failures atomic.Uint64
}

func NewRenderer(style Style, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Renderer{
		style:  style,
		logger: logger,
		steps: []step{
			{name: "box", draw: drawBox},
			{name: "landmarks", draw: drawLandmarks},
			{name: "expressions", draw: drawExpressions},
		},
	}
}

// Render scales res to the display size, draws it on a cleared surface and
// publishes that surface.
func (r *Renderer) Render(res detect.Result, display image.Point) *Surface {
	resized := detect.Resize(res, display.X, display.Y)

	dst := image.NewRGBA(image.Rectangle{Max: display})
	surface := &Surface{Image: dst, Faces: len(resized.Faces)}

	for _, st := range r.steps {
		for i, face := range resized.Faces {
			if err := r.drawFace(st, dst, i, face); err != nil {
				surface.Failed++
				r.failures.Add(1)
				r.logger.Warn("annotation skipped", "error", err)
			}
		}
	}

	r.publish.Lock()
	r.seq++
	surface.Seq = r.seq
	r.current.Store(surface)
	r.publish.Unlock()

	r.redraws.Add(1)
	r.logger.Debug("overlay redrawn", "seq", surface.Seq, "faces", surface.Faces, "failed", surface.Failed)
	return surface
}

func (r *Renderer) drawFace(st step, dst *image.RGBA, i int, face detect.Face) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &RenderError{Face: i, Step: st.name, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	if err := st.draw(dst, face, r.style); err != nil {
		return &RenderError{Face: i, Step: st.name, Err: err}
	}
	return nil
}

// Current returns the last published surface, or nil before the first one.
func (r *Renderer) Current() *Surface {
	return r.current.Load()
}

func (r *Renderer) Stats() Stats {
	return Stats{Redraws: r.redraws.Load(), Failures: r.failures.Load()}
}
