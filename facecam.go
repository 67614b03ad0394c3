// Package facecam wires the live webcam pipeline together: a compositor that
// draws video and annotations on every display tick, a periodic detection
// task feeding the overlay, and a recorder sampling the composite.
package facecam

import (
	"context"
	"image"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/abihf/facecam/capture"
	"github.com/abihf/facecam/compositor"
	"github.com/abihf/facecam/config"
	"github.com/abihf/facecam/detect"
	"github.com/abihf/facecam/overlay"
	"github.com/abihf/facecam/recorder"
	"github.com/abihf/facecam/utils/thread"
)

type Pipeline struct {
	Source     capture.Source
	Detector   detect.Detector
	Renderer   *overlay.Renderer
	Compositor *compositor.Loop
	Detection  *DetectionTask
	Recorder   *recorder.Controller

	conf        *config.Config
	logger      *slog.Logger
	loadBackoff time.Duration
	ready       chan struct{}
	readyOnce   sync.Once
	closers     []func()
}

// New builds a pipeline on the configured camera, detector worker and ffmpeg
// encoder.
func New(conf *config.Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cam := capture.Open(&capture.Option{
		Device:      conf.Device,
		PixelFormat: conf.PixelFormat,
		Width:       conf.Width,
		Height:      conf.Height,
	}, logger.With("component", "camera"))
	worker := detect.NewWorker(conf.DetectorCommand, conf.DetectorTimeout(), logger.With("component", "detector"))
	worker.LoadTimeout = conf.LoadTimeout()

	sinkLogger := logger.With("component", "encoder")
	sinks := func() recorder.Sink {
		return recorder.NewFFmpegSink(recorder.FFmpegOptions{
			Binary: conf.FFmpeg,
			Codec:  conf.VideoCodec,
		}, sinkLogger)
	}
	saver := &recorder.FileSaver{Dir: conf.OutputDir, Logger: logger.With("component", "saver")}

	p := Assemble(conf, cam, worker, sinks, saver, logger)
	p.closers = append(p.closers, cam.Close, worker.Close)
	return p
}

// Assemble connects the given collaborators into a pipeline.
func Assemble(conf *config.Config, src capture.Source, det detect.Detector, sinks recorder.SinkFactory, saver recorder.Saver, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	fallback := image.Pt(conf.FallbackWidth, conf.FallbackHeight)

	style := overlay.DefaultStyle()
	style.MinExpressionScore = conf.MinExpressionScore
	renderer := overlay.NewRenderer(style, logger.With("component", "overlay"))

	loop := compositor.NewLoop(src, renderer, fallback, conf.RefreshInterval(), logger.With("component", "compositor"))

	task := &DetectionTask{
		Source:        src,
		Detector:      det,
		Renderer:      renderer,
		Fallback:      fallback,
		Interval:      conf.DetectInterval(),
		AnalysisWidth: conf.AnalysisWidth,
		MaxInFlight:   conf.MaxInFlight,
		Logger:        logger.With("component", "detection"),
	}

	rec := recorder.NewController(loop.Output(), sinks, saver, recorder.Options{
		Filename:    conf.Filename,
		ContentType: conf.ContentType,
		FPS:         conf.RecordFPS,
	}, logger.With("component", "recorder"))

	return &Pipeline{
		Source:      src,
		Detector:    det,
		Renderer:    renderer,
		Compositor:  loop,
		Detection:   task,
		Recorder:    rec,
		conf:        conf,
		logger:      logger,
		loadBackoff: time.Second,
		ready:       make(chan struct{}),
	}
}

// Ready is closed once the models are loaded and detection runs.
func (p *Pipeline) Ready() <-chan struct{} {
	return p.ready
}

// Run acquires the camera, starts the compositor, loads the detection models
// and then runs detection until ctx is done. Camera and model failures are
// returned as *capture.AcquisitionError and *detect.LoadError. A stream that
// stops on its own aborts any recording and is returned as well.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Source.Acquire(ctx); err != nil {
		var acqErr *capture.AcquisitionError
		if !errors.As(err, &acqErr) {
			err = &capture.AcquisitionError{Err: err}
		}
		p.logger.Error("camera unavailable", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runCompositor(ctx)
	}()

	streamErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.watchStream(ctx); err != nil {
			streamErr <- err
			cancel()
		}
	}()
	ended := func() error {
		select {
		case err := <-streamErr:
			return err
		default:
			return nil
		}
	}

	if err := p.LoadModels(ctx); err != nil {
		if ctx.Err() != nil {
			return ended()
		}
		p.logger.Error("detection disabled", "error", err)
		return err
	}

	p.readyOnce.Do(func() { close(p.ready) })
	p.Detection.Run(ctx)
	return ended()
}

// watchStream waits for the camera stream to stop. When it stops before ctx is
// done, the active recording is aborted and the reason returned.
func (p *Pipeline) watchStream(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-p.Source.Done():
	}
	if ctx.Err() != nil {
		return nil
	}

	err := p.Source.Err()
	if err == nil {
		err = &capture.StreamError{Err: errors.New("stream closed")}
	}
	p.logger.Error("camera stream lost", "error", err)
	if _, recErr := p.Recorder.Abort(err); recErr != nil {
		p.logger.Warn("recording aborted", "error", recErr)
	}
	return err
}

func (p *Pipeline) runCompositor(ctx context.Context) {
	if cpu := p.conf.CompositorCPU; cpu != nil && *cpu >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := thread.SetCPUAffinity(*cpu); err != nil {
			p.logger.Warn("compositor not pinned", "cpu", *cpu, "error", err)
		} else if cores, err := thread.CPUAffinity(); err == nil {
			p.logger.Info("compositor pinned", "cpu", *cpu, "affinity", cores)
		}
	}
	p.Compositor.Run(ctx)
}

// LoadModels loads the detection models, retrying with a linearly growing
// pause between attempts. The last failure is returned as *detect.LoadError.
func (p *Pipeline) LoadModels(ctx context.Context) error {
	attempts := p.conf.LoadRetries
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		loadCtx, cancel := context.WithTimeout(ctx, p.conf.LoadTimeout())
		err = p.Detector.LoadModels(loadCtx)
		cancel()
		if err == nil {
			p.logger.Info("models loaded", "attempt", attempt)
			return nil
		}
		var loadErr *detect.LoadError
		if !errors.As(err, &loadErr) {
			err = &detect.LoadError{Err: err}
		}
		p.logger.Warn("model load failed", "attempt", attempt, "of", attempts, "error", err)
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return &detect.LoadError{Err: ctx.Err()}
		case <-time.After(time.Duration(attempt) * p.loadBackoff):
		}
	}
	return err
}

type Stats struct {
	Compositor compositor.Stats
	Detection  DetectionStats
	// Composites counts frames written to the output surface.
	Composites uint64
	Display    image.Point
	// FramesIn and FramesDropped come from the camera when it counts them.
	FramesIn      uint64
	FramesDropped uint64
}

type frameCounter interface {
	Frames() (delivered, skipped uint64)
}

func (p *Pipeline) Stats() Stats {
	out := p.Compositor.Output()
	st := Stats{
		Compositor: p.Compositor.Stats(),
		Detection:  p.Detection.Stats(),
		Composites: out.Seq(),
		Display:    out.Size(),
	}
	if fc, ok := p.Source.(frameCounter); ok {
		st.FramesIn, st.FramesDropped = fc.Frames()
	}
	return st
}

// Close stops an active recording, saving what it has, and releases the
// camera and detector.
func (p *Pipeline) Close() (*recorder.Artifact, error) {
	art, err := p.Recorder.Stop()
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
	return art, err
}
