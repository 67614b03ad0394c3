package capture

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

func fourcc(code string) webcam.PixelFormat {
	return webcam.PixelFormat(uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24)
}

var pixelFormats = map[string]webcam.PixelFormat{
	"mjpeg": fourcc("MJPG"),
	"yuyv":  fourcc("YUYV"),
	"grey":  fourcc("GREY"),
}

type snapshot struct {
	img image.Image
	at  time.Time
}

// Camera streams a V4L2 device and keeps only the most recent frame.
type Camera struct {
	opt    Option
	logger *slog.Logger

	latest  atomic.Pointer[snapshot]
	width   atomic.Int64
	height  atomic.Int64
	frames  atomic.Uint64
	skipped atomic.Uint64
	stopped atomic.Bool

	once sync.Once
	done chan struct{}
	err  error
}

func Open(opt *Option, logger *slog.Logger) *Camera {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Camera{opt: *opt, logger: logger, done: make(chan struct{})}
}

func (c *Camera) Acquire(ctx context.Context) error {
	code, ok := pixelFormats[c.opt.PixelFormat]
	if !ok {
		return &AcquisitionError{Device: c.opt.Device, Err: errors.Errorf("unknown pixel format %q", c.opt.PixelFormat)}
	}

	cam, err := webcam.Open(c.opt.Device)
	if err != nil {
		return &AcquisitionError{Device: c.opt.Device, Err: errors.Wrap(err, "Can not open device")}
	}

	if _, ok := cam.GetSupportedFormats()[code]; !ok {
		cam.Close()
		return &AcquisitionError{Device: c.opt.Device, Err: errors.Errorf("device does not support %s", c.opt.PixelFormat)}
	}

	got, w, h, err := cam.SetImageFormat(code, uint32(c.opt.Width), uint32(c.opt.Height))
	if err != nil {
		cam.Close()
		return &AcquisitionError{Device: c.opt.Device, Err: errors.Wrap(err, "Can not set image format")}
	}
	if got != code {
		cam.Close()
		return &AcquisitionError{Device: c.opt.Device, Err: errors.Errorf("driver switched pixel format to %#x", uint32(got))}
	}
	c.width.Store(int64(w))
	c.height.Store(int64(h))

	if err := ctx.Err(); err != nil {
		cam.Close()
		return &AcquisitionError{Device: c.opt.Device, Err: err}
	}

	err = cam.StartStreaming()
	if err != nil {
		cam.Close()
		return &AcquisitionError{Device: c.opt.Device, Err: errors.Wrap(err, "Can not start streaming")}
	}
	c.logger.Info("camera streaming", "device", c.opt.Device, "format", c.opt.PixelFormat, "width", w, "height", h)

	go func() {
		defer close(c.done)
		defer cam.Close()
		err := c.stream(ctx, cam)
		c.end(err)
	}()
	return nil
}

func (c *Camera) stream(ctx context.Context, cam *webcam.Webcam) error {
	for {
		if c.stopped.Load() || ctx.Err() != nil {
			return nil
		}

		err := cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			c.logger.Debug("camera frame timeout", "device", c.opt.Device)
			continue
		default:
			return errors.Wrap(err, "Frame wait failed")
		}

		if c.stopped.Load() {
			return nil
		}

		buf, err := cam.ReadFrame()
		if err != nil {
			return errors.Wrap(err, "Read frame failed")
		}
		if len(buf) == 0 {
			continue
		}

		img, err := decodeFrame(c.opt.PixelFormat, buf, int(c.width.Load()), int(c.height.Load()))
		if err != nil {
			c.skipped.Add(1)
			c.logger.Debug("dropping frame", "error", err)
			continue
		}
		if img == nil {
			c.skipped.Add(1)
			continue
		}

		b := img.Bounds()
		c.width.Store(int64(b.Dx()))
		c.height.Store(int64(b.Dy()))
		c.latest.Store(&snapshot{img: img, at: time.Now()})
		c.frames.Add(1)
	}
}

// end drops the last frame so nobody keeps drawing a frozen picture.
func (c *Camera) end(err error) {
	c.latest.Store(nil)
	c.width.Store(0)
	c.height.Store(0)
	if err != nil {
		c.err = &StreamError{Device: c.opt.Device, Err: err}
		c.logger.Error("camera stream ended", "device", c.opt.Device, "error", err)
		return
	}
	c.logger.Info("camera stream closed", "device", c.opt.Device)
}

func (c *Camera) CurrentFrame() (image.Image, bool) {
	snap := c.latest.Load()
	if snap == nil {
		return nil, false
	}
	return snap.img, true
}

func (c *Camera) NativeDimensions() (int, int, bool) {
	w, h := int(c.width.Load()), int(c.height.Load())
	if w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// Frames reports how many frames were delivered and how many were dropped.
func (c *Camera) Frames() (delivered, skipped uint64) {
	return c.frames.Load(), c.skipped.Load()
}

// Done is closed once the stream goroutine exits.
func (c *Camera) Done() <-chan struct{} {
	return c.done
}

// Err returns why the stream stopped, if it stopped on its own.
func (c *Camera) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Camera) Close() {
	c.once.Do(func() {
		c.stopped.Store(true)
	})
}

var _ Source = (*Camera)(nil)
