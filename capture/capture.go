package capture

import (
	"context"
	"fmt"
	"image"
)

// Source is a live camera stream.
type Source interface {
	// Acquire opens the device and starts streaming. It fails with an
	// AcquisitionError when there is no usable device.
	Acquire(ctx context.Context) error
	// CurrentFrame returns the latest frame, or false while none arrived yet.
	CurrentFrame() (image.Image, bool)
	// NativeDimensions returns the stream resolution once it is known.
	NativeDimensions() (width, height int, ok bool)
	// Done is closed when the stream stopped. A source that never stops may
	// return nil.
	Done() <-chan struct{}
	// Err tells why the stream stopped; nil when it was closed on purpose.
	Err() error
}

type Option struct {
	Device      string
	PixelFormat string
	Width       int
	Height      int
}

// AcquisitionError is fatal to the session: the camera is missing, busy or
// permission was denied.
type AcquisitionError struct {
	Device string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("can not acquire camera %s: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }
func (e *AcquisitionError) Cause() error  { return e.Err }

// StreamError means a running stream stopped on its own, for example because
// the device was unplugged.
type StreamError struct {
	Device string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("camera %s stream ended: %v", e.Device, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
func (e *StreamError) Cause() error  { return e.Err }

// DisplaySize is the size annotations and composites are drawn at: the native
// stream size, or fallback while that is unknown.
func DisplaySize(src Source, fallback image.Point) image.Point {
	if src != nil {
		if w, h, ok := src.NativeDimensions(); ok && w > 0 && h > 0 {
			return image.Pt(w, h)
		}
	}
	return fallback
}
