package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/pkg/errors"
)

type fixedSource struct {
	w, h int
	ok   bool
}

func (s fixedSource) Acquire(context.Context) error       { return nil }
func (s fixedSource) CurrentFrame() (image.Image, bool)   { return nil, false }
func (s fixedSource) NativeDimensions() (int, int, bool) { return s.w, s.h, s.ok }
func (s fixedSource) Done() <-chan struct{}               { return nil }
func (s fixedSource) Err() error                          { return nil }

func TestDisplaySize(t *testing.T) {
	fallback := image.Pt(940, 650)

	if got := DisplaySize(fixedSource{}, fallback); got != fallback {
		t.Errorf("unknown dims: got %v", got)
	}
	if got := DisplaySize(fixedSource{w: 640, h: 480, ok: true}, fallback); got != image.Pt(640, 480) {
		t.Errorf("known dims: got %v", got)
	}
	if got := DisplaySize(nil, fallback); got != fallback {
		t.Errorf("nil source: got %v", got)
	}
}

func TestDecodeYUYV(t *testing.T) {
	// two pixels: Y0=10 U=100 Y1=20 V=200, on two rows
	buf := []byte{10, 100, 20, 200, 30, 110, 40, 210}
	img, err := decodeFrame("yuyv", buf, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	ycc := img.(*image.YCbCr)
	if ycc.Bounds() != image.Rect(0, 0, 2, 2) {
		t.Fatalf("bounds = %v", ycc.Bounds())
	}
	if got := ycc.YCbCrAt(1, 0); got != (color.YCbCr{Y: 20, Cb: 100, Cr: 200}) {
		t.Errorf("pixel (1,0) = %+v", got)
	}
	if got := ycc.YCbCrAt(0, 1); got != (color.YCbCr{Y: 30, Cb: 110, Cr: 210}) {
		t.Errorf("pixel (0,1) = %+v", got)
	}
}

func TestDecodeShortFrames(t *testing.T) {
	if _, err := decodeFrame("yuyv", make([]byte, 3), 2, 2); err == nil {
		t.Error("expected short yuyv error")
	}
	if _, err := decodeFrame("grey", make([]byte, 3), 2, 2); err == nil {
		t.Error("expected short grey error")
	}
	if _, err := decodeFrame("rgb24", nil, 2, 2); err == nil {
		t.Error("expected unsupported format error")
	}
}

func TestDecodeMJPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 8)), nil); err != nil {
		t.Fatal(err)
	}
	img, err := decodeFrame("mjpeg", buf.Bytes(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 8 {
		t.Errorf("bounds = %v", img.Bounds())
	}
}

func TestGreyBlackLevel(t *testing.T) {
	washed := bytes.Repeat([]byte{200}, 16)
	img, err := decodeFrame("grey", washed, 4, 4)
	if err != nil || img != nil {
		t.Errorf("washed-out frame should be skipped, got %v %v", img, err)
	}

	good := append(bytes.Repeat([]byte{10}, 6), bytes.Repeat([]byte{200}, 10)...)
	img, err = decodeFrame("grey", good, 4, 4)
	if err != nil || img == nil {
		t.Fatalf("expected frame, got %v %v", img, err)
	}
}

func TestFourcc(t *testing.T) {
	if uint32(fourcc("MJPG")) != 0x47504A4D {
		t.Errorf("MJPG = %#x", uint32(fourcc("MJPG")))
	}
	if uint32(fourcc("YUYV")) != 0x56595559 {
		t.Errorf("YUYV = %#x", uint32(fourcc("YUYV")))
	}
}

func TestCameraStreamEndDropsFrame(t *testing.T) {
	c := Open(&Option{Device: "/dev/video9", PixelFormat: "grey"}, nil)
	c.latest.Store(&snapshot{img: image.NewGray(image.Rect(0, 0, 4, 4))})
	c.width.Store(4)
	c.height.Store(4)
	if _, ok := c.CurrentFrame(); !ok {
		t.Fatal("frame not served while streaming")
	}
	if c.Err() != nil {
		t.Fatal("error reported while streaming")
	}

	c.end(errors.New("no such device"))
	close(c.done)

	if _, ok := c.CurrentFrame(); ok {
		t.Error("dead stream still serves its last frame")
	}
	if _, _, ok := c.NativeDimensions(); ok {
		t.Error("dead stream still reports dimensions")
	}
	var streamErr *StreamError
	if !errors.As(c.Err(), &streamErr) || streamErr.Device != "/dev/video9" {
		t.Fatalf("Err = %v, want StreamError", c.Err())
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestCameraClosedStreamHasNoError(t *testing.T) {
	c := Open(&Option{Device: "/dev/video9"}, nil)
	c.end(nil)
	close(c.done)
	if c.Err() != nil {
		t.Fatalf("Err = %v after a clean close", c.Err())
	}
}
