package capture

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"
)

// decodeFrame turns a raw V4L2 buffer into an image.
func decodeFrame(format string, buf []byte, width, height int) (image.Image, error) {
	switch format {
	case "mjpeg":
		img, err := jpeg.Decode(bytes.NewReader(buf))
		if err != nil {
			return nil, errors.Wrap(err, "Can not decode jpeg frame")
		}
		return img, nil
	case "yuyv":
		return decodeYUYV(buf, width, height)
	case "grey":
		if len(buf) < width*height {
			return nil, errors.Errorf("short grey frame: %d bytes for %dx%d", len(buf), width, height)
		}
		if !hasGoodBlackLevel(buf[:width*height]) {
			return nil, nil
		}
		img := image.NewGray(image.Rect(0, 0, width, height))
		copy(img.Pix, buf)
		return img, nil
	}
	return nil, errors.Errorf("unsupported pixel format %q", format)
}

// decodeYUYV maps packed Y0 U Y1 V into a 4:2:2 YCbCr image.
func decodeYUYV(buf []byte, width, height int) (image.Image, error) {
	if width%2 != 0 {
		return nil, errors.Errorf("odd yuyv width %d", width)
	}
	if len(buf) < width*height*2 {
		return nil, errors.Errorf("short yuyv frame: %d bytes for %dx%d", len(buf), width, height)
	}
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := buf[y*width*2 : (y+1)*width*2]
		yOff := y * img.YStride
		cOff := y * img.CStride
		for x := 0; x < width; x += 2 {
			i := x * 2
			img.Y[yOff+x] = row[i]
			img.Y[yOff+x+1] = row[i+2]
			img.Cb[cOff+x/2] = row[i+1]
			img.Cr[cOff+x/2] = row[i+3]
		}
	}
	return img, nil
}

// Infrared sensors emit washed-out frames while the emitter warms up.
func hasGoodBlackLevel(img []byte) bool {
	dark := 0
	total := len(img)
	if total == 0 {
		return false
	}
	for i := 0; i < total; i++ {
		if img[i] < 80 {
			dark++
		}
	}
	darkness := float64(dark) / float64(total)
	return darkness > 0.1 && darkness < 0.7
}
