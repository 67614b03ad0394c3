package compositor

import (
	"image"
	"sync"
)

// Output is the composited surface. Only the compositor loop writes to it;
// recorders read copies through Snapshot.
type Output struct {
	mu  sync.RWMutex
	img *image.RGBA
	seq uint64
}

// Snapshot copies the latest composite into dst, reallocating dst when its
// size does not match. It returns false until the first composite exists.
func (o *Output) Snapshot(dst *image.RGBA) (*image.RGBA, uint64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.img == nil || o.seq == 0 {
		return dst, 0, false
	}
	if dst == nil || dst.Rect != o.img.Rect {
		dst = image.NewRGBA(o.img.Rect)
	}
	copy(dst.Pix, o.img.Pix)
	return dst, o.seq, true
}

func (o *Output) Size() image.Point {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.img == nil {
		return image.Point{}
	}
	return o.img.Rect.Size()
}

// Seq counts composites written so far.
func (o *Output) Seq() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.seq
}

// draw runs fn on a surface of the given size while holding the write lock.
func (o *Output) draw(size image.Point, fn func(dst *image.RGBA)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.img == nil || o.img.Rect.Size() != size {
		o.img = image.NewRGBA(image.Rectangle{Max: size})
	}
	fn(o.img)
	o.seq++
}
