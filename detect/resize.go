package detect

// Resize maps r onto a width x height display. Each axis is scaled
// independently so the result lines up with a display that stretches the
// analysed frame. A result without known dimensions is returned unchanged.
func Resize(r Result, width, height int) Result {
	if r.Width <= 0 || r.Height <= 0 || width <= 0 || height <= 0 {
		return r
	}
	if r.Width == width && r.Height == height {
		return r
	}
	sx := float64(width) / float64(r.Width)
	sy := float64(height) / float64(r.Height)

	out := Result{
		Faces:  make([]Face, len(r.Faces)),
		Width:  width,
		Height: height,
	}
	for i, f := range r.Faces {
		face := Face{
			Box: Box{
				X:      f.Box.X * sx,
				Y:      f.Box.Y * sy,
				Width:  f.Box.Width * sx,
				Height: f.Box.Height * sy,
			},
			Score:       f.Score,
			Expressions: f.Expressions,
		}
		if f.Landmarks != nil {
			face.Landmarks = make([]Point, len(f.Landmarks))
			for j, p := range f.Landmarks {
				face.Landmarks[j] = Point{X: p.X * sx, Y: p.Y * sy}
			}
		}
		out.Faces[i] = face
	}
	return out
}
