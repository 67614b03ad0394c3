package detect

import (
	"math"
	"testing"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestResizeScalesEachAxis(t *testing.T) {
	in := Result{
		Width:  320,
		Height: 240,
		Faces: []Face{{
			Box:         Box{X: 32, Y: 24, Width: 64, Height: 48},
			Score:       0.9,
			Landmarks:   []Point{{X: 10, Y: 20}, {X: 320, Y: 240}},
			Expressions: map[string]float64{"happy": 0.8},
		}},
	}

	out := Resize(in, 940, 650)
	sx, sy := 940.0/320.0, 650.0/240.0

	if out.Width != 940 || out.Height != 650 {
		t.Fatalf("dimensions = %dx%d", out.Width, out.Height)
	}
	f := out.Faces[0]
	if !near(f.Box.X, 32*sx) || !near(f.Box.Y, 24*sy) || !near(f.Box.Width, 64*sx) || !near(f.Box.Height, 48*sy) {
		t.Errorf("box = %+v", f.Box)
	}
	if !near(f.Landmarks[0].X, 10*sx) || !near(f.Landmarks[0].Y, 20*sy) {
		t.Errorf("landmark 0 = %+v", f.Landmarks[0])
	}
	if !near(f.Landmarks[1].X, 940) || !near(f.Landmarks[1].Y, 650) {
		t.Errorf("landmark 1 = %+v", f.Landmarks[1])
	}
	if f.Score != 0.9 || f.Expressions["happy"] != 0.8 {
		t.Errorf("labels changed: %+v", f)
	}

	// input must not be mutated
	if in.Faces[0].Box.X != 32 || in.Faces[0].Landmarks[0].X != 10 {
		t.Errorf("input mutated: %+v", in.Faces[0])
	}
}

func TestResizeUnknownDimensions(t *testing.T) {
	in := Result{Faces: []Face{{Box: Box{X: 1, Y: 2, Width: 3, Height: 4}}}}
	out := Resize(in, 940, 650)
	if out.Faces[0].Box != in.Faces[0].Box || out.Width != 0 {
		t.Errorf("expected unchanged result, got %+v", out)
	}
}

func TestResizeEmpty(t *testing.T) {
	out := Resize(Result{Width: 320, Height: 240}, 640, 480)
	if !out.Empty() || out.Width != 640 || out.Height != 480 {
		t.Errorf("got %+v", out)
	}
}
