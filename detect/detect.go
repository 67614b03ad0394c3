// Package detect holds the detection result model and the contract of the
// face detection engine. The engine itself lives outside this module; Worker
// talks to it over a pipe.
package detect

import (
	"context"
	"image"
)

// Point is a position in the coordinate space of the Result it belongs to.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned bounding region.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X), int(b.Y), int(b.X+b.Width), int(b.Y+b.Height))
}

// Face is a single detection. Landmarks keep the order the engine reported.
type Face struct {
	Box         Box                `json:"box"`
	Score       float64            `json:"score"`
	Landmarks   []Point            `json:"landmarks"`
	Expressions map[string]float64 `json:"expressions"`
}

// Result is one detection pass. Width and Height give the resolution the
// coordinates are expressed in.
type Result struct {
	Faces  []Face
	Width  int
	Height int
}

func (r Result) Empty() bool {
	return len(r.Faces) == 0
}

// Detector is the detection engine contract. LoadModels must succeed once
// before Detect is used.
type Detector interface {
	LoadModels(ctx context.Context) error
	Detect(ctx context.Context, img image.Image) (Result, error)
}
