package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/abihf/facecam/detect"
)

var labelFace = basicfont.Face7x13

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func checkBox(b detect.Box) error {
	if !finite(b.X, b.Y, b.Width, b.Height) {
		return errors.Errorf("invalid box %+v", b)
	}
	if b.Width < 0 || b.Height < 0 {
		return errors.Errorf("negative box %+v", b)
	}
	return nil
}

func drawBox(dst *image.RGBA, f detect.Face, s Style) error {
	if err := checkBox(f.Box); err != nil {
		return err
	}
	r := f.Box.Rect()
	strokeRect(dst, r, s.LineWidth, s.BoxColor)
	if f.Score > 0 {
		label := fmt.Sprintf("%.2f", f.Score)
		_, h := fieldSize([]string{label}, s.TextPadding)
		anchor := image.Pt(r.Min.X, r.Min.Y-h)
		if anchor.Y < dst.Rect.Min.Y {
			anchor.Y = r.Min.Y
		}
		drawTextField(dst, []string{label}, anchor, s)
	}
	return nil
}

func drawLandmarks(dst *image.RGBA, f detect.Face, s Style) error {
	for i, p := range f.Landmarks {
		if !finite(p.X, p.Y) {
			return errors.Errorf("invalid landmark %d %+v", i, p)
		}
		fillDot(dst, int(math.Round(p.X)), int(math.Round(p.Y)), s.PointRadius, s.LandmarkColor)
	}
	return nil
}

func drawExpressions(dst *image.RGBA, f detect.Face, s Style) error {
	lines := expressionLines(f.Expressions, s.MinExpressionScore)
	if len(lines) == 0 {
		return nil
	}
	if err := checkBox(f.Box); err != nil {
		return err
	}
	r := f.Box.Rect()
	drawTextField(dst, lines, image.Pt(r.Min.X, r.Max.Y), s)
	return nil
}

// expressionLines lists expressions above min, strongest first.
func expressionLines(expr map[string]float64, min float64) []string {
	type entry struct {
		name  string
		score float64
	}
	var entries []entry
	for name, score := range expr {
		if score > min {
			entries = append(entries, entry{name, score})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].name < entries[j].name
	})
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("%s (%.2f)", e.name, e.score)
	}
	return lines
}

func strokeRect(dst *image.RGBA, r image.Rectangle, width int, c color.RGBA) {
	if width < 1 {
		width = 1
	}
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Rect), src, image.Point{}, draw.Src)
	}
}

func fillDot(dst *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for y := cy - radius; y <= cy+radius; y++ {
		for x := cx - radius; x <= cx+radius; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			if image.Pt(x, y).In(dst.Rect) {
				dst.SetRGBA(x, y, c)
			}
		}
	}
}

func fieldSize(lines []string, pad int) (int, int) {
	w := 0
	for _, l := range lines {
		if lw := font.MeasureString(labelFace, l).Ceil(); lw > w {
			w = lw
		}
	}
	return w + 2*pad, len(lines)*labelFace.Height + 2*pad
}

// drawTextField draws lines on a translucent box whose top-left is anchor.
func drawTextField(dst *image.RGBA, lines []string, anchor image.Point, s Style) {
	w, h := fieldSize(lines, s.TextPadding)
	bg := image.Rect(anchor.X, anchor.Y, anchor.X+w, anchor.Y+h)
	draw.Draw(dst, bg.Intersect(dst.Rect), image.NewUniform(s.TextBackground), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(s.TextColor),
		Face: labelFace,
	}
	for i, l := range lines {
		d.Dot = fixed.P(anchor.X+s.TextPadding, anchor.Y+s.TextPadding+labelFace.Ascent+i*labelFace.Height)
		d.DrawString(l)
	}
}
