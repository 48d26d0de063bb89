// Package images - box geometry shared by the decode and selection stages.
package images

import "github.com/chewxy/math32"

// Rect is an axis-aligned box in absolute pixel coordinates (x1, y1, x2, y2).
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Size is an image height and width in pixels.
type Size struct {
	Height float32 `json:"height" yaml:"height"`
	Width  float32 `json:"width" yaml:"width"`
}

// Width returns x2 - x1. Inverted boxes yield a negative width.
func (r Rect) Width() float32 {
	return r.X2 - r.X1
}

// Height returns y2 - y1.
func (r Rect) Height() float32 {
	return r.Y2 - r.Y1
}

// Area returns the box area, or 0 for an empty or inverted box.
func (r Rect) Area() float32 {
	w, h := r.Width(), r.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Clamp limits every coordinate to [0, size.Width] horizontally and
// [0, size.Height] vertically.
func (r Rect) Clamp(size Size) Rect {
	return Rect{
		X1: clamp(r.X1, 0, size.Width),
		Y1: clamp(r.Y1, 0, size.Height),
		X2: clamp(r.X2, 0, size.Width),
		Y2: clamp(r.Y2, 0, size.Height),
	}
}

// Scale divides x coordinates by sx and y coordinates by sy.
//
// Arguments:
//   - sx: The horizontal resize factor that was applied to the image.
//   - sy: The vertical resize factor that was applied to the image.
//
// Returns:
//   - The box in the coordinate frame of the image before resizing.
func (r Rect) Scale(sx, sy float32) Rect {
	return Rect{X1: r.X1 / sx, Y1: r.Y1 / sy, X2: r.X2 / sx, Y2: r.Y2 / sy}
}

// Slice returns the box as [x1, y1, x2, y2].
func (r Rect) Slice() []float32 {
	return []float32{r.X1, r.Y1, r.X2, r.Y2}
}

// RectFromSlice builds a Rect from the first four values of v.
func RectFromSlice(v []float32) Rect {
	return Rect{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
}

// CalculateIoU returns the Intersection over Union of two boxes.
//
// The intersection is bounded by the larger of the two top-left corners and the
// smaller of the two bottom-right corners. When it has no positive extent the
// boxes do not overlap and the result is 0. The union follows inclusion-exclusion:
//
//	Union(A, B) = Area(A) + Area(B) - Intersection(A, B)
//
// Coordinates are continuous, so no +1 pixel correction is applied. A zero union
// (two degenerate boxes) yields 0 rather than NaN.
//
// Arguments:
//   - r: The first box.
//   - o: The second box.
//
// Returns:
//   - float32: A value in [0, 1].
//
// Example Usage:
// ```go
//
//	a := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	b := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
//	iou := CalculateIoU(a, b) // 25 / 175 = 0.142857
//
// ```
func CalculateIoU(r, o Rect) float32 {
	interW := math32.Min(r.X2, o.X2) - math32.Max(r.X1, o.X1)
	interH := math32.Min(r.Y2, o.Y2) - math32.Max(r.Y1, o.Y1)
	if interW <= 0 || interH <= 0 {
		return 0
	}
	inter := interW * interH
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Enclosing returns the smallest box containing both r and o.
func Enclosing(r, o Rect) Rect {
	return Rect{
		X1: math32.Min(r.X1, o.X1),
		Y1: math32.Min(r.Y1, o.Y1),
		X2: math32.Max(r.X2, o.X2),
		Y2: math32.Max(r.Y2, o.Y2),
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
