package zerohead

import (
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/images"
	"github.com/nvr-ai/zerohead/models/postprocess"
)

// DefaultDistanceEps keeps encoded distances strictly below the last bin.
const DefaultDistanceEps = 0.1

// rows splits a tensor into rows of its last dimension.
func rows(t *tensor.Dense, name string) ([]float32, int, int, error) {
	shape := t.Shape()
	if shape.Dims() < 1 {
		return nil, 0, 0, shapeErrorf("%s must have at least one dimension", name)
	}
	width := shape[shape.Dims()-1]
	data, err := postprocess.Float32Data(t)
	if err != nil {
		return nil, 0, 0, err
	}
	return data, len(data) / width, width, nil
}

// DistanceToBox decodes (left, top, right, bottom) distances measured from
// anchor points into absolute (x1, y1, x2, y2) boxes.
//
// Negative distances are not rejected; they produce inverted boxes.
//
// Arguments:
//   - points: (..., P) with P >= 2. Only the first two columns (x, y) are read,
//     so full priors can be passed.
//   - distances: (..., 4) with the same leading element count as points.
//   - maxShape: Optional image size; when set every coordinate is clamped into it.
//
// Returns:
//   - (..., 4) boxes with the leading shape of distances.
func DistanceToBox(points, distances *tensor.Dense, maxShape *images.Size) (*tensor.Dense, error) {
	pts, nPts, pw, err := rows(points, "points")
	if err != nil {
		return nil, err
	}
	dist, nDist, dw, err := rows(distances, "distances")
	if err != nil {
		return nil, err
	}
	if pw < 2 || dw != 4 || nPts != nDist {
		return nil, shapeErrorf("distance decode needs (..., >=2) points and (..., 4) distances with equal rows, got %v and %v", points.Shape(), distances.Shape())
	}

	out := make([]float32, nDist*4)
	for i := 0; i < nDist; i++ {
		x, y := pts[i*pw], pts[i*pw+1]
		d := dist[i*4 : i*4+4]
		box := images.Rect{X1: x - d[0], Y1: y - d[1], X2: x + d[2], Y2: y + d[3]}
		if maxShape != nil {
			box = box.Clamp(*maxShape)
		}
		copy(out[i*4:], box.Slice())
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(distances.Shape()...), tensor.WithBacking(out)), nil
}

// BoxToDistance encodes absolute boxes as distances from anchor points. It is
// the inverse of DistanceToBox and is used to build regression targets.
//
// Arguments:
//   - points: (..., P) with P >= 2.
//   - boxes: (..., 4) with the same leading element count as points.
//   - maxDis: When positive, every side is clamped to [0, maxDis-eps].
//   - eps: Margin that keeps targets inside the representable bin range.
//
// Returns:
//   - (..., 4) distances (left, top, right, bottom).
func BoxToDistance(points, boxes *tensor.Dense, maxDis, eps float32) (*tensor.Dense, error) {
	pts, nPts, pw, err := rows(points, "points")
	if err != nil {
		return nil, err
	}
	bx, nBox, bw, err := rows(boxes, "boxes")
	if err != nil {
		return nil, err
	}
	if pw < 2 || bw != 4 || nPts != nBox {
		return nil, shapeErrorf("distance encode needs (..., >=2) points and (..., 4) boxes with equal rows, got %v and %v", points.Shape(), boxes.Shape())
	}

	out := make([]float32, nBox*4)
	for i := 0; i < nBox; i++ {
		d := encodeDistance(pts[i*pw], pts[i*pw+1], images.RectFromSlice(bx[i*4:i*4+4]), maxDis, eps)
		copy(out[i*4:], d[:])
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(boxes.Shape()...), tensor.WithBacking(out)), nil
}

func encodeDistance(x, y float32, box images.Rect, maxDis, eps float32) [4]float32 {
	d := [4]float32{x - box.X1, y - box.Y1, box.X2 - x, box.Y2 - y}
	if maxDis > 0 {
		hi := maxDis - eps
		for k := range d {
			if d[k] < 0 {
				d[k] = 0
			}
			if d[k] > hi {
				d[k] = hi
			}
		}
	}
	return d
}
