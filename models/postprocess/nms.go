// Package postprocess - provides multi-class Non-Maximum Suppression for dense detection outputs.
package postprocess

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/images"
)

// ErrShapeMismatch is returned when an input tensor violates its documented shape.
var ErrShapeMismatch = errors.New("shape mismatch")

// DefaultIndexThreshold is the survivor count above which candidate pairs are
// looked up through a spatial index instead of a linear scan.
const DefaultIndexThreshold = 2048

// NMSConfig defines parameters for multi-class Non-Maximum Suppression.
type NMSConfig struct {
	// ConfThreshold drops (location, class) pairs whose score is not strictly greater.
	ConfThreshold float32 `json:"conf_threshold" yaml:"conf_threshold"`
	// IoUThreshold suppresses a same-class box whose IoU with a kept box is >= this value.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// MaxNum caps the number of kept boxes. Zero or negative disables the cap.
	MaxNum int `json:"max_num" yaml:"max_num"`
	// IndexThreshold switches to the flatbush index when more candidates survive
	// the confidence filter. Zero disables the index.
	IndexThreshold int `json:"index_threshold" yaml:"index_threshold"`
	// NumWorkers bounds the goroutines used for independent per-image work.
	NumWorkers int `json:"num_workers" yaml:"num_workers"`
}

// Selection holds the boxes that survived NMS, in survival order.
type Selection struct {
	Boxes  []images.Rect
	Scores []float32
	Labels []int
}

// Len returns the number of selected boxes.
func (s Selection) Len() int {
	return len(s.Boxes)
}

func emptySelection() Selection {
	return Selection{Boxes: []images.Rect{}, Scores: []float32{}, Labels: []int{}}
}

// MulticlassNMS filters dense per-location, per-class scores and runs
// class-aware greedy suppression over the survivors.
//
// Arguments:
//   - boxes: (N, 4) class-agnostic boxes or (N, C*4) per-class boxes.
//   - scores: (N, C) scores with the background column already removed.
//   - config: Thresholds and the MaxNum cap.
//   - scoreFactors: Optional (N) multipliers applied to surviving scores before
//     suppression. Pass nil when unused.
//
// Returns:
//   - The kept boxes, scores and 0-based labels. When nothing passes the
//     confidence filter all three slices are empty and the error is nil.
//   - An error wrapping ErrShapeMismatch when the inputs disagree.
func MulticlassNMS(boxes, scores *tensor.Dense, config *NMSConfig, scoreFactors []float32) (Selection, error) {
	scoreShape := scores.Shape()
	boxShape := boxes.Shape()
	if scoreShape.Dims() != 2 || boxShape.Dims() != 2 {
		return Selection{}, errors.Wrapf(ErrShapeMismatch, "nms expects 2-D boxes and scores, got %v and %v", boxShape, scoreShape)
	}
	n, numClasses := scoreShape[0], scoreShape[1]
	if boxShape[0] != n {
		return Selection{}, errors.Wrapf(ErrShapeMismatch, "nms boxes have %d rows, scores have %d", boxShape[0], n)
	}
	perClass := boxShape[1] > 4
	if boxShape[1] != 4 && boxShape[1] != numClasses*4 {
		return Selection{}, errors.Wrapf(ErrShapeMismatch, "nms boxes must have 4 or %d columns, got %d", numClasses*4, boxShape[1])
	}
	if scoreFactors != nil && len(scoreFactors) != n {
		return Selection{}, errors.Wrapf(ErrShapeMismatch, "nms score factors have %d entries, want %d", len(scoreFactors), n)
	}

	boxData, err := Float32Data(boxes)
	if err != nil {
		return Selection{}, err
	}
	scoreData, err := Float32Data(scores)
	if err != nil {
		return Selection{}, err
	}

	// Row-major walk over the (location, class) mask keeps the same candidate
	// order a masked select would produce.
	candidates := make([]Result, 0)
	for i := 0; i < n; i++ {
		for c := 0; c < numClasses; c++ {
			s := scoreData[i*numClasses+c]
			if !(s > config.ConfThreshold) {
				continue
			}
			off := i * 4
			if perClass {
				off = (i*numClasses + c) * 4
			}
			if scoreFactors != nil {
				s *= scoreFactors[i]
			}
			candidates = append(candidates, Result{
				Box:   images.RectFromSlice(boxData[off : off+4]),
				Score: s,
				Class: c,
			})
		}
	}
	if len(candidates) == 0 {
		return emptySelection(), nil
	}

	keep := BatchedNMS(candidates, config)
	if config.MaxNum > 0 && len(keep) > config.MaxNum {
		keep = keep[:config.MaxNum]
	}

	sel := Selection{
		Boxes:  make([]images.Rect, len(keep)),
		Scores: make([]float32, len(keep)),
		Labels: make([]int, len(keep)),
	}
	for k, idx := range keep {
		sel.Boxes[k] = candidates[idx].Box
		sel.Scores[k] = candidates[idx].Score
		sel.Labels[k] = candidates[idx].Class
	}
	return sel, nil
}

// BatchedNMS performs greedy Non-Maximum Suppression where boxes only compete
// with boxes of the same class.
//
// Candidates are visited in descending score order; ties keep their input order.
// A candidate is dropped when a kept candidate of the same class overlaps it
// with IoU >= config.IoUThreshold.
//
// Arguments:
//   - candidates: Unsorted candidates.
//   - config: IoUThreshold and IndexThreshold are read.
//
// Returns:
//   - Indices into candidates of the kept boxes, highest score first.
func BatchedNMS(candidates []Result, config *NMSConfig) []int {
	n := len(candidates)
	if n == 0 {
		return []int{}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return candidates[order[a]].Score > candidates[order[b]].Score
	})

	// A non-positive threshold suppresses disjoint boxes too, which a spatial
	// query cannot find.
	if config.IndexThreshold > 0 && n > config.IndexThreshold && config.IoUThreshold > 0 {
		return indexedNMS(candidates, order, config.IoUThreshold)
	}
	return linearNMS(candidates, order, config.IoUThreshold)
}

func linearNMS(candidates []Result, order []int, iouThreshold float32) []int {
	keep := make([]int, 0, len(order))
	keptByClass := make(map[int][]int)

	for _, idx := range order {
		cand := candidates[idx]
		suppressed := false
		for _, k := range keptByClass[cand.Class] {
			if images.CalculateIoU(candidates[k].Box, cand.Box) >= iouThreshold {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		keep = append(keep, idx)
		keptByClass[cand.Class] = append(keptByClass[cand.Class], idx)
	}
	return keep
}

// indexedNMS finds suppression candidates through a flatbush index. Boxes are
// snapped outward to integer pixels, so the index returns a superset of the
// overlapping boxes and the exact IoU test decides.
func indexedNMS(candidates []Result, order []int, iouThreshold float32) []int {
	rank := make([]int, len(candidates))
	for r, idx := range order {
		rank[idx] = r
	}

	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(candidates))
	for _, c := range candidates {
		fb.Add(
			int32(math32.Floor(c.Box.X1)),
			int32(math32.Floor(c.Box.Y1)),
			int32(math32.Ceil(c.Box.X2)),
			int32(math32.Ceil(c.Box.Y2)),
		)
	}
	fb.Finish()

	suppressed := make([]bool, len(candidates))
	keep := make([]int, 0, len(order))
	for _, idx := range order {
		if suppressed[idx] {
			continue
		}
		keep = append(keep, idx)
		cand := candidates[idx]
		hits := fb.Search(
			int32(math32.Floor(cand.Box.X1)),
			int32(math32.Floor(cand.Box.Y1)),
			int32(math32.Ceil(cand.Box.X2)),
			int32(math32.Ceil(cand.Box.Y2)),
		)
		for _, j := range hits {
			if j == idx || suppressed[j] || rank[j] < rank[idx] {
				continue
			}
			if candidates[j].Class != cand.Class {
				continue
			}
			if images.CalculateIoU(cand.Box, candidates[j].Box) >= iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}

// Float32Data returns the contiguous float32 backing of t, materialising views.
func Float32Data(t *tensor.Dense) ([]float32, error) {
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected float32 tensor, got %v", t.Dtype())
	}
	if t.IsView() || t.RequiresIterator() {
		m, ok := tensor.Materialize(t).(*tensor.Dense)
		if !ok {
			return nil, errors.Errorf("cannot materialise %T", t)
		}
		t = m
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("tensor of shape %v has no float32 slice backing", t.Shape())
	}
	return data, nil
}
