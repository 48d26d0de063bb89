package zerohead

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/images"
	"github.com/nvr-ai/zerohead/models/postprocess"
)

// selectionCap bounds the boxes a single image may keep after suppression.
const selectionCap = 500

// Placeholder values of a box list that holds no detections.
const (
	emptyObjectness float32 = 0
	emptyScore      float32 = 0
	emptyLabel              = -1
)

// boxList is the per-image record produced by selection, before it is
// converted to Detections. Labels are stored one-based.
type boxList struct {
	boxes      []images.Rect
	imageSize  [2]int
	objectness []float32
	scores     []float32
	labels     []int

	// placeholder marks a list created without any selection. Its single
	// sentinel row is never converted into a detection.
	placeholder bool
}

func emptyBoxList(imageSize [2]int) boxList {
	return boxList{
		boxes:       []images.Rect{},
		imageSize:   imageSize,
		objectness:  []float32{emptyObjectness},
		scores:      []float32{emptyScore},
		labels:      []int{emptyLabel},
		placeholder: true,
	}
}

func newBoxList(sel postprocess.Selection, imageSize [2]int) boxList {
	l := boxList{
		boxes:      sel.Boxes,
		imageSize:  imageSize,
		objectness: make([]float32, sel.Len()),
		scores:     sel.Scores,
		labels:     make([]int, sel.Len()),
	}
	for i, label := range sel.Labels {
		l.objectness[i] = 1.0
		l.labels[i] = label + 1
	}
	return l
}

func (l boxList) detections() postprocess.Detections {
	if l.placeholder || len(l.boxes) == 0 {
		d := postprocess.EmptyDetections()
		d.ImageSize = l.imageSize
		return d
	}
	d := postprocess.Detections{
		Boxes:      append([]images.Rect(nil), l.boxes...),
		Scores:     append([]float32(nil), l.scores...),
		Labels:     make([]int, len(l.labels)),
		Objectness: append([]float32(nil), l.objectness...),
		ImageSize:  l.imageSize,
	}
	for i, label := range l.labels {
		d.Labels[i] = label - 1
	}
	return d
}

// Postprocess runs class-aware selection independently for every image.
//
// Arguments:
//   - scores: (b, L, C) class scores.
//   - boxes: (b, L, 4) decoded boxes in input-image pixels.
//   - config: Selection thresholds. MaxNum is capped at 500 per image.
//   - metas: Per-image metadata. Images past the end of metas get no detections.
//
// Returns:
//   - One Detections per image, in input-image pixels. Use Rescale to map them
//     back to the original image.
//   - An error wrapping ErrShapeMismatch when scores and boxes disagree.
func Postprocess(scores, boxes *tensor.Dense, config *postprocess.NMSConfig, metas []postprocess.ImageMeta) ([]postprocess.Detections, error) {
	ss, bs := scores.Shape(), boxes.Shape()
	if ss.Dims() != 3 || bs.Dims() != 3 || bs[2] != 4 || ss[0] != bs[0] || ss[1] != bs[1] {
		return nil, shapeErrorf("postprocess needs (b, L, C) scores and (b, L, 4) boxes, got %v and %v", ss, bs)
	}
	batch, locations, classes := ss[0], ss[1], ss[2]
	scoreData, err := postprocess.Float32Data(scores)
	if err != nil {
		return nil, err
	}
	boxData, err := postprocess.Float32Data(boxes)
	if err != nil {
		return nil, err
	}

	cfg := *config
	if cfg.MaxNum <= 0 || cfg.MaxNum > selectionCap {
		cfg.MaxNum = selectionCap
	}

	lists := make([]boxList, batch)
	err = postprocess.ParallelMap(batch, cfg.NumWorkers, func(i int) error {
		if i >= len(metas) {
			lists[i] = emptyBoxList([2]int{})
			return nil
		}
		imageSize := metas[i].OriShape
		s := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(locations, classes),
			tensor.WithBacking(scoreData[i*locations*classes:(i+1)*locations*classes]))
		b := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(locations, 4),
			tensor.WithBacking(boxData[i*locations*4:(i+1)*locations*4]))
		sel, err := postprocess.MulticlassNMS(b, s, &cfg, nil)
		if err != nil {
			return errors.Wrapf(err, "image %d", i)
		}
		if sel.Len() == 0 {
			lists[i] = emptyBoxList(imageSize)
			return nil
		}
		lists[i] = newBoxList(sel, imageSize)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]postprocess.Detections, batch)
	for i, l := range lists {
		out[i] = l.detections()
	}
	return out, nil
}

// Rescale maps detections from input-image pixels back to the original image
// by dividing x by the horizontal and y by the vertical scale factor.
func Rescale(dets postprocess.Detections, meta postprocess.ImageMeta) (postprocess.Detections, error) {
	sy, sx := meta.ScaleFactor[0], meta.ScaleFactor[1]
	if sx <= 0 || sy <= 0 {
		return dets, errors.Errorf("scale factor must be positive, got %v", meta.ScaleFactor)
	}
	out := dets
	out.Boxes = make([]images.Rect, len(dets.Boxes))
	for i, b := range dets.Boxes {
		out.Boxes[i] = b.Scale(sx, sy)
	}
	return out, nil
}
