// Package postprocess - selection and packaging of dense detection outputs.
package postprocess

import (
	"github.com/nvr-ai/zerohead/images"
)

// Result represents a single (box, score, class) candidate.
type Result struct {
	// The bounding box of the candidate in input-image pixels.
	Box images.Rect
	// The confidence score of the candidate.
	Score float32
	// The 0-based class index of the candidate.
	Class int
}

// ImageMeta is the per-image metadata supplied by the resize stage that ran
// before the network.
type ImageMeta struct {
	// OriShape is the original image (height, width) before resizing.
	OriShape [2]int `json:"ori_shape" yaml:"ori_shape"`
	// ScaleFactor is the (vertical, horizontal) resize factor applied to the image.
	ScaleFactor [2]float32 `json:"scale_factor" yaml:"scale_factor"`
}

// Detections is the inference output for one image. All slices have the same
// length and are never nil; an image without detections has zero-length slices.
type Detections struct {
	// Boxes are (x1, y1, x2, y2) in original image coordinates.
	Boxes []images.Rect `json:"boxes" yaml:"boxes"`
	// Scores are the confidences of each box.
	Scores []float32 `json:"scores" yaml:"scores"`
	// Labels are the 0-based class indices of each box.
	Labels []int `json:"labels" yaml:"labels"`
	// Objectness is constant 1.0 per box and is kept for format compatibility.
	Objectness []float32 `json:"objectness" yaml:"objectness"`
	// ImageSize is the original (height, width) the boxes refer to.
	ImageSize [2]int `json:"image_size" yaml:"image_size"`
}

// Len returns the number of detections.
func (d Detections) Len() int {
	return len(d.Boxes)
}

// Results flattens the detections into per-box results.
func (d Detections) Results() []Result {
	out := make([]Result, len(d.Boxes))
	for i := range d.Boxes {
		out[i] = Result{Box: d.Boxes[i], Score: d.Scores[i], Class: d.Labels[i]}
	}
	return out
}

// EmptyDetections returns a record with zero detections.
func EmptyDetections() Detections {
	return Detections{
		Boxes:      []images.Rect{},
		Scores:     []float32{},
		Labels:     []int{},
		Objectness: []float32{},
	}
}
