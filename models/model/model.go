// Package model - Definitions shared by every detection model.
package model

import (
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/models/postprocess"
)

// Family is the family of models.
type Family string

const (
	// ModelFamilyCOCO is the COCO model family.
	ModelFamilyCOCO Family = "coco"
	// ModelFamilyVOC is the Pascal VOC model family.
	ModelFamilyVOC Family = "voc"
)

// Name is the unique identifier of a model.
type Name string

const (
	// ModelNameZeroHead is the name of the dense anchor-free detection head.
	ModelNameZeroHead Name = "zerohead"
)

// Precision is the numeric precision a model computes in.
type Precision string

// PrecisionFP32 is single-precision float math end to end.
const PrecisionFP32 Precision = "FP32"

// BaseModel describes a loaded model.
type BaseModel struct {
	Name      Name
	Family    Family
	Path      string
	Strides   []int
	Precision Precision
}

// Model turns backbone feature maps into per-image detections.
type Model interface {
	Options() BaseModel
	Predict(features []*tensor.Dense, metas []postprocess.ImageMeta) ([]postprocess.Detections, error)
}

// NewModelArgs is the arguments for creating a new model.
type NewModelArgs struct {
	Name Name `json:"name" yaml:"name"`
	// Path identifies the model artifact and is reported back by Options.
	Path   string `json:"path" yaml:"path"`
	Family Family `json:"family" yaml:"family"`
	// Config is the path of the model's YAML configuration. Empty uses the defaults.
	Config string `json:"config" yaml:"config"`
	// Seed initialises the weights. 0 uses the model's default seed.
	Seed int64 `json:"seed" yaml:"seed"`
}
