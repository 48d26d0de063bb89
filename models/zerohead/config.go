// Package zerohead - dense anchor-free detection head: prior generation,
// distribution decoding, box decoding, multi-class NMS and the training losses.
package zerohead

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/zerohead/models/postprocess"
)

// Activation names the non-linearity used inside the stacked conv towers.
type Activation string

const (
	// ActivationSiLU is x * sigmoid(x).
	ActivationSiLU Activation = "silu"
	// ActivationReLU is max(0, x).
	ActivationReLU Activation = "relu"
	// ActivationLeakyReLU is max(0.1x, x).
	ActivationLeakyReLU Activation = "lrelu"
)

// Norm names the normalisation that was used when the towers were trained.
// Inference folds it into the conv bias, so it only affects validation.
type Norm string

const (
	// NormBatch is batch normalisation.
	NormBatch Norm = "bn"
	// NormGroup is group normalisation.
	NormGroup Norm = "gn"
	// NormNone disables normalisation.
	NormNone Norm = "none"
)

// Config holds every option the head recognises.
type Config struct {
	// NumClasses is the number of foreground classes.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// InChannels is the channel count of each incoming feature map.
	InChannels []int `json:"in_channels" yaml:"in_channels"`
	// StackedConvs is the number of ConvBNAct layers per tower. 0 disables the towers.
	StackedConvs int `json:"stacked_convs" yaml:"stacked_convs"`
	// FeatChannels is the tower width per level. A single value is broadcast.
	FeatChannels []int `json:"feat_channels" yaml:"feat_channels"`
	// RegMax is the number of distance bins minus one.
	RegMax int `json:"reg_max" yaml:"reg_max"`
	// Strides is the pixel stride of each level, in the same order as the feature maps.
	Strides []int `json:"strides" yaml:"strides"`
	// Norm is the normalisation kind.
	Norm Norm `json:"norm" yaml:"norm"`
	// Act is the activation kind.
	Act Activation `json:"act" yaml:"act"`
	// NMSConfThre is the strict score threshold applied before suppression.
	NMSConfThre float32 `json:"nms_conf_thre" yaml:"nms_conf_thre"`
	// NMSIoUThre is the IoU threshold for same-class suppression.
	NMSIoUThre float32 `json:"nms_iou_thre" yaml:"nms_iou_thre"`
	// NMS toggles inference decoding + selection. When false only raw outputs are produced.
	NMS bool `json:"nms" yaml:"nms"`
	// MaxPerImage caps the detections kept per image after suppression.
	MaxPerImage int `json:"max_per_image" yaml:"max_per_image"`
	// NumWorkers bounds per-image parallelism during selection.
	NumWorkers int `json:"num_workers" yaml:"num_workers"`
	// Loss configures the training loss weights.
	Loss LossConfig `json:"loss" yaml:"loss"`
	// Assigner configures the default label assigner.
	Assigner AssignerConfig `json:"assigner" yaml:"assigner"`
}

// LossConfig holds the weight of each loss term.
type LossConfig struct {
	QFLWeight  float32 `json:"qfl_weight" yaml:"qfl_weight"`
	QFLBeta    float32 `json:"qfl_beta" yaml:"qfl_beta"`
	DFLWeight  float32 `json:"dfl_weight" yaml:"dfl_weight"`
	GIoUWeight float32 `json:"giou_weight" yaml:"giou_weight"`
}

// AssignerConfig holds the cost weights of the default assigner.
type AssignerConfig struct {
	CenterRadius  float32 `json:"center_radius" yaml:"center_radius"`
	ClsWeight     float64 `json:"cls_weight" yaml:"cls_weight"`
	IoUWeight     float64 `json:"iou_weight" yaml:"iou_weight"`
	CandidateTopK int     `json:"candidate_topk" yaml:"candidate_topk"`
}

// DefaultConfig returns the configuration of the reference COCO head.
//
// Returns:
//   - Config: 80 classes, three levels at strides 8/16/32, 17 distance bins.
func DefaultConfig() Config {
	return Config{
		NumClasses:   80,
		InChannels:   []int{128, 256, 512},
		StackedConvs: 0,
		FeatChannels: []int{256},
		RegMax:       16,
		Strides:      []int{8, 16, 32},
		Norm:         NormGroup,
		Act:          ActivationSiLU,
		NMSConfThre:  0.05,
		NMSIoUThre:   0.7,
		NMS:          true,
		MaxPerImage:  500,
		NumWorkers:   1,
		Loss: LossConfig{
			QFLWeight:  1.0,
			QFLBeta:    2.0,
			DFLWeight:  0.25,
			GIoUWeight: 2.0,
		},
		Assigner: AssignerConfig{
			CenterRadius:  2.5,
			ClsWeight:     1.0,
			IoUWeight:     3.0,
			CandidateTopK: 10,
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig, normalises and
// validates it.
//
// Arguments:
//   - path: Path to the YAML file.
//
// Returns:
//   - The resolved configuration.
//   - An error if the file cannot be read, parsed or validated.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read head config %s", path)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse head config %s", path)
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize resolves derived fields: without stacked convs the tower width is
// the input width, and a single feat_channels value applies to every level.
func (c Config) Normalize() Config {
	if c.StackedConvs == 0 {
		c.FeatChannels = append([]int(nil), c.InChannels...)
		return c
	}
	if len(c.FeatChannels) == 1 && len(c.Strides) > 1 {
		feat := make([]int, len(c.Strides))
		for i := range feat {
			feat[i] = c.FeatChannels[0]
		}
		c.FeatChannels = feat
	}
	return c
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	switch {
	case c.NumClasses <= 0:
		return errors.Wrapf(ErrInvalidConfig, "num_classes must be positive, got %d", c.NumClasses)
	case c.RegMax <= 0:
		return errors.Wrapf(ErrInvalidConfig, "reg_max must be positive, got %d", c.RegMax)
	case len(c.Strides) == 0:
		return errors.Wrap(ErrInvalidConfig, "at least one stride is required")
	case len(c.InChannels) != len(c.Strides):
		return errors.Wrapf(ErrInvalidConfig, "in_channels has %d levels, strides has %d", len(c.InChannels), len(c.Strides))
	case len(c.FeatChannels) != len(c.Strides):
		return errors.Wrapf(ErrInvalidConfig, "feat_channels has %d levels, strides has %d", len(c.FeatChannels), len(c.Strides))
	case c.StackedConvs < 0:
		return errors.Wrapf(ErrInvalidConfig, "stacked_convs must not be negative, got %d", c.StackedConvs)
	case c.NMSIoUThre < 0 || c.NMSIoUThre > 1:
		return errors.Wrapf(ErrInvalidConfig, "nms_iou_thre must be in [0, 1], got %v", c.NMSIoUThre)
	}
	for i, s := range c.Strides {
		if s <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "stride %d must be positive, got %d", i, s)
		}
		if c.InChannels[i] <= 0 || c.FeatChannels[i] <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "level %d has non-positive channels", i)
		}
	}
	switch c.Act {
	case ActivationSiLU, ActivationReLU, ActivationLeakyReLU:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unsupported activation %q", c.Act)
	}
	switch c.Norm {
	case NormBatch, NormGroup, NormNone:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unsupported norm %q", c.Norm)
	}
	return nil
}

// NMSConfig derives the selection parameters.
func (c Config) NMSConfig() *postprocess.NMSConfig {
	return &postprocess.NMSConfig{
		ConfThreshold:  c.NMSConfThre,
		IoUThreshold:   c.NMSIoUThre,
		MaxNum:         c.MaxPerImage,
		IndexThreshold: postprocess.DefaultIndexThreshold,
		NumWorkers:     c.NumWorkers,
	}
}
