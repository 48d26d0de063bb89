// Package onnx - ONNX Runtime backbone producing the feature pyramid consumed by the head.
package onnx

import (
	"fmt"
	"image"
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/common"
	"github.com/nvr-ai/zerohead/models/postprocess"
)

// ErrInvalidBackbone reports an inconsistent backbone configuration.
var ErrInvalidBackbone = errors.New("invalid backbone config")

// BackboneConfig describes an exported backbone with one image input and one
// output per pyramid level.
type BackboneConfig struct {
	// ModelPath is the ONNX file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// SharedLibraryPath overrides the platform default onnxruntime library.
	SharedLibraryPath string `json:"shared_library_path" yaml:"shared_library_path"`
	// InputName is the image input, shaped (1, 3, Height, Width).
	InputName string `json:"input_name" yaml:"input_name"`
	// OutputNames are the feature outputs in stride order.
	OutputNames []string `json:"output_names" yaml:"output_names"`
	Width       int      `json:"width" yaml:"width"`
	Height      int      `json:"height" yaml:"height"`
	// Strides and Channels describe each output level.
	Strides  []int `json:"strides" yaml:"strides"`
	Channels []int `json:"channels" yaml:"channels"`
	// Threads bounds intra-op parallelism. 0 leaves the runtime default.
	Threads   int  `json:"threads" yaml:"threads"`
	UseCoreML bool `json:"use_coreml" yaml:"use_coreml"`
}

// Validate checks the configuration without touching the runtime.
func (c BackboneConfig) Validate() error {
	switch {
	case c.ModelPath == "":
		return errors.Wrap(ErrInvalidBackbone, "model_path is required")
	case c.InputName == "":
		return errors.Wrap(ErrInvalidBackbone, "input_name is required")
	case c.Width <= 0 || c.Height <= 0:
		return errors.Wrapf(ErrInvalidBackbone, "input size must be positive, got %dx%d", c.Width, c.Height)
	case len(c.Strides) == 0:
		return errors.Wrap(ErrInvalidBackbone, "at least one stride is required")
	case len(c.OutputNames) != len(c.Strides) || len(c.Channels) != len(c.Strides):
		return errors.Wrapf(ErrInvalidBackbone, "got %d outputs and %d channel counts for %d strides",
			len(c.OutputNames), len(c.Channels), len(c.Strides))
	}
	for i, s := range c.Strides {
		if s <= 0 || c.Width%s != 0 || c.Height%s != 0 {
			return errors.Wrapf(ErrInvalidBackbone, "stride %d does not divide input %dx%d", s, c.Width, c.Height)
		}
		if c.Channels[i] <= 0 {
			return errors.Wrapf(ErrInvalidBackbone, "level %d has %d channels", i, c.Channels[i])
		}
	}
	return nil
}

// LoadBackboneConfig reads and validates a YAML backbone description.
func LoadBackboneConfig(path string) (BackboneConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return BackboneConfig{}, errors.Wrapf(err, "read backbone config %s", path)
	}
	var cfg BackboneConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return BackboneConfig{}, errors.Wrapf(err, "parse backbone config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return BackboneConfig{}, err
	}
	return cfg, nil
}

// LevelShape returns the (1, channels, h, w) output shape of level i.
func (c BackboneConfig) LevelShape(i int) []int {
	return []int{1, c.Channels[i], c.Height / c.Strides[i], c.Width / c.Strides[i]}
}

// Backbone runs a fixed-size ONNX backbone on one image at a time.
type Backbone struct {
	cfg     BackboneConfig
	logger  *zap.Logger
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
}

// NewBackbone initialises the runtime and creates a session with
// preallocated input and output tensors.
//
// Arguments:
//   - cfg: The backbone description.
//   - logger: Structured logger. nil disables logging.
//
// Returns:
//   - The backbone. Call Destroy when done.
//   - An error if the configuration is invalid or the runtime fails.
func NewBackbone(cfg BackboneConfig, logger *zap.Logger) (*Backbone, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !ort.IsInitialized() {
		lib := cfg.SharedLibraryPath
		if lib == "" {
			lib = getSharedLibPath()
		}
		ort.SetSharedLibraryPath(lib)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "initialize onnxruntime environment")
		}
	}

	b := &Backbone{cfg: cfg, logger: logger}
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(cfg.Height), int64(cfg.Width)))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	b.input = input

	outputs := make([]ort.Value, len(cfg.Strides))
	for i := range cfg.Strides {
		s := cfg.LevelShape(i)
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(s[0]), int64(s[1]), int64(s[2]), int64(s[3])))
		if err != nil {
			b.Destroy()
			return nil, errors.Wrapf(err, "create output tensor %d", i)
		}
		b.outputs = append(b.outputs, t)
		outputs[i] = t
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		b.Destroy()
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()
	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			b.Destroy()
			return nil, errors.Wrap(err, "set intra-op threads")
		}
	}
	if cfg.UseCoreML {
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			b.Destroy()
			return nil, errors.Wrap(err, "enable CoreML")
		}
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, cfg.OutputNames,
		[]ort.Value{input}, outputs, options)
	if err != nil {
		b.Destroy()
		return nil, errors.Wrapf(err, "create session for %s", cfg.ModelPath)
	}
	b.session = session

	logger.Info("backbone session ready",
		zap.String("model", cfg.ModelPath),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Ints("strides", cfg.Strides))
	return b, nil
}

// Extract resizes img to the input size, runs the backbone and copies every
// output level into a tensor the head can consume.
//
// Returns:
//   - One (1, channels, h, w) tensor per level.
//   - The resize metadata of img.
func (b *Backbone) Extract(img image.Image) ([]*tensor.Dense, postprocess.ImageMeta, error) {
	resized, meta := common.ResizeToInput(img, b.cfg.Width, b.cfg.Height)

	b.mu.Lock()
	defer b.mu.Unlock()

	copy(b.input.GetData(), common.ImageToCHW(resized))
	if err := b.session.Run(); err != nil {
		return nil, meta, errors.Wrap(err, "run backbone")
	}

	feats := make([]*tensor.Dense, len(b.outputs))
	for i, out := range b.outputs {
		data := append([]float32(nil), out.GetData()...)
		feats[i] = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(b.cfg.LevelShape(i)...), tensor.WithBacking(data))
	}
	return feats, meta, nil
}

// Destroy releases the session and its tensors.
func (b *Backbone) Destroy() {
	if b.session != nil {
		b.session.Destroy()
	}
	if b.input != nil {
		b.input.Destroy()
	}
	for _, t := range b.outputs {
		t.Destroy()
	}
}

// getSharedLibPath returns the appropriate ONNX Runtime library path for the current platform.
func getSharedLibPath() string {
	return sharedLibPath(runtime.GOOS, runtime.GOARCH)
}

func sharedLibPath(goos, goarch string) string {
	switch goos {
	case "windows":
		return "../third_party/onnxruntime.dll"
	case "darwin":
		return fmt.Sprintf("../third_party/onnxruntime_%s.dylib", goarch)
	default:
		if goarch == "arm64" {
			return "../third_party/onnxruntime_arm64.so"
		}
		return "../third_party/onnxruntime.so"
	}
}
