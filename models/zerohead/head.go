package zerohead

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/models/model"
	"github.com/nvr-ai/zerohead/models/postprocess"
	"github.com/nvr-ai/zerohead/profiler"
)

// DefaultSeed seeds the weight initialisation when no weights are supplied.
const DefaultSeed = 42

// Head is a dense anchor-free detection head. It owns its weights and prior
// cache and is safe for concurrent use once built.
type Head struct {
	cfg      Config
	weights  *Weights
	integral *Integral
	priors   *PriorCache
	assigner Assigner
	logger   *zap.Logger
	profiler *profiler.StageProfiler
	family   model.Family
	source   string
}

// Option configures a Head.
type Option func(*Head)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Head) {
		h.logger = logger
	}
}

// WithAssigner replaces the default AlignOTAAssigner used by Loss.
func WithAssigner(a Assigner) Option {
	return func(h *Head) {
		h.assigner = a
	}
}

// WithWeights uses pre-built weights instead of a fresh initialisation.
func WithWeights(w *Weights) Option {
	return func(h *Head) {
		h.weights = w
	}
}

// WithFamily sets the label family reported by Options. Defaults to COCO.
func WithFamily(f model.Family) Option {
	return func(h *Head) {
		h.family = f
	}
}

// WithSource records where the configuration came from.
func WithSource(path string) Option {
	return func(h *Head) {
		h.source = path
	}
}

// WithProfiler records per-stage timings.
func WithProfiler(p *profiler.StageProfiler) Option {
	return func(h *Head) {
		h.profiler = p
	}
}

// NewHead builds a head from cfg.
//
// Arguments:
//   - cfg: The head configuration. It is normalised and validated.
//   - opts: Optional logger, assigner, weights and profiler.
//
// Returns:
//   - The head.
//   - An error wrapping ErrInvalidConfig or ErrShapeMismatch when cfg or the
//     supplied weights are inconsistent.
func NewHead(cfg Config, opts ...Option) (*Head, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Head{cfg: cfg}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.family == "" {
		h.family = model.ModelFamilyCOCO
	}
	if h.weights == nil {
		h.weights = NewWeights(cfg, nil)
	}
	if err := h.weights.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "head weights")
	}
	if h.assigner == nil {
		h.assigner = NewAlignOTAAssigner(cfg.Assigner)
	}
	h.integral = NewIntegral(cfg.RegMax)
	h.priors = NewPriorCache(cfg.Strides, h.logger)

	h.logger.Debug("built detection head",
		zap.Int("num_classes", cfg.NumClasses),
		zap.Ints("strides", cfg.Strides),
		zap.Int("reg_max", cfg.RegMax),
		zap.Int("stacked_convs", cfg.StackedConvs))
	return h, nil
}

// Config returns the resolved configuration.
func (h *Head) Config() Config {
	return h.cfg
}

// Weights returns the head's parameters.
func (h *Head) Weights() *Weights {
	return h.weights
}

// Options implements model.Model.
func (h *Head) Options() model.BaseModel {
	return model.BaseModel{
		Name:      model.ModelNameZeroHead,
		Family:    h.family,
		Path:      h.source,
		Strides:   append([]int(nil), h.cfg.Strides...),
		Precision: model.PrecisionFP32,
	}
}

// RawOutput is the decoded, unfiltered prediction of every location.
type RawOutput struct {
	// Scores is (b, L, NumClasses). The extra trained channel is dropped.
	Scores *tensor.Dense
	// Boxes is (b, L, 4) in input-image pixels.
	Boxes *tensor.Dense
	// Priors is (b, L, 4), the anchor points the boxes were decoded from.
	Priors *tensor.Dense
	// Forward holds the pre-decode outputs.
	Forward *ForwardOutput
}

// Decode runs the forward transform and decodes every location into a box,
// without any filtering.
//
// Arguments:
//   - feats: One (b, in_channels[i], h_i, w_i) feature map per stride.
//
// Returns:
//   - The raw scores and boxes.
//   - An error wrapping ErrShapeMismatch when the inputs are malformed.
func (h *Head) Decode(feats []*tensor.Dense) (*RawOutput, error) {
	batch, shapes, err := h.levelShapes(feats)
	if err != nil {
		return nil, err
	}

	out := &RawOutput{}
	if err := h.profiler.Time("priors", func() error {
		out.Priors, err = h.priors.Get(batch, shapes)
		return err
	}); err != nil {
		return nil, err
	}
	if err := h.profiler.Time("forward", func() error {
		out.Forward, err = h.Forward(feats)
		return err
	}); err != nil {
		return nil, err
	}
	if err := h.profiler.Time("decode", func() error {
		out.Scores, err = dropLastChannel(out.Forward.ClsScores, h.cfg.NumClasses)
		if err != nil {
			return err
		}
		out.Boxes, err = h.decodeBoxes(out.Priors, out.Forward.Distributions)
		return err
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeBoxes integrates the distributions, scales them by each prior's stride
// and converts them to boxes around the prior points.
func (h *Head) decodeBoxes(priors, distributions *tensor.Dense) (*tensor.Dense, error) {
	dist, err := h.integral.Forward(distributions)
	if err != nil {
		return nil, err
	}
	d, err := postprocess.Float32Data(dist)
	if err != nil {
		return nil, err
	}
	p, err := postprocess.Float32Data(priors)
	if err != nil {
		return nil, err
	}
	if len(p) != len(d) {
		return nil, shapeErrorf("priors %v do not match distances %v", priors.Shape(), dist.Shape())
	}
	for i := 0; i < len(d); i += 4 {
		stride := p[i+2]
		d[i] *= stride
		d[i+1] *= stride
		d[i+2] *= stride
		d[i+3] *= stride
	}
	return DistanceToBox(priors, dist, nil)
}

// dropLastChannel copies the first n channels of a (b, L, n+1) tensor.
func dropLastChannel(t *tensor.Dense, n int) (*tensor.Dense, error) {
	shape := t.Shape()
	if shape.Dims() != 3 || shape[2] != n+1 {
		return nil, shapeErrorf("class scores must be (b, L, %d), got %v", n+1, shape)
	}
	data, err := postprocess.Float32Data(t)
	if err != nil {
		return nil, err
	}
	rows := shape[0] * shape[1]
	out := make([]float32, rows*n)
	for r := 0; r < rows; r++ {
		copy(out[r*n:(r+1)*n], data[r*(n+1):r*(n+1)+n])
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape[0], shape[1], n), tensor.WithBacking(out)), nil
}

// Predict turns backbone features into per-image detections in original image
// coordinates.
//
// Arguments:
//   - feats: One (b, in_channels[i], h_i, w_i) feature map per stride.
//   - metas: Per-image resize metadata. Images without metadata get no detections.
//
// Returns:
//   - One Detections per batch item.
//   - ErrNMSDisabled when the head is configured for raw outputs, or an error
//     wrapping ErrShapeMismatch when the inputs are malformed.
func (h *Head) Predict(feats []*tensor.Dense, metas []postprocess.ImageMeta) ([]postprocess.Detections, error) {
	if !h.cfg.NMS {
		return nil, ErrNMSDisabled
	}
	raw, err := h.Decode(feats)
	if err != nil {
		return nil, err
	}

	var dets []postprocess.Detections
	if err := h.profiler.Time("nms", func() error {
		dets, err = Postprocess(raw.Scores, raw.Boxes, h.cfg.NMSConfig(), metas)
		return err
	}); err != nil {
		return nil, err
	}
	for i := range dets {
		if i >= len(metas) || dets[i].Len() == 0 {
			continue
		}
		if dets[i], err = Rescale(dets[i], metas[i]); err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
	}
	h.logger.Debug("predicted",
		zap.Int("batch", len(dets)),
		zap.Int("locations", raw.Scores.Shape()[1]))
	return dets, nil
}

var _ model.Model = (*Head)(nil)
