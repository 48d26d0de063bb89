package zerohead

import (
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// ConvWeights is one convolution with its (folded) bias.
type ConvWeights struct {
	// Filter has shape (out, in, k, k).
	Filter *tensor.Dense
	// Bias has shape (out).
	Bias *tensor.Dense
}

// Kernel returns the square kernel size.
func (c ConvWeights) Kernel() int {
	return c.Filter.Shape()[2]
}

// OutChannels returns the number of output channels.
func (c ConvWeights) OutChannels() int {
	return c.Filter.Shape()[0]
}

// InChannels returns the number of input channels.
func (c ConvWeights) InChannels() int {
	return c.Filter.Shape()[1]
}

// LevelWeights are the parameters of one scale level. Levels do not share weights.
type LevelWeights struct {
	// ClsConvs and RegConvs are the stacked ConvBNAct towers.
	ClsConvs []ConvWeights
	RegConvs []ConvWeights
	// Cls is the 3x3 classification conv producing NumClasses+1 channels.
	Cls ConvWeights
	// Reg is the 3x3 regression conv producing 4*(RegMax+1) channels.
	Reg ConvWeights
	// Scale is the learnable multiplier applied to the regression output.
	Scale float32
}

// Weights holds the parameters of every level.
type Weights struct {
	Levels []LevelWeights
}

// BiasInitWithProb returns the bias whose sigmoid equals priorProb.
func BiasInitWithProb(priorProb float64) float32 {
	return float32(-math.Log((1 - priorProb) / priorProb))
}

func normalConv(rng *rand.Rand, out, in, k int, std float64, bias float32) ConvWeights {
	filter := make([]float32, out*in*k*k)
	for i := range filter {
		filter[i] = float32(rng.NormFloat64() * std)
	}
	b := make([]float32, out)
	for i := range b {
		b[i] = bias
	}
	return ConvWeights{
		Filter: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(out, in, k, k), tensor.WithBacking(filter)),
		Bias:   tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(out), tensor.WithBacking(b)),
	}
}

// NewWeights initialises a head for cfg: conv weights are drawn from
// N(0, 0.01), classification biases start at BiasInitWithProb(0.01), every other
// bias at 0 and every level scale at 1.
//
// Arguments:
//   - cfg: A normalised configuration.
//   - rng: Source of randomness. nil uses a source seeded with DefaultSeed.
//
// Returns:
//   - The initial weights.
func NewWeights(cfg Config, rng *rand.Rand) *Weights {
	const std = 0.01
	if rng == nil {
		rng = rand.New(rand.NewSource(DefaultSeed))
	}
	clsBias := BiasInitWithProb(0.01)
	w := &Weights{Levels: make([]LevelWeights, len(cfg.Strides))}
	for i := range cfg.Strides {
		lvl := LevelWeights{Scale: 1.0}
		feat := cfg.FeatChannels[i]
		for j := 0; j < cfg.StackedConvs; j++ {
			in, k := feat, 3
			if j == 0 {
				in, k = cfg.InChannels[i], 1
			}
			lvl.ClsConvs = append(lvl.ClsConvs, normalConv(rng, feat, in, k, std, 0))
			lvl.RegConvs = append(lvl.RegConvs, normalConv(rng, feat, in, k, std, 0))
		}
		lvl.Cls = normalConv(rng, cfg.NumClasses+1, feat, 3, std, clsBias)
		lvl.Reg = normalConv(rng, 4*(cfg.RegMax+1), feat, 3, std, 0)
		w.Levels[i] = lvl
	}
	return w
}

// Validate checks that the weights match cfg.
func (w *Weights) Validate(cfg Config) error {
	if len(w.Levels) != len(cfg.Strides) {
		return shapeErrorf("weights have %d levels, config has %d", len(w.Levels), len(cfg.Strides))
	}
	for i, lvl := range w.Levels {
		if len(lvl.ClsConvs) != cfg.StackedConvs || len(lvl.RegConvs) != cfg.StackedConvs {
			return shapeErrorf("level %d has %d/%d tower convs, want %d", i, len(lvl.ClsConvs), len(lvl.RegConvs), cfg.StackedConvs)
		}
		in := cfg.InChannels[i]
		for j := range lvl.ClsConvs {
			for _, c := range []ConvWeights{lvl.ClsConvs[j], lvl.RegConvs[j]} {
				if err := checkConv(c, in, cfg.FeatChannels[i]); err != nil {
					return shapeErrorf("level %d tower conv %d: %v", i, j, err)
				}
			}
			in = cfg.FeatChannels[i]
		}
		if err := checkConv(lvl.Cls, in, cfg.NumClasses+1); err != nil {
			return shapeErrorf("level %d cls conv: %v", i, err)
		}
		if err := checkConv(lvl.Reg, in, 4*(cfg.RegMax+1)); err != nil {
			return shapeErrorf("level %d reg conv: %v", i, err)
		}
	}
	return nil
}

func checkConv(c ConvWeights, in, out int) error {
	if c.Filter == nil || c.Bias == nil {
		return shapeErrorf("missing filter or bias")
	}
	fs := c.Filter.Shape()
	if fs.Dims() != 4 || fs[0] != out || fs[1] != in || fs[2] != fs[3] || fs[2]%2 != 1 {
		return shapeErrorf("filter shape %v, want (%d, %d, k, k) with odd k", fs, out, in)
	}
	if c.Bias.Shape().TotalSize() != out {
		return shapeErrorf("bias has %d values, want %d", c.Bias.Shape().TotalSize(), out)
	}
	return nil
}

// SetLevel replaces the parameters of one level. Call Validate afterwards.
func (w *Weights) SetLevel(i int, lvl LevelWeights) error {
	if i < 0 || i >= len(w.Levels) {
		return shapeErrorf("level %d out of range [0, %d)", i, len(w.Levels))
	}
	w.Levels[i] = lvl
	return nil
}
