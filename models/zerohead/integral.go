package zerohead

import (
	"gorgonia.org/tensor"
)

// Integral turns a distribution over RegMax+1 distance bins into its expected
// value by projecting onto [0, 1, ..., RegMax].
type Integral struct {
	regMax  int
	project []float32
}

// NewIntegral builds the fixed projection vector for regMax.
func NewIntegral(regMax int) *Integral {
	project := make([]float32, regMax+1)
	for i := range project {
		project[i] = float32(i)
	}
	return &Integral{regMax: regMax, project: project}
}

// RegMax returns the index of the last bin.
func (g *Integral) RegMax() int {
	return g.regMax
}

// Forward computes sum_k k * p(k) for every side of every location.
//
// Arguments:
//   - x: (b, hw, 4, RegMax+1) probabilities.
//
// Returns:
//   - (b, hw, 4) expected distances in stride units. The caller scales by stride.
func (g *Integral) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	shape := x.Shape()
	if shape.Dims() != 4 || shape[2] != 4 || shape[3] != g.regMax+1 {
		return nil, shapeErrorf("integral expects (b, hw, 4, %d), got %v", g.regMax+1, shape)
	}
	b, hw := shape[0], shape[1]

	flat, ok := x.Clone().(*tensor.Dense)
	if !ok {
		return nil, shapeErrorf("integral input is not dense")
	}
	if err := flat.Reshape(b*hw*4, g.regMax+1); err != nil {
		return nil, err
	}
	proj := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(g.regMax+1, 1),
		tensor.WithBacking(append([]float32(nil), g.project...)),
	)
	out, err := tensor.MatMul(flat, proj)
	if err != nil {
		return nil, err
	}
	dist, ok := out.(*tensor.Dense)
	if !ok {
		return nil, shapeErrorf("integral matmul returned %T", out)
	}
	if err := dist.Reshape(b, hw, 4); err != nil {
		return nil, err
	}
	return dist, nil
}
