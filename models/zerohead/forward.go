package zerohead

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/models/postprocess"
)

// ForwardOutput is the concatenated per-location output of every level.
type ForwardOutput struct {
	// ClsScores is (b, L, NumClasses+1) sigmoid scores. The last channel is
	// only kept for checkpoint compatibility and is never scored.
	ClsScores *tensor.Dense
	// Distributions is (b, L, 4, RegMax+1), softmax over the last axis.
	Distributions *tensor.Dense
	// RegLogits is Distributions before the softmax, used by the DFL term.
	RegLogits *tensor.Dense
	// Batch is the batch size.
	Batch int
	// Shapes is the spatial size of each level.
	Shapes []LevelShape
}

// levelShapes validates the feature maps and returns their spatial sizes.
func (h *Head) levelShapes(feats []*tensor.Dense) (int, []LevelShape, error) {
	if len(feats) != len(h.cfg.Strides) {
		return 0, nil, shapeErrorf("got %d feature maps for %d strides", len(feats), len(h.cfg.Strides))
	}
	shapes := make([]LevelShape, len(feats))
	batch := -1
	for i, f := range feats {
		s := f.Shape()
		if s.Dims() != 4 {
			return 0, nil, shapeErrorf("feature map %d must be (b, c, h, w), got %v", i, s)
		}
		if batch >= 0 && s[0] != batch {
			return 0, nil, shapeErrorf("feature map %d has batch %d, level 0 has %d", i, s[0], batch)
		}
		if s[1] != h.cfg.InChannels[i] {
			return 0, nil, shapeErrorf("feature map %d has %d channels, want %d", i, s[1], h.cfg.InChannels[i])
		}
		if f.Dtype() != tensor.Float32 {
			return 0, nil, shapeErrorf("feature map %d has dtype %v, want float32", i, f.Dtype())
		}
		batch = s[0]
		shapes[i] = LevelShape{Height: s[2], Width: s[3]}
	}
	return batch, shapes, nil
}

// Forward runs the classification and regression branches on every level and
// concatenates the results along the location axis.
//
// Arguments:
//   - feats: One (b, in_channels[i], h_i, w_i) float32 feature map per stride.
//
// Returns:
//   - The concatenated outputs.
//   - An error wrapping ErrShapeMismatch when a feature map is malformed.
func (h *Head) Forward(feats []*tensor.Dense) (*ForwardOutput, error) {
	batch, shapes, err := h.levelShapes(feats)
	if err != nil {
		return nil, err
	}

	cls := make([]*tensor.Dense, len(feats))
	dist := make([]*tensor.Dense, len(feats))
	logits := make([]*tensor.Dense, len(feats))
	for i, f := range feats {
		c, d, l, err := h.forwardSingle(i, f)
		if err != nil {
			return nil, errors.Wrapf(err, "level %d", i)
		}
		cls[i], dist[i], logits[i] = c, d, l
	}

	out := &ForwardOutput{Batch: batch, Shapes: shapes}
	if out.ClsScores, err = concatLocations(cls); err != nil {
		return nil, err
	}
	if out.Distributions, err = concatLocations(dist); err != nil {
		return nil, err
	}
	if out.RegLogits, err = concatLocations(logits); err != nil {
		return nil, err
	}
	return out, nil
}

func concatLocations(ts []*tensor.Dense) (*tensor.Dense, error) {
	if len(ts) == 1 {
		return ts[0], nil
	}
	return ts[0].Concat(1, ts[1:]...)
}

// forwardSingle evaluates one level's graph and lays its outputs out per location.
func (h *Head) forwardSingle(level int, feat *tensor.Dense) (cls, dist, logits *tensor.Dense, err error) {
	w := h.weights.Levels[level]
	shape := feat.Shape()
	n, height, width := shape[0], shape[2], shape[3]

	// The tape machine writes its engine onto bound values; never bind shared tensors.
	in, err := cloneDense(feat)
	if err != nil {
		return nil, nil, nil, err
	}
	g := G.NewGraph()
	x := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(shape...),
		G.WithName(fmt.Sprintf("feat%d", level)),
		G.WithValue(in))

	clsFeat, regFeat := x, x
	for j := range w.ClsConvs {
		if clsFeat, err = h.convAct(g, clsFeat, w.ClsConvs[j], n, height, width, fmt.Sprintf("l%d.cls_convs.%d", level, j)); err != nil {
			return nil, nil, nil, err
		}
		if regFeat, err = h.convAct(g, regFeat, w.RegConvs[j], n, height, width, fmt.Sprintf("l%d.reg_convs.%d", level, j)); err != nil {
			return nil, nil, nil, err
		}
	}

	clsOut, err := conv(g, clsFeat, w.Cls, n, height, width, fmt.Sprintf("l%d.gfl_cls", level))
	if err != nil {
		return nil, nil, nil, err
	}
	if clsOut, err = G.Sigmoid(clsOut); err != nil {
		return nil, nil, nil, errors.Wrap(err, "cls sigmoid")
	}
	regOut, err := conv(g, regFeat, w.Reg, n, height, width, fmt.Sprintf("l%d.gfl_reg", level))
	if err != nil {
		return nil, nil, nil, err
	}
	if regOut, err = G.Mul(regOut, G.NewConstant(w.Scale, G.WithName(fmt.Sprintf("l%d.scale", level)))); err != nil {
		return nil, nil, nil, errors.Wrap(err, "reg scale")
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, nil, nil, errors.Wrap(err, "run level graph")
	}

	clsVal, err := nodeDense(clsOut)
	if err != nil {
		return nil, nil, nil, err
	}
	regVal, err := nodeDense(regOut)
	if err != nil {
		return nil, nil, nil, err
	}

	hw := height * width
	bins := h.cfg.RegMax + 1

	// (b, C+1, h, w) -> (b, h*w, C+1)
	if err := permute(clsVal, []int{n, h.cfg.NumClasses + 1, hw}, 0, 2, 1); err != nil {
		return nil, nil, nil, errors.Wrap(err, "cls layout")
	}
	// (b, 4*(R+1), h, w) -> (b, 4, R+1, h*w) -> (b, h*w, 4, R+1)
	if err := permute(regVal, []int{n, 4, bins, hw}, 0, 3, 1, 2); err != nil {
		return nil, nil, nil, errors.Wrap(err, "reg layout")
	}
	dist, err = softmaxLastAxis(regVal)
	if err != nil {
		return nil, nil, nil, err
	}
	return clsVal, dist, regVal, nil
}

// conv adds a stride-1, same-padding convolution with bias to the graph.
func conv(g *G.ExprGraph, in *G.Node, w ConvWeights, n, height, width int, name string) (*G.Node, error) {
	k := w.Kernel()
	weight, err := cloneDense(w.Filter)
	if err != nil {
		return nil, errors.Wrapf(err, "%s weight", name)
	}
	filter := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(weight.Shape()...),
		G.WithName(name+".weight"),
		G.WithValue(weight))
	out, err := G.Conv2d(in, filter, tensor.Shape{k, k}, []int{k / 2, k / 2}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "%s conv", name)
	}
	bias, err := expandBias(w.Bias, n, height, width)
	if err != nil {
		return nil, errors.Wrapf(err, "%s bias", name)
	}
	b := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(n, w.OutChannels(), height, width),
		G.WithName(name+".bias"),
		G.WithValue(bias))
	return G.Add(out, b)
}

// convAct is a ConvBNAct block with its normalisation folded into the bias.
func (h *Head) convAct(g *G.ExprGraph, in *G.Node, w ConvWeights, n, height, width int, name string) (*G.Node, error) {
	out, err := conv(g, in, w, n, height, width, name)
	if err != nil {
		return nil, err
	}
	switch h.cfg.Act {
	case ActivationReLU:
		return G.Rectify(out)
	case ActivationLeakyReLU:
		return G.LeakyRelu(out, 0.1)
	default:
		sig, err := G.Sigmoid(out)
		if err != nil {
			return nil, err
		}
		return G.HadamardProd(out, sig)
	}
}

// expandBias repeats a per-channel bias over (n, c, h, w).
func expandBias(bias *tensor.Dense, n, height, width int) (*tensor.Dense, error) {
	b, err := postprocess.Float32Data(bias)
	if err != nil {
		return nil, err
	}
	c, hw := len(b), height*width
	out := make([]float32, n*c*hw)
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			off := (i*c + ch) * hw
			for p := 0; p < hw; p++ {
				out[off+p] = b[ch]
			}
		}
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(n, c, height, width), tensor.WithBacking(out)), nil
}

func cloneDense(t *tensor.Dense) (*tensor.Dense, error) {
	c, ok := t.Clone().(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("clone of %v tensor is not dense", t.Shape())
	}
	return c, nil
}

// nodeDense copies a node's value out of the graph.
func nodeDense(n *G.Node) (*tensor.Dense, error) {
	v, ok := n.Value().(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("node %s holds %T, want *tensor.Dense", n.Name(), n.Value())
	}
	return cloneDense(v)
}

// permute reshapes t to dims, reorders its axes and materialises the result in place.
func permute(t *tensor.Dense, dims []int, axes ...int) error {
	if err := t.Reshape(dims...); err != nil {
		return err
	}
	if err := t.T(axes...); err != nil {
		return err
	}
	return t.Transpose()
}

// softmaxLastAxis returns a numerically stable softmax over the last axis.
func softmaxLastAxis(t *tensor.Dense) (*tensor.Dense, error) {
	shape := t.Shape()
	data, err := postprocess.Float32Data(t)
	if err != nil {
		return nil, err
	}
	k := shape[shape.Dims()-1]
	out := make([]float32, len(data))
	for off := 0; off < len(data); off += k {
		row := data[off : off+k]
		m := row[0]
		for _, v := range row[1:] {
			m = math32.Max(m, v)
		}
		var sum float32
		for j, v := range row {
			e := math32.Exp(v - m)
			out[off+j] = e
			sum += e
		}
		for j := range row {
			out[off+j] /= sum
		}
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}
