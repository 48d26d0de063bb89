package zerohead

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/models/model"
	"github.com/nvr-ai/zerohead/models/postprocess"
	"github.com/nvr-ai/zerohead/profiler"
)

// smallConfig is a two-level head with two classes and five distance bins.
func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.NumClasses = 2
	cfg.InChannels = []int{4, 4}
	cfg.Strides = []int{8, 16}
	cfg.RegMax = 4
	return cfg.Normalize()
}

// zeroHead builds a head whose convolution filters are all zero, so every
// location predicts sigmoid(clsBias) and a uniform distance distribution. A nil
// clsBias keeps the initial BiasInitWithProb(0.01), a score of 0.01.
func zeroHead(t *testing.T, cfg Config, clsBias []float32, opts ...Option) *Head {
	t.Helper()
	w := NewWeights(cfg, nil)
	for _, lvl := range w.Levels {
		lvl.Cls.Filter.Zero()
		for _, c := range append(append([]ConvWeights{lvl.Reg}, lvl.ClsConvs...), lvl.RegConvs...) {
			c.Filter.Zero()
			c.Bias.Zero()
		}
		if clsBias != nil {
			copy(lvl.Cls.Bias.Data().([]float32), clsBias)
		}
	}
	h, err := NewHead(cfg, append(opts, WithWeights(w))...)
	require.NoError(t, err)
	return h
}

// features returns constant feature maps for a (2x2, 1x1) pyramid.
func features(batch int) []*tensor.Dense {
	return []*tensor.Dense{
		tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(batch, 4, 2, 2), tensor.WithBacking(fill(batch*4*2*2, 1))),
		tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(batch, 4, 1, 1), tensor.WithBacking(fill(batch*4, 1))),
	}
}

func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestNewHead_Defaults(t *testing.T) {
	h, err := NewHead(smallConfig())
	require.NoError(t, err)

	opts := h.Options()
	assert.Equal(t, model.ModelNameZeroHead, opts.Name)
	assert.Equal(t, []int{8, 16}, opts.Strides)
	assert.Len(t, h.Weights().Levels, 2)
	assert.Equal(t, []int{4, 4}, h.Config().FeatChannels)
	assert.Equal(t, model.ModelFamilyCOCO, opts.Family)

	h, err = NewHead(smallConfig(), WithFamily(model.ModelFamilyVOC), WithSource("voc.yaml"))
	require.NoError(t, err)
	assert.Equal(t, model.ModelFamilyVOC, h.Options().Family)
	assert.Equal(t, "voc.yaml", h.Options().Path)
}

func TestNewHead_RejectsMismatchedWeights(t *testing.T) {
	cfg := smallConfig()
	other := cfg
	other.NumClasses = 5

	_, err := NewHead(cfg, WithWeights(NewWeights(other, nil)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestForward_Layout(t *testing.T) {
	cfg := smallConfig()
	h := zeroHead(t, cfg, nil)

	out, err := h.Forward(features(2))
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{2, 5, 3}, out.ClsScores.Shape())
	assert.Equal(t, tensor.Shape{2, 5, 4, 5}, out.Distributions.Shape())
	assert.Equal(t, tensor.Shape{2, 5, 4, 5}, out.RegLogits.Shape())
	assert.Equal(t, []LevelShape{{2, 2}, {1, 1}}, out.Shapes)

	cls := out.ClsScores.Data().([]float32)
	for _, v := range cls {
		assert.InDelta(t, 0.01, v, 1e-5)
	}
	for _, v := range out.Distributions.Data().([]float32) {
		assert.InDelta(t, 0.2, v, 1e-6)
	}
}

func TestForward_StackedConvs(t *testing.T) {
	cfg := smallConfig()
	cfg.StackedConvs = 2
	cfg.FeatChannels = []int{6}
	cfg.Act = ActivationReLU
	cfg = cfg.Normalize()

	h, err := NewHead(cfg)
	require.NoError(t, err)
	out, err := h.Forward(features(1))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 5, 3}, out.ClsScores.Shape())

	// Every distribution is a softmax.
	dist := out.Distributions.Data().([]float32)
	for off := 0; off < len(dist); off += 5 {
		var sum float32
		for _, v := range dist[off : off+5] {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestForward_ShapeErrors(t *testing.T) {
	h := zeroHead(t, smallConfig(), nil)

	tests := []struct {
		name  string
		feats []*tensor.Dense
	}{
		{"missing level", features(1)[:1]},
		{"wrong channels", []*tensor.Dense{
			tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 3, 2, 2)),
			features(1)[1],
		}},
		{"batch mismatch", []*tensor.Dense{features(2)[0], features(1)[1]}},
		{"not 4d", []*tensor.Dense{
			tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(4, 2, 2)),
			features(1)[1],
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Forward(tt.feats)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrShapeMismatch))
		})
	}
}

func TestDecode_UniformDistributionDecodesToHalfRange(t *testing.T) {
	h := zeroHead(t, smallConfig(), nil)

	raw, err := h.Decode(features(1))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 5, 2}, raw.Scores.Shape())
	assert.Equal(t, tensor.Shape{1, 5, 4}, raw.Boxes.Shape())

	// Expected distance is RegMax/2 = 2 bins, i.e. 2*stride pixels.
	boxes := raw.Boxes.Data().([]float32)
	want := [][]float32{
		{-16, -16, 16, 16},
		{-8, -16, 24, 16},
		{-16, -8, 16, 24},
		{-8, -8, 24, 24},
		{-32, -32, 32, 32},
	}
	for i, w := range want {
		assert.InDeltaSlice(t, w, boxes[i*4:i*4+4], 1e-3, "location %d", i)
	}
}

func TestPredict_NoScoreAboveThreshold(t *testing.T) {
	h := zeroHead(t, smallConfig(), nil)
	metas := []postprocess.ImageMeta{{OriShape: [2]int{32, 32}, ScaleFactor: [2]float32{1, 1}}}

	dets, err := h.Predict(features(1), metas)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 0, dets[0].Len())
	assert.NotNil(t, dets[0].Boxes)
	assert.NotNil(t, dets[0].Scores)
	assert.NotNil(t, dets[0].Labels)
}

func TestPredict_Detections(t *testing.T) {
	prof := profiler.NewStageProfiler()
	h := zeroHead(t, smallConfig(), []float32{-10, 5, 0}, WithProfiler(prof))
	metas := []postprocess.ImageMeta{
		{OriShape: [2]int{16, 16}, ScaleFactor: [2]float32{2, 2}},
		{OriShape: [2]int{32, 32}, ScaleFactor: [2]float32{1, 1}},
	}

	dets, err := h.Predict(features(2), metas)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	for i, d := range dets {
		require.Equal(t, 5, d.Len(), "image %d", i)
		assert.Equal(t, metas[i].OriShape, d.ImageSize)
		for k := range d.Labels {
			assert.Equal(t, 1, d.Labels[k])
			assert.InDelta(t, 0.99331, d.Scores[k], 1e-4)
			assert.Equal(t, float32(1), d.Objectness[k])
		}
	}
	// Equal scores keep location order; the first image is scaled by 2.
	assert.InDeltaSlice(t, []float32{-8, -8, 8, 8}, dets[0].Boxes[0].Slice(), 1e-3)
	assert.InDeltaSlice(t, []float32{-16, -16, 16, 16}, dets[1].Boxes[0].Slice(), 1e-3)

	stages := map[string]bool{}
	for _, s := range prof.Snapshot() {
		stages[s.Name] = true
	}
	assert.True(t, stages["priors"] && stages["forward"] && stages["decode"] && stages["nms"])
}

func TestPredict_MissingMetadata(t *testing.T) {
	h := zeroHead(t, smallConfig(), []float32{-10, 5, 0})

	dets, err := h.Predict(features(2), []postprocess.ImageMeta{{OriShape: [2]int{32, 32}, ScaleFactor: [2]float32{1, 1}}})
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, 5, dets[0].Len())
	assert.Equal(t, 0, dets[1].Len())
	assert.NotNil(t, dets[1].Labels)
}

func TestPredict_NMSDisabled(t *testing.T) {
	cfg := smallConfig()
	cfg.NMS = false
	h := zeroHead(t, cfg, nil)

	_, err := h.Predict(features(1), nil)
	assert.True(t, errors.Is(err, ErrNMSDisabled))

	raw, err := h.Decode(features(1))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 5, 2}, raw.Scores.Shape())
}

func TestPredict_ConcurrentMixedBatches(t *testing.T) {
	h := zeroHead(t, smallConfig(), []float32{-10, 5, 0})
	meta := postprocess.ImageMeta{OriShape: [2]int{32, 32}, ScaleFactor: [2]float32{1, 1}}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	counts := make([][]int, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			batch := 1 + g%2
			metas := make([]postprocess.ImageMeta, batch)
			for i := range metas {
				metas[i] = meta
			}
			for r := 0; r < 5; r++ {
				dets, err := h.Predict(features(batch), metas)
				if err != nil {
					errs[g] = err
					return
				}
				counts[g] = counts[g][:0]
				for _, d := range dets {
					counts[g] = append(counts[g], d.Len())
				}
			}
		}(g)
	}
	wg.Wait()

	for g := range errs {
		require.NoError(t, errs[g], "goroutine %d", g)
		want := []int{5}
		if g%2 == 1 {
			want = []int{5, 5}
		}
		assert.Equal(t, want, counts[g], "goroutine %d", g)
	}
}

func TestPredict_ReusesPriors(t *testing.T) {
	h := zeroHead(t, smallConfig(), nil)
	metas := []postprocess.ImageMeta{{OriShape: [2]int{32, 32}, ScaleFactor: [2]float32{1, 1}}}

	for i := 0; i < 3; i++ {
		_, err := h.Predict(features(1), metas)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.priors.Misses())

	_, err := h.Predict(features(2), append(metas, metas...))
	require.NoError(t, err)
	assert.Equal(t, 2, h.priors.Misses())
}
