package zerohead

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/zerohead/images"
)

func probabilityQFL() QualityFocalLoss {
	return QualityFocalLoss{UseSigmoid: false, Beta: 2, Reduction: ReductionMean, LossWeight: 1}
}

func TestQualityFocalLoss(t *testing.T) {
	tests := []struct {
		name   string
		pred   []float32
		label  int
		score  float32
		expect float32
	}{
		// 0.6 towards 1 with |1-0.6|^2, 0.2 towards 0 with 0.2^2.
		{name: "positive", pred: []float32{0.6, 0.2}, label: 0, score: 1, expect: 0.0906578},
		{name: "negative label past classes", pred: []float32{0.6, 0.2}, label: 2, score: 0, expect: 0.3387907},
		{name: "negative label below zero", pred: []float32{0.6, 0.2}, label: -1, score: 0, expect: 0.3387907},
		{name: "perfect quality", pred: []float32{0.5, 0}, label: 0, score: 0.5, expect: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := probabilityQFL().Forward(dense([]int{1, 2}, tt.pred...),
				QFLTarget{Labels: []int{tt.label}, Scores: []float32{tt.score}}, nil, 0)
			require.NoError(t, err)
			assert.InDelta(t, tt.expect, got, 1e-5)
		})
	}
}

func TestQualityFocalLoss_Logits(t *testing.T) {
	l := NewQualityFocalLoss()
	// Logit 0 is probability 0.5: ln(2) * 0.25 per class.
	got, err := l.Forward(dense([]int{1, 2}, 0, 0), QFLTarget{Labels: []int{2}, Scores: []float32{0}}, nil, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2*0.1732868, got, 1e-5)
}

func TestQualityFocalLoss_Reductions(t *testing.T) {
	pred := dense([]int{2, 2}, 0.6, 0.2, 0.6, 0.2)
	target := QFLTarget{Labels: []int{0, 2}, Scores: []float32{1, 0}}
	l := probabilityQFL()

	each, err := l.Elementwise(pred, target, []float32{1, 2})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.0906578, 2 * 0.3387907}, each, 1e-5)

	avg, err := l.Forward(pred, target, nil, 4)
	require.NoError(t, err)
	assert.InDelta(t, (0.0906578+0.3387907)/4, avg, 1e-5)

	l.Reduction = ReductionSum
	sum, err := l.Forward(pred, target, nil, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.0906578+0.3387907, sum, 1e-5)

	_, err = l.Forward(pred, target, nil, 4)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	l.Reduction = ReductionNone
	_, err = l.Forward(pred, target, nil, 0)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestQualityFocalLoss_LengthMismatch(t *testing.T) {
	pred := dense([]int{2, 2}, 0.6, 0.2, 0.6, 0.2)
	l := probabilityQFL()

	_, err := l.Forward(pred, QFLTarget{Labels: []int{0}, Scores: []float32{1, 0}}, nil, 0)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = l.Forward(pred, QFLTarget{Labels: []int{0, 1}, Scores: []float32{1}}, nil, 0)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = l.Forward(pred, QFLTarget{Labels: []int{0, 1}, Scores: []float32{1, 0}}, []float32{1}, 0)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestDistributionFocalLoss(t *testing.T) {
	l := NewDistributionFocalLoss()
	const ln5 = 1.6094379
	pred := dense([]int{2, 5}, make([]float32, 10)...)

	got, err := l.Forward(pred, []float32{1.5, 2}, nil, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.25*ln5, got, 1e-5)

	// A sharp distribution on the two neighbouring bins costs less than a flat one.
	sharp := dense([]int{1, 5}, -10, 10, 10, -10, -10)
	low, err := l.Forward(sharp, []float32{1.5}, nil, 0)
	require.NoError(t, err)
	assert.Less(t, low, got)

	for _, bad := range []float32{-0.5, 4, 4.5} {
		_, err := l.Forward(dense([]int{1, 5}, make([]float32, 5)...), []float32{bad}, nil, 0)
		assert.True(t, errors.Is(err, ErrShapeMismatch), "target %v", bad)
	}
}

func TestGIoULoss(t *testing.T) {
	l := NewGIoULoss()
	a := images.Rect{X1: 0, Y1: 0, X2: 1, Y2: 1}
	b := images.Rect{X1: 2, Y1: 0, X2: 3, Y2: 1}

	same, err := l.Forward([]images.Rect{a}, []images.Rect{a}, nil, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0, same, 1e-5)

	// IoU 0, union 2, enclosing area 3: GIoU = -1/3.
	apart, err := l.Forward([]images.Rect{a}, []images.Rect{b}, nil, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2*(1+1.0/3), apart, 1e-5)

	zero, err := l.Forward([]images.Rect{a}, []images.Rect{b}, []float32{0}, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(0), zero)

	_, err = l.Forward([]images.Rect{a}, nil, nil, 0)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestLosses_Total(t *testing.T) {
	assert.InDelta(t, 1.75, Losses{QFL: 1, DFL: 0.25, GIoU: 0.5}.Total(), 1e-6)
}
