package zerohead

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/zerohead/images"
	"github.com/nvr-ai/zerohead/models/postprocess"
)

func nmsConfig() *postprocess.NMSConfig {
	return &postprocess.NMSConfig{ConfThreshold: 0.05, IoUThreshold: 0.7, MaxNum: 100, NumWorkers: 2}
}

func TestPostprocess_LabelsAreZeroBased(t *testing.T) {
	scores := dense([]int{1, 3, 2},
		0.1, 0.9,
		0.8, 0.0,
		0.0, 0.0,
	)
	boxes := dense([]int{1, 3, 4},
		0, 0, 10, 10,
		20, 20, 30, 30,
		40, 40, 50, 50,
	)
	metas := []postprocess.ImageMeta{{OriShape: [2]int{60, 80}, ScaleFactor: [2]float32{1, 1}}}

	dets, err := Postprocess(scores, boxes, nmsConfig(), metas)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	d := dets[0]
	require.Equal(t, 3, d.Len())
	assert.Equal(t, []int{1, 0, 0}, d.Labels)
	assert.Equal(t, []float32{0.9, 0.8, 0.1}, d.Scores)
	assert.Equal(t, []float32{1, 1, 1}, d.Objectness)
	assert.Equal(t, [2]int{60, 80}, d.ImageSize)
	assert.Equal(t, images.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}, d.Boxes[0])
}

func TestPostprocess_EmptyRecords(t *testing.T) {
	scores := dense([]int{2, 2, 1}, 0.9, 0.01, 0.01, 0.01)
	boxes := dense([]int{2, 2, 4},
		0, 0, 10, 10,
		20, 20, 30, 30,
		0, 0, 10, 10,
		20, 20, 30, 30,
	)
	metas := []postprocess.ImageMeta{
		{OriShape: [2]int{32, 32}, ScaleFactor: [2]float32{1, 1}},
		{OriShape: [2]int{64, 64}, ScaleFactor: [2]float32{1, 1}},
	}

	dets, err := Postprocess(scores, boxes, nmsConfig(), metas)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, 1, dets[0].Len())

	// Nothing above threshold in the second image.
	assert.Equal(t, 0, dets[1].Len())
	assert.Equal(t, [2]int{64, 64}, dets[1].ImageSize)
	assert.NotNil(t, dets[1].Boxes)
	assert.NotNil(t, dets[1].Objectness)

	// No metadata at all.
	dets, err = Postprocess(scores, boxes, nmsConfig(), nil)
	require.NoError(t, err)
	for _, d := range dets {
		assert.Equal(t, 0, d.Len())
		assert.NotNil(t, d.Labels)
	}
}

func TestPostprocess_CapsAt500(t *testing.T) {
	const n = 600
	s := make([]float32, n)
	b := make([]float32, n*4)
	for i := 0; i < n; i++ {
		s[i] = 0.1 + float32(i)/float32(n)*0.8
		x := float32(i * 10)
		copy(b[i*4:], []float32{x, 0, x + 5, 5})
	}
	cfg := nmsConfig()
	cfg.MaxNum = 1000

	dets, err := Postprocess(dense([]int{1, n, 1}, s...), dense([]int{1, n, 4}, b...), cfg,
		[]postprocess.ImageMeta{{OriShape: [2]int{10, 6000}, ScaleFactor: [2]float32{1, 1}}})
	require.NoError(t, err)
	assert.Equal(t, 500, dets[0].Len())
	assert.Equal(t, s[n-1], dets[0].Scores[0])
}

func TestPostprocess_ShapeMismatch(t *testing.T) {
	_, err := Postprocess(dense([]int{1, 2, 2}, make([]float32, 4)...), dense([]int{1, 3, 4}, make([]float32, 12)...), nmsConfig(), nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestBoxList_Sentinels(t *testing.T) {
	l := emptyBoxList([2]int{5, 7})
	assert.True(t, l.placeholder)
	assert.Equal(t, []float32{emptyObjectness}, l.objectness)
	assert.Equal(t, []float32{emptyScore}, l.scores)
	assert.Equal(t, []int{emptyLabel}, l.labels)

	d := l.detections()
	assert.Equal(t, 0, d.Len())
	assert.Empty(t, d.Labels)
	assert.Equal(t, [2]int{5, 7}, d.ImageSize)
}

func TestRescale(t *testing.T) {
	dets := postprocess.Detections{
		Boxes:      []images.Rect{{X1: 40, Y1: 20, X2: 80, Y2: 60}},
		Scores:     []float32{0.5},
		Labels:     []int{3},
		Objectness: []float32{1},
	}
	// Vertical factor 2, horizontal factor 4.
	out, err := Rescale(dets, postprocess.ImageMeta{ScaleFactor: [2]float32{2, 4}})
	require.NoError(t, err)
	assert.Equal(t, images.Rect{X1: 10, Y1: 10, X2: 20, Y2: 30}, out.Boxes[0])
	assert.Equal(t, images.Rect{X1: 40, Y1: 20, X2: 80, Y2: 60}, dets.Boxes[0])
	assert.Equal(t, []int{3}, out.Labels)

	_, err = Rescale(dets, postprocess.ImageMeta{ScaleFactor: [2]float32{0, 1}})
	assert.Error(t, err)
}
