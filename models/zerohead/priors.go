package zerohead

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// LevelShape is the spatial size of one feature map.
type LevelShape struct {
	Height int
	Width  int
}

// Locations returns Height * Width.
func (s LevelShape) Locations() int {
	return s.Height * s.Width
}

// SingleLevelPriors builds the anchor points of one feature map.
//
// Row r, column c of the map becomes prior r*w+c with value
// (c*stride, r*stride, stride, stride). Every batch item receives the same rows.
//
// Arguments:
//   - batch: Batch size.
//   - h, w: Feature map height and width.
//   - stride: Pixels per feature cell.
//
// Returns:
//   - A float32 tensor of shape (batch, h*w, 4).
//   - An error wrapping ErrShapeMismatch for non-positive arguments.
func SingleLevelPriors(batch, h, w, stride int) (*tensor.Dense, error) {
	if batch <= 0 || h <= 0 || w <= 0 || stride <= 0 {
		return nil, shapeErrorf("priors need positive batch, size and stride, got batch=%d h=%d w=%d stride=%d", batch, h, w, stride)
	}
	n := h * w
	data := make([]float32, batch*n*4)
	s := float32(stride)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := (y*w + x) * 4
			data[off] = float32(x) * s
			data[off+1] = float32(y) * s
			data[off+2] = s
			data[off+3] = s
		}
	}
	for b := 1; b < batch; b++ {
		copy(data[b*n*4:(b+1)*n*4], data[:n*4])
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(batch, n, 4), tensor.WithBacking(data)), nil
}

// MultiLevelPriors concatenates the priors of every level along the location
// axis, in the order the levels are given.
//
// Arguments:
//   - batch: Batch size.
//   - shapes: Spatial size of each level.
//   - strides: Stride of each level, aligned with shapes.
//
// Returns:
//   - A float32 tensor of shape (batch, sum(h*w), 4).
func MultiLevelPriors(batch int, shapes []LevelShape, strides []int) (*tensor.Dense, error) {
	if len(shapes) != len(strides) {
		return nil, shapeErrorf("got %d feature levels for %d strides", len(shapes), len(strides))
	}
	if len(shapes) == 0 {
		return nil, shapeErrorf("at least one feature level is required")
	}
	levels := make([]*tensor.Dense, len(shapes))
	for i, s := range shapes {
		p, err := SingleLevelPriors(batch, s.Height, s.Width, strides[i])
		if err != nil {
			return nil, err
		}
		levels[i] = p
	}
	if len(levels) == 1 {
		return levels[0], nil
	}
	return levels[0].Concat(1, levels[1:]...)
}

type priorKey struct {
	batch  int
	shapes string
}

func makePriorKey(batch int, shapes []LevelShape) priorKey {
	return priorKey{batch: batch, shapes: fmt.Sprint(shapes)}
}

// PriorCache memoises MultiLevelPriors for the most recent input geometry.
// It is safe for concurrent use; the returned tensor must be treated as read-only.
type PriorCache struct {
	strides []int
	logger  *zap.Logger

	mu     sync.Mutex
	key    priorKey
	priors *tensor.Dense
	misses int
}

// NewPriorCache creates an empty cache for the given level strides.
func NewPriorCache(strides []int, logger *zap.Logger) *PriorCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriorCache{strides: append([]int(nil), strides...), logger: logger}
}

// Get returns the priors for (batch, shapes), recomputing them only when the
// batch size or any level's spatial size differs from the previous call.
func (c *PriorCache) Get(batch int, shapes []LevelShape) (*tensor.Dense, error) {
	key := makePriorKey(batch, shapes)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.priors != nil && c.key == key {
		return c.priors, nil
	}
	priors, err := MultiLevelPriors(batch, shapes, c.strides)
	if err != nil {
		return nil, err
	}
	c.key = key
	c.priors = priors
	c.misses++
	c.logger.Debug("recomputed priors",
		zap.Int("batch", batch),
		zap.Any("levels", shapes),
		zap.Int("locations", priors.Shape()[1]))
	return priors, nil
}

// Misses reports how many times the priors were recomputed.
func (c *PriorCache) Misses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}
