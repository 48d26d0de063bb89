package zerohead

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Normalize().Validate())

	assert.Equal(t, 80, cfg.NumClasses)
	assert.Equal(t, []int{8, 16, 32}, cfg.Strides)
	assert.Equal(t, 16, cfg.RegMax)
	assert.Equal(t, float32(0.05), cfg.NMSConfThre)
	assert.Equal(t, float32(0.7), cfg.NMSIoUThre)
	assert.True(t, cfg.NMS)

	nms := cfg.NMSConfig()
	assert.Equal(t, 500, nms.MaxNum)
	assert.Equal(t, float32(0.7), nms.IoUThreshold)
}

func TestConfig_Normalize(t *testing.T) {
	cfg := DefaultConfig().Normalize()
	assert.Equal(t, []int{128, 256, 512}, cfg.FeatChannels)

	stacked := DefaultConfig()
	stacked.StackedConvs = 2
	stacked = stacked.Normalize()
	assert.Equal(t, []int{256, 256, 256}, stacked.FeatChannels)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no classes", func(c *Config) { c.NumClasses = 0 }},
		{"no bins", func(c *Config) { c.RegMax = 0 }},
		{"no strides", func(c *Config) { c.Strides = nil; c.InChannels = nil; c.FeatChannels = nil }},
		{"channel levels", func(c *Config) { c.InChannels = []int{128} }},
		{"negative stride", func(c *Config) { c.Strides = []int{8, -16, 32} }},
		{"iou threshold", func(c *Config) { c.NMSIoUThre = 1.5 }},
		{"activation", func(c *Config) { c.Act = "gelu" }},
		{"norm", func(c *Config) { c.Norm = "ln" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig().Normalize()
			tt.mutate(&cfg)
			assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "head.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
num_classes: 3
in_channels: [16]
strides: [8]
reg_max: 7
act: relu
nms_iou_thre: 0.6
loss:
  dfl_weight: 0.5
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.NumClasses)
	assert.Equal(t, []int{16}, cfg.FeatChannels)
	assert.Equal(t, 7, cfg.RegMax)
	assert.Equal(t, ActivationReLU, cfg.Act)
	assert.Equal(t, float32(0.6), cfg.NMSIoUThre)
	// Unset keys keep their defaults.
	assert.Equal(t, float32(0.05), cfg.NMSConfThre)
	assert.Equal(t, float32(0.5), cfg.Loss.DFLWeight)
	assert.Equal(t, float32(2.0), cfg.Loss.GIoUWeight)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_classes: 0\n"), 0o600))
	_, err = LoadConfig(path)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestWeights(t *testing.T) {
	cfg := smallConfig()
	a := NewWeights(cfg, nil)
	b := NewWeights(cfg, nil)
	require.NoError(t, a.Validate(cfg))
	assert.Equal(t, a.Levels[0].Reg.Filter.Data(), b.Levels[0].Reg.Filter.Data())

	assert.InDelta(t, -math.Log(99), BiasInitWithProb(0.01), 1e-5)
	assert.InDelta(t, float32(-math.Log(99)), a.Levels[1].Cls.Bias.Data().([]float32)[0], 1e-5)
	assert.Equal(t, float32(1), a.Levels[1].Scale)

	broken := NewWeights(cfg, nil)
	require.NoError(t, broken.SetLevel(1, a.Levels[0]))
	require.NoError(t, broken.Validate(cfg))

	other := cfg
	other.RegMax = 8
	require.NoError(t, broken.SetLevel(0, NewWeights(other, nil).Levels[0]))
	assert.True(t, errors.Is(broken.Validate(cfg), ErrShapeMismatch))
	assert.True(t, errors.Is(broken.SetLevel(5, a.Levels[0]), ErrShapeMismatch))
}
