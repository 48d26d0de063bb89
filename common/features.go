// Package common - image to tensor adapters shared by the backbone and the CLI.
package common

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/models/postprocess"
)

// ResizeToInput resizes img to the network input size and records how to map
// boxes back to the original image.
//
// Arguments:
//   - img: The original image.
//   - width, height: The network input size.
//
// Returns:
//   - The resized image.
//   - Metadata with the original (height, width) and the (vertical, horizontal) scale factor.
func ResizeToInput(img image.Image, width, height int) (image.Image, postprocess.ImageMeta) {
	b := img.Bounds()
	meta := postprocess.ImageMeta{
		OriShape:    [2]int{b.Dy(), b.Dx()},
		ScaleFactor: [2]float32{float32(height) / float32(b.Dy()), float32(width) / float32(b.Dx())},
	}
	if b.Dx() == width && b.Dy() == height {
		return img, meta
	}
	return resize.Resize(uint(width), uint(height), img, resize.Bilinear), meta
}

// ImageToCHW converts img into planar RGB float32 values in [0, 1].
func ImageToCHW(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			data[i] = float32(r>>8) / 255.0
			data[plane+i] = float32(g>>8) / 255.0
			data[2*plane+i] = float32(bl>>8) / 255.0
		}
	}
	return data
}

// ExtractMultiScaleFeatures builds a stand-in feature pyramid from an image
// when no backbone is available: each level is the image downsampled by its
// stride, with RGB in the first three channels and zeros after.
//
// Arguments:
//   - img: The network input image.
//   - strides: Stride of each level.
//   - channels: Channel count of each level, aligned with strides.
//
// Returns:
//   - One (1, channels[i], h/stride, w/stride) tensor per level.
//   - An error if a level would be empty or the arguments disagree.
func ExtractMultiScaleFeatures(img image.Image, strides []int, channels []int) ([]*tensor.Dense, error) {
	if len(strides) != len(channels) {
		return nil, errors.Errorf("got %d strides and %d channel counts", len(strides), len(channels))
	}
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()

	feats := make([]*tensor.Dense, len(strides))
	for i, stride := range strides {
		featWidth := width / stride
		featHeight := height / stride
		if featWidth == 0 || featHeight == 0 {
			return nil, errors.Errorf("image %dx%d is smaller than stride %d", width, height, stride)
		}

		resized := resize.Resize(uint(featWidth), uint(featHeight), img, resize.Lanczos3)
		rgb := ImageToCHW(resized)
		plane := featWidth * featHeight
		data := make([]float32, channels[i]*plane)
		n := channels[i]
		if n > 3 {
			n = 3
		}
		copy(data, rgb[:n*plane])
		feats[i] = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, channels[i], featHeight, featWidth), tensor.WithBacking(data))
	}
	return feats, nil
}

// StackBatch joins per-image pyramids along the batch axis.
func StackBatch(pyramids [][]*tensor.Dense) ([]*tensor.Dense, error) {
	if len(pyramids) == 0 {
		return nil, errors.New("no feature pyramids to stack")
	}
	if len(pyramids) == 1 {
		return pyramids[0], nil
	}
	levels := len(pyramids[0])
	out := make([]*tensor.Dense, levels)
	for l := 0; l < levels; l++ {
		rest := make([]*tensor.Dense, 0, len(pyramids)-1)
		for i, p := range pyramids[1:] {
			if len(p) != levels {
				return nil, errors.Errorf("pyramid %d has %d levels, want %d", i+1, len(p), levels)
			}
			rest = append(rest, p[l])
		}
		stacked, err := pyramids[0][l].Concat(0, rest...)
		if err != nil {
			return nil, errors.Wrapf(err, "stack level %d", l)
		}
		out[l] = stacked
	}
	return out, nil
}
