// Package images - Image definition and geometry for processing utilities.
package images

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Image represents an encoded image with a format, data, width, and height.
type Image struct {
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The data of the image.
	Data []byte `json:"data" yaml:"data"`
	// The width of the image.
	Width int `json:"width" yaml:"width"`
	// The height of the image.
	Height int `json:"height" yaml:"height"`
}

// ImageFormat represents supported image formats
type ImageFormat string

// ImageFormat constants
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
	// FormatBMP is the BMP image format.
	FormatBMP ImageFormat = "bmp"
)

// Decode decodes encoded image bytes.
//
// Arguments:
//   - data: JPEG, PNG, BMP or WebP bytes.
//
// Returns:
//   - The decoded image with its format and size filled in.
//   - The pixels.
//   - An error if the bytes are not a supported image.
func Decode(data []byte) (Image, image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, nil, errors.Wrap(err, "decode image")
	}
	b := img.Bounds()
	return Image{
		Format: ImageFormat(format),
		Data:   data,
		Width:  b.Dx(),
		Height: b.Dy(),
	}, img, nil
}
