package images

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 12, 7))
	src.Set(3, 4, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	meta, img, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, meta.Format)
	assert.Equal(t, 12, meta.Width)
	assert.Equal(t, 7, meta.Height)
	r, _, _, _ := img.At(3, 4).RGBA()
	assert.Equal(t, uint32(200), r>>8)

	_, _, err = Decode([]byte("not an image"))
	assert.Error(t, err)
}
