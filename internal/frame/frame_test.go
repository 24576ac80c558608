package frame

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{40, 40, 40, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestDownscaleWideFrame(t *testing.T) {
	out, factor, err := Downscale(testJPEG(t, 1280, 720), 640)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, factor, 0.001)

	w, h, err := Size(out)
	require.NoError(t, err)
	assert.Equal(t, 640, w)
	assert.Equal(t, 360, h)
}

func TestDownscaleLeavesSmallFrame(t *testing.T) {
	in := testJPEG(t, 320, 240)
	out, factor, err := Downscale(in, 640)
	require.NoError(t, err)
	assert.Equal(t, float32(1), factor)
	assert.Equal(t, in, out)

	out, factor, err = Downscale(in, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(1), factor)
	assert.Equal(t, in, out)
}

func TestDownscaleRejectsGarbage(t *testing.T) {
	_, _, err := Downscale([]byte("not a jpeg"), 640)
	assert.Error(t, err)
}

func TestAnnotateDrawsBox(t *testing.T) {
	out, err := Annotate(testJPEG(t, 200, 200), []Box{{
		X1: 50, Y1: 60, X2: 150, Y2: 160,
		Label: "person 91%",
		Color: color.RGBA{255, 0, 0, 255},
	}})
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 200), img.Bounds())

	r, g, _, _ := img.At(100, 160).RGBA()
	assert.Greater(t, r>>8, uint32(150), "bottom edge should be red")
	assert.Less(t, g>>8, uint32(100))

	r, _, _, _ = img.At(100, 110).RGBA()
	assert.Less(t, r>>8, uint32(100), "box interior stays untouched")
}

func TestAnnotateClipsOutOfBoundsBoxes(t *testing.T) {
	_, err := Annotate(testJPEG(t, 64, 64), []Box{{X1: -20, Y1: -20, X2: 500, Y2: 500, Label: "fire"}})
	assert.NoError(t, err)
}
