package rasterizer

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvision/docuvision/internal/apperror"
)

func TestEncodePNGRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.White)

	data, err := EncodePNG(img)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	// PNG magic bytes.
	assert.Equal(t, []byte{0x89, 0x50, 0x4E, 0x47}, data[:4])
}

func TestRasterizeRejectsNonPDFBytes(t *testing.T) {
	r := NewFitzRasterizer()
	_, err := r.Rasterize(context.Background(), []byte("not a pdf"))
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindUnreadable))
}
