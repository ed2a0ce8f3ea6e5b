package preprocess

import (
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvision/docuvision/internal/observability"
)

func TestEnhanceDownscalesToMaxDimension(t *testing.T) {
	p := NewImagingPreprocessor(observability.DefaultLogger())
	src := image.NewRGBA(image.Rect(0, 0, 4000, 2000))

	out, err := p.Enhance(context.Background(), src, 2048)
	require.NoError(t, err)

	bounds := out.Bounds()
	assert.LessOrEqual(t, bounds.Dx(), 2048)
	assert.LessOrEqual(t, bounds.Dy(), 2048)
}

func TestEnhanceLeavesSmallImageUnchangedInSize(t *testing.T) {
	p := NewImagingPreprocessor(observability.DefaultLogger())
	src := image.NewRGBA(image.Rect(0, 0, 100, 50))

	out, err := p.Enhance(context.Background(), src, 2048)
	require.NoError(t, err)

	bounds := out.Bounds()
	assert.Equal(t, 100, bounds.Dx())
	assert.Equal(t, 50, bounds.Dy())
}
