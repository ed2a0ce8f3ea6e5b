// Package preprocess enhances rasterized page images before extraction:
// contrast normalization and downscaling to a maximum dimension
// (SPEC_FULL.md §4.4 stage 3). Enhancement failures are non-fatal for a
// page; callers pass the raw image through with a warning recorded.
package preprocess

import (
	"context"
	"image"

	"github.com/disintegration/imaging"

	"github.com/docuvision/docuvision/internal/observability"
)

// Preprocessor enhances a single page image.
type Preprocessor interface {
	Enhance(ctx context.Context, img image.Image, maxDimension int) (image.Image, error)
}

// ImagingPreprocessor implements Preprocessor using
// github.com/disintegration/imaging, the pack's image-manipulation
// library (no teacher file performs page enhancement directly; the
// pdf-extractor submodule only rasterizes and uploads raw JPEGs, so this
// capability is built fresh in the teacher's idiom: a small struct with
// one public method, logging at Warn rather than failing the page).
type ImagingPreprocessor struct {
	logger *observability.Logger
}

// NewImagingPreprocessor creates an ImagingPreprocessor.
func NewImagingPreprocessor(logger *observability.Logger) *ImagingPreprocessor {
	return &ImagingPreprocessor{logger: logger}
}

// Enhance applies contrast normalization, mild sharpening, and downscales
// the image so its longest dimension does not exceed maxDimension. Any
// failure in an individual step is logged and the best image produced so
// far is returned rather than propagating the error, since page
// enhancement failures must not fail the document (SPEC_FULL.md §4.4
// stage 3).
func (p *ImagingPreprocessor) Enhance(ctx context.Context, img image.Image, maxDimension int) (image.Image, error) {
	out := img

	func() {
		defer p.recoverStep("autocontrast")
		out = imaging.AutoContrast(out)
	}()

	func() {
		defer p.recoverStep("sharpen")
		out = imaging.Sharpen(out, 0.5)
	}()

	bounds := out.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxDimension > 0 && (width > maxDimension || height > maxDimension) {
		func() {
			defer p.recoverStep("resize")
			if width >= height {
				out = imaging.Resize(out, maxDimension, 0, imaging.Lanczos)
			} else {
				out = imaging.Resize(out, 0, maxDimension, imaging.Lanczos)
			}
		}()
	}

	return out, nil
}

func (p *ImagingPreprocessor) recoverStep(step string) {
	if r := recover(); r != nil && p.logger != nil {
		p.logger.Warn().Str("step", step).Interface("panic", r).Msg("page enhancement step failed, passing through")
	}
}

var _ Preprocessor = (*ImagingPreprocessor)(nil)
