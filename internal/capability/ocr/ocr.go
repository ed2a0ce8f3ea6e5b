// Package ocr provides the OcrFallback capability invoked when
// VisionExtractor exhausts its retries for a page (SPEC_FULL.md §4.4
// stage 5). It recovers plain text rather than schema-shaped fields;
// the pipeline merges that text into the single best-guess field it can
// identify (typically a free-form summary field) rather than attempting
// structured extraction itself.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/otiai10/gosseract/v2"

	"github.com/docuvision/docuvision/internal/apperror"
)

// Result is the plain-text yield of an OCR pass over one page.
type Result struct {
	Text       string
	Confidence float64 // gosseract's mean word confidence, scaled to [0,1]
}

// Fallback performs OCR as a last resort for a page.
type Fallback interface {
	Recognize(ctx context.Context, img image.Image) (Result, error)
}

// TesseractFallback implements Fallback using
// github.com/otiai10/gosseract/v2 (a cgo binding over Tesseract OCR).
// Named as a domain dependency rather than pack-grounded: no example
// repo in the retrieval pack performs OCR, so this library was chosen
// as the idiomatic Go wrapper for the external Tesseract engine the
// spec names as the OcrFallback collaborator.
type TesseractFallback struct {
	languages string
}

// NewTesseractFallback creates a TesseractFallback for the given
// Tesseract language codes (e.g. "eng"). Defaults to "eng" if empty.
func NewTesseractFallback(languages string) *TesseractFallback {
	if languages == "" {
		languages = "eng"
	}
	return &TesseractFallback{languages: languages}
}

func (f *TesseractFallback) Recognize(ctx context.Context, img image.Image) (Result, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(f.languages); err != nil {
		return Result{}, apperror.New(apperror.KindInternal, "configure ocr languages", err)
	}

	var buf []byte
	if b, err := encodePNG(img); err != nil {
		return Result{}, apperror.New(apperror.KindInternal, "encode page for ocr", err)
	} else {
		buf = b
	}

	if err := client.SetImageFromBytes(buf); err != nil {
		return Result{}, apperror.New(apperror.KindUnreadable, "load page image into ocr engine", err)
	}

	select {
	case <-ctx.Done():
		return Result{}, apperror.Cancelled()
	default:
	}

	text, err := client.Text()
	if err != nil {
		return Result{}, apperror.New(apperror.KindInternal, "ocr recognition failed", err)
	}

	confidence := 0.0
	if boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD); err == nil && len(boxes) > 0 {
		sum := 0.0
		for _, b := range boxes {
			sum += b.Confidence
		}
		confidence = (sum / float64(len(boxes))) / 100.0
	}

	return Result{Text: text, Confidence: confidence}, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

var _ Fallback = (*TesseractFallback)(nil)
