// Package rasterizer converts PDF bytes into an ordered sequence of
// page images, the first pipeline stage after Load (SPEC_FULL.md §4.4
// stage 2).
package rasterizer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"

	"github.com/gen2brain/go-fitz"

	"github.com/docuvision/docuvision/internal/apperror"
)

// Page is one rasterized PDF page.
type Page struct {
	Index int // 0-based
	Image image.Image
}

// Rasterizer produces raster pages from PDF bytes.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfBytes []byte) ([]Page, error)
}

// FitzRasterizer implements Rasterizer using go-fitz (MuPDF bindings),
// grounded on the teacher's libs/pdf-extractor/internal/pdf.Converter,
// which opens a fitz.Document and iterates NumPage()/Image(n). That
// Converter wrote each page straight to a temp JPEG file; this version
// keeps decoded images in memory since downstream stages (Enhance,
// Extract) operate on image.Image and re-encode only right before the
// network call, avoiding an extra disk round-trip per page.
type FitzRasterizer struct{}

// NewFitzRasterizer creates a FitzRasterizer.
func NewFitzRasterizer() *FitzRasterizer {
	return &FitzRasterizer{}
}

func (r *FitzRasterizer) Rasterize(ctx context.Context, pdfBytes []byte) ([]Page, error) {
	tmp, err := os.CreateTemp("", "docuvision-rasterize-*.pdf")
	if err != nil {
		return nil, apperror.Unreadable(fmt.Errorf("create temp file: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(pdfBytes); err != nil {
		tmp.Close()
		return nil, apperror.Unreadable(fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return nil, apperror.Unreadable(fmt.Errorf("close temp file: %w", err))
	}

	doc, err := fitz.New(tmp.Name())
	if err != nil {
		return nil, apperror.Unreadable(fmt.Errorf("open pdf: %w", err))
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, apperror.Unreadable(fmt.Errorf("pdf has no pages"))
	}

	pages := make([]Page, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		select {
		case <-ctx.Done():
			return nil, apperror.Cancelled()
		default:
		}

		img, err := doc.Image(i)
		if err != nil {
			return nil, apperror.Unreadable(fmt.Errorf("render page %d: %w", i+1, err))
		}
		pages = append(pages, Page{Index: i, Image: img})
	}

	return pages, nil
}

// EncodePNG is a shared helper for capabilities that need page bytes
// (VisionExtractor, OcrFallback, SchemaRegistry.Detect's sample page).
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode page png: %w", err)
	}
	return buf.Bytes(), nil
}

var _ Rasterizer = (*FitzRasterizer)(nil)
