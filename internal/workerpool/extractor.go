package workerpool

import (
	"context"

	"github.com/docuvision/docuvision/internal/apperror"
	"github.com/docuvision/docuvision/internal/capability/vision"
	"github.com/docuvision/docuvision/internal/pipeline"
	"github.com/docuvision/docuvision/internal/schema"
)

// RateLimitedExtractor wraps a pipeline.Extractor with a shared Limiter
// so every worker goroutine in a process collectively respects
// VisionConfig.RateLimitPerMin (SPEC_FULL.md §5), rather than each
// goroutine rate-limiting itself independently.
type RateLimitedExtractor struct {
	Extractor pipeline.Extractor
	Limiter   *Limiter
}

// NewRateLimitedExtractor wraps extractor with limiter.
func NewRateLimitedExtractor(extractor pipeline.Extractor, limiter *Limiter) *RateLimitedExtractor {
	return &RateLimitedExtractor{Extractor: extractor, Limiter: limiter}
}

func (r *RateLimitedExtractor) Extract(ctx context.Context, pageIndex int, pngBytes []byte, s schema.Schema) (vision.ExtractionResult, error) {
	if err := r.Limiter.Wait(ctx); err != nil {
		return vision.ExtractionResult{}, apperror.Cancelled()
	}
	return r.Extractor.Extract(ctx, pageIndex, pngBytes, s)
}

var _ pipeline.Extractor = (*RateLimitedExtractor)(nil)
