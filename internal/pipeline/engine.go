// Package pipeline implements PipelineEngine: the Load → Rasterize →
// Enhance → Resolve schema → Extract → Merge → Persist → Ack stage
// sequence that turns one Document attempt into extracted fields
// (SPEC_FULL.md §4.4). Grounded on the teacher's
// internal/ingest.Pipeline (struct of collaborators, numbered-step
// orchestration method, an accumulated Result), generalized from a
// single-shot ingestion job into a resumable, progress-reporting,
// cancellation-aware document pipeline.
package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"time"

	"github.com/docuvision/docuvision/internal/apperror"
	"github.com/docuvision/docuvision/internal/blobstore"
	"github.com/docuvision/docuvision/internal/capability/ocr"
	"github.com/docuvision/docuvision/internal/capability/preprocess"
	"github.com/docuvision/docuvision/internal/capability/rasterizer"
	"github.com/docuvision/docuvision/internal/capability/vision"
	"github.com/docuvision/docuvision/internal/config"
	"github.com/docuvision/docuvision/internal/docvalue"
	"github.com/docuvision/docuvision/internal/jobqueue"
	"github.com/docuvision/docuvision/internal/metadatastore"
	"github.com/docuvision/docuvision/internal/observability"
	"github.com/docuvision/docuvision/internal/progressbus"
	"github.com/docuvision/docuvision/internal/schema"
)

// totalStages mirrors spec.md §4.4's 8-step stage list (Load, Rasterize,
// Enhance, Resolve schema, Extract, Merge, Persist, Ack); progress is
// reported as stages_done / totalStages, with per-page work within
// Enhance and Extract counted proportionally.
const totalStages = 8

// Extractor is the narrow VisionExtractor seam PipelineEngine depends
// on, satisfied by capability/vision.Client. Kept local so tests can
// substitute a stub without constructing a real HTTP client.
type Extractor interface {
	Extract(ctx context.Context, pageIndex int, pngBytes []byte, s schema.Schema) (vision.ExtractionResult, error)
}

// enhancedPage is a rasterized page after the Enhance stage.
type enhancedPage struct {
	Index int
	Image image.Image
}

// Engine is PipelineEngine: the set of collaborators one document
// attempt is processed against. One Engine is shared by every worker
// goroutine in a process; Process is safe for concurrent use as long as
// its collaborators are.
type Engine struct {
	Store        metadatastore.Store
	Blobs        blobstore.Store
	Jobs         jobqueue.Queue
	Rasterizer   rasterizer.Rasterizer
	Preprocessor preprocess.Preprocessor
	Vision       Extractor
	OCR          ocr.Fallback
	Schemas      *schema.Registry
	Progress     *progressbus.Bus
	Logger       *observability.Logger
	Processing   config.ProcessingConfig
	VisionModel  string
}

// NewEngine constructs an Engine from its collaborators.
func NewEngine(
	store metadatastore.Store,
	blobs blobstore.Store,
	jobs jobqueue.Queue,
	raster rasterizer.Rasterizer,
	preproc preprocess.Preprocessor,
	visionClient Extractor,
	ocrFallback ocr.Fallback,
	schemas *schema.Registry,
	progress *progressbus.Bus,
	logger *observability.Logger,
	processing config.ProcessingConfig,
	visionModel string,
) *Engine {
	return &Engine{
		Store:        store,
		Blobs:        blobs,
		Jobs:         jobs,
		Rasterizer:   raster,
		Preprocessor: preproc,
		Vision:       visionClient,
		OCR:          ocrFallback,
		Schemas:      schemas,
		Progress:     progress,
		Logger:       logger,
		Processing:   processing,
		VisionModel:  visionModel,
	}
}

// Process runs the full stage sequence for one job: claims the
// Document, rasterizes, enhances, resolves a schema, extracts every
// page, merges, and persists. leaseToken/visibilityTimeout let the
// engine extend the queue lease as it works (SPEC_FULL.md §4.4 stage
// boundary duty (c)); workerID identifies the calling worker for the
// conditional BeginAttempt claim.
func (e *Engine) Process(ctx context.Context, job jobqueue.Job, leaseToken string, visibilityTimeout time.Duration, workerID string) Outcome {
	start := time.Now()
	logger := e.Logger.WithDocument(job.DocumentID)

	leaseDeadline := time.Now().Add(visibilityTimeout)
	extendLease := func() {
		if time.Until(leaseDeadline) >= e.Processing.HeartbeatInterval {
			return
		}
		if err := e.Jobs.ExtendLease(ctx, job.DocumentID, leaseToken, visibilityTimeout); err != nil {
			logger.Warn().Err(err).Msg("extend queue lease failed")
			return
		}
		leaseDeadline = time.Now().Add(visibilityTimeout)
	}

	tombstoned := func() bool {
		gone, err := e.Store.IsTombstoned(ctx, job.DocumentID)
		if err != nil {
			logger.Warn().Err(err).Msg("tombstone check failed, continuing")
			return false
		}
		return gone
	}

	// Step 1: Load.
	doc, err := e.Store.BeginAttempt(ctx, job.DocumentID, workerID)
	if err != nil {
		if errors.Is(err, metadatastore.ErrConflict) {
			logger.Info().Msg("document already claimed, dropping duplicate job")
			return Outcome{Result: ResultAborted}
		}
		return e.fail(ctx, job.DocumentID, 0, apperror.StoreUnavailable("begin attempt", err))
	}
	attempt := doc.AttemptNumber

	blob, err := e.Blobs.Get(ctx, doc.BlobRef)
	if err != nil {
		return e.fail(ctx, doc.ID, attempt, err)
	}
	pdfBytes, err := io.ReadAll(blob)
	_ = blob.Close()
	if err != nil {
		return e.fail(ctx, doc.ID, attempt, apperror.StoreUnavailable("read blob", err))
	}

	stagesDone := 1
	e.publish(ctx, doc, stageProgress(stagesDone, 0, 0))
	if tombstoned() {
		return Outcome{Result: ResultAborted}
	}
	extendLease()

	// Step 2: Rasterize.
	pages, err := e.Rasterizer.Rasterize(ctx, pdfBytes)
	if err != nil {
		return e.fail(ctx, doc.ID, attempt, err)
	}
	if len(pages) > e.Processing.MaxPages && e.Processing.MaxPages > 0 {
		return e.fail(ctx, doc.ID, attempt, apperror.DocumentTooLarge(len(pages), e.Processing.MaxPages))
	}
	if err := e.Store.UpdatePageCount(ctx, doc.ID, attempt, len(pages)); err != nil {
		logger.Warn().Err(err).Msg("update page count failed")
	}
	doc.PageCount = len(pages)

	stagesDone = 2
	e.publish(ctx, doc, stageProgress(stagesDone, 0, 0))
	if tombstoned() {
		return Outcome{Result: ResultAborted}
	}
	extendLease()

	// Step 3: Enhance.
	enhanced := make([]enhancedPage, len(pages))
	for i, p := range pages {
		img, enhanceErr := e.Preprocessor.Enhance(ctx, p.Image, e.Processing.MaxImageDimension)
		if enhanceErr != nil {
			logger.Warn().Int("page", p.Index).Err(enhanceErr).Msg("page enhancement failed, using raw page")
			img = p.Image
		}
		enhanced[i] = enhancedPage{Index: p.Index, Image: img}

		progress := stageProgress(stagesDone, i+1, len(pages))
		if err := e.Store.UpdateProgress(ctx, doc.ID, attempt, progress, nil); err != nil {
			logger.Warn().Err(err).Msg("update progress failed")
		}
		e.publish(ctx, doc, progress)
	}
	stagesDone = 3
	if tombstoned() {
		return Outcome{Result: ResultAborted}
	}
	extendLease()

	// Step 4: Resolve schema.
	resolved, categoryMeta, err := e.resolveSchema(ctx, enhanced, job.Options["schema"])
	if err != nil {
		return e.fail(ctx, doc.ID, attempt, err)
	}
	stagesDone = 4
	e.publish(ctx, doc, stageProgress(stagesDone, 0, 0))
	if tombstoned() {
		return Outcome{Result: ResultAborted}
	}
	extendLease()

	// Step 5: Extract.
	pageStatuses := make(map[int]string, len(enhanced))
	pageResults := make([]PageResult, len(enhanced))
	failedPages := 0
	for i, p := range enhanced {
		select {
		case <-ctx.Done():
			return e.fail(ctx, doc.ID, attempt, apperror.Cancelled())
		default:
		}

		result := e.extractPage(ctx, p, resolved, logger)
		pageResults[i] = result
		pageStatuses[p.Index] = result.Method
		if result.Method == "error" {
			failedPages++
		}

		progress := stageProgress(stagesDone, i+1, len(enhanced))
		if err := e.Store.UpdateProgress(ctx, doc.ID, attempt, progress, pageStatuses); err != nil {
			logger.Warn().Err(err).Msg("update progress failed")
		}
		e.publish(ctx, doc, progress)
		extendLease()
	}
	if len(enhanced) > 0 && failedPages == len(enhanced) {
		return e.fail(ctx, doc.ID, attempt, apperror.AllPagesFailedExtraction())
	}
	stagesDone = 5
	if tombstoned() {
		return Outcome{Result: ResultAborted}
	}
	extendLease()

	// Step 6: Merge.
	fields, confidence := mergeFields(resolved, pageResults)
	stagesDone = 6
	e.publish(ctx, doc, stageProgress(stagesDone, 0, 0))

	// Step 7: Persist.
	meta := metadatastore.ProcessingMetadata{
		DurationMS:   time.Since(start).Milliseconds(),
		Model:        e.VisionModel,
		WorkerID:     workerID,
		PageStatuses: pageStatuses,
		CategoryMeta: categoryMeta,
	}
	if err := e.Store.CompleteAttempt(ctx, doc.ID, attempt, fields, confidence, meta); err != nil {
		return e.fail(ctx, doc.ID, attempt, apperror.StoreUnavailable("persist results", err))
	}
	stagesDone = 7
	e.Progress.Publish(ctx, doc.ID, progressbus.Snapshot{
		DocumentID:    doc.ID,
		Status:        metadatastore.StatusCompleted,
		Progress:      1,
		PageCount:     doc.PageCount,
		ExtractedData: fields,
		Confidence:    confidence,
	})

	// Step 8: Ack.
	if err := e.Jobs.Ack(ctx, doc.ID, leaseToken); err != nil {
		logger.Warn().Err(err).Msg("ack job failed")
	}

	return Outcome{Result: ResultCompleted}
}

func (e *Engine) publish(ctx context.Context, doc *metadatastore.Document, progress float64) {
	e.Progress.Publish(ctx, doc.ID, progressbus.Snapshot{
		DocumentID: doc.ID,
		Status:     metadatastore.StatusProcessing,
		Progress:   progress,
		PageCount:  doc.PageCount,
	})
}

// fail classifies err and either resets the document to Pending for
// redelivery (transient infrastructure errors) or persists it as
// terminally Failed (everything else), per SPEC_FULL.md §7/§9.
func (e *Engine) fail(ctx context.Context, docID int64, attempt int, err error) Outcome {
	outcome := classify(err)
	logger := e.Logger.WithDocument(docID)

	if outcome.status == statusRetryable {
		logger.Warn().Err(err).Str("kind", string(outcome.kind)).Msg("transient failure, document reset for retry")
		if resetErr := e.Store.ResetToPending(ctx, docID); resetErr != nil {
			logger.Error().Err(resetErr).Msg("reset to pending failed")
		}
		return Outcome{Result: ResultRetry, Err: err}
	}

	logger.Error().Err(err).Str("kind", string(outcome.kind)).Msg("document processing failed")
	e.FailDocument(ctx, docID, attempt, err)
	return Outcome{Result: ResultFailed, Err: err}
}

// FailDocument persists a terminal Failed transition and publishes the
// corresponding snapshot. Exported so WorkerPool can call it directly
// once a retryable job has exhausted the queue's MaxAttempts.
func (e *Engine) FailDocument(ctx context.Context, docID int64, attempt int, cause error) {
	meta := metadatastore.ProcessingMetadata{ErrorMessage: cause.Error()}
	if err := e.Store.FailAttempt(ctx, docID, attempt, meta); err != nil {
		e.Logger.WithDocument(docID).Error().Err(err).Msg("persist failed-attempt state failed")
	}
	e.Progress.Publish(ctx, docID, progressbus.Snapshot{
		DocumentID:   docID,
		Status:       metadatastore.StatusFailed,
		Progress:     1,
		ErrorMessage: cause.Error(),
	})
}

// resolveSchema also returns any category_metadata the detector
// volunteered (domain, subdomain, country_code, ...), nil when schema
// selection was explicit or detection surfaced none.
func (e *Engine) resolveSchema(ctx context.Context, pages []enhancedPage, requested string) (schema.Schema, map[string]string, error) {
	if requested != "" && requested != "Auto" {
		s, err := e.Schemas.Get(requested)
		return s, nil, err
	}
	if len(pages) == 0 {
		s, err := e.Schemas.Get(schema.GenericSchemaName)
		return s, nil, err
	}

	png, err := rasterizer.EncodePNG(pages[0].Image)
	if err != nil {
		return schema.Schema{}, nil, apperror.Internal("encode sample page for schema detection", err)
	}

	result, err := e.Schemas.Detect(ctx, png, "")
	if err != nil {
		e.Logger.Warn().Err(err).Msg("schema detection failed, falling back to generic")
		s, getErr := e.Schemas.Get(schema.GenericSchemaName)
		return s, nil, getErr
	}
	s, err := e.Schemas.Get(result.SchemaName)
	return s, result.CategoryMetadata, err
}

// extractPage calls VisionExtractor for one page (which retries
// internally per SPEC_FULL.md §4.4 stage 5) and falls back to OcrFallback
// on failure. A page that fails both is recorded as "error" and does not
// fail the document unless every page does.
func (e *Engine) extractPage(ctx context.Context, p enhancedPage, s schema.Schema, logger *observability.Logger) PageResult {
	png, err := rasterizer.EncodePNG(p.Image)
	if err != nil {
		return PageResult{Index: p.Index, Method: "error", Err: err}
	}

	extractCtx := ctx
	if e.Processing.PerPageCallTimeout > 0 {
		var cancel context.CancelFunc
		extractCtx, cancel = context.WithTimeout(ctx, e.Processing.PerPageCallTimeout)
		defer cancel()
	}

	res, err := e.Vision.Extract(extractCtx, p.Index, png, s)
	if err == nil {
		return PageResult{Index: p.Index, Fields: res.Fields, Confidence: res.Confidence, Method: "vision"}
	}
	logger.Warn().Int("page", p.Index).Err(err).Msg("vision extraction failed, falling back to ocr")

	if e.OCR == nil {
		return PageResult{Index: p.Index, Method: "error", Err: err}
	}

	ocrResult, ocrErr := e.OCR.Recognize(ctx, p.Image)
	if ocrErr != nil {
		logger.Warn().Int("page", p.Index).Err(ocrErr).Msg("ocr fallback also failed")
		return PageResult{Index: p.Index, Method: "error", Err: ocrErr}
	}

	field := ocrFieldName(s)
	return PageResult{
		Index:      p.Index,
		Fields:     docvalue.FieldSet{field: docvalue.NewText(ocrResult.Text)},
		Confidence: docvalue.ConfidenceSet{field: ocrResult.Confidence},
		Method:     "ocr_fallback",
	}
}

// stageProgress computes stages_done / totalStages, interpolating
// pagesDone/totalPages within the current stage's share (SPEC_FULL.md
// §4.4: "per-page work counts proportionally"), rounded to two decimal
// places per the numeric semantics rule.
func stageProgress(stagesDone, pagesDone, totalPages int) float64 {
	base := float64(stagesDone) / float64(totalStages)
	if totalPages == 0 {
		return roundProgress(base)
	}
	within := (float64(pagesDone) / float64(totalPages)) / float64(totalStages)
	return roundProgress(base + within)
}

func roundProgress(p float64) float64 {
	return float64(int(p*100+0.5)) / 100
}
