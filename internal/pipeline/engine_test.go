package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvision/docuvision/internal/apperror"
	"github.com/docuvision/docuvision/internal/blobstore"
	"github.com/docuvision/docuvision/internal/capability/ocr"
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

func testPage(index int) rasterizer.Page {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.White)
		}
	}
	return rasterizer.Page{Index: index, Image: img}
}

type fakeRasterizer struct {
	pages []rasterizer.Page
	err   error
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, pdfBytes []byte) ([]rasterizer.Page, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

type passthroughPreprocessor struct{}

func (passthroughPreprocessor) Enhance(ctx context.Context, img image.Image, maxDimension int) (image.Image, error) {
	return img, nil
}

type fakeExtractor struct {
	errPages map[int]bool
}

func (f *fakeExtractor) Extract(ctx context.Context, pageIndex int, pngBytes []byte, s schema.Schema) (vision.ExtractionResult, error) {
	if f.errPages[pageIndex] {
		return vision.ExtractionResult{}, errors.New("vision extraction failed")
	}
	return vision.ExtractionResult{
		Fields:     docvalue.FieldSet{"title": docvalue.NewText("doc")},
		Confidence: docvalue.ConfidenceSet{"title": 0.9},
	}, nil
}

type fakeOCR struct {
	err error
}

func (f *fakeOCR) Recognize(ctx context.Context, img image.Image) (ocr.Result, error) {
	if f.err != nil {
		return ocr.Result{}, f.err
	}
	return ocr.Result{Text: "ocr recovered text", Confidence: 0.4}, nil
}

type fakeDetector struct {
	result schema.DetectionResult
	err    error
}

func (f *fakeDetector) DetectSchema(ctx context.Context, samplePNG []byte, hint string, candidates []schema.Schema) (schema.DetectionResult, error) {
	if f.err != nil {
		return schema.DetectionResult{}, f.err
	}
	return f.result, nil
}

type fakeQueue struct {
	acked  bool
	nacked bool
}

func (f *fakeQueue) Enqueue(ctx context.Context, documentID int64, options map[string]string) error {
	return nil
}
func (f *fakeQueue) Claim(ctx context.Context, visibilityTimeout time.Duration) (*jobqueue.Job, string, error) {
	return nil, "", jobqueue.ErrEmpty
}
func (f *fakeQueue) Ack(ctx context.Context, documentID int64, leaseToken string) error {
	f.acked = true
	return nil
}
func (f *fakeQueue) Nack(ctx context.Context, documentID int64, leaseToken string) error {
	f.nacked = true
	return nil
}
func (f *fakeQueue) ExtendLease(ctx context.Context, documentID int64, leaseToken string, extension time.Duration) error {
	return nil
}
func (f *fakeQueue) RecoverExpired(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeQueue) Close() error                                    { return nil }

// failingBlobStore wraps a real Store but forces Get to fail with a
// caller-supplied error, so the Load stage's transient-failure path can
// be exercised without a live infrastructure outage.
type failingBlobStore struct {
	blobstore.Store
	getErr error
}

func (f *failingBlobStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	return nil, f.getErr
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "json", Output: io.Discard, ServiceName: "test"})
}

type testFixture struct {
	engine *Engine
	store  *metadatastore.SQLStore
	blobs  *blobstore.LocalStore
	queue  *fakeQueue
}

func newTestFixture(t *testing.T, raster rasterizer.Rasterizer, extractor Extractor, ocrFallback ocr.Fallback) *testFixture {
	t.Helper()

	store, err := metadatastore.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	queue := &fakeQueue{}
	registry := schema.NewRegistry(&fakeDetector{result: schema.DetectionResult{SchemaName: schema.GenericSchemaName}})
	logger := testLogger()
	bus := progressbus.NewBus(nil, logger)

	engine := NewEngine(
		store,
		blobs,
		queue,
		raster,
		passthroughPreprocessor{},
		extractor,
		ocrFallback,
		registry,
		bus,
		logger,
		config.ProcessingConfig{
			MaxPages:           0,
			HeartbeatInterval:  time.Minute,
			PerPageCallTimeout: 0,
			MaxImageDimension:  2000,
		},
		"test-model",
	)

	return &testFixture{engine: engine, store: store, blobs: blobs, queue: queue}
}

func (f *testFixture) insertDocument(t *testing.T) *metadatastore.Document {
	t.Helper()
	ctx := context.Background()

	hash, ref, size, err := f.blobs.Put(ctx, bytes.NewReader([]byte("fake-pdf-bytes")))
	require.NoError(t, err)

	doc := &metadatastore.Document{
		ContentHash:      hash,
		OriginalFilename: "test.pdf",
		StoredFilename:   ref,
		ByteLength:       size,
		BlobRef:          ref,
	}
	require.NoError(t, f.store.Insert(ctx, doc))
	return doc
}

func TestProcessCompletesDocumentEndToEnd(t *testing.T) {
	raster := &fakeRasterizer{pages: []rasterizer.Page{testPage(0), testPage(1)}}
	fixture := newTestFixture(t, raster, &fakeExtractor{}, &fakeOCR{})
	doc := fixture.insertDocument(t)

	job := jobqueue.Job{DocumentID: doc.ID, AttemptNumber: 1}
	outcome := fixture.engine.Process(context.Background(), job, "lease-1", time.Minute, "worker-1")

	require.Equal(t, ResultCompleted, outcome.Result)
	assert.True(t, fixture.queue.acked)

	got, err := fixture.store.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, metadatastore.StatusCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, "doc", got.ExtractedFields["title"].Text)
}

func TestProcessReturnsAbortedWhenAlreadyClaimed(t *testing.T) {
	raster := &fakeRasterizer{pages: []rasterizer.Page{testPage(0)}}
	fixture := newTestFixture(t, raster, &fakeExtractor{}, &fakeOCR{})
	doc := fixture.insertDocument(t)

	_, err := fixture.store.BeginAttempt(context.Background(), doc.ID, "other-worker")
	require.NoError(t, err)

	job := jobqueue.Job{DocumentID: doc.ID, AttemptNumber: 1}
	outcome := fixture.engine.Process(context.Background(), job, "lease-1", time.Minute, "worker-1")

	assert.Equal(t, ResultAborted, outcome.Result)
}

func TestProcessFailsWhenPageCountExceedsMax(t *testing.T) {
	raster := &fakeRasterizer{pages: []rasterizer.Page{testPage(0), testPage(1), testPage(2)}}
	fixture := newTestFixture(t, raster, &fakeExtractor{}, &fakeOCR{})
	fixture.engine.Processing.MaxPages = 2
	doc := fixture.insertDocument(t)

	job := jobqueue.Job{DocumentID: doc.ID, AttemptNumber: 1}
	outcome := fixture.engine.Process(context.Background(), job, "lease-1", time.Minute, "worker-1")

	require.Equal(t, ResultFailed, outcome.Result)
	require.Error(t, outcome.Err)
	assert.True(t, apperror.Is(outcome.Err, apperror.KindDocumentTooLarge))

	got, err := fixture.store.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, metadatastore.StatusFailed, got.Status)
}

func TestProcessFailsWhenAllPagesFailExtraction(t *testing.T) {
	raster := &fakeRasterizer{pages: []rasterizer.Page{testPage(0), testPage(1)}}
	extractor := &fakeExtractor{errPages: map[int]bool{0: true, 1: true}}
	fixture := newTestFixture(t, raster, extractor, &fakeOCR{err: errors.New("ocr unavailable")})
	doc := fixture.insertDocument(t)

	job := jobqueue.Job{DocumentID: doc.ID, AttemptNumber: 1}
	outcome := fixture.engine.Process(context.Background(), job, "lease-1", time.Minute, "worker-1")

	require.Equal(t, ResultFailed, outcome.Result)
	assert.True(t, apperror.Is(outcome.Err, apperror.KindAllPagesFailedExtraction))

	got, err := fixture.store.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, metadatastore.StatusFailed, got.Status)
}

func TestProcessFallsBackToOcrOnVisionFailure(t *testing.T) {
	raster := &fakeRasterizer{pages: []rasterizer.Page{testPage(0), testPage(1)}}
	extractor := &fakeExtractor{errPages: map[int]bool{0: true}}
	fixture := newTestFixture(t, raster, extractor, &fakeOCR{})
	doc := fixture.insertDocument(t)

	job := jobqueue.Job{DocumentID: doc.ID, AttemptNumber: 1}
	outcome := fixture.engine.Process(context.Background(), job, "lease-1", time.Minute, "worker-1")

	require.Equal(t, ResultCompleted, outcome.Result)

	got, err := fixture.store.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, metadatastore.StatusCompleted, got.Status)
	assert.Equal(t, "ocr_fallback", got.Metadata.PageStatuses[0])
	assert.Equal(t, "vision", got.Metadata.PageStatuses[1])
	assert.Equal(t, "ocr recovered text", got.ExtractedFields["summary"].Text)
}

func TestProcessRetriesOnTransientStoreFailure(t *testing.T) {
	raster := &fakeRasterizer{pages: []rasterizer.Page{testPage(0)}}
	fixture := newTestFixture(t, raster, &fakeExtractor{}, &fakeOCR{})
	doc := fixture.insertDocument(t)

	// Force the Load stage's Blobs.Get call to fail with a transient
	// infrastructure error; Process should reset the document to Pending
	// for redelivery rather than failing it outright.
	fixture.engine.Blobs = &failingBlobStore{
		Store:  fixture.blobs,
		getErr: apperror.StoreUnavailable("read blob", errors.New("connection refused")),
	}

	job := jobqueue.Job{DocumentID: doc.ID, AttemptNumber: 1}
	outcome := fixture.engine.Process(context.Background(), job, "lease-1", time.Minute, "worker-1")

	require.Equal(t, ResultRetry, outcome.Result)

	got, err := fixture.store.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, metadatastore.StatusPending, got.Status)
}

func TestProcessAbortsWhenTombstonedMidFlight(t *testing.T) {
	raster := &fakeRasterizer{pages: []rasterizer.Page{testPage(0)}}
	fixture := newTestFixture(t, raster, &fakeExtractor{}, &fakeOCR{})
	doc := fixture.insertDocument(t)

	require.NoError(t, fixture.store.Tombstone(context.Background(), doc.ID))

	job := jobqueue.Job{DocumentID: doc.ID, AttemptNumber: 1}
	outcome := fixture.engine.Process(context.Background(), job, "lease-1", time.Minute, "worker-1")

	assert.Equal(t, ResultAborted, outcome.Result)
}

func TestMergeFieldsScalarPicksHighestConfidenceEarliestOnTie(t *testing.T) {
	pages := []PageResult{
		{Index: 0, Fields: docvalue.FieldSet{"name": docvalue.NewText("a")}, Confidence: docvalue.ConfidenceSet{"name": 0.8}, Method: "vision"},
		{Index: 1, Fields: docvalue.FieldSet{"name": docvalue.NewText("b")}, Confidence: docvalue.ConfidenceSet{"name": 0.8}, Method: "vision"},
		{Index: 2, Fields: docvalue.FieldSet{"name": docvalue.NewText("c")}, Confidence: docvalue.ConfidenceSet{"name": 0.95}, Method: "vision"},
	}
	fields, confidence := mergeFields(schema.Schema{Fields: map[string]schema.Field{}, RequiredFields: map[string]struct{}{}}, pages)

	assert.Equal(t, "c", fields["name"].Text)
	assert.Equal(t, 0.95, confidence["name"])
}

func TestMergeFieldsArrayConcatenatesInPageOrder(t *testing.T) {
	pages := []PageResult{
		{Index: 1, Fields: docvalue.FieldSet{"items": docvalue.NewArray(docvalue.NewText("c"), docvalue.NewText("d"))}, Confidence: docvalue.ConfidenceSet{"items": 0.7}},
		{Index: 0, Fields: docvalue.FieldSet{"items": docvalue.NewArray(docvalue.NewText("a"), docvalue.NewText("b"))}, Confidence: docvalue.ConfidenceSet{"items": 0.9}},
	}
	fields, _ := mergeFields(schema.Schema{Fields: map[string]schema.Field{}, RequiredFields: map[string]struct{}{}}, pages)

	merged := fields["items"].Array
	require.Len(t, merged, 4)
	assert.Equal(t, "a", merged[0].Text)
	assert.Equal(t, "b", merged[1].Text)
	assert.Equal(t, "c", merged[2].Text)
	assert.Equal(t, "d", merged[3].Text)
}

func TestMergeFieldsObjectMergesRecursivelyByKey(t *testing.T) {
	pages := []PageResult{
		{Index: 0, Fields: docvalue.FieldSet{"kv": docvalue.NewObject(map[string]docvalue.Value{
			"a": docvalue.NewText("first"),
		})}, Confidence: docvalue.ConfidenceSet{"kv": 0.5}},
		{Index: 1, Fields: docvalue.FieldSet{"kv": docvalue.NewObject(map[string]docvalue.Value{
			"b": docvalue.NewText("second"),
		})}, Confidence: docvalue.ConfidenceSet{"kv": 0.9}},
	}
	fields, _ := mergeFields(schema.Schema{Fields: map[string]schema.Field{}, RequiredFields: map[string]struct{}{}}, pages)

	obj := fields["kv"].Object
	assert.Equal(t, "first", obj["a"].Text)
	assert.Equal(t, "second", obj["b"].Text)
}

func TestMergeFieldsFillsMissingRequiredFieldsWithNA(t *testing.T) {
	s := schema.Schema{
		Fields:         map[string]schema.Field{"invoice_number": {Type: schema.FieldText}},
		RequiredFields: map[string]struct{}{"invoice_number": {}},
	}
	fields, confidence := mergeFields(s, nil)

	assert.Equal(t, "N/A", fields["invoice_number"].Text)
	assert.Equal(t, 0.0, confidence["invoice_number"])
}

func TestOcrFieldNamePrefersSummaryField(t *testing.T) {
	withSummary := schema.Schema{Fields: map[string]schema.Field{"summary": {Type: schema.FieldText}}}
	assert.Equal(t, "summary", ocrFieldName(withSummary))

	withoutSummary := schema.Schema{Fields: map[string]schema.Field{"title": {Type: schema.FieldText}}}
	assert.Equal(t, "ocr_text", ocrFieldName(withoutSummary))
}

func TestStageProgressInterpolatesWithinStage(t *testing.T) {
	assert.Equal(t, 0.25, stageProgress(2, 0, 0))
	assert.Equal(t, 0.28, stageProgress(2, 1, 4))
	assert.Equal(t, 0.38, stageProgress(2, 4, 4))
}

func TestRoundProgressRoundsToTwoDecimals(t *testing.T) {
	assert.Equal(t, 0.33, roundProgress(0.3333333))
	assert.Equal(t, 0.67, roundProgress(0.6666666))
}
