package controller

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvision/docuvision/internal/apperror"
	"github.com/docuvision/docuvision/internal/blobstore"
	"github.com/docuvision/docuvision/internal/config"
	"github.com/docuvision/docuvision/internal/jobqueue"
	"github.com/docuvision/docuvision/internal/metadatastore"
	"github.com/docuvision/docuvision/internal/observability"
	"github.com/docuvision/docuvision/internal/progressbus"
	"github.com/docuvision/docuvision/internal/schema"
)

type fakeDetector struct{}

func (fakeDetector) DetectSchema(ctx context.Context, samplePNG []byte, hint string, candidates []schema.Schema) (schema.DetectionResult, error) {
	return schema.DetectionResult{SchemaName: schema.GenericSchemaName, Confidence: 1}, nil
}

type fakeWorkbook struct {
	singleCalls   int
	batchCalls    int
	templateCalls int
	lastBatch     int
	lastTemplate  int
}

func (f *fakeWorkbook) WriteSingle(doc *metadatastore.Document) ([]byte, error) {
	f.singleCalls++
	return []byte("single"), nil
}

func (f *fakeWorkbook) WriteBatch(docs []*metadatastore.Document) ([]byte, error) {
	f.batchCalls++
	f.lastBatch = len(docs)
	return []byte("batch"), nil
}

func (f *fakeWorkbook) WriteTemplate(docs []*metadatastore.Document) ([]byte, error) {
	f.templateCalls++
	f.lastTemplate = len(docs)
	return []byte("template"), nil
}

type fakeQueue struct {
	mu    sync.Mutex
	jobs  []jobqueue.Job
}

func (q *fakeQueue) Enqueue(ctx context.Context, documentID int64, options map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, jobqueue.Job{DocumentID: documentID, Options: options})
	return nil
}

func (q *fakeQueue) Claim(ctx context.Context, visibilityTimeout time.Duration) (*jobqueue.Job, string, error) {
	return nil, "", jobqueue.ErrEmpty
}
func (q *fakeQueue) Ack(ctx context.Context, documentID int64, leaseToken string) error  { return nil }
func (q *fakeQueue) Nack(ctx context.Context, documentID int64, leaseToken string) error { return nil }
func (q *fakeQueue) ExtendLease(ctx context.Context, documentID int64, leaseToken string, extension time.Duration) error {
	return nil
}
func (q *fakeQueue) RecoverExpired(ctx context.Context) (int, error) { return 0, nil }
func (q *fakeQueue) Close() error                                    { return nil }

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type fixture struct {
	ctrl  *Controller
	store *metadatastore.SQLStore
	jobs  *fakeQueue
	wb    *fakeWorkbook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := metadatastore.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	jobs := &fakeQueue{}
	wb := &fakeWorkbook{}
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "json", Output: io.Discard, ServiceName: "test"})
	registry := schema.NewRegistry(fakeDetector{})
	bus := progressbus.NewBus(nil, logger)

	cfg := config.DefaultConfig()
	cfg.Upload.MaxUploadBytes = 1024

	ctrl := New(store, blobs, jobs, registry, wb, bus, logger, cfg)
	return &fixture{ctrl: ctrl, store: store, jobs: jobs, wb: wb}
}

func samplePDF() []byte {
	return []byte("%PDF-1.4\n%fake pdf body for tests\n%%EOF")
}

func TestUploadRejectsNonPDF(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Upload(context.Background(), []byte("not a pdf"), "doc.pdf")
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindInvalidFile))
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	f := newFixture(t)
	big := make([]byte, 2048)
	copy(big, "%PDF-1.4\n")
	_, err := f.ctrl.Upload(context.Background(), big, "doc.pdf")
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindUploadTooLarge))
}

func TestUploadDeduplicatesByContentHash(t *testing.T) {
	f := newFixture(t)
	data := samplePDF()

	first, err := f.ctrl.Upload(context.Background(), data, "a.pdf")
	require.NoError(t, err)

	second, err := f.ctrl.Upload(context.Background(), data, "b.pdf")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestStartProcessingEnqueuesAndTransitionsPending(t *testing.T) {
	f := newFixture(t)
	doc, err := f.ctrl.Upload(context.Background(), samplePDF(), "a.pdf")
	require.NoError(t, err)

	err = f.ctrl.StartProcessing(context.Background(), doc.ID, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.jobs.count())

	snap, err := f.ctrl.GetStatus(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, metadatastore.StatusPending, snap.Status)
}

func TestStartProcessingIsIdempotentWhilePending(t *testing.T) {
	f := newFixture(t)
	doc, err := f.ctrl.Upload(context.Background(), samplePDF(), "a.pdf")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.StartProcessing(context.Background(), doc.ID, ProcessOptions{}))
	require.NoError(t, f.ctrl.StartProcessing(context.Background(), doc.ID, ProcessOptions{}))

	assert.Equal(t, 1, f.jobs.count())
}

func TestStartProcessingNoOpWhileProcessing(t *testing.T) {
	f := newFixture(t)
	doc, err := f.ctrl.Upload(context.Background(), samplePDF(), "a.pdf")
	require.NoError(t, err)
	_, err = f.store.BeginAttempt(context.Background(), doc.ID, "worker-1")
	require.NoError(t, err)

	err = f.ctrl.StartProcessing(context.Background(), doc.ID, ProcessOptions{})
	require.NoError(t, err)

	got, err := f.store.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, metadatastore.StatusProcessing, got.Status)
}

func TestStartProcessingNotFound(t *testing.T) {
	f := newFixture(t)
	err := f.ctrl.StartProcessing(context.Background(), 9999, ProcessOptions{})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
}

func TestListOrdersAndClampsLimit(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Upload(context.Background(), samplePDF(), "a.pdf")
	require.NoError(t, err)

	page, err := f.ctrl.List(context.Background(), 0, 1000, "")
	require.NoError(t, err)
	assert.Len(t, page.Documents, 1)

	page, err = f.ctrl.List(context.Background(), 0, 0, "")
	require.NoError(t, err)
	assert.Len(t, page.Documents, 1)
}

func TestDeleteRemovesDocumentAndBlob(t *testing.T) {
	f := newFixture(t)
	doc, err := f.ctrl.Upload(context.Background(), samplePDF(), "a.pdf")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Delete(context.Background(), doc.ID))

	_, err = f.ctrl.GetStatus(context.Background(), doc.ID)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
}

func TestDownloadSingleRequiresCompleted(t *testing.T) {
	f := newFixture(t)
	doc, err := f.ctrl.Upload(context.Background(), samplePDF(), "a.pdf")
	require.NoError(t, err)

	_, err = f.ctrl.DownloadSingle(context.Background(), doc.ID)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindInvalidState))
}

func TestDownloadSingleSucceedsWhenCompleted(t *testing.T) {
	f := newFixture(t)
	doc, err := f.ctrl.Upload(context.Background(), samplePDF(), "a.pdf")
	require.NoError(t, err)
	attempt, err := f.store.BeginAttempt(context.Background(), doc.ID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteAttempt(context.Background(), doc.ID, attempt.AttemptNumber, nil, nil, metadatastore.ProcessingMetadata{}))

	out, err := f.ctrl.DownloadSingle(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("single"), out)
	assert.Equal(t, 1, f.wb.singleCalls)
}

func TestDownloadBatchIncludesEveryRequestedDocument(t *testing.T) {
	f := newFixture(t)
	docA, err := f.ctrl.Upload(context.Background(), samplePDF(), "a.pdf")
	require.NoError(t, err)
	docB, err := f.ctrl.Upload(context.Background(), append(samplePDF(), 'x'), "b.pdf")
	require.NoError(t, err)

	out, err := f.ctrl.DownloadBatch(context.Background(), []int64{docA.ID, docB.ID})
	require.NoError(t, err)
	assert.Equal(t, []byte("batch"), out)
	assert.Equal(t, 2, f.wb.lastBatch)
}

func TestDownloadTemplateFiltersToCompletedOnly(t *testing.T) {
	f := newFixture(t)
	docA, err := f.ctrl.Upload(context.Background(), samplePDF(), "a.pdf")
	require.NoError(t, err)
	docB, err := f.ctrl.Upload(context.Background(), append(samplePDF(), 'x'), "b.pdf")
	require.NoError(t, err)

	attempt, err := f.store.BeginAttempt(context.Background(), docA.ID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteAttempt(context.Background(), docA.ID, attempt.AttemptNumber, nil, nil, metadatastore.ProcessingMetadata{}))

	_, err = f.ctrl.DownloadTemplate(context.Background(), []int64{docA.ID, docB.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, f.wb.lastTemplate)
}

func TestSchemaPassthroughs(t *testing.T) {
	f := newFixture(t)
	assert.NotEmpty(t, f.ctrl.ListSchemas())

	s, err := f.ctrl.GetSchema(schema.GenericSchemaName)
	require.NoError(t, err)
	assert.Equal(t, schema.GenericSchemaName, s.Name)

	_, err = f.ctrl.GetSchema("does-not-exist")
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindUnknownSchema))

	result, err := f.ctrl.DetectSchema(context.Background(), []byte("png"), "")
	require.NoError(t, err)
	assert.Equal(t, schema.GenericSchemaName, result.SchemaName)
}

func TestStreamStatusReplaysCurrentSnapshotThenCloses(t *testing.T) {
	f := newFixture(t)
	doc, err := f.ctrl.Upload(context.Background(), samplePDF(), "a.pdf")
	require.NoError(t, err)
	attempt, err := f.store.BeginAttempt(context.Background(), doc.ID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteAttempt(context.Background(), doc.ID, attempt.AttemptNumber, nil, nil, metadatastore.ProcessingMetadata{}))

	ch, err := f.ctrl.StreamStatus(context.Background(), doc.ID)
	require.NoError(t, err)

	snap, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, metadatastore.StatusCompleted, snap.Status)

	_, ok = <-ch
	assert.False(t, ok, "stream must close after a terminal snapshot")
}
