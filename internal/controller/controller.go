// Package controller implements the request-driven facade in front of
// MetadataStore, BlobStore, JobQueue, SchemaRegistry, WorkbookWriter, and
// ProgressBus (SPEC_FULL.md §4.1). It performs no VisionExtractor calls
// and never spawns a bare goroutine off a request context; StartProcessing
// only enqueues a durable job (SPEC_FULL.md §9's anti-pattern note).
//
// Grounded on the teacher's handlers.IngestionHandler, generalized from a
// single async-ingest call into the full document lifecycle facade.
package controller

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/docuvision/docuvision/internal/apperror"
	"github.com/docuvision/docuvision/internal/blobstore"
	"github.com/docuvision/docuvision/internal/capability/workbook"
	"github.com/docuvision/docuvision/internal/config"
	"github.com/docuvision/docuvision/internal/jobqueue"
	"github.com/docuvision/docuvision/internal/metadatastore"
	"github.com/docuvision/docuvision/internal/observability"
	"github.com/docuvision/docuvision/internal/progressbus"
	"github.com/docuvision/docuvision/internal/schema"
)

const pdfMagic = "%PDF-"

// StatusSnapshot is the controller's view of a Document's current state
// (SPEC_FULL.md §4.1 GetStatus / §6's snapshot JSON shape).
type StatusSnapshot struct {
	DocumentID      int64                         `json:"document_id"`
	Status          metadatastore.Status          `json:"status"`
	Progress        float64                       `json:"progress"`
	PageCount       int                           `json:"page_count"`
	ExtractedFields interface{}                   `json:"extracted_data,omitempty"`
	Confidence      interface{}                   `json:"confidence_scores,omitempty"`
	ErrorMessage    string                        `json:"error_message,omitempty"`
}

// ProcessOptions carries StartProcessing's optional schema override.
type ProcessOptions struct {
	Schema string
}

// Controller is the facade described in SPEC_FULL.md §4.1. Every field is
// an explicitly-constructed collaborator; there are no package-level
// mutable globals (SPEC_FULL.md §9).
type Controller struct {
	Store    metadatastore.Store
	Blobs    blobstore.Store
	Jobs     jobqueue.Queue
	Schemas  *schema.Registry
	Workbook workbook.Writer
	Progress *progressbus.Bus
	Logger   *observability.Logger
	Config   *config.Config
}

// New constructs a Controller from its collaborators.
func New(store metadatastore.Store, blobs blobstore.Store, jobs jobqueue.Queue, schemas *schema.Registry, wb workbook.Writer, progress *progressbus.Bus, logger *observability.Logger, cfg *config.Config) *Controller {
	return &Controller{
		Store:    store,
		Blobs:    blobs,
		Jobs:     jobs,
		Schemas:  schemas,
		Workbook: wb,
		Progress: progress,
		Logger:   logger,
		Config:   cfg,
	}
}

// Upload stores a new PDF and returns its Document, deduplicating on
// content hash (SPEC_FULL.md §4.1, §8's duplicate-upload invariant).
func (c *Controller) Upload(ctx context.Context, data []byte, originalName string) (*metadatastore.Document, error) {
	max := c.Config.Upload.MaxUploadBytes
	if int64(len(data)) > max {
		return nil, apperror.UploadTooLarge("upload exceeds maximum allowed size")
	}
	if !looksLikePDF(data) {
		return nil, apperror.InvalidFile("file is not a PDF", nil)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if existing, err := c.Store.GetByContentHash(ctx, hash); err == nil {
		return existing, nil
	} else if err != metadatastore.ErrNotFound {
		return nil, apperror.Internal("look up content hash", err)
	}

	_, ref, size, err := c.Blobs.Put(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, apperror.StoreUnavailable("store uploaded blob", err)
	}

	doc := &metadatastore.Document{
		ContentHash:      hash,
		OriginalFilename: originalName,
		StoredFilename:   ref,
		ByteLength:       size,
		Status:           metadatastore.StatusPending,
		BlobRef:          ref,
	}
	if err := c.Store.Insert(ctx, doc); err != nil {
		return nil, apperror.Internal("insert document", err)
	}

	c.Logger.Info().Int64("document_id", doc.ID).Str("content_hash", hash).Msg("document uploaded")
	return doc, nil
}

// StartProcessing transitions a Document to Pending and enqueues a Job in
// the same logical step, satisfying the outbox-free ordering guarantee in
// SPEC_FULL.md §5 (a worker never observes Pending without a queued Job).
func (c *Controller) StartProcessing(ctx context.Context, documentID int64, opts ProcessOptions) error {
	doc, err := c.Store.GetByID(ctx, documentID)
	if err == metadatastore.ErrNotFound {
		return apperror.NotFound("document not found")
	} else if err != nil {
		return apperror.Internal("look up document", err)
	}

	switch doc.Status {
	case metadatastore.StatusPending, metadatastore.StatusProcessing:
		// Idempotent no-op: a Job for this document is already queued or
		// already being worked (SPEC_FULL.md §8's re-issue invariant).
		return nil
	case metadatastore.StatusCompleted, metadatastore.StatusFailed:
		if err := c.Store.ResetToPending(ctx, documentID); err != nil {
			return apperror.Internal("reset document to pending", err)
		}
	}

	options := map[string]string{}
	if opts.Schema != "" {
		options["schema"] = opts.Schema
	}
	if err := c.Jobs.Enqueue(ctx, documentID, options); err != nil {
		return apperror.Internal("enqueue job", err)
	}

	c.Logger.Info().Int64("document_id", documentID).Msg("processing started")
	return nil
}

// GetStatus returns the current snapshot for a Document.
func (c *Controller) GetStatus(ctx context.Context, documentID int64) (*StatusSnapshot, error) {
	doc, err := c.Store.GetByID(ctx, documentID)
	if err == metadatastore.ErrNotFound {
		return nil, apperror.NotFound("document not found")
	} else if err != nil {
		return nil, apperror.Internal("look up document", err)
	}
	return snapshotFromDocument(doc), nil
}

// StreamStatus returns a channel of snapshots: an initial replay, then one
// per progress change, then a final terminal event, then close
// (SPEC_FULL.md §4.1). The caller cancelling ctx disconnects the stream.
func (c *Controller) StreamStatus(ctx context.Context, documentID int64) (<-chan StatusSnapshot, error) {
	doc, err := c.Store.GetByID(ctx, documentID)
	if err == metadatastore.ErrNotFound {
		return nil, apperror.NotFound("document not found")
	} else if err != nil {
		return nil, apperror.Internal("look up document", err)
	}

	out := make(chan StatusSnapshot, 1)
	out <- *snapshotFromDocument(doc)
	if doc.Status == metadatastore.StatusCompleted || doc.Status == metadatastore.StatusFailed {
		close(out)
		return out, nil
	}

	sub := c.Progress.Subscribe(ctx, documentID)
	go func() {
		defer close(out)
		for snap := range sub {
			out <- StatusSnapshot{
				DocumentID:      snap.DocumentID,
				Status:          snap.Status,
				Progress:        snap.Progress,
				PageCount:       snap.PageCount,
				ExtractedFields: snap.ExtractedData,
				Confidence:      snap.Confidence,
				ErrorMessage:    snap.ErrorMessage,
			}
			if snap.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

// List returns a page of Documents (SPEC_FULL.md §4.1).
func (c *Controller) List(ctx context.Context, skip, limit int, statusFilter metadatastore.StatusFilter) (*metadatastore.Page, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}
	page, err := c.Store.List(ctx, metadatastore.ListOptions{Skip: skip, Limit: limit, Status: statusFilter})
	if err != nil {
		return nil, apperror.Internal("list documents", err)
	}
	return page, nil
}

// Delete removes a Document and its blob, tombstoning it first so an
// in-flight worker aborts at the next stage boundary (SPEC_FULL.md §5).
func (c *Controller) Delete(ctx context.Context, documentID int64) error {
	doc, err := c.Store.GetByID(ctx, documentID)
	if err == metadatastore.ErrNotFound {
		return apperror.NotFound("document not found")
	} else if err != nil {
		return apperror.Internal("look up document", err)
	}

	if doc.Status == metadatastore.StatusProcessing {
		if err := c.Store.Tombstone(ctx, documentID); err != nil {
			return apperror.Internal("tombstone document", err)
		}
	}

	if doc.BlobRef != "" {
		if err := c.Blobs.Delete(ctx, doc.BlobRef); err != nil {
			c.Logger.Warn().Int64("document_id", documentID).Err(err).Msg("blob delete failed during document delete")
		}
	}

	if err := c.Store.Delete(ctx, documentID); err != nil {
		return apperror.Internal("delete document", err)
	}
	c.Progress.Forget(documentID)
	return nil
}

// DownloadSingle synthesizes a workbook for one Completed Document
// (SPEC_FULL.md §4.1, §4.6).
func (c *Controller) DownloadSingle(ctx context.Context, documentID int64) ([]byte, error) {
	doc, err := c.requireCompleted(ctx, documentID)
	if err != nil {
		return nil, err
	}
	out, err := c.Workbook.WriteSingle(doc)
	if err != nil {
		return nil, apperror.Internal("write single workbook", err)
	}
	return out, nil
}

// DownloadBatch synthesizes a multi-sheet workbook, one sheet per
// Document plus a combined provenance sheet (SPEC_FULL.md §4.1, §4.6).
func (c *Controller) DownloadBatch(ctx context.Context, documentIDs []int64) ([]byte, error) {
	docs, err := c.loadAll(ctx, documentIDs)
	if err != nil {
		return nil, err
	}
	out, err := c.Workbook.WriteBatch(docs)
	if err != nil {
		return nil, apperror.Internal("write batch workbook", err)
	}
	return out, nil
}

// DownloadTemplate aggregates all Completed Documents in the input into
// a single wide sheet (SPEC_FULL.md §4.1, §4.5).
func (c *Controller) DownloadTemplate(ctx context.Context, documentIDs []int64) ([]byte, error) {
	docs, err := c.loadAll(ctx, documentIDs)
	if err != nil {
		return nil, err
	}
	completed := make([]*metadatastore.Document, 0, len(docs))
	for _, d := range docs {
		if d.Status == metadatastore.StatusCompleted {
			completed = append(completed, d)
		}
	}
	out, err := c.Workbook.WriteTemplate(completed)
	if err != nil {
		return nil, apperror.Internal("write template workbook", err)
	}
	return out, nil
}

// ListSchemas passes through to SchemaRegistry.List.
func (c *Controller) ListSchemas() []schema.Schema {
	return c.Schemas.List()
}

// GetSchema passes through to SchemaRegistry.Get.
func (c *Controller) GetSchema(name string) (schema.Schema, error) {
	s, err := c.Schemas.Get(name)
	if err != nil {
		return schema.Schema{}, apperror.UnknownSchema(name)
	}
	return s, nil
}

// DetectSchema passes through to SchemaRegistry.Detect.
func (c *Controller) DetectSchema(ctx context.Context, samplePNG []byte, hint string) (schema.DetectionResult, error) {
	result, err := c.Schemas.Detect(ctx, samplePNG, hint)
	if err != nil {
		return schema.DetectionResult{}, apperror.Internal("detect schema", err)
	}
	return result, nil
}

func (c *Controller) requireCompleted(ctx context.Context, documentID int64) (*metadatastore.Document, error) {
	doc, err := c.Store.GetByID(ctx, documentID)
	if err == metadatastore.ErrNotFound {
		return nil, apperror.NotFound("document not found")
	} else if err != nil {
		return nil, apperror.Internal("look up document", err)
	}
	if doc.Status != metadatastore.StatusCompleted {
		return nil, apperror.InvalidState("document is not completed")
	}
	return doc, nil
}

func (c *Controller) loadAll(ctx context.Context, documentIDs []int64) ([]*metadatastore.Document, error) {
	docs := make([]*metadatastore.Document, 0, len(documentIDs))
	for _, id := range documentIDs {
		doc, err := c.Store.GetByID(ctx, id)
		if err == metadatastore.ErrNotFound {
			return nil, apperror.NotFound("document not found")
		} else if err != nil {
			return nil, apperror.Internal("look up document", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func snapshotFromDocument(doc *metadatastore.Document) *StatusSnapshot {
	return &StatusSnapshot{
		DocumentID:      doc.ID,
		Status:          doc.Status,
		Progress:        doc.Progress,
		PageCount:       doc.PageCount,
		ExtractedFields: doc.ExtractedFields,
		Confidence:      doc.Confidence,
		ErrorMessage:    doc.Metadata.ErrorMessage,
	}
}

func looksLikePDF(data []byte) bool {
	if len(data) < len(pdfMagic) {
		return false
	}
	return string(data[:len(pdfMagic)]) == pdfMagic
}
