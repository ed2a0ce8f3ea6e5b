package metadatastore

import (
	"context"
	"errors"

	"github.com/docuvision/docuvision/internal/docvalue"
)

// Common errors, mirroring the teacher's storage.ErrNotFound/ErrConflict
// shape (Spherical/libs/knowledge-engine/internal/storage/repositories.go).
var (
	ErrNotFound = errors.New("document not found")
	ErrConflict = errors.New("document in conflicting state")
)

// Store is the MetadataStore contract (SPEC_FULL.md §2, component 2).
// All reads and writes of mutable Document state pass through it; no
// caller may cache mutable state in memory (SPEC_FULL.md §5).
type Store interface {
	// Insert creates a new Document in Pending with AttemptNumber 0.
	Insert(ctx context.Context, doc *Document) error

	// GetByID fetches a Document by id, or ErrNotFound.
	GetByID(ctx context.Context, id int64) (*Document, error)

	// GetByContentHash fetches a Document by its content hash, or
	// ErrNotFound (backs the upload-dedup invariant in SPEC_FULL.md §3).
	GetByContentHash(ctx context.Context, hash string) (*Document, error)

	// List returns a page of Documents ordered by created_at desc, id desc.
	List(ctx context.Context, opts ListOptions) (*Page, error)

	// Delete removes a Document row entirely (tombstone semantics are
	// layered on top by Tombstone for in-flight cancellation).
	Delete(ctx context.Context, id int64) error

	// BeginAttempt performs the conditional Pending->Processing update
	// guarded by (status=Pending AND current_worker IS NULL), incrementing
	// AttemptNumber and resetting progress to 0. Returns ErrConflict if
	// another worker already claimed it.
	BeginAttempt(ctx context.Context, id int64, workerID string) (*Document, error)

	// UpdateProgress writes progress and page_statuses for the given
	// (id, attempt_number), refusing the write if attempt_number is stale
	// (SPEC_FULL.md §5: conditional writes keyed on (id, attempt_number)).
	UpdateProgress(ctx context.Context, id int64, attemptNumber int, progress float64, pageStatuses map[int]string) error

	// UpdatePageCount records the page count discovered during
	// rasterization.
	UpdatePageCount(ctx context.Context, id int64, attemptNumber int, pageCount int) error

	// Heartbeat refreshes the staleness clock used by the janitor
	// (SPEC_FULL.md §4.2 resumption rule).
	Heartbeat(ctx context.Context, id int64, attemptNumber int) error

	// CompleteAttempt transitions Processing->Completed, persisting the
	// final extracted fields, confidence scores, and metadata.
	CompleteAttempt(ctx context.Context, id int64, attemptNumber int, fields docvalue.FieldSet, confidence docvalue.ConfidenceSet, meta ProcessingMetadata) error

	// FailAttempt transitions Processing->Failed with the given message.
	FailAttempt(ctx context.Context, id int64, attemptNumber int, meta ProcessingMetadata) error

	// ResetToPending is used by the StartProcessing retry path and by the
	// janitor's stale-heartbeat resumption; it clears current_worker and
	// error state without touching AttemptNumber (the next BeginAttempt
	// increments it).
	ResetToPending(ctx context.Context, id int64) error

	// StaleProcessing returns Documents stuck in Processing whose
	// heartbeat is older than olderThanSeconds (janitor sweep).
	StaleProcessing(ctx context.Context, olderThanSeconds int) ([]*Document, error)

	// Tombstone marks a Document as deleted-in-flight so the pipeline
	// engine aborts at the next stage boundary (SPEC_FULL.md §5).
	Tombstone(ctx context.Context, id int64) error

	// IsTombstoned reports whether Delete was called while the document
	// was Processing.
	IsTombstoned(ctx context.Context, id int64) (bool, error)

	// Close releases the underlying connection pool.
	Close() error
}
