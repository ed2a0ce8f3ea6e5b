// Package metadatastore is the transactional record of documents, their
// state, extracted data, and job bindings (SPEC_FULL.md §3). It is the
// single source of truth for mutable state; PipelineEngine and Controller
// never cache Document state in memory.
package metadatastore

import (
	"time"

	"github.com/docuvision/docuvision/internal/docvalue"
)

// Status is the closed Document state enum (SPEC_FULL.md §4.2).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ProcessingMetadata captures timings, the responsible worker, and the
// per-page extraction method used (vision vs ocr_fallback vs error).
type ProcessingMetadata struct {
	DurationMS      int64             `json:"duration_ms,omitempty"`
	Model           string            `json:"model,omitempty"`
	WorkerID        string            `json:"worker_id,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	PageStatuses    map[int]string    `json:"page_statuses,omitempty"`
	CategoryMeta    map[string]string `json:"category_metadata,omitempty"`
}

// Document is the central entity (SPEC_FULL.md §3).
type Document struct {
	ID               int64
	ContentHash      string
	OriginalFilename string
	StoredFilename   string
	ByteLength       int64
	PageCount        int
	Status           Status
	Progress         float64
	ExtractedFields  docvalue.FieldSet
	Confidence       docvalue.ConfidenceSet
	Metadata         ProcessingMetadata
	BlobRef          string

	// Concurrency-control fields (SPEC_FULL.md §3, §5).
	AttemptNumber int
	CurrentWorker *string
	HeartbeatAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusFilter narrows List() results to a single status, or "" for all.
type StatusFilter string

// ListOptions controls Controller.List pagination (SPEC_FULL.md §4.1).
type ListOptions struct {
	Skip   int
	Limit  int
	Status StatusFilter
}

// Page is a single page of List results.
type Page struct {
	Documents []*Document
	Total     int
}
