// Package apperror defines the error taxonomy shared by the Controller,
// PipelineEngine, and WorkerPool, per the error handling design in
// SPEC_FULL.md §7. A single Kind tag drives the classifier in
// internal/pipeline and the HTTP status mapping in cmd/api/handlers.
package apperror

import "fmt"

// Kind classifies an error into one of the surface classes from §7.
type Kind string

const (
	// Input errors: no retry, returned directly to the caller.
	KindInvalidFile   Kind = "invalid_file"
	KindUploadTooLarge Kind = "upload_too_large"
	KindUnknownSchema Kind = "unknown_schema"
	KindInvalidState  Kind = "invalid_state"
	KindNotFound      Kind = "not_found"

	// Transient infrastructure errors: retried within a job, counted
	// against MaxAttempts.
	KindVisionUnavailable  Kind = "vision_unavailable"
	KindVisionRateLimited  Kind = "vision_rate_limited"
	KindStoreUnavailable   Kind = "store_unavailable"

	// Document-level terminal errors: the document transitions to Failed.
	KindDocumentTooLarge          Kind = "document_too_large"
	KindUnreadable                Kind = "unreadable"
	KindAllPagesFailedExtraction  Kind = "all_pages_failed_extraction"
	KindTimeout                   Kind = "timeout"
	KindCancelled                 Kind = "cancelled"

	// Generic internal error. Not Retryable: the pipeline classifier
	// treats it, like any unclassified error, as terminal.
	KindInternal Kind = "internal"
)

// Error is a classified, chain-aware error carried through the pipeline.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified Error.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func InvalidFile(msg string, err error) *Error   { return New(KindInvalidFile, msg, err) }
func UploadTooLarge(msg string) *Error           { return New(KindUploadTooLarge, msg, nil) }
func UnknownSchema(name string) *Error {
	return New(KindUnknownSchema, fmt.Sprintf("unknown schema %q", name), nil)
}
func InvalidState(msg string) *Error       { return New(KindInvalidState, msg, nil) }
func NotFound(msg string) *Error           { return New(KindNotFound, msg, nil) }
func VisionUnavailable(err error) *Error   { return New(KindVisionUnavailable, "vision extractor unavailable", err) }
func VisionRateLimited(err error) *Error   { return New(KindVisionRateLimited, "vision extractor rate limited", err) }
func StoreUnavailable(msg string, err error) *Error { return New(KindStoreUnavailable, msg, err) }
func DocumentTooLarge(pages, max int) *Error {
	return New(KindDocumentTooLarge, fmt.Sprintf("document has %d pages, exceeds limit of %d", pages, max), nil)
}
func Unreadable(err error) *Error               { return New(KindUnreadable, "document could not be rasterized", err) }
func AllPagesFailedExtraction() *Error          { return New(KindAllPagesFailedExtraction, "AllPagesFailedExtraction", nil) }
func Timeout(msg string) *Error                 { return New(KindTimeout, msg, nil) }
func Cancelled() *Error                         { return New(KindCancelled, "Cancelled", nil) }
func Internal(msg string, err error) *Error     { return New(KindInternal, msg, err) }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if ok := As(err, &ae); ok {
		return ae.Kind == kind
	}
	return false
}

// As is a narrow helper mirroring errors.As for *Error without requiring
// callers to import the standard errors package for this one check.
func As(err error, target **Error) bool {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retryable reports whether the error's Kind is a transient infrastructure
// error eligible for JobQueue-level retry.
func Retryable(kind Kind) bool {
	switch kind {
	case KindVisionUnavailable, KindVisionRateLimited, KindStoreUnavailable:
		return true
	default:
		return false
	}
}

// Terminal reports whether the error's Kind ends the document in Failed.
func Terminal(kind Kind) bool {
	switch kind {
	case KindDocumentTooLarge, KindUnreadable, KindAllPagesFailedExtraction,
		KindTimeout, KindCancelled:
		return true
	default:
		return false
	}
}
