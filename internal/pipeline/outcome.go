package pipeline

import "github.com/docuvision/docuvision/internal/apperror"

// stageStatus tags the result of a single pipeline stage (SPEC_FULL.md
// §4.4 [ADDED]): Ok continues to the next stage, Retryable means a
// transient infrastructure failure the job should be redelivered for,
// PageError means a single page failed but the document continues, and
// Terminal means the document transitions to Failed.
type stageStatus string

const (
	statusOK        stageStatus = "ok"
	statusRetryable stageStatus = "retryable"
	statusPageError stageStatus = "page_error"
	statusTerminal  stageStatus = "terminal"
)

// stageOutcome is the tagged classification of a stage failure, produced
// centrally by classify from the error's apperror.Kind per SPEC_FULL.md
// §7/§9.
type stageOutcome struct {
	status stageStatus
	kind   apperror.Kind
	err    error
}

func ok() stageOutcome { return stageOutcome{status: statusOK} }

func classify(err error) stageOutcome {
	if err == nil {
		return ok()
	}
	var ae *apperror.Error
	kind := apperror.KindInternal
	if apperror.As(err, &ae) {
		kind = ae.Kind
	}
	switch {
	case apperror.Retryable(kind):
		return stageOutcome{status: statusRetryable, kind: kind, err: err}
	default:
		return stageOutcome{status: statusTerminal, kind: kind, err: err}
	}
}

func (o stageOutcome) isOK() bool { return o.status == statusOK }

// Result is the disposition Process returns to its caller (WorkerPool),
// which decides whether to Ack, Nack, or leave the queue job alone.
type Result string

const (
	// ResultCompleted: the document finished Completed and the job was Acked.
	ResultCompleted Result = "completed"
	// ResultFailed: the document transitioned to Failed; the caller should
	// Ack the job (no further attempts are useful).
	ResultFailed Result = "failed"
	// ResultRetry: a transient infrastructure error occurred; the document
	// was reset to Pending and the caller should Nack the job for redelivery,
	// subject to the queue's MaxAttempts.
	ResultRetry Result = "retry"
	// ResultAborted: another worker already held the document, or it was
	// tombstoned mid-flight; the caller should Ack the job and move on
	// without further writes.
	ResultAborted Result = "aborted"
)

// Outcome is returned by Engine.Process.
type Outcome struct {
	Result Result
	Err    error
}
