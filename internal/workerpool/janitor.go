package workerpool

import (
	"context"
	"time"

	"github.com/docuvision/docuvision/internal/metadatastore"
	"github.com/docuvision/docuvision/internal/observability"
)

// StaleScanner is the narrow MetadataStore seam Janitor depends on,
// satisfied by metadatastore.Store. Kept local so tests can substitute
// a stub without constructing a real store.
type StaleScanner interface {
	StaleProcessing(ctx context.Context, olderThanSeconds int) ([]*metadatastore.Document, error)
	ResetToPending(ctx context.Context, id int64) error
}

// LeaseRecoverer is the narrow JobQueue seam Janitor depends on for its
// queue-level lease sweep, satisfied by jobqueue.Queue.
type LeaseRecoverer interface {
	RecoverExpired(ctx context.Context) (int, error)
}

// Janitor implements the resumption rule from SPEC_FULL.md §4.2: on a
// tick, any Document stuck in Processing whose heartbeat is stale by
// more than HeartbeatTimeout is reset to Pending, and any JobQueue lease
// whose visibility timeout has independently lapsed is recovered.
// Grounded on the teacher's monitoring.DriftRunner.ScheduleDriftCheck
// ticker loop (internal/monitoring/drift_runner.go), generalized from a
// single RunCheck call to the two-part Document/Job sweep this domain
// needs.
type Janitor struct {
	Store            StaleScanner
	Jobs             LeaseRecoverer
	Logger           *observability.Logger
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// NewJanitor constructs a Janitor, defaulting SweepInterval to a
// quarter of HeartbeatTimeout (bounded below at one second) when unset,
// so a stale Document is caught well before it accumulates too much
// drift past the timeout.
func NewJanitor(store StaleScanner, jobs LeaseRecoverer, logger *observability.Logger, heartbeatTimeout, sweepInterval time.Duration) *Janitor {
	if sweepInterval <= 0 {
		sweepInterval = heartbeatTimeout / 4
		if sweepInterval < time.Second {
			sweepInterval = time.Second
		}
	}
	return &Janitor{
		Store:            store,
		Jobs:             jobs,
		Logger:           logger,
		HeartbeatTimeout: heartbeatTimeout,
		SweepInterval:    sweepInterval,
	}
}

// Run blocks, sweeping at SweepInterval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one resumption pass, returning the number of Documents
// reset to Pending and the number of queue leases recovered.
func (j *Janitor) Sweep(ctx context.Context) (documentsReset, jobsRecovered int) {
	stale, err := j.Store.StaleProcessing(ctx, int(j.HeartbeatTimeout.Seconds()))
	if err != nil {
		j.Logger.Warn().Err(err).Msg("stale processing scan failed")
	} else {
		for _, doc := range stale {
			if err := j.Store.ResetToPending(ctx, doc.ID); err != nil {
				j.Logger.Warn().Err(err).Int64("document_id", doc.ID).Msg("reset to pending failed")
				continue
			}
			documentsReset++
		}
	}

	recovered, err := j.Jobs.RecoverExpired(ctx)
	if err != nil {
		j.Logger.Warn().Err(err).Msg("queue lease recovery failed")
	} else {
		jobsRecovered = recovered
	}

	if documentsReset > 0 || jobsRecovered > 0 {
		j.Logger.Info().
			Int("documents_reset", documentsReset).
			Int("jobs_recovered", jobsRecovered).
			Msg("janitor sweep")
	}
	return documentsReset, jobsRecovered
}
