package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docuvision/docuvision/internal/jobqueue"
	"github.com/docuvision/docuvision/internal/observability"
	"github.com/docuvision/docuvision/internal/pipeline"
)

// Processor is the narrow PipelineEngine seam Pool depends on, satisfied
// by *pipeline.Engine. Kept local so tests can substitute a stub
// without constructing every PipelineEngine collaborator.
type Processor interface {
	Process(ctx context.Context, job jobqueue.Job, leaseToken string, visibilityTimeout time.Duration, workerID string) pipeline.Outcome
	FailDocument(ctx context.Context, docID int64, attempt int, cause error)
}

// Pool is WorkerPool (SPEC_FULL.md §4.2, §4.3, §5): a bounded-concurrency
// claim loop that dequeues from JobQueue and invokes PipelineEngine,
// deciding whether to Ack, Nack, or force-fail a job from the
// pipeline.Result the engine returns (see pipeline.Result's doc
// comments for the full disposition table).
type Pool struct {
	Jobs              jobqueue.Queue
	Engine            Processor
	Logger            *observability.Logger
	Concurrency       int
	VisibilityTimeout time.Duration
	MaxAttempts       int
	ClaimPollInterval time.Duration
	WorkerIDPrefix    string
}

// NewPool constructs a Pool from its collaborators, applying sane
// defaults for zero-valued tuning fields.
func NewPool(
	jobs jobqueue.Queue,
	engine Processor,
	logger *observability.Logger,
	concurrency int,
	visibilityTimeout time.Duration,
	maxAttempts int,
	claimPollInterval time.Duration,
	workerIDPrefix string,
) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if claimPollInterval <= 0 {
		claimPollInterval = time.Second
	}
	if workerIDPrefix == "" {
		workerIDPrefix = "worker"
	}
	return &Pool{
		Jobs:              jobs,
		Engine:            engine,
		Logger:            logger,
		Concurrency:       concurrency,
		VisibilityTimeout: visibilityTimeout,
		MaxAttempts:       maxAttempts,
		ClaimPollInterval: claimPollInterval,
		WorkerIDPrefix:    workerIDPrefix,
	}
}

// Run blocks, claiming and processing jobs until ctx is cancelled. Up to
// Concurrency jobs run at once; Run waits for in-flight work to finish
// before returning, so a caller can rely on a clean shutdown.
func (p *Pool) Run(ctx context.Context) {
	sem := make(chan struct{}, p.Concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(p.ClaimPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			select {
			case sem <- struct{}{}:
			default:
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				p.claimAndProcess(ctx)
			}()
		}
	}
}

// claimAndProcess claims at most one job and drives it through Engine.
func (p *Pool) claimAndProcess(ctx context.Context) {
	job, lease, err := p.Jobs.Claim(ctx, p.VisibilityTimeout)
	if err != nil {
		if !errors.Is(err, jobqueue.ErrEmpty) {
			p.Logger.Warn().Err(err).Msg("claim failed")
		}
		return
	}

	workerID := fmt.Sprintf("%s-%s", p.WorkerIDPrefix, uuid.New().String())
	logger := p.Logger.WithWorker(workerID).WithDocument(job.DocumentID)

	outcome := p.Engine.Process(ctx, *job, lease, p.VisibilityTimeout, workerID)
	p.dispose(ctx, *job, lease, outcome, logger)
}

// dispose maps an Outcome onto the Ack/Nack/force-fail action the queue
// needs, per pipeline.Result's documented contract: Completed is
// already Acked by Process; Aborted and Failed just need an Ack to
// clear the job; Retry either Nacks for redelivery or, once
// MaxAttempts is exhausted, force-fails the document via
// Engine.FailDocument and Acks.
func (p *Pool) dispose(ctx context.Context, job jobqueue.Job, lease string, outcome pipeline.Outcome, logger *observability.Logger) {
	switch outcome.Result {
	case pipeline.ResultCompleted:
		return

	case pipeline.ResultAborted, pipeline.ResultFailed:
		if err := p.Jobs.Ack(ctx, job.DocumentID, lease); err != nil {
			logger.Warn().Err(err).Msg("ack job failed")
		}

	case pipeline.ResultRetry:
		if p.MaxAttempts > 0 && job.AttemptNumber >= p.MaxAttempts {
			logger.Warn().Int("attempt", job.AttemptNumber).Msg("max attempts exhausted, failing document")
			p.Engine.FailDocument(ctx, job.DocumentID, job.AttemptNumber, outcome.Err)
			if err := p.Jobs.Ack(ctx, job.DocumentID, lease); err != nil {
				logger.Warn().Err(err).Msg("ack job failed")
			}
			return
		}
		if err := p.Jobs.Nack(ctx, job.DocumentID, lease); err != nil {
			logger.Warn().Err(err).Msg("nack job failed")
		}
	}
}
