package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvision/docuvision/internal/jobqueue"
	"github.com/docuvision/docuvision/internal/pipeline"
)

type fakeProcessor struct {
	mu           sync.Mutex
	outcome      pipeline.Outcome
	failed       []int64
	processCalls int
}

func (f *fakeProcessor) Process(ctx context.Context, job jobqueue.Job, leaseToken string, visibilityTimeout time.Duration, workerID string) pipeline.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processCalls++
	return f.outcome
}

func (f *fakeProcessor) FailDocument(ctx context.Context, docID int64, attempt int, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, docID)
}

type fakePoolQueue struct {
	mu      sync.Mutex
	job     *jobqueue.Job
	claimed bool
	acked   []int64
	nacked  []int64
}

func (q *fakePoolQueue) Enqueue(ctx context.Context, documentID int64, options map[string]string) error {
	return nil
}

func (q *fakePoolQueue) Claim(ctx context.Context, visibilityTimeout time.Duration) (*jobqueue.Job, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimed || q.job == nil {
		return nil, "", jobqueue.ErrEmpty
	}
	q.claimed = true
	job := *q.job
	return &job, "lease-1", nil
}

func (q *fakePoolQueue) Ack(ctx context.Context, documentID int64, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, documentID)
	return nil
}

func (q *fakePoolQueue) Nack(ctx context.Context, documentID int64, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, documentID)
	return nil
}

func (q *fakePoolQueue) ExtendLease(ctx context.Context, documentID int64, leaseToken string, extension time.Duration) error {
	return nil
}

func (q *fakePoolQueue) RecoverExpired(ctx context.Context) (int, error) { return 0, nil }
func (q *fakePoolQueue) Close() error                                    { return nil }

func TestPoolDisposeAcksOnCompleted(t *testing.T) {
	queue := &fakePoolQueue{}
	processor := &fakeProcessor{}
	pool := NewPool(queue, processor, testJanitorLogger(), 1, time.Minute, 3, time.Millisecond, "w")

	pool.dispose(context.Background(), jobqueue.Job{DocumentID: 1}, "lease-1", pipeline.Outcome{Result: pipeline.ResultCompleted}, testJanitorLogger())

	assert.Empty(t, queue.acked, "Process already acks the completed path; Pool must not double-ack")
}

func TestPoolDisposeAcksOnAbortedAndFailed(t *testing.T) {
	queue := &fakePoolQueue{}
	processor := &fakeProcessor{}
	pool := NewPool(queue, processor, testJanitorLogger(), 1, time.Minute, 3, time.Millisecond, "w")

	pool.dispose(context.Background(), jobqueue.Job{DocumentID: 1}, "lease-1", pipeline.Outcome{Result: pipeline.ResultAborted}, testJanitorLogger())
	pool.dispose(context.Background(), jobqueue.Job{DocumentID: 2}, "lease-2", pipeline.Outcome{Result: pipeline.ResultFailed, Err: errors.New("boom")}, testJanitorLogger())

	assert.ElementsMatch(t, []int64{1, 2}, queue.acked)
}

func TestPoolDisposeNacksRetryUnderMaxAttempts(t *testing.T) {
	queue := &fakePoolQueue{}
	processor := &fakeProcessor{}
	pool := NewPool(queue, processor, testJanitorLogger(), 1, time.Minute, 3, time.Millisecond, "w")

	job := jobqueue.Job{DocumentID: 1, AttemptNumber: 2}
	pool.dispose(context.Background(), job, "lease-1", pipeline.Outcome{Result: pipeline.ResultRetry, Err: errors.New("transient")}, testJanitorLogger())

	assert.Equal(t, []int64{1}, queue.nacked)
	assert.Empty(t, queue.acked)
	assert.Empty(t, processor.failed)
}

func TestPoolDisposeForceFailsRetryOnceMaxAttemptsExhausted(t *testing.T) {
	queue := &fakePoolQueue{}
	processor := &fakeProcessor{}
	pool := NewPool(queue, processor, testJanitorLogger(), 1, time.Minute, 3, time.Millisecond, "w")

	job := jobqueue.Job{DocumentID: 1, AttemptNumber: 3}
	pool.dispose(context.Background(), job, "lease-1", pipeline.Outcome{Result: pipeline.ResultRetry, Err: errors.New("transient")}, testJanitorLogger())

	assert.Equal(t, []int64{1}, processor.failed)
	assert.Equal(t, []int64{1}, queue.acked)
	assert.Empty(t, queue.nacked)
}

func TestPoolRunClaimsAndProcessesThenStopsOnCancel(t *testing.T) {
	queue := &fakePoolQueue{job: &jobqueue.Job{DocumentID: 42, AttemptNumber: 1}}
	processor := &fakeProcessor{outcome: pipeline.Outcome{Result: pipeline.ResultCompleted}}
	pool := NewPool(queue, processor, testJanitorLogger(), 2, time.Minute, 3, 5*time.Millisecond, "w")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		processor.mu.Lock()
		defer processor.mu.Unlock()
		return processor.processCalls >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}

func TestNewPoolAppliesDefaults(t *testing.T) {
	pool := NewPool(&fakePoolQueue{}, &fakeProcessor{}, testJanitorLogger(), 0, time.Minute, 3, 0, "")

	assert.Equal(t, 1, pool.Concurrency)
	assert.Equal(t, time.Second, pool.ClaimPollInterval)
	assert.Equal(t, "worker", pool.WorkerIDPrefix)
}
