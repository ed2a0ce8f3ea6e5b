// Package jobqueue provides the durable work queue binding Documents to
// worker attempts, with at-least-once delivery via visibility timeouts
// and lease tokens (SPEC_FULL.md §4.3).
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Claim when no job is currently visible.
var ErrEmpty = errors.New("jobqueue: no job available")

// ErrLeaseExpired is returned by Ack/Nack/ExtendLease when the lease
// token no longer matches the current holder (another worker already
// reclaimed the job after its visibility timeout elapsed).
var ErrLeaseExpired = errors.New("jobqueue: lease expired or not held")

// Job describes a unit of work: process one attempt of one document.
type Job struct {
	DocumentID    int64             `json:"document_id"`
	AttemptNumber int               `json:"attempt_number"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	Options       map[string]string `json:"options,omitempty"`
}

// Queue is the durable job queue contract (SPEC_FULL.md §4.3).
type Queue interface {
	// Enqueue places a new job for documentID, visible immediately.
	Enqueue(ctx context.Context, documentID int64, options map[string]string) error

	// Claim atomically pops the oldest visible job and makes it invisible
	// for visibilityTimeout, returning a lease token the caller must
	// present to Ack, Nack, or ExtendLease. Returns ErrEmpty if no job
	// is currently visible.
	Claim(ctx context.Context, visibilityTimeout time.Duration) (*Job, string, error)

	// Ack permanently removes a successfully processed job.
	Ack(ctx context.Context, documentID int64, leaseToken string) error

	// Nack makes the job visible again immediately, for retry by any
	// worker (used when a worker detects a transient failure and wants
	// to release the job before the visibility timeout would naturally
	// expire it).
	Nack(ctx context.Context, documentID int64, leaseToken string) error

	// ExtendLease pushes back the visibility deadline, used by a worker
	// that is still actively processing a long job (mirrors the
	// Document heartbeat but governs queue redelivery, not Document
	// staleness).
	ExtendLease(ctx context.Context, documentID int64, leaseToken string, extension time.Duration) error

	// RecoverExpired scans for jobs whose visibility timeout has elapsed
	// without an Ack and makes them visible again, incrementing nothing
	// (the job's attempt counter is incremented by Claim, the Document's
	// by metadatastore's BeginAttempt). This
	// is the queue-level complement to the Document-level janitor sweep.
	RecoverExpired(ctx context.Context) (int, error)

	Close() error
}

const (
	pendingKey    = "docuvision:jobqueue:pending"
	processingKey = "docuvision:jobqueue:processing"
	jobKeyPrefix  = "docuvision:jobqueue:job:"
)

// RedisQueue implements Queue atop Redis sorted sets: pendingKey is
// scored by enqueue time (FIFO pop via ZPOPMIN), processingKey is scored
// by visibility deadline so RecoverExpired can find jobs whose lease
// lapsed. Grounded on the teacher's internal/cache/redis_client.go
// (go-redis/v9 client construction, context-scoped calls, prefix-scoped
// keys) generalized from a cache client to a work queue.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a RedisQueue from an existing client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func jobKey(documentID int64) string {
	return fmt.Sprintf("%s%d", jobKeyPrefix, documentID)
}

type storedJob struct {
	Job        Job    `json:"job"`
	LeaseToken string `json:"lease_token"`
}

func (q *RedisQueue) Enqueue(ctx context.Context, documentID int64, options map[string]string) error {
	job := Job{
		DocumentID: documentID,
		EnqueuedAt: time.Now().UTC(),
		Options:    options,
	}
	payload, err := json.Marshal(storedJob{Job: job})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(documentID), payload, 0)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(job.EnqueuedAt.UnixNano()), Member: documentID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// claimScript atomically pops the oldest pending member, records it in
// the processing set with a visibility deadline, and returns the
// document id. Using a script avoids a race between a ZPOPMIN and a
// concurrent claimant observing the same member.
var claimScript = redis.NewScript(`
local member = redis.call('ZPOPMIN', KEYS[1])
if #member == 0 then
	return nil
end
local documentID = member[1]
redis.call('ZADD', KEYS[2], ARGV[1], documentID)
return documentID
`)

func (q *RedisQueue) Claim(ctx context.Context, visibilityTimeout time.Duration) (*Job, string, error) {
	deadline := time.Now().Add(visibilityTimeout).UnixNano()
	res, err := claimScript.Run(ctx, q.client, []string{pendingKey, processingKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrEmpty
	}
	if err != nil {
		return nil, "", fmt.Errorf("claim job: %w", err)
	}
	if res == nil {
		return nil, "", ErrEmpty
	}

	docIDStr, ok := res.(string)
	if !ok {
		return nil, "", fmt.Errorf("claim job: unexpected script result %T", res)
	}
	var documentID int64
	if _, err := fmt.Sscanf(docIDStr, "%d", &documentID); err != nil {
		return nil, "", fmt.Errorf("parse claimed document id: %w", err)
	}

	raw, err := q.client.Get(ctx, jobKey(documentID)).Bytes()
	if err != nil {
		return nil, "", fmt.Errorf("load claimed job: %w", err)
	}
	var sj storedJob
	if err := json.Unmarshal(raw, &sj); err != nil {
		return nil, "", fmt.Errorf("decode claimed job: %w", err)
	}

	leaseToken := uuid.New().String()
	sj.LeaseToken = leaseToken
	sj.Job.AttemptNumber++
	payload, err := json.Marshal(sj)
	if err != nil {
		return nil, "", fmt.Errorf("marshal claimed job: %w", err)
	}
	if err := q.client.Set(ctx, jobKey(documentID), payload, 0).Err(); err != nil {
		return nil, "", fmt.Errorf("store lease: %w", err)
	}

	job := sj.Job
	return &job, leaseToken, nil
}

func (q *RedisQueue) loadAndCheckLease(ctx context.Context, documentID int64, leaseToken string) (*storedJob, error) {
	raw, err := q.client.Get(ctx, jobKey(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrLeaseExpired
	}
	if err != nil {
		return nil, err
	}
	var sj storedJob
	if err := json.Unmarshal(raw, &sj); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if sj.LeaseToken != leaseToken {
		return nil, ErrLeaseExpired
	}
	return &sj, nil
}

func (q *RedisQueue) Ack(ctx context.Context, documentID int64, leaseToken string) error {
	if _, err := q.loadAndCheckLease(ctx, documentID, leaseToken); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, processingKey, documentID)
	pipe.Del(ctx, jobKey(documentID))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Nack(ctx context.Context, documentID int64, leaseToken string) error {
	sj, err := q.loadAndCheckLease(ctx, documentID, leaseToken)
	if err != nil {
		return err
	}
	sj.LeaseToken = ""
	payload, err := json.Marshal(sj)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, processingKey, documentID)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(time.Now().UnixNano()), Member: documentID})
	pipe.Set(ctx, jobKey(documentID), payload, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) ExtendLease(ctx context.Context, documentID int64, leaseToken string, extension time.Duration) error {
	if _, err := q.loadAndCheckLease(ctx, documentID, leaseToken); err != nil {
		return err
	}
	newDeadline := float64(time.Now().Add(extension).UnixNano())
	return q.client.ZAdd(ctx, processingKey, redis.Z{Score: newDeadline, Member: documentID}).Err()
}

func (q *RedisQueue) RecoverExpired(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixNano())
	expired, err := q.client.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}

	recovered := 0
	for _, member := range expired {
		raw, err := q.client.Get(ctx, jobKeyPrefix+member).Bytes()
		if errors.Is(err, redis.Nil) {
			// Job was acked concurrently; drop the stale processing entry.
			q.client.ZRem(ctx, processingKey, member)
			continue
		}
		if err != nil {
			return recovered, err
		}
		var sj storedJob
		if err := json.Unmarshal(raw, &sj); err != nil {
			return recovered, err
		}
		sj.LeaseToken = ""
		payload, err := json.Marshal(sj)
		if err != nil {
			return recovered, err
		}

		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, processingKey, member)
		pipe.ZAdd(ctx, pendingKey, redis.Z{Score: now, Member: member})
		pipe.Set(ctx, jobKeyPrefix+member, payload, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
