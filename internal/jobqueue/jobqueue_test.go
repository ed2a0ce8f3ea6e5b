package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueue(client), mr
}

func TestEnqueueClaimAck(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, 42, nil))

	job, lease, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(42), job.DocumentID)
	assert.Equal(t, 1, job.AttemptNumber)
	assert.NotEmpty(t, lease)

	_, _, err = q.Claim(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, q.Ack(ctx, 42, lease))

	_, _, err = q.Claim(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestClaimFIFOOrder(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, 1, nil))
	require.NoError(t, q.Enqueue(ctx, 2, nil))

	job1, _, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), job1.DocumentID)

	job2, _, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), job2.DocumentID)
}

func TestNackMakesJobVisibleAgain(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, 7, nil))
	job, lease, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, job.DocumentID, lease))

	job2, lease2, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(7), job2.DocumentID)
	assert.Equal(t, 2, job2.AttemptNumber)
	assert.NotEqual(t, lease, lease2)
}

func TestAckWithStaleLeaseFails(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, 9, nil))
	_, _, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)

	err = q.Ack(ctx, 9, "not-the-real-lease")
	assert.ErrorIs(t, err, ErrLeaseExpired)
}

func TestRecoverExpiredRequeuesLapsedLeases(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, 3, nil))
	_, _, err := q.Claim(ctx, time.Millisecond)
	require.NoError(t, err)

	// Lease deadlines are scored with the local clock, not Redis time.
	time.Sleep(5 * time.Millisecond)

	n, err := q.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, _, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), job.DocumentID)
}

func TestExtendLease(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, 5, nil))
	job, lease, err := q.Claim(ctx, 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, q.ExtendLease(ctx, job.DocumentID, lease, time.Minute))

	time.Sleep(20 * time.Millisecond)
	n, err := q.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
