// Package workerpool implements WorkerPool: the long-running process
// that claims JobQueue work and drives it through PipelineEngine, plus
// the Janitor and HealthMonitor sweeps that keep stuck Documents and
// queue leases from stalling a worker fleet forever (SPEC_FULL.md §4.2,
// §5).
package workerpool

import (
	"context"
	"time"
)

// Limiter is a token-bucket rate limiter bounding how often
// VisionExtractor may be called across all of a worker process's
// concurrent jobs (SPEC_FULL.md §5, VisionConfig.RateLimitPerMin).
// Grounded in the teacher's small retry/backoff-module shape
// (internal/llm/retry.go's plain struct + constructor, no external
// dependency) rather than golang.org/x/time/rate: neither the teacher
// nor any other pack repo imports a rate-limiting library.
type Limiter struct {
	tokens chan struct{}
	stop   chan struct{}
}

// NewLimiter creates a Limiter that admits at most ratePerMinute calls
// per minute, refilling one token at a steady interval rather than all
// at once so admitted calls spread evenly across the minute.
func NewLimiter(ratePerMinute int) *Limiter {
	if ratePerMinute <= 0 {
		ratePerMinute = 1
	}
	l := &Limiter{
		tokens: make(chan struct{}, ratePerMinute),
		stop:   make(chan struct{}),
	}
	for i := 0; i < ratePerMinute; i++ {
		l.tokens <- struct{}{}
	}
	interval := time.Minute / time.Duration(ratePerMinute)
	go l.refill(interval)
	return l
}

func (l *Limiter) refill(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			select {
			case l.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	select {
	case <-l.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the refill goroutine. Callers that construct a Limiter
// for the lifetime of a worker process do not need to call this.
func (l *Limiter) Close() {
	close(l.stop)
}
