// Package progressbus is the single-process publish/subscribe surface
// PipelineEngine uses to report Document progress, and Controller's
// StreamStatus consumes (SPEC_FULL.md §4.8). Subscribers see events
// published after they subscribe plus one replayed current snapshot;
// there is no durability across process restarts.
package progressbus

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/docuvision/docuvision/internal/docvalue"
	"github.com/docuvision/docuvision/internal/metadatastore"
	"github.com/docuvision/docuvision/internal/observability"
)

// bufferSize bounds each subscriber's channel; Publish drops the oldest
// queued event rather than blocking the producer on a slow consumer
// (SPEC_FULL.md §5 suspension-point note).
const bufferSize = 32

const redisChannelPrefix = "docuvision:progress:"

// Snapshot is the status payload handed to subscribers and rendered by
// GetStatus/StreamStatus (spec.md §4.1, §6): `{document_id, status,
// progress, page_count, extracted_data, confidence_scores,
// error_message}`.
type Snapshot struct {
	DocumentID    int64                     `json:"document_id"`
	Status        metadatastore.Status      `json:"status"`
	Progress      float64                   `json:"progress"`
	PageCount     int                       `json:"page_count"`
	ExtractedData docvalue.FieldSet         `json:"extracted_data,omitempty"`
	Confidence    docvalue.ConfidenceSet    `json:"confidence_scores,omitempty"`
	ErrorMessage  string                    `json:"error_message,omitempty"`
}

// Terminal reports whether this snapshot ends a StreamStatus sequence.
func (s Snapshot) Terminal() bool {
	return s.Status == metadatastore.StatusCompleted || s.Status == metadatastore.StatusFailed
}

type subscriber struct {
	ch     chan Snapshot
	cancel context.CancelFunc
}

// Bus is the in-process fan-out. One Bus is shared by the whole
// process; WorkerPool publishes, Controller subscribes.
type Bus struct {
	mu          sync.Mutex
	current     map[int64]Snapshot
	subscribers map[int64][]*subscriber

	redis  *redis.Client
	logger *observability.Logger
}

// NewBus creates a Bus. redisClient is optional; when non-nil, every
// Publish is additionally mirrored onto a Redis pub/sub channel so a
// second API replica can also observe progress (SPEC_FULL.md §4.8
// [ADDED] — additive, not required for single-process correctness).
func NewBus(redisClient *redis.Client, logger *observability.Logger) *Bus {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Bus{
		current:     make(map[int64]Snapshot),
		subscribers: make(map[int64][]*subscriber),
		redis:       redisClient,
		logger:      logger,
	}
}

// Publish records snapshot as the current state for documentID and
// fans it out to every live subscriber, dropping the oldest queued
// event for any subscriber whose buffer is full.
func (b *Bus) Publish(ctx context.Context, documentID int64, snapshot Snapshot) {
	b.mu.Lock()
	b.current[documentID] = snapshot
	subs := append([]*subscriber(nil), b.subscribers[documentID]...)
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, snapshot)
	}

	if b.redis != nil {
		b.mirrorToRedis(ctx, documentID, snapshot)
	}
}

func (b *Bus) deliver(sub *subscriber, snapshot Snapshot) {
	select {
	case sub.ch <- snapshot:
		return
	default:
	}
	// Buffer full: drop the oldest queued event and retry once.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- snapshot:
	default:
	}
}

func (b *Bus) mirrorToRedis(ctx context.Context, documentID int64, snapshot Snapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		b.logger.Warn().Err(err).Int64("document_id", documentID).Msg("marshal snapshot for redis mirror failed")
		return
	}
	channel := redisChannelPrefix + strconv.FormatInt(documentID, 10)
	if err := b.redis.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.Warn().Err(err).Int64("document_id", documentID).Msg("redis progress mirror publish failed")
	}
}

// Subscribe returns a channel of snapshots for documentID. The channel
// is closed when ctx is cancelled. The current snapshot (if any) is
// replayed immediately as the first delivered event.
func (b *Bus) Subscribe(ctx context.Context, documentID int64) <-chan Snapshot {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{ch: make(chan Snapshot, bufferSize), cancel: cancel}

	b.mu.Lock()
	current, hasCurrent := b.current[documentID]
	b.subscribers[documentID] = append(b.subscribers[documentID], sub)
	b.mu.Unlock()

	if hasCurrent {
		sub.ch <- current
	}

	go func() {
		<-subCtx.Done()
		b.unsubscribe(documentID, sub)
	}()

	return sub.ch
}

func (b *Bus) unsubscribe(documentID int64, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[documentID]
	for i, s := range subs {
		if s == sub {
			b.subscribers[documentID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[documentID]) == 0 {
		delete(b.subscribers, documentID)
	}
	close(sub.ch)
}

// Current returns the last published snapshot for documentID, if any.
func (b *Bus) Current(documentID int64) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.current[documentID]
	return s, ok
}

// Forget drops the retained current snapshot for documentID (called
// after a terminal event once no subscribers remain, to bound memory).
func (b *Bus) Forget(documentID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subscribers[documentID]) == 0 {
		delete(b.current, documentID)
	}
}
