package progressbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvision/docuvision/internal/metadatastore"
)

func TestSubscribeReplaysCurrentSnapshot(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx := context.Background()

	bus.Publish(ctx, 1, Snapshot{DocumentID: 1, Status: metadatastore.StatusProcessing, Progress: 0.5})

	ch := bus.Subscribe(ctx, 1)
	select {
	case snap := <-ch:
		assert.Equal(t, 0.5, snap.Progress)
	case <-time.After(time.Second):
		t.Fatal("expected replayed snapshot")
	}
}

func TestPublishFansOutToMultipleSubscribers(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx := context.Background()

	ch1 := bus.Subscribe(ctx, 1)
	ch2 := bus.Subscribe(ctx, 1)

	bus.Publish(ctx, 1, Snapshot{DocumentID: 1, Status: metadatastore.StatusProcessing, Progress: 0.25})

	for _, ch := range []<-chan Snapshot{ch1, ch2} {
		select {
		case snap := <-ch:
			assert.Equal(t, 0.25, snap.Progress)
		case <-time.After(time.Second):
			t.Fatal("expected snapshot on both subscribers")
		}
	}
}

func TestSubscribeCancellationClosesChannel(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch := bus.Subscribe(ctx, 1)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected channel to close after cancellation")
	}
}

func TestPublishDropsOldestOnFullBuffer(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx := context.Background()

	ch := bus.Subscribe(ctx, 1)

	for i := 0; i < bufferSize+10; i++ {
		bus.Publish(ctx, 1, Snapshot{DocumentID: 1, Progress: float64(i)})
	}

	var last Snapshot
	for {
		select {
		case snap := <-ch:
			last = snap
		default:
			goto done
		}
	}
done:
	assert.Equal(t, float64(bufferSize+9), last.Progress)
}

func TestCurrentReturnsLastPublished(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx := context.Background()

	_, ok := bus.Current(1)
	assert.False(t, ok)

	bus.Publish(ctx, 1, Snapshot{DocumentID: 1, Status: metadatastore.StatusCompleted, Progress: 1})
	snap, ok := bus.Current(1)
	require.True(t, ok)
	assert.True(t, snap.Terminal())
}

func TestForgetClearsCurrentWhenNoSubscribers(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx := context.Background()

	bus.Publish(ctx, 1, Snapshot{DocumentID: 1, Status: metadatastore.StatusCompleted})
	bus.Forget(1)

	_, ok := bus.Current(1)
	assert.False(t, ok)
}
