package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/docuvision/docuvision/internal/metadatastore"
)

func TestHealthMonitorCheckRunsJanitorSweepAndReportsCounts(t *testing.T) {
	scanner := &fakeStaleScanner{stale: []*metadatastore.Document{{ID: 1}}}
	recoverer := &fakeLeaseRecoverer{recovered: 2}
	janitor := NewJanitor(scanner, recoverer, testJanitorLogger(), time.Minute, time.Hour)
	monitor := NewHealthMonitor(janitor, testJanitorLogger(), time.Minute)

	snapshot := monitor.Check(context.Background())

	assert.Equal(t, 1, snapshot.DocumentsReset)
	assert.Equal(t, 2, snapshot.JobsRecovered)
	assert.Greater(t, snapshot.NumGoroutine, 0)
	assert.False(t, snapshot.CheckedAt.IsZero())
}

func TestNewHealthMonitorDefaultsIntervalToOneMinute(t *testing.T) {
	janitor := NewJanitor(&fakeStaleScanner{}, &fakeLeaseRecoverer{}, testJanitorLogger(), time.Minute, time.Hour)
	monitor := NewHealthMonitor(janitor, testJanitorLogger(), 0)

	assert.Equal(t, time.Minute, monitor.Interval)
}

func TestHealthMonitorRunStopsOnContextCancellation(t *testing.T) {
	janitor := NewJanitor(&fakeStaleScanner{}, &fakeLeaseRecoverer{}, testJanitorLogger(), time.Minute, time.Hour)
	monitor := NewHealthMonitor(janitor, testJanitorLogger(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}
