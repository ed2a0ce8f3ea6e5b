package workerpool

import (
	"context"
	"runtime"
	"time"

	"github.com/docuvision/docuvision/internal/observability"
)

// HealthSnapshot is one point-in-time health check result.
type HealthSnapshot struct {
	CheckedAt      time.Time
	AllocBytes     uint64
	NumGoroutine   int
	DocumentsReset int
	JobsRecovered  int
}

// HealthMonitor is the supplemented self-healing loop from the source's
// worker.py WorkerHealthMonitor: a ticker-driven goroutine that checks
// memory and job-processing liveness and triggers the Janitor's
// Document/lease resumption sweep when it runs. Grounded in the
// teacher's monitoring.DriftRunner.ScheduleDriftCheck ticker shape and
// its structured before/after logging in RunCheck.
type HealthMonitor struct {
	Janitor  *Janitor
	Logger   *observability.Logger
	Interval time.Duration
}

// NewHealthMonitor constructs a HealthMonitor, defaulting Interval to
// one minute when unset.
func NewHealthMonitor(janitor *Janitor, logger *observability.Logger, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HealthMonitor{Janitor: janitor, Logger: logger, Interval: interval}
}

// Run blocks, checking health at Interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check performs one health check: reads memory stats, runs the
// Janitor's resumption sweep (this is the "stalled claim" detection the
// source's WorkerHealthMonitor performed via queue connectivity/liveness
// checks), and logs a structured snapshot.
func (m *HealthMonitor) Check(ctx context.Context) HealthSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	documentsReset, jobsRecovered := m.Janitor.Sweep(ctx)

	snapshot := HealthSnapshot{
		CheckedAt:      time.Now(),
		AllocBytes:     mem.Alloc,
		NumGoroutine:   runtime.NumGoroutine(),
		DocumentsReset: documentsReset,
		JobsRecovered:  jobsRecovered,
	}

	m.Logger.Info().
		Int("num_goroutine", snapshot.NumGoroutine).
		Int("documents_reset", documentsReset).
		Int("jobs_recovered", jobsRecovered).
		Msg("worker health snapshot")

	return snapshot
}
