package queue

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/windmill-labs/windmill-core/internal/common"
	"github.com/windmill-labs/windmill-core/internal/store"
)

// Reaper periodically requeues jobs whose worker stopped pinging, the
// durable-crash-recovery half of spec §4.3 ("a job claimed by a worker
// that stops heartbeating is requeued after grace").
type Reaper struct {
	store        store.JobStore
	logger       arbor.ILogger
	scanInterval time.Duration
	grace        time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewReaper builds a Reaper over store, scanning every scanInterval for
// entries whose last_ping is older than grace.
func NewReaper(s store.JobStore, logger arbor.ILogger, scanInterval, grace time.Duration) *Reaper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{store: s, logger: logger, scanInterval: scanInterval, grace: grace, ctx: ctx, cancel: cancel}
}

// Start launches the reaper's scan loop.
func (r *Reaper) Start() {
	common.SafeGoWithContext(r.ctx, r.logger, "reaper", r.loop)
}

// Stop halts the scan loop.
func (r *Reaper) Stop() {
	r.cancel()
}

func (r *Reaper) loop() {
	ticker := time.NewTicker(r.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.scan()
		}
	}
}

func (r *Reaper) scan() {
	stale, err := r.store.StaleRunning(r.ctx, r.grace, time.Now())
	if err != nil {
		r.logger.Warn().Err(err).Msg("reaper scan failed")
		return
	}
	for _, e := range stale {
		if err := r.store.Requeue(r.ctx, e.JobID, time.Now()); err != nil {
			r.logger.Warn().Err(err).Str("job_id", e.JobID).Msg("failed to requeue stale job")
			continue
		}
		r.logger.Info().Str("job_id", e.JobID).Msg("requeued stale job after missed heartbeat")
	}
}

// MarkAllRunningAsPending requeues every job claimed by worker, mirroring
// the teacher's graceful-shutdown MarkRunningJobsAsPending
// (internal/queue/worker.go Stop()).
func MarkAllRunningAsPending(ctx context.Context, s store.JobStore, worker string) (int, error) {
	entries, err := s.RunningJobsForWorker(ctx, worker)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if err := s.Requeue(ctx, e.JobID, time.Now()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
