// Package queue implements the durable job dispatcher and worker pool (spec
// §4.1, §4.2, §4.3), following the teacher's internal/queue/worker.go
// WorkerPool shape: a fixed-size goroutine pool, each worker on its own
// staggered ticker, polling the store instead of a single goqite queue so
// that tag/priority/concurrency-limit admission can be evaluated atomically
// at claim time.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/windmill-labs/windmill-core/internal/common"
	"github.com/windmill-labs/windmill-core/internal/models"
	"github.com/windmill-labs/windmill-core/internal/queue/rawqueue"
	"github.com/windmill-labs/windmill-core/internal/store"
)

// Handler executes a claimed job and reports its terminal result. The
// dispatcher calls it once per claim; flow-kind jobs are routed to it the
// same as script jobs, it is the caller's job to dispatch internally
// (spec §4.2 step 3 "If Kind is flow-like, hand off to the flow executor").
type Handler func(ctx context.Context, job *models.Job, entry *models.QueueEntry) (*models.CompletedJob, error)

// Dispatcher polls the store for dispatchable jobs matching its configured
// tags and hands each claim to Handler on its own worker goroutine.
type Dispatcher struct {
	store        store.JobStore
	notif        *rawqueue.Queue
	logger       arbor.ILogger
	tags         []string
	concurrency  int
	pollInterval time.Duration
	workerID     string

	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
}

// Config bundles the dispatcher's tuning knobs (spec §4.1, §4.2).
type Config struct {
	Tags         []string
	Concurrency  int
	PollInterval time.Duration
	WorkerID     string
}

// New builds a Dispatcher bound to store/notif, ready for Start.
func New(s store.JobStore, notif *rawqueue.Queue, logger arbor.ILogger, cfg Config, handler Handler) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:        s,
		notif:        notif,
		logger:       logger,
		tags:         cfg.Tags,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		workerID:     cfg.WorkerID,
		handler:      handler,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches Concurrency worker goroutines, staggered across the poll
// interval the way the teacher's WorkerPool.worker does.
func (d *Dispatcher) Start() {
	d.logger.Info().
		Int("concurrency", d.concurrency).
		Strs("tags", d.tags).
		Msg("starting job dispatcher")

	for i := 0; i < d.concurrency; i++ {
		slot := i
		common.SafeGoWithContext(d.ctx, d.logger, "dispatcher-worker", func() {
			d.workerLoop(d.ctx, slot)
		})
	}
}

// Stop cancels every worker goroutine. Running jobs are left marked
// running=1; the reaper (or a future process's own reaper) requeues them
// once their heartbeat goes stale (spec §4.3).
func (d *Dispatcher) Stop() {
	d.logger.Info().Msg("stopping job dispatcher")
	d.cancel()
}

func (d *Dispatcher) workerLoop(ctx context.Context, slot int) {
	if d.concurrency > 0 {
		stagger := (d.pollInterval / time.Duration(d.concurrency)) * time.Duration(slot)
		if stagger > 0 {
			time.Sleep(stagger)
		}
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.claimAndRun(ctx, slot)
		}
	}
}

func (d *Dispatcher) claimAndRun(ctx context.Context, slot int) {
	job, entry, err := d.store.ClaimNext(ctx, d.tags, d.workerID, time.Now())
	if err != nil {
		if err == models.ErrNoMessage {
			return
		}
		if !isTransientBusy(err) {
			d.logger.Warn().Err(err).Int("worker_slot", slot).Msg("claim failed")
		}
		return
	}

	if job.ConcurrencyAdmissible() {
		n, err := d.store.RunningCountForConcurrencyKey(ctx, job.ConcurrencyKey, *job.ConcurrencyTimeWindowS, time.Now())
		if err == nil && n > *job.ConcurrentLimit {
			// Over the limit: park it by requeueing a short delay ahead
			// rather than burning the slot (spec §4.1 "Concurrency
			// limits": admission re-checked at claim, not at push).
			_ = d.store.Requeue(ctx, job.ID, time.Now().Add(time.Second))
			return
		}
	}

	d.logger.Debug().Str("job_id", job.ID).Str("tag", job.Tag).Int("worker_slot", slot).Msg("claimed job")

	start := time.Now()
	completed, err := d.handler(ctx, job, entry)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("job handler failed")
		if completed == nil {
			completed = &models.CompletedJob{
				JobID:       job.ID,
				Status:      models.StatusFailure,
				StartedAt:   start,
				CompletedAt: time.Now(),
				DurationMs:  time.Since(start).Milliseconds(),
				Worker:      d.workerID,
			}
		}
	}
	if completed != nil {
		if cerr := d.store.Complete(ctx, completed); cerr != nil {
			d.logger.Error().Err(cerr).Str("job_id", job.ID).Msg("failed to record completion")
		}
	}
}

func isTransientBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
