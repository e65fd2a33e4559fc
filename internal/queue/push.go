package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/windmill-labs/windmill-core/internal/models"
	"github.com/windmill-labs/windmill-core/internal/queue/rawqueue"
	"github.com/windmill-labs/windmill-core/internal/store"
)

// Pusher inserts new Job rows and wakes the dispatcher, the only entry
// point for getting work onto the queue (spec §4.1 "Push").
type Pusher struct {
	store store.JobStore
	notif *rawqueue.Queue

	mu       sync.Mutex
	debounce map[string]time.Time
}

// NewPusher builds a Pusher over store and the shared raw notification
// queue.
func NewPusher(s store.JobStore, notif *rawqueue.Queue) *Pusher {
	return &Pusher{
		store:    s,
		notif:    notif,
		debounce: make(map[string]time.Time),
	}
}

// Push inserts job, scheduling it immediately unless job.DebounceKey is set
// and a push with the same key landed within DebounceWindowMs, in which
// case the earlier push is left in place and this one is dropped (spec
// §4.1 "Debouncing": "a push whose debounce key matches one already
// pending within the window is coalesced into the pending one").
func (p *Pusher) Push(ctx context.Context, job *models.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	if job.DebounceKey != "" {
		p.mu.Lock()
		last, ok := p.debounce[job.DebounceKey]
		now := time.Now()
		coalesced := ok && now.Sub(last) < time.Duration(job.DebounceWindowMs)*time.Millisecond
		if !coalesced {
			p.debounce[job.DebounceKey] = now
		}
		p.mu.Unlock()
		if coalesced {
			return "", nil // coalesced, caller should not expect a new job id
		}
	}

	entry := &models.QueueEntry{
		JobID:        job.ID,
		ScheduledFor: job.CreatedAt,
	}
	if err := p.store.InsertJob(ctx, job, entry); err != nil {
		return "", fmt.Errorf("push job: %w", err)
	}

	if p.notif != nil {
		_ = p.notif.Notify(ctx, rawqueue.Notification{Tags: []string{job.Tag}})
	}
	return job.ID, nil
}

// Schedule inserts job with a future ScheduledFor, e.g. for a retry backoff
// (spec §4.5.5) or a cron-triggered run computed ahead of time.
func (p *Pusher) Schedule(ctx context.Context, job *models.Job, at time.Time) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	entry := &models.QueueEntry{JobID: job.ID, ScheduledFor: at}
	if err := p.store.InsertJob(ctx, job, entry); err != nil {
		return "", fmt.Errorf("schedule job: %w", err)
	}
	return job.ID, nil
}
