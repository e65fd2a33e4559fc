// Package store defines the durable persistence contracts the dispatcher,
// worker, flow executor, trigger runtime, auth gate, and cache layer build
// on. internal/store/sqlite provides the only implementation, following the
// teacher's storage-interface-plus-single-backend shape
// (internal/interfaces/storage.go + internal/storage/sqlite in the teacher
// repo).
package store

import (
	"context"
	"time"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// JobStore persists immutable Job rows and their mutable QueueEntry/
// CompletedJob twins (spec §3, §4.1).
type JobStore interface {
	InsertJob(ctx context.Context, job *models.Job, entry *models.QueueEntry) error
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// ClaimNext atomically selects and marks running the highest-priority
	// dispatchable entry whose job's tag is in tags, returning
	// models.ErrNoMessage if none qualify (spec §4.1 "Claim").
	ClaimNext(ctx context.Context, tags []string, worker string, now time.Time) (*models.Job, *models.QueueEntry, error)

	GetQueueEntry(ctx context.Context, jobID string) (*models.QueueEntry, error)
	Ping(ctx context.Context, jobID string, worker string, now time.Time) error
	Cancel(ctx context.Context, jobID, by, reason string) error
	Suspend(ctx context.Context, jobID string, delta int) error

	// SetPreprocessed rewrites a job's args and flips Preprocessed to
	// PreprocessDone, the one sanctioned mutation of an otherwise-immutable
	// Job row (spec §4.4 scenario 2).
	SetPreprocessed(ctx context.Context, jobID string, args models.Args) error

	// RunningCountForConcurrencyKey counts jobs for the given key that are
	// currently running or were started within the window (spec §4.1
	// "Concurrency limits").
	RunningCountForConcurrencyKey(ctx context.Context, key string, windowS int, now time.Time) (int, error)

	// Requeue moves a running entry back to pending, e.g. after a reaped
	// worker or a retry (spec §4.3, §4.5.5).
	Requeue(ctx context.Context, jobID string, scheduledFor time.Time) error

	// Complete deletes the QueueEntry and inserts the terminal
	// CompletedJob row in one transaction (spec §4.2 step 6).
	Complete(ctx context.Context, completed *models.CompletedJob) error
	GetCompleted(ctx context.Context, jobID string) (*models.CompletedJob, error)

	// RunningJobsForWorker lists jobs claimed by worker, used by the
	// reaper to requeue after a crash (spec §4.3).
	RunningJobsForWorker(ctx context.Context, worker string) ([]*models.QueueEntry, error)
	StaleRunning(ctx context.Context, grace time.Duration, now time.Time) ([]*models.QueueEntry, error)
}

// FlowStore persists the durable flow cursor (spec §3 "Flow status",
// §4.5.1).
type FlowStore interface {
	InsertFlowStatus(ctx context.Context, status *models.FlowStatus) error
	GetFlowStatus(ctx context.Context, jobID string) (*models.FlowStatus, error)

	// UpdateFlowStatus writes status conditioned on the revision it was
	// read at, returning models.ErrAlreadyClaimed if the revision moved
	// (spec §5 per-flow ordering guarantee).
	UpdateFlowStatus(ctx context.Context, status *models.FlowStatus, expectRevision int) error

	// ConsumeResume durably records (jobID, resumeID) as consumed, returning
	// fresh=false if it had already been recorded, so a resume URL is
	// accepted exactly once and every replay is rejected (spec §8
	// "replayed events are rejected").
	ConsumeResume(ctx context.Context, jobID, resumeID string) (fresh bool, err error)

	// QueuePreApproval records an approver against a suspend module that has
	// not reached its wait yet. stepID nil means flow-level, consumable by
	// any later suspend step (spec §4.5.3 "Pre-approval store").
	QueuePreApproval(ctx context.Context, flowJobID string, stepID *string, approver, resumeID string) error

	// DrainPreApprovals removes and returns up to n queued approvers for
	// stepID, falling back to flow-level (step_id IS NULL) entries once
	// step-specific ones are exhausted, oldest first.
	DrainPreApprovals(ctx context.Context, flowJobID, stepID string, n int) ([]string, error)
}

// TriggerStore persists trigger and capture rows and implements the
// lease-claim pattern the listener runtime polls (spec §4.6,
// original_source windmill-trigger/src/listener.rs).
type TriggerStore interface {
	UpsertTrigger(ctx context.Context, t *models.TriggerRow) error
	GetTrigger(ctx context.Context, workspaceID, path string) (*models.TriggerRow, error)
	DeleteTrigger(ctx context.Context, workspaceID, path string) error
	ListClaimableTriggers(ctx context.Context, now time.Time) ([]*models.TriggerRow, error)
	ListTriggersForServer(ctx context.Context, serverID string) ([]*models.TriggerRow, error)

	// ClaimTrigger atomically assigns the row to serverID if its lease is
	// stale, returning false if another server won the race.
	ClaimTrigger(ctx context.Context, workspaceID, path, serverID string, now time.Time) (bool, error)
	PingTrigger(ctx context.Context, workspaceID, path, serverID string, now time.Time) error
	ReleaseTrigger(ctx context.Context, workspaceID, path, serverID string) error
	SetTriggerError(ctx context.Context, workspaceID, path, errMsg string, disable bool) error

	UpsertCapture(ctx context.Context, c *models.CaptureRow) error
	GetCapture(ctx context.Context, workspaceID, path string) (*models.CaptureRow, error)
	ListClaimableCaptures(ctx context.Context, now time.Time) ([]*models.CaptureRow, error)
	ClaimCapture(ctx context.Context, workspaceID, path, serverID string, now time.Time) (bool, error)
	PingCapture(ctx context.Context, workspaceID, path, serverID string, now time.Time) error
	TouchCaptureClientPing(ctx context.Context, workspaceID, path string, now time.Time) error
	AppendCaptureEvent(ctx context.Context, workspaceID, path string, event *models.CaptureEvent) error
	ListCaptureEvents(ctx context.Context, workspaceID, path string, since time.Time) ([]*models.CaptureEvent, error)
}

// TokenRow is a persisted API token's hydrated identity (spec §4.7
// resolution strategy step (c), "database lookup of the token record,
// hydrated with group/folder membership").
type TokenRow struct {
	TokenHash  string
	Email      string
	Username   string
	IsAdmin    bool
	IsOperator bool
	Groups     []string
	Folders    []string
	Scopes     []string
	ExpiresAt  *time.Time
}

// AuthStore persists API token records, the durable fallback tier of the
// auth resolution chain (spec §4.7).
type AuthStore interface {
	GetToken(ctx context.Context, tokenHash string, now time.Time) (*TokenRow, error)
}

// CacheStore persists the three cache tables of spec §4.9.
type CacheStore interface {
	GetLockfile(ctx context.Context, key string, now time.Time) (*models.LockfileCacheEntry, error)
	PutLockfile(ctx context.Context, e *models.LockfileCacheEntry) error

	GetFlowLite(ctx context.Context, flowVersionID string) (*models.FlowLiteCacheEntry, error)
	PutFlowLite(ctx context.Context, e *models.FlowLiteCacheEntry) error

	GetJobResult(ctx context.Context, scriptHash, argsHash string, now time.Time) (*models.JobResultCacheEntry, error)
	PutJobResult(ctx context.Context, e *models.JobResultCacheEntry) error
}

// Store aggregates every persistence contract windmill-core needs. The
// sqlite implementation backs all of them with the one connection opened by
// sqlite.Open.
type Store interface {
	JobStore
	FlowStore
	TriggerStore
	CacheStore
	AuthStore
	Close() error
}
