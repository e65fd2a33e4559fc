// Package trigger implements the distributed lease-based listener runtime
// (spec §4.6), ported from the original implementation's
// windmill-trigger/src/listener.rs: rescan for unclaimed/stale trigger
// rows, claim, run the kind-specific listener while pinging the lease, and
// release (or let it go stale) on shutdown.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/windmill-labs/windmill-core/internal/common"
	"github.com/windmill-labs/windmill-core/internal/models"
	"github.com/windmill-labs/windmill-core/internal/queue"
	"github.com/windmill-labs/windmill-core/internal/store"
	"github.com/windmill-labs/windmill-core/internal/trigger/kafka"
	"github.com/windmill-labs/windmill-core/internal/trigger/mqtt"
	"github.com/windmill-labs/windmill-core/internal/trigger/nats"
	"github.com/windmill-labs/windmill-core/internal/trigger/schedule"
)

// Runtime owns the claim/ping/listen lifecycle for every trigger row this
// server is responsible for (spec §4.6).
type Runtime struct {
	store    store.TriggerStore
	pusher   *queue.Pusher
	logger   arbor.ILogger
	serverID string

	mu      sync.Mutex
	claimed map[string]context.CancelFunc // "workspace_id/path" -> stop func

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRuntime builds a Runtime identified by serverID, the value every claim
// and ping this process issues is stamped with.
func NewRuntime(s store.TriggerStore, pusher *queue.Pusher, logger arbor.ILogger, serverID string) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		store:    s,
		pusher:   pusher,
		logger:   logger,
		serverID: serverID,
		claimed:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the rescan loop (windmill-trigger/src/listener.rs
// listen_to_unlistened_events).
func (r *Runtime) Start() {
	common.SafeGoWithContext(r.ctx, r.logger, "trigger-rescan", r.rescanLoop)
}

// Stop cancels every claimed listener and the rescan loop. It does not
// release leases explicitly; they simply go stale and another server picks
// them up after models.StalenessWindow.
func (r *Runtime) Stop() {
	r.cancel()
}

func (r *Runtime) rescanLoop() {
	r.scan()
	ticker := time.NewTicker(models.RescanInterval)
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

func (r *Runtime) scan() {
	rows, err := r.store.ListClaimableTriggers(r.ctx, time.Now())
	if err != nil {
		r.logger.Warn().Err(err).Msg("trigger rescan failed")
		return
	}
	for _, t := range rows {
		key := t.WorkspaceID + "/" + t.Path
		r.mu.Lock()
		_, already := r.claimed[key]
		r.mu.Unlock()
		if already {
			continue
		}

		ok, err := r.store.ClaimTrigger(r.ctx, t.WorkspaceID, t.Path, r.serverID, time.Now())
		if err != nil {
			r.logger.Warn().Err(err).Str("path", t.Path).Msg("claim trigger failed")
			continue
		}
		if !ok {
			continue // another server won the race
		}

		listenerCtx, cancel := context.WithCancel(r.ctx)
		r.mu.Lock()
		r.claimed[key] = cancel
		r.mu.Unlock()

		t := t
		common.SafeGoWithContext(listenerCtx, r.logger, "trigger-listener", func() {
			r.runClaimed(listenerCtx, t)
			r.mu.Lock()
			delete(r.claimed, key)
			r.mu.Unlock()
		})
	}
}

// runClaimed pings the lease every models.PingInterval while the
// kind-specific listener consumes events, until the listener returns (ctx
// canceled, or a hard error the trigger row records via SetTriggerError).
func (r *Runtime) runClaimed(ctx context.Context, t *models.TriggerRow) {
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	common.SafeGoWithContext(pingCtx, r.logger, "trigger-ping", func() {
		ticker := time.NewTicker(models.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := r.store.PingTrigger(pingCtx, t.WorkspaceID, t.Path, r.serverID, time.Now()); err != nil {
					r.logger.Warn().Err(err).Str("path", t.Path).Msg("trigger ping failed")
				}
			}
		}
	})

	onEvent := func(args models.Args) error {
		return r.fire(ctx, t, args)
	}

	var err error
	switch t.Kind {
	case models.TriggerKindSchedule:
		err = schedule.Listener(ctx, t, func(scheduledFor time.Time) error {
			return r.fire(ctx, t, models.Args{"scheduled_for": rawJSON(scheduledFor)})
		})
	case models.TriggerKindKafka:
		err = kafka.Listener(ctx, t, onEvent)
	case models.TriggerKindNATS:
		err = nats.Listener(ctx, t, onEvent)
	case models.TriggerKindMQTT:
		err = mqtt.Listener(ctx, t, onEvent)
	case models.TriggerKindWebhook, models.TriggerKindHTTP:
		// Inbound kinds: no background listener, served by the HTTP
		// router directly (internal/trigger/http). The claim still
		// exists so exactly one server holds and pings the lease for
		// the row.
		<-ctx.Done()
		err = ctx.Err()
	default:
		err = fmt.Errorf("unknown trigger kind %q", t.Kind)
	}

	if err != nil && ctx.Err() == nil {
		r.logger.Error().Err(err).Str("path", t.Path).Msg("trigger listener exited with error")
		_ = r.store.SetTriggerError(context.Background(), t.WorkspaceID, t.Path, err.Error(), false)
	}
}

// fire composes a job from a trigger event and pushes it (spec §4.6 "event
// -> job composition").
func (r *Runtime) fire(ctx context.Context, t *models.TriggerRow, args models.Args) error {
	kind := models.JobKindScript
	if t.IsFlow {
		kind = models.JobKindFlow
	}
	job := &models.Job{
		WorkspaceID:    t.WorkspaceID,
		Kind:           kind,
		RunnablePath:   t.ScriptPath,
		Tag:            "",
		PermissionedAs: "u/" + t.EditedBy,
		CreatedBy:      t.EditedBy,
		Args:           args,
		TriggerKind:    strPtr(string(t.Kind)),
		Trigger:        &t.Path,
		VisibleToOwner: true,
	}
	_, err := r.pusher.Push(ctx, job)
	return err
}

func strPtr(s string) *string { return &s }

func rawJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
