// Package schedule implements the cron-driven trigger kind: while a server
// holds the lease on a schedule trigger row, it fires a job every time the
// row's cron expression matches (spec §4.6).
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// Config is the decoded form of a schedule trigger row's KindConfig.
type Config struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// Listener fires onFire every time t's cron expression elapses, until ctx
// is canceled (lease lost, server shutting down, ...).
func Listener(ctx context.Context, t *models.TriggerRow, onFire func(scheduledFor time.Time) error) error {
	var cfg Config
	if err := json.Unmarshal(t.KindConfig, &cfg); err != nil {
		return fmt.Errorf("invalid schedule kind_config: %w", err)
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}

	schedule, err := cron.ParseStandard(cfg.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
	}

	now := time.Now().In(loc)
	next := schedule.Next(now)

	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case fired := <-timer.C:
			if err := onFire(fired); err != nil {
				return fmt.Errorf("fire schedule %s: %w", t.Path, err)
			}
			next = schedule.Next(fired)
		}
	}
}
