package models

import "time"

// TriggerMode is the lifecycle state a trigger row advertises to the
// listener runtime (spec §3 "Trigger row").
type TriggerMode string

const (
	TriggerEnabled   TriggerMode = "enabled"
	TriggerDisabled  TriggerMode = "disabled"
	TriggerSuspended TriggerMode = "suspended"
)

// TriggerKind identifies the event-source kind a trigger row listens on.
type TriggerKind string

const (
	TriggerKindWebhook  TriggerKind = "webhook"
	TriggerKindHTTP     TriggerKind = "http"
	TriggerKindSchedule TriggerKind = "schedule"
	TriggerKindKafka    TriggerKind = "kafka"
	TriggerKindNATS     TriggerKind = "nats"
	TriggerKindMQTT     TriggerKind = "mqtt"
)

// StalenessWindow is the interval after which a lease is considered
// abandoned and re-claimable by another worker (spec §3, §8: "≤ 15s +
// poll interval"), sourced from the original implementation's constant
// (windmill-trigger/src/listener.rs).
const StalenessWindow = 15 * time.Second

// PingInterval is how often a leaseholder refreshes last_server_ping
// (spec §4.6 step 3), sourced from windmill-trigger/src/listener.rs.
const PingInterval = 5 * time.Second

// RescanInterval is how often the runtime re-scans for unclaimed triggers
// (windmill-trigger/src/listener.rs `listen_to_unlistened_events`).
const RescanInterval = 15 * time.Second

// TriggerRow is a per-source-kind subscription row (spec §3 "Trigger row").
// Config specific to the Kind (HMAC provider, route path, cron schedule,
// broker address, ...) lives in KindConfig as opaque json.
type TriggerRow struct {
	Path        string      `json:"path" db:"path"`
	WorkspaceID string      `json:"workspace_id" db:"workspace_id"`
	IsFlow      bool        `json:"is_flow" db:"is_flow"`
	ScriptPath  string      `json:"script_path" db:"script_path"`
	EditedBy    string      `json:"edited_by" db:"edited_by"`
	Email       string      `json:"email" db:"email"`
	Kind        TriggerKind `json:"kind" db:"kind"`
	Mode        TriggerMode `json:"mode" db:"mode"`
	Error       *string     `json:"error,omitempty" db:"error"`

	ServerID       *string    `json:"server_id,omitempty" db:"server_id"`
	LastServerPing *time.Time `json:"last_server_ping,omitempty" db:"last_server_ping"`

	ErrorHandlerPath *string `json:"error_handler_path,omitempty" db:"error_handler_path"`
	ErrorHandlerArgs []byte  `json:"error_handler_args,omitempty" db:"error_handler_args"`
	Retry            *RetryPolicy `json:"retry,omitempty" db:"retry"`

	KindConfig []byte `json:"kind_config" db:"kind_config"`
}

// LeaseStale reports whether the row's lease has expired as of now, i.e.
// is claimable (spec §3 lease predicate).
func (t *TriggerRow) LeaseStale(now time.Time) bool {
	if t.LastServerPing == nil {
		return true
	}
	return t.LastServerPing.Before(now.Add(-StalenessWindow))
}

// Claimable reports whether the row is in a mode the listener runtime will
// attempt to claim (spec §4.6: "for each enabled trigger row").
func (t *TriggerRow) Claimable(now time.Time) bool {
	if t.Mode != TriggerEnabled && t.Mode != TriggerSuspended {
		return false
	}
	return t.LeaseStale(now)
}

// CaptureRow is the twin of a trigger row used to record recent events
// without running code (spec §3 "Capture row"); clients poll it.
type CaptureRow struct {
	Path        string      `json:"path" db:"path"`
	WorkspaceID string      `json:"workspace_id" db:"workspace_id"`
	Kind        TriggerKind `json:"kind" db:"kind"`

	ServerID        *string    `json:"server_id,omitempty" db:"server_id"`
	LastClientPing  *time.Time `json:"last_client_ping,omitempty" db:"last_client_ping"`

	KindConfig []byte `json:"kind_config" db:"kind_config"`
}

// CaptureStalenessWindow governs the capture-config twin's own lease,
// distinct from (and shorter than) the trigger lease (spec supplement from
// windmill-trigger/src/listener.rs, capture client-ping gating).
const CaptureStalenessWindow = 10 * time.Second

// CaptureEvent is one recorded event under a CaptureRow, polled by clients
// instead of being dispatched to a job.
type CaptureEvent struct {
	ID        string    `json:"id" db:"id"`
	Path      string    `json:"path" db:"path"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	Payload   []byte    `json:"payload" db:"payload"`
}
