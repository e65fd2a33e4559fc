package sqlite

import "context"

// schema holds every table windmill-core owns outside of goqite's own
// "goqite" table (the raw FIFO queue backing internal/queue/rawqueue).
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                         TEXT PRIMARY KEY,
	workspace_id               TEXT NOT NULL,
	kind                       TEXT NOT NULL,
	runnable_id                TEXT,
	runnable_path              TEXT,
	script_lang                TEXT,
	tag                        TEXT NOT NULL DEFAULT 'default',
	priority                   INTEGER NOT NULL DEFAULT 0,
	permissioned_as            TEXT NOT NULL,
	created_by                 TEXT NOT NULL,
	created_at                 TEXT NOT NULL,
	args                       BLOB NOT NULL,
	parent_job                 TEXT,
	flow_step_id               TEXT,
	trigger_kind               TEXT,
	trigger                    TEXT,
	visible_to_owner           INTEGER NOT NULL DEFAULT 0,
	concurrent_limit           INTEGER NOT NULL DEFAULT 0,
	concurrency_time_window_s  INTEGER NOT NULL DEFAULT 0,
	concurrency_key            TEXT,
	cache_ttl_s                INTEGER NOT NULL DEFAULT 0,
	timeout_s                  INTEGER NOT NULL DEFAULT 0,
	preprocessed               INTEGER NOT NULL DEFAULT 0,
	script_entrypoint_override TEXT,
	restarted_from_job_id      TEXT,
	restarted_from_step_id     TEXT,
	restarted_from_branch_index INTEGER,
	restarted_from_iter_index   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_tag_priority ON jobs(tag, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_concurrency_key ON jobs(concurrency_key);
CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_job);

CREATE TABLE IF NOT EXISTS queue_entries (
	job_id          TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
	scheduled_for   TEXT NOT NULL,
	running         INTEGER NOT NULL DEFAULT 0,
	started_at      TEXT,
	suspend         INTEGER NOT NULL DEFAULT 0,
	worker          TEXT,
	canceled_by     TEXT,
	canceled_reason TEXT,
	last_ping       TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_dispatchable ON queue_entries(running, scheduled_for);

CREATE TABLE IF NOT EXISTS completed_jobs (
	job_id       TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       BLOB,
	error_name   TEXT,
	error_message TEXT,
	error_stack  TEXT,
	started_at   TEXT,
	completed_at TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_completed_workspace ON completed_jobs(workspace_id, completed_at);

CREATE TABLE IF NOT EXISTS flow_status (
	job_id              TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
	step                INTEGER NOT NULL DEFAULT 0,
	modules             BLOB NOT NULL,
	failure_module      BLOB,
	preprocessor_module BLOB,
	cleanup_module      BLOB,
	restarted_from      BLOB,
	revision            INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS triggers (
	path               TEXT NOT NULL,
	workspace_id       TEXT NOT NULL,
	is_flow            INTEGER NOT NULL DEFAULT 0,
	script_path        TEXT NOT NULL,
	edited_by          TEXT NOT NULL,
	email              TEXT NOT NULL,
	kind               TEXT NOT NULL,
	mode               TEXT NOT NULL DEFAULT 'enabled',
	error              TEXT,
	server_id          TEXT,
	last_server_ping   TEXT,
	error_handler_path TEXT,
	error_handler_args BLOB,
	retry              BLOB,
	kind_config        BLOB NOT NULL,
	PRIMARY KEY (workspace_id, path)
);
CREATE INDEX IF NOT EXISTS idx_triggers_lease ON triggers(server_id, last_server_ping);

CREATE TABLE IF NOT EXISTS captures (
	path             TEXT NOT NULL,
	workspace_id     TEXT NOT NULL,
	kind             TEXT NOT NULL,
	server_id        TEXT,
	last_client_ping TEXT,
	kind_config      BLOB NOT NULL,
	PRIMARY KEY (workspace_id, path)
);
CREATE INDEX IF NOT EXISTS idx_captures_lease ON captures(server_id, last_client_ping);

CREATE TABLE IF NOT EXISTS capture_events (
	id         TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	path       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	payload    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capture_events_path ON capture_events(workspace_id, path, created_at);

CREATE TABLE IF NOT EXISTS lockfile_cache (
	key        TEXT PRIMARY KEY,
	language   TEXT NOT NULL,
	lockfile   BLOB NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flow_lite_cache (
	flow_version_id TEXT PRIMARY KEY,
	flow_value_lite BLOB NOT NULL,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_tokens (
	token_hash  TEXT PRIMARY KEY,
	email       TEXT NOT NULL,
	username    TEXT NOT NULL,
	is_admin    INTEGER NOT NULL DEFAULT 0,
	is_operator INTEGER NOT NULL DEFAULT 0,
	groups      BLOB,
	folders     BLOB,
	scopes      BLOB,
	expires_at  TEXT
);

CREATE TABLE IF NOT EXISTS job_result_cache (
	script_hash TEXT NOT NULL,
	args_hash   TEXT NOT NULL,
	result      BLOB NOT NULL,
	created_at  TEXT NOT NULL,
	expires_at  TEXT NOT NULL,
	PRIMARY KEY (script_hash, args_hash)
);

-- consumed_resumes guards against replayed signed resume URLs (spec §8
-- "replayed events are rejected"): a resume_id is accepted at most once
-- per job.
CREATE TABLE IF NOT EXISTS consumed_resumes (
	job_id    TEXT NOT NULL,
	resume_id TEXT NOT NULL,
	PRIMARY KEY (job_id, resume_id)
);

-- pending_approvals is the pre-approval queue (spec §4.5.3 "Pre-approval
-- store"): resume events that arrive before the targeted module reaches
-- its suspend wait are parked here, keyed by flow job and (nullable, for
-- flow-level) step id, and drained FIFO once that module starts waiting.
CREATE TABLE IF NOT EXISTS pending_approvals (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	flow_job_id TEXT NOT NULL,
	step_id     TEXT,
	approver    TEXT NOT NULL,
	resume_id   TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_approvals_flow ON pending_approvals(flow_job_id, step_id, id);
`

// InitSchema creates every table above if it does not already exist.
func (d *DB) InitSchema(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, schema)
	return err
}
