package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// InsertJob writes the immutable Job row and its QueueEntry twin in one
// transaction, the way the teacher's job_storage.go CreateJob pairs a job
// row with its initial state row.
func (d *DB) InsertJob(ctx context.Context, job *models.Job, entry *models.QueueEntry) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, workspace_id, kind, runnable_id, runnable_path, script_lang, tag,
			priority, permissioned_as, created_by, created_at, args, parent_job,
			flow_step_id, trigger_kind, trigger, visible_to_owner, concurrent_limit,
			concurrency_time_window_s, concurrency_key, cache_ttl_s, timeout_s, preprocessed,
			script_entrypoint_override, restarted_from_job_id, restarted_from_step_id,
			restarted_from_branch_index, restarted_from_iter_index
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.WorkspaceID, string(job.Kind), job.RunnableID, job.RunnablePath,
		scriptLangPtr(job.ScriptLang), job.Tag, job.Priority, job.PermissionedAs, job.CreatedBy,
		job.CreatedAt.UTC().Format(time.RFC3339Nano), args, job.ParentJob, job.FlowStepID,
		job.TriggerKind, job.Trigger, boolToInt(job.VisibleToOwner), intPtr(job.ConcurrentLimit),
		intPtr(job.ConcurrencyTimeWindowS), nullString(job.ConcurrencyKey), intPtrOr(job.CacheTTL),
		intPtrOr(job.Timeout), int(job.Preprocessed),
		job.ScriptEntrypointOverride, job.RestartedFromJobID, job.RestartedFromStepID,
		job.RestartedFromBranchIndex, job.RestartedFromIterIndex,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_entries (job_id, scheduled_for, running, suspend)
		VALUES (?,?,0,?)`,
		entry.JobID, entry.ScheduledFor.UTC().Format(time.RFC3339Nano), entry.Suspend,
	)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}

	return tx.Commit()
}

func (d *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, kind, runnable_id, runnable_path, script_lang, tag,
			priority, permissioned_as, created_by, created_at, args, parent_job,
			flow_step_id, trigger_kind, trigger, visible_to_owner, concurrent_limit,
			concurrency_time_window_s, concurrency_key, cache_ttl_s, timeout_s, preprocessed,
			script_entrypoint_override, restarted_from_job_id, restarted_from_step_id,
			restarted_from_branch_index, restarted_from_iter_index
		FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, sql.ErrNoRows)
	}
	return job, err
}

// SetPreprocessed rewrites a job's args and preprocess marker in place, the
// one mutation spec §4.4 scenario 2 allows on the otherwise-immutable Job
// row: once the preprocessor child completes, the main run is dispatched
// under the same id with its result as args.
func (d *DB) SetPreprocessed(ctx context.Context, jobID string, args models.Args) error {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal preprocessed args: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		UPDATE jobs SET args = ?, preprocessed = ? WHERE id = ?`,
		b, int(models.PreprocessDone), jobID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var kind string
	var createdAt string
	var args []byte
	var scriptLang, concurrencyKey sql.NullString
	var concurrentLimit, concurrencyWindow sql.NullInt64
	var cacheTTL, timeout, preprocessed int
	var visibleToOwner int
	var scriptEntrypointOverride, restartedFromJobID, restartedFromStepID sql.NullString
	var restartedFromBranchIndex, restartedFromIterIndex sql.NullInt64

	err := row.Scan(
		&j.ID, &j.WorkspaceID, &kind, &j.RunnableID, &j.RunnablePath, &scriptLang, &j.Tag,
		&j.Priority, &j.PermissionedAs, &j.CreatedBy, &createdAt, &args, &j.ParentJob,
		&j.FlowStepID, &j.TriggerKind, &j.Trigger, &visibleToOwner, &concurrentLimit,
		&concurrencyWindow, &concurrencyKey, &cacheTTL, &timeout, &preprocessed,
		&scriptEntrypointOverride, &restartedFromJobID, &restartedFromStepID,
		&restartedFromBranchIndex, &restartedFromIterIndex,
	)
	if err != nil {
		return nil, err
	}

	j.Kind = models.JobKind(kind)
	j.VisibleToOwner = visibleToOwner != 0
	j.Preprocessed = models.PreprocessState(preprocessed)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if err := json.Unmarshal(args, &j.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if scriptLang.Valid {
		sl := models.ScriptLang(scriptLang.String)
		j.ScriptLang = &sl
	}
	if concurrentLimit.Valid {
		v := int(concurrentLimit.Int64)
		j.ConcurrentLimit = &v
	}
	if concurrencyWindow.Valid {
		v := int(concurrencyWindow.Int64)
		j.ConcurrencyTimeWindowS = &v
	}
	j.ConcurrencyKey = concurrencyKey.String
	if cacheTTL != 0 {
		j.CacheTTL = &cacheTTL
	}
	if timeout != 0 {
		j.Timeout = &timeout
	}
	if scriptEntrypointOverride.Valid {
		j.ScriptEntrypointOverride = &scriptEntrypointOverride.String
	}
	if restartedFromJobID.Valid {
		j.RestartedFromJobID = &restartedFromJobID.String
	}
	if restartedFromStepID.Valid {
		j.RestartedFromStepID = &restartedFromStepID.String
	}
	if restartedFromBranchIndex.Valid {
		v := int(restartedFromBranchIndex.Int64)
		j.RestartedFromBranchIndex = &v
	}
	if restartedFromIterIndex.Valid {
		v := int(restartedFromIterIndex.Int64)
		j.RestartedFromIterIndex = &v
	}
	return &j, nil
}

// ClaimNext implements spec §4.1's claim predicate as a single conditional
// UPDATE ... RETURNING-style select-then-update, the teacher's
// UpdateJobStatus pattern (internal/queue/manager.go) generalized to
// priority/tag ordering: select the best candidate row, then attempt to
// flip running=0->1 on exactly that row. If the UPDATE affects zero rows
// another worker won the race and the caller should retry.
func (d *DB) ClaimNext(ctx context.Context, tags []string, worker string, now time.Time) (*models.Job, *models.QueueEntry, error) {
	if len(tags) == 0 {
		return nil, nil, models.ErrNoMessage
	}
	placeholders := make([]string, len(tags))
	args := make([]any, 0, len(tags)+1)
	for i, t := range tags {
		placeholders[i] = "?"
		args = append(args, t)
	}
	args = append(args, now.UTC().Format(time.RFC3339Nano))

	query := fmt.Sprintf(`
		SELECT q.job_id FROM queue_entries q
		JOIN jobs j ON j.id = q.job_id
		WHERE q.running = 0 AND q.suspend = 0 AND q.scheduled_for <= ?
		AND j.tag IN (%s)
		ORDER BY j.priority DESC, q.scheduled_for ASC, j.created_at ASC
		LIMIT 20`, strings.Join(placeholders, ","))

	// scheduled_for <= ? is the first bound param positionally in SQLite
	// driver args by appearance order in the query text, so reorder.
	rows, err := d.db.QueryContext(ctx, query, append([]any{args[len(args)-1]}, args[:len(args)-1]...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("select candidates: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()

	for _, id := range candidates {
		res, err := d.db.ExecContext(ctx, `
			UPDATE queue_entries SET running = 1, started_at = ?, worker = ?, last_ping = ?
			WHERE job_id = ? AND running = 0 AND suspend = 0`,
			now.UTC().Format(time.RFC3339Nano), worker, now.UTC().Format(time.RFC3339Nano), id)
		if err != nil {
			return nil, nil, fmt.Errorf("claim job %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue // lost the race, try next candidate
		}
		job, err := d.GetJob(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		entry, err := d.GetQueueEntry(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return job, entry, nil
	}
	return nil, nil, models.ErrNoMessage
}

func (d *DB) GetQueueEntry(ctx context.Context, jobID string) (*models.QueueEntry, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT job_id, scheduled_for, running, started_at, suspend, worker,
			canceled_by, canceled_reason, last_ping
		FROM queue_entries WHERE job_id = ?`, jobID)
	return scanQueueEntry(row)
}

func scanQueueEntry(row rowScanner) (*models.QueueEntry, error) {
	var e models.QueueEntry
	var scheduledFor string
	var running int
	var startedAt, worker, canceledBy, canceledReason, lastPing sql.NullString

	if err := row.Scan(&e.JobID, &scheduledFor, &running, &startedAt, &e.Suspend,
		&worker, &canceledBy, &canceledReason, &lastPing); err != nil {
		return nil, err
	}
	e.Running = running != 0
	e.ScheduledFor, _ = time.Parse(time.RFC3339Nano, scheduledFor)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		e.StartedAt = &t
	}
	if worker.Valid {
		e.Worker = &worker.String
	}
	if canceledBy.Valid {
		e.CanceledBy = &canceledBy.String
	}
	if canceledReason.Valid {
		e.CanceledReason = &canceledReason.String
	}
	if lastPing.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastPing.String)
		e.LastPing = &t
	}
	return &e, nil
}

func (d *DB) Ping(ctx context.Context, jobID string, worker string, now time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE queue_entries SET last_ping = ? WHERE job_id = ? AND worker = ?`,
		now.UTC().Format(time.RFC3339Nano), jobID, worker)
	return err
}

func (d *DB) Cancel(ctx context.Context, jobID, by, reason string) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE queue_entries SET canceled_by = ?, canceled_reason = ?
		WHERE job_id = ? AND canceled_by IS NULL`, by, reason, jobID)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cancel job %s: %w", jobID, models.ErrAlreadyClaimed)
	}
	return nil
}

func (d *DB) Suspend(ctx context.Context, jobID string, delta int) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE queue_entries SET suspend = MAX(0, suspend + ?) WHERE job_id = ?`, delta, jobID)
	return err
}

func (d *DB) RunningCountForConcurrencyKey(ctx context.Context, key string, windowS int, now time.Time) (int, error) {
	since := now.Add(-time.Duration(windowS) * time.Second).UTC().Format(time.RFC3339Nano)
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries q
		JOIN jobs j ON j.id = q.job_id
		WHERE j.concurrency_key = ? AND (q.running = 1 OR q.started_at >= ?)`,
		key, since).Scan(&n)
	return n, err
}

func (d *DB) Requeue(ctx context.Context, jobID string, scheduledFor time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE queue_entries SET running = 0, started_at = NULL, worker = NULL,
			scheduled_for = ? WHERE job_id = ?`,
		scheduledFor.UTC().Format(time.RFC3339Nano), jobID)
	return err
}

func (d *DB) Complete(ctx context.Context, c *models.CompletedJob) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job, err := d.GetJob(ctx, c.JobID)
	if err != nil {
		return fmt.Errorf("complete: lookup job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE job_id = ?`, c.JobID); err != nil {
		return fmt.Errorf("complete: delete queue entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO completed_jobs (job_id, workspace_id, status, result, started_at, completed_at, duration_ms)
		VALUES (?,?,?,?,?,?,?)`,
		c.JobID, job.WorkspaceID, string(c.Status), c.Result,
		c.StartedAt.UTC().Format(time.RFC3339Nano), c.CompletedAt.UTC().Format(time.RFC3339Nano), c.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("complete: insert completed job: %w", err)
	}
	return tx.Commit()
}

func (d *DB) GetCompleted(ctx context.Context, jobID string) (*models.CompletedJob, error) {
	var c models.CompletedJob
	var status, startedAt, completedAt string
	err := d.db.QueryRowContext(ctx, `
		SELECT job_id, workspace_id, status, result, started_at, completed_at, duration_ms
		FROM completed_jobs WHERE job_id = ?`, jobID).
		Scan(&c.JobID, new(string), &status, &c.Result, &startedAt, &completedAt, &c.DurationMs)
	if err != nil {
		return nil, err
	}
	c.Status = models.CompletedStatus(status)
	c.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	c.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	return &c, nil
}

func (d *DB) RunningJobsForWorker(ctx context.Context, worker string) ([]*models.QueueEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT job_id, scheduled_for, running, started_at, suspend, worker,
			canceled_by, canceled_reason, last_ping
		FROM queue_entries WHERE worker = ? AND running = 1`, worker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueEntries(rows)
}

func (d *DB) StaleRunning(ctx context.Context, grace time.Duration, now time.Time) ([]*models.QueueEntry, error) {
	cutoff := now.Add(-grace).UTC().Format(time.RFC3339Nano)
	rows, err := d.db.QueryContext(ctx, `
		SELECT job_id, scheduled_for, running, started_at, suspend, worker,
			canceled_by, canceled_reason, last_ping
		FROM queue_entries
		WHERE running = 1 AND (last_ping IS NULL OR last_ping < ?)`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueEntries(rows)
}

func scanQueueEntries(rows *sql.Rows) ([]*models.QueueEntry, error) {
	var out []*models.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scriptLangPtr(s *models.ScriptLang) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtrOr(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
