package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/windmill-labs/windmill-core/internal/models"
)

func (d *DB) InsertFlowStatus(ctx context.Context, s *models.FlowStatus) error {
	modules, err := json.Marshal(s.Modules)
	if err != nil {
		return fmt.Errorf("marshal modules: %w", err)
	}
	restarted, err := json.Marshal(s.RestartedFrom)
	if err != nil {
		return fmt.Errorf("marshal restarted_from: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO flow_status (job_id, step, modules, failure_module, preprocessor_module, cleanup_module, restarted_from, revision)
		VALUES (?,?,?,?,?,?,?,0)`,
		s.JobID, s.Step, modules, s.FailureModule, s.PreprocessorModule, s.CleanupModule, restarted)
	return err
}

func (d *DB) GetFlowStatus(ctx context.Context, jobID string) (*models.FlowStatus, error) {
	var s models.FlowStatus
	var modules, restarted []byte
	err := d.db.QueryRowContext(ctx, `
		SELECT job_id, step, modules, failure_module, preprocessor_module, cleanup_module, restarted_from, revision
		FROM flow_status WHERE job_id = ?`, jobID).
		Scan(&s.JobID, &s.Step, &modules, &s.FailureModule, &s.PreprocessorModule, &s.CleanupModule, &restarted, &s.Revision)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(modules, &s.Modules); err != nil {
		return nil, fmt.Errorf("unmarshal modules: %w", err)
	}
	if len(restarted) > 0 {
		if err := json.Unmarshal(restarted, &s.RestartedFrom); err != nil {
			return nil, fmt.Errorf("unmarshal restarted_from: %w", err)
		}
	}
	return &s, nil
}

// UpdateFlowStatus performs the compare-and-swap the flow executor relies
// on to serialize concurrent advance attempts on the same job (spec §5
// "per-flow" ordering guarantee): the WHERE clause pins the revision the
// caller read, the teacher's UpdateProgressCountersAtomic pattern
// (internal/queue + internal/models single-statement conditional UPDATE)
// applied to the flow cursor.
func (d *DB) UpdateFlowStatus(ctx context.Context, s *models.FlowStatus, expectRevision int) error {
	modules, err := json.Marshal(s.Modules)
	if err != nil {
		return fmt.Errorf("marshal modules: %w", err)
	}
	restarted, err := json.Marshal(s.RestartedFrom)
	if err != nil {
		return fmt.Errorf("marshal restarted_from: %w", err)
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE flow_status SET step = ?, modules = ?, failure_module = ?, preprocessor_module = ?,
			cleanup_module = ?, restarted_from = ?, revision = revision + 1
		WHERE job_id = ? AND revision = ?`,
		s.Step, modules, s.FailureModule, s.PreprocessorModule, s.CleanupModule, restarted,
		s.JobID, expectRevision)
	if err != nil {
		return fmt.Errorf("update flow status %s: %w", s.JobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update flow status %s: %w", s.JobID, models.ErrAlreadyClaimed)
	}
	return nil
}

// ConsumeResume records (jobID, resumeID) the first time it is seen and
// reports fresh=false on every subsequent call, rejecting replayed signed
// resume URLs (spec §8 "replayed events are rejected").
func (d *DB) ConsumeResume(ctx context.Context, jobID, resumeID string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO consumed_resumes (job_id, resume_id) VALUES (?,?)`,
		jobID, resumeID)
	if err != nil {
		return false, fmt.Errorf("consume resume %s/%s: %w", jobID, resumeID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// QueuePreApproval parks an approver/resumeID pair until the target suspend
// module reaches its wait (spec §4.5.3 "Pre-approval store").
func (d *DB) QueuePreApproval(ctx context.Context, flowJobID string, stepID *string, approver, resumeID string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO pending_approvals (flow_job_id, step_id, approver, resume_id, created_at)
		VALUES (?,?,?,?,?)`,
		flowJobID, stepID, approver, resumeID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("queue pre-approval for %s: %w", flowJobID, err)
	}
	return nil
}

// DrainPreApprovals consumes up to n queued approvers for stepID, step-
// specific entries first (FIFO by id), then flow-level entries (step_id IS
// NULL) to fill any remainder, deleting each row as it is returned.
func (d *DB) DrainPreApprovals(ctx context.Context, flowJobID, stepID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	var approvers []string

	drain := func(query string, args ...any) error {
		remaining := n - len(approvers)
		if remaining <= 0 {
			return nil
		}
		rows, err := d.db.QueryContext(ctx, query, append(args, remaining)...)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			var approver string
			if err := rows.Scan(&id, &approver); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			approvers = append(approvers, approver)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		for _, id := range ids {
			if _, err := d.db.ExecContext(ctx, `DELETE FROM pending_approvals WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete drained pre-approval %d: %w", id, err)
			}
		}
		return nil
	}

	if err := drain(`
		SELECT id, approver FROM pending_approvals
		WHERE flow_job_id = ? AND step_id = ? ORDER BY id ASC LIMIT ?`,
		flowJobID, stepID); err != nil {
		return approvers, fmt.Errorf("drain step pre-approvals for %s: %w", flowJobID, err)
	}
	if err := drain(`
		SELECT id, approver FROM pending_approvals
		WHERE flow_job_id = ? AND step_id IS NULL ORDER BY id ASC LIMIT ?`,
		flowJobID); err != nil {
		return approvers, fmt.Errorf("drain flow-level pre-approvals for %s: %w", flowJobID, err)
	}
	return approvers, nil
}
