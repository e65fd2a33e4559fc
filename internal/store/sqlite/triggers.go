package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/windmill-labs/windmill-core/internal/models"
)

func (d *DB) UpsertTrigger(ctx context.Context, t *models.TriggerRow) error {
	var retry []byte
	var err error
	if t.Retry != nil {
		retry, err = json.Marshal(t.Retry)
		if err != nil {
			return fmt.Errorf("marshal retry: %w", err)
		}
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO triggers (path, workspace_id, is_flow, script_path, edited_by, email, kind, mode,
			error, error_handler_path, error_handler_args, retry, kind_config)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(workspace_id, path) DO UPDATE SET
			is_flow=excluded.is_flow, script_path=excluded.script_path, edited_by=excluded.edited_by,
			email=excluded.email, kind=excluded.kind, mode=excluded.mode, error=excluded.error,
			error_handler_path=excluded.error_handler_path, error_handler_args=excluded.error_handler_args,
			retry=excluded.retry, kind_config=excluded.kind_config`,
		t.Path, t.WorkspaceID, boolToInt(t.IsFlow), t.ScriptPath, t.EditedBy, t.Email,
		string(t.Kind), string(t.Mode), t.Error, t.ErrorHandlerPath, t.ErrorHandlerArgs, retry, t.KindConfig)
	return err
}

func (d *DB) GetTrigger(ctx context.Context, workspaceID, path string) (*models.TriggerRow, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT path, workspace_id, is_flow, script_path, edited_by, email, kind, mode, error,
			server_id, last_server_ping, error_handler_path, error_handler_args, retry, kind_config
		FROM triggers WHERE workspace_id = ? AND path = ?`, workspaceID, path)
	return scanTrigger(row)
}

func scanTrigger(row rowScanner) (*models.TriggerRow, error) {
	var t models.TriggerRow
	var isFlow int
	var kind, mode string
	var serverID, lastPing sql.NullString
	var retry []byte

	if err := row.Scan(&t.Path, &t.WorkspaceID, &isFlow, &t.ScriptPath, &t.EditedBy, &t.Email,
		&kind, &mode, &t.Error, &serverID, &lastPing, &t.ErrorHandlerPath, &t.ErrorHandlerArgs,
		&retry, &t.KindConfig); err != nil {
		return nil, err
	}
	t.IsFlow = isFlow != 0
	t.Kind = models.TriggerKind(kind)
	t.Mode = models.TriggerMode(mode)
	if serverID.Valid {
		t.ServerID = &serverID.String
	}
	if lastPing.Valid {
		tm, _ := time.Parse(time.RFC3339Nano, lastPing.String)
		t.LastServerPing = &tm
	}
	if len(retry) > 0 {
		if err := json.Unmarshal(retry, &t.Retry); err != nil {
			return nil, fmt.Errorf("unmarshal retry: %w", err)
		}
	}
	return &t, nil
}

func (d *DB) DeleteTrigger(ctx context.Context, workspaceID, path string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM triggers WHERE workspace_id = ? AND path = ?`, workspaceID, path)
	return err
}

func (d *DB) ListClaimableTriggers(ctx context.Context, now time.Time) ([]*models.TriggerRow, error) {
	stale := now.Add(-models.StalenessWindow).UTC().Format(time.RFC3339Nano)
	rows, err := d.db.QueryContext(ctx, `
		SELECT path, workspace_id, is_flow, script_path, edited_by, email, kind, mode, error,
			server_id, last_server_ping, error_handler_path, error_handler_args, retry, kind_config
		FROM triggers
		WHERE mode IN ('enabled','suspended') AND (last_server_ping IS NULL OR last_server_ping < ?)`, stale)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.TriggerRow
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DB) ListTriggersForServer(ctx context.Context, serverID string) ([]*models.TriggerRow, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT path, workspace_id, is_flow, script_path, edited_by, email, kind, mode, error,
			server_id, last_server_ping, error_handler_path, error_handler_args, retry, kind_config
		FROM triggers WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.TriggerRow
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTrigger flips the lease to serverID only if it is currently stale,
// the same compare-and-set the original Rust listener performs with its
// `UPDATE ... WHERE last_server_ping IS NULL OR last_server_ping < $stale`
// statement (windmill-trigger/src/listener.rs).
func (d *DB) ClaimTrigger(ctx context.Context, workspaceID, path, serverID string, now time.Time) (bool, error) {
	stale := now.Add(-models.StalenessWindow).UTC().Format(time.RFC3339Nano)
	res, err := d.db.ExecContext(ctx, `
		UPDATE triggers SET server_id = ?, last_server_ping = ?
		WHERE workspace_id = ? AND path = ? AND (last_server_ping IS NULL OR last_server_ping < ?)`,
		serverID, now.UTC().Format(time.RFC3339Nano), workspaceID, path, stale)
	if err != nil {
		return false, fmt.Errorf("claim trigger %s/%s: %w", workspaceID, path, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (d *DB) PingTrigger(ctx context.Context, workspaceID, path, serverID string, now time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE triggers SET last_server_ping = ? WHERE workspace_id = ? AND path = ? AND server_id = ?`,
		now.UTC().Format(time.RFC3339Nano), workspaceID, path, serverID)
	return err
}

func (d *DB) ReleaseTrigger(ctx context.Context, workspaceID, path, serverID string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE triggers SET server_id = NULL, last_server_ping = NULL
		WHERE workspace_id = ? AND path = ? AND server_id = ?`, workspaceID, path, serverID)
	return err
}

func (d *DB) SetTriggerError(ctx context.Context, workspaceID, path, errMsg string, disable bool) error {
	if disable {
		_, err := d.db.ExecContext(ctx, `
			UPDATE triggers SET error = ?, mode = 'disabled' WHERE workspace_id = ? AND path = ?`,
			errMsg, workspaceID, path)
		return err
	}
	_, err := d.db.ExecContext(ctx, `
		UPDATE triggers SET error = ? WHERE workspace_id = ? AND path = ?`, errMsg, workspaceID, path)
	return err
}

func (d *DB) UpsertCapture(ctx context.Context, c *models.CaptureRow) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO captures (path, workspace_id, kind, kind_config)
		VALUES (?,?,?,?)
		ON CONFLICT(workspace_id, path) DO UPDATE SET kind=excluded.kind, kind_config=excluded.kind_config`,
		c.Path, c.WorkspaceID, string(c.Kind), c.KindConfig)
	return err
}

func (d *DB) GetCapture(ctx context.Context, workspaceID, path string) (*models.CaptureRow, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT path, workspace_id, kind, server_id, last_client_ping, kind_config
		FROM captures WHERE workspace_id = ? AND path = ?`, workspaceID, path)
	return scanCapture(row)
}

func scanCapture(row rowScanner) (*models.CaptureRow, error) {
	var c models.CaptureRow
	var kind string
	var serverID, lastPing sql.NullString
	if err := row.Scan(&c.Path, &c.WorkspaceID, &kind, &serverID, &lastPing, &c.KindConfig); err != nil {
		return nil, err
	}
	c.Kind = models.TriggerKind(kind)
	if serverID.Valid {
		c.ServerID = &serverID.String
	}
	if lastPing.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastPing.String)
		c.LastClientPing = &t
	}
	return &c, nil
}

func (d *DB) ListClaimableCaptures(ctx context.Context, now time.Time) ([]*models.CaptureRow, error) {
	stale := now.Add(-models.CaptureStalenessWindow).UTC().Format(time.RFC3339Nano)
	rows, err := d.db.QueryContext(ctx, `
		SELECT path, workspace_id, kind, server_id, last_client_ping, kind_config
		FROM captures WHERE server_id IS NULL OR last_client_ping < ?`, stale)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.CaptureRow
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DB) ClaimCapture(ctx context.Context, workspaceID, path, serverID string, now time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE captures SET server_id = ? WHERE workspace_id = ? AND path = ? AND (server_id IS NULL OR server_id = ?)`,
		serverID, workspaceID, path, serverID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (d *DB) PingCapture(ctx context.Context, workspaceID, path, serverID string, now time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE captures SET last_client_ping = ? WHERE workspace_id = ? AND path = ? AND server_id = ?`,
		now.UTC().Format(time.RFC3339Nano), workspaceID, path, serverID)
	return err
}

// TouchCaptureClientPing records that a client is still polling for capture
// events, the signal the listener uses to decide whether to keep listening
// (capture leases die faster than trigger leases when no one is watching).
func (d *DB) TouchCaptureClientPing(ctx context.Context, workspaceID, path string, now time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE captures SET last_client_ping = ? WHERE workspace_id = ? AND path = ?`,
		now.UTC().Format(time.RFC3339Nano), workspaceID, path)
	return err
}

func (d *DB) AppendCaptureEvent(ctx context.Context, workspaceID, path string, event *models.CaptureEvent) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO capture_events (id, workspace_id, path, created_at, payload) VALUES (?,?,?,?,?)`,
		event.ID, workspaceID, path, event.CreatedAt.UTC().Format(time.RFC3339Nano), event.Payload)
	return err
}

func (d *DB) ListCaptureEvents(ctx context.Context, workspaceID, path string, since time.Time) ([]*models.CaptureEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, path, created_at, payload FROM capture_events
		WHERE workspace_id = ? AND path = ? AND created_at >= ? ORDER BY created_at ASC`,
		workspaceID, path, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.CaptureEvent
	for rows.Next() {
		var e models.CaptureEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Path, &createdAt, &e.Payload); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
