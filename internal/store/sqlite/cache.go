package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/windmill-labs/windmill-core/internal/models"
)

func (d *DB) GetLockfile(ctx context.Context, key string, now time.Time) (*models.LockfileCacheEntry, error) {
	var e models.LockfileCacheEntry
	var lang, createdAt, expiresAt string
	err := d.db.QueryRowContext(ctx, `
		SELECT key, language, lockfile, created_at, expires_at FROM lockfile_cache WHERE key = ?`, key).
		Scan(&e.Key, &lang, &e.Lockfile, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Language = models.ScriptLang(lang)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	if e.Expired(now) {
		return nil, nil
	}
	return &e, nil
}

func (d *DB) PutLockfile(ctx context.Context, e *models.LockfileCacheEntry) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO lockfile_cache (key, language, lockfile, created_at, expires_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET lockfile=excluded.lockfile, created_at=excluded.created_at, expires_at=excluded.expires_at`,
		e.Key, string(e.Language), e.Lockfile, e.CreatedAt.UTC().Format(time.RFC3339Nano), e.ExpiresAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (d *DB) GetFlowLite(ctx context.Context, flowVersionID string) (*models.FlowLiteCacheEntry, error) {
	var e models.FlowLiteCacheEntry
	var createdAt string
	err := d.db.QueryRowContext(ctx, `
		SELECT flow_version_id, flow_value_lite, created_at FROM flow_lite_cache WHERE flow_version_id = ?`, flowVersionID).
		Scan(&e.FlowVersionID, &e.FlowValueLite, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, nil
}

func (d *DB) PutFlowLite(ctx context.Context, e *models.FlowLiteCacheEntry) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO flow_lite_cache (flow_version_id, flow_value_lite, created_at)
		VALUES (?,?,?)
		ON CONFLICT(flow_version_id) DO UPDATE SET flow_value_lite=excluded.flow_value_lite`,
		e.FlowVersionID, e.FlowValueLite, e.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (d *DB) GetJobResult(ctx context.Context, scriptHash, argsHash string, now time.Time) (*models.JobResultCacheEntry, error) {
	var e models.JobResultCacheEntry
	var createdAt, expiresAt string
	err := d.db.QueryRowContext(ctx, `
		SELECT script_hash, args_hash, result, created_at, expires_at FROM job_result_cache
		WHERE script_hash = ? AND args_hash = ?`, scriptHash, argsHash).
		Scan(&e.ScriptHash, &e.ArgsHash, &e.Result, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	if e.Expired(now) {
		return nil, nil
	}
	return &e, nil
}

func (d *DB) PutJobResult(ctx context.Context, e *models.JobResultCacheEntry) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO job_result_cache (script_hash, args_hash, result, created_at, expires_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(script_hash, args_hash) DO UPDATE SET result=excluded.result, created_at=excluded.created_at, expires_at=excluded.expires_at`,
		e.ScriptHash, e.ArgsHash, e.Result, e.CreatedAt.UTC().Format(time.RFC3339Nano), e.ExpiresAt.UTC().Format(time.RFC3339Nano))
	return err
}
