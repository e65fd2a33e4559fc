package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/windmill-labs/windmill-core/internal/store"
)

// GetToken implements store.AuthStore, the database-lookup tier of the
// auth resolution chain (spec §4.7).
func (d *DB) GetToken(ctx context.Context, tokenHash string, now time.Time) (*store.TokenRow, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT token_hash, email, username, is_admin, is_operator, groups, folders, scopes, expires_at
		FROM auth_tokens WHERE token_hash = ?`, tokenHash)

	var t store.TokenRow
	var isAdmin, isOperator int
	var groups, folders, scopes []byte
	var expiresAt sql.NullString

	if err := row.Scan(&t.TokenHash, &t.Email, &t.Username, &isAdmin, &isOperator, &groups, &folders, &scopes, &expiresAt); err != nil {
		return nil, err
	}
	t.IsAdmin = isAdmin != 0
	t.IsOperator = isOperator != 0
	_ = json.Unmarshal(groups, &t.Groups)
	_ = json.Unmarshal(folders, &t.Folders)
	_ = json.Unmarshal(scopes, &t.Scopes)
	if expiresAt.Valid {
		ts, err := time.Parse(time.RFC3339, expiresAt.String)
		if err == nil {
			t.ExpiresAt = &ts
		}
	}
	if t.ExpiresAt != nil && t.ExpiresAt.Before(now) {
		return nil, sql.ErrNoRows
	}
	return &t, nil
}
