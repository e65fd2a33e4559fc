package models

import "time"

// LockfileCacheEntry is the dependency resolution cache keyed by
// (language, requirements hash) (spec §4.9, §4.4).
type LockfileCacheEntry struct {
	Key       string    `json:"key" db:"key"` // hash of (language, requirements_text)
	Language  ScriptLang `json:"language" db:"language"`
	Lockfile  []byte    `json:"lockfile" db:"lockfile"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

func (e *LockfileCacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// FlowLiteCacheEntry caches a flow version's compiled lite form (spec
// §4.5.7, §4.9). Never expires by TTL; invalidated only by a new
// flow_version_id.
type FlowLiteCacheEntry struct {
	FlowVersionID string    `json:"flow_version_id" db:"flow_version_id"`
	FlowValueLite []byte    `json:"flow_value_lite" db:"flow_value_lite"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// JobResultCacheEntry caches a successful job result keyed by
// (script_hash, args_hash), gated by the script's own cache_ttl (spec
// §4.9).
type JobResultCacheEntry struct {
	ScriptHash string    `json:"script_hash" db:"script_hash"`
	ArgsHash   string    `json:"args_hash" db:"args_hash"`
	Result     []byte    `json:"result" db:"result"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

func (e *JobResultCacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}
