// Package cache implements the read-through business logic over the three
// cache tables of spec §4.9: lockfile resolution cache, compiled flow-lite
// cache, and job result cache. internal/store/sqlite holds the raw table
// access; this package owns key hashing and TTL policy.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/windmill-labs/windmill-core/internal/models"
	"github.com/windmill-labs/windmill-core/internal/store"
)

// DefaultLockfileTTL is how long a resolved lockfile is trusted before the
// dependency job is asked to re-resolve it.
const DefaultLockfileTTL = 7 * 24 * time.Hour

// Cache fronts store.CacheStore with key hashing and TTL enforcement.
type Cache struct {
	store store.CacheStore
}

func New(s store.CacheStore) *Cache {
	return &Cache{store: s}
}

// LockfileKey hashes (language, requirements_text) into the lockfile_cache
// primary key, so two scripts with identical dependency declarations share
// a single resolution.
func LockfileKey(lang models.ScriptLang, requirementsText string) string {
	h := xxhash.New()
	h.Write([]byte(lang))
	h.Write([]byte{0})
	h.Write([]byte(requirementsText))
	return strconv.FormatUint(h.Sum64(), 16)
}

// Lockfile returns a cached lockfile for (lang, requirementsText), or nil
// if absent or expired.
func (c *Cache) Lockfile(ctx context.Context, lang models.ScriptLang, requirementsText string) ([]byte, bool, error) {
	e, err := c.store.GetLockfile(ctx, LockfileKey(lang, requirementsText), time.Now())
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	return e.Lockfile, true, nil
}

// PutLockfile stores a freshly resolved lockfile with the default TTL.
func (c *Cache) PutLockfile(ctx context.Context, lang models.ScriptLang, requirementsText string, lockfile []byte) error {
	now := time.Now()
	return c.store.PutLockfile(ctx, &models.LockfileCacheEntry{
		Key:       LockfileKey(lang, requirementsText),
		Language:  lang,
		Lockfile:  lockfile,
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultLockfileTTL),
	})
}

// FlowLite returns the compiled lite form of a flow version, if cached.
// Entries never expire by TTL (spec §4.9) — a new flow_version_id is a
// new cache key, so staleness can't occur.
func (c *Cache) FlowLite(ctx context.Context, flowVersionID string) ([]byte, bool, error) {
	e, err := c.store.GetFlowLite(ctx, flowVersionID)
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	return e.FlowValueLite, true, nil
}

func (c *Cache) PutFlowLite(ctx context.Context, flowVersionID string, lite []byte) error {
	return c.store.PutFlowLite(ctx, &models.FlowLiteCacheEntry{
		FlowVersionID: flowVersionID,
		FlowValueLite: lite,
		CreatedAt:     time.Now(),
	})
}

// JobResultKey hashes a job's call arguments into the job_result_cache
// composite key's args_hash half; the script_hash half is supplied by the
// caller (the worker passes its workspace-qualified runnable path).
func JobResultKey(args models.Args) (string, error) {
	buf, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal args for cache key: %w", err)
	}
	h := xxhash.Sum64(buf)
	return strconv.FormatUint(h, 16), nil
}

// JobResult returns a cached job result for (scriptHash, args), gated by
// the script's own cache_ttl (spec §4.9) — a nil or non-positive cacheTTL
// means the script opted out of result caching and this always misses.
func (c *Cache) JobResult(ctx context.Context, scriptHash string, args models.Args, cacheTTL *int) ([]byte, bool, error) {
	if cacheTTL == nil || *cacheTTL <= 0 {
		return nil, false, nil
	}
	argsHash, err := JobResultKey(args)
	if err != nil {
		return nil, false, err
	}
	e, err := c.store.GetJobResult(ctx, scriptHash, argsHash, time.Now())
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	return e.Result, true, nil
}

// PutJobResult stores a successful job result under the script's own
// cache_ttl (seconds). A nil or non-positive cacheTTL means caching is
// disabled for this script and PutJobResult is a no-op.
func (c *Cache) PutJobResult(ctx context.Context, scriptHash string, args models.Args, result []byte, cacheTTL *int) error {
	if cacheTTL == nil || *cacheTTL <= 0 {
		return nil
	}
	argsHash, err := JobResultKey(args)
	if err != nil {
		return err
	}
	now := time.Now()
	return c.store.PutJobResult(ctx, &models.JobResultCacheEntry{
		ScriptHash: scriptHash,
		ArgsHash:   argsHash,
		Result:     result,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(*cacheTTL) * time.Second),
	})
}
