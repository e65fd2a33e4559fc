package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// fakeCacheStore is an in-memory stand-in for store.CacheStore.
type fakeCacheStore struct {
	lockfiles map[string]*models.LockfileCacheEntry
	flowLites map[string]*models.FlowLiteCacheEntry
	results   map[string]*models.JobResultCacheEntry
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{
		lockfiles: map[string]*models.LockfileCacheEntry{},
		flowLites: map[string]*models.FlowLiteCacheEntry{},
		results:   map[string]*models.JobResultCacheEntry{},
	}
}

func (f *fakeCacheStore) GetLockfile(_ context.Context, key string, now time.Time) (*models.LockfileCacheEntry, error) {
	e, ok := f.lockfiles[key]
	if !ok || e.Expired(now) {
		return nil, nil
	}
	return e, nil
}

func (f *fakeCacheStore) PutLockfile(_ context.Context, e *models.LockfileCacheEntry) error {
	f.lockfiles[e.Key] = e
	return nil
}

func (f *fakeCacheStore) GetFlowLite(_ context.Context, flowVersionID string) (*models.FlowLiteCacheEntry, error) {
	e, ok := f.flowLites[flowVersionID]
	if !ok {
		return nil, nil
	}
	return e, nil
}

func (f *fakeCacheStore) PutFlowLite(_ context.Context, e *models.FlowLiteCacheEntry) error {
	f.flowLites[e.FlowVersionID] = e
	return nil
}

func (f *fakeCacheStore) GetJobResult(_ context.Context, scriptHash, argsHash string, now time.Time) (*models.JobResultCacheEntry, error) {
	e, ok := f.results[scriptHash+"/"+argsHash]
	if !ok || e.Expired(now) {
		return nil, nil
	}
	return e, nil
}

func (f *fakeCacheStore) PutJobResult(_ context.Context, e *models.JobResultCacheEntry) error {
	f.results[e.ScriptHash+"/"+e.ArgsHash] = e
	return nil
}

func TestLockfileRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeCacheStore())

	_, ok, err := c.Lockfile(ctx, models.ScriptLangPython, "requests==2.31.0")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.PutLockfile(ctx, models.ScriptLangPython, "requests==2.31.0", []byte("lockfile-bytes")))

	got, ok, err := c.Lockfile(ctx, models.ScriptLangPython, "requests==2.31.0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("lockfile-bytes"), got)
}

func TestLockfileKeyDiffersByLangAndText(t *testing.T) {
	k1 := LockfileKey(models.ScriptLangPython, "requests==2.31.0")
	k2 := LockfileKey(models.ScriptLangDeno, "requests==2.31.0")
	k3 := LockfileKey(models.ScriptLangPython, "requests==2.32.0")
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestFlowLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeCacheStore())

	_, ok, err := c.FlowLite(ctx, "fv-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.PutFlowLite(ctx, "fv-1", []byte(`{"modules":[]}`)))

	got, ok, err := c.FlowLite(ctx, "fv-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"modules":[]}`), got)
}

func TestJobResultNilTTLAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeCacheStore())
	args := models.Args{}

	require.NoError(t, c.PutJobResult(ctx, "script-1", args, []byte("result"), nil))
	_, ok, err := c.JobResult(ctx, "script-1", args, nil)
	require.NoError(t, err)
	assert.False(t, ok, "nil cache_ttl must never produce a cache hit")
}

func TestJobResultNonPositiveTTLIsNoop(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeCacheStore())
	args := models.Args{}
	zero := 0

	require.NoError(t, c.PutJobResult(ctx, "script-1", args, []byte("result"), &zero))
	ttl := 60
	_, ok, err := c.JobResult(ctx, "script-1", args, &ttl)
	require.NoError(t, err)
	assert.False(t, ok, "non-positive cache_ttl writes must be a no-op")
}

func TestJobResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeCacheStore())
	args := models.Args{}
	ttl := 300

	require.NoError(t, c.PutJobResult(ctx, "script-1", args, []byte(`{"ok":true}`), &ttl))

	got, ok, err := c.JobResult(ctx, "script-1", args, &ttl)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"ok":true}`), got)
}
