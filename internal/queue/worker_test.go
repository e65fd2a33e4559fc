package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/windmill-labs/windmill-core/internal/cache"
	"github.com/windmill-labs/windmill-core/internal/models"
	"github.com/windmill-labs/windmill-core/internal/store"
)

// fakeCacheStore is a minimal in-memory store.CacheStore for exercising the
// dependency-job lockfile path without a real database.
type fakeCacheStore struct {
	lockfiles map[string]*models.LockfileCacheEntry
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{lockfiles: map[string]*models.LockfileCacheEntry{}}
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

func (f *fakeCacheStore) GetFlowLite(_ context.Context, _ string) (*models.FlowLiteCacheEntry, error) {
	return nil, nil
}
func (f *fakeCacheStore) PutFlowLite(_ context.Context, _ *models.FlowLiteCacheEntry) error {
	return nil
}
func (f *fakeCacheStore) GetJobResult(_ context.Context, _, _ string, _ time.Time) (*models.JobResultCacheEntry, error) {
	return nil, nil
}
func (f *fakeCacheStore) PutJobResult(_ context.Context, _ *models.JobResultCacheEntry) error {
	return nil
}

var _ store.CacheStore = (*fakeCacheStore)(nil)

func TestHandleDependenciesPassesThroughRequirementsAsLockfile(t *testing.T) {
	c := cache.New(newFakeCacheStore())
	e := &ScriptExecutor{logger: arbor.NewLogger(), cache: c}

	lang := models.ScriptLangPython
	job := &models.Job{
		ID:          "job-1",
		WorkspaceID: "ws",
		Kind:        models.JobKindDependencies,
		ScriptLang:  &lang,
		Args:        models.Args{"raw_requirements": []byte(`"requests==2.31.0"`)},
	}

	completed, err := e.handleDependencies(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, completed.Status)
	assert.Equal(t, `"requests==2.31.0"`, string(completed.Result))
}

func TestHandleDependenciesCachesSecondCallAsHit(t *testing.T) {
	cacheStore := newFakeCacheStore()
	c := cache.New(cacheStore)
	e := &ScriptExecutor{logger: arbor.NewLogger(), cache: c}

	lang := models.ScriptLangPython
	job := &models.Job{
		ID:          "job-1",
		WorkspaceID: "ws",
		Kind:        models.JobKindDependencies,
		ScriptLang:  &lang,
		Args:        models.Args{"raw_requirements": []byte(`"requests==2.31.0"`)},
	}

	_, err := e.handleDependencies(context.Background(), job)
	require.NoError(t, err)
	assert.Len(t, cacheStore.lockfiles, 1, "first call must populate the lockfile cache")

	completed, err := e.handleDependencies(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, `"requests==2.31.0"`, string(completed.Result))
}

func TestScriptIdentityIsWorkspaceScoped(t *testing.T) {
	jobA := &models.Job{WorkspaceID: "ws-a", RunnablePath: "f/main"}
	jobB := &models.Job{WorkspaceID: "ws-b", RunnablePath: "f/main"}
	assert.NotEqual(t, scriptIdentity(jobA), scriptIdentity(jobB))
}
