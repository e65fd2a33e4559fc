package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/windmill-labs/windmill-core/internal/cache"
	"github.com/windmill-labs/windmill-core/internal/common"
	"github.com/windmill-labs/windmill-core/internal/models"
	"github.com/windmill-labs/windmill-core/internal/runner"
	"github.com/windmill-labs/windmill-core/internal/store"
)

var errNoFlowDispatch = errors.New("queue: flow-kind job but no FlowDispatch configured")

// FlowDispatch hands a flow-kind job to the flow executor instead of the
// language runner (spec §4.2 step 3). Implemented by internal/flow to
// avoid an import cycle (queue -> flow -> queue for child pushes).
type FlowDispatch func(ctx context.Context, job *models.Job, entry *models.QueueEntry) (*models.CompletedJob, error)

// ScriptExecutor runs one script-kind job and returns its terminal result,
// the worker half of spec §4.2: preprocessor two-pass check, reserved-
// variable substitution, ping, subprocess supervision, result packaging.
type ScriptExecutor struct {
	store     store.JobStore
	logger    arbor.ILogger
	resolve   func(job *models.Job) (lang models.ScriptLang, scriptPath string, err error)
	flow      FlowDispatch
	cache     *cache.Cache
	defaultTO time.Duration
	pusher    *Pusher
	pollEvery time.Duration
}

// NewScriptExecutor builds a ScriptExecutor. resolve maps a Job's
// RunnablePath/RunnableID to the language and on-disk script path the
// runner should invoke (spec §4.4 "Runnable resolution"). cache may be nil,
// in which case job-result caching is skipped entirely. pusher dispatches
// the preprocessor child job (spec §4.4 scenario 2); pollEvery controls how
// often its completion is polled.
func NewScriptExecutor(s store.JobStore, logger arbor.ILogger, resolve func(*models.Job) (models.ScriptLang, string, error), flow FlowDispatch, c *cache.Cache, defaultTimeout time.Duration, pusher *Pusher, pollEvery time.Duration) *ScriptExecutor {
	if pollEvery <= 0 {
		pollEvery = 500 * time.Millisecond
	}
	return &ScriptExecutor{store: s, logger: logger, resolve: resolve, flow: flow, cache: c, defaultTO: defaultTimeout, pusher: pusher, pollEvery: pollEvery}
}

// scriptIdentity is the job-result cache key's scriptHash half: a job
// carries no separate content hash, so the workspace-qualified runnable
// path stands in for script identity (spec §4.9 keys results by
// (script_hash, args_hash); re-publishing a script under the same path
// invalidates naturally once its cache_ttl window passes).
func scriptIdentity(job *models.Job) string {
	return job.WorkspaceID + ":" + job.RunnablePath
}

// Handle implements queue.Handler: dispatched by the Dispatcher once per
// claim.
func (e *ScriptExecutor) Handle(ctx context.Context, job *models.Job, entry *models.QueueEntry) (*models.CompletedJob, error) {
	if job.Kind.IsFlowKind() {
		if e.flow == nil {
			return nil, errNoFlowDispatch
		}
		return e.flow(ctx, job, entry)
	}

	if job.Kind == models.JobKindDependencies || job.Kind == models.JobKindFlowDeps {
		return e.handleDependencies(ctx, job)
	}

	if job.Preprocessed == models.PreprocessPending {
		newArgs, err := e.runPreprocessor(ctx, job)
		if err != nil {
			return e.failure(job, time.Now(), fmt.Errorf("preprocessor: %w", err)), nil
		}
		if err := e.store.SetPreprocessed(ctx, job.ID, newArgs); err != nil {
			return e.failure(job, time.Now(), fmt.Errorf("record preprocessor result: %w", err)), nil
		}
		job.Args = newArgs
		job.Preprocessed = models.PreprocessDone
	}

	start := time.Now()

	if e.cache != nil {
		if cached, hit, err := e.cache.JobResult(ctx, scriptIdentity(job), job.Args, job.CacheTTL); err == nil && hit {
			return &models.CompletedJob{
				JobID: job.ID, Status: models.StatusSuccess, StartedAt: start, CompletedAt: time.Now(),
				DurationMs: 0, Worker: workerOf(entry), Result: cached,
			}, nil
		}
	}

	lang, scriptPath, err := e.resolve(job)
	if err != nil {
		return e.failure(job, start, err), nil
	}

	timeout := e.defaultTO
	if job.Timeout != nil && *job.Timeout > 0 {
		timeout = time.Duration(*job.Timeout) * time.Second
	}

	ping := func(ctx context.Context) error {
		return e.store.Ping(ctx, job.ID, *entry.Worker, time.Now())
	}
	checkCanceled := func(ctx context.Context) (bool, string) {
		fresh, err := e.store.GetQueueEntry(ctx, job.ID)
		if err != nil {
			return false, ""
		}
		if fresh.IsCanceled() {
			return true, *fresh.CanceledReason
		}
		return false, ""
	}

	runArgs, err := e.resolveArgs(job)
	if err != nil {
		return e.failure(job, start, fmt.Errorf("resolve reserved variables: %w", err)), nil
	}

	result, runErr := runner.Run(ctx, e.logger, lang, scriptPath, runArgs, timeout, ping, checkCanceled, entrypointOverrideOf(job))
	if result != nil && result.Canceled {
		return &models.CompletedJob{
			JobID: job.ID, Status: models.StatusCanceled, StartedAt: start, CompletedAt: time.Now(),
			DurationMs: result.DurationMs, Worker: workerOf(entry), Result: canceledResultJSON(result.CancelWhy),
		}, nil
	}
	if runErr != nil {
		return e.failure(job, start, runErr), nil
	}

	if e.cache != nil {
		if err := e.cache.PutJobResult(ctx, scriptIdentity(job), job.Args, result.Output, job.CacheTTL); err != nil {
			e.logger.Warn().Err(err).Str("job", job.ID).Msg("failed to store job result cache entry")
		}
	}

	return &models.CompletedJob{
		JobID: job.ID, Status: models.StatusSuccess, StartedAt: start, CompletedAt: time.Now(),
		DurationMs: result.DurationMs, Worker: workerOf(entry), Result: result.Output,
	}, nil
}

// handleDependencies resolves a script's declared requirements into a
// lockfile, consulting the cache before doing any work (spec §4.9 "lockfile
// resolution cache"). There is no real package-manager invocation here: the
// declared requirements text stands in as its own resolved lockfile, since
// spec.md scopes out the resolver's own internals and only the caching
// contract around it is in scope.
func (e *ScriptExecutor) handleDependencies(ctx context.Context, job *models.Job) (*models.CompletedJob, error) {
	start := time.Now()

	var lang models.ScriptLang
	if job.ScriptLang != nil {
		lang = *job.ScriptLang
	}
	requirements := string(job.Args["raw_requirements"])

	if e.cache != nil {
		if lockfile, hit, err := e.cache.Lockfile(ctx, lang, requirements); err == nil && hit {
			return &models.CompletedJob{
				JobID: job.ID, Status: models.StatusSuccess, StartedAt: start, CompletedAt: time.Now(),
				DurationMs: 0, Result: lockfile,
			}, nil
		}
	}

	lockfile := []byte(requirements)
	if e.cache != nil {
		if err := e.cache.PutLockfile(ctx, lang, requirements, lockfile); err != nil {
			e.logger.Warn().Err(err).Str("job", job.ID).Msg("failed to store lockfile cache entry")
		}
	}

	return &models.CompletedJob{
		JobID: job.ID, Status: models.StatusSuccess, StartedAt: start, CompletedAt: time.Now(),
		DurationMs: time.Since(start).Milliseconds(), Result: lockfile,
	}, nil
}

func (e *ScriptExecutor) failure(job *models.Job, start time.Time, err error) *models.CompletedJob {
	body, _ := json.Marshal(models.ResultError{Name: "ExecutionError", Message: err.Error()})
	return &models.CompletedJob{
		JobID: job.ID, Status: models.StatusFailure, StartedAt: start, CompletedAt: time.Now(),
		DurationMs: time.Since(start).Milliseconds(), Result: body,
	}
}

func workerOf(entry *models.QueueEntry) string {
	if entry.Worker == nil {
		return ""
	}
	return *entry.Worker
}

func canceledResultJSON(reason string) []byte {
	body, _ := json.Marshal(models.ResultError{Name: "Canceled", Message: reason})
	return body
}

// preprocessorEntrypoint is the ScriptEntrypointOverride recorded on the
// preprocessor child job (spec §4.4 scenario 2).
const preprocessorEntrypoint = "preprocessor"

// runPreprocessor runs the two-pass preprocessor protocol: a recorded child
// job invokes the runnable's "preprocessor" entrypoint with the original
// args, and its result becomes the args the main run is dispatched with
// (spec §4.4 scenario 2: "the script runs twice; the first run's result is
// fed in as the second run's args").
func (e *ScriptExecutor) runPreprocessor(ctx context.Context, job *models.Job) (models.Args, error) {
	if e.pusher == nil {
		return nil, fmt.Errorf("preprocessor pending but no pusher configured")
	}
	stepID := preprocessorEntrypoint
	entrypoint := preprocessorEntrypoint
	child := &models.Job{
		ID:                       uuid.NewString(),
		WorkspaceID:              job.WorkspaceID,
		Kind:                     models.JobKindScript,
		RunnableID:               job.RunnableID,
		RunnablePath:             job.RunnablePath,
		ScriptLang:               job.ScriptLang,
		Tag:                      job.Tag,
		Priority:                 job.Priority,
		PermissionedAs:           job.PermissionedAs,
		PermissionedAsEmail:      job.PermissionedAsEmail,
		CreatedBy:                job.CreatedBy,
		Args:                     job.Args,
		ParentJob:                &job.ID,
		FlowStepID:               &stepID,
		VisibleToOwner:           job.VisibleToOwner,
		Timeout:                  job.Timeout,
		ScriptEntrypointOverride: &entrypoint,
	}

	if _, err := e.pusher.Push(ctx, child); err != nil {
		return nil, fmt.Errorf("push preprocessor child job: %w", err)
	}

	completed, err := e.awaitCompletion(ctx, child.ID)
	if err != nil {
		return nil, err
	}
	if completed.Status != models.StatusSuccess {
		var resErr models.ResultError
		_ = json.Unmarshal(completed.Result, &resErr)
		return nil, fmt.Errorf("preprocessor child job %s did not succeed: %s", child.ID, resErr.Message)
	}

	var newArgs models.Args
	if err := json.Unmarshal(completed.Result, &newArgs); err != nil {
		return nil, fmt.Errorf("unmarshal preprocessor result as args: %w", err)
	}
	return newArgs, nil
}

func (e *ScriptExecutor) awaitCompletion(ctx context.Context, jobID string) (*models.CompletedJob, error) {
	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()
	for {
		completed, err := e.store.GetCompleted(ctx, jobID)
		if err == nil && completed != nil {
			return completed, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// reservedVars builds the reserved-variable kv map for a run (spec §4.4):
// job_id, workspace_id and permissioned_as always, parent_job and
// flow_step_id when set. It holds no job-scoped auth token and no base URL.
func reservedVars(job *models.Job) map[string]string {
	kv := map[string]string{
		"job_id":          job.ID,
		"workspace_id":    job.WorkspaceID,
		"permissioned_as": job.PermissionedAs,
	}
	if job.ParentJob != nil {
		kv["parent_job"] = *job.ParentJob
	}
	if job.FlowStepID != nil {
		kv["flow_step_id"] = *job.FlowStepID
	}
	return kv
}

// resolveArgs substitutes {key}-style reserved-variable references (spec
// §4.4) into a copy of job.Args, leaving job.Args itself untouched since
// reserved vars are unique per job id and substituting them in place would
// defeat the job-result cache key (spec §4.9).
func (e *ScriptExecutor) resolveArgs(job *models.Job) (models.Args, error) {
	decoded := make(map[string]interface{}, len(job.Args))
	for k, v := range job.Args {
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			val = string(v)
		}
		decoded[k] = val
	}

	if err := common.ReplaceInMap(decoded, reservedVars(job), e.logger); err != nil {
		return nil, fmt.Errorf("substitute reserved variables: %w", err)
	}

	out := make(models.Args, len(decoded))
	for k, v := range decoded {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal resolved arg %q: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

func entrypointOverrideOf(job *models.Job) string {
	if job.ScriptEntrypointOverride == nil {
		return ""
	}
	return *job.ScriptEntrypointOverride
}
