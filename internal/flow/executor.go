// Package flow implements the durable flow state machine (spec §4.5): a
// running flow has no in-memory state of its own. Everything the executor
// needs to resume after a crash lives in the FlowStatus row, so Handle can
// be re-entered from scratch by any worker that claims the parent job.
//
// Handle blocks for the lifetime of the flow, polling each child job to
// completion before advancing the cursor and persisting it. This differs
// from the original implementation's purely event-driven design
// (windmill-worker resumes a flow from a queue message per child
// completion) but preserves the same durability property: at any point the
// only source of truth is the FlowStatus row, so a crash simply means the
// reaper requeues the parent job and a fresh Handle call picks up the
// cursor where the row left it.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/windmill-labs/windmill-core/internal/models"
	"github.com/windmill-labs/windmill-core/internal/queue"
	"github.com/windmill-labs/windmill-core/internal/runner"
	"github.com/windmill-labs/windmill-core/internal/store"
)

// Resolver loads the deployed FlowValue a flow-kind Job points at
// (RunnablePath -> definition), the flow analogue of ScriptExecutor's
// script resolve callback.
type Resolver func(ctx context.Context, job *models.Job) (*models.FlowValue, error)

// Executor drives the flow state machine for jobs the dispatcher routes to
// it via queue.FlowDispatch.
type Executor struct {
	jobs     store.JobStore
	flows    store.FlowStore
	pusher   *queue.Pusher
	resolve  Resolver
	logger   arbor.ILogger
	pollEvery time.Duration
}

// NewExecutor builds an Executor. pollEvery controls how often child job
// completion and suspend/resume state are re-checked (has no spec-mandated
// value; the original implementation is purely event-driven and has no
// equivalent knob).
func NewExecutor(jobs store.JobStore, flows store.FlowStore, pusher *queue.Pusher, resolve Resolver, logger arbor.ILogger, pollEvery time.Duration) *Executor {
	if pollEvery <= 0 {
		pollEvery = 500 * time.Millisecond
	}
	return &Executor{jobs: jobs, flows: flows, pusher: pusher, resolve: resolve, logger: logger, pollEvery: pollEvery}
}

// Handle implements queue.FlowDispatch.
func (e *Executor) Handle(ctx context.Context, job *models.Job, entry *models.QueueEntry) (*models.CompletedJob, error) {
	start := time.Now()
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(runner.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				_ = e.jobs.Ping(pingCtx, job.ID, workerOf(entry), time.Now())
			}
		}
	}()

	flowValue, err := e.resolve(ctx, job)
	if err != nil {
		return e.failAll(job, start, fmt.Errorf("resolve flow: %w", err)), nil
	}

	status, rev, preloaded, err := e.loadOrInit(ctx, job, flowValue)
	if err != nil {
		return e.failAll(job, start, fmt.Errorf("load flow status: %w", err)), nil
	}

	results := make(map[string]any, len(flowValue.Modules))
	for k, v := range preloaded {
		results[k] = v
	}
	var flowErr error

runLoop:
	for status.Step < len(flowValue.Modules) {
		if canceled, reason := e.checkCanceled(ctx, job.ID); canceled {
			return &models.CompletedJob{
				JobID: job.ID, Status: models.StatusCanceled, StartedAt: start, CompletedAt: time.Now(),
				DurationMs: time.Since(start).Milliseconds(), Worker: workerOf(entry),
				Result: errorJSON("Canceled", reason),
			}, nil
		}

		mod := &flowValue.Modules[status.Step]
		evalCtx := &Context{FlowInput: argsToMap(job.Args), Results: results, FlowStepID: mod.ID, Step: status.Step}
		if status.Step > 0 {
			evalCtx.PreviousID = flowValue.Modules[status.Step-1].ID
		}

		out, modErr := e.runModule(ctx, job, mod, evalCtx, status)
		if modErr != nil {
			flowErr = modErr
			break runLoop
		}
		results[mod.ID] = out

		status.Step++
		rev++
		if err := e.flows.UpdateFlowStatus(ctx, status, rev-1); err != nil {
			return e.failAll(job, start, fmt.Errorf("persist flow cursor: %w", err)), nil
		}
	}

	if flowErr != nil {
		if flowValue.FailureModule != nil {
			fctx := &Context{FlowInput: argsToMap(job.Args), Results: results, Step: -1}
			_, _ = e.runModule(ctx, job, flowValue.FailureModule, fctx, status)
		}
		if flowValue.CleanupModule != nil {
			cctx := &Context{FlowInput: argsToMap(job.Args), Results: results, Step: -1}
			_, _ = e.runModule(ctx, job, flowValue.CleanupModule, cctx, status)
		}
		return &models.CompletedJob{
			JobID: job.ID, Status: models.StatusFailure, StartedAt: start, CompletedAt: time.Now(),
			DurationMs: time.Since(start).Milliseconds(), Worker: workerOf(entry),
			Result: errorJSON("FlowError", flowErr.Error()),
		}, nil
	}

	if flowValue.CleanupModule != nil {
		cctx := &Context{FlowInput: argsToMap(job.Args), Results: results, Step: -1}
		_, _ = e.runModule(ctx, job, flowValue.CleanupModule, cctx, status)
	}

	finalResult := lastResult(flowValue, results, job.Args)
	return &models.CompletedJob{
		JobID: job.ID, Status: models.StatusSuccess, StartedAt: start, CompletedAt: time.Now(),
		DurationMs: time.Since(start).Milliseconds(), Worker: workerOf(entry), Result: finalResult,
	}, nil
}

// loadOrInit returns the flow's current cursor plus any results that must be
// seeded into the run loop before it starts: empty for a fresh or crash-
// resumed flow (the run loop recomputes results as it advances), but
// populated from the source flow's completed modules for a restart-from job
// (spec §4.5.6).
func (e *Executor) loadOrInit(ctx context.Context, job *models.Job, fv *models.FlowValue) (*models.FlowStatus, int, map[string]any, error) {
	existing, err := e.flows.GetFlowStatus(ctx, job.ID)
	if err == nil && existing != nil {
		return existing, existing.Revision, nil, nil
	}

	if job.Kind == models.JobKindRestartedFlow && job.RestartedFromJobID != nil && job.RestartedFromStepID != nil {
		return e.loadRestarted(ctx, job, fv)
	}

	modules := make([]models.ModuleState, len(fv.Modules))
	for i, m := range fv.Modules {
		modules[i] = models.ModuleState{ID: m.ID, State: models.ModuleWaitingForPriorSteps}
	}
	status := &models.FlowStatus{JobID: job.ID, Step: 0, Modules: modules, Revision: 0}
	if fv.FailureModule != nil {
		status.FailureModule = &fv.FailureModule.ID
	}
	if fv.CleanupModule != nil {
		status.CleanupModule = &fv.CleanupModule.ID
	}
	if err := e.flows.InsertFlowStatus(ctx, status); err != nil {
		return nil, 0, nil, err
	}
	return status, 0, nil, nil
}

// loadRestarted clones the source flow's status up to (not including)
// job.RestartedFromStepID, truncating forward state and preloading prior
// results so downstream transforms can still reference them (spec §4.5.6
// scenario 4: "restart-from clones the source flow's status, truncates
// modules[] at the requested step_id, and preserves prior results").
func (e *Executor) loadRestarted(ctx context.Context, job *models.Job, fv *models.FlowValue) (*models.FlowStatus, int, map[string]any, error) {
	source, err := e.flows.GetFlowStatus(ctx, *job.RestartedFromJobID)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("load source flow status: %w", err)
	}

	targetIdx := -1
	for i, m := range fv.Modules {
		if m.ID == *job.RestartedFromStepID {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return nil, 0, nil, fmt.Errorf("restart-from: step %q not found", *job.RestartedFromStepID)
	}

	modules := make([]models.ModuleState, len(fv.Modules))
	for i, m := range fv.Modules {
		if i < targetIdx && i < len(source.Modules) {
			modules[i] = source.Modules[i]
		} else {
			modules[i] = models.ModuleState{ID: m.ID, State: models.ModuleWaitingForPriorSteps}
		}
	}

	status := &models.FlowStatus{
		JobID: job.ID, Step: targetIdx, Modules: modules, Revision: 0,
		RestartedFrom: &models.RestartPoint{
			SourceJobID: *job.RestartedFromJobID,
			StepID:      *job.RestartedFromStepID,
			BranchIndex: job.RestartedFromBranchIndex,
			IterIndex:   job.RestartedFromIterIndex,
		},
	}
	if fv.FailureModule != nil {
		status.FailureModule = &fv.FailureModule.ID
	}
	if fv.CleanupModule != nil {
		status.CleanupModule = &fv.CleanupModule.ID
	}
	if err := e.flows.InsertFlowStatus(ctx, status); err != nil {
		return nil, 0, nil, err
	}

	preload := e.resultsUpTo(ctx, modules[:targetIdx])
	return status, 0, preload, nil
}

// resultsUpTo re-hydrates each preserved module's terminal result from its
// recorded child job, so a restarted flow's transforms can still resolve
// results.<step_id> for steps it did not re-run.
func (e *Executor) resultsUpTo(ctx context.Context, modules []models.ModuleState) map[string]any {
	out := make(map[string]any, len(modules))
	for _, ms := range modules {
		if ms.Job == nil {
			continue
		}
		completed, err := e.jobs.GetCompleted(ctx, *ms.Job)
		if err != nil || completed == nil {
			continue
		}
		var v any
		if err := json.Unmarshal(completed.Result, &v); err == nil {
			out[ms.ID] = v
		}
	}
	return out
}

func (e *Executor) checkCanceled(ctx context.Context, jobID string) (bool, string) {
	fresh, err := e.jobs.GetQueueEntry(ctx, jobID)
	if err != nil || fresh == nil {
		return false, ""
	}
	if fresh.IsCanceled() {
		return true, *fresh.CanceledReason
	}
	return false, ""
}

func (e *Executor) failAll(job *models.Job, start time.Time, err error) *models.CompletedJob {
	return &models.CompletedJob{
		JobID: job.ID, Status: models.StatusFailure, StartedAt: start, CompletedAt: time.Now(),
		DurationMs: time.Since(start).Milliseconds(), Result: errorJSON("FlowError", err.Error()),
	}
}

func errorJSON(name, msg string) []byte {
	return []byte(fmt.Sprintf(`{"name":%q,"message":%q}`, name, msg))
}

func workerOf(entry *models.QueueEntry) string {
	if entry == nil || entry.Worker == nil {
		return ""
	}
	return *entry.Worker
}

func argsToMap(a models.Args) map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		var decoded any
		if err := json.Unmarshal(v, &decoded); err == nil {
			out[k] = decoded
		}
	}
	return out
}

// lastResult returns the terminal flow result: the last module's output, or
// flow_input unchanged for a zero-module flow (spec §8, the flow boundary
// case where there is no module whose output could stand in for it).
func lastResult(fv *models.FlowValue, results map[string]any, flowInput models.Args) []byte {
	if len(fv.Modules) == 0 {
		b, _ := json.Marshal(flowInput)
		return b
	}
	last := fv.Modules[len(fv.Modules)-1]
	b, _ := json.Marshal(results[last.ID])
	return b
}

// writeInlineScript materializes a RawScript module's content to a temp
// file so it can flow through the same RunnablePath-based resolve/runner
// path as an on-disk script (spec §4.5's RawScript variant carries its
// content inline; the runner only knows how to execute files on disk).
func writeInlineScript(content string, lang models.ScriptLang) (string, error) {
	f, err := os.CreateTemp("", "windmill-rawscript-*"+extFor(lang))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func extFor(lang models.ScriptLang) string {
	switch lang {
	case models.ScriptLangPython:
		return ".py"
	case models.ScriptLangDeno, models.ScriptLangBun:
		return ".ts"
	case models.ScriptLangGo:
		return ".go"
	case models.ScriptLangPowershell:
		return ".ps1"
	default:
		return ".sh"
	}
}
