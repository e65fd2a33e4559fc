package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// runModule dispatches a single module to its variant handler, applying
// input transforms, suspend/approval gating, and retry first (spec §4.5,
// §4.5.2, §4.5.3, §4.5.5 apply uniformly to every variant).
func (e *Executor) runModule(ctx context.Context, job *models.Job, mod *models.Module, evalCtx *Context, status *models.FlowStatus) (any, error) {
	args, err := Resolve(mod.InputTransforms, evalCtx)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", mod.ID, err)
	}

	if mod.Suspend != nil && mod.Suspend.RequiredEvents > 0 {
		if err := e.waitForApproval(ctx, job, mod, status); err != nil {
			return nil, fmt.Errorf("module %s: %w", mod.ID, err)
		}
	}

	attempt := 0
	for {
		out, runErr := e.dispatchVariant(ctx, job, mod, args, evalCtx)
		if runErr == nil {
			return out, nil
		}
		attempt++
		delay, ok := backoff(mod.Retry, attempt)
		if !ok {
			if mod.ContinueOnError {
				e.logger.Warn().Err(runErr).Str("module_id", mod.ID).Msg("module failed, continuing per continue_on_error")
				return nil, nil
			}
			return nil, runErr
		}
		e.logger.Info().Err(runErr).Str("module_id", mod.ID).Int("attempt", attempt).Dur("delay", delay).Msg("retrying failed module")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (e *Executor) dispatchVariant(ctx context.Context, job *models.Job, mod *models.Module, args models.Args, evalCtx *Context) (any, error) {
	switch mod.Kind {
	case models.VariantIdentity:
		return argsToMap(args), nil

	case models.VariantRawScript:
		lang := models.ScriptLangBash
		if mod.Language != nil {
			lang = *mod.Language
		}
		path, err := writeInlineScript(mod.Content, lang)
		if err != nil {
			return nil, fmt.Errorf("materialize raw_script: %w", err)
		}
		return e.runChild(ctx, job, mod, models.JobKindPreview, path, &lang, args)

	case models.VariantScript:
		return e.runChild(ctx, job, mod, models.JobKindScript, mod.Path, mod.Language, args)

	case models.VariantFlowScript:
		return e.runChild(ctx, job, mod, models.JobKindFlowNode, mod.FlowNodeID, mod.Language, args)

	case models.VariantFlow:
		return e.runChild(ctx, job, mod, models.JobKindFlow, mod.Path, nil, args)

	case models.VariantForloopFlow:
		return e.runForloop(ctx, job, mod, evalCtx)

	case models.VariantBranchOne:
		return e.runBranchOne(ctx, job, mod, evalCtx)

	case models.VariantBranchAll:
		return e.runBranchAll(ctx, job, mod, evalCtx)

	default:
		return nil, fmt.Errorf("unknown module kind %q", mod.Kind)
	}
}

// runChild pushes one child job for a leaf (non-flow-structure) variant and
// blocks until it completes (spec §4.5.1's child-job-completion transition,
// collapsed into a synchronous wait since Handle owns the whole flow's
// lifetime for this implementation).
func (e *Executor) runChild(ctx context.Context, parent *models.Job, mod *models.Module, kind models.JobKind, runnablePath string, lang *models.ScriptLang, args models.Args) (any, error) {
	stepID := mod.ID
	child := &models.Job{
		ID:                  uuid.NewString(),
		WorkspaceID:         parent.WorkspaceID,
		Kind:                kind,
		RunnablePath:        runnablePath,
		ScriptLang:          lang,
		Tag:                 parent.Tag,
		Priority:            intOr(mod.Priority, parent.Priority),
		PermissionedAs:      parent.PermissionedAs,
		PermissionedAsEmail: parent.PermissionedAsEmail,
		CreatedBy:           parent.CreatedBy,
		Args:                args,
		ParentJob:           &parent.ID,
		FlowStepID:          &stepID,
		VisibleToOwner:      parent.VisibleToOwner,
		CacheTTL:            mod.CacheTTL,
		Timeout:             mod.Timeout,
	}

	if _, err := e.pusher.Push(ctx, child); err != nil {
		return nil, fmt.Errorf("push child job: %w", err)
	}

	completed, err := e.awaitCompletion(ctx, child.ID)
	if err != nil {
		return nil, err
	}
	if completed.Status == models.StatusFailure {
		var resErr models.ResultError
		_ = json.Unmarshal(completed.Result, &resErr)
		return nil, fmt.Errorf("child job %s failed: %s", child.ID, resErr.Message)
	}
	if completed.Status == models.StatusCanceled {
		return nil, fmt.Errorf("child job %s canceled", child.ID)
	}

	var out any
	_ = json.Unmarshal(completed.Result, &out)
	return out, nil
}

func (e *Executor) awaitCompletion(ctx context.Context, jobID string) (*models.CompletedJob, error) {
	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()
	for {
		completed, err := e.jobs.GetCompleted(ctx, jobID)
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

// waitForApproval drains any pre-approvals already queued for this module
// (spec §4.5.3 "Pre-approval store": resume events that beat the module to
// its wait are parked by handleResume and consumed here), then suspends for
// however many events remain. Approvers accumulate on status.Modules so the
// caller's single UpdateFlowStatus call at the end of the step persists
// them; handleResume itself never writes flow_status directly, which keeps
// every Approvers mutation inside this one goroutine.
func (e *Executor) waitForApproval(ctx context.Context, job *models.Job, mod *models.Module, status *models.FlowStatus) error {
	required := mod.Suspend.RequiredEvents

	drained, err := e.flows.DrainPreApprovals(ctx, job.ID, mod.ID, required)
	if err != nil {
		return fmt.Errorf("drain pre-approvals: %w", err)
	}
	recordApprovers(status, mod.ID, drained)
	required -= len(drained)
	if required <= 0 {
		return nil
	}

	if err := e.jobs.Suspend(ctx, job.ID, required); err != nil {
		return fmt.Errorf("suspend for approval: %w", err)
	}
	var deadline <-chan time.Time
	if mod.Suspend.TimeoutS > 0 {
		timer := time.NewTimer(time.Duration(mod.Suspend.TimeoutS) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()
waitLoop:
	for {
		entry, err := e.jobs.GetQueueEntry(ctx, job.ID)
		if err == nil && entry != nil && entry.Suspend <= 0 {
			break waitLoop
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("suspend timed out waiting for %d approval event(s)", mod.Suspend.RequiredEvents)
		case <-ticker.C:
		}
	}

	more, err := e.flows.DrainPreApprovals(ctx, job.ID, mod.ID, required)
	if err != nil {
		return fmt.Errorf("drain pre-approvals after wait: %w", err)
	}
	recordApprovers(status, mod.ID, more)
	return nil
}

func recordApprovers(status *models.FlowStatus, modID string, approvers []string) {
	if status == nil || len(approvers) == 0 {
		return
	}
	if ms := status.ModuleByID(modID); ms != nil {
		ms.Approvers = append(ms.Approvers, approvers...)
	}
}

// runForloop runs LoopModules once per item in the iterator's evaluated
// collection, sequentially unless Parallel requests bounded concurrency
// (spec §4.5.4).
func (e *Executor) runForloop(ctx context.Context, job *models.Job, mod *models.Module, evalCtx *Context) (any, error) {
	items, err := e.iteratorItems(mod, evalCtx)
	if err != nil {
		return nil, err
	}

	if !mod.Parallel || mod.Parallelism <= 1 {
		results := make([]any, 0, len(items))
		for i, item := range items {
			iterCtx := &Context{FlowInput: iterFlowInput(evalCtx.FlowInput, i, item), Results: evalCtx.Results, FlowStepID: mod.ID, Step: i}
			out, iterErr := e.runModuleList(ctx, job, mod.LoopModules, iterCtx)
			if iterErr != nil {
				if mod.SkipFailures {
					e.logger.Warn().Err(iterErr).Int("index", i).Msg("forloop iteration failed, skipping")
					continue
				}
				return nil, fmt.Errorf("forloop iteration %d: %w", i, iterErr)
			}
			results = append(results, out)
			if mod.StopAfterIf != "" && truthy(out) {
				break
			}
		}
		return results, nil
	}

	return e.runForloopParallel(ctx, job, mod, evalCtx, items)
}

func (e *Executor) runForloopParallel(ctx context.Context, job *models.Job, mod *models.Module, evalCtx *Context, items []any) (any, error) {
	results := make([]any, len(items))
	errs := make([]error, len(items))
	sem := make(chan struct{}, mod.Parallelism)
	done := make(chan int, len(items))

	for i, item := range items {
		sem <- struct{}{}
		go func(i int, item any) {
			defer func() { <-sem; done <- i }()
			iterCtx := &Context{FlowInput: iterFlowInput(evalCtx.FlowInput, i, item), Results: evalCtx.Results, FlowStepID: mod.ID, Step: i}
			out, err := e.runModuleList(ctx, job, mod.LoopModules, iterCtx)
			results[i] = out
			errs[i] = err
		}(i, item)
	}
	for range items {
		<-done
	}

	if !mod.SkipFailures {
		for i, err := range errs {
			if err != nil {
				return nil, fmt.Errorf("forloop iteration %d: %w", i, err)
			}
		}
	}
	return results, nil
}

// runBranchOne runs the first branch whose predicate evaluates truthy, or
// DefaultModules if none match (spec §4.5.4).
func (e *Executor) runBranchOne(ctx context.Context, job *models.Job, mod *models.Module, evalCtx *Context) (any, error) {
	for _, b := range mod.Branches {
		v, err := evalExpr(b.Expr, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("branch predicate %q: %w", b.Expr, err)
		}
		if truthy(v) {
			return e.runModuleList(ctx, job, b.Modules, evalCtx)
		}
	}
	return e.runModuleList(ctx, job, mod.DefaultModules, evalCtx)
}

// runBranchAll runs every branch (sequentially; the original's
// branchall_sequential config point collapses to this since there is no
// pushed-job-per-branch fan-out here) and aggregates their results in
// order, mirroring the original's "array of per-branch outputs" shape.
func (e *Executor) runBranchAll(ctx context.Context, job *models.Job, mod *models.Module, evalCtx *Context) (any, error) {
	results := make([]any, 0, len(mod.Branches))
	for i, b := range mod.Branches {
		out, err := e.runModuleList(ctx, job, b.Modules, evalCtx)
		if err != nil {
			if b.SkipFailure {
				e.logger.Warn().Err(err).Int("branch", i).Msg("branchall branch failed, skip_failure set")
				results = append(results, nil)
				continue
			}
			return nil, fmt.Errorf("branch %d: %w", i, err)
		}
		results = append(results, out)
	}
	return results, nil
}

// runModuleList runs modules sequentially within the current flow
// transaction's scope (used for loop bodies and branch bodies, which are
// not separately durable sub-flows in this implementation: their progress
// is only checkpointed at the enclosing module's boundary, not
// per-sub-module. See DESIGN.md for the tradeoff against the original's
// fully durable per-job sub-flow semantics).
func (e *Executor) runModuleList(ctx context.Context, job *models.Job, modules []models.Module, baseCtx *Context) (any, error) {
	results := make(map[string]any, len(modules))
	var last any
	for i := range modules {
		m := &modules[i]
		stepCtx := &Context{FlowInput: baseCtx.FlowInput, Results: mergeMaps(baseCtx.Results, results), FlowStepID: m.ID, Step: i}
		if i > 0 {
			stepCtx.PreviousID = modules[i-1].ID
		}
		out, err := e.runModule(ctx, job, m, stepCtx, nil)
		if err != nil {
			return nil, err
		}
		results[m.ID] = out
		last = out
	}
	return last, nil
}

func (e *Executor) iteratorItems(mod *models.Module, evalCtx *Context) ([]any, error) {
	if mod.Iterator == nil {
		return nil, fmt.Errorf("forloop module %s has no iterator", mod.ID)
	}
	v, err := evalTransform(mod.Iterator, evalCtx)
	if err != nil {
		return nil, fmt.Errorf("iterator: %w", err)
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("iterator for module %s did not evaluate to an array", mod.ID)
	}
	return items, nil
}

func mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// iterFlowInput merges the current loop item under flow_input.iter (spec
// §4.5.4: "iter.value"/"iter.index" transforms resolve against flow_input,
// not against a prior module's results).
func iterFlowInput(base map[string]any, index int, item any) map[string]any {
	out := mergeMaps(base, nil)
	out["iter"] = map[string]any{"index": index, "value": item}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

func intOr(p *int, fallback int) int {
	if p != nil {
		return *p
	}
	return fallback
}
