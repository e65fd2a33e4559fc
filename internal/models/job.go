package models

import (
	"encoding/json"
	"time"
)

// JobKind enumerates the kinds of work a Job can represent.
type JobKind string

const (
	JobKindScript         JobKind = "script"
	JobKindFlow           JobKind = "flow"
	JobKindDependencies   JobKind = "dependencies"
	JobKindFlowDeps       JobKind = "flow-dependencies"
	JobKindFlowScript     JobKind = "flow-script"
	JobKindFlowNode       JobKind = "flow-node"
	JobKindPreview        JobKind = "preview"
	JobKindRestartedFlow  JobKind = "restarted-flow"
	JobKindIdentity       JobKind = "identity"
	JobKindNoop           JobKind = "noop"
)

// IsValid reports whether k is one of the known job kinds.
func (k JobKind) IsValid() bool {
	switch k {
	case JobKindScript, JobKindFlow, JobKindDependencies, JobKindFlowDeps,
		JobKindFlowScript, JobKindFlowNode, JobKindPreview, JobKindRestartedFlow,
		JobKindIdentity, JobKindNoop:
		return true
	}
	return false
}

// IsFlowKind reports whether the kind is handled by the flow executor rather
// than a language runner (§4.2 step 3).
func (k JobKind) IsFlowKind() bool {
	return k == JobKindFlow || k == JobKindRestartedFlow
}

// ScriptLang is the language a script/preview job is written in.
type ScriptLang string

const (
	ScriptLangPython   ScriptLang = "python3"
	ScriptLangDeno     ScriptLang = "deno"
	ScriptLangBun      ScriptLang = "bun"
	ScriptLangGo       ScriptLang = "go"
	ScriptLangBash     ScriptLang = "bash"
	ScriptLangPowershell ScriptLang = "powershell"
)

// Args is the opaque key -> raw-json argument mapping carried by a Job, with
// an optional "extra" overlay used by the trigger runtime (§4.6) and the
// preprocessor protocol (§4.4).
type Args map[string]json.RawMessage

// Clone returns a shallow copy safe for independent mutation of the map
// itself (the json.RawMessage values remain shared, which is fine since they
// are treated as immutable byte slices).
func (a Args) Clone() Args {
	if a == nil {
		return nil
	}
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// PreprocessState is the tri-state preprocessor marker on a Job.
type PreprocessState int

const (
	// PreprocessNotApplicable means the runnable has no preprocessor.
	PreprocessNotApplicable PreprocessState = iota
	// PreprocessPending means the preprocessor still needs to run.
	PreprocessPending
	// PreprocessDone means the preprocessor has already rewritten args.
	PreprocessDone
)

// Job is the immutable identity row described in spec §3 "Job". Once
// inserted into the store it is never mutated, with one exception: the
// preprocessor protocol (§4.4 scenario 2) rewrites Args and flips
// Preprocessed from PreprocessPending to PreprocessDone in place so the
// main run is dispatched under the same id. All other mutable execution
// state lives in the QueueEntry (non-terminal) or CompletedJob (terminal)
// twin.
type Job struct {
	ID          string  `json:"id" db:"id"`
	WorkspaceID string  `json:"workspace_id" db:"workspace_id"`
	Kind        JobKind `json:"kind" db:"kind"`

	RunnableID   *string     `json:"runnable_id,omitempty" db:"runnable_id"`
	RunnablePath string      `json:"runnable_path" db:"runnable_path"`
	ScriptLang   *ScriptLang `json:"script_lang,omitempty" db:"script_lang"`

	Tag      string `json:"tag" db:"tag"`
	Priority int    `json:"priority" db:"priority"`

	PermissionedAs      string `json:"permissioned_as" db:"permissioned_as"`
	PermissionedAsEmail string `json:"permissioned_as_email" db:"permissioned_as_email"`
	CreatedBy           string `json:"created_by" db:"created_by"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`

	Args Args `json:"args" db:"args"`

	ParentJob  *string `json:"parent_job,omitempty" db:"parent_job"`
	FlowStepID *string `json:"flow_step_id,omitempty" db:"flow_step_id"`

	TriggerKind *string `json:"trigger_kind,omitempty" db:"trigger_kind"`
	Trigger     *string `json:"trigger,omitempty" db:"trigger"`

	VisibleToOwner bool `json:"visible_to_owner" db:"visible_to_owner"`

	ConcurrentLimit        *int `json:"concurrent_limit,omitempty" db:"concurrent_limit"`
	ConcurrencyTimeWindowS *int `json:"concurrency_time_window_s,omitempty" db:"concurrency_time_window_s"`
	ConcurrencyKey         string `json:"concurrency_key,omitempty" db:"concurrency_key"`

	CacheTTL *int `json:"cache_ttl,omitempty" db:"cache_ttl"`
	Timeout  *int `json:"timeout,omitempty" db:"timeout"`

	Preprocessed PreprocessState `json:"preprocessed" db:"preprocessed"`

	// ScriptEntrypointOverride names the function the runner should invoke
	// instead of the runnable's default entrypoint, e.g. "preprocessor"
	// for the preprocessor child run (spec §4.4 scenario 2).
	ScriptEntrypointOverride *string `json:"script_entrypoint_override,omitempty" db:"script_entrypoint_override"`

	// RestartedFromJobID/StepID/BranchIndex/IterIndex identify the source
	// flow and point this job restarts from (spec §4.5.6); set only on
	// JobKindRestartedFlow jobs.
	RestartedFromJobID       *string `json:"restarted_from_job_id,omitempty" db:"restarted_from_job_id"`
	RestartedFromStepID      *string `json:"restarted_from_step_id,omitempty" db:"restarted_from_step_id"`
	RestartedFromBranchIndex *int    `json:"restarted_from_branch_index,omitempty" db:"restarted_from_branch_index"`
	RestartedFromIterIndex   *int    `json:"restarted_from_iter_index,omitempty" db:"restarted_from_iter_index"`

	// DebounceKey/DebounceWindowMs are used only at push time to coalesce
	// consecutive pushes (spec §4.1 "Debouncing"); they are not persisted
	// on the Job row itself once coalesced.
	DebounceKey      string `json:"-"`
	DebounceWindowMs int    `json:"-"`
}

// ConcurrencyAdmissible reports whether this job carries concurrency limit
// config at all.
func (j *Job) ConcurrencyAdmissible() bool {
	return j.ConcurrentLimit != nil && *j.ConcurrentLimit > 0 && j.ConcurrencyTimeWindowS != nil
}
