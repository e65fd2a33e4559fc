package models

// ModuleStateKind enumerates the per-module states of a running flow's
// durable cursor (spec §4.5.1).
type ModuleStateKind string

const (
	ModuleWaitingForPriorSteps ModuleStateKind = "waiting_for_prior_steps"
	ModuleWaitingForEvents     ModuleStateKind = "waiting_for_events"
	ModuleWaitingForExecutor   ModuleStateKind = "waiting_for_executor"
	ModuleSuccess              ModuleStateKind = "success"
	ModuleFailure              ModuleStateKind = "failure"
	ModuleInProgress           ModuleStateKind = "in_progress"
)

// IteratorState tracks ForloopFlow progress within a module (spec §4.5.4).
type IteratorState struct {
	Index       int `json:"index"`
	Total       int `json:"total,omitempty"`
	InFlight    int `json:"in_flight,omitempty"`
	FailedCount int `json:"failed_count,omitempty"`
}

// BranchAllState tracks BranchAll progress within a module.
type BranchAllState struct {
	Completed []int `json:"completed,omitempty"`
	InFlight  []int `json:"in_flight,omitempty"`
}

// ModuleState is one entry of FlowStatus.Modules, addressed by the module's
// stable Id.
type ModuleState struct {
	ID    string          `json:"id"`
	State ModuleStateKind `json:"state"`

	// Job is the single child job id for non-iterating module variants.
	Job *string `json:"job,omitempty"`
	// FlowJobs holds child job ids for ForloopFlow/BranchAll fan-out, in
	// the order that preserves input order (spec §4.5.4).
	FlowJobs []string `json:"flow_jobs,omitempty"`

	Iterator      *IteratorState  `json:"iterator,omitempty"`
	BranchAll     *BranchAllState `json:"branchall,omitempty"`
	BranchChosen  *int            `json:"branch_chosen,omitempty"`

	Count int `json:"count"`

	RetryCount int  `json:"retry_count,omitempty"`
	Failed     bool `json:"failed"`

	Approvers []string `json:"approvers,omitempty"`
}

// FlowStatus is the durable cursor for a running flow parent job (spec §3
// "Flow status", §4.5.1). The flow executor writes it back, conditioned on
// Revision, after each top-level module completes; child jobs are pushed
// by separate writes, not inside that update.
type FlowStatus struct {
	JobID   string        `json:"job_id" db:"job_id"`
	Step    int           `json:"step" db:"step"`
	Modules []ModuleState `json:"modules" db:"modules"`

	FailureModule     *string `json:"failure_module,omitempty" db:"failure_module"`
	PreprocessorModule *string `json:"preprocessor_module,omitempty" db:"preprocessor_module"`
	CleanupModule     *string `json:"cleanup_module,omitempty" db:"cleanup_module"`

	RestartedFrom *RestartPoint `json:"restarted_from,omitempty" db:"restarted_from"`

	// Revision guards concurrent advance attempts (spec §5 "Per-flow"
	// ordering guarantee): each write increments it, and an advance
	// transaction is conditioned on the revision it read.
	Revision int `json:"revision" db:"revision"`
}

// RestartPoint records the lineage of a flow restarted via restart-from
// (spec §4.5.6).
type RestartPoint struct {
	SourceJobID string  `json:"source_job_id"`
	StepID      string  `json:"step_id"`
	BranchIndex *int    `json:"branch_index,omitempty"`
	IterIndex   *int    `json:"iter_index,omitempty"`
}

// ModuleByID returns the module state with the given id, or nil.
func (s *FlowStatus) ModuleByID(id string) *ModuleState {
	for i := range s.Modules {
		if s.Modules[i].ID == id {
			return &s.Modules[i]
		}
	}
	return nil
}

// CurrentModule returns the module state at the current cursor, or nil if
// the cursor is past the end (flow complete).
func (s *FlowStatus) CurrentModule() *ModuleState {
	if s.Step < 0 || s.Step >= len(s.Modules) {
		return nil
	}
	return &s.Modules[s.Step]
}

// Terminal reports whether the cursor has advanced past the last module.
// It looks only at Step; the per-module State values are not consulted.
func (s *FlowStatus) Terminal() bool {
	return s.Step >= len(s.Modules)
}
