package models

// TransformKind distinguishes the two input-transform variants (spec
// §4.5.2).
type TransformKind string

const (
	TransformStatic     TransformKind = "static"
	TransformJavascript TransformKind = "javascript"
)

// Transform is one entry of a module's input_transforms map.
type Transform struct {
	Kind  TransformKind `json:"kind"`
	Value []byte        `json:"value,omitempty"` // raw json, for Static
	Expr  string        `json:"expr,omitempty"`  // javascript expression
}

// RetryPolicy is a module's retry config (spec §4.5.5).
type RetryPolicy struct {
	Constant *struct {
		Attempts int `json:"attempts"`
		Seconds  int `json:"seconds"`
	} `json:"constant,omitempty"`
	Exponential *struct {
		Attempts     int     `json:"attempts"`
		Multiplier   float64 `json:"multiplier"`
		Seconds      int     `json:"seconds"`
		RandomFactor float64 `json:"random_factor,omitempty"`
	} `json:"exponential,omitempty"`
}

// SuspendConfig is a module's suspend/approval declaration (spec §4.5.3).
type SuspendConfig struct {
	RequiredEvents int    `json:"required_events"`
	TimeoutS       int    `json:"timeout_s"`
	ResumeForm     []byte `json:"resume_form,omitempty"`
}

// ModuleVariantKind enumerates the module value variants (spec §4.5).
type ModuleVariantKind string

const (
	VariantRawScript     ModuleVariantKind = "raw_script"
	VariantScript        ModuleVariantKind = "script"
	VariantFlowScript    ModuleVariantKind = "flow_script"
	VariantFlow          ModuleVariantKind = "flow"
	VariantForloopFlow   ModuleVariantKind = "forloop_flow"
	VariantBranchOne     ModuleVariantKind = "branch_one"
	VariantBranchAll     ModuleVariantKind = "branch_all"
	VariantIdentity      ModuleVariantKind = "identity"
)

// Branch is one arm of a BranchOne or BranchAll variant.
type Branch struct {
	// Expr is the predicate for BranchOne branches; unused by BranchAll.
	Expr        string   `json:"expr,omitempty"`
	Modules     []Module `json:"modules"`
	SkipFailure bool     `json:"skip_failure,omitempty"` // BranchAll only
}

// Module is one step of a flow (spec §4.5). It carries the common fields
// every variant shares plus the variant-specific payload for whichever Kind
// it is.
type Module struct {
	ID   string            `json:"id"`
	Kind ModuleVariantKind `json:"kind"`

	InputTransforms map[string]Transform `json:"input_transforms,omitempty"`

	Retry               *RetryPolicy `json:"retry,omitempty"`
	SleepSeconds        *int         `json:"sleep,omitempty"`
	StopAfterIf         string       `json:"stop_after_if,omitempty"`
	StopAfterAllItersIf string       `json:"stop_after_all_iters_if,omitempty"`
	Suspend             *SuspendConfig `json:"suspend,omitempty"`
	Mock                *bool        `json:"mock,omitempty"`
	DeleteAfterUse      bool         `json:"delete_after_use,omitempty"`
	ContinueOnError     bool         `json:"continue_on_error,omitempty"`
	CacheTTL            *int         `json:"cache_ttl,omitempty"`
	Timeout             *int         `json:"timeout,omitempty"`
	Priority            *int         `json:"priority,omitempty"`

	// RawScript / Script / FlowScript / Flow variant payload.
	Content    string      `json:"content,omitempty"`
	Language   *ScriptLang `json:"language,omitempty"`
	Path       string      `json:"path,omitempty"`
	Hash       *string     `json:"hash,omitempty"`
	FlowNodeID string      `json:"flow_node_id,omitempty"`

	// ForloopFlow payload.
	Iterator     *Transform `json:"iterator,omitempty"`
	LoopModules  []Module   `json:"modules,omitempty"`
	Parallel     bool       `json:"parallel,omitempty"`
	Parallelism  int        `json:"parallelism,omitempty"`
	SkipFailures bool       `json:"skip_failures,omitempty"`
	ModulesNode  string     `json:"modules_node,omitempty"`

	// BranchOne / BranchAll payload.
	Branches       []Branch `json:"branches,omitempty"`
	DefaultModules []Module `json:"default,omitempty"`
}

// FlowValue is a deployed flow's module list plus the flow-level modules
// (spec §4.5, §4.5.5, §4.5.7).
type FlowValue struct {
	Modules           []Module `json:"modules"`
	FailureModule     *Module  `json:"failure_module,omitempty"`
	PreprocessorModule *Module `json:"preprocessor_module,omitempty"`
	CleanupModule     *Module  `json:"cleanup_module,omitempty"`
}

// FlowNode is a "lite" form runnable extracted during flow deployment
// (spec §4.5.7), addressed by a stable id from FlowScript references.
type FlowNode struct {
	ID       string     `json:"id" db:"id"`
	Content  string     `json:"content" db:"content"`
	Language ScriptLang `json:"language" db:"language"`
}
