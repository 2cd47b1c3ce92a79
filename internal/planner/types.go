package planner

// Understanding is the pre-planning read of the task.
type Understanding struct {
	TaskType                string   `json:"task_type"`
	PrimaryGoal             string   `json:"primary_goal"`
	ExpectedDeliverables    []string `json:"expected_deliverables"`
	Constraints             []string `json:"constraints"`
	Scope                   string   `json:"scope"`
	UnderstandingConfidence float64  `json:"understanding_confidence"`
	Ambiguities             []string `json:"ambiguities"`
}

// CollectionMethod names the tool call that would gather one info item.
type CollectionMethod struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// InfoItem is one piece of information the model wants before planning.
type InfoItem struct {
	ID                string           `json:"id"`
	Category          string           `json:"category"`
	Description       string           `json:"description"`
	CollectionMethod  CollectionMethod `json:"collection_method"`
	FallbackStrategy  string           `json:"fallback_strategy"`
	CanAssume         bool             `json:"can_assume"`
	DefaultAssumption string           `json:"default_assumption"`
}

// InfoPlan is the pre-planning collection plan.
type InfoPlan struct {
	SkipCollection  bool       `json:"skip_collection"`
	CollectionOrder []string   `json:"collection_order"`
	Items           []InfoItem `json:"items"`
}

// CollectedInfo is one resolved item: a tool result, an assumption, or a
// recorded gap.
type CollectedInfo struct {
	ID         string  `json:"id"`
	Content    string  `json:"content,omitempty"`
	Assumed    bool    `json:"assumed,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Gap        bool    `json:"gap,omitempty"`
	GapReason  string  `json:"gap_reason,omitempty"`
}

// assumptionReply is the model's substitute for an uncollectable item.
type assumptionReply struct {
	AssumedValue string  `json:"assumed_value"`
	Confidence   float64 `json:"confidence"`
}

// EnvPlan is the environment-setup decision.
type EnvPlan struct {
	Environment   string   `json:"environment"`
	SetupCommands []string `json:"setup_commands"`
	VerifyCommand string   `json:"verify_command"`
	Reasoning     string   `json:"reasoning"`
}

// setupFix is the model's repair for a failed setup command.
type setupFix struct {
	Fixable            bool   `json:"fixable"`
	ReplacementCommand string `json:"replacement_command"`
	Reasoning          string `json:"reasoning"`
}

// Subtask is one unit of the task decomposition.
type Subtask struct {
	TaskID              string   `json:"task_id"`
	Description         string   `json:"description"`
	Dependencies        []string `json:"dependencies"`
	EstimatedComplexity string   `json:"estimated_complexity"`
}

// TaskDecomposition groups subtasks with the reasoning behind the split.
type TaskDecomposition struct {
	Subtasks  []Subtask `json:"subtasks"`
	Reasoning string    `json:"reasoning"`
}

// Action is one executable step of the action plan.
type Action struct {
	TaskID          string         `json:"task_id"`
	Purpose         string         `json:"purpose"`
	Tool            string         `json:"tool"`
	Parameters      map[string]any `json:"parameters"`
	ExpectedOutcome string         `json:"expected_outcome"`
	Fallback        string         `json:"fallback"`
}

// ActionPlan orders the actions.
type ActionPlan struct {
	ExecutionOrder []string `json:"execution_order"`
	Actions        []Action `json:"actions"`
}

// Plan is the planning phase product and the unit replaced by revisions.
type Plan struct {
	GoalUnderstanding string            `json:"goal_understanding"`
	TaskDecomposition TaskDecomposition `json:"task_decomposition"`
	ActionPlan        ActionPlan        `json:"action_plan"`
}

// Reflection is the periodic execution review.
type Reflection struct {
	Evaluation         string `json:"evaluation"`
	Success            bool   `json:"success"`
	FailureReason      string `json:"failure_reason"`
	PlanRevisionNeeded bool   `json:"plan_revision_needed"`
}

// PlaceholderReport counts TODO/FIXME style placeholders verification found.
type PlaceholderReport struct {
	Count     int      `json:"count"`
	Locations []string `json:"locations"`
}

// Verification is the final review against the success criteria.
type Verification struct {
	VerificationPassed   bool              `json:"verification_passed"`
	CompletionConfidence float64           `json:"completion_confidence"`
	Comment              string            `json:"comment"`
	IssuesFound          []string          `json:"issues_found"`
	PlaceholderDetected  PlaceholderReport `json:"placeholder_detected"`
	AdditionalWorkNeeded bool              `json:"additional_work_needed"`
	AdditionalActions    []Action          `json:"additional_actions"`
}

// plannedAction is an Action plus its execution bookkeeping. The extra
// fields carry JSON tags because the slice rides along in task_state.json
// across a pause.
type plannedAction struct {
	Action
	Done             bool   `json:"done,omitempty"`
	Declined         bool   `json:"declined,omitempty"`
	Note             string `json:"note,omitempty"`
	FromVerification bool   `json:"from_verification,omitempty"`
}
