// Package replan decides, after any phase produces output, whether the
// coordinator proceeds or rewinds, under per-phase and total budgets.
package replan

// Phases whose output can trigger replanning. Environment setup has no
// evaluator; its failures retry mechanically.
const (
	PhasePrePlanning  = "pre_planning"
	PhasePlanning     = "planning"
	PhaseExecution    = "execution"
	PhaseReflection   = "reflection"
	PhaseVerification = "verification"
)

// Replan types a decision may carry.
const (
	TypeClarificationRequest = "clarification_request"
	TypeGoalRevision         = "goal_revision"
	TypeTaskRedecomposition  = "task_redecomposition"
	TypeActionRegeneration   = "action_regeneration"
	TypePartialReplan        = "partial_replan"
	TypeFullReplan           = "full_replan"
	TypePlanRevision         = "plan_revision"
	TypeRetry                = "retry"
	TypeNone                 = "none"
)

// Budget counter categories.
const (
	CategoryGoalUnderstanding = "goal_understanding"
	CategoryTaskDecomposition = "task_decomposition"
	CategoryActionSequence    = "action_sequence"
	CategoryExecutionRetry    = "execution_retry"
	CategoryExecutionPartial  = "execution_partial"
	CategoryReflection        = "reflection"
)

// Decision is the parsed evaluator verdict. Absent fields stay zero; the
// booleans drive control flow.
type Decision struct {
	ReplanNeeded           bool             `json:"replan_needed"`
	Confidence             float64          `json:"confidence"`
	Reasoning              string           `json:"reasoning"`
	ReplanType             string           `json:"replan_type"`
	TargetPhase            string           `json:"target_phase"`
	ReplanLevel            int              `json:"replan_level"`
	IssuesFound            []string         `json:"issues_found"`
	RecommendedActions     []string         `json:"recommended_actions"`
	ClarificationNeeded    bool             `json:"clarification_needed"`
	ClarificationQuestions []string         `json:"clarification_questions"`
	ErrorClassification    string           `json:"error_classification"`
	RecoveryStrategy       string           `json:"recovery_strategy"`
	AffectedActions        []string         `json:"affected_actions"`
	EvaluationResult       string           `json:"evaluation_result"`
	AchievementRate        float64          `json:"achievement_rate"`
	AdditionalActions      []map[string]any `json:"additional_actions"`
	AssumptionsToMake      []string         `json:"assumptions_to_make"`
}

// Level returns the rewind level in [1,5], deriving it from the replan type
// when the model omitted or mangled it. 1 retries the same action; 5 re-runs
// goal understanding.
func (d *Decision) Level() int {
	if d.ReplanLevel >= 1 && d.ReplanLevel <= 5 {
		return d.ReplanLevel
	}
	switch d.ReplanType {
	case TypeRetry:
		return 1
	case TypePartialReplan:
		return 2
	case TypeActionRegeneration, TypePlanRevision:
		return 3
	case TypeTaskRedecomposition:
		return 4
	case TypeGoalRevision, TypeFullReplan, TypeClarificationRequest:
		return 5
	}
	return 1
}

// Category maps the decision to its budget counter. plan_revision is the
// reflection-driven kind; the rest key off how far back the rewind goes.
func (d *Decision) Category() string {
	switch d.ReplanType {
	case TypePlanRevision:
		return CategoryReflection
	case TypeRetry:
		return CategoryExecutionRetry
	case TypePartialReplan:
		return CategoryExecutionPartial
	case TypeActionRegeneration:
		return CategoryActionSequence
	case TypeTaskRedecomposition:
		return CategoryTaskDecomposition
	case TypeGoalRevision, TypeClarificationRequest, TypeFullReplan:
		return CategoryGoalUnderstanding
	}
	switch d.Level() {
	case 2:
		return CategoryExecutionPartial
	case 3:
		return CategoryActionSequence
	case 4:
		return CategoryTaskDecomposition
	case 5:
		return CategoryGoalUnderstanding
	}
	return CategoryExecutionRetry
}
