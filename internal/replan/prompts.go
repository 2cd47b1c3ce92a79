package replan

import "fmt"

// SystemPrompt frames every evaluator call.
const SystemPrompt = "You are the replanning evaluator of an autonomous coding agent. " +
	"Judge whether the latest phase output requires rewinding to an earlier phase. " +
	"Prefer proceeding; replan only when the output cannot support the next phase. " +
	"Reply with a single JSON object and nothing else."

var phaseIntros = map[string]string{
	PhasePrePlanning: "The pre-planning phase produced the task understanding and collected " +
		"information below. Decide whether the understanding is sound enough to plan from, " +
		"or whether goal understanding must be redone (replan_level 5).",
	PhasePlanning: "The planning phase produced the decomposition and action plan below. " +
		"Decide whether the plan is executable as written, needs its actions regenerated " +
		"(replan_level 3), or needs the subtasks re-decomposed (replan_level 4).",
	PhaseExecution: "An execution step produced the result below. Decide whether to proceed, " +
		"retry the same action (replan_level 1), or regenerate the remaining plan from the " +
		"failed action (replan_level 2). Classify any error as transient, persistent, or fatal.",
	PhaseReflection: "The reflection phase produced the evaluation below. Decide whether the " +
		"current plan still holds or needs a revision (replan_type plan_revision).",
	PhaseVerification: "The verification phase produced the result below. Decide whether the " +
		"task is genuinely done or needs additional actions; list them in additional_actions.",
}

const decisionContract = `Return exactly this JSON shape (omit fields that do not apply):
{
  "replan_needed": false,
  "confidence": 0.0,
  "reasoning": "",
  "replan_type": "clarification_request|goal_revision|task_redecomposition|action_regeneration|partial_replan|full_replan|plan_revision|retry|none",
  "target_phase": "pre_planning|planning|execution|reflection|verification",
  "replan_level": 1,
  "issues_found": [],
  "recommended_actions": [],
  "clarification_needed": false,
  "clarification_questions": [],
  "error_classification": "transient|persistent|fatal",
  "recovery_strategy": "",
  "affected_actions": [],
  "evaluation_result": "",
  "achievement_rate": 0.0,
  "additional_actions": [],
  "assumptions_to_make": []
}`

// PromptBuilder renders the per-phase evaluator prompt.
type PromptBuilder struct{}

// Build returns the user prompt for a phase's output. Unknown phases are a
// caller bug, not a model failure.
func (PromptBuilder) Build(phase, output string) (string, error) {
	intro, ok := phaseIntros[phase]
	if !ok {
		return "", fmt.Errorf("no replan template for phase %q", phase)
	}
	return intro + "\n\nPhase output:\n" + output + "\n\n" + decisionContract, nil
}
