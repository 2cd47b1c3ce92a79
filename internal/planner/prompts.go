package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/notfolder/coding-agent/internal/sandbox"
)

// doneMarker is the reply line that closes an execution step without a tool
// call.
const doneMarker = "DONE"

const systemIntro = "You are an autonomous coding agent working on the issue below. " +
	"You operate inside a sandboxed container with the repository checked out at /workspace/project. " +
	"Use the provided tools to inspect and change the repository; never invent tool output. " +
	"When asked for JSON, reply with a single JSON object and nothing else."

// buildSystemPrompt assembles the run-wide system message. It is prefixed to
// every model call and never stored in the context window, so compression
// cannot fold it away.
func buildSystemPrompt(task Task, safeCommands, projectRules string) string {
	var b strings.Builder
	b.WriteString(systemIntro)
	b.WriteString("\n\n## Work item\n")
	fmt.Fprintf(&b, "- Reference: %s\n", task.Key)
	if task.Issue != nil {
		fmt.Fprintf(&b, "- Title: %s\n", task.Issue.Title)
		if task.Issue.SourceBranch != "" {
			fmt.Fprintf(&b, "- Source branch: %s\n", task.Issue.SourceBranch)
		}
		if body := strings.TrimSpace(task.Issue.Body); body != "" {
			b.WriteString("\n### Description\n")
			b.WriteString(body)
			b.WriteString("\n")
		}
	}
	if safeCommands = strings.TrimSpace(safeCommands); safeCommands != "" {
		b.WriteString("\n## Allowed command categories\n")
		b.WriteString(safeCommands)
		b.WriteString("\n")
	}
	if projectRules = strings.TrimSpace(projectRules); projectRules != "" {
		b.WriteString("\n## Project rules\n")
		b.WriteString(projectRules)
		b.WriteString("\n")
	}
	return b.String()
}

const understandingContract = `Return exactly this JSON shape:
{
  "task_type": "bug_fix|feature|refactoring|documentation|investigation|other",
  "primary_goal": "",
  "expected_deliverables": [],
  "constraints": [],
  "scope": "",
  "understanding_confidence": 0.0,
  "ambiguities": []
}`

func understandingPrompt(task Task) string {
	var b strings.Builder
	b.WriteString("Read the work item and state your understanding of it.\n\n")
	b.WriteString("User request:\n")
	b.WriteString(strings.TrimSpace(task.Request))
	b.WriteString("\n\n")
	b.WriteString(understandingContract)
	return b.String()
}

const infoPlanContract = `Return exactly this JSON shape:
{
  "skip_collection": false,
  "collection_order": ["item-1"],
  "items": [
    {
      "id": "item-1",
      "category": "codebase|configuration|history|external",
      "description": "",
      "collection_method": {"tool": "", "parameters": {}},
      "fallback_strategy": "",
      "can_assume": false,
      "default_assumption": ""
    }
  ]
}`

func infoPlanPrompt(u Understanding, toolNames []string) string {
	var b strings.Builder
	b.WriteString("Plan what information you need before decomposing the task. ")
	b.WriteString("List only items you would actually act on; set skip_collection to true when the request is self-contained.\n\n")
	fmt.Fprintf(&b, "Your understanding: %s (type %s, confidence %.2f)\n", u.PrimaryGoal, u.TaskType, u.UnderstandingConfidence)
	if len(u.Ambiguities) > 0 {
		fmt.Fprintf(&b, "Open ambiguities: %s\n", strings.Join(u.Ambiguities, "; "))
	}
	fmt.Fprintf(&b, "Available tools: %s\n\n", strings.Join(toolNames, ", "))
	b.WriteString(infoPlanContract)
	return b.String()
}

const assumptionContract = `Return exactly this JSON shape:
{
  "assumed_value": "",
  "confidence": 0.0
}`

func assumptionPrompt(item InfoItem, failure string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Collecting %q failed: %s\n", item.ID, failure)
	fmt.Fprintf(&b, "The item: %s\n", item.Description)
	if item.FallbackStrategy != "" {
		fmt.Fprintf(&b, "Suggested fallback: %s\n", item.FallbackStrategy)
	}
	b.WriteString("\nPropose a working assumption for this item and rate how confident you are that it holds.\n\n")
	b.WriteString(assumptionContract)
	return b.String()
}

const envContract = `Return exactly this JSON shape:
{
  "environment": "",
  "setup_commands": [],
  "verify_command": "",
  "reasoning": ""
}`

func envPrompt(names []string, u Understanding, collected []CollectedInfo) string {
	var b strings.Builder
	b.WriteString("Choose the execution environment for this task and the shell commands that prepare it. ")
	b.WriteString("Setup commands run in order inside the container; verify_command must exit 0 when the environment is ready.\n\n")
	fmt.Fprintf(&b, "Available environments: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(&b, "Task: %s\n", u.PrimaryGoal)
	if facts := renderCollected(collected); facts != "" {
		b.WriteString("\nCollected facts:\n")
		b.WriteString(facts)
	}
	b.WriteString("\n")
	b.WriteString(envContract)
	return b.String()
}

const envFixContract = `Return exactly this JSON shape:
{
  "fixable": false,
  "replacement_command": "",
  "reasoning": ""
}`

func envFixPrompt(command string, res *sandbox.ExecResult) string {
	var b strings.Builder
	b.WriteString("A setup command failed. Decide whether a different command would succeed; ")
	b.WriteString("set fixable to false for missing credentials, unreachable hosts, or anything a command change cannot cure.\n\n")
	fmt.Fprintf(&b, "Command: %s\n", command)
	fmt.Fprintf(&b, "Exit code: %d\n", res.ExitCode)
	if out := strings.TrimSpace(res.Stdout); out != "" {
		fmt.Fprintf(&b, "Stdout:\n%s\n", truncateForPrompt(out, 2000))
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		fmt.Fprintf(&b, "Stderr:\n%s\n", truncateForPrompt(errOut, 2000))
	}
	b.WriteString("\n")
	b.WriteString(envFixContract)
	return b.String()
}

const planContract = `Return exactly this JSON shape:
{
  "goal_understanding": "",
  "task_decomposition": {
    "subtasks": [
      {"task_id": "t1", "description": "", "dependencies": [], "estimated_complexity": "low|medium|high"}
    ],
    "reasoning": ""
  },
  "action_plan": {
    "execution_order": ["t1-a1"],
    "actions": [
      {"task_id": "t1-a1", "purpose": "", "tool": "", "parameters": {}, "expected_outcome": "", "fallback": ""}
    ]
  }
}`

func planPrompt(u Understanding, collected []CollectedInfo, environment string, toolNames []string) string {
	var b strings.Builder
	b.WriteString("Produce the execution plan: restate the goal, decompose it into subtasks, then list the concrete actions in execution order. ")
	b.WriteString("Every action names one tool from the available set and the outcome that proves it worked.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", u.PrimaryGoal)
	if len(u.ExpectedDeliverables) > 0 {
		fmt.Fprintf(&b, "Deliverables: %s\n", strings.Join(u.ExpectedDeliverables, "; "))
	}
	if len(u.Constraints) > 0 {
		fmt.Fprintf(&b, "Constraints: %s\n", strings.Join(u.Constraints, "; "))
	}
	fmt.Fprintf(&b, "Environment: %s\n", environment)
	fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(toolNames, ", "))
	if facts := renderCollected(collected); facts != "" {
		b.WriteString("\nCollected facts:\n")
		b.WriteString(facts)
	}
	b.WriteString("\n")
	b.WriteString(planContract)
	return b.String()
}

func actionPrompt(a Action, position, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execute step %d of %d.\n\n", position, total)
	fmt.Fprintf(&b, "Purpose: %s\n", a.Purpose)
	if a.Tool != "" {
		fmt.Fprintf(&b, "Suggested tool: %s\n", a.Tool)
	}
	if len(a.Parameters) > 0 {
		if params, err := json.Marshal(a.Parameters); err == nil {
			fmt.Fprintf(&b, "Suggested parameters: %s\n", params)
		}
	}
	fmt.Fprintf(&b, "Expected outcome: %s\n", a.ExpectedOutcome)
	if a.Fallback != "" {
		fmt.Fprintf(&b, "Fallback if blocked: %s\n", a.Fallback)
	}
	b.WriteString("\nInvoke the tools you need. When the expected outcome is reached, reply with the single word " +
		doneMarker + " on its own line. If the step cannot or should not be done, explain why instead.\n")
	return b.String()
}

// reviewPrompt closes a directly dispatched step: the tool result, when there
// is one, is already the preceding conversation message.
func reviewPrompt(a Action, position, total int) string {
	var b strings.Builder
	if a.Tool != "" {
		fmt.Fprintf(&b, "Step %d of %d: the result above is from %s.\n\n", position, total, a.Tool)
	} else {
		fmt.Fprintf(&b, "Step %d of %d is a reasoning step; work it out in your reply.\n\n", position, total)
	}
	fmt.Fprintf(&b, "Purpose: %s\n", a.Purpose)
	fmt.Fprintf(&b, "Expected outcome: %s\n", a.ExpectedOutcome)
	if a.Fallback != "" {
		fmt.Fprintf(&b, "Fallback if blocked: %s\n", a.Fallback)
	}
	b.WriteString("\nIf the expected outcome is reached, reply with the single word " +
		doneMarker + " on its own line. Otherwise explain what is missing.\n")
	return b.String()
}

const reflectionContract = `Return exactly this JSON shape:
{
  "evaluation": "",
  "success": false,
  "failure_reason": "",
  "plan_revision_needed": false
}`

func reflectionPrompt(recent []plannedAction, lastError string) string {
	var b strings.Builder
	b.WriteString("Review the recent execution steps. Judge whether the work is on track and whether the remaining plan still fits.\n\n")
	b.WriteString("Recent steps:\n")
	for _, a := range recent {
		state := "pending"
		switch {
		case a.Done:
			state = "done"
		case a.Declined:
			state = "declined"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s", state, a.TaskID, a.Purpose)
		if a.Note != "" {
			fmt.Fprintf(&b, " (%s)", truncateForPrompt(a.Note, 200))
		}
		b.WriteString("\n")
	}
	if lastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s\n", truncateForPrompt(lastError, 1000))
	}
	b.WriteString("\n")
	b.WriteString(reflectionContract)
	return b.String()
}

func revisionPrompt(r Reflection, remaining []plannedAction) string {
	var b strings.Builder
	b.WriteString("The plan needs revision. Produce a replacement plan that addresses the problem while keeping completed work intact.\n\n")
	fmt.Fprintf(&b, "Evaluation: %s\n", r.Evaluation)
	if r.FailureReason != "" {
		fmt.Fprintf(&b, "Failure reason: %s\n", r.FailureReason)
	}
	if len(remaining) > 0 {
		b.WriteString("\nSteps not yet done:\n")
		for _, a := range remaining {
			fmt.Fprintf(&b, "- %s: %s\n", a.TaskID, a.Purpose)
		}
	}
	b.WriteString("\n")
	b.WriteString(planContract)
	return b.String()
}

const verificationContract = `Return exactly this JSON shape:
{
  "verification_passed": false,
  "completion_confidence": 0.0,
  "comment": "",
  "issues_found": [],
  "placeholder_detected": {"count": 0, "locations": []},
  "additional_work_needed": false,
  "additional_actions": [
    {"task_id": "", "purpose": "", "tool": "", "parameters": {}, "expected_outcome": "", "fallback": ""}
  ]
}`

func verificationPrompt(u Understanding, actions []plannedAction, workspace string) string {
	var b strings.Builder
	b.WriteString("All planned steps are finished. Verify the result against the success criteria. ")
	b.WriteString("Look for leftover TODO or FIXME placeholders and report them. ")
	b.WriteString("If real work remains, list it in additional_actions.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", u.PrimaryGoal)
	if len(u.ExpectedDeliverables) > 0 {
		fmt.Fprintf(&b, "Deliverables: %s\n", strings.Join(u.ExpectedDeliverables, "; "))
	}
	b.WriteString("\nExecuted steps:\n")
	for _, a := range actions {
		state := "skipped"
		switch {
		case a.Done:
			state = "done"
		case a.Declined:
			state = "declined"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", state, a.TaskID, a.Purpose)
	}
	if workspace = strings.TrimSpace(workspace); workspace != "" {
		b.WriteString("\nWorkspace state:\n")
		b.WriteString(truncateForPrompt(workspace, 4000))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(verificationContract)
	return b.String()
}

func renderCollected(collected []CollectedInfo) string {
	var b strings.Builder
	for _, c := range collected {
		switch {
		case c.Gap:
			fmt.Fprintf(&b, "- %s: unknown (%s)\n", c.ID, c.GapReason)
		case c.Assumed:
			fmt.Fprintf(&b, "- %s (assumed, confidence %.2f): %s\n", c.ID, c.Confidence, truncateForPrompt(c.Content, 500))
		default:
			fmt.Fprintf(&b, "- %s: %s\n", c.ID, truncateForPrompt(c.Content, 1500))
		}
	}
	return b.String()
}

// toolResultText renders a tool outcome as the window record the model sees
// on its next turn.
func toolResultText(name string, success bool, content string) string {
	status := "ok"
	if !success {
		status = "error"
	}
	return fmt.Sprintf("Tool %s (%s):\n%s", name, status, content)
}

// hasDoneMarker reports whether any reply line is exactly the done marker.
func hasDoneMarker(reply string) bool {
	for _, line := range strings.Split(reply, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), doneMarker) {
			return true
		}
	}
	return false
}

func truncateForPrompt(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
