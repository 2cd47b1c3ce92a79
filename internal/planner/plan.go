package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/notfolder/coding-agent/internal/contextstore"
	"github.com/notfolder/coding-agent/internal/tracker"
)

// runPlanning generates the plan, mirrors it to the tracker as a checklist,
// and lets the evaluator judge it before execution starts.
func (c *Coordinator) runPlanning(ctx context.Context) (string, error) {
	plan, err := c.generatePlan(ctx)
	if err != nil {
		return "", err
	}
	c.adoptPlan(plan)

	if err := c.tc.Planning.Append(contextstore.PlanEntryPlan, plan); err != nil {
		c.logger.Warn("record plan: %v", err)
	}
	c.publishChecklist(ctx)
	c.logger.Info("plan ready: %d subtasks, %d actions",
		len(plan.TaskDecomposition.Subtasks), len(c.actions))

	next, err := c.evaluatePhase(ctx, phasePlanning, plan)
	if err != nil {
		return "", err
	}
	if next != "" {
		return next, nil
	}
	return phaseExecution, nil
}

// generatePlan asks for the plan, retrying once on an unusable reply. A run
// cannot continue without a plan, so two unusable replies fail the task.
func (c *Coordinator) generatePlan(ctx context.Context) (*Plan, error) {
	prompt := planPrompt(c.understanding, c.collected, c.environmentName(), c.toolNames())
	for attempt := 1; attempt <= 2; attempt++ {
		var plan Plan
		ok, err := c.askJSON(ctx, prompt, &plan)
		if err != nil {
			return nil, fmt.Errorf("planning phase: %w", err)
		}
		if ok && len(plan.ActionPlan.Actions) > 0 {
			return &plan, nil
		}
		c.logger.Warn("planning reply unusable (attempt %d/2)", attempt)
	}
	return nil, errors.New("planning produced no usable plan")
}

// adoptPlan installs a plan as current: actions ordered per execution_order,
// progress reset.
func (c *Coordinator) adoptPlan(plan *Plan) {
	c.plan = plan
	c.actions = orderActions(plan)
	c.completed = 0
	c.planGen++
}

// revise replaces the current plan after a reflection asked for it. The old
// plan survives in the ledger as a revision record carrying its trigger.
func (c *Coordinator) revise(ctx context.Context, r Reflection) error {
	prompt := revisionPrompt(r, c.remainingActions())
	var plan Plan
	ok, err := c.askJSON(ctx, prompt, &plan)
	if err != nil {
		return fmt.Errorf("plan revision: %w", err)
	}
	if !ok || len(plan.ActionPlan.Actions) == 0 {
		c.logger.Warn("revision reply unusable, keeping current plan")
		return nil
	}

	if err := c.tc.Planning.Append(contextstore.PlanEntryRevision, map[string]any{
		"plan":       &plan,
		"reflection": r,
	}); err != nil {
		c.logger.Warn("record revision: %v", err)
	}
	c.adoptPlan(&plan)
	c.publishChecklist(ctx)
	c.logger.Info("plan revised (%d/%d): now %d actions", c.revisions, c.opts.MaxRevisions, len(c.actions))
	return nil
}

// regenerateRemainder replaces the not-yet-done tail of the action list
// after a level-2 execution replan. Completed actions and the decomposition
// stay.
func (c *Coordinator) regenerateRemainder(ctx context.Context, cause any) error {
	r := Reflection{
		Evaluation:         "execution step failed, regenerating the remaining actions",
		PlanRevisionNeeded: true,
	}
	prompt := revisionPrompt(r, c.remainingActions())
	var plan Plan
	ok, err := c.askJSON(ctx, prompt, &plan)
	if err != nil {
		return fmt.Errorf("regenerate remainder: %w", err)
	}
	if !ok || len(plan.ActionPlan.Actions) == 0 {
		c.logger.Warn("remainder regeneration unusable, keeping current actions")
		return nil
	}

	if err := c.tc.Planning.Append(contextstore.PlanEntryRevision, map[string]any{
		"plan":   &plan,
		"replan": cause,
	}); err != nil {
		c.logger.Warn("record remainder revision: %v", err)
	}

	done := c.actions[:c.completed]
	c.actions = append(append([]plannedAction{}, done...), orderActions(&plan)...)
	c.plan.ActionPlan = plan.ActionPlan
	c.planGen++
	c.publishChecklist(ctx)
	c.logger.Info("action plan tail regenerated: %d done + %d new", len(done), len(c.actions)-len(done))
	return nil
}

func (c *Coordinator) remainingActions() []plannedAction {
	if c.completed >= len(c.actions) {
		return nil
	}
	return c.actions[c.completed:]
}

func (c *Coordinator) environmentName() string {
	if c.envPlan.Environment != "" {
		return c.envPlan.Environment
	}
	return "default"
}

// orderActions sorts the plan's actions by execution_order, appending any
// the order forgot in listed order.
func orderActions(p *Plan) []plannedAction {
	byID := make(map[string]Action, len(p.ActionPlan.Actions))
	for _, a := range p.ActionPlan.Actions {
		if _, dup := byID[a.TaskID]; !dup {
			byID[a.TaskID] = a
		}
	}

	used := make(map[string]bool, len(byID))
	out := make([]plannedAction, 0, len(p.ActionPlan.Actions))
	for _, id := range p.ActionPlan.ExecutionOrder {
		if a, ok := byID[id]; ok && !used[id] {
			out = append(out, plannedAction{Action: a})
			used[id] = true
		}
	}
	for _, a := range p.ActionPlan.Actions {
		if !used[a.TaskID] {
			out = append(out, plannedAction{Action: a})
			used[a.TaskID] = true
		}
	}
	return out
}

// publishChecklist mirrors plan progress onto the tracker, creating the
// comment once and editing it afterwards. Tracker failures only warn; the
// checklist is a mirror, not the source of truth.
func (c *Coordinator) publishChecklist(ctx context.Context) {
	if c.reporter == nil || c.plan == nil {
		return
	}
	items := make([]tracker.PlanItem, 0, len(c.actions))
	for _, a := range c.actions {
		desc := a.Purpose
		if a.FromVerification {
			desc = "[Additional Work (From Verification)] " + desc
		}
		items = append(items, tracker.PlanItem{Description: desc, Done: a.Done})
	}
	body := tracker.PlanComment(c.plan.GoalUnderstanding, items)

	if c.checklistID != 0 {
		if err := c.reporter.UpdateComment(ctx, c.task.Key, c.checklistID, body); err != nil {
			c.logger.Warn("update plan checklist: %v", err)
		}
		return
	}
	id, err := c.reporter.CreateComment(ctx, c.task.Key, body)
	if err != nil {
		c.logger.Warn("post plan checklist: %v", err)
		return
	}
	c.checklistID = id
}
