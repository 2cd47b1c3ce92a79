package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/notfolder/coding-agent/internal/contextstore"
	"github.com/notfolder/coding-agent/internal/llm"
	"github.com/notfolder/coding-agent/internal/mcp"
	"github.com/notfolder/coding-agent/internal/replan"
)

// stepResult classifies how one action's conversation ended.
type stepResult int

const (
	stepDone stepResult = iota
	stepDeclined
	stepErrorStreak
)

const continueNudge = "Continue with this step. Reply with " + doneMarker +
	" alone when the expected outcome is reached."

// runExecution consumes actions in order. Pause and stop are honored between
// actions, never inside one.
func (c *Coordinator) runExecution(ctx context.Context) (string, Outcome, bool, error) {
	for c.completed < len(c.actions) {
		if out, halted := c.controlpoint(ctx, phaseExecution); halted {
			return "", out, true, nil
		}

		idx := c.completed
		result, err := c.executeAction(ctx, idx)
		if err != nil {
			return "", Outcome{}, false, err
		}

		switch result {
		case stepDone:
			c.completed++
			c.sinceReflect++
			c.publishChecklist(ctx)

		case stepDeclined:
			c.logger.Info("step %s declined: %s",
				c.actions[idx].TaskID, truncateForPrompt(c.actions[idx].Note, 120))
			retry, next, err := c.evaluateStep(ctx, idx)
			if err != nil {
				return "", Outcome{}, false, err
			}
			if next != "" {
				return next, Outcome{}, false, nil
			}
			if retry {
				c.actions[idx].Declined = false
				c.actions[idx].Note = ""
				continue
			}
			// A standing decline is allowed; the step stays unchecked.
			c.completed++
			c.sinceReflect++

		case stepErrorStreak:
			c.logger.Warn("step %s aborted after repeated tool errors: %s",
				c.actions[idx].TaskID, truncateForPrompt(c.lastError, 200))
			retry, next, err := c.evaluateStep(ctx, idx)
			if err != nil {
				return "", Outcome{}, false, err
			}
			if next != "" {
				return next, Outcome{}, false, nil
			}
			if retry {
				c.actions[idx].Note = ""
				continue
			}

			gen := c.planGen
			rnext, err := c.reflect(ctx)
			if err != nil {
				return "", Outcome{}, false, err
			}
			if rnext != "" {
				return rnext, Outcome{}, false, nil
			}
			if gen == c.planGen {
				// Reflection changed nothing; give up on this action and
				// move on rather than loop on the same failure.
				c.completed++
			}
		}

		if c.sinceReflect >= c.opts.TriggerInterval && c.completed < len(c.actions) {
			next, err := c.reflect(ctx)
			if err != nil {
				return "", Outcome{}, false, err
			}
			if next != "" {
				return next, Outcome{}, false, nil
			}
		}
	}
	return phaseVerification, Outcome{}, false, nil
}

// executeAction holds one conversation about one action: the model invokes
// tools until it reports the done marker, declines, or a tool keeps failing.
// Without function calling the planned tool is dispatched directly instead.
func (c *Coordinator) executeAction(ctx context.Context, idx int) (stepResult, error) {
	if !c.opts.FunctionCalling {
		return c.executePlannedAction(ctx, idx)
	}
	a := &c.actions[idx]
	prompt := actionPrompt(a.Action, idx+1, len(c.actions))
	streakTool := ""
	streak := 0

	for turn := 0; turn < maxActionTurns; turn++ {
		comp, visible, err := c.converse(ctx, prompt, true)
		if err != nil {
			return 0, err
		}

		if comp.FunctionCall == nil {
			if hasDoneMarker(visible) {
				a.Done = true
				return stepDone, nil
			}
			a.Declined = true
			a.Note = truncateForPrompt(visible, 500)
			return stepDeclined, nil
		}

		name := comp.FunctionCall.Name
		var res mcp.Result
		if args, argErr := llm.RepairArguments(comp.FunctionCall.Arguments); argErr != nil {
			// Malformed arguments never reach the tool; the model sees the
			// failure and may correct itself on the next turn.
			res = mcp.Result{Success: false, Error: "invalid arguments: " + argErr.Error()}
		} else {
			res = c.callTool(ctx, name, args)
		}

		content := res.Content
		if !res.Success {
			content = res.Error
		}
		if err := c.appendMessage(contextstore.RoleTool, toolResultText(name, res.Success, content), name); err != nil {
			return 0, err
		}
		c.maybeCompress(ctx)

		if res.Success {
			streakTool, streak = "", 0
			if name == a.Tool {
				a.Done = true
				a.Note = "tool " + name + " succeeded"
				return stepDone, nil
			}
			prompt = continueNudge
			continue
		}

		c.lastError = fmt.Sprintf("tool %s: %s", name, res.Error)
		if name == streakTool {
			streak++
		} else {
			streakTool, streak = name, 1
		}
		if streak >= maxSameToolErrors {
			a.Note = truncateForPrompt(c.lastError, 500)
			return stepErrorStreak, nil
		}
		prompt = fmt.Sprintf("The tool call failed: %s\nAdjust the approach and continue. %s",
			truncateForPrompt(res.Error, 500), continueNudge)
	}

	a.Declined = true
	a.Note = "step did not converge within the turn limit"
	return stepDeclined, nil
}

// executePlannedAction drives one action for models that cannot issue tool
// calls: the planned tool runs with the parameters fixed at planning time,
// then the model judges the result against the expected outcome. Actions
// without a tool are pure reasoning steps and go straight to review.
func (c *Coordinator) executePlannedAction(ctx context.Context, idx int) (stepResult, error) {
	a := &c.actions[idx]

	if a.Tool != "" {
		res := c.callTool(ctx, a.Tool, a.Parameters)
		content := res.Content
		if !res.Success {
			content = res.Error
		}
		if err := c.appendMessage(contextstore.RoleTool, toolResultText(a.Tool, res.Success, content), a.Tool); err != nil {
			return 0, err
		}
		c.maybeCompress(ctx)

		if !res.Success {
			c.lastError = fmt.Sprintf("tool %s: %s", a.Tool, res.Error)
			a.Note = truncateForPrompt(c.lastError, 500)
			return stepErrorStreak, nil
		}
	}

	_, visible, err := c.converse(ctx, reviewPrompt(a.Action, idx+1, len(c.actions)), false)
	if err != nil {
		return 0, err
	}
	if hasDoneMarker(visible) {
		a.Done = true
		if a.Tool != "" {
			a.Note = "tool " + a.Tool + " succeeded"
		}
		return stepDone, nil
	}
	a.Declined = true
	a.Note = truncateForPrompt(visible, 500)
	return stepDeclined, nil
}

// evaluateStep asks the evaluator what to do about a failed or declined
// action. retry=true means run the same action again; a non-empty next names
// a deeper rewind; both zero means carry on.
func (c *Coordinator) evaluateStep(ctx context.Context, idx int) (bool, string, error) {
	a := c.actions[idx]
	payload, err := json.Marshal(map[string]any{
		"action":   a.Action,
		"declined": a.Declined,
		"note":     a.Note,
		"error":    c.lastError,
	})
	if err != nil {
		return false, "", fmt.Errorf("render step outcome: %w", err)
	}

	outcome, err := c.replanner.Evaluate(ctx, replan.PhaseExecution, string(payload))
	if err != nil {
		return false, "", err
	}
	if !outcome.Execute {
		return false, "", nil
	}

	switch outcome.Decision.Level() {
	case 1:
		c.logger.Info("retrying step %s", a.TaskID)
		return true, "", nil
	case 2:
		if err := c.regenerateRemainder(ctx, outcome.Decision); err != nil {
			return false, "", err
		}
		return false, "", nil
	default:
		return false, c.rewind(outcome.Decision.Level()), nil
	}
}

// reflect reviews recent work and applies a plan revision when both the
// model and the evaluator agree one is needed. A non-empty return names the
// phase a deeper rewind re-enters.
func (c *Coordinator) reflect(ctx context.Context) (string, error) {
	c.sinceReflect = 0

	recent := c.actions
	if len(recent) > c.completed+1 {
		recent = recent[:c.completed+1]
	}
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}

	var r Reflection
	ok, err := c.askJSON(ctx, reflectionPrompt(recent, c.lastError), &r)
	if err != nil {
		return "", fmt.Errorf("reflection phase: %w", err)
	}
	if !ok {
		c.logger.Warn("reflection unparseable, continuing")
		return "", nil
	}
	if err := c.tc.Planning.Append(contextstore.PlanEntryReflection, r); err != nil {
		c.logger.Warn("record reflection: %v", err)
	}

	if !r.PlanRevisionNeeded {
		return "", nil
	}
	if c.revisions >= c.opts.MaxRevisions {
		c.logger.Warn("plan revision requested but limit %d reached", c.opts.MaxRevisions)
		return "", nil
	}

	rendered, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("render reflection: %w", err)
	}
	outcome, err := c.replanner.Evaluate(ctx, replan.PhaseReflection, string(rendered))
	if err != nil {
		return "", err
	}
	if !outcome.Execute {
		if outcome.OverrideReason != "" {
			c.logger.Info("plan revision denied: %s", outcome.OverrideReason)
		}
		return "", nil
	}

	if level := outcome.Decision.Level(); level >= 4 {
		return c.rewind(level), nil
	}
	c.revisions++
	return "", c.revise(ctx, r)
}
