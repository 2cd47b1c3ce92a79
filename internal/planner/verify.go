package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/notfolder/coding-agent/internal/contextstore"
)

// runVerification judges the finished work. done=true completes the run; a
// non-empty next phase re-enters the loop (usually execution, for additional
// work); a failed verdict with no recourse fails the task.
func (c *Coordinator) runVerification(ctx context.Context) (string, bool, error) {
	c.verifyRound++

	var v Verification
	ok, err := c.askJSON(ctx, verificationPrompt(c.understanding, c.actions, c.workspaceState(ctx)), &v)
	if err != nil {
		return "", false, fmt.Errorf("verification phase: %w", err)
	}
	if !ok {
		// An unreadable verdict must not throw away finished work; complete
		// with the doubt on record.
		c.logger.Warn("verification unparseable, completing with low confidence")
		v = Verification{
			VerificationPassed:   true,
			CompletionConfidence: 0.3,
			Comment:              "verification reply was unparseable",
		}
	}
	if err := c.tc.Planning.Append(contextstore.PlanEntryVerification, v); err != nil {
		c.logger.Warn("record verification: %v", err)
	}
	if v.PlaceholderDetected.Count > 0 {
		c.logger.Warn("verification found %d placeholder(s): %s",
			v.PlaceholderDetected.Count, strings.Join(v.PlaceholderDetected.Locations, ", "))
	}

	if v.AdditionalWorkNeeded && len(v.AdditionalActions) > 0 {
		if c.verifyRound < c.opts.MaxVerificationRounds {
			c.appendAdditionalActions(v.AdditionalActions)
			c.publishChecklist(ctx)
			c.logger.Info("verification round %d requests %d additional action(s)",
				c.verifyRound, len(v.AdditionalActions))
			return phaseExecution, false, nil
		}
		c.logger.Warn("additional work requested but verification rounds exhausted")
	}

	if !v.VerificationPassed {
		// One last chance: the evaluator may rewind instead of failing.
		next, err := c.evaluatePhase(ctx, phaseVerification, v)
		if err != nil {
			return "", false, err
		}
		if next != "" {
			return next, false, nil
		}
		return "", false, fmt.Errorf("verification failed: %s", verificationDetail(v))
	}

	c.logger.Info("verification passed (confidence %.2f) after %d round(s)",
		v.CompletionConfidence, c.verifyRound)
	return "", true, nil
}

func (c *Coordinator) appendAdditionalActions(actions []Action) {
	for i, a := range actions {
		if strings.TrimSpace(a.TaskID) == "" {
			a.TaskID = fmt.Sprintf("verify-%d-%d", c.verifyRound, i+1)
		}
		c.actions = append(c.actions, plannedAction{Action: a, FromVerification: true})
	}
	c.planGen++
}

// workspaceState gives verification a cheap view of what changed. Failures
// degrade to an empty section.
func (c *Coordinator) workspaceState(ctx context.Context) string {
	res, err := c.env.Execute(ctx, "git status --short")
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	return res.Stdout
}

func verificationDetail(v Verification) string {
	if len(v.IssuesFound) > 0 {
		return strings.Join(v.IssuesFound, "; ")
	}
	if v.Comment != "" {
		return v.Comment
	}
	return "success criteria not met"
}
