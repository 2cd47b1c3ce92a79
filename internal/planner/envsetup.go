package planner

import (
	"context"
	"fmt"
	"strings"
)

// runEnvironmentSetup picks the container environment, provisions it, and
// runs the model's setup commands. Command failures never abort the run:
// the model may regenerate a failing command a bounded number of times,
// after which the run proceeds with a warning. Only provisioning and
// transport failures are fatal.
func (c *Coordinator) runEnvironmentSetup(ctx context.Context) error {
	// A resumed run already knows its environment; re-asking would waste a
	// model call and could drift from the recorded plan.
	if c.envPlan.Environment == "" {
		var plan EnvPlan
		ok, err := c.askJSON(ctx, envPrompt(c.env.Names(), c.understanding, c.collected), &plan)
		if err != nil {
			return fmt.Errorf("environment choice: %w", err)
		}
		if !ok {
			c.logger.Warn("environment choice unparseable, using default environment")
			plan = EnvPlan{}
		}
		c.envPlan = plan
	}

	if err := c.env.Prepare(ctx, c.envPlan.Environment); err != nil {
		return fmt.Errorf("prepare environment: %w", err)
	}

	regenerations := 0
	for _, command := range c.envPlan.SetupCommands {
		if strings.TrimSpace(command) == "" {
			continue
		}
		if err := c.runSetupCommand(ctx, command, &regenerations); err != nil {
			return err
		}
	}
	if verify := strings.TrimSpace(c.envPlan.VerifyCommand); verify != "" {
		if err := c.runSetupCommand(ctx, verify, &regenerations); err != nil {
			return err
		}
	}
	return nil
}

// runSetupCommand executes one command, asking the model to regenerate it on
// failure while the shared regeneration budget lasts.
func (c *Coordinator) runSetupCommand(ctx context.Context, command string, regenerations *int) error {
	for {
		res, err := c.env.Execute(ctx, command)
		if err != nil {
			return fmt.Errorf("execute setup command: %w", err)
		}
		if res.ExitCode == 0 {
			return nil
		}

		if *regenerations >= c.opts.MaxSetupRegenerations {
			c.logger.Warn("setup command exited %d with regeneration budget spent, proceeding: %s",
				res.ExitCode, command)
			return nil
		}
		*regenerations++

		var fix setupFix
		ok, err := c.askJSON(ctx, envFixPrompt(command, res), &fix)
		if err != nil {
			return fmt.Errorf("setup command fix: %w", err)
		}
		if !ok || !fix.Fixable || strings.TrimSpace(fix.ReplacementCommand) == "" {
			c.logger.Warn("setup command exited %d with no fix offered, proceeding: %s",
				res.ExitCode, command)
			return nil
		}
		c.logger.Info("retrying setup with regenerated command (%d/%d)",
			*regenerations, c.opts.MaxSetupRegenerations)
		command = fix.ReplacementCommand
	}
}
