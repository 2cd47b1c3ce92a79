package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// nonAssumableFragments mark info items whose absence must never be papered
// over with a guess. Matching items become recorded gaps.
var nonAssumableFragments = []string{
	"security", "secret", "password", "token", "credential",
	"api_key", "database", "connection_string", "pii",
}

// runPrePlanning produces the task understanding and collects the
// information the model asked for, then lets the evaluator judge the result.
func (c *Coordinator) runPrePlanning(ctx context.Context) (string, error) {
	if err := c.runUnderstanding(ctx); err != nil {
		return "", err
	}
	if err := c.runCollection(ctx); err != nil {
		return "", err
	}

	next, err := c.evaluatePhase(ctx, phasePrePlanning, map[string]any{
		"understanding": c.understanding,
		"collected":     c.collected,
	})
	if err != nil {
		return "", err
	}
	if next != "" {
		return next, nil
	}
	return phaseEnvSetup, nil
}

func (c *Coordinator) runUnderstanding(ctx context.Context) error {
	var u Understanding
	ok, err := c.askJSON(ctx, understandingPrompt(c.task), &u)
	if err != nil {
		return fmt.Errorf("understanding phase: %w", err)
	}
	if !ok {
		// Minimal stand-in so the run can continue; the low confidence
		// keeps later phases cautious.
		u = Understanding{
			TaskType:                "other",
			PrimaryGoal:             truncateForPrompt(strings.TrimSpace(c.task.Request), 300),
			UnderstandingConfidence: 0.3,
		}
		c.logger.Warn("understanding unparseable, continuing with confidence %.1f", u.UnderstandingConfidence)
	}
	c.understanding = u
	c.logger.Info("task understood as %s: %s (confidence %.2f)",
		u.TaskType, truncateForPrompt(u.PrimaryGoal, 120), u.UnderstandingConfidence)
	return nil
}

// runCollection asks the model what it needs and gathers it item by item.
// Tool failures degrade to assumptions, low-confidence assumptions to gaps.
func (c *Coordinator) runCollection(ctx context.Context) error {
	var plan InfoPlan
	ok, err := c.askJSON(ctx, infoPlanPrompt(c.understanding, c.toolNames()), &plan)
	if err != nil {
		return fmt.Errorf("information planning: %w", err)
	}
	if !ok || plan.SkipCollection || len(plan.Items) == 0 {
		if !ok {
			c.logger.Warn("information plan unparseable, skipping collection")
		}
		return nil
	}

	items := make(map[string]InfoItem, len(plan.Items))
	for _, item := range plan.Items {
		items[item.ID] = item
	}
	order := plan.CollectionOrder
	if len(order) == 0 {
		for _, item := range plan.Items {
			order = append(order, item.ID)
		}
	}

	c.collected = c.collected[:0]
	for _, id := range order {
		item, known := items[id]
		if !known {
			c.logger.Warn("collection order names unknown item %q", id)
			continue
		}
		info, err := c.collectItem(ctx, item)
		if err != nil {
			return err
		}
		c.collected = append(c.collected, info)
	}
	return nil
}

// collectItem resolves one info item: tool result, default assumption, model
// assumption, or gap.
func (c *Coordinator) collectItem(ctx context.Context, item InfoItem) (CollectedInfo, error) {
	content, collectErr := c.collectViaTool(ctx, item)
	if collectErr == nil {
		return CollectedInfo{ID: item.ID, Content: content}, nil
	}
	c.logger.Warn("collecting %q failed: %v", item.ID, collectErr)

	if isNonAssumable(item) {
		return CollectedInfo{
			ID:        item.ID,
			Gap:       true,
			GapReason: "sensitive item, assumption not allowed",
		}, nil
	}

	if item.CanAssume && item.DefaultAssumption != "" {
		return CollectedInfo{
			ID:         item.ID,
			Content:    item.DefaultAssumption,
			Assumed:    true,
			Confidence: defaultAssumptionConfidence,
		}, nil
	}

	var reply assumptionReply
	ok, err := c.askJSON(ctx, assumptionPrompt(item, collectErr.Error()), &reply)
	if err != nil {
		return CollectedInfo{}, fmt.Errorf("assumption for %q: %w", item.ID, err)
	}
	if !ok || strings.TrimSpace(reply.AssumedValue) == "" || reply.Confidence < c.opts.AssumptionThreshold {
		reason := "no usable assumption"
		if ok && reply.AssumedValue != "" {
			reason = fmt.Sprintf("assumption confidence %.2f below %.2f", reply.Confidence, c.opts.AssumptionThreshold)
		}
		return CollectedInfo{ID: item.ID, Gap: true, GapReason: reason}, nil
	}
	return CollectedInfo{
		ID:         item.ID,
		Content:    reply.AssumedValue,
		Assumed:    true,
		Confidence: reply.Confidence,
	}, nil
}

// defaultAssumptionConfidence rates an item's own default higher than the
// execution threshold but below a real collection.
const defaultAssumptionConfidence = 0.7

func (c *Coordinator) collectViaTool(ctx context.Context, item InfoItem) (string, error) {
	tool := strings.TrimSpace(item.CollectionMethod.Tool)
	if tool == "" {
		return "", errors.New("no collection tool named")
	}
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetriesPerTool; attempt++ {
		res := c.callTool(ctx, tool, item.CollectionMethod.Parameters)
		if res.Success {
			return res.Content, nil
		}
		lastErr = errors.New(res.Error)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("tool %s failed %d times: %w", tool, c.opts.MaxRetriesPerTool, lastErr)
}

func isNonAssumable(item InfoItem) bool {
	probe := strings.ToLower(item.ID + " " + item.Category + " " + item.Description)
	for _, fragment := range nonAssumableFragments {
		if strings.Contains(probe, fragment) {
			return true
		}
	}
	return false
}

func (c *Coordinator) toolNames() []string {
	schemas := c.tools.Schemas()
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		names = append(names, s.Name)
	}
	return names
}
