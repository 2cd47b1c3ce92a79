package replan

import (
	"context"
	"fmt"

	"github.com/notfolder/coding-agent/internal/contextstore"
	"github.com/notfolder/coding-agent/internal/llm"
	"github.com/notfolder/coding-agent/internal/logging"
)

// Default gate thresholds.
const (
	DefaultMinConfidence    = 0.5
	DefaultConfirmThreshold = 0.3
	DefaultSameTriggerMax   = 2
)

// ChatClient is the LLM slice the evaluator needs.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.ChatMessage, functions []llm.FunctionDef) (*llm.Completion, error)
}

// Outcome is what the coordinator does with a decision. Execute=false always
// means proceed; OverrideReason says why a requested replan was denied.
type Outcome struct {
	Decision       *Decision
	Execute        bool
	OverrideReason string
}

// Options configure a Manager. Zero values take the defaults.
type Options struct {
	Caps             map[string]int
	TotalCap         int
	MinConfidence    float64
	ConfirmThreshold float64
	SameTriggerMax   int
	Logger           logging.Logger
}

type trigger struct {
	targetPhase string
	replanType  string
}

// Manager evaluates phase outputs and gates replan requests. Every decision,
// executed or overridden, lands in the planning ledger.
type Manager struct {
	client           ChatClient
	planning         *contextstore.PlanningStore
	prompts          PromptBuilder
	budget           *Budget
	history          []trigger
	minConfidence    float64
	confirmThreshold float64
	sameTriggerMax   int
	logger           logging.Logger
}

func NewManager(client ChatClient, planning *contextstore.PlanningStore, o Options) *Manager {
	m := &Manager{
		client:           client,
		planning:         planning,
		budget:           NewBudget(o.Caps, o.TotalCap),
		minConfidence:    o.MinConfidence,
		confirmThreshold: o.ConfirmThreshold,
		sameTriggerMax:   o.SameTriggerMax,
		logger:           logging.OrNop(o.Logger),
	}
	if m.minConfidence <= 0 {
		m.minConfidence = DefaultMinConfidence
	}
	if m.confirmThreshold <= 0 {
		m.confirmThreshold = DefaultConfirmThreshold
	}
	if m.sameTriggerMax <= 0 {
		m.sameTriggerMax = DefaultSameTriggerMax
	}
	return m
}

// Budget exposes the counters for rewind resets and status reporting.
func (m *Manager) Budget() *Budget { return m.budget }

// Evaluate asks the model whether the phase output warrants a replan and
// gates the answer. Evaluator failures never abort the task; they degrade
// to proceed.
func (m *Manager) Evaluate(ctx context.Context, phase, output string) (*Outcome, error) {
	prompt, err := m.prompts.Build(phase, output)
	if err != nil {
		return nil, err
	}

	decision := &Decision{}
	override := ""
	completion, err := m.client.Chat(ctx, []llm.ChatMessage{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		m.logger.Warn("replan evaluator failed for %s: %v", phase, err)
		override = "evaluator unavailable"
	} else if err := llm.DecodeJSON(completion.Content, decision); err != nil {
		m.logger.Warn("replan evaluator reply unparseable for %s: %v", phase, err)
		override = "evaluator reply unparseable"
	}

	outcome := m.gate(phase, decision, override)
	m.record(phase, outcome)
	return outcome, nil
}

func (m *Manager) gate(phase string, d *Decision, override string) *Outcome {
	if override != "" {
		return &Outcome{Decision: d, OverrideReason: override}
	}
	if !d.ReplanNeeded {
		return &Outcome{Decision: d}
	}

	// Every request counts toward loop detection, even a denied one.
	tr := trigger{targetPhase: d.TargetPhase, replanType: d.ReplanType}
	seen := 0
	for _, h := range m.history {
		if h == tr {
			seen++
		}
	}
	m.history = append(m.history, tr)

	switch {
	case d.Confidence < m.confirmThreshold:
		reason := fmt.Sprintf("confidence %.2f below confirmation threshold %.2f", d.Confidence, m.confirmThreshold)
		m.logger.Warn("replan for %s overridden: %s", phase, reason)
		return &Outcome{Decision: d, OverrideReason: reason}
	case seen >= m.sameTriggerMax:
		m.logger.Warn("replan for %s overridden: infinite loop detected (%s -> %s)", phase, d.ReplanType, d.TargetPhase)
		return &Outcome{Decision: d, OverrideReason: "infinite loop detected"}
	case m.budget.Exhausted(d.Category()):
		reason := fmt.Sprintf("replan budget exhausted (%s)", d.Category())
		m.logger.Warn("replan for %s overridden: %s", phase, reason)
		return &Outcome{Decision: d, OverrideReason: reason}
	case d.Confidence < m.minConfidence:
		reason := fmt.Sprintf("confidence %.2f below execution threshold %.2f", d.Confidence, m.minConfidence)
		m.logger.Warn("replan for %s overridden: %s", phase, reason)
		return &Outcome{Decision: d, OverrideReason: reason}
	}

	m.budget.Spend(d.Category())
	m.logger.Info("replanning %s: %s level %d (%s)", phase, d.ReplanType, d.Level(), d.Reasoning)
	return &Outcome{Decision: d, Execute: true}
}

// ResetDownstream clears the counters for phases a rewind will regenerate.
// The total counter keeps accumulating.
func (m *Manager) ResetDownstream(level int) {
	switch level {
	case 5:
		m.budget.Reset(CategoryTaskDecomposition, CategoryActionSequence,
			CategoryExecutionRetry, CategoryExecutionPartial, CategoryReflection)
	case 4:
		m.budget.Reset(CategoryActionSequence, CategoryExecutionRetry,
			CategoryExecutionPartial, CategoryReflection)
	case 3:
		m.budget.Reset(CategoryExecutionRetry, CategoryExecutionPartial)
	case 2:
		m.budget.Reset(CategoryExecutionRetry)
	}
}

func (m *Manager) record(phase string, o *Outcome) {
	if m.planning == nil {
		return
	}
	err := m.planning.Append(contextstore.PlanEntryReplanDecision, map[string]any{
		"phase":           phase,
		"decision":        o.Decision,
		"executed":        o.Execute,
		"override_reason": o.OverrideReason,
		"budget":          m.budget.Counts(),
	})
	if err != nil {
		m.logger.Warn("record replan decision: %v", err)
	}
}
