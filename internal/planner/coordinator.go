package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/notfolder/coding-agent/internal/compress"
	"github.com/notfolder/coding-agent/internal/contextstore"
	"github.com/notfolder/coding-agent/internal/llm"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/mcp"
	"github.com/notfolder/coding-agent/internal/replan"
	"github.com/notfolder/coding-agent/internal/taskctx"
	"github.com/notfolder/coding-agent/internal/taskdb"
	"github.com/notfolder/coding-agent/internal/tracker"
)

// Defaults for the loop limits. Zero Options fields fall back to these.
const (
	DefaultTriggerInterval       = 3
	DefaultMaxRevisions          = 3
	DefaultMaxVerificationRounds = 2
	DefaultMaxSetupRegenerations = 3
	DefaultMaxRetriesPerTool     = 2
	DefaultAssumptionThreshold   = 0.5

	// maxActionTurns bounds the conversation length of a single action; a
	// step that cannot finish in this many model turns is declined.
	maxActionTurns = 6
	// maxSameToolErrors aborts execution to reflection when one tool keeps
	// failing.
	maxSameToolErrors = 3
)

// Phase names recorded in task_state.json and the planning ledger.
const (
	phasePrePlanning  = "pre_planning"
	phaseEnvSetup     = "environment_setup"
	phasePlanning     = "planning"
	phaseExecution    = "execution"
	phaseVerification = "verification"
)

// Deps are the collaborators a coordinator drives. Chat, Tools, Env, and TC
// are required; Reporter, Control, and Obs may be nil.
type Deps struct {
	Chat     ChatClient
	Tools    Tools
	Env      Environment
	Reporter Reporter
	Control  Control
	Obs      Observer
	TC       *taskctx.TaskContext
	Logger   logging.Logger
}

// Options tune the loop. Zero values take the documented defaults.
// FunctionCalling selects how execution drives tools: on, the model receives
// function schemas and issues calls itself; off, each action's planned tool
// runs with its planned parameters and the model only reviews the result.
type Options struct {
	ContextLength         int
	CompressionThreshold  float64
	KeepRecent            int
	FunctionCalling       bool
	TriggerInterval       int
	MaxRevisions          int
	MaxVerificationRounds int
	MaxSetupRegenerations int
	MaxRetriesPerTool     int
	AssumptionThreshold   float64
	Replan                replan.Options
}

// Coordinator runs one task through the phase machine. It is single-use and
// not safe for concurrent use; one goroutine owns the whole run.
type Coordinator struct {
	task     Task
	chat     *countingChat
	tools    Tools
	env      Environment
	reporter Reporter
	control  Control
	obs      Observer
	tc       *taskctx.TaskContext

	compressor *compress.Compressor
	replanner  *replan.Manager
	opts       Options
	logger     logging.Logger

	systemPrompt string
	afterSetup   string

	understanding Understanding
	collected     []CollectedInfo
	envPlan       EnvPlan
	plan          *Plan
	actions       []plannedAction
	completed     int
	planGen       int
	checklistID   int64
	revisions     int
	verifyRound   int
	sinceReflect  int
	lastError     string

	toolCalls    int
	totalTokens  int64
	compressions int
}

// New wires a coordinator over an open run. The chat client is wrapped so
// every model call of the run, including replan evaluations and summaries,
// lands in one counter.
func New(task Task, deps Deps, opts Options) (*Coordinator, error) {
	if deps.Chat == nil {
		return nil, fmt.Errorf("planner requires a chat client")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("planner requires a tool dispatcher")
	}
	if deps.Env == nil {
		return nil, fmt.Errorf("planner requires an environment")
	}
	if deps.TC == nil {
		return nil, fmt.Errorf("planner requires an open task context")
	}

	if opts.TriggerInterval <= 0 {
		opts.TriggerInterval = DefaultTriggerInterval
	}
	if opts.MaxRevisions <= 0 {
		opts.MaxRevisions = DefaultMaxRevisions
	}
	if opts.MaxVerificationRounds <= 0 {
		opts.MaxVerificationRounds = DefaultMaxVerificationRounds
	}
	if opts.MaxSetupRegenerations <= 0 {
		opts.MaxSetupRegenerations = DefaultMaxSetupRegenerations
	}
	if opts.MaxRetriesPerTool <= 0 {
		opts.MaxRetriesPerTool = DefaultMaxRetriesPerTool
	}
	if opts.AssumptionThreshold <= 0 {
		opts.AssumptionThreshold = DefaultAssumptionThreshold
	}

	logger := logging.OrNop(deps.Logger)
	chat := &countingChat{inner: deps.Chat}

	replanOpts := opts.Replan
	if replanOpts.Logger == nil {
		replanOpts.Logger = logger
	}

	return &Coordinator{
		task:     task,
		chat:     chat,
		tools:    deps.Tools,
		env:      deps.Env,
		reporter: deps.Reporter,
		control:  deps.Control,
		obs:      deps.Obs,
		tc:       deps.TC,
		compressor: compress.New(deps.TC.Messages, deps.TC.Summaries, chat, compress.Options{
			ContextLength: opts.ContextLength,
			Threshold:     opts.CompressionThreshold,
			KeepRecent:    opts.KeepRecent,
			Logger:        logger,
		}),
		replanner:  replan.NewManager(chat, deps.TC.Planning, replanOpts),
		opts:       opts,
		logger:     logger,
		afterSetup: phasePlanning,
	}, nil
}

// Run drives the phase machine to a terminal outcome. Errors mean the task
// failed; pause and stop come back as statuses.
func (c *Coordinator) Run(ctx context.Context) (Outcome, error) {
	c.systemPrompt = buildSystemPrompt(c.task, c.env.SafeCommands(), c.env.ProjectRules(ctx))

	phase := phasePrePlanning
	if resumed := c.restore(); resumed != "" {
		phase = resumed
		c.logger.Info("resuming run %s at %s (%d/%d steps done)",
			c.tc.UUID, phase, c.completed, len(c.actions))
	} else if err := c.seedWindow(); err != nil {
		return Outcome{}, err
	}

	for {
		if out, halted := c.controlpoint(ctx, phase); halted {
			return out, nil
		}
		ran := phase
		started := time.Now()
		switch phase {
		case phasePrePlanning:
			next, err := c.runPrePlanning(ctx)
			if err != nil {
				return c.failure(err)
			}
			phase = next
		case phaseEnvSetup:
			if err := c.runEnvironmentSetup(ctx); err != nil {
				return c.failure(err)
			}
			phase = c.afterSetup
			c.afterSetup = phasePlanning
		case phasePlanning:
			next, err := c.runPlanning(ctx)
			if err != nil {
				return c.failure(err)
			}
			phase = next
		case phaseExecution:
			next, out, halted, err := c.runExecution(ctx)
			if err != nil {
				return c.failure(err)
			}
			if halted {
				return out, nil
			}
			phase = next
		case phaseVerification:
			next, done, err := c.runVerification(ctx)
			if err != nil {
				return c.failure(err)
			}
			if done {
				c.observePhase(ctx, ran, started)
				return c.complete(ctx)
			}
			phase = next
		default:
			return c.failure(fmt.Errorf("unknown phase %q", phase))
		}
		c.observePhase(ctx, ran, started)
	}
}

func (c *Coordinator) observePhase(ctx context.Context, phase string, started time.Time) {
	if c.obs == nil {
		return
	}
	c.obs.PhaseDone(ctx, phase, time.Since(started))
}

// controlpoint honors stop before pause: a stopped task must not be parked
// for resume. Context cancellation is not checked here; it surfaces through
// the next model or tool call.
func (c *Coordinator) controlpoint(ctx context.Context, phase string) (Outcome, bool) {
	if c.control == nil {
		return Outcome{}, false
	}
	if c.control.StopRequested(ctx) {
		c.logger.Info("run %s stopping at %s", c.tc.UUID, phase)
		return Outcome{Status: StatusStopped, Counters: c.counters()}, true
	}
	if c.control.PauseRequested() {
		c.logger.Info("run %s pausing at %s", c.tc.UUID, phase)
		return Outcome{Status: StatusPaused, State: c.snapshot(phase), Counters: c.counters()}, true
	}
	return Outcome{}, false
}

// seedWindow opens the conversation: inherited seeds verbatim when present,
// the bare user request otherwise.
func (c *Coordinator) seedWindow() error {
	if c.tc.Messages.CurrentLen() > 0 {
		return nil
	}
	if len(c.task.Seeds) > 0 {
		for _, seed := range c.task.Seeds {
			if err := c.appendMessage(seed.Role, seed.Content, seed.ToolName); err != nil {
				return err
			}
		}
		return nil
	}
	return c.appendMessage(contextstore.RoleUser, c.task.Request, "")
}

func (c *Coordinator) counters() taskdb.Counters {
	return taskdb.Counters{
		LLMCalls:     int(c.chat.calls.Load()),
		ToolCalls:    c.toolCalls,
		TotalTokens:  c.totalTokens,
		Compressions: c.compressions,
	}
}

func (c *Coordinator) failure(err error) (Outcome, error) {
	return Outcome{Counters: c.counters()}, err
}

// complete writes the final summary and returns the completed outcome. A
// failed summary degrades to a stock line; the work itself is already done.
func (c *Coordinator) complete(ctx context.Context) (Outcome, error) {
	summary := "Task completed."
	if sum, err := c.compressor.FinalSummary(ctx); err != nil {
		c.logger.Warn("final summary failed for run %s: %v", c.tc.UUID, err)
	} else if sum.Summary != "" {
		summary = sum.Summary
	}
	return Outcome{Status: StatusCompleted, Summary: summary, Counters: c.counters()}, nil
}

// converse appends the prompt to the window, calls the model, records the
// visible reply, and posts any thinking content as a tracker comment.
func (c *Coordinator) converse(ctx context.Context, prompt string, withTools bool) (*llm.Completion, string, error) {
	if err := c.appendMessage(contextstore.RoleUser, prompt, ""); err != nil {
		return nil, "", err
	}
	var fns []llm.FunctionDef
	if withTools {
		fns = c.tools.Schemas()
	}
	comp, err := c.chat.Chat(ctx, c.window(), fns)
	if err != nil {
		return nil, "", fmt.Errorf("llm call failed: %w", err)
	}

	visible, thinking := llm.StripThink(comp.Content)
	if thinking != "" {
		c.postThinking(ctx, thinking)
	}
	if visible != "" || comp.FunctionCall == nil {
		if err := c.appendMessage(contextstore.RoleAssistant, visible, ""); err != nil {
			return nil, "", err
		}
	}
	c.maybeCompress(ctx)
	return comp, visible, nil
}

// askJSON runs one toolless model turn and decodes the reply. ok=false with a
// nil error is a parse failure; the caller applies its phase fallback.
func (c *Coordinator) askJSON(ctx context.Context, prompt string, v any) (bool, error) {
	_, visible, err := c.converse(ctx, prompt, false)
	if err != nil {
		return false, err
	}
	if err := llm.DecodeJSON(visible, v); err != nil {
		c.logger.Warn("phase reply unparseable: %v", err)
		return false, nil
	}
	return true, nil
}

// window renders the live context for the provider: the system prompt plus
// current.jsonl. Tool records travel as user turns because not every
// provider accepts a bare tool role.
func (c *Coordinator) window() []llm.ChatMessage {
	current := c.tc.Messages.CurrentMessages()
	msgs := make([]llm.ChatMessage, 0, len(current)+1)
	msgs = append(msgs, llm.ChatMessage{Role: "system", Content: c.systemPrompt})
	for _, m := range current {
		role := m.Role
		if role == contextstore.RoleTool {
			role = contextstore.RoleUser
		}
		msgs = append(msgs, llm.ChatMessage{Role: role, Content: m.Content})
	}
	return msgs
}

func (c *Coordinator) appendMessage(role, content, toolName string) error {
	m, err := c.tc.Messages.Append(role, content, toolName)
	if err != nil {
		return fmt.Errorf("record %s message: %w", role, err)
	}
	c.totalTokens += int64(m.TokenCount)
	return nil
}

func (c *Coordinator) maybeCompress(ctx context.Context) {
	if !c.compressor.ShouldCompress() {
		return
	}
	compressed, err := c.compressor.Compress(ctx)
	if err != nil {
		c.logger.Warn("context compression failed: %v", err)
		return
	}
	if compressed {
		c.compressions++
	}
}

func (c *Coordinator) postThinking(ctx context.Context, thought string) {
	if c.reporter == nil {
		return
	}
	if _, err := c.reporter.CreateComment(ctx, c.task.Key, tracker.ThinkingComment(thought)); err != nil {
		c.logger.Warn("post thinking comment: %v", err)
	}
}

// callTool dispatches one tool call and records it in tools.jsonl.
func (c *Coordinator) callTool(ctx context.Context, name string, args map[string]any) mcp.Result {
	start := time.Now()
	res := c.tools.Call(ctx, name, args)
	c.toolCalls++

	rec := contextstore.ToolRecord{
		Tool:       name,
		Args:       args,
		Status:     contextstore.ToolStatusSuccess,
		Result:     res.Content,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if !res.Success {
		rec.Status = contextstore.ToolStatusError
		rec.Error = res.Error
	}
	if _, err := c.tc.Tools.Append(rec); err != nil {
		c.logger.Warn("record tool call %s: %v", name, err)
	}
	return res
}

// evaluatePhase runs the replan evaluator over a phase output and maps an
// executed decision to the phase the loop should enter next. The empty
// string means proceed.
func (c *Coordinator) evaluatePhase(ctx context.Context, phase string, output any) (string, error) {
	rendered, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("render %s output: %w", phase, err)
	}
	outcome, err := c.replanner.Evaluate(ctx, phase, string(rendered))
	if err != nil {
		return "", err
	}
	if !outcome.Execute {
		return "", nil
	}
	return c.rewind(outcome.Decision.Level()), nil
}

// rewind resets state for a replan level and names the phase to re-enter.
// Levels 1 and 2 are handled inside the execution loop and return execution
// unchanged.
func (c *Coordinator) rewind(level int) string {
	c.replanner.ResetDownstream(level)
	switch level {
	case 5:
		c.logger.Info("run %s rewinding to goal understanding", c.tc.UUID)
		c.tc.Planning.StartSession()
		c.understanding = Understanding{}
		c.collected = nil
		c.plan = nil
		c.actions = nil
		c.completed = 0
		c.revisions = 0
		c.verifyRound = 0
		return phasePrePlanning
	case 4:
		c.logger.Info("run %s rewinding to task decomposition", c.tc.UUID)
		c.tc.Planning.StartSession()
		c.plan = nil
		c.actions = nil
		c.completed = 0
		c.revisions = 0
		return phasePlanning
	case 3:
		c.logger.Info("run %s regenerating action plan", c.tc.UUID)
		c.actions = nil
		c.completed = 0
		return phasePlanning
	default:
		return phaseExecution
	}
}

// snapshot captures everything a resumed process needs. The container is
// gone by then, so environment setup always reruns on resume.
func (c *Coordinator) snapshot(phase string) *taskctx.TaskState {
	st := &taskctx.TaskState{
		Phase:          phase,
		CompletedSteps: c.completed,
		TotalSteps:     len(c.actions),
		Extra:          map[string]any{},
	}
	st.Extra["understanding"] = c.understanding
	if len(c.collected) > 0 {
		st.Extra["collected"] = c.collected
	}
	if c.envPlan.Environment != "" {
		st.Extra["env_plan"] = c.envPlan
	}
	if c.plan != nil {
		st.PlanGoal = c.plan.GoalUnderstanding
		st.Extra["plan"] = c.plan
	}
	if len(c.actions) > 0 {
		st.Extra["actions"] = c.actions
	}
	if c.checklistID != 0 {
		st.Extra["checklist_comment_id"] = c.checklistID
	}
	if c.revisions > 0 {
		st.Extra["revisions"] = c.revisions
	}
	if c.verifyRound > 0 {
		st.Extra["verification_round"] = c.verifyRound
	}
	return st
}

// restore rebuilds coordinator state from a paused run and returns the phase
// to start from, "" for a fresh run.
func (c *Coordinator) restore() string {
	st := c.tc.State
	if st == nil {
		return ""
	}

	decodeExtra(st.Extra, "understanding", &c.understanding)
	decodeExtra(st.Extra, "collected", &c.collected)
	decodeExtra(st.Extra, "env_plan", &c.envPlan)
	var plan Plan
	if decodeExtra(st.Extra, "plan", &plan) {
		c.plan = &plan
	}
	decodeExtra(st.Extra, "actions", &c.actions)
	decodeExtra(st.Extra, "checklist_comment_id", &c.checklistID)
	decodeExtra(st.Extra, "revisions", &c.revisions)
	decodeExtra(st.Extra, "verification_round", &c.verifyRound)
	c.completed = st.CompletedSteps
	if c.completed > len(c.actions) {
		c.completed = len(c.actions)
	}

	switch st.Phase {
	case phaseExecution, phaseVerification:
		if c.plan == nil {
			return phasePrePlanning
		}
		c.afterSetup = st.Phase
		return phaseEnvSetup
	case phasePlanning, phaseEnvSetup:
		if c.understanding.PrimaryGoal == "" {
			return phasePrePlanning
		}
		return phaseEnvSetup
	default:
		return phasePrePlanning
	}
}

// decodeExtra pulls one key out of a restored Extra map through a JSON
// round-trip, because the map comes back as generic JSON values.
func decodeExtra(extra map[string]any, key string, v any) bool {
	raw, ok := extra[key]
	if !ok {
		return false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, v) == nil
}
