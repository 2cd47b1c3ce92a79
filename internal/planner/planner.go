// Package planner drives one task run from prompt to done: pre-planning,
// environment setup, planning, action execution with reflection, and
// verification. Work products live in the run's context stores; progress is
// mirrored onto the source issue as a checklist comment.
package planner

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/notfolder/coding-agent/internal/contextstore"
	"github.com/notfolder/coding-agent/internal/llm"
	"github.com/notfolder/coding-agent/internal/mcp"
	"github.com/notfolder/coding-agent/internal/sandbox"
	"github.com/notfolder/coding-agent/internal/taskctx"
	"github.com/notfolder/coding-agent/internal/taskdb"
	"github.com/notfolder/coding-agent/internal/taskkey"
	"github.com/notfolder/coding-agent/internal/tracker"
)

// Task is the work item a coordinator runs.
type Task struct {
	Key     taskkey.Key
	Issue   *tracker.Issue
	Request string
	// Seeds are the inherited opening messages. When present they already
	// include the user request; when absent the coordinator appends the
	// request alone.
	Seeds []contextstore.CurrentMessage
}

// ChatClient is the LLM slice the coordinator needs.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.ChatMessage, functions []llm.FunctionDef) (*llm.Completion, error)
}

// Tools dispatches model function calls across every connected tool server.
type Tools interface {
	Schemas() []llm.FunctionDef
	Call(ctx context.Context, name string, args map[string]any) mcp.Result
}

// Environment provisions and executes in the run's container. Prepare may be
// called once per run; Execute is only valid afterwards.
type Environment interface {
	Names() []string
	Prepare(ctx context.Context, environment string) error
	Execute(ctx context.Context, command string) (*sandbox.ExecResult, error)
	SafeCommands() string
	ProjectRules(ctx context.Context) string
}

// Reporter posts and edits comments on the source issue or merge request.
type Reporter interface {
	CreateComment(ctx context.Context, key taskkey.Key, body string) (int64, error)
	UpdateComment(ctx context.Context, key taskkey.Key, commentID int64, body string) error
}

// Control exposes the operator signals checked at phase and action
// boundaries.
type Control interface {
	PauseRequested() bool
	StopRequested(ctx context.Context) bool
}

// Observer receives the wall time of each phase the run finishes. It must be
// safe for concurrent use across runs.
type Observer interface {
	PhaseDone(ctx context.Context, phase string, d time.Duration)
}

// Run outcome statuses. Failures are returned as errors, not statuses.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
)

// Outcome is what the consumer finalizes on. State is non-nil only when
// Status is paused.
type Outcome struct {
	Status   Status
	Summary  string
	State    *taskctx.TaskState
	Counters taskdb.Counters
}

// countingChat decorates a ChatClient so every model call made on behalf of
// the run lands in one counter, including replan evaluations and summaries.
type countingChat struct {
	inner ChatClient
	calls atomic.Int64
}

func (c *countingChat) Chat(ctx context.Context, messages []llm.ChatMessage, functions []llm.FunctionDef) (*llm.Completion, error) {
	c.calls.Add(1)
	return c.inner.Chat(ctx, messages, functions)
}
