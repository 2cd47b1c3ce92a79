package consumer

import (
	"context"
	"fmt"
	"strings"

	"github.com/notfolder/coding-agent/internal/control"
	"github.com/notfolder/coding-agent/internal/llm"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/mcp"
	"github.com/notfolder/coding-agent/internal/sandbox"
	"github.com/notfolder/coding-agent/internal/taskkey"
	"github.com/notfolder/coding-agent/internal/tracker"
)

// Boxes is the slice of the sandbox manager one run needs.
type Boxes interface {
	Prepare(ctx context.Context, spec sandbox.PrepareSpec) (*sandbox.ContainerInfo, error)
	Execute(ctx context.Context, containerID, command string) (*sandbox.ExecResult, error)
	MCPServers(containerID string) map[string][]string
	ProjectRules(ctx context.Context, containerID string) string
	Cleanup(ctx context.Context, taskUUID string) error
}

// ToolClient is the slice of an MCP client the runtime drives.
type ToolClient interface {
	ServerName() string
	Start(ctx context.Context) error
	Stop() error
	FunctionSchemas() []llm.FunctionDef
	HasTool(name string) bool
	CallTool(ctx context.Context, name string, arguments map[string]any) mcp.Result
}

// ToolFactory builds the client for one in-container MCP server command.
type ToolFactory func(server string, argv []string) ToolClient

func defaultToolFactory(logger logging.Logger) ToolFactory {
	return func(server string, argv []string) ToolClient {
		process := mcp.NewProcessManager(mcp.ProcessConfig{Argv: argv}, logger)
		return mcp.NewClient(server, process, mcp.ClientOptions{Logger: logger})
	}
}

// executeCommandTool is the built-in shell tool backed by docker exec rather
// than an MCP server.
const executeCommandTool = "execute_command"

var executeCommandDef = llm.FunctionDef{
	Name:        executeCommandTool,
	Description: "Run a shell command in the task workspace and return its output.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run from the project root",
			},
		},
		"required": []any{"command"},
	},
}

// runtime binds one run's container and tool surface together. It backs
// both the planner's Environment and its tool dispatcher; the in-container
// MCP servers only exist after Prepare. A single goroutine owns it for the
// whole run.
type runtime struct {
	boxes    Boxes
	names    []string
	factory  ToolFactory
	spec     sandbox.PrepareSpec
	executor bool
	logger   logging.Logger

	prepared  bool
	container string
	clients   []ToolClient
}

func (c *Consumer) newRuntime(runID string, key taskkey.Key, issue *tracker.Issue, src Source) *runtime {
	return &runtime{
		boxes:    c.boxes,
		names:    c.envNames,
		factory:  c.tools,
		spec:     cloneSpec(runID, key, issue, c.cfg.Tracker(src.Tracker.Source())),
		executor: c.cfg.Sandbox.CommandExecutorEnabled,
		logger:   c.logger,
	}
}

func (r *runtime) Names() []string { return r.names }

func (r *runtime) SafeCommands() string { return sandbox.SafeCommandText() }

// Prepare provisions the container, then launches the in-container MCP
// servers. A tool server that fails to start is skipped with a warning; the
// run proceeds on the remaining surface.
func (r *runtime) Prepare(ctx context.Context, environment string) error {
	r.prepared = true
	spec := r.spec
	spec.Environment = environment
	info, err := r.boxes.Prepare(ctx, spec)
	if err != nil {
		return err
	}
	r.container = info.ContainerID

	for server, argv := range r.boxes.MCPServers(info.ContainerID) {
		client := r.factory(server, argv)
		if err := client.Start(ctx); err != nil {
			r.logger.Warn("tool server %s did not start: %v", server, err)
			continue
		}
		r.clients = append(r.clients, client)
		r.logger.Info("tool server %s ready", server)
	}
	return nil
}

func (r *runtime) Execute(ctx context.Context, command string) (*sandbox.ExecResult, error) {
	if r.container == "" {
		return nil, fmt.Errorf("no container prepared for this run")
	}
	return r.boxes.Execute(ctx, r.container, command)
}

func (r *runtime) ProjectRules(ctx context.Context) string {
	if r.container == "" {
		return ""
	}
	return r.boxes.ProjectRules(ctx, r.container)
}

func (r *runtime) Schemas() []llm.FunctionDef {
	var defs []llm.FunctionDef
	if r.executor {
		defs = append(defs, executeCommandDef)
	}
	for _, client := range r.clients {
		defs = append(defs, client.FunctionSchemas()...)
	}
	return defs
}

func (r *runtime) Call(ctx context.Context, name string, arguments map[string]any) mcp.Result {
	if r.executor && name == executeCommandTool {
		return r.runCommand(ctx, arguments)
	}
	for _, client := range r.clients {
		if client.HasTool(name) {
			return client.CallTool(ctx, name, arguments)
		}
	}
	return mcp.Result{Success: false, Error: fmt.Sprintf("unknown tool %q", name)}
}

// runCommand backs execute_command with a docker exec. Failures come back
// as tool results so the model can react to them.
func (r *runtime) runCommand(ctx context.Context, arguments map[string]any) mcp.Result {
	command, _ := arguments["command"].(string)
	if strings.TrimSpace(command) == "" {
		return mcp.Result{Success: false, Error: "execute_command needs a non-empty command"}
	}
	res, err := r.Execute(ctx, command)
	if err != nil {
		return mcp.Result{Success: false, Error: err.Error()}
	}

	content := res.Stdout
	if res.Stderr != "" {
		if content != "" {
			content += "\n"
		}
		content += res.Stderr
	}
	switch {
	case res.TimedOut:
		return mcp.Result{Success: false, Content: content, Error: "command timed out"}
	case res.ExitCode != 0:
		return mcp.Result{Success: false, Content: content, Error: fmt.Sprintf("exit code %d", res.ExitCode)}
	default:
		return mcp.Result{Success: true, Content: content}
	}
}

// Close stops the tool clients, then removes the container. Tool
// subprocesses go first; they hold docker exec pipes into it.
func (r *runtime) Close(ctx context.Context) {
	for _, client := range r.clients {
		if err := client.Stop(); err != nil {
			r.logger.Warn("stop tool server %s: %v", client.ServerName(), err)
		}
	}
	r.clients = nil

	if !r.prepared {
		return
	}
	if err := r.boxes.Cleanup(ctx, r.spec.TaskUUID); err != nil {
		r.logger.Warn("container cleanup for %s: %v", r.spec.TaskUUID, err)
	}
}

// taskControl folds the process-wide pause watcher and the per-task stop
// checker into the planner's control surface.
type taskControl struct {
	pause PauseSignal
	stop  *control.StopChecker
}

func (t *taskControl) PauseRequested() bool {
	return t.pause != nil && t.pause.PauseRequested()
}

func (t *taskControl) StopRequested(ctx context.Context) bool {
	return t.stop != nil && t.stop.Check(ctx)
}
