package consumer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/contextstore"
	"github.com/notfolder/coding-agent/internal/llm"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/mcp"
	"github.com/notfolder/coding-agent/internal/queue"
	"github.com/notfolder/coding-agent/internal/sandbox"
	"github.com/notfolder/coding-agent/internal/taskctx"
	"github.com/notfolder/coding-agent/internal/taskdb"
	"github.com/notfolder/coding-agent/internal/taskkey"
	"github.com/notfolder/coding-agent/internal/tracker"
)

// Canned phase replies, spliced into per-test chat scripts.
const (
	noReplan = `{"replan_needed": false, "confidence": 0.9, "reasoning": "output is sound"}`

	understandingReply = `{"task_type": "bug_fix", "primary_goal": "fix the flaky test",
		"expected_deliverables": ["passing test"], "constraints": [], "scope": "one test file",
		"understanding_confidence": 0.9, "ambiguities": []}`

	skipCollectionReply = `{"skip_collection": true, "items": []}`

	envReply = `{"environment": "python", "setup_commands": [], "verify_command": "",
		"reasoning": "repository is python"}`

	twoActionPlanReply = `{
		"goal_understanding": "fix the flaky test",
		"task_decomposition": {
			"subtasks": [{"task_id": "t1", "description": "repair the test", "dependencies": [], "estimated_complexity": "low"}],
			"reasoning": "single file change"
		},
		"action_plan": {
			"execution_order": ["a1", "a2"],
			"actions": [
				{"task_id": "a1", "purpose": "read the failing test", "tool": "read_file",
				 "parameters": {"path": "foo_test.py"}, "expected_outcome": "test content", "fallback": ""},
				{"task_id": "a2", "purpose": "repair the assertion", "tool": "write_file",
				 "parameters": {"path": "foo_test.py"}, "expected_outcome": "file written", "fallback": ""}
			]
		}
	}`

	verifyPassReply = `{"verification_passed": true, "completion_confidence": 0.95,
		"comment": "test repaired", "issues_found": [],
		"placeholder_detected": {"count": 0, "locations": []},
		"additional_work_needed": false, "additional_actions": []}`

	finalSummaryReply = "Repaired the flaky assertion in foo_test.py."
)

type chatTurn struct {
	content string
	call    *llm.FunctionCall
	err     error
}

func text(content string) chatTurn { return chatTurn{content: content} }

func toolCallTurn(name, args string) chatTurn {
	return chatTurn{call: &llm.FunctionCall{Name: name, Arguments: args}}
}

// scriptedChat serves turns in order and fails loudly once the script runs
// dry, so a surplus model call cannot pass unnoticed.
type scriptedChat struct {
	mu      sync.Mutex
	turns   []chatTurn
	idx     int
	calls   int
	prompts []string
}

func (s *scriptedChat) Chat(_ context.Context, msgs []llm.ChatMessage, _ []llm.FunctionDef) (*llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			s.prompts = append(s.prompts, msgs[i].Content)
			break
		}
	}
	if s.idx >= len(s.turns) {
		return nil, errors.New("chat script exhausted")
	}
	turn := s.turns[s.idx]
	s.idx++
	if turn.err != nil {
		return nil, turn.err
	}
	return &llm.Completion{Content: turn.content, FunctionCall: turn.call}, nil
}

func (s *scriptedChat) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedChat) promptContaining(marker string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts {
		if strings.Contains(p, marker) {
			return p
		}
	}
	return ""
}

// fakeTracker is a single-issue tracker. The mutex matters: a few tests
// poll comments while the consumer goroutine is still posting.
type fakeTracker struct {
	lock       sync.Mutex
	source     string
	bot        string
	issue      *tracker.Issue
	issueErr   error
	comments   []tracker.Comment
	assignees  []string
	issueCalls int
	nextID     int64
	bodies     []string
	swaps      [][2]string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		source: "github",
		bot:    "agent-bot",
		issue: &tracker.Issue{
			Number:    42,
			Title:     "Fix flaky test",
			Body:      "TestFoo fails intermittently on CI.",
			Author:    "dev",
			Labels:    []string{"agent-processing"},
			Assignees: []string{"agent-bot"},
		},
		assignees: []string{"agent-bot"},
	}
}

func (f *fakeTracker) Source() string  { return f.source }
func (f *fakeTracker) BotName() string { return f.bot }

func (f *fakeTracker) SearchWork(context.Context, string) ([]taskkey.Key, error) { return nil, nil }

func (f *fakeTracker) GetIssue(context.Context, taskkey.Key) (*tracker.Issue, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.issueCalls++
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	issue := *f.issue
	return &issue, nil
}

func (f *fakeTracker) GetComments(context.Context, taskkey.Key) ([]tracker.Comment, error) {
	return f.comments, nil
}

func (f *fakeTracker) CreateComment(_ context.Context, _ taskkey.Key, body string) (int64, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.nextID++
	f.bodies = append(f.bodies, body)
	return f.nextID, nil
}

func (f *fakeTracker) UpdateComment(context.Context, taskkey.Key, int64, string) error { return nil }

func (f *fakeTracker) SwapLabels(_ context.Context, _ taskkey.Key, remove, add string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.swaps = append(f.swaps, [2]string{remove, add})
	return nil
}

func (f *fakeTracker) GetAssignees(context.Context, taskkey.Key) ([]string, error) {
	return f.assignees, nil
}

func (f *fakeTracker) GetFileContents(context.Context, taskkey.Key, string) (string, error) {
	return "", nil
}

func (f *fakeTracker) GetRepositoryTree(context.Context, taskkey.Key, string) ([]tracker.TreeEntry, error) {
	return nil, nil
}

func (f *fakeTracker) issueLoads() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.issueCalls
}

func (f *fakeTracker) commentWith(marker string) string {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, b := range f.bodies {
		if strings.Contains(b, marker) {
			return b
		}
	}
	return ""
}

func (f *fakeTracker) countWith(marker string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	n := 0
	for _, b := range f.bodies {
		if strings.Contains(b, marker) {
			n++
		}
	}
	return n
}

func (f *fakeTracker) allSwaps() [][2]string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([][2]string(nil), f.swaps...)
}

type fakeBoxes struct {
	prepareHook func()
	prepareErr  error
	prepared    []sandbox.PrepareSpec
	executed    []string
	results     []*sandbox.ExecResult
	servers     map[string][]string
	cleaned     []string
	log         *[]string
}

func (f *fakeBoxes) Prepare(_ context.Context, spec sandbox.PrepareSpec) (*sandbox.ContainerInfo, error) {
	if f.prepareHook != nil {
		f.prepareHook()
	}
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	f.prepared = append(f.prepared, spec)
	return &sandbox.ContainerInfo{
		ContainerID:   sandbox.ContainerName(spec.TaskUUID),
		TaskUUID:      spec.TaskUUID,
		Environment:   spec.Environment,
		WorkspacePath: "/workspace/project",
		Status:        "running",
	}, nil
}

func (f *fakeBoxes) Execute(_ context.Context, _ string, command string) (*sandbox.ExecResult, error) {
	f.executed = append(f.executed, command)
	if len(f.results) == 0 {
		return &sandbox.ExecResult{ExitCode: 0}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

func (f *fakeBoxes) MCPServers(containerID string) map[string][]string {
	if f.servers != nil {
		return f.servers
	}
	return map[string][]string{
		"text-editor": {"docker", "exec", "-i", containerID, "uvx", "mcp-text-editor"},
	}
}

func (f *fakeBoxes) ProjectRules(context.Context, string) string { return "" }

func (f *fakeBoxes) Cleanup(_ context.Context, taskUUID string) error {
	f.cleaned = append(f.cleaned, taskUUID)
	if f.log != nil {
		*f.log = append(*f.log, "cleanup")
	}
	return nil
}

type fakeToolClient struct {
	name     string
	tools    []string
	results  map[string]mcp.Result
	startErr error
	started  bool
	stopped  bool
	onCall   func(name string)
	log      *[]string
}

func (f *fakeToolClient) ServerName() string { return f.name }

func (f *fakeToolClient) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeToolClient) Stop() error {
	f.stopped = true
	if f.log != nil {
		*f.log = append(*f.log, "stop "+f.name)
	}
	return nil
}

func (f *fakeToolClient) FunctionSchemas() []llm.FunctionDef {
	defs := make([]llm.FunctionDef, 0, len(f.tools))
	for _, name := range f.tools {
		defs = append(defs, llm.FunctionDef{Name: name})
	}
	return defs
}

func (f *fakeToolClient) HasTool(name string) bool {
	for _, t := range f.tools {
		if t == name {
			return true
		}
	}
	return false
}

func (f *fakeToolClient) CallTool(_ context.Context, name string, _ map[string]any) mcp.Result {
	if f.onCall != nil {
		f.onCall(name)
	}
	if res, ok := f.results[name]; ok {
		return res
	}
	return mcp.Result{Success: true, Content: "ok"}
}

type fakePause struct {
	flag    atomic.Bool
	started atomic.Bool
}

func (f *fakePause) Start(context.Context) { f.started.Store(true) }
func (f *fakePause) PauseRequested() bool  { return f.flag.Load() }

type fakeSeeder struct {
	requests []string
	seeds    []contextstore.CurrentMessage
}

func (f *fakeSeeder) Seed(_ context.Context, _ taskkey.Key, userRequest string) ([]contextstore.CurrentMessage, error) {
	f.requests = append(f.requests, userRequest)
	return f.seeds, nil
}

type fakeObserver struct {
	mu      sync.Mutex
	started []string
	ended   []string
	tasks   []string
	phases  []string
	last    taskdb.Counters
}

func (f *fakeObserver) StartTask(ctx context.Context, key string) (context.Context, func(string)) {
	f.mu.Lock()
	f.started = append(f.started, key)
	f.mu.Unlock()
	return ctx, func(outcome string) {
		f.mu.Lock()
		f.ended = append(f.ended, outcome)
		f.mu.Unlock()
	}
}

func (f *fakeObserver) TaskDone(_ context.Context, source, outcome string, _ time.Duration, counters taskdb.Counters) {
	f.mu.Lock()
	f.tasks = append(f.tasks, source+"/"+outcome)
	f.last = counters
	f.mu.Unlock()
}

func (f *fakeObserver) PhaseDone(_ context.Context, phase string, _ time.Duration) {
	f.mu.Lock()
	f.phases = append(f.phases, phase)
	f.mu.Unlock()
}

type fakeCounters struct {
	added map[string]taskdb.Counters
}

func (f *fakeCounters) AddCounters(_ context.Context, uuid string, c taskdb.Counters) error {
	if f.added == nil {
		f.added = map[string]taskdb.Counters{}
	}
	cur := f.added[uuid]
	cur.LLMCalls += c.LLMCalls
	cur.ToolCalls += c.ToolCalls
	cur.TotalTokens += c.TotalTokens
	cur.Compressions += c.Compressions
	f.added[uuid] = cur
	return nil
}

func testKey() taskkey.Key { return taskkey.NewGitHubIssue("acme", "svc", 42) }

func testLabels() config.Labels {
	return config.Labels{
		Request:    "agent-request",
		Processing: "agent-processing",
		Done:       "agent-done",
		Failed:     "agent-failed",
		Paused:     "agent-paused",
	}
}

func testConfig() config.Config {
	cfg := config.Config{TaskSource: "github"}
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-test"
	cfg.LLM.FunctionCalling = true
	cfg.GitHub.BotName = "agent-bot"
	cfg.GitHub.Token = "gh-token"
	cfg.GitHub.Labels = testLabels()
	cfg.Sandbox.Environments = map[string]string{"python": "python:3.12", "node": "node:20"}
	cfg.Sandbox.DefaultEnvironment = "python"
	cfg.Sandbox.CommandExecutorEnabled = true
	return cfg
}

type harness struct {
	t       *testing.T
	baseDir string
	queue   *queue.Memory
	trk     *fakeTracker
	boxes   *fakeBoxes
	chat    *scriptedChat
	client  *fakeToolClient
	pause   *fakePause
	seeder  *fakeSeeder
	db      *fakeCounters
	obs     *fakeObserver
	mgr     *taskctx.Manager
	c       *Consumer
}

func newHarness(t *testing.T, turns []chatTurn) *harness {
	return newHarnessWith(t, t.TempDir(), testConfig(), turns)
}

func newHarnessWith(t *testing.T, baseDir string, cfg config.Config, turns []chatTurn) *harness {
	t.Helper()
	mgr := taskctx.NewManager(baseDir, nil, logging.Nop())
	require.NoError(t, mgr.EnsureLayout())

	h := &harness{
		t:       t,
		baseDir: baseDir,
		queue:   queue.NewMemory(16),
		trk:     newFakeTracker(),
		boxes:   &fakeBoxes{},
		chat:    &scriptedChat{turns: turns},
		client:  &fakeToolClient{name: "text-editor", tools: []string{"read_file", "write_file"}},
		pause:   &fakePause{},
		seeder:  &fakeSeeder{},
		db:      &fakeCounters{},
		obs:     &fakeObserver{},
		mgr:     mgr,
	}
	c, err := New(cfg, Deps{
		Queue:    h.queue,
		Sources:  map[string]Source{"github": {Tracker: h.trk, Labels: cfg.GitHub.Labels}},
		Contexts: mgr,
		DB:       h.db,
		Boxes:    h.boxes,
		Chat:     h.chat,
		Inherit:  h.seeder,
		Pause:    h.pause,
		Tools:    func(string, []string) ToolClient { return h.client },
		Obs:      h.obs,
		Logger:   logging.Nop(),
	})
	require.NoError(t, err)
	h.c = c
	return h
}

func (h *harness) enqueue(key taskkey.Key) {
	h.t.Helper()
	require.NoError(h.t, h.queue.Put(key.ToDict()))
}

func TestRunProcessesTaskEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []chatTurn{
		text(understandingReply),
		text(skipCollectionReply),
		text(noReplan),
		text(envReply),
		text(twoActionPlanReply),
		text(noReplan),
		toolCallTurn("read_file", `{"path": "foo_test.py"}`),
		toolCallTurn("write_file", `{"path": "foo_test.py", "content": "fixed"}`),
		text(verifyPassReply),
		text(finalSummaryReply),
	})
	h.trk.comments = []tracker.Comment{
		{Author: "agent-bot", Body: tracker.ThinkingComment("noted")},
		{Author: "reviewer", Body: "Please also check the CI config."},
	}

	h.enqueue(testKey())
	require.NoError(t, h.queue.Close())
	require.NoError(t, h.c.Run(ctx))

	// one container, provisioned for the model's choice with clone creds
	require.Len(t, h.boxes.prepared, 1)
	spec := h.boxes.prepared[0]
	assert.Equal(t, "python", spec.Environment)
	assert.Equal(t, "https://github.com/acme/svc.git", spec.CloneURL)
	assert.Equal(t, "x-access-token", spec.CloneUser)
	assert.Equal(t, "gh-token", spec.CloneToken)
	assert.Empty(t, spec.Branch)

	// the request folded the human discussion in and went through inheritance
	require.Len(t, h.seeder.requests, 1)
	assert.Contains(t, h.seeder.requests[0], "Fix flaky test")
	assert.Contains(t, h.seeder.requests[0], "Please also check the CI config.")
	assert.NotContains(t, h.seeder.requests[0], "Thinking")

	// the live checklist first, then exactly one completion comment
	assert.Contains(t, h.trk.bodies[0], tracker.HeaderPlan)
	completion := h.trk.commentWith(tracker.HeaderCompletion)
	require.NotEmpty(t, completion)
	assert.Contains(t, completion, "Repaired the flaky assertion")
	assert.Equal(t, 1, h.trk.countWith(tracker.HeaderCompletion))
	assert.Contains(t, h.trk.allSwaps(), [2]string{"agent-processing", "agent-done"})

	// tool client started and stopped, container removed
	assert.True(t, h.client.started)
	assert.True(t, h.client.stopped)
	runID := spec.TaskUUID
	assert.Equal(t, []string{runID}, h.boxes.cleaned)

	// the run landed under completed/ with its counters in the database
	assert.DirExists(t, filepath.Join(h.baseDir, taskctx.DirCompleted, runID))
	counters := h.db.added[runID]
	assert.Equal(t, h.chat.callCount(), counters.LLMCalls)
	assert.Equal(t, 2, counters.ToolCalls)
	assert.Positive(t, counters.TotalTokens)

	// telemetry saw one span and every phase the run went through
	assert.Equal(t, []string{"github/acme/svc#42"}, h.obs.started)
	assert.Equal(t, []string{"completed"}, h.obs.ended)
	assert.Equal(t, []string{"github/completed"}, h.obs.tasks)
	assert.Equal(t, counters, h.obs.last)
	assert.Equal(t, []string{
		"pre_planning", "environment_setup", "planning", "execution", "verification",
	}, h.obs.phases)
}

func TestRunSkipsItemWithoutProcessingLabel(t *testing.T) {
	h := newHarness(t, nil)
	h.trk.issue.Labels = []string{"agent-request"}

	h.enqueue(testKey())
	require.NoError(t, h.queue.Close())
	require.NoError(t, h.c.Run(context.Background()))

	assert.Equal(t, 1, h.trk.issueLoads())
	assert.Zero(t, h.chat.callCount())
	assert.Empty(t, h.boxes.prepared)
	assert.Empty(t, h.trk.bodies)
	assert.Empty(t, h.trk.allSwaps())
}

func TestRunDiscardsUnroutableItems(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.queue.Put(map[string]any{"type": "martian_issue", "number": 1}))
	require.NoError(t, h.queue.Put(map[string]any{"type": "gitlab_issue", "project_id": 9, "iid": 1}))
	require.NoError(t, h.queue.Close())
	require.NoError(t, h.c.Run(context.Background()))

	assert.Zero(t, h.trk.issueLoads())
	assert.Zero(t, h.chat.callCount())
}

func TestChatFailureFinalizesTaskAsFailed(t *testing.T) {
	h := newHarness(t, []chatTurn{{err: errors.New("connection reset by peer")}})

	h.enqueue(testKey())
	require.NoError(t, h.queue.Close())
	require.NoError(t, h.c.Run(context.Background()))

	failure := h.trk.commentWith(tracker.HeaderFailure)
	require.NotEmpty(t, failure)
	assert.Contains(t, failure, "工程: execution")
	assert.Contains(t, failure, "connection reset by peer")
	assert.Contains(t, h.trk.allSwaps(), [2]string{"agent-processing", "agent-failed"})

	// the model was never asked to pick an environment, so no container
	assert.Empty(t, h.boxes.prepared)
	assert.Empty(t, h.boxes.cleaned)

	// the single failed model call is still accounted
	require.Len(t, h.db.added, 1)
	for runID, counters := range h.db.added {
		assert.Equal(t, 1, counters.LLMCalls)
		assert.DirExists(t, filepath.Join(h.baseDir, taskctx.DirCompleted, runID))
	}

	assert.Equal(t, []string{"github/failed"}, h.obs.tasks)
	assert.Equal(t, []string{"failed"}, h.obs.ended)
	assert.Empty(t, h.obs.phases)
}

func TestPanicInsideRunIsContained(t *testing.T) {
	h := newHarness(t, []chatTurn{
		text(understandingReply),
		text(skipCollectionReply),
		text(noReplan),
		text(envReply),
	})
	h.boxes.prepareHook = func() { panic("docker daemon went away") }

	h.enqueue(testKey())
	// a second, unroutable item proves the loop survives the panic
	require.NoError(t, h.queue.Put(map[string]any{"type": "gitlab_issue", "project_id": 9, "iid": 1}))
	require.NoError(t, h.queue.Close())
	require.NoError(t, h.c.Run(context.Background()))

	failure := h.trk.commentWith(tracker.HeaderFailure)
	require.NotEmpty(t, failure)
	assert.Contains(t, failure, "panicked")
	assert.Contains(t, failure, "docker daemon went away")
	assert.Contains(t, h.trk.allSwaps(), [2]string{"agent-processing", "agent-failed"})

	// a half-created container may exist after a mid-prepare panic
	require.Len(t, h.boxes.cleaned, 1)
}

func TestAssigneeRemovalStopsTask(t *testing.T) {
	cfg := testConfig()
	cfg.Control.CheckInterval = 1
	h := newHarnessWith(t, t.TempDir(), cfg, nil)
	h.trk.assignees = []string{"somebody-else"}

	h.enqueue(testKey())
	require.NoError(t, h.queue.Close())
	require.NoError(t, h.c.Run(context.Background()))

	stop := h.trk.commentWith(tracker.HeaderStop)
	require.NotEmpty(t, stop)
	assert.Contains(t, h.trk.allSwaps(), [2]string{"agent-processing", ""})

	// stopped before any model or container work
	assert.Zero(t, h.chat.callCount())
	assert.Empty(t, h.boxes.prepared)
	for _, counters := range h.db.added {
		assert.Zero(t, counters.LLMCalls)
		assert.Zero(t, counters.ToolCalls)
	}

	paused, err := h.mgr.ListPaused()
	require.NoError(t, err)
	assert.Empty(t, paused)
	assert.Equal(t, []string{"github/stopped"}, h.obs.tasks)
}

func TestPauseSignalParksRunThenResumeCompletesIt(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()
	h := newHarnessWith(t, baseDir, testConfig(), []chatTurn{
		text(understandingReply),
		text(skipCollectionReply),
		text(noReplan),
		text(envReply),
		text(twoActionPlanReply),
		text(noReplan),
		toolCallTurn("read_file", `{"path": "foo_test.py"}`),
	})
	// the operator drops the signal while the first action runs; the action
	// finishes, the second never starts
	h.client.onCall = func(name string) {
		if name == "read_file" {
			h.pause.flag.Store(true)
		}
	}

	h.enqueue(testKey())
	require.NoError(t, h.queue.Close())
	require.NoError(t, h.c.Run(ctx))

	pauseNote := h.trk.commentWith(tracker.HeaderPause)
	require.NotEmpty(t, pauseNote)
	assert.Contains(t, pauseNote, "execution (1/2 steps)")
	assert.Contains(t, h.trk.allSwaps(), [2]string{"agent-processing", "agent-paused"})

	paused, err := h.mgr.ListPaused()
	require.NoError(t, err)
	require.Len(t, paused, 1)
	runID := paused[0]
	// the container dies on pause too; resumption provisions a fresh one
	assert.Equal(t, []string{runID}, h.boxes.cleaned)
	assert.Equal(t, []string{"github/paused"}, h.obs.tasks)

	// a fresh consumer over the same context dir picks the run back up
	h2 := newHarnessWith(t, baseDir, testConfig(), []chatTurn{
		toolCallTurn("write_file", `{"path": "foo_test.py", "content": "fixed"}`),
		text(verifyPassReply),
		text(finalSummaryReply),
	})

	runDone := make(chan error, 1)
	go func() { runDone <- h2.c.Run(ctx) }()
	require.Eventually(t, func() bool {
		return h2.trk.commentWith(tracker.HeaderCompletion) != ""
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h2.queue.Close())
	require.NoError(t, <-runDone)

	// resumed without re-asking understanding, straight into step 2
	assert.Empty(t, h2.chat.promptContaining("state your understanding"))
	assert.NotEmpty(t, h2.chat.promptContaining("Execute step 2 of 2"))
	require.Len(t, h2.boxes.prepared, 1)
	assert.Equal(t, "python", h2.boxes.prepared[0].Environment)
	assert.Equal(t, runID, h2.boxes.prepared[0].TaskUUID)
	// no inheritance on resume; the conversation window already exists
	assert.Empty(t, h2.seeder.requests)
	assert.Contains(t, h2.trk.allSwaps(), [2]string{"agent-processing", "agent-done"})
	assert.Equal(t, []string{"github/completed"}, h2.obs.tasks)

	var meta taskctx.Metadata
	metaPath := filepath.Join(baseDir, taskctx.DirCompleted, runID, contextstore.MetadataFile)
	require.NoError(t, contextstore.ReadJSON(metaPath, &meta))
	assert.True(t, meta.IsResumed)
	assert.Equal(t, 1, meta.ResumeCount)
}

func TestPauseSignalHoldsPickup(t *testing.T) {
	restore := pausePoll
	pausePoll = 5 * time.Millisecond
	defer func() { pausePoll = restore }()

	h := newHarness(t, nil)
	h.trk.issue.Labels = nil // once dispatched, the item is skipped
	h.pause.flag.Store(true)

	h.enqueue(testKey())
	require.NoError(t, h.queue.Close())

	runDone := make(chan error, 1)
	go func() { runDone <- h.c.Run(context.Background()) }()

	// the dequeued item stays undispatched while the signal is present
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.trk.issueLoads())

	h.pause.flag.Store(false)
	require.NoError(t, <-runDone)
	assert.Equal(t, 1, h.trk.issueLoads())
}

func TestResumedRunStaysParkedWithoutProcessingLabel(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()

	seed := taskctx.NewManager(baseDir, nil, logging.Nop())
	require.NoError(t, seed.EnsureLayout())
	tc, err := seed.NewRun(ctx, taskctx.NewRunParams{Key: testKey(), Title: "Fix flaky test"})
	require.NoError(t, err)
	require.NoError(t, tc.Pause(ctx, taskctx.TaskState{Phase: "execution", CompletedSteps: 1, TotalSteps: 2}))

	h := newHarnessWith(t, baseDir, testConfig(), nil)
	h.trk.issue.Labels = nil

	runDone := make(chan error, 1)
	go func() { runDone <- h.c.Run(ctx) }()
	require.Eventually(t, func() bool { return h.trk.issueLoads() > 0 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.queue.Close())
	require.NoError(t, <-runDone)

	// still parked for a later resume attempt
	paused, err := h.mgr.ListPaused()
	require.NoError(t, err)
	assert.Equal(t, []string{tc.UUID}, paused)
	assert.Zero(t, h.chat.callCount())
}

func TestResumeItemRoundTrips(t *testing.T) {
	meta := taskctx.Metadata{UUID: "run-1", TaskKey: testKey()}
	item := resumeItem(meta)

	key, err := taskkey.FromDict(item)
	require.NoError(t, err)
	assert.Equal(t, testKey(), key)
	assert.Equal(t, true, item["is_resumed"])
	assert.Equal(t, "run-1", item["task_uuid"])
}

func TestBuildRequestFoldsDiscussion(t *testing.T) {
	issue := &tracker.Issue{Title: "Fix flaky test", Body: "TestFoo fails."}
	comments := []tracker.Comment{
		{Author: "agent-bot", Body: "Working on it."},
		{Author: "reviewer", Body: tracker.ThinkingComment("internal musings")},
		{Author: "dev", Body: "Repro: run with -race."},
		{Author: "dev", Body: "   "},
	}

	got := BuildRequest(issue, comments, "agent-bot")
	assert.Contains(t, got, "Fix flaky test")
	assert.Contains(t, got, "TestFoo fails.")
	assert.Contains(t, got, "## Discussion")
	assert.Contains(t, got, "dev:\nRepro: run with -race.")
	assert.NotContains(t, got, "Working on it.")
	assert.NotContains(t, got, "internal musings")
}

func TestBuildRequestWithoutComments(t *testing.T) {
	issue := &tracker.Issue{Title: "Add retries", Body: ""}
	got := BuildRequest(issue, nil, "agent-bot")
	assert.Equal(t, "Add retries", got)
	assert.NotContains(t, got, "## Discussion")
}

func TestCloneSpecVariants(t *testing.T) {
	cases := []struct {
		name  string
		key   taskkey.Key
		issue *tracker.Issue
		cfg   config.TrackerConfig
		want  sandbox.PrepareSpec
	}{
		{
			name:  "github issue",
			key:   taskkey.NewGitHubIssue("acme", "svc", 42),
			issue: &tracker.Issue{},
			cfg:   config.TrackerConfig{Token: "tok"},
			want: sandbox.PrepareSpec{
				TaskUUID:   "u1",
				CloneURL:   "https://github.com/acme/svc.git",
				CloneUser:  "x-access-token",
				CloneToken: "tok",
			},
		},
		{
			name:  "github pull request on enterprise host",
			key:   taskkey.NewGitHubPullRequest("acme", "svc", 7),
			issue: &tracker.Issue{SourceBranch: "fix-races"},
			cfg:   config.TrackerConfig{Token: "tok", BaseURL: "https://ghe.corp.example/"},
			want: sandbox.PrepareSpec{
				TaskUUID:   "u1",
				CloneURL:   "https://ghe.corp.example/acme/svc.git",
				CloneUser:  "x-access-token",
				CloneToken: "tok",
				Branch:     "fix-races",
			},
		},
		{
			name:  "gitlab merge request from web url",
			key:   taskkey.NewGitLabMergeRequest(123, 7),
			issue: &tracker.Issue{WebURL: "https://gitlab.example.com/group/proj/-/merge_requests/7", SourceBranch: "feature/x"},
			cfg:   config.TrackerConfig{Token: "glpat"},
			want: sandbox.PrepareSpec{
				TaskUUID:   "u1",
				CloneURL:   "https://gitlab.example.com/group/proj.git",
				CloneUser:  "oauth2",
				CloneToken: "glpat",
				Branch:     "feature/x",
			},
		},
		{
			name:  "gitlab issue",
			key:   taskkey.NewGitLabIssue(123, 3),
			issue: &tracker.Issue{WebURL: "https://gitlab.example.com/group/proj/-/issues/3"},
			cfg:   config.TrackerConfig{Token: "glpat"},
			want: sandbox.PrepareSpec{
				TaskUUID:   "u1",
				CloneURL:   "https://gitlab.example.com/group/proj.git",
				CloneUser:  "oauth2",
				CloneToken: "glpat",
			},
		},
		{
			name:  "gitlab without web url clones nothing",
			key:   taskkey.NewGitLabIssue(123, 3),
			issue: &tracker.Issue{},
			cfg:   config.TrackerConfig{Token: "glpat"},
			want:  sandbox.PrepareSpec{TaskUUID: "u1"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := cloneSpec("u1", tc.key, tc.issue, tc.cfg)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRuntimeDispatchesTools(t *testing.T) {
	ctx := context.Background()
	boxes := &fakeBoxes{}
	client := &fakeToolClient{name: "text-editor", tools: []string{"read_file"}}
	rt := &runtime{
		boxes:    boxes,
		names:    []string{"python"},
		factory:  func(string, []string) ToolClient { return client },
		spec:     sandbox.PrepareSpec{TaskUUID: "u1"},
		executor: true,
		logger:   logging.Nop(),
	}
	require.NoError(t, rt.Prepare(ctx, "python"))
	require.True(t, client.started)

	defs := rt.Schemas()
	require.Len(t, defs, 2)
	assert.Equal(t, "execute_command", defs[0].Name)
	assert.Equal(t, "read_file", defs[1].Name)

	res := rt.Call(ctx, "execute_command", map[string]any{"command": "ls"})
	assert.True(t, res.Success)
	assert.Equal(t, []string{"ls"}, boxes.executed)

	boxes.results = []*sandbox.ExecResult{{ExitCode: 1, Stdout: "boom"}}
	res = rt.Call(ctx, "execute_command", map[string]any{"command": "make test"})
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Content)
	assert.Contains(t, res.Error, "exit code 1")

	res = rt.Call(ctx, "execute_command", map[string]any{"command": "  "})
	assert.False(t, res.Success)

	res = rt.Call(ctx, "read_file", map[string]any{"path": "a.py"})
	assert.True(t, res.Success)

	res = rt.Call(ctx, "no_such_tool", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown tool")
}

func TestRuntimeRefusesExecuteBeforePrepare(t *testing.T) {
	rt := &runtime{boxes: &fakeBoxes{}, logger: logging.Nop()}
	_, err := rt.Execute(context.Background(), "ls")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no container prepared")
	assert.Empty(t, rt.ProjectRules(context.Background()))
}

func TestRuntimeCloseStopsClientsBeforeCleanup(t *testing.T) {
	ctx := context.Background()
	var log []string
	boxes := &fakeBoxes{log: &log}
	client := &fakeToolClient{name: "text-editor", tools: []string{"read_file"}, log: &log}
	rt := &runtime{
		boxes:   boxes,
		factory: func(string, []string) ToolClient { return client },
		spec:    sandbox.PrepareSpec{TaskUUID: "u1"},
		logger:  logging.Nop(),
	}
	require.NoError(t, rt.Prepare(ctx, "python"))

	rt.Close(ctx)
	assert.Equal(t, []string{"stop text-editor", "cleanup"}, log)
	assert.Equal(t, []string{"u1"}, boxes.cleaned)
}

func TestRuntimeCleansUpAfterFailedPrepare(t *testing.T) {
	ctx := context.Background()
	boxes := &fakeBoxes{prepareErr: errors.New("image pull failed")}
	rt := &runtime{
		boxes:   boxes,
		factory: func(string, []string) ToolClient { return &fakeToolClient{} },
		spec:    sandbox.PrepareSpec{TaskUUID: "u1"},
		logger:  logging.Nop(),
	}
	require.Error(t, rt.Prepare(ctx, "python"))

	rt.Close(ctx)
	assert.Equal(t, []string{"u1"}, boxes.cleaned)

	// a runtime that never prepared must not issue a removal
	idle := &runtime{boxes: boxes, spec: sandbox.PrepareSpec{TaskUUID: "u2"}, logger: logging.Nop()}
	idle.Close(ctx)
	assert.Equal(t, []string{"u1"}, boxes.cleaned)
}

func TestRuntimeSkipsToolServerThatFailsToStart(t *testing.T) {
	ctx := context.Background()
	client := &fakeToolClient{name: "text-editor", tools: []string{"read_file"}, startErr: errors.New("uvx not found")}
	rt := &runtime{
		boxes:    &fakeBoxes{},
		factory:  func(string, []string) ToolClient { return client },
		spec:     sandbox.PrepareSpec{TaskUUID: "u1"},
		executor: true,
		logger:   logging.Nop(),
	}
	require.NoError(t, rt.Prepare(ctx, "python"))

	defs := rt.Schemas()
	require.Len(t, defs, 1)
	assert.Equal(t, "execute_command", defs[0].Name)
}

func TestNewValidatesDeps(t *testing.T) {
	cfg := testConfig()
	mgr := taskctx.NewManager(t.TempDir(), nil, logging.Nop())
	full := Deps{
		Queue:    queue.NewMemory(1),
		Sources:  map[string]Source{"github": {Tracker: newFakeTracker(), Labels: cfg.GitHub.Labels}},
		Contexts: mgr,
		Boxes:    &fakeBoxes{},
		Chat:     &scriptedChat{},
	}

	cases := map[string]func(*Deps){
		"queue":           func(d *Deps) { d.Queue = nil },
		"source":          func(d *Deps) { d.Sources = nil },
		"context manager": func(d *Deps) { d.Contexts = nil },
		"sandbox manager": func(d *Deps) { d.Boxes = nil },
		"chat client":     func(d *Deps) { d.Chat = nil },
	}
	for fragment, mutate := range cases {
		deps := full
		mutate(&deps)
		_, err := New(cfg, deps)
		require.Error(t, err, fragment)
		assert.Contains(t, err.Error(), fragment)
	}

	c, err := New(cfg, full)
	require.NoError(t, err)
	assert.NotNil(t, c)
}
