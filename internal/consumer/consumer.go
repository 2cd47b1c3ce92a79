// Package consumer drains the work queue one task at a time: each item is a
// TaskKey whose issue or merge request is loaded, turned into a run, and
// driven through the planning coordinator inside a container. Finalization
// posts exactly one status comment and moves the lifecycle label, whatever
// the outcome.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/notfolder/coding-agent/internal/async"
	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/contextstore"
	"github.com/notfolder/coding-agent/internal/control"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/planner"
	"github.com/notfolder/coding-agent/internal/queue"
	"github.com/notfolder/coding-agent/internal/sandbox"
	"github.com/notfolder/coding-agent/internal/taskctx"
	"github.com/notfolder/coding-agent/internal/taskdb"
	"github.com/notfolder/coding-agent/internal/taskkey"
	"github.com/notfolder/coding-agent/internal/tracker"
)

// pausePoll is how often a consumer holding an undispatched item re-checks
// the pause signal.
var pausePoll = 2 * time.Second

// Source pairs a tracker with its configured lifecycle labels.
type Source struct {
	Tracker tracker.Tracker
	Labels  config.Labels
}

// CounterStore is the slice of the task database the consumer writes.
type CounterStore interface {
	AddCounters(ctx context.Context, uuid string, c taskdb.Counters) error
}

// Seeder produces the inherited opening messages for a fresh run.
type Seeder interface {
	Seed(ctx context.Context, key taskkey.Key, userRequest string) ([]contextstore.CurrentMessage, error)
}

// PauseSignal is the operator pause surface, usually a control.PauseWatcher.
type PauseSignal interface {
	Start(ctx context.Context)
	PauseRequested() bool
}

// TaskObserver receives run telemetry, usually an observability.Recorder.
// StartTask opens a span over the run; the returned func ends it with the
// terminal status.
type TaskObserver interface {
	StartTask(ctx context.Context, key string) (context.Context, func(outcome string))
	TaskDone(ctx context.Context, source, outcome string, d time.Duration, counters taskdb.Counters)
	PhaseDone(ctx context.Context, phase string, d time.Duration)
}

// Deps are the collaborators one consumer drives. Queue, Sources, Contexts,
// Boxes, and Chat are required; the rest may be nil.
type Deps struct {
	Queue    queue.Queue
	Sources  map[string]Source
	Contexts *taskctx.Manager
	DB       CounterStore
	Boxes    Boxes
	Chat     planner.ChatClient
	Inherit  Seeder
	Pause    PauseSignal
	Tools    ToolFactory
	Obs      TaskObserver
	Logger   logging.Logger
}

// Consumer processes queued tasks sequentially until the queue closes.
// Parallelism across tasks comes from running several consumer processes
// against a shared broker, never from one consumer.
type Consumer struct {
	cfg      config.Config
	queue    queue.Queue
	sources  map[string]Source
	contexts *taskctx.Manager
	db       CounterStore
	boxes    Boxes
	chat     planner.ChatClient
	inherit  Seeder
	pause    PauseSignal
	tools    ToolFactory
	obs      TaskObserver
	envNames []string
	logger   logging.Logger
}

func New(cfg config.Config, deps Deps) (*Consumer, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("consumer needs a queue")
	}
	if len(deps.Sources) == 0 {
		return nil, fmt.Errorf("consumer needs at least one source")
	}
	if deps.Contexts == nil {
		return nil, fmt.Errorf("consumer needs a context manager")
	}
	if deps.Boxes == nil {
		return nil, fmt.Errorf("consumer needs a sandbox manager")
	}
	if deps.Chat == nil {
		return nil, fmt.Errorf("consumer needs a chat client")
	}

	logger := logging.OrNop(deps.Logger)
	tools := deps.Tools
	if tools == nil {
		tools = defaultToolFactory(logger)
	}
	return &Consumer{
		cfg:      cfg,
		queue:    deps.Queue,
		sources:  deps.Sources,
		contexts: deps.Contexts,
		db:       deps.DB,
		boxes:    deps.Boxes,
		chat:     deps.Chat,
		inherit:  deps.Inherit,
		pause:    deps.Pause,
		tools:    tools,
		obs:      deps.Obs,
		envNames: sandbox.NewCatalog(cfg.Sandbox, logger).Names(),
		logger:   logger,
	}, nil
}

// Run drains the queue until it closes or the context ends. Before the
// first pop, abandoned runs are parked and paused ones re-enqueued so a
// restarted deployment picks its own work back up.
func (c *Consumer) Run(ctx context.Context) error {
	if c.pause != nil {
		c.pause.Start(ctx)
	}
	c.requeuePaused(ctx)

	for {
		item, ok := c.queue.Get(ctx)
		if !ok {
			c.logger.Info("work queue drained, consumer exiting")
			return nil
		}
		if !c.waitWhilePaused(ctx) {
			return nil
		}
		c.process(ctx, item)
	}
}

// requeuePaused parks runs abandoned by a dead process, then feeds every
// paused run back through the queue for resumption.
func (c *Consumer) requeuePaused(ctx context.Context) {
	if parked, err := c.contexts.ReconcileStartup(ctx); err != nil {
		c.logger.Warn("startup reconcile: %v", err)
	} else if len(parked) > 0 {
		c.logger.Info("parked %d abandoned run(s) for resume", len(parked))
	}

	metas, err := c.contexts.PausedRuns()
	if err != nil {
		c.logger.Warn("scan paused runs: %v", err)
		return
	}
	for _, meta := range metas {
		if err := c.queue.Put(resumeItem(meta)); err != nil {
			c.logger.Warn("re-enqueue paused run %s: %v", meta.UUID, err)
			continue
		}
		c.logger.Info("re-enqueued paused run %s for %s", meta.UUID, meta.TaskKey)
	}
}

// resumeItem is the queue form of a paused run: its key dict plus the
// resume markers the consumer reads back out.
func resumeItem(meta taskctx.Metadata) map[string]any {
	item := meta.TaskKey.ToDict()
	item["is_resumed"] = true
	item["task_uuid"] = meta.UUID
	return item
}

// waitWhilePaused holds the dequeued item until the operator deletes the
// pause signal file. The item is not re-enqueued; it dispatches as soon as
// pickup is re-enabled. Returns false when the context ended first.
func (c *Consumer) waitWhilePaused(ctx context.Context) bool {
	if c.pause == nil || !c.pause.PauseRequested() {
		return true
	}
	c.logger.Info("pause signal present, holding task pickup")
	ticker := time.NewTicker(pausePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !c.pause.PauseRequested() {
				return true
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, item map[string]any) {
	key, err := taskkey.FromDict(item)
	if err != nil {
		c.logger.Warn("discarding malformed queue item: %v", err)
		return
	}
	resumed, _ := item["is_resumed"].(bool)
	runID, _ := item["task_uuid"].(string)

	src, ok := c.sources[string(key.Source())]
	if !ok {
		c.logger.Warn("no tracker configured for %s, discarding %s", key.Source(), key)
		return
	}

	issue, err := src.Tracker.GetIssue(ctx, key)
	if err != nil {
		c.logger.Warn("load %s: %v", key, err)
		return
	}
	if !issue.HasLabel(src.Labels.Processing) {
		c.logger.Info("%s no longer carries %q, skipping", key, src.Labels.Processing)
		return
	}

	c.logger.Info("processing %s: %s", key, issue.Title)
	c.runTask(ctx, src, key, issue, resumed, runID)
}

func (c *Consumer) runTask(ctx context.Context, src Source, key taskkey.Key, issue *tracker.Issue, resumed bool, runID string) {
	outcome := string(taskdb.StatusFailed)
	var counters taskdb.Counters
	if c.obs != nil {
		started := time.Now()
		var end func(string)
		ctx, end = c.obs.StartTask(ctx, key.String())
		defer func() {
			end(outcome)
			c.obs.TaskDone(ctx, string(key.Source()), outcome, time.Since(started), counters)
		}()
	}

	tc, err := c.openContext(ctx, key, issue, resumed, runID)
	if err != nil {
		c.logger.Error("open run context for %s: %v", key, err)
		c.comment(ctx, src, key, tracker.FailureComment("initialization", err))
		c.swapLabels(ctx, src, key, src.Labels.Processing, src.Labels.Failed)
		return
	}

	request := c.buildRequest(ctx, src, key, issue)
	task := planner.Task{Key: key, Issue: issue, Request: request}
	if !resumed && c.inherit != nil {
		if seeds, err := c.inherit.Seed(ctx, key, request); err != nil {
			c.logger.Warn("context inheritance for %s: %v", key, err)
		} else {
			task.Seeds = seeds
		}
	}

	rt := c.newRuntime(tc.UUID, key, issue, src)
	// Cleanup must survive a shutdown-cancelled context; a leaked container
	// otherwise lingers until the stale sweep.
	defer rt.Close(context.WithoutCancel(ctx))

	stop := control.NewStopChecker(src.Tracker, key, src.Tracker.BotName(), c.cfg.Control, c.logger)
	var phaseObs planner.Observer
	if c.obs != nil {
		phaseObs = c.obs
	}
	coord, err := planner.New(task, planner.Deps{
		Chat:     c.chat,
		Tools:    rt,
		Env:      rt,
		Reporter: src.Tracker,
		Control:  &taskControl{pause: c.pause, stop: stop},
		Obs:      phaseObs,
		TC:       tc,
		Logger:   c.logger,
	}, c.plannerOptions())
	if err != nil {
		c.fail(ctx, src, key, tc, "initialization", err)
		return
	}

	var out planner.Outcome
	runErr := async.Guard("task "+tc.UUID, func() error {
		var err error
		out, err = coord.Run(ctx)
		return err
	})

	counters = out.Counters
	c.recordCounters(ctx, tc.UUID, out.Counters)
	outcome = c.finalize(ctx, src, key, tc, out, runErr)
}

func (c *Consumer) openContext(ctx context.Context, key taskkey.Key, issue *tracker.Issue, resumed bool, runID string) (*taskctx.TaskContext, error) {
	if resumed && runID != "" {
		return c.contexts.Resume(ctx, runID)
	}
	return c.contexts.NewRun(ctx, taskctx.NewRunParams{
		Key:           key,
		Title:         issue.Title,
		UserName:      issue.Author,
		LLMProvider:   c.cfg.LLM.Provider,
		Model:         c.cfg.LLM.Model,
		ContextLength: c.contextLength(),
	})
}

// buildRequest folds the work item and its human discussion into the task
// request. Comment fetch failures degrade to the issue alone.
func (c *Consumer) buildRequest(ctx context.Context, src Source, key taskkey.Key, issue *tracker.Issue) string {
	comments, err := src.Tracker.GetComments(ctx, key)
	if err != nil {
		c.logger.Warn("load comments for %s: %v", key, err)
	}
	return BuildRequest(issue, comments, src.Tracker.BotName())
}

// finalize posts the single status comment, moves the lifecycle label, and
// archives the context directory. Tracker errors are logged, never fatal;
// the directory move is the one step that must not be skipped. The returned
// label is the terminal status as recorded in the run store.
func (c *Consumer) finalize(ctx context.Context, src Source, key taskkey.Key, tc *taskctx.TaskContext, out planner.Outcome, runErr error) string {
	labels := src.Labels
	switch {
	case runErr != nil:
		c.fail(ctx, src, key, tc, "execution", runErr)
		return string(taskdb.StatusFailed)
	case out.Status == planner.StatusPaused:
		var state taskctx.TaskState
		if out.State != nil {
			state = *out.State
		}
		if err := tc.Pause(ctx, state); err != nil {
			c.fail(ctx, src, key, tc, "pause", err)
			return string(taskdb.StatusFailed)
		}
		c.swapLabels(ctx, src, key, labels.Processing, labels.Paused)
		c.comment(ctx, src, key, tracker.PauseComment(progressDetail(state)))
		c.logger.Info("run %s paused at %s", tc.UUID, state.Phase)
		return string(taskdb.StatusPaused)
	case out.Status == planner.StatusStopped:
		c.comment(ctx, src, key, tracker.StopComment(""))
		c.swapLabels(ctx, src, key, labels.Processing, "")
		if err := tc.Stop(ctx); err != nil {
			c.logger.Error("archive stopped run %s: %v", tc.UUID, err)
		}
		return string(taskdb.StatusStopped)
	default:
		c.comment(ctx, src, key, tracker.CompletionComment(out.Summary))
		c.swapLabels(ctx, src, key, labels.Processing, labels.Done)
		if err := tc.Complete(ctx); err != nil {
			c.logger.Error("archive completed run %s: %v", tc.UUID, err)
		}
		return string(taskdb.StatusCompleted)
	}
}

func (c *Consumer) fail(ctx context.Context, src Source, key taskkey.Key, tc *taskctx.TaskContext, stage string, runErr error) {
	c.logger.Error("run %s failed during %s: %v", tc.UUID, stage, runErr)
	c.comment(ctx, src, key, tracker.FailureComment(stage, runErr))
	c.swapLabels(ctx, src, key, src.Labels.Processing, src.Labels.Failed)
	if err := tc.Fail(ctx, runErr.Error()); err != nil {
		c.logger.Error("archive failed run %s: %v", tc.UUID, err)
	}
}

func (c *Consumer) comment(ctx context.Context, src Source, key taskkey.Key, body string) {
	if _, err := src.Tracker.CreateComment(ctx, key, body); err != nil {
		c.logger.Warn("post comment on %s: %v", key, err)
	}
}

func (c *Consumer) swapLabels(ctx context.Context, src Source, key taskkey.Key, remove, add string) {
	if err := src.Tracker.SwapLabels(ctx, key, remove, add); err != nil {
		c.logger.Warn("swap labels on %s: %v", key, err)
	}
}

func (c *Consumer) recordCounters(ctx context.Context, uuid string, counters taskdb.Counters) {
	if c.db == nil || counters == (taskdb.Counters{}) {
		return
	}
	if err := c.db.AddCounters(ctx, uuid, counters); err != nil {
		c.logger.Warn("record counters for %s: %v", uuid, err)
	}
}

func (c *Consumer) plannerOptions() planner.Options {
	return planner.Options{
		ContextLength:        c.contextLength(),
		CompressionThreshold: c.cfg.Contexts.CompressionThreshold,
		KeepRecent:           c.cfg.Contexts.KeepRecentMessages,
		FunctionCalling:      c.cfg.LLM.FunctionCalling,
	}
}

func (c *Consumer) contextLength() int {
	if c.cfg.LLM.ContextLength > 0 {
		return c.cfg.LLM.ContextLength
	}
	return config.DefaultContextLength
}

// progressDetail renders the saved state for the pause notice.
func progressDetail(state taskctx.TaskState) string {
	if state.Phase == "" {
		return ""
	}
	if state.TotalSteps > 0 {
		return fmt.Sprintf("進捗: %s (%d/%d steps)", state.Phase, state.CompletedSteps, state.TotalSteps)
	}
	return "進捗: " + state.Phase
}
