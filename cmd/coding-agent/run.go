package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/notfolder/coding-agent/internal/compress"
	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/consumer"
	"github.com/notfolder/coding-agent/internal/control"
	"github.com/notfolder/coding-agent/internal/llm"
	"github.com/notfolder/coding-agent/internal/llmlog"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/mcp"
	"github.com/notfolder/coding-agent/internal/observability"
	"github.com/notfolder/coding-agent/internal/producer"
	"github.com/notfolder/coding-agent/internal/queue"
	"github.com/notfolder/coding-agent/internal/sandbox"
	"github.com/notfolder/coding-agent/internal/taskctx"
	"github.com/notfolder/coding-agent/internal/taskdb"
	"github.com/notfolder/coding-agent/internal/tracker"
)

const (
	modeProducer = "producer"
	modeConsumer = "consumer"

	shutdownGrace = 10 * time.Second
)

// run wires every collaborator and drives the requested mode. An empty mode
// runs one producer cycle, then the consumer loop until the context ends.
func run(ctx context.Context, cfg *config.Config, mode string) error {
	switch mode {
	case "", modeProducer, modeConsumer:
	default:
		return fmt.Errorf("unknown mode %q, want producer or consumer", mode)
	}
	runProducer := mode != modeConsumer
	runConsumer := mode != modeProducer

	logDir := cfg.ResolveLogDir()
	fileLog, err := logging.NewFile(logDir, logging.CategoryService, "main", cfg.Debug)
	if err != nil {
		return fmt.Errorf("open service log: %w", err)
	}
	defer fileLog.Close()
	log := logging.Logger(fileLog)
	if cfg.Debug {
		log = logging.Multi(fileLog, logging.NewStderr("main", true))
	}
	log.Info("coding-agent %s starting, source=%s mode=%s", version, cfg.TaskSource, modeLabel(mode))

	if isTTY() {
		fmt.Printf("%s %s\n", bold("coding-agent"), version)
		fmt.Printf("  %s %s\n", gray("mode:"), modeLabel(mode))
		fmt.Printf("  %s %s\n", gray("source:"), cfg.TaskSource)
		fmt.Printf("  %s %s / %s\n", gray("llm:"), cfg.LLM.Provider, cfg.LLM.Model)
		fmt.Printf("  %s %s\n", gray("logs:"), logDir)
	}

	llmLog, err := logging.NewFile(logDir, logging.CategoryLLM, "llm", cfg.Debug)
	if err != nil {
		return fmt.Errorf("open llm log: %w", err)
	}
	defer llmLog.Close()
	rawLog := llmlog.New(logDir, log)
	defer rawLog.Close()

	chat, err := llm.New(llm.Options{
		Provider:   cfg.LLM.Provider,
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		Timeout:    time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.LLM.MaxRetries,
		Logger:     llmLog,
		RawLog:     rawLog,
	})
	if err != nil {
		return fmt.Errorf("build llm client: %w", err)
	}

	var store *taskdb.Store
	if dsn := cfg.Database.DSN(); dsn != "" {
		store, err = taskdb.Open(ctx, dsn, log)
		if err != nil {
			return fmt.Errorf("open task database: %w", err)
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure task database schema: %w", err)
		}
	} else {
		log.Warn("no database configured, run statistics and inheritance are off")
	}

	contextDir := cfg.ResolveContextDir()
	var runRecorder taskctx.RunRecorder
	if store != nil {
		runRecorder = store
	}
	contexts := taskctx.NewManager(contextDir, runRecorder, log)
	if err := contexts.EnsureLayout(); err != nil {
		return fmt.Errorf("prepare context directories: %w", err)
	}

	q, err := queue.New(cfg.Queue, log)
	if err != nil {
		return fmt.Errorf("connect work queue: %w", err)
	}
	defer q.Close()

	consumerSources := map[string]consumer.Source{}
	var producerSources []producer.Source
	for _, src := range activeSources(cfg.TaskSource) {
		tcfg := cfg.Tracker(src)
		process := mcp.NewProcessManager(mcp.ProcessConfig{
			Argv: tcfg.MCPCommand,
			Env:  trackerEnv(src, tcfg),
		}, log)
		client := mcp.NewClient(src, process, mcp.ClientOptions{Logger: log})
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start %s tool server: %w", src, err)
		}
		defer func(name string, c *mcp.Client) {
			if err := c.Stop(); err != nil {
				log.Warn("stop %s tool server: %v", name, err)
			}
		}(src, client)

		trk, err := tracker.New(src, client, tcfg, log)
		if err != nil {
			return err
		}
		consumerSources[src] = consumer.Source{Tracker: trk, Labels: tcfg.Labels}
		producerSources = append(producerSources, producer.Source{Tracker: trk, Labels: tcfg.Labels})
	}

	boxes := sandbox.NewManager(sandbox.NewCLIClient(), cfg.Sandbox, log)

	// Startup housekeeping: both sweeps log and continue, startup never
	// blocks on them.
	staleAfter := time.Duration(cfg.Sandbox.StaleThresholdHours) * time.Hour
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := boxes.SweepStale(gctx, staleAfter)
		if err != nil {
			log.Warn("stale container sweep: %v", err)
		} else if n > 0 {
			log.Info("removed %d stale container(s)", n)
		}
		return nil
	})
	if store != nil {
		g.Go(func() error {
			n, err := store.MarkStaleRunning(gctx, staleAfter, "abandoned by a dead process")
			if err != nil {
				log.Warn("stale run sweep: %v", err)
			} else if n > 0 {
				log.Info("failed %d stale run row(s)", n)
			}
			return nil
		})
	}
	_ = g.Wait()

	var inherit consumer.Seeder
	if store != nil {
		inherit = compress.NewInheritance(store,
			filepath.Join(contextDir, taskctx.DirCompleted),
			compress.InheritanceOptions{
				TTL:       time.Duration(cfg.Contexts.InheritanceTTLDays) * 24 * time.Hour,
				MaxTokens: cfg.Contexts.MaxInheritedTokens,
				Logger:    log,
			})
	}

	pause := control.NewPauseWatcher(cfg.Control.PauseSignalFile, log)

	var lister observability.TaskLister
	if store != nil {
		lister = store
	}
	recorder, err := observability.New(ctx, cfg.Ops, lister, log)
	if err != nil {
		return fmt.Errorf("start observability: %w", err)
	}
	recorder.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := recorder.Shutdown(sctx); err != nil {
			log.Warn("observability shutdown: %v", err)
		}
	}()

	if runProducer {
		var creator producer.RunCreator
		if store != nil {
			creator = store
		}
		prod, err := producer.New(producerSources, q, creator, log)
		if err != nil {
			return err
		}
		if err := prod.Run(ctx); err != nil {
			if !runConsumer {
				return fmt.Errorf("producer cycle: %w", err)
			}
			log.Warn("producer cycle failed, consuming anyway: %v", err)
		}
	}
	if !runConsumer {
		return nil
	}

	var counters consumer.CounterStore
	if store != nil {
		counters = store
	}
	cons, err := consumer.New(*cfg, consumer.Deps{
		Queue:    q,
		Sources:  consumerSources,
		Contexts: contexts,
		DB:       counters,
		Boxes:    boxes,
		Chat:     chat,
		Inherit:  inherit,
		Pause:    pause,
		Obs:      recorder,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	if isTTY() {
		fmt.Println(green("consuming work queue, ctrl-c to stop"))
	}
	return cons.Run(ctx)
}

func modeLabel(mode string) string {
	if mode == "" {
		return "both"
	}
	return mode
}

// activeSources expands the task_source setting into tracker names.
func activeSources(taskSource string) []string {
	if taskSource == "both" {
		return []string{"github", "gitlab"}
	}
	return []string{taskSource}
}

// trackerEnv builds the extra environment for an upstream MCP server
// process, using the variable names those servers document. Values never
// appear in logs.
func trackerEnv(source string, tcfg config.TrackerConfig) map[string]string {
	env := map[string]string{}
	switch source {
	case "github":
		if tcfg.Token != "" {
			env["GITHUB_PERSONAL_ACCESS_TOKEN"] = tcfg.Token
		}
	case "gitlab":
		if tcfg.Token != "" {
			env["GITLAB_PERSONAL_ACCESS_TOKEN"] = tcfg.Token
		}
		if tcfg.BaseURL != "" {
			env["GITLAB_API_URL"] = tcfg.BaseURL
		}
	}
	return env
}
