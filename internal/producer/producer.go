// Package producer discovers work items carrying the request label, records
// a pending run, relabels them, and feeds the queue. One producer runs at a
// time per host; a file lock turns concurrent invocations into no-ops.
package producer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/queue"
	"github.com/notfolder/coding-agent/internal/taskdb"
	"github.com/notfolder/coding-agent/internal/taskkey"
	"github.com/notfolder/coding-agent/internal/tracker"
)

const (
	lockFileName = "coding-agent-producer.lock"

	dedupCacheSize = 512
	dedupTTL       = 10 * time.Minute
)

var nowFn = time.Now

// RunCreator is the slice of the task database the producer writes.
type RunCreator interface {
	CreateRun(ctx context.Context, run taskdb.Run) error
}

// Source pairs a tracker with its configured lifecycle labels.
type Source struct {
	Tracker tracker.Tracker
	Labels  config.Labels
}

// Producer runs one discovery cycle per invocation.
type Producer struct {
	sources  []Source
	queue    queue.Queue
	db       RunCreator
	dedup    *lru.Cache[string, time.Time]
	lockPath string
	logger   logging.Logger
}

func New(sources []Source, q queue.Queue, db RunCreator, logger logging.Logger) (*Producer, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("producer needs at least one source")
	}
	dedup, err := lru.New[string, time.Time](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Producer{
		sources:  sources,
		queue:    q,
		db:       db,
		dedup:    dedup,
		lockPath: filepath.Join(os.TempDir(), lockFileName),
		logger:   logging.OrNop(logger),
	}, nil
}

// Run executes one cycle over all sources. A held lock means another
// producer is mid-cycle; that is a clean exit, not an error.
func (p *Producer) Run(ctx context.Context) error {
	lock := NewFileLock(p.lockPath)
	held, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire producer lock: %w", err)
	}
	if !held {
		p.logger.Info("another producer holds %s, exiting", p.lockPath)
		return nil
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			p.logger.Warn("release producer lock: %v", err)
		}
	}()

	for _, src := range p.sources {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.scan(ctx, src)
	}
	return nil
}

func (p *Producer) scan(ctx context.Context, src Source) {
	keys, err := src.Tracker.SearchWork(ctx, src.Labels.Request)
	if err != nil {
		p.logger.Warn("work search on %s failed: %v", src.Tracker.Source(), err)
		return
	}
	if len(keys) == 0 {
		p.logger.Debug("no work on %s", src.Tracker.Source())
		return
	}
	p.logger.Info("found %d work item(s) on %s", len(keys), src.Tracker.Source())

	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		if p.recentlyEnqueued(key) {
			p.logger.Debug("skipping %s, enqueued within the last %s", key, dedupTTL)
			continue
		}
		if err := p.prepare(ctx, src, key); err != nil {
			p.logger.Warn("prepare %s: %v", key, err)
		}
	}
}

// prepare re-reads the item, records a pending run, swaps the request label
// for the processing label, and enqueues the key. Items that lost the
// request label between search and prepare are skipped silently.
func (p *Producer) prepare(ctx context.Context, src Source, key taskkey.Key) error {
	issue, err := src.Tracker.GetIssue(ctx, key)
	if err != nil {
		return fmt.Errorf("fetch work item: %w", err)
	}
	if !issue.HasLabel(src.Labels.Request) {
		p.logger.Debug("%s lost label %q since discovery, skipping", key, src.Labels.Request)
		return nil
	}

	if p.db != nil {
		run := taskdb.Run{UUID: uuid.NewString(), Key: key, UserName: issue.Author}
		if err := p.db.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("record pending run: %w", err)
		}
	}
	if err := src.Tracker.SwapLabels(ctx, key, src.Labels.Request, src.Labels.Processing); err != nil {
		return fmt.Errorf("swap labels: %w", err)
	}
	if err := p.queue.Put(key.ToDict()); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	p.markEnqueued(key)
	p.logger.Info("enqueued %s (requested by %s)", key, issue.Author)
	return nil
}

func (p *Producer) recentlyEnqueued(key taskkey.Key) bool {
	if ts, ok := p.dedup.Get(key.String()); ok {
		if nowFn().Sub(ts) <= dedupTTL {
			return true
		}
		p.dedup.Remove(key.String())
	}
	return false
}

func (p *Producer) markEnqueued(key taskkey.Key) {
	p.dedup.Add(key.String(), nowFn())
}
