// Package control detects the two operator signals: a pause file on disk and
// removal of the bot from the work item's assignees. Both are observed
// cooperatively at phase boundaries; neither interrupts in-flight work.
package control

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/notfolder/coding-agent/internal/async"
	"github.com/notfolder/coding-agent/internal/logging"
)

// pollInterval backs up the fsnotify watcher; missed events surface within
// one tick. Tests shrink it.
var pollInterval = 2 * time.Second

// PauseWatcher tracks the presence of the pause signal file. The file is
// never removed by the watcher; operators delete it to re-enable pickup.
type PauseWatcher struct {
	path    string
	paused  atomic.Bool
	started atomic.Bool
	logger  logging.Logger
}

func NewPauseWatcher(path string, logger logging.Logger) *PauseWatcher {
	return &PauseWatcher{path: path, logger: logging.OrNop(logger)}
}

// Start begins watching the signal file's directory. When fsnotify cannot
// watch it, detection degrades to polling alone.
func (w *PauseWatcher) Start(ctx context.Context) {
	if w.path == "" || !w.started.CompareAndSwap(false, true) {
		return
	}
	w.check()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("pause watcher unavailable, polling only: %v", err)
		watcher = nil
	} else if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("cannot watch %s, polling only: %v", filepath.Dir(w.path), err)
		watcher.Close()
		watcher = nil
	}

	async.Go(w.logger, "pause-watcher", func() {
		if watcher != nil {
			defer watcher.Close()
		}
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			if watcher == nil {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					w.check()
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(w.path) {
					w.check()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("pause watcher: %v", err)
			case <-ticker.C:
				w.check()
			}
		}
	})
}

// PauseRequested reports whether the signal file exists. Before Start it
// stats the file directly.
func (w *PauseWatcher) PauseRequested() bool {
	if w.path == "" {
		return false
	}
	if !w.started.Load() {
		return w.check()
	}
	return w.paused.Load()
}

func (w *PauseWatcher) check() bool {
	_, err := os.Stat(w.path)
	present := err == nil
	if w.paused.Swap(present) != present {
		if present {
			w.logger.Info("pause signal detected at %s", w.path)
		} else {
			w.logger.Info("pause signal cleared at %s", w.path)
		}
	}
	return present
}
