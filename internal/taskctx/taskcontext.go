package taskctx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/notfolder/coding-agent/internal/contextstore"
	"github.com/notfolder/coding-agent/internal/taskdb"
)

// TaskContext is one open run: its directory, stores, and metadata. All
// transitions go through the methods below so the directory move, metadata
// update, and database write always happen in the same order.
type TaskContext struct {
	UUID      string
	Dir       string
	Meta      Metadata
	State     *TaskState // non-nil only on a resumed run with saved state
	Messages  *contextstore.MessageStore
	Summaries *contextstore.SummaryStore
	Tools     *contextstore.ToolStore
	Planning  *contextstore.PlanningStore

	mgr *Manager
}

// Complete finishes the run successfully and archives the directory.
func (t *TaskContext) Complete(ctx context.Context) error {
	return t.finalize(ctx, taskdb.StatusCompleted, "")
}

// Fail finishes the run as failed, recording the reason.
func (t *TaskContext) Fail(ctx context.Context, reason string) error {
	return t.finalize(ctx, taskdb.StatusFailed, reason)
}

// Stop finishes the run as stopped by control action.
func (t *TaskContext) Stop(ctx context.Context) error {
	return t.finalize(ctx, taskdb.StatusStopped, "")
}

// Pause saves the planner state, parks the directory under paused/, and
// marks the row paused. The run keeps its uuid and resumes later.
func (t *TaskContext) Pause(ctx context.Context, state TaskState) error {
	if state.PausedAt.IsZero() {
		state.PausedAt = time.Now().UTC()
	}
	if err := contextstore.WriteJSONAtomic(filepath.Join(t.Dir, contextstore.StateFile), state); err != nil {
		return fmt.Errorf("write task state: %w", err)
	}
	return t.move(ctx, DirPaused, taskdb.StatusPaused, "")
}

func (t *TaskContext) finalize(ctx context.Context, status taskdb.Status, reason string) error {
	return t.move(ctx, DirCompleted, status, reason)
}

func (t *TaskContext) move(ctx context.Context, stateDir string, status taskdb.Status, reason string) error {
	t.Messages.Close()

	t.Meta.Status = string(status)
	t.Meta.UpdatedAt = time.Now().UTC()
	if err := writeMetadata(t.Dir, t.Meta); err != nil {
		return err
	}

	dst := t.mgr.dir(stateDir, t.UUID)
	if err := os.Rename(t.Dir, dst); err != nil {
		return fmt.Errorf("move run %s to %s: %w", t.UUID, stateDir, err)
	}
	t.Dir = dst

	if t.mgr.db != nil {
		if err := t.mgr.db.SetStatus(ctx, t.UUID, status, reason); err != nil {
			t.mgr.logger.Warn("record %s for run %s: %v", status, t.UUID, err)
		}
	}
	t.mgr.logger.Info("run %s -> %s", t.UUID, status)
	return nil
}
