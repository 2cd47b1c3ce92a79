// Package taskctx manages per-run context directories and their lifecycle:
// contexts/running, contexts/paused, contexts/completed. Directory moves are
// atomic renames; the database mirror is written after the filesystem so a
// crash leaves the directory, not the row, authoritative.
package taskctx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/notfolder/coding-agent/internal/contextstore"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/taskdb"
	"github.com/notfolder/coding-agent/internal/taskkey"
)

// Lifecycle directories under the context base dir.
const (
	DirRunning   = "running"
	DirPaused    = "paused"
	DirCompleted = "completed"
)

// RunRecorder is the slice of the task database the manager writes through.
// A nil recorder puts the manager in filesystem-only mode.
type RunRecorder interface {
	CreateRun(ctx context.Context, run taskdb.Run) error
	FindLatestPending(ctx context.Context, key taskkey.Key) (taskdb.Run, bool, error)
	MarkRunning(ctx context.Context, uuid string, pid int, hostname string) error
	MarkResumed(ctx context.Context, uuid string, pid int, hostname string) error
	SetStatus(ctx context.Context, uuid string, status taskdb.Status, errMsg string) error
}

// Metadata is the metadata.json sidecar of one run directory.
type Metadata struct {
	UUID          string      `json:"uuid"`
	TaskKey       taskkey.Key `json:"task_key"`
	Title         string      `json:"title,omitempty"`
	UserName      string      `json:"user,omitempty"`
	Status        string      `json:"status"`
	LLMProvider   string      `json:"llm_provider,omitempty"`
	Model         string      `json:"model,omitempty"`
	ContextLength int         `json:"context_length,omitempty"`
	ProcessID     int         `json:"process_id,omitempty"`
	Hostname      string      `json:"hostname,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	IsResumed     bool        `json:"is_resumed,omitempty"`
	ResumeCount   int         `json:"resume_count,omitempty"`
}

// TaskState is task_state.json, written when a run pauses so the next
// process can pick up mid-plan.
type TaskState struct {
	Phase          string         `json:"phase"`
	PlanGoal       string         `json:"plan_goal,omitempty"`
	CompletedSteps int            `json:"completed_steps"`
	TotalSteps     int            `json:"total_steps"`
	Extra          map[string]any `json:"extra,omitempty"`
	PausedAt       time.Time      `json:"paused_at"`
}

// NewRunParams describes the run being opened.
type NewRunParams struct {
	Key           taskkey.Key
	Title         string
	UserName      string
	LLMProvider   string
	Model         string
	ContextLength int
}

// Manager owns the context base directory.
type Manager struct {
	baseDir  string
	db       RunRecorder
	logger   logging.Logger
	hostname string
}

func NewManager(baseDir string, db RunRecorder, logger logging.Logger) *Manager {
	host, _ := os.Hostname()
	return &Manager{
		baseDir:  baseDir,
		db:       db,
		logger:   logging.OrNop(logger),
		hostname: host,
	}
}

// EnsureLayout creates the three lifecycle directories.
func (m *Manager) EnsureLayout() error {
	for _, d := range []string{DirRunning, DirPaused, DirCompleted} {
		if err := os.MkdirAll(filepath.Join(m.baseDir, d), 0o755); err != nil {
			return fmt.Errorf("create context dir %s: %w", d, err)
		}
	}
	return nil
}

func (m *Manager) dir(state, runID string) string {
	return filepath.Join(m.baseDir, state, runID)
}

// NewRun opens a fresh run directory under running/ and flips the database
// row from pending to running. When the producer left a pending row for the
// key, its uuid is adopted; otherwise a fresh uuid and row are created.
func (m *Manager) NewRun(ctx context.Context, p NewRunParams) (*TaskContext, error) {
	runID := ""
	if m.db != nil {
		if pending, ok, err := m.db.FindLatestPending(ctx, p.Key); err != nil {
			m.logger.Warn("pending row lookup failed for %s: %v", p.Key, err)
		} else if ok {
			runID = pending.UUID
		}
	}
	fresh := runID == ""
	if fresh {
		runID = uuid.NewString()
	}

	dir := m.dir(DirRunning, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	now := time.Now().UTC()
	meta := Metadata{
		UUID:          runID,
		TaskKey:       p.Key,
		Title:         p.Title,
		UserName:      p.UserName,
		Status:        string(taskdb.StatusRunning),
		LLMProvider:   p.LLMProvider,
		Model:         p.Model,
		ContextLength: p.ContextLength,
		ProcessID:     os.Getpid(),
		Hostname:      m.hostname,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := writeMetadata(dir, meta); err != nil {
		return nil, err
	}

	if m.db != nil {
		if fresh {
			if err := m.db.CreateRun(ctx, taskdb.Run{
				UUID:          runID,
				Key:           p.Key,
				UserName:      p.UserName,
				LLMProvider:   p.LLMProvider,
				Model:         p.Model,
				ContextLength: p.ContextLength,
			}); err != nil {
				m.logger.Warn("create run row %s: %v", runID, err)
			}
		}
		if err := m.db.MarkRunning(ctx, runID, os.Getpid(), m.hostname); err != nil {
			m.logger.Warn("mark running %s: %v", runID, err)
		}
	}

	tc, err := m.open(dir, meta)
	if err != nil {
		return nil, err
	}
	m.logger.Info("opened run %s for %s", runID, p.Key)
	return tc, nil
}

// Resume moves a paused run back under running/ and reopens its stores. Any
// saved task_state.json is loaded onto the returned context.
func (m *Manager) Resume(ctx context.Context, runID string) (*TaskContext, error) {
	src := m.dir(DirPaused, runID)
	dst := m.dir(DirRunning, runID)
	if err := os.Rename(src, dst); err != nil {
		return nil, fmt.Errorf("move %s to running: %w", runID, err)
	}

	meta, err := readMetadata(dst)
	if err != nil {
		return nil, err
	}
	meta.Status = string(taskdb.StatusRunning)
	meta.IsResumed = true
	meta.ResumeCount++
	meta.ProcessID = os.Getpid()
	meta.Hostname = m.hostname
	meta.UpdatedAt = time.Now().UTC()
	if err := writeMetadata(dst, meta); err != nil {
		return nil, err
	}

	if m.db != nil {
		if err := m.db.MarkResumed(ctx, runID, os.Getpid(), m.hostname); err != nil {
			m.logger.Warn("mark resumed %s: %v", runID, err)
		}
	}

	tc, err := m.open(dst, meta)
	if err != nil {
		return nil, err
	}

	statePath := filepath.Join(dst, contextstore.StateFile)
	var state TaskState
	if err := contextstore.ReadJSON(statePath, &state); err == nil {
		tc.State = &state
	} else if !os.IsNotExist(err) {
		m.logger.Warn("read task state for %s: %v", runID, err)
	}

	m.logger.Info("resumed run %s (resume count %d)", runID, meta.ResumeCount)
	return tc, nil
}

// ListPaused returns the run ids currently parked under paused/.
func (m *Manager) ListPaused() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.baseDir, DirPaused))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read paused dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// PausedRuns loads the metadata of every run parked under paused/, for
// re-enqueueing at consumer startup. Unreadable directories are skipped.
func (m *Manager) PausedRuns() ([]Metadata, error) {
	ids, err := m.ListPaused()
	if err != nil {
		return nil, err
	}
	var out []Metadata
	for _, id := range ids {
		meta, err := readMetadata(m.dir(DirPaused, id))
		if err != nil {
			m.logger.Warn("unreadable metadata in paused/%s: %v", id, err)
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// ReconcileStartup sweeps running/ for directories abandoned by a dead
// process on this host and parks them under paused/ so they get re-enqueued.
// Returns the run ids that were parked.
func (m *Manager) ReconcileStartup(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.baseDir, DirRunning))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read running dir: %w", err)
	}

	var parked []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runID := e.Name()
		dir := m.dir(DirRunning, runID)
		meta, err := readMetadata(dir)
		if err != nil {
			m.logger.Warn("unreadable metadata in running/%s: %v", runID, err)
			continue
		}
		if meta.Hostname != "" && meta.Hostname != m.hostname {
			continue // another host may still own it
		}
		if meta.ProcessID > 0 && processAlive(meta.ProcessID) {
			continue
		}

		meta.Status = string(taskdb.StatusPaused)
		meta.UpdatedAt = time.Now().UTC()
		if err := writeMetadata(dir, meta); err != nil {
			m.logger.Warn("update metadata for %s: %v", runID, err)
			continue
		}
		if err := os.Rename(dir, m.dir(DirPaused, runID)); err != nil {
			m.logger.Warn("park abandoned run %s: %v", runID, err)
			continue
		}
		if m.db != nil {
			if err := m.db.SetStatus(ctx, runID, taskdb.StatusPaused, "process died mid-run"); err != nil {
				m.logger.Warn("mark paused %s: %v", runID, err)
			}
		}
		m.logger.Info("parked abandoned run %s for resume", runID)
		parked = append(parked, runID)
	}
	return parked, nil
}

func (m *Manager) open(dir string, meta Metadata) (*TaskContext, error) {
	messages, err := contextstore.OpenMessageStore(dir)
	if err != nil {
		return nil, err
	}
	tools, err := contextstore.OpenToolStore(dir)
	if err != nil {
		messages.Close()
		return nil, err
	}
	planning, err := contextstore.OpenPlanningStore(dir)
	if err != nil {
		messages.Close()
		return nil, err
	}
	return &TaskContext{
		UUID:      meta.UUID,
		Dir:       dir,
		Meta:      meta,
		Messages:  messages,
		Summaries: contextstore.OpenSummaryStore(dir),
		Tools:     tools,
		Planning:  planning,
		mgr:       m,
	}, nil
}

func writeMetadata(dir string, meta Metadata) error {
	if err := contextstore.WriteJSONAtomic(filepath.Join(dir, contextstore.MetadataFile), meta); err != nil {
		return fmt.Errorf("write metadata for %s: %w", meta.UUID, err)
	}
	return nil
}

func readMetadata(dir string) (Metadata, error) {
	var meta Metadata
	if err := contextstore.ReadJSON(filepath.Join(dir, contextstore.MetadataFile), &meta); err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	return meta, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
