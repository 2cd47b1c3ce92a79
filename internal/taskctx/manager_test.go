package taskctx

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notfolder/coding-agent/internal/contextstore"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/taskdb"
	"github.com/notfolder/coding-agent/internal/taskkey"
)

type fakeDB struct {
	mu       sync.Mutex
	pending  []taskdb.Run
	created  []taskdb.Run
	running  []string
	resumed  []string
	statuses map[string]taskdb.Status
	reasons  map[string]string
}

func newFakeDB() *fakeDB {
	return &fakeDB{statuses: map[string]taskdb.Status{}, reasons: map[string]string{}}
}

func (f *fakeDB) CreateRun(_ context.Context, run taskdb.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, run)
	return nil
}

func (f *fakeDB) FindLatestPending(_ context.Context, key taskkey.Key) (taskdb.Run, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.pending) - 1; i >= 0; i-- {
		if f.pending[i].Key == key {
			return f.pending[i], true, nil
		}
	}
	return taskdb.Run{}, false, nil
}

func (f *fakeDB) MarkRunning(_ context.Context, uuid string, _ int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append(f.running, uuid)
	f.statuses[uuid] = taskdb.StatusRunning
	return nil
}

func (f *fakeDB) MarkResumed(_ context.Context, uuid string, _ int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, uuid)
	f.statuses[uuid] = taskdb.StatusRunning
	return nil
}

func (f *fakeDB) SetStatus(_ context.Context, uuid string, status taskdb.Status, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[uuid] = status
	if reason != "" {
		f.reasons[uuid] = reason
	}
	return nil
}

func newTestManager(t *testing.T, db RunRecorder) *Manager {
	t.Helper()
	m := NewManager(t.TempDir(), db, logging.Nop())
	require.NoError(t, m.EnsureLayout())
	return m
}

func params() NewRunParams {
	return NewRunParams{
		Key:           taskkey.NewGitHubIssue("acme", "svc", 42),
		Title:         "Fix flaky test",
		UserName:      "dev",
		LLMProvider:   "ollama",
		Model:         "qwen3:32b",
		ContextLength: 32768,
	}
}

func TestNewRunCreatesDirAndRow(t *testing.T) {
	db := newFakeDB()
	m := newTestManager(t, db)

	tc, err := m.NewRun(context.Background(), params())
	require.NoError(t, err)
	assert.NotEmpty(t, tc.UUID)
	assert.DirExists(t, tc.Dir)
	assert.FileExists(t, filepath.Join(tc.Dir, contextstore.MetadataFile))

	require.Len(t, db.created, 1)
	assert.Equal(t, tc.UUID, db.created[0].UUID)
	assert.Equal(t, []string{tc.UUID}, db.running)

	meta, err := readMetadata(tc.Dir)
	require.NoError(t, err)
	assert.Equal(t, "running", meta.Status)
	assert.Equal(t, "Fix flaky test", meta.Title)
	assert.Equal(t, os.Getpid(), meta.ProcessID)
}

func TestNewRunAdoptsPendingRow(t *testing.T) {
	db := newFakeDB()
	p := params()
	db.pending = []taskdb.Run{{UUID: "pending-uuid-1", Key: p.Key, Status: taskdb.StatusPending}}
	m := newTestManager(t, db)

	tc, err := m.NewRun(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "pending-uuid-1", tc.UUID)
	// The adopted row must not be recreated.
	assert.Empty(t, db.created)
	assert.Equal(t, []string{"pending-uuid-1"}, db.running)
}

func TestCompleteMovesToCompleted(t *testing.T) {
	db := newFakeDB()
	m := newTestManager(t, db)
	tc, err := m.NewRun(context.Background(), params())
	require.NoError(t, err)
	runningDir := tc.Dir

	require.NoError(t, tc.Complete(context.Background()))
	assert.NoDirExists(t, runningDir)
	assert.DirExists(t, m.dir(DirCompleted, tc.UUID))
	assert.Equal(t, taskdb.StatusCompleted, db.statuses[tc.UUID])

	meta, err := readMetadata(tc.Dir)
	require.NoError(t, err)
	assert.Equal(t, "completed", meta.Status)
}

func TestFailRecordsReason(t *testing.T) {
	db := newFakeDB()
	m := newTestManager(t, db)
	tc, err := m.NewRun(context.Background(), params())
	require.NoError(t, err)

	require.NoError(t, tc.Fail(context.Background(), "environment setup failed"))
	assert.Equal(t, taskdb.StatusFailed, db.statuses[tc.UUID])
	assert.Equal(t, "environment setup failed", db.reasons[tc.UUID])
	assert.DirExists(t, m.dir(DirCompleted, tc.UUID))
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	db := newFakeDB()
	m := newTestManager(t, db)
	tc, err := m.NewRun(context.Background(), params())
	require.NoError(t, err)
	runID := tc.UUID

	_, err = tc.Messages.Append(contextstore.RoleUser, "work so far", "")
	require.NoError(t, err)

	state := TaskState{Phase: "execution", PlanGoal: "fix the test", CompletedSteps: 2, TotalSteps: 5}
	require.NoError(t, tc.Pause(context.Background(), state))
	assert.DirExists(t, m.dir(DirPaused, runID))
	assert.Equal(t, taskdb.StatusPaused, db.statuses[runID])

	paused, err := m.ListPaused()
	require.NoError(t, err)
	assert.Equal(t, []string{runID}, paused)

	resumed, err := m.Resume(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, runID, resumed.UUID)
	assert.Equal(t, []string{runID}, db.resumed)
	require.NotNil(t, resumed.State)
	assert.Equal(t, "execution", resumed.State.Phase)
	assert.Equal(t, 2, resumed.State.CompletedSteps)
	assert.True(t, resumed.Meta.IsResumed)
	assert.Equal(t, 1, resumed.Meta.ResumeCount)

	// Message history survived the round trip.
	assert.Equal(t, 1, resumed.Messages.LastSeq())
	require.NoError(t, resumed.Complete(context.Background()))
}

func TestReconcileStartupParksDeadRuns(t *testing.T) {
	db := newFakeDB()
	m := newTestManager(t, db)

	// Abandoned run: metadata points at a pid that cannot exist.
	deadDir := m.dir(DirRunning, "dead-run")
	require.NoError(t, os.MkdirAll(deadDir, 0o755))
	require.NoError(t, writeMetadata(deadDir, Metadata{
		UUID: "dead-run", Status: "running",
		ProcessID: 1 << 30, Hostname: m.hostname,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	// Live run: our own pid.
	liveDir := m.dir(DirRunning, "live-run")
	require.NoError(t, os.MkdirAll(liveDir, 0o755))
	require.NoError(t, writeMetadata(liveDir, Metadata{
		UUID: "live-run", Status: "running",
		ProcessID: os.Getpid(), Hostname: m.hostname,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	parked, err := m.ReconcileStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dead-run"}, parked)
	assert.DirExists(t, m.dir(DirPaused, "dead-run"))
	assert.DirExists(t, liveDir)
	assert.Equal(t, taskdb.StatusPaused, db.statuses["dead-run"])
}

func TestFilesystemOnlyMode(t *testing.T) {
	m := newTestManager(t, nil)
	tc, err := m.NewRun(context.Background(), params())
	require.NoError(t, err)
	require.NoError(t, tc.Complete(context.Background()))
	assert.DirExists(t, m.dir(DirCompleted, tc.UUID))
}
