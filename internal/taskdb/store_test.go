package taskdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/taskkey"
)

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
	assert.True(t, StatusStopped.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

// openTestStore connects to the database named by
// CODING_AGENT_TEST_DATABASE_URL, skipping the test when unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CODING_AGENT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CODING_AGENT_TEST_DATABASE_URL not set")
	}
	store, err := Open(context.Background(), dsn, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestRunLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := Run{
		UUID:          uuid.NewString(),
		Key:           taskkey.NewGitHubIssue("acme", "svc", 42),
		UserName:      "dev",
		LLMProvider:   "ollama",
		Model:         "qwen3:32b",
		ContextLength: 32768,
	}
	require.NoError(t, store.CreateRun(ctx, run))

	got, ok, err := store.Get(ctx, run.UUID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, run.Key, got.Key)
	assert.Nil(t, got.StartedAt)

	require.NoError(t, store.MarkRunning(ctx, run.UUID, 1234, "worker-1"))
	got, _, err = store.Get(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, 1234, got.ProcessID)

	require.NoError(t, store.AddCounters(ctx, run.UUID, Counters{LLMCalls: 3, ToolCalls: 7, TotalTokens: 900, Compressions: 1}))
	require.NoError(t, store.AddCounters(ctx, run.UUID, Counters{LLMCalls: 1}))
	got, _, err = store.Get(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.LLMCalls)
	assert.Equal(t, 7, got.ToolCalls)
	assert.Equal(t, int64(900), got.TotalTokens)

	require.NoError(t, store.SetStatus(ctx, run.UUID, StatusCompleted, ""))
	got, _, err = store.Get(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestGetMissingRun(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.Get(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailureKeepsMessage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := Run{UUID: uuid.NewString(), Key: taskkey.NewGitLabIssue(991, 3)}
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.FailRun(ctx, run.UUID, "container setup failed"))

	got, _, err := store.Get(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "container setup failed", got.ErrorMessage)

	// A later status write without a message keeps the original.
	require.NoError(t, store.SetStatus(ctx, run.UUID, StatusFailed, ""))
	got, _, err = store.Get(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, "container setup failed", got.ErrorMessage)
}

func TestFindPriorRuns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	key := taskkey.NewGitHubIssue("acme", "svc", int(time.Now().UnixNano()%1_000_000)+1)

	old := Run{UUID: uuid.NewString(), Key: key}
	require.NoError(t, store.CreateRun(ctx, old))
	require.NoError(t, store.SetStatus(ctx, old.UUID, StatusCompleted, ""))

	newer := Run{UUID: uuid.NewString(), Key: key}
	require.NoError(t, store.CreateRun(ctx, newer))
	require.NoError(t, store.SetStatus(ctx, newer.UUID, StatusStopped, ""))

	failed := Run{UUID: uuid.NewString(), Key: key}
	require.NoError(t, store.CreateRun(ctx, failed))
	require.NoError(t, store.SetStatus(ctx, failed.UUID, StatusFailed, "x"))

	runs, err := store.FindPriorRuns(ctx, key,
		[]Status{StatusCompleted, StatusStopped}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// Newest first; the failed run is excluded.
	assert.Equal(t, newer.UUID, runs[0].UUID)
	assert.Equal(t, old.UUID, runs[1].UUID)
}

func TestMarkResumed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := Run{UUID: uuid.NewString(), Key: taskkey.NewGitHubIssue("acme", "svc", 8)}
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.SetStatus(ctx, run.UUID, StatusPaused, ""))
	require.NoError(t, store.MarkResumed(ctx, run.UUID, 99, "worker-2"))

	got, _, err := store.Get(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.True(t, got.IsResumed)
	assert.Equal(t, 1, got.ResumeCount)
}
