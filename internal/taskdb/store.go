// Package taskdb mirrors task run lifecycle into PostgreSQL for querying and
// statistics. The on-disk context directories remain the source of truth; at
// startup the rows are reconciled against them, never the other way around.
package taskdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/taskkey"
)

// Status is the lifecycle state of a task run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Run is one row of the tasks table.
type Run struct {
	UUID          string
	Key           taskkey.Key
	UserName      string
	Status        Status
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ProcessID     int
	Hostname      string
	LLMProvider   string
	Model         string
	ContextLength int
	LLMCalls      int
	ToolCalls     int
	TotalTokens   int64
	Compressions  int
	ErrorMessage  string
	IsResumed     bool
	ResumeCount   int
}

// Counters are the per-run accumulators bumped during execution.
type Counters struct {
	LLMCalls     int
	ToolCalls    int
	TotalTokens  int64
	Compressions int
}

// Filter narrows List results. Zero values mean no constraint.
type Filter struct {
	Status   Status
	UserName string
	Limit    int
}

// Store wraps a pgx pool over the tasks table.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// Open connects to the database and pings it. Pool size covers one producer
// plus consumer workers with headroom.
func Open(ctx context.Context, dsn string, logger logging.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 15
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: logging.OrNop(logger)}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		uuid TEXT PRIMARY KEY,
		task_source TEXT NOT NULL,
		task_type TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		repo TEXT NOT NULL DEFAULT '',
		number INTEGER NOT NULL DEFAULT 0,
		project_id INTEGER NOT NULL DEFAULT 0,
		iid INTEGER NOT NULL DEFAULT 0,
		user_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		process_id INTEGER NOT NULL DEFAULT 0,
		hostname TEXT NOT NULL DEFAULT '',
		llm_provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		context_length INTEGER NOT NULL DEFAULT 0,
		llm_calls INTEGER NOT NULL DEFAULT 0,
		tool_calls INTEGER NOT NULL DEFAULT 0,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		compressions INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		is_resumed BOOLEAN NOT NULL DEFAULT FALSE,
		resume_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks (user_name)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_key ON tasks (task_type, owner, repo, number, project_id, iid)`,
}

// EnsureSchema creates the table and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tasks schema: %w", err)
		}
	}
	return nil
}

const runColumns = `uuid, task_source, task_type, owner, repo, number, project_id, iid,
	user_name, status, created_at, started_at, completed_at, process_id, hostname,
	llm_provider, model, context_length, llm_calls, tool_calls, total_tokens,
	compressions, error_message, is_resumed, resume_count`

// CreateRun inserts a pending row for a fresh run.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	if run.Status == "" {
		run.Status = StatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (
			uuid, task_source, task_type, owner, repo, number, project_id, iid,
			user_name, status, created_at, llm_provider, model, context_length,
			is_resumed, resume_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (uuid) DO UPDATE SET
			status = EXCLUDED.status,
			user_name = EXCLUDED.user_name,
			llm_provider = EXCLUDED.llm_provider,
			model = EXCLUDED.model,
			context_length = EXCLUDED.context_length`,
		run.UUID, string(run.Key.Source()), string(run.Key.Kind),
		run.Key.Owner, run.Key.Repo, run.Key.Number, run.Key.ProjectID, run.Key.IID,
		run.UserName, string(run.Status), run.CreatedAt,
		run.LLMProvider, run.Model, run.ContextLength,
		run.IsResumed, run.ResumeCount)
	if err != nil {
		return fmt.Errorf("insert task run %s: %w", run.UUID, err)
	}
	return nil
}

// MarkRunning flips a row to running and records who is executing it.
func (s *Store) MarkRunning(ctx context.Context, uuid string, pid int, hostname string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = $2,
			started_at = COALESCE(started_at, now()),
			process_id = $3,
			hostname = $4
		WHERE uuid = $1`,
		uuid, string(StatusRunning), pid, hostname)
	if err != nil {
		return fmt.Errorf("mark running %s: %w", uuid, err)
	}
	return nil
}

// SetStatus updates the lifecycle state. Terminal states stamp completed_at;
// errMsg replaces the stored message only when non-empty.
func (s *Store) SetStatus(ctx context.Context, uuid string, status Status, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = $2,
			completed_at = CASE WHEN $3 THEN now() ELSE completed_at END,
			error_message = CASE WHEN $4 = '' THEN error_message ELSE $4 END
		WHERE uuid = $1`,
		uuid, string(status), status.IsTerminal(), errMsg)
	if err != nil {
		return fmt.Errorf("set status %s on %s: %w", status, uuid, err)
	}
	return nil
}

// MarkResumed flips a paused row back to running and counts the resume.
func (s *Store) MarkResumed(ctx context.Context, uuid string, pid int, hostname string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = $2,
			is_resumed = TRUE,
			resume_count = resume_count + 1,
			process_id = $3,
			hostname = $4
		WHERE uuid = $1`,
		uuid, string(StatusRunning), pid, hostname)
	if err != nil {
		return fmt.Errorf("mark resumed %s: %w", uuid, err)
	}
	return nil
}

// AddCounters accumulates execution statistics onto a row.
func (s *Store) AddCounters(ctx context.Context, uuid string, c Counters) error {
	if c == (Counters{}) {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			llm_calls = llm_calls + $2,
			tool_calls = tool_calls + $3,
			total_tokens = total_tokens + $4,
			compressions = compressions + $5
		WHERE uuid = $1`,
		uuid, c.LLMCalls, c.ToolCalls, c.TotalTokens, c.Compressions)
	if err != nil {
		return fmt.Errorf("add counters to %s: %w", uuid, err)
	}
	return nil
}

// Get returns a run by uuid. Missing rows are (zero, false, nil).
func (s *Store) Get(ctx context.Context, uuid string) (Run, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM tasks WHERE uuid = $1`, uuid)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, fmt.Errorf("get task run %s: %w", uuid, err)
	}
	return run, true, nil
}

// FindPriorRuns returns runs for the same work item in any of the given
// states, finished since the cutoff, newest first. Used by context
// inheritance to locate a summary to seed from.
func (s *Store) FindPriorRuns(ctx context.Context, key taskkey.Key, statuses []Status, since time.Time) ([]Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	states := make([]string, len(statuses))
	for i, st := range statuses {
		states[i] = string(st)
	}

	where := `task_type = $1 AND status = ANY($2) AND completed_at IS NOT NULL AND completed_at >= $3`
	args := []any{string(key.Kind), states, since}
	switch key.Source() {
	case taskkey.SourceGitHub:
		where += ` AND owner = $4 AND repo = $5 AND number = $6`
		args = append(args, key.Owner, key.Repo, key.Number)
	case taskkey.SourceGitLab:
		where += ` AND project_id = $4 AND iid = $5`
		args = append(args, key.ProjectID, key.IID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM tasks WHERE `+where+` ORDER BY completed_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("find prior runs for %s: %w", key, err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// FindLatestPending returns the newest pending row for a work item. The
// producer creates the pending row before enqueueing; the consumer adopts it
// so the run keeps one uuid across the handoff.
func (s *Store) FindLatestPending(ctx context.Context, key taskkey.Key) (Run, bool, error) {
	where := `task_type = $1 AND status = $2`
	args := []any{string(key.Kind), string(StatusPending)}
	switch key.Source() {
	case taskkey.SourceGitHub:
		where += ` AND owner = $3 AND repo = $4 AND number = $5`
		args = append(args, key.Owner, key.Repo, key.Number)
	case taskkey.SourceGitLab:
		where += ` AND project_id = $3 AND iid = $4`
		args = append(args, key.ProjectID, key.IID)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM tasks WHERE `+where+` ORDER BY created_at DESC LIMIT 1`, args...)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, fmt.Errorf("find pending run for %s: %w", key, err)
	}
	return run, true, nil
}

// List returns runs matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Run, error) {
	where := `TRUE`
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.UserName != "" {
		args = append(args, f.UserName)
		where += fmt.Sprintf(` AND user_name = $%d`, len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM tasks WHERE `+where+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// MarkStaleRunning fails rows stuck in running whose start predates the
// cutoff. Returns how many rows were flipped. The startup reconciler calls
// this for runs whose context directory no longer exists.
func (s *Store) MarkStaleRunning(ctx context.Context, olderThan time.Duration, reason string) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = $1,
			completed_at = now(),
			error_message = $2
		WHERE status = $3 AND started_at IS NOT NULL AND started_at < $4`,
		string(StatusFailed), reason, string(StatusRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark stale running: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailRun is SetStatus(failed) with a message, kept for call-site clarity.
func (s *Store) FailRun(ctx context.Context, uuid, errMsg string) error {
	return s.SetStatus(ctx, uuid, StatusFailed, errMsg)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r        Run
		source   string
		kind     string
		status   string
		provider string
	)
	err := row.Scan(
		&r.UUID, &source, &kind, &r.Key.Owner, &r.Key.Repo, &r.Key.Number,
		&r.Key.ProjectID, &r.Key.IID, &r.UserName, &status, &r.CreatedAt,
		&r.StartedAt, &r.CompletedAt, &r.ProcessID, &r.Hostname, &provider,
		&r.Model, &r.ContextLength, &r.LLMCalls, &r.ToolCalls, &r.TotalTokens,
		&r.Compressions, &r.ErrorMessage, &r.IsResumed, &r.ResumeCount)
	if err != nil {
		return Run{}, err
	}
	r.Key.Kind = taskkey.Kind(kind)
	r.Status = Status(status)
	r.LLMProvider = provider
	return r, nil
}

func collectRuns(rows pgx.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task runs: %w", err)
	}
	return out, nil
}
