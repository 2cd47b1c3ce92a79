package compress

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/notfolder/coding-agent/internal/contextstore"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/taskdb"
	"github.com/notfolder/coding-agent/internal/taskkey"
	"github.com/notfolder/coding-agent/internal/token"
)

const (
	// DefaultInheritTTL bounds how far back prior runs are considered.
	DefaultInheritTTL = 90 * 24 * time.Hour
	// DefaultMaxInheritedTokens caps the inherited summary size.
	DefaultMaxInheritedTokens = 8000
)

// PriorRunFinder is the slice of TaskDB that inheritance needs.
type PriorRunFinder interface {
	FindPriorRuns(ctx context.Context, key taskkey.Key, statuses []taskdb.Status, since time.Time) ([]taskdb.Run, error)
}

// Inheritance seeds a new run with the final summary of the most recent
// completed or stopped run on the same task key.
type Inheritance struct {
	db           PriorRunFinder
	completedDir string
	ttl          time.Duration
	maxTokens    int
	logger       logging.Logger
}

// InheritanceOptions tunes lookback and size caps. Zero values fall back to
// defaults.
type InheritanceOptions struct {
	TTL       time.Duration
	MaxTokens int
	Logger    logging.Logger
}

// NewInheritance wires an Inheritance over the completed-contexts directory.
func NewInheritance(db PriorRunFinder, completedDir string, o InheritanceOptions) *Inheritance {
	if o.TTL <= 0 {
		o.TTL = DefaultInheritTTL
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxInheritedTokens
	}
	return &Inheritance{
		db:           db,
		completedDir: completedDir,
		ttl:          o.TTL,
		maxTokens:    o.MaxTokens,
		logger:       logging.OrNop(o.Logger),
	}
}

// Seed returns the two messages that open a run inheriting from a prior one:
// an assistant message carrying the previous final summary, then the current
// user request. Nil when no prior run qualifies.
func (i *Inheritance) Seed(ctx context.Context, key taskkey.Key, userRequest string) ([]contextstore.CurrentMessage, error) {
	runs, err := i.db.FindPriorRuns(ctx, key,
		[]taskdb.Status{taskdb.StatusCompleted, taskdb.StatusStopped},
		time.Now().Add(-i.ttl))
	if err != nil {
		return nil, err
	}

	for _, run := range runs {
		summaries := contextstore.OpenSummaryStore(filepath.Join(i.completedDir, run.UUID))
		latest, ok, err := summaries.Latest()
		if err != nil {
			i.logger.Warn("inheritance: read summaries for %s: %v", run.UUID, err)
			continue
		}
		if !ok || strings.TrimSpace(latest.Summary) == "" {
			continue
		}

		text := token.Truncate(latest.Summary, i.maxTokens)
		header := "Previous run summary: (from " + shortUUID(run.UUID) + ", " +
			latest.Timestamp.Format("2006-01-02 15:04:05") + ")\n\n" + text
		i.logger.Info("inheriting context from run %s for %s", shortUUID(run.UUID), key.String())
		return []contextstore.CurrentMessage{
			{Role: contextstore.RoleAssistant, Content: header},
			{Role: contextstore.RoleUser, Content: userRequest},
		}, nil
	}
	return nil, nil
}

func shortUUID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
