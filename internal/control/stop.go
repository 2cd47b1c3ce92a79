package control

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/taskkey"
)

// AssigneeSource reads the current assignees of a work item.
type AssigneeSource interface {
	GetAssignees(ctx context.Context, key taskkey.Key) ([]string, error)
}

// StopChecker polls the work item's assignees and reports a stop once the
// bot has been removed. Polls run every Nth call and never more often than
// the configured floor; tracker errors are logged and treated as "still
// assigned". The verdict is sticky.
type StopChecker struct {
	src     AssigneeSource
	key     taskkey.Key
	bot     string
	every   int
	limiter *rate.Limiter
	calls   int
	stopped bool
	logger  logging.Logger
}

func NewStopChecker(src AssigneeSource, key taskkey.Key, bot string, cfg config.ControlConfig, logger logging.Logger) *StopChecker {
	every := cfg.CheckInterval
	if every <= 0 {
		every = config.DefaultCheckInterval
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinCheckIntervalSeconds > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Duration(cfg.MinCheckIntervalSeconds)*time.Second), 1)
	}
	return &StopChecker{
		src:     src,
		key:     key,
		bot:     bot,
		every:   every,
		limiter: limiter,
		logger:  logging.OrNop(logger),
	}
}

// Check is called once per consumer iteration.
func (s *StopChecker) Check(ctx context.Context) bool {
	if s.stopped {
		return true
	}
	if s.bot == "" {
		return false
	}
	s.calls++
	if s.calls%s.every != 0 {
		return false
	}
	if !s.limiter.Allow() {
		return false
	}
	assignees, err := s.src.GetAssignees(ctx, s.key)
	if err != nil {
		s.logger.Warn("assignee check for %s failed: %v", s.key, err)
		return false
	}
	for _, a := range assignees {
		if strings.EqualFold(a, s.bot) {
			return false
		}
	}
	s.stopped = true
	s.logger.Info("%s no longer assigned to %s, stopping task", s.bot, s.key)
	return true
}
