package logging

import "fmt"

// WithRunID returns a logger that prefixes every line with a short task run
// id, so interleaved runs stay greppable in the shared service log.
func WithRunID(logger Logger, runID string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if runID == "" {
		return logger
	}
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return &runIDLogger{logger: logger, prefix: fmt.Sprintf("[run:%s] ", runID)}
}

type runIDLogger struct {
	logger Logger
	prefix string
}

func (l *runIDLogger) Debug(format string, args ...any) { l.logger.Debug(l.prefix+format, args...) }
func (l *runIDLogger) Info(format string, args ...any)  { l.logger.Info(l.prefix+format, args...) }
func (l *runIDLogger) Warn(format string, args ...any)  { l.logger.Warn(l.prefix+format, args...) }
func (l *runIDLogger) Error(format string, args ...any) { l.logger.Error(l.prefix+format, args...) }
