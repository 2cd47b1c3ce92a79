package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Category selects which log file a logger writes to.
type Category string

const (
	// CategoryService receives producer/consumer/coordinator records.
	CategoryService Category = "service"
	// CategoryLLM receives model call accounting records.
	CategoryLLM Category = "llm"
)

// FileLogger writes timestamped records to one category file. Component
// copies made with WithComponent share the underlying file and mutex.
type FileLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	closer    io.Closer
	category  Category
	component string
	debug     bool
}

// NewFile opens (appending) the category log file under dir and returns a
// logger scoped to component. Debug records are dropped unless debug is set.
func NewFile(dir string, category Category, component string, debug bool) (*FileLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("coding-agent-%s.log", category))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &FileLogger{
		mu:        &sync.Mutex{},
		out:       f,
		closer:    f,
		category:  category,
		component: component,
		debug:     debug,
	}, nil
}

// NewStderr returns a FileLogger that writes to stderr. Used before the
// config is loaded and in tests.
func NewStderr(component string, debug bool) *FileLogger {
	return &FileLogger{
		mu:        &sync.Mutex{},
		out:       os.Stderr,
		category:  CategoryService,
		component: component,
		debug:     debug,
	}
}

// WithComponent returns a copy writing to the same file under a different
// component tag.
func (l *FileLogger) WithComponent(component string) *FileLogger {
	clone := *l
	clone.component = component
	return &clone
}

// Close closes the underlying file, if any. Stderr loggers are not closed.
func (l *FileLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *FileLogger) Debug(format string, args ...any) {
	if !l.debug {
		return
	}
	l.write("DEBUG", format, args...)
}

func (l *FileLogger) Info(format string, args ...any)  { l.write("INFO", format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.write("WARN", format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.write("ERROR", format, args...) }

func (l *FileLogger) write(level, format string, args ...any) {
	caller := "???"
	if _, file, line, ok := runtime.Caller(2); ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	msg := fmt.Sprintf(format, args...)
	record := fmt.Sprintf("%s [%s] [%s] [%s] %s - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, l.category, l.component, caller, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.out, record)
}
