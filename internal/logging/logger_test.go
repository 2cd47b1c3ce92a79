package logging

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) record(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, format)
}

func (c *captureLogger) Debug(format string, args ...any) { c.record(format, args...) }
func (c *captureLogger) Info(format string, args ...any)  { c.record(format, args...) }
func (c *captureLogger) Warn(format string, args ...any)  { c.record(format, args...) }
func (c *captureLogger) Error(format string, args ...any) { c.record(format, args...) }

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var file *FileLogger
	var logger Logger = file
	require.True(t, IsNil(logger))

	safe := OrNop(logger)
	require.False(t, IsNil(safe))
	safe.Info("hello %s", "world") // should not panic
}

func TestMultiFansOutAndFlattens(t *testing.T) {
	a := &captureLogger{}
	b := &captureLogger{}
	inner := Multi(a, nil)
	outer := Multi(inner, b)

	outer.Info("msg")
	assert.Len(t, a.lines, 1)
	assert.Len(t, b.lines, 1)
}

func TestFileLoggerWritesCategoryFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFile(dir, CategoryService, "Consumer", false)
	require.NoError(t, err)
	defer logger.Close()

	logger.Info("picked up %s", "github/acme/svc#42")
	logger.Debug("suppressed")

	data, err := os.ReadFile(filepath.Join(dir, "coding-agent-service.log"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "[INFO] [service] [Consumer]")
	assert.Contains(t, content, "picked up github/acme/svc#42")
	assert.NotContains(t, content, "suppressed")
}

func TestFileLoggerDebugGate(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFile(dir, CategoryLLM, "Client", true)
	require.NoError(t, err)
	defer logger.Close()

	logger.Debug("visible")

	data, err := os.ReadFile(filepath.Join(dir, "coding-agent-llm.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "visible")
}

func TestWithComponentSharesFile(t *testing.T) {
	dir := t.TempDir()
	base, err := NewFile(dir, CategoryService, "Producer", false)
	require.NoError(t, err)
	defer base.Close()

	base.WithComponent("Queue").Info("enqueued")
	base.Info("searched")

	data, err := os.ReadFile(filepath.Join(dir, "coding-agent-service.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[Queue]")
	assert.Contains(t, string(data), "[Producer]")
}

func TestWithRunIDPrefixesLines(t *testing.T) {
	c := &captureLogger{}
	logger := WithRunID(c, "0a1b2c3d-4e5f-6789-abcd-ef0123456789")
	logger.Info("phase done")

	require.Len(t, c.lines, 1)
	assert.Contains(t, c.lines[0], "[run:0a1b2c3d]")
}
