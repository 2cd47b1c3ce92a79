package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/notfolder/coding-agent/internal/async"
	"github.com/notfolder/coding-agent/internal/logging"
)

// ProcessManager owns one MCP server subprocess and its stdio pipes. The
// command is typically "docker exec -i <container> <server>" so the server
// lives inside the task sandbox.
type ProcessManager struct {
	argv   []string
	env    []string
	logger logging.Logger

	mu       sync.Mutex
	process  *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	running  bool
	waitDone chan error
}

// ProcessConfig configures the MCP server subprocess. Env entries are added
// on top of the parent environment.
type ProcessConfig struct {
	Argv []string
	Env  map[string]string
}

// NewProcessManager builds a manager; nothing is spawned until Start.
func NewProcessManager(config ProcessConfig, logger logging.Logger) *ProcessManager {
	pm := &ProcessManager{
		argv:   config.Argv,
		logger: logging.OrNop(logger),
	}
	if len(config.Env) > 0 {
		pm.env = os.Environ()
		for k, v := range config.Env {
			pm.env = append(pm.env, k+"="+v)
		}
	}
	return pm
}

// Start spawns the server process and begins draining its stderr.
func (pm *ProcessManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("process already running")
	}
	if len(pm.argv) == 0 {
		return fmt.Errorf("command is required")
	}

	resolved, err := resolveExecutable(pm.argv[0])
	if err != nil {
		return err
	}

	pm.logger.Info("starting MCP server: %s", strings.Join(pm.argv, " "))

	pm.process = exec.CommandContext(ctx, resolved, pm.argv[1:]...)
	if pm.env != nil {
		pm.process.Env = pm.env
	}

	if pm.stdin, err = pm.process.StdinPipe(); err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	if pm.stdout, err = pm.process.StdoutPipe(); err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	if pm.stderr, err = pm.process.StderrPipe(); err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := pm.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	pm.running = true
	pm.waitDone = make(chan error, 1)
	pm.logger.Info("MCP server started, pid %d", pm.process.Process.Pid)

	async.Go(pm.logger, "mcp.monitorStderr", pm.monitorStderr)
	async.Go(pm.logger, "mcp.monitorExit", pm.monitorExit)
	return nil
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}

// Stop shuts the server down: close stdin so it can exit on EOF, then
// SIGTERM, then SIGKILL after the timeout. Safe to call twice.
func (pm *ProcessManager) Stop(timeout time.Duration) error {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return nil
	}
	pm.logger.Info("stopping MCP server (timeout %v)", timeout)
	pm.running = false
	process := pm.process
	stdin := pm.stdin
	waitDone := pm.waitDone
	pm.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if process != nil && process.Process != nil {
		_ = process.Process.Signal(syscall.SIGTERM)
	}

	select {
	case err := <-waitDone:
		pm.logger.Info("MCP server exited: %v", err)
		return nil
	case <-time.After(timeout):
		pm.logger.Warn("MCP server did not exit in %v, killing", timeout)
		if process != nil && process.Process != nil {
			if err := process.Process.Kill(); err != nil {
				return fmt.Errorf("kill process: %w", err)
			}
		}
		return nil
	}
}

// IsRunning polls whether the process is still alive.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// Write sends one already-framed line to the server's stdin.
func (pm *ProcessManager) Write(data []byte) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running {
		return fmt.Errorf("process not running")
	}
	if pm.stdin == nil {
		return fmt.Errorf("stdin not available")
	}
	n, err := pm.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("write to stdin: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: wrote %d/%d bytes", n, len(data))
	}
	return nil
}

// Stdout exposes the server's stdout for the client read loop.
func (pm *ProcessManager) Stdout() io.Reader {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stdout
}

func (pm *ProcessManager) monitorStderr() {
	pm.mu.Lock()
	stderr := pm.stderr
	pm.mu.Unlock()
	if stderr == nil {
		return
	}
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		pm.logger.Debug("[stderr] %s", scanner.Text())
	}
}

func (pm *ProcessManager) monitorExit() {
	pm.mu.Lock()
	process := pm.process
	waitDone := pm.waitDone
	pm.mu.Unlock()
	if process == nil {
		return
	}

	err := process.Wait()
	select {
	case waitDone <- err:
	default:
	}

	pm.mu.Lock()
	wasRunning := pm.running
	pm.running = false
	pm.mu.Unlock()

	if wasRunning {
		pm.logger.Warn("MCP server exited unexpectedly: %v", err)
	}
}
