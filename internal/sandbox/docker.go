// Package sandbox prepares and drives per-task Docker containers: clone the
// target repository, install its dependencies, run commands with timeouts
// and output caps, and sweep leftovers.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Client is the slice of Docker the sandbox needs. Implemented by shelling
// out to the docker CLI; tests substitute fakes.
type Client interface {
	ContainerExists(ctx context.Context, name string) (bool, error)
	ContainerCreate(ctx context.Context, opts CreateOpts) error
	ContainerStart(ctx context.Context, name string) error
	ContainerRemove(ctx context.Context, name string) error
	Exec(ctx context.Context, container string, cmd []string, opts ExecOpts) (*ExecResult, error)
	ListContainers(ctx context.Context, prefix string) ([]ContainerSummary, error)
}

// CreateOpts defines options for creating a container.
type CreateOpts struct {
	Name    string
	Image   string
	CPUs    string
	Memory  string
	Network string
	WorkDir string
	Labels  map[string]string
	Command []string
}

// ExecOpts defines options for exec in a container. A zero Timeout means no
// deadline beyond the caller's context; a zero MaxOutputBytes means
// unlimited capture.
type ExecOpts struct {
	WorkDir        string
	Env            map[string]string
	Timeout        time.Duration
	MaxOutputBytes int
}

// ExecResult carries everything a tool caller needs to judge a command.
// Non-zero exit codes are results, not errors; only transport failures
// surface as errors.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// ContainerSummary is one row of a container listing.
type ContainerSummary struct {
	Name      string
	CreatedAt time.Time
	Running   bool
}

// CLIClient implements Client by shelling out to the docker CLI.
type CLIClient struct {
	dockerBin string
}

// NewCLIClient creates a new CLI-based Docker client.
func NewCLIClient() *CLIClient {
	bin := "docker"
	if p, err := exec.LookPath("docker"); err == nil {
		bin = p
	}
	return &CLIClient{dockerBin: bin}
}

func (c *CLIClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.dockerBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (c *CLIClient) ContainerExists(ctx context.Context, name string) (bool, error) {
	out, err := c.run(ctx, "ps", "-a", "--format", "{{.Names}}")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == name {
			return true, nil
		}
	}
	return false, nil
}

func (c *CLIClient) ContainerCreate(ctx context.Context, opts CreateOpts) error {
	args := []string{"create", "--name", opts.Name}
	if opts.CPUs != "" {
		args = append(args, "--cpus", opts.CPUs)
	}
	if opts.Memory != "" {
		args = append(args, "--memory", opts.Memory)
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	for k, v := range opts.Labels {
		args = append(args, "--label", k+"="+v)
	}
	args = append(args, opts.Image)
	args = append(args, opts.Command...)
	_, err := c.run(ctx, args...)
	return err
}

func (c *CLIClient) ContainerStart(ctx context.Context, name string) error {
	_, err := c.run(ctx, "start", name)
	return err
}

func (c *CLIClient) ContainerRemove(ctx context.Context, name string) error {
	_, err := c.run(ctx, "rm", "-f", name)
	return err
}

// Exec runs a command inside the container. The deadline and output caps
// live here so every call site gets the same truncation semantics. The
// error message never includes the command line; it may carry secrets.
func (c *CLIClient) Exec(ctx context.Context, container string, cmd []string, opts ExecOpts) (*ExecResult, error) {
	args := []string{"exec"}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	for k, v := range opts.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, container)
	args = append(args, cmd...)

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	stdout := newCappedBuffer(opts.MaxOutputBytes)
	stderr := newCappedBuffer(opts.MaxOutputBytes)
	execCmd := exec.CommandContext(runCtx, c.dockerBin, args...)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	start := time.Now()
	runErr := execCmd.Run()
	res := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		res.TimedOut = true
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += fmt.Sprintf("command timed out after %s", opts.Timeout)
		return res, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("docker exec in %s: %w", container, runErr)
	}
	return res, nil
}

// createdAtLayout matches the docker ps CreatedAt column.
const createdAtLayout = "2006-01-02 15:04:05 -0700 MST"

func (c *CLIClient) ListContainers(ctx context.Context, prefix string) ([]ContainerSummary, error) {
	out, err := c.run(ctx, "ps", "-a",
		"--filter", "name="+prefix,
		"--format", "{{.Names}}\t{{.CreatedAt}}\t{{.State}}")
	if err != nil {
		return nil, err
	}
	var list []ContainerSummary
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 || !strings.HasPrefix(fields[0], prefix) {
			continue
		}
		created, err := time.Parse(createdAtLayout, strings.TrimSpace(fields[1]))
		if err != nil {
			continue
		}
		summary := ContainerSummary{Name: fields[0], CreatedAt: created}
		if len(fields) == 3 {
			summary.Running = strings.TrimSpace(fields[2]) == "running"
		}
		list = append(list, summary)
	}
	return list, nil
}

// cappedBuffer stores up to limit bytes and remembers whether more arrived.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
