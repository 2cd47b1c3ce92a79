package sandbox

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/logging"
)

// ContainerPrefix names every task container; the stale sweep keys on it.
const ContainerPrefix = "coding-agent-exec-"

const (
	projectDir     = "/workspace/project"
	removeAttempts = 3
)

var removeBackoff = time.Second

// ContainerName returns the container name for a task run.
func ContainerName(taskUUID string) string {
	return ContainerPrefix + taskUUID
}

// PrepareSpec describes what a task container needs. CloneToken is a secret
// and must never reach logs or error messages.
type PrepareSpec struct {
	TaskUUID    string
	Environment string
	CloneURL    string // https URL without credentials
	CloneUser   string // e.g. x-access-token (GitHub) or oauth2 (GitLab)
	CloneToken  string
	Branch      string // source branch for PR/MR tasks, empty otherwise
}

// ContainerInfo describes a prepared container.
type ContainerInfo struct {
	ContainerID   string
	TaskUUID      string
	Environment   string
	WorkspacePath string
	Status        string
}

// installer maps a manifest file to its dependency install command.
type installer struct {
	manifest string
	command  string
}

// Checked in order; several may apply to one repository.
var installers = []installer{
	{"package.json", "npm install"},
	{"requirements.txt", "pip install -r requirements.txt"},
	{"environment.yml", "mamba env update -f environment.yml"},
	{"go.mod", "go mod download"},
	{"pom.xml", "mvn -B dependency:resolve"},
	{"Gemfile", "bundle install"},
}

// Rule files read from a cloned repository root, in priority order.
var ruleFiles = []string{"AGENTS.md", "CLAUDE.md", ".cursorrules"}

// Manager prepares, drives, and disposes task containers. It is stateless
// across tasks; the caller owns Cleanup even when Prepare fails.
type Manager struct {
	docker  Client
	catalog *Catalog
	cfg     config.SandboxConfig
	logger  logging.Logger
}

func NewManager(client Client, cfg config.SandboxConfig, logger logging.Logger) *Manager {
	logger = logging.OrNop(logger)
	return &Manager{
		docker:  client,
		catalog: NewCatalog(cfg, logger),
		cfg:     cfg,
		logger:  logger,
	}
}

// Prepare creates and provisions the container for one task run: remove any
// residual container of the same name, create and start a fresh one, make
// sure git exists, clone the repository, and install its dependencies.
func (m *Manager) Prepare(ctx context.Context, spec PrepareSpec) (*ContainerInfo, error) {
	envName, image := m.catalog.Select(spec.Environment)
	if image == "" {
		return nil, fmt.Errorf("no container image configured for environment %q", envName)
	}
	name := ContainerName(spec.TaskUUID)

	if exists, err := m.docker.ContainerExists(ctx, name); err == nil && exists {
		m.logger.Warn("removing residual container %s", name)
		if err := m.removeWithRetry(ctx, name); err != nil {
			return nil, fmt.Errorf("remove residual container: %w", err)
		}
	}

	create := CreateOpts{
		Name:    name,
		Image:   image,
		CPUs:    m.cfg.CPULimit,
		Memory:  m.cfg.MemoryLimit,
		Network: m.cfg.Network,
		WorkDir: "/workspace",
		Labels:  map[string]string{"coding-agent.task": spec.TaskUUID},
		Command: []string{"sleep", "infinity"},
	}
	if err := m.docker.ContainerCreate(ctx, create); err != nil {
		return nil, fmt.Errorf("create container %s: %w", name, err)
	}
	if err := m.docker.ContainerStart(ctx, name); err != nil {
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}

	info := &ContainerInfo{
		ContainerID:   name,
		TaskUUID:      spec.TaskUUID,
		Environment:   envName,
		WorkspacePath: projectDir,
		Status:        "running",
	}

	m.ensureGit(ctx, name)
	if spec.CloneURL != "" {
		if err := m.cloneProject(ctx, name, spec); err != nil {
			return nil, err
		}
		m.installDependencies(ctx, name)
	}
	return info, nil
}

// ensureGit installs git when the image ships without it. Failure is a
// warning; the clone attempt produces the actionable error.
func (m *Manager) ensureGit(ctx context.Context, container string) {
	if res, err := m.exec(ctx, container, "", "command -v git"); err == nil && res.ExitCode == 0 {
		return
	}
	m.logger.Info("installing git in %s", container)
	for _, attempt := range []string{
		"apt-get update -qq && apt-get install -y -qq git",
		"apk add --no-cache git",
	} {
		if res, err := m.exec(ctx, container, "", attempt); err == nil && res.ExitCode == 0 {
			return
		}
	}
	m.logger.Warn("could not install git in %s", container)
}

// cloneProject performs a shallow clone into /workspace/project. The
// authenticated URL never reaches logs; stderr is redacted before wrapping.
func (m *Manager) cloneProject(ctx context.Context, container string, spec PrepareSpec) error {
	cloneURL, err := authenticatedURL(spec.CloneURL, spec.CloneUser, spec.CloneToken)
	if err != nil {
		return fmt.Errorf("clone url: %w", err)
	}
	cmd := "git clone --depth 1"
	if spec.Branch != "" {
		cmd += " --branch " + shellQuote(spec.Branch)
	}
	cmd += " " + shellQuote(cloneURL) + " " + projectDir
	res, execErr := m.exec(ctx, container, "/workspace", cmd)
	if execErr != nil {
		return fmt.Errorf("clone repository: %w", execErr)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("clone repository: %s", redact(res.Stderr, spec.CloneToken))
	}
	return nil
}

// installDependencies runs the install command for every manifest present.
// Failures are warnings; the task may not need the broken toolchain.
func (m *Manager) installDependencies(ctx context.Context, container string) {
	for _, inst := range installers {
		res, err := m.exec(ctx, container, projectDir, "test -f "+inst.manifest)
		if err != nil || res.ExitCode != 0 {
			continue
		}
		m.logger.Info("installing dependencies: %s", inst.command)
		res, err = m.exec(ctx, container, projectDir, inst.command)
		if err != nil {
			m.logger.Warn("%s: %v", inst.command, err)
			continue
		}
		if res.ExitCode != 0 {
			m.logger.Warn("%s exited %d: %s", inst.command, res.ExitCode, firstLine(res.Stderr))
		}
	}
}

// Execute runs one shell command in the project directory under the
// configured timeout and output caps.
func (m *Manager) Execute(ctx context.Context, containerID, command string) (*ExecResult, error) {
	return m.exec(ctx, containerID, projectDir, command)
}

func (m *Manager) exec(ctx context.Context, container, workdir, command string) (*ExecResult, error) {
	return m.docker.Exec(ctx, container, []string{"sh", "-c", command}, ExecOpts{
		WorkDir:        workdir,
		Timeout:        m.execTimeout(),
		MaxOutputBytes: m.maxOutputBytes(),
	})
}

func (m *Manager) execTimeout() time.Duration {
	if m.cfg.ExecTimeoutSeconds > 0 {
		return time.Duration(m.cfg.ExecTimeoutSeconds) * time.Second
	}
	return time.Duration(config.DefaultExecTimeoutSeconds) * time.Second
}

func (m *Manager) maxOutputBytes() int {
	if m.cfg.MaxOutputBytes > 0 {
		return m.cfg.MaxOutputBytes
	}
	return config.DefaultMaxOutputBytes
}

// MCPServers returns the launch commands for in-container MCP servers,
// keyed by server name. The caller owns the resulting subprocesses.
func (m *Manager) MCPServers(containerID string) map[string][]string {
	servers := map[string][]string{}
	if m.cfg.TextEditorMCPEnabled {
		servers["text-editor"] = []string{"docker", "exec", "-i", containerID, "uvx", "mcp-text-editor"}
	}
	if m.cfg.PlaywrightMCPEnabled {
		servers["playwright"] = []string{"docker", "exec", "-i", containerID, "npx", "-y", "@playwright/mcp@latest", "--headless"}
	}
	return servers
}

// ProjectRules reads agent rule files from the cloned repository root,
// capped per file and in aggregate, for inclusion in prompt context.
func (m *Manager) ProjectRules(ctx context.Context, containerID string) string {
	if !m.cfg.Rules.Enabled {
		return ""
	}
	maxFile := m.cfg.Rules.MaxFileSize
	if maxFile <= 0 {
		maxFile = config.DefaultRulesMaxFileSize
	}
	maxTotal := m.cfg.Rules.MaxTotalSize
	if maxTotal <= 0 {
		maxTotal = config.DefaultRulesMaxTotalSize
	}
	var b strings.Builder
	total := 0
	for _, file := range ruleFiles {
		res, err := m.exec(ctx, containerID, projectDir, fmt.Sprintf("head -c %d %s", maxFile, file))
		if err != nil || res.ExitCode != 0 {
			continue
		}
		text := strings.TrimSpace(res.Stdout)
		if text == "" {
			continue
		}
		if total+len(text) > maxTotal {
			room := maxTotal - total
			if room <= 0 {
				break
			}
			text = text[:room]
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", file, text)
		total += len(text)
	}
	return strings.TrimSpace(b.String())
}

// Cleanup removes the task container. The rm is forced and retried; a
// container that refuses to die is left for the stale sweep.
func (m *Manager) Cleanup(ctx context.Context, taskUUID string) error {
	return m.removeWithRetry(ctx, ContainerName(taskUUID))
}

func (m *Manager) removeWithRetry(ctx context.Context, name string) error {
	var err error
	for attempt := 1; attempt <= removeAttempts; attempt++ {
		if err = m.docker.ContainerRemove(ctx, name); err == nil {
			return nil
		}
		if attempt < removeAttempts {
			select {
			case <-time.After(removeBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("remove container %s: %w", name, err)
}

// SweepStale removes task containers older than the threshold, catching
// leftovers from crashed consumers. Returns the number removed.
func (m *Manager) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	list, err := m.docker.ListContainers(ctx, ContainerPrefix)
	if err != nil {
		return 0, fmt.Errorf("list task containers: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, c := range list {
		if !c.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.docker.ContainerRemove(ctx, c.Name); err != nil {
			m.logger.Warn("sweep %s: %v", c.Name, err)
			continue
		}
		m.logger.Info("swept stale container %s (created %s)", c.Name, c.CreatedAt.Format(time.RFC3339))
		removed++
	}
	return removed, nil
}

// authenticatedURL injects credentials into an https clone URL.
func authenticatedURL(raw, user, token string) (string, error) {
	if token == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("clone url must be http(s), got %q", u.Scheme)
	}
	if user == "" {
		user = "oauth2"
	}
	u.User = url.UserPassword(user, token)
	return u.String(), nil
}

// redact masks a secret everywhere it appears, including URL-encoded.
func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	s = strings.ReplaceAll(s, secret, "***")
	if escaped := url.QueryEscape(secret); escaped != secret {
		s = strings.ReplaceAll(s, escaped, "***")
	}
	return s
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
