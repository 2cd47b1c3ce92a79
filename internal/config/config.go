// Package config loads daemon configuration from coding-agent.yaml plus the
// environment. Env names are bound explicitly because they predate this
// implementation and do not share a prefix.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Defaults applied before the config file and environment are read.
const (
	DefaultTaskSource         = "github"
	DefaultLLMProvider        = "ollama"
	DefaultOllamaEndpoint     = "http://localhost:11434"
	DefaultContextLength      = 32768
	DefaultLLMTimeoutSeconds  = 3600
	DefaultLLMMaxRetries      = 3
	DefaultQueueType          = "memory"
	DefaultRabbitMQPort       = 5672
	DefaultExecTimeoutSeconds = 1800
	DefaultMaxOutputBytes     = 1 << 20
	DefaultStaleContainerHrs  = 24
	DefaultCompressThreshold  = 0.7
	DefaultKeepRecentMessages = 5
	DefaultInheritTTLDays     = 90
	DefaultMaxInheritedTokens = 8000
	DefaultCheckInterval      = 5
	DefaultMinCheckSeconds    = 30
	DefaultRulesMaxFileSize   = 32 * 1024
	DefaultRulesMaxTotalSize  = 128 * 1024
)

// Config is the root configuration for both producer and consumer modes.
type Config struct {
	TaskSource string `mapstructure:"task_source" yaml:"task_source"`
	Debug      bool   `mapstructure:"debug" yaml:"debug"`
	LogDir     string `mapstructure:"log_dir" yaml:"log_dir"`

	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	GitHub   TrackerConfig  `mapstructure:"github" yaml:"github"`
	GitLab   TrackerConfig  `mapstructure:"gitlab" yaml:"gitlab"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Contexts ContextConfig  `mapstructure:"contexts" yaml:"contexts"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox" yaml:"sandbox"`
	Control  ControlConfig  `mapstructure:"control" yaml:"control"`
	Ops      OpsConfig      `mapstructure:"ops" yaml:"ops"`
}

// LLMConfig describes the chat model endpoint. Provider-specific env vars
// (OPENAI_*, OLLAMA_*, LMSTUDIO_*) are folded into these fields at load time
// according to the selected provider.
type LLMConfig struct {
	Provider        string `mapstructure:"provider" yaml:"provider"`
	BaseURL         string `mapstructure:"base_url" yaml:"base_url"`
	Model           string `mapstructure:"model" yaml:"model"`
	APIKey          string `mapstructure:"api_key" yaml:"api_key"`
	ContextLength   int    `mapstructure:"context_length" yaml:"context_length"`
	FunctionCalling bool   `mapstructure:"function_calling" yaml:"function_calling"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries      int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// TrackerConfig describes one issue tracker connection. Projects scopes
// GitLab work discovery to the listed numeric project ids; GitHub discovery
// goes through search and ignores it.
type TrackerConfig struct {
	BotName    string   `mapstructure:"bot_name" yaml:"bot_name"`
	Token      string   `mapstructure:"token" yaml:"token"`
	MCPCommand []string `mapstructure:"mcp_command" yaml:"mcp_command"`
	BaseURL    string   `mapstructure:"base_url" yaml:"base_url"`
	Projects   []int    `mapstructure:"projects" yaml:"projects"`
	Labels     Labels   `mapstructure:"labels" yaml:"labels"`
}

// Labels are the well-known tracker labels driving the task lifecycle.
type Labels struct {
	Request    string `mapstructure:"request" yaml:"request"`
	Processing string `mapstructure:"processing" yaml:"processing"`
	Done       string `mapstructure:"done" yaml:"done"`
	Failed     string `mapstructure:"failed" yaml:"failed"`
	Paused     string `mapstructure:"paused" yaml:"paused"`
}

// QueueConfig selects the work queue backend.
type QueueConfig struct {
	Type     string         `mapstructure:"type" yaml:"type"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq" yaml:"rabbitmq"`
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Queue    string `mapstructure:"queue" yaml:"queue"`
}

// URL renders an amqp:// connection string.
func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.User, c.Password, c.Host, c.Port)
}

// DatabaseConfig describes the task database. URL wins over the discrete
// fields when both are present.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Name     string `mapstructure:"name" yaml:"name"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
}

// DSN returns the effective connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Host == "" {
		return ""
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, port, c.Name)
}

// ContextConfig governs the on-disk context store and compression.
type ContextConfig struct {
	BaseDir              string  `mapstructure:"base_dir" yaml:"base_dir"`
	CompressionThreshold float64 `mapstructure:"compression_threshold" yaml:"compression_threshold"`
	KeepRecentMessages   int     `mapstructure:"keep_recent_messages" yaml:"keep_recent_messages"`
	InheritanceTTLDays   int     `mapstructure:"inheritance_ttl_days" yaml:"inheritance_ttl_days"`
	MaxInheritedTokens   int     `mapstructure:"max_inherited_tokens" yaml:"max_inherited_tokens"`
}

// SandboxConfig governs execution containers.
type SandboxConfig struct {
	Environments           map[string]string `mapstructure:"environments" yaml:"environments"`
	DefaultEnvironment     string            `mapstructure:"default_environment" yaml:"default_environment"`
	ExecTimeoutSeconds     int               `mapstructure:"exec_timeout_seconds" yaml:"exec_timeout_seconds"`
	MaxOutputBytes         int               `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	CPULimit               string            `mapstructure:"cpu_limit" yaml:"cpu_limit"`
	MemoryLimit            string            `mapstructure:"memory_limit" yaml:"memory_limit"`
	Network                string            `mapstructure:"network" yaml:"network"`
	StaleThresholdHours    int               `mapstructure:"stale_threshold_hours" yaml:"stale_threshold_hours"`
	CommandExecutorEnabled bool              `mapstructure:"command_executor_enabled" yaml:"command_executor_enabled"`
	TextEditorMCPEnabled   bool              `mapstructure:"text_editor_mcp_enabled" yaml:"text_editor_mcp_enabled"`
	PlaywrightMCPEnabled   bool              `mapstructure:"playwright_mcp_enabled" yaml:"playwright_mcp_enabled"`
	Rules                  RulesConfig       `mapstructure:"rules" yaml:"rules"`
}

// RulesConfig caps how much project-local agent guidance is read from a
// cloned repository.
type RulesConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	MaxFileSize  int  `mapstructure:"max_file_size" yaml:"max_file_size"`
	MaxTotalSize int  `mapstructure:"max_total_size" yaml:"max_total_size"`
}

// ControlConfig governs pause/stop detection.
type ControlConfig struct {
	PauseSignalFile         string `mapstructure:"pause_signal_file" yaml:"pause_signal_file"`
	CheckInterval           int    `mapstructure:"check_interval" yaml:"check_interval"`
	MinCheckIntervalSeconds int    `mapstructure:"min_check_interval_seconds" yaml:"min_check_interval_seconds"`
}

// OpsConfig governs the optional metrics/health HTTP server.
type OpsConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr          string `mapstructure:"addr" yaml:"addr"`
	TraceEndpoint string `mapstructure:"trace_endpoint" yaml:"trace_endpoint"`
}

// Validate checks the combinations a run cannot proceed without.
func (c *Config) Validate() error {
	switch c.TaskSource {
	case "github", "gitlab", "both":
	default:
		return fmt.Errorf("task_source must be github, gitlab, or both, got %q", c.TaskSource)
	}
	switch c.LLM.Provider {
	case "openai", "ollama", "lmstudio":
	default:
		return fmt.Errorf("llm provider must be openai, ollama, or lmstudio, got %q", c.LLM.Provider)
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm base_url is required for provider %s", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	if c.LLM.ContextLength <= 0 {
		return fmt.Errorf("llm context_length must be positive, got %d", c.LLM.ContextLength)
	}
	switch c.Queue.Type {
	case "memory":
	case "rabbitmq":
		if c.Queue.RabbitMQ.Host == "" || c.Queue.RabbitMQ.Queue == "" {
			return fmt.Errorf("rabbitmq queue requires host and queue name")
		}
	default:
		return fmt.Errorf("queue type must be memory or rabbitmq, got %q", c.Queue.Type)
	}
	if c.Contexts.CompressionThreshold <= 0 || c.Contexts.CompressionThreshold >= 1 {
		return fmt.Errorf("compression_threshold must be in (0, 1), got %g", c.Contexts.CompressionThreshold)
	}
	if c.Contexts.KeepRecentMessages < 1 {
		return fmt.Errorf("keep_recent_messages must be at least 1, got %d", c.Contexts.KeepRecentMessages)
	}
	if usesSource(c.TaskSource, "github") && len(c.GitHub.MCPCommand) == 0 {
		return fmt.Errorf("github mcp_command is required when task_source includes github")
	}
	if usesSource(c.TaskSource, "gitlab") && len(c.GitLab.MCPCommand) == 0 {
		return fmt.Errorf("gitlab mcp_command is required when task_source includes gitlab")
	}
	return nil
}

func usesSource(taskSource, source string) bool {
	return taskSource == source || taskSource == "both"
}

// Tracker returns the tracker config for a source family.
func (c *Config) Tracker(source string) TrackerConfig {
	if source == "gitlab" {
		return c.GitLab
	}
	return c.GitHub
}

// ResolveLogDir returns the configured log directory, defaulting to
// ~/.coding-agent/logs.
func (c *Config) ResolveLogDir() string {
	if c.LogDir != "" {
		return c.LogDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "logs"
	}
	return filepath.Join(home, ".coding-agent", "logs")
}

// ResolveContextDir returns the base directory for run contexts, defaulting
// to ./contexts.
func (c *Config) ResolveContextDir() string {
	if c.Contexts.BaseDir != "" {
		return c.Contexts.BaseDir
	}
	return "contexts"
}
