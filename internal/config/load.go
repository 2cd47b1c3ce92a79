package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads .env, the coding-agent.yaml config file, and the environment,
// in increasing precedence, and returns the validated config. path may be
// empty, in which case the file is searched in CWD and $HOME and is optional.
func Load(path string) (*Config, error) {
	// Populate the process env from .env first so the viper bindings below
	// see those values. A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("coding-agent")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if path != "" || !isNotFound(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyProviderEnv(cfg)
	applyCommandEnv(cfg)
	applyQueueResolution(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isNotFound(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}

// setDefaults registers a default for every key, including env-bound ones.
// Viper only surfaces bound env vars through Unmarshal when the key exists,
// so every binding below needs a default here.
func setDefaults(v *viper.Viper) {
	v.SetDefault("task_source", DefaultTaskSource)
	v.SetDefault("debug", false)
	v.SetDefault("log_dir", "")

	v.SetDefault("llm.provider", DefaultLLMProvider)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.context_length", DefaultContextLength)
	v.SetDefault("llm.function_calling", false)
	v.SetDefault("llm.timeout_seconds", DefaultLLMTimeoutSeconds)
	v.SetDefault("llm.max_retries", DefaultLLMMaxRetries)

	for _, tracker := range []string{"github", "gitlab"} {
		v.SetDefault(tracker+".bot_name", "")
		v.SetDefault(tracker+".token", "")
		v.SetDefault(tracker+".base_url", "")
		v.SetDefault(tracker+".labels.request", "coding agent")
		v.SetDefault(tracker+".labels.processing", "coding agent processing")
		v.SetDefault(tracker+".labels.done", "coding agent done")
		v.SetDefault(tracker+".labels.failed", "coding agent failed")
		v.SetDefault(tracker+".labels.paused", "coding agent paused")
	}

	v.SetDefault("queue.type", DefaultQueueType)
	v.SetDefault("queue.rabbitmq.host", "")
	v.SetDefault("queue.rabbitmq.port", DefaultRabbitMQPort)
	v.SetDefault("queue.rabbitmq.user", "guest")
	v.SetDefault("queue.rabbitmq.password", "guest")
	v.SetDefault("queue.rabbitmq.queue", "coding-agent-tasks")

	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "coding_agent")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")

	v.SetDefault("contexts.base_dir", "")
	v.SetDefault("contexts.compression_threshold", DefaultCompressThreshold)
	v.SetDefault("contexts.keep_recent_messages", DefaultKeepRecentMessages)
	v.SetDefault("contexts.inheritance_ttl_days", DefaultInheritTTLDays)
	v.SetDefault("contexts.max_inherited_tokens", DefaultMaxInheritedTokens)

	v.SetDefault("sandbox.environments", map[string]string{
		"python":            "python:3.12-slim",
		"node":              "node:22-slim",
		"miniforge":         "condaforge/miniforge3:latest",
		"python-playwright": "mcr.microsoft.com/playwright/python:v1.48.0-noble",
	})
	v.SetDefault("sandbox.default_environment", "python")
	v.SetDefault("sandbox.exec_timeout_seconds", DefaultExecTimeoutSeconds)
	v.SetDefault("sandbox.max_output_bytes", DefaultMaxOutputBytes)
	v.SetDefault("sandbox.cpu_limit", "2")
	v.SetDefault("sandbox.memory_limit", "4g")
	v.SetDefault("sandbox.network", "bridge")
	v.SetDefault("sandbox.stale_threshold_hours", DefaultStaleContainerHrs)
	v.SetDefault("sandbox.command_executor_enabled", true)
	v.SetDefault("sandbox.text_editor_mcp_enabled", true)
	v.SetDefault("sandbox.playwright_mcp_enabled", false)
	v.SetDefault("sandbox.rules.enabled", true)
	v.SetDefault("sandbox.rules.max_file_size", DefaultRulesMaxFileSize)
	v.SetDefault("sandbox.rules.max_total_size", DefaultRulesMaxTotalSize)

	v.SetDefault("control.pause_signal_file", "")
	v.SetDefault("control.check_interval", DefaultCheckInterval)
	v.SetDefault("control.min_check_interval_seconds", DefaultMinCheckSeconds)

	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.addr", ":9090")
	v.SetDefault("ops.trace_endpoint", "")
}

// bindEnv wires the historical environment names. They predate the yaml
// layout, so each is bound by hand.
func bindEnv(v *viper.Viper) {
	binds := map[string][]string{
		"task_source":                      {"TASK_SOURCE"},
		"debug":                            {"DEBUG"},
		"log_dir":                          {"LOGS"},
		"llm.provider":                     {"LLM_PROVIDER"},
		"llm.function_calling":             {"FUNCTION_CALLING"},
		"github.bot_name":                  {"GITHUB_BOT_NAME"},
		"github.token":                     {"GITHUB_PERSONAL_ACCESS_TOKEN", "GITHUB_TOKEN"},
		"gitlab.bot_name":                  {"GITLAB_BOT_NAME"},
		"gitlab.token":                     {"GITLAB_TOKEN"},
		"queue.rabbitmq.host":              {"RABBITMQ_HOST"},
		"queue.rabbitmq.port":              {"RABBITMQ_PORT"},
		"queue.rabbitmq.user":              {"RABBITMQ_USER"},
		"queue.rabbitmq.password":          {"RABBITMQ_PASSWORD"},
		"queue.rabbitmq.queue":             {"RABBITMQ_QUEUE"},
		"database.url":                     {"DATABASE_URL"},
		"database.host":                    {"DATABASE_HOST"},
		"database.port":                    {"DATABASE_PORT"},
		"database.name":                    {"DATABASE_NAME"},
		"database.user":                    {"DATABASE_USER"},
		"database.password":                {"DATABASE_PASSWORD"},
		"sandbox.command_executor_enabled": {"COMMAND_EXECUTOR_ENABLED"},
		"sandbox.text_editor_mcp_enabled":  {"TEXT_EDITOR_MCP_ENABLED"},
		"sandbox.rules.enabled":            {"PROJECT_AGENT_RULES_ENABLED"},
		"sandbox.rules.max_file_size":      {"PROJECT_AGENT_RULES_MAX_FILE_SIZE"},
		"sandbox.rules.max_total_size":     {"PROJECT_AGENT_RULES_MAX_TOTAL_SIZE"},
	}
	for key, envs := range binds {
		args := append([]string{key}, envs...)
		_ = v.BindEnv(args...)
	}
}

// applyProviderEnv folds the selected provider's env vars into the flat LLM
// fields and fills provider defaults for anything still empty.
func applyProviderEnv(cfg *Config) {
	switch cfg.LLM.Provider {
	case "openai":
		overrideFromEnv(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
		overrideFromEnv(&cfg.LLM.Model, "OPENAI_MODEL")
		overrideFromEnv(&cfg.LLM.APIKey, "OPENAI_API_KEY")
		if cfg.LLM.BaseURL == "" {
			cfg.LLM.BaseURL = "https://api.openai.com/v1"
		}
	case "ollama":
		overrideFromEnv(&cfg.LLM.BaseURL, "OLLAMA_ENDPOINT")
		overrideFromEnv(&cfg.LLM.Model, "OLLAMA_MODEL")
		if cfg.LLM.BaseURL == "" {
			cfg.LLM.BaseURL = DefaultOllamaEndpoint
		}
	case "lmstudio":
		overrideFromEnv(&cfg.LLM.BaseURL, "LMSTUDIO_BASE_URL")
		overrideFromEnv(&cfg.LLM.Model, "LMSTUDIO_MODEL")
		if cfg.LLM.BaseURL == "" {
			cfg.LLM.BaseURL = "http://localhost:1234/v1"
		}
	}
}

// applyCommandEnv parses the MCP launch command env vars, which carry a full
// command line in one variable, and the comma-separated GitLab project scope.
func applyCommandEnv(cfg *Config) {
	if raw := os.Getenv("GITHUB_MCP_COMMAND"); raw != "" {
		cfg.GitHub.MCPCommand = strings.Fields(raw)
	}
	if raw := os.Getenv("GITLAB_MCP_COMMAND"); raw != "" {
		cfg.GitLab.MCPCommand = strings.Fields(raw)
	}
	if raw := os.Getenv("GITLAB_PROJECT_IDS"); raw != "" {
		var ids []int
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err == nil && id > 0 {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			cfg.GitLab.Projects = ids
		}
	}
}

// applyQueueResolution upgrades the default in-memory queue to RabbitMQ when
// broker coordinates arrived via env.
func applyQueueResolution(cfg *Config) {
	if cfg.Queue.Type == DefaultQueueType && cfg.Queue.RabbitMQ.Host != "" {
		cfg.Queue.Type = "rabbitmq"
	}
}

func overrideFromEnv(field *string, env string) {
	if v := os.Getenv(env); v != "" {
		*field = v
	}
}
