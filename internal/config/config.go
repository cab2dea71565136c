// Package config loads the server configuration: YAML or JSON5, environment
// variable expansion, $include composition, unknown-field rejection, and a
// generated JSON Schema for editor tooling.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Data      DataConfig      `yaml:"data"`
	LLM       LLMConfig       `yaml:"llm"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Agent     AgentConfig     `yaml:"agent"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	// AdminPassword seeds the default admin on first start; when empty a
	// random password is generated and logged once.
	AdminPassword string `yaml:"admin_password"`
}

type DataConfig struct {
	// Dir holds session JSON files, the reserved singletons, and task
	// working directories.
	Dir          string `yaml:"dir"`
	ToolsFile    string `yaml:"tools_file"`
	PlaybooksDir string `yaml:"playbooks_dir"`
	HistoryDB    string `yaml:"history_db"`
}

type LLMConfig struct {
	Provider   string        `yaml:"provider"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	MaxTokens  int           `yaml:"max_tokens"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ExecutorConfig struct {
	// Timeout bounds a single tool run unless the request overrides it.
	Timeout time.Duration `yaml:"timeout"`
}

type AgentConfig struct {
	MaxSteps             int           `yaml:"max_steps"`
	HistoryWindow        int           `yaml:"history_window"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	TaskWait             time.Duration `yaml:"task_wait"`
	StepApprovalTimeout  time.Duration `yaml:"step_approval_timeout"`
	ScopeApprovalTimeout time.Duration `yaml:"scope_approval_timeout"`
}

type SchedulerConfig struct {
	// Disabled turns the schedule fire loop off; CRUD stays available.
	Disabled     bool          `yaml:"disabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads and strictly decodes the configuration at path, then applies
// defaults and validates.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 12 * time.Hour
	}
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = "data"
	}
	if cfg.Data.ToolsFile == "" {
		cfg.Data.ToolsFile = "configs/tool_definitions.yaml"
	}
	if cfg.Data.PlaybooksDir == "" {
		cfg.Data.PlaybooksDir = "configs/playbooks"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 2
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 120 * time.Second
	}
	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = 300 * time.Second
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 10
	}
	if cfg.Agent.HistoryWindow == 0 {
		cfg.Agent.HistoryWindow = 50
	}
	if cfg.Agent.PollInterval == 0 {
		cfg.Agent.PollInterval = time.Second
	}
	if cfg.Agent.TaskWait == 0 {
		cfg.Agent.TaskWait = 600 * time.Second
	}
	if cfg.Agent.StepApprovalTimeout == 0 {
		cfg.Agent.StepApprovalTimeout = 600 * time.Second
	}
	if cfg.Agent.ScopeApprovalTimeout == 0 {
		cfg.Agent.ScopeApprovalTimeout = 90 * time.Second
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider %q not supported (anthropic, openai)", c.LLM.Provider)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate %v out of range [0,1]", c.Tracing.SamplingRate)
	}
	return nil
}
