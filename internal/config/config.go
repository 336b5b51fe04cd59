package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models .mendline/config.yaml.
type Config struct {
	Agent struct {
		Enabled            bool          `yaml:"enabled"`
		Interval           time.Duration `yaml:"interval"`
		MaxSignalsPerBatch int           `yaml:"max_signals_per_batch"`
		PatternThreshold   int           `yaml:"pattern_threshold"`
		Window             time.Duration `yaml:"window"`
		MaxConcurrency     int           `yaml:"max_concurrency"`
	} `yaml:"agent"`
	Reasoner struct {
		Provider          string        `yaml:"provider"`
		Model             string        `yaml:"model"`
		BaseURL           string        `yaml:"base_url"`
		APIKeyEnv         string        `yaml:"api_key_env"`
		Timeout           time.Duration `yaml:"timeout"`
		MaxContextSignals int           `yaml:"max_context_signals"`
		MaxContentChars   int           `yaml:"max_content_chars"`
		Temperature       float32       `yaml:"temperature"`
	} `yaml:"reasoner"`
	Decider struct {
		AutoApproveThreshold    float64 `yaml:"auto_approve_threshold"`
		EscalationFloor         float64 `yaml:"escalation_floor"`
		MediumRiskApprovalCount int     `yaml:"medium_risk_approval_count"`
		EscalationApprovalCount int     `yaml:"escalation_approval_count"`
		VerifyStep              bool    `yaml:"verify_step"`
	} `yaml:"decider"`
	Executor struct {
		MaxAttempts    int           `yaml:"max_attempts"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
		StepTimeout    time.Duration `yaml:"step_timeout"`
		AutoRollback   bool          `yaml:"auto_rollback"`
	} `yaml:"executor"`
	Audit struct {
		RetryAttempts int           `yaml:"retry_attempts"`
		RetryBackoff  time.Duration `yaml:"retry_backoff"`
	} `yaml:"audit"`
	Bus struct {
		Buffer       int    `yaml:"buffer"`
		RedisURL     string `yaml:"redis_url"`
		RedisChannel string `yaml:"redis_channel"`
	} `yaml:"bus"`
	Target struct {
		Kind     string        `yaml:"kind"`
		BaseURL  string        `yaml:"base_url"`
		TokenEnv string        `yaml:"token_env"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"target"`
	Server struct {
		Addr          string   `yaml:"addr"`
		BasePath      string   `yaml:"base_path"`
		RatePerSecond float64  `yaml:"rate_per_second"`
		RateBurst     int      `yaml:"rate_burst"`
		AllowOrigins  []string `yaml:"allow_origins"`
	} `yaml:"server"`
	Auth struct {
		Mode             string `yaml:"mode"`
		JWTSecretEnv     string `yaml:"jwt_secret_env"`
		WebhookSecretEnv string `yaml:"webhook_secret_env"`
	} `yaml:"auth"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// WebhookConfig describes an outbound subscriber for audit events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace, falling back to defaults when absent.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.Interval <= 0 {
		return fmt.Errorf("config.agent.interval must be positive")
	}
	if c.Agent.MaxSignalsPerBatch <= 0 {
		return fmt.Errorf("config.agent.max_signals_per_batch must be positive")
	}
	if c.Agent.PatternThreshold < 1 {
		return fmt.Errorf("config.agent.pattern_threshold must be at least 1")
	}
	if c.Agent.Window <= 0 {
		return fmt.Errorf("config.agent.window must be positive")
	}
	switch c.Reasoner.Provider {
	case "openai", "rules":
	default:
		return fmt.Errorf("config.reasoner.provider must be openai or rules, got %q", c.Reasoner.Provider)
	}
	if c.Reasoner.Timeout <= 0 {
		return fmt.Errorf("config.reasoner.timeout must be positive")
	}
	d := c.Decider
	if d.AutoApproveThreshold <= 0 || d.AutoApproveThreshold > 1 {
		return fmt.Errorf("config.decider.auto_approve_threshold must be in (0,1]")
	}
	if d.EscalationFloor < 0 || d.EscalationFloor >= d.AutoApproveThreshold {
		return fmt.Errorf("config.decider.escalation_floor must be in [0, auto_approve_threshold)")
	}
	if d.MediumRiskApprovalCount < 1 || d.EscalationApprovalCount < 1 {
		return fmt.Errorf("config.decider approval counts must be at least 1")
	}
	if c.Executor.MaxAttempts < 1 {
		return fmt.Errorf("config.executor.max_attempts must be at least 1")
	}
	if c.Executor.StepTimeout <= 0 {
		return fmt.Errorf("config.executor.step_timeout must be positive")
	}
	switch c.Target.Kind {
	case "memory":
	case "http":
		if strings.TrimSpace(c.Target.BaseURL) == "" {
			return fmt.Errorf("config.target.base_url is required for kind http")
		}
	default:
		return fmt.Errorf("config.target.kind must be http or memory, got %q", c.Target.Kind)
	}
	switch c.Auth.Mode {
	case "none", "token":
	default:
		return fmt.Errorf("config.auth.mode must be none or token, got %q", c.Auth.Mode)
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Permissions resolves the permission set granted by the given roles.
func (c *Config) Permissions(roles []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range roles {
		role, ok := c.RBAC.Roles[r]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".mendline", "config.yaml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `agent:
  enabled: true
  interval: 5s
  max_signals_per_batch: 50
  pattern_threshold: 2
  window: 1h
  max_concurrency: 4

reasoner:
  # openai uses any OpenAI-compatible chat completion endpoint; rules never calls out.
  provider: openai
  model: llama-3.3-70b-versatile
  base_url: https://api.groq.com/openai/v1
  api_key_env: MENDLINE_LLM_API_KEY
  timeout: 8s
  max_context_signals: 10
  max_content_chars: 500
  temperature: 0.1

decider:
  auto_approve_threshold: 0.9
  escalation_floor: 0.5
  medium_risk_approval_count: 1
  escalation_approval_count: 2
  verify_step: true

executor:
  max_attempts: 3
  initial_backoff: 500ms
  max_backoff: 5s
  step_timeout: 10s
  auto_rollback: true

audit:
  retry_attempts: 5
  retry_backoff: 50ms

bus:
  buffer: 64
  redis_url: ""
  redis_channel: mendline.events

target:
  # memory records actions without side effects.
  kind: memory
  base_url: ""
  token_env: MENDLINE_TARGET_TOKEN
  timeout: 10s

server:
  addr: 127.0.0.1:8080
  base_path: ""
  rate_per_second: 20
  rate_burst: 40

auth:
  # none trusts every caller as the local admin; token requires a JWT or API key.
  mode: none
  jwt_secret_env: MENDLINE_JWT_SECRET
  webhook_secret_env: MENDLINE_WEBHOOK_SECRET

rbac:
  roles:
    viewer:
      description: "Read issues, workflows, audit and stats"
      permissions: [signals.read, issues.read, workflows.read, audit.read, stats.read]
    operator:
      description: "Viewer plus ingest, pause and resume"
      permissions: [signals.read, signals.write, issues.read, workflows.read, audit.read, stats.read, workflows.pause, workflows.resume, agent.run]
    approver:
      description: "Operator plus approvals, rejections, rollback, step skips and agent start/stop"
      permissions: [signals.read, signals.write, issues.read, workflows.read, audit.read, stats.read, workflows.pause, workflows.resume, agent.run, workflows.approve, workflows.reject, workflows.rollback, steps.approve, steps.skip, agent.control]
    admin:
      description: "Everything"
      permissions: ["*"]

webhooks: []

log:
  level: info
  # auto picks text on a terminal and json otherwise.
  format: auto
`
