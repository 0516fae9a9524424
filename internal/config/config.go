package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models reviewline.yml.
type Config struct {
	Server struct {
		Addr                  string `yaml:"addr"`
		JWTSecret             string `yaml:"jwt_secret"`
		AllowLegacyUserHeader bool   `yaml:"allow_legacy_user_header"`
	} `yaml:"server"`
	Archive struct {
		BaseURL        string `yaml:"base_url"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"archive"`
	Notifications []NotificationTarget `yaml:"notifications"`
	Workflow      struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		DepositMaxAttempts  int `yaml:"deposit_max_attempts"`
		BackoffInitialMS    int `yaml:"backoff_initial_ms"`
		BackoffMaxMS        int `yaml:"backoff_max_ms"`
	} `yaml:"workflow"`
}

// NotificationTarget is one downstream system to tell about a publication.
// Disabled targets are skipped and logged, never treated as failures.
type NotificationTarget struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // community-channel or origin-server
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

func (t NotificationTarget) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Archive.BaseURL == "" {
		return fmt.Errorf("config.archive.base_url is required")
	}
	for i, t := range c.Notifications {
		if t.Name == "" {
			return fmt.Errorf("config.notifications[%d].name is required", i)
		}
		if t.Kind != "community-channel" && t.Kind != "origin-server" {
			return fmt.Errorf("notification %s has unknown kind %q", t.Name, t.Kind)
		}
		if t.URL == "" && t.IsEnabled() {
			return fmt.Errorf("notification %s is enabled without a url", t.Name)
		}
	}
	if c.Workflow.DepositMaxAttempts < 0 {
		return fmt.Errorf("config.workflow.deposit_max_attempts must not be negative")
	}
	return nil
}

// PollInterval returns the worker poll interval with the default applied.
func (c *Config) PollInterval() time.Duration {
	if c.Workflow.PollIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Workflow.PollIntervalSeconds) * time.Second
}

// DepositMaxAttempts returns the bounded retry count for the deposit activity.
func (c *Config) DepositMaxAttempts() int {
	if c.Workflow.DepositMaxAttempts <= 0 {
		return 5
	}
	return c.Workflow.DepositMaxAttempts
}

// BackoffBounds returns the initial and maximum retry intervals.
func (c *Config) BackoffBounds() (time.Duration, time.Duration) {
	initial := 500 * time.Millisecond
	max := 30 * time.Second
	if c.Workflow.BackoffInitialMS > 0 {
		initial = time.Duration(c.Workflow.BackoffInitialMS) * time.Millisecond
	}
	if c.Workflow.BackoffMaxMS > 0 {
		max = time.Duration(c.Workflow.BackoffMaxMS) * time.Millisecond
	}
	return initial, max
}

// ArchiveTimeout returns the deposit HTTP timeout with the default applied.
func (c *Config) ArchiveTimeout() time.Duration {
	if c.Archive.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Archive.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config suitable for local use against a sandbox archive.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err)
	}
	return cfg
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  allow_legacy_user_header: true

archive:
  base_url: https://sandbox.archive.example/api
  timeout_seconds: 10

notifications:
  - name: community-slack
    kind: community-channel
    url: https://hooks.example/community
  - name: origin-inbox
    kind: origin-server
    url: https://origin.example/inbox
    enabled: false

workflow:
  poll_interval_seconds: 2
  deposit_max_attempts: 5
  backoff_initial_ms: 500
  backoff_max_ms: 30000
`
