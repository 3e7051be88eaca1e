package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/eventcast/internal/ratelimit"
	"github.com/foxzi/eventcast/internal/sandbox"
	"github.com/foxzi/eventcast/internal/schedule"
	"github.com/foxzi/eventcast/internal/sender"
)

// Config is the main configuration structure
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sender    SenderConfig    `yaml:"sender"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig points at the SQLite campaign store
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StateConfig points at the bbolt file holding rate limit counters and
// sandbox captures
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig contains HTTP trigger API settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// WorkerConfig tunes job processing
type WorkerConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchPause   time.Duration `yaml:"batch_pause"`
	StaleAfter   time.Duration `yaml:"stale_after"` // negative disables stale job recovery
	StoreRetries int           `yaml:"store_retries"`
	RetryBase    time.Duration `yaml:"retry_base"`
}

// SchedulerConfig controls the periodic trigger of the serve command
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Cron spec for running the next pending job, e.g. "@every 30s"
	WorkerSpec string `yaml:"worker_spec"`
	// Cron spec for firing due automations and follow-ups
	TriggerSpec  string                `yaml:"trigger_spec"`
	MissedPolicy schedule.MissedPolicy `yaml:"missed_policy"` // skip, fire
}

// SenderConfig configures outbound transports
type SenderConfig struct {
	Email   *EmailConfig   `yaml:"email,omitempty"`
	SMS     *SMSConfig     `yaml:"sms,omitempty"`
	Sandbox *SandboxConfig `yaml:"sandbox,omitempty"`
}

// EmailConfig enables SMTP delivery with optional DKIM signing
type EmailConfig struct {
	Enabled            bool        `yaml:"enabled"`
	sender.EmailConfig `yaml:",inline"`
	DKIM               *DKIMConfig `yaml:"dkim,omitempty"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// SMSConfig enables Twilio delivery
type SMSConfig struct {
	Enabled          bool `yaml:"enabled"`
	sender.SMSConfig `yaml:",inline"`
}

// SandboxConfig routes every channel through the sandbox sender
type SandboxConfig struct {
	Enabled        bool `yaml:"enabled"`
	sandbox.Config `yaml:",inline"`
	// Captured messages older than this are removed by cleanup (0 = keep)
	Retention time.Duration `yaml:"retention"`
}

// RateLimitConfig contains provider cap settings
type RateLimitConfig struct {
	Enabled          bool `yaml:"enabled"`
	ratelimit.Config `yaml:",inline"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`      // Default: :9090
	Path            string        `yaml:"path"`             // Default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval"` // Default: 15s
	AllowedIPs      []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file. A .env file next to the
// working directory is loaded first and ${VAR} references in the file are
// expanded from the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses, defaults and validates a YAML document
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/eventcast/eventcast.db"
	}
	if c.State.Path == "" {
		c.State.Path = "/var/lib/eventcast/state.db"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 50
	}
	if c.Worker.BatchPause == 0 {
		c.Worker.BatchPause = time.Second
	}
	if c.Worker.StaleAfter == 0 {
		c.Worker.StaleAfter = 10 * time.Minute
	}
	if c.Worker.StoreRetries == 0 {
		c.Worker.StoreRetries = 5
	}
	if c.Worker.RetryBase == 0 {
		c.Worker.RetryBase = 200 * time.Millisecond
	}

	if c.Scheduler.WorkerSpec == "" {
		c.Scheduler.WorkerSpec = "@every 30s"
	}
	if c.Scheduler.TriggerSpec == "" {
		c.Scheduler.TriggerSpec = "@every 1m"
	}
	if c.Scheduler.MissedPolicy == "" {
		c.Scheduler.MissedPolicy = schedule.MissedSkip
	}

	if e := c.Sender.Email; e != nil {
		if e.Port == 0 {
			e.Port = 587
		}
		if e.Timeout == 0 {
			e.Timeout = 30 * time.Second
		}
	}
	if s := c.Sender.SMS; s != nil && s.Timeout == 0 {
		s.Timeout = 15 * time.Second
	}
	if sb := c.Sender.Sandbox; sb != nil && sb.Mode == "" {
		sb.Mode = sandbox.ModeCapture
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 15 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("worker.batch_size must be positive")
	}
	if c.Worker.BatchPause < 0 {
		return fmt.Errorf("worker.batch_pause must not be negative")
	}

	switch c.Scheduler.MissedPolicy {
	case schedule.MissedSkip, schedule.MissedFire:
	default:
		return fmt.Errorf("scheduler.missed_policy must be one of: skip, fire")
	}
	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.WorkerSpec); err != nil {
			return fmt.Errorf("scheduler.worker_spec: %w", err)
		}
		if _, err := cron.ParseStandard(c.Scheduler.TriggerSpec); err != nil {
			return fmt.Errorf("scheduler.trigger_spec: %w", err)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if err := c.validateSenders(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateSenders() error {
	if e := c.Sender.Email; e != nil && e.Enabled {
		if e.Host == "" {
			return fmt.Errorf("sender.email.host is required when email is enabled")
		}
		if e.From == "" {
			return fmt.Errorf("sender.email.from is required when email is enabled")
		}
		if d := e.DKIM; d != nil && d.Enabled {
			if d.Domain == "" || d.Selector == "" || d.KeyFile == "" {
				return fmt.Errorf("sender.email.dkim requires domain, selector and key_file when enabled")
			}
		}
	}

	if s := c.Sender.SMS; s != nil && s.Enabled {
		if s.AccountSID == "" || s.AuthToken == "" {
			return fmt.Errorf("sender.sms.account_sid and auth_token are required when sms is enabled")
		}
		if s.From == "" {
			return fmt.Errorf("sender.sms.from is required when sms is enabled")
		}
	}

	if sb := c.Sender.Sandbox; sb != nil && sb.Enabled {
		switch sb.Mode {
		case sandbox.ModeCapture:
		case sandbox.ModeRedirect:
			if len(sb.RedirectTo) == 0 {
				return fmt.Errorf("sender.sandbox.redirect_to is required when mode is redirect")
			}
		default:
			return fmt.Errorf("sender.sandbox.mode must be one of: capture, redirect")
		}
		if sb.ErrorProbability < 0 || sb.ErrorProbability > 1 {
			return fmt.Errorf("sender.sandbox.error_probability must be between 0 and 1")
		}
	}

	return nil
}

// EmailEnabled reports whether SMTP delivery is configured
func (c *Config) EmailEnabled() bool {
	return c.Sender.Email != nil && c.Sender.Email.Enabled
}

// SMSEnabled reports whether SMS delivery is configured
func (c *Config) SMSEnabled() bool {
	return c.Sender.SMS != nil && c.Sender.SMS.Enabled
}

// SandboxEnabled reports whether messages are intercepted by the sandbox
func (c *Config) SandboxEnabled() bool {
	return c.Sender.Sandbox != nil && c.Sender.Sandbox.Enabled
}
