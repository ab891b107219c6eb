// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	Listen    string         `yaml:"listen"`
	DBPath    string         `yaml:"db_path"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	Ledger    LedgerConfig   `yaml:"ledger"`
	Webhook   WebhookConfig  `yaml:"webhook"`
	Auth      AuthConfig     `yaml:"auth"`
	Admin     AdminConfig    `yaml:"admin"`
	CORS      CORSConfig     `yaml:"cors"`
	Budget    BudgetConfig   `yaml:"budget"`
	Shutdown  ShutdownConfig `yaml:"shutdown"`
}

// LedgerConfig controls conflict retries.
type LedgerConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// WebhookConfig holds the shared secret for payment webhook signatures.
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// AuthConfig names the header the identity gateway sets after authenticating.
type AuthConfig struct {
	Header string `yaml:"header"`
}

// AdminConfig protects /api/admin. An empty token disables the admin routes.
type AdminConfig struct {
	Token string `yaml:"token"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BudgetConfig sets default limits and the background check.
type BudgetConfig struct {
	WindowDays              int           `yaml:"window_days"`
	DefaultLimitSeconds     int64         `yaml:"default_limit_seconds"`
	WarningThresholdPercent int           `yaml:"warning_threshold_percent"`
	CheckInterval           time.Duration `yaml:"check_interval"`
	SchedulerEnabled        bool          `yaml:"scheduler_enabled"`
	EvaluateOnDebit         bool          `yaml:"evaluate_on_debit"`
}

type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:    ":8080",
		DBPath:    "./data/credits.db",
		LogLevel:  "info",
		LogFormat: "json",
		Ledger: LedgerConfig{
			MaxAttempts:    3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
		Auth: AuthConfig{
			Header: "X-Principal-ID",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Budget: BudgetConfig{
			WindowDays:              30,
			WarningThresholdPercent: 80,
			CheckInterval:           time.Hour,
			SchedulerEnabled:        true,
		},
		Shutdown: ShutdownConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must not be empty"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or console (got %q)", c.LogFormat))
	}
	if c.Ledger.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ledger.max_attempts must be at least 1 (got %d)", c.Ledger.MaxAttempts))
	}
	if c.Ledger.InitialBackoff <= 0 || c.Ledger.MaxBackoff < c.Ledger.InitialBackoff {
		errs = append(errs, errors.New("ledger backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if c.Auth.Header == "" {
		errs = append(errs, errors.New("auth.header must not be empty"))
	}
	if c.Budget.WindowDays <= 0 {
		errs = append(errs, fmt.Errorf("budget.window_days must be positive (got %d)", c.Budget.WindowDays))
	}
	if c.Budget.DefaultLimitSeconds < 0 {
		errs = append(errs, errors.New("budget.default_limit_seconds must not be negative"))
	}
	if p := c.Budget.WarningThresholdPercent; p < 0 || p > 100 {
		errs = append(errs, fmt.Errorf("budget.warning_threshold_percent must be in [0, 100] (got %d)", p))
	}
	if c.Budget.SchedulerEnabled && c.Budget.CheckInterval <= 0 {
		errs = append(errs, errors.New("budget.check_interval must be positive when the scheduler is enabled"))
	}
	return errors.Join(errs...)
}
