// Package config loads the vcfbot YAML configuration.
//
// Load starts from Default, overlays the file (when it exists) and then the
// VCFBOT_* environment variables, and validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full vcfbot configuration.
type Config struct {
	DBPath    string          `yaml:"db_path"`
	WorkDir   string          `yaml:"work_dir"`
	LogLevel  string          `yaml:"log_level"`
	OwnerID   string          `yaml:"owner_id"`
	HTTP      HTTPConfig      `yaml:"http"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Limits    LimitsConfig    `yaml:"limits"`
	Retention RetentionConfig `yaml:"retention"`
	Session   SessionConfig   `yaml:"session"`
}

// HTTPConfig configures the admin HTTP server.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
	MCP  bool   `yaml:"mcp"`  // serve the engine tools on /mcp
	// AdminSecret signs the bearer tokens of /api. Empty leaves /api
	// unmounted.
	AdminSecret string `yaml:"admin_secret"`
}

// TelegramConfig configures the Bot API channel bootstrapped by serve.
type TelegramConfig struct {
	Token       string        `yaml:"token"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// LimitsConfig bounds user input.
type LimitsConfig struct {
	MaxFileBytes    int64 `yaml:"max_file_bytes"`
	PreviewContacts int   `yaml:"preview_contacts"`
	MaxMergeFiles   int   `yaml:"max_merge_files"`
}

// RetentionConfig is the retention of housekeeping tables, in days.
type RetentionConfig struct {
	AuditDays    int `yaml:"audit_days"`
	FeedbackDays int `yaml:"feedback_days"`
}

// SessionConfig configures conversation state.
type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Environment variables overriding the file.
const (
	EnvTelegramToken = "VCFBOT_TELEGRAM_TOKEN"
	EnvOwnerID       = "VCFBOT_OWNER_ID"
	EnvDB            = "VCFBOT_DB"
	EnvWorkDir       = "VCFBOT_WORK_DIR"
	EnvHTTPAddr      = "VCFBOT_HTTP_ADDR"
	EnvLogLevel      = "VCFBOT_LOG_LEVEL"
	EnvAdminSecret   = "VCFBOT_ADMIN_SECRET"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath:   "data/vcfbot.db",
		WorkDir:  "data/work",
		LogLevel: "info",
		OwnerID:  "7614202330",
		HTTP:     HTTPConfig{Addr: ":8090", MCP: true},
		Telegram: TelegramConfig{PollTimeout: 30 * time.Second},
		Limits: LimitsConfig{
			MaxFileBytes:    20 << 20,
			PreviewContacts: 10,
			MaxMergeFiles:   50,
		},
		Retention: RetentionConfig{AuditDays: 30, FeedbackDays: 30},
		Session:   SessionConfig{IdleTimeout: 30 * time.Minute},
	}
}

// Load reads path over Default. A missing file is not an error; an empty
// path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Telegram.Token, EnvTelegramToken)
	set(&c.OwnerID, EnvOwnerID)
	set(&c.DBPath, EnvDB)
	set(&c.WorkDir, EnvWorkDir)
	set(&c.HTTP.Addr, EnvHTTPAddr)
	set(&c.LogLevel, EnvLogLevel)
	set(&c.HTTP.AdminSecret, EnvAdminSecret)
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("work_dir is required"))
	}
	if c.OwnerID == "" {
		errs = append(errs, errors.New("owner_id is required"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Telegram.PollTimeout < time.Second {
		errs = append(errs, errors.New("telegram.poll_timeout must be at least 1s"))
	}
	if c.Limits.MaxFileBytes <= 0 {
		errs = append(errs, errors.New("limits.max_file_bytes must be > 0"))
	}
	if c.Limits.PreviewContacts <= 0 {
		errs = append(errs, errors.New("limits.preview_contacts must be > 0"))
	}
	if c.Limits.MaxMergeFiles <= 0 {
		errs = append(errs, errors.New("limits.max_merge_files must be > 0"))
	}
	if c.Retention.AuditDays < 0 || c.Retention.FeedbackDays < 0 {
		errs = append(errs, errors.New("retention days must be >= 0"))
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.idle_timeout must be >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Level returns the parsed log level. Validate guarantees it parses.
func (c *Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: want debug, info, warn or error", s)
	}
	return l, nil
}
