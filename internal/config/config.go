package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cups     CupsConfig     `yaml:"cups"`
	Sync     SyncConfig     `yaml:"sync"`
	Events   EventsConfig   `yaml:"events"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Uploads  UploadsConfig  `yaml:"uploads"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type CupsConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// SyncConfig drives the reconciliation engine.
type SyncConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	SubmissionGrace time.Duration `yaml:"submission_grace"`
	TimeoutHeld     bool          `yaml:"timeout_held"`
}

type EventsConfig struct {
	BufferSize        int           `yaml:"buffer_size"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
}

type WebhooksConfig struct {
	RetryCount  int           `yaml:"retry_count"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Timeout     time.Duration `yaml:"timeout"`
	WorkerCount int           `yaml:"worker_count"`
	QueueSize   int           `yaml:"queue_size"`
}

type UploadsConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
		},
		Database: DatabaseConfig{
			Path: "./data/printsync.db",
		},
		Cups: CupsConfig{
			Host: "localhost",
			Port: 631,
		},
		Sync: SyncConfig{
			PollInterval:    2 * time.Second,
			JobTimeout:      5 * time.Minute,
			CallTimeout:     10 * time.Second,
			SubmissionGrace: 30 * time.Second,
			TimeoutHeld:     true,
		},
		Events: EventsConfig{
			BufferSize:        64,
			KeepAliveInterval: 30 * time.Second,
		},
		Webhooks: WebhooksConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
		},
		Uploads: UploadsConfig{
			Dir:      "./data/uploads",
			MaxBytes: 50 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides file values with PRINTSYNC_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PRINTSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("PRINTSYNC_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	if v := os.Getenv("PRINTSYNC_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("PRINTSYNC_CUPS_HOST"); v != "" {
		c.Cups.Host = v
	}

	if v := os.Getenv("PRINTSYNC_CUPS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Cups.Port = port
		}
	}

	if v := os.Getenv("PRINTSYNC_CUPS_USERNAME"); v != "" {
		c.Cups.Username = v
	}

	if v := os.Getenv("PRINTSYNC_CUPS_PASSWORD"); v != "" {
		c.Cups.Password = v
	}

	if v := os.Getenv("PRINTSYNC_CUPS_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Cups.UseTLS = b
		}
	}

	setDuration("PRINTSYNC_POLL_INTERVAL", &c.Sync.PollInterval)
	setDuration("PRINTSYNC_JOB_TIMEOUT", &c.Sync.JobTimeout)
	setDuration("PRINTSYNC_CALL_TIMEOUT", &c.Sync.CallTimeout)
	setDuration("PRINTSYNC_SUBMISSION_GRACE", &c.Sync.SubmissionGrace)
	setDuration("PRINTSYNC_KEEP_ALIVE_INTERVAL", &c.Events.KeepAliveInterval)

	if v := os.Getenv("PRINTSYNC_TIMEOUT_HELD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sync.TimeoutHeld = b
		}
	}

	if v := os.Getenv("PRINTSYNC_UPLOAD_DIR"); v != "" {
		c.Uploads.Dir = v
	}

	if v := os.Getenv("PRINTSYNC_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}

	if v := os.Getenv("PRINTSYNC_JWT_ISSUER"); v != "" {
		c.Auth.Issuer = v
	}

	if v := os.Getenv("PRINTSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("PRINTSYNC_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func setDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Cups.Host == "" {
		return fmt.Errorf("cups host is required")
	}

	if c.Cups.Port < 1 || c.Cups.Port > 65535 {
		return fmt.Errorf("cups port must be between 1 and 65535, got %d", c.Cups.Port)
	}

	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync poll interval must be positive")
	}

	if c.Sync.JobTimeout <= 0 {
		return fmt.Errorf("sync job timeout must be positive")
	}

	if c.Sync.CallTimeout <= 0 {
		return fmt.Errorf("sync call timeout must be positive")
	}

	if c.Sync.SubmissionGrace < 0 {
		return fmt.Errorf("sync submission grace must be non-negative")
	}

	if c.Sync.SubmissionGrace < c.Sync.CallTimeout {
		return fmt.Errorf("sync submission grace (%s) must not be shorter than the call timeout (%s)",
			c.Sync.SubmissionGrace, c.Sync.CallTimeout)
	}

	if c.Events.BufferSize < 1 {
		return fmt.Errorf("events buffer size must be at least 1")
	}

	if c.Events.KeepAliveInterval <= 0 {
		return fmt.Errorf("events keep-alive interval must be positive")
	}

	if c.Webhooks.RetryCount < 0 {
		return fmt.Errorf("webhook retry count must be non-negative")
	}

	if c.Webhooks.WorkerCount < 1 {
		return fmt.Errorf("webhook worker count must be at least 1")
	}

	if c.Uploads.Dir == "" {
		return fmt.Errorf("upload directory is required")
	}

	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("upload max bytes must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt secret is required")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
