// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Admission AdmissionConfig `yaml:"admission"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	AccessTokenTTL  time.Duration `yaml:"-"`
	RefreshTokenTTL time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	AccessTokenTTLRaw  string `yaml:"access_token_ttl"`
	RefreshTokenTTLRaw string `yaml:"refresh_token_ttl"`
}

// AdmissionConfig holds per-identity rate limiting configuration
type AdmissionConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`

	BucketIdleTTL time.Duration `yaml:"-"`

	BucketIdleTTLRaw string `yaml:"bucket_idle_ttl"`
}

// WorkflowConfig holds agent workflow engine configuration
type WorkflowConfig struct {
	MaxSteps        int    `yaml:"max_steps"`
	HistoryWindow   int    `yaml:"history_window"`
	ToolManifestDir string `yaml:"tool_manifest_dir"`

	StepTimeout time.Duration `yaml:"-"`

	StepTimeoutRaw string `yaml:"step_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding field is absent from the file.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultBucketIdleTTL   = 10 * time.Minute
	DefaultStepTimeout     = 60 * time.Second
	DefaultMaxSteps        = 8
	DefaultHistoryWindow   = 50
	DefaultCapacity        = 5
	DefaultRefillPerSecond = 1
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for fields the file left unset.
func (c *Config) applyDefaults() {
	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.Auth.RefreshTokenTTL == 0 {
		c.Auth.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.Admission.BucketIdleTTL == 0 {
		c.Admission.BucketIdleTTL = DefaultBucketIdleTTL
	}
	if c.Admission.Capacity == 0 {
		c.Admission.Capacity = DefaultCapacity
	}
	if c.Admission.RefillPerSecond == 0 {
		c.Admission.RefillPerSecond = DefaultRefillPerSecond
	}
	if c.Workflow.StepTimeout == 0 {
		c.Workflow.StepTimeout = DefaultStepTimeout
	}
	if c.Workflow.MaxSteps == 0 {
		c.Workflow.MaxSteps = DefaultMaxSteps
	}
	if c.Workflow.HistoryWindow == 0 {
		c.Workflow.HistoryWindow = DefaultHistoryWindow
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Admission.Capacity < 1 {
		return fmt.Errorf("admission.capacity must be at least 1")
	}
	if c.Admission.RefillPerSecond <= 0 {
		return fmt.Errorf("admission.refill_per_second must be positive")
	}

	if c.Workflow.MaxSteps < 1 {
		return fmt.Errorf("workflow.max_steps must be at least 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.access_token_ttl", cfg.Auth.AccessTokenTTLRaw, &cfg.Auth.AccessTokenTTL},
		{"auth.refresh_token_ttl", cfg.Auth.RefreshTokenTTLRaw, &cfg.Auth.RefreshTokenTTL},
		{"admission.bucket_idle_ttl", cfg.Admission.BucketIdleTTLRaw, &cfg.Admission.BucketIdleTTL},
		{"workflow.step_timeout", cfg.Workflow.StepTimeoutRaw, &cfg.Workflow.StepTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
