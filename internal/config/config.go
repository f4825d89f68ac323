package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the main configuration structure for coachd.
type Config struct {
	Version      int                `yaml:"version"`
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	LLM          LLMConfig          `yaml:"llm"`
	Agent        AgentConfig        `yaml:"agent"`
	Instructions InstructionsConfig `yaml:"instructions"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Janitor      JanitorConfig      `yaml:"janitor"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// MaxBodyBytes caps turn request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

type DatabaseConfig struct {
	// Driver is one of memory, sqlite, postgres or cockroach.
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// Initializer selects the cheaper model used to pick knowledge sources.
	// Provider defaults to DefaultProvider.
	Initializer InitializerLLMConfig `yaml:"initializer"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	MaxRetries   int    `yaml:"max_retries"`

	// Bedrock only.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

type InitializerLLMConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxTokens     int           `yaml:"max_tokens"`
	Model         string        `yaml:"model"`
	// TurnTimeout is an optional wall-clock bound on a turn. Zero, the
	// default, leaves max_iterations as the only bound.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
	// DefaultTimezone is used for reference dates when the caller has none.
	DefaultTimezone string `yaml:"default_timezone"`
}

type InstructionsConfig struct {
	Text  string `yaml:"text"`
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

type KnowledgeConfig struct {
	Enabled bool                    `yaml:"enabled"`
	BaseURL string                  `yaml:"base_url"`
	Timeout time.Duration           `yaml:"timeout"`
	APIKey  string                  `yaml:"api_key"`
	Sources []KnowledgeSourceConfig `yaml:"sources"`
}

type KnowledgeSourceConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Params is a JSON schema object describing accepted parameters.
	Params map[string]any `yaml:"params"`
	// Static serves this text instead of calling BaseURL.
	Static string `yaml:"static"`
}

type AuthConfig struct {
	Enabled     bool           `yaml:"enabled"`
	JWTSecret   string         `yaml:"jwt_secret"`
	Issuer      string         `yaml:"issuer"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type JanitorConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"`
	IdleAfter time.Duration `yaml:"idle_after"`
	BatchSize int           `yaml:"batch_size"`
}

// Load reads, merges, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// local development against the in-memory store.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.Initializer.Provider == "" {
		cfg.LLM.Initializer.Provider = cfg.LLM.DefaultProvider
	}
	if cfg.LLM.Initializer.MaxTokens == 0 {
		cfg.LLM.Initializer.MaxTokens = 1024
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.DefaultTimezone == "" {
		cfg.Agent.DefaultTimezone = "UTC"
	}
	if cfg.Knowledge.Timeout == 0 {
		cfg.Knowledge.Timeout = 10 * time.Second
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "coachd"
	}
	if cfg.Janitor.Schedule == "" {
		cfg.Janitor.Schedule = "@every 15m"
	}
	if cfg.Janitor.IdleAfter == 0 {
		cfg.Janitor.IdleAfter = 24 * time.Hour
	}
	if cfg.Janitor.BatchSize == 0 {
		cfg.Janitor.BatchSize = 500
	}
}

var (
	validDrivers   = map[string]bool{"memory": true, "sqlite": true, "postgres": true, "cockroach": true}
	validProviders = map[string]bool{"anthropic": true, "openai": true, "google": true, "bedrock": true}
	validFormats   = map[string]bool{"json": true, "text": true}
)

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var issues []string

	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		issues = append(issues, "server.http_port must be between 0 and 65535")
	}
	if !validDrivers[c.Database.Driver] {
		issues = append(issues, fmt.Sprintf("database.driver %q must be one of memory, sqlite, postgres, cockroach", c.Database.Driver))
	}
	if (c.Database.Driver == "postgres" || c.Database.Driver == "cockroach") && strings.TrimSpace(c.Database.URL) == "" {
		issues = append(issues, "database.url is required for "+c.Database.Driver)
	}

	for name := range c.LLM.Providers {
		if !validProviders[name] {
			issues = append(issues, fmt.Sprintf("llm.providers.%s is not a supported provider", name))
		}
	}
	if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
		issues = append(issues, fmt.Sprintf("llm.default_provider %q has no entry in llm.providers", c.LLM.DefaultProvider))
	}
	if _, ok := c.LLM.Providers[c.LLM.Initializer.Provider]; !ok && c.Knowledge.Enabled {
		issues = append(issues, fmt.Sprintf("llm.initializer.provider %q has no entry in llm.providers", c.LLM.Initializer.Provider))
	}

	if c.Agent.MaxIterations < 1 {
		issues = append(issues, "agent.max_iterations must be at least 1")
	}
	if c.Agent.MaxTokens < 1 {
		issues = append(issues, "agent.max_tokens must be positive")
	}
	if _, err := time.LoadLocation(c.Agent.DefaultTimezone); err != nil {
		issues = append(issues, fmt.Sprintf("agent.default_timezone: %v", err))
	}

	if c.Instructions.Text != "" && c.Instructions.File != "" {
		issues = append(issues, "instructions: set either text or file, not both")
	}
	if c.Instructions.Watch && c.Instructions.File == "" {
		issues = append(issues, "instructions.watch requires instructions.file")
	}

	seen := map[string]bool{}
	for i, src := range c.Knowledge.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			issues = append(issues, fmt.Sprintf("knowledge.sources[%d].name is required", i))
			continue
		}
		if seen[name] {
			issues = append(issues, fmt.Sprintf("knowledge.sources[%d].name %q is duplicated", i, name))
		}
		seen[name] = true
		if src.Static == "" && c.Knowledge.BaseURL == "" {
			issues = append(issues, fmt.Sprintf("knowledge.sources[%d] needs static content or knowledge.base_url", i))
		}
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		issues = append(issues, "auth.enabled requires auth.jwt_secret or auth.api_keys")
	}
	for i, key := range c.Auth.APIKeys {
		if key.Key == "" || key.UserID == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d] requires key and user_id", i))
		}
	}

	if !validFormats[strings.ToLower(c.Logging.Format)] {
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}
	if c.Janitor.IdleAfter < 0 {
		issues = append(issues, "janitor.idle_after must not be negative")
	}

	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

// ErrInvalidConfig is matched by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// ValidationError lists configuration problems.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidConfig }
