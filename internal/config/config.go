package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Host modes select who answers the engine's outbound messages.
const (
	HostEmbedded  = "embedded"
	HostStdio     = "stdio"
	HostWebSocket = "websocket"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DBPath      string `envconfig:"DB_PATH" default:"buildmode.db"`

	// Host wiring
	HostMode     string `envconfig:"HOST_MODE" default:"embedded"` // embedded, stdio or websocket
	WSListenAddr string `envconfig:"WS_LISTEN_ADDR" default:":8095"`

	// Engine timing
	AutosaveInterval time.Duration `envconfig:"AUTOSAVE_INTERVAL" default:"2s"`
	AutoAdvanceDelay time.Duration `envconfig:"AUTO_ADVANCE_DELAY" default:"1500ms"`
	LoadingTimeout   time.Duration `envconfig:"LOADING_TIMEOUT" default:"45s"`

	// Usage guard (0 disables the budget)
	TokenLimit int64 `envconfig:"TOKEN_LIMIT" default:"0"`

	// Build loop
	TeamRosterPath  string `envconfig:"TEAM_ROSTER_PATH"`
	TargetFramework string `envconfig:"TARGET_FRAMEWORK" default:"react"`
	PreviewURL      string `envconfig:"PREVIEW_URL" default:"http://localhost:3000"`

	// Model provider
	LLMProvider       string `envconfig:"LLM_PROVIDER" default:"anthropic"` // anthropic or gemini
	LLMModel          string `envconfig:"LLM_MODEL"`
	LLMMaxTokens      int    `envconfig:"LLM_MAX_TOKENS" default:"8192"`
	AnthropicAPIKey   string `envconfig:"ANTHROPIC_API_KEY"`
	GeminiAPIKey      string `envconfig:"GEMINI_API_KEY"`
	KeyringService    string `envconfig:"KEYRING_SERVICE" default:"buildmode"`
	GenerationRetries int    `envconfig:"GENERATION_RETRIES" default:"3"`

	// Store
	StoreCacheSize int `envconfig:"STORE_CACHE_SIZE" default:"256"`

	// Management API
	MgmtListenAddr   string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode     string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey       string `envconfig:"MGMT_API_KEY"`
	MgmtCORSOrigins  string `envconfig:"MGMT_CORS_ORIGINS"`
	MgmtRateLimitRPS int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
}

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	switch c.HostMode {
	case HostEmbedded, HostStdio, HostWebSocket:
	default:
		return fmt.Errorf("invalid HOST_MODE %q", c.HostMode)
	}
	switch strings.ToLower(c.LLMProvider) {
	case "anthropic", "gemini":
	default:
		return fmt.Errorf("invalid LLM_PROVIDER %q", c.LLMProvider)
	}
	if c.TokenLimit < 0 {
		return fmt.Errorf("TOKEN_LIMIT must be >= 0, got %d", c.TokenLimit)
	}
	if c.AutosaveInterval <= 0 || c.AutoAdvanceDelay < 0 || c.LoadingTimeout <= 0 {
		return fmt.Errorf("engine timings must be positive")
	}
	if c.MgmtAuthMode == "api-key" && c.MgmtAPIKey == "" && c.Environment == "production" {
		return fmt.Errorf("MGMT_API_KEY is required in production")
	}
	return nil
}

// EmbeddedHost returns true when generation and storage run in-process.
func (c *Config) EmbeddedHost() bool {
	return c.HostMode == HostEmbedded
}

// Load reads .env (when present) and then environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %q: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
