package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultKind     = "openai"
	defaultModel    = "gpt-4o-mini"
	defaultPort     = 8080
	defaultMaxTurns = 8
	defaultLogLevel = "info"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Provider    ProviderConfig `yaml:"provider"`
	Model       string         `yaml:"model"`
	Temperature *float64       `yaml:"temperature"`
	MaxTokens   *int           `yaml:"max_tokens"`
	MaxTurns    int            `yaml:"max_turns"`
	Retries     int            `yaml:"retries"`
	Tools       []string       `yaml:"tools"`
	Server      ServerConfig   `yaml:"server"`
	Log         LogConfig      `yaml:"log"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ProviderConfig selects and authenticates the upstream backend.
// Empty APIKey and BaseURL are resolved by the provider factory.
type ProviderConfig struct {
	Kind    string        `yaml:"kind"`
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Headers Headers       `yaml:"headers"`
	Timeout time.Duration `yaml:"timeout"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Provider: ProviderConfig{Kind: defaultKind},
		Model:    defaultModel,
		MaxTurns: defaultMaxTurns,
		Server:   ServerConfig{Port: defaultPort},
		Log:      LogConfig{Level: defaultLogLevel},
	}
}

// Load reads a .env file if present, then YAML configuration from path over
// the defaults, applies environment overrides and validates the result.
// An empty path skips the YAML step.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Provider.Kind = envOr("LLMPROXY_PROVIDER", c.Provider.Kind)
	c.Provider.BaseURL = envOr("LLMPROXY_BASE_URL", c.Provider.BaseURL)
	c.Model = envOr("LLMPROXY_MODEL", c.Model)
	c.Log.Level = envOr("LLMPROXY_LOG_LEVEL", c.Log.Level)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Provider.Kind) == "" {
		return errors.New("provider.kind must be provided")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("model must be provided")
	}
	if c.Provider.Timeout < 0 {
		return fmt.Errorf("provider.timeout must not be negative, got %s", c.Provider.Timeout)
	}
	if c.MaxTurns < 0 {
		return fmt.Errorf("max_turns must not be negative, got %d", c.MaxTurns)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", *c.MaxTokens)
	}
	if c.Temperature != nil && *c.Temperature < 0 {
		return fmt.Errorf("temperature must not be negative, got %g", *c.Temperature)
	}

	for headerKey := range c.Provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider: header %q is not a valid canonical HTTP header", headerKey)
		}
	}

	for _, name := range c.Tools {
		if strings.TrimSpace(name) == "" {
			return errors.New("tools: tool name must not be empty")
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
