package factory

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"llmproxy/internal/config"
	"llmproxy/internal/logging"
	"llmproxy/internal/provider"
	ollamaProvider "llmproxy/internal/provider/ollama"
	openaiProvider "llmproxy/internal/provider/openai"
)

const (
	defaultHTTPTimeout     = 120 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

type options struct {
	client *http.Client
	getenv func(string) string
}

// Option customizes New.
type Option func(*options)

// WithHTTPClient replaces the pooled client built from the configured timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.client = client }
}

// WithGetenv replaces os.Getenv for credential lookup.
func WithGetenv(getenv func(string) string) Option {
	return func(o *options) { o.getenv = getenv }
}

// New validates cfg, resolves the credential and base URL for its kind and
// builds the matching adapter. Configuration problems are reported as
// *provider.ConfigError.
func New(cfg config.ProviderConfig, opts ...Option) (provider.Provider, error) {
	o := options{getenv: os.Getenv}
	for _, opt := range opts {
		opt(&o)
	}

	spec, ok := provider.Lookup(cfg.Kind)
	if !ok {
		return nil, &provider.ConfigError{
			Field:  "kind",
			Reason: fmt.Sprintf("unknown provider %q (supported: %s)", cfg.Kind, strings.Join(provider.Kinds(), ", ")),
		}
	}

	resolved, err := resolve(spec, cfg, o.getenv)
	if err != nil {
		return nil, err
	}

	client := o.client
	if client == nil {
		timeout := resolved.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = newHTTPClient(timeout)
	}

	name := string(spec.Kind)
	var p provider.Provider
	switch spec.Wire {
	case provider.WireOpenAI:
		p, err = openaiProvider.New(name, resolved, client)
	case provider.WireOllama:
		p, err = ollamaProvider.New(name, resolved, client)
	default:
		return nil, &provider.ConfigError{Field: "kind", Reason: fmt.Sprintf("provider %q has no adapter", name)}
	}
	if err != nil {
		return nil, fmt.Errorf("initialise %s provider: %w", name, err)
	}

	logging.Info().
		Str("provider", name).
		Str("base_url", resolved.BaseURL).
		Bool("authenticated", resolved.APIKey != "").
		Msg("provider configured")

	return p, nil
}

// resolve fills the credential and base URL from the environment and the
// catalogue defaults.
func resolve(spec provider.Spec, cfg config.ProviderConfig, getenv func(string) string) (config.ProviderConfig, error) {
	cfg.Kind = string(spec.Kind)

	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" && spec.EnvKey != "" {
		cfg.APIKey = strings.TrimSpace(getenv(spec.EnvKey))
	}
	if spec.RequiresKey && cfg.APIKey == "" {
		return cfg, &provider.ConfigError{
			Field:  "api_key",
			Reason: fmt.Sprintf("%s requires an API key (set api_key or %s)", spec.Kind, spec.EnvKey),
		}
	}

	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	if cfg.BaseURL == "" {
		cfg.BaseURL = spec.DefaultBaseURL
	}
	if cfg.BaseURL == "" {
		return cfg, &provider.ConfigError{
			Field:  "base_url",
			Reason: fmt.Sprintf("%s requires a base URL", spec.Kind),
		}
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return cfg, &provider.ConfigError{
			Field:  "base_url",
			Reason: fmt.Sprintf("%q is not an absolute http(s) URL", cfg.BaseURL),
		}
	}

	if cfg.Timeout < 0 {
		return cfg, &provider.ConfigError{Field: "timeout", Reason: "must not be negative"}
	}

	return cfg, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
