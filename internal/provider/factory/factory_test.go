package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmproxy/internal/config"
	"llmproxy/internal/models"
	"llmproxy/internal/provider"
	ollamaProvider "llmproxy/internal/provider/ollama"
	openaiProvider "llmproxy/internal/provider/openai"
)

func env(values map[string]string) Option {
	return WithGetenv(func(key string) string { return values[key] })
}

func TestNewKinds(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ProviderConfig
		env  map[string]string
		want any
	}{
		{"openai explicit key", config.ProviderConfig{Kind: "openai", APIKey: "sk"}, nil, &openaiProvider.Provider{}},
		{"openai key from env", config.ProviderConfig{Kind: "OpenAI"}, map[string]string{"OPENAI_API_KEY": "sk"}, &openaiProvider.Provider{}},
		{"openrouter", config.ProviderConfig{Kind: "openrouter"}, map[string]string{"OPENROUTER_API_KEY": "or"}, &openaiProvider.Provider{}},
		{"custom without key", config.ProviderConfig{Kind: "custom", BaseURL: "http://localhost:8000/v1"}, nil, &openaiProvider.Provider{}},
		{"ollama default", config.ProviderConfig{Kind: "ollama"}, nil, &ollamaProvider.Provider{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg, env(tt.env))
			require.NoError(t, err)
			assert.IsType(t, tt.want, p)
		})
	}
}

func TestNewConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.ProviderConfig
		field string
	}{
		{"unknown kind", config.ProviderConfig{Kind: "anthropic"}, "kind"},
		{"empty kind", config.ProviderConfig{}, "kind"},
		{"openai missing key", config.ProviderConfig{Kind: "openai"}, "api_key"},
		{"openrouter blank key", config.ProviderConfig{Kind: "openrouter", APIKey: "   "}, "api_key"},
		{"custom missing base url", config.ProviderConfig{Kind: "custom"}, "base_url"},
		{"relative base url", config.ProviderConfig{Kind: "ollama", BaseURL: "localhost:11434"}, "base_url"},
		{"bad scheme", config.ProviderConfig{Kind: "custom", BaseURL: "ftp://example.com"}, "base_url"},
		{"negative timeout", config.ProviderConfig{Kind: "ollama", Timeout: -time.Second}, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, env(nil))
			var cfgErr *provider.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestNewUsesResolvedSettings(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hi"},"done":true}`))
	}))
	defer srv.Close()

	p, err := New(
		config.ProviderConfig{Kind: "ollama", BaseURL: srv.URL},
		env(map[string]string{"OLLAMA_API_KEY": "remote-key"}),
		WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	resp, err := p.Completion(context.Background(), models.CompletionRequest{
		Model:    "llama3.1",
		Messages: []models.ChatMessage{models.UserMessage("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, "Bearer remote-key", auth)
}

func TestNewHTTPClient(t *testing.T) {
	client := newHTTPClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 50, transport.MaxIdleConns)
	assert.Equal(t, defaultIdleConnTimeout, transport.IdleConnTimeout)
}
