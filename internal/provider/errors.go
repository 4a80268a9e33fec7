package provider

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ConfigError reports an invalid or missing configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid provider config: %s: %s", e.Field, e.Reason)
}

// NetworkError reports a transport failure, including cancellation and timeouts.
type NetworkError struct {
	Provider string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProviderError reports a non-success HTTP status. Body holds the response body verbatim.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if msg := e.Message(); msg != "" {
		return fmt.Sprintf("%s upstream error status %d: %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s upstream error status %d", e.Provider, e.StatusCode)
}

// Message extracts a human-readable message from the body. OpenAI-style
// {"error":{"message":...}} and Ollama-style {"error":"..."} bodies are
// recognized; anything else is returned trimmed.
func (e *ProviderError) Message() string {
	if gjson.Valid(e.Body) {
		if msg := gjson.Get(e.Body, "error.message"); msg.Type == gjson.String && msg.Str != "" {
			return msg.Str
		}
		if msg := gjson.Get(e.Body, "error"); msg.Type == gjson.String && msg.Str != "" {
			return msg.Str
		}
		if msg := gjson.Get(e.Body, "message"); msg.Type == gjson.String && msg.Str != "" {
			return msg.Str
		}
	}
	return strings.TrimSpace(e.Body)
}

// ParseError reports a response body that does not match the expected wire schema.
type ParseError struct {
	Provider string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s response could not be parsed: %v", e.Provider, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
