package provider

import (
	"context"

	"llmproxy/internal/models"
)

// Provider translates canonical completion requests to one backend's wire format.
// Implementations are *openai.Provider and *ollama.Provider, one per Wire family,
// and are safe for concurrent use.
type Provider interface {
	Name() string
	Completion(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error)
}
