package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"llmproxy/internal/config"
	"llmproxy/internal/logging"
	"llmproxy/internal/models"
	"llmproxy/internal/provider"
)

const (
	openRouterReferer = "https://github.com/llmproxy"
	openRouterTitle   = "llmproxy"
)

// Provider implements provider.Provider for OpenAI-compatible chat completion APIs.
type Provider struct {
	name    string
	apiKey  string
	headers map[string]string
	client  *http.Client
	chatURL string
}

// New creates a provider from a resolved configuration; cfg.BaseURL must be set.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	headers := make(map[string]string, len(cfg.Headers)+2)
	if strings.Contains(strings.ToLower(baseURL), "openrouter") {
		headers["HTTP-Referer"] = openRouterReferer
		headers["X-Title"] = openRouterTitle
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Provider{
		name:    name,
		apiKey:  cfg.APIKey,
		headers: headers,
		client:  client,
		chatURL: baseURL + "/chat/completions",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

// Completion sends a single non-streaming chat completion.
func (p *Provider) Completion(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload := buildChatPayload(req)

	httpReq, err := provider.NewJSONRequest(ctx, p.chatURL, payload, p.apiKey, p.headers)
	if err != nil {
		return nil, err
	}

	body, err := provider.Send(p.client, p.name, httpReq)
	if err != nil {
		return nil, err
	}

	var providerResp chatResponse
	if err := provider.DecodeJSON(p.name, body, &providerResp); err != nil {
		return nil, err
	}

	resp, err := providerResp.toCanonical(req.HasTools())
	if err != nil {
		return nil, &provider.ParseError{Provider: p.name, Err: err}
	}
	return resp, nil
}

type chatPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Tools       []toolPayload   `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

// openAIMessage uses a pointer for Content so assistant tool-call turns
// without text are sent as null.
type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolPayload struct {
	Type     string          `json:"type"`
	Function functionPayload `json:"function"`
}

type functionPayload struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  models.JSONSchema `json:"parameters"`
}

func buildChatPayload(req models.CompletionRequest) chatPayload {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, toOpenAIMessage(msg))
	}

	payload := chatPayload{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if req.HasTools() {
		payload.Tools = make([]toolPayload, 0, len(req.Tools))
		for _, t := range req.Tools {
			payload.Tools = append(payload.Tools, toolPayload{
				Type: "function",
				Function: functionPayload{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  normalizeSchema(t.Parameters),
				},
			})
		}
		payload.ToolChoice = "auto"
	}

	return payload
}

func toOpenAIMessage(msg models.ChatMessage) openAIMessage {
	out := openAIMessage{
		Role:       string(msg.Role),
		ToolCallID: msg.ToolCallID,
	}

	if msg.Content != "" || len(msg.ToolCalls) == 0 {
		content := msg.Content
		out.Content = &content
	}

	for _, call := range msg.ToolCalls {
		callType := call.Type
		if callType == "" {
			callType = "function"
		}
		out.ToolCalls = append(out.ToolCalls, openAIToolCall{
			ID:   call.ID,
			Type: callType,
			Function: openAIFunction{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}

	return out
}

// normalizeSchema makes sure properties and required serialize as {} and [] rather than null.
func normalizeSchema(schema models.JSONSchema) models.JSONSchema {
	if schema.Type == "" {
		schema.Type = "object"
	}
	if schema.Properties == nil {
		schema.Properties = map[string]*models.PropertySchema{}
	}
	if schema.Required == nil {
		schema.Required = []string{}
	}
	return schema
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role      string             `json:"role"`
	Content   *string            `json:"content"`
	ToolCalls []responseToolCall `json:"tool_calls"`
}

type responseToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// toCanonical maps the first choice. Structured tool calls win over content,
// and are ignored when the request offered no tools.
func (r chatResponse) toCanonical(toolsOffered bool) (*models.CompletionResponse, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("openai response did not include choices")
	}

	choice := r.Choices[0]
	var usage *models.Usage
	if r.Usage != nil {
		usage = &models.Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
	}

	if len(choice.Message.ToolCalls) > 0 {
		if toolsOffered {
			calls := make([]models.ToolCallRequest, 0, len(choice.Message.ToolCalls))
			for i, call := range choice.Message.ToolCalls {
				converted, err := call.toCanonical()
				if err != nil {
					return nil, fmt.Errorf("tool_calls[%d]: %w", i, err)
				}
				calls = append(calls, converted)
			}
			return models.NewToolCallResponse(calls, choice.FinishReason, usage), nil
		}
		logging.Warn().
			Int("tool_calls", len(choice.Message.ToolCalls)).
			Msg("upstream returned tool calls for a request without tools; ignoring them")
	}

	content := ""
	if choice.Message.Content != nil {
		content = *choice.Message.Content
	}
	return models.NewMessageResponse(content, choice.FinishReason, usage), nil
}

// toCanonical keeps the arguments text unparsed. Some compatible servers send
// arguments as a JSON object instead of a string; those are passed through as
// their compact JSON text.
func (c responseToolCall) toCanonical() (models.ToolCallRequest, error) {
	if strings.TrimSpace(c.Function.Name) == "" {
		return models.ToolCallRequest{}, errors.New("function name is missing")
	}

	args := ""
	raw := strings.TrimSpace(string(c.Function.Arguments))
	switch {
	case raw == "" || raw == "null":
	case strings.HasPrefix(raw, `"`):
		if err := json.Unmarshal(c.Function.Arguments, &args); err != nil {
			return models.ToolCallRequest{}, fmt.Errorf("decode arguments: %w", err)
		}
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, c.Function.Arguments); err != nil {
			return models.ToolCallRequest{}, fmt.Errorf("decode arguments: %w", err)
		}
		args = buf.String()
	}

	call := models.NewFunctionCall(c.ID, c.Function.Name, args)
	if c.Type != "" {
		call.Type = c.Type
	}
	return call, nil
}
