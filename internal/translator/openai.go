package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"llmproxy/internal/models"
)

var (
	errEmptyMessages  = errors.New("at least one message is required")
	errStreaming      = errors.New("streaming responses are not supported")
	errInvalidContent = errors.New("invalid message content")
	errInvalidTools   = errors.New("invalid tools")
)

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// Tools are referenced by name and resolved against the server's registry.
type ChatCompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   *int
	Temperature *float64
	ToolNames   []string
	// ExecuteTools runs requested tools server-side until the model answers
	// in text. When false the tool calls are returned to the client.
	ExecuteTools bool
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model        string          `json:"model"`
		Messages     []ChatMessage   `json:"messages"`
		Stream       bool            `json:"stream"`
		MaxTokens    *int            `json:"max_tokens"`
		Temperature  *float64        `json:"temperature"`
		Tools        json.RawMessage `json:"tools"`
		ExecuteTools *bool           `json:"execute_tools"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}
	if raw.Stream {
		return errStreaming
	}

	names, err := parseToolNames(raw.Tools)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.ToolNames = names
	r.ExecuteTools = raw.ExecuteTools == nil || *raw.ExecuteTools

	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	return nil
}

// ToCanonical converts the request into the canonical format, offering the given tools.
func (r ChatCompletionRequest) ToCanonical(tools []models.Tool) models.CompletionRequest {
	msgs := make([]models.ChatMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.ChatMessage{
			Role:       models.Role(m.Role),
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}

	return models.CompletionRequest{
		Model:       r.Model,
		Messages:    msgs,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Tools:       tools,
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []models.ToolCallRequest
	ToolCallID string
}

// UnmarshalJSON supports string, null and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string                   `json:"role"`
		Content    json.RawMessage          `json:"content"`
		ToolCalls  []models.ToolCallRequest `json:"tool_calls"`
		ToolCallID string                   `json:"tool_call_id"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	m.ToolCalls = raw.ToolCalls
	m.ToolCallID = strings.TrimSpace(raw.ToolCallID)
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// parseToolNames accepts either a list of names or OpenAI function tool
// objects, of which only the name is used.
func parseToolNames(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: expected an array", errInvalidTools)
	}

	names := make([]string, 0, len(items))
	for i, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err != nil {
			var fn struct {
				Type     string `json:"type"`
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			}
			if err := json.Unmarshal(item, &fn); err != nil {
				return nil, fmt.Errorf("%w: tools[%d] must be a name or a function tool", errInvalidTools, i)
			}
			if fn.Type != "" && fn.Type != "function" {
				return nil, fmt.Errorf("%w: tools[%d] has unsupported type %q", errInvalidTools, i, fn.Type)
			}
			name = fn.Function.Name
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: tools[%d] has no name", errInvalidTools, i)
		}
		names = append(names, name)
	}
	return names, nil
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *OpenAIUsage `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// ResponseMessage is the assistant message of a choice. Content is null when
// the model requested tools.
type ResponseMessage struct {
	Role      string                   `json:"role"`
	Content   *string                  `json:"content"`
	ToolCalls []models.ToolCallRequest `json:"tool_calls,omitempty"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromCanonical constructs the OpenAI response shape from a canonical
// response. A nil usage falls back to the one reported on resp.
func FromCanonical(modelID string, createdUnix int64, resp *models.CompletionResponse, usage *models.Usage) ChatCompletionResponse {
	msg := ResponseMessage{Role: string(models.RoleAssistant)}
	if resp.IsToolCall() {
		msg.ToolCalls = resp.ToolCalls
	} else {
		content := resp.Content
		msg.Content = &content
	}

	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
		if resp.IsToolCall() {
			finish = "tool_calls"
		}
	}

	if usage == nil {
		usage = resp.Usage
	}
	var out *OpenAIUsage
	if usage != nil && (usage.TotalTokens != 0 || usage.PromptTokens != 0 || usage.CompletionTokens != 0) {
		out = &OpenAIUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}

	return ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChatChoice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   out,
	}
}

// ToolList is the body of the tool listing endpoint.
type ToolList struct {
	Object string        `json:"object"`
	Data   []models.Tool `json:"data"`
}

// NewToolList wraps tool definitions in a list envelope.
func NewToolList(tools []models.Tool) ToolList {
	if tools == nil {
		tools = []models.Tool{}
	}
	return ToolList{Object: "list", Data: tools}
}

// ToolResult is the body returned by direct tool execution.
type ToolResult struct {
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result"`
}
