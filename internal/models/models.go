package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRequest indicates a canonical request that violates the message invariants.
var ErrInvalidRequest = errors.New("invalid completion request")

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ChatMessage is a single conversational message in the canonical schema.
// An empty Content means the message carries no text.
type ChatMessage struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// SystemMessage builds a system prompt message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

// UserMessage builds a user message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant message, optionally carrying the tool calls it issued.
func AssistantMessage(content string, calls ...ToolCallRequest) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResultMessage builds the message that answers the tool call with the given ID.
func ToolResultMessage(toolCallID, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// Validate checks the per-role invariants of the message.
func (m ChatMessage) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, m.Role)
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return fmt.Errorf("%w: tool_calls are only allowed on assistant messages, got role %q", ErrInvalidRequest, m.Role)
	}
	if m.Role == RoleTool && strings.TrimSpace(m.ToolCallID) == "" {
		return fmt.Errorf("%w: tool message must carry tool_call_id", ErrInvalidRequest)
	}
	for i, call := range m.ToolCalls {
		if strings.TrimSpace(call.Function.Name) == "" {
			return fmt.Errorf("%w: tool_calls[%d] has no function name", ErrInvalidRequest, i)
		}
	}
	return nil
}

// CompletionRequest is the canonical representation of a chat completion.
// Tools lists the tools available for this call only.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Tools       []Tool        `json:"tools,omitempty"`
}

// Validate checks that the request has messages and that each one is well formed.
// The model name is backend specific and deliberately left unchecked.
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: at least one message is required", ErrInvalidRequest)
	}
	for i, msg := range r.Messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return nil
}

// HasTools reports whether any tool is offered to the model.
func (r CompletionRequest) HasTools() bool {
	return len(r.Tools) > 0
}

// ToolNames returns the names of the tools offered in the request, in order.
func (r CompletionRequest) ToolNames() []string {
	names := make([]string, 0, len(r.Tools))
	for _, t := range r.Tools {
		names = append(names, t.Name)
	}
	return names
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds a Usage whose total is the sum of its parts.
func NewUsage(prompt, completion int) *Usage {
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Kind discriminates the two completion response variants.
type Kind string

const (
	KindMessage  Kind = "message"
	KindToolCall Kind = "tool_call"
)

// CompletionResponse captures a provider response in the canonical schema.
// Content is set only for KindMessage, ToolCalls only for KindToolCall.
type CompletionResponse struct {
	Kind         Kind              `json:"kind"`
	Content      string            `json:"content,omitempty"`
	ToolCalls    []ToolCallRequest `json:"tool_calls,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
}

// NewMessageResponse builds a plain-text response.
func NewMessageResponse(content, finishReason string, usage *Usage) *CompletionResponse {
	return &CompletionResponse{
		Kind:         KindMessage,
		Content:      content,
		FinishReason: finishReason,
		Usage:        usage,
	}
}

// NewToolCallResponse builds a response requesting tool invocations.
func NewToolCallResponse(calls []ToolCallRequest, finishReason string, usage *Usage) *CompletionResponse {
	return &CompletionResponse{
		Kind:         KindToolCall,
		ToolCalls:    calls,
		FinishReason: finishReason,
		Usage:        usage,
	}
}

// IsToolCall reports whether the model asked for tool invocations.
func (r *CompletionResponse) IsToolCall() bool {
	return r != nil && r.Kind == KindToolCall
}

// AssistantMessage converts the response into the message a caller appends to its history.
func (r *CompletionResponse) AssistantMessage() ChatMessage {
	if r.IsToolCall() {
		return AssistantMessage("", r.ToolCalls...)
	}
	return AssistantMessage(r.Content)
}

// Tool describes a callable function exposed to the model.
type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  JSONSchema `json:"parameters"`
}

// JSONSchema is the subset of JSON Schema used for tool parameters.
type JSONSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]*PropertySchema `json:"properties"`
	Required   []string                   `json:"required"`
}

// PropertySchema describes one primitive or array parameter.
type PropertySchema struct {
	Type        string          `json:"type"`
	Items       *PropertySchema `json:"items,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ToolCallRequest is a model-issued request to invoke a tool.
type ToolCallRequest struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the tool and carries its JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewFunctionCall builds a function-typed tool call.
func NewFunctionCall(id, name, arguments string) ToolCallRequest {
	return ToolCallRequest{
		ID:   id,
		Type: "function",
		Function: ToolCallFunction{
			Name:      name,
			Arguments: arguments,
		},
	}
}
