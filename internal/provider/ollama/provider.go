// Package ollama adapts canonical completion requests to the Ollama chat API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"llmproxy/internal/config"
	"llmproxy/internal/logging"
	"llmproxy/internal/models"
	"llmproxy/internal/provider"
)

const (
	finishStop      = "stop"
	finishToolCalls = "tool_calls"
	formatJSON      = "json"
)

// Provider implements provider.Provider for a local or remote Ollama server.
type Provider struct {
	name    string
	apiKey  string
	headers map[string]string
	client  *http.Client
	chatURL string
	newID   func() string
}

// New creates a provider from a resolved configuration; cfg.BaseURL must be set.
// A bearer header is only sent when cfg.APIKey is non-empty.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		name:    name,
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  client,
		chatURL: baseURL + "/api/chat",
		newID:   newCallID,
	}, nil
}

func newCallID() string {
	return "call_" + uuid.NewString()
}

func (p *Provider) Name() string {
	return p.name
}

// Completion sends a single non-streaming chat request.
func (p *Provider) Completion(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload, err := buildChatPayload(req)
	if err != nil {
		return nil, err
	}

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

	resp, err := providerResp.toCanonical(offeredTools(req), p.newID)
	if err != nil {
		return nil, &provider.ParseError{Provider: p.name, Err: err}
	}
	return resp, nil
}

type chatPayload struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  *options        `json:"options,omitempty"`
	Tools    []toolPayload   `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
}

type options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
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

// promptCall is the shape the tool instructions ask the model to reply with,
// and the shape earlier assistant tool calls are replayed in.
type promptCall struct {
	ID       string         `json:"id"`
	Function promptFunction `json:"function"`
}

type promptFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func buildChatPayload(req models.CompletionRequest) (chatPayload, error) {
	messages := make([]ollamaMessage, 0, len(req.Messages)+1)
	callNames := make(map[string]string)

	for _, msg := range req.Messages {
		out := ollamaMessage{Role: string(msg.Role), Content: msg.Content}

		if len(msg.ToolCalls) > 0 {
			rendered, err := renderToolCalls(msg.ToolCalls)
			if err != nil {
				return chatPayload{}, err
			}
			if out.Content == "" {
				out.Content = rendered
			} else {
				out.Content += "\n" + rendered
			}
			for _, call := range msg.ToolCalls {
				callNames[call.ID] = call.Function.Name
			}
		}
		if msg.Role == models.RoleTool {
			out.ToolName = callNames[msg.ToolCallID]
		}

		messages = append(messages, out)
	}

	payload := chatPayload{
		Model:    req.Model,
		Messages: messages,
		Stream:   false,
	}

	if req.Temperature != nil || req.MaxTokens != nil {
		payload.Options = &options{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		}
	}

	if req.HasTools() {
		instructions, err := toolInstructions(req.Tools)
		if err != nil {
			return chatPayload{}, err
		}
		payload.Messages = injectSystemPrompt(payload.Messages, instructions)
		payload.Format = formatJSON

		payload.Tools = make([]toolPayload, 0, len(req.Tools))
		for _, t := range req.Tools {
			payload.Tools = append(payload.Tools, toolPayload{
				Type: "function",
				Function: functionPayload{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
	}

	return payload, nil
}

func renderToolCalls(calls []models.ToolCallRequest) (string, error) {
	rendered := make([]promptCall, 0, len(calls))
	for _, call := range calls {
		args := json.RawMessage(call.Function.Arguments)
		if strings.TrimSpace(call.Function.Arguments) == "" {
			args = json.RawMessage("{}")
		} else if !json.Valid(args) {
			return "", fmt.Errorf("%w: tool call %q has invalid JSON arguments", models.ErrInvalidRequest, call.ID)
		}
		rendered = append(rendered, promptCall{
			ID:       call.ID,
			Function: promptFunction{Name: call.Function.Name, Arguments: args},
		})
	}

	out, err := json.Marshal(map[string]any{"tool_calls": rendered})
	if err != nil {
		return "", fmt.Errorf("marshal tool calls: %w", err)
	}
	return string(out), nil
}

func toolInstructions(tools []models.Tool) (string, error) {
	var b strings.Builder
	b.WriteString("You can call the tools listed below. To call tools, reply with ONLY a JSON object of the form ")
	b.WriteString(`{"tool_calls":[{"id":"<unique id>","function":{"name":"<tool name>","arguments":{<arguments matching the parameters schema>}}}]}`)
	b.WriteString(" and nothing else: no prose and no markdown. When no tool is needed, answer the user directly.\n\nAvailable tools:\n")

	for _, t := range tools {
		schema, err := json.Marshal(t.Parameters)
		if err != nil {
			return "", fmt.Errorf("marshal parameters of tool %q: %w", t.Name, err)
		}
		fmt.Fprintf(&b, "- %s: %s\n  parameters: %s\n", t.Name, t.Description, schema)
	}
	return b.String(), nil
}

// injectSystemPrompt appends instructions to the first system message or
// prepends a new one. The caller's message order is otherwise kept.
func injectSystemPrompt(messages []ollamaMessage, instructions string) []ollamaMessage {
	for i := range messages {
		if messages[i].Role != string(models.RoleSystem) {
			continue
		}
		if messages[i].Content == "" {
			messages[i].Content = instructions
		} else {
			messages[i].Content += "\n\n" + instructions
		}
		return messages
	}

	out := make([]ollamaMessage, 0, len(messages)+1)
	out = append(out, ollamaMessage{Role: string(models.RoleSystem), Content: instructions})
	return append(out, messages...)
}

func offeredTools(req models.CompletionRequest) map[string]struct{} {
	if !req.HasTools() {
		return nil
	}
	names := make(map[string]struct{}, len(req.Tools))
	for _, t := range req.Tools {
		names[t.Name] = struct{}{}
	}
	return names
}

type chatResponse struct {
	Model           string           `json:"model"`
	Message         *responseMessage `json:"message"`
	Done            bool             `json:"done"`
	DoneReason      string           `json:"done_reason"`
	PromptEvalCount *int             `json:"prompt_eval_count"`
	EvalCount       *int             `json:"eval_count"`
}

type responseMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []nativeToolCall `json:"tool_calls"`
}

type nativeToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// toCanonical prefers native tool calls, then falls back to sniffing the
// content. offered is nil when the request carried no tools, in which case
// the result is always a message.
func (r chatResponse) toCanonical(offered map[string]struct{}, newID func() string) (*models.CompletionResponse, error) {
	if r.Message == nil {
		return nil, errors.New("ollama response did not include a message")
	}

	var usage *models.Usage
	if r.PromptEvalCount != nil && r.EvalCount != nil {
		usage = models.NewUsage(*r.PromptEvalCount, *r.EvalCount)
	}

	finish := r.DoneReason
	if finish == "" {
		finish = finishStop
	}

	if offered == nil {
		if len(r.Message.ToolCalls) > 0 {
			logging.Warn().
				Int("tool_calls", len(r.Message.ToolCalls)).
				Msg("ollama returned tool calls for a request without tools; ignoring them")
		}
		return models.NewMessageResponse(r.Message.Content, finish, usage), nil
	}

	if len(r.Message.ToolCalls) > 0 {
		calls := make([]models.ToolCallRequest, 0, len(r.Message.ToolCalls))
		for i, call := range r.Message.ToolCalls {
			converted, err := call.toCanonical(newID)
			if err != nil {
				return nil, fmt.Errorf("tool_calls[%d]: %w", i, err)
			}
			calls = append(calls, converted)
		}
		return models.NewToolCallResponse(calls, finishToolCalls, usage), nil
	}

	if calls, ok := sniffToolCalls(r.Message.Content, offered, newID); ok {
		logging.Debug().Int("tool_calls", len(calls)).Msg("tool calls recognized in ollama content")
		return models.NewToolCallResponse(calls, finishToolCalls, usage), nil
	}

	return models.NewMessageResponse(r.Message.Content, finish, usage), nil
}

func (c nativeToolCall) toCanonical(newID func() string) (models.ToolCallRequest, error) {
	if strings.TrimSpace(c.Function.Name) == "" {
		return models.ToolCallRequest{}, errors.New("function name is missing")
	}

	args := "{}"
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

	id := c.ID
	if id == "" {
		id = newID()
	}
	return models.NewFunctionCall(id, c.Function.Name, args), nil
}
