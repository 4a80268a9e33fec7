// Package runner drives the caller side of a tool-calling conversation:
// it sends a request, executes the tool calls the model asks for, appends
// their results and asks again until the model answers in text.
package runner

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"llmproxy/internal/logging"
	"llmproxy/internal/models"
	"llmproxy/internal/provider"
)

const (
	defaultMaxTurns    = 8
	defaultConcurrency = 4
)

// ErrMaxTurns indicates the model kept requesting tools past the turn limit.
var ErrMaxTurns = errors.New("tool loop exceeded max turns")

// Dispatcher executes a named tool with JSON arguments. *tool.Registry satisfies it.
type Dispatcher interface {
	Execute(ctx context.Context, name, argsJSON string) (string, error)
}

// Result is the outcome of a completed tool loop.
type Result struct {
	// Response is the final text answer.
	Response *models.CompletionResponse
	// Messages is the whole conversation, including the final assistant message.
	Messages []models.ChatMessage
	Turns    int
	// Usage sums the usage reported on every turn.
	Usage models.Usage
}

// Runner sends canonical requests to a provider and resolves tool calls.
type Runner struct {
	provider    provider.Provider
	tools       Dispatcher
	maxTurns    int
	concurrency int
}

// Option customizes a Runner.
type Option func(*Runner)

// WithMaxTurns bounds the number of completions per Run. Non-positive values keep the default.
func WithMaxTurns(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxTurns = n
		}
	}
}

// WithConcurrency bounds how many tool calls of one turn run at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New constructs a runner backed by the given provider and tool dispatcher.
func New(p provider.Provider, tools Dispatcher, opts ...Option) *Runner {
	r := &Runner{
		provider:    p,
		tools:       tools,
		maxTurns:    defaultMaxTurns,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Provider returns the provider the runner sends requests to.
func (r *Runner) Provider() provider.Provider {
	return r.provider
}

// Complete performs a single completion without executing tools.
func (r *Runner) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	resp, err := r.provider.Completion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("provider %s completion request: %w", r.provider.Name(), err)
	}
	return resp, nil
}

// Run completes req, executing requested tools and feeding their results back
// until the model replies with text. Tool failures are reported to the model
// as tool results; only provider errors and cancellation abort the loop.
func (r *Runner) Run(ctx context.Context, req models.CompletionRequest) (*Result, error) {
	messages := append([]models.ChatMessage(nil), req.Messages...)
	result := &Result{}

	for turn := 1; turn <= r.maxTurns; turn++ {
		current := req
		current.Messages = messages

		resp, err := r.Complete(ctx, current)
		if err != nil {
			return nil, err
		}

		result.Turns = turn
		if resp.Usage != nil {
			result.Usage.PromptTokens += resp.Usage.PromptTokens
			result.Usage.CompletionTokens += resp.Usage.CompletionTokens
			result.Usage.TotalTokens += resp.Usage.TotalTokens
		}

		messages = append(messages, resp.AssistantMessage())

		if !resp.IsToolCall() {
			result.Response = resp
			result.Messages = messages
			return result, nil
		}

		logging.Debug().
			Int("turn", turn).
			Int("tool_calls", len(resp.ToolCalls)).
			Msg("model requested tools")

		toolMessages, err := r.dispatch(ctx, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		messages = append(messages, toolMessages...)
	}

	return nil, fmt.Errorf("%w: %d", ErrMaxTurns, r.maxTurns)
}

// dispatch runs the calls of one turn concurrently and returns their result
// messages in call order.
func (r *Runner) dispatch(ctx context.Context, calls []models.ToolCallRequest) ([]models.ChatMessage, error) {
	out := make([]models.ChatMessage, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, call := range calls {
		g.Go(func() error {
			content, err := r.tools.Execute(gctx, call.Function.Name, call.Function.Arguments)
			if err != nil {
				logging.Warn().
					Err(err).
					Str("tool", call.Function.Name).
					Str("call_id", call.ID).
					Msg("tool call failed")
				content = errorContent(err)
			}
			out[i] = models.ToolResultMessage(call.ID, content)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
