package server_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"llmproxy/internal/config"
	"llmproxy/internal/models"
	"llmproxy/internal/provider"
	"llmproxy/internal/runner"
	"llmproxy/internal/server"
	"llmproxy/internal/tool"
	"llmproxy/internal/tool/builtin"
)

type fakeProvider struct {
	mu        sync.Mutex
	responses []*models.CompletionResponse
	err       error
	requests  []models.CompletionRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Completion(_ context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := len(f.requests)
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if i >= len(f.responses) {
		return models.NewMessageResponse("done", "stop", nil), nil
	}
	return f.responses[i], nil
}

func (f *fakeProvider) seen() []models.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CompletionRequest(nil), f.requests...)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var _ = Describe("Server", func() {
	var (
		fake *fakeProvider
		cfg  config.Config
		srv  *server.Server
	)

	BeforeEach(func() {
		fake = &fakeProvider{}
		cfg = config.Default()
	})

	JustBeforeEach(func() {
		registry := tool.NewRegistry()
		Expect(builtin.Register(registry)).To(Succeed())
		registry.Freeze()

		var err error
		srv, err = server.New(cfg, runner.New(fake, registry, runner.WithMaxTurns(3)), registry)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("construction", func() {
		It("requires a runner and a registry", func() {
			_, err := server.New(config.Default(), nil, tool.NewRegistry())
			Expect(err).To(MatchError(ContainSubstring("runner")))

			_, err = server.New(config.Default(), runner.New(fake, tool.NewRegistry()), nil)
			Expect(err).To(MatchError(ContainSubstring("registry")))
		})

		It("rejects an invalid configuration", func() {
			bad := config.Default()
			bad.Server.Port = 0
			_, err := server.New(bad, runner.New(fake, tool.NewRegistry()), tool.NewRegistry())
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("GET /health", func() {
		It("reports the provider", func() {
			rec := do(srv, http.MethodGet, "/health", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(gjson.Get(rec.Body.String(), "status").String()).To(Equal("ok"))
			Expect(gjson.Get(rec.Body.String(), "provider").String()).To(Equal("fake"))
		})
	})

	Describe("tools endpoints", func() {
		It("lists registered tools sorted by name", func() {
			rec := do(srv, http.MethodGet, "/v1/tools", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			body := rec.Body.String()
			Expect(gjson.Get(body, "object").String()).To(Equal("list"))
			Expect(gjson.Get(body, "data.#.name").Value()).To(Equal([]any{
				"add_numbers", "concat_strings", "multiply_numbers", "sum_list",
			}))
			Expect(gjson.Get(body, `data.#(name=="add_numbers").parameters.required`).Raw).To(MatchJSON(`["a","b"]`))
		})

		It("executes a tool", func() {
			rec := do(srv, http.MethodPost, "/v1/tools/add_numbers", `{"a":2,"b":3}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`{"tool":"add_numbers","result":5}`))
		})

		It("returns 404 for an unknown tool", func() {
			rec := do(srv, http.MethodPost, "/v1/tools/nope", `{}`)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(gjson.Get(rec.Body.String(), "error.code").String()).To(Equal("unknown_tool"))
		})

		It("returns 400 for invalid arguments", func() {
			rec := do(srv, http.MethodPost, "/v1/tools/add_numbers", `{"a":"two","b":3}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(gjson.Get(rec.Body.String(), "error.code").String()).To(Equal("invalid_arguments"))
			Expect(gjson.Get(rec.Body.String(), "error.type").String()).To(Equal("invalid_request_error"))
		})
	})

	Describe("POST /v1/chat/completions", func() {
		It("returns a text completion with the configured model", func() {
			fake.responses = []*models.CompletionResponse{
				models.NewMessageResponse("hello there", "stop", models.NewUsage(4, 2)),
			}

			rec := do(srv, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
			Expect(rec.Code).To(Equal(http.StatusOK))

			body := rec.Body.String()
			Expect(gjson.Get(body, "object").String()).To(Equal("chat.completion"))
			Expect(gjson.Get(body, "model").String()).To(Equal(cfg.Model))
			Expect(gjson.Get(body, "choices.0.message.content").String()).To(Equal("hello there"))
			Expect(gjson.Get(body, "choices.0.finish_reason").String()).To(Equal("stop"))
			Expect(gjson.Get(body, "usage.total_tokens").Int()).To(BeEquivalentTo(6))

			requests := fake.seen()
			Expect(requests).To(HaveLen(1))
			Expect(requests[0].Model).To(Equal(cfg.Model))
			Expect(requests[0].Tools).To(BeEmpty())
		})

		It("runs requested tools server-side", func() {
			fake.responses = []*models.CompletionResponse{
				models.NewToolCallResponse([]models.ToolCallRequest{
					models.NewFunctionCall("c1", "add_numbers", `{"a":2,"b":3}`),
				}, "tool_calls", models.NewUsage(10, 3)),
				models.NewMessageResponse("2 + 3 = 5", "stop", models.NewUsage(20, 5)),
			}

			rec := do(srv, http.MethodPost, "/v1/chat/completions",
				`{"model":"llama3.1","messages":[{"role":"user","content":"add 2 and 3"}],"tools":["add_numbers"]}`)
			Expect(rec.Code).To(Equal(http.StatusOK))

			body := rec.Body.String()
			Expect(gjson.Get(body, "model").String()).To(Equal("llama3.1"))
			Expect(gjson.Get(body, "choices.0.message.content").String()).To(Equal("2 + 3 = 5"))
			Expect(gjson.Get(body, "usage.total_tokens").Int()).To(BeEquivalentTo(38))

			requests := fake.seen()
			Expect(requests).To(HaveLen(2))
			Expect(requests[0].ToolNames()).To(Equal([]string{"add_numbers"}))
			Expect(requests[1].Messages[2]).To(Equal(models.ToolResultMessage("c1", "5")))
		})

		It("returns tool calls to the client when execution is disabled", func() {
			fake.responses = []*models.CompletionResponse{
				models.NewToolCallResponse([]models.ToolCallRequest{
					models.NewFunctionCall("c1", "concat_strings", `{"a":"x","b":"y"}`),
				}, "tool_calls", nil),
			}

			rec := do(srv, http.MethodPost, "/v1/chat/completions",
				`{"messages":[{"role":"user","content":"join"}],"tools":[{"type":"function","function":{"name":"concat_strings"}}],"execute_tools":false}`)
			Expect(rec.Code).To(Equal(http.StatusOK))

			body := rec.Body.String()
			Expect(gjson.Get(body, "choices.0.finish_reason").String()).To(Equal("tool_calls"))
			Expect(gjson.Get(body, "choices.0.message.content").Type).To(Equal(gjson.Null))
			Expect(gjson.Get(body, "choices.0.message.tool_calls.0.function.name").String()).To(Equal("concat_strings"))
			Expect(fake.seen()).To(HaveLen(1))
		})

		Context("with tools configured", func() {
			BeforeEach(func() {
				cfg.Tools = []string{"sum_list"}
			})

			It("offers them when the request names none", func() {
				rec := do(srv, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(fake.seen()[0].ToolNames()).To(Equal([]string{"sum_list"}))
			})

			It("offers none for an explicit empty list", func() {
				rec := do(srv, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}],"tools":[]}`)
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(fake.seen()[0].Tools).To(BeEmpty())
			})
		})

		It("rejects unknown tools", func() {
			rec := do(srv, http.MethodPost, "/v1/chat/completions",
				`{"messages":[{"role":"user","content":"hi"}],"tools":["add_numbers","launch_rocket"]}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(gjson.Get(rec.Body.String(), "error.message").String()).To(ContainSubstring("launch_rocket"))
			Expect(fake.seen()).To(BeEmpty())
		})

		DescribeTable("rejects malformed requests",
			func(body, want string) {
				rec := do(srv, http.MethodPost, "/v1/chat/completions", body)
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
				Expect(gjson.Get(rec.Body.String(), "error.type").String()).To(Equal("invalid_request_error"))
				Expect(gjson.Get(rec.Body.String(), "error.message").String()).To(ContainSubstring(want))
				Expect(fake.seen()).To(BeEmpty())
			},
			Entry("empty body", ``, "request body is required"),
			Entry("not json", `{`, "invalid JSON payload"),
			Entry("trailing data", `{"messages":[{"role":"user","content":"hi"}]} {}`, "single JSON object"),
			Entry("streaming", `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`, "streaming"),
			Entry("no messages", `{"messages":[]}`, "at least one message"),
			Entry("unknown role", `{"messages":[{"role":"robot","content":"hi"}]}`, "unknown role"),
			Entry("tool message without id", `{"messages":[{"role":"tool","content":"5"}]}`, "tool_call_id"),
		)

		DescribeTable("maps upstream failures",
			func(upstream error, status int, errType string) {
				fake.err = upstream
				rec := do(srv, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
				Expect(rec.Code).To(Equal(status))
				Expect(gjson.Get(rec.Body.String(), "error.type").String()).To(Equal(errType))
			},
			Entry("provider status", &provider.ProviderError{Provider: "fake", StatusCode: 401, Body: `{"error":{"message":"bad key"}}`}, http.StatusBadGateway, "upstream_error"),
			Entry("rate limit", &provider.ProviderError{Provider: "fake", StatusCode: 429, Body: "slow down"}, http.StatusTooManyRequests, "upstream_error"),
			Entry("network", &provider.NetworkError{Provider: "fake", Err: errors.New("connection refused")}, http.StatusBadGateway, "upstream_error"),
			Entry("timeout", &provider.NetworkError{Provider: "fake", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "upstream_error"),
			Entry("parse", &provider.ParseError{Provider: "fake", Err: errors.New("no choices")}, http.StatusBadGateway, "upstream_error"),
		)

		It("surfaces the upstream error message", func() {
			fake.err = &provider.ProviderError{Provider: "fake", StatusCode: 401, Body: `{"error":{"message":"bad key"}}`}
			rec := do(srv, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
			Expect(gjson.Get(rec.Body.String(), "error.message").String()).To(ContainSubstring("bad key"))
		})

		It("reports a runaway tool loop", func() {
			loop := models.NewToolCallResponse([]models.ToolCallRequest{
				models.NewFunctionCall("c", "add_numbers", `{"a":1,"b":1}`),
			}, "tool_calls", nil)
			fake.responses = []*models.CompletionResponse{loop, loop, loop}

			rec := do(srv, http.MethodPost, "/v1/chat/completions",
				`{"messages":[{"role":"user","content":"hi"}],"tools":["add_numbers"]}`)
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
			Expect(gjson.Get(rec.Body.String(), "error.code").String()).To(Equal("max_turns_exceeded"))
			Expect(fake.seen()).To(HaveLen(3))
		})
	})

	It("returns OpenAI-style errors for unknown routes", func() {
		rec := do(srv, http.MethodGet, "/v1/models", "")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(gjson.Get(rec.Body.String(), "error.message").Exists()).To(BeTrue())
	})
})
