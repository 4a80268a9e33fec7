package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"llmproxy/internal/config"
	"llmproxy/internal/logging"
	"llmproxy/internal/models"
	"llmproxy/internal/provider"
	"llmproxy/internal/runner"
	"llmproxy/internal/tool"
	"llmproxy/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 5 * time.Minute
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg     config.Config
	runner  *runner.Runner
	tools   *tool.Registry
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *runner.Runner, tools *tool.Registry) (*Server, error) {
	if rt == nil {
		return nil, errors.New("runner must not be nil")
	}
	if tools == nil {
		return nil, errors.New("tool registry must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := logging.Info()
			if v.Error != nil {
				event = logging.Warn().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Int64("latency_ms", v.Latency.Milliseconds()).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		runner:  rt,
		tools:   tools,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// ServeHTTP lets the server be mounted or exercised without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.app.ServeHTTP(w, r)
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.runner.Provider().Name(), s.cfg.Model)
	logging.Info().Str("addr", s.address).Msg("starting server")

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Info().Msg("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/tools", s.handleListTools)
	s.app.POST("/v1/tools/:name", s.handleExecuteTool)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":   "ok",
		"provider": s.runner.Provider().Name(),
	})
}

func (s *Server) handleListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.NewToolList(s.tools.AllTools()))
}

func (s *Server) handleExecuteTool(c echo.Context) error {
	name := c.Param("name")

	req := c.Request()
	defer req.Body.Close()

	args, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes))
	if err != nil {
		return requestError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("read request body: %v", err),
			Type:    "invalid_request_error",
		}
	}

	out, err := s.tools.Execute(req.Context(), name, string(args))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.ToolResult{Tool: name, Result: json.RawMessage(out)})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	names := req.ToolNames
	if names == nil {
		names = s.cfg.Tools
	}
	tools, err := s.resolveTools(names)
	if err != nil {
		return err
	}

	canonical := req.ToCanonical(tools)
	if canonical.Model == "" {
		canonical.Model = s.cfg.Model
	}
	if canonical.Temperature == nil {
		canonical.Temperature = s.cfg.Temperature
	}
	if canonical.MaxTokens == nil {
		canonical.MaxTokens = s.cfg.MaxTokens
	}
	if err := canonical.Validate(); err != nil {
		return toHTTPError(err)
	}

	ctx := c.Request().Context()

	var (
		resp  *models.CompletionResponse
		usage *models.Usage
	)
	if req.ExecuteTools && canonical.HasTools() {
		result, err := s.runner.Run(ctx, canonical)
		if err != nil {
			return toHTTPError(err)
		}
		resp, usage = result.Response, &result.Usage
	} else {
		resp, err = s.runner.Complete(ctx, canonical)
		if err != nil {
			return toHTTPError(err)
		}
	}
	if resp == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    "upstream_error",
		}
	}

	return c.JSON(http.StatusOK, translator.FromCanonical(canonical.Model, time.Now().Unix(), resp, usage))
}

// resolveTools looks up the named tools and rejects unknown names.
func (s *Server) resolveTools(names []string) ([]models.Tool, error) {
	tools := s.tools.ToolsByNames(names...)
	if len(tools) == len(names) {
		return tools, nil
	}

	var unknown []string
	for _, name := range names {
		if _, ok := s.tools.Lookup(name); !ok {
			unknown = append(unknown, name)
		}
	}
	return nil, requestError{
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("unknown tools: %s", strings.Join(unknown, ", ")),
		Type:    "invalid_request_error",
		Code:    "unknown_tool",
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	logging.Error().Err(err).Msg("unhandled request error")
	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

// toHTTPError maps provider, tool and runner failures onto OpenAI-style errors.
func toHTTPError(err error) error {
	var (
		reqErr   requestError
		notFound *tool.NotFoundError
		argErr   *tool.ArgumentError
		execErr  *tool.ExecutionError
		provErr  *provider.ProviderError
		netErr   *provider.NetworkError
		parseErr *provider.ParseError
		cfgErr   *provider.ConfigError
	)

	switch {
	case errors.As(err, &reqErr):
		return reqErr
	case errors.Is(err, models.ErrInvalidRequest):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	case errors.As(err, &notFound):
		return requestError{Status: http.StatusNotFound, Message: notFound.Error(), Type: "invalid_request_error", Code: "unknown_tool"}
	case errors.As(err, &argErr):
		return requestError{Status: http.StatusBadRequest, Message: argErr.Error(), Type: "invalid_request_error", Code: "invalid_arguments"}
	case errors.As(err, &execErr):
		return requestError{Status: http.StatusUnprocessableEntity, Message: execErr.Error(), Type: "tool_error", Code: "execution_failed"}
	case errors.Is(err, runner.ErrMaxTurns):
		return requestError{Status: http.StatusBadGateway, Message: err.Error(), Type: "upstream_error", Code: "max_turns_exceeded"}
	case errors.As(err, &provErr):
		status := http.StatusBadGateway
		if provErr.StatusCode == http.StatusTooManyRequests {
			status = http.StatusTooManyRequests
		}
		return requestError{
			Status:  status,
			Message: fmt.Sprintf("upstream provider %s returned status %d: %s", provErr.Provider, provErr.StatusCode, provErr.Message()),
			Type:    "upstream_error",
		}
	case errors.As(err, &netErr):
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		return requestError{Status: status, Message: "upstream provider unreachable", Type: "upstream_error"}
	case errors.As(err, &parseErr):
		return requestError{Status: http.StatusBadGateway, Message: "upstream provider returned an invalid response", Type: "upstream_error"}
	case errors.As(err, &cfgErr):
		return requestError{Status: http.StatusInternalServerError, Message: cfgErr.Error(), Type: "server_error"}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func printStartupBanner(port int, providerName, model string) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("llmproxy ready")
	fmt.Printf("Listening on http://%s:%d (provider %s, model %s)\n", host, port, providerName, model)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/tools")
	fmt.Println("  POST /v1/tools/:name")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"messages\":[{\"role\":\"user\",\"content\":\"add 2 and 3\"}],\"tools\":[\"add_numbers\"]}'\n\n", host, port)
}
