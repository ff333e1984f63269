package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gochat-gateway/internal/config"
	"gochat-gateway/internal/gateway"
	"gochat-gateway/internal/provider"
	"gochat-gateway/internal/router"
	"gochat-gateway/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	defaultWebSocketPath = "/v1/ws"
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	gateway *gateway.Gateway
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing, the WebSocket gateway,
// and middleware. The metrics registry may be nil to disable /metrics.
func New(cfg config.Config, rt *router.Router, gw *gateway.Gateway, metrics *prometheus.Registry) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if gw == nil {
		return nil, errors.New("gateway must not be nil")
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
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
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

	if len(cfg.Server.APIKeys) > 0 {
		e.Use(keyAuthMiddleware(cfg.Server.APIKeys))
	}

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		gateway: gw,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes(metrics)

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.websocketPath())
	slog.Info("starting server", "addr", s.address)

	// No WriteTimeout: WebSocket connections and long generations must be
	// able to outlive any fixed response deadline.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
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
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) websocketPath() string {
	if path := s.cfg.Server.WebSocket.Path; path != "" {
		return path
	}
	return defaultWebSocketPath
}

func (s *Server) registerRoutes(metrics *prometheus.Registry) {
	s.app.GET("/health", s.handleHealth)
	if metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})))
	}
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/completions", s.handleCompletions)
	s.app.GET(s.websocketPath(), s.gateway.HandleConnection)
}

// keyAuthMiddleware guards every surface except health and metrics with a
// bearer API key. The matched key becomes the caller identity forwarded to
// providers.
func keyAuthMiddleware(apiKeys []string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Path()
			return path == "/health" || path == "/metrics"
		},
		Validator: func(key string, c echo.Context) (bool, error) {
			for _, allowed := range apiKeys {
				if subtle.ConstantTimeCompare([]byte(key), []byte(allowed)) == 1 {
					c.Set(gateway.CallerContextKey, key)
					return true, nil
				}
			}
			return false, nil
		},
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if req.Stream {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("streaming is served over the WebSocket endpoint %s", s.websocketPath()),
			Type:    "invalid_request_error",
		}
	}

	ctx := c.Request().Context()
	unifiedReq := req.ToUnified()
	if caller, ok := c.Get(gateway.CallerContextKey).(string); ok && caller != "" {
		unifiedReq.Options["user"] = caller
	}

	resp, modelInfo, err := s.router.Chat(ctx, unifiedReq)
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    "upstream_error",
		}
	}

	openAIResp := translator.FromUnifiedChat(modelInfo.ID, time.Now().Unix(), resp)
	return c.JSON(http.StatusOK, openAIResp)
}

func (s *Server) handleCompletions(c echo.Context) error {
	var req translator.CompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	unifiedReq := req.ToUnified()

	resp, modelInfo, err := s.router.Completion(ctx, unifiedReq)
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    "upstream_error",
		}
	}

	openAIResp := translator.FromUnifiedCompletion(modelInfo.ID, time.Now().Unix(), resp)
	return c.JSON(http.StatusOK, openAIResp)
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
	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	type httpError interface {
		Code() int
		Error() string
	}

	if he, ok := err.(httpError); ok {
		_ = writeError(c, he.Code(), he.Error(), "invalid_request_error", "")
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		_ = writeError(c, echoErr.Code, fmt.Sprintf("%v", echoErr.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, provider.ErrUnknownModel) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}
	if errors.Is(err, provider.ErrUnsupportedOperation) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func printStartupBanner(port int, wsPath string) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("gochat-gateway ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/completions")
	fmt.Printf("  GET  %s  (WebSocket)\n", wsPath)
	fmt.Printf("WebSocket example frame:\n  {\"type\":\"chat_completion\",\"request_id\":\"req-1\",\"model\":\"gpt-4o\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}],\"stream\":true}\n\n")
}
