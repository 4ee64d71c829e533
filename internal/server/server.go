package server

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"aigroup/internal/catalog"
	"aigroup/internal/config"
	"aigroup/internal/models"
	"aigroup/internal/plugin"
	"aigroup/internal/router"
	"aigroup/internal/store"
	"aigroup/internal/translator"
)

const (
	maxBodyBytes        = 8 << 20 // 8 MiB, images travel inline as data URIs
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 45 * time.Second
	idleTimeout         = 120 * time.Second
)

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Router   *router.Router
	Catalog  *catalog.Cache
	Messages store.Store
	Executor *plugin.Executor
}

type Server struct {
	cfg      config.Config
	router   *router.Router
	catalog  *catalog.Cache
	messages store.Store
	executor *plugin.Executor
	app      *echo.Echo
	address  string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Router == nil || deps.Catalog == nil || deps.Messages == nil || deps.Executor == nil {
		return nil, errors.New("router, catalog, message store and executor are required")
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

	srv := &Server{
		cfg:      cfg,
		router:   deps.Router,
		catalog:  deps.Catalog,
		messages: deps.Messages,
		executor: deps.Executor,
		app:      e,
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

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
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/messages", s.handleCreateMessage)
	s.app.GET("/v1/messages/:id", s.handleGetMessage)
	s.app.POST("/v1/messages/:id/tool-usage", s.handleToolUsage)
	s.app.POST("/v1/messages/:id/effects", s.handleRequestEffect)
	s.app.GET("/v1/sessions/:id/messages", s.handleSessionMessages)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleModels lists every reachable catalog. ?refresh=true drops the cached
// entries first.
func (s *Server) handleModels(c echo.Context) error {
	ctx := c.Request().Context()
	refresh := c.QueryParam("refresh") == "true"
	list := translator.ModelList{Object: "list", Data: []translator.ModelEntry{}}
	for _, key := range s.router.Providers() {
		if refresh {
			s.catalog.Invalidate(key)
		}
		entries, err := s.catalog.Models(ctx, key)
		if err != nil {
			slog.WarnContext(ctx, "skipping provider catalog", "provider", key, "error", err)
			continue
		}
		list.Data = append(list.Data, translator.FromCatalog(key, entries)...)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	req := translator.ChatCompletionRequest{DefaultModel: s.cfg.Preferences.DefaultModel}
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if req.Stream {
		return s.streamChatCompletions(c, req)
	}

	resp, err := s.router.ChatCompletion(ctx, req.Request, models.RequestOptions{})
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

	return c.JSON(http.StatusOK, translator.FromCanonical(req.Code, resp))
}

// streamChatCompletions relays chunks as SSE data frames. Errors raised before
// the first chunk become regular error responses; later ones are sent in band.
func (s *Server) streamChatCompletions(c echo.Context, req translator.ChatCompletionRequest) error {
	ctx := c.Request().Context()
	w := c.Response()
	rc := http.NewResponseController(w)
	started := false

	for chunk, err := range s.router.ChatCompletions(ctx, req.Request, models.RequestOptions{}) {
		if err != nil {
			if !started {
				return toHTTPError(err)
			}
			slog.WarnContext(ctx, "stream aborted", "model", req.Code.FullCode(), "error", err)
			return writeSSEData(w, rc, errorPayload(toHTTPError(err)))
		}
		if !started {
			startStream(w)
			started = true
		}
		if err := writeSSEData(w, rc, translator.FromCanonicalChunk(req.Code, chunk)); err != nil {
			slog.ErrorContext(ctx, "failed to write SSE chunk", "err", err)
			return nil
		}
	}

	if !started {
		startStream(w)
	}
	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
		return nil
	}
	_ = rc.Flush()
	return nil
}

type createMessageRequest struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Model     string `json:"model"`
}

type messageView struct {
	store.Message
	Effect *effectView `json:"effect,omitempty"`
}

type effectView struct {
	State      string    `json:"state"`
	At         time.Time `json:"at,omitzero"`
	IntervalMS int64     `json:"interval_ms,omitempty"`
}

func (s *Server) view(msg store.Message) messageView {
	out := messageView{Message: msg}
	if status, ok := s.executor.Status(msg.ID); ok {
		out.Effect = &effectView{
			State:      status.State.String(),
			At:         status.At,
			IntervalMS: status.Interval.Milliseconds(),
		}
	}
	return out
}

func (s *Server) handleCreateMessage(c echo.Context) error {
	var req createMessageRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if req.SessionID == "" {
		return requestError{Status: http.StatusBadRequest, Message: "session_id is required", Type: "invalid_request_error"}
	}
	msg, err := s.messages.Create(c.Request().Context(), store.Message{
		SessionID: req.SessionID,
		Role:      models.Role(req.Role),
		Content:   req.Content,
		Model:     cmp.Or(req.Model, s.cfg.Preferences.DefaultModel),
	})
	if err != nil {
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	}
	return c.JSON(http.StatusCreated, s.view(msg))
}

func (s *Server) handleGetMessage(c echo.Context) error {
	msg, err := s.messages.Message(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, s.view(msg))
}

func (s *Server) handleSessionMessages(c echo.Context) error {
	list, err := s.messages.Session(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	out := make([]messageView, 0, len(list))
	for _, msg := range list {
		out = append(out, s.view(msg))
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": out})
}

type toolUsageRequest struct {
	Model    string                   `json:"model"`
	Messages []translator.ChatMessage `json:"messages"`
}

func (s *Server) handleToolUsage(c echo.Context) error {
	var req toolUsageRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	msg, err := s.messages.Message(ctx, id)
	if err != nil {
		return toHTTPError(err)
	}
	model := cmp.Or(req.Model, msg.Model, s.cfg.Preferences.DefaultModel)
	code, err := parseModel(model)
	if err != nil {
		return err
	}

	usage := plugin.ToolUsageRequest{MessageID: id, Model: code}
	for _, m := range req.Messages {
		usage.History = append(usage.History, m.Message)
	}
	pluginID, err := s.executor.RequestToolUsage(ctx, usage)
	if err != nil {
		return toHTTPError(err)
	}

	msg, err = s.messages.Message(ctx, id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"plugin_id": pluginID, "message": s.view(msg)})
}

func (s *Server) handleRequestEffect(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	launched, err := s.executor.RequestEffectByUser(ctx, id)
	if err != nil {
		return toHTTPError(err)
	}
	msg, err := s.messages.Message(ctx, id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"launched": launched, "message": s.view(msg)})
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

func startStream(w http.ResponseWriter) {
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSEData(w io.Writer, rc *http.ResponseController, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	// Long streams outlive the server write timeout, so extend it per frame.
	_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("flush SSE data: %w", err)
	}
	return nil
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("aigroup ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models[?refresh=true]")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/messages")
	fmt.Println("  GET  /v1/messages/:id")
	fmt.Println("  POST /v1/messages/:id/tool-usage")
	fmt.Println("  POST /v1/messages/:id/effects")
	fmt.Println("  GET  /v1/sessions/:id/messages")
	fmt.Println("Models are addressed as <provider>/<model>, e.g. anthropic/claude-3-5-sonnet-20241022.")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"openai/gpt-4o-mini\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
