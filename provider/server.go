package provider

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wopa-project/wopa/config"
	"github.com/wopa-project/wopa/httpx"
	"github.com/wopa-project/wopa/wire"
)

// Server is the provider tier HTTP service.
type Server struct {
	cfg      *config.Config
	pool     *Pool
	llm      *LLMBackend
	sandbox  *SandboxBackend
	emulator *EmulatorBackend
	prober   *Prober
	metrics  *Metrics
	echo     *echo.Echo
	strict   bool
}

// NewServer wires the provider tier: pool from config (plus registry file if
// configured), backends, prober and routes.
func NewServer(cfg *config.Config) (*Server, error) {
	pool := PoolFromConfig(cfg)
	if cfg.Registry.Path != "" {
		reg, err := config.LoadRegistry(cfg.Registry.Path)
		if err != nil {
			return nil, errors.Wrap(err, "initial registry load")
		}
		pool.ApplyRegistry(reg)
	}

	client := httpx.New(15 * time.Minute)
	promReg := prometheus.NewRegistry()
	s := &Server{
		cfg:      cfg,
		pool:     pool,
		llm:      NewLLMBackend(cfg.LLM),
		sandbox:  NewSandboxBackend(client),
		emulator: NewEmulatorBackend(client, cfg.Emulator),
		metrics:  NewMetrics(promReg),
		strict:   cfg.StrictEnvelopes,
	}
	s.prober = NewProber(pool, cfg, map[Kind]ProbeFunc{
		KindLLMChat:   s.llm.Ping,
		KindLLMVision: s.llm.Ping,
		KindSandbox:   s.sandbox.Ping,
		KindEmulator:  s.emulator.Ping,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(httpx.RequestLogger("provider"))

	e.POST("/llm/chat_complete", s.handleChatComplete)
	e.POST("/llm/vision_complete", s.handleVisionComplete)
	e.POST("/sandbox/run_file", s.handleRunFile)
	e.POST("/emulator/run_app", s.handleRunApp)
	e.GET("/:task_id/vnc", s.handleVNC)
	e.GET("/health", s.handleHealth)
	e.GET("/admin/endpoints", s.handleAdminEndpoints)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	s.echo = e

	return s, nil
}

// Pool exposes the instance pool, mainly for registry reload wiring.
func (s *Server) Pool() *Pool { return s.pool }

// Start begins probing and serves HTTP on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.prober.Start()
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()
	slog.Info("provider: listening", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown stops probing and drains the HTTP server.
func (s *Server) Shutdown() {
	s.prober.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		slog.Error("provider: shutdown failed", "error", err)
	}
}

// Echo returns the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// call acquires an instance of kind, applies fn under the kind's deadline,
// and retries exactly once against a different healthy instance on
// transport-class failure. In-flight counters are restored on every path.
func (s *Server) call(ctx context.Context, kind Kind, timeout time.Duration, fn func(ctx context.Context, in *Instance) error) error {
	in, err := s.pool.Acquire(ctx, kind)
	if err != nil {
		return err
	}
	s.metrics.InFlight.WithLabelValues(string(kind)).Inc()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	err = fn(callCtx, in)
	cancel()
	s.pool.Release(in)
	s.metrics.InFlight.WithLabelValues(string(kind)).Dec()

	if err == nil || !httpx.IsTransport(err) || ctx.Err() != nil {
		return err
	}

	// One retry against a different instance.
	s.metrics.Retries.WithLabelValues(string(kind)).Inc()
	slog.Warn("provider: retrying on fallback instance", "kind", kind, "failed_endpoint", in.Endpoint, "error", err)
	retry, acqErr := s.pool.AcquireExcluding(ctx, kind, in)
	if acqErr != nil {
		return err
	}
	s.metrics.InFlight.WithLabelValues(string(kind)).Inc()
	retryCtx, cancel := context.WithTimeout(ctx, timeout)
	retryErr := fn(retryCtx, retry)
	cancel()
	s.pool.Release(retry)
	s.metrics.InFlight.WithLabelValues(string(kind)).Dec()
	return retryErr
}

func (s *Server) handleChatComplete(c echo.Context) error {
	req := &wire.ChatRequest{}
	if err := wire.Decode(c.Request().Body, req, s.strict); err != nil {
		return badRequest(c, "invalid chat request")
	}
	if req.Prompt == "" {
		return badRequest(c, "prompt must be non-empty")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return badRequest(c, "temperature out of [0,2]")
	}
	if req.MaxTokens < 0 || req.MaxTokens > 8192 {
		return badRequest(c, "max_tokens out of [1,8192]")
	}

	var response string
	err := s.call(c.Request().Context(), KindLLMChat, s.llmTimeout(), func(ctx context.Context, in *Instance) error {
		var callErr error
		response, callErr = s.llm.ChatComplete(ctx, in, req)
		return callErr
	})
	if err != nil {
		return s.backendError(c, KindLLMChat, err)
	}
	s.metrics.Requests.WithLabelValues(string(KindLLMChat), "success").Inc()
	return c.JSON(http.StatusOK, wire.ChatResponse{Status: "success", Response: response})
}

func (s *Server) handleVisionComplete(c echo.Context) error {
	req := &wire.VisionRequest{}
	if err := wire.Decode(c.Request().Body, req, s.strict); err != nil {
		return badRequest(c, "invalid vision request")
	}
	if req.Prompt == "" {
		return badRequest(c, "prompt must be non-empty")
	}
	if len(req.Images) == 0 || len(req.Images) > wire.MaxVisionImages {
		return badRequest(c, "images must contain 1..8 entries")
	}
	for _, img := range req.Images {
		// base64 expands by 4/3; compare in encoded space.
		if len(img.Base64) > wire.MaxVisionImageSize*4/3+4 {
			return badRequest(c, "image exceeds 4 MiB")
		}
	}

	var response string
	err := s.call(c.Request().Context(), KindLLMVision, s.llmTimeout(), func(ctx context.Context, in *Instance) error {
		var callErr error
		response, callErr = s.llm.VisionComplete(ctx, in, req)
		return callErr
	})
	if err != nil {
		return s.backendError(c, KindLLMVision, err)
	}
	s.metrics.Requests.WithLabelValues(string(KindLLMVision), "success").Inc()
	return c.JSON(http.StatusOK, wire.ChatResponse{Status: "success", Response: response})
}

func (s *Server) handleRunFile(c echo.Context) error {
	req := &wire.SandboxRequest{}
	if err := wire.Decode(c.Request().Body, req, s.strict); err != nil {
		return badRequest(c, "invalid sandbox request")
	}
	if req.FileRef == "" {
		return badRequest(c, "file_ref must be non-empty")
	}

	var out *wire.SandboxResponse
	timeout := time.Duration(s.cfg.Sandbox.TimeoutSeconds) * time.Second
	err := s.call(c.Request().Context(), KindSandbox, timeout, func(ctx context.Context, in *Instance) error {
		var callErr error
		out, callErr = s.sandbox.RunFile(ctx, in, req)
		return callErr
	})
	if err != nil {
		return s.backendError(c, KindSandbox, err)
	}
	s.metrics.Requests.WithLabelValues(string(KindSandbox), "success").Inc()
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleRunApp(c echo.Context) error {
	req := &wire.EmulatorRequest{}
	if err := wire.Decode(c.Request().Body, req, s.strict); err != nil {
		return badRequest(c, "invalid emulator request")
	}
	if req.AppRef == "" {
		return badRequest(c, "app_ref must be non-empty")
	}

	var out *wire.EmulatorResponse
	timeout := time.Duration(s.cfg.Emulator.TimeoutSeconds) * time.Second
	err := s.call(c.Request().Context(), KindEmulator, timeout, func(ctx context.Context, in *Instance) error {
		var callErr error
		out, callErr = s.emulator.RunApp(ctx, in, req)
		return callErr
	})
	if err != nil {
		return s.backendError(c, KindEmulator, err)
	}
	s.metrics.Requests.WithLabelValues(string(KindEmulator), "success").Inc()
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleVNC(c echo.Context) error {
	taskID := c.Param("task_id")
	u, ok := s.emulator.VNCURL(taskID)
	if !ok {
		return c.JSON(http.StatusNotFound, wire.ErrorBody{Status: "error", Error: "no emulator session for task"})
	}
	return c.JSON(http.StatusOK, map[string]string{"task_id": taskID, "vnc_url": u})
}

// healthReport is the /health response shape.
type healthReport struct {
	Status string                    `json:"status"` // ok | degraded
	Kinds  map[Kind]kindHealth       `json:"kinds"`
	Detail map[Kind][]InstanceStatus `json:"detail"`
}

type kindHealth struct {
	Healthy int  `json:"healthy"`
	Total   int  `json:"total"`
	Up      bool `json:"up"`
}

func (s *Server) handleHealth(c echo.Context) error {
	snapshot := s.pool.Snapshot()
	report := healthReport{
		Status: "ok",
		Kinds:  make(map[Kind]kindHealth, len(snapshot)),
		Detail: snapshot,
	}
	for kind, statuses := range snapshot {
		kh := kindHealth{Total: len(statuses)}
		for _, st := range statuses {
			if st.Healthy {
				kh.Healthy++
			}
		}
		kh.Up = kh.Healthy > 0
		if !kh.Up {
			report.Status = "degraded"
		}
		report.Kinds[kind] = kh
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleAdminEndpoints(c echo.Context) error {
	return c.JSON(http.StatusOK, s.pool.Snapshot())
}

func (s *Server) llmTimeout() time.Duration {
	return time.Duration(s.cfg.LLM.TimeoutSeconds) * time.Second
}

// backendError maps a routing failure onto the provider error contract:
// 503 for an exhausted kind, 502-as-503 for downstream transport failure,
// 500 otherwise.
func (s *Server) backendError(c echo.Context, kind Kind, err error) error {
	s.metrics.Requests.WithLabelValues(string(kind), "error").Inc()
	switch {
	case errors.Is(err, ErrUnavailable):
		return c.JSON(http.StatusServiceUnavailable, wire.ErrorBody{
			Status: "error",
			Error:  string(kind) + " unavailable",
		})
	case httpx.IsTransport(err):
		slog.Warn("provider: backend call failed", "kind", kind, "error", err)
		return c.JSON(http.StatusServiceUnavailable, wire.ErrorBody{
			Status: "error",
			Error:  string(kind) + " unavailable",
		})
	default:
		slog.Error("provider: internal error", "kind", kind, "error", err)
		return c.JSON(http.StatusInternalServerError, wire.ErrorBody{
			Status: "error",
			Error:  "internal error",
		})
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, wire.ErrorBody{Status: "error", Error: msg})
}
