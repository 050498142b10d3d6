package worker

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wopa-project/wopa/config"
	"github.com/wopa-project/wopa/httpx"
	"github.com/wopa-project/wopa/task"
	"github.com/wopa-project/wopa/wire"
)

// Server is the worker tier HTTP service: a uniform dispatcher over the
// static worker compositions.
type Server struct {
	cfg        *config.Config
	dispatcher *Dispatcher
	tasks      *task.Store
	echo       *echo.Echo
	strict     bool

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewServer(cfg *config.Config) *Server {
	client := httpx.New(15 * time.Minute)
	promReg := prometheus.NewRegistry()
	s := &Server{
		cfg:        cfg,
		dispatcher: NewDispatcher(cfg, NewProviderClient(cfg.ProvidersServerURL, client)),
		tasks:      task.NewStoreWithCap(cfg.Tasks.SoftCap),
		strict:     cfg.StrictEnvelopes,
		requests: promauto.With(promReg).NewCounterVec(prometheus.CounterOpts{
			Name: "wopa_worker_requests_total",
			Help: "Worker dispatches by worker name and outcome.",
		}, []string{"worker", "outcome"}),
		duration: promauto.With(promReg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wopa_worker_duration_seconds",
			Help:    "Worker dispatch duration by worker name.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"worker"}),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(httpx.RequestLogger("worker"))

	e.POST("/request_worker", s.handleRequestWorker)
	e.GET("/workers", s.handleWorkers)
	e.GET("/configs", s.handleConfigs)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	s.echo = e

	return s
}

// Start serves HTTP on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()
	slog.Info("worker: listening", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		slog.Error("worker: shutdown failed", "error", err)
	}
}

// Echo returns the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) handleRequestWorker(c echo.Context) error {
	req := &wire.WorkerRequest{}
	if err := wire.Decode(c.Request().Body, req, s.strict); err != nil {
		return badRequest(c, "invalid worker request")
	}
	if req.TaskID == "" {
		return badRequest(c, "task_id must be non-empty")
	}
	if !req.WorkerName.Valid() {
		return badRequest(c, "unknown worker_name")
	}

	// Local record of the subtask, keyed by the caller's task id.
	if _, err := s.tasks.Create(req.TaskID, req.WorkerName.Service(), req.Payload); err != nil {
		return badRequest(c, "duplicate task_id")
	}
	_ = s.tasks.Transition(req.TaskID, task.StatusPending, task.StatusInProgress)

	start := time.Now()
	result, err := s.dispatcher.Dispatch(c.Request().Context(), req)
	s.duration.WithLabelValues(string(req.WorkerName)).Observe(time.Since(start).Seconds())
	if err != nil {
		s.requests.WithLabelValues(string(req.WorkerName), "error").Inc()
		slog.Warn("worker: dispatch failed", "worker", req.WorkerName, "task_id", req.TaskID, "error", err)
		_ = s.tasks.SetError(req.TaskID, err.Error())
		return c.JSON(http.StatusOK, wire.WorkerResponse{
			TaskID: req.TaskID,
			Status: "error",
			Error:  errorKind(err),
		})
	}

	s.requests.WithLabelValues(string(req.WorkerName), "success").Inc()
	_ = s.tasks.SetResult(req.TaskID, nil, result)
	return c.JSON(http.StatusOK, wire.WorkerResponse{
		TaskID: req.TaskID,
		Status: "completed",
		Result: result,
	})
}

func (s *Server) handleWorkers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]wire.WorkerName{"workers": wire.AllWorkerNames()})
}

// handleConfigs reports the effective configuration with secrets redacted.
func (s *Server) handleConfigs(c echo.Context) error {
	sanitized, err := s.cfg.Sanitized()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, wire.ErrorBody{Status: "error", Error: "internal error"})
	}
	return c.JSON(http.StatusOK, sanitized)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, wire.ErrorBody{Status: "error", Error: msg})
}
