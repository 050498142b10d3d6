package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wopa-project/wopa/config"
	"github.com/wopa-project/wopa/httpx"
	"github.com/wopa-project/wopa/task"
	"github.com/wopa-project/wopa/wire"
)

// Input limits.
const (
	maxMessageBytes      = 16 << 10
	maxInstructionsBytes = 4 << 10
	maxUploadBytes       = 64 << 20
)

// errorBody is the public error shape for 4xx/5xx responses.
type errorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Server is the public tier HTTP service.
type Server struct {
	cfg       *config.Config
	tasks     *task.Store
	orch      *Orchestrator
	echo      *echo.Echo
	uploadDir string

	requests *prometheus.CounterVec
}

func NewServer(cfg *config.Config) *Server {
	tasks := task.NewStoreWithCap(cfg.Tasks.SoftCap)
	client := httpx.New(15 * time.Minute)
	promReg := prometheus.NewRegistry()
	s := &Server{
		cfg:       cfg,
		tasks:     tasks,
		orch:      NewOrchestrator(cfg, tasks, client),
		uploadDir: os.TempDir(),
		requests: promauto.With(promReg).NewCounterVec(prometheus.CounterOpts{
			Name: "wopa_service_requests_total",
			Help: "Analysis requests by service class and outcome.",
		}, []string{"service", "outcome"}),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(httpx.RequestLogger("service"))

	e.GET("/available_services", s.handleAvailableServices)
	e.POST("/analyze_message", s.handleAnalyzeMessage)
	e.POST("/analyze_link", s.handleAnalyzeLink)
	e.POST("/analyze_file_static", s.handleAnalyzeFileStatic)
	e.POST("/analyze_file_dynamic", s.handleAnalyzeFileDynamic)
	e.POST("/analyze_app", s.handleAnalyzeApp)
	e.GET("/tasks", s.handleTasks)
	e.GET("/get_task_status", s.handleTaskStatus)
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
	slog.Info("service: listening", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		slog.Error("service: shutdown failed", "error", err)
	}
}

// Echo returns the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// serviceDescription is one /available_services entry.
type serviceDescription struct {
	ServiceName wire.ServiceName `json:"service_name"`
	Description string           `json:"description"`
}

func (s *Server) handleAvailableServices(c echo.Context) error {
	return c.JSON(http.StatusOK, []serviceDescription{
		{wire.ServiceMessageAnalysis, "Classify a free-text message for phishing and scams"},
		{wire.ServiceLinkAnalysis, "Fetch and analyze a URL, its content and its scripts"},
		{wire.ServiceFileStaticAnalysis, "Hash and statically analyze a file"},
		{wire.ServiceFileDynamicAnalysis, "Execute a file in a sandbox and analyze its behavior"},
		{wire.ServiceAppAnalysis, "Exercise an app in an emulator and analyze its behavior"},
	})
}

func (s *Server) handleAnalyzeMessage(c echo.Context) error {
	var req struct {
		Message string `json:"message"`
	}
	if err := wire.Decode(c.Request().Body, &req, s.cfg.StrictEnvelopes); err != nil {
		return validationError(c, "invalid request body")
	}
	if req.Message == "" {
		return validationError(c, "message must be non-empty")
	}
	if len(req.Message) > maxMessageBytes {
		return validationError(c, "message exceeds 16 KiB")
	}
	return s.analyze(c, wire.ServiceMessageAnalysis, map[string]string{"message": req.Message})
}

func (s *Server) handleAnalyzeLink(c echo.Context) error {
	var req struct {
		URL string `json:"url"`
	}
	if err := wire.Decode(c.Request().Body, &req, s.cfg.StrictEnvelopes); err != nil {
		return validationError(c, "invalid request body")
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return validationError(c, "Invalid URL")
	}
	return s.analyze(c, wire.ServiceLinkAnalysis, map[string]string{"url": req.URL})
}

func (s *Server) handleAnalyzeFileStatic(c echo.Context) error {
	fileRef, err := s.fileRef(c)
	if err != nil {
		return validationError(c, err.Error())
	}
	return s.analyze(c, wire.ServiceFileStaticAnalysis, map[string]string{"file_ref": fileRef})
}

func (s *Server) handleAnalyzeFileDynamic(c echo.Context) error {
	fileRef, err := s.fileRef(c)
	if err != nil {
		return validationError(c, err.Error())
	}
	return s.analyze(c, wire.ServiceFileDynamicAnalysis, map[string]string{"file_ref": fileRef})
}

func (s *Server) handleAnalyzeApp(c echo.Context) error {
	var req struct {
		AppRef       string `json:"app_ref"`
		Instructions string `json:"instructions"`
	}
	if err := wire.Decode(c.Request().Body, &req, s.cfg.StrictEnvelopes); err != nil {
		return validationError(c, "invalid request body")
	}
	if req.AppRef == "" {
		return validationError(c, "app_ref must be non-empty")
	}
	if len(req.Instructions) > maxInstructionsBytes {
		return validationError(c, "instructions exceed 4 KiB")
	}
	return s.analyze(c, wire.ServiceAppAnalysis, map[string]string{
		"app_ref":      req.AppRef,
		"instructions": req.Instructions,
	})
}

// fileRef resolves the file reference for the file endpoints: either a JSON
// body with file_ref, or a multipart upload with a single `file` part which
// is spooled to disk and referenced by path.
func (s *Server) fileRef(c echo.Context) (string, error) {
	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(contentType, echo.MIMEMultipartForm) {
		return s.spoolUpload(c)
	}
	var req struct {
		FileRef string `json:"file_ref"`
	}
	if err := wire.Decode(c.Request().Body, &req, s.cfg.StrictEnvelopes); err != nil {
		return "", errors.New("invalid request body")
	}
	if req.FileRef == "" {
		return "", errors.New("file_ref must be non-empty")
	}
	return req.FileRef, nil
}

func (s *Server) spoolUpload(c echo.Context) (string, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return "", errors.New("multipart request must carry a single file part")
	}
	if fh.Size > maxUploadBytes {
		return "", errors.New("file exceeds upload limit")
	}
	src, err := fh.Open()
	if err != nil {
		return "", errors.New("unreadable file part")
	}
	defer src.Close()

	path := filepath.Join(s.uploadDir, "wopa-upload-"+shortuuid.New())
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", errors.New("could not spool upload")
	}
	defer dst.Close()
	if _, err := io.Copy(dst, io.LimitReader(src, maxUploadBytes)); err != nil {
		return "", errors.New("could not spool upload")
	}
	return path, nil
}

// analyze runs the pipeline and renders the 200 envelope. Business failures
// ride in the envelope; only unhandled internal errors surface as 500.
func (s *Server) analyze(c echo.Context, svc wire.ServiceName, payload map[string]string) error {
	env, err := s.orch.Run(c.Request().Context(), svc, payload)
	if err != nil {
		slog.Error("service: internal error", "service", svc, "error", err)
		s.requests.WithLabelValues(string(svc), "internal_error").Inc()
		return c.JSON(http.StatusInternalServerError, errorBody{Status: "error", Message: "internal error"})
	}
	s.requests.WithLabelValues(string(svc), env.Status).Inc()
	return c.JSON(http.StatusOK, env)
}

func (s *Server) handleTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.tasks.List())
}

func (s *Server) handleTaskStatus(c echo.Context) error {
	taskID := c.QueryParam("task_id")
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return c.JSON(http.StatusNotFound, errorBody{Status: "error", Message: "Task not found"})
	}
	out := map[string]any{"task_id": t.ID, "status": t.Status}
	if t.Result != nil {
		out["result"] = t.Result
	}
	if t.Error != "" {
		out["error"] = t.Error
	}
	return c.JSON(http.StatusOK, out)
}

func validationError(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Status: "error", Message: msg})
}
