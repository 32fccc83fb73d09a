package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixeldrop/internal/config"
	"github.com/dunamismax/pixeldrop/internal/pipeline"
	"github.com/dunamismax/pixeldrop/internal/queue"
	"github.com/dunamismax/pixeldrop/internal/storage"
	"github.com/dunamismax/pixeldrop/internal/store"
)

//go:embed web/*.html
var webFiles embed.FS

type Server struct {
	logger      *log.Logger
	cfg         config.Config
	storage     *storage.Local
	processor   imageProcessor
	queueClient queueEnqueuer
	inspector   queueInspector
	jobStore    store.JobStore
	rateLimiter RateLimiter
	metrics     *metrics
	tracer      trace.Tracer
	pages       *template.Template
	mux         *http.ServeMux
}

type imageProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Output, error)
}

type queueEnqueuer interface {
	EnqueueResizeImage(ctx context.Context, payload queue.ResizeImagePayload) (*asynq.TaskInfo, error)
}

type queueInspector interface {
	JobState(ctx context.Context, taskID string) (string, bool, error)
}

// Deps are the collaborators of the HTTP surface. Queue, Inspector and
// RateLimiter are optional.
type Deps struct {
	Storage     *storage.Local
	Processor   imageProcessor
	Queue       queueEnqueuer
	Inspector   queueInspector
	Jobs        store.JobStore
	RateLimiter RateLimiter
}

func NewServer(logger *log.Logger, cfg config.Config, deps Deps) (*Server, error) {
	if deps.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if deps.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if deps.Jobs == nil {
		return nil, errors.New("job store is required")
	}

	pages, err := template.ParseFS(webFiles, "web/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	s := &Server{
		logger:      logger,
		cfg:         cfg,
		storage:     deps.Storage,
		processor:   deps.Processor,
		queueClient: deps.Queue,
		inspector:   deps.Inspector,
		jobStore:    deps.Jobs,
		rateLimiter: deps.RateLimiter,
		metrics:     newMetrics(),
		tracer:      otel.Tracer("pixeldrop/api"),
		pages:       pages,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("GET /{$}", s.handleUploadForm)
	s.mux.HandleFunc("POST /{$}", s.handleUpload)
	s.mux.HandleFunc("GET /resize/{filename}", s.handleResizeForm)
	s.mux.HandleFunc("POST /resize/{filename}", s.handleResize)
	s.mux.HandleFunc("GET /batch_processing", s.handleBatchForm)
	s.mux.HandleFunc("POST /batch_processing", s.handleBatch)
	s.mux.HandleFunc("GET /list_images", s.handleListImages)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleJobStatus)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListImages(w http.ResponseWriter, _ *http.Request) {
	uploads, err := s.storage.ListUploads()
	if err != nil {
		s.logger.Printf("list uploads failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list images")
		return
	}
	resized, err := s.storage.ListResized()
	if err != nil {
		s.logger.Printf("list resized failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list images")
		return
	}

	writeJSON(w, http.StatusOK, map[string][]string{
		"uploads": uploads,
		"resized": resized,
	})
}

func (s *Server) renderPage(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.pages.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Printf("render %s failed: %v", name, err)
	}
}

type formPage struct {
	Filename      string
	DefaultSize   string
	DefaultFolder string
	Async         bool
}

func (s *Server) newFormPage(filename string) formPage {
	return formPage{
		Filename:      filename,
		DefaultSize:   "100,100",
		DefaultFolder: s.cfg.Storage.ResizedDir,
		Async:         s.cfg.Dispatch.Async(),
	}
}

// parseForm accepts both multipart and urlencoded bodies.
func (s *Server) parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(s.maxMemory())
	if errors.Is(err, http.ErrNotMultipart) {
		return r.ParseForm()
	}
	return err
}

func (s *Server) maxMemory() int64 {
	if s.cfg.Storage.MaxMemory > 0 {
		return s.cfg.Storage.MaxMemory
	}
	return 32 << 20
}

func formValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.FormValue(key))
}

// formFlag is true when key is present, unless its value explicitly says no.
func formFlag(r *http.Request, key string) bool {
	values, ok := r.Form[key]
	if !ok || len(values) == 0 {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(values[0])) {
	case "0", "false", "off", "no":
		return false
	default:
		return true
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
