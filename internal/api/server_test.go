package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/pixeldrop/internal/config"
	"github.com/dunamismax/pixeldrop/internal/domain"
	"github.com/dunamismax/pixeldrop/internal/pipeline"
	"github.com/dunamismax/pixeldrop/internal/queue"
	"github.com/dunamismax/pixeldrop/internal/ratelimit"
	"github.com/dunamismax/pixeldrop/internal/storage"
	"github.com/dunamismax/pixeldrop/internal/store"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	payloads []queue.ResizeImagePayload
	err      error
}

func (f *fakeEnqueuer) EnqueueResizeImage(_ context.Context, payload queue.ResizeImagePayload) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeInspector map[string]string

func (f fakeInspector) JobState(_ context.Context, taskID string) (string, bool, error) {
	state, ok := f[taskID]
	return state, ok, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, Limit: 1, RetryAfter: 2 * time.Second}, nil
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	storage  *storage.Local
	jobs     *store.MemoryJobStore
	enqueuer *fakeEnqueuer
	root     string
}

func newTestEnv(t *testing.T, mode string, deps Deps) *testEnv {
	t.Helper()

	root := t.TempDir()
	cfg := config.Config{
		Dispatch: config.DispatchConfig{Mode: mode},
		Storage: config.StorageConfig{
			UploadDir:      filepath.Join(root, "uploads"),
			ResizedDir:     filepath.Join(root, "resized"),
			WatermarkDir:   filepath.Join(root, "watermarks"),
			OutputRoot:     root,
			ConflictPolicy: config.ConflictRename,
			MaxMemory:      1 << 20,
		},
		RateLimit: config.RateLimitConfig{UserHeader: "X-User-ID"},
	}

	local := storage.NewLocal(cfg.Storage)
	if err := local.Ensure(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	proc, err := pipeline.NewLocalProcessor()
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	jobs := store.NewMemoryJobStore()
	enqueuer := &fakeEnqueuer{}
	deps.Storage = local
	deps.Processor = proc
	deps.Jobs = jobs
	if deps.Queue == nil {
		deps.Queue = enqueuer
	} else if fe, ok := deps.Queue.(*fakeEnqueuer); ok {
		enqueuer = fe
	}

	s, err := NewServer(log.New(io.Discard, "", 0), cfg, deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{
		server:   s,
		handler:  s.Handler(),
		storage:  local,
		jobs:     jobs,
		enqueuer: enqueuer,
		root:     root,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type filePart struct {
	field    string
	filename string
	data     []byte
}

func multipartRequest(t *testing.T, target string, parts []filePart, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(p.data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func formRequest(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, message string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]string](t, rec)
	if body["error"] != message {
		t.Fatalf("expected error %q, got %q", message, body["error"])
	}
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	env := newTestEnv(t, config.DispatchSync, Deps{})

	rec := env.do(t, multipartRequest(t, "/", []filePart{{"file", "photo.EXE", []byte("MZ")}}, nil))
	expectError(t, rec, http.StatusBadRequest, "File format not allowed")

	names, err := env.storage.ListUploads()
	if err != nil {
		t.Fatalf("list uploads: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected nothing written, got %v", names)
	}
}

func TestUploadMissingFilePart(t *testing.T) {
	env := newTestEnv(t, config.DispatchSync, Deps{})

	rec := env.do(t, multipartRequest(t, "/", nil, map[string]string{"other": "x"}))
	expectError(t, rec, http.StatusBadRequest, "No file part")

	rec = env.do(t, formRequest("/", url.Values{"file": {"x"}}))
	expectError(t, rec, http.StatusBadRequest, "No file part")
}

func TestUploadErrorResponse(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{err: domain.ErrMissingFilePart, status: http.StatusBadRequest, message: "No file part"},
		{err: fmt.Errorf("%w: request Content-Type isn't multipart/form-data", domain.ErrMissingFilePart), status: http.StatusBadRequest, message: "No file part"},
		{err: domain.ErrEmptyFilename, status: http.StatusBadRequest, message: "No selected file"},
		{err: fmt.Errorf("%w: %q", domain.ErrDisallowedExtension, "a.exe"), status: http.StatusBadRequest, message: "File format not allowed"},
		{err: errors.New("disk full"), status: http.StatusInternalServerError, message: "failed to store upload"},
	}

	for _, tt := range tests {
		status, message := uploadErrorResponse(tt.err)
		if status != tt.status || message != tt.message {
			t.Fatalf("uploadErrorResponse(%v) = %d %q, want %d %q", tt.err, status, message, tt.status, tt.message)
		}
	}
}

func TestUploadEmptyFilename(t *testing.T) {
	env := newTestEnv(t, config.DispatchSync, Deps{})

	rec := env.do(t, multipartRequest(t, "/", []filePart{{"file", "", nil}}, nil))
	expectError(t, rec, http.StatusBadRequest, "No selected file")
}

func TestUploadResizeAndList(t *testing.T) {
	env := newTestEnv(t, config.DispatchSync, Deps{})

	rec := env.do(t, multipartRequest(t, "/", []filePart{{"file", "photo.png", pngBytes(t, 120, 80)}}, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d body=%s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/resize/photo.png" {
		t.Fatalf("expected redirect to /resize/photo.png, got %q", loc)
	}

	rec = env.do(t, formRequest("/resize/photo.png", url.Values{
		"size":          {"50,50"},
		"rotate":        {"0"},
		"output_folder": {"resized"},
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	disposition := rec.Header().Get("Content-Disposition")
	if !strings.HasPrefix(disposition, "attachment") || !strings.Contains(disposition, "photo.png") {
		t.Fatalf("unexpected Content-Disposition %q", disposition)
	}

	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode attachment: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 50 || b.Dy() != 50 {
		t.Fatalf("expected 50x50 attachment, got %dx%d", b.Dx(), b.Dy())
	}
	if _, err := os.Stat(filepath.Join(env.root, "resized", "photo.png")); err != nil {
		t.Fatalf("expected resized/photo.png on disk: %v", err)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/list_images", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	listing := decodeBody[map[string][]string](t, rec)
	if !slices.Contains(listing["uploads"], "photo.png") || !slices.Contains(listing["resized"], "photo.png") {
		t.Fatalf("expected photo.png in both listings, got %v", listing)
	}
}

func TestMultiUploadSkipsRejectedParts(t *testing.T) {
	env := newTestEnv(t, config.DispatchSync, Deps{})

	rec := env.do(t, multipartRequest(t, "/", []filePart{
		{"file", "good.png", pngBytes(t, 4, 4)},
		{"file", "bad.exe", []byte("MZ")},
	}, nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/batch_processing" {
		t.Fatalf("expected redirect to /batch_processing, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	names, _ := env.storage.ListUploads()
	if len(names) != 1 || names[0] != "good.png" {
		t.Fatalf("expected only good.png stored, got %v", names)
	}
}

func TestListImagesEmpty(t *testing.T) {
	env := newTestEnv(t, config.DispatchSync, Deps{})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/list_images", nil))
	if strings.TrimSpace(rec.Body.String()) != `{"resized":[],"uploads":[]}` {
		t.Fatalf("expected empty arrays, got %s", rec.Body.String())
	}
}

func TestResizeErrors(t *testing.T) {
	env := newTestEnv(t, config.DispatchSync, Deps{})
	if _, err := env.storage.SaveUpload("photo.png", bytes.NewReader(pngBytes(t, 10, 10))); err != nil {
		t.Fatalf("seed upload: %v", err)
	}
	if _, err := env.storage.SaveUpload("broken.png", strings.NewReader("not an image")); err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	rec := env.do(t, formRequest("/resize/missing.png", url.Values{"size": {"10,10"}}))
	expectError(t, rec, http.StatusNotFound, "File not found")

	rec = env.do(t, formRequest("/resize/broken.png", url.Values{"size": {"10,10"}}))
	expectError(t, rec, http.StatusInternalServerError, "Error opening or processing the image")

	for _, values := range []url.Values{
		{"size": {"ten"}},
		{"size": {"0,10"}},
		{"rotate": {"quarter"}},
		{"output_folder": {"../outside"}},
		{"output_folder": {"/etc"}},
		{"webhook_url": {"ftp://hooks.local/done"}},
		{"webhook_url": {"hooks.local/done"}},
	} {
		rec = env.do(t, formRequest("/resize/photo.png", values))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d body=%s", values, rec.Code, rec.Body.String())
		}
	}
}

func TestAsyncResizeRejectsBadWebhookURL(t *testing.T) {
	env := newTestEnv(t, config.DispatchAsync, Deps{})
	if _, err := env.storage.SaveUpload("photo.png", bytes.NewReader(pngBytes(t, 10, 10))); err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	rec := env.do(t, formRequest("/resize/photo.png", url.Values{"webhook_url": {"file:///etc/passwd"}}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(env.enqueuer.payloads) != 0 {
		t.Fatalf("expected nothing enqueued, got %d payloads", len(env.enqueuer.payloads))
	}
}

func TestAsyncResizeReportsJobStatus(t *testing.T) {
	inspector := fakeInspector{}
	env := newTestEnv(t, config.DispatchAsync, Deps{Inspector: inspector})
	if _, err := env.storage.SaveUpload("photo.png", bytes.NewReader(pngBytes(t, 10, 10))); err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	rec := env.do(t, formRequest("/resize/photo.png", url.Values{
		"size":        {"40,30"},
		"rotate":      {"90"},
		"webhook_url": {"http://hooks.local/done"},
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]string](t, rec)
	if body["message"] != "Image is being processed" || body["job_id"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
	jobID := body["job_id"]
	if body["status_url"] != "/jobs/"+jobID {
		t.Fatalf("unexpected status url %q", body["status_url"])
	}

	if len(env.enqueuer.payloads) != 1 {
		t.Fatalf("expected one enqueued payload, got %d", len(env.enqueuer.payloads))
	}
	payload := env.enqueuer.payloads[0]
	if payload.JobID != jobID || payload.Options.Width != 40 || payload.Options.Rotate != 90 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.OutputDir != env.storage.ResizedDir() || payload.WebhookURL != "http://hooks.local/done" {
		t.Fatalf("unexpected payload destination %+v", payload)
	}

	status := func() jobResponse {
		t.Helper()
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/jobs/"+jobID, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
		}
		return decodeBody[jobResponse](t, rec)
	}

	if got := status(); got.Status != domain.JobStatusQueued || got.QueueStatus != "" {
		t.Fatalf("expected queued job without queue state, got %+v", got)
	}

	ctx := context.Background()
	if _, err := env.jobs.UpdateStatus(ctx, jobID, domain.StatusUpdate{Status: domain.JobStatusRunning}); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	inspector[jobID] = domain.JobStatusRunning
	if got := status(); got.Status != domain.JobStatusRunning || got.QueueStatus != domain.JobStatusRunning {
		t.Fatalf("expected running job, got %+v", got)
	}

	if _, err := env.jobs.UpdateStatus(ctx, jobID, domain.StatusUpdate{
		Status:     domain.JobStatusCompleted,
		OutputPath: filepath.Join(env.storage.ResizedDir(), "photo.png"),
	}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	inspector[jobID] = domain.JobStatusCompleted
	if got := status(); got.Status != domain.JobStatusCompleted || got.OutputPath == "" {
		t.Fatalf("expected completed job with output, got %+v", got)
	}
}

func TestAsyncEnqueueFailureMarksJobFailed(t *testing.T) {
	enqueuer := &fakeEnqueuer{err: errors.New("redis down")}
	env := newTestEnv(t, config.DispatchAsync, Deps{Queue: enqueuer})
	if _, err := env.storage.SaveUpload("photo.png", bytes.NewReader(pngBytes(t, 10, 10))); err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	rec := env.do(t, formRequest("/resize/photo.png", url.Values{"size": {"10,10"}}))
	expectError(t, rec, http.StatusInternalServerError, "failed to enqueue job")

	if len(enqueuer.payloads) != 1 {
		t.Fatalf("expected one enqueue attempt, got %d", len(enqueuer.payloads))
	}
	job, ok, err := env.jobs.Get(context.Background(), enqueuer.payloads[0].JobID)
	if err != nil || !ok {
		t.Fatalf("expected stored job, ok=%v err=%v", ok, err)
	}
	if job.Status != domain.JobStatusFailed || !strings.Contains(job.Error, "redis down") {
		t.Fatalf("expected failed job, got %+v", job)
	}
}

func TestBatchQueuesAllowListedUploads(t *testing.T) {
	env := newTestEnv(t, config.DispatchSync, Deps{})
	for _, name := range []string{"a.png", "b.jpg", "notes.txt"} {
		if _, err := env.storage.SaveUpload(name, strings.NewReader("x")); err != nil {
			t.Fatalf("seed upload %s: %v", name, err)
		}
	}

	rec := env.do(t, multipartRequest(t, "/batch_processing",
		[]filePart{{"watermark", "logo.png", pngBytes(t, 5, 5)}},
		map[string]string{
			"size":                  "64,64",
			"maintain_aspect_ratio": "on",
			"output_folder":         "thumbs",
		},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var body struct {
		Message string   `json:"message"`
		Jobs    []string `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message != "Batch image processing started" || len(body.Jobs) != 2 {
		t.Fatalf("unexpected body %+v", body)
	}

	sources := make([]string, 0, 2)
	for _, p := range env.enqueuer.payloads {
		sources = append(sources, filepath.Base(p.SourcePath))
		if !p.Options.MaintainAspectRatio || p.Options.Crop {
			t.Fatalf("unexpected options %+v", p.Options)
		}
		if p.OutputDir != filepath.Join(env.root, "thumbs") {
			t.Fatalf("unexpected output dir %q", p.OutputDir)
		}
		if filepath.Dir(p.WatermarkPath) != filepath.Join(env.root, "watermarks") {
			t.Fatalf("expected watermark in watermark dir, got %q", p.WatermarkPath)
		}
	}
	slices.Sort(sources)
	if strings.Join(sources, ",") != "a.png,b.jpg" {
		t.Fatalf("expected allow-listed sources only, got %v", sources)
	}

	names, _ := env.storage.ListUploads()
	if slices.Contains(names, "logo.png") {
		t.Fatal("watermark must not land in the upload directory")
	}
}

func TestBatchRejectsDisallowedWatermark(t *testing.T) {
	env := newTestEnv(t, config.DispatchSync, Deps{})

	rec := env.do(t, multipartRequest(t, "/batch_processing", []filePart{{"watermark", "logo.bmp", []byte("BM")}}, nil))
	expectError(t, rec, http.StatusBadRequest, "Watermark format not allowed")
	if len(env.enqueuer.payloads) != 0 {
		t.Fatalf("expected nothing enqueued, got %d", len(env.enqueuer.payloads))
	}
}

func TestJobStatusLookups(t *testing.T) {
	env := newTestEnv(t, config.DispatchAsync, Deps{Inspector: fakeInspector{"queue-only": domain.JobStatusRunning}})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))
	expectError(t, rec, http.StatusNotFound, "job not found")

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/jobs/queue-only", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["status"] != domain.JobStatusRunning || body["id"] != "queue-only" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestRateLimitAppliesToPostOnly(t *testing.T) {
	env := newTestEnv(t, config.DispatchSync, Deps{RateLimiter: denyLimiter{}})

	rec := env.do(t, multipartRequest(t, "/", []filePart{{"file", "photo.png", pngBytes(t, 4, 4)}}, nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/list_images", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected GET to bypass the limiter, got %d", rec.Code)
	}
}

func TestFormsRender(t *testing.T) {
	env := newTestEnv(t, config.DispatchSync, Deps{})

	for path, want := range map[string]string{
		"/":                 `action="/"`,
		"/resize/photo.png": "Resize photo.png",
		"/batch_processing": "maintain_aspect_ratio",
	} {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
			t.Fatalf("%s: expected html, got %q", path, rec.Header().Get("Content-Type"))
		}
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("%s: expected body to contain %q", path, want)
		}
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t, config.DispatchSync, Deps{})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
		t.Fatalf("unexpected healthz body %s", rec.Body.String())
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "pixeldrop_api_requests_total") {
		t.Fatal("expected api request metrics to be exported")
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/":                 "/",
		"/resize/a.png":     "/resize/{filename}",
		"/jobs/123":         "/jobs/{id}",
		"/batch_processing": "/batch_processing",
		"/list_images":      "/list_images",
		"/favicon.ico":      "other",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
