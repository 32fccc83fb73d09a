package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/pixeldrop/internal/domain"
	"github.com/dunamismax/pixeldrop/internal/id"
	"github.com/dunamismax/pixeldrop/internal/pipeline"
	"github.com/dunamismax/pixeldrop/internal/queue"
	"github.com/dunamismax/pixeldrop/internal/webhook"
)

const (
	msgFileNotFound    = "File not found"
	msgProcessingError = "Error opening or processing the image"
	msgBeingProcessed  = "Image is being processed"
	msgQueueFailed     = "failed to enqueue job"
)

var errQueueUnavailable = errors.New("task queue is not configured")

// resizeRequest is one parsed transform request shared by the resize and
// batch endpoints.
type resizeRequest struct {
	options    domain.TransformOptions
	outputDir  string
	webhookURL string
}

func (s *Server) handleResizeForm(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, "resize.html", s.newFormPage(r.PathValue("filename")))
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	sourcePath, err := s.storage.UploadPath(name)
	if err != nil {
		if errors.Is(err, domain.ErrSourceNotFound) {
			writeError(w, http.StatusNotFound, msgFileNotFound)
			return
		}
		s.logger.Printf("resolve upload failed filename=%q err=%v", name, err)
		writeError(w, http.StatusInternalServerError, msgProcessingError)
		return
	}

	if err := s.parseForm(r); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid form: %v", err))
		return
	}
	req, err := s.parseResizeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.cfg.Dispatch.Async() {
		s.resizeAsync(w, r, name, sourcePath, req)
		return
	}
	s.resizeSync(w, r, name, sourcePath, req)
}

func (s *Server) parseResizeRequest(r *http.Request) (resizeRequest, error) {
	width, height, err := domain.ParseSize(formValue(r, "size"))
	if err != nil {
		return resizeRequest{}, err
	}
	rotate, err := domain.ParseRotate(formValue(r, "rotate"))
	if err != nil {
		return resizeRequest{}, err
	}

	outputDir, err := s.storage.ResolveOutputDir(formValue(r, "output_folder"))
	if err != nil {
		return resizeRequest{}, err
	}

	webhookURL := formValue(r, "webhook_url")
	if webhookURL != "" {
		if err := webhook.ValidateEndpoint(webhookURL); err != nil {
			return resizeRequest{}, fmt.Errorf("webhook_url: %w", err)
		}
	}

	return resizeRequest{
		options: domain.TransformOptions{
			Width:               width,
			Height:              height,
			Rotate:              rotate,
			MaintainAspectRatio: formFlag(r, "maintain_aspect_ratio"),
			Crop:                formFlag(r, "crop"),
		},
		outputDir:  outputDir,
		webhookURL: webhookURL,
	}, nil
}

func (s *Server) resizeSync(w http.ResponseWriter, r *http.Request, name, sourcePath string, req resizeRequest) {
	started := time.Now()
	out, err := s.processor.Process(r.Context(), pipeline.Request{
		JobID:      id.New(),
		SourcePath: sourcePath,
		OutputDir:  req.outputDir,
		Options:    req.options,
	})
	if err != nil {
		s.metrics.resizeTotal.WithLabelValues("sync", "failed").Inc()
		s.logger.Printf("sync resize failed filename=%s err=%v", name, err)
		switch {
		case errors.Is(err, domain.ErrSourceNotFound):
			writeError(w, http.StatusNotFound, msgFileNotFound)
		case errors.Is(err, domain.ErrInvalidOptions):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, msgProcessingError)
		}
		return
	}
	s.metrics.resizeTotal.WithLabelValues("sync", "completed").Inc()
	s.logger.Printf(
		"sync resize done filename=%s output=%s size=%dx%d duration=%s",
		name, out.Path, out.Width, out.Height, time.Since(started).Round(time.Millisecond),
	)

	f, err := os.Open(out.Path)
	if err != nil {
		s.logger.Printf("open output failed path=%s err=%v", out.Path, err)
		writeError(w, http.StatusInternalServerError, msgProcessingError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.logger.Printf("stat output failed path=%s err=%v", out.Path, err)
		writeError(w, http.StatusInternalServerError, msgProcessingError)
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) resizeAsync(w http.ResponseWriter, r *http.Request, name, sourcePath string, req resizeRequest) {
	job, err := s.dispatch(r.Context(), name, sourcePath, req, "")
	if err != nil {
		s.metrics.resizeTotal.WithLabelValues("async", "failed").Inc()
		s.logger.Printf("async dispatch failed filename=%s err=%v", name, err)
		writeError(w, http.StatusInternalServerError, msgQueueFailed)
		return
	}
	s.metrics.resizeTotal.WithLabelValues("async", "queued").Inc()

	writeJSON(w, http.StatusOK, map[string]string{
		"message":    msgBeingProcessed,
		"job_id":     job.ID,
		"status":     job.Status,
		"status_url": "/jobs/" + job.ID,
	})
}

// dispatch records a queued job and enqueues its task. A job whose task could
// not be enqueued is marked failed and the error is returned.
func (s *Server) dispatch(ctx context.Context, name, sourcePath string, req resizeRequest, watermarkPath string) (domain.Job, error) {
	if s.queueClient == nil {
		return domain.Job{}, errQueueUnavailable
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:            id.New(),
		Status:        domain.JobStatusQueued,
		Source:        name,
		SourcePath:    sourcePath,
		OutputDir:     req.outputDir,
		Options:       req.options,
		WatermarkPath: watermarkPath,
		WebhookURL:    req.webhookURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	job.TaskID = job.ID

	if err := s.jobStore.Create(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}

	info, err := s.queueClient.EnqueueResizeImage(ctx, queue.ResizeImagePayload{
		JobID:         job.ID,
		SourcePath:    job.SourcePath,
		OutputDir:     job.OutputDir,
		Options:       job.Options,
		WatermarkPath: job.WatermarkPath,
		WebhookURL:    job.WebhookURL,
		RequestedAt:   now,
	})
	if err != nil {
		if _, markErr := s.jobStore.UpdateStatus(ctx, job.ID, domain.StatusUpdate{
			Status: domain.JobStatusFailed,
			Error:  fmt.Sprintf("enqueue: %v", err),
		}); markErr != nil {
			s.logger.Printf("mark job failed job_id=%s err=%v", job.ID, markErr)
		}
		return domain.Job{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	s.metrics.queueEnqueued.WithLabelValues(info.Queue).Inc()
	s.logger.Printf("job queued job_id=%s source=%s queue=%s output_dir=%s", job.ID, name, info.Queue, job.OutputDir)
	return job, nil
}
