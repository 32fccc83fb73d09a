package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/dunamismax/pixeldrop/internal/domain"
	"github.com/dunamismax/pixeldrop/internal/imagetype"
)

const msgBatchStarted = "Batch image processing started"

func (s *Server) handleBatchForm(w http.ResponseWriter, _ *http.Request) {
	s.renderPage(w, "batch.html", s.newFormPage(""))
}

// handleBatch queues one job per allow-listed file in the upload directory.
// Individual dispatch failures are logged; the response reports success.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(r); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid form: %v", err))
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	req, err := s.parseResizeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.queueClient == nil {
		s.logger.Printf("batch rejected: %v", errQueueUnavailable)
		writeError(w, http.StatusInternalServerError, msgQueueFailed)
		return
	}

	watermarkPath, err := s.saveWatermark(r)
	if err != nil {
		if errors.Is(err, domain.ErrDisallowedExtension) {
			writeError(w, http.StatusBadRequest, "Watermark format not allowed")
			return
		}
		s.logger.Printf("save watermark failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store watermark")
		return
	}

	names, err := s.storage.UploadFiles()
	if err != nil {
		s.logger.Printf("list uploads failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list images")
		return
	}

	jobs := make([]string, 0, len(names))
	for _, name := range names {
		if !imagetype.Allowed(name) {
			continue
		}
		job, err := s.dispatch(r.Context(), name, filepath.Join(s.storage.UploadDir(), name), req, watermarkPath)
		if err != nil {
			s.metrics.resizeTotal.WithLabelValues("batch", "failed").Inc()
			s.logger.Printf("batch dispatch failed filename=%s err=%v", name, err)
			continue
		}
		s.metrics.resizeTotal.WithLabelValues("batch", "queued").Inc()
		jobs = append(jobs, job.ID)
	}
	s.logger.Printf("batch started files=%d jobs=%d watermark=%q", len(names), len(jobs), watermarkPath)

	writeJSON(w, http.StatusOK, map[string]any{
		"message": msgBatchStarted,
		"jobs":    jobs,
	})
}

// saveWatermark stores the optional watermark part and returns its path, or
// "" when none was sent.
func (s *Server) saveWatermark(r *http.Request) (string, error) {
	if r.MultipartForm == nil {
		return "", nil
	}
	parts := r.MultipartForm.File["watermark"]
	if len(parts) == 0 || parts[0].Filename == "" {
		return "", nil
	}

	fh := parts[0]
	if !imagetype.Allowed(fh.Filename) {
		return "", fmt.Errorf("%w: watermark %q", domain.ErrDisallowedExtension, fh.Filename)
	}
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open watermark part: %w", err)
	}
	defer f.Close()

	return s.storage.SaveWatermark(fh.Filename, f)
}
