package api

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/dunamismax/pixeldrop/internal/domain"
	"github.com/dunamismax/pixeldrop/internal/imagetype"
)

const (
	msgNoFilePart       = "No file part"
	msgNoSelectedFile   = "No selected file"
	msgFormatNotAllowed = "File format not allowed"
	msgContentMismatch  = "File content does not match its extension"
)

var errContentMismatch = errors.New("file content does not match its extension")

func (s *Server) handleUploadForm(w http.ResponseWriter, _ *http.Request) {
	s.renderPage(w, "upload.html", s.newFormPage(""))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	files, err := s.uploadParts(r)
	if err != nil {
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		status, message := uploadErrorResponse(err)
		writeError(w, status, message)
		return
	}
	defer r.MultipartForm.RemoveAll()

	if len(files) == 1 {
		stored, err := s.storeUpload(files[0])
		if err != nil {
			s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
			s.logger.Printf("upload rejected filename=%q err=%v", files[0].Filename, err)
			status, message := uploadErrorResponse(err)
			writeError(w, status, message)
			return
		}
		s.metrics.uploadsTotal.WithLabelValues("accepted").Inc()
		s.logger.Printf("upload stored filename=%q stored=%s", files[0].Filename, stored)
		http.Redirect(w, r, "/resize/"+url.PathEscape(stored), http.StatusFound)
		return
	}

	accepted := 0
	for _, fh := range files {
		stored, err := s.storeUpload(fh)
		if err != nil {
			s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
			s.logger.Printf("batch upload skipped filename=%q err=%v", fh.Filename, err)
			continue
		}
		accepted++
		s.metrics.uploadsTotal.WithLabelValues("accepted").Inc()
		s.logger.Printf("upload stored filename=%q stored=%s", fh.Filename, stored)
	}
	s.logger.Printf("batch upload done files=%d accepted=%d", len(files), accepted)
	http.Redirect(w, r, "/batch_processing", http.StatusFound)
}

// uploadParts returns the "file" parts of a multipart upload.
func (s *Server) uploadParts(r *http.Request) ([]*multipart.FileHeader, error) {
	if err := r.ParseMultipartForm(s.maxMemory()); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMissingFilePart, err)
	}

	files := r.MultipartForm.File["file"]
	if len(files) > 0 {
		return files, nil
	}
	defer r.MultipartForm.RemoveAll()

	// A part without a filename is parsed as a plain value.
	if _, ok := r.MultipartForm.Value["file"]; ok {
		return nil, domain.ErrEmptyFilename
	}
	return nil, domain.ErrMissingFilePart
}

// storeUpload validates one file part and saves it, returning the stored name.
func (s *Server) storeUpload(fh *multipart.FileHeader) (string, error) {
	if fh.Filename == "" {
		return "", domain.ErrEmptyFilename
	}
	if !imagetype.Allowed(fh.Filename) {
		return "", fmt.Errorf("%w: %q", domain.ErrDisallowedExtension, fh.Filename)
	}

	if s.cfg.Storage.SniffContent {
		if err := sniffPart(fh); err != nil {
			return "", err
		}
	}

	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload part: %w", err)
	}
	defer f.Close()

	return s.storage.SaveUpload(fh.Filename, f)
}

func sniffPart(fh *multipart.FileHeader) error {
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload part: %w", err)
	}
	defer f.Close()

	ok, err := imagetype.Matches(fh.Filename, f)
	if err != nil || !ok {
		return fmt.Errorf("%w: %q", errContentMismatch, fh.Filename)
	}
	return nil
}

func uploadErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrMissingFilePart):
		return http.StatusBadRequest, msgNoFilePart
	case errors.Is(err, domain.ErrEmptyFilename):
		return http.StatusBadRequest, msgNoSelectedFile
	case errors.Is(err, domain.ErrDisallowedExtension):
		return http.StatusBadRequest, msgFormatNotAllowed
	case errors.Is(err, errContentMismatch):
		return http.StatusBadRequest, msgContentMismatch
	default:
		return http.StatusInternalServerError, "failed to store upload"
	}
}
