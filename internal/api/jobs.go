package api

import (
	"net/http"

	"github.com/dunamismax/pixeldrop/internal/domain"
)

type jobResponse struct {
	domain.Job
	QueueStatus string `json:"queue_status,omitempty"`
}

// handleJobStatus reports the stored job, enriched with the broker's view of
// its task. A job only the broker still knows is reported from that view.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	job, found, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	var (
		queueStatus string
		queued      bool
	)
	if s.inspector != nil {
		queueStatus, queued, err = s.inspector.JobState(r.Context(), jobID)
		if err != nil {
			s.logger.Printf("inspect task failed job_id=%s err=%v", jobID, err)
			queued = false
		}
	}

	switch {
	case found:
		resp := jobResponse{Job: job}
		if queued {
			resp.QueueStatus = queueStatus
		}
		writeJSON(w, http.StatusOK, resp)
	case queued:
		writeJSON(w, http.StatusOK, map[string]string{
			"id":           jobID,
			"status":       queueStatus,
			"task_id":      jobID,
			"queue_status": queueStatus,
		})
	default:
		writeError(w, http.StatusNotFound, domain.ErrJobNotFound.Error())
	}
}
