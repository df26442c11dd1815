package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/videointel/coordinator/internal/orchestrator"
)

// handleJobStatus returns the job's current lifecycle state, checking
// in-memory tracking first and falling back to the queue's durable
// status store (see orchestrator.Orchestrator.GetJobStatus).
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, status, found, err := s.Orchestrator.GetJobStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job status")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":     job.ID,
			"camera_id":  job.CameraID,
			"status":     job.Status,
			"gpu_id":     job.GPUID,
			"has_gpu":    job.HasGPU,
			"error":      job.Error,
			"result":     job.Result,
			"created_at": job.CreatedAt,
			"updated_at": job.UpdatedAt,
		})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCancelJob cancels a job: immediately if it hasn't started
// processing yet, cooperatively (waiting up to
// orchestrator.CancelGracePeriod) if it has.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.Orchestrator.CancelJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// handleJobEventStream serves job lifecycle events as
// Server-Sent-Events, subscribing to the shared reporter.Broadcaster
// until the client disconnects.
func (s *Server) handleJobEventStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := s.Broadcaster.Subscribe(jobID)
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := evt.Encode()
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
