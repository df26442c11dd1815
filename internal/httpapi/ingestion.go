package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/videointel/coordinator/internal/chunk"
	"github.com/videointel/coordinator/internal/model"
	"github.com/videointel/coordinator/internal/util"
	"github.com/videointel/coordinator/internal/validate"
)

const maxUploadMemory = 32 << 20 // buffer this much of the multipart form in memory before spilling to disk

// testStreamTimeout bounds how long a test-stream probe may block
// trying to connect.
const testStreamTimeout = 10 * time.Second

// handleUpload implements the "validate -> save -> chunk -> enqueue
// one job per chunk" upload flow.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}

	cameraID := r.FormValue("camera_id")
	if cameraID == "" {
		writeError(w, http.StatusBadRequest, "camera_id is required")
		return
	}

	camera, err := s.Store.GetCamera(ctx, cameraID)
	if err != nil {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	savedPath, err := s.saveUpload(file, header.Filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save upload")
		s.Log.WithError(err).Error("httpapi: save upload")
		return
	}

	if result := validate.ValidateFileUpload(savedPath); !result.OK {
		_ = os.Remove(savedPath)
		writeError(w, http.StatusBadRequest, result.Message)
		return
	}

	probeJob := model.New(camera.ID, model.SourceFile, savedPath, 0, nil)
	src, err := s.Sources(probeJob)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open uploaded file for probing")
		return
	}
	if err := src.Open(ctx); err != nil {
		_ = os.Remove(savedPath)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to probe uploaded file: %v", err))
		return
	}
	info := src.GetInfo()
	_ = src.Close()

	chunks := chunk.Plan(probeJob.ID, savedPath, info.TotalFrames, info.FPS, s.Config.ChunkDurationSeconds)
	if len(chunks) == 0 {
		_ = os.Remove(savedPath)
		writeError(w, http.StatusBadRequest, "uploaded file has no decodable frames")
		return
	}

	jobIDs := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		metadata := map[string]any{
			"chunk_index":   ch.Idx,
			"start_frame":   ch.StartFrame,
			"end_frame":     ch.EndFrame,
			"original_file": header.Filename,
		}
		job, err := s.Orchestrator.CreateJob(ctx, camera.ID, model.SourceFile, savedPath, metadata, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create processing job")
			s.Log.WithError(err).Error("httpapi: create job")
			return
		}
		jobIDs = append(jobIDs, job.ID)
	}

	if s.Metrics != nil {
		s.Metrics.JobsEnqueued.WithLabelValues(string(model.SourceFile)).Add(float64(len(jobIDs)))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "video uploaded and processing jobs created",
		"file_path": savedPath,
		"chunks":    len(chunks),
		"job_ids":   jobIDs,
	})
}

// saveUpload streams the multipart file into Config.UploadDir under a
// collision-proof name, preserving the caller's extension.
func (s *Server) saveUpload(src io.Reader, originalName string) (string, error) {
	if err := os.MkdirAll(s.Config.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	util.CheckDiskSpace(s.Config.UploadDir, func(format string, args ...any) {
		s.Log.Warnf(format, args...)
	})

	ext := filepath.Ext(originalName)
	name := fmt.Sprintf("%s%s", uuid.NewString(), ext)
	path := filepath.Join(s.Config.UploadDir, name)

	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	return path, nil
}

// handleStartStream enqueues one stream job at priority 1, mirroring
// start_stream_processing.
func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cameraID := chi.URLParam(r, "cameraID")

	camera, err := s.Store.GetCamera(ctx, cameraID)
	if err != nil {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	if result := validate.ValidateStreamURL(camera.SourceURI, camera.SourceType, nil); !result.OK {
		writeError(w, http.StatusBadRequest, result.Message)
		return
	}

	job, err := s.Orchestrator.CreateJob(ctx, camera.ID, camera.SourceType, camera.SourceURI, nil, 1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create stream job")
		s.Log.WithError(err).Error("httpapi: create stream job")
		return
	}
	if s.Metrics != nil {
		s.Metrics.JobsEnqueued.WithLabelValues(string(camera.SourceType)).Inc()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "stream processing job created",
		"job_id":    job.ID,
		"camera_id": camera.ID,
	})
}

// handleTestStream opens, probes and closes the camera's source
// without creating a job, mirroring test_stream_connection.
func (s *Server) handleTestStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cameraID := chi.URLParam(r, "cameraID")

	camera, err := s.Store.GetCamera(ctx, cameraID)
	if err != nil {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}

	probeJob := model.New(camera.ID, camera.SourceType, camera.SourceURI, 0, nil)
	src, err := s.Sources(probeJob)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"connected": false, "stream_info": nil})
		return
	}

	openCtx, cancel := context.WithTimeout(ctx, testStreamTimeout)
	defer cancel()

	if err := src.Open(openCtx); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"connected": false, "stream_info": nil})
		return
	}
	info := src.GetInfo()
	_ = src.Close()

	writeJSON(w, http.StatusOK, map[string]any{
		"connected": true,
		"stream_info": map[string]any{
			"width":        info.Width,
			"height":       info.Height,
			"fps":          info.FPS,
			"total_frames": info.TotalFrames,
		},
	})
}
