package httpapi

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videointel/coordinator/internal/model"
)

func multipartUploadBody(t *testing.T, cameraID, filename string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	require.NoError(t, w.WriteField("camera_id", cameraID))

	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestUploadCreatesOneJobPerChunk(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.PutCamera(context.Background(), model.Camera{ID: "cam-1", Name: "front"}))

	body, contentType := multipartUploadBody(t, "cam-1", "clip.mp4", []byte("fake video bytes"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestion/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, RoleSupervisor, "operator-1"))

	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"chunks"`)
	assert.Contains(t, rec.Body.String(), `"job_ids"`)
}

func TestUploadRequiresCameraID(t *testing.T) {
	s, _ := newTestServer(t)
	body, contentType := multipartUploadBody(t, "", "clip.mp4", []byte("fake"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestion/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, RoleSupervisor, "operator-1"))

	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadRejectsUnknownCamera(t *testing.T) {
	s, _ := newTestServer(t)
	body, contentType := multipartUploadBody(t, "ghost-camera", "clip.mp4", []byte("fake"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestion/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, RoleSupervisor, "operator-1"))

	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadRejectsViewerRole(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.PutCamera(context.Background(), model.Camera{ID: "cam-1"}))
	body, contentType := multipartUploadBody(t, "cam-1", "clip.mp4", []byte("fake"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestion/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, RoleViewer, "watcher-1"))

	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStartStreamEnqueuesPriorityJob(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.PutCamera(context.Background(), model.Camera{
		ID: "cam-1", SourceType: model.SourceRTSP, SourceURI: "rtsp://camera.local/stream",
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestion/cameras/cam-1/start-stream", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, RoleAdmin, "admin-1"))

	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"job_id"`)
}

func TestTestStreamReportsConnected(t *testing.T) {
	s, store := newTestServer(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "camera.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))

	require.NoError(t, store.PutCamera(context.Background(), model.Camera{
		ID: "cam-1", SourceType: model.SourceFile, SourceURI: path,
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestion/cameras/cam-1/test-stream", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, RoleSupervisor, "operator-1"))

	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"connected":true`)
}
