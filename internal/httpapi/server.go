package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/videointel/coordinator/internal/config"
	"github.com/videointel/coordinator/internal/metrics"
	"github.com/videointel/coordinator/internal/orchestrator"
	"github.com/videointel/coordinator/internal/queue"
	"github.com/videointel/coordinator/internal/repository"
	"github.com/videointel/coordinator/internal/reporter"
)

// Server bundles every dependency the HTTP API needs to serve the
// coordinator's public surface.
type Server struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Store        repository.Store
	Queue        queue.Backend
	Sources      orchestrator.SourceFactory
	Broadcaster  *reporter.Broadcaster
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry // nil uses prometheus.DefaultGatherer
	Log          *logrus.Logger
}

// NewRouter builds the chi router for the coordinator's public API:
// CORS, request logging/metrics, JWT auth + role middleware on the
// ingestion endpoints that require it, and the backpressure check on
// every ingestion route (upload, start-stream and test-stream).
func (s *Server) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)
	r.Use(s.instrumentRequest)

	corsOrigins := s.Config.HTTP.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metricsHandler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(authMiddleware(s.Config.HTTP.JWT.Secret))

		api.Route("/ingestion", func(in chi.Router) {
			in.Use(requireRole(RoleSupervisor))
			in.Use(s.backpressure)
			in.Post("/upload", s.handleUpload)
			in.Post("/cameras/{cameraID}/start-stream", s.handleStartStream)
			in.Post("/cameras/{cameraID}/test-stream", s.handleTestStream)
		})

		api.Route("/events", func(ev chi.Router) {
			ev.Use(requireRole(RoleViewer))
			ev.Get("/", s.handleListEvents)
			ev.Get("/stats/count", s.handleEventCount)
			ev.Get("/unacknowledged/recent", s.handleRecentUnacknowledged)
			ev.Get("/cameras/{cameraID}", s.handleCameraEvents)
			ev.Get("/{eventID}", s.handleGetEvent)
			ev.Post("/{eventID}/acknowledge", s.handleAcknowledgeEvent)
		})

		api.Route("/jobs", func(jb chi.Router) {
			jb.Use(requireRole(RoleViewer))
			jb.Get("/{jobID}", s.handleJobStatus)
			jb.Get("/{jobID}/events", s.handleJobEventStream)
			jb.With(requireRole(RoleSupervisor)).Post("/{jobID}/cancel", s.handleCancelJob)
		})
	})

	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("http request")
	})
}

func (s *Server) instrumentRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		status := strconv.Itoa(ww.Status())
		s.Metrics.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
		s.Metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// backpressure rejects requests with 429 once the queue depth exceeds
// the configured high watermark. NewRouter applies it to the whole
// ingestion group, so test-stream is rejected too.
func (s *Server) backpressure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		length, err := s.Queue.Len(r.Context())
		if err == nil && length > int64(s.Config.HighWatermark) {
			writeError(w, http.StatusTooManyRequests, "queue is at capacity, try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsHandler() http.Handler {
	if s.Registry != nil {
		return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
