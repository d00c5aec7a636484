package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roadsight/blurpipe/internal/logger"
	"github.com/roadsight/blurpipe/pkg/metrics"
	"github.com/roadsight/blurpipe/pkg/pipeline"
)

// NewRouter builds the chi router with middleware and all routes.
//
// Endpoints:
//   - POST /upload: one image, multipart field "file"
//   - POST /upload-base64: one image, JSON base64 body
//   - POST /batch-upload: several images, multipart field "files"
//   - GET  /status/{job_id}: job status and outcome
//   - GET  /stats: pipeline throughput statistics
//   - GET  /queue-status: queue depth
//   - GET  /database/stats: table-wide aggregates
//   - GET  /database/images: record listing with filters
//   - GET  /database/image/{job_id}: single record
//   - GET  /health: liveness
//   - GET  /health/ready: readiness including dependencies
//   - GET  /metrics: Prometheus exposition (when enabled)
func NewRouter(p *pipeline.Pipeline, m *metrics.Metrics) http.Handler {
	h := NewHandlers(p)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.Health)
		r.Get("/ready", h.Ready)
	})

	r.Post("/upload", h.Upload)
	r.Post("/upload-base64", h.UploadBase64)
	r.Post("/batch-upload", h.BatchUpload)

	r.Get("/status/{job_id}", h.Status)
	r.Get("/stats", h.Stats)
	r.Get("/queue-status", h.QueueStatus)

	r.Route("/database", func(r chi.Router) {
		r.Get("/stats", h.DatabaseStats)
		r.Get("/images", h.DatabaseImages)
		r.Get("/image/{job_id}", h.DatabaseImage)
	})

	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	return r
}

// requestLogger logs one line per request with method, path, status, and
// duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			logger.KeyStatus, ww.Status(),
			logger.KeyDurationMs, logger.Duration(start),
		)
	})
}
