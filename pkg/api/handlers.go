package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roadsight/blurpipe/internal/logger"
	"github.com/roadsight/blurpipe/pkg/metadata"
	"github.com/roadsight/blurpipe/pkg/pipeline"
)

// Handlers serves the upload and query endpoints over the pipeline.
type Handlers struct {
	pipeline *pipeline.Pipeline
}

// NewHandlers creates the handler set.
func NewHandlers(p *pipeline.Pipeline) *Handlers {
	return &Handlers{pipeline: p}
}

// maxMultipartMemory bounds in-memory multipart parsing; larger parts spill
// to disk.
const maxMultipartMemory = 8 << 20

// Upload handles POST /upload: one image as multipart field "file".
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if ct := header.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") &&
		ct != "application/octet-stream" {
		writeError(w, http.StatusBadRequest, "file must be an image")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, pipeline.MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	h.submit(w, r, header.Filename, data)
}

// base64UploadRequest is the body of POST /upload-base64.
type base64UploadRequest struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

// UploadBase64 handles POST /upload-base64: a JSON body carrying the image
// as base64.
func (h *Handlers) UploadBase64(w http.ResponseWriter, r *http.Request) {
	var req base64UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Data == "" {
		writeError(w, http.StatusBadRequest, "missing data field")
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base64 data")
		return
	}
	if req.Filename == "" {
		req.Filename = "upload.jpg"
	}

	h.submit(w, r, req.Filename, data)
}

// submit runs admission and maps the outcome to HTTP.
func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, filename string, data []byte) {
	res, err := h.pipeline.Gate().Submit(r.Context(), filename, data)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, okResponse(res))
	case errors.Is(err, pipeline.ErrRejected):
		// Admission said no; the result carries the reason.
		writeJSON(w, http.StatusUnprocessableEntity, okResponse(res))
	case errors.Is(err, pipeline.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "queue at capacity, retry later")
	case errors.Is(err, pipeline.ErrStorageUnavailable):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		logger.Error("upload failed", logger.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// BatchUpload handles POST /batch-upload: multiple images as multipart
// field "files".
func (h *Handlers) BatchUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}

	files := make(map[string][]byte, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read "+header.Filename)
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, pipeline.MaxUploadBytes+1))
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read "+header.Filename)
			return
		}
		files[header.Filename] = data
	}

	items := h.pipeline.Gate().SubmitBatch(r.Context(), files)
	writeJSON(w, http.StatusAccepted, okResponse(map[string]interface{}{
		"total":   len(items),
		"results": items,
	}))
}

// statusPayload is the job record plus the model versions that produced it.
type statusPayload struct {
	*metadata.ProcessedImage
	ModelVersions map[string]string `json:"model_versions,omitempty"`
}

// Status handles GET /status/{job_id}.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	rec, err := h.pipeline.Store().GetByJobID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		logger.Error("status lookup failed", logger.JobID(jobID), logger.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	payload := statusPayload{ProcessedImage: rec}
	if rec.Status == "completed" {
		payload.ModelVersions = h.pipeline.ModelVersions(r.Context())
	}
	writeOK(w, payload)
}

// Stats handles GET /stats: the live snapshot plus durable aggregates.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, depth := h.pipeline.Snapshot(r.Context())
	payload := map[string]interface{}{
		"pipeline":    stats,
		"queue_depth": depth,
	}
	if agg, err := h.pipeline.Store().Aggregate(r.Context()); err == nil {
		payload["database"] = agg
	} else {
		logger.Warn("aggregate stats unavailable", logger.Err(err))
	}
	writeOK(w, payload)
}

// QueueStatus handles GET /queue-status.
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := h.pipeline.QueueDepth(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeOK(w, map[string]interface{}{
		"depth":          depth,
		"max_size":       h.pipeline.QueueMaxSize(),
		"active_workers": h.pipeline.ActiveWorkers(),
		"workers":        h.pipeline.NumWorkers(),
	})
}

// DatabaseStats handles GET /database/stats.
func (h *Handlers) DatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipeline.Store().Aggregate(r.Context())
	if err != nil {
		logger.Error("aggregate failed", logger.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeOK(w, stats)
}

// DatabaseImages handles GET /database/images with optional status, limit,
// and offset query parameters.
func (h *Handlers) DatabaseImages(w http.ResponseWriter, r *http.Request) {
	opts := metadata.ListOptions{
		Status: r.URL.Query().Get("status"),
	}
	flags := []struct {
		name string
		dst  **bool
	}{
		{"is_vehicle_detected", &opts.Vehicle},
		{"is_face_detected", &opts.Face},
		{"is_face_blurred", &opts.Blurred},
	}
	for _, f := range flags {
		v := r.URL.Query().Get(f.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+f.name)
			return
		}
		*f.dst = &b
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		opts.Offset = n
	}

	recs, total, err := h.pipeline.Store().List(r.Context(), opts)
	if err != nil {
		logger.Error("list failed", logger.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeOK(w, map[string]interface{}{
		"total":  total,
		"images": recs,
	})
}

// DatabaseImage handles GET /database/image/{job_id}; same payload as
// Status but under the database namespace.
func (h *Handlers) DatabaseImage(w http.ResponseWriter, r *http.Request) {
	h.Status(w, r)
}

// Health handles GET /health: liveness only.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{
		Status:    "healthy",
		Timestamp: timeNowUTC(),
	})
}

// Ready handles GET /health/ready: checks every backing service.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	components := h.pipeline.Health(r.Context())

	healthy := true
	for _, c := range components {
		if !c.Healthy {
			healthy = false
			break
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, Response{
		Status:    status,
		Timestamp: timeNowUTC(),
		Data:      components,
	})
}
