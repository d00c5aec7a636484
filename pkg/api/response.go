package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/roadsight/blurpipe/internal/logger"
)

// Response is the standard API response wrapper.
//
// All responses follow this structure:
//   - Status indicates the overall result ("ok", "error", "healthy", "unhealthy")
//   - Timestamp provides response time
//   - Data contains the payload (optional)
//   - Error contains error details on failure (optional)
type Response struct {
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code. Encoding goes
// to a buffer first so an encode failure can still produce a clean 500.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", logger.Err(err))
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func okResponse(data interface{}) Response {
	return Response{Status: "ok", Timestamp: time.Now().UTC(), Data: data}
}

func errorResponse(msg string) Response {
	return Response{Status: "error", Timestamp: time.Now().UTC(), Error: msg}
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, okResponse(data))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse(msg))
}

func timeNowUTC() time.Time {
	return time.Now().UTC()
}
