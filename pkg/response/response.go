// Package response writes the gateway's JSON bodies: JSON-API style
// documents for metadata and a flat {code, message, data} shape for errors.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/CenterForOpenScience/waterbutler/pkg/logger"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
)

// JSON writes payload as-is with the given status.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

// Data wraps v in a {"data": ...} document.
func Data(w http.ResponseWriter, status int, v any) {
	JSON(w, status, map[string]any{"data": v})
}

// NoContent writes a bare 204.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Error maps err onto its HTTP status and writes the error body. Unexpected
// kinds and provider failures are logged with the request ID; 4xx noise is
// left to the access log.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	e := wberror.From(err)
	status := e.Status()
	if status >= http.StatusInternalServerError {
		logger.WithCtx(r.Context()).Error("request failed",
			"code", string(e.Kind),
			"status", status,
			"method", r.Method,
			"path", r.URL.Path,
			"error", e.Error(),
		)
	}
	JSON(w, status, errorBody{
		Code:    string(e.Kind),
		Message: e.Message,
		Data:    e.Data,
	})
}
