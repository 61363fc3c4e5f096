// Package httputil holds the small JSON response helpers shared by the
// HTTP handlers.
package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lericson/oblam-deskew/internal/monitoring"
)

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("[HTTP] failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes a 200 JSON response.
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// QueryLimit parses the "limit" query parameter. A missing parameter yields
// def; values outside [1, upper] are rejected.
func QueryLimit(r *http.Request, def, upper int) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > upper {
		return 0, false
	}
	return n, true
}
