package controlplane

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

const (
	errValidation = "VALIDATION"
	errNotFound   = "NOT_FOUND"
	errConflict   = "CONFLICT"
	errInternal   = "INTERNAL"
	errUnavail    = "UNAVAILABLE"
)

type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiError{Error: apiErrorDetail{Code: code, Message: message}}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, errInternal, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// parsePagination reads limit from the query string. spec.md §8 requires
// limit > 100 to be a hard validation error rather than a silently-clamped
// value, so ok is false whenever the caller should respond 400.
func parsePagination(r *http.Request) (limit int, ok bool) {
	limit = defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageLimit {
			return 0, false
		}
		limit = n
	}
	return limit, true
}
