package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tombee/discovery/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteErr maps a domain error to an HTTP status and writes the error
// envelope. Unclassified errors become 500 with a generic message so
// internals never leak to clients.
func WriteErr(w http.ResponseWriter, err error) {
	status := ErrorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", slog.Any("error", err))
		WriteError(w, status, "internal server error")
		return
	}
	WriteError(w, status, err.Error())
}

// ErrorStatus maps the error taxonomy to HTTP status codes.
func ErrorStatus(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsConflict(err), errors.IsInvariant(err):
		return http.StatusConflict
	case errors.IsRemoteStep(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
