package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/parleo/parleo/internal/call"
	"github.com/parleo/parleo/internal/media"
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// writeServiceError maps a domain error onto an HTTP status. Internal
// details stay out of the response body.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, media.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case errors.Is(err, media.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
		return
	case errors.Is(err, media.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	case errors.Is(err, media.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, media.ErrNotUploaded):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, media.ErrBadSignature):
		writeError(w, http.StatusForbidden, "invalid or expired upload link")
		return
	}

	switch call.KindOf(err) {
	case call.KindBadInput, call.KindValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case call.KindUnauthenticated:
		writeError(w, http.StatusUnauthorized, err.Error())
	case call.KindForbidden:
		writeError(w, http.StatusForbidden, err.Error())
	case call.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case call.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
	case call.KindTimeout:
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case call.KindExternal:
		writeError(w, http.StatusBadGateway, "upstream failure")
	default:
		slog.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
