package api

import (
	"encoding/json"
	"net/http"

	dtkerrors "dtk/internal/errors"
)

// StatusFor maps an error kind to its HTTP status code.
func StatusFor(err *dtkerrors.Error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	switch err.Kind {
	case dtkerrors.NotFound:
		return http.StatusNotFound // 404
	case dtkerrors.BadRequest, dtkerrors.ValidationFailed:
		return http.StatusBadRequest // 400
	case dtkerrors.Unauthorized:
		return http.StatusUnauthorized // 401
	case dtkerrors.Timeout:
		return http.StatusRequestTimeout // 408
	case dtkerrors.Conflict:
		return http.StatusConflict // 409
	case dtkerrors.ResourceExhausted:
		return http.StatusTooManyRequests // 429
	default:
		return http.StatusInternalServerError // 500
	}
}

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a bare error response for failures that happen
// before a request reaches the dispatch layer.
func WriteError(w http.ResponseWriter, status int, kind, message string) {
	WriteJSON(w, status, map[string]any{
		"status": "error",
		"error":  map[string]string{"kind": kind, "message": message},
	})
}
