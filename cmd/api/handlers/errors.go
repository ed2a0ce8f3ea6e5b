package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/docuvision/docuvision/internal/apperror"
)

// statusForError maps an apperror.Kind onto the HTTP status codes named
// in SPEC_FULL.md §6: 400 malformed input, 404 unknown id, 409 invalid
// state transition, 413 upload too large, 422 validation, 429
// rate-limit, 5xx server errors.
func statusForError(err error) int {
	var ae *apperror.Error
	if !apperror.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case apperror.KindInvalidFile:
		return http.StatusBadRequest
	case apperror.KindUploadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperror.KindUnknownSchema:
		return http.StatusUnprocessableEntity
	case apperror.KindInvalidState:
		return http.StatusConflict
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindVisionRateLimited:
		return http.StatusTooManyRequests
	case apperror.KindVisionUnavailable, apperror.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{"error": err.Error()}
	json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
