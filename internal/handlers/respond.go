package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"beacon/internal/logger"
	"beacon/internal/models"
	"beacon/internal/storage"
)

const defaultMaxBodySize = 10 * 1024 * 1024

// errConfirmationRequired marks destructive calls made without ?confirm=true
var errConfirmationRequired = errors.New("confirmation required: repeat the request with ?confirm=true")

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logger.WithComponent("http")
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeStoreError maps domain errors onto status codes
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Field: verr.Field})
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errConfirmationRequired):
		writeError(w, http.StatusPreconditionRequired, err.Error())
	case errors.Is(err, storage.ErrConditionActive):
		writeError(w, http.StatusPreconditionRequired, errConfirmationRequired.Error())
	default:
		log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
		log.Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody reads a JSON body no larger than limit into v
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return models.Invalid("", "request body too large")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return models.Invalid("", "invalid JSON: %v", err)
	}
	return nil
}

// confirmed reports whether the caller passed ?confirm=true
func confirmed(r *http.Request) bool {
	return r.URL.Query().Get("confirm") == "true"
}

func checkJSON(r *http.Request) error {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("content-type must be application/json")
	}
	return nil
}
