package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/docreview/pkg/models"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// conflictMessage is shown for optimistic-concurrency failures.
const conflictMessage = "configuration changed, please retry"

// statusFor maps pipeline errors onto HTTP statuses.
func statusFor(err error) (int, ErrorResponse) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Code: "validation", Field: verr.Field}
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"}
	case errors.Is(err, models.ErrVersionConflict), errors.Is(err, models.ErrDuplicate):
		return http.StatusConflict, ErrorResponse{Error: conflictMessage, Code: "version_conflict"}
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrStaleAttempt):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "invalid_transition"}
	case models.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "temporarily unavailable, please retry", Code: "unavailable"}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	body.RequestID = GetRequestID(r.Context())
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", body.RequestID).Msg("Request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// decodeJSON reads the body into v. Decoding problems are validation errors, keeping the
// field named by a model's own validation.
func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return nil
	}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	if errors.Is(err, io.EOF) {
		return models.NewValidationError("body", "request body is empty")
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return models.NewValidationError("body", fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	}
	return models.NewValidationError("body", "invalid JSON: "+err.Error())
}

// pathID reads and validates a path identifier.
func pathID(r *http.Request, name string) (string, error) {
	id := chi.URLParam(r, name)
	if err := ValidateIdentifier(name, id); err != nil {
		return "", models.NewValidationError(name, err.Error())
	}
	return id, nil
}
