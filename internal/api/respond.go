package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Success     bool       `json:"success"`
	Error       string     `json:"error"`
	Code        string     `json:"code"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

type errorMapping struct {
	status int
	code   string
}

var errorMappings = map[apperr.Kind]errorMapping{
	apperr.KindValidation:          {http.StatusBadRequest, "VALIDATION_ERROR"},
	apperr.KindAuth:                {http.StatusUnauthorized, "UNAUTHORIZED"},
	apperr.KindForbidden:           {http.StatusForbidden, "FORBIDDEN"},
	apperr.KindNotFound:            {http.StatusNotFound, "NOT_FOUND"},
	apperr.KindConflict:            {http.StatusLocked, "LOCKED"},
	apperr.KindInsufficientCredits: {http.StatusBadRequest, "INSUFFICIENT_CREDITS"},
	apperr.KindDependency:          {http.StatusBadGateway, "DEPENDENCY_FAILED"},
	apperr.KindTimeout:             {http.StatusGatewayTimeout, "TIMEOUT"},
	apperr.KindInternal:            {http.StatusInternalServerError, "INTERNAL_ERROR"},
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if m, ok := errorMappings[apperr.KindOf(err)]; ok {
		return m.status
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// respondError renders err with the status its kind maps to. Wrapped causes
// are logged, never returned.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	m, ok := errorMappings[apperr.KindOf(err)]
	if !ok {
		m = errorMappings[apperr.KindInternal]
	}

	resp := ErrorResponse{Success: false, Code: m.code, Error: "internal error"}
	if e, ok := apperr.As(err); ok {
		resp.Error = e.Message
		resp.LockedUntil = e.LockedUntil
		resp.Reason = e.LockReason
	}

	event := log.Debug()
	if m.status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Int("status", m.status).
		Msg("Request failed")

	respondJSON(w, m.status, resp)
}

// respondOK wraps data fields in the success envelope.
func respondOK(w http.ResponseWriter, status int, fields map[string]interface{}) {
	body := map[string]interface{}{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	respondJSON(w, status, body)
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, op string, dst interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, op, "invalid request body", err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body and leaves dst untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, op string, dst interface{}) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Wrap(apperr.KindValidation, op, "invalid request body", err)
}
