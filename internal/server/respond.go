package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/corepower/pmcoord/internal/errors"
)

// requestIDHeader carries the id assigned to every mutation.
const requestIDHeader = "X-Request-ID"

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code, msg := apperrors.ToCodeAndMessage(err)
	writeJSON(w, statusFor(code), ErrorResponse{Code: code, Message: msg})
}

// statusFor maps an error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case apperrors.CodePreconditionFailed, apperrors.CodePreempted, apperrors.CodeTimeout:
		return http.StatusConflict
	case apperrors.CodeDependencyTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeUnknownCore, apperrors.CodeUnknownDomain:
		return http.StatusNotFound
	case apperrors.CodeUnknownSleepType, apperrors.CodeServerInvalidMessage,
		apperrors.CodeMailboxDecodeFailed, apperrors.CodeMailboxUnknownKind:
		return http.StatusBadRequest
	case apperrors.CodeServerRateLimited:
		return http.StatusTooManyRequests
	case apperrors.CodeServerUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.InvalidMessage("invalid request body: " + err.Error())
	}
	return nil
}

// limited rejects mutations beyond the configured rate and tags each
// accepted request with a fresh request id.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, apperrors.RateLimited())
			return
		}
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next(w, r)
	}
}
