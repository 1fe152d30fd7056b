package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/dyadlabs/dyad-server/internal/apperr"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeMissingToken, apperr.CodeInvalidToken, apperr.CodeExpiredToken:
		return http.StatusUnauthorized
	case apperr.CodeChallengeRequired, apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeAccountLocked:
		return http.StatusLocked
	case apperr.CodeUserNotFound, apperr.CodeConversationNotFound, apperr.CodeAudioNotFound:
		return http.StatusNotFound
	case apperr.CodeBadRequest:
		return http.StatusBadRequest
	case apperr.CodeDuplicateAudio, apperr.CodeTooManyAudios:
		return http.StatusConflict
	case apperr.CodeQuotaExceeded, apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeIdentityProvider, apperr.CodeTranscription, apperr.CodeAnalysis:
		return http.StatusBadGateway
	case apperr.CodeKvUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteAppError maps an application error to its HTTP shape. Unknown
// errors surface as 500 with a generic body; the cause is logged with
// the request's correlation id.
func WriteAppError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		hlog.FromRequest(r).Error().Err(err).Msg("unhandled error")
		ae = apperr.New(apperr.CodeUnexpected, "internal server error")
	}
	if ae.Code == apperr.CodeUnexpected || statusFor(ae.Code) >= 500 {
		hlog.FromRequest(r).Error().Err(err).Str("code", string(ae.Code)).Msg("request failed")
	}

	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
	}
	WriteJSON(w, statusFor(ae.Code), ErrorResponse{Error: ae.Message, Code: string(ae.Code)})
}

// Pagination holds parsed pagination parameters.
type Pagination struct {
	Limit  int
	Offset int
}

// ParsePagination extracts limit and offset from query params with defaults.
// Returns an error if values are present but invalid.
func ParsePagination(r *http.Request) (Pagination, error) {
	p := Pagination{Limit: 50, Offset: 0}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid limit %q: must be an integer", v)
		}
		if n < 1 {
			return p, fmt.Errorf("invalid limit %d: must be >= 1", n)
		}
		p.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid offset %q: must be an integer", v)
		}
		if n < 0 {
			return p, fmt.Errorf("invalid offset %d: must be >= 0", n)
		}
		p.Offset = n
	}
	return p, nil
}

// DecodeJSON reads and decodes a JSON request body into v.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("missing request body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}
