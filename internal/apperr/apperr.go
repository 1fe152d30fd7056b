// Package apperr defines the error taxonomy shared across the server.
// Every error carries a stable machine-readable code and a user-safe
// message; internal causes are wrapped and logged but never surfaced.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code.
type Code string

const (
	// Auth
	CodeMissingToken      Code = "missing_token"
	CodeInvalidToken      Code = "invalid_token"
	CodeExpiredToken      Code = "expired_token"
	CodeChallengeRequired Code = "challenge_required"
	CodeAccountLocked     Code = "account_locked"

	// Authorization
	CodeForbidden Code = "forbidden"

	// Not found
	CodeUserNotFound         Code = "user_not_found"
	CodeConversationNotFound Code = "conversation_not_found"
	CodeAudioNotFound        Code = "audio_not_found"

	// Validation
	CodeBadRequest     Code = "bad_request"
	CodeDuplicateAudio Code = "duplicate_audio"
	CodeTooManyAudios  Code = "too_many_audios"

	// Limits
	CodeQuotaExceeded Code = "quota_exceeded"
	CodeRateLimited   Code = "rate_limited"

	// Upstream
	CodeIdentityProvider Code = "identity_provider_error"
	CodeTranscription    Code = "transcription_error"
	CodeAnalysis         Code = "analysis_error"
	CodeKvUnavailable    Code = "kv_unavailable"

	// Internal
	CodeUnexpected Code = "unexpected"
)

// Error is an application error with a stable code and user-safe message.
// RetryAfter, when > 0, is advisory seconds until the caller may retry.
type Error struct {
	Code       Code
	Message    string
	RetryAfter int
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an application error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap creates an application error with an internal cause. The cause is
// reachable via errors.Unwrap for logging but excluded from user output.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// RateLimited creates a rate-limit error with retry advice in seconds.
func RateLimited(retryAfter int) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    "too many requests",
		RetryAfter: retryAfter,
	}
}

// CodeOf extracts the code from err, or CodeUnexpected if err is not an
// application error.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnexpected
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
