package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an auth failure for status mapping and client
// consumption.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "validation_error"
	CodeNotAuthenticated    ErrorCode = "not_authenticated"
	CodeAuthorizationDenied ErrorCode = "authorization_denied"
	CodeNotFound            ErrorCode = "not_found"
	CodeInvalidState        ErrorCode = "invalid_or_expired_state"
	CodeProviderUnavailable ErrorCode = "identity_provider_unavailable"
	CodeInternal            ErrorCode = "internal_error"
)

// Error is the typed failure returned across the auth subsystem. Message is
// safe for clients; the wrapped cause is for server-side logs only.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status maps the error code to its HTTP status.
func (e *Error) Status() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotAuthenticated, CodeAuthorizationDenied, CodeInvalidState:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errValidation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

func errNotAuthenticated() *Error {
	return &Error{Code: CodeNotAuthenticated, Message: "not authenticated"}
}

func errAuthorizationDenied(msg string) *Error {
	return &Error{Code: CodeAuthorizationDenied, Message: msg}
}

func errNotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func errInvalidState() *Error {
	return &Error{Code: CodeInvalidState, Message: "invalid or expired state"}
}

func errProviderUnavailable(msg string, cause error) *Error {
	return &Error{Code: CodeProviderUnavailable, Message: msg, cause: cause}
}

func errInternal(msg string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: msg, cause: cause}
}

// asAuthError normalizes any error into an *Error, defaulting to an
// internal classification.
func asAuthError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return errInternal("internal error", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the structured failure body. Only Code and Message cross
// the boundary; the cause stays server-side.
func writeError(w http.ResponseWriter, err error) {
	ae := asAuthError(err)
	writeJSON(w, ae.Status(), map[string]any{
		"success": false,
		"error":   ae.Message,
		"code":    ae.Code,
	})
}
