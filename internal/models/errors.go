package models

import (
	"fmt"
	"net/http"
)

// ErrorCode values are part of the public interface and must stay stable.
type ErrorCode string

const (
	CodeOK                  ErrorCode = "OK"
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInternalError       ErrorCode = "INTERNAL_ERROR"
	CodeNoMatch             ErrorCode = "NO_MATCH"
	CodeUpstreamStreamError ErrorCode = "UPSTREAM_STREAM_ERROR"
	CodeUpstream403         ErrorCode = "UPSTREAM_403"
	CodeUpstream404         ErrorCode = "UPSTREAM_404"
	CodeUpstreamRateLimit   ErrorCode = "UPSTREAM_RATE_LIMIT"
	CodeInvalidUploadType   ErrorCode = "INVALID_UPLOAD_TYPE"
	CodePayloadTooLarge     ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedURL      ErrorCode = "UNSUPPORTED_URL"
	CodeTokenRefreshFailed  ErrorCode = "TOKEN_REFRESH_FAILED"
	CodeTokenBackoff        ErrorCode = "TOKEN_BACKOFF"
	CodeNoTokenAvailable    ErrorCode = "NO_TOKEN_AVAILABLE"
	CodeProxyRequired       ErrorCode = "PROXY_REQUIRED"
	CodeProxyAuthFailed     ErrorCode = "PROXY_AUTH_FAILED"
	CodeProxyConnectFailed  ErrorCode = "PROXY_CONNECT_FAILED"
)

// APIError is a classified error carried across service boundaries and
// rendered by the HTTP layer.
type APIError struct {
	Code       ErrorCode
	HTTPStatus int
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError creates an APIError with an explicit status.
func NewAPIError(code ErrorCode, status int, msg string) *APIError {
	return &APIError{Code: code, HTTPStatus: status, Message: msg}
}

// WithDetails attaches structured details and returns the error.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	e.Details = details
	return e
}

// Common constructors.

func ErrBadRequest(msg string) *APIError {
	return NewAPIError(CodeBadRequest, http.StatusBadRequest, msg)
}

func ErrUnauthorized(msg string) *APIError {
	return NewAPIError(CodeUnauthorized, http.StatusUnauthorized, msg)
}

func ErrForbidden(msg string) *APIError {
	return NewAPIError(CodeForbidden, http.StatusForbidden, msg)
}

func ErrNotFound(msg string) *APIError {
	return NewAPIError(CodeNotFound, http.StatusNotFound, msg)
}

func ErrNoMatch(msg string) *APIError {
	return NewAPIError(CodeNoMatch, http.StatusNotFound, msg)
}

func ErrInternal(msg string) *APIError {
	return NewAPIError(CodeInternalError, http.StatusInternalServerError, msg)
}

// Upstream stream failures map to 502: the hub is the gateway at fault's edge.

func ErrUpstream(code ErrorCode, msg string) *APIError {
	return NewAPIError(code, http.StatusBadGateway, msg)
}
