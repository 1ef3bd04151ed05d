package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Construction and input error codes. These are fatal for the call
// that produced them and are returned to the caller unchanged.
const (
	ErrConfiguration ErrorCode = "CONFIGURATION_ERROR"
	ErrEmptyQuery    ErrorCode = "EMPTY_QUERY"
	ErrEmptyDocument ErrorCode = "EMPTY_DOCUMENT"
	ErrIndexNotBuilt ErrorCode = "INDEX_NOT_BUILT"
)

// Collaborator availability error codes. Each has a defined fallback
// inside the engine and is logged rather than surfaced to the caller.
const (
	ErrEmbeddingUnavailable  ErrorCode = "EMBEDDING_UNAVAILABLE"
	ErrRerankUnavailable     ErrorCode = "RERANK_UNAVAILABLE"
	ErrGenerationUnavailable ErrorCode = "GENERATION_UNAVAILABLE"
)

// Infrastructure error codes.
const (
	ErrCacheIO  ErrorCode = "CACHE_IO"
	ErrTimeout  ErrorCode = "TIMEOUT"
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the collaborator name (embedder/reranker/generator).
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// NewConfigurationError creates a fatal construction-time error.
func NewConfigurationError(message string) *Error {
	return NewError(ErrConfiguration, message).WithHTTPStatus(400)
}

// NewEmptyQueryError creates the error returned for blank queries.
func NewEmptyQueryError() *Error {
	return NewError(ErrEmptyQuery, "query must not be empty").WithHTTPStatus(400)
}

// NewEmptyDocumentError creates the error returned for blank documents.
func NewEmptyDocumentError() *Error {
	return NewError(ErrEmptyDocument, "document must not be empty").WithHTTPStatus(400)
}

// NewIndexNotBuiltError creates the error returned when querying an
// engine that has never indexed any documents.
func NewIndexNotBuiltError() *Error {
	return NewError(ErrIndexNotBuilt, "no documents indexed; call IndexDocuments first").WithHTTPStatus(409)
}

// NewUnavailableError creates a retryable collaborator-unavailable error.
func NewUnavailableError(code ErrorCode, provider string, cause error) *Error {
	return NewError(code, "external provider unavailable").
		WithProvider(provider).
		WithRetryable(true).
		WithCause(cause)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given engine error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// AsError extracts a structured *Error from err, or nil.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
