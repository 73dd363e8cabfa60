package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"lancall/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeBind           ErrorCode = "BIND_ERROR"
	ErrCodeMediaAccess    ErrorCode = "MEDIA_ACCESS_ERROR"
	ErrCodeCallInProgress ErrorCode = "CALL_IN_PROGRESS"
	ErrCodeNoIncomingCall ErrorCode = "NO_INCOMING_CALL"
	ErrCodeNegotiation    ErrorCode = "NEGOTIATION_ERROR"
	ErrCodeSendFailure    ErrorCode = "SEND_FAILURE"
	ErrCodeParse          ErrorCode = "PARSE_ERROR"
	ErrCodeTimeout        ErrorCode = "TIMEOUT"
	ErrCodeSelfCall       ErrorCode = "SELF_CALL"
	ErrCodeRateLimit      ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// wrapSentinel joins err under sentinel so both stay reachable through errors.Is.
func wrapSentinel(sentinel, err error) error {
	switch {
	case err == nil:
		return sentinel
	case stderrors.Is(err, sentinel):
		return err
	default:
		return fmt.Errorf("%w: %w", sentinel, err)
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return WrapError(domain.ErrPeerNotFound, ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewBindError(address string, err error) *AppError {
	return WrapError(wrapSentinel(domain.ErrBind, err), ErrCodeBind, fmt.Sprintf("cannot listen on %s", address), http.StatusServiceUnavailable)
}

func NewMediaAccessError(err error) *AppError {
	return WrapError(wrapSentinel(domain.ErrMediaAccess, err), ErrCodeMediaAccess, "camera or microphone unavailable", http.StatusServiceUnavailable)
}

func NewCallInProgressError() *AppError {
	return WrapError(domain.ErrCallInProgress, ErrCodeCallInProgress, "a call is already in progress", http.StatusConflict)
}

func NewNoIncomingCallError() *AppError {
	return WrapError(domain.ErrNoIncomingCall, ErrCodeNoIncomingCall, "there is no incoming call", http.StatusConflict)
}

func NewNegotiationError(err error) *AppError {
	return WrapError(wrapSentinel(domain.ErrNegotiation, err), ErrCodeNegotiation, "session description rejected", http.StatusBadGateway)
}

func NewSendFailure(kind domain.MessageKind, target string, err error) *AppError {
	return WrapError(wrapSentinel(domain.ErrSendFailure, err), ErrCodeSendFailure, fmt.Sprintf("%s not delivered to %s", kind, target), http.StatusBadGateway).
		WithContext("kind", string(kind))
}

func NewParseError(err error) *AppError {
	return WrapError(wrapSentinel(domain.ErrParse, err), ErrCodeParse, "invalid signaling payload", http.StatusBadRequest)
}

func NewTimeoutError() *AppError {
	return WrapError(domain.ErrTimeout, ErrCodeTimeout, "peer did not answer", http.StatusGatewayTimeout)
}

func NewSelfCallError(id domain.PeerID) *AppError {
	return WrapError(domain.ErrSelfCall, ErrCodeSelfCall, fmt.Sprintf("%s is this device", id), http.StatusBadRequest)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HTTPStatus maps err to a status code, defaulting to 500.
func HTTPStatus(err error) int {
	if appErr := GetAppError(err); appErr != nil && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
