package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: connection refused, timeouts, credential backend unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the engine refused work because it is saturated.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a stale state transition.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: rejected credentials, unparseable device output, unknown task.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Kind is the onboarding error taxonomy surfaced on failed tasks and API responses.
type Kind string

const (
	KindValidation  Kind = "ValidationError"
	KindConnection  Kind = "ConnectionError"
	KindAuth        Kind = "AuthError"
	KindDetection   Kind = "DetectionError"
	KindProtocol    Kind = "ProtocolError"
	KindParse       Kind = "ParseError"
	KindCancelled   Kind = "Cancelled"
	KindPersistence Kind = "PersistenceError"
	KindNotFound    Kind = "NotFoundError"
	KindThrottled   Kind = "Throttled"
	KindConflict    Kind = "Conflict"
	KindInternal    Kind = "InternalError"
)

// classOf returns the retry class a kind belongs to.
func classOf(k Kind) ErrorClass {
	switch k {
	case KindConnection:
		return ErrorClassTransient
	case KindThrottled:
		return ErrorClassThrottled
	case KindConflict:
		return ErrorClassConflict
	default:
		return ErrorClassPermanent
	}
}

// FailedReason is the coarse failure bucket reported to inventory operators.
type FailedReason string

const (
	ReasonConfig  FailedReason = "fail-config"
	ReasonConnect FailedReason = "fail-connect"
	ReasonExecute FailedReason = "fail-execute"
	ReasonGeneral FailedReason = "fail-general"
	ReasonLogin   FailedReason = "fail-login"
	ReasonDNS     FailedReason = "fail-dns"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Kind is the onboarding taxonomy entry.
	Kind Kind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the task or device the error relates to, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors are equal when they share kind and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewError creates an error of the given kind, deriving its retry class.
func NewError(kind Kind, message string, err error) *EngineError {
	return &EngineError{
		Class:   classOf(kind),
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

func NewValidationError(message string, err error) *EngineError {
	return NewError(KindValidation, message, err).WithCode(ErrCodeValidation)
}

func NewConnectionError(message string, err error) *EngineError {
	return NewError(KindConnection, message, err)
}

// NewTimeoutError creates a transient connection error carrying the TIMEOUT code.
func NewTimeoutError(message string, err error) *EngineError {
	return NewError(KindConnection, message, err).WithCode(ErrCodeTimeout)
}

func NewAuthError(message string, err error) *EngineError {
	return NewError(KindAuth, message, err)
}

func NewDetectionError(message string, err error) *EngineError {
	return NewError(KindDetection, message, err)
}

func NewProtocolError(message string, err error) *EngineError {
	return NewError(KindProtocol, message, err)
}

func NewParseError(message string, err error) *EngineError {
	return NewError(KindParse, message, err)
}

func NewCancelledError(message string) *EngineError {
	return NewError(KindCancelled, message, nil).WithCode(ErrCodeCancelled)
}

func NewPersistenceError(message string, err error) *EngineError {
	return NewError(KindPersistence, message, err)
}

func NewNotFoundError(resource string) *EngineError {
	return NewError(KindNotFound, "task not found", nil).
		WithCode(ErrCodeNotFound).
		WithResource(resource)
}

// NewThrottledError creates an error for work refused because the queue is full.
func NewThrottledError(message string, err error) *EngineError {
	return NewError(KindThrottled, message, err).WithCode(ErrCodeRateLimited)
}

// NewConflictError creates an error for a compare-and-set that lost.
func NewConflictError(message string, err error) *EngineError {
	return NewError(KindConflict, message, err).WithCode(ErrCodeConflict)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the onboarding kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsRetryable returns true if an onboarding attempt that failed with err may be retried.
// Conflicts are bookkeeping outcomes, not attempt failures, and are never retried.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// Classify converts an arbitrary attempt error into an engine error.
// Already-classified errors pass through; context deadlines become timeouts.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("attempt deadline exceeded", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return NewConnectionError("name resolution failed", err).WithCode(ErrCodeDNS)
		}
		return NewConnectionError("name resolution failed", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTimeoutError("network timeout", err)
		}
		return NewConnectionError("network error", err)
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return NewConnectionError("transient transport failure", err)
	}
	return NewError(KindInternal, "unclassified failure", err).WithCode(ErrCodeInternal)
}

// ReasonFor maps a terminal error onto the failed_reason bucket.
func ReasonFor(err error) FailedReason {
	var e *EngineError
	if !errors.As(err, &e) {
		return ReasonGeneral
	}
	switch e.Kind {
	case KindValidation:
		return ReasonConfig
	case KindConnection:
		if e.Code == ErrCodeDNS {
			return ReasonDNS
		}
		return ReasonConnect
	case KindAuth:
		return ReasonLogin
	case KindProtocol, KindParse:
		return ReasonExecute
	default:
		return ReasonGeneral
	}
}

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodePolicyDenied  = "POLICY_DENIED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeDNS           = "DNS"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeInternal      = "INTERNAL_ERROR"
)
