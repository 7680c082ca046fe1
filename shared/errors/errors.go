// Package errors defines the structured error taxonomy shared across the
// coordinator's boundaries: manifest ingestion classifies validation
// failures through it, and the control plane maps it onto gRPC status
// codes so a future RPC-based provider inherits the same classification.
package errors

import (
	"fmt"
	"runtime"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorType classifies an error for logging, metrics, and RPC mapping.
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeInvalidInput ErrorType = "INVALID_INPUT"
	ErrorTypeValidation   ErrorType = "VALIDATION"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypePrecondition ErrorType = "PRECONDITION_FAILED"
	ErrorTypeTimeout      ErrorType = "TIMEOUT"
	ErrorTypeUnavailable  ErrorType = "UNAVAILABLE"
	ErrorTypeInternal     ErrorType = "INTERNAL"
)

// Error is a classified error with a stable machine-readable code and
// free-form details. It wraps an optional cause.
type Error struct {
	Type     ErrorType              `json:"type"`
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Stack    []string               `json:"-"`
	Cause    error                  `json:"-"`
	GRPCCode codes.Code             `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails adds one key to the error's details map.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// New creates a classified error. The gRPC code is derived from the type.
func New(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:     errorType,
		Code:     code,
		Message:  message,
		Stack:    captureStack(),
		GRPCCode: grpcCodeFor(errorType),
	}
}

func grpcCodeFor(errorType ErrorType) codes.Code {
	switch errorType {
	case ErrorTypeNotFound:
		return codes.NotFound
	case ErrorTypeInvalidInput, ErrorTypeValidation:
		return codes.InvalidArgument
	case ErrorTypeConflict:
		return codes.AlreadyExists
	case ErrorTypePrecondition:
		return codes.FailedPrecondition
	case ErrorTypeTimeout:
		return codes.DeadlineExceeded
	case ErrorTypeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NotFound reports a missing resource, e.g. a subgraph id no store row backs.
func NotFound(resource string, id interface{}) *Error {
	return New(ErrorTypeNotFound, "RESOURCE_NOT_FOUND",
		fmt.Sprintf("%s not found", resource)).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// InvalidInput reports a malformed field in an inbound request or manifest.
func InvalidInput(field string, reason string) *Error {
	return New(ErrorTypeInvalidInput, "INVALID_INPUT",
		fmt.Sprintf("invalid input for field '%s': %s", field, reason)).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// ValidationError reports a constraint a manifest or request failed to meet.
func ValidationError(field string, constraint string) *Error {
	return New(ErrorTypeValidation, "VALIDATION_ERROR",
		fmt.Sprintf("validation failed for '%s': %s", field, constraint)).
		WithDetails("field", field).
		WithDetails("constraint", constraint)
}

// Precondition reports a violated store precondition, e.g. a pointer write
// whose expected old value no longer matches.
func Precondition(operation string, reason string) *Error {
	return New(ErrorTypePrecondition, "PRECONDITION_FAILED",
		fmt.Sprintf("precondition for '%s' violated: %s", operation, reason)).
		WithDetails("operation", operation)
}

// Unavailable reports a dependency that is down or circuit-broken.
func Unavailable(dependency string) *Error {
	return New(ErrorTypeUnavailable, "DEPENDENCY_UNAVAILABLE",
		fmt.Sprintf("dependency '%s' unavailable", dependency)).
		WithDetails("dependency", dependency)
}

// Timeout reports an operation that exceeded its deadline.
func Timeout(operation string) *Error {
	return New(ErrorTypeTimeout, "TIMEOUT",
		fmt.Sprintf("operation '%s' timed out", operation)).
		WithDetails("operation", operation)
}

// Internal reports an unclassified failure.
func Internal(message string) *Error {
	return New(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// ToGRPCError converts the error to a gRPC status error. Details are folded
// into the message since the control plane carries no proto detail types.
func (e *Error) ToGRPCError() error {
	msg := e.Message
	if len(e.Details) > 0 {
		msg = fmt.Sprintf("%s %v", e.Message, e.Details)
	}
	return status.Error(e.GRPCCode, msg)
}

// IsType reports whether err is a classified error of the given type.
func IsType(err error, errorType ErrorType) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == errorType
	}
	return false
}

// GetCode returns err's stable code, or "UNKNOWN" for unclassified errors.
func GetCode(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return "UNKNOWN"
}

func captureStack() []string {
	var stack []string
	for i := 2; i < 10; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn != nil && !strings.Contains(fn.Name(), "runtime.") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", file, line, fn.Name()))
		}
	}
	return stack
}
