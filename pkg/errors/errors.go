// Package errors provides structured error handling for Polystore with rich
// context, stack traces, and error categorization. Every error crossing a
// component boundary carries a type (for retry and alerting decisions), an
// optional stage (routing, translation, execution, commit), and key-value
// details.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorType represents the category of error, used for retry strategies,
// monitoring, and caller-visible classification.
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents configuration or input validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConflict represents conflict errors
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeTimeout represents deadline/timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents transient network or pool errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeConfig represents configuration loading errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeCapability represents operations unsupported by the resolved technology
	ErrorTypeCapability ErrorType = "capability"
	// ErrorTypeQuery represents query translation or execution errors
	ErrorTypeQuery ErrorType = "query"
	// ErrorTypeTransaction represents transaction coordination errors
	ErrorTypeTransaction ErrorType = "transaction"
	// ErrorTypeInconsistentState represents a partial commit across participants
	ErrorTypeInconsistentState ErrorType = "inconsistent_state"
	// ErrorTypeHealth represents health check errors
	ErrorTypeHealth ErrorType = "health"
	// ErrorTypeRateLimit represents rate limit errors
	ErrorTypeRateLimit ErrorType = "rate_limit"
)

// Stage identifies which phase of request handling produced an error.
type Stage string

const (
	StageRouting     Stage = "routing"
	StageTranslation Stage = "translation"
	StageExecution   Stage = "execution"
	StageCommit      Stage = "commit"
)

// Error represents a structured error with context.
type Error struct {
	Type    ErrorType
	Stage   Stage
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Chainable.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithStage records the request stage that produced the error. Chainable.
func (e *Error) WithStage(stage Stage) *Error {
	e.Stage = stage
	return e
}

// New creates a new error with the given type and message, capturing the
// call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the
// original error as the cause. Returns nil if err is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already a structured error, preserve its stack.
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Type:    errType,
			Stage:   existing.Stage,
			Message: message,
			Cause:   err,
			Stack:   existing.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// NewCapability creates a CapabilityError naming the blocking capability.
// Callers must fail with this before any network call is attempted.
func NewCapability(technology, blocking string) *Error {
	e := Newf(ErrorTypeCapability, "technology %q does not support %s", technology, blocking)
	e.Stage = StageRouting
	return e.WithDetail("technology", technology).WithDetail("blocking_capability", blocking)
}

// IsRetryable returns true if the error is safe to retry. Only transient
// transport-level failures qualify; capability, validation, and transaction
// errors never do.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Type {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// InconsistentStateError reports a partial commit across transaction
// participants. It is escalated as an operator alert and must never be
// retried automatically.
type InconsistentStateError struct {
	TransactionID string
	Committed     []string
	RolledBack    []string
	Cause         error
}

// Error implements the error interface.
func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("%s: transaction %s partially committed (committed=[%s] rolledback=[%s])",
		ErrorTypeInconsistentState, e.TransactionID,
		strings.Join(e.Committed, ","), strings.Join(e.RolledBack, ","))
}

// Unwrap returns the commit failure that triggered the inconsistency.
func (e *InconsistentStateError) Unwrap() error {
	return e.Cause
}

// captureStack captures the current call stack, skipping the given number
// of frames from the top.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
