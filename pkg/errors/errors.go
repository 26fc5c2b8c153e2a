// Package errors provides the structured error type shared by gompcore
// components. Share rejections are not represented here; they are protocol
// outcomes carried by jobs.ShareResult.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorType classifies a ServiceError by the subsystem that produced it.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeBitcoin    ErrorType = "bitcoin"
	ErrorTypeKafka      ErrorType = "kafka"
	ErrorTypeTimeout    ErrorType = "timeout"
	// ErrorTypeConfig marks startup misconfiguration. These are fatal.
	ErrorTypeConfig   ErrorType = "config"
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is an error annotated with the failing operation and
// arbitrary key/value context for structured logging.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Operation, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair and returns e for chaining.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// LogAttrs flattens the error for slog: type, operation and every context
// entry, in that order.
func (e *ServiceError) LogAttrs() []any {
	attrs := make([]any, 0, 4+2*len(e.Context))
	attrs = append(attrs, "error_type", string(e.Type), "operation", e.Operation)
	for k, v := range e.Context {
		attrs = append(attrs, k, v)
	}
	return attrs
}

// New creates a ServiceError without an underlying cause.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableType(errorType),
	}
}

// Wrap annotates err. It returns nil when err is nil so call sites can wrap
// unconditionally.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := retryableCause(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka:
		return true
	default:
		return false
	}
}

var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"timeout",
	"temporary failure",
	"too many connections",
	"work queue depth exceeded",
}

func retryableCause(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsType reports whether any ServiceError in err's chain has the given type.
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return retryableCause(err)
}

// GetContext returns the context map of the outermost ServiceError in err.
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
