package shared

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorCategory represents different types of errors that can occur
type ErrorCategory string

const (
	ErrorCategoryNotFound     ErrorCategory = "not_found"
	ErrorCategoryConflict     ErrorCategory = "conflict"
	ErrorCategoryTransient    ErrorCategory = "transient"
	ErrorCategoryPermanent    ErrorCategory = "permanent"
	ErrorCategoryInvalidState ErrorCategory = "invalid_state"
	ErrorCategoryValidation   ErrorCategory = "validation"
	ErrorCategoryDatabase     ErrorCategory = "database"
)

// ServiceError represents a standardized error with additional context
type ServiceError struct {
	Category    ErrorCategory `json:"category"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	Details     interface{}   `json:"details,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	ServiceName string        `json:"service_name"`
	Operation   string        `json:"operation"`
	Retryable   bool          `json:"retryable"`
	Cause       error         `json:"-"` // Original error, not serialized
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// NewServiceError creates a new service error
func NewServiceError(category ErrorCategory, code, message, serviceName, operation string, retryable bool, cause error) *ServiceError {
	return &ServiceError{
		Category:    category,
		Code:        code,
		Message:     message,
		Timestamp:   time.Now(),
		ServiceName: serviceName,
		Operation:   operation,
		Retryable:   retryable,
		Cause:       cause,
	}
}

// NewNotFoundError creates a not_found error for a missing entity
func NewNotFoundError(entity, id, serviceName, operation string) *ServiceError {
	return NewServiceError(ErrorCategoryNotFound, "NOT_FOUND",
		fmt.Sprintf("%s %s not found", entity, id), serviceName, operation, false, nil)
}

// NewConflictError creates a conflict error (e.g. a scan already running)
func NewConflictError(message, serviceName, operation string) *ServiceError {
	return NewServiceError(ErrorCategoryConflict, "CONFLICT", message, serviceName, operation, false, nil)
}

// NewTransientError creates a retryable transient error
func NewTransientError(code, message, serviceName, operation string, cause error) *ServiceError {
	return NewServiceError(ErrorCategoryTransient, code, message, serviceName, operation, true, cause)
}

// NewPermanentError creates a non-retryable permanent error
func NewPermanentError(code, message, serviceName, operation string, cause error) *ServiceError {
	return NewServiceError(ErrorCategoryPermanent, code, message, serviceName, operation, false, cause)
}

// NewInvalidStateError creates an invalid_state error for operations
// attempted against terminal or otherwise unmodifiable resources
func NewInvalidStateError(message, serviceName, operation string) *ServiceError {
	return NewServiceError(ErrorCategoryInvalidState, "INVALID_STATE", message, serviceName, operation, false, nil)
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(details interface{}) *ServiceError {
	e.Details = details
	return e
}

// IsRetryable returns whether the error is retryable
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// GetCategory returns the error category
func (e *ServiceError) GetCategory() ErrorCategory {
	return e.Category
}

// LogError logs the error with structured fields
func (e *ServiceError) LogError() {
	logrus.WithFields(logrus.Fields{
		"error_category":   e.Category,
		"error_code":       e.Code,
		"error_message":    e.Message,
		"service_name":     e.ServiceName,
		"operation":        e.Operation,
		"retryable":        e.Retryable,
		"timestamp":        e.Timestamp,
		"details":          e.Details,
		"underlying_error": e.Cause,
	}).Error("Service error occurred")
}

func categoryOf(err error) ErrorCategory {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Category
	}
	return ""
}

// IsNotFound reports whether err is a not_found ServiceError
func IsNotFound(err error) bool { return categoryOf(err) == ErrorCategoryNotFound }

// IsConflict reports whether err is a conflict ServiceError
func IsConflict(err error) bool { return categoryOf(err) == ErrorCategoryConflict }

// IsTransient reports whether err is a transient ServiceError
func IsTransient(err error) bool { return categoryOf(err) == ErrorCategoryTransient }

// IsPermanent reports whether err is a permanent ServiceError
func IsPermanent(err error) bool { return categoryOf(err) == ErrorCategoryPermanent }

// IsInvalidState reports whether err is an invalid_state ServiceError
func IsInvalidState(err error) bool { return categoryOf(err) == ErrorCategoryInvalidState }

// WrapError wraps an existing error with service error context
func WrapError(err error, category ErrorCategory, code, serviceName, operation string, retryable bool) *ServiceError {
	if err == nil {
		return nil
	}

	// If it's already a ServiceError, just update the context
	if serviceErr, ok := err.(*ServiceError); ok {
		serviceErr.ServiceName = serviceName
		serviceErr.Operation = operation
		return serviceErr
	}

	return NewServiceError(category, code, err.Error(), serviceName, operation, retryable, err)
}

// IsRetryableError checks if an error is retryable
func IsRetryableError(err error) bool {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.IsRetryable()
	}

	// Default heuristics for standard errors
	errorMsg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout", "connection refused", "connection reset",
		"temporary failure", "service unavailable", "too many requests",
		"network", "dns", "socket", "context deadline exceeded",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errorMsg, pattern) {
			return true
		}
	}

	return false
}

// BuildBatchErrorSummary creates an error summary for a partially failed scan,
// limited to a handful of sample errors to keep the message bounded
func BuildBatchErrorSummary(successCount, totalErrorCount int, sampleErrors []error) string {
	var summaryBuilder strings.Builder
	summaryBuilder.WriteString(fmt.Sprintf("batch processing completed with %d successes and %d failures", successCount, totalErrorCount))

	sampleSize := len(sampleErrors)
	if sampleSize > 3 {
		sampleSize = 3
	}

	for i := 0; i < sampleSize; i++ {
		summaryBuilder.WriteString(fmt.Sprintf("; %s", sampleErrors[i].Error()))
	}

	if totalErrorCount > len(sampleErrors) {
		summaryBuilder.WriteString(fmt.Sprintf("; and %d additional errors", totalErrorCount-len(sampleErrors)))
	}

	return summaryBuilder.String()
}
