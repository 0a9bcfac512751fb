package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Error taxonomy for the diagnosis worker
 *
 * Every failure that crosses a package boundary is a *DiagnosisError carrying
 * an ErrorCode. Callers branch on the code (errors.Is against the sentinels
 * below) to tell "we tried and found nothing" from "we could not try".
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Pipeline errors
	ErrorInvalidInput          ErrorCode = "INVALID_INPUT"
	ErrorOCRUnavailable        ErrorCode = "OCR_UNAVAILABLE"
	ErrorAllProvidersExhausted ErrorCode = "ALL_PROVIDERS_EXHAUSTED"
	ErrorDiagnosisTimeout      ErrorCode = "DIAGNOSIS_TIMEOUT"

	// Collaborator errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
	ErrorAPICallFailed ErrorCode = "API_CALL_FAILED"
)

// Sentinels for errors.Is. They match any DiagnosisError with the same code.
var (
	ErrInvalidInput          = &DiagnosisError{Code: ErrorInvalidInput}
	ErrOCRUnavailable        = &DiagnosisError{Code: ErrorOCRUnavailable}
	ErrAllProvidersExhausted = &DiagnosisError{Code: ErrorAllProvidersExhausted}
	ErrTimeout               = &DiagnosisError{Code: ErrorDiagnosisTimeout}
)

// DiagnosisError represents a structured diagnosis error
type DiagnosisError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *DiagnosisError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DiagnosisError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DiagnosisError with the same code.
func (e *DiagnosisError) Is(target error) bool {
	t, ok := target.(*DiagnosisError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithJobID returns a copy of the error tagged with the job that produced it.
func (e *DiagnosisError) WithJobID(jobID string) *DiagnosisError {
	cp := *e
	cp.JobID = jobID
	return &cp
}

// Factory functions for common errors

func NewInvalidInputError(reason string, details map[string]interface{}) *DiagnosisError {
	return &DiagnosisError{
		Code:      ErrorInvalidInput,
		Message:   fmt.Sprintf("Invalid image: %s", reason),
		Timestamp: time.Now(),
		Details:   details,
	}
}

func NewOCRUnavailableError(engine string, cause error) *DiagnosisError {
	return &DiagnosisError{
		Code:      ErrorOCRUnavailable,
		Message:   fmt.Sprintf("OCR backend unavailable: %s", engine),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"ocr_engine": engine,
		},
		Cause: cause,
	}
}

func NewAllProvidersExhaustedError(attempted []string, cause error) *DiagnosisError {
	return &DiagnosisError{
		Code:      ErrorAllProvidersExhausted,
		Message:   fmt.Sprintf("No confident classification from %d provider(s)", len(attempted)),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"providers": attempted,
		},
		Cause: cause,
	}
}

func NewTimeoutError(stage string, deadline time.Duration, cause error) *DiagnosisError {
	return &DiagnosisError{
		Code:      ErrorDiagnosisTimeout,
		Message:   fmt.Sprintf("Diagnosis timed out after %v during %s", deadline, stage),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": deadline.String(),
			"stage":            stage,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *DiagnosisError {
	return &DiagnosisError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store diagnosis",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewAPICallFailedError(endpoint string, status int, cause error) *DiagnosisError {
	return &DiagnosisError{
		Code:      ErrorAPICallFailed,
		Message:   fmt.Sprintf("Call to %s failed", endpoint),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"endpoint":    endpoint,
			"status_code": status,
		},
		Cause: cause,
	}
}

// CodeOf extracts the ErrorCode from err, or "" if err carries none.
func CodeOf(err error) ErrorCode {
	var de *DiagnosisError
	if stderrors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Retryable reports whether re-running the whole job could succeed.
// Invalid input never will; a dead OCR backend or a timeout might recover.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrorInvalidInput:
		return false
	case ErrorOCRUnavailable, ErrorDiagnosisTimeout, ErrorStorageFailed, ErrorAPICallFailed:
		return true
	}
	return true
}

// ToMap converts error to map for database storage
func (e *DiagnosisError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.JobID != "" {
		result["job_id"] = e.JobID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
