// Package errors provides a structured error system for drmcore with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for device operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave    ErrorCode = "CONFIG_SAVE"

	// Device open / backend selection errors
	ErrCodeDetectionFailed    ErrorCode = "DETECTION_FAILED"
	ErrCodeUnsupportedBackend ErrorCode = "UNSUPPORTED_BACKEND"
	ErrCodeBackendInit        ErrorCode = "BACKEND_INIT"
	ErrCodeSetupFailed        ErrorCode = "SETUP_FAILED"
	ErrCodeOpenFailed         ErrorCode = "OPEN_FAILED"

	// Buffer object errors
	ErrCodeAllocationFailed ErrorCode = "ALLOCATION_FAILED"
	ErrCodeImportFailed     ErrorCode = "IMPORT_FAILED"
	ErrCodeExportFailed     ErrorCode = "EXPORT_FAILED"
	ErrCodeHeapExhausted    ErrorCode = "HEAP_EXHAUSTED"

	// Submission errors
	ErrCodeSubmitFailed ErrorCode = "SUBMIT_FAILED"

	// State errors
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"

	// Kernel interface errors
	ErrCodeKernelCall ErrorCode = "KERNEL_CALL"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryDetection     ErrorCategory = "detection"
	CategoryBackend       ErrorCategory = "backend"
	CategoryResource      ErrorCategory = "resource"
	CategorySubmission    ErrorCategory = "submission"
	CategoryState         ErrorCategory = "state"
	CategoryKernel        ErrorCategory = "kernel"
	CategoryInternal      ErrorCategory = "internal"
)

// DeviceError represents a structured error with context and metadata.
type DeviceError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Fatal marks programmer errors that are raised through panic.
	Fatal bool `json:"fatal"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *DeviceError) Unwrap() error {
	return e.Cause
}

// Is matches on error code (for errors.Is compatibility).
func (e *DeviceError) Is(target error) bool {
	if de, ok := target.(*DeviceError); ok {
		return e.Code == de.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *DeviceError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Fatal {
		parts = append(parts, "Fatal=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("DeviceError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *DeviceError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new device error with default values.
func NewError(code ErrorCode, message string) *DeviceError {
	return &DeviceError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Fatal:     code == ErrCodeInvariantViolation,
	}
}

// Newf creates a new device error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *DeviceError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new device error around cause. A nil cause yields nil.
func Wrap(cause error, code ErrorCode, message string) *DeviceError {
	if cause == nil {
		return nil
	}
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad, ErrCodeConfigSave:
		return CategoryConfiguration
	case ErrCodeDetectionFailed, ErrCodeOpenFailed:
		return CategoryDetection
	case ErrCodeUnsupportedBackend, ErrCodeBackendInit, ErrCodeSetupFailed:
		return CategoryBackend
	case ErrCodeAllocationFailed, ErrCodeImportFailed, ErrCodeExportFailed, ErrCodeHeapExhausted:
		return CategoryResource
	case ErrCodeSubmitFailed:
		return CategorySubmission
	case ErrCodeInvalidState, ErrCodeInvariantViolation:
		return CategoryState
	case ErrCodeKernelCall:
		return CategoryKernel
	default:
		return CategoryInternal
	}
}

// IsNoDevice reports whether err is one of the failures that make device
// construction return no device.
func IsNoDevice(err error) bool {
	de, ok := As(err)
	if !ok {
		return false
	}
	switch de.Code {
	case ErrCodeDetectionFailed, ErrCodeUnsupportedBackend, ErrCodeBackendInit,
		ErrCodeSetupFailed, ErrCodeOpenFailed:
		return true
	}
	return false
}

// As returns the first DeviceError in err's chain.
func As(err error) (*DeviceError, bool) {
	for err != nil {
		if de, ok := err.(*DeviceError); ok {
			return de, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if de, ok := err.(*DeviceError); ok && de.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithDetail adds detailed information to an error
func (e *DeviceError) WithDetail(key string, value interface{}) *DeviceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *DeviceError) WithComponent(component string) *DeviceError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *DeviceError) WithOperation(operation string) *DeviceError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *DeviceError) WithCause(cause error) *DeviceError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *DeviceError) WithStack() *DeviceError {
	e.Stack = CaptureStack(2)
	return e
}

// Invariant panics with an INVARIANT_VIOLATION error when cond is false.
// Invariant violations are programmer errors: continuing would release
// kernel resources that are still in use.
func Invariant(cond bool, component, format string, args ...interface{}) {
	if cond {
		return
	}
	panic(Newf(ErrCodeInvariantViolation, format, args...).
		WithComponent(component).
		WithStack())
}
