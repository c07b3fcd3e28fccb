// Package errors provides structured error handling for dbcflow.
// Errors carry a code, context and the stack at creation.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Error codes for programmatic handling
type Code string

const (
	// Input errors (1xx)
	CodeFileNotFound   Code = "E101"
	CodeFilePermission Code = "E102"
	CodeInvalidFormat  Code = "E103"
	CodeEncodingError  Code = "E106"

	// Processing errors (2xx)
	CodeDecodeFailed      Code = "E201"
	CodeMaterializeFailed Code = "E202"

	// Output errors (3xx)
	CodeWriteFailed         Code = "E301"
	CodeDiskFull            Code = "E302"
	CodeUnsupportedEncoding Code = "E303"
	CodeNoPartFile          Code = "E304"
	CodeConsolidateFailed   Code = "E305"

	// System errors (4xx)
	CodeConfigInvalid Code = "E401"
	CodePanic         Code = "E403"

	// Engine errors (5xx)
	CodeEngineInit  Code = "E501"
	CodeEngineQuery Code = "E502"
	CodeEngineWrite Code = "E503"

	// Unknown
	CodeUnknown Code = "E999"
)

// DBCFlowError is the base error type for all dbcflow errors.
type DBCFlowError struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface. Context keys are printed sorted so
// that log lines are stable between runs.
func (e *DBCFlowError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *DBCFlowError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target error.
func (e *DBCFlowError) Is(target error) bool {
	if t, ok := target.(*DBCFlowError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *DBCFlowError) WithContext(key string, value interface{}) *DBCFlowError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new DBCFlowError.
func New(code Code, message string) *DBCFlowError {
	return &DBCFlowError{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Newf creates a new DBCFlowError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *DBCFlowError {
	return &DBCFlowError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code Code, message string) *DBCFlowError {
	if err == nil {
		return nil
	}

	return &DBCFlowError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// captureStack captures the current stack trace.
func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns the stack captured by the outermost DBCFlowError in
// err's chain, or "" when there is none.
func FormatStack(err error) string {
	var e *DBCFlowError
	if !errors.As(err, &e) {
		return ""
	}
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// FileNotFound creates a file not found error.
func FileNotFound(path string) *DBCFlowError {
	return New(CodeFileNotFound, "file not found").WithContext("path", path)
}

// InvalidFormat creates a malformed input error.
func InvalidFormat(path, reason string) *DBCFlowError {
	return New(CodeInvalidFormat, reason).WithContext("path", path)
}

// NoPartFile creates the error raised when a write produced no CSV part-file.
func NoPartFile(dir string) *DBCFlowError {
	return New(CodeNoPartFile, "no csv part-file produced").WithContext("dir", dir)
}

// Panic converts a recovered panic value into an error.
func Panic(value interface{}) *DBCFlowError {
	if err, ok := value.(error); ok {
		return Wrap(err, CodePanic, "panic recovered")
	}
	return Newf(CodePanic, "panic recovered: %v", value)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var dfErr *DBCFlowError
	if errors.As(err, &dfErr) {
		return dfErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var dfErr *DBCFlowError
	if errors.As(err, &dfErr) {
		return dfErr.Code
	}
	return CodeUnknown
}

// Append collects errors into a multierror; nil errors are ignored.
func Append(into error, errs ...error) error {
	var merr *multierror.Error
	if into != nil {
		merr = multierror.Append(merr, into)
	}
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
