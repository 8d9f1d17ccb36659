// Package errors provides the structured error model shared by every VFS host:
// a closed set of kinds, the native code each failure came from, and context.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kind is the canonical classification of a VFS failure.
type Kind string

// Every host maps its native failures onto exactly one of these kinds.
const (
	KindOk                    Kind = "OK"
	KindCancelled             Kind = "CANCELLED"
	KindNotSupported          Kind = "NOT_SUPPORTED"
	KindInvalidCall           Kind = "INVALID_CALL"
	KindNotFound              Kind = "NOT_FOUND"
	KindUnexpectedEOF         Kind = "UNEXPECTED_EOF"
	KindAlreadyExists         Kind = "ALREADY_EXISTS"
	KindPermissionDenied      Kind = "PERMISSION_DENIED"
	KindIOFailure             Kind = "IO_FAILURE"
	KindNetworkFailure        Kind = "NETWORK_FAILURE"
	KindAuthenticationFailure Kind = "AUTHENTICATION_FAILURE"
	KindQuotaExceeded         Kind = "QUOTA_EXCEEDED"
	KindProtocolError         Kind = "PROTOCOL_ERROR"
)

// Kinds lists all kinds in declaration order.
var Kinds = []Kind{
	KindOk, KindCancelled, KindNotSupported, KindInvalidCall, KindNotFound,
	KindUnexpectedEOF, KindAlreadyExists, KindPermissionDenied, KindIOFailure,
	KindNetworkFailure, KindAuthenticationFailure, KindQuotaExceeded, KindProtocolError,
}

// Domain names the native error space a code was taken from.
type Domain string

const (
	DomainVFS   Domain = "vfs"
	DomainPOSIX Domain = "posix"
	DomainFTP   Domain = "ftp"
	DomainHTTP  Domain = "http"
	DomainCloud Domain = "cloud"
	DomainSFTP  Domain = "sftp"
	DomainS3    Domain = "s3"
	DomainNet   Domain = "net"
)

// Error is the only error type returned across the VFS API boundary.
type Error struct {
	// Core error information
	Kind    Kind   `json:"kind"`
	Domain  Domain `json:"domain"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Error handling hints
	Retryable bool `json:"retryable"`

	// Debug information
	Stack string `json:"stack,omitempty"`
}

// Sentinels for errors.Is comparisons; matching is by kind only.
var (
	ErrCancelled             = &Error{Kind: KindCancelled}
	ErrNotSupported          = &Error{Kind: KindNotSupported}
	ErrInvalidCall           = &Error{Kind: KindInvalidCall}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrUnexpectedEOF         = &Error{Kind: KindUnexpectedEOF}
	ErrAlreadyExists         = &Error{Kind: KindAlreadyExists}
	ErrPermissionDenied      = &Error{Kind: KindPermissionDenied}
	ErrIOFailure             = &Error{Kind: KindIOFailure}
	ErrNetworkFailure        = &Error{Kind: KindNetworkFailure}
	ErrAuthenticationFailure = &Error{Kind: KindAuthenticationFailure}
	ErrQuotaExceeded         = &Error{Kind: KindQuotaExceeded}
	ErrProtocolError         = &Error{Kind: KindProtocolError}
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Component != "" {
		if e.Operation != "" {
			fmt.Fprintf(&b, "[%s:%s] ", e.Component, e.Operation)
		} else {
			fmt.Fprintf(&b, "[%s] ", e.Component)
		}
	}
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Message)
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Domain != "" && e.Domain != DomainVFS && e.Code != 0 {
		fmt.Fprintf(&b, " [%s %d]", e.Domain, e.Code)
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a new error of the given kind with default values.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Domain:    DomainVFS,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(kind),
	}
}

// Newf creates a new error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates a new error of the given kind caused by err.
func Wrap(kind Kind, err error, message string) *Error {
	return New(kind, message).WithCause(err)
}

// IsRetryableByDefault determines if a kind is retryable when a translator
// has no better information.
func IsRetryableByDefault(kind Kind) bool {
	return kind == KindNetworkFailure
}

// KindOf returns the kind of any error. Context cancellation and deadlines
// map to KindCancelled, unknown errors to KindIOFailure.
func KindOf(err error) Kind {
	if err == nil {
		return KindOk
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindIOFailure
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is an *Error flagged retryable.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// As converts any error into an *Error, translating foreign errors to
// KindIOFailure or KindCancelled. It returns nil for nil.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	if kind := KindOf(err); kind == KindCancelled {
		return Wrap(KindCancelled, err, "operation cancelled")
	}
	return Wrap(KindIOFailure, err, err.Error())
}

// FromContext returns a KindCancelled error for a finished context, or nil.
func FromContext(ctx context.Context) *Error {
	if ctx.Err() == nil {
		return nil
	}
	return Wrap(KindCancelled, ctx.Err(), "operation cancelled")
}

// Check returns FromContext(ctx) as an error, keeping nil interfaces nil.
func Check(ctx context.Context) error {
	if e := FromContext(ctx); e != nil {
		return e
	}
	return nil
}

// NotSupported is shorthand for an unsupported operation.
func NotSupported(operation string) *Error {
	return New(KindNotSupported, operation+" is not supported by this host").WithOperation(operation)
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

// WithContext adds contextual information to an error
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithCode records the native code and its domain
func (e *Error) WithCode(domain Domain, code int) *Error {
	e.Domain = domain
	e.Code = code
	return e
}

// WithPath sets the path the operation addressed
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithComponent sets the component for an error
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retry hint
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *Error) WithStack() *Error {
	e.Stack = CaptureStack(2)
	return e
}

// UserFacingMessage returns a short message suitable for end users.
func (e *Error) UserFacingMessage() string {
	messages := map[Kind]string{
		KindCancelled:             "The operation was cancelled",
		KindNotSupported:          "This location does not support the operation",
		KindInvalidCall:           "The operation is not valid here",
		KindNotFound:              "No such file or directory",
		KindUnexpectedEOF:         "The data ended unexpectedly",
		KindAlreadyExists:         "An item with this name already exists",
		KindPermissionDenied:      "Permission denied",
		KindIOFailure:             "Input/output error",
		KindNetworkFailure:        "The server could not be reached",
		KindAuthenticationFailure: "Authentication failed",
		KindQuotaExceeded:         "Not enough space",
		KindProtocolError:         "The server sent an unexpected response",
	}

	if msg, ok := messages[e.Kind]; ok {
		return msg
	}
	return e.Message
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Kind=%s", e.Kind),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Domain != "" {
		parts = append(parts, fmt.Sprintf("Domain=%s", e.Domain))
	}
	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("Code=%d", e.Code))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("Path=%s", e.Path))
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}
