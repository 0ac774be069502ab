// Package errors defines the task runner's error taxonomy: a small set
// of kinds every component reports through, each carrying an HTTP
// status and a retryable hint for callers in pkg/timeout and
// pkg/apiserver.
package errors

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kind categorizes a TaskError into one of the six outcomes the engine
// distinguishes between.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindTransient   Kind = "transient"
	KindTimeout     Kind = "timeout"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

// Severity gates whether a stack trace is captured automatically.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// TaskError is the structured error type the engine's components
// report through. Some packages (the Result Cache, config loading)
// return plain wrapped errors instead.
type TaskError struct {
	Code      string
	Message   string
	Kind      Kind
	Severity  Severity
	JobID     string
	Operation string

	Cause      error
	StackTrace string

	Timestamp time.Time
	Metadata  map[string]interface{}

	Retryable  bool
	RetryAfter time.Duration
	HTTPStatus int
}

func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TaskError) Unwrap() error { return e.Cause }

func (e *TaskError) Is(target error) bool {
	t, ok := target.(*TaskError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Kind == t.Kind
}

// Builder provides a fluent interface for constructing a TaskError.
type Builder struct {
	err *TaskError
}

// NewError starts a new error builder with a code and message.
func NewError(code, message string) *Builder {
	return &Builder{
		err: &TaskError{
			Code:      code,
			Message:   message,
			Timestamp: time.Now(),
			Metadata:  make(map[string]interface{}),
		},
	}
}

func (b *Builder) WithKind(k Kind) *Builder           { b.err.Kind = k; return b }
func (b *Builder) WithSeverity(s Severity) *Builder   { b.err.Severity = s; return b }
func (b *Builder) WithJobID(id string) *Builder       { b.err.JobID = id; return b }
func (b *Builder) WithOperation(op string) *Builder   { b.err.Operation = op; return b }
func (b *Builder) WithCause(cause error) *Builder     { b.err.Cause = cause; return b }
func (b *Builder) WithHTTPStatus(code int) *Builder   { b.err.HTTPStatus = code; return b }
func (b *Builder) WithMetadata(k string, v interface{}) *Builder {
	b.err.Metadata[k] = v
	return b
}

func (b *Builder) WithRetry(retryable bool, after time.Duration) *Builder {
	b.err.Retryable = retryable
	b.err.RetryAfter = after
	return b
}

func (b *Builder) WithContext(ctx context.Context) *Builder {
	if v := ctx.Value(jobIDKey{}); v != nil {
		if id, ok := v.(string); ok {
			b.err.JobID = id
		}
	}
	return b
}

func (b *Builder) WithStackTrace() *Builder {
	b.err.StackTrace = captureStackTrace()
	return b
}

type jobIDKey struct{}

// Build finalizes the error, filling defaults and auto-capturing a
// stack trace for high-severity errors that don't already have one.
func (b *Builder) Build() *TaskError {
	if b.err.Kind == "" {
		b.err.Kind = KindInternal
	}
	if b.err.Severity == "" {
		b.err.Severity = SeverityMedium
	}
	if (b.err.Severity == SeverityHigh || b.err.Severity == SeverityCritical) && b.err.StackTrace == "" {
		b.err.StackTrace = captureStackTrace()
	}
	return b.err
}

func captureStackTrace() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var sb strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return sb.String()
}

// Common constructors, one per Kind, matching spec.md §7's six
// outcomes.

func Validation(field, message string) *TaskError {
	return NewError("VALIDATION_ERROR", fmt.Sprintf("validation failed for %q: %s", field, message)).
		WithKind(KindValidation).
		WithSeverity(SeverityLow).
		WithHTTPStatus(400).
		Build()
}

func NotFound(resource, id string) *TaskError {
	return NewError("NOT_FOUND", fmt.Sprintf("%s %q not found", resource, id)).
		WithKind(KindNotFound).
		WithSeverity(SeverityLow).
		WithHTTPStatus(404).
		Build()
}

func Transient(operation string, cause error) *TaskError {
	return NewError("TRANSIENT_IO", fmt.Sprintf("transient failure during %s", operation)).
		WithKind(KindTransient).
		WithSeverity(SeverityMedium).
		WithCause(cause).
		WithRetry(true, 2*time.Second).
		WithHTTPStatus(503).
		Build()
}

func Timeout(operation string, after time.Duration) *TaskError {
	return NewError("TIMEOUT", fmt.Sprintf("%s exceeded its %v budget", operation, after)).
		WithKind(KindTimeout).
		WithSeverity(SeverityMedium).
		WithRetry(true, 5*time.Second).
		WithHTTPStatus(408).
		Build()
}

func Cancelled(jobID string) *TaskError {
	return NewError("CANCELLED", fmt.Sprintf("job %s was cancelled", jobID)).
		WithKind(KindCancelled).
		WithSeverity(SeverityLow).
		WithJobID(jobID).
		WithHTTPStatus(409).
		Build()
}

// CancelledWithReason builds a cancellation error whose message is the
// caller-supplied reason verbatim, so the text submitted to cancel_job
// survives into the job's result without reformatting.
func CancelledWithReason(jobID, reason string) *TaskError {
	return NewError("CANCELLED", reason).
		WithKind(KindCancelled).
		WithSeverity(SeverityLow).
		WithJobID(jobID).
		WithHTTPStatus(409).
		Build()
}

func Internal(message string, cause error) *TaskError {
	return NewError("INTERNAL_ERROR", message).
		WithKind(KindInternal).
		WithSeverity(SeverityHigh).
		WithCause(cause).
		WithHTTPStatus(500).
		WithStackTrace().
		Build()
}

// IsRetryable reports whether err, if it's a *TaskError, is retryable.
func IsRetryable(err error) bool {
	te, ok := err.(*TaskError)
	return ok && te.Retryable
}
