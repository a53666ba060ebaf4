package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseBoundary Phase = "boundary" // native call reported failure
	PhaseProtocol Phase = "protocol" // ownership handshake misuse
	PhaseDispatch Phase = "dispatch" // dispatcher and job execution
	PhaseQueue    Phase = "queue"    // pre-init task queue
	PhaseInit     Phase = "init"     // native core initialization
	PhaseLoad     Phase = "load"     // native module loading
	PhaseConfig   Phase = "config"   // configuration loading and encoding
	PhaseRuntime  Phase = "runtime"  // guest memory and call plumbing
)

// Kind categorizes the error
type Kind string

const (
	KindNativeFailure      Kind = "native_failure"
	KindAlreadyConsumed    Kind = "already_consumed"
	KindNoError            Kind = "no_error"
	KindDoubleRelease      Kind = "double_release"
	KindUseAfterDestroy    Kind = "use_after_destroy"
	KindUnknownHandle      Kind = "unknown_handle"
	KindAlreadyInitialized Kind = "already_initialized"
	KindNotInitialized     Kind = "not_initialized"
	KindClosed             Kind = "closed"
	KindOutOfBounds        Kind = "out_of_bounds"
	KindAllocation         Kind = "allocation"
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindInvalidData        Kind = "invalid_data"
	KindPanic              Kind = "panic"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Op     string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Op sets the operation name
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// BoundaryError is a failure reported by the native core through an error
// slot. Message is the consumed, host-owned copy of the native message.
type BoundaryError struct {
	Op      string
	Message string
	Code    int32
}

func (e *BoundaryError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("[boundary] native_failure in %s: code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("[boundary] native_failure in %s: code %d: %s", e.Op, e.Code, e.Message)
}

// Is matches any BoundaryError, and the generic boundary/native_failure Error.
func (e *BoundaryError) Is(target error) bool {
	switch t := target.(type) {
	case *BoundaryError:
		return t.Code == 0 || t.Code == e.Code
	case *Error:
		return t.Phase == PhaseBoundary && t.Kind == KindNativeFailure
	}
	return false
}

// Boundary creates a boundary failure from a consumed error slot
func Boundary(op string, code int32, message string) *BoundaryError {
	return &BoundaryError{Op: op, Code: code, Message: message}
}

// AsBoundary finds the first BoundaryError in err's chain.
func AsBoundary(err error) (*BoundaryError, bool) {
	var be *BoundaryError
	if stderrors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// ErrNativeFailure matches every boundary failure via errors.Is.
var ErrNativeFailure = &Error{Phase: PhaseBoundary, Kind: KindNativeFailure}

// Violation panics with a protocol violation. Protocol violations are binding
// bugs; the offending call path must not continue.
func Violation(kind Kind, op, detail string, args ...any) {
	panic(New(PhaseProtocol, kind).Op(op).Detail(detail, args...).Build())
}

// AsViolation reports whether a recovered panic value is a protocol violation.
func AsViolation(recovered any) (*Error, bool) {
	e, ok := recovered.(*Error)
	if !ok || e.Phase != PhaseProtocol {
		return nil, false
	}
	return e, true
}

// Recovered converts an arbitrary recovered panic value into an error,
// preserving protocol violations as-is.
func Recovered(op string, recovered any) *Error {
	if e, ok := AsViolation(recovered); ok {
		return e
	}
	if err, ok := recovered.(error); ok {
		return &Error{Phase: PhaseDispatch, Kind: KindPanic, Op: op, Cause: err}
	}
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindPanic,
		Op:     op,
		Detail: fmt.Sprint(recovered),
		Value:  recovered,
	}
}

// Convenience constructors for common error patterns

// OutOfBounds creates a guest memory out of bounds error
func OutOfBounds(op string, offset, length uint32) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindOutOfBounds,
		Op:     op,
		Detail: fmt.Sprintf("guest memory access out of bounds: offset=%d, length=%d", offset, length),
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(size, align uint32, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
		Cause:  cause,
	}
}

// NotInitialized creates a not-initialized error
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// AlreadyInitialized creates an already-initialized error
func AlreadyInitialized(component string) *Error {
	return &Error{
		Phase:  PhaseInit,
		Kind:   KindAlreadyInitialized,
		Detail: fmt.Sprintf("%s already initialized", component),
	}
}

// Closed creates an error for operations on a closed component
func Closed(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s closed", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, op, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Op:     op,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Load creates a native module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}
