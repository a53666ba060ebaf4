// Package errors provides structured error types for the metrics bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). Three classes matter to callers:
//
//   - Boundary failures: the native core reported a nonzero code through an
//     error slot. These surface as *BoundaryError carrying the consumed
//     message. They are recoverable; the operation is dropped.
//   - Protocol violations: double consumption of an error message, double
//     release of a buffer, use of a destroyed handle. These are binding bugs
//     and are raised with Violation, which panics with an *Error whose Phase
//     is PhaseProtocol.
//   - Misuse: double initialization, launching after close. These are logged
//     by the caller and treated as no-ops.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDispatch, errors.KindClosed).
//		Op("launch").
//		Detail("dispatcher closed").
//		Build()
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
