// Package errors provides structured error types for the capsule host.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). Phases follow the host's failure taxonomy: configuration
// mismatches are fatal at startup, load and instantiation failures leave the
// device without a capsule, runtime traps are surfaced as the capsule's run
// result, transfer errors restart reassembly, transport errors are fatal, and
// lifecycle invariants are raised with panic.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLoad, errors.KindUnsupported).
//		Subject("code[3]").
//		Detail("opcode 0x%02x", op).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Mismatch("page size", "default", "custom")
//	err := errors.Capacity(errors.PhaseLifecycle, 40000, 32768)
//
// All errors implement the standard error interface and support errors.Is/As.
// The exported sentinels (ErrFuelExhausted, ErrCancelled, ...) match any error
// with the same Phase and Kind.
package errors
