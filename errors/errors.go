package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in the capsule pipeline the error occurred
type Phase string

const (
	PhaseConfig      Phase = "config"      // runtime configuration vs prepared image
	PhaseLoad        Phase = "load"        // framing, validation, instrumentation, compile
	PhaseInstantiate Phase = "instantiate" // capability binding and instance creation
	PhaseRuntime     Phase = "runtime"     // guest execution
	PhaseTransfer    Phase = "transfer"    // reassembly protocols
	PhaseTransport   Phase = "transport"   // sockets
	PhaseLifecycle   Phase = "lifecycle"   // capsule state machine
	PhaseHost        Phase = "host"        // capability implementations
)

// Kind categorizes the error
type Kind string

const (
	KindMismatch        Kind = "mismatch"
	KindInvalidData     Kind = "invalid_data"
	KindUnsupported     Kind = "unsupported"
	KindCapacity        Kind = "capacity"
	KindFuelExhausted   Kind = "fuel_exhausted"
	KindMemoryExhausted Kind = "memory_exhausted"
	KindStackExhausted  Kind = "stack_exhausted"
	KindCancelled       Kind = "cancelled"
	KindInvariant       Kind = "invariant"
	KindProtocol        Kind = "protocol"
	KindMissingImport   Kind = "missing_import"
	KindNotFound        Kind = "not_found"
	KindNotInitialized  Kind = "not_initialized"
	KindInvalidInput    Kind = "invalid_input"
	KindInstantiation   Kind = "instantiation"
	KindInUse           Kind = "in_use"
	KindTrap            Kind = "trap"
)

// Sentinels compared with errors.Is. Matching is by Phase and Kind, so any
// error built with the same pair satisfies them regardless of detail.
var (
	ErrFuelExhausted  = &Error{Phase: PhaseRuntime, Kind: KindFuelExhausted}
	ErrStackExhausted = &Error{Phase: PhaseRuntime, Kind: KindStackExhausted}
	ErrCancelled      = &Error{Phase: PhaseRuntime, Kind: KindCancelled}
	ErrProgramInUse   = &Error{Phase: PhaseLifecycle, Kind: KindInUse}
	ErrCapacity       = &Error{Phase: PhaseLifecycle, Kind: KindCapacity}
)

// Error is the structured error type used throughout the module
type Error struct {
	Value   any
	Cause   error
	Phase   Phase
	Kind    Kind
	Subject string
	Detail  string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Subject != "" {
		b.WriteString(" at ")
		b.WriteString(e.Subject)
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

// Subject names the export, import, option or field involved
func (b *Builder) Subject(s string) *Builder {
	b.err.Subject = s
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

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Mismatch creates a configuration mismatch error between the engine and an image
func Mismatch(subject string, want, got any) *Error {
	return &Error{
		Phase:   PhaseConfig,
		Kind:    KindMismatch,
		Subject: subject,
		Detail:  fmt.Sprintf("engine configured for %v, image requires %v", want, got),
		Value:   got,
	}
}

// Unsupported creates an unsupported feature error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// Capacity creates a fixed-buffer overflow error
func Capacity(phase Phase, want, capacity int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCapacity,
		Detail: fmt.Sprintf("%d bytes exceed capacity of %d", want, capacity),
		Value:  want,
	}
}

// Protocol creates a transfer protocol violation
func Protocol(detail string) *Error {
	return &Error{
		Phase:  PhaseTransfer,
		Kind:   KindProtocol,
		Detail: detail,
	}
}

// Transport creates a socket failure error
func Transport(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseTransport,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Invariant creates a programming-invariant violation. These are raised with
// panic and must never be recovered by callers.
func Invariant(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseLifecycle,
		Kind:   KindInvariant,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// Trap creates a guest trap error
func Trap(subject string, cause error) *Error {
	return &Error{
		Phase:   PhaseRuntime,
		Kind:    KindTrap,
		Subject: subject,
		Cause:   cause,
	}
}

// NotInitialized creates a not-initialized error for missing module/instance
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:   phase,
		Kind:    KindNotFound,
		Subject: name,
		Detail:  fmt.Sprintf("%s %q not found", what, name),
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

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindInstantiation,
		Detail: "instantiate capsule",
		Cause:  cause,
	}
}

// Load creates a capsule loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// IsResourceExhaustion reports whether err is a fuel, stack or memory trap.
func IsResourceExhaustion(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindFuelExhausted, KindStackExhausted, KindMemoryExhausted:
		return true
	}
	return false
}

// MissingImport represents a single unresolved capability import
type MissingImport struct {
	Module string // e.g., "udp"
	Name   string // e.g., "try_recv"
}

// MissingImportsError is returned when a capsule imports functions no
// capability provider offers
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError creates an error from a list of "module#name" strings
func NewMissingImportsError(imports []string) *MissingImportsError {
	result := &MissingImportsError{
		Imports: make([]MissingImport, 0, len(imports)),
	}
	for _, imp := range imports {
		mod, name := parseImportKey(imp)
		result.Imports = append(result.Imports, MissingImport{
			Module: mod,
			Name:   name,
		})
	}
	return result
}

func parseImportKey(key string) (module, name string) {
	mod, name, found := strings.Cut(key, "#")
	if found {
		return mod, name
	}
	return key, ""
}

// Error implements the error interface
func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "missing imports"
	}

	var b strings.Builder
	b.WriteString("capsule requires unavailable capabilities:")

	byModule := make(map[string][]string)
	var order []string
	for _, imp := range e.Imports {
		if _, exists := byModule[imp.Module]; !exists {
			order = append(order, imp.Module)
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp.Name)
	}

	for _, mod := range order {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, fn := range byModule[mod] {
			b.WriteString("    - ")
			b.WriteString(fn)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingImportsError) Is(target error) bool {
	_, ok := target.(*MissingImportsError)
	return ok
}
