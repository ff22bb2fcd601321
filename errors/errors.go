package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the plugin lifecycle the error occurred
type Phase string

const (
	PhaseManifest    Phase = "manifest"    // manifest parse and source resolution
	PhaseLink        Phase = "link"        // host function registration and linking
	PhaseInstantiate Phase = "instantiate" // module compilation and instantiation
	PhaseCall        Phase = "call"        // guest call dispatch
	PhaseMemory      Phase = "memory"      // canonical ABI block operations
	PhaseHost        Phase = "host"        // host function execution
)

// Kind categorizes the error
type Kind string

const (
	KindParse            Kind = "parse"
	KindSource           Kind = "source"
	KindIntegrity        Kind = "integrity"
	KindDuplicate        Kind = "duplicate"
	KindSignature        Kind = "signature"
	KindUnresolvedImport Kind = "unresolved_import"
	KindTrap             Kind = "trap"
	KindTimeout          Kind = "timeout"
	KindOutOfMemory      Kind = "out_of_memory"
	KindPermissionDenied Kind = "permission_denied"
	KindFunctionNotFound Kind = "function_not_found"
	KindInvalidHandle    Kind = "invalid_handle"
	KindInvalidInput     Kind = "invalid_input"
	KindBusy             Kind = "busy"
	KindFaulted          Kind = "faulted"
	KindLimit            Kind = "limit"
)

// Error is the structured error type used throughout the runtime
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

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

// Is reports whether target matches this error. Two Errors match when
// their Phase and Kind are equal, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is matching. Detail and Cause are ignored by Is.
var (
	ErrIntegrity        = &Error{Phase: PhaseManifest, Kind: KindIntegrity}
	ErrTrap             = &Error{Phase: PhaseCall, Kind: KindTrap}
	ErrTimeout          = &Error{Phase: PhaseCall, Kind: KindTimeout}
	ErrOutOfMemory      = &Error{Phase: PhaseCall, Kind: KindOutOfMemory}
	ErrPermissionDenied = &Error{Phase: PhaseHost, Kind: KindPermissionDenied}
	ErrFunctionNotFound = &Error{Phase: PhaseCall, Kind: KindFunctionNotFound}
	ErrInvalidHandle    = &Error{Phase: PhaseMemory, Kind: KindInvalidHandle}
	ErrBusy             = &Error{Phase: PhaseCall, Kind: KindBusy}
	ErrFaulted          = &Error{Phase: PhaseCall, Kind: KindFaulted}
)

// Convenience constructors for common error patterns

// Manifest creates a manifest-phase error
func Manifest(kind Kind, detail string, cause error) *Error {
	return &Error{Phase: PhaseManifest, Kind: kind, Detail: detail, Cause: cause}
}

// Integrity creates a content hash mismatch error for a manifest source
func Integrity(source, want, got string) *Error {
	return &Error{
		Phase:  PhaseManifest,
		Kind:   KindIntegrity,
		Detail: fmt.Sprintf("source %s: hash mismatch: want %s, got %s", source, want, got),
	}
}

// Link creates a link-phase error
func Link(kind Kind, detail string, cause error) *Error {
	return &Error{Phase: PhaseLink, Kind: kind, Detail: detail, Cause: cause}
}

// Duplicate creates a duplicate host-function registration error
func Duplicate(namespace, name string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindDuplicate,
		Detail: fmt.Sprintf("host function %s.%s already registered", namespace, name),
	}
}

// Instantiate creates an instantiation-phase error
func Instantiate(detail string, cause error) *Error {
	return &Error{Phase: PhaseInstantiate, Kind: KindUnresolvedImport, Detail: detail, Cause: cause}
}

// Call creates a call-phase error
func Call(kind Kind, detail string, cause error) *Error {
	return &Error{Phase: PhaseCall, Kind: kind, Detail: detail, Cause: cause}
}

// Trap creates a guest trap error
func Trap(cause error) *Error {
	return &Error{Phase: PhaseCall, Kind: KindTrap, Detail: "guest execution trapped", Cause: cause}
}

// Timeout creates a call timeout error
func Timeout(detail string, cause error) *Error {
	return &Error{Phase: PhaseCall, Kind: KindTimeout, Detail: detail, Cause: cause}
}

// OutOfMemory creates a memory exhaustion error
func OutOfMemory(detail string) *Error {
	return &Error{Phase: PhaseCall, Kind: KindOutOfMemory, Detail: detail}
}

// FunctionNotFound reports a missing or arity-mismatched export
func FunctionNotFound(name string) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindFunctionNotFound,
		Detail: fmt.Sprintf("export %q not found or has unsupported signature", name),
	}
}

// InvalidHandle reports an operation on a freed or unknown memory block
func InvalidHandle(offset, length uint32) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindInvalidHandle,
		Detail: fmt.Sprintf("no live block at offset=%d length=%d", offset, length),
	}
}

// PermissionDenied reports a capability check failure for a guarded operation
func PermissionDenied(what string) *Error {
	return &Error{Phase: PhaseHost, Kind: KindPermissionDenied, Detail: what}
}

// Faulted reports a call attempt on an instance that already faulted
func Faulted(cause error) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindFaulted,
		Detail: "instance is faulted and must be discarded",
		Cause:  cause,
	}
}

// Busy reports a rejected call attempt on an instance with a call in flight
func Busy() *Error {
	return &Error{Phase: PhaseCall, Kind: KindBusy, Detail: "a call is already in flight"}
}

// Limit reports a configured resource limit breach outside guest memory
func Limit(phase Phase, detail string) *Error {
	return &Error{Phase: phase, Kind: KindLimit, Detail: detail}
}
