// Package wasmruntime contains the runtime errors raised while executing Wasm functions. Engines panic with them and
// recover them at the call boundary, where they become an api.Trap.
package wasmruntime

import (
	"errors"

	"github.com/tetratelabs/tierwasm/api"
)

// Error is a runtime fault of a given trap kind.
type Error struct {
	Kind api.TrapKind
	msg  string
}

func (e *Error) Error() string {
	return e.msg
}

var (
	// ErrRuntimeStackOverflow indicates that there are too many function calls, or the values of all frames do not
	// fit the value stack.
	ErrRuntimeStackOverflow = &Error{Kind: api.TrapKindStackExhausted, msg: "stack overflow"}
	// ErrRuntimeInvalidConversionToInteger indicates the Wasm function tries to convert NaN floating point value to
	// integers during trunc variant instructions.
	ErrRuntimeInvalidConversionToInteger = &Error{Kind: api.TrapKindInvalidConversion, msg: "invalid conversion to integer"}
	// ErrRuntimeIntegerOverflow indicates that an integer arithmetic resulted in overflow value. For example, when
	// the program tried to truncate a float value which doesn't fit in the range of target integer.
	ErrRuntimeIntegerOverflow = &Error{Kind: api.TrapKindIntegerOverflow, msg: "integer overflow"}
	// ErrRuntimeIntegerDivideByZero indicates that an integer div or rem instructions was executed with 0 as the
	// divisor.
	ErrRuntimeIntegerDivideByZero = &Error{Kind: api.TrapKindIntegerDivideByZero, msg: "integer divide by zero"}
	// ErrRuntimeUnreachable means "unreachable" instruction was executed by the program.
	ErrRuntimeUnreachable = &Error{Kind: api.TrapKindUnreachable, msg: "unreachable"}
	// ErrRuntimeOutOfBoundsMemoryAccess indicates that the program tried to access the region beyond the linear
	// memory.
	ErrRuntimeOutOfBoundsMemoryAccess = &Error{Kind: api.TrapKindOutOfBoundsMemoryAccess, msg: "out of bounds memory access"}
	// ErrRuntimeInvalidTableAccess means either offset to the table was out of bounds of table, or the target element
	// in the table was uninitialized during call_indirect instruction.
	ErrRuntimeInvalidTableAccess = &Error{Kind: api.TrapKindUndefinedElement, msg: "invalid table access"}
	// ErrRuntimeIndirectCallTypeMismatch indicates that the type check failed during call_indirect.
	ErrRuntimeIndirectCallTypeMismatch = &Error{Kind: api.TrapKindIndirectCallTypeMismatch, msg: "indirect call type mismatch"}
)

// HostError wraps an error returned by a host function, so that it unwinds the guest like other runtime errors.
type HostError struct {
	Err error
}

func (e *HostError) Error() string { return "host function failed: " + e.Err.Error() }

func (e *HostError) Unwrap() error { return e.Err }

// TrapKindOf returns the trap kind of a value recovered from a panic inside an engine. ok is false when the value is
// not a runtime error, meaning a Go panic that is not a trap.
func TrapKindOf(recovered interface{}) (kind api.TrapKind, cause error, ok bool) {
	err, isErr := recovered.(error)
	if !isErr {
		return "", nil, false
	}
	var hostErr *HostError
	if errors.As(err, &hostErr) {
		return api.TrapKindHost, hostErr.Err, true
	}
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.Kind, nil, true
	}
	// Go raises these from arithmetic that the engines delegate to the runtime.
	switch err.Error() {
	case "runtime error: integer divide by zero":
		return api.TrapKindIntegerDivideByZero, nil, true
	case "runtime error: integer overflow":
		return api.TrapKindIntegerOverflow, nil, true
	}
	return "", nil, false
}
