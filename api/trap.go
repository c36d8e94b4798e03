package api

import (
	"fmt"
	"strings"
)

// TrapKind is the runtime fault a Trap reports.
type TrapKind string

const (
	TrapKindUnreachable              TrapKind = "unreachable"
	TrapKindOutOfBoundsMemoryAccess  TrapKind = "out_of_bounds_memory"
	TrapKindIntegerDivideByZero      TrapKind = "integer_divide_by_zero"
	TrapKindIntegerOverflow          TrapKind = "integer_overflow"
	TrapKindInvalidConversion        TrapKind = "invalid_conversion"
	TrapKindIndirectCallTypeMismatch TrapKind = "indirect_call_type_mismatch"
	TrapKindUndefinedElement         TrapKind = "undefined_element"
	TrapKindStackExhausted           TrapKind = "stack_exhausted"
	// TrapKindHost is a host function returning an error. Trap.Cause holds it.
	TrapKindHost TrapKind = "host"
)

// Trap is a structured runtime fault raised inside the sandbox. It is returned as part of an execution result and
// leaves the instance usable.
type Trap struct {
	Kind TrapKind
	// Offset is the byte offset in the module binary of the instruction that trapped.
	Offset uint64
	// Function is the index in the function index space of the function that trapped.
	Function uint32
	// FunctionName is from the custom "name" section, when present.
	FunctionName string
	Cause        error
}

// Error implements error, so a Trap can also be propagated as one.
func (t *Trap) Error() string {
	var b strings.Builder
	writeHeader(&b, PhaseRuntime, Kind(t.Kind))
	fmt.Fprintf(&b, " at offset %#x in function[%d]", t.Offset, t.Function)
	if t.FunctionName != "" {
		fmt.Fprintf(&b, " %s", t.FunctionName)
	}
	writeTail(&b, "", t.Cause)
	return b.String()
}

func (t *Trap) Unwrap() error { return t.Cause }

// Is reports whether target is a *Trap of the same Kind.
func (t *Trap) Is(target error) bool {
	o, ok := target.(*Trap)
	return ok && o.Kind == t.Kind
}
