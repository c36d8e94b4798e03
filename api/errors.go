package api

import (
	"fmt"
	"strings"
)

// Phase indicates where in the lifecycle an error occurred.
type Phase string

const (
	PhaseDecode      Phase = "decode"      // binary format
	PhaseValidate    Phase = "validate"    // type and index checks
	PhaseCompile     Phase = "compile"     // backend code generation
	PhaseInstantiate Phase = "instantiate" // memory, imports and segments
	PhaseRuntime     Phase = "runtime"     // execution
)

// Kind categorizes an error within its Phase.
type Kind string

const (
	KindMalformed       Kind = "malformed"
	KindTypeMismatch    Kind = "type_mismatch"
	KindIndexOutOfRange Kind = "index_out_of_range"
	KindInvalidLimits   Kind = "invalid_limits"
	KindUnknownOpcode   Kind = "unknown_opcode"
	KindDuplicateExport Kind = "duplicate_export"

	KindUnsupported Kind = "unsupported"
	KindCanceled    Kind = "canceled"
	KindBackend     Kind = "backend"

	KindMissingImport     Kind = "missing_import"
	KindImportMismatch    Kind = "import_mismatch"
	KindMemoryLimit       Kind = "memory_limit"
	KindSegmentOutOfRange Kind = "segment_out_of_range"
	KindStartFunctionTrap Kind = "start_trap"
)

// Sentinels for errors.Is. Each matches any error of the same type and Kind.
var (
	ErrMalformed       error = &DecodeError{Kind: KindMalformed}
	ErrTypeMismatch    error = &DecodeError{Kind: KindTypeMismatch}
	ErrIndexOutOfRange error = &DecodeError{Kind: KindIndexOutOfRange}
	ErrInvalidLimits   error = &DecodeError{Kind: KindInvalidLimits}

	ErrUnsupported error = &CompileError{Kind: KindUnsupported}
	ErrCanceled    error = &CompileError{Kind: KindCanceled}

	ErrMissingImport     error = &InstantiationError{Kind: KindMissingImport}
	ErrImportMismatch    error = &InstantiationError{Kind: KindImportMismatch}
	ErrMemoryLimit       error = &InstantiationError{Kind: KindMemoryLimit}
	ErrSegmentOutOfRange error = &InstantiationError{Kind: KindSegmentOutOfRange}
)

// DecodeError is returned when the binary is malformed or fails validation. No partial module is ever returned with
// it.
type DecodeError struct {
	Phase Phase
	Kind  Kind
	// Offset is the byte offset in the binary where the violation was detected.
	Offset uint64
	Detail string
	Cause  error
}

// Error implements error.
func (e *DecodeError) Error() string {
	var b strings.Builder
	writeHeader(&b, e.Phase, e.Kind)
	fmt.Fprintf(&b, " at offset %#x", e.Offset)
	writeTail(&b, e.Detail, e.Cause)
	return b.String()
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// Is reports whether target is a *DecodeError of the same Kind.
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

// CompileError is returned when a backend cannot compile a validated module. It is never cached.
type CompileError struct {
	Kind    Kind
	Backend string
	// Feature names the unsupported feature when Kind is KindUnsupported, e.g. "multi-value".
	Feature string
	// Offset is the byte offset where an unsupported feature was first seen, or zero when not applicable.
	Offset uint64
	Detail string
	Cause  error
}

// Error implements error.
func (e *CompileError) Error() string {
	var b strings.Builder
	writeHeader(&b, PhaseCompile, e.Kind)
	if e.Feature != "" {
		fmt.Fprintf(&b, " %q", e.Feature)
	}
	if e.Backend != "" {
		fmt.Fprintf(&b, " by %s", e.Backend)
	}
	if e.Offset != 0 {
		fmt.Fprintf(&b, " at offset %#x", e.Offset)
	}
	writeTail(&b, e.Detail, e.Cause)
	return b.String()
}

func (e *CompileError) Unwrap() error { return e.Cause }

// Is reports whether target is a *CompileError of the same Kind.
func (e *CompileError) Is(target error) bool {
	t, ok := target.(*CompileError)
	return ok && t.Kind == e.Kind
}

// InstantiationError is returned when an artifact cannot be instantiated. It is fatal to that attempt only.
type InstantiationError struct {
	Kind Kind
	// Module and Name identify the import, when the error is about one.
	Module, Name string
	// Expected and Actual describe mismatched signatures or sizes.
	Expected, Actual string
	Detail           string
	Cause            error
}

// Error implements error.
func (e *InstantiationError) Error() string {
	var b strings.Builder
	writeHeader(&b, PhaseInstantiate, e.Kind)
	if e.Module != "" || e.Name != "" {
		fmt.Fprintf(&b, " %s.%s", e.Module, e.Name)
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, ": expected %s, but was %s", e.Expected, e.Actual)
	}
	writeTail(&b, e.Detail, e.Cause)
	return b.String()
}

func (e *InstantiationError) Unwrap() error { return e.Cause }

// Is reports whether target is an *InstantiationError of the same Kind.
func (e *InstantiationError) Is(target error) bool {
	t, ok := target.(*InstantiationError)
	return ok && t.Kind == e.Kind
}

func writeHeader(b *strings.Builder, p Phase, k Kind) {
	b.WriteByte('[')
	b.WriteString(string(p))
	b.WriteString("] ")
	b.WriteString(string(k))
}

func writeTail(b *strings.Builder, detail string, cause error) {
	if detail != "" {
		b.WriteString(": ")
		b.WriteString(detail)
	}
	if cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(cause.Error())
		b.WriteByte(')')
	}
}
