// Package api includes constants and interfaces used by both end-users and internal implementations.
package api

import (
	"fmt"
	"math"
	"strings"
)

// ExternType classifies imports and exports with their respective types.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

// ExternTypeName returns the name of the WebAssembly 1.0 (20191205) Text Format field of the given type.
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return "func"
	case ExternTypeTable:
		return "table"
	case ExternTypeMemory:
		return "memory"
	case ExternTypeGlobal:
		return "global"
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType describes a numeric type used in Web Assembly 1.0 (20191205). Function parameters and results are only
// definable as a value type.
//
// Note: This is a type alias as it is easier to encode and decode in the binary format.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-valtype
type ValueType = byte

const (
	// ValueTypeI32 is a 32-bit integer.
	ValueTypeI32 ValueType = 0x7f
	// ValueTypeI64 is a 64-bit integer.
	ValueTypeI64 ValueType = 0x7e
	// ValueTypeF32 is a 32-bit floating point number.
	ValueTypeF32 ValueType = 0x7d
	// ValueTypeF64 is a 64-bit floating point number.
	ValueTypeF64 ValueType = 0x7c
)

// ValueTypeName returns the type name of the given ValueType as a string.
// These type names match the names used in the WebAssembly text format.
//
// Note: This returns "unknown", if an undefined ValueType value is passed.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	}
	return "unknown"
}

// FunctionType is the signature of a function: its parameter and result types.
type FunctionType struct {
	Params, Results []ValueType
}

// String returns the text format signature, e.g. "(i32, i64) -> (f32)".
func (f FunctionType) String() string {
	return fmt.Sprintf("(%s) -> (%s)", joinTypes(f.Params), joinTypes(f.Results))
}

func joinTypes(ts []ValueType) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = ValueTypeName(t)
	}
	return strings.Join(names, ", ")
}

// Value is a typed WebAssembly value crossing the sandbox boundary. The zero Value has no type and is rejected as an
// argument: construct values with I32, I64, F32, F64 or ValueFromBits.
type Value struct {
	Type ValueType
	// bits is the raw encoding: i32 and f32 are held in the lower 32 bits.
	bits uint64
}

// I32 returns an i32 Value.
func I32(v int32) Value { return Value{Type: ValueTypeI32, bits: uint64(uint32(v))} }

// I64 returns an i64 Value.
func I64(v int64) Value { return Value{Type: ValueTypeI64, bits: uint64(v)} }

// F32 returns an f32 Value.
func F32(v float32) Value { return Value{Type: ValueTypeF32, bits: EncodeF32(v)} }

// F64 returns an f64 Value.
func F64(v float64) Value { return Value{Type: ValueTypeF64, bits: EncodeF64(v)} }

// ValueFromBits returns a Value of the given type from its raw encoding.
func ValueFromBits(t ValueType, bits uint64) Value {
	if t == ValueTypeI32 || t == ValueTypeF32 {
		bits = uint64(uint32(bits))
	}
	return Value{Type: t, bits: bits}
}

// Bits returns the raw encoding of the value.
func (v Value) Bits() uint64 { return v.bits }

func (v Value) I32() int32   { return int32(uint32(v.bits)) }
func (v Value) U32() uint32  { return uint32(v.bits) }
func (v Value) I64() int64   { return int64(v.bits) }
func (v Value) F32() float32 { return DecodeF32(v.bits) }
func (v Value) F64() float64 { return DecodeF64(v.bits) }

// String implements fmt.Stringer, e.g. "i32(11)".
func (v Value) String() string {
	switch v.Type {
	case ValueTypeI32:
		return fmt.Sprintf("i32(%d)", v.I32())
	case ValueTypeI64:
		return fmt.Sprintf("i64(%d)", v.I64())
	case ValueTypeF32:
		return fmt.Sprintf("f32(%v)", v.F32())
	case ValueTypeF64:
		return fmt.Sprintf("f64(%v)", v.F64())
	}
	return fmt.Sprintf("%s(%#x)", ValueTypeName(v.Type), v.bits)
}

// EncodeF32 encodes the input as a ValueTypeF32.
func EncodeF32(input float32) uint64 {
	return uint64(math.Float32bits(input))
}

// DecodeF32 decodes the input as a ValueTypeF32.
func DecodeF32(input uint64) float32 {
	return math.Float32frombits(uint32(input))
}

// EncodeF64 encodes the input as a ValueTypeF64.
func EncodeF64(input float64) uint64 {
	return math.Float64bits(input)
}

// DecodeF64 decodes the input as a ValueTypeF64.
func DecodeF64(input uint64) float64 {
	return math.Float64frombits(input)
}

// Memory allows restricted access to an instance's linear memory from host functions.
//
// Note: All functions accept inputs in little-endian byte order and return false when out of range.
type Memory interface {
	// Size returns the size in bytes available, e.g. 65536 for one page.
	Size() uint32

	// Grow increases memory by the delta in pages (65536 bytes per page). It returns the previous size in pages, or
	// false when the result would exceed the maximum.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)

	// Read returns a view of byteCount bytes at the offset. The view aliases memory and is invalid after Grow.
	Read(offset, byteCount uint32) ([]byte, bool)

	// Write copies v into memory at the offset.
	Write(offset uint32, v []byte) bool

	ReadUint32Le(offset uint32) (uint32, bool)
	WriteUint32Le(offset, v uint32) bool
}
