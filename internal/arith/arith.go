// Package arith implements the numeric instructions over raw value bits. The engines and the constant folder share
// it, so every backend computes the same bits. Faults panic with the errors of package wasmruntime.
package arith

import (
	"math"
	"math/bits"

	"github.com/tetratelabs/tierwasm/internal/moremath"
	"github.com/tetratelabs/tierwasm/internal/wasm"
	"github.com/tetratelabs/tierwasm/internal/wasmruntime"
)

func f32(v uint64) float32 { return math.Float32frombits(uint32(v)) }
func f64(v uint64) float64 { return math.Float64frombits(v) }

func fromF32(v float32) uint64 { return uint64(math.Float32bits(v)) }
func fromF64(v float64) uint64 { return math.Float64bits(v) }

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Unary evaluates a numeric instruction of one operand. misc is the sub-opcode when op is wasm.OpcodeMiscPrefix.
func Unary(op wasm.Opcode, misc wasm.OpcodeMisc, x uint64) uint64 {
	switch op {
	case wasm.OpcodeI32Eqz:
		return b2u(uint32(x) == 0)
	case wasm.OpcodeI64Eqz:
		return b2u(x == 0)
	case wasm.OpcodeI32Clz:
		return uint64(bits.LeadingZeros32(uint32(x)))
	case wasm.OpcodeI32Ctz:
		return uint64(bits.TrailingZeros32(uint32(x)))
	case wasm.OpcodeI32Popcnt:
		return uint64(bits.OnesCount32(uint32(x)))
	case wasm.OpcodeI64Clz:
		return uint64(bits.LeadingZeros64(x))
	case wasm.OpcodeI64Ctz:
		return uint64(bits.TrailingZeros64(x))
	case wasm.OpcodeI64Popcnt:
		return uint64(bits.OnesCount64(x))

	case wasm.OpcodeF32Abs:
		return x & 0x7fffffff
	case wasm.OpcodeF32Neg:
		return uint64(uint32(x) ^ 0x80000000)
	case wasm.OpcodeF32Ceil:
		return fromF32(float32(math.Ceil(float64(f32(x)))))
	case wasm.OpcodeF32Floor:
		return fromF32(float32(math.Floor(float64(f32(x)))))
	case wasm.OpcodeF32Trunc:
		return fromF32(float32(math.Trunc(float64(f32(x)))))
	case wasm.OpcodeF32Nearest:
		return fromF32(moremath.WasmCompatNearestF32(f32(x)))
	case wasm.OpcodeF32Sqrt:
		return fromF32(float32(math.Sqrt(float64(f32(x)))))
	case wasm.OpcodeF64Abs:
		return x &^ (1 << 63)
	case wasm.OpcodeF64Neg:
		return x ^ (1 << 63)
	case wasm.OpcodeF64Ceil:
		return fromF64(math.Ceil(f64(x)))
	case wasm.OpcodeF64Floor:
		return fromF64(math.Floor(f64(x)))
	case wasm.OpcodeF64Trunc:
		return fromF64(math.Trunc(f64(x)))
	case wasm.OpcodeF64Nearest:
		return fromF64(moremath.WasmCompatNearestF64(f64(x)))
	case wasm.OpcodeF64Sqrt:
		return fromF64(math.Sqrt(f64(x)))

	case wasm.OpcodeI32WrapI64:
		return uint64(uint32(x))
	case wasm.OpcodeI32TruncF32S:
		return uint64(uint32(truncToI32(float64(f32(x)))))
	case wasm.OpcodeI32TruncF32U:
		return uint64(truncToU32(float64(f32(x))))
	case wasm.OpcodeI32TruncF64S:
		return uint64(uint32(truncToI32(f64(x))))
	case wasm.OpcodeI32TruncF64U:
		return uint64(truncToU32(f64(x)))
	case wasm.OpcodeI64ExtendI32S:
		return uint64(int64(int32(x)))
	case wasm.OpcodeI64ExtendI32U:
		return uint64(uint32(x))
	case wasm.OpcodeI64TruncF32S:
		return uint64(truncToI64(float64(f32(x))))
	case wasm.OpcodeI64TruncF32U:
		return truncToU64(float64(f32(x)))
	case wasm.OpcodeI64TruncF64S:
		return uint64(truncToI64(f64(x)))
	case wasm.OpcodeI64TruncF64U:
		return truncToU64(f64(x))
	case wasm.OpcodeF32ConvertI32S:
		return fromF32(float32(int32(x)))
	case wasm.OpcodeF32ConvertI32U:
		return fromF32(float32(uint32(x)))
	case wasm.OpcodeF32ConvertI64S:
		return fromF32(float32(int64(x)))
	case wasm.OpcodeF32ConvertI64U:
		return fromF32(float32(x))
	case wasm.OpcodeF32DemoteF64:
		return fromF32(float32(f64(x)))
	case wasm.OpcodeF64ConvertI32S:
		return fromF64(float64(int32(x)))
	case wasm.OpcodeF64ConvertI32U:
		return fromF64(float64(uint32(x)))
	case wasm.OpcodeF64ConvertI64S:
		return fromF64(float64(int64(x)))
	case wasm.OpcodeF64ConvertI64U:
		return fromF64(float64(x))
	case wasm.OpcodeF64PromoteF32:
		return fromF64(float64(f32(x)))
	case wasm.OpcodeI32ReinterpretF32, wasm.OpcodeF32ReinterpretI32:
		return uint64(uint32(x))
	case wasm.OpcodeI64ReinterpretF64, wasm.OpcodeF64ReinterpretI64:
		return x

	case wasm.OpcodeI32Extend8S:
		return uint64(uint32(int32(int8(x))))
	case wasm.OpcodeI32Extend16S:
		return uint64(uint32(int32(int16(x))))
	case wasm.OpcodeI64Extend8S:
		return uint64(int64(int8(x)))
	case wasm.OpcodeI64Extend16S:
		return uint64(int64(int16(x)))
	case wasm.OpcodeI64Extend32S:
		return uint64(int64(int32(x)))

	case wasm.OpcodeMiscPrefix:
		return saturate(misc, x)
	}
	panic("BUG: not a unary numeric instruction: " + wasm.InstructionName(op))
}

// Binary evaluates a numeric instruction of two operands, x being the deeper one on the stack.
func Binary(op wasm.Opcode, x, y uint64) uint64 {
	switch op {
	case wasm.OpcodeI32Eq:
		return b2u(uint32(x) == uint32(y))
	case wasm.OpcodeI32Ne:
		return b2u(uint32(x) != uint32(y))
	case wasm.OpcodeI32LtS:
		return b2u(int32(x) < int32(y))
	case wasm.OpcodeI32LtU:
		return b2u(uint32(x) < uint32(y))
	case wasm.OpcodeI32GtS:
		return b2u(int32(x) > int32(y))
	case wasm.OpcodeI32GtU:
		return b2u(uint32(x) > uint32(y))
	case wasm.OpcodeI32LeS:
		return b2u(int32(x) <= int32(y))
	case wasm.OpcodeI32LeU:
		return b2u(uint32(x) <= uint32(y))
	case wasm.OpcodeI32GeS:
		return b2u(int32(x) >= int32(y))
	case wasm.OpcodeI32GeU:
		return b2u(uint32(x) >= uint32(y))
	case wasm.OpcodeI64Eq:
		return b2u(x == y)
	case wasm.OpcodeI64Ne:
		return b2u(x != y)
	case wasm.OpcodeI64LtS:
		return b2u(int64(x) < int64(y))
	case wasm.OpcodeI64LtU:
		return b2u(x < y)
	case wasm.OpcodeI64GtS:
		return b2u(int64(x) > int64(y))
	case wasm.OpcodeI64GtU:
		return b2u(x > y)
	case wasm.OpcodeI64LeS:
		return b2u(int64(x) <= int64(y))
	case wasm.OpcodeI64LeU:
		return b2u(x <= y)
	case wasm.OpcodeI64GeS:
		return b2u(int64(x) >= int64(y))
	case wasm.OpcodeI64GeU:
		return b2u(x >= y)
	case wasm.OpcodeF32Eq:
		return b2u(f32(x) == f32(y))
	case wasm.OpcodeF32Ne:
		return b2u(f32(x) != f32(y))
	case wasm.OpcodeF32Lt:
		return b2u(f32(x) < f32(y))
	case wasm.OpcodeF32Gt:
		return b2u(f32(x) > f32(y))
	case wasm.OpcodeF32Le:
		return b2u(f32(x) <= f32(y))
	case wasm.OpcodeF32Ge:
		return b2u(f32(x) >= f32(y))
	case wasm.OpcodeF64Eq:
		return b2u(f64(x) == f64(y))
	case wasm.OpcodeF64Ne:
		return b2u(f64(x) != f64(y))
	case wasm.OpcodeF64Lt:
		return b2u(f64(x) < f64(y))
	case wasm.OpcodeF64Gt:
		return b2u(f64(x) > f64(y))
	case wasm.OpcodeF64Le:
		return b2u(f64(x) <= f64(y))
	case wasm.OpcodeF64Ge:
		return b2u(f64(x) >= f64(y))

	case wasm.OpcodeI32Add:
		return uint64(uint32(x) + uint32(y))
	case wasm.OpcodeI32Sub:
		return uint64(uint32(x) - uint32(y))
	case wasm.OpcodeI32Mul:
		return uint64(uint32(x) * uint32(y))
	case wasm.OpcodeI32DivS:
		a, b := int32(x), int32(y)
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		} else if b == -1 && a == math.MinInt32 {
			panic(wasmruntime.ErrRuntimeIntegerOverflow)
		}
		return uint64(uint32(a / b))
	case wasm.OpcodeI32DivU:
		if uint32(y) == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		return uint64(uint32(x) / uint32(y))
	case wasm.OpcodeI32RemS:
		a, b := int32(x), int32(y)
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		} else if b == -1 {
			return 0
		}
		return uint64(uint32(a % b))
	case wasm.OpcodeI32RemU:
		if uint32(y) == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		return uint64(uint32(x) % uint32(y))
	case wasm.OpcodeI32And:
		return uint64(uint32(x) & uint32(y))
	case wasm.OpcodeI32Or:
		return uint64(uint32(x) | uint32(y))
	case wasm.OpcodeI32Xor:
		return uint64(uint32(x) ^ uint32(y))
	case wasm.OpcodeI32Shl:
		return uint64(uint32(x) << (uint32(y) % 32))
	case wasm.OpcodeI32ShrS:
		return uint64(uint32(int32(x) >> (uint32(y) % 32)))
	case wasm.OpcodeI32ShrU:
		return uint64(uint32(x) >> (uint32(y) % 32))
	case wasm.OpcodeI32Rotl:
		return uint64(bits.RotateLeft32(uint32(x), int(uint32(y)%32)))
	case wasm.OpcodeI32Rotr:
		return uint64(bits.RotateLeft32(uint32(x), -int(uint32(y)%32)))

	case wasm.OpcodeI64Add:
		return x + y
	case wasm.OpcodeI64Sub:
		return x - y
	case wasm.OpcodeI64Mul:
		return x * y
	case wasm.OpcodeI64DivS:
		a, b := int64(x), int64(y)
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		} else if b == -1 && a == math.MinInt64 {
			panic(wasmruntime.ErrRuntimeIntegerOverflow)
		}
		return uint64(a / b)
	case wasm.OpcodeI64DivU:
		if y == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		return x / y
	case wasm.OpcodeI64RemS:
		a, b := int64(x), int64(y)
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		} else if b == -1 {
			return 0
		}
		return uint64(a % b)
	case wasm.OpcodeI64RemU:
		if y == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		return x % y
	case wasm.OpcodeI64And:
		return x & y
	case wasm.OpcodeI64Or:
		return x | y
	case wasm.OpcodeI64Xor:
		return x ^ y
	case wasm.OpcodeI64Shl:
		return x << (y % 64)
	case wasm.OpcodeI64ShrS:
		return uint64(int64(x) >> (y % 64))
	case wasm.OpcodeI64ShrU:
		return x >> (y % 64)
	case wasm.OpcodeI64Rotl:
		return bits.RotateLeft64(x, int(y%64))
	case wasm.OpcodeI64Rotr:
		return bits.RotateLeft64(x, -int(y%64))

	case wasm.OpcodeF32Add:
		return fromF32(f32(x) + f32(y))
	case wasm.OpcodeF32Sub:
		return fromF32(f32(x) - f32(y))
	case wasm.OpcodeF32Mul:
		return fromF32(f32(x) * f32(y))
	case wasm.OpcodeF32Div:
		return fromF32(f32(x) / f32(y))
	case wasm.OpcodeF32Min:
		return fromF32(float32(moremath.WasmCompatMin(float64(f32(x)), float64(f32(y)))))
	case wasm.OpcodeF32Max:
		return fromF32(float32(moremath.WasmCompatMax(float64(f32(x)), float64(f32(y)))))
	case wasm.OpcodeF32Copysign:
		return uint64(uint32(x)&0x7fffffff | uint32(y)&0x80000000)
	case wasm.OpcodeF64Add:
		return fromF64(f64(x) + f64(y))
	case wasm.OpcodeF64Sub:
		return fromF64(f64(x) - f64(y))
	case wasm.OpcodeF64Mul:
		return fromF64(f64(x) * f64(y))
	case wasm.OpcodeF64Div:
		return fromF64(f64(x) / f64(y))
	case wasm.OpcodeF64Min:
		return fromF64(moremath.WasmCompatMin(f64(x), f64(y)))
	case wasm.OpcodeF64Max:
		return fromF64(moremath.WasmCompatMax(f64(x), f64(y)))
	case wasm.OpcodeF64Copysign:
		return x&^(1<<63) | y&(1<<63)
	}
	panic("BUG: not a binary numeric instruction: " + wasm.InstructionName(op))
}

// Arity returns the number of operands of a numeric instruction.
func Arity(op wasm.Opcode, misc wasm.OpcodeMisc) int {
	if sig := wasm.NumericSignatureOf(op, misc); sig != nil {
		return len(sig.Params)
	}
	return 0
}

// CanTrap returns true if the numeric instruction can fault for some operands.
func CanTrap(op wasm.Opcode) bool {
	switch op {
	case wasm.OpcodeI32DivS, wasm.OpcodeI32DivU, wasm.OpcodeI32RemS, wasm.OpcodeI32RemU,
		wasm.OpcodeI64DivS, wasm.OpcodeI64DivU, wasm.OpcodeI64RemS, wasm.OpcodeI64RemU,
		wasm.OpcodeI32TruncF32S, wasm.OpcodeI32TruncF32U, wasm.OpcodeI32TruncF64S, wasm.OpcodeI32TruncF64U,
		wasm.OpcodeI64TruncF32S, wasm.OpcodeI64TruncF32U, wasm.OpcodeI64TruncF64S, wasm.OpcodeI64TruncF64U:
		return true
	}
	return false
}

func truncToI32(f float64) int32 {
	v := math.Trunc(f)
	if math.IsNaN(v) {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	} else if v < math.MinInt32 || v > math.MaxInt32 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return int32(v)
}

func truncToU32(f float64) uint32 {
	v := math.Trunc(f)
	if math.IsNaN(v) {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	} else if v < 0 || v > math.MaxUint32 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint32(v)
}

// 2^63 and 2^64 are exact in float64, unlike math.MaxInt64 and math.MaxUint64.
const (
	twoTo63 = float64(1 << 63)
	twoTo64 = twoTo63 * 2
)

func truncToI64(f float64) int64 {
	v := math.Trunc(f)
	if math.IsNaN(v) {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	} else if v < -twoTo63 || v >= twoTo63 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return int64(v)
}

func truncToU64(f float64) uint64 {
	v := math.Trunc(f)
	if math.IsNaN(v) {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	} else if v < 0 || v >= twoTo64 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint64(v)
}

// saturate evaluates the non-trapping float to int conversions: NaN becomes zero and out of range values clamp.
func saturate(misc wasm.OpcodeMisc, x uint64) uint64 {
	var v float64
	switch misc {
	case wasm.OpcodeMiscI32TruncSatF32S, wasm.OpcodeMiscI32TruncSatF32U, wasm.OpcodeMiscI64TruncSatF32S, wasm.OpcodeMiscI64TruncSatF32U:
		v = float64(f32(x))
	default:
		v = f64(x)
	}
	if math.IsNaN(v) {
		return 0
	}
	v = math.Trunc(v)
	switch misc {
	case wasm.OpcodeMiscI32TruncSatF32S, wasm.OpcodeMiscI32TruncSatF64S:
		switch {
		case v < math.MinInt32:
			return 0x80000000
		case v > math.MaxInt32:
			return math.MaxInt32
		}
		return uint64(uint32(int32(v)))
	case wasm.OpcodeMiscI32TruncSatF32U, wasm.OpcodeMiscI32TruncSatF64U:
		switch {
		case v < 0:
			return 0
		case v > math.MaxUint32:
			return math.MaxUint32
		}
		return uint64(uint32(v))
	case wasm.OpcodeMiscI64TruncSatF32S, wasm.OpcodeMiscI64TruncSatF64S:
		switch {
		case v < -twoTo63:
			return 1 << 63
		case v >= twoTo63:
			return math.MaxInt64
		}
		return uint64(int64(v))
	default:
		switch {
		case v < 0:
			return 0
		case v >= twoTo64:
			return math.MaxUint64
		}
		return uint64(v)
	}
}
