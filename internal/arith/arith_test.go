package arith

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tierwasm/internal/wasm"
	"github.com/tetratelabs/tierwasm/internal/wasmruntime"
)

func TestBinary(t *testing.T) {
	minI32 := uint64(0x80000000)
	tests := []struct {
		name     string
		op       wasm.Opcode
		x, y     uint64
		expected uint64
	}{
		{name: "i32.add wraps", op: wasm.OpcodeI32Add, x: 0xffffffff, y: 2, expected: 1},
		{name: "i32.sub wraps", op: wasm.OpcodeI32Sub, x: 0, y: 1, expected: 0xffffffff},
		{name: "i32.div_s", op: wasm.OpcodeI32DivS, x: uint64(uint32(0xfffffff9)), y: 2, expected: uint64(uint32(0xfffffffd))},
		{name: "i32.rem_s min by -1", op: wasm.OpcodeI32RemS, x: minI32, y: 0xffffffff, expected: 0},
		{name: "i32.rem_s sign of dividend", op: wasm.OpcodeI32RemS, x: uint64(uint32(0xfffffff9)), y: 2, expected: 0xffffffff},
		{name: "i32.shl masks count", op: wasm.OpcodeI32Shl, x: 1, y: 33, expected: 2},
		{name: "i32.shr_s", op: wasm.OpcodeI32ShrS, x: minI32, y: 31, expected: 0xffffffff},
		{name: "i32.rotr", op: wasm.OpcodeI32Rotr, x: 1, y: 1, expected: minI32},
		{name: "i32.lt_s", op: wasm.OpcodeI32LtS, x: 0xffffffff, y: 0, expected: 1},
		{name: "i32.lt_u", op: wasm.OpcodeI32LtU, x: 0xffffffff, y: 0, expected: 0},
		{name: "i64.rotl", op: wasm.OpcodeI64Rotl, x: 1 << 63, y: 1, expected: 1},
		{name: "i64.div_u", op: wasm.OpcodeI64DivU, x: math.MaxUint64, y: 2, expected: math.MaxInt64},
		{name: "f32.add", op: wasm.OpcodeF32Add, x: fromF32(1.5), y: fromF32(2.25), expected: fromF32(3.75)},
		{name: "f64.div by zero", op: wasm.OpcodeF64Div, x: fromF64(1), y: 0, expected: fromF64(math.Inf(1))},
		{name: "f64.min signed zero", op: wasm.OpcodeF64Min, x: fromF64(0), y: fromF64(math.Copysign(0, -1)), expected: 1 << 63},
		{name: "f32.copysign", op: wasm.OpcodeF32Copysign, x: fromF32(2), y: fromF32(-1), expected: fromF32(-2)},
		{name: "f64.eq nan", op: wasm.OpcodeF64Eq, x: fromF64(math.NaN()), y: fromF64(math.NaN()), expected: 0},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, Binary(tc.op, tc.x, tc.y))
		})
	}
}

func TestBinary_Traps(t *testing.T) {
	tests := []struct {
		name     string
		op       wasm.Opcode
		x, y     uint64
		expected error
	}{
		{name: "i32.div_s by zero", op: wasm.OpcodeI32DivS, x: 1, expected: wasmruntime.ErrRuntimeIntegerDivideByZero},
		{name: "i32.div_u by zero", op: wasm.OpcodeI32DivU, x: 1, y: 1 << 32, expected: wasmruntime.ErrRuntimeIntegerDivideByZero},
		{name: "i32.rem_u by zero", op: wasm.OpcodeI32RemU, x: 1, expected: wasmruntime.ErrRuntimeIntegerDivideByZero},
		{name: "i32.div_s overflow", op: wasm.OpcodeI32DivS, x: 0x80000000, y: 0xffffffff, expected: wasmruntime.ErrRuntimeIntegerOverflow},
		{name: "i64.div_s overflow", op: wasm.OpcodeI64DivS, x: 1 << 63, y: math.MaxUint64, expected: wasmruntime.ErrRuntimeIntegerOverflow},
		{name: "i64.rem_s by zero", op: wasm.OpcodeI64RemS, x: 1, expected: wasmruntime.ErrRuntimeIntegerDivideByZero},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.PanicsWithValue(t, tc.expected, func() { Binary(tc.op, tc.x, tc.y) })
		})
	}
}

func TestUnary(t *testing.T) {
	tests := []struct {
		name     string
		op       wasm.Opcode
		misc     wasm.OpcodeMisc
		x        uint64
		expected uint64
	}{
		{name: "i32.clz", op: wasm.OpcodeI32Clz, x: 1, expected: 31},
		{name: "i64.ctz zero", op: wasm.OpcodeI64Ctz, x: 0, expected: 64},
		{name: "i32.eqz ignores upper bits", op: wasm.OpcodeI32Eqz, x: 1 << 32, expected: 1},
		{name: "f32.neg", op: wasm.OpcodeF32Neg, x: fromF32(1), expected: fromF32(-1)},
		{name: "f64.nearest even", op: wasm.OpcodeF64Nearest, x: fromF64(2.5), expected: fromF64(2)},
		{name: "i32.trunc_f64_s", op: wasm.OpcodeI32TruncF64S, x: fromF64(-1.9), expected: 0xffffffff},
		{name: "i32.trunc_f32_u of -0.5", op: wasm.OpcodeI32TruncF32U, x: fromF32(-0.5), expected: 0},
		{name: "i64.trunc_f64_s min", op: wasm.OpcodeI64TruncF64S, x: fromF64(-9223372036854775808), expected: 1 << 63},
		{name: "i64.trunc_f64_u large", op: wasm.OpcodeI64TruncF64U, x: fromF64(18446744073709549568), expected: 18446744073709549568},
		{name: "i64.extend_i32_s", op: wasm.OpcodeI64ExtendI32S, x: 0xffffffff, expected: math.MaxUint64},
		{name: "i32.extend8_s", op: wasm.OpcodeI32Extend8S, x: 0x80, expected: 0xffffff80},
		{name: "f64.convert_i64_u", op: wasm.OpcodeF64ConvertI64U, x: 1 << 63, expected: fromF64(9223372036854775808)},
		{name: "i32.trunc_sat_f32_s nan", op: wasm.OpcodeMiscPrefix, misc: wasm.OpcodeMiscI32TruncSatF32S, x: fromF32(float32(math.NaN())), expected: 0},
		{name: "i32.trunc_sat_f64_s low", op: wasm.OpcodeMiscPrefix, misc: wasm.OpcodeMiscI32TruncSatF64S, x: fromF64(-1e10), expected: 0x80000000},
		{name: "i32.trunc_sat_f64_u high", op: wasm.OpcodeMiscPrefix, misc: wasm.OpcodeMiscI32TruncSatF64U, x: fromF64(1e10), expected: math.MaxUint32},
		{name: "i64.trunc_sat_f32_s high", op: wasm.OpcodeMiscPrefix, misc: wasm.OpcodeMiscI64TruncSatF32S, x: fromF32(1e30), expected: math.MaxInt64},
		{name: "i64.trunc_sat_f64_u low", op: wasm.OpcodeMiscPrefix, misc: wasm.OpcodeMiscI64TruncSatF64U, x: fromF64(-3), expected: 0},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, Unary(tc.op, tc.misc, tc.x))
		})
	}
}

func TestUnary_Traps(t *testing.T) {
	tests := []struct {
		name     string
		op       wasm.Opcode
		x        uint64
		expected error
	}{
		{name: "i32.trunc_f32_s nan", op: wasm.OpcodeI32TruncF32S, x: fromF32(float32(math.NaN())), expected: wasmruntime.ErrRuntimeInvalidConversionToInteger},
		{name: "i32.trunc_f64_s overflow", op: wasm.OpcodeI32TruncF64S, x: fromF64(2147483648), expected: wasmruntime.ErrRuntimeIntegerOverflow},
		{name: "i32.trunc_f64_u negative", op: wasm.OpcodeI32TruncF64U, x: fromF64(-1), expected: wasmruntime.ErrRuntimeIntegerOverflow},
		{name: "i64.trunc_f64_s 2^63", op: wasm.OpcodeI64TruncF64S, x: fromF64(9223372036854775808), expected: wasmruntime.ErrRuntimeIntegerOverflow},
		{name: "i64.trunc_f32_u 2^64", op: wasm.OpcodeI64TruncF32U, x: fromF32(18446744073709551616), expected: wasmruntime.ErrRuntimeIntegerOverflow},
		{name: "i64.trunc_f64_u inf", op: wasm.OpcodeI64TruncF64U, x: fromF64(math.Inf(1)), expected: wasmruntime.ErrRuntimeIntegerOverflow},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.True(t, CanTrap(tc.op))
			require.PanicsWithValue(t, tc.expected, func() { Unary(tc.op, 0, tc.x) })
		})
	}
}

func TestArity(t *testing.T) {
	require.Equal(t, 1, Arity(wasm.OpcodeI32Eqz, 0))
	require.Equal(t, 2, Arity(wasm.OpcodeF64Copysign, 0))
	require.Equal(t, 1, Arity(wasm.OpcodeMiscPrefix, wasm.OpcodeMiscI64TruncSatF64U))
	require.Equal(t, 0, Arity(wasm.OpcodeCall, 0))
	require.False(t, CanTrap(wasm.OpcodeI32Add))
}
