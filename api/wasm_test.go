package api

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValue(t *testing.T) {
	tests := []struct {
		name     string
		v        Value
		expected string
		bits     uint64
	}{
		{name: "i32", v: I32(-1), expected: "i32(-1)", bits: 0xffffffff},
		{name: "i64", v: I64(-1), expected: "i64(-1)", bits: math.MaxUint64},
		{name: "f32", v: F32(1.5), expected: "f32(1.5)", bits: uint64(math.Float32bits(1.5))},
		{name: "f64", v: F64(-0.25), expected: "f64(-0.25)", bits: math.Float64bits(-0.25)},
		{name: "zero", v: Value{}, expected: "unknown(0x0)"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.v.String())
			require.Equal(t, tc.bits, tc.v.Bits())
			require.Equal(t, tc.v, ValueFromBits(tc.v.Type, tc.v.Bits()))
		})
	}
}

func TestValueFromBits_TruncatesNarrowTypes(t *testing.T) {
	require.Equal(t, I32(-1), ValueFromBits(ValueTypeI32, math.MaxUint64))
	require.Equal(t, uint64(0xffffffff), ValueFromBits(ValueTypeF32, math.MaxUint64).Bits())
}

func TestFunctionType_String(t *testing.T) {
	require.Equal(t, "() -> ()", FunctionType{}.String())
	require.Equal(t, "(i32, i64) -> (f64)",
		FunctionType{Params: []ValueType{ValueTypeI32, ValueTypeI64}, Results: []ValueType{ValueTypeF64}}.String())
}

func TestCoreFeatures(t *testing.T) {
	f := CoreFeaturesV1.SetEnabled(CoreFeatureSignExtensionOps, true)
	require.True(t, f.IsEnabled(CoreFeatureSignExtensionOps))
	require.False(t, f.IsEnabled(CoreFeaturesSupported))
	require.Equal(t, "sign-extension-ops", f.String())

	f = f.SetEnabled(CoreFeatureNonTrappingFloatToIntConversion, true)
	require.Equal(t, CoreFeaturesSupported, f)
	require.Equal(t, "sign-extension-ops|nontrapping-float-to-int-conversion", f.String())

	require.Equal(t, CoreFeaturesV1, f.SetEnabled(CoreFeaturesSupported, false))
	require.Equal(t, "multi-value", FeatureName(CoreFeatureMultiValue))
	require.Equal(t, "", FeatureName(CoreFeaturesSupported))
}
