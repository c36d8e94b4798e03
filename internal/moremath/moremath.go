// Package moremath holds the floating point helpers whose semantics differ between Go's math package and
// WebAssembly.
package moremath

import "math"

// WasmCompatMin is math.Min except that NaN in either operand wins over -Inf.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#op-fmin
func WasmCompatMin(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, -1) || math.IsInf(y, -1):
		return math.Inf(-1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return x
		}
		return y
	case x < y:
		return x
	}
	return y
}

// WasmCompatMax is math.Max except that NaN in either operand wins over +Inf.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#op-fmax
func WasmCompatMax(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, 1) || math.IsInf(y, 1):
		return math.Inf(1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return y
		}
		return x
	case x > y:
		return x
	}
	return y
}

// WasmCompatNearestF32 rounds half to even, keeping the sign of zero.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#op-fnearest
func WasmCompatNearestF32(f float32) float32 {
	return float32(math.RoundToEven(float64(f)))
}

// WasmCompatNearestF64 rounds half to even, keeping the sign of zero.
func WasmCompatNearestF64(f float64) float64 {
	return math.RoundToEven(f)
}
