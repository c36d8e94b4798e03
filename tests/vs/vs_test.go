//go:build amd64 && cgo && !windows

// Wasmtime can only be used in amd64 with CGO
// Wasmer doesn't link on Windows
package vs

import (
	"context"
	"fmt"
	"testing"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/stretchr/testify/require"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/tetratelabs/tierwasm"
	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/testing/binaryencoding"
)

var testCtx = context.Background()

// oracle runs an export of a binary on another WebAssembly runtime. A trap is an error.
type oracle func(bin []byte, name string, args ...interface{}) (interface{}, error)

func wasmerCall(bin []byte, name string, args ...interface{}) (interface{}, error) {
	store := wasmer.NewStore(wasmer.NewEngine())
	defer store.Close()
	module, err := wasmer.NewModule(store, bin)
	if err != nil {
		return nil, err
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return nil, err
	}
	defer instance.Close()
	fn, err := instance.Exports.GetFunction(name)
	if err != nil {
		return nil, err
	}
	return fn(args...)
}

func wasmtimeCall(bin []byte, name string, args ...interface{}) (interface{}, error) {
	store := wasmtime.NewStore(wasmtime.NewEngine())
	module, err := wasmtime.NewModule(store.Engine, bin)
	if err != nil {
		return nil, err
	}
	instance, err := wasmtime.NewInstance(store, module, nil)
	if err != nil {
		return nil, err
	}
	fn := instance.GetFunc(store, name)
	if fn == nil {
		return nil, fmt.Errorf("%s is not a function", name)
	}
	return fn.Call(store, args...)
}

// value converts the result of an oracle to the type of a tierwasm result.
func value(t api.ValueType, v interface{}) api.Value {
	switch t {
	case api.ValueTypeI32:
		return api.I32(v.(int32))
	case api.ValueTypeI64:
		return api.I64(v.(int64))
	case api.ValueTypeF32:
		return api.F32(v.(float32))
	}
	return api.F64(v.(float64))
}

func goValue(v api.Value) interface{} {
	switch v.Type {
	case api.ValueTypeI32:
		return v.I32()
	case api.ValueTypeI64:
		return v.I64()
	case api.ValueTypeF32:
		return v.F32()
	}
	return v.F64()
}

func TestCompareOracles(t *testing.T) {
	tests := []struct {
		name   string
		bin    []byte
		export string
		args   []api.Value
		// trap is true when every runtime must trap.
		trap bool
	}{
		{name: "add_one", bin: binaryencoding.AddOne(), export: "add_one", args: []api.Value{api.I32(10)}},
		{name: "add_one wraps", bin: binaryencoding.AddOne(), export: "add_one", args: []api.Value{api.I32(2147483647)}},
		{name: "fib", bin: binaryencoding.Fibonacci(), export: "fib", args: []api.Value{api.I32(90)}},
		{name: "fib_recursive", bin: binaryencoding.Fibonacci(), export: "fib_recursive", args: []api.Value{api.I32(20)}},
		{name: "nbody", bin: binaryencoding.NBody(), export: "nbody", args: []api.Value{api.I32(1000)}},
		{name: "classify", bin: binaryencoding.ControlFlow(), export: "classify", args: []api.Value{api.I32(1)}},
		{name: "classify default", bin: binaryencoding.ControlFlow(), export: "classify", args: []api.Value{api.I32(77)}},
		{name: "select_max", bin: binaryencoding.ControlFlow(), export: "select_max", args: []api.Value{api.I32(-3), api.I32(2)}},
		{name: "sum_to", bin: binaryencoding.ControlFlow(), export: "sum_to", args: []api.Value{api.I32(100)}},
		{name: "dispatch", bin: binaryencoding.CallIndirect(), export: "dispatch", args: []api.Value{api.I32(0), api.I32(21)}},
		{name: "dispatch mismatch", bin: binaryencoding.CallIndirect(), export: "dispatch", args: []api.Value{api.I32(1), api.I32(21)}, trap: true},
		{name: "div by zero", bin: binaryencoding.Traps(), export: "div", args: []api.Value{api.I32(1), api.I32(0)}, trap: true},
		{name: "unreachable", bin: binaryencoding.Traps(), export: "unreachable", trap: true},
	}

	oracles := map[string]oracle{"wasmer-go": wasmerCall, "wasmtime-go": wasmtimeCall}
	configs := map[string]*tierwasm.RuntimeConfig{
		tierwasm.BackendSinglePass:  tierwasm.NewRuntimeConfigSinglePass(),
		tierwasm.BackendOptimizing:  tierwasm.NewRuntimeConfigOptimizing(),
		tierwasm.BackendAheadOfTime: tierwasm.NewRuntimeConfigAheadOfTime(),
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			args := make([]interface{}, len(tc.args))
			for i, a := range tc.args {
				args[i] = goValue(a)
			}

			for backend, config := range configs {
				r, err := tierwasm.NewRuntime(config)
				require.NoError(t, err)
				cm, err := r.Compile(testCtx, tc.bin)
				require.NoError(t, err)
				resultType := cm.ExportedFunctions()[tc.export].Results[0]
				res, err := r.CompileAndRun(testCtx, tc.bin, tc.export, tc.args...)
				require.NoError(t, err)
				require.NoError(t, r.Close())

				for name, call := range oracles {
					expected, err := call(tc.bin, tc.export, args...)
					if tc.trap {
						require.Error(t, err, name)
						require.NotNil(t, res.Trap, backend)
						continue
					}
					require.NoError(t, err, name)
					require.Nil(t, res.Trap, backend)
					require.Equal(t, []api.Value{value(resultType, expected)}, res.Values, "%s vs %s", backend, name)
				}
			}
		})
	}
}
