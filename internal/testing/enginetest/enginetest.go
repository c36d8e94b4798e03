// Package enginetest contains tests common to any wasm.Backend implementation. Defining these as top-level
// functions is less burden than copy/pasting the implementations, while still allowing test caching to operate.
//
// In simplest case, dispatch:
//
//	func TestBackend(t *testing.T) {
//		enginetest.RunTestBackend(t, NewBackend())
//	}
//
// Note: These tests intentionally avoid the root Runtime, as it is important to know both the dependencies and the
// capabilities at the wasm.Backend abstraction.
package enginetest

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/testing/binaryencoding"
	"github.com/tetratelabs/tierwasm/internal/wasm"
	"github.com/tetratelabs/tierwasm/internal/wasm/binary"
)

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

// Instance is a module instantiated by a backend under test.
type Instance struct {
	*wasm.ModuleInstance
	t *testing.T
}

// Instantiate decodes and compiles the binary with the backend, then instantiates it with the host functions and
// runs its start function.
func Instantiate(t *testing.T, b wasm.Backend, bin []byte, hostFuncs ...*wasm.HostFunc) *Instance {
	m, err := binary.DecodeModule(bin, b.Features())
	require.NoError(t, err)
	a, err := b.Compile(testCtx, m)
	require.NoError(t, err)
	return InstantiateArtifact(t, a, hostFuncs...)
}

// InstantiateArtifact is like Instantiate for an artifact that is already compiled.
func InstantiateArtifact(t *testing.T, a wasm.Artifact, hostFuncs ...*wasm.HostFunc) *Instance {
	resolve := func(moduleName, name string) (*wasm.HostFunc, bool) {
		for _, f := range hostFuncs {
			if f.ModuleName == moduleName && f.Name == name {
				return f, true
			}
		}
		return nil, false
	}
	inst, err := wasm.NewModuleInstance(a.Module(), resolve, wasm.InstanceConfig{MaxCallDepth: 500})
	require.NoError(t, err)
	inst.Engine, err = a.NewModuleEngine(inst)
	require.NoError(t, err)
	require.NoError(t, inst.RunStart(testCtx))
	t.Cleanup(inst.Close)
	return &Instance{ModuleInstance: inst, t: t}
}

// Call invokes the exported function.
func (i *Instance) Call(name string, params ...uint64) ([]uint64, error) {
	exp := i.Module.Export(name)
	require.NotNil(i.t, exp, "export %s", name)
	require.Equal(i.t, wasm.ExternTypeFunc, exp.Type)
	return i.Engine.Call(testCtx, exp.Index, params)
}

// RequireCall invokes the exported function and requires it to succeed.
func (i *Instance) RequireCall(name string, params ...uint64) []uint64 {
	results, err := i.Call(name, params...)
	require.NoError(i.t, err)
	return results
}

// RequireTrap invokes the exported function and requires it to trap with the kind.
func (i *Instance) RequireTrap(kind api.TrapKind, name string, params ...uint64) *api.Trap {
	results, err := i.Call(name, params...)
	require.Nil(i.t, results)
	var trap *api.Trap
	require.True(i.t, errors.As(err, &trap), "expected trap, but was %v", err)
	require.Equal(i.t, kind, trap.Kind, trap.Error())
	return trap
}

// OffsetOf returns the byte offset of the first instruction with the opcode in the function.
func OffsetOf(t *testing.T, bin []byte, funcIdx wasm.Index, op wasm.Opcode) uint64 {
	m, err := binary.DecodeModule(bin, api.CoreFeaturesSupported)
	require.NoError(t, err)
	for _, in := range m.CodeSection[funcIdx-m.ImportFuncCount()].Body {
		if in.Opcode == op {
			return uint64(in.Offset)
		}
	}
	t.Fatalf("function[%d] has no %s", funcIdx, wasm.InstructionName(op))
	return 0
}

func u32(v int32) uint64 { return uint64(uint32(v)) }

// RunTestBackend runs every test of this package against the backend.
func RunTestBackend(t *testing.T, b wasm.Backend) {
	t.Run("add_one", func(t *testing.T) { RunTestAddOne(t, b) })
	t.Run("fibonacci", func(t *testing.T) { RunTestFibonacci(t, b) })
	t.Run("nbody", func(t *testing.T) { RunTestNBody(t, b) })
	t.Run("control flow", func(t *testing.T) { RunTestControlFlow(t, b) })
	t.Run("memory boundary", func(t *testing.T) { RunTestMemoryBoundary(t, b) })
	t.Run("traps", func(t *testing.T) { RunTestTraps(t, b) })
	t.Run("call_indirect", func(t *testing.T) { RunTestCallIndirect(t, b) })
	t.Run("host call", func(t *testing.T) { RunTestHostCall(t, b) })
	t.Run("unsupported", func(t *testing.T) { RunTestUnsupported(t, b) })
}

func RunTestAddOne(t *testing.T, b wasm.Backend) {
	inst := Instantiate(t, b, binaryencoding.AddOne())
	for _, tc := range []struct{ in, out int32 }{{10, 11}, {-1, 0}, {math.MaxInt32, math.MinInt32}} {
		require.Equal(t, []uint64{u32(tc.out)}, inst.RequireCall("add_one", u32(tc.in)))
	}
}

func RunTestFibonacci(t *testing.T, b wasm.Backend) {
	inst := Instantiate(t, b, binaryencoding.Fibonacci())
	tests := []struct {
		n        uint32
		expected uint64
	}{
		{n: 0, expected: 0},
		{n: 1, expected: 1},
		{n: 2, expected: 1},
		{n: 10, expected: 55},
		{n: 20, expected: 6765},
	}
	for _, tc := range tests {
		require.Equal(t, []uint64{tc.expected}, inst.RequireCall("fib", uint64(tc.n)), "fib(%d)", tc.n)
		require.Equal(t, []uint64{tc.expected}, inst.RequireCall("fib_recursive", uint64(tc.n)), "fib_recursive(%d)", tc.n)
	}
	require.Equal(t, []uint64{12586269025}, inst.RequireCall("fib", 50))
}

// NBodyExpected computes what the nbody sample returns for the steps.
func NBodyExpected(steps int) float64 {
	const dt = 0.01
	x, v := 1.0, 0.0
	for i := 0; i < steps; i++ {
		// Conversions keep the multiply and the add separately rounded, like the wasm instructions.
		v = v - float64(x*dt)
		x = x + float64(v*dt)
	}
	return math.Sqrt(float64(x*x) + float64(v*v))
}

func RunTestNBody(t *testing.T, b wasm.Backend) {
	for _, steps := range []int{0, 1, 1000} {
		inst := Instantiate(t, b, binaryencoding.NBody())
		results := inst.RequireCall("nbody", uint64(steps))
		require.Equal(t, NBodyExpected(steps), api.DecodeF64(results[0]), "steps=%d", steps)
	}
}

func RunTestControlFlow(t *testing.T, b wasm.Backend) {
	inst := Instantiate(t, b, binaryencoding.ControlFlow())
	for in, out := range map[int32]int32{0: 100, 1: 200, 2: 300, -1: 300, 1000: 300} {
		require.Equal(t, []uint64{u32(out)}, inst.RequireCall("classify", u32(in)), "classify(%d)", in)
	}
	require.Equal(t, []uint64{u32(7)}, inst.RequireCall("select_max", u32(-3), u32(7)))
	require.Equal(t, []uint64{u32(7)}, inst.RequireCall("select_max", u32(7), u32(-3)))
	for i := int32(1); i <= 3; i++ {
		require.Equal(t, []uint64{u32(i)}, inst.RequireCall("count"))
	}
	require.Equal(t, []uint64{u32(0)}, inst.RequireCall("sum_to", 0))
	require.Equal(t, []uint64{u32(5050)}, inst.RequireCall("sum_to", 100))
}

func RunTestMemoryBoundary(t *testing.T, b wasm.Backend) {
	bin := binaryencoding.MemoryBoundary()
	inst := Instantiate(t, b, bin)

	inst.RequireCall("store", 65532, 0xdeadbeef)
	require.Equal(t, []uint64{0xdeadbeef}, inst.RequireCall("load", 65532))

	for _, addr := range []uint64{65533, 65536, 65537, u32(-1)} {
		trap := inst.RequireTrap(api.TrapKindOutOfBoundsMemoryAccess, "store", addr, 1)
		require.Equal(t, OffsetOf(t, bin, 0, wasm.OpcodeI32Store), trap.Offset)
		require.Equal(t, uint32(0), trap.Function)
		require.Equal(t, "store", trap.FunctionName)
	}
	// No byte of a faulting store is written.
	require.Equal(t, []uint64{0xdeadbeef}, inst.RequireCall("load", 65532))
	inst.RequireTrap(api.TrapKindOutOfBoundsMemoryAccess, "load", 65533)

	// The maximum is one page.
	require.Equal(t, []uint64{1}, inst.RequireCall("size"))
	require.Equal(t, []uint64{u32(-1)}, inst.RequireCall("grow", 1))
	require.Equal(t, []uint64{1}, inst.RequireCall("grow", 0))
	require.Equal(t, []uint64{1}, inst.RequireCall("size"))
}

func RunTestTraps(t *testing.T, b wasm.Backend) {
	bin := binaryencoding.Traps()
	inst := Instantiate(t, b, bin)

	t.Run("divide by zero then recover", func(t *testing.T) {
		trap := inst.RequireTrap(api.TrapKindIntegerDivideByZero, "div", 1, 0)
		require.Equal(t, OffsetOf(t, bin, 0, wasm.OpcodeI32DivS), trap.Offset)
		require.Equal(t, []uint64{42}, inst.RequireCall("answer"))
		require.Equal(t, []uint64{u32(-3)}, inst.RequireCall("div", u32(-7), 2))
	})
	t.Run("overflow", func(t *testing.T) {
		inst.RequireTrap(api.TrapKindIntegerOverflow, "div", u32(math.MinInt32), u32(-1))
	})
	t.Run("unreachable", func(t *testing.T) {
		trap := inst.RequireTrap(api.TrapKindUnreachable, "unreachable")
		require.Equal(t, OffsetOf(t, bin, 1, wasm.OpcodeUnreachable), trap.Offset)
		require.Equal(t, uint32(1), trap.Function)
	})
	t.Run("stack exhausted", func(t *testing.T) {
		trap := inst.RequireTrap(api.TrapKindStackExhausted, "recurse")
		require.Equal(t, uint32(2), trap.Function)
		require.Equal(t, []uint64{42}, inst.RequireCall("answer"))
	})
}

func RunTestCallIndirect(t *testing.T, b wasm.Backend) {
	bin := binaryencoding.CallIndirect()
	inst := Instantiate(t, b, bin)

	require.Equal(t, []uint64{42}, inst.RequireCall("dispatch", 0, 21))
	offset := OffsetOf(t, bin, 2, wasm.OpcodeCallIndirect)
	tests := []struct {
		name string
		elem uint64
		kind api.TrapKind
	}{
		{name: "type mismatch", elem: 1, kind: api.TrapKindIndirectCallTypeMismatch},
		{name: "null element", elem: 2, kind: api.TrapKindUndefinedElement},
		{name: "out of range", elem: 3, kind: api.TrapKindUndefinedElement},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			trap := inst.RequireTrap(tc.kind, "dispatch", tc.elem, 21)
			require.Equal(t, offset, trap.Offset)
		})
	}
}

func RunTestHostCall(t *testing.T, b wasm.Backend) {
	bin := binaryencoding.HostCall()
	hostErr := errors.New("host refused")
	var mode string
	add := &wasm.HostFunc{ModuleName: "env", Name: "add",
		Type: wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}},
		Fn: func(_ context.Context, mem api.Memory, params []uint64) ([]uint64, error) {
			switch mode {
			case "error":
				return nil, hostErr
			case "panic":
				panic("host bug")
			}
			require.NotNil(t, mem)
			require.True(t, mem.WriteUint32Le(0, uint32(params[0])))
			return []uint64{u32(int32(params[0]) + int32(params[1]))}, nil
		}}
	inst := Instantiate(t, b, bin, add)

	require.Equal(t, []uint64{15}, inst.RequireCall("add_ten", 5))
	v, ok := inst.Memory.ReadUint32Le(0)
	require.True(t, ok)
	require.Equal(t, uint32(5), v)

	mode = "error"
	trap := inst.RequireTrap(api.TrapKindHost, "add_ten", 5)
	require.ErrorIs(t, trap, hostErr)
	require.Equal(t, OffsetOf(t, bin, 1, wasm.OpcodeCall), trap.Offset)

	mode = "panic"
	_, err := inst.Call("add_ten", 5)
	var panicErr *wasm.PanicError
	require.True(t, errors.As(err, &panicErr), "%v", err)
	require.Equal(t, "host bug", panicErr.Value)
}

func RunTestUnsupported(t *testing.T, b wasm.Backend) {
	bin := binaryencoding.AddOne()
	m, err := binary.DecodeModule(bin, b.Features())
	require.NoError(t, err)
	m.UsedFeatures |= api.CoreFeatureMultiValue
	_, err = b.Compile(testCtx, m)
	require.ErrorIs(t, err, api.ErrUnsupported)
	var ce *api.CompileError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, b.Name(), ce.Backend)
	require.Equal(t, "multi-value", ce.Feature)
}
