// Package binaryencoding builds the sample modules used by tests and benchmarks. Each sample is a wasm.Module
// encoded with binary.EncodeModule, so its instruction offsets are those the decoder reports.
package binaryencoding

import (
	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/wasm"
	"github.com/tetratelabs/tierwasm/internal/wasm/binary"
)

const (
	i32, i64, f64 = wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF64
)

var (
	v_i32      = wasm.FunctionType{Results: []wasm.ValueType{i32}}
	i32_i32    = wasm.FunctionType{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32}}
	i32i32_i32 = wasm.FunctionType{Params: []wasm.ValueType{i32, i32}, Results: []wasm.ValueType{i32}}
	i32_i64    = wasm.FunctionType{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i64}}
	i32_f64    = wasm.FunctionType{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{f64}}
	i32i32_v   = wasm.FunctionType{Params: []wasm.ValueType{i32, i32}}
	v_v        = wasm.FunctionType{}
)

func u32p(v uint32) *uint32 { return &v }

// ins is shorthand for an instruction with an immediate.
func ins(op wasm.Opcode, imm uint64) wasm.Instruction {
	return wasm.Instruction{Opcode: op, Imm: imm}
}

func op(op wasm.Opcode) wasm.Instruction {
	return wasm.Instruction{Opcode: op}
}

func block(op wasm.Opcode, bt byte) wasm.Instruction {
	return wasm.Instruction{Opcode: op, BlockType: bt}
}

func memarg(op wasm.Opcode, align uint32, offset uint64) wasm.Instruction {
	return wasm.Instruction{Opcode: op, Align: align, Imm: offset}
}

var (
	end    = op(wasm.OpcodeEnd)
	i32Add = op(wasm.OpcodeI32Add)
	i32Sub = op(wasm.OpcodeI32Sub)
)

func localGet(i uint64) wasm.Instruction  { return ins(wasm.OpcodeLocalGet, i) }
func localSet(i uint64) wasm.Instruction  { return ins(wasm.OpcodeLocalSet, i) }
func i32Const(v int32) wasm.Instruction   { return ins(wasm.OpcodeI32Const, uint64(uint32(v))) }
func f64Const(v float64) wasm.Instruction { return ins(wasm.OpcodeF64Const, api.EncodeF64(v)) }

// names returns a name section naming functions in order.
func names(module string, funcs ...string) *wasm.NameSection {
	ns := &wasm.NameSection{ModuleName: module, FunctionNames: map[wasm.Index]string{}}
	for i, n := range funcs {
		ns.FunctionNames[wasm.Index(i)] = n
	}
	return ns
}

func exportFuncs(names ...string) (ret []wasm.Export) {
	for i, n := range names {
		ret = append(ret, wasm.Export{Type: wasm.ExternTypeFunc, Name: n, Index: wasm.Index(i)})
	}
	return
}

// Encode returns the binary of the module.
func Encode(m *wasm.Module) []byte {
	return binary.EncodeModule(m)
}

// AddOne exports add_one: (i32) -> (i32), returning its argument plus one.
func AddOne() []byte {
	return Encode(&wasm.Module{
		TypeSection:     []wasm.FunctionType{i32_i32},
		FunctionSection: []wasm.Index{0},
		CodeSection: []wasm.Code{{Body: []wasm.Instruction{
			localGet(0), i32Const(1), i32Add, end,
		}}},
		ExportSection: exportFuncs("add_one"),
		NameSection:   names("add-one", "add_one"),
	})
}

// Fibonacci exports fib: (i32) -> (i64), computed in a loop, and fib_recursive: (i32) -> (i32).
func Fibonacci() []byte {
	return Encode(&wasm.Module{
		TypeSection:     []wasm.FunctionType{i32_i64, i32_i32},
		FunctionSection: []wasm.Index{0, 1},
		CodeSection: []wasm.Code{
			{LocalTypes: []wasm.ValueType{i64, i64, i64}, Body: []wasm.Instruction{
				// a, b := 0, 1
				ins(wasm.OpcodeI64Const, 1), localSet(2),
				block(wasm.OpcodeBlock, wasm.BlockTypeEmpty),
				block(wasm.OpcodeLoop, wasm.BlockTypeEmpty),
				localGet(0), op(wasm.OpcodeI32Eqz), ins(wasm.OpcodeBrIf, 1),
				localGet(0), i32Const(1), i32Sub, localSet(0),
				// a, b = b, a+b
				localGet(1), localGet(2), op(wasm.OpcodeI64Add), localSet(3),
				localGet(2), localSet(1),
				localGet(3), localSet(2),
				ins(wasm.OpcodeBr, 0),
				end,
				end,
				localGet(1),
				end,
			}},
			{Body: []wasm.Instruction{
				localGet(0), i32Const(2), op(wasm.OpcodeI32LtS),
				block(wasm.OpcodeIf, i32),
				localGet(0),
				op(wasm.OpcodeElse),
				localGet(0), i32Const(1), i32Sub, ins(wasm.OpcodeCall, 1),
				localGet(0), i32Const(2), i32Sub, ins(wasm.OpcodeCall, 1),
				i32Add,
				end,
				end,
			}},
		},
		ExportSection: exportFuncs("fib", "fib_recursive"),
		NameSection:   names("fibonacci", "fib", "fib_recursive"),
	})
}

// NBody exports nbody: (i32) -> (f64). It advances a body on a spring for the given number of steps, keeping
// position and velocity in memory, and returns the distance from the origin in phase space.
func NBody() []byte {
	const dt = 0.01
	return Encode(&wasm.Module{
		TypeSection:     []wasm.FunctionType{i32_f64},
		FunctionSection: []wasm.Index{0},
		MemorySection:   &wasm.Memory{Min: 1, Max: u32p(1)},
		DataSection: []wasm.DataSegment{{
			OffsetExpr: wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Value: 0},
			// x = 1.0, v = 0.0
			Init: []byte{0, 0, 0, 0, 0, 0, 0xf0, 0x3f, 0, 0, 0, 0, 0, 0, 0, 0},
		}},
		CodeSection: []wasm.Code{{Body: []wasm.Instruction{
			block(wasm.OpcodeBlock, wasm.BlockTypeEmpty),
			block(wasm.OpcodeLoop, wasm.BlockTypeEmpty),
			localGet(0), op(wasm.OpcodeI32Eqz), ins(wasm.OpcodeBrIf, 1),
			// v -= x * dt
			i32Const(8),
			i32Const(8), memarg(wasm.OpcodeF64Load, 3, 0),
			i32Const(0), memarg(wasm.OpcodeF64Load, 3, 0), f64Const(dt), op(wasm.OpcodeF64Mul),
			op(wasm.OpcodeF64Sub),
			memarg(wasm.OpcodeF64Store, 3, 0),
			// x += v * dt
			i32Const(0),
			i32Const(0), memarg(wasm.OpcodeF64Load, 3, 0),
			i32Const(0), memarg(wasm.OpcodeF64Load, 3, 8), f64Const(dt), op(wasm.OpcodeF64Mul),
			op(wasm.OpcodeF64Add),
			memarg(wasm.OpcodeF64Store, 3, 0),
			localGet(0), i32Const(1), i32Sub, localSet(0),
			ins(wasm.OpcodeBr, 0),
			end,
			end,
			i32Const(0), memarg(wasm.OpcodeF64Load, 3, 0), i32Const(0), memarg(wasm.OpcodeF64Load, 3, 0),
			op(wasm.OpcodeF64Mul),
			i32Const(8), memarg(wasm.OpcodeF64Load, 3, 0), i32Const(8), memarg(wasm.OpcodeF64Load, 3, 0),
			op(wasm.OpcodeF64Mul),
			op(wasm.OpcodeF64Add),
			op(wasm.OpcodeF64Sqrt),
			end,
		}}},
		ExportSection: exportFuncs("nbody"),
		NameSection:   names("nbody", "nbody"),
	})
}

// Traps exports functions that fault:
//   - div: (i32, i32) -> (i32) is i32.div_s
//   - unreachable: () -> (i32)
//   - recurse: () -> (i32) calls itself without end
//   - answer: () -> (i32) returns 42 and never traps
func Traps() []byte {
	return Encode(&wasm.Module{
		TypeSection:     []wasm.FunctionType{i32i32_i32, v_i32},
		FunctionSection: []wasm.Index{0, 1, 1, 1},
		CodeSection: []wasm.Code{
			{Body: []wasm.Instruction{localGet(0), localGet(1), op(wasm.OpcodeI32DivS), end}},
			{Body: []wasm.Instruction{op(wasm.OpcodeUnreachable), end}},
			{Body: []wasm.Instruction{ins(wasm.OpcodeCall, 2), i32Const(1), i32Add, end}},
			{Body: []wasm.Instruction{i32Const(42), end}},
		},
		ExportSection: exportFuncs("div", "unreachable", "recurse", "answer"),
		NameSection:   names("traps", "div", "unreachable", "recurse", "answer"),
	})
}

// MemoryBoundary has exactly one page of memory, and exports store: (i32 addr, i32 v) and load: (i32 addr) -> (i32),
// plus grow: (i32) -> (i32) and size: () -> (i32).
func MemoryBoundary() []byte {
	return Encode(&wasm.Module{
		TypeSection:     []wasm.FunctionType{i32i32_v, i32_i32, v_i32},
		FunctionSection: []wasm.Index{0, 1, 1, 2},
		MemorySection:   &wasm.Memory{Min: 1, Max: u32p(1)},
		CodeSection: []wasm.Code{
			{Body: []wasm.Instruction{localGet(0), localGet(1), memarg(wasm.OpcodeI32Store, 2, 0), end}},
			{Body: []wasm.Instruction{localGet(0), memarg(wasm.OpcodeI32Load, 2, 0), end}},
			{Body: []wasm.Instruction{localGet(0), ins(wasm.OpcodeMemoryGrow, 0), end}},
			{Body: []wasm.Instruction{ins(wasm.OpcodeMemorySize, 0), end}},
		},
		ExportSection: append(exportFuncs("store", "load", "grow", "size"),
			wasm.Export{Type: wasm.ExternTypeMemory, Name: "memory", Index: 0}),
		NameSection: names("memory-boundary", "store", "load", "grow", "size"),
	})
}

// ControlFlow exports functions that exercise branches carrying values:
//   - classify: (i32) -> (i32) returns 100, 200 or 300 through br_table
//   - select_max: (i32, i32) -> (i32) is the signed maximum through select
//   - count: () -> (i32) increments a mutable global and returns it
//   - sum_to: (i32) -> (i32) sums 1..n with a block result
func ControlFlow() []byte {
	return Encode(&wasm.Module{
		TypeSection:     []wasm.FunctionType{i32_i32, i32i32_i32, v_i32},
		FunctionSection: []wasm.Index{0, 1, 2, 0},
		GlobalSection: []wasm.Global{{
			Type: wasm.GlobalType{ValType: i32, Mutable: true},
			Init: wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Value: 0},
		}},
		CodeSection: []wasm.Code{
			{Body: []wasm.Instruction{
				block(wasm.OpcodeBlock, wasm.BlockTypeEmpty),
				block(wasm.OpcodeBlock, wasm.BlockTypeEmpty),
				block(wasm.OpcodeBlock, wasm.BlockTypeEmpty),
				localGet(0),
				{Opcode: wasm.OpcodeBrTable, Targets: []uint32{0, 1, 2}},
				end,
				i32Const(100), op(wasm.OpcodeReturn),
				end,
				i32Const(200), op(wasm.OpcodeReturn),
				end,
				i32Const(300),
				end,
			}},
			{Body: []wasm.Instruction{
				localGet(0), localGet(1), localGet(0), localGet(1), op(wasm.OpcodeI32GtS), op(wasm.OpcodeSelect),
				end,
			}},
			{Body: []wasm.Instruction{
				ins(wasm.OpcodeGlobalGet, 0), i32Const(1), i32Add, ins(wasm.OpcodeGlobalSet, 0),
				ins(wasm.OpcodeGlobalGet, 0),
				end,
			}},
			{LocalTypes: []wasm.ValueType{i32}, Body: []wasm.Instruction{
				block(wasm.OpcodeBlock, i32),
				block(wasm.OpcodeLoop, wasm.BlockTypeEmpty),
				// Leave the sum on the stack as the block result once n is zero.
				localGet(1),
				localGet(0), op(wasm.OpcodeI32Eqz), ins(wasm.OpcodeBrIf, 1),
				localGet(0), i32Add, localSet(1),
				localGet(0), i32Const(1), i32Sub, localSet(0),
				ins(wasm.OpcodeBr, 0),
				end,
				op(wasm.OpcodeUnreachable),
				end,
				end,
			}},
		},
		ExportSection: exportFuncs("classify", "select_max", "count", "sum_to"),
		NameSection:   names("control-flow", "classify", "select_max", "count", "sum_to"),
	})
}

// CallIndirect has a table of three elements: double: (i32) -> (i32), nop: () -> () and a null element. It exports
// dispatch: (i32 elem, i32 x) -> (i32), which calls the element with the type of double.
func CallIndirect() []byte {
	return Encode(&wasm.Module{
		TypeSection:     []wasm.FunctionType{i32_i32, v_v, i32i32_i32},
		FunctionSection: []wasm.Index{0, 1, 2},
		TableSection:    &wasm.Table{Min: 3},
		ElementSection: []wasm.ElementSegment{{
			OffsetExpr: wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Value: 0},
			Init:       []wasm.Index{0, 1},
		}},
		CodeSection: []wasm.Code{
			{Body: []wasm.Instruction{localGet(0), i32Const(2), op(wasm.OpcodeI32Mul), end}},
			{Body: []wasm.Instruction{end}},
			{Body: []wasm.Instruction{localGet(1), localGet(0), ins(wasm.OpcodeCallIndirect, 0), end}},
		},
		ExportSection: []wasm.Export{{Type: wasm.ExternTypeFunc, Name: "dispatch", Index: 2}},
		NameSection:   names("call-indirect", "double", "nop", "dispatch"),
	})
}

// HostCall imports env.add: (i32, i32) -> (i32) and exports add_ten: (i32) -> (i32), which calls it with 10.
func HostCall() []byte {
	return Encode(&wasm.Module{
		TypeSection:     []wasm.FunctionType{i32i32_i32, i32_i32},
		ImportSection:   []wasm.Import{{Module: "env", Name: "add", DescFunc: 0}},
		FunctionSection: []wasm.Index{1},
		MemorySection:   &wasm.Memory{Min: 1},
		CodeSection: []wasm.Code{
			{Body: []wasm.Instruction{localGet(0), i32Const(10), ins(wasm.OpcodeCall, 0), end}},
		},
		ExportSection: []wasm.Export{{Type: wasm.ExternTypeFunc, Name: "add_ten", Index: 1}},
		NameSection:   &wasm.NameSection{ModuleName: "host-call", FunctionNames: map[wasm.Index]string{0: "add", 1: "add_ten"}},
	})
}
