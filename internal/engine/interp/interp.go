// Package interp is a stack machine executing flat operation arrays. Values are uint64 bits on one value stack
// shared by all frames of a call, and locals live at the base of each frame.
package interp

import (
	"context"
	"fmt"

	"github.com/tetratelabs/tierwasm/internal/arith"
	"github.com/tetratelabs/tierwasm/internal/wasm"
	"github.com/tetratelabs/tierwasm/internal/wasmruntime"
)

// DefaultMaxStackSlots bounds the value stack of one call chain, in 8-byte slots.
const DefaultMaxStackSlots = 1 << 22

// Kind is the operation of an Op.
type Kind byte

const (
	KindUnreachable Kind = iota
	// KindBr jumps to Op.Br.
	KindBr
	// KindBrIf pops a condition and jumps to Op.Br when it is non-zero.
	KindBrIf
	// KindBrIfNot pops a condition and jumps to Op.Br when it is zero. It is the entry of an if.
	KindBrIfNot
	// KindBrTable pops an index and jumps to Op.Table[index], or the last entry when out of range.
	KindBrTable
	// KindReturn copies Op.U1 results to the frame base and leaves the function.
	KindReturn
	// KindCall calls the function at index Op.U1.
	KindCall
	// KindCallIndirect pops a table index and calls the function it references, which must have type Op.U1.
	KindCallIndirect
	KindDrop
	KindSelect
	KindLocalGet
	KindLocalSet
	KindLocalTee
	KindGlobalGet
	KindGlobalSet
	// KindLoad and KindStore access memory at the popped address plus Op.U1.
	KindLoad
	KindStore
	KindMemorySize
	KindMemoryGrow
	// KindConst pushes Op.U1.
	KindConst
	KindUnary
	KindBinary
)

var kindNames = [...]string{
	KindUnreachable:  "unreachable",
	KindBr:           "br",
	KindBrIf:         "br_if",
	KindBrIfNot:      "br_if_not",
	KindBrTable:      "br_table",
	KindReturn:       "return",
	KindCall:         "call",
	KindCallIndirect: "call_indirect",
	KindDrop:         "drop",
	KindSelect:       "select",
	KindLocalGet:     "local.get",
	KindLocalSet:     "local.set",
	KindLocalTee:     "local.tee",
	KindGlobalGet:    "global.get",
	KindGlobalSet:    "global.set",
	KindLoad:         "load",
	KindStore:        "store",
	KindMemorySize:   "memory.size",
	KindMemoryGrow:   "memory.grow",
	KindConst:        "const",
	KindUnary:        "unary",
	KindBinary:       "binary",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Branch is a jump target with the stack adjustment that precedes it: the top Keep values are moved down over the
// Drop values below them.
type Branch struct {
	PC         int
	Keep, Drop int
}

// Op is a single operation. Operands not used by its Kind are zero.
type Op struct {
	Kind Kind
	// Opcode is the wasm instruction of KindLoad, KindStore, KindUnary and KindBinary.
	Opcode wasm.Opcode
	Misc   wasm.OpcodeMisc
	// Offset is the byte offset in the module binary of the instruction the op was lowered from.
	Offset uint32
	U1     uint64
	Br     Branch
	Table  []Branch
}

func (o *Op) String() string {
	switch o.Kind {
	case KindUnary, KindBinary, KindLoad, KindStore:
		if o.Opcode == wasm.OpcodeMiscPrefix {
			return wasm.MiscInstructionName(o.Misc)
		}
		return fmt.Sprintf("%s %#x", wasm.InstructionName(o.Opcode), o.U1)
	case KindBr, KindBrIf, KindBrIfNot:
		return fmt.Sprintf("%s %d (keep %d, drop %d)", o.Kind, o.Br.PC, o.Br.Keep, o.Br.Drop)
	}
	return fmt.Sprintf("%s %#x", o.Kind, o.U1)
}

// Function is the executable form of a function defined in a module.
type Function struct {
	Index wasm.Index
	Type  *wasm.FunctionType
	// NumLocals is the count of locals following the parameters.
	NumLocals int
	// MaxStack is the deepest operand stack of the body, above the locals.
	MaxStack int
	Ops      []Op
}

// frameSize is the number of stack slots a call of the function may use.
func (f *Function) frameSize() int {
	return len(f.Type.Params) + f.NumLocals + f.MaxStack
}

// NewEngine returns the engine executing the functions for an instance. functions are indexed from the first
// function defined in the module.
func NewEngine(inst *wasm.ModuleInstance, functions []*Function) wasm.ModuleEngine {
	return &engine{inst: inst, functions: functions, maxStack: DefaultMaxStackSlots}
}

type engine struct {
	inst      *wasm.ModuleInstance
	functions []*Function
	maxStack  int

	// stack contains the operands.
	// Note that all the values are represented as uint64.
	stack []uint64
	// frames are the calls in progress, innermost last.
	frames []*callFrame
}

type callFrame struct {
	// pc is the index in f.Ops of the operation being executed.
	pc int
	f  *Function
	// base is the stack height of the first parameter.
	base int
}

// Call implements wasm.ModuleEngine Call
func (e *engine) Call(ctx context.Context, funcIdx wasm.Index, params []uint64) (results []uint64, err error) {
	e.stack = e.stack[:0]
	e.frames = e.frames[:0]
	defer func() {
		if v := recover(); v != nil {
			trapFunc, offset := funcIdx, uint64(0)
			if n := len(e.frames); n > 0 {
				frame := e.frames[n-1]
				trapFunc, offset = frame.f.Index, uint64(frame.f.Ops[frame.pc].Offset)
			}
			err = wasm.RecoverTrap(e.inst.Module, v, trapFunc, offset)
			results = nil
			e.frames = e.frames[:0]
		}
	}()

	if imported := e.inst.Module.ImportFuncCount(); funcIdx < imported {
		return e.inst.CallImport(ctx, funcIdx, params), nil
	}
	f := e.functions[funcIdx-e.inst.Module.ImportFuncCount()]
	e.stack = append(e.stack, params...)
	e.callNativeFunc(ctx, f)
	results = make([]uint64, len(f.Type.Results))
	copy(results, e.stack[len(e.stack)-len(results):])
	return results, nil
}

func (e *engine) pushFrame(frame *callFrame) {
	if len(e.frames) >= e.inst.MaxCallDepth {
		panic(wasmruntime.ErrRuntimeStackOverflow)
	}
	e.frames = append(e.frames, frame)
}

func (e *engine) popFrame() {
	e.frames = e.frames[:len(e.frames)-1]
}

func (e *engine) push(v uint64) {
	e.stack = append(e.stack, v)
}

func (e *engine) pop() (v uint64) {
	// No need to check stack bound
	// as we can assume that all the operations
	// are valid thanks to the validation
	// at module decoding phase.
	v = e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return
}

// branch applies the stack adjustment of b and returns its target.
func (e *engine) branch(b *Branch) int {
	if b.Drop > 0 {
		sp := len(e.stack)
		copy(e.stack[sp-b.Keep-b.Drop:], e.stack[sp-b.Keep:])
		e.stack = e.stack[:sp-b.Drop]
	}
	return b.PC
}

func (e *engine) call(ctx context.Context, funcIdx wasm.Index) {
	if imported := e.inst.Module.ImportFuncCount(); funcIdx < imported {
		ft := &e.inst.Module.ImportSection[funcIdx]
		n := len(e.inst.Module.TypeSection[ft.DescFunc].Params)
		sp := len(e.stack)
		params := make([]uint64, n)
		copy(params, e.stack[sp-n:])
		results := e.inst.CallImport(ctx, funcIdx, params)
		e.stack = append(e.stack[:sp-n], results...)
		return
	}
	e.callNativeFunc(ctx, e.functions[funcIdx-e.inst.Module.ImportFuncCount()])
}

func (e *engine) callNativeFunc(ctx context.Context, f *Function) {
	frame := &callFrame{f: f, base: len(e.stack) - len(f.Type.Params)}
	if frame.base+f.frameSize() > e.maxStack {
		panic(wasmruntime.ErrRuntimeStackOverflow)
	}
	e.pushFrame(frame)
	for i := 0; i < f.NumLocals; i++ {
		e.push(0)
	}

	inst := e.inst
	mem := inst.Memory
	globals := inst.Globals
	ops := f.Ops
	for frame.pc < len(ops) {
		op := &ops[frame.pc]
		switch op.Kind {
		case KindUnreachable:
			panic(wasmruntime.ErrRuntimeUnreachable)
		case KindBr:
			frame.pc = e.branch(&op.Br)
			continue
		case KindBrIf:
			if e.pop() != 0 {
				frame.pc = e.branch(&op.Br)
				continue
			}
		case KindBrIfNot:
			if e.pop() == 0 {
				frame.pc = e.branch(&op.Br)
				continue
			}
		case KindBrTable:
			idx := e.pop()
			if last := uint64(len(op.Table) - 1); idx > last {
				idx = last
			}
			frame.pc = e.branch(&op.Table[idx])
			continue
		case KindReturn:
			n := int(op.U1)
			sp := len(e.stack)
			copy(e.stack[frame.base:], e.stack[sp-n:])
			e.stack = e.stack[:frame.base+n]
			e.popFrame()
			return
		case KindCall:
			e.call(ctx, wasm.Index(op.U1))
			// A callee may have grown memory.
			mem = inst.Memory
		case KindCallIndirect:
			elem := uint32(e.pop())
			target, ok := inst.Table.Lookup(elem)
			if !ok {
				panic(wasmruntime.ErrRuntimeInvalidTableAccess)
			}
			if inst.FuncTypeIDs[target] != inst.TypeIDs[op.U1] {
				panic(wasmruntime.ErrRuntimeIndirectCallTypeMismatch)
			}
			e.call(ctx, target)
			mem = inst.Memory
		case KindDrop:
			e.stack = e.stack[:len(e.stack)-1]
		case KindSelect:
			c := e.pop()
			v2 := e.pop()
			if c == 0 {
				e.stack[len(e.stack)-1] = v2
			}
		case KindLocalGet:
			e.push(e.stack[frame.base+int(op.U1)])
		case KindLocalSet:
			e.stack[frame.base+int(op.U1)] = e.pop()
		case KindLocalTee:
			e.stack[frame.base+int(op.U1)] = e.stack[len(e.stack)-1]
		case KindGlobalGet:
			e.push(globals[op.U1].Val)
		case KindGlobalSet:
			globals[op.U1].Val = e.pop()
		case KindLoad:
			base := uint32(e.pop())
			e.push(mem.Load(op.Opcode, base, op.U1))
		case KindStore:
			v := e.pop()
			base := uint32(e.pop())
			mem.Store(op.Opcode, base, op.U1, v)
		case KindMemorySize:
			e.push(uint64(mem.PageSize()))
		case KindMemoryGrow:
			n := uint32(e.pop())
			e.push(uint64(mem.GrowPages(n)))
		case KindConst:
			e.push(op.U1)
		case KindUnary:
			top := len(e.stack) - 1
			e.stack[top] = arith.Unary(op.Opcode, op.Misc, e.stack[top])
		case KindBinary:
			y := e.pop()
			top := len(e.stack) - 1
			e.stack[top] = arith.Binary(op.Opcode, e.stack[top], y)
		default:
			panic(fmt.Errorf("BUG: invalid operation %s", op.Kind))
		}
		frame.pc++
	}
	panic(fmt.Errorf("BUG: function[%d] ended without return", f.Index))
}
