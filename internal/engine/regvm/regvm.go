// Package regvm executes functions in allocated register form. Each call gets a frame of FrameSize slots on one
// value stack, and instructions address the slots of the current frame directly.
package regvm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/tierwasm/internal/arith"
	"github.com/tetratelabs/tierwasm/internal/ir"
	"github.com/tetratelabs/tierwasm/internal/wasm"
	"github.com/tetratelabs/tierwasm/internal/wasmruntime"
)

// DefaultMaxStackSlots bounds the frames of one call chain, in 8-byte slots.
const DefaultMaxStackSlots = 1 << 22

type opKind byte

const (
	opConst opKind = iota
	opCopy
	opUnary
	opBinary
	opSelect
	opGlobalGet
	opGlobalSet
	opLoad
	opStore
	opMemorySize
	opMemoryGrow
	opCall
	opCallIndirect
	opJump
	opBrIf
	opBrTable
	opReturn
	opUnreachable
)

// op is an instruction or terminator with branch targets resolved to positions in the code.
type op struct {
	kind       opKind
	opcode     wasm.Opcode
	misc       wasm.OpcodeMisc
	dst, a, b  uint32
	c          uint32
	imm        uint64
	regs, rets []uint32
	targets    []int
	offset     uint32
}

// Function is a function ready to execute.
type Function struct {
	Index     wasm.Index
	Type      *wasm.FunctionType
	FrameSize int
	code      []op
}

var instrOps = [...]opKind{
	ir.InstrConst:        opConst,
	ir.InstrCopy:         opCopy,
	ir.InstrUnary:        opUnary,
	ir.InstrBinary:       opBinary,
	ir.InstrSelect:       opSelect,
	ir.InstrGlobalGet:    opGlobalGet,
	ir.InstrGlobalSet:    opGlobalSet,
	ir.InstrLoad:         opLoad,
	ir.InstrStore:        opStore,
	ir.InstrMemorySize:   opMemorySize,
	ir.InstrMemoryGrow:   opMemoryGrow,
	ir.InstrCall:         opCall,
	ir.InstrCallIndirect: opCallIndirect,
}

var termOps = [...]opKind{
	ir.TermJump:        opJump,
	ir.TermBrIf:        opBrIf,
	ir.TermBrTable:     opBrTable,
	ir.TermReturn:      opReturn,
	ir.TermUnreachable: opUnreachable,
}

// NewFunction lays out the blocks of an allocated function in order. A jump to the block that follows is
// omitted.
func NewFunction(f *ir.Function) (*Function, error) {
	if !f.Allocated {
		return nil, fmt.Errorf("function[%d] has no allocated registers", f.Index)
	}
	if f.NumRegs < len(f.Type.Params) {
		return nil, fmt.Errorf("function[%d] has %d slots for %d parameters", f.Index, f.NumRegs, len(f.Type.Params))
	}
	if len(f.Blocks) == 0 {
		return nil, fmt.Errorf("function[%d] has no blocks", f.Index)
	}
	for id, b := range f.Blocks {
		if err := checkBlock(f, id, b); err != nil {
			return nil, err
		}
	}
	starts := make([]int, len(f.Blocks))
	pc := 0
	for id, b := range f.Blocks {
		starts[id] = pc
		pc += len(b.Instrs)
		if !fallsThrough(b, id) {
			pc++
		}
	}

	code := make([]op, 0, pc)
	var regs []ir.Reg
	for id, b := range f.Blocks {
		regs = b.Term.Uses(regs[:0])
		for i := range b.Instrs {
			regs = b.Instrs[i].Defs(b.Instrs[i].Uses(regs))
		}
		for _, r := range regs {
			if int(r) >= f.NumRegs {
				return nil, fmt.Errorf("function[%d]: block %d uses r%d of %d", f.Index, id, r, f.NumRegs)
			}
		}
		for i := range b.Instrs {
			in := &b.Instrs[i]
			o := op{kind: instrOps[in.Kind], opcode: in.Opcode, misc: in.Misc, dst: in.Dst, a: in.A, b: in.B,
				c: in.C, imm: in.Imm, regs: in.Args, rets: in.Rets, offset: in.Offset}
			code = append(code, o)
		}
		if fallsThrough(b, id) {
			continue
		}
		t := &b.Term
		o := op{kind: termOps[t.Kind], a: t.Cond, regs: t.Results, offset: t.Offset}
		for _, target := range t.Targets {
			if int(target) >= len(starts) {
				return nil, fmt.Errorf("function[%d]: block %d targets missing block %d", f.Index, id, target)
			}
			o.targets = append(o.targets, starts[target])
		}
		code = append(code, o)
	}
	return &Function{Index: f.Index, Type: f.Type, FrameSize: f.NumRegs, code: code}, nil
}

// checkBlock rejects blocks the layout cannot represent: unknown kinds, terminators with the wrong count of targets
// and returns of the wrong count of results. Blocks lowered from validated code always pass.
func checkBlock(f *ir.Function, id int, b *ir.Block) error {
	for i := range b.Instrs {
		in := &b.Instrs[i]
		if int(in.Kind) >= len(instrOps) {
			return fmt.Errorf("function[%d]: block %d has invalid instruction %s", f.Index, id, in.Kind)
		}
		if (in.Kind == ir.InstrCall || in.Kind == ir.InstrCallIndirect) && len(in.Rets) > 1 {
			return fmt.Errorf("function[%d]: block %d calls with %d results", f.Index, id, len(in.Rets))
		}
	}
	t := &b.Term
	if int(t.Kind) >= len(termOps) {
		return fmt.Errorf("function[%d]: block %d has invalid terminator %d", f.Index, id, t.Kind)
	}
	var targets int
	switch t.Kind {
	case ir.TermJump:
		targets = 1
	case ir.TermBrIf:
		targets = 2
	case ir.TermBrTable:
		if len(t.Targets) == 0 {
			return fmt.Errorf("function[%d]: block %d has br_table without targets", f.Index, id)
		}
		targets = len(t.Targets)
	case ir.TermReturn:
		if len(t.Results) != len(f.Type.Results) {
			return fmt.Errorf("function[%d]: block %d returns %d results, but the type has %d", f.Index, id,
				len(t.Results), len(f.Type.Results))
		}
	}
	if len(t.Targets) != targets {
		return fmt.Errorf("function[%d]: block %d has terminator %d with %d targets", f.Index, id, t.Kind, len(t.Targets))
	}
	return nil
}

func fallsThrough(b *ir.Block, id int) bool {
	return b.Term.Kind == ir.TermJump && int(b.Term.Targets[0]) == id+1
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

	// stack holds the frames of the calls in progress.
	stack  []uint64
	frames []*callFrame
}

type callFrame struct {
	pc   int
	f    *Function
	base int
}

// Call implements wasm.ModuleEngine Call
func (e *engine) Call(ctx context.Context, funcIdx wasm.Index, params []uint64) (results []uint64, err error) {
	e.frames = e.frames[:0]
	defer func() {
		if v := recover(); v != nil {
			trapFunc, offset := funcIdx, uint64(0)
			if n := len(e.frames); n > 0 {
				frame := e.frames[n-1]
				trapFunc, offset = frame.f.Index, uint64(frame.f.code[frame.pc].offset)
			}
			err = wasm.RecoverTrap(e.inst.Module, v, trapFunc, offset)
			results = nil
			e.frames = e.frames[:0]
		}
	}()

	imported := e.inst.Module.ImportFuncCount()
	if funcIdx < imported {
		return e.inst.CallImport(ctx, funcIdx, params), nil
	}
	f := e.functions[funcIdx-imported]
	e.ensureStack(f.FrameSize)
	copy(e.stack, params)
	results = make([]uint64, len(f.Type.Results))
	e.callNativeFunc(ctx, f, 0, results)
	return results, nil
}

// ensureStack grows the stack to at least n slots.
func (e *engine) ensureStack(n int) {
	if n > e.maxStack {
		panic(wasmruntime.ErrRuntimeStackOverflow)
	}
	if n > len(e.stack) {
		size := 2 * len(e.stack)
		if size < n {
			size = n
		}
		if size > e.maxStack {
			size = e.maxStack
		}
		grown := make([]uint64, size)
		copy(grown, e.stack)
		e.stack = grown
	}
}

func (e *engine) pushFrame(frame *callFrame) {
	if len(e.frames) >= e.inst.MaxCallDepth {
		panic(wasmruntime.ErrRuntimeStackOverflow)
	}
	e.frames = append(e.frames, frame)
}

// call invokes the function with the arguments in the caller's slots args, and writes its results to the slots
// rets. The callee frame starts at calleeBase.
func (e *engine) call(ctx context.Context, funcIdx wasm.Index, callerBase, calleeBase int, args, rets []uint32) {
	imported := e.inst.Module.ImportFuncCount()
	if funcIdx < imported {
		params := make([]uint64, len(args))
		for i, r := range args {
			params[i] = e.stack[callerBase+int(r)]
		}
		results := e.inst.CallImport(ctx, funcIdx, params)
		for i, r := range rets {
			e.stack[callerBase+int(r)] = results[i]
		}
		return
	}
	f := e.functions[funcIdx-imported]
	e.ensureStack(calleeBase + f.FrameSize)
	for i, r := range args {
		e.stack[calleeBase+i] = e.stack[callerBase+int(r)]
	}
	var buf [1]uint64
	results := buf[:len(rets)]
	e.callNativeFunc(ctx, f, calleeBase, results)
	for i, r := range rets {
		e.stack[callerBase+int(r)] = results[i]
	}
}

func (e *engine) callNativeFunc(ctx context.Context, f *Function, base int, results []uint64) {
	frame := &callFrame{f: f, base: base}
	e.pushFrame(frame)
	// Slots other than the parameters start at zero.
	clear(e.stack[base+len(f.Type.Params) : base+f.FrameSize])

	inst := e.inst
	mem := inst.Memory
	globals := inst.Globals
	code := f.code
	calleeBase := base + f.FrameSize
	for {
		o := &code[frame.pc]
		// The stack is reallocated when a callee grows it.
		regs := e.stack[base : base+f.FrameSize]
		switch o.kind {
		case opConst:
			regs[o.dst] = o.imm
		case opCopy:
			regs[o.dst] = regs[o.a]
		case opUnary:
			regs[o.dst] = arith.Unary(o.opcode, o.misc, regs[o.a])
		case opBinary:
			regs[o.dst] = arith.Binary(o.opcode, regs[o.a], regs[o.b])
		case opSelect:
			if regs[o.c] != 0 {
				regs[o.dst] = regs[o.a]
			} else {
				regs[o.dst] = regs[o.b]
			}
		case opGlobalGet:
			regs[o.dst] = globals[o.imm].Val
		case opGlobalSet:
			globals[o.imm].Val = regs[o.a]
		case opLoad:
			regs[o.dst] = mem.Load(o.opcode, uint32(regs[o.a]), o.imm)
		case opStore:
			mem.Store(o.opcode, uint32(regs[o.a]), o.imm, regs[o.b])
		case opMemorySize:
			regs[o.dst] = uint64(mem.PageSize())
		case opMemoryGrow:
			regs[o.dst] = uint64(mem.GrowPages(uint32(regs[o.a])))
		case opCall:
			e.call(ctx, wasm.Index(o.imm), base, calleeBase, o.regs, o.rets)
			mem = inst.Memory
		case opCallIndirect:
			target, ok := inst.Table.Lookup(uint32(regs[o.a]))
			if !ok {
				panic(wasmruntime.ErrRuntimeInvalidTableAccess)
			}
			if inst.FuncTypeIDs[target] != inst.TypeIDs[o.imm] {
				panic(wasmruntime.ErrRuntimeIndirectCallTypeMismatch)
			}
			e.call(ctx, target, base, calleeBase, o.regs, o.rets)
			mem = inst.Memory
		case opJump:
			frame.pc = o.targets[0]
			continue
		case opBrIf:
			if regs[o.a] != 0 {
				frame.pc = o.targets[0]
			} else {
				frame.pc = o.targets[1]
			}
			continue
		case opBrTable:
			idx := regs[o.a]
			if last := uint64(len(o.targets) - 1); idx > last {
				idx = last
			}
			frame.pc = o.targets[idx]
			continue
		case opReturn:
			for i, r := range o.regs {
				results[i] = regs[r]
			}
			e.frames = e.frames[:len(e.frames)-1]
			return
		case opUnreachable:
			panic(wasmruntime.ErrRuntimeUnreachable)
		default:
			panic(fmt.Errorf("BUG: invalid operation %d", o.kind))
		}
		frame.pc++
	}
}
