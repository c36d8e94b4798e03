package singlepass

import (
	"fmt"

	"github.com/tetratelabs/tierwasm/internal/engine/interp"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

type controlFrameKind byte

const (
	controlFrameKindFunction controlFrameKind = iota
	controlFrameKindBlock
	controlFrameKindLoop
	controlFrameKindIf
)

type controlFrame struct {
	kind controlFrameKind
	// start is the position of the opening instruction in the body, or -1 for the function.
	start int
	// height is the operand stack height on entry, above the locals.
	height int
	// arity is the number of results of the frame.
	arity int
	// header is the pc of the first op of a loop.
	header int
	// inElse is set once the else of an if is reached.
	inElse bool
	// ifOp is the op that enters an if, jumping to the else part or the end when the condition is zero.
	ifOp int
	// patches are the branches whose target is the end of the frame.
	patches []patch
}

// labelArity is the number of values a branch to the frame carries.
func (c *controlFrame) labelArity() int {
	if c.kind == controlFrameKindLoop {
		return 0
	}
	return c.arity
}

// patch identifies a branch to resolve once its target is known. entry is -1 for Op.Br, otherwise the index in
// Op.Table.
type patch struct {
	op, entry int
}

type compiler struct {
	m      *wasm.Module
	f      *wasm.FunctionType
	body   []wasm.Instruction
	frames []*controlFrame
	// height is the operand stack height above the locals.
	height, maxHeight int
	// unreachable is set while the instructions after an unconditional branch are skipped.
	unreachable bool
	result      []interp.Op
}

// compile lowers a validated function body into operations in a single pass. Branches get their keep and drop
// counts from the tracked stack height, and forward targets are back-patched when the end of their frame is
// reached.
func compile(m *wasm.Module, idx wasm.Index, code *wasm.Code) (*interp.Function, error) {
	ft := m.TypeOfFunction(idx)
	c := &compiler{m: m, f: ft, body: code.Body}
	c.frames = append(c.frames, &controlFrame{kind: controlFrameKindFunction, start: -1, arity: len(ft.Results)})

	for pc := 0; pc < len(c.body); pc++ {
		if err := c.lower(pc); err != nil {
			return nil, fmt.Errorf("function[%d] at offset %#x: %w", idx, c.body[pc].Offset, err)
		}
		if c.unreachable {
			pc = c.skipUnreachable() - 1
		}
	}
	if len(c.frames) != 0 {
		return nil, fmt.Errorf("function[%d]: %d frames left open", idx, len(c.frames))
	}
	return &interp.Function{
		Index:     idx,
		Type:      ft,
		NumLocals: len(code.LocalTypes),
		MaxStack:  c.maxHeight,
		Ops:       c.result,
	}, nil
}

func (c *compiler) top() *controlFrame {
	return c.frames[len(c.frames)-1]
}

// label returns the frame a branch of the depth targets.
func (c *compiler) label(depth uint64) *controlFrame {
	return c.frames[len(c.frames)-1-int(depth)]
}

func (c *compiler) push(n int) {
	c.height += n
	if c.height > c.maxHeight {
		c.maxHeight = c.height
	}
}

func (c *compiler) pop(n int) {
	c.height -= n
}

func (c *compiler) emit(in *wasm.Instruction, op interp.Op) int {
	op.Offset = in.Offset
	c.result = append(c.result, op)
	return len(c.result) - 1
}

// skipUnreachable returns the position of the else or end that closes the unreachable code following an
// unconditional branch.
func (c *compiler) skipUnreachable() int {
	f := c.top()
	if f.kind == controlFrameKindFunction {
		return len(c.body) - 1
	}
	start := &c.body[f.start]
	if f.kind == controlFrameKindIf && !f.inElse && start.Else >= 0 {
		return start.Else
	}
	return start.End
}

// branchTo returns the branch to the frame at the depth from the current height, registering it for back-patching
// when the target is not yet known.
func (c *compiler) branchTo(depth uint64, opIdx, entry int) interp.Branch {
	f := c.label(depth)
	keep := f.labelArity()
	b := interp.Branch{Keep: keep, Drop: c.height - keep - f.height}
	if f.kind == controlFrameKindLoop {
		b.PC = f.header
	} else {
		// The end of the function frame is its final return.
		f.patches = append(f.patches, patch{op: opIdx, entry: entry})
	}
	return b
}

func (c *compiler) resolve(f *controlFrame, pc int) {
	for _, p := range f.patches {
		if p.entry < 0 {
			c.result[p.op].Br.PC = pc
		} else {
			c.result[p.op].Table[p.entry].PC = pc
		}
	}
	f.patches = nil
}

func blockArity(bt byte) int {
	if bt == wasm.BlockTypeEmpty {
		return 0
	}
	return 1
}

// lower emits the operations of the instruction at pc, and sets c.unreachable when the code following it cannot
// be reached.
func (c *compiler) lower(pc int) error {
	in := &c.body[pc]
	switch in.Opcode {
	case wasm.OpcodeUnreachable:
		c.emit(in, interp.Op{Kind: interp.KindUnreachable})
		c.unreachable = true
	case wasm.OpcodeNop:
	case wasm.OpcodeBlock:
		c.frames = append(c.frames, &controlFrame{kind: controlFrameKindBlock, start: pc, height: c.height,
			arity: blockArity(in.BlockType)})
	case wasm.OpcodeLoop:
		c.frames = append(c.frames, &controlFrame{kind: controlFrameKindLoop, start: pc, height: c.height,
			arity: blockArity(in.BlockType), header: len(c.result)})
	case wasm.OpcodeIf:
		c.pop(1)
		c.frames = append(c.frames, &controlFrame{kind: controlFrameKindIf, start: pc, height: c.height,
			arity: blockArity(in.BlockType), ifOp: c.emit(in, interp.Op{Kind: interp.KindBrIfNot})})
	case wasm.OpcodeElse:
		f := c.top()
		if !c.unreachable {
			// The then part falls through to the end.
			opIdx := c.emit(in, interp.Op{Kind: interp.KindBr, Br: interp.Branch{Keep: f.arity}})
			f.patches = append(f.patches, patch{op: opIdx, entry: -1})
		}
		c.result[f.ifOp].Br.PC = len(c.result)
		f.inElse = true
		c.height = f.height
		c.unreachable = false
	case wasm.OpcodeEnd:
		f := c.top()
		c.frames = c.frames[:len(c.frames)-1]
		c.height = f.height + f.arity
		c.unreachable = false
		switch f.kind {
		case controlFrameKindFunction:
			c.resolve(f, len(c.result))
			c.emit(in, interp.Op{Kind: interp.KindReturn, U1: uint64(f.arity)})
		case controlFrameKindIf:
			if !f.inElse {
				c.result[f.ifOp].Br.PC = len(c.result)
			}
			c.resolve(f, len(c.result))
		case controlFrameKindBlock:
			c.resolve(f, len(c.result))
		}
	case wasm.OpcodeBr:
		opIdx := len(c.result)
		c.emit(in, interp.Op{Kind: interp.KindBr, Br: c.branchTo(in.Imm, opIdx, -1)})
		c.unreachable = true
	case wasm.OpcodeBrIf:
		c.pop(1)
		opIdx := len(c.result)
		c.emit(in, interp.Op{Kind: interp.KindBrIf, Br: c.branchTo(in.Imm, opIdx, -1)})
	case wasm.OpcodeBrTable:
		c.pop(1)
		table := make([]interp.Branch, len(in.Targets))
		opIdx := c.emit(in, interp.Op{Kind: interp.KindBrTable, Table: table})
		for i, depth := range in.Targets {
			table[i] = c.branchTo(uint64(depth), opIdx, i)
		}
		c.unreachable = true
	case wasm.OpcodeReturn:
		c.emit(in, interp.Op{Kind: interp.KindReturn, U1: uint64(len(c.f.Results))})
		c.unreachable = true
	case wasm.OpcodeCall:
		return c.lowerCall(in, c.m.TypeOfFunction(wasm.Index(in.Imm)))
	case wasm.OpcodeCallIndirect:
		c.pop(1)
		return c.lowerCall(in, c.typeAt(wasm.Index(in.Imm)))
	case wasm.OpcodeDrop:
		c.emit(in, interp.Op{Kind: interp.KindDrop})
		c.pop(1)
	case wasm.OpcodeSelect:
		c.emit(in, interp.Op{Kind: interp.KindSelect})
		c.pop(2)
	case wasm.OpcodeLocalGet:
		c.emit(in, interp.Op{Kind: interp.KindLocalGet, U1: in.Imm})
		c.push(1)
	case wasm.OpcodeLocalSet:
		c.emit(in, interp.Op{Kind: interp.KindLocalSet, U1: in.Imm})
		c.pop(1)
	case wasm.OpcodeLocalTee:
		c.emit(in, interp.Op{Kind: interp.KindLocalTee, U1: in.Imm})
	case wasm.OpcodeGlobalGet:
		c.emit(in, interp.Op{Kind: interp.KindGlobalGet, U1: in.Imm})
		c.push(1)
	case wasm.OpcodeGlobalSet:
		c.emit(in, interp.Op{Kind: interp.KindGlobalSet, U1: in.Imm})
		c.pop(1)
	case wasm.OpcodeMemorySize:
		c.emit(in, interp.Op{Kind: interp.KindMemorySize})
		c.push(1)
	case wasm.OpcodeMemoryGrow:
		c.emit(in, interp.Op{Kind: interp.KindMemoryGrow})
	case wasm.OpcodeI32Const, wasm.OpcodeI64Const, wasm.OpcodeF32Const, wasm.OpcodeF64Const:
		c.emit(in, interp.Op{Kind: interp.KindConst, U1: in.Imm})
		c.push(1)
	default:
		switch {
		case wasm.IsLoad(in.Opcode):
			c.emit(in, interp.Op{Kind: interp.KindLoad, Opcode: in.Opcode, U1: in.Imm})
		case wasm.IsStore(in.Opcode):
			c.emit(in, interp.Op{Kind: interp.KindStore, Opcode: in.Opcode, U1: in.Imm})
			c.pop(2)
		default:
			sig := wasm.NumericSignatureOf(in.Opcode, in.Misc)
			if sig == nil {
				return fmt.Errorf("unsupported instruction %s", in)
			}
			kind := interp.KindUnary
			if len(sig.Params) == 2 {
				kind = interp.KindBinary
			}
			c.emit(in, interp.Op{Kind: kind, Opcode: in.Opcode, Misc: in.Misc})
			c.pop(len(sig.Params))
			c.push(1)
		}
	}
	return nil
}

func (c *compiler) typeAt(typeIdx wasm.Index) *wasm.FunctionType {
	if typeIdx >= uint32(len(c.m.TypeSection)) {
		return nil
	}
	return &c.m.TypeSection[typeIdx]
}

func (c *compiler) lowerCall(in *wasm.Instruction, ft *wasm.FunctionType) error {
	if ft == nil {
		return fmt.Errorf("%s has no type", in)
	}
	kind := interp.KindCall
	if in.Opcode == wasm.OpcodeCallIndirect {
		kind = interp.KindCallIndirect
	}
	c.emit(in, interp.Op{Kind: kind, U1: in.Imm})
	c.pop(len(ft.Params))
	c.push(len(ft.Results))
	return nil
}
