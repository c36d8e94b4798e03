package ir

import (
	"fmt"

	"github.com/tetratelabs/tierwasm/internal/wasm"
)

type frameKind byte

const (
	frameKindFunction frameKind = iota
	frameKindBlock
	frameKindLoop
	frameKindIf
)

type controlFrame struct {
	kind frameKind
	// start is the position of the opening instruction in the body, or -1 for the function.
	start int
	// height is the operand stack height on entry. The result of the frame, if any, is in the slot at height.
	height int
	arity  int
	// cont is where a branch to a block or if continues, and header is where one to a loop does.
	cont, header BlockID
	// els is the else part of an if.
	els    BlockID
	inElse bool
}

func (c *controlFrame) labelArity() int {
	if c.kind == frameKindLoop {
		return 0
	}
	return c.arity
}

type lowerer struct {
	m         *wasm.Module
	ft        *wasm.FunctionType
	body      []wasm.Instruction
	numLocals int
	frames    []*controlFrame
	// height is the operand stack height, and maxHeight its maximum.
	height, maxHeight int
	blocks            []*Block
	// cur is the block being appended to, or nil in unreachable code.
	cur *Block
}

// Lower builds the register form of a validated function. idx is in the function index namespace.
func Lower(m *wasm.Module, idx wasm.Index, code *wasm.Code) (*Function, error) {
	ft := m.TypeOfFunction(idx)
	if ft == nil {
		return nil, fmt.Errorf("function[%d] has no type", idx)
	}
	l := &lowerer{m: m, ft: ft, body: code.Body, numLocals: len(ft.Params) + len(code.LocalTypes)}
	l.cur = l.block(l.newBlock())
	// Declared locals start at zero.
	for r := len(ft.Params); r < l.numLocals; r++ {
		l.emit(Instr{Kind: InstrConst, Dst: Reg(r)})
	}
	l.frames = append(l.frames, &controlFrame{kind: frameKindFunction, start: -1, arity: len(ft.Results)})

	for pc := 0; pc < len(l.body); pc++ {
		if err := l.lower(pc); err != nil {
			return nil, fmt.Errorf("function[%d] at offset %#x: %w", idx, l.body[pc].Offset, err)
		}
		if l.cur == nil && len(l.frames) > 0 {
			pc = l.skipUnreachable() - 1
		}
	}
	return &Function{
		Index:     idx,
		Type:      ft,
		NumLocals: l.numLocals,
		NumRegs:   l.numLocals + l.maxHeight,
		Blocks:    l.blocks,
	}, nil
}

func (l *lowerer) newBlock() BlockID {
	l.blocks = append(l.blocks, &Block{})
	return BlockID(len(l.blocks) - 1)
}

func (l *lowerer) block(id BlockID) *Block {
	return l.blocks[id]
}

// slot returns the register of the operand stack slot at the height.
func (l *lowerer) slot(height int) Reg {
	return Reg(l.numLocals + height)
}

// top returns the register of the n-th value from the top of the stack, starting at 1.
func (l *lowerer) top(n int) Reg {
	return l.slot(l.height - n)
}

func (l *lowerer) push() Reg {
	r := l.slot(l.height)
	l.height++
	if l.height > l.maxHeight {
		l.maxHeight = l.height
	}
	return r
}

func (l *lowerer) emit(in Instr) {
	l.cur.Instrs = append(l.cur.Instrs, in)
}

func (l *lowerer) terminate(t Terminator) {
	l.cur.Term = t
	l.cur = nil
}

func (l *lowerer) skipUnreachable() int {
	f := l.frames[len(l.frames)-1]
	if f.kind == frameKindFunction {
		return len(l.body) - 1
	}
	start := &l.body[f.start]
	if f.kind == frameKindIf && !f.inElse && start.Else >= 0 {
		return start.Else
	}
	return start.End
}

func (l *lowerer) label(depth uint64) *controlFrame {
	return l.frames[len(l.frames)-1-int(depth)]
}

// results returns the registers a return from the current height carries.
func (l *lowerer) results() []Reg {
	n := len(l.ft.Results)
	rs := make([]Reg, n)
	for i := range rs {
		rs[i] = l.top(n - i)
	}
	return rs
}

// edge returns the block a conditional branch to the frame at the depth enters. When the branch carries a value
// that is not already in the result slot of the frame, or leaves the function, the block is one created for the
// edge.
func (l *lowerer) edge(depth uint64, offset uint32) BlockID {
	f := l.label(depth)
	if f.kind == frameKindFunction {
		id := l.newBlock()
		l.block(id).Term = Terminator{Kind: TermReturn, Results: l.results(), Offset: offset}
		return id
	}
	target := f.cont
	if f.kind == frameKindLoop {
		target = f.header
	}
	if f.labelArity() == 0 || l.top(1) == l.slot(f.height) {
		return target
	}
	id := l.newBlock()
	b := l.block(id)
	b.Instrs = append(b.Instrs, Instr{Kind: InstrCopy, Dst: l.slot(f.height), A: l.top(1), Offset: offset})
	b.Term = Terminator{Kind: TermJump, Targets: []BlockID{target}, Offset: offset}
	return id
}

// branch terminates the current block with an unconditional branch to the frame at the depth.
func (l *lowerer) branch(depth uint64, offset uint32) {
	f := l.label(depth)
	if f.kind == frameKindFunction {
		l.terminate(Terminator{Kind: TermReturn, Results: l.results(), Offset: offset})
		return
	}
	if f.labelArity() == 1 && l.top(1) != l.slot(f.height) {
		l.emit(Instr{Kind: InstrCopy, Dst: l.slot(f.height), A: l.top(1), Offset: offset})
	}
	target := f.cont
	if f.kind == frameKindLoop {
		target = f.header
	}
	l.terminate(Terminator{Kind: TermJump, Targets: []BlockID{target}, Offset: offset})
}

func blockArity(bt byte) int {
	if bt == wasm.BlockTypeEmpty {
		return 0
	}
	return 1
}

func (l *lowerer) lower(pc int) error {
	in := &l.body[pc]
	off := in.Offset
	switch in.Opcode {
	case wasm.OpcodeUnreachable:
		l.terminate(Terminator{Kind: TermUnreachable, Offset: off})
	case wasm.OpcodeNop:
	case wasm.OpcodeBlock:
		l.frames = append(l.frames, &controlFrame{kind: frameKindBlock, start: pc, height: l.height,
			arity: blockArity(in.BlockType), cont: l.newBlock()})
	case wasm.OpcodeLoop:
		header := l.newBlock()
		l.cur.Term = Terminator{Kind: TermJump, Targets: []BlockID{header}, Offset: off}
		l.cur = l.block(header)
		l.frames = append(l.frames, &controlFrame{kind: frameKindLoop, start: pc, height: l.height,
			arity: blockArity(in.BlockType), header: header})
	case wasm.OpcodeIf:
		cond := l.top(1)
		l.height--
		f := &controlFrame{kind: frameKindIf, start: pc, height: l.height, arity: blockArity(in.BlockType)}
		then := l.newBlock()
		if in.Else >= 0 {
			f.els = l.newBlock()
		}
		f.cont = l.newBlock()
		elseTarget := f.cont
		if in.Else >= 0 {
			elseTarget = f.els
		}
		l.cur.Term = Terminator{Kind: TermBrIf, Cond: cond, Targets: []BlockID{then, elseTarget}, Offset: off}
		l.cur = l.block(then)
		l.frames = append(l.frames, f)
	case wasm.OpcodeElse:
		f := l.frames[len(l.frames)-1]
		if l.cur != nil {
			l.cur.Term = Terminator{Kind: TermJump, Targets: []BlockID{f.cont}, Offset: off}
		}
		l.cur = l.block(f.els)
		l.height = f.height
		f.inElse = true
	case wasm.OpcodeEnd:
		f := l.frames[len(l.frames)-1]
		l.frames = l.frames[:len(l.frames)-1]
		switch f.kind {
		case frameKindFunction:
			if l.cur != nil {
				l.terminate(Terminator{Kind: TermReturn, Results: l.results(), Offset: off})
			}
		case frameKindLoop:
			if l.cur == nil {
				// Nothing falls through the loop: the code after it is only lowered to be removed later.
				l.cur = l.block(l.newBlock())
			}
		default:
			if l.cur != nil {
				l.cur.Term = Terminator{Kind: TermJump, Targets: []BlockID{f.cont}, Offset: off}
			}
			l.cur = l.block(f.cont)
		}
		l.height = f.height + f.arity
	case wasm.OpcodeBr:
		l.branch(in.Imm, off)
	case wasm.OpcodeBrIf:
		cond := l.top(1)
		l.height--
		taken := l.edge(in.Imm, off)
		cont := l.newBlock()
		l.cur.Term = Terminator{Kind: TermBrIf, Cond: cond, Targets: []BlockID{taken, cont}, Offset: off}
		l.cur = l.block(cont)
	case wasm.OpcodeBrTable:
		index := l.top(1)
		l.height--
		targets := make([]BlockID, len(in.Targets))
		for i, depth := range in.Targets {
			targets[i] = l.edge(uint64(depth), off)
		}
		l.terminate(Terminator{Kind: TermBrTable, Cond: index, Targets: targets, Offset: off})
	case wasm.OpcodeReturn:
		l.terminate(Terminator{Kind: TermReturn, Results: l.results(), Offset: off})
	case wasm.OpcodeCall:
		ft := l.m.TypeOfFunction(wasm.Index(in.Imm))
		if ft == nil {
			return fmt.Errorf("call of function[%d] without type", in.Imm)
		}
		l.call(Instr{Kind: InstrCall, Imm: in.Imm, Offset: off}, ft)
	case wasm.OpcodeCallIndirect:
		if in.Imm >= uint64(len(l.m.TypeSection)) {
			return fmt.Errorf("call_indirect of type[%d] out of range", in.Imm)
		}
		elem := l.top(1)
		l.height--
		l.call(Instr{Kind: InstrCallIndirect, A: elem, Imm: in.Imm, Offset: off}, &l.m.TypeSection[in.Imm])
	case wasm.OpcodeDrop:
		l.height--
	case wasm.OpcodeSelect:
		c, v2, v1 := l.top(1), l.top(2), l.top(3)
		l.height -= 2
		l.emit(Instr{Kind: InstrSelect, Dst: v1, A: v1, B: v2, C: c, Offset: off})
	case wasm.OpcodeLocalGet:
		l.emit(Instr{Kind: InstrCopy, Dst: l.push(), A: Reg(in.Imm), Offset: off})
	case wasm.OpcodeLocalSet:
		l.emit(Instr{Kind: InstrCopy, Dst: Reg(in.Imm), A: l.top(1), Offset: off})
		l.height--
	case wasm.OpcodeLocalTee:
		l.emit(Instr{Kind: InstrCopy, Dst: Reg(in.Imm), A: l.top(1), Offset: off})
	case wasm.OpcodeGlobalGet:
		l.emit(Instr{Kind: InstrGlobalGet, Dst: l.push(), Imm: in.Imm, Offset: off})
	case wasm.OpcodeGlobalSet:
		l.emit(Instr{Kind: InstrGlobalSet, A: l.top(1), Imm: in.Imm, Offset: off})
		l.height--
	case wasm.OpcodeMemorySize:
		l.emit(Instr{Kind: InstrMemorySize, Dst: l.push(), Offset: off})
	case wasm.OpcodeMemoryGrow:
		l.emit(Instr{Kind: InstrMemoryGrow, Dst: l.top(1), A: l.top(1), Offset: off})
	case wasm.OpcodeI32Const, wasm.OpcodeI64Const, wasm.OpcodeF32Const, wasm.OpcodeF64Const:
		l.emit(Instr{Kind: InstrConst, Dst: l.push(), Imm: in.Imm, Offset: off})
	default:
		switch {
		case wasm.IsLoad(in.Opcode):
			l.emit(Instr{Kind: InstrLoad, Opcode: in.Opcode, Dst: l.top(1), A: l.top(1), Imm: in.Imm, Offset: off})
		case wasm.IsStore(in.Opcode):
			l.emit(Instr{Kind: InstrStore, Opcode: in.Opcode, A: l.top(2), B: l.top(1), Imm: in.Imm, Offset: off})
			l.height -= 2
		default:
			sig := wasm.NumericSignatureOf(in.Opcode, in.Misc)
			if sig == nil {
				return fmt.Errorf("unsupported instruction %s", in)
			}
			if len(sig.Params) == 2 {
				l.emit(Instr{Kind: InstrBinary, Opcode: in.Opcode, Dst: l.top(2), A: l.top(2), B: l.top(1), Offset: off})
				l.height--
			} else {
				l.emit(Instr{Kind: InstrUnary, Opcode: in.Opcode, Misc: in.Misc, Dst: l.top(1), A: l.top(1), Offset: off})
			}
		}
	}
	return nil
}

func (l *lowerer) call(in Instr, ft *wasm.FunctionType) {
	n := len(ft.Params)
	in.Args = make([]Reg, n)
	for i := range in.Args {
		in.Args[i] = l.top(n - i)
	}
	l.height -= n
	for range ft.Results {
		in.Rets = append(in.Rets, l.push())
	}
	l.emit(in)
}
