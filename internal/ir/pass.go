package ir

import (
	"context"

	"github.com/tetratelabs/tierwasm/internal/arith"
)

// pass is an optimization or analysis over one function.
type pass struct {
	name string
	run  func(f *Function)
}

// passes are in the order they run. Some depend on the previous ones: branch simplification relies on the
// constants materialized by folding, and register allocation requires all instructions to be final.
var passes = []pass{
	{"const-fold", passConstFoldingOpt},
	{"branch-simplify", passBranchSimplificationOpt},
	{"dead-block", passDeadBlockEliminationOpt},
	{"dead-code", passDeadCodeEliminationOpt},
	{"regalloc", passAllocateRegisters},
}

// RunPasses optimizes the function and allocates its registers. The context is checked before each pass, and its
// error is returned when done. A function already allocated is left as is.
func RunPasses(ctx context.Context, f *Function) error {
	if f.Allocated {
		return nil
	}
	for _, p := range passes {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.run(f)
	}
	return nil
}

// PassNames returns the names of the passes in the order they run.
func PassNames() []string {
	names := make([]string, len(passes))
	for i, p := range passes {
		names[i] = p.name
	}
	return names
}

// valueState tracks what is known about registers within one block.
type valueState struct {
	consts map[Reg]uint64
	// copyOf maps a register to the one it holds a copy of, and copies is the reverse.
	copyOf map[Reg]Reg
	copies map[Reg][]Reg
}

func (s *valueState) reset() {
	s.consts = map[Reg]uint64{}
	s.copyOf = map[Reg]Reg{}
	s.copies = map[Reg][]Reg{}
}

func (s *valueState) resolve(r Reg) Reg {
	if src, ok := s.copyOf[r]; ok {
		return src
	}
	return r
}

// kill forgets everything about r, which is about to be assigned.
func (s *valueState) kill(r Reg) {
	delete(s.consts, r)
	if src, ok := s.copyOf[r]; ok {
		delete(s.copyOf, r)
		cs := s.copies[src]
		for i, c := range cs {
			if c == r {
				s.copies[src] = append(cs[:i], cs[i+1:]...)
				break
			}
		}
	}
	for _, c := range s.copies[r] {
		delete(s.copyOf, c)
	}
	delete(s.copies, r)
}

func (s *valueState) setConst(r Reg, v uint64) {
	s.consts[r] = v
}

func (s *valueState) setCopy(dst, src Reg) {
	s.copyOf[dst] = src
	s.copies[src] = append(s.copies[src], dst)
	if v, ok := s.consts[src]; ok {
		s.consts[dst] = v
	}
}

// foldUnary returns the result of a unary numeric instruction, or false when it would trap.
func foldUnary(in *Instr, x uint64) (v uint64, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return arith.Unary(in.Opcode, in.Misc, x), true
}

// foldBinary returns the result of a binary numeric instruction, or false when it would trap.
func foldBinary(in *Instr, x, y uint64) (v uint64, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return arith.Binary(in.Opcode, x, y), true
}

// passConstFoldingOpt propagates copies and constants within each block, and replaces numeric instructions whose
// operands are all constant with their result. An instruction that would trap is kept as is, so the trap still
// happens at run time.
func passConstFoldingOpt(f *Function) {
	var s valueState
	var defs []Reg
	for _, b := range f.Blocks {
		s.reset()
		for i := range b.Instrs {
			in := &b.Instrs[i]
			in.mapRegs(s.resolve, func(r Reg) Reg { return r })

			switch in.Kind {
			case InstrUnary:
				if x, ok := s.consts[in.A]; ok {
					if v, ok := foldUnary(in, x); ok {
						*in = Instr{Kind: InstrConst, Dst: in.Dst, Imm: v, Offset: in.Offset}
					}
				}
			case InstrBinary:
				x, okX := s.consts[in.A]
				y, okY := s.consts[in.B]
				if okX && okY {
					if v, ok := foldBinary(in, x, y); ok {
						*in = Instr{Kind: InstrConst, Dst: in.Dst, Imm: v, Offset: in.Offset}
					}
				}
			case InstrSelect:
				if c, ok := s.consts[in.C]; ok {
					src := in.B
					if c != 0 {
						src = in.A
					}
					*in = Instr{Kind: InstrCopy, Dst: in.Dst, A: src, Offset: in.Offset}
				}
			}

			defs = in.Defs(defs[:0])
			for _, d := range defs {
				s.kill(d)
			}
			switch in.Kind {
			case InstrConst:
				s.setConst(in.Dst, in.Imm)
			case InstrCopy:
				if in.A != in.Dst {
					s.setCopy(in.Dst, in.A)
				}
			}
		}
		b.Term.mapRegs(s.resolve)
	}
}

// constAtEnd returns the value of r at the end of the block when it is assigned a constant within it.
func constAtEnd(b *Block, r Reg) (uint64, bool) {
	var defs []Reg
	for i := len(b.Instrs) - 1; i >= 0; i-- {
		in := &b.Instrs[i]
		defs = in.Defs(defs[:0])
		for _, d := range defs {
			if d == r {
				if in.Kind == InstrConst {
					return in.Imm, true
				}
				return 0, false
			}
		}
	}
	return 0, false
}

// passBranchSimplificationOpt turns branches on constant conditions into jumps, and jumps to empty blocks ending in
// a jump into jumps to their final target.
func passBranchSimplificationOpt(f *Function) {
	for _, b := range f.Blocks {
		t := &b.Term
		switch t.Kind {
		case TermBrIf:
			if c, ok := constAtEnd(b, t.Cond); ok {
				target := t.Targets[1]
				if c != 0 {
					target = t.Targets[0]
				}
				*t = Terminator{Kind: TermJump, Targets: []BlockID{target}, Offset: t.Offset}
			} else if t.Targets[0] == t.Targets[1] {
				*t = Terminator{Kind: TermJump, Targets: []BlockID{t.Targets[0]}, Offset: t.Offset}
			}
		case TermBrTable:
			if c, ok := constAtEnd(b, t.Cond); ok {
				if last := uint64(len(t.Targets) - 1); c > last {
					c = last
				}
				*t = Terminator{Kind: TermJump, Targets: []BlockID{t.Targets[c]}, Offset: t.Offset}
			}
		}
	}
	for _, b := range f.Blocks {
		for i, target := range b.successors() {
			b.Term.Targets[i] = threadJumps(f, target)
		}
	}
}

// threadJumps follows empty blocks that only jump elsewhere. The walk is bounded by the block count, so empty
// loops end it.
func threadJumps(f *Function, target BlockID) BlockID {
	for n := 0; n < len(f.Blocks); n++ {
		b := f.Blocks[target]
		if len(b.Instrs) != 0 || b.Term.Kind != TermJump || b.Term.Targets[0] == target {
			break
		}
		target = b.Term.Targets[0]
	}
	return target
}

// passDeadBlockEliminationOpt removes the blocks not reachable from the entry, keeping the others in order.
func passDeadBlockEliminationOpt(f *Function) {
	reachable := make([]bool, len(f.Blocks))
	stack := []BlockID{0}
	reachable[0] = true
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, succ := range f.Blocks[id].successors() {
			if !reachable[succ] {
				reachable[succ] = true
				stack = append(stack, succ)
			}
		}
	}

	renumber := make([]BlockID, len(f.Blocks))
	kept := f.Blocks[:0]
	for id, b := range f.Blocks {
		if reachable[id] {
			renumber[id] = BlockID(len(kept))
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(f.Blocks); i++ {
		f.Blocks[i] = nil
	}
	f.Blocks = kept
	for _, b := range f.Blocks {
		for i, succ := range b.successors() {
			b.Term.Targets[i] = renumber[succ]
		}
	}
}

// passDeadCodeEliminationOpt removes instructions whose results are never read, unless they have side effects or
// may trap. It repeats until nothing changes, since removing a read can make other instructions dead.
func passDeadCodeEliminationOpt(f *Function) {
	for {
		lv := computeLiveness(f)
		removed := false
		var defs, uses []Reg
		for id, b := range f.Blocks {
			live := newRegSet(f.NumRegs)
			live.copyFrom(&lv.liveOut[id])
			for _, r := range b.Term.Uses(uses[:0]) {
				live.add(r)
			}
			keep := make([]bool, len(b.Instrs))
			for i := len(b.Instrs) - 1; i >= 0; i-- {
				in := &b.Instrs[i]
				defs = in.Defs(defs[:0])
				needed := in.hasSideEffect()
				for _, d := range defs {
					if live.has(d) {
						needed = true
					}
				}
				if in.Kind == InstrCopy && in.A == in.Dst {
					needed = false
				}
				if !needed {
					removed = true
					continue
				}
				keep[i] = true
				for _, d := range defs {
					live.remove(d)
				}
				for _, u := range in.Uses(uses[:0]) {
					live.add(u)
				}
			}
			kept := b.Instrs[:0]
			for i := range b.Instrs {
				if keep[i] {
					kept = append(kept, b.Instrs[i])
				}
			}
			b.Instrs = kept
		}
		if !removed {
			return
		}
	}
}
