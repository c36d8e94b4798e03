// Package ir is the register form shared by the optimizing and ahead-of-time backends. A function is a list of
// basic blocks over virtual registers: locals are the registers 0 to NumLocals-1 (parameters first) and the operand
// stack slot at height h is the register NumLocals+h. Registers may be assigned more than once, so values flowing
// along branches are plain copies instead of block parameters.
//
// Lower builds the form from validated instructions, RunPasses optimizes it and assigns every register a frame
// slot.
package ir

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/tierwasm/internal/arith"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// Reg is a virtual register, or a frame slot once registers are allocated.
type Reg = uint32

// InstrKind is the operation of an Instr.
type InstrKind byte

const (
	// InstrConst sets Dst to Imm.
	InstrConst InstrKind = iota
	// InstrCopy sets Dst to A.
	InstrCopy
	// InstrUnary sets Dst to Opcode applied to A.
	InstrUnary
	// InstrBinary sets Dst to Opcode applied to A and B.
	InstrBinary
	// InstrSelect sets Dst to A when C is non-zero, otherwise to B.
	InstrSelect
	// InstrGlobalGet sets Dst to the global at index Imm.
	InstrGlobalGet
	// InstrGlobalSet sets the global at index Imm to A.
	InstrGlobalSet
	// InstrLoad sets Dst to the memory at A plus Imm.
	InstrLoad
	// InstrStore writes B to the memory at A plus Imm.
	InstrStore
	// InstrMemorySize sets Dst to the memory size in pages.
	InstrMemorySize
	// InstrMemoryGrow grows memory by A pages and sets Dst to the previous size, or -1.
	InstrMemoryGrow
	// InstrCall calls the function at index Imm with Args and sets Rets.
	InstrCall
	// InstrCallIndirect calls the table element A, which must have the type at index Imm.
	InstrCallIndirect
)

var instrKindNames = [...]string{
	InstrConst:        "const",
	InstrCopy:         "copy",
	InstrUnary:        "unary",
	InstrBinary:       "binary",
	InstrSelect:       "select",
	InstrGlobalGet:    "global.get",
	InstrGlobalSet:    "global.set",
	InstrLoad:         "load",
	InstrStore:        "store",
	InstrMemorySize:   "memory.size",
	InstrMemoryGrow:   "memory.grow",
	InstrCall:         "call",
	InstrCallIndirect: "call_indirect",
}

func (k InstrKind) String() string {
	if int(k) < len(instrKindNames) {
		return instrKindNames[k]
	}
	return fmt.Sprintf("InstrKind(%d)", k)
}

// Instr is a non-branching instruction. Operands not used by its Kind are zero.
type Instr struct {
	Kind   InstrKind
	Opcode wasm.Opcode
	Misc   wasm.OpcodeMisc
	Dst    Reg
	A, B   Reg
	C      Reg
	Imm    uint64
	// Args and Rets are the arguments and results of calls.
	Args, Rets []Reg
	// Offset is the byte offset in the module binary of the instruction this was lowered from.
	Offset uint32
}

// Uses appends the registers the instruction reads to buf.
func (i *Instr) Uses(buf []Reg) []Reg {
	switch i.Kind {
	case InstrCopy, InstrUnary, InstrGlobalSet, InstrLoad, InstrMemoryGrow:
		return append(buf, i.A)
	case InstrBinary, InstrStore:
		return append(buf, i.A, i.B)
	case InstrSelect:
		return append(buf, i.A, i.B, i.C)
	case InstrCall:
		return append(buf, i.Args...)
	case InstrCallIndirect:
		return append(append(buf, i.A), i.Args...)
	}
	return buf
}

// Defs appends the registers the instruction writes to buf.
func (i *Instr) Defs(buf []Reg) []Reg {
	switch i.Kind {
	case InstrGlobalSet, InstrStore:
		return buf
	case InstrCall, InstrCallIndirect:
		return append(buf, i.Rets...)
	}
	return append(buf, i.Dst)
}

// mapRegs replaces the operands read with use of them, and those written with def of them.
func (i *Instr) mapRegs(use, def func(Reg) Reg) {
	switch i.Kind {
	case InstrCopy, InstrUnary, InstrGlobalSet, InstrLoad, InstrMemoryGrow:
		i.A = use(i.A)
	case InstrBinary, InstrStore:
		i.A, i.B = use(i.A), use(i.B)
	case InstrSelect:
		i.A, i.B, i.C = use(i.A), use(i.B), use(i.C)
	case InstrCall:
		for j := range i.Args {
			i.Args[j] = use(i.Args[j])
		}
	case InstrCallIndirect:
		i.A = use(i.A)
		for j := range i.Args {
			i.Args[j] = use(i.Args[j])
		}
	}
	switch i.Kind {
	case InstrGlobalSet, InstrStore:
	case InstrCall, InstrCallIndirect:
		for j := range i.Rets {
			i.Rets[j] = def(i.Rets[j])
		}
	default:
		i.Dst = def(i.Dst)
	}
}

// hasSideEffect returns true when the instruction cannot be removed even if nothing reads its results.
func (i *Instr) hasSideEffect() bool {
	switch i.Kind {
	case InstrCall, InstrCallIndirect, InstrStore, InstrGlobalSet, InstrMemoryGrow, InstrLoad:
		return true
	case InstrUnary, InstrBinary:
		return arith.CanTrap(i.Opcode)
	}
	return false
}

func (i *Instr) String() string {
	var op string
	switch i.Kind {
	case InstrUnary, InstrBinary, InstrLoad, InstrStore:
		if i.Opcode == wasm.OpcodeMiscPrefix {
			op = wasm.MiscInstructionName(i.Misc)
		} else {
			op = wasm.InstructionName(i.Opcode)
		}
	default:
		op = i.Kind.String()
	}
	switch i.Kind {
	case InstrConst:
		return fmt.Sprintf("r%d = const %#x", i.Dst, i.Imm)
	case InstrCopy, InstrUnary:
		return fmt.Sprintf("r%d = %s r%d", i.Dst, op, i.A)
	case InstrBinary:
		return fmt.Sprintf("r%d = %s r%d, r%d", i.Dst, op, i.A, i.B)
	case InstrSelect:
		return fmt.Sprintf("r%d = select r%d, r%d, r%d", i.Dst, i.A, i.B, i.C)
	case InstrGlobalGet:
		return fmt.Sprintf("r%d = global.get %d", i.Dst, i.Imm)
	case InstrGlobalSet:
		return fmt.Sprintf("global.set %d, r%d", i.Imm, i.A)
	case InstrLoad:
		return fmt.Sprintf("r%d = %s r%d+%d", i.Dst, op, i.A, i.Imm)
	case InstrStore:
		return fmt.Sprintf("%s r%d+%d, r%d", op, i.A, i.Imm, i.B)
	case InstrMemorySize:
		return fmt.Sprintf("r%d = memory.size", i.Dst)
	case InstrMemoryGrow:
		return fmt.Sprintf("r%d = memory.grow r%d", i.Dst, i.A)
	case InstrCall:
		return fmt.Sprintf("%s = call %d(%s)", regList(i.Rets), i.Imm, regList(i.Args))
	case InstrCallIndirect:
		return fmt.Sprintf("%s = call_indirect type %d r%d(%s)", regList(i.Rets), i.Imm, i.A, regList(i.Args))
	}
	return op
}

func regList(rs []Reg) string {
	strs := make([]string, len(rs))
	for i, r := range rs {
		strs[i] = fmt.Sprintf("r%d", r)
	}
	return strings.Join(strs, ", ")
}

// TermKind is the operation of a Terminator.
type TermKind byte

const (
	// TermJump continues at Targets[0].
	TermJump TermKind = iota
	// TermBrIf continues at Targets[0] when Cond is non-zero, otherwise at Targets[1].
	TermBrIf
	// TermBrTable continues at Targets[Cond], or at the last target when Cond is out of range.
	TermBrTable
	// TermReturn leaves the function with Results.
	TermReturn
	// TermUnreachable traps.
	TermUnreachable
)

// BlockID is the index of a block in Function.Blocks.
type BlockID = uint32

// Terminator ends a block.
type Terminator struct {
	Kind    TermKind
	Cond    Reg
	Targets []BlockID
	Results []Reg
	Offset  uint32
}

// Uses appends the registers the terminator reads to buf.
func (t *Terminator) Uses(buf []Reg) []Reg {
	switch t.Kind {
	case TermBrIf, TermBrTable:
		return append(buf, t.Cond)
	case TermReturn:
		return append(buf, t.Results...)
	}
	return buf
}

func (t *Terminator) mapRegs(use func(Reg) Reg) {
	switch t.Kind {
	case TermBrIf, TermBrTable:
		t.Cond = use(t.Cond)
	case TermReturn:
		for j := range t.Results {
			t.Results[j] = use(t.Results[j])
		}
	}
}

func (t *Terminator) String() string {
	switch t.Kind {
	case TermJump:
		return fmt.Sprintf("jump b%d", t.Targets[0])
	case TermBrIf:
		return fmt.Sprintf("br_if r%d, b%d, b%d", t.Cond, t.Targets[0], t.Targets[1])
	case TermBrTable:
		strs := make([]string, len(t.Targets))
		for i, b := range t.Targets {
			strs[i] = fmt.Sprintf("b%d", b)
		}
		return fmt.Sprintf("br_table r%d, [%s]", t.Cond, strings.Join(strs, ", "))
	case TermReturn:
		return fmt.Sprintf("return %s", regList(t.Results))
	}
	return "unreachable"
}

// Block is a basic block.
type Block struct {
	Instrs []Instr
	Term   Terminator
}

// Function is a function in register form.
type Function struct {
	Index wasm.Index
	Type  *wasm.FunctionType
	// NumLocals is the count of parameters and declared locals.
	NumLocals int
	// NumRegs is the count of virtual registers before allocation, or of frame slots after.
	NumRegs int
	// Blocks are entered at Blocks[0].
	Blocks []*Block
	// Allocated is set once registers are assigned frame slots.
	Allocated bool
}

// Format returns the function as text, one instruction per line.
func (f *Function) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "func[%d] %s regs=%d\n", f.Index, f.Type, f.NumRegs)
	for id, blk := range f.Blocks {
		fmt.Fprintf(&b, "b%d:\n", id)
		for i := range blk.Instrs {
			fmt.Fprintf(&b, "\t%s\n", blk.Instrs[i].String())
		}
		fmt.Fprintf(&b, "\t%s\n", blk.Term.String())
	}
	return b.String()
}

// successors returns the blocks the block may continue at.
func (b *Block) successors() []BlockID {
	switch b.Term.Kind {
	case TermJump, TermBrIf, TermBrTable:
		return b.Term.Targets
	}
	return nil
}
