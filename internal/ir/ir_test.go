package ir

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/testing/binaryencoding"
	"github.com/tetratelabs/tierwasm/internal/wasm"
	"github.com/tetratelabs/tierwasm/internal/wasm/binary"
)

var (
	i32     = wasm.ValueTypeI32
	v_i32   = wasm.FunctionType{Results: []wasm.ValueType{i32}}
	i32_i32 = wasm.FunctionType{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32}}
	end     = wasm.Instruction{Opcode: wasm.OpcodeEnd}
)

func i32Const(v uint64) wasm.Instruction { return wasm.Instruction{Opcode: wasm.OpcodeI32Const, Imm: v} }

func op(o wasm.Opcode) wasm.Instruction { return wasm.Instruction{Opcode: o} }

// lowerOne encodes a module of one function with the type and body, and lowers it.
func lowerOne(t *testing.T, ft wasm.FunctionType, body ...wasm.Instruction) (*wasm.Module, *Function) {
	bin := binary.EncodeModule(&wasm.Module{
		TypeSection:     []wasm.FunctionType{ft},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []wasm.Code{{Body: body}},
	})
	m, err := binary.DecodeModule(bin, api.CoreFeaturesSupported)
	require.NoError(t, err)
	f, err := Lower(m, 0, &m.CodeSection[0])
	require.NoError(t, err)
	return m, f
}

func optimizeOne(t *testing.T, ft wasm.FunctionType, body ...wasm.Instruction) *Function {
	_, f := lowerOne(t, ft, body...)
	require.NoError(t, RunPasses(context.Background(), f))
	return f
}

func instrs(f *Function) (ret []Instr) {
	for _, b := range f.Blocks {
		ret = append(ret, b.Instrs...)
	}
	return
}

func TestLower(t *testing.T) {
	m, f := lowerOne(t, i32_i32, op(wasm.OpcodeLocalGet), i32Const(1), op(wasm.OpcodeI32Add), end)
	require.Equal(t, 1, f.NumLocals)
	require.Equal(t, 3, f.NumRegs)
	require.False(t, f.Allocated)
	require.Len(t, f.Blocks, 1)

	b := f.Blocks[0]
	require.Equal(t, []Instr{
		{Kind: InstrCopy, Dst: 1, A: 0},
		{Kind: InstrConst, Dst: 2, Imm: 1},
		{Kind: InstrBinary, Opcode: wasm.OpcodeI32Add, Dst: 1, A: 1, B: 2},
	}, withoutOffsets(b.Instrs))
	body := m.CodeSection[0].Body
	for i := range b.Instrs {
		require.Equal(t, body[i].Offset, b.Instrs[i].Offset)
	}
	require.Equal(t, TermReturn, b.Term.Kind)
	require.Equal(t, []Reg{1}, b.Term.Results)
	require.Equal(t, body[3].Offset, b.Term.Offset)
}

func withoutOffsets(in []Instr) []Instr {
	ret := make([]Instr, len(in))
	for i := range in {
		ret[i] = in[i]
		ret[i].Offset = 0
	}
	return ret
}

func TestLower_DeclaredLocalsStartAtZero(t *testing.T) {
	bin := binary.EncodeModule(&wasm.Module{
		TypeSection:     []wasm.FunctionType{v_i32},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []wasm.Code{{LocalTypes: []wasm.ValueType{i32, i32}, Body: []wasm.Instruction{op(wasm.OpcodeLocalGet), end}}},
	})
	m, err := binary.DecodeModule(bin, api.CoreFeaturesSupported)
	require.NoError(t, err)
	f, err := Lower(m, 0, &m.CodeSection[0])
	require.NoError(t, err)
	require.Equal(t, 2, f.NumLocals)
	require.Equal(t, Instr{Kind: InstrConst, Dst: 0}, f.Blocks[0].Instrs[0])
	require.Equal(t, Instr{Kind: InstrConst, Dst: 1}, f.Blocks[0].Instrs[1])
}

func TestLower_BranchCarriesValue(t *testing.T) {
	blockI32 := wasm.Instruction{Opcode: wasm.OpcodeBlock, BlockType: byte(i32)}
	brIf := wasm.Instruction{Opcode: wasm.OpcodeBrIf}
	for _, tc := range []struct {
		name string
		body []wasm.Instruction
		// copied is true when the taken edge needs its own block to move the value to the result slot.
		copied bool
	}{
		{
			name: "value in result slot",
			body: []wasm.Instruction{blockI32, i32Const(1), op(wasm.OpcodeLocalGet), brIf,
				op(wasm.OpcodeDrop), i32Const(2), end, end},
		},
		{
			name: "value above result slot",
			body: []wasm.Instruction{blockI32, i32Const(9), i32Const(1), op(wasm.OpcodeLocalGet), brIf,
				op(wasm.OpcodeDrop), op(wasm.OpcodeDrop), i32Const(2), end, end},
			copied: true,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, f := lowerOne(t, i32_i32, tc.body...)
			term := f.Blocks[0].Term
			require.Equal(t, TermBrIf, term.Kind)
			taken := f.Blocks[term.Targets[0]]
			if tc.copied {
				// The result slot of the block is the register after the parameter.
				require.Equal(t, []Instr{{Kind: InstrCopy, Dst: 1, A: 2}}, withoutOffsets(taken.Instrs))
				require.Equal(t, TermJump, taken.Term.Kind)
			} else {
				require.Empty(t, taken.Instrs)
				require.Equal(t, TermReturn, taken.Term.Kind)
			}
		})
	}
}

func TestRunPasses(t *testing.T) {
	t.Run("folds constants", func(t *testing.T) {
		f := optimizeOne(t, v_i32, i32Const(2), i32Const(3), op(wasm.OpcodeI32Add), end)
		in := instrs(f)
		require.Len(t, in, 1)
		require.Equal(t, InstrConst, in[0].Kind)
		require.Equal(t, uint64(5), in[0].Imm)
	})
	t.Run("keeps instructions that trap", func(t *testing.T) {
		f := optimizeOne(t, v_i32,
			i32Const(1), i32Const(0), op(wasm.OpcodeI32DivS), op(wasm.OpcodeDrop), i32Const(7), end)
		var found bool
		for _, in := range instrs(f) {
			if in.Kind == InstrBinary && in.Opcode == wasm.OpcodeI32DivS {
				found = true
			}
		}
		require.True(t, found, f.Format())
	})
	t.Run("removes unused results", func(t *testing.T) {
		f := optimizeOne(t, i32_i32,
			op(wasm.OpcodeLocalGet), i32Const(5), op(wasm.OpcodeI32Add), op(wasm.OpcodeDrop),
			op(wasm.OpcodeLocalGet), end)
		for _, in := range instrs(f) {
			require.NotEqual(t, InstrBinary, in.Kind, f.Format())
		}
	})
	t.Run("simplifies constant branches", func(t *testing.T) {
		f := optimizeOne(t, v_i32,
			i32Const(1), wasm.Instruction{Opcode: wasm.OpcodeIf, BlockType: byte(i32)},
			i32Const(10), op(wasm.OpcodeElse), i32Const(20), end, end)
		for _, b := range f.Blocks {
			require.NotEqual(t, TermBrIf, b.Term.Kind, f.Format())
		}
		var consts []uint64
		for _, in := range instrs(f) {
			if in.Kind == InstrConst {
				consts = append(consts, in.Imm)
			}
		}
		require.Equal(t, []uint64{10}, consts)
	})
	t.Run("canceled", func(t *testing.T) {
		_, f := lowerOne(t, v_i32, i32Const(1), end)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, RunPasses(ctx, f), context.Canceled)
		require.False(t, f.Allocated)
	})
}

func TestRunPasses_Allocation(t *testing.T) {
	for _, tc := range []struct {
		name string
		bin  []byte
	}{
		{name: "fibonacci", bin: binaryencoding.Fibonacci()},
		{name: "nbody", bin: binaryencoding.NBody()},
		{name: "control flow", bin: binaryencoding.ControlFlow()},
		{name: "call indirect", bin: binaryencoding.CallIndirect()},
		{name: "host call", bin: binaryencoding.HostCall()},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			m, err := binary.DecodeModule(tc.bin, api.CoreFeaturesSupported)
			require.NoError(t, err)
			for i := range m.CodeSection {
				idx := m.ImportFuncCount() + wasm.Index(i)
				f, err := Lower(m, idx, &m.CodeSection[i])
				require.NoError(t, err)
				virtual := f.NumRegs
				require.NoError(t, RunPasses(context.Background(), f))
				require.True(t, f.Allocated)
				require.True(t, f.NumRegs <= virtual)
				require.True(t, f.NumRegs >= len(f.Type.Params))

				var buf []Reg
				for _, b := range f.Blocks {
					for j := range b.Instrs {
						in := &b.Instrs[j]
						for _, r := range append(in.Uses(buf[:0]), in.Defs(nil)...) {
							require.True(t, int(r) < f.NumRegs, "%s in\n%s", in, f.Format())
						}
					}
					for _, r := range b.Term.Uses(buf[:0]) {
						require.True(t, int(r) < f.NumRegs, f.Format())
					}
					for _, target := range b.successors() {
						require.True(t, int(target) < len(f.Blocks))
					}
				}

				// Running again is a no-op once allocated.
				before := f.Format()
				require.NoError(t, RunPasses(context.Background(), f))
				require.Equal(t, before, f.Format())
			}
		})
	}
}

func TestPassNames(t *testing.T) {
	require.Equal(t, []string{"const-fold", "branch-simplify", "dead-block", "dead-code", "regalloc"}, PassNames())
}

func TestFunction_Format(t *testing.T) {
	_, f := lowerOne(t, i32_i32, op(wasm.OpcodeLocalGet), i32Const(1), op(wasm.OpcodeI32Add), end)
	require.Equal(t, `func[0] (i32) -> (i32) regs=3
b0:
	r1 = copy r0
	r2 = const 0x1
	r1 = i32.add r1, r2
	return r1
`, f.Format())
}

func TestRegSet(t *testing.T) {
	s := newRegSet(130)
	for _, r := range []Reg{0, 63, 64, 129} {
		s.add(r)
	}
	require.True(t, s.has(64))
	require.False(t, s.has(65))
	s.remove(64)

	var got []Reg
	s.scan(func(r Reg) { got = append(got, r) })
	require.Equal(t, []Reg{0, 63, 129}, got)

	o := newRegSet(130)
	o.add(1)
	require.True(t, s.union(&o))
	require.False(t, s.union(&o))
}
