package aot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/fxamacker/cbor/v2"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/arith"
	"github.com/tetratelabs/tierwasm/internal/ir"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// Magic starts every object.
var Magic = []byte("TWAO")

// FormatVersion changes whenever the layout of the object changes.
const FormatVersion uint32 = 1

var (
	// ErrStaleObject is returned loading an object written by another format or engine version.
	ErrStaleObject = errors.New("aot: stale object")
	// ErrCorruptObject is returned loading an object that fails its checksum or cannot be decoded.
	ErrCorruptObject = errors.New("aot: corrupt object")
)

// header precedes the canonical CBOR body. Integers are little endian, and the engine version is prefixed by its
// length in one byte.
type header struct {
	formatVersion uint32
	engineVersion string
	functionCount uint32
	stackSize     uint32
	bodyLength    uint32
	checksum      uint32
}

func (h *header) append(buf []byte) []byte {
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint32(buf, h.formatVersion)
	buf = append(buf, byte(len(h.engineVersion)))
	buf = append(buf, h.engineVersion...)
	buf = binary.LittleEndian.AppendUint32(buf, h.functionCount)
	buf = binary.LittleEndian.AppendUint32(buf, h.stackSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.bodyLength)
	return binary.LittleEndian.AppendUint32(buf, h.checksum)
}

// readHeader returns the header and the body following it.
func readHeader(data []byte) (*header, []byte, error) {
	if len(data) < len(Magic)+5 || !bytes.Equal(data[:len(Magic)], Magic) {
		return nil, nil, fmt.Errorf("%w: invalid magic", ErrCorruptObject)
	}
	h := &header{}
	p := data[len(Magic):]
	h.formatVersion = binary.LittleEndian.Uint32(p)
	n := int(p[4])
	p = p[5:]
	if len(p) < n+16 {
		return nil, nil, fmt.Errorf("%w: truncated header", ErrCorruptObject)
	}
	h.engineVersion = string(p[:n])
	p = p[n:]
	h.functionCount = binary.LittleEndian.Uint32(p)
	h.stackSize = binary.LittleEndian.Uint32(p[4:])
	h.bodyLength = binary.LittleEndian.Uint32(p[8:])
	h.checksum = binary.LittleEndian.Uint32(p[12:])
	return h, p[16:], nil
}

// object is the body of an object file: what instantiation needs of the module, and the functions in register
// form. The callee of each call is zero in the functions, and a relocation names it instead.
type object struct {
	Module      objectModule `cbor:"1,keyasint"`
	Functions   []function   `cbor:"2,keyasint"`
	Symbols     []symbol     `cbor:"3,keyasint"`
	Relocations []relocation `cbor:"4,keyasint"`
}

type objectModule struct {
	ID           []byte                `cbor:"1,keyasint"`
	Types        []wasm.FunctionType   `cbor:"2,keyasint"`
	Imports      []wasm.Import         `cbor:"3,keyasint"`
	Functions    []wasm.Index          `cbor:"4,keyasint"`
	Table        *wasm.Table           `cbor:"5,keyasint,omitempty"`
	Memory       *wasm.Memory          `cbor:"6,keyasint,omitempty"`
	Globals      []wasm.Global         `cbor:"7,keyasint"`
	Exports      []wasm.Export         `cbor:"8,keyasint"`
	Start        *wasm.Index           `cbor:"9,keyasint,omitempty"`
	Elements     []wasm.ElementSegment `cbor:"10,keyasint"`
	Data         []wasm.DataSegment    `cbor:"11,keyasint"`
	Names        *wasm.NameSection     `cbor:"12,keyasint,omitempty"`
	UsedFeatures uint64                `cbor:"13,keyasint"`
}

type function struct {
	Index     uint32  `cbor:"1,keyasint"`
	NumLocals int     `cbor:"2,keyasint"`
	NumRegs   int     `cbor:"3,keyasint"`
	Blocks    []block `cbor:"4,keyasint"`
}

type block struct {
	_      struct{} `cbor:",toarray"`
	Instrs []instr
	Term   term
}

type instr struct {
	_      struct{} `cbor:",toarray"`
	Kind   ir.InstrKind
	Opcode wasm.Opcode
	Misc   wasm.OpcodeMisc
	Dst    ir.Reg
	A, B   ir.Reg
	C      ir.Reg
	Imm    uint64
	Args   []ir.Reg
	Rets   []ir.Reg
	Offset uint32
}

type term struct {
	_       struct{} `cbor:",toarray"`
	Kind    ir.TermKind
	Cond    ir.Reg
	Targets []ir.BlockID
	Results []ir.Reg
	Offset  uint32
}

// symbol is a call target: an import by name, or a function defined in the object by its index in the function
// namespace.
type symbol struct {
	_       struct{} `cbor:",toarray"`
	Module  string
	Name    string
	Defined bool
	Index   uint32
}

// relocation sets the callee of the instruction at Instr in Block of Functions[Function] to Symbol.
type relocation struct {
	_        struct{} `cbor:",toarray"`
	Function uint32
	Block    uint32
	Instr    uint32
	Symbol   uint32
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("aot: failed to create CBOR enc mode: %v", err))
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1 << 26, MaxMapPairs: 1 << 24}).DecMode(); err != nil {
		panic(fmt.Sprintf("aot: failed to create CBOR dec mode: %v", err))
	}
}

// newObject builds the body of the object for the module and its allocated functions.
func newObject(m *wasm.Module, functions []*ir.Function) *object {
	o := &object{Module: objectModule{
		ID:           append([]byte(nil), m.ID[:]...),
		Types:        m.TypeSection,
		Imports:      m.ImportSection,
		Functions:    m.FunctionSection,
		Table:        m.TableSection,
		Memory:       m.MemorySection,
		Globals:      m.GlobalSection,
		Exports:      m.ExportSection,
		Start:        m.StartSection,
		Elements:     m.ElementSection,
		Data:         m.DataSection,
		Names:        m.NameSection,
		UsedFeatures: uint64(m.UsedFeatures),
	}}

	symbols := map[wasm.Index]uint32{}
	symbolOf := func(funcIdx wasm.Index) uint32 {
		if s, ok := symbols[funcIdx]; ok {
			return s
		}
		var s symbol
		if funcIdx < m.ImportFuncCount() {
			imp := &m.ImportSection[funcIdx]
			s = symbol{Module: imp.Module, Name: imp.Name}
		} else {
			s = symbol{Defined: true, Index: funcIdx}
		}
		o.Symbols = append(o.Symbols, s)
		symbols[funcIdx] = uint32(len(o.Symbols) - 1)
		return symbols[funcIdx]
	}

	o.Functions = make([]function, len(functions))
	for fi, f := range functions {
		of := function{Index: f.Index, NumLocals: f.NumLocals, NumRegs: f.NumRegs, Blocks: make([]block, len(f.Blocks))}
		for bi, b := range f.Blocks {
			ob := block{Instrs: make([]instr, len(b.Instrs))}
			for ii := range b.Instrs {
				in := &b.Instrs[ii]
				oi := instr{Kind: in.Kind, Opcode: in.Opcode, Misc: in.Misc, Dst: in.Dst, A: in.A, B: in.B, C: in.C,
					Imm: in.Imm, Args: in.Args, Rets: in.Rets, Offset: in.Offset}
				if in.Kind == ir.InstrCall {
					oi.Imm = 0
					o.Relocations = append(o.Relocations, relocation{
						Function: uint32(fi), Block: uint32(bi), Instr: uint32(ii), Symbol: symbolOf(wasm.Index(in.Imm)),
					})
				}
				ob.Instrs[ii] = oi
			}
			t := &b.Term
			ob.Term = term{Kind: t.Kind, Cond: t.Cond, Targets: t.Targets, Results: t.Results, Offset: t.Offset}
			of.Blocks[bi] = ob
		}
		o.Functions[fi] = of
	}
	return o
}

// encodeObject returns the object file: the header followed by the body.
func encodeObject(o *object, engineVersion string, stackSize uint32) ([]byte, error) {
	if len(engineVersion) > 255 {
		return nil, fmt.Errorf("aot: engine version %q too long", engineVersion)
	}
	body, err := encMode.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("aot: marshal object: %w", err)
	}
	h := &header{
		formatVersion: FormatVersion,
		engineVersion: engineVersion,
		functionCount: uint32(len(o.Functions)),
		stackSize:     stackSize,
		bodyLength:    uint32(len(body)),
		checksum:      crc(body),
	}
	return append(h.append(make([]byte, 0, len(body)+64)), body...), nil
}

// decodeObject checks the header of the object file, and decodes its body.
func decodeObject(data []byte, engineVersion string) (*header, *object, error) {
	h, body, err := readHeader(data)
	if err != nil {
		return nil, nil, err
	}
	if h.formatVersion != FormatVersion {
		return nil, nil, fmt.Errorf("%w: format version %d, but expected %d", ErrStaleObject, h.formatVersion, FormatVersion)
	}
	if h.engineVersion != engineVersion {
		return nil, nil, fmt.Errorf("%w: engine version %q, but expected %q", ErrStaleObject, h.engineVersion, engineVersion)
	}
	if uint32(len(body)) != h.bodyLength {
		return nil, nil, fmt.Errorf("%w: body of %d bytes, but header says %d", ErrCorruptObject, len(body), h.bodyLength)
	}
	if crc(body) != h.checksum {
		return nil, nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptObject)
	}
	o := &object{}
	if err = decMode.Unmarshal(body, o); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptObject, err)
	}
	if uint32(len(o.Functions)) != h.functionCount {
		return nil, nil, fmt.Errorf("%w: %d functions, but header says %d", ErrCorruptObject, len(o.Functions), h.functionCount)
	}
	return h, o, nil
}

// link rebuilds the module and its functions, resolving each relocation against the function namespace.
func (o *object) link() (*wasm.Module, []*ir.Function, error) {
	mo := &o.Module
	m := &wasm.Module{
		TypeSection:     mo.Types,
		ImportSection:   mo.Imports,
		FunctionSection: mo.Functions,
		TableSection:    mo.Table,
		MemorySection:   mo.Memory,
		GlobalSection:   mo.Globals,
		ExportSection:   mo.Exports,
		StartSection:    mo.Start,
		ElementSection:  mo.Elements,
		DataSection:     mo.Data,
		NameSection:     mo.Names,
		UsedFeatures:    api.CoreFeatures(mo.UsedFeatures),
	}
	if len(mo.ID) != len(m.ID) {
		return nil, nil, fmt.Errorf("%w: module ID of %d bytes", ErrCorruptObject, len(mo.ID))
	}
	copy(m.ID[:], mo.ID)
	if err := m.BuildExportIndex(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptObject, err)
	}
	if err := checkModule(m); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptObject, err)
	}
	if len(o.Functions) != len(m.FunctionSection) {
		return nil, nil, fmt.Errorf("%w: %d functions for %d declared", ErrCorruptObject, len(o.Functions), len(m.FunctionSection))
	}

	functions := make([]*ir.Function, len(o.Functions))
	for fi := range o.Functions {
		of := &o.Functions[fi]
		ft := m.TypeOfFunction(of.Index)
		if ft == nil || of.Index != m.ImportFuncCount()+uint32(fi) {
			return nil, nil, fmt.Errorf("%w: function[%d] out of place", ErrCorruptObject, of.Index)
		}
		f := &ir.Function{Index: of.Index, Type: ft, NumLocals: of.NumLocals, NumRegs: of.NumRegs,
			Blocks: make([]*ir.Block, len(of.Blocks)), Allocated: true}
		for bi := range of.Blocks {
			ob := &of.Blocks[bi]
			b := &ir.Block{Instrs: make([]ir.Instr, len(ob.Instrs))}
			for ii := range ob.Instrs {
				oi := &ob.Instrs[ii]
				b.Instrs[ii] = ir.Instr{Kind: oi.Kind, Opcode: oi.Opcode, Misc: oi.Misc, Dst: oi.Dst, A: oi.A, B: oi.B,
					C: oi.C, Imm: oi.Imm, Args: oi.Args, Rets: oi.Rets, Offset: oi.Offset}
			}
			t := &ob.Term
			b.Term = ir.Terminator{Kind: t.Kind, Cond: t.Cond, Targets: t.Targets, Results: t.Results, Offset: t.Offset}
			f.Blocks[bi] = b
		}
		functions[fi] = f
	}

	for _, r := range o.Relocations {
		if int(r.Symbol) >= len(o.Symbols) || int(r.Function) >= len(functions) {
			return nil, nil, fmt.Errorf("%w: relocation out of range", ErrCorruptObject)
		}
		f := functions[r.Function]
		if int(r.Block) >= len(f.Blocks) || int(r.Instr) >= len(f.Blocks[r.Block].Instrs) {
			return nil, nil, fmt.Errorf("%w: relocation out of range", ErrCorruptObject)
		}
		in := &f.Blocks[r.Block].Instrs[r.Instr]
		if in.Kind != ir.InstrCall {
			return nil, nil, fmt.Errorf("%w: relocation of %s", ErrCorruptObject, in.Kind)
		}
		callee, err := resolve(m, &o.Symbols[r.Symbol])
		if err != nil {
			return nil, nil, err
		}
		in.Imm = uint64(callee)
	}
	for _, f := range functions {
		if err := checkFunction(m, f); err != nil {
			return nil, nil, fmt.Errorf("%w: function[%d]: %v", ErrCorruptObject, f.Index, err)
		}
	}
	return m, functions, nil
}

// checkModule rejects indices that instantiation would follow out of the module.
func checkModule(m *wasm.Module) error {
	types := uint32(len(m.TypeSection))
	for i := range m.ImportSection {
		if m.ImportSection[i].DescFunc >= types {
			return fmt.Errorf("import[%d] of type %d out of range", i, m.ImportSection[i].DescFunc)
		}
	}
	for i, typeIdx := range m.FunctionSection {
		if typeIdx >= types {
			return fmt.Errorf("function section [%d] of type %d out of range", i, typeIdx)
		}
	}
	funcs := m.FunctionCount()
	for i := range m.ExportSection {
		e := &m.ExportSection[i]
		var ok bool
		switch e.Type {
		case wasm.ExternTypeFunc:
			ok = e.Index < funcs
		case wasm.ExternTypeTable:
			ok = e.Index == 0 && m.TableSection != nil
		case wasm.ExternTypeMemory:
			ok = e.Index == 0 && m.MemorySection != nil
		case wasm.ExternTypeGlobal:
			ok = e.Index < uint32(len(m.GlobalSection))
		}
		if !ok {
			return fmt.Errorf("export %q out of range", e.Name)
		}
	}
	if m.StartSection != nil {
		if ft := m.TypeOfFunction(*m.StartSection); ft == nil || len(ft.Params) != 0 || len(ft.Results) != 0 {
			return fmt.Errorf("invalid start function[%d]", *m.StartSection)
		}
	}
	for i := range m.ElementSection {
		for _, funcIdx := range m.ElementSection[i].Init {
			if funcIdx >= funcs {
				return fmt.Errorf("element[%d] references function[%d] out of range", i, funcIdx)
			}
		}
	}
	return nil
}

// checkFunction rejects instructions whose operands are outside the module: globals, memory, the table, callees
// and their types. The frame layout is checked when the function is prepared for execution.
func checkFunction(m *wasm.Module, f *ir.Function) error {
	for bi, b := range f.Blocks {
		for ii := range b.Instrs {
			in := &b.Instrs[ii]
			if err := checkInstr(m, in); err != nil {
				return fmt.Errorf("block %d instruction %d: %s: %w", bi, ii, in.Kind, err)
			}
		}
	}
	return nil
}

func checkInstr(m *wasm.Module, in *ir.Instr) error {
	switch in.Kind {
	case ir.InstrUnary, ir.InstrBinary:
		arity := 1
		if in.Kind == ir.InstrBinary {
			arity = 2
		}
		if wasm.NumericSignatureOf(in.Opcode, in.Misc) == nil || arith.Arity(in.Opcode, in.Misc) != arity {
			return fmt.Errorf("invalid opcode %#x", in.Opcode)
		}
	case ir.InstrGlobalGet, ir.InstrGlobalSet:
		if in.Imm >= uint64(len(m.GlobalSection)) {
			return fmt.Errorf("global %d out of range", in.Imm)
		}
		if in.Kind == ir.InstrGlobalSet && !m.GlobalSection[in.Imm].Type.Mutable {
			return fmt.Errorf("global %d is immutable", in.Imm)
		}
	case ir.InstrLoad, ir.InstrStore, ir.InstrMemorySize, ir.InstrMemoryGrow:
		if m.MemorySection == nil {
			return errors.New("no memory")
		}
		if in.Kind == ir.InstrLoad && !wasm.IsLoad(in.Opcode) || in.Kind == ir.InstrStore && !wasm.IsStore(in.Opcode) {
			return fmt.Errorf("invalid opcode %#x", in.Opcode)
		}
	case ir.InstrCall:
		if in.Imm >= uint64(m.FunctionCount()) {
			return fmt.Errorf("callee %d out of range", in.Imm)
		}
		return checkCall(m.TypeOfFunction(wasm.Index(in.Imm)), in)
	case ir.InstrCallIndirect:
		if m.TableSection == nil {
			return errors.New("no table")
		}
		if in.Imm >= uint64(len(m.TypeSection)) {
			return fmt.Errorf("type %d out of range", in.Imm)
		}
		return checkCall(&m.TypeSection[in.Imm], in)
	}
	return nil
}

func checkCall(ft *wasm.FunctionType, in *ir.Instr) error {
	if ft == nil {
		return errors.New("callee without type")
	}
	if len(in.Args) != len(ft.Params) || len(in.Rets) != len(ft.Results) {
		return fmt.Errorf("%d arguments and %d results for %s", len(in.Args), len(in.Rets), ft)
	}
	return nil
}

func resolve(m *wasm.Module, s *symbol) (wasm.Index, error) {
	if s.Defined {
		if s.Index < m.ImportFuncCount() || s.Index >= m.FunctionCount() {
			return 0, fmt.Errorf("%w: symbol of function[%d] out of range", ErrCorruptObject, s.Index)
		}
		return s.Index, nil
	}
	for i := range m.ImportSection {
		if imp := &m.ImportSection[i]; imp.Module == s.Module && imp.Name == s.Name {
			return wasm.Index(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unresolved symbol %s.%s", ErrCorruptObject, s.Module, s.Name)
}

func crc(body []byte) uint32 { return crc32.ChecksumIEEE(body) }
