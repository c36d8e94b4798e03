package wasm

import (
	"crypto/sha256"
	"fmt"

	"github.com/tetratelabs/tierwasm/api"
)

// Index is the offset in an index namespace, not necessarily an absolute position in a Module section. This is
// because index namespaces are often preceded by a corresponding type in the Module.ImportSection.
//
// For example, the function index namespace starts with any ExternTypeFunc in the Module.ImportSection followed by
// the Module.FunctionSection
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-index
type Index = uint32

// ValueType is an alias of api.ValueType defined to simplify imports.
type ValueType = api.ValueType

const (
	ValueTypeI32 = api.ValueTypeI32
	ValueTypeI64 = api.ValueTypeI64
	ValueTypeF32 = api.ValueTypeF32
	ValueTypeF64 = api.ValueTypeF64
)

// ExternType is an alias of api.ExternType defined to simplify imports.
type ExternType = api.ExternType

const (
	ExternTypeFunc   = api.ExternTypeFunc
	ExternTypeTable  = api.ExternTypeTable
	ExternTypeMemory = api.ExternTypeMemory
	ExternTypeGlobal = api.ExternTypeGlobal
)

// ElemTypeFuncref is the only table element type in WebAssembly 1.0 (20191205).
const ElemTypeFuncref = 0x70

// ModuleID is the sha256 of the source binary.
type ModuleID = [sha256.Size]byte

// Module is a decoded and validated WebAssembly module. It is immutable once returned by the decoder.
//
// Differences from the specification:
//   - Only function imports exist. Other import kinds are rejected while decoding.
//   - Function bodies are held as validated Instruction sequences instead of bytes.
//   - The NameSection keeps only function names.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#modules%E2%91%A8
type Module struct {
	// TypeSection contains the unique FunctionType of functions imported or defined in this module.
	TypeSection []FunctionType

	// ImportSection contains the imported functions required for instantiation.
	ImportSection []Import

	// FunctionSection contains the index in TypeSection of each function defined in this module.
	//
	// Note: The function Index namespace begins with imported functions and ends with those defined in this module.
	// FunctionSection is index correlated with the CodeSection.
	FunctionSection []Index

	// TableSection is the FuncRef table, or nil when none is defined.
	TableSection *Table

	// MemorySection is the linear memory, or nil when none is defined.
	MemorySection *Memory

	GlobalSection []Global

	// ExportSection is in the order of the binary. Names are unique.
	ExportSection []Export

	// StartSection is the index of a function called during instantiation, or nil.
	StartSection *Index

	ElementSection []ElementSegment

	// CodeSection is index correlated with FunctionSection.
	CodeSection []Code

	DataSection []DataSegment

	// NameSection is set from the custom "name" section, when present.
	NameSection *NameSection

	// ID is the sha256 of the binary this module was decoded from.
	ID ModuleID

	// UsedFeatures are the post-MVP features that the module uses.
	UsedFeatures api.CoreFeatures

	// exports indexes ExportSection by name.
	exports map[string]*Export
}

// FunctionType is a possibly empty function signature.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-types%E2%91%A0
type FunctionType struct {
	Params, Results []ValueType
}

// EqualsSignature returns true if the function type has the same parameters and results.
func (f *FunctionType) EqualsSignature(params, results []ValueType) bool {
	return bytesEqual(f.Params, params) && bytesEqual(f.Results, results)
}

// API returns the public view of the signature.
func (f *FunctionType) API() api.FunctionType {
	return api.FunctionType{Params: f.Params, Results: f.Results}
}

func (f *FunctionType) String() string {
	return f.API().String()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Import is a function the host must supply before instantiation.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#import-section%E2%91%A0
type Import struct {
	Module, Name string
	// DescFunc is the index in Module.TypeSection.
	DescFunc Index
}

// Export is a name bound to an entity in an index namespace.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#export-section%E2%91%A0
type Export struct {
	Type  ExternType
	Name  string
	Index Index
}

// Limits are the size bounds of a memory (in pages) or table (in elements).
type Limits struct {
	Min uint32
	// Max is nil when unbounded.
	Max *uint32
}

// Table is the only table of WebAssembly 1.0 (20191205), holding function references.
type Table = Limits

// Memory is the linear memory definition, in pages.
type Memory = Limits

// GlobalType is the type of a global variable.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Global is a global defined in this module with its initializer.
type Global struct {
	Type GlobalType
	Init ConstantExpression
}

// ConstantExpression is a single constant instruction used to initialize globals and segment offsets.
type ConstantExpression struct {
	// Opcode is one of the const instructions or OpcodeGlobalGet.
	Opcode Opcode
	// Value is the constant bits, or the global index when Opcode is OpcodeGlobalGet.
	Value uint64
}

// ElementSegment initializes a range of the table with function indices.
type ElementSegment struct {
	OffsetExpr ConstantExpression
	Init       []Index
	// Offset is the byte offset of the segment in the binary, for diagnostics.
	Offset uint64
}

// DataSegment initializes a range of memory.
type DataSegment struct {
	OffsetExpr ConstantExpression
	Init       []byte
	Offset     uint64
}

// Code is the validated body of a function defined in this module.
type Code struct {
	// LocalTypes are the types of locals following the parameters.
	LocalTypes []ValueType
	// Body is the validated instruction sequence, ending with the function's OpcodeEnd.
	Body []Instruction
	// MaxStackHeight is the deepest operand stack the body reaches, in values.
	MaxStackHeight uint32
	// BodyOffset is the byte offset of the first instruction in the binary.
	BodyOffset uint64
}

// NameSection holds the function names of the custom "name" section.
type NameSection struct {
	ModuleName    string
	FunctionNames map[Index]string
}

// SectionID identifies the sections of a Module in the WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
type SectionID = byte

const (
	// SectionIDCustom includes the standard defined NameSection and possibly others not defined in the standard.
	SectionIDCustom SectionID = iota
	SectionIDType
	SectionIDImport
	SectionIDFunction
	SectionIDTable
	SectionIDMemory
	SectionIDGlobal
	SectionIDExport
	SectionIDStart
	SectionIDElement
	SectionIDCode
	SectionIDData
	// SectionIDDataCount belongs to bulk memory operations.
	SectionIDDataCount
)

// SectionIDName returns the canonical name of a module section.
func SectionIDName(sectionID SectionID) string {
	switch sectionID {
	case SectionIDCustom:
		return "custom"
	case SectionIDType:
		return "type"
	case SectionIDImport:
		return "import"
	case SectionIDFunction:
		return "function"
	case SectionIDTable:
		return "table"
	case SectionIDMemory:
		return "memory"
	case SectionIDGlobal:
		return "global"
	case SectionIDExport:
		return "export"
	case SectionIDStart:
		return "start"
	case SectionIDElement:
		return "element"
	case SectionIDCode:
		return "code"
	case SectionIDData:
		return "data"
	case SectionIDDataCount:
		return "data_count"
	}
	return "unknown"
}

// ImportFuncCount returns the number of imported functions, which precede defined ones in the function index
// namespace.
func (m *Module) ImportFuncCount() uint32 {
	return uint32(len(m.ImportSection))
}

// FunctionCount returns the size of the function index namespace.
func (m *Module) FunctionCount() uint32 {
	return m.ImportFuncCount() + uint32(len(m.FunctionSection))
}

// TypeOfFunction returns the signature of the function at the index in the function namespace, or nil if out of
// range.
func (m *Module) TypeOfFunction(funcIdx Index) *FunctionType {
	var typeIdx Index
	if imported := m.ImportFuncCount(); funcIdx < imported {
		typeIdx = m.ImportSection[funcIdx].DescFunc
	} else if defined := funcIdx - imported; defined < uint32(len(m.FunctionSection)) {
		typeIdx = m.FunctionSection[defined]
	} else {
		return nil
	}
	if typeIdx >= uint32(len(m.TypeSection)) {
		return nil
	}
	return &m.TypeSection[typeIdx]
}

// BuildExportIndex indexes ExportSection by name. Decoders call this once after the export section is read.
func (m *Module) BuildExportIndex() error {
	m.exports = make(map[string]*Export, len(m.ExportSection))
	for i := range m.ExportSection {
		e := &m.ExportSection[i]
		if _, ok := m.exports[e.Name]; ok {
			return fmt.Errorf("export[%d] duplicates name %q", i, e.Name)
		}
		m.exports[e.Name] = e
	}
	return nil
}

// Export returns the export of the given name, or nil.
func (m *Module) Export(name string) *Export {
	if m.exports != nil {
		return m.exports[name]
	}
	for i := range m.ExportSection {
		if m.ExportSection[i].Name == name {
			return &m.ExportSection[i]
		}
	}
	return nil
}

// FunctionName returns the name of the function from the name section, or the empty string.
func (m *Module) FunctionName(funcIdx Index) string {
	if m.NameSection == nil {
		return ""
	}
	return m.NameSection.FunctionNames[funcIdx]
}

// FeatureError is returned by the decoder when a module uses a feature that is not enabled or that this engine
// cannot execute. Callers report it as an api.CompileError of api.KindUnsupported.
type FeatureError struct {
	Feature string
	Offset  uint64
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("feature %q is not supported (at offset %#x)", e.Feature, e.Offset)
}

// EffectiveMax returns the maximum pages of the memory, capped by the engine limit.
func (m *Memory) EffectiveMax(limitPages uint32) uint32 {
	if m.Max != nil && *m.Max < limitPages {
		return *m.Max
	}
	return limitPages
}
