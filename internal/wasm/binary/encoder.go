package binary

import (
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/tierwasm/internal/leb128"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// EncodeModule encodes the module in the WebAssembly 1.0 (20191205) Binary Format. Function bodies are encoded from
// their instructions, so only the opcodes and immediates of wasm.Instruction need to be set.
//
// Note: If saving to a file, the conventional extension is wasm
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-format%E2%91%A0
func EncodeModule(m *wasm.Module) (bytes []byte) {
	bytes = append(append([]byte{}, Magic...), version...)
	if len(m.TypeSection) > 0 {
		bytes = append(bytes, encodeTypeSection(m.TypeSection)...)
	}
	if len(m.ImportSection) > 0 {
		bytes = append(bytes, encodeImportSection(m.ImportSection)...)
	}
	if len(m.FunctionSection) > 0 {
		bytes = append(bytes, encodeFunctionSection(m.FunctionSection)...)
	}
	if m.TableSection != nil {
		contents := append([]byte{1, wasm.ElemTypeFuncref}, encodeLimitsType(m.TableSection)...)
		bytes = append(bytes, encodeSection(wasm.SectionIDTable, contents)...)
	}
	if m.MemorySection != nil {
		contents := append([]byte{1}, encodeLimitsType(m.MemorySection)...)
		bytes = append(bytes, encodeSection(wasm.SectionIDMemory, contents)...)
	}
	if len(m.GlobalSection) > 0 {
		bytes = append(bytes, encodeGlobalSection(m.GlobalSection)...)
	}
	if len(m.ExportSection) > 0 {
		bytes = append(bytes, encodeExportSection(m.ExportSection)...)
	}
	if m.StartSection != nil {
		bytes = append(bytes, encodeSection(wasm.SectionIDStart, leb128.EncodeUint32(*m.StartSection))...)
	}
	if len(m.ElementSection) > 0 {
		bytes = append(bytes, encodeElementSection(m.ElementSection)...)
	}
	if len(m.CodeSection) > 0 {
		bytes = append(bytes, encodeCodeSection(m.CodeSection)...)
	}
	if len(m.DataSection) > 0 {
		bytes = append(bytes, encodeDataSection(m.DataSection)...)
	}
	// >> The name section should appear only once in a module, and only after the data section.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-namesec
	if m.NameSection != nil {
		nameSection := append(append([]byte{}, sizePrefixedName...), encodeNameSectionData(m.NameSection)...)
		bytes = append(bytes, encodeSection(wasm.SectionIDCustom, nameSection)...)
	}
	return
}

// encodeSection encodes the sectionID, the size of its contents in bytes, followed by the contents.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
func encodeSection(sectionID wasm.SectionID, contents []byte) []byte {
	return append([]byte{sectionID}, encodeSizePrefixed(contents)...)
}

func encodeVector(sectionID wasm.SectionID, n int, item func(i int) []byte) []byte {
	contents := leb128.EncodeUint32(uint32(n))
	for i := 0; i < n; i++ {
		contents = append(contents, item(i)...)
	}
	return encodeSection(sectionID, contents)
}

// encodeTypeSection encodes a SectionIDType for the given imports in WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#type-section%E2%91%A0
func encodeTypeSection(types []wasm.FunctionType) []byte {
	return encodeVector(wasm.SectionIDType, len(types), func(i int) []byte {
		data := append([]byte{0x60}, encodeValTypes(types[i].Params)...)
		return append(data, encodeValTypes(types[i].Results)...)
	})
}

// encodeImportSection encodes a SectionIDImport for the given imports in WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#import-section%E2%91%A0
func encodeImportSection(imports []wasm.Import) []byte {
	return encodeVector(wasm.SectionIDImport, len(imports), func(i int) []byte {
		data := encodeSizePrefixed([]byte(imports[i].Module))
		data = append(data, encodeSizePrefixed([]byte(imports[i].Name))...)
		data = append(data, wasm.ExternTypeFunc)
		return append(data, leb128.EncodeUint32(imports[i].DescFunc)...)
	})
}

// encodeFunctionSection encodes a SectionIDFunction for the type indices associated with module-defined functions in
// WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-section%E2%91%A0
func encodeFunctionSection(typeIndices []wasm.Index) []byte {
	return encodeVector(wasm.SectionIDFunction, len(typeIndices), func(i int) []byte {
		return leb128.EncodeUint32(typeIndices[i])
	})
}

func encodeGlobalSection(globals []wasm.Global) []byte {
	return encodeVector(wasm.SectionIDGlobal, len(globals), func(i int) []byte {
		g := &globals[i]
		mut := byte(0)
		if g.Type.Mutable {
			mut = 1
		}
		return append([]byte{g.Type.ValType, mut}, encodeConstantExpression(&g.Init)...)
	})
}

// encodeExportSection encodes a SectionIDExport for the given exports in WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#export-section%E2%91%A0
func encodeExportSection(exports []wasm.Export) []byte {
	return encodeVector(wasm.SectionIDExport, len(exports), func(i int) []byte {
		data := append(encodeSizePrefixed([]byte(exports[i].Name)), exports[i].Type)
		return append(data, leb128.EncodeUint32(exports[i].Index)...)
	})
}

func encodeElementSection(elems []wasm.ElementSegment) []byte {
	return encodeVector(wasm.SectionIDElement, len(elems), func(i int) []byte {
		data := append([]byte{0}, encodeConstantExpression(&elems[i].OffsetExpr)...)
		data = append(data, leb128.EncodeUint32(uint32(len(elems[i].Init)))...)
		for _, f := range elems[i].Init {
			data = append(data, leb128.EncodeUint32(f)...)
		}
		return data
	})
}

// encodeCodeSection encodes a SectionIDCode for the module-defined function in WebAssembly 1.0 (20191205) Binary
// Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#code-section%E2%91%A0
func encodeCodeSection(code []wasm.Code) []byte {
	return encodeVector(wasm.SectionIDCode, len(code), func(i int) []byte {
		return encodeSizePrefixed(encodeCode(&code[i]))
	})
}

func encodeDataSection(data []wasm.DataSegment) []byte {
	return encodeVector(wasm.SectionIDData, len(data), func(i int) []byte {
		ret := append([]byte{0}, encodeConstantExpression(&data[i].OffsetExpr)...)
		return append(ret, encodeSizePrefixed(data[i].Init)...)
	})
}

// encodeCode returns the locals and body of a function, with consecutive locals of the same type grouped.
func encodeCode(c *wasm.Code) []byte {
	var groups [][2]uint32
	for _, vt := range c.LocalTypes {
		if n := len(groups); n > 0 && groups[n-1][1] == uint32(vt) {
			groups[n-1][0]++
		} else {
			groups = append(groups, [2]uint32{1, uint32(vt)})
		}
	}
	data := leb128.EncodeUint32(uint32(len(groups)))
	for _, g := range groups {
		data = append(data, leb128.EncodeUint32(g[0])...)
		data = append(data, byte(g[1]))
	}
	for i := range c.Body {
		data = EncodeInstruction(data, &c.Body[i])
	}
	return data
}

// EncodeInstruction appends the binary encoding of the instruction to buf.
func EncodeInstruction(buf []byte, in *wasm.Instruction) []byte {
	buf = append(buf, in.Opcode)
	switch op := in.Opcode; op {
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		bt := in.BlockType
		if bt == 0 {
			bt = wasm.BlockTypeEmpty
		}
		buf = append(buf, bt)
	case wasm.OpcodeBr, wasm.OpcodeBrIf, wasm.OpcodeCall, wasm.OpcodeLocalGet, wasm.OpcodeLocalSet,
		wasm.OpcodeLocalTee, wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
		buf = append(buf, leb128.EncodeUint32(uint32(in.Imm))...)
	case wasm.OpcodeBrTable:
		buf = append(buf, leb128.EncodeUint32(uint32(len(in.Targets)-1))...)
		for _, t := range in.Targets {
			buf = append(buf, leb128.EncodeUint32(t)...)
		}
	case wasm.OpcodeCallIndirect:
		buf = append(buf, leb128.EncodeUint32(uint32(in.Imm))...)
		buf = append(buf, 0)
	case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		buf = append(buf, 0)
	case wasm.OpcodeI32Const:
		buf = append(buf, leb128.EncodeInt32(int32(uint32(in.Imm)))...)
	case wasm.OpcodeI64Const:
		buf = append(buf, leb128.EncodeInt64(int64(in.Imm))...)
	case wasm.OpcodeF32Const:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(in.Imm))
	case wasm.OpcodeF64Const:
		buf = binary.LittleEndian.AppendUint64(buf, in.Imm)
	case wasm.OpcodeMiscPrefix:
		buf = append(buf, leb128.EncodeUint32(uint32(in.Misc))...)
	default:
		if wasm.IsLoad(op) || wasm.IsStore(op) {
			buf = append(buf, leb128.EncodeUint32(in.Align)...)
			buf = append(buf, leb128.EncodeUint32(uint32(in.Imm))...)
		} else if wasm.InstructionName(op) == "" {
			panic(fmt.Errorf("invalid opcode %#x", op))
		}
	}
	return buf
}
