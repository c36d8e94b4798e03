package binary

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/leb128"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

var (
	i32 = wasm.ValueTypeI32
	i64 = wasm.ValueTypeI64
	f64 = wasm.ValueTypeF64
)

func u32p(v uint32) *uint32 { return &v }

// addOneModule exports add_one: (i32) -> (i32).
func addOneModule() *wasm.Module {
	return &wasm.Module{
		TypeSection:     []wasm.FunctionType{{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32}}},
		FunctionSection: []wasm.Index{0},
		CodeSection: []wasm.Code{{Body: []wasm.Instruction{
			{Opcode: wasm.OpcodeLocalGet, Imm: 0},
			{Opcode: wasm.OpcodeI32Const, Imm: 1},
			{Opcode: wasm.OpcodeI32Add},
			{Opcode: wasm.OpcodeEnd},
		}}},
		ExportSection: []wasm.Export{{Type: wasm.ExternTypeFunc, Name: "add_one", Index: 0}},
		NameSection:   &wasm.NameSection{ModuleName: "sample", FunctionNames: map[wasm.Index]string{0: "add_one"}},
	}
}

// fullModule uses every section of WebAssembly 1.0 (20191205).
func fullModule() *wasm.Module {
	start := wasm.Index(1)
	return &wasm.Module{
		TypeSection: []wasm.FunctionType{
			{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32}},
			{},
		},
		ImportSection:   []wasm.Import{{Module: "env", Name: "inc", DescFunc: 0}},
		FunctionSection: []wasm.Index{1, 0},
		TableSection:    &wasm.Table{Min: 2, Max: u32p(4)},
		MemorySection:   &wasm.Memory{Min: 1, Max: u32p(2)},
		GlobalSection: []wasm.Global{
			{Type: wasm.GlobalType{ValType: i64, Mutable: true}, Init: wasm.ConstantExpression{Opcode: wasm.OpcodeI64Const, Value: 1 << 40}},
			{Type: wasm.GlobalType{ValType: f64}, Init: wasm.ConstantExpression{Opcode: wasm.OpcodeF64Const, Value: api.EncodeF64(1.5)}},
		},
		ExportSection: []wasm.Export{
			{Type: wasm.ExternTypeFunc, Name: "run", Index: 2},
			{Type: wasm.ExternTypeMemory, Name: "memory", Index: 0},
		},
		StartSection: &start,
		ElementSection: []wasm.ElementSegment{
			{OffsetExpr: wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Value: 0}, Init: []wasm.Index{0, 2}},
		},
		CodeSection: []wasm.Code{
			{Body: []wasm.Instruction{{Opcode: wasm.OpcodeNop}, {Opcode: wasm.OpcodeEnd}}},
			{LocalTypes: []wasm.ValueType{i32, i32, i64}, Body: []wasm.Instruction{
				{Opcode: wasm.OpcodeLocalGet, Imm: 0},
				{Opcode: wasm.OpcodeIf, BlockType: i32},
				{Opcode: wasm.OpcodeI32Const, Imm: uint64(uint32(0xffffffff))},
				{Opcode: wasm.OpcodeElse},
				{Opcode: wasm.OpcodeI32Const, Imm: 8},
				{Opcode: wasm.OpcodeI32Load, Align: 2, Imm: 4},
				{Opcode: wasm.OpcodeEnd},
				{Opcode: wasm.OpcodeLocalGet, Imm: 0},
				{Opcode: wasm.OpcodeI32Const, Imm: 0},
				{Opcode: wasm.OpcodeCallIndirect, Imm: 0},
				{Opcode: wasm.OpcodeI32Add},
				{Opcode: wasm.OpcodeCall, Imm: 0},
				{Opcode: wasm.OpcodeEnd},
			}},
		},
		DataSection: []wasm.DataSegment{
			{OffsetExpr: wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Value: 8}, Init: []byte("hello")},
		},
	}
}

func TestDecodeModule(t *testing.T) {
	tests := []struct {
		name  string
		input *wasm.Module
	}{
		{name: "empty", input: &wasm.Module{}},
		{name: "add_one", input: addOneModule()},
		{name: "all sections", input: fullModule()},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			bin := EncodeModule(tc.input)
			m, err := DecodeModule(bin, api.CoreFeaturesSupported)
			require.NoError(t, err)
			require.Equal(t, bin, EncodeModule(m))

			require.Equal(t, tc.input.TypeSection, m.TypeSection)
			require.Equal(t, tc.input.ImportSection, m.ImportSection)
			require.Equal(t, tc.input.FunctionSection, m.FunctionSection)
			require.Equal(t, tc.input.TableSection, m.TableSection)
			require.Equal(t, tc.input.MemorySection, m.MemorySection)
			require.Equal(t, tc.input.GlobalSection, m.GlobalSection)
			require.Equal(t, tc.input.ExportSection, m.ExportSection)
			require.Equal(t, tc.input.StartSection, m.StartSection)
			require.Equal(t, tc.input.NameSection, m.NameSection)
			require.Equal(t, len(tc.input.CodeSection), len(m.CodeSection))
			for i := range m.CodeSection {
				require.Equal(t, tc.input.CodeSection[i].LocalTypes, m.CodeSection[i].LocalTypes)
			}
			for _, e := range tc.input.ExportSection {
				require.Equal(t, e, *m.Export(e.Name))
			}
		})
	}
}

func TestDecodeModule_Offsets(t *testing.T) {
	bin := EncodeModule(addOneModule())
	m, err := DecodeModule(bin, api.CoreFeaturesV1)
	require.NoError(t, err)

	code := m.CodeSection[0]
	for _, in := range code.Body {
		require.Equal(t, in.Opcode, bin[in.Offset], in.String())
	}
	require.Equal(t, uint64(code.Body[0].Offset), code.BodyOffset)
	require.Equal(t, uint32(2), code.MaxStackHeight)
	require.Equal(t, "add_one", m.FunctionName(0))
}

func TestDecodeModule_Errors(t *testing.T) {
	header := append(append([]byte{}, Magic...), version...)
	withSections := func(sections ...[]byte) []byte {
		bin := append([]byte{}, header...)
		for _, s := range sections {
			bin = append(bin, s...)
		}
		return bin
	}
	typeSection := encodeTypeSection([]wasm.FunctionType{{}})
	funcSection := encodeFunctionSection([]wasm.Index{0})
	memorySection := encodeSection(wasm.SectionIDMemory, append([]byte{1}, encodeLimitsType(&wasm.Memory{Min: 1})...))
	tableSection := encodeSection(wasm.SectionIDTable, append([]byte{1, wasm.ElemTypeFuncref}, encodeLimitsType(&wasm.Table{})...))
	body := func(instructions ...byte) []byte {
		return encodeSection(wasm.SectionIDCode, append([]byte{1}, encodeSizePrefixed(append([]byte{0}, instructions...))...))
	}

	tests := []struct {
		name           string
		input          []byte
		expectedKind   api.Kind
		expectedOffset uint64
	}{
		{name: "empty", input: []byte{}, expectedKind: api.KindMalformed},
		{name: "wrong magic", input: []byte("wasm\x01\x00\x00\x00"), expectedKind: api.KindMalformed},
		{name: "wrong version", input: []byte("\x00asm\x02\x00\x00\x00"), expectedKind: api.KindMalformed, expectedOffset: 4},
		{
			name:           "truncated section",
			input:          withSections([]byte{wasm.SectionIDType, 5, 1}),
			expectedKind:   api.KindMalformed,
			expectedOffset: 10,
		},
		{
			name:           "section size mismatch",
			input:          withSections([]byte{wasm.SectionIDType, 5, 1, 0x60, 0, 0, 0}),
			expectedKind:   api.KindMalformed,
			expectedOffset: 14,
		},
		{
			name:           "section out of order",
			input:          withSections(memorySection, tableSection),
			expectedKind:   api.KindMalformed,
			expectedOffset: uint64(8 + len(memorySection)),
		},
		{
			name:           "duplicate section",
			input:          withSections(typeSection, typeSection),
			expectedKind:   api.KindMalformed,
			expectedOffset: uint64(8 + len(typeSection)),
		},
		{
			name: "bad leb128",
			// type count with five continuation bytes
			input:          withSections([]byte{wasm.SectionIDType, 5, 0xff, 0xff, 0xff, 0xff, 0xff}),
			expectedKind:   api.KindMalformed,
			expectedOffset: 10,
		},
		{
			name:         "function without code",
			input:        withSections(typeSection, funcSection),
			expectedKind: api.KindMalformed,
		},
		{
			name:           "function type index out of range",
			input:          withSections(typeSection, encodeFunctionSection([]wasm.Index{1})),
			expectedKind:   api.KindIndexOutOfRange,
			expectedOffset: uint64(8 + len(typeSection) + 3),
		},
		{
			name:         "memory over limit",
			input:        withSections(encodeSection(wasm.SectionIDMemory, append([]byte{1}, encodeLimitsType(&wasm.Memory{Min: 65537})...))),
			expectedKind: api.KindInvalidLimits,
		},
		{
			name:         "memory min over max",
			input:        withSections(encodeSection(wasm.SectionIDMemory, append([]byte{1}, encodeLimitsType(&wasm.Memory{Min: 2, Max: u32p(1)})...))),
			expectedKind: api.KindInvalidLimits,
		},
		{
			name:         "table min over max",
			input:        withSections(encodeSection(wasm.SectionIDTable, append([]byte{1, wasm.ElemTypeFuncref}, encodeLimitsType(&wasm.Table{Min: 2, Max: u32p(1)})...))),
			expectedKind: api.KindInvalidLimits,
		},
		{
			name: "duplicate export",
			input: withSections(typeSection, funcSection, encodeExportSection([]wasm.Export{
				{Type: wasm.ExternTypeFunc, Name: "f"}, {Type: wasm.ExternTypeFunc, Name: "f"},
			}), body(wasm.OpcodeEnd)),
			expectedKind: api.KindDuplicateExport,
		},
		{
			name:         "export of unknown function",
			input:        withSections(encodeExportSection([]wasm.Export{{Type: wasm.ExternTypeFunc, Name: "f", Index: 0}})),
			expectedKind: api.KindIndexOutOfRange,
		},
		{
			name:         "body type mismatch",
			input:        withSections(typeSection, funcSection, body(wasm.OpcodeI32Const, 0, wasm.OpcodeEnd)),
			expectedKind: api.KindTypeMismatch,
		},
		{
			name:         "body unknown opcode",
			input:        withSections(typeSection, funcSection, body(0x27, wasm.OpcodeEnd)),
			expectedKind: api.KindUnknownOpcode,
		},
		{
			name:         "body local out of range",
			input:        withSections(typeSection, funcSection, body(wasm.OpcodeLocalGet, 0, wasm.OpcodeDrop, wasm.OpcodeEnd)),
			expectedKind: api.KindIndexOutOfRange,
		},
		{
			name:         "body branch out of range",
			input:        withSections(typeSection, funcSection, body(wasm.OpcodeBr, 1, wasm.OpcodeEnd)),
			expectedKind: api.KindIndexOutOfRange,
		},
		{
			name:         "body not terminated",
			input:        withSections(typeSection, funcSection, body(wasm.OpcodeNop)),
			expectedKind: api.KindMalformed,
		},
		{
			name:         "start with params",
			input:        withSections(encodeTypeSection([]wasm.FunctionType{{Params: []wasm.ValueType{i32}}}), funcSection, encodeSection(wasm.SectionIDStart, []byte{0}), body(wasm.OpcodeEnd)),
			expectedKind: api.KindTypeMismatch,
		},
		{
			name: "global initializer type mismatch",
			input: withSections(encodeGlobalSection([]wasm.Global{
				{Type: wasm.GlobalType{ValType: i64}, Init: wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const}},
			})),
			expectedKind: api.KindTypeMismatch,
		},
		{
			name:         "data without memory",
			input:        withSections(encodeDataSection([]wasm.DataSegment{{OffsetExpr: wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const}}})),
			expectedKind: api.KindIndexOutOfRange,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			m, err := DecodeModule(tc.input, api.CoreFeaturesSupported)
			require.Nil(t, m)
			var decodeErr *api.DecodeError
			require.True(t, errors.As(err, &decodeErr), "%v", err)
			require.Equal(t, tc.expectedKind, decodeErr.Kind, decodeErr.Error())
			if tc.expectedOffset != 0 {
				require.Equal(t, tc.expectedOffset, decodeErr.Offset, decodeErr.Error())
			}
		})
	}
}

func TestDecodeModule_Unsupported(t *testing.T) {
	header := append(append([]byte{}, Magic...), version...)
	typeSection := encodeTypeSection([]wasm.FunctionType{{}})
	funcSection := encodeFunctionSection([]wasm.Index{0})
	withBody := func(instructions ...byte) []byte {
		code := encodeSection(wasm.SectionIDCode, append([]byte{1}, encodeSizePrefixed(append([]byte{0}, instructions...))...))
		return append(append(append(append([]byte{}, header...), typeSection...), funcSection...), code...)
	}

	tests := []struct {
		name            string
		input           []byte
		enabled         api.CoreFeatures
		expectedFeature string
	}{
		{
			name: "multi-value result",
			input: append(append([]byte{}, header...),
				encodeTypeSection([]wasm.FunctionType{{Results: []wasm.ValueType{i32, i32}}})...),
			enabled:         api.CoreFeaturesSupported,
			expectedFeature: "multi-value",
		},
		{
			name:            "multi-value block type",
			input:           withBody(wasm.OpcodeBlock, 0x00, wasm.OpcodeEnd, wasm.OpcodeEnd),
			enabled:         api.CoreFeaturesSupported,
			expectedFeature: "multi-value",
		},
		{
			name:            "simd prefix",
			input:           withBody(0xfd, 0x0c, wasm.OpcodeEnd),
			enabled:         api.CoreFeaturesSupported,
			expectedFeature: "simd",
		},
		{
			name:            "simd value type",
			input:           append(append([]byte{}, header...), encodeSection(wasm.SectionIDType, []byte{1, 0x60, 1, 0x7b, 0})...),
			enabled:         api.CoreFeaturesSupported,
			expectedFeature: "simd",
		},
		{
			name:            "threads prefix",
			input:           withBody(0xfe, 0x00, wasm.OpcodeEnd),
			enabled:         api.CoreFeaturesSupported,
			expectedFeature: "threads",
		},
		{
			name:            "bulk memory",
			input:           withBody(wasm.OpcodeMiscPrefix, 0x0b, 0x00, wasm.OpcodeEnd),
			enabled:         api.CoreFeaturesSupported,
			expectedFeature: "bulk-memory-operations",
		},
		{
			name:            "data count section",
			input:           append(append([]byte{}, header...), encodeSection(wasm.SectionIDDataCount, []byte{0})...),
			enabled:         api.CoreFeaturesSupported,
			expectedFeature: "bulk-memory-operations",
		},
		{
			name:            "sign extension disabled",
			input:           withBody(wasm.OpcodeI32Const, 1, wasm.OpcodeI32Extend8S, wasm.OpcodeDrop, wasm.OpcodeEnd),
			enabled:         api.CoreFeaturesV1,
			expectedFeature: "sign-extension-ops",
		},
		{
			name:            "nontrapping conversion disabled",
			input:           withBody(wasm.OpcodeF32Const, 0, 0, 0, 0, wasm.OpcodeMiscPrefix, 0, wasm.OpcodeDrop, wasm.OpcodeEnd),
			enabled:         api.CoreFeaturesV1,
			expectedFeature: "nontrapping-float-to-int-conversion",
		},
		{
			name: "memory import",
			input: append(append([]byte{}, header...),
				encodeSection(wasm.SectionIDImport, []byte{1, 3, 'e', 'n', 'v', 3, 'm', 'e', 'm', wasm.ExternTypeMemory, 0, 1})...),
			enabled:         api.CoreFeaturesSupported,
			expectedFeature: "memory import",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeModule(tc.input, tc.enabled)
			var featureErr *wasm.FeatureError
			require.True(t, errors.As(err, &featureErr), "%v", err)
			require.Equal(t, tc.expectedFeature, featureErr.Feature)
		})
	}
}

func TestDecodeModule_EnabledFeatures(t *testing.T) {
	m := &wasm.Module{
		TypeSection:     []wasm.FunctionType{{Params: []wasm.ValueType{i64}, Results: []wasm.ValueType{i64}}},
		FunctionSection: []wasm.Index{0},
		CodeSection: []wasm.Code{{Body: []wasm.Instruction{
			{Opcode: wasm.OpcodeLocalGet, Imm: 0},
			{Opcode: wasm.OpcodeI64Extend8S},
			{Opcode: wasm.OpcodeEnd},
		}}},
	}
	decoded, err := DecodeModule(EncodeModule(m), api.CoreFeaturesSupported)
	require.NoError(t, err)
	require.Equal(t, api.CoreFeatureSignExtensionOps, decoded.UsedFeatures)
}

func TestDecodeNameSection_SkipsOtherCustomSections(t *testing.T) {
	bin := EncodeModule(addOneModule())
	custom := encodeSection(wasm.SectionIDCustom, append(encodeSizePrefixed([]byte("producers")), 1, 2, 3))
	bin = append(bin[:8], append(custom, bin[8:]...)...)

	m, err := DecodeModule(bin, api.CoreFeaturesV1)
	require.NoError(t, err)
	require.Equal(t, "sample", m.NameSection.ModuleName)
}

func TestEncodeInstruction(t *testing.T) {
	tests := []struct {
		name     string
		input    wasm.Instruction
		expected []byte
	}{
		{name: "i32.const -1", input: wasm.Instruction{Opcode: wasm.OpcodeI32Const, Imm: 0xffffffff}, expected: []byte{0x41, 0x7f}},
		{name: "i64.const", input: wasm.Instruction{Opcode: wasm.OpcodeI64Const, Imm: 128}, expected: append([]byte{0x42}, leb128.EncodeInt64(128)...)},
		{name: "block", input: wasm.Instruction{Opcode: wasm.OpcodeBlock}, expected: []byte{0x02, 0x40}},
		{name: "br_table", input: wasm.Instruction{Opcode: wasm.OpcodeBrTable, Targets: []uint32{0, 1, 2}}, expected: []byte{0x0e, 2, 0, 1, 2}},
		{name: "i32.store", input: wasm.Instruction{Opcode: wasm.OpcodeI32Store, Align: 2, Imm: 16}, expected: []byte{0x36, 2, 16}},
		{name: "memory.grow", input: wasm.Instruction{Opcode: wasm.OpcodeMemoryGrow}, expected: []byte{0x40, 0}},
		{name: "i64.trunc_sat_f64_u", input: wasm.Instruction{Opcode: wasm.OpcodeMiscPrefix, Misc: wasm.OpcodeMiscI64TruncSatF64U}, expected: []byte{0xfc, 7}},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, EncodeInstruction(nil, &tc.input))
		})
	}
}
