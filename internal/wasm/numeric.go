package wasm

// NumericSignature is the operand and result types of a numeric instruction.
type NumericSignature struct {
	Params []ValueType
	Result ValueType
}

var (
	sigI32I32 = &NumericSignature{Params: []ValueType{ValueTypeI32}, Result: ValueTypeI32}
	sigI64I64 = &NumericSignature{Params: []ValueType{ValueTypeI64}, Result: ValueTypeI64}
	sigF32F32 = &NumericSignature{Params: []ValueType{ValueTypeF32}, Result: ValueTypeF32}
	sigF64F64 = &NumericSignature{Params: []ValueType{ValueTypeF64}, Result: ValueTypeF64}
	sigI64I32 = &NumericSignature{Params: []ValueType{ValueTypeI64}, Result: ValueTypeI32}
	sigF32I32 = &NumericSignature{Params: []ValueType{ValueTypeF32}, Result: ValueTypeI32}
	sigF64I32 = &NumericSignature{Params: []ValueType{ValueTypeF64}, Result: ValueTypeI32}
	sigI32I64 = &NumericSignature{Params: []ValueType{ValueTypeI32}, Result: ValueTypeI64}
	sigF32I64 = &NumericSignature{Params: []ValueType{ValueTypeF32}, Result: ValueTypeI64}
	sigF64I64 = &NumericSignature{Params: []ValueType{ValueTypeF64}, Result: ValueTypeI64}
	sigI32F32 = &NumericSignature{Params: []ValueType{ValueTypeI32}, Result: ValueTypeF32}
	sigI64F32 = &NumericSignature{Params: []ValueType{ValueTypeI64}, Result: ValueTypeF32}
	sigF64F32 = &NumericSignature{Params: []ValueType{ValueTypeF64}, Result: ValueTypeF32}
	sigI32F64 = &NumericSignature{Params: []ValueType{ValueTypeI32}, Result: ValueTypeF64}
	sigI64F64 = &NumericSignature{Params: []ValueType{ValueTypeI64}, Result: ValueTypeF64}
	sigF32F64 = &NumericSignature{Params: []ValueType{ValueTypeF32}, Result: ValueTypeF64}

	sigI32x2I32 = &NumericSignature{Params: []ValueType{ValueTypeI32, ValueTypeI32}, Result: ValueTypeI32}
	sigI64x2I32 = &NumericSignature{Params: []ValueType{ValueTypeI64, ValueTypeI64}, Result: ValueTypeI32}
	sigF32x2I32 = &NumericSignature{Params: []ValueType{ValueTypeF32, ValueTypeF32}, Result: ValueTypeI32}
	sigF64x2I32 = &NumericSignature{Params: []ValueType{ValueTypeF64, ValueTypeF64}, Result: ValueTypeI32}
	sigI64x2I64 = &NumericSignature{Params: []ValueType{ValueTypeI64, ValueTypeI64}, Result: ValueTypeI64}
	sigF32x2F32 = &NumericSignature{Params: []ValueType{ValueTypeF32, ValueTypeF32}, Result: ValueTypeF32}
	sigF64x2F64 = &NumericSignature{Params: []ValueType{ValueTypeF64, ValueTypeF64}, Result: ValueTypeF64}
)

var numericSignatures [256]*NumericSignature

var miscSignatures = [8]*NumericSignature{
	OpcodeMiscI32TruncSatF32S: sigF32I32,
	OpcodeMiscI32TruncSatF32U: sigF32I32,
	OpcodeMiscI32TruncSatF64S: sigF64I32,
	OpcodeMiscI32TruncSatF64U: sigF64I32,
	OpcodeMiscI64TruncSatF32S: sigF32I64,
	OpcodeMiscI64TruncSatF32U: sigF32I64,
	OpcodeMiscI64TruncSatF64S: sigF64I64,
	OpcodeMiscI64TruncSatF64U: sigF64I64,
}

func init() {
	fill := func(from, to Opcode, sig *NumericSignature) {
		for op := int(from); op <= int(to); op++ {
			numericSignatures[op] = sig
		}
	}
	fill(OpcodeI32Eqz, OpcodeI32Eqz, sigI32I32)
	fill(OpcodeI32Eq, OpcodeI32GeU, sigI32x2I32)
	fill(OpcodeI64Eqz, OpcodeI64Eqz, sigI64I32)
	fill(OpcodeI64Eq, OpcodeI64GeU, sigI64x2I32)
	fill(OpcodeF32Eq, OpcodeF32Ge, sigF32x2I32)
	fill(OpcodeF64Eq, OpcodeF64Ge, sigF64x2I32)
	fill(OpcodeI32Clz, OpcodeI32Popcnt, sigI32I32)
	fill(OpcodeI32Add, OpcodeI32Rotr, sigI32x2I32)
	fill(OpcodeI64Clz, OpcodeI64Popcnt, sigI64I64)
	fill(OpcodeI64Add, OpcodeI64Rotr, sigI64x2I64)
	fill(OpcodeF32Abs, OpcodeF32Sqrt, sigF32F32)
	fill(OpcodeF32Add, OpcodeF32Copysign, sigF32x2F32)
	fill(OpcodeF64Abs, OpcodeF64Sqrt, sigF64F64)
	fill(OpcodeF64Add, OpcodeF64Copysign, sigF64x2F64)

	fill(OpcodeI32WrapI64, OpcodeI32WrapI64, sigI64I32)
	fill(OpcodeI32TruncF32S, OpcodeI32TruncF32U, sigF32I32)
	fill(OpcodeI32TruncF64S, OpcodeI32TruncF64U, sigF64I32)
	fill(OpcodeI64ExtendI32S, OpcodeI64ExtendI32U, sigI32I64)
	fill(OpcodeI64TruncF32S, OpcodeI64TruncF32U, sigF32I64)
	fill(OpcodeI64TruncF64S, OpcodeI64TruncF64U, sigF64I64)
	fill(OpcodeF32ConvertI32S, OpcodeF32ConvertI32U, sigI32F32)
	fill(OpcodeF32ConvertI64S, OpcodeF32ConvertI64U, sigI64F32)
	fill(OpcodeF32DemoteF64, OpcodeF32DemoteF64, sigF64F32)
	fill(OpcodeF64ConvertI32S, OpcodeF64ConvertI32U, sigI32F64)
	fill(OpcodeF64ConvertI64S, OpcodeF64ConvertI64U, sigI64F64)
	fill(OpcodeF64PromoteF32, OpcodeF64PromoteF32, sigF32F64)
	fill(OpcodeI32ReinterpretF32, OpcodeI32ReinterpretF32, sigF32I32)
	fill(OpcodeI64ReinterpretF64, OpcodeI64ReinterpretF64, sigF64I64)
	fill(OpcodeF32ReinterpretI32, OpcodeF32ReinterpretI32, sigI32F32)
	fill(OpcodeF64ReinterpretI64, OpcodeF64ReinterpretI64, sigI64F64)

	fill(OpcodeI32Extend8S, OpcodeI32Extend16S, sigI32I32)
	fill(OpcodeI64Extend8S, OpcodeI64Extend32S, sigI64I64)
}

// NumericSignatureOf returns the signature of a numeric instruction, or nil if the instruction is not numeric.
// Numeric instructions pop their operands, push one result and have no other effect besides possibly trapping.
func NumericSignatureOf(op Opcode, misc OpcodeMisc) *NumericSignature {
	if op == OpcodeMiscPrefix {
		if int(misc) < len(miscSignatures) {
			return miscSignatures[misc]
		}
		return nil
	}
	return numericSignatures[op]
}

// IsNumeric returns true if the instruction has a NumericSignature.
func (i *Instruction) IsNumeric() bool {
	return NumericSignatureOf(i.Opcode, i.Misc) != nil
}

type memoryAccess struct {
	size    uint32
	valType ValueType
}

var memoryAccesses = map[Opcode]memoryAccess{
	OpcodeI32Load:    {4, ValueTypeI32},
	OpcodeI64Load:    {8, ValueTypeI64},
	OpcodeF32Load:    {4, ValueTypeF32},
	OpcodeF64Load:    {8, ValueTypeF64},
	OpcodeI32Load8S:  {1, ValueTypeI32},
	OpcodeI32Load8U:  {1, ValueTypeI32},
	OpcodeI32Load16S: {2, ValueTypeI32},
	OpcodeI32Load16U: {2, ValueTypeI32},
	OpcodeI64Load8S:  {1, ValueTypeI64},
	OpcodeI64Load8U:  {1, ValueTypeI64},
	OpcodeI64Load16S: {2, ValueTypeI64},
	OpcodeI64Load16U: {2, ValueTypeI64},
	OpcodeI64Load32S: {4, ValueTypeI64},
	OpcodeI64Load32U: {4, ValueTypeI64},
	OpcodeI32Store:   {4, ValueTypeI32},
	OpcodeI64Store:   {8, ValueTypeI64},
	OpcodeF32Store:   {4, ValueTypeF32},
	OpcodeF64Store:   {8, ValueTypeF64},
	OpcodeI32Store8:  {1, ValueTypeI32},
	OpcodeI32Store16: {2, ValueTypeI32},
	OpcodeI64Store8:  {1, ValueTypeI64},
	OpcodeI64Store16: {2, ValueTypeI64},
	OpcodeI64Store32: {4, ValueTypeI64},
}

// MemoryAccessOf returns the width in bytes and the value type loaded or stored by a memory instruction.
func MemoryAccessOf(op Opcode) (size uint32, valType ValueType) {
	a := memoryAccesses[op]
	return a.size, a.valType
}
