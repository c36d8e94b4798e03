package wasm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/leb128"
)

// valueTypeUnknown is the type of a value popped in unreachable code, which matches any type.
const valueTypeUnknown ValueType = 0

// maximumValuesOnStack bounds the operand stack of a single function to keep compiled frames reasonable.
const maximumValuesOnStack = 1 << 27

// controlFrame is a block, loop, if or the function body itself during validation.
type controlFrame struct {
	op Opcode
	// result is the result type or BlockTypeEmpty.
	result byte
	// height is the operand stack height when the frame was entered.
	height int
	// unreachable is set after an unconditional branch, until the frame ends.
	unreachable bool
	// start is the position of the opening instruction in the body.
	start int
}

func (f *controlFrame) labelTypes() []ValueType {
	if f.op == OpcodeLoop || f.result == BlockTypeEmpty {
		return nil
	}
	return []ValueType{f.result}
}

func (f *controlFrame) resultTypes() []ValueType {
	if f.result == BlockTypeEmpty {
		return nil
	}
	return []ValueType{f.result}
}

type functionValidator struct {
	m        *Module
	enabled  api.CoreFeatures
	funcType *FunctionType
	locals   []ValueType

	r          *bytes.Reader
	bodyOffset uint64
	bodyLen    int

	stack    []ValueType
	frames   []controlFrame
	maxStack int

	// offset is the byte offset of the instruction under validation.
	offset uint64
}

// ValidateFunctionBody decodes and type-checks the expression of the function at defined index idx. The localTypes
// are the declared locals not including parameters. bodyOffset is the byte offset of expr in the module binary.
//
// Errors are *api.DecodeError, or *FeatureError when the body uses a feature not enabled or not supported.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#valid%E2%91%A0
func (m *Module) ValidateFunctionBody(enabled api.CoreFeatures, idx Index, localTypes []ValueType, expr []byte, bodyOffset uint64) (*Code, error) {
	ft := m.TypeOfFunction(m.ImportFuncCount() + idx)
	if ft == nil {
		return nil, &api.DecodeError{Phase: api.PhaseValidate, Kind: api.KindIndexOutOfRange, Offset: bodyOffset,
			Detail: fmt.Sprintf("function[%d] has no type", idx)}
	}
	v := &functionValidator{
		m:          m,
		enabled:    enabled,
		funcType:   ft,
		locals:     append(append([]ValueType{}, ft.Params...), localTypes...),
		r:          bytes.NewReader(expr),
		bodyOffset: bodyOffset,
		bodyLen:    len(expr),
	}
	result := byte(BlockTypeEmpty)
	if len(ft.Results) == 1 {
		result = ft.Results[0]
	}
	v.frames = append(v.frames, controlFrame{op: OpcodeBlock, result: result, start: -1})

	body, err := v.validate()
	if err != nil {
		return nil, err
	}
	return &Code{LocalTypes: localTypes, Body: body, MaxStackHeight: uint32(v.maxStack), BodyOffset: bodyOffset}, nil
}

func (v *functionValidator) pos() uint64 {
	return v.bodyOffset + uint64(v.bodyLen-v.r.Len())
}

func (v *functionValidator) errorf(kind api.Kind, format string, args ...interface{}) error {
	phase := api.PhaseValidate
	if kind == api.KindMalformed || kind == api.KindUnknownOpcode {
		phase = api.PhaseDecode
	}
	return &api.DecodeError{Phase: phase, Kind: kind, Offset: v.offset, Detail: fmt.Sprintf(format, args...)}
}

func (v *functionValidator) featureError(f api.CoreFeatures) error {
	return &FeatureError{Feature: api.FeatureName(f), Offset: v.offset}
}

func (v *functionValidator) requireFeature(f api.CoreFeatures) error {
	if !v.enabled.IsEnabled(f) {
		return v.featureError(f)
	}
	v.m.UsedFeatures |= f
	return nil
}

func (v *functionValidator) push(t ValueType) error {
	v.stack = append(v.stack, t)
	if len(v.stack) > v.maxStack {
		v.maxStack = len(v.stack)
		if v.maxStack > maximumValuesOnStack {
			return v.errorf(api.KindMalformed, "function may have %d values on stack, which exceeds %d", v.maxStack, maximumValuesOnStack)
		}
	}
	return nil
}

func (v *functionValidator) pop() (ValueType, error) {
	top := &v.frames[len(v.frames)-1]
	if len(v.stack) == top.height {
		if top.unreachable {
			return valueTypeUnknown, nil
		}
		return 0, v.errorf(api.KindTypeMismatch, "type mismatch: stack is empty")
	}
	t := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return t, nil
}

func (v *functionValidator) popExpect(expected ValueType) error {
	actual, err := v.pop()
	if err != nil {
		return err
	}
	if actual != valueTypeUnknown && expected != valueTypeUnknown && actual != expected {
		return v.errorf(api.KindTypeMismatch, "type mismatch: expected %s, but was %s",
			api.ValueTypeName(expected), api.ValueTypeName(actual))
	}
	return nil
}

// popValues pops the given types in reverse order.
func (v *functionValidator) popValues(types []ValueType) error {
	for i := len(types) - 1; i >= 0; i-- {
		if err := v.popExpect(types[i]); err != nil {
			return err
		}
	}
	return nil
}

// checkValues verifies the top of the stack matches the types without consuming them.
func (v *functionValidator) checkValues(types []ValueType) error {
	if err := v.popValues(types); err != nil {
		return err
	}
	for _, t := range types {
		if err := v.push(t); err != nil {
			return err
		}
	}
	return nil
}

func (v *functionValidator) setUnreachable() {
	top := &v.frames[len(v.frames)-1]
	v.stack = v.stack[:top.height]
	top.unreachable = true
}

func (v *functionValidator) label(depth uint32) (*controlFrame, error) {
	if int(depth) >= len(v.frames) {
		return nil, v.errorf(api.KindIndexOutOfRange, "invalid br depth %d >= %d", depth, len(v.frames))
	}
	return &v.frames[len(v.frames)-1-int(depth)], nil
}

func (v *functionValidator) readU32(what string) (uint32, error) {
	ret, _, err := leb128.DecodeUint32(v.r)
	if err != nil {
		return 0, v.errorf(api.KindMalformed, "read %s: %v", what, err)
	}
	return ret, nil
}

func (v *functionValidator) readBlockType() (byte, error) {
	b, err := v.r.ReadByte()
	if err != nil {
		return 0, v.errorf(api.KindMalformed, "read block type: %v", err)
	}
	switch b {
	case BlockTypeEmpty, ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64:
		return b, nil
	case 0x7b:
		return 0, v.featureError(api.CoreFeatureSIMD)
	case 0x70, 0x6f:
		return 0, v.featureError(api.CoreFeatureReferenceTypes)
	}
	if err = v.r.UnreadByte(); err != nil {
		return 0, v.errorf(api.KindMalformed, "read block type: %v", err)
	}
	idx, _, err := leb128.DecodeInt33AsInt64(v.r)
	if err != nil || idx < 0 {
		return 0, v.errorf(api.KindMalformed, "invalid block type: %#x", b)
	}
	return 0, v.featureError(api.CoreFeatureMultiValue)
}

func (v *functionValidator) validate() (body []Instruction, err error) {
	for {
		v.offset = v.pos()
		op, err := v.r.ReadByte()
		if err == io.EOF {
			return nil, v.errorf(api.KindMalformed, "function body not terminated by end")
		} else if err != nil {
			return nil, v.errorf(api.KindMalformed, "read opcode: %v", err)
		}
		in := Instruction{Opcode: op, Offset: uint32(v.offset), Else: -1, End: -1}

		if err = v.validateInstruction(&in, body); err != nil {
			return nil, err
		}
		body = append(body, in)

		if op == OpcodeEnd && len(v.frames) == 0 {
			if v.r.Len() != 0 {
				v.offset = v.pos()
				return nil, v.errorf(api.KindMalformed, "%d bytes follow the end of the function body", v.r.Len())
			}
			return body, nil
		}
	}
}

// validateInstruction reads the immediates of in and applies its typing rule. body holds the instructions validated
// so far, so that block instructions can be linked to their else and end.
func (v *functionValidator) validateInstruction(in *Instruction, body []Instruction) (err error) {
	self := len(body)
	op := in.Opcode
	switch op {
	case OpcodeUnreachable:
		v.setUnreachable()
	case OpcodeNop:
	case OpcodeBlock, OpcodeLoop:
		if in.BlockType, err = v.readBlockType(); err != nil {
			return err
		}
		v.frames = append(v.frames, controlFrame{op: op, result: in.BlockType, height: len(v.stack), start: self})
	case OpcodeIf:
		if in.BlockType, err = v.readBlockType(); err != nil {
			return err
		}
		if err = v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		v.frames = append(v.frames, controlFrame{op: op, result: in.BlockType, height: len(v.stack), start: self})
	case OpcodeElse:
		top := &v.frames[len(v.frames)-1]
		if top.op != OpcodeIf || top.start < 0 || body[top.start].Else >= 0 {
			return v.errorf(api.KindMalformed, "else without matching if")
		}
		if err = v.endOfFrame(top); err != nil {
			return err
		}
		body[top.start].Else = self
		top.unreachable = false
	case OpcodeEnd:
		top := v.frames[len(v.frames)-1]
		if err = v.endOfFrame(&top); err != nil {
			return err
		}
		if top.op == OpcodeIf && top.result != BlockTypeEmpty && body[top.start].Else < 0 {
			return v.errorf(api.KindTypeMismatch, "type mismatch: if without else must not produce %s",
				api.ValueTypeName(top.result))
		}
		v.frames = v.frames[:len(v.frames)-1]
		if top.start >= 0 {
			body[top.start].End = self
			if e := body[top.start].Else; e >= 0 {
				body[e].End = self
			}
		}
		for _, t := range top.resultTypes() {
			if err = v.push(t); err != nil {
				return err
			}
		}
	case OpcodeBr:
		depth, err := v.readU32("br depth")
		if err != nil {
			return err
		}
		target, err := v.label(depth)
		if err != nil {
			return err
		}
		if err = v.popValues(target.labelTypes()); err != nil {
			return err
		}
		in.Imm = uint64(depth)
		v.setUnreachable()
	case OpcodeBrIf:
		depth, err := v.readU32("br_if depth")
		if err != nil {
			return err
		}
		target, err := v.label(depth)
		if err != nil {
			return err
		}
		if err = v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err = v.checkValues(target.labelTypes()); err != nil {
			return err
		}
		in.Imm = uint64(depth)
	case OpcodeBrTable:
		count, err := v.readU32("br_table size")
		if err != nil {
			return err
		}
		if int(count) > v.r.Len() {
			return v.errorf(api.KindMalformed, "br_table size %d exceeds the remaining body", count)
		}
		in.Targets = make([]uint32, count+1)
		for i := range in.Targets {
			if in.Targets[i], err = v.readU32("br_table target"); err != nil {
				return err
			}
		}
		if err = v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		def, err := v.label(in.Targets[count])
		if err != nil {
			return err
		}
		arity := len(def.labelTypes())
		for _, depth := range in.Targets[:count] {
			target, err := v.label(depth)
			if err != nil {
				return err
			}
			if len(target.labelTypes()) != arity {
				return v.errorf(api.KindTypeMismatch, "type mismatch: br_table target %d has arity %d, but default has %d",
					depth, len(target.labelTypes()), arity)
			}
			if err = v.checkValues(target.labelTypes()); err != nil {
				return err
			}
		}
		if err = v.popValues(def.labelTypes()); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeReturn:
		if err = v.popValues(v.funcType.Results); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeCall:
		idx, err := v.readU32("call index")
		if err != nil {
			return err
		}
		ft := v.m.TypeOfFunction(idx)
		if ft == nil {
			return v.errorf(api.KindIndexOutOfRange, "invalid function index %d", idx)
		}
		in.Imm = uint64(idx)
		return v.applySignature(ft)
	case OpcodeCallIndirect:
		typeIdx, err := v.readU32("call_indirect type index")
		if err != nil {
			return err
		}
		table, err := v.r.ReadByte()
		if err != nil {
			return v.errorf(api.KindMalformed, "read call_indirect table index: %v", err)
		} else if table != 0 {
			return v.featureError(api.CoreFeatureReferenceTypes)
		}
		if v.m.TableSection == nil {
			return v.errorf(api.KindIndexOutOfRange, "call_indirect without a table")
		}
		if typeIdx >= uint32(len(v.m.TypeSection)) {
			return v.errorf(api.KindIndexOutOfRange, "invalid type index %d", typeIdx)
		}
		if err = v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		in.Imm = uint64(typeIdx)
		return v.applySignature(&v.m.TypeSection[typeIdx])
	case OpcodeDrop:
		_, err = v.pop()
		return err
	case OpcodeSelect:
		if err = v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		t1, err := v.pop()
		if err != nil {
			return err
		}
		t2, err := v.pop()
		if err != nil {
			return err
		}
		if t1 != valueTypeUnknown && t2 != valueTypeUnknown && t1 != t2 {
			return v.errorf(api.KindTypeMismatch, "type mismatch: select of %s and %s",
				api.ValueTypeName(t1), api.ValueTypeName(t2))
		}
		if t1 == valueTypeUnknown {
			t1 = t2
		}
		return v.push(t1)
	case OpcodeLocalGet, OpcodeLocalSet, OpcodeLocalTee:
		idx, err := v.readU32("local index")
		if err != nil {
			return err
		}
		if idx >= uint32(len(v.locals)) {
			return v.errorf(api.KindIndexOutOfRange, "invalid local index %d >= %d", idx, len(v.locals))
		}
		in.Imm = uint64(idx)
		t := v.locals[idx]
		switch op {
		case OpcodeLocalGet:
			return v.push(t)
		case OpcodeLocalSet:
			return v.popExpect(t)
		default:
			return v.checkValues([]ValueType{t})
		}
	case OpcodeGlobalGet, OpcodeGlobalSet:
		idx, err := v.readU32("global index")
		if err != nil {
			return err
		}
		if idx >= uint32(len(v.m.GlobalSection)) {
			return v.errorf(api.KindIndexOutOfRange, "invalid global index %d >= %d", idx, len(v.m.GlobalSection))
		}
		in.Imm = uint64(idx)
		gt := v.m.GlobalSection[idx].Type
		if op == OpcodeGlobalGet {
			return v.push(gt.ValType)
		}
		if !gt.Mutable {
			return v.errorf(api.KindTypeMismatch, "global.set on immutable global %d", idx)
		}
		return v.popExpect(gt.ValType)
	case OpcodeMemorySize, OpcodeMemoryGrow:
		if b, err := v.r.ReadByte(); err != nil {
			return v.errorf(api.KindMalformed, "read memory index: %v", err)
		} else if b != 0 {
			return v.featureError(api.CoreFeatureBulkMemoryOperations)
		}
		if v.m.MemorySection == nil {
			return v.errorf(api.KindIndexOutOfRange, "%s without a memory", InstructionName(op))
		}
		if op == OpcodeMemoryGrow {
			if err = v.popExpect(ValueTypeI32); err != nil {
				return err
			}
		}
		return v.push(ValueTypeI32)
	case OpcodeI32Const:
		c, _, err := leb128.DecodeInt32(v.r)
		if err != nil {
			return v.errorf(api.KindMalformed, "read i32.const: %v", err)
		}
		in.Imm = uint64(uint32(c))
		return v.push(ValueTypeI32)
	case OpcodeI64Const:
		c, _, err := leb128.DecodeInt64(v.r)
		if err != nil {
			return v.errorf(api.KindMalformed, "read i64.const: %v", err)
		}
		in.Imm = uint64(c)
		return v.push(ValueTypeI64)
	case OpcodeF32Const:
		var buf [4]byte
		if _, err = io.ReadFull(v.r, buf[:]); err != nil {
			return v.errorf(api.KindMalformed, "read f32.const: %v", err)
		}
		in.Imm = uint64(binary.LittleEndian.Uint32(buf[:]))
		return v.push(ValueTypeF32)
	case OpcodeF64Const:
		var buf [8]byte
		if _, err = io.ReadFull(v.r, buf[:]); err != nil {
			return v.errorf(api.KindMalformed, "read f64.const: %v", err)
		}
		in.Imm = binary.LittleEndian.Uint64(buf[:])
		return v.push(ValueTypeF64)
	case OpcodeMiscPrefix:
		misc, err := v.readU32("misc opcode")
		if err != nil {
			return err
		}
		if misc > uint32(OpcodeMiscI64TruncSatF64U) {
			return v.featureError(api.CoreFeatureBulkMemoryOperations)
		}
		if err = v.requireFeature(api.CoreFeatureNonTrappingFloatToIntConversion); err != nil {
			return err
		}
		in.Misc = OpcodeMisc(misc)
		return v.applyNumeric(NumericSignatureOf(op, in.Misc))
	default:
		if IsLoad(op) || IsStore(op) {
			return v.validateMemoryAccess(in)
		}
		if op >= OpcodeI32Extend8S && op <= OpcodeI64Extend32S {
			if err = v.requireFeature(api.CoreFeatureSignExtensionOps); err != nil {
				return err
			}
		}
		if sig := NumericSignatureOf(op, 0); sig != nil {
			return v.applyNumeric(sig)
		}
		return v.unknownOpcode(op)
	}
	return nil
}

// endOfFrame checks the frame's results are exactly on top of its stack and resets the stack to its height.
func (v *functionValidator) endOfFrame(f *controlFrame) error {
	if err := v.popValues(f.resultTypes()); err != nil {
		return err
	}
	if len(v.stack) != f.height {
		return v.errorf(api.KindTypeMismatch, "type mismatch: %d values remain on the stack at the end of the block",
			len(v.stack)-f.height)
	}
	return nil
}

func (v *functionValidator) applySignature(ft *FunctionType) error {
	if err := v.popValues(ft.Params); err != nil {
		return err
	}
	for _, t := range ft.Results {
		if err := v.push(t); err != nil {
			return err
		}
	}
	return nil
}

func (v *functionValidator) applyNumeric(sig *NumericSignature) error {
	if err := v.popValues(sig.Params); err != nil {
		return err
	}
	return v.push(sig.Result)
}

func (v *functionValidator) validateMemoryAccess(in *Instruction) (err error) {
	if v.m.MemorySection == nil {
		return v.errorf(api.KindIndexOutOfRange, "%s without a memory", InstructionName(in.Opcode))
	}
	if in.Align, err = v.readU32("memarg alignment"); err != nil {
		return err
	}
	offset, err := v.readU32("memarg offset")
	if err != nil {
		return err
	}
	in.Imm = uint64(offset)
	size, t := MemoryAccessOf(in.Opcode)
	if in.Align >= 32 || 1<<in.Align > size {
		return v.errorf(api.KindTypeMismatch, "invalid memory alignment %d for %s", in.Align, InstructionName(in.Opcode))
	}
	if IsLoad(in.Opcode) {
		if err = v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		return v.push(t)
	}
	if err = v.popExpect(t); err != nil {
		return err
	}
	return v.popExpect(ValueTypeI32)
}

func (v *functionValidator) unknownOpcode(op Opcode) error {
	switch op {
	case opcodeTry, opcodeCatch, opcodeThrow, opcodeRethrow, opcodeDelegate, opcodeCatchAll:
		return v.featureError(api.CoreFeatureExceptionHandling)
	case opcodeReturnCall, opcodeReturnCallIn:
		return v.featureError(api.CoreFeatureTailCall)
	case opcodeTypedSelect, opcodeTableGet, opcodeTableSet, opcodeRefNull, opcodeRefIsNull, opcodeRefFunc:
		return v.featureError(api.CoreFeatureReferenceTypes)
	case opcodeVecPrefix:
		return v.featureError(api.CoreFeatureSIMD)
	case opcodeAtomicPrefix:
		return v.featureError(api.CoreFeatureThreads)
	}
	return v.errorf(api.KindUnknownOpcode, "invalid instruction %#x", op)
}
