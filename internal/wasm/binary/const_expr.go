package binary

import (
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/leb128"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// Opcodes of reference-types constant expressions.
const (
	opcodeRefNull = 0xd0
	opcodeRefFunc = 0xd2
)

// decodeConstantExpression reads a constant instruction followed by end, and checks it produces the expected type.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#constant-expressions%E2%91%A0
func decodeConstantExpression(r *reader, expected wasm.ValueType) (ret wasm.ConstantExpression, err error) {
	at := r.pos()
	if ret.Opcode, err = r.readByte("constant expression opcode"); err != nil {
		return
	}
	switch ret.Opcode {
	case wasm.OpcodeI32Const:
		var v int32
		if v, _, err = leb128.DecodeInt32(r); err != nil {
			return ret, malformed(at, "read i32.const value: %v", err)
		}
		ret.Value = uint64(uint32(v))
	case wasm.OpcodeI64Const:
		var v int64
		if v, _, err = leb128.DecodeInt64(r); err != nil {
			return ret, malformed(at, "read i64.const value: %v", err)
		}
		ret.Value = uint64(v)
	case wasm.OpcodeF32Const:
		var buf []byte
		if buf, err = r.bytes(4, "f32.const value"); err != nil {
			return
		}
		ret.Value = uint64(binary.LittleEndian.Uint32(buf))
	case wasm.OpcodeF64Const:
		var buf []byte
		if buf, err = r.bytes(8, "f64.const value"); err != nil {
			return
		}
		ret.Value = binary.LittleEndian.Uint64(buf)
	case wasm.OpcodeGlobalGet:
		var idx uint32
		if idx, err = r.u32("global.get index"); err != nil {
			return
		}
		// Only imported globals may be read, and globals cannot be imported.
		return ret, invalid(api.KindIndexOutOfRange, at, "global.get %d in a constant expression refers to no imported global", idx)
	case opcodeRefNull, opcodeRefFunc:
		return ret, &wasm.FeatureError{Feature: api.FeatureName(api.CoreFeatureReferenceTypes), Offset: at}
	default:
		return ret, malformed(at, "invalid opcode for const expression: %#x", ret.Opcode)
	}

	endAt := r.pos()
	if end, err := r.readByte("constant expression end"); err != nil {
		return ret, err
	} else if end != wasm.OpcodeEnd {
		return ret, malformed(endAt, "constant expression not terminated by end")
	}
	if actual := ret.ValueType(); actual != expected {
		return ret, invalid(api.KindTypeMismatch, at, "constant expression type mismatch: expected %s, but was %s",
			api.ValueTypeName(expected), api.ValueTypeName(actual))
	}
	return ret, nil
}

func encodeConstantExpression(c *wasm.ConstantExpression) []byte {
	data := []byte{c.Opcode}
	switch c.Opcode {
	case wasm.OpcodeI32Const:
		data = append(data, leb128.EncodeInt32(int32(uint32(c.Value)))...)
	case wasm.OpcodeI64Const:
		data = append(data, leb128.EncodeInt64(int64(c.Value))...)
	case wasm.OpcodeF32Const:
		data = binary.LittleEndian.AppendUint32(data, uint32(c.Value))
	case wasm.OpcodeF64Const:
		data = binary.LittleEndian.AppendUint64(data, c.Value)
	default:
		panic(fmt.Errorf("invalid opcode for const expression: %#x", c.Opcode))
	}
	return append(data, wasm.OpcodeEnd)
}
