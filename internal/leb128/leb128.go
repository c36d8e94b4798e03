// Package leb128 implements the LEB128 variable-length integer encoding used by the WebAssembly binary format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#integers%E2%91%A4
package leb128

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	continuation = 0x80
	payload      = 0x7f
	signBit      = 0x40
)

var (
	errOverflow32 = errors.New("overflows a 32-bit integer")
	errOverflow33 = errors.New("overflows a 33-bit integer")
	errOverflow64 = errors.New("overflows a 64-bit integer")
)

// EncodeInt32 encodes the signed value into a buffer in LEB128 format.
func EncodeInt32(value int32) []byte {
	return EncodeInt64(int64(value))
}

// EncodeInt64 encodes the signed value into a buffer in LEB128 format.
func EncodeInt64(value int64) (buf []byte) {
	for {
		b := uint8(value & payload)
		value >>= 7
		s := b & signBit
		if (value == 0 && s == 0) || (value == -1 && s != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|continuation)
	}
}

// EncodeUint32 encodes the value into a buffer in LEB128 format.
func EncodeUint32(value uint32) []byte {
	return EncodeUint64(uint64(value))
}

// EncodeUint64 encodes the value into a buffer in LEB128 format.
func EncodeUint64(value uint64) (buf []byte) {
	for {
		b := uint8(value & payload)
		value >>= 7
		if value == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|continuation)
	}
}

// LoadUint32 decodes an unsigned value from the head of buf, returning the value and the bytes consumed.
func LoadUint32(buf []byte) (ret uint32, bytesRead uint64, err error) {
	return DecodeUint32(bytes.NewReader(buf))
}

// LoadUint64 decodes an unsigned value from the head of buf, returning the value and the bytes consumed.
func LoadUint64(buf []byte) (ret uint64, bytesRead uint64, err error) {
	return DecodeUint64(bytes.NewReader(buf))
}

// LoadInt32 decodes a signed value from the head of buf, returning the value and the bytes consumed.
func LoadInt32(buf []byte) (ret int32, bytesRead uint64, err error) {
	return DecodeInt32(bytes.NewReader(buf))
}

// LoadInt64 decodes a signed value from the head of buf, returning the value and the bytes consumed.
func LoadInt64(buf []byte) (ret int64, bytesRead uint64, err error) {
	return DecodeInt64(bytes.NewReader(buf))
}

func DecodeUint32(r io.ByteReader) (ret uint32, bytesRead uint64, err error) {
	v, n, err := decodeUnsigned(r, 32, errOverflow32)
	return uint32(v), n, err
}

func DecodeUint64(r io.ByteReader) (ret uint64, bytesRead uint64, err error) {
	return decodeUnsigned(r, 64, errOverflow64)
}

func DecodeInt32(r io.ByteReader) (ret int32, bytesRead uint64, err error) {
	v, n, err := decodeSigned(r, 32, errOverflow32)
	return int32(v), n, err
}

// DecodeInt33AsInt64 decodes the signed 33-bit integer used by block types.
//
// See https://webassembly.github.io/spec/core/binary/instructions.html#control-instructions
func DecodeInt33AsInt64(r io.ByteReader) (ret int64, bytesRead uint64, err error) {
	return decodeSigned(r, 33, errOverflow33)
}

func DecodeInt64(r io.ByteReader) (ret int64, bytesRead uint64, err error) {
	return decodeSigned(r, 64, errOverflow64)
}

func decodeUnsigned(r io.ByteReader, size uint, overflow error) (ret uint64, bytesRead uint64, err error) {
	maxBytes := (size + 6) / 7
	for shift := uint(0); ; shift += 7 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("readByte failed: %w", err)
		}
		bytesRead++
		if uint(bytesRead) == maxBytes {
			// The final byte carries no continuation and only the bits that fit.
			if b&continuation != 0 || (size%7 != 0 && b>>(size%7) != 0) {
				return 0, 0, overflow
			}
		}
		ret |= uint64(b&payload) << shift
		if b&continuation == 0 {
			return ret, bytesRead, nil
		}
	}
}

func decodeSigned(r io.ByteReader, size uint, overflow error) (ret int64, bytesRead uint64, err error) {
	maxBytes := (size + 6) / 7
	var shift uint
	var b byte
	for {
		if b, err = r.ReadByte(); err != nil {
			return 0, 0, fmt.Errorf("readByte failed: %w", err)
		}
		bytesRead++
		if uint(bytesRead) == maxBytes {
			if b&continuation != 0 {
				return 0, 0, overflow
			}
			// The unused high bits must all equal the sign bit of the value.
			used := size - shift
			mask := byte(payload) >> (used - 1) << (used - 1)
			if v := b & mask; v != 0 && v != mask {
				return 0, 0, overflow
			}
		}
		ret |= int64(b&payload) << shift
		shift += 7
		if b&continuation == 0 {
			break
		}
	}
	if shift < 64 && b&signBit != 0 {
		ret |= -1 << shift
	}
	return ret, bytesRead, nil
}
