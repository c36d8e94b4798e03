package binary

import (
	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/leb128"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// Value types of proposals this engine does not implement, recognized to report them by name.
const (
	valueTypeV128      = 0x7b
	valueTypeFuncref   = 0x70
	valueTypeExternref = 0x6f
)

func decodeValueTypes(r *reader, num uint32) ([]wasm.ValueType, error) {
	if num == 0 {
		return nil, nil
	}
	at := r.pos()
	buf, err := r.bytes(num, "value types")
	if err != nil {
		return nil, err
	}
	for i, v := range buf {
		if err = checkValueType(v, at+uint64(i)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func checkValueType(v byte, offset uint64) error {
	switch v {
	case wasm.ValueTypeI32, wasm.ValueTypeF32, wasm.ValueTypeI64, wasm.ValueTypeF64:
		return nil
	case valueTypeV128:
		return &wasm.FeatureError{Feature: api.FeatureName(api.CoreFeatureSIMD), Offset: offset}
	case valueTypeFuncref, valueTypeExternref:
		return &wasm.FeatureError{Feature: api.FeatureName(api.CoreFeatureReferenceTypes), Offset: offset}
	}
	return malformed(offset, "invalid value type: %#x", v)
}

var noValType = []byte{0}

// encodedValTypes is a cache of size prefixed binary encoding of known val types.
var encodedValTypes = map[wasm.ValueType][]byte{
	wasm.ValueTypeI32: {1, wasm.ValueTypeI32},
	wasm.ValueTypeI64: {1, wasm.ValueTypeI64},
	wasm.ValueTypeF32: {1, wasm.ValueTypeF32},
	wasm.ValueTypeF64: {1, wasm.ValueTypeF64},
}

// encodeValTypes fast paths binary encoding of common value type lengths
func encodeValTypes(vt []wasm.ValueType) []byte {
	switch len(vt) {
	case 0:
		return noValType
	case 1:
		if encoded, ok := encodedValTypes[vt[0]]; ok {
			return encoded
		}
	}
	count := leb128.EncodeUint32(uint32(len(vt)))
	return append(count, vt...)
}

// encodeSizePrefixed encodes the data with its length as a uint32 prefix.
func encodeSizePrefixed(data []byte) []byte {
	size := leb128.EncodeUint32(uint32(len(data)))
	return append(size, data...)
}
