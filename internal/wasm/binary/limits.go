package binary

import (
	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/leb128"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// decodeLimitsType returns the wasm.Limits decoded with the WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#limits%E2%91%A6
func decodeLimitsType(r *reader) (*wasm.Limits, error) {
	at := r.pos()
	flag, err := r.readByte("limits flag")
	if err != nil {
		return nil, err
	}
	ret := &wasm.Limits{}
	switch flag {
	case 0x00, 0x01:
		if ret.Min, err = r.u32("min of limit"); err != nil {
			return nil, err
		}
		if flag == 0x01 {
			max, err := r.u32("max of limit")
			if err != nil {
				return nil, err
			}
			ret.Max = &max
		}
	case 0x02, 0x03:
		return nil, &wasm.FeatureError{Feature: api.FeatureName(api.CoreFeatureThreads), Offset: at}
	default:
		return nil, malformed(at, "invalid byte for limits: %#x != 0x00 or 0x01", flag)
	}
	return ret, nil
}

func decodeMemoryType(r *reader) (*wasm.Memory, error) {
	at := r.pos()
	ret, err := decodeLimitsType(r)
	if err != nil {
		return nil, err
	}
	if ret.Min > wasm.MemoryLimitPages {
		return nil, invalid(api.KindInvalidLimits, at, "memory min %d pages (%s) over limit of %d pages (%s)",
			ret.Min, wasm.PagesToUnitOfBytes(ret.Min), wasm.MemoryLimitPages, wasm.PagesToUnitOfBytes(wasm.MemoryLimitPages))
	}
	if ret.Max != nil {
		if *ret.Max > wasm.MemoryLimitPages {
			return nil, invalid(api.KindInvalidLimits, at, "memory max %d pages (%s) over limit of %d pages (%s)",
				*ret.Max, wasm.PagesToUnitOfBytes(*ret.Max), wasm.MemoryLimitPages, wasm.PagesToUnitOfBytes(wasm.MemoryLimitPages))
		}
		if ret.Min > *ret.Max {
			return nil, invalid(api.KindInvalidLimits, at, "memory min %d pages > max %d pages", ret.Min, *ret.Max)
		}
	}
	return ret, nil
}

func decodeTableType(r *reader) (*wasm.Table, error) {
	at := r.pos()
	elemType, err := r.readByte("table element type")
	if err != nil {
		return nil, err
	}
	switch elemType {
	case wasm.ElemTypeFuncref:
	case valueTypeExternref:
		return nil, &wasm.FeatureError{Feature: api.FeatureName(api.CoreFeatureReferenceTypes), Offset: at}
	default:
		return nil, malformed(at, "invalid table element type %#x != funcref", elemType)
	}
	at = r.pos()
	ret, err := decodeLimitsType(r)
	if err != nil {
		return nil, err
	}
	if ret.Max != nil && ret.Min > *ret.Max {
		return nil, invalid(api.KindInvalidLimits, at, "table min %d > max %d", ret.Min, *ret.Max)
	}
	return ret, nil
}

// encodeLimitsType returns the wasm.Limits encoded in WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#limits%E2%91%A6
func encodeLimitsType(l *wasm.Limits) []byte {
	if l.Max == nil {
		return append(leb128.EncodeUint32(0x00), leb128.EncodeUint32(l.Min)...)
	}
	return append(append(leb128.EncodeUint32(0x01), leb128.EncodeUint32(l.Min)...), leb128.EncodeUint32(*l.Max)...)
}
