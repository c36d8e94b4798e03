package binary

import (
	"fmt"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// maximumLocals bounds the locals of one function, including parameters.
const maximumLocals = 50000

func decodeTypeSection(r *reader) ([]wasm.FunctionType, error) {
	vs, err := r.vecSize("type")
	if err != nil {
		return nil, err
	}
	result := make([]wasm.FunctionType, vs)
	for i := uint32(0); i < vs; i++ {
		if err = decodeFunctionType(r, &result[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func decodeFunctionType(r *reader, ft *wasm.FunctionType) error {
	at := r.pos()
	form, err := r.readByte("function type form")
	if err != nil {
		return err
	}
	if form != 0x60 {
		return malformed(at, "invalid function type form: %#x != 0x60", form)
	}
	s, err := r.u32("parameter count")
	if err != nil {
		return err
	}
	if ft.Params, err = decodeValueTypes(r, s); err != nil {
		return err
	}
	resultsAt := r.pos()
	if s, err = r.u32("result count"); err != nil {
		return err
	}
	if s > 1 {
		return &wasm.FeatureError{Feature: api.FeatureName(api.CoreFeatureMultiValue), Offset: resultsAt}
	}
	ft.Results, err = decodeValueTypes(r, s)
	return err
}

func (d *decoder) decodeImportSection(r *reader) ([]wasm.Import, error) {
	vs, err := r.vecSize("import")
	if err != nil {
		return nil, err
	}
	result := make([]wasm.Import, vs)
	for i := uint32(0); i < vs; i++ {
		if err = d.decodeImport(r, &result[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// decodeImport reads a function import. Other import kinds are reported as unsupported: an instance here owns its
// memory, table and globals.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-import
func (d *decoder) decodeImport(r *reader, i *wasm.Import) (err error) {
	if i.Module, err = r.utf8("import module"); err != nil {
		return err
	}
	if i.Name, err = r.utf8("import name"); err != nil {
		return err
	}
	at := r.pos()
	kind, err := r.readByte("import kind")
	if err != nil {
		return err
	}
	switch kind {
	case wasm.ExternTypeFunc:
		idxAt := r.pos()
		if i.DescFunc, err = r.u32("import func type index"); err != nil {
			return err
		}
		if i.DescFunc >= uint32(len(d.m.TypeSection)) {
			return invalid(api.KindIndexOutOfRange, idxAt, "import %s.%s: invalid type index %d", i.Module, i.Name, i.DescFunc)
		}
	case wasm.ExternTypeTable, wasm.ExternTypeMemory, wasm.ExternTypeGlobal:
		return &wasm.FeatureError{Feature: api.ExternTypeName(kind) + " import", Offset: at}
	default:
		return malformed(at, "invalid byte for importdesc: %#x", kind)
	}
	return nil
}

func (d *decoder) decodeFunctionSection(r *reader) ([]wasm.Index, error) {
	vs, err := r.vecSize("function")
	if err != nil {
		return nil, err
	}
	result := make([]wasm.Index, vs)
	for i := uint32(0); i < vs; i++ {
		at := r.pos()
		if result[i], err = r.u32("function type index"); err != nil {
			return nil, err
		}
		if result[i] >= uint32(len(d.m.TypeSection)) {
			return nil, invalid(api.KindIndexOutOfRange, at, "function[%d]: invalid type index %d", i, result[i])
		}
	}
	return result, nil
}

func decodeTableSection(r *reader) (*wasm.Table, error) {
	at := r.pos()
	vs, err := r.vecSize("table")
	if err != nil {
		return nil, err
	}
	switch vs {
	case 0:
		return nil, nil
	case 1:
		return decodeTableType(r)
	}
	return nil, &wasm.FeatureError{Feature: api.FeatureName(api.CoreFeatureReferenceTypes), Offset: at}
}

func decodeMemorySection(r *reader) (*wasm.Memory, error) {
	at := r.pos()
	vs, err := r.vecSize("memory")
	if err != nil {
		return nil, err
	}
	switch vs {
	case 0:
		return nil, nil
	case 1:
		return decodeMemoryType(r)
	}
	return nil, &wasm.FeatureError{Feature: "multi-memory", Offset: at}
}

func (d *decoder) decodeGlobalSection(r *reader) ([]wasm.Global, error) {
	vs, err := r.vecSize("global")
	if err != nil {
		return nil, err
	}
	result := make([]wasm.Global, vs)
	for i := uint32(0); i < vs; i++ {
		g := &result[i]
		at := r.pos()
		vt, err := r.readByte("global value type")
		if err != nil {
			return nil, err
		}
		if err = checkValueType(vt, at); err != nil {
			return nil, err
		}
		at = r.pos()
		mut, err := r.readByte("global mutability")
		if err != nil {
			return nil, err
		}
		if mut > 1 {
			return nil, malformed(at, "invalid global mutability: %#x", mut)
		}
		g.Type = wasm.GlobalType{ValType: vt, Mutable: mut == 1}
		if g.Init, err = decodeConstantExpression(r, vt); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (d *decoder) decodeExportSection(r *reader) ([]wasm.Export, error) {
	vs, err := r.vecSize("export")
	if err != nil {
		return nil, err
	}
	result := make([]wasm.Export, vs)
	names := make(map[string]struct{}, vs)
	for i := uint32(0); i < vs; i++ {
		e := &result[i]
		at := r.pos()
		if e.Name, err = r.utf8("export name"); err != nil {
			return nil, err
		}
		if _, ok := names[e.Name]; ok {
			return nil, invalid(api.KindDuplicateExport, at, "export[%d] duplicates name %q", i, e.Name)
		}
		names[e.Name] = struct{}{}

		kindAt := r.pos()
		if e.Type, err = r.readByte("export kind"); err != nil {
			return nil, err
		}
		idxAt := r.pos()
		if e.Index, err = r.u32("export index"); err != nil {
			return nil, err
		}
		var count uint32
		switch e.Type {
		case wasm.ExternTypeFunc:
			count = d.m.FunctionCount()
		case wasm.ExternTypeTable:
			if d.m.TableSection != nil {
				count = 1
			}
		case wasm.ExternTypeMemory:
			if d.m.MemorySection != nil {
				count = 1
			}
		case wasm.ExternTypeGlobal:
			count = uint32(len(d.m.GlobalSection))
		default:
			return nil, malformed(kindAt, "invalid byte for exportdesc: %#x", e.Type)
		}
		if e.Index >= count {
			return nil, invalid(api.KindIndexOutOfRange, idxAt, "export %q: unknown %s %d", e.Name,
				api.ExternTypeName(e.Type), e.Index)
		}
	}
	return result, nil
}

func (d *decoder) decodeStartSection(r *reader) (*wasm.Index, error) {
	at := r.pos()
	idx, err := r.u32("start function index")
	if err != nil {
		return nil, err
	}
	ft := d.m.TypeOfFunction(idx)
	if ft == nil {
		return nil, invalid(api.KindIndexOutOfRange, at, "invalid start function index %d", idx)
	}
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return nil, invalid(api.KindTypeMismatch, at, "start function must have an empty (nullary) signature: %s", ft)
	}
	return &idx, nil
}

// decodeElementSection reads the active segments of WebAssembly 1.0 (20191205). The other segment kinds belong to
// bulk memory operations.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#element-section%E2%91%A0
func (d *decoder) decodeElementSection(r *reader) ([]wasm.ElementSegment, error) {
	vs, err := r.vecSize("element")
	if err != nil {
		return nil, err
	}
	result := make([]wasm.ElementSegment, vs)
	for i := uint32(0); i < vs; i++ {
		seg := &result[i]
		seg.Offset = r.pos()
		flag, err := r.u32("element segment table index")
		if err != nil {
			return nil, err
		}
		switch {
		case flag == 0:
		case flag < 8:
			return nil, &wasm.FeatureError{Feature: api.FeatureName(api.CoreFeatureBulkMemoryOperations), Offset: seg.Offset}
		default:
			return nil, malformed(seg.Offset, "invalid element segment prefix %#x", flag)
		}
		if d.m.TableSection == nil {
			return nil, invalid(api.KindIndexOutOfRange, seg.Offset, "element[%d] refers to table 0, which does not exist", i)
		}
		if seg.OffsetExpr, err = decodeConstantExpression(r, wasm.ValueTypeI32); err != nil {
			return nil, err
		}
		n, err := r.vecSize("element function index")
		if err != nil {
			return nil, err
		}
		seg.Init = make([]wasm.Index, n)
		for j := range seg.Init {
			at := r.pos()
			if seg.Init[j], err = r.u32("element function index"); err != nil {
				return nil, err
			}
			if seg.Init[j] >= d.m.FunctionCount() {
				return nil, invalid(api.KindIndexOutOfRange, at, "element[%d].init[%d]: invalid function index %d", i, j, seg.Init[j])
			}
		}
	}
	return result, nil
}

func (d *decoder) decodeCodeSection(r *reader) ([]wasm.Code, error) {
	at := r.pos()
	vs, err := r.vecSize("code")
	if err != nil {
		return nil, err
	}
	if int(vs) != len(d.m.FunctionSection) {
		return nil, malformed(at, "function and code section have inconsistent lengths: %d != %d",
			len(d.m.FunctionSection), vs)
	}
	result := make([]wasm.Code, vs)
	for i := uint32(0); i < vs; i++ {
		code, err := d.decodeCode(r, i)
		if err != nil {
			return nil, err
		}
		result[i] = *code
	}
	return result, nil
}

// decodeCode reads the locals of a function and validates its body.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-code
func (d *decoder) decodeCode(r *reader, idx wasm.Index) (*wasm.Code, error) {
	size, err := r.u32("code size")
	if err != nil {
		return nil, err
	}
	codeAt := r.pos()
	data, err := r.bytes(size, "code body")
	if err != nil {
		return nil, err
	}
	cr := newReader(data, codeAt)

	groups, err := cr.vecSize("local group")
	if err != nil {
		return nil, err
	}
	ft := &d.m.TypeSection[d.m.FunctionSection[idx]]
	total := uint64(len(ft.Params))
	var localTypes []wasm.ValueType
	for g := uint32(0); g < groups; g++ {
		at := cr.pos()
		n, err := cr.u32("local count")
		if err != nil {
			return nil, err
		}
		if total += uint64(n); total > maximumLocals {
			return nil, malformed(at, "function[%d] has too many locals: %d > %d", idx, total, maximumLocals)
		}
		at = cr.pos()
		vt, err := cr.readByte("local type")
		if err != nil {
			return nil, err
		}
		if err = checkValueType(vt, at); err != nil {
			return nil, err
		}
		for j := uint32(0); j < n; j++ {
			localTypes = append(localTypes, vt)
		}
	}

	bodyAt := cr.pos()
	code, err := d.m.ValidateFunctionBody(d.enabled, idx, localTypes, data[cr.size-cr.Len():], bodyAt)
	if err != nil {
		return nil, err
	}
	return code, nil
}

// decodeDataSection reads the active segments of WebAssembly 1.0 (20191205).
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#data-section%E2%91%A0
func (d *decoder) decodeDataSection(r *reader) ([]wasm.DataSegment, error) {
	vs, err := r.vecSize("data")
	if err != nil {
		return nil, err
	}
	result := make([]wasm.DataSegment, vs)
	for i := uint32(0); i < vs; i++ {
		seg := &result[i]
		seg.Offset = r.pos()
		flag, err := r.u32("data segment memory index")
		if err != nil {
			return nil, err
		}
		switch flag {
		case 0:
		case 1, 2:
			return nil, &wasm.FeatureError{Feature: api.FeatureName(api.CoreFeatureBulkMemoryOperations), Offset: seg.Offset}
		default:
			return nil, malformed(seg.Offset, "invalid data segment prefix %#x", flag)
		}
		if d.m.MemorySection == nil {
			return nil, invalid(api.KindIndexOutOfRange, seg.Offset, "data[%d] refers to memory 0, which does not exist", i)
		}
		if seg.OffsetExpr, err = decodeConstantExpression(r, wasm.ValueTypeI32); err != nil {
			return nil, err
		}
		n, err := r.u32("data size")
		if err != nil {
			return nil, err
		}
		if seg.Init, err = r.bytes(n, fmt.Sprintf("data[%d]", i)); err != nil {
			return nil, err
		}
	}
	return result, nil
}
