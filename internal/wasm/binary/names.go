package binary

import (
	"io"
	"sort"

	"github.com/tetratelabs/tierwasm/internal/leb128"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

const (
	// subsectionIDModuleName contains only the module name.
	subsectionIDModuleName = uint8(0)
	// subsectionIDFunctionNames is a map of indices to function names, in ascending order by function index
	subsectionIDFunctionNames = uint8(1)
)

// decodeCustomSection keeps the "name" section and skips any other custom section.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#custom-section%E2%91%A0
func (d *decoder) decodeCustomSection(r *reader) error {
	at := r.pos()
	name, err := r.utf8("custom section name")
	if err != nil {
		return err
	}
	if name != "name" {
		_, _ = r.Seek(0, io.SeekEnd)
		return nil
	}
	if d.m.NameSection != nil {
		return malformed(at, "redundant custom section %s", name)
	}
	d.m.NameSection, err = decodeNameSection(r)
	return err
}

// decodeNameSection decodes the module and function names of the "name" custom section. Local names are skipped.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-namesec
func decodeNameSection(r *reader) (*wasm.NameSection, error) {
	result := &wasm.NameSection{}
	for r.Len() > 0 {
		id, _ := r.readByte("subsection id")
		size, err := r.u32("subsection size")
		if err != nil {
			return nil, err
		}
		at := r.pos()
		data, err := r.bytes(size, "subsection")
		if err != nil {
			return nil, err
		}
		sr := newReader(data, at)
		switch id {
		case subsectionIDModuleName:
			if result.ModuleName, err = sr.utf8("module name"); err != nil {
				return nil, err
			}
		case subsectionIDFunctionNames:
			if result.FunctionNames, err = decodeFunctionNames(sr); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func decodeFunctionNames(r *reader) (map[wasm.Index]string, error) {
	vs, err := r.vecSize("function names")
	if err != nil {
		return nil, err
	}
	result := make(map[wasm.Index]string, vs)
	for i := uint32(0); i < vs; i++ {
		idx, err := r.u32("function index")
		if err != nil {
			return nil, err
		}
		if result[idx], err = r.utf8("function name"); err != nil {
			return nil, err
		}
	}
	return result, nil
}

var sizePrefixedName = []byte{4, 'n', 'a', 'm', 'e'}

// encodeNameSectionData serializes the data for the "name" key in wasm.SectionIDCustom according to the
// standard:
//
// Note: The result can be nil because this does not encode empty subsections
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-namesec
func encodeNameSectionData(n *wasm.NameSection) (data []byte) {
	if n.ModuleName != "" {
		data = append(data, encodeNameSubsection(subsectionIDModuleName, encodeSizePrefixed([]byte(n.ModuleName)))...)
	}
	if len(n.FunctionNames) > 0 {
		indices := make([]wasm.Index, 0, len(n.FunctionNames))
		for idx := range n.FunctionNames {
			indices = append(indices, idx)
		}
		sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
		content := leb128.EncodeUint32(uint32(len(indices)))
		for _, idx := range indices {
			content = append(content, leb128.EncodeUint32(idx)...)
			content = append(content, encodeSizePrefixed([]byte(n.FunctionNames[idx]))...)
		}
		data = append(data, encodeNameSubsection(subsectionIDFunctionNames, content)...)
	}
	return
}

func encodeNameSubsection(subsectionID uint8, content []byte) []byte {
	return append([]byte{subsectionID}, encodeSizePrefixed(content)...)
}
