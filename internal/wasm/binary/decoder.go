package binary

import (
	"bytes"
	"crypto/sha256"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// DecodeModule decodes and validates the WebAssembly 1.0 (20191205) Binary Format. The enabled features are the
// post-MVP features the caller accepts.
//
// Errors are *api.DecodeError naming the first violation and its byte offset, or *wasm.FeatureError when the module
// uses a feature outside enabled. No partial module is returned with an error.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-format%E2%91%A0
func DecodeModule(bin []byte, enabled api.CoreFeatures) (*wasm.Module, error) {
	r := newReader(bin, 0)
	if len(bin) < 4 || !bytes.Equal(bin[0:4], Magic) {
		return nil, malformed(0, "invalid magic number")
	}
	if len(bin) < 8 || !bytes.Equal(bin[4:8], version) {
		return nil, malformed(4, "invalid version header")
	}
	r.Reset(bin[8:])
	r.base, r.size = 8, len(bin)-8

	d := &decoder{m: &wasm.Module{ID: sha256.Sum256(bin)}, enabled: enabled}
	var lastID wasm.SectionID
	for r.Len() > 0 {
		idAt := r.pos()
		sectionID, _ := r.readByte("section id")
		sectionSize, err := r.u32("section size")
		if err != nil {
			return nil, err
		}
		contentAt := r.pos()
		content, err := r.bytes(sectionSize, "section "+wasm.SectionIDName(sectionID))
		if err != nil {
			return nil, err
		}

		if sectionID != wasm.SectionIDCustom {
			switch {
			case sectionID == wasm.SectionIDDataCount:
				return nil, &wasm.FeatureError{Feature: api.FeatureName(api.CoreFeatureBulkMemoryOperations), Offset: idAt}
			case sectionID > wasm.SectionIDDataCount:
				return nil, malformed(idAt, "invalid section id %#x", sectionID)
			case sectionID <= lastID:
				return nil, malformed(idAt, "section %s is out of order or duplicated", wasm.SectionIDName(sectionID))
			}
			lastID = sectionID
		}

		sr := newReader(content, contentAt)
		if err = d.decodeSection(sectionID, sr); err != nil {
			return nil, err
		}
		if sr.Len() != 0 {
			return nil, malformed(sr.pos(), "section %s size mismatch: %d bytes remain", wasm.SectionIDName(sectionID), sr.Len())
		}
	}

	m := d.m
	if len(m.FunctionSection) != len(m.CodeSection) {
		return nil, malformed(uint64(len(bin)), "function and code section have inconsistent lengths: %d != %d",
			len(m.FunctionSection), len(m.CodeSection))
	}
	// Names are unique by now: decodeExportSection rejects duplicates with their offset.
	if err := m.BuildExportIndex(); err != nil {
		return nil, invalid(api.KindDuplicateExport, 0, "%v", err)
	}
	return m, nil
}

type decoder struct {
	m       *wasm.Module
	enabled api.CoreFeatures
}

func (d *decoder) decodeSection(id wasm.SectionID, r *reader) (err error) {
	m := d.m
	switch id {
	case wasm.SectionIDCustom:
		err = d.decodeCustomSection(r)
	case wasm.SectionIDType:
		m.TypeSection, err = decodeTypeSection(r)
	case wasm.SectionIDImport:
		m.ImportSection, err = d.decodeImportSection(r)
	case wasm.SectionIDFunction:
		m.FunctionSection, err = d.decodeFunctionSection(r)
	case wasm.SectionIDTable:
		m.TableSection, err = decodeTableSection(r)
	case wasm.SectionIDMemory:
		m.MemorySection, err = decodeMemorySection(r)
	case wasm.SectionIDGlobal:
		m.GlobalSection, err = d.decodeGlobalSection(r)
	case wasm.SectionIDExport:
		m.ExportSection, err = d.decodeExportSection(r)
	case wasm.SectionIDStart:
		m.StartSection, err = d.decodeStartSection(r)
	case wasm.SectionIDElement:
		m.ElementSection, err = d.decodeElementSection(r)
	case wasm.SectionIDCode:
		m.CodeSection, err = d.decodeCodeSection(r)
	case wasm.SectionIDData:
		m.DataSection, err = d.decodeDataSection(r)
	}
	return
}
