package wasm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/tierwasm/api"
)

// DefaultMaxCallDepth is the call depth at which execution traps with api.TrapKindStackExhausted.
const DefaultMaxCallDepth = 10000

// ImportResolver returns the host function bound to an import, or false when there is none.
type ImportResolver func(moduleName, name string) (*HostFunc, bool)

// ModuleInstance is the mutable state of one instantiation of a Module. Nothing in it is shared with other
// instances.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#module-instances%E2%91%A0
type ModuleInstance struct {
	Module  *Module
	Memory  *MemoryInstance
	Table   *TableInstance
	Globals []*GlobalInstance
	// Imports are the host functions in the order of Module.ImportSection.
	Imports []*HostFunc

	// TypeIDs maps each index of Module.TypeSection to the lowest index of an equal signature, and FuncTypeIDs does
	// the same per function. call_indirect compares them instead of signatures.
	TypeIDs, FuncTypeIDs []uint32

	// MaxCallDepth bounds nested calls, including host calls.
	MaxCallDepth int

	// Engine is set by the artifact that executes this instance.
	Engine ModuleEngine
}

// InstanceConfig are the engine limits applied during instantiation.
type InstanceConfig struct {
	// MemoryLimitPages caps the maximum pages of memory. Zero means MemoryLimitPages.
	MemoryLimitPages uint32
	// MaxCallDepth of zero means DefaultMaxCallDepth.
	MaxCallDepth int
}

// NewModuleInstance allocates the memory, table and globals of the module, binds its imports and applies its
// element and data segments. The start function is not run: see RunStart.
//
// Errors are *api.InstantiationError. When one is returned, no segment has been written.
func NewModuleInstance(m *Module, resolve ImportResolver, cfg InstanceConfig) (*ModuleInstance, error) {
	limit := cfg.MemoryLimitPages
	if limit == 0 || limit > MemoryLimitPages {
		limit = MemoryLimitPages
	}
	depth := cfg.MaxCallDepth
	if depth <= 0 {
		depth = DefaultMaxCallDepth
	}
	inst := &ModuleInstance{Module: m, MaxCallDepth: depth}

	if mem := m.MemorySection; mem != nil {
		if mem.Min > limit {
			return nil, &api.InstantiationError{Kind: api.KindMemoryLimit,
				Expected: fmt.Sprintf("at most %d pages", limit), Actual: fmt.Sprintf("%d pages", mem.Min),
				Detail: fmt.Sprintf("memory min %s exceeds the limit %s", PagesToUnitOfBytes(mem.Min), PagesToUnitOfBytes(limit))}
		}
		inst.Memory = NewMemoryInstance(mem.Min, mem.EffectiveMax(limit))
	}

	if err := inst.resolveImports(resolve); err != nil {
		return nil, err
	}

	inst.Globals = make([]*GlobalInstance, len(m.GlobalSection))
	for i := range m.GlobalSection {
		g := &m.GlobalSection[i]
		inst.Globals[i] = &GlobalInstance{Type: g.Type, Val: g.Init.evaluate()}
	}

	if m.TableSection != nil {
		inst.Table = NewTableInstance(m.TableSection)
	}
	inst.buildTypeIDs()

	if err := inst.validateSegments(); err != nil {
		return nil, err
	}
	inst.applySegments()
	return inst, nil
}

func (m *ModuleInstance) resolveImports(resolve ImportResolver) error {
	imports := m.Module.ImportSection
	m.Imports = make([]*HostFunc, len(imports))
	for i := range imports {
		imp := &imports[i]
		var h *HostFunc
		var ok bool
		if resolve != nil {
			h, ok = resolve(imp.Module, imp.Name)
		}
		if !ok || h == nil {
			return &api.InstantiationError{Kind: api.KindMissingImport, Module: imp.Module, Name: imp.Name,
				Detail: fmt.Sprintf("import[%d] is not provided", i)}
		}
		expected := &m.Module.TypeSection[imp.DescFunc]
		if !expected.EqualsSignature(h.Type.Params, h.Type.Results) {
			return &api.InstantiationError{Kind: api.KindImportMismatch, Module: imp.Module, Name: imp.Name,
				Expected: expected.String(), Actual: h.Type.String()}
		}
		m.Imports[i] = h
	}
	return nil
}

func (m *ModuleInstance) buildTypeIDs() {
	types := m.Module.TypeSection
	m.TypeIDs = make([]uint32, len(types))
	for i := range types {
		m.TypeIDs[i] = uint32(i)
		for j := 0; j < i; j++ {
			if types[j].EqualsSignature(types[i].Params, types[i].Results) {
				m.TypeIDs[i] = uint32(j)
				break
			}
		}
	}
	m.FuncTypeIDs = make([]uint32, m.Module.FunctionCount())
	for i := range m.FuncTypeIDs {
		var typeIdx Index
		if imported := m.Module.ImportFuncCount(); uint32(i) < imported {
			typeIdx = m.Module.ImportSection[i].DescFunc
		} else {
			typeIdx = m.Module.FunctionSection[uint32(i)-imported]
		}
		m.FuncTypeIDs[i] = m.TypeIDs[typeIdx]
	}
}

// validateSegments checks every segment fits before any is applied.
func (m *ModuleInstance) validateSegments() error {
	for i := range m.Module.ElementSection {
		seg := &m.Module.ElementSection[i]
		offset := uint64(uint32(seg.OffsetExpr.evaluate()))
		var size uint64
		if m.Table != nil {
			size = uint64(len(m.Table.References))
		}
		if end := offset + uint64(len(seg.Init)); m.Table == nil || end > size {
			return &api.InstantiationError{Kind: api.KindSegmentOutOfRange,
				Detail: fmt.Sprintf("element[%d] range [%d, %d) exceeds table size %d", i, offset, end, size)}
		}
	}
	for i := range m.Module.DataSection {
		seg := &m.Module.DataSection[i]
		offset := uint64(uint32(seg.OffsetExpr.evaluate()))
		var size uint64
		if m.Memory != nil {
			size = uint64(len(m.Memory.Buffer))
		}
		if end := offset + uint64(len(seg.Init)); m.Memory == nil || end > size {
			return &api.InstantiationError{Kind: api.KindSegmentOutOfRange,
				Detail: fmt.Sprintf("data[%d] range [%d, %d) exceeds memory size %d", i, offset, end, size)}
		}
	}
	return nil
}

func (m *ModuleInstance) applySegments() {
	for i := range m.Module.ElementSection {
		seg := &m.Module.ElementSection[i]
		copy(m.Table.References[uint32(seg.OffsetExpr.evaluate()):], seg.Init)
	}
	for i := range m.Module.DataSection {
		seg := &m.Module.DataSection[i]
		copy(m.Memory.Buffer[uint32(seg.OffsetExpr.evaluate()):], seg.Init)
	}
}

// RunStart calls the start function, if any. A trap is returned as an *api.InstantiationError of
// api.KindStartFunctionTrap wrapping the *api.Trap.
func (m *ModuleInstance) RunStart(ctx context.Context) error {
	if m.Module.StartSection == nil {
		return nil
	}
	if m.Engine == nil {
		return errors.New("BUG: module engine is not set")
	}
	_, err := m.Engine.Call(ctx, *m.Module.StartSection, nil)
	if err == nil {
		return nil
	}
	var trap *api.Trap
	if errors.As(err, &trap) {
		return &api.InstantiationError{Kind: api.KindStartFunctionTrap, Detail: "start function trapped", Cause: trap}
	}
	return fmt.Errorf("start function: %w", err)
}

// Close releases memory, table and globals. The instance must not be used afterwards.
func (m *ModuleInstance) Close() {
	m.Memory = nil
	m.Table = nil
	m.Globals = nil
	m.Engine = nil
}

// CallImport invokes the imported function at funcIdx, which must be below Module.ImportFuncCount.
func (m *ModuleInstance) CallImport(ctx context.Context, funcIdx Index, params []uint64) []uint64 {
	return m.Imports[funcIdx].Invoke(ctx, m.Memory, params)
}
