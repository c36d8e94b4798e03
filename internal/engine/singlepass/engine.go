// Package singlepass is the FastSinglePass backend: one linear pass over each validated body emits operations for
// the stack machine in package interp. There is no intermediate representation and no register allocation.
package singlepass

import (
	"context"
	"unsafe"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/engine/interp"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// Name identifies the backend in cache keys and errors.
const Name = "singlepass"

// NewBackend returns the FastSinglePass backend.
func NewBackend() wasm.Backend {
	return backend{}
}

type backend struct{}

// Name implements wasm.Backend Name
func (backend) Name() string { return Name }

// Features implements wasm.Backend Features
func (backend) Features() api.CoreFeatures { return api.CoreFeaturesSupported }

// Compile implements wasm.Backend Compile
func (b backend) Compile(ctx context.Context, m *wasm.Module) (wasm.Artifact, error) {
	if err := wasm.CheckSupported(b, m); err != nil {
		return nil, err
	}
	a := &artifact{module: m, functions: make([]*interp.Function, len(m.CodeSection))}
	imported := m.ImportFuncCount()
	var maxFrame int
	for i := range m.CodeSection {
		if err := ctx.Err(); err != nil {
			return nil, &api.CompileError{Kind: api.KindCanceled, Backend: Name, Cause: err}
		}
		code := &m.CodeSection[i]
		f, err := compile(m, imported+wasm.Index(i), code)
		if err != nil {
			return nil, &api.CompileError{Kind: api.KindBackend, Backend: Name, Offset: code.BodyOffset, Cause: err}
		}
		a.functions[i] = f
		if size := len(f.Type.Params) + f.NumLocals + f.MaxStack; size > maxFrame {
			maxFrame = size
		}
		a.size += int(unsafe.Sizeof(interp.Function{})) + len(f.Ops)*int(unsafe.Sizeof(interp.Op{}))
		for j := range f.Ops {
			a.size += len(f.Ops[j].Table) * int(unsafe.Sizeof(interp.Branch{}))
		}
	}
	a.metadata = wasm.NewArtifactMetadata(Name, m, func(funcIdx wasm.Index) uint32 { return funcIdx })
	a.metadata.MaxStackSlots = uint32(maxFrame)
	return a, nil
}

// artifact is the compiled form of a module: one operation array per defined function.
type artifact struct {
	module    *wasm.Module
	metadata  *wasm.ArtifactMetadata
	functions []*interp.Function
	size      int
}

// Module implements wasm.Artifact Module
func (a *artifact) Module() *wasm.Module { return a.module }

// Metadata implements wasm.Artifact Metadata
func (a *artifact) Metadata() *wasm.ArtifactMetadata { return a.metadata }

// Size implements wasm.Artifact Size
func (a *artifact) Size() int { return a.size }

// NewModuleEngine implements wasm.Artifact NewModuleEngine
func (a *artifact) NewModuleEngine(inst *wasm.ModuleInstance) (wasm.ModuleEngine, error) {
	return interp.NewEngine(inst, a.functions), nil
}
