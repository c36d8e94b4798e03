// Package optimizing is the OptimizingPipeline backend. Each function is lowered to the register form of package
// ir, optimized, and has its registers allocated to frame slots before the register machine of package regvm runs it.
package optimizing

import (
	"context"
	"runtime"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/engine/regvm"
	"github.com/tetratelabs/tierwasm/internal/ir"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// Name identifies the backend in cache keys and errors.
const Name = "optimizing"

// NewBackend returns the OptimizingPipeline backend. concurrency bounds how many functions compile at once, and
// when not positive it is GOMAXPROCS.
func NewBackend(concurrency int) wasm.Backend {
	return &backend{concurrency: concurrency}
}

type backend struct {
	concurrency int
}

// Name implements wasm.Backend Name
func (*backend) Name() string { return Name }

// Features implements wasm.Backend Features
func (*backend) Features() api.CoreFeatures { return api.CoreFeaturesSupported }

// Compile implements wasm.Backend Compile
func (b *backend) Compile(ctx context.Context, m *wasm.Module) (wasm.Artifact, error) {
	if err := wasm.CheckSupported(b, m); err != nil {
		return nil, err
	}
	functions, err := CompileFunctions(ctx, Name, m, b.concurrency)
	if err != nil {
		return nil, err
	}
	return NewArtifact(Name, m, functions)
}

// CompileFunctions lowers and optimizes every function defined in the module, up to concurrency at a time. The
// results are in the order of the code section regardless of which finishes first. backend names the caller in
// errors, which are *api.CompileError.
func CompileFunctions(ctx context.Context, backend string, m *wasm.Module, concurrency int) ([]*ir.Function, error) {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	if err := ctx.Err(); err != nil {
		return nil, &api.CompileError{Kind: api.KindCanceled, Backend: backend, Cause: err}
	}

	functions := make([]*ir.Function, len(m.CodeSection))
	imported := m.ImportFuncCount()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range m.CodeSection {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			code := &m.CodeSection[i]
			f, err := ir.Lower(m, imported+wasm.Index(i), code)
			if err != nil {
				return &api.CompileError{Kind: api.KindBackend, Backend: backend, Offset: code.BodyOffset, Cause: err}
			}
			if err = ir.RunPasses(gctx, f); err != nil {
				return &api.CompileError{Kind: api.KindCanceled, Backend: backend, Cause: err}
			}
			functions[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// The loop stops early only when the context is done.
	for _, f := range functions {
		if f == nil {
			return nil, &api.CompileError{Kind: api.KindCanceled, Backend: backend, Cause: ctx.Err()}
		}
	}
	return functions, nil
}

// NewArtifact prepares allocated functions for execution. Functions are in the order of the code section.
func NewArtifact(backend string, m *wasm.Module, functions []*ir.Function) (*Artifact, error) {
	a := &Artifact{module: m, functions: functions, code: make([]*regvm.Function, len(functions))}
	var maxFrame int
	for i, f := range functions {
		rf, err := regvm.NewFunction(f)
		if err != nil {
			return nil, &api.CompileError{Kind: api.KindBackend, Backend: backend, Cause: err}
		}
		a.code[i] = rf
		if rf.FrameSize > maxFrame {
			maxFrame = rf.FrameSize
		}
		a.size += int(unsafe.Sizeof(ir.Function{}))
		for _, b := range f.Blocks {
			a.size += int(unsafe.Sizeof(ir.Block{})) + len(b.Instrs)*int(unsafe.Sizeof(ir.Instr{}))
		}
	}
	// The regvm code is about the size of the instructions it was laid out from.
	a.size *= 2
	a.metadata = wasm.NewArtifactMetadata(backend, m, func(funcIdx wasm.Index) uint32 { return funcIdx })
	a.metadata.MaxStackSlots = uint32(maxFrame)
	return a, nil
}

// Artifact is a module compiled to register form.
type Artifact struct {
	module    *wasm.Module
	metadata  *wasm.ArtifactMetadata
	functions []*ir.Function
	code      []*regvm.Function
	size      int
}

// Functions returns the allocated functions in the order of the code section.
func (a *Artifact) Functions() []*ir.Function { return a.functions }

// Module implements wasm.Artifact Module
func (a *Artifact) Module() *wasm.Module { return a.module }

// Metadata implements wasm.Artifact Metadata
func (a *Artifact) Metadata() *wasm.ArtifactMetadata { return a.metadata }

// Size implements wasm.Artifact Size
func (a *Artifact) Size() int { return a.size }

// NewModuleEngine implements wasm.Artifact NewModuleEngine
func (a *Artifact) NewModuleEngine(inst *wasm.ModuleInstance) (wasm.ModuleEngine, error) {
	return regvm.NewEngine(inst, a.code), nil
}
