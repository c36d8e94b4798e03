package wasm

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/wasmruntime"
)

// Backend compiles a validated Module into an Artifact. Implementations are stateless and safe for concurrent use.
type Backend interface {
	// Name identifies the backend in cache keys and errors, e.g. "singlepass".
	Name() string

	// Features are the post-MVP features the backend can execute.
	Features() api.CoreFeatures

	// Compile returns an artifact or an *api.CompileError. It is deterministic for a given module.
	Compile(ctx context.Context, m *Module) (Artifact, error)
}

// PersistentBackend is a Backend whose artifacts can be persisted and loaded in another process.
type PersistentBackend interface {
	Backend

	// Marshal returns the persistent form of an artifact produced by this backend.
	Marshal(a Artifact) ([]byte, error)

	// Load reverses Marshal. Errors mean the data is corrupt or stale and must be treated as a cache miss.
	Load(data []byte) (Artifact, error)
}

// Artifact is the read-only product of a Backend. Any number of instances may share it.
type Artifact interface {
	// Module is the module the artifact was compiled from. Function bodies may be absent when the artifact was
	// loaded from its persistent form.
	Module() *Module

	// Metadata describes the entry points and resource needs of the artifact.
	Metadata() *ArtifactMetadata

	// Size is the approximate number of bytes the artifact retains, used to bound in-memory caches.
	Size() int

	// NewModuleEngine binds the code to an instance.
	NewModuleEngine(inst *ModuleInstance) (ModuleEngine, error)
}

// ModuleEngine executes functions of one instance. It is not safe for concurrent use.
type ModuleEngine interface {
	// Call invokes the function at the index with parameters as raw bits. A trap is returned as *api.Trap. Any
	// other error means the engine state is no longer trustworthy.
	Call(ctx context.Context, funcIdx Index, params []uint64) ([]uint64, error)
}

// ArtifactMetadata is the header of every artifact.
type ArtifactMetadata struct {
	Backend string
	// Entries are the function exports in export order.
	Entries []EntryPoint
	// MaxStackSlots is the largest frame of any function, in 8-byte slots.
	MaxStackSlots uint32
	// Memory is the declared memory layout, or nil.
	Memory        *Memory
	FunctionCount uint32
}

// EntryPoint maps an exported name to its function and backend-specific code entry.
type EntryPoint struct {
	Name     string
	Function Index
	Entry    uint32
	Type     FunctionType
}

// NewArtifactMetadata fills in the parts of the metadata that do not depend on the backend.
func NewArtifactMetadata(backend string, m *Module, entry func(funcIdx Index) uint32) *ArtifactMetadata {
	md := &ArtifactMetadata{Backend: backend, Memory: m.MemorySection, FunctionCount: m.FunctionCount()}
	for _, e := range m.ExportSection {
		if e.Type != ExternTypeFunc {
			continue
		}
		md.Entries = append(md.Entries, EntryPoint{Name: e.Name, Function: e.Index, Entry: entry(e.Index), Type: *m.TypeOfFunction(e.Index)})
	}
	return md
}

// PanicError is a Go panic recovered inside an engine that was not a runtime error.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during execution: %v", e.Value)
}

// RecoverTrap converts a value recovered at the call boundary. Runtime errors become *api.Trap attributed to the
// function and byte offset of the instruction that raised them. Anything else becomes *PanicError.
func RecoverTrap(m *Module, recovered interface{}, funcIdx Index, offset uint64) error {
	kind, cause, ok := wasmruntime.TrapKindOf(recovered)
	if !ok {
		return &PanicError{Value: recovered, Stack: debug.Stack()}
	}
	return &api.Trap{Kind: kind, Offset: offset, Function: funcIdx, FunctionName: m.FunctionName(funcIdx), Cause: cause}
}

// CheckSupported returns an *api.CompileError when the module uses features outside the backend's set.
func CheckSupported(b Backend, m *Module) error {
	if unsupported := m.UsedFeatures &^ b.Features(); unsupported != 0 {
		return &api.CompileError{Kind: api.KindUnsupported, Backend: b.Name(), Feature: unsupported.String()}
	}
	return nil
}
