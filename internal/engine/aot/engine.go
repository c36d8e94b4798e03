// Package aot is the AheadOfTime backend. It compiles like package optimizing, and keeps the result as a
// relocatable object that can be written out and loaded by another process without the module binary.
package aot

import (
	"context"
	"fmt"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/engine/optimizing"
	"github.com/tetratelabs/tierwasm/internal/version"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// Name identifies the backend in cache keys and errors.
const Name = "aot"

// NewBackend returns the AheadOfTime backend. concurrency is as for optimizing.NewBackend.
func NewBackend(concurrency int) wasm.PersistentBackend {
	return newBackend(concurrency, version.GetEngineVersion())
}

func newBackend(concurrency int, engineVersion string) *backend {
	return &backend{concurrency: concurrency, engineVersion: engineVersion}
}

type backend struct {
	concurrency int
	// engineVersion is written to objects, which load only with the same version.
	engineVersion string
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
	functions, err := optimizing.CompileFunctions(ctx, Name, m, b.concurrency)
	if err != nil {
		return nil, err
	}
	compiled, err := optimizing.NewArtifact(Name, m, functions)
	if err != nil {
		return nil, err
	}
	obj, err := encodeObject(newObject(m, functions), b.engineVersion, compiled.Metadata().MaxStackSlots)
	if err != nil {
		return nil, &api.CompileError{Kind: api.KindBackend, Backend: Name, Cause: err}
	}
	return &artifact{Artifact: compiled, object: obj}, nil
}

// Marshal implements wasm.PersistentBackend Marshal
func (b *backend) Marshal(a wasm.Artifact) ([]byte, error) {
	aa, ok := a.(*artifact)
	if !ok {
		return nil, fmt.Errorf("aot: cannot marshal artifact of backend %s", a.Metadata().Backend)
	}
	return aa.object, nil
}

// Load implements wasm.PersistentBackend Load
func (b *backend) Load(data []byte) (wasm.Artifact, error) {
	return load(data, b.engineVersion)
}

// Load returns the artifact of an object written by this build of the engine. Errors wrap ErrStaleObject or
// ErrCorruptObject.
func Load(data []byte) (wasm.Artifact, error) {
	return load(data, version.GetEngineVersion())
}

func load(data []byte, engineVersion string) (_ wasm.Artifact, err error) {
	// The checks in link cover what the compiler emits. Anything else an object carries is corrupt, not a crash.
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%w: %v", ErrCorruptObject, v)
		}
	}()
	h, o, err := decodeObject(data, engineVersion)
	if err != nil {
		return nil, err
	}
	m, functions, err := o.link()
	if err != nil {
		return nil, err
	}
	loaded, err := optimizing.NewArtifact(Name, m, functions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptObject, err)
	}
	if loaded.Metadata().MaxStackSlots != h.stackSize {
		return nil, fmt.Errorf("%w: stack of %d slots, but header says %d", ErrCorruptObject,
			loaded.Metadata().MaxStackSlots, h.stackSize)
	}
	return &artifact{Artifact: loaded, object: append([]byte(nil), data...)}, nil
}

// artifact is an optimizing.Artifact together with its object.
type artifact struct {
	*optimizing.Artifact
	object []byte
}

// Size implements wasm.Artifact Size
func (a *artifact) Size() int { return a.Artifact.Size() + len(a.object) }
