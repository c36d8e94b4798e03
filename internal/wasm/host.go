package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/wasmruntime"
)

// HostFunc is a function implemented in Go that a module imports.
type HostFunc struct {
	ModuleName, Name string
	Type             FunctionType
	// Fn receives the parameters as raw bits and returns the results the same way. A non-nil error traps the caller
	// with api.TrapKindHost.
	Fn func(ctx context.Context, mem api.Memory, params []uint64) ([]uint64, error)
}

// Invoke calls the host function on behalf of an engine. Errors unwind the guest by panicking with a
// wasmruntime.HostError.
func (h *HostFunc) Invoke(ctx context.Context, mem *MemoryInstance, params []uint64) []uint64 {
	var m api.Memory
	if mem != nil {
		m = mem
	}
	results, err := h.Fn(ctx, m, params)
	if err != nil {
		panic(&wasmruntime.HostError{Err: err})
	}
	if len(results) != len(h.Type.Results) {
		panic(&wasmruntime.HostError{Err: fmt.Errorf("%s.%s returned %d results, but declares %d",
			h.ModuleName, h.Name, len(results), len(h.Type.Results))})
	}
	return results
}
