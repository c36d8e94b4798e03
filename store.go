package tierwasm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

var (
	// ErrExportNotFound is returned by Runtime.Execute when the instance has no function export of the name.
	ErrExportNotFound = errors.New("export not found")
	// ErrArgumentMismatch is returned by Runtime.Execute when the arguments do not match the signature.
	ErrArgumentMismatch = errors.New("argument mismatch")
	// ErrInstanceClosed is returned by Runtime.Execute after Instance.Close.
	ErrInstanceClosed = errors.New("instance closed")
	// ErrInstanceBusy is returned when an instance is already executing.
	ErrInstanceBusy = errors.New("instance busy")
	// ErrInstancePoisoned is returned once a host function panicked inside the instance.
	ErrInstancePoisoned = errors.New("instance poisoned")
)

// ExecutionResult is the outcome of Runtime.Execute: Values when the function returned, or Trap when it trapped.
type ExecutionResult struct {
	Values []api.Value
	Trap   *api.Trap
}

// Err returns Trap as an error, or nil when the function returned.
func (r ExecutionResult) Err() error {
	if r.Trap == nil {
		return nil
	}
	return r.Trap
}

// Instance is one instantiation of a CompiledModule, holding its own memory, table and globals.
//
// One execution runs at a time: Runtime.Execute returns ErrInstanceBusy instead of blocking when another is in
// progress. A trap leaves the instance usable.
type Instance struct {
	inst    *wasm.ModuleInstance
	runtime *Runtime

	busy, poisoned, closed atomic.Bool
}

// Memory returns the linear memory of the instance, or nil when the module has none.
func (i *Instance) Memory() api.Memory {
	if mem := i.inst.Memory; mem != nil {
		return mem
	}
	return nil
}

// Poisoned reports whether a host function panicked inside the instance.
func (i *Instance) Poisoned() bool {
	return i.poisoned.Load()
}

func (i *Instance) acquire() error {
	if i.closed.Load() {
		return ErrInstanceClosed
	}
	if !i.busy.CompareAndSwap(false, true) {
		return ErrInstanceBusy
	}
	// Close may have won between the check and the swap.
	if i.closed.Load() {
		i.busy.Store(false)
		return ErrInstanceClosed
	}
	if i.poisoned.Load() {
		i.busy.Store(false)
		return ErrInstancePoisoned
	}
	return nil
}

func (i *Instance) release() {
	i.busy.Store(false)
}

// Close releases the memory, table and globals of the instance. It returns ErrInstanceBusy during an execution.
// Calling Close again is a no-op.
func (i *Instance) Close() error {
	if err := i.close(); err != nil {
		return err
	}
	i.runtime.forget(i)
	return nil
}

func (i *Instance) close() error {
	if i.closed.Load() {
		return nil
	}
	if !i.busy.CompareAndSwap(false, true) {
		return ErrInstanceBusy
	}
	defer i.busy.Store(false)
	if i.closed.Swap(true) {
		return nil
	}
	i.inst.Close()
	return nil
}

// HostFunction is a function written in Go that a module imports.
type HostFunction struct {
	Params, Results []api.ValueType
	// Fn receives arguments typed as Params and must return values typed as Results. A non-nil error traps the
	// caller with api.TrapKindHost, returned as the Trap Cause. mem is nil when the module has no memory.
	Fn func(ctx context.Context, mem api.Memory, args []api.Value) ([]api.Value, error)
}

// Imports are host functions by module name and then function name.
//
// Ex.
//
//	imports := tierwasm.Imports{"env": {"log": &tierwasm.HostFunction{Params: []api.ValueType{api.ValueTypeI32}, Fn: logI32}}}
type Imports map[string]map[string]*HostFunction

func (imports Imports) resolve(moduleName, name string) (*wasm.HostFunc, bool) {
	f := imports[moduleName][name]
	if f == nil {
		return nil, false
	}
	typ := wasm.FunctionType{Params: f.Params, Results: f.Results}
	return &wasm.HostFunc{
		ModuleName: moduleName,
		Name:       name,
		Type:       typ,
		Fn: func(ctx context.Context, mem api.Memory, params []uint64) ([]uint64, error) {
			args := make([]api.Value, len(params))
			for i, bits := range params {
				args[i] = api.ValueFromBits(typ.Params[i], bits)
			}
			results, err := f.Fn(ctx, mem, args)
			if err != nil {
				return nil, err
			}
			if len(results) != len(typ.Results) {
				return nil, fmt.Errorf("%s.%s returned %d results, but declares %d", moduleName, name,
					len(results), len(typ.Results))
			}
			ret := make([]uint64, len(results))
			for i, v := range results {
				if v.Type != typ.Results[i] {
					return nil, fmt.Errorf("%s.%s result %d is %s, but declares %s", moduleName, name, i, v,
						api.ValueTypeName(typ.Results[i]))
				}
				ret[i] = v.Bits()
			}
			return ret, nil
		},
	}, true
}
