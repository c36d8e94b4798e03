// Package tierwasm compiles and runs WebAssembly 1.0 (20191205) modules on one of three backends, caching compiled
// artifacts in memory and, ahead of time, in a persisted store.
//
// Ex.
//
//	r, _ := tierwasm.NewRuntime(tierwasm.NewRuntimeConfigOptimizing())
//	defer r.Close()
//
//	result, _ := r.CompileAndRun(ctx, bin, "add_one", api.I32(10))
//	fmt.Println(result.Values) // [i32(11)]
package tierwasm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/compilationcache"
	"github.com/tetratelabs/tierwasm/internal/version"
	"github.com/tetratelabs/tierwasm/internal/wasm"
	"github.com/tetratelabs/tierwasm/internal/wasm/binary"
)

var (
	// ErrNoArtifactStore is returned by ahead-of-time calls on a Runtime without RuntimeConfig.WithArtifactStore.
	ErrNoArtifactStore = errors.New("no artifact store configured")
	// ErrNotAheadOfTime is returned by ahead-of-time calls on a Runtime of another backend.
	ErrNotAheadOfTime = errors.New("runtime is not configured for ahead-of-time compilation")
	// ErrArtifactNotFound is returned by Runtime.AheadOfTimeExecute when the store has no object for the key.
	ErrArtifactNotFound = compilationcache.ErrNotFound
	// ErrRuntimeClosed is returned by any call after Runtime.Close.
	ErrRuntimeClosed = errors.New("runtime closed")
)

// Runtime compiles modules with the backend of its RuntimeConfig, and instantiates and executes them. It is safe
// for concurrent use. Instances are not: see Instance.
//
// None of its methods retries, and a failing backend is never substituted with another.
type Runtime struct {
	backend       wasm.Backend
	config        *RuntimeConfig
	fingerprint   []byte
	engineVersion string
	cache         *compilationcache.Cache
	logger        *zap.Logger

	// mux guards instances and closed.
	mux       sync.Mutex
	instances map[*Instance]struct{}
	closed    bool
}

// NewRuntime returns a runtime with the given configuration. It fails when the cache metrics cannot be registered.
func NewRuntime(config *RuntimeConfig) (*Runtime, error) {
	backend, err := config.newBackend()
	if err != nil {
		return nil, err
	}
	fingerprint, err := config.fingerprint()
	if err != nil {
		return nil, err
	}
	logger := config.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", backend.Name()))
	cache, err := compilationcache.New(compilationcache.Config{
		MaxEntries: config.cacheMaxEntries,
		MaxBytes:   config.cacheMaxBytes,
		Store:      config.store,
		Logger:     logger,
		Registerer: config.registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	return &Runtime{
		backend:       backend,
		config:        config,
		fingerprint:   fingerprint,
		engineVersion: version.GetEngineVersion(),
		cache:         cache,
		logger:        logger,
		instances:     map[*Instance]struct{}{},
	}, nil
}

// Backend returns the name of the backend this runtime compiles with, e.g. BackendOptimizing.
func (r *Runtime) Backend() string {
	return r.backend.Name()
}

// CompiledModule is a decoded, validated and compiled module, ready to be instantiated any number of times with
// Runtime.Instantiate. It is safe for concurrent use.
type CompiledModule struct {
	key      CacheKey
	artifact wasm.Artifact
}

// Key returns the key of the artifact in the cache.
func (c *CompiledModule) Key() CacheKey {
	return c.key
}

// ExportedFunctions returns the signatures of the exported functions by name.
func (c *CompiledModule) ExportedFunctions() map[string]api.FunctionType {
	entries := c.artifact.Metadata().Entries
	ret := make(map[string]api.FunctionType, len(entries))
	for i := range entries {
		ret[entries[i].Name] = entries[i].Type.API()
	}
	return ret
}

// Compile decodes, validates and compiles the binary, or returns it from the cache.
//
// Errors are *api.DecodeError for invalid binaries and *api.CompileError otherwise. Compile errors are not cached,
// so a retry compiles again.
func (r *Runtime) Compile(ctx context.Context, bin []byte) (*CompiledModule, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	m, err := r.decode(bin)
	if err != nil {
		return nil, err
	}
	key := r.key(bin)
	a, err := r.cache.GetOrCompile(ctx, key, r.backend, m)
	if err != nil {
		return nil, err
	}
	return &CompiledModule{key: key, artifact: a}, nil
}

func (r *Runtime) decode(bin []byte) (*wasm.Module, error) {
	m, err := binary.DecodeModule(bin, r.config.enabledFeatures)
	var fe *wasm.FeatureError
	if errors.As(err, &fe) {
		return nil, &api.CompileError{Kind: api.KindUnsupported, Backend: r.backend.Name(), Feature: fe.Feature,
			Offset: fe.Offset, Cause: err}
	}
	return m, err
}

func (r *Runtime) key(bin []byte) CacheKey {
	return compilationcache.NewKey(bin, r.backend.Name(), r.fingerprint, r.engineVersion)
}

// Instantiate allocates a new instance of the module, binding its imports and running its start function.
//
// Errors are *api.InstantiationError: a start function trap is one of api.KindStartFunctionTrap wrapping the
// *api.Trap.
func (r *Runtime) Instantiate(ctx context.Context, cm *CompiledModule, imports Imports) (*Instance, error) {
	inst, err := wasm.NewModuleInstance(cm.artifact.Module(), imports.resolve, wasm.InstanceConfig{
		MemoryLimitPages: r.config.memoryLimitPages,
		MaxCallDepth:     r.config.maxCallDepth,
	})
	if err != nil {
		return nil, err
	}
	if inst.Engine, err = cm.artifact.NewModuleEngine(inst); err != nil {
		inst.Close()
		return nil, fmt.Errorf("binding code: %w", err)
	}
	if err = inst.RunStart(ctx); err != nil {
		inst.Close()
		return nil, err
	}

	ret := &Instance{inst: inst, runtime: r}
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.closed {
		inst.Close()
		return nil, ErrRuntimeClosed
	}
	r.instances[ret] = struct{}{}
	return ret, nil
}

// Execute calls the exported function of the instance with the arguments.
//
// A trap is not an error: it is returned in ExecutionResult.Trap and the instance remains usable. Errors are about
// the call itself, e.g. ErrExportNotFound or ErrArgumentMismatch, except when a host function panics. Then the error
// wraps both ErrInstancePoisoned and the *wasm.PanicError recovered, and the instance refuses further calls.
func (r *Runtime) Execute(ctx context.Context, inst *Instance, name string, args ...api.Value) (ExecutionResult, error) {
	if err := inst.acquire(); err != nil {
		return ExecutionResult{}, err
	}
	defer inst.release()

	m := inst.inst.Module
	exp := m.Export(name)
	if exp == nil || exp.Type != wasm.ExternTypeFunc {
		return ExecutionResult{}, fmt.Errorf("%w: %q", ErrExportNotFound, name)
	}
	typ := m.TypeOfFunction(exp.Index)
	params, err := paramsOf(typ, args)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("%s: %w", name, err)
	}

	results, err := inst.inst.Engine.Call(ctx, exp.Index, params)
	if err != nil {
		var trap *api.Trap
		if errors.As(err, &trap) {
			r.logger.Debug("trap", zap.String("export", name), zap.String("kind", string(trap.Kind)),
				zap.Uint64("offset", trap.Offset))
			return ExecutionResult{Trap: trap}, nil
		}
		inst.poisoned.Store(true)
		r.logger.Warn("instance poisoned", zap.String("export", name), zap.Error(err))
		return ExecutionResult{}, fmt.Errorf("%w: %w", ErrInstancePoisoned, err)
	}

	values := make([]api.Value, len(results))
	for i, bits := range results {
		values[i] = api.ValueFromBits(typ.Results[i], bits)
	}
	return ExecutionResult{Values: values}, nil
}

func paramsOf(typ *wasm.FunctionType, args []api.Value) ([]uint64, error) {
	if len(args) != len(typ.Params) {
		return nil, fmt.Errorf("%w: expected %d arguments for %s, but was %d", ErrArgumentMismatch,
			len(typ.Params), typ, len(args))
	}
	params := make([]uint64, len(args))
	for i, arg := range args {
		if arg.Type != typ.Params[i] {
			return nil, fmt.Errorf("%w: argument %d of %s is %s", ErrArgumentMismatch, i, typ, arg)
		}
		params[i] = arg.Bits()
	}
	return params, nil
}

// CompileAndRun compiles the binary, instantiates it without imports, executes the export once and closes the
// instance. Compilation goes through the cache like Compile.
func (r *Runtime) CompileAndRun(ctx context.Context, bin []byte, name string, args ...api.Value) (ExecutionResult, error) {
	cm, err := r.Compile(ctx, bin)
	if err != nil {
		return ExecutionResult{}, err
	}
	return r.runOnce(ctx, cm, name, args)
}

func (r *Runtime) runOnce(ctx context.Context, cm *CompiledModule, name string, args []api.Value) (res ExecutionResult, err error) {
	inst, err := r.Instantiate(ctx, cm, nil)
	if err != nil {
		return ExecutionResult{}, err
	}
	defer func() {
		err = multierr.Append(err, inst.Close())
	}()
	return r.Execute(ctx, inst, name, args...)
}

// AheadOfTimeCompile compiles the binary into an object and writes it to the artifact store, returning the key to
// pass to AheadOfTimeExecute, possibly in another process. The object is written even when already present.
//
// The runtime must be configured with NewRuntimeConfigAheadOfTime and RuntimeConfig.WithArtifactStore.
func (r *Runtime) AheadOfTimeCompile(ctx context.Context, bin []byte) (CacheKey, error) {
	pb, err := r.persistentBackend()
	if err != nil {
		return CacheKey{}, err
	}
	cm, err := r.Compile(ctx, bin)
	if err != nil {
		return CacheKey{}, err
	}
	if err = r.cache.Persist(cm.key, pb, cm.artifact); err != nil {
		return CacheKey{}, fmt.Errorf("persisting artifact: %w", err)
	}
	return cm.key, nil
}

// AheadOfTimeExecute loads the object of the key from memory or the artifact store, then instantiates it without
// imports and executes the export once. The module binary is not needed.
//
// ErrArtifactNotFound is returned when there is no object for the key. An object written by another engine version
// is an error wrapping aot's stale object error, and one that fails its checksum or decoding wraps the corrupt
// object error.
func (r *Runtime) AheadOfTimeExecute(ctx context.Context, key CacheKey, name string, args ...api.Value) (ExecutionResult, error) {
	cm, err := r.Load(key)
	if err != nil {
		return ExecutionResult{}, err
	}
	return r.runOnce(ctx, cm, name, args)
}

// Load returns the compiled module of the key from memory or the artifact store, without compiling.
func (r *Runtime) Load(key CacheKey) (*CompiledModule, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	pb, err := r.persistentBackend()
	if err != nil {
		return nil, err
	}
	a, err := r.cache.Load(key, pb)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", key, err)
	}
	return &CompiledModule{key: key, artifact: a}, nil
}

func (r *Runtime) persistentBackend() (wasm.PersistentBackend, error) {
	pb, ok := r.backend.(wasm.PersistentBackend)
	if !ok {
		return nil, ErrNotAheadOfTime
	}
	if r.config.store == nil {
		return nil, ErrNoArtifactStore
	}
	return pb, nil
}

// Invalidate removes the artifact of the key from memory and from the artifact store.
func (r *Runtime) Invalidate(key CacheKey) error {
	return r.cache.Delete(key)
}

func (r *Runtime) checkOpen() error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.closed {
		return ErrRuntimeClosed
	}
	return nil
}

// Close closes the instances that are still open, then the artifact store. Errors of each are combined. Calling
// Close again is a no-op.
func (r *Runtime) Close() (err error) {
	r.mux.Lock()
	if r.closed {
		r.mux.Unlock()
		return nil
	}
	r.closed = true
	instances := r.instances
	r.instances = nil
	r.mux.Unlock()

	for inst := range instances {
		err = multierr.Append(err, inst.close())
	}
	return multierr.Append(err, r.cache.Close())
}

func (r *Runtime) forget(inst *Instance) {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.instances, inst)
}
