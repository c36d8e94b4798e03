package tierwasm

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/compilationcache"
	"github.com/tetratelabs/tierwasm/internal/engine/aot"
	"github.com/tetratelabs/tierwasm/internal/engine/optimizing"
	"github.com/tetratelabs/tierwasm/internal/engine/singlepass"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

// Backend names, as accepted by the "backend" key of LoadRuntimeConfig.
const (
	BackendSinglePass  = singlepass.Name
	BackendOptimizing  = optimizing.Name
	BackendAheadOfTime = aot.Name
)

// RuntimeConfig controls runtime behavior. Each With method returns a copy, so a config can be shared and derived
// from safely.
type RuntimeConfig struct {
	backend                string
	enabledFeatures        api.CoreFeatures
	memoryLimitPages       uint32
	maxCallDepth           int
	compilationConcurrency int
	cacheMaxBytes          int64
	cacheMaxEntries        int
	store                  ArtifactStore
	logger                 *zap.Logger
	registerer             prometheus.Registerer
}

// engineLessConfig helps avoid copy/pasting the wrong defaults.
var engineLessConfig = &RuntimeConfig{
	enabledFeatures:  api.CoreFeaturesSupported,
	memoryLimitPages: wasm.MemoryLimitPages,
	maxCallDepth:     wasm.DefaultMaxCallDepth,
}

func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

func newRuntimeConfig(backend string) *RuntimeConfig {
	ret := engineLessConfig.clone()
	ret.backend = backend
	return ret
}

// NewRuntimeConfig returns NewRuntimeConfigOptimizing.
func NewRuntimeConfig() *RuntimeConfig {
	return NewRuntimeConfigOptimizing()
}

// NewRuntimeConfigSinglePass compiles each function in one pass into code for a stack machine. It compiles fastest
// and runs slowest.
func NewRuntimeConfigSinglePass() *RuntimeConfig {
	return newRuntimeConfig(BackendSinglePass)
}

// NewRuntimeConfigOptimizing lowers functions into a register IR, optimizes and allocates it, and runs it on a
// register machine. Functions compile in parallel.
func NewRuntimeConfigOptimizing() *RuntimeConfig {
	return newRuntimeConfig(BackendOptimizing)
}

// NewRuntimeConfigAheadOfTime compiles like NewRuntimeConfigOptimizing and also produces a relocatable object, which
// is written to the artifact store when one is configured. Another process with the same engine version can load
// it with Runtime.AheadOfTimeExecute instead of compiling.
func NewRuntimeConfigAheadOfTime() *RuntimeConfig {
	return newRuntimeConfig(BackendAheadOfTime)
}

// WithCoreFeatures sets the post-MVP features a module may use. Defaults to api.CoreFeaturesSupported.
//
// Modules using a feature outside this set, or outside what the backend can execute, fail Runtime.Compile with an
// *api.CompileError of api.KindUnsupported.
func (c *RuntimeConfig) WithCoreFeatures(features api.CoreFeatures) *RuntimeConfig {
	ret := c.clone()
	ret.enabledFeatures = features
	return ret
}

// WithMemoryLimitPages caps memory at a number of 64KiB pages, below the default of 65536 (4GiB).
//
// Notes:
//   - Instantiating a module whose memory minimum exceeds this fails with api.ErrMemoryLimit.
//   - "memory.grow" beyond min(declared max, limit) returns -1.
func (c *RuntimeConfig) WithMemoryLimitPages(pages uint32) *RuntimeConfig {
	if pages > wasm.MemoryLimitPages {
		pages = wasm.MemoryLimitPages
	}
	ret := c.clone()
	ret.memoryLimitPages = pages
	return ret
}

// WithMaxCallDepth sets the number of nested calls at which execution traps with api.TrapKindStackExhausted.
// Defaults to 10000. Values below one restore the default.
func (c *RuntimeConfig) WithMaxCallDepth(depth int) *RuntimeConfig {
	if depth <= 0 {
		depth = wasm.DefaultMaxCallDepth
	}
	ret := c.clone()
	ret.maxCallDepth = depth
	return ret
}

// WithCompilationConcurrency bounds the functions compiled in parallel by the optimizing and ahead-of-time
// backends. Zero, the default, means GOMAXPROCS. Output does not depend on it.
func (c *RuntimeConfig) WithCompilationConcurrency(n int) *RuntimeConfig {
	ret := c.clone()
	ret.compilationConcurrency = n
	return ret
}

// WithCacheMaxBytes bounds the approximate size of the artifacts kept in memory. Zero, the default, means no bound.
// An artifact larger than the bound is returned but not kept.
func (c *RuntimeConfig) WithCacheMaxBytes(n int64) *RuntimeConfig {
	ret := c.clone()
	ret.cacheMaxBytes = n
	return ret
}

// WithCacheMaxEntries bounds the count of artifacts kept in memory. Zero, the default, means no bound.
func (c *RuntimeConfig) WithCacheMaxEntries(n int) *RuntimeConfig {
	ret := c.clone()
	ret.cacheMaxEntries = n
	return ret
}

// WithArtifactStore persists ahead-of-time objects in the store. The Runtime closes it on Runtime.Close. Only
// NewRuntimeConfigAheadOfTime uses it.
func (c *RuntimeConfig) WithArtifactStore(store ArtifactStore) *RuntimeConfig {
	ret := c.clone()
	ret.store = store
	return ret
}

// WithLogger sets the logger of compilation and cache events. Defaults to zap.NewNop.
func (c *RuntimeConfig) WithLogger(logger *zap.Logger) *RuntimeConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

// WithMetricsRegisterer registers the cache metrics, named "tierwasm_cache_*", with reg. Defaults to a registry
// private to the Runtime.
func (c *RuntimeConfig) WithMetricsRegisterer(reg prometheus.Registerer) *RuntimeConfig {
	ret := c.clone()
	ret.registerer = reg
	return ret
}

func (c *RuntimeConfig) newBackend() (wasm.Backend, error) {
	switch c.backend {
	case BackendSinglePass:
		return singlepass.NewBackend(), nil
	case BackendOptimizing:
		return optimizing.NewBackend(c.compilationConcurrency), nil
	case BackendAheadOfTime:
		return aot.NewBackend(c.compilationConcurrency), nil
	}
	return nil, fmt.Errorf("unknown backend %q", c.backend)
}

// fingerprint is the part of the configuration that changes compiled code.
func (c *RuntimeConfig) fingerprint() ([]byte, error) {
	return compilationcache.Fingerprint(struct {
		Features api.CoreFeatures `cbor:"1,keyasint"`
	}{c.enabledFeatures})
}

// fileConfig is the TOML form of a RuntimeConfig.
type fileConfig struct {
	Engine struct {
		Backend                string   `toml:"backend"`
		Features               []string `toml:"features"`
		MemoryLimitPages       uint32   `toml:"memory_limit_pages"`
		MaxCallDepth           int      `toml:"max_call_depth"`
		CompilationConcurrency int      `toml:"compilation_concurrency"`
	} `toml:"engine"`
	Cache struct {
		MaxBytes   int64  `toml:"max_bytes"`
		MaxEntries int    `toml:"max_entries"`
		Store      string `toml:"store"`
		Path       string `toml:"path"`
	} `toml:"cache"`
}

// LoadRuntimeConfig reads a RuntimeConfig from a TOML file, opening the artifact store it names. Keys left out keep
// their defaults, and unknown keys are an error.
//
// Ex.
//
//	[engine]
//	backend = "aot"                 # "singlepass", "optimizing" (default) or "aot"
//	features = ["sign-extension-ops"]
//	memory_limit_pages = 256
//	max_call_depth = 1000
//	compilation_concurrency = 4
//
//	[cache]
//	max_bytes = 67108864
//	max_entries = 128
//	store = "badger"                # "dir", "leveldb", "badger" or "sqlite"
//	path = "/var/cache/tierwasm"
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
	}

	backend := fc.Engine.Backend
	if backend == "" {
		backend = BackendOptimizing
	}
	c := newRuntimeConfig(backend)
	if _, err = c.newBackend(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if md.IsDefined("engine", "features") {
		if c.enabledFeatures, err = parseFeatures(fc.Engine.Features); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if fc.Engine.MemoryLimitPages != 0 {
		c = c.WithMemoryLimitPages(fc.Engine.MemoryLimitPages)
	}
	c = c.WithMaxCallDepth(fc.Engine.MaxCallDepth).
		WithCompilationConcurrency(fc.Engine.CompilationConcurrency).
		WithCacheMaxBytes(fc.Cache.MaxBytes).
		WithCacheMaxEntries(fc.Cache.MaxEntries)

	if fc.Cache.Store != "" {
		if fc.Cache.Path == "" {
			return nil, fmt.Errorf("%s: cache store %q needs a path", path, fc.Cache.Store)
		}
		store, err := OpenArtifactStore(fc.Cache.Store, fc.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		c.store = store
	}
	return c, nil
}

func parseFeatures(names []string) (api.CoreFeatures, error) {
	var features api.CoreFeatures
	for _, name := range names {
		var found bool
		for f := api.CoreFeatures(1); f <= api.CoreFeatureTailCall; f <<= 1 {
			if api.FeatureName(f) == name {
				features |= f
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown feature %q", name)
		}
	}
	return features, nil
}
