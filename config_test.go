package tierwasm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/wasm"
)

func TestRuntimeConfig(t *testing.T) {
	tests := []struct {
		name     string
		with     func(*RuntimeConfig) *RuntimeConfig
		expected *RuntimeConfig
	}{
		{
			name: "features",
			with: func(c *RuntimeConfig) *RuntimeConfig {
				return c.WithCoreFeatures(api.CoreFeatureSignExtensionOps)
			},
			expected: &RuntimeConfig{enabledFeatures: api.CoreFeatureSignExtensionOps},
		},
		{
			name: "memory limit",
			with: func(c *RuntimeConfig) *RuntimeConfig {
				return c.WithMemoryLimitPages(16)
			},
			expected: &RuntimeConfig{memoryLimitPages: 16},
		},
		{
			name: "memory limit capped",
			with: func(c *RuntimeConfig) *RuntimeConfig {
				return c.WithMemoryLimitPages(wasm.MemoryLimitPages + 1)
			},
			expected: &RuntimeConfig{memoryLimitPages: wasm.MemoryLimitPages},
		},
		{
			name: "call depth",
			with: func(c *RuntimeConfig) *RuntimeConfig {
				return c.WithMaxCallDepth(100)
			},
			expected: &RuntimeConfig{maxCallDepth: 100},
		},
		{
			name: "call depth default",
			with: func(c *RuntimeConfig) *RuntimeConfig {
				return c.WithMaxCallDepth(100).WithMaxCallDepth(0)
			},
			expected: &RuntimeConfig{maxCallDepth: wasm.DefaultMaxCallDepth},
		},
		{
			name: "cache bounds",
			with: func(c *RuntimeConfig) *RuntimeConfig {
				return c.WithCacheMaxBytes(1 << 20).WithCacheMaxEntries(8).WithCompilationConcurrency(2)
			},
			expected: &RuntimeConfig{cacheMaxBytes: 1 << 20, cacheMaxEntries: 8, compilationConcurrency: 2},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			input := NewRuntimeConfigSinglePass()
			rc := tc.with(input)

			// Fill in the defaults the case left alone.
			expected := tc.expected
			expected.backend = BackendSinglePass
			if expected.enabledFeatures == 0 {
				expected.enabledFeatures = api.CoreFeaturesSupported
			}
			if expected.memoryLimitPages == 0 {
				expected.memoryLimitPages = wasm.MemoryLimitPages
			}
			if expected.maxCallDepth == 0 {
				expected.maxCallDepth = wasm.DefaultMaxCallDepth
			}
			require.Equal(t, expected, rc)
			// The input is not modified.
			require.Equal(t, NewRuntimeConfigSinglePass(), input)
		})
	}
}

func TestRuntimeConfig_fingerprint(t *testing.T) {
	a, err := NewRuntimeConfigOptimizing().fingerprint()
	require.NoError(t, err)

	// Settings that do not change code do not change the fingerprint.
	b, err := NewRuntimeConfigOptimizing().WithMaxCallDepth(5).WithCompilationConcurrency(3).fingerprint()
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := NewRuntimeConfigOptimizing().WithCoreFeatures(api.CoreFeaturesV1).fingerprint()
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "tierwasm.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRuntimeConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c, err := LoadRuntimeConfig(writeConfig(t, ""))
		require.NoError(t, err)
		require.Equal(t, NewRuntimeConfigOptimizing(), c)
	})

	t.Run("all keys", func(t *testing.T) {
		storePath := filepath.Join(t.TempDir(), "objects")
		c, err := LoadRuntimeConfig(writeConfig(t, `
[engine]
backend = "aot"
features = ["sign-extension-ops"]
memory_limit_pages = 16
max_call_depth = 100
compilation_concurrency = 2

[cache]
max_bytes = 1024
max_entries = 4
store = "dir"
path = "`+filepath.ToSlash(storePath)+`"
`))
		require.NoError(t, err)
		require.NotNil(t, c.store)
		defer c.store.Close()
		c.store = nil
		require.Equal(t, &RuntimeConfig{
			backend:                BackendAheadOfTime,
			enabledFeatures:        api.CoreFeatureSignExtensionOps,
			memoryLimitPages:       16,
			maxCallDepth:           100,
			compilationConcurrency: 2,
			cacheMaxBytes:          1024,
			cacheMaxEntries:        4,
		}, c)
		require.DirExists(t, storePath)
	})

	t.Run("no features", func(t *testing.T) {
		c, err := LoadRuntimeConfig(writeConfig(t, "[engine]\nfeatures = []\n"))
		require.NoError(t, err)
		require.Equal(t, api.CoreFeaturesV1, c.enabledFeatures)
	})

	for _, kind := range []string{StoreKindDir, StoreKindLevelDB, StoreKindBadger, StoreKindSQLite} {
		kind := kind
		t.Run("store "+kind, func(t *testing.T) {
			path := filepath.ToSlash(filepath.Join(t.TempDir(), "cache", kind))
			c, err := LoadRuntimeConfig(writeConfig(t, "[engine]\nbackend = \"aot\"\n[cache]\nstore = \""+kind+"\"\npath = \""+path+"\"\n"))
			require.NoError(t, err)
			r, err := NewRuntime(c)
			require.NoError(t, err)
			_, err = r.AheadOfTimeCompile(testCtx, []byte{0, 'a', 's', 'm', 1, 0, 0, 0})
			require.NoError(t, err)
			require.NoError(t, r.Close())
		})
	}

	tests := []struct {
		name, content, expectedErr string
	}{
		{name: "unknown key", content: "[engine]\nbackends = \"aot\"\n", expectedErr: `unknown key "engine.backends"`},
		{name: "unknown backend", content: "[engine]\nbackend = \"jit\"\n", expectedErr: `unknown backend "jit"`},
		{name: "unknown feature", content: "[engine]\nfeatures = [\"gc\"]\n", expectedErr: `unknown feature "gc"`},
		{name: "store without path", content: "[cache]\nstore = \"dir\"\n", expectedErr: `cache store "dir" needs a path`},
		{name: "unknown store", content: "[cache]\nstore = \"tape\"\npath = \"x\"\n", expectedErr: `unknown store kind "tape"`},
		{name: "invalid toml", content: "[engine\n", expectedErr: "parse error"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadRuntimeConfig(writeConfig(t, tc.content))
			require.ErrorContains(t, err, tc.expectedErr)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRuntimeConfig(filepath.Join(t.TempDir(), "missing.toml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}
