package tierwasm

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/testing/binaryencoding"
)

// Set in the environment of the process that executes what another process compiled.
const (
	envStoreKind = "TIERWASM_TEST_STORE_KIND"
	envStorePath = "TIERWASM_TEST_STORE_PATH"
	envCacheKey  = "TIERWASM_TEST_CACHE_KEY"
)

func TestRuntime_AheadOfTime_OtherProcess(t *testing.T) {
	if kind := os.Getenv(envStoreKind); kind != "" {
		executeStored(t, kind, os.Getenv(envStorePath), os.Getenv(envCacheKey))
		return
	}

	for _, kind := range []string{StoreKindDir, StoreKindLevelDB, StoreKindBadger, StoreKindSQLite} {
		kind := kind
		t.Run(kind, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), kind)
			store, err := OpenArtifactStore(kind, path)
			require.NoError(t, err)
			r, err := NewRuntime(NewRuntimeConfigAheadOfTime().WithArtifactStore(store))
			require.NoError(t, err)
			key, err := r.AheadOfTimeCompile(testCtx, binaryencoding.Fibonacci())
			require.NoError(t, err)
			// Closing releases the locks LevelDB and Badger hold on the store.
			require.NoError(t, r.Close())

			cmd := exec.Command(os.Args[0], "-test.run=^TestRuntime_AheadOfTime_OtherProcess$", "-test.v")
			cmd.Env = append(os.Environ(), envStoreKind+"="+kind, envStorePath+"="+path, envCacheKey+"="+key.String())
			out, err := cmd.CombinedOutput()
			require.NoError(t, err, string(out))
			require.Contains(t, string(out), "fib(20) = [i64(6765)]")
		})
	}
}

// executeStored runs an artifact compiled by another process, with neither the binary nor a compiler at hand.
func executeStored(t *testing.T, kind, path, hexKey string) {
	key, err := ParseCacheKey(hexKey)
	require.NoError(t, err)
	store, err := OpenArtifactStore(kind, path)
	require.NoError(t, err)
	r := newRuntime(t, NewRuntimeConfigAheadOfTime().WithArtifactStore(store))

	res, err := r.AheadOfTimeExecute(testCtx, key, "fib", api.I32(20))
	require.NoError(t, err)
	require.Nil(t, res.Trap)
	fmt.Printf("fib(20) = %v\n", res.Values)
}
