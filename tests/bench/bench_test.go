package bench

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tierwasm"
	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/testing/binaryencoding"
	"github.com/tetratelabs/tierwasm/internal/testing/enginetest"
)

var testCtx = context.Background()

// workload is a call into one of the sample modules.
type workload struct {
	name, export string
	bin          []byte
	args         []api.Value
	expected     api.Value
}

var workloads = []workload{
	{name: "add_one", bin: binaryencoding.AddOne(), export: "add_one", args: []api.Value{api.I32(10)}, expected: api.I32(11)},
	{name: "fib", bin: binaryencoding.Fibonacci(), export: "fib", args: []api.Value{api.I32(30)}, expected: api.I64(832040)},
	{name: "fib_recursive", bin: binaryencoding.Fibonacci(), export: "fib_recursive", args: []api.Value{api.I32(20)}, expected: api.I32(6765)},
	{name: "nbody", bin: binaryencoding.NBody(), export: "nbody", args: []api.Value{api.I32(1000)}, expected: api.F64(enginetest.NBodyExpected(1000))},
}

var configs = []struct {
	name   string
	config func() *tierwasm.RuntimeConfig
}{
	{name: tierwasm.BackendSinglePass, config: tierwasm.NewRuntimeConfigSinglePass},
	{name: tierwasm.BackendOptimizing, config: tierwasm.NewRuntimeConfigOptimizing},
	{name: tierwasm.BackendAheadOfTime, config: tierwasm.NewRuntimeConfigAheadOfTime},
}

// TestWorkloads ensures the benchmarks below measure code that works.
func TestWorkloads(t *testing.T) {
	for _, c := range configs {
		r, err := tierwasm.NewRuntime(c.config())
		require.NoError(t, err)
		for _, w := range workloads {
			res, err := r.CompileAndRun(testCtx, w.bin, w.export, w.args...)
			require.NoError(t, err)
			require.Equal(t, []api.Value{w.expected}, res.Values, "%s %s", c.name, w.name)
		}
		require.NoError(t, r.Close())
	}
}

// BenchmarkCompileAndRun compiles and executes each workload, without hitting the cache.
func BenchmarkCompileAndRun(b *testing.B) {
	for _, c := range configs {
		for _, w := range workloads {
			w := w
			b.Run(c.name+"/"+w.name, func(b *testing.B) {
				r, err := tierwasm.NewRuntime(c.config())
				if err != nil {
					b.Fatal(err)
				}
				defer r.Close()
				cm, err := r.Compile(testCtx, w.bin)
				if err != nil {
					b.Fatal(err)
				}
				key := cm.Key()
				b.ReportAllocs()
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					b.StopTimer()
					if err = r.Invalidate(key); err != nil {
						b.Fatal(err)
					}
					b.StartTimer()
					if _, err = r.CompileAndRun(testCtx, w.bin, w.export, w.args...); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

// BenchmarkAheadOfTimeCompile compiles each workload into an object and writes it to a store.
func BenchmarkAheadOfTimeCompile(b *testing.B) {
	for _, w := range workloads {
		w := w
		b.Run(w.name, func(b *testing.B) {
			r := newAheadOfTimeRuntime(b, b.TempDir())
			defer r.Close()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				key, err := r.AheadOfTimeCompile(testCtx, w.bin)
				if err != nil {
					b.Fatal(err)
				}
				b.StopTimer()
				if err = r.Invalidate(key); err != nil {
					b.Fatal(err)
				}
				b.StartTimer()
			}
		})
	}
}

// BenchmarkAheadOfTimeExecute loads each object from a store into a fresh runtime and executes it.
func BenchmarkAheadOfTimeExecute(b *testing.B) {
	for _, w := range workloads {
		w := w
		b.Run(w.name, func(b *testing.B) {
			dir := b.TempDir()
			compiler := newAheadOfTimeRuntime(b, dir)
			key, err := compiler.AheadOfTimeCompile(testCtx, w.bin)
			if err != nil {
				b.Fatal(err)
			}
			if err = compiler.Close(); err != nil {
				b.Fatal(err)
			}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				r := newAheadOfTimeRuntime(b, dir)
				if _, err = r.AheadOfTimeExecute(testCtx, key, w.export, w.args...); err != nil {
					b.Fatal(err)
				}
				if err = r.Close(); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func newAheadOfTimeRuntime(b *testing.B, dir string) *tierwasm.Runtime {
	store, err := tierwasm.OpenArtifactStore(tierwasm.StoreKindDir, dir)
	if err != nil {
		b.Fatal(err)
	}
	r, err := tierwasm.NewRuntime(tierwasm.NewRuntimeConfigAheadOfTime().WithArtifactStore(store))
	if err != nil {
		b.Fatal(err)
	}
	return r
}
