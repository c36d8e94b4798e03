package tierwasm_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/tetratelabs/tierwasm"
	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/testing/binaryencoding"
)

// This is a basic example of compiling and running a module.
func Example() {
	ctx := context.Background()

	r, err := tierwasm.NewRuntime(tierwasm.NewRuntimeConfigOptimizing())
	if err != nil {
		log.Panicln(err)
	}
	defer r.Close()

	result, err := r.CompileAndRun(ctx, binaryencoding.AddOne(), "add_one", api.I32(10))
	if err != nil {
		log.Panicln(err)
	}
	fmt.Println(result.Values)

	result, err = r.CompileAndRun(ctx, binaryencoding.Traps(), "div", api.I32(1), api.I32(0))
	if err != nil {
		log.Panicln(err)
	}
	fmt.Println(result.Trap.Kind, result.Trap.FunctionName)

	// Output:
	// [i32(11)]
	// integer_divide_by_zero div
}

// This shows how to compile ahead of time into a store, and execute from it with a runtime that never sees the
// binary, as another process would.
func Example_aheadOfTime() {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "tierwasm")
	if err != nil {
		log.Panicln(err)
	}
	defer os.RemoveAll(dir)

	var key tierwasm.CacheKey
	{
		store, err := tierwasm.OpenArtifactStore(tierwasm.StoreKindDir, dir)
		if err != nil {
			log.Panicln(err)
		}
		r, err := tierwasm.NewRuntime(tierwasm.NewRuntimeConfigAheadOfTime().WithArtifactStore(store))
		if err != nil {
			log.Panicln(err)
		}
		if key, err = r.AheadOfTimeCompile(ctx, binaryencoding.Fibonacci()); err != nil {
			log.Panicln(err)
		}
		r.Close()
	}

	store, err := tierwasm.OpenArtifactStore(tierwasm.StoreKindDir, dir)
	if err != nil {
		log.Panicln(err)
	}
	r, err := tierwasm.NewRuntime(tierwasm.NewRuntimeConfigAheadOfTime().WithArtifactStore(store))
	if err != nil {
		log.Panicln(err)
	}
	defer r.Close()

	result, err := r.AheadOfTimeExecute(ctx, key, "fib", api.I32(30))
	if err != nil {
		log.Panicln(err)
	}
	fmt.Println(result.Values)

	// Output:
	// [i64(832040)]
}

// This shows how to provide a host function to a module.
func Example_hostFunction() {
	ctx := context.Background()

	r, err := tierwasm.NewRuntime(tierwasm.NewRuntimeConfigSinglePass())
	if err != nil {
		log.Panicln(err)
	}
	defer r.Close()

	cm, err := r.Compile(ctx, binaryencoding.HostCall())
	if err != nil {
		log.Panicln(err)
	}
	inst, err := r.Instantiate(ctx, cm, tierwasm.Imports{"env": {"add": &tierwasm.HostFunction{
		Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		Results: []api.ValueType{api.ValueTypeI32},
		Fn: func(_ context.Context, _ api.Memory, args []api.Value) ([]api.Value, error) {
			return []api.Value{api.I32(args[0].I32() + args[1].I32())}, nil
		},
	}}})
	if err != nil {
		log.Panicln(err)
	}
	defer inst.Close()

	result, err := r.Execute(ctx, inst, "add_ten", api.I32(32))
	if err != nil {
		log.Panicln(err)
	}
	fmt.Println(result.Values)

	// Output:
	// [i32(42)]
}
