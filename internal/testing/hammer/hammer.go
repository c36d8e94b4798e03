// Package hammer runs a test body from many goroutines at once, to surface races in code that is meant to be
// shared, such as the artifact cache and compiled modules.
package hammer

import (
	"runtime"
	"sync"
	"testing"
)

// Run invokes test concurrently in P goroutines, each looping N times. All goroutines start together once every
// one of them is running. A panic in a goroutine, including a failed require, fails t instead of crashing.
//
// Callers return early on failure:
//
//	hammer.Run(t, P, N, func(p, n int) {
//		// p is the goroutine, n the iteration.
//	})
//	if t.Failed() {
//		return
//	}
func Run(t *testing.T, P, N int, test func(p, n int)) {
	t.Helper()
	// Fewer procs than goroutines forces them to interleave.
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(max(P/2, 1)))

	start := make(chan struct{})
	var ready, done sync.WaitGroup
	ready.Add(P)
	done.Add(P)
	for p := 0; p < P; p++ {
		go func(p int) {
			defer done.Done()
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("goroutine %d: %v", p, r)
				}
			}()
			ready.Done()
			<-start
			for n := 0; n < N; n++ {
				test(p, n)
			}
		}(p)
	}
	ready.Wait()
	close(start)
	done.Wait()
}
