// Package parallel provides the worker-pool helpers used by the kiln
// normalization kernels.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled    bool // Whether parallel execution is enabled.
	NumWorkers int  // Number of worker goroutines to use.
	MinItems   int  // Minimum items before spawning workers.
}

// DefaultConfig returns sensible defaults based on CPU count.
// MinItems is 2: the work items here are whole channels, which are coarse
// enough to parallelize as soon as there is more than one.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:    n > 1,
		NumWorkers: n,
		MinItems:   2,
	}
}

// For executes f(i) for i in [0, n) with optional parallelism. Each index is
// an independent unit of work; f must not share mutable state across
// indices. Accumulation inside one index stays sequential, which keeps
// floating-point results reproducible across runs.
//
// Falls back to sequential execution if parallelism is disabled or n is
// below the configured minimum. The call blocks until all items complete.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || n < cfg.MinItems || cfg.NumWorkers <= 1 {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	workers := cfg.NumWorkers
	if workers > n {
		workers = n
	}
	chunkSize := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}
