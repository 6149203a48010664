// Package workpool generalizes the teacher's channel-rendezvous worker
// pattern (gotetra.go's chanInterpolate/out chan int, used there for a
// single density-rendering loop) into a reusable helper: split [0, n)
// across goroutines, run work on each slice, block until all report back.
//
// This is the shape behind spec §5's "threads execute parallel loops over
// particles and reduce into per-thread arrays merged by one thread at the
// end" — used by summary's per-leaf reduction. toptree's local refinement
// and exchange's packing loops stay serial: both thread a sequential
// node-allocation or byte-buffer cursor through the scan, so sharding them
// here would need extra bookkeeping just to re-serialize the writes, for a
// pass over orders of magnitude fewer nodes than particles.
package workpool

import "runtime"

// Run partitions [0, n) into at most Workers() contiguous shards and calls
// work(shardID, lo, hi) once per shard concurrently, blocking until every
// shard has returned. shardID is in [0, numShards); numShards <= Workers().
func Run(n int, work func(shardID, lo, hi int)) {
	if n <= 0 {
		return
	}
	workers := Workers()
	if workers > n {
		workers = n
	}

	chunk := (n + workers - 1) / workers
	done := make(chan struct{}, workers)
	shards := 0
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		id := shards
		shards++
		go func(id, lo, hi int) {
			work(id, lo, hi)
			done <- struct{}{}
		}(id, lo, hi)
	}
	for i := 0; i < shards; i++ {
		<-done
	}
}

// Workers returns the degree of parallelism Run uses: one goroutine per
// available CPU, the teacher's own convention (gotetra.go's
// `man.workers = runtime.NumCPU()`).
func Workers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}
