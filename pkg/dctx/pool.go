package dctx

import "context"

// BlockingPool bounds concurrent CPU-bound work (index parsing, zip
// creation, SQLite compaction) to a fixed number of slots, the Go
// equivalent spec.md §5 calls for in place of Rust's named blocking-task
// pool. A buffered channel used as a counting semaphore is the idiom the
// teacher already reaches for throughout (pkg/worker/worker.go,
// pkg/scheduler/scheduler.go, pkg/events/events.go all gate concurrency
// with `make(chan struct{}, n)`); no pack repo imports a worker-pool
// library, so this is reimplemented directly rather than adopting one.
type BlockingPool struct {
	sem chan struct{}
}

// NewBlockingPool builds a pool that runs at most size tasks concurrently.
func NewBlockingPool(size int) *BlockingPool {
	if size <= 0 {
		size = 1
	}
	return &BlockingPool{sem: make(chan struct{}, size)}
}

// Submit blocks until a slot is free (or ctx is done), runs fn, then
// releases the slot.
func (p *BlockingPool) Submit(ctx context.Context, fn func() error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	return fn()
}
