package saf

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// BlockingPool bounds how many CPU-heavy tasks run at once so a large batch
// cannot starve the rest of the node.
type BlockingPool struct {
	sem  *semaphore.Weighted
	size int
}

// NewBlockingPool allows size concurrent tasks; size <= 0 means NumCPU.
func NewBlockingPool(size int) *BlockingPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &BlockingPool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Do waits for a slot and runs fn in the calling goroutine. It returns
// ctx.Err() without running fn if ctx ends first.
func (p *BlockingPool) Do(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	fn()
	return nil
}

func (p *BlockingPool) Size() int {
	return p.size
}
