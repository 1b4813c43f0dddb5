package engine

import (
	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrent backend calls across all jobs
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a pool running at most size calls at once
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the pool capacity
func (p *Pool) Size() int { return p.size }

// TryGo runs fn in a new goroutine if a slot is free. It never blocks.
func (p *Pool) TryGo(fn func()) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	go func() {
		defer p.sem.Release(1)
		fn()
	}()
	return true
}
