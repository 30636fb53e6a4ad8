package pbench

import "sync"

type Pool[T any] struct {
	syncPool sync.Pool
	reset    func(T) T
}

func NewPool[T any](newFn func() T) *Pool[T] {
	pool := &Pool[T]{
		syncPool: sync.Pool{
			New: func() interface{} { return newFn() },
		},
	}

	return pool
}

// WithReset registers a function applied to every item handed back by Put.
func (p *Pool[T]) WithReset(fn func(T) T) *Pool[T] {
	p.reset = fn
	return p
}

// Get returns an arbitrary item from the pool.
func (p *Pool[T]) Get() T {
	return p.syncPool.Get().(T)
}

// Put places an item in the pool
func (p *Pool[T]) Put(value T) {
	if p.reset != nil {
		value = p.reset(value)
	}
	p.syncPool.Put(value)
}

// frameBuffers holds encode scratch space for responses. Pointers are pooled
// so Put does not allocate.
var frameBuffers = NewPool(func() *[]byte {
	b := make([]byte, 0, 4*ChunkSize)
	return &b
}).WithReset(func(b *[]byte) *[]byte {
	*b = (*b)[:0]
	return b
})
