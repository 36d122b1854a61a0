package generic

import "sync"

// Pool is a typed wrapper around sync.Pool.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T) T
}

func NewPool[T any](generate func() T) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
	}
}

// NewResetPool creates a pool that applies reset to every value before it is
// returned to the pool. Used for reusable byte buffers.
func NewResetPool[T any](generate func() T, reset func(T) T) *Pool[T] {
	p := NewPool[T](generate)
	p.reset = reset
	return p
}

func NewHotPool[T any](generate func() T, hotSize int) *Pool[T] {
	p := NewPool[T](generate)
	for i := 0; i < hotSize; i++ {
		p.pool.Put(generate())
	}
	return p
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	if p.reset != nil {
		value = p.reset(value)
	}
	p.pool.Put(value)
}
