// Package routines provides a simple goroutine pool.
package routines

import "sync"

// Pool runs queued functions in a fixed number of goroutines.
type Pool struct {
	ch       chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool starts a pool of size goroutines.
func NewPool(size uint) *Pool {
	p := Pool{
		ch: make(chan func()),
	}

	p.wg.Add(int(size))

	for i := uint(0); i < size; i++ {
		go func() {
			defer p.wg.Done()

			for fn := range p.ch {
				fn()
			}
		}()
	}

	return &p
}

// Queue schedules fn for execution.
// It blocks until a goroutine of the pool accepted fn.
// Calling Queue after Wait() panics.
func (p *Pool) Queue(fn func()) {
	p.ch <- fn
}

// Wait stops the pool and blocks until all queued functions terminated.
// It can be called multiple times.
func (p *Pool) Wait() {
	p.stopOnce.Do(func() { close(p.ch) })
	p.wg.Wait()
}
