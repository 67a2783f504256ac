package peakfinder

import (
	"errors"
	"sync"
)

// ErrPoolClosed is returned when work is submitted to a closed Pool.
var ErrPoolClosed = errors.New("worker pool closed")

// PoolConfig sizes a Pool. ThreadsPerWorker is handed to every task so
// numeric code inside a task does not oversubscribe the CPU.
type PoolConfig struct {
	Workers          int
	ThreadsPerWorker int
}

// Pool runs tasks on a fixed set of goroutines.
type Pool struct {
	cfg    PoolConfig
	tasks  chan func(threads int)
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts cfg.Workers goroutines.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ThreadsPerWorker < 1 {
		cfg.ThreadsPerWorker = 1
	}
	p := &Pool{
		cfg:   cfg,
		tasks: make(chan func(threads int)),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		task(p.cfg.ThreadsPerWorker)
	}
}

// Config returns the configuration the pool was started with.
func (p *Pool) Config() PoolConfig { return p.cfg }

// Go blocks until a worker accepts task.
func (p *Pool) Go(task func(threads int)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.tasks <- task
	return nil
}

// Close stops accepting work and waits for in-flight tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}
