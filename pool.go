package mailjobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// Task is one unit handed to the pool. It receives the pool's context, which
// is cancelled when the pool closes.
type Task func(ctx context.Context)

// Pool is a bounded worker pool fed by a buffered channel. Request handlers
// only submit; a fixed number of goroutines drain the queue, so load never
// grows the number of goroutines.
type Pool struct {
	logger *slog.Logger
	tasks  chan Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines draining a queue of queueSize tasks.
// If too many workers are requested, the number is limited based on available CPU cores.
func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if maxWorkers := runtime.NumCPU() * 8; workers > maxWorkers {
		workers = maxWorkers
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: logger,
		tasks:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	logger.Info("starting job workers", "count", workers, "queueSize", queueSize)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work(i + 1)
	}
	return p
}

// Accepting reports whether Submit can currently succeed.
func (p *Pool) Accepting() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && len(p.tasks) < cap(p.tasks)
}

// Submit queues a task without blocking. It returns ErrPoolSaturated when the
// queue is full and ErrPoolClosed after Close.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolSaturated
	}
}

// Close stops accepting tasks, cancels the pool context and waits for the
// workers to return. Queued tasks still run and observe a cancelled context.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.logger.Info("job workers stopped")
}

func (p *Pool) work(workerID int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(workerID, task)
	}
}

// run isolates a task so that a panic fails only that task.
func (p *Pool) run(workerID int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job task panicked", "workerID", workerID, "panic", r)
		}
	}()
	task(p.ctx)
}
