package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var (
	// ErrQueueFull is returned by Pool.Dispatch when every queue slot is taken.
	ErrQueueFull = errors.New("dispatch queue is full")
	// ErrPoolClosed is returned by Pool.Dispatch after Stop.
	ErrPoolClosed = errors.New("dispatch pool is stopped")
)

// ExecFunc runs one task by id. Orchestrator.Execute satisfies it.
type ExecFunc func(ctx context.Context, taskID string) error

// Pool is an in-process Dispatcher: a fixed set of goroutines draining a
// bounded queue of task ids.
type Pool struct {
	exec   ExecFunc
	queue  chan string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool starts workers goroutines that call exec for each dispatched id.
func NewPool(exec ExecFunc, workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		exec:   exec,
		queue:  make(chan string, queueSize),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) Name() string { return "pool" }

// Dispatch enqueues taskID without blocking.
func (p *Pool) Dispatch(_ context.Context, taskID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- taskID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len is the number of ids waiting in the queue.
func (p *Pool) Len() int { return len(p.queue) }

func (p *Pool) worker() {
	defer p.wg.Done()
	for id := range p.queue {
		p.runOne(id)
	}
}

func (p *Pool) runOne(id string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool worker recovered panic",
				slog.String("task_id", id),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := p.exec(p.ctx, id); err != nil {
		p.logger.Error("task execution error",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Stop refuses new dispatches and waits for queued ids to be executed. If
// ctx ends first the workers' context is cancelled and Stop returns
// ctx.Err() once they exit; ids still queued then stay pending in the
// ledger for the reaper.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		// Drop whatever is left so workers exit after their current task.
		for range p.queue {
		}
		<-done
		return ctx.Err()
	}
}
