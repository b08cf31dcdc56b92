// Package workerpool runs background tasks on a fixed set of goroutines fed by
// a bounded queue.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNotRunning is returned by Submit before Start or after Stop.
	ErrNotRunning = errors.New("workerpool: pool not running")
	// ErrQueueFull is returned by Submit when DropOnFull is set and the queue
	// has no room.
	ErrQueueFull = errors.New("workerpool: task queue full, task dropped")
)

// Task is a unit of work. Execute receives the pool context, which is
// cancelled once Stop has drained the queue.
type Task struct {
	ID      string
	Execute func(ctx context.Context) error
}

// Config defines pool configuration options.
type Config struct {
	Workers    int
	QueueSize  int
	DropOnFull bool
}

// DefaultConfig returns the defaults used for summary refreshes.
func DefaultConfig() Config {
	return Config{
		Workers:    2,
		QueueSize:  64,
		DropOnFull: true,
	}
}

// Pool manages a fixed number of worker goroutines that execute submitted tasks.
type Pool struct {
	workers    int
	dropOnFull bool
	taskQueue  chan Task
	logger     *zap.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	running bool
	stopped bool

	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}
}

// New creates a pool. A nil logger is replaced with a no-op one.
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:    cfg.Workers,
		dropOnFull: cfg.DropOnFull,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the workers. A pool cannot be restarted after Stop.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("workerpool: pool already running")
	}
	if p.stopped {
		return errors.New("workerpool: pool already stopped")
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.running = true
	return nil
}

// Stop closes the queue, waits for queued tasks to finish and then cancels
// the pool context. ctx bounds the wait.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running = false
	p.stopped = true
	close(p.taskQueue)
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
		<-done
		return fmt.Errorf("workerpool: stop: %w", ctx.Err())
	}
}

// Submit queues a task. With DropOnFull a full queue returns ErrQueueFull
// immediately; otherwise Submit blocks until there is room or ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrNotRunning
	}
	p.track()
	if p.dropOnFull {
		select {
		case p.taskQueue <- task:
			return nil
		default:
			p.untrack()
			return ErrQueueFull
		}
	}
	select {
	case p.taskQueue <- task:
		return nil
	case <-ctx.Done():
		p.untrack()
		return fmt.Errorf("workerpool: submit: %w", ctx.Err())
	}
}

// Wait blocks until every accepted task has finished or ctx is done. The pool
// keeps running, so Wait can be called once per request.
func (p *Pool) Wait(ctx context.Context) error {
	p.pendingMu.Lock()
	if p.pending == 0 {
		p.pendingMu.Unlock()
		return nil
	}
	idle := p.idle
	p.pendingMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workerpool: wait: %w", ctx.Err())
	}
}

func (p *Pool) track() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if p.pending == 0 {
		p.idle = make(chan struct{})
	}
	p.pending++
}

func (p *Pool) untrack() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	p.pending--
	if p.pending == 0 {
		close(p.idle)
	}
}

// QueueDepth returns the number of tasks waiting in the queue.
func (p *Pool) QueueDepth() int {
	return len(p.taskQueue)
}

// IsRunning reports whether the pool accepts tasks.
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.taskQueue {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer p.untrack()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.Int("worker", id),
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
			)
		}
	}()
	if err := task.Execute(p.ctx); err != nil {
		p.logger.Warn("task failed",
			zap.Int("worker", id),
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
}
