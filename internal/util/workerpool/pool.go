// Package workerpool runs fire-and-forget tasks, such as read repairs, on a
// fixed set of goroutines.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work. Tasks never inherit the submitter's context.
type Task struct {
	// Key coalesces tasks: while a task with the same non-empty key is
	// queued, further submissions of that key are absorbed.
	Key string
	Fn  func(context.Context) error
	// Timeout bounds the task; zero means the pool default.
	Timeout time.Duration
}

// Config holds worker pool configuration
type Config struct {
	Name        string
	MaxWorkers  int
	QueueSize   int
	TaskTimeout time.Duration
	Logger      *zap.Logger
}

// WorkerPool runs tasks on a bounded set of goroutines.
type WorkerPool struct {
	name        string
	workers     int
	taskTimeout time.Duration
	logger      *zap.Logger

	queue   chan Task
	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mu     sync.Mutex
	queued map[string]struct{}

	active    atomic.Int32
	accepted  atomic.Uint64
	coalesced atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// NewWorkerPool creates a pool and starts its workers.
func NewWorkerPool(cfg *Config) *WorkerPool {
	p := &WorkerPool{
		name:        cfg.Name,
		workers:     cfg.MaxWorkers,
		taskTimeout: cfg.TaskTimeout,
		logger:      cfg.Logger,
		stopped:     make(chan struct{}),
		queued:      make(map[string]struct{}),
	}
	if p.workers <= 0 {
		p.workers = 8
	}
	if p.taskTimeout <= 0 {
		p.taskTimeout = 30 * time.Second
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	p.queue = make(chan Task, queueSize)

	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.loop()
	}
	p.logger.Debug("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", queueSize))
	return p
}

func (p *WorkerPool) loop() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.queue:
			p.run(task)
		case <-p.stopped:
			// Accepted tasks still run.
			for {
				select {
				case task := <-p.queue:
					p.run(task)
				default:
					return
				}
			}
		}
	}
}

func (p *WorkerPool) run(task Task) {
	if task.Key != "" {
		p.mu.Lock()
		delete(p.queued, task.Key)
		p.mu.Unlock()
	}

	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	if err := p.call(task); err != nil {
		p.failed.Add(1)
		p.logger.Debug("Task failed",
			zap.String("pool", p.name),
			zap.String("key", task.Key),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

func (p *WorkerPool) call(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("key", task.Key),
				zap.Any("panic", r))
		}
	}()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = p.taskTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return task.Fn(ctx)
}

// TrySubmit queues a task without blocking. It returns false when the queue
// is full or the pool is stopped. A task absorbed by a queued task with the
// same key counts as accepted.
func (p *WorkerPool) TrySubmit(task Task) bool {
	select {
	case <-p.stopped:
		p.rejected.Add(1)
		return false
	default:
	}

	if task.Key != "" {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.queued[task.Key]; ok {
			p.coalesced.Add(1)
			return true
		}
	}

	select {
	case p.queue <- task:
		if task.Key != "" {
			p.queued[task.Key] = struct{}{}
		}
		p.accepted.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Stop stops accepting tasks, lets workers drain the queue and waits up to
// timeout for them.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		close(p.stopped)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Debug("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
		}
	})
	return err
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Accepted  uint64
	Coalesced uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Pending returns the number of accepted tasks that have not finished yet.
func (s Stats) Pending() uint64 {
	return s.Accepted - s.Completed - s.Failed
}

func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Accepted:  p.accepted.Load(),
		Coalesced: p.coalesced.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
