package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work bound to the topology it was started under
type Task struct {
	ID         string
	TopologyID int
	Fn         func(context.Context) error
}

type queuedTask struct {
	Task
	ctx    context.Context
	cancel context.CancelFunc
}

// Pool runs tasks on a bounded set of goroutines. Every task gets its own
// context so that it can be cancelled while queued or running.
type Pool struct {
	name      string
	workers   int
	queue     chan *queuedTask
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu      sync.Mutex
	pending map[string]*queuedTask

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
	cancelled uint64
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// New creates a pool and starts its workers
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:      cfg.Name,
		workers:   cfg.Workers,
		queue:     make(chan *queuedTask, cfg.QueueSize),
		logger:    cfg.Logger,
		stopCh:    make(chan struct{}),
		baseCtx:   ctx,
		cancelAll: cancel,
		pending:   make(map[string]*queuedTask),
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case task := <-p.queue:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(workerID int, task *queuedTask) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)
	defer p.forget(task)

	if task.ctx.Err() != nil {
		atomic.AddUint64(&p.cancelled, 1)
		return
	}

	start := time.Now()
	err := p.safeRun(task)
	duration := time.Since(start)

	switch {
	case err == nil:
		atomic.AddUint64(&p.completed, 1)
		p.logger.Debug("Task completed",
			zap.String("pool", p.name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))
	case task.ctx.Err() != nil:
		atomic.AddUint64(&p.cancelled, 1)
		p.logger.Debug("Task cancelled",
			zap.String("pool", p.name),
			zap.String("task_id", task.ID),
			zap.Int("topology_id", task.TopologyID))
	default:
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Int("topology_id", task.TopologyID),
			zap.Duration("duration", duration),
			zap.Error(err))
	}
}

func (p *Pool) safeRun(task *queuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return task.Fn(task.ctx)
}

func (p *Pool) forget(task *queuedTask) {
	task.cancel()
	p.mu.Lock()
	if p.pending[task.ID] == task {
		delete(p.pending, task.ID)
	}
	p.mu.Unlock()
}

func (p *Pool) prepare(task Task) (*queuedTask, error) {
	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejected, 1)
		return nil, fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}

	ctx, cancel := context.WithCancel(p.baseCtx)
	qt := &queuedTask{Task: task, ctx: ctx, cancel: cancel}

	p.mu.Lock()
	p.pending[task.ID] = qt
	p.mu.Unlock()
	return qt, nil
}

// Submit enqueues task without blocking. It fails when the queue is full or
// the pool is stopped.
func (p *Pool) Submit(task Task) error {
	qt, err := p.prepare(task)
	if err != nil {
		return err
	}

	select {
	case p.queue <- qt:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	default:
		p.forget(qt)
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' queue is full", p.name)
	}
}

// Cancel cancels a queued or running task by id
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	qt, ok := p.pending[id]
	p.mu.Unlock()
	if ok {
		qt.cancel()
	}
	return ok
}

// CancelOlderThan cancels every task started under a topology before topologyID.
// Returns the number of tasks cancelled.
func (p *Pool) CancelOlderThan(topologyID int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, qt := range p.pending {
		if qt.TopologyID < topologyID && qt.ctx.Err() == nil {
			qt.cancel()
			n++
		}
	}
	return n
}

// Stop cancels outstanding tasks and waits for the workers to exit
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		close(p.stopCh)
		p.cancelAll()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats represents worker pool statistics
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	Cancelled uint64 `json:"cancelled"`
}

// Stats returns current worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.queue),
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
		Cancelled: atomic.LoadUint64(&p.cancelled),
	}
}
