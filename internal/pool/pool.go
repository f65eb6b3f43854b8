// Package pool runs fetch tasks on a bounded set of long-lived workers that
// recover from task faults, replace themselves on fatal faults and overflow to
// a capped lane of detached goroutines when the queue is full.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchengine/internal/fetch"
	"github.com/JakeFAU/fetchengine/internal/metrics"
)

var (
	// ErrRejected is returned when both the queue and the overflow lane are full.
	ErrRejected = errors.New("pool: task rejected")
	// ErrShuttingDown is returned by Submit once Shutdown has started.
	ErrShuttingDown = errors.New("pool: shutting down")
	// ErrFatal marks a fault the worker must not survive.
	ErrFatal = errors.New("pool: fatal worker fault")
	// ErrShutdownTimeout is returned when tasks are still running after the force period.
	ErrShutdownTimeout = errors.New("pool: shutdown timed out")
)

// Fatal wraps err so the worker running the task exits and is replaced.
// It may be returned from a task or used as a panic value.
func Fatal(err error) error {
	if err == nil {
		err = errors.New("unspecified")
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Task is a unit of work. ctx is cancelled when the pool is force-stopped.
type Task func(ctx context.Context) error

// Clock supplies timestamps for health snapshots.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Default pool settings.
const (
	DefaultWorkers      = 10
	DefaultQueueSize    = 1024
	DefaultDrainTimeout = 60 * time.Second
	DefaultForceTimeout = 10 * time.Second
)

// Config sizes the pool. Zero values use the defaults.
type Config struct {
	Workers       int
	QueueSize     int
	OverflowLimit int
	DrainTimeout  time.Duration
	ForceTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.OverflowLimit <= 0 {
		c.OverflowLimit = c.Workers
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.ForceTimeout <= 0 {
		c.ForceTimeout = DefaultForceTimeout
	}
	return c
}

// Pool is a self-healing worker pool. The zero value is not usable; call New.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	clock  Clock

	queue    chan Task
	overflow chan struct{}

	// mu guards closed against concurrent sends on queue.
	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	workers      sync.WaitGroup
	overflowRuns sync.WaitGroup
	drained      chan struct{}
	shutdownOnce sync.Once

	nextID    atomic.Int64
	current   atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	created   atomic.Int64
	replaced  atomic.Int64

	stateMu   sync.Mutex
	state     fetch.PoolState
	lastCheck time.Time
}

// New builds a pool and starts cfg.Workers workers.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		logger:   logger,
		clock:    wallClock{},
		queue:    make(chan Task, cfg.QueueSize),
		overflow: make(chan struct{}, cfg.OverflowLimit),
		ctx:      ctx,
		cancel:   cancel,
		drained:  make(chan struct{}),
		state:    fetch.PoolRunning,
	}
	p.Replenish()
	return p
}

// WithClock replaces the timestamp source used in health snapshots.
func (p *Pool) WithClock(c Clock) *Pool {
	if c != nil {
		p.clock = c
	}
	return p
}

// TargetSize is the configured number of workers.
func (p *Pool) TargetSize() int {
	return p.cfg.Workers
}

// Submit enqueues task without blocking. When the queue is full the task runs
// on the overflow lane; when that is saturated too ErrRejected is returned.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("pool: nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}

	select {
	case p.queue <- task:
		return nil
	default:
	}

	select {
	case p.overflow <- struct{}{}:
	default:
		p.logger.Error("task rejected, queue and overflow lane full",
			zap.Int("queue_size", len(p.queue)),
			zap.Int("overflow_limit", p.cfg.OverflowLimit),
		)
		return ErrRejected
	}

	p.replaced.Add(1)
	metrics.ObserveOverflow()
	metrics.ObserveWorkerReplaced("overflow")
	p.logger.Warn("queue full, running task on overflow lane", zap.Int("queue_size", len(p.queue)))
	p.overflowRuns.Add(1)
	go func() {
		defer p.overflowRuns.Done()
		defer func() { <-p.overflow }()
		p.run(task)
	}()
	return nil
}

// Replenish starts workers until the live count reaches the target size.
// It returns the number of workers started.
func (p *Pool) Replenish() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0
	}
	started := 0
	for {
		cur := p.current.Load()
		if cur >= int64(p.cfg.Workers) {
			break
		}
		if !p.current.CompareAndSwap(cur, cur+1) {
			continue
		}
		p.created.Add(1)
		p.workers.Add(1)
		go p.worker(p.nextID.Add(1))
		started++
	}
	if started > 0 {
		p.publishGauges()
	}
	return started
}

func (p *Pool) worker(id int64) {
	defer p.workers.Done()
	for task := range p.queue {
		if p.run(task) {
			p.current.Add(-1)
			p.replaced.Add(1)
			metrics.ObserveWorkerReplaced("fatal")
			p.logger.Error("critical fault, replacing worker", zap.Int64("worker_id", id))
			p.Replenish()
			return
		}
	}
	p.current.Add(-1)
}

// run executes task inside a recover boundary and reports whether the fault
// was fatal.
func (p *Pool) run(task Task) (fatal bool) {
	p.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err := panicError(r)
			fatal = errors.Is(err, ErrFatal)
			if !fatal {
				p.logger.Warn("task panicked, worker continues", zap.Error(err))
			}
		}
		p.active.Add(-1)
		p.completed.Add(1)
	}()

	if err := task(p.ctx); err != nil {
		if errors.Is(err, ErrFatal) {
			return true
		}
		p.logger.Warn("task failed", zap.Error(err))
	}
	return false
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", r)
}

// Health returns a snapshot of the pool counters.
func (p *Pool) Health() fetch.Health {
	p.stateMu.Lock()
	state, last := p.state, p.lastCheck
	p.stateMu.Unlock()
	return fetch.Health{
		ActiveWorkers:   int(p.active.Load()),
		CurrentSize:     int(p.current.Load()),
		TargetSize:      p.cfg.Workers,
		CompletedTasks:  p.completed.Load(),
		QueueDepth:      len(p.queue),
		WorkersCreated:  p.created.Load(),
		WorkersReplaced: p.replaced.Load(),
		LastCheck:       last,
		State:           state,
	}
}

func (p *Pool) markChecked(state fetch.PoolState) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.lastCheck = p.clock.Now()
	if p.state == fetch.PoolRunning || p.state == fetch.PoolDegraded {
		p.state = state
	}
}

func (p *Pool) setState(state fetch.PoolState) {
	p.stateMu.Lock()
	p.state = state
	p.stateMu.Unlock()
}

func (p *Pool) publishGauges() {
	metrics.SetPoolGauges(int(p.current.Load()), p.cfg.Workers, int(p.active.Load()), len(p.queue))
}

// Shutdown stops accepting tasks and lets queued ones drain. After the drain
// period, or when ctx is done, task contexts are cancelled and the pool waits
// for the force period before giving up. Calling it again waits on the same
// shutdown.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.setState(fetch.PoolShuttingDown)
		p.logger.Info("shutting down worker pool", zap.Int("queued", len(p.queue)))
		go func() {
			p.workers.Wait()
			p.overflowRuns.Wait()
			close(p.drained)
		}()
	})

	drain := time.NewTimer(p.cfg.DrainTimeout)
	defer drain.Stop()
	select {
	case <-p.drained:
		p.stopped()
		return nil
	case <-drain.C:
		p.logger.Warn("worker pool did not drain in time, forcing shutdown")
	case <-ctx.Done():
		p.logger.Warn("shutdown context done, forcing shutdown", zap.Error(ctx.Err()))
	}

	p.cancel()
	force := time.NewTimer(p.cfg.ForceTimeout)
	defer force.Stop()
	select {
	case <-p.drained:
		p.stopped()
		return nil
	case <-force.C:
		p.logger.Error("worker pool did not terminate")
		return ErrShutdownTimeout
	}
}

func (p *Pool) stopped() {
	p.cancel()
	p.setState(fetch.PoolStopped)
	p.publishGauges()
}
