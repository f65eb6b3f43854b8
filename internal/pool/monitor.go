package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchengine/internal/fetch"
)

// Default monitor settings.
const (
	DefaultMonitorInterval = 30 * time.Second
	DefaultQueueWarnDepth  = 100
)

// MonitorConfig tunes the health monitor. Zero values use the defaults.
type MonitorConfig struct {
	Interval       time.Duration
	QueueWarnDepth int
	// ReplacedWarnFactor scales the target size into the instability threshold.
	ReplacedWarnFactor int
}

// Monitor periodically inspects a Pool and restores lost capacity.
type Monitor struct {
	pool   *Pool
	cfg    MonitorConfig
	logger *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewMonitor binds a monitor to p. Call Start to begin periodic checks.
func NewMonitor(p *Pool, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorInterval
	}
	if cfg.QueueWarnDepth <= 0 {
		cfg.QueueWarnDepth = DefaultQueueWarnDepth
	}
	if cfg.ReplacedWarnFactor <= 0 {
		cfg.ReplacedWarnFactor = 2
	}
	return &Monitor{
		pool:   p,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the check loop. It returns immediately; later calls are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.loop(ctx)
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one health pass: it records the check time, replenishes missing
// workers and logs capacity or instability warnings.
func (m *Monitor) Check() fetch.Health {
	h := m.pool.Health()
	if h.State == fetch.PoolShuttingDown || h.State == fetch.PoolStopped {
		m.pool.markChecked(h.State)
		return m.pool.Health()
	}

	degraded := false
	if h.CurrentSize < h.TargetSize {
		started := m.pool.Replenish()
		m.logger.Warn("worker pool below target size, replenishing",
			zap.Int("current", h.CurrentSize),
			zap.Int("target", h.TargetSize),
			zap.Int("started", started),
		)
		if h.CurrentSize+started < h.TargetSize {
			degraded = true
		}
	}
	if h.QueueDepth > m.cfg.QueueWarnDepth {
		degraded = true
		m.logger.Warn("high queue depth, consider increasing pool size",
			zap.Int("queue_depth", h.QueueDepth),
			zap.Int("threshold", m.cfg.QueueWarnDepth),
		)
	}
	if limit := int64(h.TargetSize * m.cfg.ReplacedWarnFactor); h.WorkersReplaced > limit {
		degraded = true
		m.logger.Warn("high worker replacement count, pool may be unstable",
			zap.Int64("workers_replaced", h.WorkersReplaced),
			zap.Int64("threshold", limit),
		)
	}

	state := fetch.PoolRunning
	if degraded {
		state = fetch.PoolDegraded
	}
	m.pool.markChecked(state)
	m.pool.publishGauges()

	h = m.pool.Health()
	m.logger.Debug("worker pool health",
		zap.Int("active", h.ActiveWorkers),
		zap.Int("size", h.CurrentSize),
		zap.Int64("completed", h.CompletedTasks),
		zap.Int("queue_depth", h.QueueDepth),
		zap.String("state", string(h.State)),
	)
	return h
}

// Stop ends the check loop and waits for it to exit or for ctx to be done.
func (m *Monitor) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	// A monitor that never started has no loop to close done.
	m.startOnce.Do(func() { close(m.done) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
