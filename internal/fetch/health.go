package fetch

import "time"

// PoolState is the lifecycle state of the worker pool.
type PoolState string

// Pool states reported in health snapshots.
const (
	PoolRunning      PoolState = "running"
	PoolDegraded     PoolState = "degraded"
	PoolShuttingDown PoolState = "shutting_down"
	PoolStopped      PoolState = "stopped"
)

// Health is a point-in-time read of the worker pool.
type Health struct {
	ActiveWorkers   int       `json:"active_workers"`
	CurrentSize     int       `json:"pool_size"`
	TargetSize      int       `json:"core_pool_size"`
	CompletedTasks  int64     `json:"completed_tasks"`
	QueueDepth      int       `json:"queue_size"`
	WorkersCreated  int64     `json:"workers_created"`
	WorkersReplaced int64     `json:"workers_replaced"`
	LastCheck       time.Time `json:"last_health_check"`
	State           PoolState `json:"state"`
}

// Healthy reports whether the pool is at or above its target size.
func (h Health) Healthy() bool {
	return h.CurrentSize >= h.TargetSize
}

// MarshalHealth flattens a snapshot into the map shape used by the HTTP surface.
func MarshalHealth(h Health) map[string]any {
	return map[string]any{
		"active_workers":    h.ActiveWorkers,
		"pool_size":         h.CurrentSize,
		"core_pool_size":    h.TargetSize,
		"completed_tasks":   h.CompletedTasks,
		"queue_size":        h.QueueDepth,
		"workers_created":   h.WorkersCreated,
		"workers_replaced":  h.WorkersReplaced,
		"last_health_check": h.LastCheck,
		"state":             h.State,
		"is_healthy":        h.Healthy(),
	}
}
