package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
	"github.com/morezero/analysis-coordinator/pkg/health"
	"github.com/morezero/analysis-coordinator/pkg/scheduler"
)

const engineLogPrefix = "coordinator:engine"

// Stats is the engine-wide view returned by GetStats.
type Stats struct {
	CacheSize    int     `json:"cacheSize"`
	QueueDepth   int     `json:"queueDepth"`
	HealthyCount int     `json:"healthyCount"`
	CacheHitRate float64 `json:"cacheHitRate"`
	// AvgResponseTime is the mean wall time of completed Process calls.
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	Processed       uint64        `json:"processed"`
}

// Engine is the public surface: synchronous processing, deferred processing,
// health and stats.
type Engine struct {
	coordinator *Coordinator
	monitor     *health.Monitor
	dispatcher  *scheduler.Dispatcher
}

// NewEngine wires a coordinator to the dispatcher that drains into it.
func NewEngine(c *Coordinator, d *scheduler.Dispatcher) *Engine {
	return &Engine{coordinator: c, monitor: c.Monitor(), dispatcher: d}
}

// Process runs req synchronously.
func (e *Engine) Process(ctx context.Context, req *coordination.Request) *coordination.AggregatedResponse {
	return e.coordinator.Process(ctx, req)
}

// Enqueue validates req and queues it for deferred processing.
func (e *Engine) Enqueue(req *coordination.Request) (uint64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	seq := e.dispatcher.Enqueue(req)
	slog.Debug(fmt.Sprintf("%s - Enqueued %s request seq=%d priority=%s", engineLogPrefix, req.Type, seq, req.Priority))
	return seq, nil
}

// GetServiceHealth returns a copy of every backend health record.
func (e *Engine) GetServiceHealth() map[string]health.Record {
	return e.coordinator.ServiceHealth()
}

// GetStats returns cache, queue and health counters.
func (e *Engine) GetStats() Stats {
	cs := e.coordinator.CacheStats()
	return Stats{
		CacheSize:       cs.Size,
		QueueDepth:      e.dispatcher.Depth(),
		HealthyCount:    e.monitor.HealthyCount(),
		CacheHitRate:    cs.HitRate,
		AvgResponseTime: e.coordinator.AvgResponseTime(),
		Processed:       e.coordinator.Processed(),
	}
}

// Start launches the health sweep and the dispatcher drain loop.
func (e *Engine) Start(ctx context.Context) {
	e.monitor.Start(ctx)
	e.dispatcher.Start(ctx)
}

// Stop halts the drain loop, then the sweep.
func (e *Engine) Stop() {
	e.dispatcher.Stop()
	e.monitor.Stop()
}
