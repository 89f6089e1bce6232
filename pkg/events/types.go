// Package events defines event types and publisher interfaces for backend health transitions
// and deferred request completions.
package events

import (
	"time"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
)

// HealthChangedEvent is emitted when a backend's health status changes.
// Publishing happens outside the monitor lock, so concurrent transitions of one
// service may arrive out of order. Seq increases by one per transition of that
// service; consumers should drop an event whose Seq is not above the last seen.
type HealthChangedEvent struct {
	Service        string  `json:"service"`
	Seq            uint64  `json:"seq"`
	PreviousStatus string  `json:"previousStatus"`
	Status         string  `json:"status"`
	ErrorRate      float64 `json:"errorRate"`
	ResponseTimeMs float64 `json:"responseTimeMs"`
	Timestamp      string  `json:"timestamp"`
}

// Recovered reports whether the transition returned the backend to healthy.
func (e *HealthChangedEvent) Recovered() bool {
	return e.Status == "healthy" && e.PreviousStatus != "healthy"
}

// DeferredCompletedEvent is emitted when the deferred queue finishes a request.
type DeferredCompletedEvent struct {
	Seq         uint64                           `json:"seq"`
	RequestID   string                           `json:"requestId"`
	Priority    coordination.Priority            `json:"priority"`
	EnqueuedAt  time.Time                        `json:"enqueuedAt"`
	CompletedAt time.Time                        `json:"completedAt"`
	Response    *coordination.AggregatedResponse `json:"response"`
}
