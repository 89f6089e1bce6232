package db

import "time"

// OutcomeRecord represents a row in the coordination_outcomes table.
type OutcomeRecord struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	RequestType    string    `json:"request_type"`
	Priority       string    `json:"priority"`
	Success        bool      `json:"success"`
	Services       []string  `json:"services"`
	FailedServices []string  `json:"failed_services"`
	CacheHit       bool      `json:"cache_hit"`
	EstimatedCost  float64   `json:"estimated_cost"`
	TotalMs        int64     `json:"total_ms"`
	ErrorCode      *string   `json:"error_code,omitempty"`
	Created        time.Time `json:"created"`
}

// ServiceSummary aggregates journaled outcomes for one backend.
type ServiceSummary struct {
	Service     string  `json:"service"`
	Invocations int     `json:"invocations"`
	Failures    int     `json:"failures"`
	FailureRate float64 `json:"failure_rate"`
}
